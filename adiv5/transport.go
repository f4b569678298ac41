// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package adiv5

import (
	"fmt"

	"github.com/blackprobe/dbgcore/link"
)

// swdTransport drives a DebugPort over Serial Wire Debug (wire
// behavior).
type swdTransport struct {
	d link.SWD
}

// request byte fields: start(1) APnDP(1) RnW(1) A[2](2) parity(1)
// stop(0) park(1).
func swdRequest(apndp, rnw bool, addr uint8) byte {
	a := (addr >> 2) & 0x3

	req := byte(1) // start
	if apndp {
		req |= 1 << 1
	}
	if rnw {
		req |= 1 << 2
	}
	req |= a << 3

	parity := oddParity(uint32(req>>1) & 0xF)
	if parity {
		req |= 1 << 5
	}
	req |= 1 << 7 // park
	return req
}

func oddParity(v uint32) bool {
	p := false
	for v != 0 {
		p = !p
		v &= v - 1
	}
	return p
}

func (t *swdTransport) lowAccess(apndp, rnw bool, addr uint8, value uint32) (uint32, uint8, error) {
	req := swdRequest(apndp, rnw, addr)

	if err := t.d.SeqOut(uint64(req), 8); err != nil {
		return 0, 0, err
	}

	// trn: turnaround, one idle cycle while the bus direction flips.
	ackBits, err := t.d.SeqIn(3)
	if err != nil {
		return 0, 0, err
	}
	ack := uint8(ackBits) & 0x7

	if ack != AckOK {
		// Clock the trailing 8-cycle idle even on a non-OK ack so the bus
		// stays framed for the next request.
		_ = t.d.SeqOut(0, 8)
		return 0, ack, nil
	}

	var data uint32
	if rnw {
		v, parityOK, err := t.d.SeqInParity()
		if err != nil {
			return 0, 0, err
		}
		data = v
		if !parityOK {
			return 0, 0, fmt.Errorf("adiv5: %w", ErrLinkParity)
		}
	} else {
		if err := t.d.SeqOutParity(value); err != nil {
			return 0, 0, err
		}
	}

	// An 8-cycle idle is clocked after every access: correctness over
	// speed.
	if err := t.d.SeqOut(0, 8); err != nil {
		return 0, 0, err
	}

	return data, ack, nil
}

func (t *swdTransport) lineReset() error {
	return link.LineReset(t.d)
}

func (t *swdTransport) writeTargetSel(targetsel uint32) error {
	// DPv2 TARGETSEL is written with a request byte whose ack is not
	// sampled: the target does not drive the ack line for this
	// command. We send the request, then clock the 32-bit value plus
	// parity blind.
	req := swdRequest(false, false, TargetSel)
	if err := t.d.SeqOut(uint64(req), 8); err != nil {
		return err
	}
	// turnaround + 3 ack cycles are still clocked, but ignored.
	if _, err := t.d.SeqIn(3); err != nil {
		return err
	}
	return t.d.SeqOutParity(targetsel)
}

// jtagTransport drives a DebugPort over JTAG-DP, addressed by chain
// position idx.
type jtagTransport struct {
	d   link.JTAG
	idx int
}

// JTAG-DP DPACC/APACC scan chain, 35 bits LSB first: bits [2:0] carry
// RnW and A[3:2] in and the 3-bit ack out, bits [34:3] the 32-bit data.
const (
	irJTAGDPACC = 0xA
	irJTAGAPACC = 0xB
)

func (t *jtagTransport) lowAccess(apndp, rnw bool, addr uint8, value uint32) (uint32, uint8, error) {
	ir := uint32(irJTAGDPACC)
	if apndp {
		ir = irJTAGAPACC
	}
	if err := t.d.ShiftIR(t.idx, ir); err != nil {
		return 0, 0, err
	}

	a := (addr >> 2) & 0x3
	dr := uint64(a) << 1
	if rnw {
		dr |= 1
	} else {
		dr |= uint64(value) << 3
	}
	in := make([]byte, 5)
	for i := range in {
		in[i] = byte(dr >> (8 * i))
	}

	out, err := t.d.ShiftDR(t.idx, in, 35)
	if err != nil {
		return 0, 0, err
	}

	var raw uint64
	for i := 0; i < len(out) && i < 5; i++ {
		raw |= uint64(out[i]) << (8 * i)
	}
	ack := uint8(raw & 0x7)
	data := uint32(raw >> 3)
	return data, ack, nil
}

func (t *jtagTransport) lineReset() error {
	// JTAG-DP protocol recovery is a TAP reset (5 TMS=1 cycles) into
	// Test-Logic-Reset rather than an SWD line reset.
	return t.d.TMSSeq(0x1F, 5)
}

func (t *jtagTransport) writeTargetSel(uint32) error {
	// TAP position, not TARGETSEL, selects the target on a JTAG chain
	//; nothing to re-assert.
	return nil
}
