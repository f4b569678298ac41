// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package riscv

import (
	"fmt"

	"github.com/blackprobe/dbgcore/link"
)

// DMI operation codes, as shifted into the low two bits of a DMI frame and
// as returned in the response status field.
const (
	dmiOpNop   = 0
	dmiOpRead  = 1
	dmiOpWrite = 2

	dmiStatOK       = 0
	dmiStatReserved = 1
	dmiStatFailed   = 2
	dmiStatBusy     = 3
)

// dmiBaseBits is the fixed frame width below the address field: 32 data
// bits plus the 2-bit op.
const dmiBaseBits = 34

// maxIdleCycles bounds the adaptive Run-Test/Idle backoff; a DTM still
// busy at this many idles is broken.
const maxIdleCycles = 9

// DTM is the Debug Transport Module contract: one DMI frame exchanged,
// busy backoff handled inside. Exec returns the 32-bit response data and
// the response status.
type DTM interface {
	Exec(addr uint32, data uint32, op uint8) (uint32, uint8, error)

	// SoftReset clears an in-flight DMI transaction (DTMCS.DMIRESET).
	SoftReset() error

	// HardReset forgets all DTM state (DTMCS.DMIHARDRESET); used only
	// before a full rediscovery.
	HardReset() error
}

// DTMCS register fields.
const (
	dtmcsVersionMask  = 0xF
	dtmcsABitsShift   = 4
	dtmcsABitsMask    = 0x3F
	dtmcsStatShift    = 10
	dtmcsStatMask     = 0x3
	dtmcsIdleShift    = 12
	dtmcsIdleMask     = 0x7
	dtmcsDMIReset     = 1 << 16
	dtmcsDMIHardReset = 1 << 17
)

// JTAGDTM drives a RISC-V Debug Transport Module over a JTAG TAP.
type JTAGDTM struct {
	d   link.JTAG
	idx int

	abits   int
	idle    uint8
	version int

	// lastDMI is the previous frame, re-applied after a busy recovery so
	// its possibly-lost side effect is restored before the retried frame.
	lastDMI uint64
}

// DiscoverJTAG probes the DTM behind TAP idx: reads DTMCS for the address
// width, idle hint and version, and clears any stale transaction.
func DiscoverJTAG(d link.JTAG, idx int) (*JTAGDTM, error) {
	t := &JTAGDTM{d: d, idx: idx}

	dtmcs, err := t.readDTMCS()
	if err != nil {
		return nil, err
	}

	t.version = int(dtmcs & dtmcsVersionMask)
	t.abits = int((dtmcs >> dtmcsABitsShift) & dtmcsABitsMask)
	t.idle = uint8((dtmcs >> dtmcsIdleShift) & dtmcsIdleMask)

	if t.abits == 0 {
		return nil, fmt.Errorf("riscv: DTM reports zero address bits")
	}

	if err := t.SoftReset(); err != nil {
		return nil, err
	}

	t.d.SetIdleCycles(t.idle)
	return t, nil
}

// ABits returns the DMI address width.
func (t *JTAGDTM) ABits() int { return t.abits }

// Version returns the DTM version field from DTMCS.
func (t *JTAGDTM) Version() int { return t.version }

// Idle returns the current Run-Test/Idle backoff.
func (t *JTAGDTM) Idle() uint8 { return t.idle }

func (t *JTAGDTM) readDTMCS() (uint32, error) {
	if err := t.d.ShiftIR(t.idx, link.IRDTMCS); err != nil {
		return 0, err
	}
	out, err := t.d.ShiftDR(t.idx, make([]byte, 4), 32)
	if err != nil {
		return 0, err
	}
	return uint32(out[0]) | uint32(out[1])<<8 | uint32(out[2])<<16 | uint32(out[3])<<24, nil
}

func (t *JTAGDTM) writeDTMCS(v uint32) error {
	if err := t.d.ShiftIR(t.idx, link.IRDTMCS); err != nil {
		return err
	}
	in := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	_, err := t.d.ShiftDR(t.idx, in, 32)
	return err
}

func (t *JTAGDTM) SoftReset() error {
	return t.writeDTMCS(dtmcsDMIReset)
}

func (t *JTAGDTM) HardReset() error {
	return t.writeDTMCS(dtmcsDMIHardReset)
}

// shift moves one raw DMI frame through the DR and splits the response.
func (t *JTAGDTM) shift(cmd uint64) (uint32, uint8, error) {
	if err := t.d.ShiftIR(t.idx, link.IRDMI); err != nil {
		return 0, 0, err
	}

	bits := dmiBaseBits + t.abits
	in := make([]byte, (bits+7)/8)
	for i := range in {
		in[i] = byte(cmd >> (8 * i))
	}

	out, err := t.d.ShiftDR(t.idx, in, bits)
	if err != nil {
		return 0, 0, err
	}

	var resp uint64
	for i := 0; i < len(out) && i < 8; i++ {
		resp |= uint64(out[i]) << (8 * i)
	}

	stat := uint8(resp & 0x3)
	data := uint32(resp >> 2)
	return data, stat, nil
}

// Exec exchanges one DMI frame. A busy response resets the in-flight
// transaction, widens the idle backoff, replays the previous frame, and
// retries; the backoff is fatal past maxIdleCycles.
func (t *JTAGDTM) Exec(addr uint32, data uint32, op uint8) (uint32, uint8, error) {
	cmd := uint64(addr)<<dmiBaseBits | uint64(data)<<2 | uint64(op)

	for {
		rdata, stat, err := t.shift(cmd)
		if err != nil {
			return 0, 0, err
		}

		if stat != dmiStatBusy {
			t.lastDMI = cmd
			return rdata, stat, nil
		}

		if err := t.SoftReset(); err != nil {
			return 0, 0, err
		}
		if t.idle >= maxIdleCycles {
			return 0, dmiStatBusy, fmt.Errorf("riscv: %w at %d idle cycles", ErrDMIBusy, t.idle)
		}
		t.idle++
		t.d.SetIdleCycles(t.idle)

		if t.lastDMI != 0 {
			if _, _, err := t.shift(t.lastDMI); err != nil {
				return 0, 0, err
			}
		}
	}
}
