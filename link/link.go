// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package link defines the blocking, synchronous contract between the
// debug-link stack (adiv5, riscv) and a concrete SWD/JTAG bit-banging
// transport. Transports are external collaborators: dbgcore's core never
// clocks a pin itself, it only calls through these interfaces.
//
// Concrete implementations live under transport/ (usbprobe, ftdiprobe);
// linktest provides in-memory fakes for tests.
package link

// SWD is the synchronous sequence-level contract for a Serial Wire Debug
// bit-banging transport (ADIv5 ARM Debug Interface, ARM IHI0031).
//
// Implementations must be strictly synchronous: no method may suspend and
// yield the physical wire to another caller, matching the single-threaded,
// cooperative scheduling model of the core.
type SWD interface {
	// SeqIn clocks n bits in from the target, LSB first.
	SeqIn(n int) (bits uint64, err error)

	// SeqInParity clocks a 32-bit word plus trailing parity bit in from
	// the target and reports whether the parity checked out.
	SeqInParity() (data uint32, parityOK bool, err error)

	// SeqOut clocks the low n bits of data out to the target, LSB first.
	SeqOut(data uint64, n int) error

	// SeqOutParity clocks a 32-bit word out to the target followed by its
	// odd-parity bit.
	SeqOutParity(data uint32) error
}

// JTAG is the synchronous contract for a JTAG bit-banging transport,
// covering both ADIv5 JTAG-DP access and RISC-V JTAG-DTM access.
type JTAG interface {
	// ShiftIR shifts ir into the instruction register of TAP idx.
	ShiftIR(idx int, ir uint32) error

	// ShiftDR performs a full-duplex shift of bits bits through the data
	// register of TAP idx, writing in and returning what was clocked out.
	ShiftDR(idx int, in []byte, bits int) (out []byte, err error)

	// TMSSeq clocks count TMS transitions, LSB first from bits.
	TMSSeq(bits uint64, count int) error

	// IdleCycles reports the number of TAP Run-Test/Idle cycles inserted
	// after a DR shift. RISC-V DMI busy-retry increases this
	// adaptively; callers write it back via SetIdleCycles.
	IdleCycles() uint8

	// SetIdleCycles updates the number of idle cycles inserted after a DR
	// shift.
	SetIdleCycles(n uint8)
}

// Selection and activation sequences (LSB first).
const (
	SeqSWDToJTAG    = 0xE73C
	SeqJTAGToSWD    = 0xE79E
	SeqSWDToDormant = 0xE3BC

	ActivationCodeSWDDP  = 0x1A
	ActivationCodeJTAGDP = 0x0A
)

// SelectionAlert is the 128-bit dormant-state selection alert sequence,
// four 32-bit words LSB first.
var SelectionAlert = [4]uint32{
	0x6209F392,
	0x86852D95,
	0xE3DDAFE9,
	0x19BC0EA2,
}

// JTAG instruction register codes for the RISC-V DTM.
const (
	IRIDCode = 0x01
	IRDTMCS  = 0x10
	IRDMI    = 0x11
	IRBypass = 0x1F
)

// LineReset clocks the SWD line-reset sequence: at least 50 ones, then at
// least 2 zeroes.
func LineReset(d SWD) error {
	if err := d.SeqOut(^uint64(0), 56); err != nil {
		return err
	}
	return d.SeqOut(0, 8)
}
