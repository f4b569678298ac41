// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ftdiprobe bit-bangs SWD and JTAG over GPIO pins of an FTDI (or
// any periph.io-enumerated) adapter, exposing them as link.SWD and
// link.JTAG implementations. Slow but dependency-free of any probe
// firmware: every clock edge is driven from the host.
package ftdiprobe

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// SWD bit-bangs the two-wire protocol on a clock and a bidirectional
// data pin.
type SWD struct {
	clk gpio.PinIO
	dio gpio.PinIO

	// dioOut tracks the data pin direction so turnarounds are inserted
	// only when the bus actually turns.
	dioOut bool
}

// OpenSWD resolves the named pins through the periph host registry.
func OpenSWD(clkName, dioName string) (*SWD, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("ftdiprobe: host init: %w", err)
	}
	clk := gpioreg.ByName(clkName)
	if clk == nil {
		return nil, fmt.Errorf("ftdiprobe: no pin %q", clkName)
	}
	dio := gpioreg.ByName(dioName)
	if dio == nil {
		return nil, fmt.Errorf("ftdiprobe: no pin %q", dioName)
	}
	return NewSWD(clk, dio)
}

// NewSWD wraps already-resolved pins.
func NewSWD(clk, dio gpio.PinIO) (*SWD, error) {
	if err := clk.Out(gpio.Low); err != nil {
		return nil, err
	}
	if err := dio.Out(gpio.High); err != nil {
		return nil, err
	}
	return &SWD{clk: clk, dio: dio, dioOut: true}, nil
}

func (s *SWD) clock() error {
	if err := s.clk.Out(gpio.High); err != nil {
		return err
	}
	return s.clk.Out(gpio.Low)
}

func (s *SWD) turnTo(out bool) error {
	if s.dioOut == out {
		return nil
	}
	s.dioOut = out
	if out {
		// One turnaround clock with the pin released, then drive.
		if err := s.clock(); err != nil {
			return err
		}
		return s.dio.Out(gpio.Low)
	}
	if err := s.dio.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return err
	}
	return s.clock()
}

func (s *SWD) writeBit(b bool) error {
	lvl := gpio.Low
	if b {
		lvl = gpio.High
	}
	if err := s.dio.Out(lvl); err != nil {
		return err
	}
	return s.clock()
}

func (s *SWD) readBit() (bool, error) {
	v := s.dio.Read()
	if err := s.clock(); err != nil {
		return false, err
	}
	return v == gpio.High, nil
}

// SeqOut clocks the low n bits of data out, LSB first.
func (s *SWD) SeqOut(data uint64, n int) error {
	if err := s.turnTo(true); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := s.writeBit(data&(1<<uint(i)) != 0); err != nil {
			return err
		}
	}
	return nil
}

// SeqIn clocks n bits in, LSB first.
func (s *SWD) SeqIn(n int) (uint64, error) {
	if err := s.turnTo(false); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < n; i++ {
		b, err := s.readBit()
		if err != nil {
			return 0, err
		}
		if b {
			v |= 1 << uint(i)
		}
	}
	return v, nil
}

// SeqOutParity clocks a 32-bit word plus its odd-parity bit.
func (s *SWD) SeqOutParity(data uint32) error {
	if err := s.SeqOut(uint64(data), 32); err != nil {
		return err
	}
	return s.writeBit(parity32(data))
}

// SeqInParity clocks a 32-bit word plus parity and checks it.
func (s *SWD) SeqInParity() (uint32, bool, error) {
	v, err := s.SeqIn(32)
	if err != nil {
		return 0, false, err
	}
	p, err := s.readBit()
	if err != nil {
		return 0, false, err
	}
	return uint32(v), parity32(uint32(v)) == p, nil
}

func parity32(v uint32) bool {
	p := false
	for v != 0 {
		p = !p
		v &= v - 1
	}
	return p
}

// JTAG bit-bangs a four-wire TAP on TCK/TMS/TDI/TDO pins. The chain is
// assumed to hold a single TAP: ShiftIR rejects any idx but 0, and no
// bypass padding is inserted for longer chains.
type JTAG struct {
	tck, tms, tdi gpio.PinIO
	tdo           gpio.PinIO

	idleCycles uint8
}

// OpenJTAG resolves the named pins through the periph host registry.
func OpenJTAG(tckName, tmsName, tdiName, tdoName string) (*JTAG, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("ftdiprobe: host init: %w", err)
	}
	pins := make([]gpio.PinIO, 4)
	for i, name := range []string{tckName, tmsName, tdiName, tdoName} {
		pins[i] = gpioreg.ByName(name)
		if pins[i] == nil {
			return nil, fmt.Errorf("ftdiprobe: no pin %q", name)
		}
	}
	return NewJTAG(pins[0], pins[1], pins[2], pins[3])
}

// NewJTAG wraps already-resolved pins and moves the TAP to Run-Test/Idle.
func NewJTAG(tck, tms, tdi, tdo gpio.PinIO) (*JTAG, error) {
	for _, p := range []gpio.PinIO{tck, tms, tdi} {
		if err := p.Out(gpio.Low); err != nil {
			return nil, err
		}
	}
	if err := tdo.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, err
	}

	j := &JTAG{tck: tck, tms: tms, tdi: tdi, tdo: tdo}
	// Test-Logic-Reset, then into Run-Test/Idle.
	if err := j.TMSSeq(0x1F, 5); err != nil {
		return nil, err
	}
	return j, j.TMSSeq(0, 1)
}

func (j *JTAG) clockBit(tms, tdi bool) (bool, error) {
	set := func(p gpio.PinIO, b bool) error {
		lvl := gpio.Low
		if b {
			lvl = gpio.High
		}
		return p.Out(lvl)
	}
	if err := set(j.tms, tms); err != nil {
		return false, err
	}
	if err := set(j.tdi, tdi); err != nil {
		return false, err
	}
	if err := j.tck.Out(gpio.High); err != nil {
		return false, err
	}
	out := j.tdo.Read() == gpio.High
	return out, j.tck.Out(gpio.Low)
}

// TMSSeq clocks count TMS transitions, LSB first from bits.
func (j *JTAG) TMSSeq(bits uint64, count int) error {
	for i := 0; i < count; i++ {
		if _, err := j.clockBit(bits&(1<<uint(i)) != 0, false); err != nil {
			return err
		}
	}
	return nil
}

// shift moves the TAP from Run-Test/Idle through Select-*-Scan into the
// shift state, shifts bits, and returns through Update back to idle.
func (j *JTAG) shift(ir bool, in []byte, bits int) ([]byte, error) {
	// Select-DR-Scan (plus Select-IR-Scan for IR), Capture, Shift.
	pre, n := uint64(0b001), 3
	if ir {
		pre, n = 0b0011, 4
	}
	if err := j.TMSSeq(pre, n); err != nil {
		return nil, err
	}

	out := make([]byte, (bits+7)/8)
	for i := 0; i < bits; i++ {
		tdi := in[i/8]&(1<<uint(i%8)) != 0
		last := i == bits-1
		b, err := j.clockBit(last, tdi) // TMS on the final bit exits shift
		if err != nil {
			return nil, err
		}
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}

	// Exit1 -> Update -> Run-Test/Idle, then the configured idle clocks.
	if err := j.TMSSeq(0b01, 2); err != nil {
		return nil, err
	}
	for i := uint8(0); i < j.idleCycles; i++ {
		if _, err := j.clockBit(false, false); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ShiftIR shifts ir into the instruction register. The bit-banged chain
// carries a single TAP, so idx only validates the caller's expectation.
func (j *JTAG) ShiftIR(idx int, ir uint32) error {
	if idx != 0 {
		return fmt.Errorf("ftdiprobe: single-TAP chain has no TAP %d", idx)
	}
	in := []byte{byte(ir), byte(ir >> 8), byte(ir >> 16), byte(ir >> 24)}
	_, err := j.shift(true, in, 5)
	return err
}

// ShiftDR performs a full-duplex DR shift.
func (j *JTAG) ShiftDR(idx int, in []byte, bits int) ([]byte, error) {
	return j.shift(false, in, bits)
}

func (j *JTAG) IdleCycles() uint8 {
	return j.idleCycles
}

func (j *JTAG) SetIdleCycles(n uint8) {
	j.idleCycles = n
}
