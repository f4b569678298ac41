// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package linktest

import (
	"github.com/blackprobe/dbgcore/link"
)

// HartModel is one simulated hart: registers, CSRs, halt state.
type HartModel struct {
	GPRs [32]uint32
	CSRs map[uint16]uint32

	Halted    bool
	HaveReset bool
	resumeAck bool
}

// NewHartModel builds a running hart with a 4-slot trigger module.
func NewHartModel() *HartModel {
	h := &HartModel{CSRs: map[uint16]uint32{
		0x301: 0x40101105, // MISA: RV32IMAC
		0xF11: 0x0000061C,
		0xF14: 0,
	}}
	for slot := uint16(0); slot < triggerSlots; slot++ {
		h.CSRs[tdata1Slot(slot)] = 2 << 28 // match trigger, unarmed
	}
	return h
}

const triggerSlots = 4

// Trigger CSRs are folded into the hart CSR map per selected slot.
func tdata1Slot(slot uint16) uint16 { return 0x8000 + slot }
func tdata2Slot(slot uint16) uint16 { return 0x8100 + slot }

// csrRead resolves trigger CSRs through TSELECT.
func (h *HartModel) csrRead(csr uint16) uint32 {
	switch csr {
	case 0x7A1:
		return h.CSRs[tdata1Slot(uint16(h.CSRs[0x7A0]))]
	case 0x7A2:
		return h.CSRs[tdata2Slot(uint16(h.CSRs[0x7A0]))]
	default:
		return h.CSRs[csr]
	}
}

func (h *HartModel) csrWrite(csr uint16, v uint32) {
	switch csr {
	case 0x7A0:
		if v >= triggerSlots {
			return // write to a nonexistent slot is dropped
		}
		h.CSRs[csr] = v
	case 0x7A1:
		slot := uint16(h.CSRs[0x7A0])
		if v == 0 {
			// Disarm preserves the slot's type field.
			h.CSRs[tdata1Slot(slot)] = 2 << 28
			return
		}
		h.CSRs[tdata1Slot(slot)] = v
	case 0x7A2:
		h.CSRs[tdata2Slot(uint16(h.CSRs[0x7A0]))] = v
	default:
		h.CSRs[csr] = v
	}
}

// DMModel simulates a RISC-V Debug Module v0.13 with a program buffer,
// abstract register and memory access, autoexec and a 32-bit system bus.
type DMModel struct {
	Harts []*HartModel
	Mem   map[uint64]byte

	dmactive bool
	hartsel  uint32

	data    [12]uint32
	progbuf [16]uint32

	ProgbufSize int
	DataCount   int
	ImpEBreak   bool
	// SysbusAccess advertises SBACCESS32|SBACCESS8 when set.
	SysbusAccess bool

	autoexec uint32
	cmderr   uint32
	lastCmd  uint32

	sbcs   uint32
	sbaddr uint32

	// NextCmdErr injects an abstract-command error code on the next
	// command execution.
	NextCmdErr uint32

	// CmdWrites counts ABSTRACT_CMD register writes, for autoexec
	// accounting tests. AutoWrites records ABSTRACT_AUTOEXEC writes.
	CmdWrites  int
	AutoWrites []uint32
	Data0Reads int
}

// NewDMModel builds a model with one running hart.
func NewDMModel() *DMModel {
	return &DMModel{
		Harts:        []*HartModel{NewHartModel()},
		Mem:          make(map[uint64]byte),
		ProgbufSize:  8,
		DataCount:    2,
		SysbusAccess: true,
	}
}

func (m *DMModel) hart() *HartModel {
	if int(m.hartsel) < len(m.Harts) {
		return m.Harts[m.hartsel]
	}
	return nil
}

// hartselMask is the implemented portion of HARTSEL; the model
// implements exactly enough bits to address its harts (minimum 1).
func (m *DMModel) hartselMask() uint32 {
	bits := 1
	for 1<<bits < len(m.Harts) {
		bits++
	}
	return uint32(1<<bits - 1)
}

func (m *DMModel) read(addr uint32) uint32 {
	switch {
	case addr >= 0x04 && addr <= 0x0F:
		v := m.data[addr-0x04]
		if addr == 0x04 {
			m.Data0Reads++
			if m.autoexec&1 != 0 {
				m.exec(m.lastCmd)
			}
		}
		return v

	case addr == 0x10:
		var v uint32
		if m.dmactive {
			v |= 1
		}
		sel := m.hartsel & m.hartselMask()
		v |= (sel & 0x3FF) << 16
		v |= (sel >> 10 & 0x3FF) << 6
		return v

	case addr == 0x11:
		return m.dmstatus()

	case addr == 0x12:
		return 1<<20 | 1<<16 | 1<<12 | 0x380 // one scratch, data via memory

	case addr == 0x16:
		return uint32(m.DataCount) | m.cmderr<<8 | uint32(m.ProgbufSize)<<24

	case addr == 0x18:
		return m.autoexec

	case addr == 0x1D:
		return 0

	case addr >= 0x20 && addr <= 0x2F:
		return m.progbuf[addr-0x20]

	case addr == 0x38:
		v := m.sbcs
		if m.SysbusAccess {
			v |= 1<<2 | 1<<0 // SBACCESS32 | SBACCESS8
		}
		return v

	case addr == 0x39:
		return m.sbaddr

	case addr == 0x3C:
		v := m.sbRead()
		return v
	}
	return 0
}

func (m *DMModel) dmstatus() uint32 {
	v := uint32(2) // version 0.13
	v |= 1 << 7    // authenticated
	v |= 1 << 5    // hasresethaltreq
	if m.ImpEBreak {
		v |= 1 << 22
	}

	h := m.hart()
	if h == nil {
		return v | 1<<14 | 1<<15 // nonexistent
	}
	if h.Halted {
		v |= 1<<8 | 1<<9
	} else {
		v |= 1<<10 | 1<<11
	}
	if h.resumeAck {
		v |= 1<<16 | 1<<17
	}
	if h.HaveReset {
		v |= 1<<18 | 1<<19
	}
	return v
}

func (m *DMModel) write(addr uint32, value uint32) {
	switch {
	case addr >= 0x04 && addr <= 0x0F:
		m.data[addr-0x04] = value
		if addr == 0x04 && m.autoexec&1 != 0 {
			m.exec(m.lastCmd)
		}

	case addr == 0x10:
		if value&1 == 0 {
			m.dmactive = false
			m.hartsel = 0
			m.cmderr = 0
			m.autoexec = 0
			return
		}
		m.dmactive = true
		sel := (value>>16&0x3FF | value>>6&0x3FF<<10) & m.hartselMask()
		m.hartsel = sel

		h := m.hart()
		if h == nil {
			return
		}
		if value&(1<<28) != 0 {
			h.HaveReset = false
		}
		if value&(1<<31) != 0 {
			if !h.Halted {
				h.Halted = true
				h.csrWrite(0x7B0, h.csrRead(0x7B0)&^uint32(0x7<<6)|3<<6)
			}
		}
		if value&(1<<30) != 0 && h.Halted {
			h.Halted = false
			h.resumeAck = true
		}

	case addr == 0x16:
		m.cmderr &^= value >> 8 & 0x7

	case addr == 0x17:
		m.CmdWrites++
		if m.cmderr == 0 {
			m.exec(value)
		}

	case addr == 0x18:
		m.autoexec = value & 1
		m.AutoWrites = append(m.AutoWrites, value)

	case addr >= 0x20 && addr <= 0x2F:
		m.progbuf[addr-0x20] = value

	case addr == 0x38:
		m.sbcs = value &^ (1<<2 | 1<<0)

	case addr == 0x39:
		m.sbaddr = value
		if m.sbcs&(1<<20) != 0 { // SBREADONADDR
			m.sbFetch()
		}

	case addr == 0x3C:
		m.sbWriteData(value)
	}
}

// exec runs one abstract command against the selected hart.
func (m *DMModel) exec(cmd uint32) {
	if m.NextCmdErr != 0 {
		m.cmderr = m.NextCmdErr
		m.NextCmdErr = 0
		return
	}

	h := m.hart()
	if h == nil {
		m.cmderr = 2
		return
	}
	if !h.Halted {
		m.cmderr = 4
		return
	}

	m.lastCmd = cmd

	switch cmd >> 24 & 0xFF {
	case 0: // ACCESS_REGISTER
		regno := uint16(cmd & 0xFFFF)
		if cmd&(1<<17) != 0 { // transfer
			if cmd&(1<<16) != 0 {
				m.regWrite(h, regno, m.data[0])
			} else {
				m.data[0] = m.regRead(h, regno)
			}
		}
		if cmd&(1<<19) != 0 { // postincrement
			m.lastCmd = cmd&^uint32(0xFFFF) | uint32(regno+1)
		}
		if cmd&(1<<18) != 0 { // postexec
			m.runProgbuf(h)
		}

	case 2: // ACCESS_MEMORY
		size := 1 << (cmd >> 20 & 0x7)
		addr := uint64(m.data[1])
		if cmd&(1<<16) != 0 {
			for i := 0; i < size; i++ {
				m.Mem[addr+uint64(i)] = byte(m.data[0] >> (8 * i))
			}
		} else {
			var v uint32
			for i := 0; i < size; i++ {
				v |= uint32(m.Mem[addr+uint64(i)]) << (8 * i)
			}
			m.data[0] = v
		}
		if cmd&(1<<19) != 0 {
			m.data[1] += uint32(size)
		}

	default:
		m.cmderr = 2
	}
}

func (m *DMModel) regRead(h *HartModel, regno uint16) uint32 {
	if regno >= 0x1000 && regno < 0x1020 {
		return h.GPRs[regno-0x1000]
	}
	if regno <= 0x0FFF {
		if _, ok := h.CSRs[regno]; !ok && regno != 0x7A1 && regno != 0x7A2 && regno != 0x7A0 {
			m.cmderr = 3 // exception: CSR does not exist
			return 0
		}
		return h.csrRead(regno)
	}
	m.cmderr = 2
	return 0
}

func (m *DMModel) regWrite(h *HartModel, regno uint16, v uint32) {
	if regno >= 0x1000 && regno < 0x1020 {
		if regno != 0x1000 {
			h.GPRs[regno-0x1000] = v
		}
		return
	}
	if regno <= 0x0FFF {
		h.csrWrite(regno, v)
		return
	}
	m.cmderr = 2
}

// runProgbuf interprets the uploaded program: the load/store and CSR
// shuttle instructions the progbuf engine emits, terminated by EBREAK.
func (m *DMModel) runProgbuf(h *HartModel) {
	for i := 0; i < len(m.progbuf); i++ {
		insn := m.progbuf[i]
		switch {
		case insn == 0x00100073: // EBREAK
			return

		case insn == 0x00012083: // LW x1, 0(x2)
			addr := uint64(h.GPRs[2])
			h.GPRs[1] = uint32(m.Mem[addr]) | uint32(m.Mem[addr+1])<<8 |
				uint32(m.Mem[addr+2])<<16 | uint32(m.Mem[addr+3])<<24

		case insn == 0x00011083: // LH x1, 0(x2)
			addr := uint64(h.GPRs[2])
			h.GPRs[1] = uint32(m.Mem[addr]) | uint32(m.Mem[addr+1])<<8

		case insn == 0x00010083: // LB x1, 0(x2)
			h.GPRs[1] = uint32(m.Mem[uint64(h.GPRs[2])])

		case insn == 0x00112023: // SW x1, 0(x2)
			addr := uint64(h.GPRs[2])
			for i := 0; i < 4; i++ {
				m.Mem[addr+uint64(i)] = byte(h.GPRs[1] >> (8 * i))
			}

		case insn == 0x00111023: // SH x1, 0(x2)
			addr := uint64(h.GPRs[2])
			m.Mem[addr] = byte(h.GPRs[1])
			m.Mem[addr+1] = byte(h.GPRs[1] >> 8)

		case insn == 0x00110023: // SB x1, 0(x2)
			m.Mem[uint64(h.GPRs[2])] = byte(h.GPRs[1])

		case insn&0xFFFFF == 0x020F3: // CSRRS x1, csr, x0
			h.GPRs[1] = h.csrRead(uint16(insn >> 20))

		case insn&0xFFFFF == 0x09073: // CSRRW x0, csr, x1
			h.csrWrite(uint16(insn>>20), h.GPRs[1])

		default:
			m.cmderr = 3
			return
		}
	}
}

// sbFetch performs one system-bus read at sbaddr into the data buffer.
func (m *DMModel) sbFetch() {
	size := 4
	if m.sbcs>>17&0x7 == 0 {
		size = 1
	}
	var v uint32
	for i := 0; i < size; i++ {
		v |= uint32(m.Mem[uint64(m.sbaddr)+uint64(i)]) << (8 * i)
	}
	m.data[11] = v // staged SBDATA0
	if m.sbcs&(1<<16) != 0 { // SBAUTOINCREMENT
		m.sbaddr += uint32(size)
	}
}

func (m *DMModel) sbRead() uint32 {
	v := m.data[11]
	if m.sbcs&(1<<15) != 0 { // SBREADONDATA
		m.sbFetch()
	}
	return v
}

func (m *DMModel) sbWriteData(value uint32) {
	size := 4
	if m.sbcs>>17&0x7 == 0 {
		size = 1
	}
	for i := 0; i < size; i++ {
		m.Mem[uint64(m.sbaddr)+uint64(i)] = byte(value >> (8 * i))
	}
	if m.sbcs&(1<<16) != 0 {
		m.sbaddr += uint32(size)
	}
}

// LoadMem seeds target RAM.
func (m *DMModel) LoadMem(addr uint64, data []byte) {
	for i, b := range data {
		m.Mem[addr+uint64(i)] = b
	}
}

// DumpMem reads back target RAM for assertions.
func (m *DMModel) DumpMem(addr uint64, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = m.Mem[addr+uint64(i)]
	}
	return out
}

// DTM wires a DMModel to the JTAG sequence interface, modelling the
// shift-register pipelining of a real Debug Transport Module: each DMI
// shift returns the result of the previous operation.
type DTM struct {
	DM *DMModel

	ir    uint32
	abits int

	idleCycles uint8
	// IdleHint is the DTMCS-advertised Run-Test/Idle count.
	IdleHint uint8

	pendingData uint32
	pendingStat uint8

	// BusyCount makes the next N DMI shifts return a busy status without
	// executing.
	BusyCount int

	// Shifts counts DMI DR shifts; DTMCS shifts, resets among them, are
	// not counted.
	Shifts int
}

var _ link.JTAG = (*DTM)(nil)

// NewDTM wires a Debug Module model to a fake JTAG link.
func NewDTM(dm *DMModel) *DTM {
	return &DTM{DM: dm, abits: 7}
}

func (t *DTM) ShiftIR(idx int, ir uint32) error {
	t.ir = ir
	return nil
}

func (t *DTM) TMSSeq(bits uint64, count int) error {
	return nil
}

func (t *DTM) IdleCycles() uint8 {
	return t.idleCycles
}

func (t *DTM) SetIdleCycles(n uint8) {
	t.idleCycles = n
}

func (t *DTM) ShiftDR(idx int, in []byte, bits int) ([]byte, error) {
	var cmd uint64
	for i := 0; i < len(in) && i < 8; i++ {
		cmd |= uint64(in[i]) << (8 * i)
	}

	switch t.ir {
	case link.IRDTMCS:
		if cmd&(1<<16) != 0 || cmd&(1<<17) != 0 { // DMIRESET / DMIHARDRESET
			t.pendingData, t.pendingStat = 0, 0
		}
		dtmcs := uint64(1) | uint64(t.abits)<<4 | uint64(t.IdleHint)<<12
		return leBytes(dtmcs, bits), nil

	case link.IRDMI:
		t.Shifts++
		resp := uint64(t.pendingData)<<2 | uint64(t.pendingStat)

		if t.BusyCount > 0 {
			t.BusyCount--
			return leBytes(resp&^0x3|3, bits), nil
		}

		op := uint8(cmd & 0x3)
		data := uint32(cmd >> 2)
		addr := uint32(cmd >> 34)

		switch op {
		case 1:
			t.pendingData = t.DM.read(addr)
			t.pendingStat = 0
		case 2:
			t.DM.write(addr, data)
			t.pendingData = 0
			t.pendingStat = 0
		default:
			// nop leaves the pending result for collection
		}
		return leBytes(resp, bits), nil
	}

	return leBytes(0, bits), nil
}

func leBytes(v uint64, bits int) []byte {
	out := make([]byte, (bits+7)/8)
	for i := range out {
		out[i] = byte(v >> (8 * i))
	}
	return out
}
