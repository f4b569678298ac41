// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package linktest provides in-memory link.SWD and link.JTAG
// implementations modelling a target's debug register file, standing in
// for real silicon in the package tests.
package linktest

import (
	"fmt"

	"github.com/blackprobe/dbgcore/link"
)

var _ link.SWD = (*SWD)(nil)

// DPModel is one simulated Debug Port with a single MEM-AP in front of a
// byte-addressable RAM.
type DPModel struct {
	// IDR is the DPIDR value returned for this DP.
	IDR uint32
	// TargetID is returned from CTRL/STAT bank 2 (DPv2).
	TargetID uint32
	// TargetSel selects this DP on a multidrop bus; zero means always
	// selected.
	TargetSel    uint32
	hasTargetSel bool

	ctrlstat uint32
	sel      uint32

	APIDR  uint32
	APBase uint32
	apCSW  uint32
	apTAR  uint32

	Mem map[uint64]byte

	// MemHandler, when non-nil, intercepts word-granular memory accesses
	// before they reach Mem: return handled=true to claim the access.
	// Tests use it to give debug-unit registers behavior instead of plain
	// storage.
	MemHandler func(addr uint64, write bool, value uint32) (out uint32, handled bool)

	// TARWrites counts TAR programming, for transfer-sequencing tests.
	TARWrites int
}

// NewDPModel builds a model with the given DPIDR and an AHB3 MEM-AP.
func NewDPModel(idr uint32) *DPModel {
	return &DPModel{
		IDR:    idr,
		APIDR:  0x24770011, // AHB3 MEM-AP, ARM designer
		APBase: 0xE00FF003,
		Mem:    make(map[uint64]byte),
	}
}

// Multidrop marks the model as a DPv2 multidrop participant answering
// only when targetsel is selected.
func (m *DPModel) Multidrop(targetid, targetsel uint32) {
	m.TargetID = targetid
	m.TargetSel = targetsel
	m.hasTargetSel = true
}

// SWD wires one or more DP models to the SWD sequence interface. Requests
// are decoded from the bit sequences the adiv5 engine clocks out.
type SWD struct {
	DPs []*DPModel

	// selected is the DP answering requests, nil when a multidrop bus has
	// none selected.
	selected *DPModel

	// lineReset tracks that a reset preceded the next TARGETSEL write.
	lineReset bool

	// pending request decode state
	havePending  bool
	pendingAPnDP bool
	pendingRnW   bool
	pendingAddr  uint8
	pendingAck   uint8

	// AckQueue overrides the ack of upcoming requests, front first; used
	// for fault-injection tests.
	AckQueue []uint8

	// Requests counts decoded request bytes.
	Requests int
	// AbortWrites records every value written to DP ABORT.
	AbortWrites []uint32
}

// NewSWD wires models to a fake SWD link. With exactly one model and no
// TargetSel the model is permanently selected.
func NewSWD(models ...*DPModel) *SWD {
	s := &SWD{DPs: models}
	if len(models) == 1 && !models[0].hasTargetSel {
		s.selected = models[0]
	}
	return s
}

func (s *SWD) SeqIn(n int) (uint64, error) {
	if s.havePending && n == 3 {
		ack := s.pendingAck
		// TARGETSEL writes are blind: the data phase follows regardless
		// of the undriven ack.
		isTargetSel := !s.pendingAPnDP && !s.pendingRnW && s.pendingAddr == 0xC
		if ack != 0b001 && !isTargetSel {
			// Failed request: no data phase follows.
			s.havePending = false
		}
		return uint64(ack), nil
	}
	return 0, nil
}

func (s *SWD) SeqInParity() (uint32, bool, error) {
	if !s.havePending || !s.pendingRnW {
		return 0, true, nil
	}
	s.havePending = false
	if s.selected == nil {
		return 0, true, nil
	}
	return s.selected.read(s.pendingAPnDP, s.pendingAddr), true, nil
}

func (s *SWD) SeqOut(data uint64, n int) error {
	// Line reset: a long run of ones.
	if n >= 50 && data == (1<<uint(n))-1 || n >= 50 && data == ^uint64(0) {
		s.lineReset = true
		s.deselectMultidrop()
		return nil
	}
	if n == 8 && data == 0 {
		return nil // inter-request idle
	}
	if n != 8 {
		return nil // selection sequences, activation codes
	}

	req := uint8(data)
	if req&1 == 0 || req&(1<<7) == 0 {
		return nil // not a framed request
	}

	s.Requests++
	s.havePending = true
	s.pendingAPnDP = req&(1<<1) != 0
	s.pendingRnW = req&(1<<2) != 0
	s.pendingAddr = (req >> 3) & 0x3 << 2
	s.pendingAck = s.nextAck()
	return nil
}

func (s *SWD) SeqOutParity(data uint32) error {
	if !s.havePending || s.pendingRnW {
		return nil
	}
	s.havePending = false

	// TARGETSEL write: blind, routed by value even with nothing selected.
	if !s.pendingAPnDP && s.pendingAddr == 0xC {
		s.selectTarget(data)
		return nil
	}

	if s.selected == nil {
		return nil
	}
	s.selected.write(s.pendingAPnDP, s.pendingAddr, data, s)
	return nil
}

func (s *SWD) nextAck() uint8 {
	if len(s.AckQueue) > 0 {
		ack := s.AckQueue[0]
		s.AckQueue = s.AckQueue[1:]
		return ack
	}
	if s.selected == nil {
		return 0b111
	}
	return 0b001
}

func (s *SWD) deselectMultidrop() {
	for _, dp := range s.DPs {
		if dp.hasTargetSel {
			s.selected = nil
			return
		}
	}
}

// selectTarget honors a TARGETSEL write; the selection protocol only
// admits one immediately after a line reset.
func (s *SWD) selectTarget(targetsel uint32) {
	if !s.lineReset {
		return
	}
	s.lineReset = false
	for _, dp := range s.DPs {
		if dp.hasTargetSel && dp.TargetSel == targetsel {
			s.selected = dp
			return
		}
		if !dp.hasTargetSel {
			s.selected = dp
			return
		}
	}
	s.selected = nil
}

// read resolves a DP or AP register read against the model.
func (m *DPModel) read(apndp bool, addr uint8) uint32 {
	if !apndp {
		switch addr {
		case 0x0:
			return m.IDR
		case 0x4:
			if m.sel&0xF == 2 {
				return m.TargetID
			}
			return m.ctrlstat
		case 0x8:
			return m.sel
		case 0xC:
			return 0 // RDBUFF drain
		}
		return 0
	}

	reg := uint8(m.sel>>4)&0xF<<4 | addr&0xF
	switch reg {
	case 0x00:
		return m.apCSW
	case 0x04:
		return m.apTAR
	case 0x0C:
		return m.drwRead()
	case 0xF4:
		return 0 // CFG: 32-bit
	case 0xF8:
		return m.APBase
	case 0xFC:
		if m.sel>>24 == 0 {
			return m.APIDR
		}
		return 0 // only APSEL 0 exists
	}
	return 0
}

func (m *DPModel) write(apndp bool, addr uint8, value uint32, s *SWD) {
	if !apndp {
		switch addr {
		case 0x0:
			s.AbortWrites = append(s.AbortWrites, value)
			// Sticky clears wipe the error bits.
			m.ctrlstat &^= 0xB2
		case 0x4:
			// Power requests ack immediately.
			m.ctrlstat = value&^0xB2 | (value&(1<<30))<<1 | (value&(1<<28))<<1
		case 0x8:
			m.sel = value
		}
		return
	}

	reg := uint8(m.sel>>4)&0xF<<4 | addr&0xF
	switch reg {
	case 0x00:
		m.apCSW = value
	case 0x04:
		m.apTAR = value
		m.TARWrites++
	case 0x0C:
		m.drwWrite(value)
	}
}

// transferSize returns the CSW-programmed access width in bytes.
func (m *DPModel) transferSize() int {
	switch m.apCSW & 0x7 {
	case 0:
		return 1
	case 1:
		return 2
	default:
		return 4
	}
}

// drwRead models a MEM-AP data read: the whole word holding TAR, with
// sub-word data in its natural byte lane, TAR auto-increment within its
// 10-bit window.
func (m *DPModel) drwRead() uint32 {
	size := m.transferSize()
	addr := uint64(m.apTAR)
	base := addr &^ 3

	if m.MemHandler != nil {
		if v, handled := m.MemHandler(base, false, 0); handled {
			m.incTAR(size)
			return v
		}
	}

	var word uint32
	for i := 0; i < 4; i++ {
		word |= uint32(m.Mem[base+uint64(i)]) << (8 * i)
	}

	m.incTAR(size)
	return word
}

func (m *DPModel) drwWrite(value uint32) {
	size := m.transferSize()
	addr := uint64(m.apTAR)

	if m.MemHandler != nil {
		if _, handled := m.MemHandler(addr&^3, true, value); handled {
			m.incTAR(size)
			return
		}
	}

	lane := int(addr & 3)
	for i := 0; i < size; i++ {
		m.Mem[addr&^3+uint64(lane+i)] = byte(value >> (8 * (lane + i)))
	}

	m.incTAR(size)
}

// incTAR advances TAR by the access size, wrapping inside the 10-bit
// auto-increment window like real MEM-AP hardware.
func (m *DPModel) incTAR(size int) {
	if (m.apCSW>>4)&0x3 == 0 {
		return
	}
	next := m.apTAR + uint32(size)
	m.apTAR = m.apTAR&^0x3FF | next&0x3FF
}

// LoadMem seeds target RAM.
func (m *DPModel) LoadMem(addr uint64, data []byte) {
	for i, b := range data {
		m.Mem[addr+uint64(i)] = b
	}
}

// DumpMem reads back target RAM for assertions.
func (m *DPModel) DumpMem(addr uint64, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = m.Mem[addr+uint64(i)]
	}
	return out
}

func (m *DPModel) String() string {
	return fmt.Sprintf("dp(idr=%#x)", m.IDR)
}
