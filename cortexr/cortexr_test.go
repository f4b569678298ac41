// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cortexr

import (
	"io"
	"log"
	"testing"

	"github.com/blackprobe/dbgcore/adiv5"
	"github.com/blackprobe/dbgcore/linktest"
	"github.com/blackprobe/dbgcore/target"
)

const testDebugBase = 0x80030000

// coreModel interprets the debug-APB register file and the injected
// coprocessor instructions well enough to exercise the ITR dance.
type coreModel struct {
	gprs  [16]uint32
	cpsr  uint32
	cpacr uint32
	fpscr uint32
	dregs [16][2]uint32

	dscr  uint32
	dtrRX uint32
	dtrTX uint32

	bvr [8]uint32
	bcr [8]uint32
	wvr [8]uint32
	wcr [8]uint32

	halted bool
}

func (m *coreModel) handle(addr uint64, write bool, value uint32) (uint32, bool) {
	if addr < testDebugBase || addr >= testDebugBase+0x1000 {
		return 0, false
	}
	off := addr - testDebugBase

	switch {
	case off == regDIDR:
		return 3<<24 | 3<<28, !write // four BRPs, four WRPs

	case off == regDSCR:
		if write {
			m.dscr = value
			return 0, true
		}
		v := m.dscr | dscrInstrCompl
		if m.halted {
			v |= dscrHalted
		} else {
			v |= dscrRestarted
		}
		return v, true

	case off == regDRCR:
		if write {
			if value&drcrHaltReq != 0 {
				m.halted = true
				m.dscr = m.dscr&^uint32(dscrMOEMask<<dscrMOEShift) | moeHaltRequest<<dscrMOEShift
			}
			if value&drcrRestartReq != 0 {
				m.halted = false
			}
			return 0, true
		}
		return 0, true

	case off == regDTRRX:
		if write {
			m.dtrRX = value
			return 0, true
		}
		return m.dtrRX, true

	case off == regDTRTX:
		if write {
			m.dtrTX = value
			return 0, true
		}
		return m.dtrTX, true

	case off == regITR:
		if write {
			m.execute(value)
			return 0, true
		}
		return 0, true

	case off >= regBVRBase && off < regBVRBase+8*4:
		return m.slot(m.bvr[:], off-regBVRBase, write, value)
	case off >= regBCRBase && off < regBCRBase+8*4:
		return m.slot(m.bcr[:], off-regBCRBase, write, value)
	case off >= regWVRBase && off < regWVRBase+8*4:
		return m.slot(m.wvr[:], off-regWVRBase, write, value)
	case off >= regWCRBase && off < regWCRBase+8*4:
		return m.slot(m.wcr[:], off-regWCRBase, write, value)
	}
	return 0, true
}

func (m *coreModel) slot(bank []uint32, off uint64, write bool, value uint32) (uint32, bool) {
	i := off / 4
	if write {
		bank[i] = value
		return 0, true
	}
	return bank[i], true
}

// execute interprets the injected ARM instruction.
func (m *coreModel) execute(insn uint32) {
	switch {
	case insn&0xFFFF0FFF == insnMCRDBGDTRTX:
		m.dtrTX = m.gprs[insn>>12&0xF]
	case insn&0xFFFF0FFF == insnMRCDBGDTRRX:
		m.gprs[insn>>12&0xF] = m.dtrRX
	case insn == insnMOVR0PC:
		m.gprs[0] = m.gprs[15]
	case insn == insnMOVPCR0:
		m.gprs[15] = m.gprs[0]
	case insn == insnMRSR0CPSR:
		m.gprs[0] = m.cpsr
	case insn == insnMSRCPSRR0:
		m.cpsr = m.gprs[0]
	case insn == insnMRCCPACR:
		m.gprs[0] = m.cpacr
	case insn == insnMCRCPACR:
		m.cpacr = m.gprs[0]
	case insn == insnVMRSR0:
		m.gprs[0] = m.fpscr
	case insn == insnVMSRR0:
		m.fpscr = m.gprs[0]
	case insn&0xFFFFFFF0 == insnVMOVFromD:
		d := insn & 0xF
		m.gprs[0] = m.dregs[d][0]
		m.gprs[1] = m.dregs[d][1]
	case insn&0xFFFFFFF0 == insnVMOVToD:
		d := insn & 0xF
		m.dregs[d][0] = m.gprs[0]
		m.dregs[d][1] = m.gprs[1]
	}
}

func testTarget(t *testing.T) (*Target, *coreModel) {
	t.Helper()

	core := &coreModel{}
	model := linktest.NewDPModel(0x2BA01477)
	model.MemHandler = core.handle

	dp := adiv5.NewSWD(linktest.NewSWD(model), adiv5.Options{Logger: log.New(io.Discard, "", 0)})
	aps, err := adiv5.EnumerateAPs(dp)
	if err != nil || len(aps) != 1 {
		t.Fatalf("enumeration: %v (%d APs)", err, len(aps))
	}

	tgt, err := New(aps[0], Options{
		DebugBase: testDebugBase,
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	return tgt, core
}

func TestAttachHalts(t *testing.T) {
	tgt, core := testTarget(t)

	if !core.halted {
		t.Error("core not halted after attach")
	}
	if core.dscr&dscrITREnable == 0 {
		t.Error("ITR not enabled after attach")
	}
	// The CPACR probe saw the access bits stick.
	if !tgt.hasFPU {
		t.Error("FPU not detected")
	}
}

func TestGPRAccessThroughITR(t *testing.T) {
	tgt, core := testTarget(t)

	if err := tgt.RegWrite(7, 0x12345678); err != nil {
		t.Fatal(err)
	}
	if core.gprs[7] != 0x12345678 {
		t.Errorf("r7 in model: %#x", core.gprs[7])
	}

	core.gprs[4] = 0xCAFED00D
	v, err := tgt.RegRead(4)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xCAFED00D {
		t.Errorf("r4: got %#x", v)
	}
}

func TestPCPrefetchAdjust(t *testing.T) {
	tgt, core := testTarget(t)

	// ARM state: MOV r0, pc captures pc+8.
	core.gprs[15] = 0x1008
	core.cpsr = 0
	pc, err := tgt.RegRead(idxPC)
	if err != nil {
		t.Fatal(err)
	}
	if pc != 0x1000 {
		t.Errorf("ARM-state pc: got %#x, want 0x1000", pc)
	}

	// Thumb state: the capture sits 4 bytes ahead.
	core.cpsr = cpsrThumb
	pc, err = tgt.RegRead(idxPC)
	if err != nil {
		t.Fatal(err)
	}
	if pc != 0x1004 {
		t.Errorf("Thumb-state pc: got %#x, want 0x1004", pc)
	}
}

func TestRegsRoundTripWithFPU(t *testing.T) {
	tgt, _ := testTarget(t)

	regs := make([]uint32, regFrameFPU)
	for i := range regs {
		regs[i] = uint32(0xB0000 + i)
	}
	regs[idxCPSR] = 0 // ARM state so the PC adjustment is symmetric

	if err := tgt.RegsWrite(regs); err != nil {
		t.Fatal(err)
	}
	back, err := tgt.RegsRead()
	if err != nil {
		t.Fatal(err)
	}
	for i := range regs {
		if i == idxPC {
			continue // read back through the prefetch adjustment
		}
		if back[i] != regs[i] {
			t.Errorf("reg %d: got %#x, want %#x", i, back[i], regs[i])
		}
	}
}

func TestResumeRestarts(t *testing.T) {
	tgt, core := testTarget(t)

	if err := tgt.Resume(false); err != nil {
		t.Fatal(err)
	}
	if core.halted {
		t.Error("core still halted after resume")
	}
}

func TestWatchpointProgramming(t *testing.T) {
	tgt, core := testTarget(t)

	bw := &target.BreakWatch{Type: target.WatchWrite, Addr: 0x20000040, Size: 4}
	if err := tgt.BreakwatchSet(bw); err != nil {
		t.Fatal(err)
	}
	slot := bw.Reserved[0]
	if core.wvr[slot] != 0x20000040 {
		t.Errorf("WVR: %#x", core.wvr[slot])
	}
	if core.wcr[slot]&wcrStore == 0 || core.wcr[slot]&bcrEnable == 0 {
		t.Errorf("WCR: %#x", core.wcr[slot])
	}

	if err := tgt.BreakwatchClear(bw); err != nil {
		t.Fatal(err)
	}
	if core.wcr[slot] != 0 {
		t.Errorf("WCR after clear: %#x", core.wcr[slot])
	}
}

func TestWCRByteLaneSelect(t *testing.T) {
	cases := []struct {
		addr uint64
		size int
		want uint32
	}{
		{0x1000, 1, 1 << 5},
		{0x1003, 1, 1 << 8},
		{0x1002, 2, 0x3 << 7},
		{0x1000, 4, 0xF << 5},
	}
	for _, tc := range cases {
		got, err := wcrBAS(tc.addr, tc.size)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("wcrBAS(%#x, %d): got %#x, want %#x", tc.addr, tc.size, got, tc.want)
		}
	}

	if _, err := wcrBAS(0x1001, 4); err == nil {
		t.Error("unaligned word watchpoint accepted")
	}
}
