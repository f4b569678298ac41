// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cortexm

import (
	"io"
	"log"
	"testing"

	"github.com/blackprobe/dbgcore/adiv5"
	"github.com/blackprobe/dbgcore/linktest"
	"github.com/blackprobe/dbgcore/target"
)

// scsModel gives the System Control Space debug registers behavior behind
// the fake MEM-AP: halt control, the DCRSR/DCRDR register file, FPB and
// DWT comparator banks.
type scsModel struct {
	dhcsr uint32
	dfsr  uint32
	demcr uint32
	cpacr uint32

	regs  [128]uint32
	dcrdr uint32

	fpCtrl  uint32
	fpComp  [6]uint32
	dwtCtrl uint32
	dwtComp [4]uint32
	dwtMask [4]uint32
	dwtFunc [4]uint32
}

func newSCSModel() *scsModel {
	return &scsModel{
		fpCtrl:  6 << 4,  // six code comparators
		dwtCtrl: 4 << 28, // four watchpoint comparators
	}
}

func (m *scsModel) handle(addr uint64, write bool, value uint32) (uint32, bool) {
	switch {
	case addr == CPUID:
		return 0x410FC241, !write // Cortex-M4 r0p1

	case addr == DHCSR:
		if write {
			m.dhcsr = value & 0xFFFF
			if value&DHCSRCHalt != 0 {
				m.dhcsr |= DHCSRSHalt
			} else {
				m.dhcsr &^= uint32(DHCSRSHalt)
			}
			return 0, true
		}
		return m.dhcsr | DHCSRSRegRdy, true

	case addr == DFSR:
		if write {
			m.dfsr &^= value
			return 0, true
		}
		return m.dfsr, true

	case addr == DEMCR:
		if write {
			m.demcr = value
			return 0, true
		}
		return m.demcr, true

	case addr == CPACR:
		if write {
			m.cpacr = value
			return 0, true
		}
		return m.cpacr, true

	case addr == DCRSR:
		if write {
			sel := value & 0x7F
			if value&DCRSRRegWnR != 0 {
				m.regs[sel] = m.dcrdr
			} else {
				m.dcrdr = m.regs[sel]
			}
			return 0, true
		}
		return 0, true

	case addr == DCRDR:
		if write {
			m.dcrdr = value
			return 0, true
		}
		return m.dcrdr, true

	case addr == FPCtrl:
		if write {
			m.fpCtrl = m.fpCtrl&^uint32(3) | value&3
			return 0, true
		}
		return m.fpCtrl, true

	case addr >= FPCompBase && addr < FPCompBase+6*4:
		i := (addr - FPCompBase) / 4
		if write {
			m.fpComp[i] = value
			return 0, true
		}
		return m.fpComp[i], true

	case addr == DWTCtrl:
		return m.dwtCtrl, !write

	case addr >= DWTCompBase && addr < DWTCompBase+4*DWTStride:
		i := (addr - DWTCompBase) / DWTStride
		reg := (addr - DWTCompBase) % DWTStride
		var p *uint32
		switch reg {
		case 0:
			p = &m.dwtComp[i]
		case 4:
			p = &m.dwtMask[i]
		case 8:
			p = &m.dwtFunc[i]
		default:
			return 0, false
		}
		if write {
			*p = value
			return 0, true
		}
		return *p, true
	}
	return 0, false
}

func testTarget(t *testing.T) (*Target, *scsModel) {
	t.Helper()

	scs := newSCSModel()
	model := linktest.NewDPModel(0x2BA01477)
	model.MemHandler = scs.handle

	dp := adiv5.NewSWD(linktest.NewSWD(model), adiv5.Options{Logger: log.New(io.Discard, "", 0)})
	aps, err := adiv5.EnumerateAPs(dp)
	if err != nil || len(aps) != 1 {
		t.Fatalf("enumeration: %v (%d APs)", err, len(aps))
	}
	if err := aps[0].Configure(); err != nil {
		t.Fatal(err)
	}

	tgt, err := New(aps[0], Options{Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	return tgt, scs
}

func TestInitialHaltAndDiscovery(t *testing.T) {
	tgt, scs := testTarget(t)

	if scs.dhcsr&DHCSRSHalt == 0 {
		t.Error("core not halted after attach")
	}
	if tgt.Core != "M4" {
		t.Errorf("core: got %q, want M4", tgt.Core)
	}
	if scs.demcr&DEMCRVCCoreReset == 0 || scs.demcr&DEMCRTrcEna == 0 {
		t.Errorf("DEMCR after attach: %#x", scs.demcr)
	}
	// The CPACR probe saw the bits stick, so the FPU frame is in use.
	if tgt.TargetOptions&OptionFPU == 0 {
		t.Error("FPU not detected")
	}
	if tgt.RegsSize() != RegFrameFPU {
		t.Errorf("frame size: got %d, want %d", tgt.RegsSize(), RegFrameFPU)
	}
}

func TestRegReadWrite(t *testing.T) {
	tgt, scs := testTarget(t)

	if err := tgt.RegWrite(3, 0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	if scs.regs[3] != 0xDEADBEEF {
		t.Errorf("r3 in model: %#x", scs.regs[3])
	}

	scs.regs[RegPC] = 0x08000400
	pc, err := tgt.RegRead(15)
	if err != nil {
		t.Fatal(err)
	}
	if pc != 0x08000400 {
		t.Errorf("pc: got %#x", pc)
	}
}

func TestRegsRoundTrip(t *testing.T) {
	tgt, _ := testTarget(t)

	regs := make([]uint32, tgt.RegsSize())
	for i := range regs {
		regs[i] = uint32(0xA0000 + i)
	}
	if err := tgt.RegsWrite(regs); err != nil {
		t.Fatal(err)
	}
	back, err := tgt.RegsRead()
	if err != nil {
		t.Fatal(err)
	}
	for i := range regs {
		if back[i] != regs[i] {
			t.Errorf("reg %d: got %#x, want %#x", i, back[i], regs[i])
		}
	}
}

func TestHaltPollStateMachine(t *testing.T) {
	tgt, scs := testTarget(t)

	// Running: S_HALT clear.
	scs.dhcsr &^= uint32(DHCSRSHalt)
	if reason, _, _ := tgt.HaltPoll(); reason != target.Running {
		t.Errorf("running: got %v", reason)
	}
	scs.dhcsr |= DHCSRSHalt

	cases := []struct {
		dfsr uint32
		want target.HaltReason
	}{
		{DFSRHalted, target.Request},
		{DFSRBkpt, target.Breakpoint},
		{DFSRVCatch, target.Fault},
	}
	for _, tc := range cases {
		scs.dfsr = tc.dfsr
		reason, _, err := tgt.HaltPoll()
		if err != nil {
			t.Fatal(err)
		}
		if reason != tc.want {
			t.Errorf("dfsr %#x: got %v, want %v", tc.dfsr, reason, tc.want)
		}
		if scs.dfsr != 0 {
			t.Errorf("DFSR not cleared after poll: %#x", scs.dfsr)
		}
	}
}

func TestStepReportsStepping(t *testing.T) {
	tgt, scs := testTarget(t)

	if err := tgt.Resume(true); err != nil {
		t.Fatal(err)
	}
	// The step retires and the core re-halts with DFSR.HALTED.
	scs.dhcsr |= DHCSRSHalt
	scs.dfsr = DFSRHalted

	reason, _, err := tgt.HaltPoll()
	if err != nil {
		t.Fatal(err)
	}
	if reason != target.Stepping {
		t.Errorf("got %v, want Stepping", reason)
	}
}

func TestWatchpointReportsAddress(t *testing.T) {
	tgt, scs := testTarget(t)

	bw := &target.BreakWatch{Type: target.WatchWrite, Addr: 0x20000100, Size: 4}
	if err := tgt.BreakwatchSet(bw); err != nil {
		t.Fatal(err)
	}
	slot := bw.Reserved[0]
	if scs.dwtFunc[slot] != DWTFuncWrite {
		t.Errorf("DWT function: %#x", scs.dwtFunc[slot])
	}

	scs.dfsr = DFSRDWTTrap
	scs.dwtFunc[slot] |= DWTFuncMatched

	reason, addr, err := tgt.HaltPoll()
	if err != nil {
		t.Fatal(err)
	}
	if reason != target.Watchpoint {
		t.Fatalf("got %v, want Watchpoint", reason)
	}
	if addr != 0x20000100 {
		t.Errorf("address: got %#x", addr)
	}

	if err := tgt.BreakwatchClear(bw); err != nil {
		t.Fatal(err)
	}
	if scs.dwtFunc[slot]&0xF != 0 {
		t.Errorf("DWT function after clear: %#x", scs.dwtFunc[slot])
	}
}

func TestBreakpointSlots(t *testing.T) {
	tgt, scs := testTarget(t)

	bw := &target.BreakWatch{Type: target.BreakHard, Addr: 0x08000234, Size: 2}
	if err := tgt.BreakwatchSet(bw); err != nil {
		t.Fatal(err)
	}
	if scs.fpComp[bw.Reserved[0]]&FPCompEnable == 0 {
		t.Error("FPB comparator not enabled")
	}
	if scs.fpCtrl&FPCtrlEnable == 0 {
		t.Error("FPB unit not enabled")
	}

	dup := &target.BreakWatch{Type: target.BreakHard, Addr: 0x08000234, Size: 2}
	if err := tgt.BreakwatchSet(dup); err == nil {
		t.Error("duplicate breakpoint accepted")
	}

	if err := tgt.BreakwatchClear(bw); err != nil {
		t.Fatal(err)
	}
	if scs.fpComp[bw.Reserved[0]] != 0 {
		t.Errorf("comparator after clear: %#x", scs.fpComp[bw.Reserved[0]])
	}
}
