// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package riscv

import (
	"testing"

	"github.com/blackprobe/dbgcore/linktest"
	"github.com/blackprobe/dbgcore/target"
)

func testHart(t *testing.T) (*Hart, *linktest.DMModel) {
	t.Helper()
	d, dm := testDMI(t)
	h, err := NewHart(d, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Attach(); err != nil {
		t.Fatal(err)
	}
	return h, dm
}

func setCause(dm *linktest.DMModel, cause uint32) {
	dcsr := dm.Harts[0].CSRs[0x7B0]
	dm.Harts[0].CSRs[0x7B0] = dcsr&^uint32(0x7<<6) | cause<<6
}

func TestHaltPollReasons(t *testing.T) {
	h, dm := testHart(t)

	cases := []struct {
		cause uint32
		want  target.HaltReason
	}{
		{causeEBreak, target.Breakpoint},
		{causeHaltReq, target.Request},
		{causeStep, target.Stepping},
		{causeResetHalt, target.Request},
	}

	for _, tc := range cases {
		setCause(dm, tc.cause)
		reason, _, err := h.HaltPoll()
		if err != nil {
			t.Fatal(err)
		}
		if reason != tc.want {
			t.Errorf("cause %d: got %v, want %v", tc.cause, reason, tc.want)
		}
	}
}

func TestHaltPollRunning(t *testing.T) {
	h, dm := testHart(t)

	dm.Harts[0].Halted = false
	reason, _, err := h.HaltPoll()
	if err != nil {
		t.Fatal(err)
	}
	if reason != target.Running {
		t.Errorf("got %v, want Running", reason)
	}
}

func TestEspressifStepCauseRemap(t *testing.T) {
	dm := linktest.NewDMModel()
	dm.Harts[0].CSRs[CSRMVendorID] = DesignerEspressif

	j, err := DiscoverJTAG(linktest.NewDTM(dm), 0)
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(j, quietOpts())
	if err != nil {
		t.Fatal(err)
	}
	h, err := NewHart(d, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Attach(); err != nil {
		t.Fatal(err)
	}

	// The part reports a completed single step as a halt request with
	// DCSR.STEP still set.
	setCause(dm, causeHaltReq)
	dm.Harts[0].CSRs[0x7B0] |= dcsrStep

	reason, _, err := h.HaltPoll()
	if err != nil {
		t.Fatal(err)
	}
	if reason != target.Stepping {
		t.Errorf("got %v, want Stepping", reason)
	}
}

func TestRegFrameRoundTrip(t *testing.T) {
	h, _ := testHart(t)

	regs := make([]uint32, regFrameWords)
	for i := range regs {
		regs[i] = uint32(0x1000 + i)
	}
	regs[0] = 0 // x0 stays hardwired

	if err := h.RegsWrite(regs); err != nil {
		t.Fatal(err)
	}
	back, err := h.RegsRead()
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != regFrameWords {
		t.Fatalf("frame size: got %d, want %d", len(back), regFrameWords)
	}
	for i := range regs {
		if back[i] != regs[i] {
			t.Errorf("reg %d: got %#x, want %#x", i, back[i], regs[i])
		}
	}
}

func TestTriggerSetClear(t *testing.T) {
	h, dm := testHart(t)

	bw := &target.BreakWatch{Type: target.WatchWrite, Addr: 0x20001000, Size: 4}
	if err := h.BreakwatchSet(bw); err != nil {
		t.Fatal(err)
	}

	slot := uint16(bw.Reserved[0])
	tdata1 := dm.Harts[0].CSRs[0x8000+slot]
	if tdata1&mctlStore == 0 || tdata1&mctlDMode == 0 {
		t.Errorf("trigger %d not armed for store: tdata1 %#x", slot, tdata1)
	}
	if dm.Harts[0].CSRs[0x8100+slot] != 0x20001000 {
		t.Errorf("tdata2: %#x", dm.Harts[0].CSRs[0x8100+slot])
	}

	// A second watch at the same (type, addr) is rejected.
	dup := &target.BreakWatch{Type: target.WatchWrite, Addr: 0x20001000, Size: 4}
	if err := h.BreakwatchSet(dup); err == nil {
		t.Error("duplicate watchpoint accepted")
	}

	if err := h.BreakwatchClear(bw); err != nil {
		t.Fatal(err)
	}
	if got := dm.Harts[0].CSRs[0x8000+slot]; got != 2<<28 {
		t.Errorf("trigger %d after clear: tdata1 %#x", slot, got)
	}
}

func TestTriggerSlotsExhaust(t *testing.T) {
	h, _ := testHart(t)

	for i := 0; i < 4; i++ {
		bw := &target.BreakWatch{Type: target.BreakHard, Addr: uint64(0x1000 + 4*i), Size: 4}
		if err := h.BreakwatchSet(bw); err != nil {
			t.Fatalf("slot %d: %v", i, err)
		}
		if bw.Reserved[0] != uint64(i) {
			t.Errorf("slot index: got %d, want %d", bw.Reserved[0], i)
		}
	}

	bw := &target.BreakWatch{Type: target.BreakHard, Addr: 0x2000, Size: 4}
	if err := h.BreakwatchSet(bw); err == nil {
		t.Error("fifth trigger accepted on a four-slot module")
	}
}

// A compressed store fires a trigger without a HIT bit: the decoder must
// reconstruct the watched address from the instruction at DPC.
func TestWatchpointAddressFromDecode(t *testing.T) {
	h, dm := testHart(t)

	bw := &target.BreakWatch{Type: target.WatchWrite, Addr: 0x20002008, Size: 4}
	if err := h.BreakwatchSet(bw); err != nil {
		t.Fatal(err)
	}

	// c.sw x9, 8(x8) at DPC, with s0/x8 pointing at 0x20002000.
	dm.LoadMem(0x400, []byte{0x04, 0xC4, 0x00, 0x00})
	dm.Harts[0].CSRs[CSRDPC] = 0x400
	dm.Harts[0].GPRs[8] = 0x20002000
	setCause(dm, causeTrigger)

	reason, addr, err := h.HaltPoll()
	if err != nil {
		t.Fatal(err)
	}
	if reason != target.Watchpoint {
		t.Fatalf("got %v, want Watchpoint", reason)
	}
	if addr != 0x20002008 {
		t.Errorf("watch address: got %#x, want 0x20002008", addr)
	}
}
