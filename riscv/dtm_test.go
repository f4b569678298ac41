// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package riscv

import (
	"errors"
	"testing"

	"github.com/blackprobe/dbgcore/linktest"
)

func TestDiscoverJTAGReadsDTMCS(t *testing.T) {
	dtm := linktest.NewDTM(linktest.NewDMModel())
	dtm.IdleHint = 5

	j, err := DiscoverJTAG(dtm, 0)
	if err != nil {
		t.Fatal(err)
	}
	if j.ABits() != 7 {
		t.Errorf("abits: got %d, want 7", j.ABits())
	}
	if j.Idle() != 5 {
		t.Errorf("idle: got %d, want 5", j.Idle())
	}
	if dtm.IdleCycles() != 5 {
		t.Errorf("link idle cycles not set from DTMCS hint: %d", dtm.IdleCycles())
	}
}

func TestBusyRetryWidensIdle(t *testing.T) {
	dtm := linktest.NewDTM(linktest.NewDMModel())
	dtm.IdleHint = 5

	j, err := DiscoverJTAG(dtm, 0)
	if err != nil {
		t.Fatal(err)
	}

	dtm.BusyCount = 1
	_, stat, err := j.Exec(0x11, 0, dmiOpRead)
	if err != nil {
		t.Fatal(err)
	}
	if stat != dmiStatOK {
		t.Fatalf("status after busy recovery: got %d", stat)
	}
	if j.Idle() != 6 {
		t.Errorf("idle after one busy: got %d, want 6", j.Idle())
	}
	if dtm.IdleCycles() != 6 {
		t.Errorf("link idle cycles: got %d, want 6", dtm.IdleCycles())
	}
}

func TestBusyBeyondBudgetFails(t *testing.T) {
	dtm := linktest.NewDTM(linktest.NewDMModel())

	j, err := DiscoverJTAG(dtm, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Enough consecutive busy responses to exhaust every widening step.
	dtm.BusyCount = 64
	_, _, err = j.Exec(0x11, 0, dmiOpRead)
	if !errors.Is(err, ErrDMIBusy) {
		t.Fatalf("got %v, want ErrDMIBusy", err)
	}
}

func TestDMIReadWrite(t *testing.T) {
	dm := linktest.NewDMModel()
	j, err := DiscoverJTAG(linktest.NewDTM(dm), 0)
	if err != nil {
		t.Fatal(err)
	}

	d := &DMI{dtm: j}
	if err := d.Write(regDMControl, dmctlDMActive); err != nil {
		t.Fatal(err)
	}
	v, err := d.Read(regDMControl)
	if err != nil {
		t.Fatal(err)
	}
	if v&dmctlDMActive == 0 {
		t.Error("dmactive not set after write")
	}
}
