// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package adiv5

import (
	"testing"

	"github.com/blackprobe/dbgcore/linktest"
)

// Two multidrop DPs sharing one wire, RP2040-style: same TARGETID, the
// instance id in TARGETSEL[31:28] telling them apart.
func TestMultidropScanFindsBothCores(t *testing.T) {
	const targetid = 0x01002927

	core0 := linktest.NewDPModel(0x2BA02477)
	core0.Multidrop(targetid, 0x01002927)
	core1 := linktest.NewDPModel(0x2BA02477)
	core1.Multidrop(targetid, 0x11002927)

	sw := linktest.NewSWD(core0, core1)

	dps, err := scanMultidrop(sw, targetid, quietOpts())
	if err != nil {
		t.Fatal(err)
	}

	if len(dps) != 2 {
		t.Fatalf("found %d DPs, want 2", len(dps))
	}
	if dps[0].Instance != 0 || dps[1].Instance != 1 {
		t.Errorf("instances: got %d and %d, want 0 and 1", dps[0].Instance, dps[1].Instance)
	}
	for _, dp := range dps {
		if dp.TargetSel&0x0FFFFFFF != targetid&0x0FFFFFFF {
			t.Errorf("dp%d targetsel %#x does not frame targetid %#x", dp.Instance, dp.TargetSel, targetid)
		}
	}
}

func TestTargetselFraming(t *testing.T) {
	if got := targetselFor(0x01002927, 0); got != 0x01002927 {
		t.Errorf("instance 0: got %#x", got)
	}
	if got := targetselFor(0x01002927, 1); got != 0x11002927 {
		t.Errorf("instance 1: got %#x", got)
	}
	if got := targetselFor(0x01002927, 15); got != 0xF1002927 {
		t.Errorf("instance 15: got %#x", got)
	}
}
