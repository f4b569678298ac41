// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package riscv

import (
	"fmt"

	"github.com/blackprobe/dbgcore/target"
)

// mcontrolFor builds the TDATA1 value arming a trigger for bw. Read and
// access watches additionally take post-access timing so the faulting
// value is observable at the halt.
func mcontrolFor(t target.BreakWatchType) (uint32, error) {
	base := uint32(mctlTypeMatch<<mctlTypeShift | mctlDMode | mctlActionDebug | mctlEnableAll)
	switch t {
	case target.BreakHard:
		return base | mctlExecute, nil
	case target.WatchWrite:
		return base | mctlStore, nil
	case target.WatchRead:
		return base | mctlLoad | mctlTiming, nil
	case target.WatchAccess:
		return base | mctlLoad | mctlStore | mctlTiming, nil
	default:
		return 0, fmt.Errorf("riscv: unsupported breakwatch type %v", t)
	}
}

// TriggerSet scans the trigger module for a free slot and arms bw there,
// recording the slot in bw.Reserved[0]. TSELECT is preserved around the
// scan.
func (d *DMI) TriggerSet(bw *target.BreakWatch) error {
	mctl, err := mcontrolFor(bw.Type)
	if err != nil {
		return err
	}

	saved, err := d.CSRRead(CSRTSelect)
	if err != nil {
		return err
	}
	defer func() { _ = d.CSRWrite(CSRTSelect, saved) }()

	for slot := uint32(0); ; slot++ {
		if err := d.CSRWrite(CSRTSelect, slot); err != nil {
			return err
		}
		back, err := d.CSRRead(CSRTSelect)
		if err != nil || back != slot {
			// Ran off the end of the trigger file.
			return fmt.Errorf("riscv: no free trigger slot for %v", bw.Type)
		}

		tdata1, err := d.CSRRead(CSRTData1)
		if err != nil {
			return err
		}
		typ := (tdata1 >> mctlTypeShift) & mctlTypeMask
		if typ == 0 {
			return fmt.Errorf("riscv: no free trigger slot for %v", bw.Type)
		}
		if typ != mctlTypeMatch {
			continue
		}
		if tdata1&(mctlLoad|mctlStore|mctlExecute) != 0 {
			// Slot already armed.
			continue
		}

		if err := d.CSRWrite(CSRTData1, mctl); err != nil {
			return err
		}
		if err := d.CSRWrite(CSRTData2, uint32(bw.Addr)); err != nil {
			return err
		}
		bw.Reserved[0] = uint64(slot)
		return nil
	}
}

// TriggerClear disarms the slot recorded in bw.Reserved[0], preserving
// TSELECT.
func (d *DMI) TriggerClear(bw *target.BreakWatch) error {
	saved, err := d.CSRRead(CSRTSelect)
	if err != nil {
		return err
	}
	defer func() { _ = d.CSRWrite(CSRTSelect, saved) }()

	if err := d.CSRWrite(CSRTSelect, uint32(bw.Reserved[0])); err != nil {
		return err
	}
	return d.CSRWrite(CSRTData1, 0)
}

// triggerHit scans the armed triggers in bws for one with MCONTROL.HIT
// set, returning its watch address. The hit bit is optional hardware;
// found reports whether any slot implemented it.
func (d *DMI) triggerHit(bws []*target.BreakWatch) (addr uint64, found bool, err error) {
	saved, err := d.CSRRead(CSRTSelect)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = d.CSRWrite(CSRTSelect, saved) }()

	for _, bw := range bws {
		if bw.Type == target.BreakHard {
			continue
		}
		if err := d.CSRWrite(CSRTSelect, uint32(bw.Reserved[0])); err != nil {
			return 0, false, err
		}
		tdata1, err := d.CSRRead(CSRTData1)
		if err != nil {
			return 0, false, err
		}
		if tdata1&mctlHit != 0 {
			// Clear the hit for the next stop.
			_ = d.CSRWrite(CSRTData1, tdata1&^uint32(mctlHit))
			return bw.Addr, true, nil
		}
	}
	return 0, false, nil
}
