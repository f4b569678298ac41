// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cortexr

import (
	"fmt"

	"github.com/blackprobe/dbgcore/target"
)

// BCR/WCR control fields (ARM DDI0406 C11.11).
const (
	bcrEnable = 1 << 0
	bcrPAC    = 0x3 << 1 // match privileged and user

	bcrBASWord = 0xF << 5

	wcrLoad  = 1 << 3
	wcrStore = 1 << 4
)

// wcrBAS selects the byte lanes a watchpoint of the given size observes at
// an aligned address.
func wcrBAS(addr uint64, size int) (uint32, error) {
	switch size {
	case 1:
		return uint32(1) << (5 + addr&3), nil
	case 2:
		if addr&1 != 0 {
			return 0, fmt.Errorf("cortexr: unaligned 2-byte watchpoint at %#x", addr)
		}
		return uint32(0x3) << (5 + addr&2), nil
	case 4:
		if addr&3 != 0 {
			return 0, fmt.Errorf("cortexr: unaligned 4-byte watchpoint at %#x", addr)
		}
		return 0xF << 5, nil
	default:
		return 0, fmt.Errorf("cortexr: unsupported watchpoint size %d", size)
	}
}

// BreakwatchSet arms bw in a free BRP (breakpoint) or WRP (watchpoint)
// slot, recording the slot index in bw.Reserved[0]. Reserved[1] holds the
// watchpoint value-register address for HaltPoll's match scan.
func (t *Target) BreakwatchSet(bw *target.BreakWatch) error {
	for _, have := range t.bwList {
		if have.Type == bw.Type && have.Addr == bw.Addr {
			return fmt.Errorf("cortexr: %v at %#x already set", bw.Type, bw.Addr)
		}
	}

	switch bw.Type {
	case target.BreakHard:
		slot := t.brpSlots.Take()
		if slot < 0 {
			return fmt.Errorf("cortexr: no free breakpoint slot")
		}
		if err := t.write32(regBVRBase+uint64(slot)*4, uint32(bw.Addr)&^3); err != nil {
			t.brpSlots.Free(slot)
			return err
		}
		if err := t.write32(regBCRBase+uint64(slot)*4, bcrEnable|bcrPAC|bcrBASWord); err != nil {
			t.brpSlots.Free(slot)
			return err
		}
		bw.Reserved[0] = uint64(slot)

	case target.WatchRead, target.WatchWrite, target.WatchAccess:
		bas, err := wcrBAS(bw.Addr, bw.Size)
		if err != nil {
			return err
		}
		slot := t.wrpSlots.Take()
		if slot < 0 {
			return fmt.Errorf("cortexr: no free watchpoint slot")
		}

		var lsc uint32
		switch bw.Type {
		case target.WatchRead:
			lsc = wcrLoad
		case target.WatchWrite:
			lsc = wcrStore
		default:
			lsc = wcrLoad | wcrStore
		}

		if err := t.write32(regWVRBase+uint64(slot)*4, uint32(bw.Addr)&^3); err != nil {
			t.wrpSlots.Free(slot)
			return err
		}
		if err := t.write32(regWCRBase+uint64(slot)*4, bcrEnable|bcrPAC|lsc|bas); err != nil {
			t.wrpSlots.Free(slot)
			return err
		}
		bw.Reserved[0] = uint64(slot)
		bw.Reserved[1] = bw.Addr

	default:
		return fmt.Errorf("cortexr: unsupported breakwatch type %v", bw.Type)
	}

	t.bwList = append(t.bwList, bw)
	return nil
}

// BreakwatchClear disarms the slot recorded in bw.Reserved[0].
func (t *Target) BreakwatchClear(bw *target.BreakWatch) error {
	slot := int(bw.Reserved[0])

	switch bw.Type {
	case target.BreakHard:
		if !t.brpSlots.InUse(slot) {
			return fmt.Errorf("cortexr: breakpoint slot %d not armed", slot)
		}
		if err := t.write32(regBCRBase+uint64(slot)*4, 0); err != nil {
			return err
		}
		t.brpSlots.Free(slot)

	case target.WatchRead, target.WatchWrite, target.WatchAccess:
		if !t.wrpSlots.InUse(slot) {
			return fmt.Errorf("cortexr: watchpoint slot %d not armed", slot)
		}
		if err := t.write32(regWCRBase+uint64(slot)*4, 0); err != nil {
			return err
		}
		t.wrpSlots.Free(slot)

	default:
		return fmt.Errorf("cortexr: unsupported breakwatch type %v", bw.Type)
	}

	for i, have := range t.bwList {
		if have == bw || (have.Type == bw.Type && have.Addr == bw.Addr) {
			t.bwList = append(t.bwList[:i], t.bwList[i+1:]...)
			break
		}
	}
	return nil
}

// wrpMatchedAddr returns the address of the first armed watchpoint in
// bwList: ARMv7-R has no per-WRP matched flag, and which armed comparator
// matched the access is not determined.
func (t *Target) wrpMatchedAddr() (uint64, error) {
	for _, bw := range t.bwList {
		if bw.Type != target.BreakHard {
			return bw.Reserved[1], nil
		}
	}
	return 0, nil
}
