// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cortexm

import (
	"fmt"

	"github.com/blackprobe/dbgcore/internal/slotalloc"
	"github.com/blackprobe/dbgcore/target"
)

// discoverBreakwatch sizes the FPB and DWT comparator banks and enables
// the FPB.
func (t *Target) discoverBreakwatch() error {
	fpCtrl, err := t.read32(FPCtrl)
	if err != nil {
		return err
	}
	numCode := int((fpCtrl>>4)&0xF | (fpCtrl>>12)&0x7<<4)
	t.fpbRev = int((fpCtrl >> 28) & 0xF)
	t.fpbSlots = slotalloc.New(numCode)

	if numCode > 0 {
		if err := t.write32(FPCtrl, FPCtrlKey|FPCtrlEnable); err != nil {
			return err
		}
	}

	dwtCtrl, err := t.read32(DWTCtrl)
	if err != nil {
		return err
	}
	t.dwtSlots = slotalloc.New(int(dwtCtrl >> 28))
	return nil
}

// fpbCompValue encodes a breakpoint address for the FPB revision in use.
// Revision 1 comparators match a halfword within an aligned word via the
// REPLACE field; revision 2 take the address directly.
func (t *Target) fpbCompValue(addr uint64) uint32 {
	if t.fpbRev >= 1 {
		return uint32(addr) | FPCompEnable
	}
	v := uint32(addr)&0x1FFFFFFC | FPCompEnable
	if addr&2 != 0 {
		return v | FPCompReplaceUpper
	}
	return v | FPCompReplaceLower
}

// dwtMask returns the DWT_MASK value (log2 of the match range) for a
// watchpoint of the given size.
func dwtMask(size int) (uint32, error) {
	switch size {
	case 1:
		return 0, nil
	case 2:
		return 1, nil
	case 4:
		return 2, nil
	case 8:
		return 3, nil
	default:
		return 0, fmt.Errorf("cortexm: unsupported watchpoint size %d", size)
	}
}

// BreakwatchSet arms bw in a free FPB (breakpoint) or DWT (watchpoint)
// slot, recording the slot index in bw.Reserved[0].
func (t *Target) BreakwatchSet(bw *target.BreakWatch) error {
	for _, have := range t.bwList {
		if have.Type == bw.Type && have.Addr == bw.Addr {
			return fmt.Errorf("cortexm: %v at %#x already set", bw.Type, bw.Addr)
		}
	}

	switch bw.Type {
	case target.BreakHard:
		slot := t.fpbSlots.Take()
		if slot < 0 {
			return fmt.Errorf("cortexm: no free breakpoint slot")
		}
		if err := t.write32(FPCompBase+uint64(slot)*4, t.fpbCompValue(bw.Addr)); err != nil {
			t.fpbSlots.Free(slot)
			return err
		}
		bw.Reserved[0] = uint64(slot)

	case target.WatchRead, target.WatchWrite, target.WatchAccess:
		mask, err := dwtMask(bw.Size)
		if err != nil {
			return err
		}
		slot := t.dwtSlots.Take()
		if slot < 0 {
			return fmt.Errorf("cortexm: no free watchpoint slot")
		}

		fn := uint32(DWTFuncAccess)
		switch bw.Type {
		case target.WatchRead:
			fn = DWTFuncRead
		case target.WatchWrite:
			fn = DWTFuncWrite
		}

		base := uint64(slot) * DWTStride
		if err := t.write32(DWTCompBase+base, uint32(bw.Addr)); err != nil {
			t.dwtSlots.Free(slot)
			return err
		}
		if err := t.write32(DWTMaskBase+base, mask); err != nil {
			t.dwtSlots.Free(slot)
			return err
		}
		if err := t.write32(DWTFuncBase+base, fn); err != nil {
			t.dwtSlots.Free(slot)
			return err
		}
		bw.Reserved[0] = uint64(slot)

	default:
		return fmt.Errorf("cortexm: unsupported breakwatch type %v", bw.Type)
	}

	t.bwList = append(t.bwList, bw)
	return nil
}

// BreakwatchClear disarms the slot recorded in bw.Reserved[0].
func (t *Target) BreakwatchClear(bw *target.BreakWatch) error {
	slot := int(bw.Reserved[0])

	switch bw.Type {
	case target.BreakHard:
		if !t.fpbSlots.InUse(slot) {
			return fmt.Errorf("cortexm: breakpoint slot %d not armed", slot)
		}
		if err := t.write32(FPCompBase+uint64(slot)*4, 0); err != nil {
			return err
		}
		t.fpbSlots.Free(slot)

	case target.WatchRead, target.WatchWrite, target.WatchAccess:
		if !t.dwtSlots.InUse(slot) {
			return fmt.Errorf("cortexm: watchpoint slot %d not armed", slot)
		}
		if err := t.write32(DWTFuncBase+uint64(slot)*DWTStride, 0); err != nil {
			return err
		}
		t.dwtSlots.Free(slot)

	default:
		return fmt.Errorf("cortexm: unsupported breakwatch type %v", bw.Type)
	}

	for i, have := range t.bwList {
		if have == bw || (have.Type == bw.Type && have.Addr == bw.Addr) {
			t.bwList = append(t.bwList[:i], t.bwList[i+1:]...)
			break
		}
	}
	return nil
}

// dwtMatchedAddr scans the armed DWT comparators for the one whose
// MATCHED bit is set and returns its comparator address.
func (t *Target) dwtMatchedAddr() (uint64, error) {
	for slot := 0; slot < t.dwtSlots.Size(); slot++ {
		if !t.dwtSlots.InUse(slot) {
			continue
		}
		base := uint64(slot) * DWTStride
		fn, err := t.read32(DWTFuncBase + base)
		if err != nil {
			return 0, err
		}
		if fn&DWTFuncMatched == 0 {
			continue
		}
		comp, err := t.read32(DWTCompBase + base)
		if err != nil {
			return 0, err
		}
		return uint64(comp), nil
	}
	return 0, nil
}
