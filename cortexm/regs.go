// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cortexm

import (
	"fmt"
	"time"
)

// regSelector maps a frame index (the front-end's register numbering) to
// the DCRSR REGSEL value.
func (t *Target) regSelector(idx int) (uint32, error) {
	switch {
	case idx >= 0 && idx <= RegPC:
		return uint32(idx), nil
	case idx == 16:
		return RegXPSR, nil
	case idx == 17:
		return RegMSP, nil
	case idx == 18:
		return RegPSP, nil
	case idx == 19:
		return RegSpecial, nil
	case idx == RegFrameBase && t.TargetOptions&OptionFPU != 0:
		return RegFPSCR, nil
	case idx > RegFrameBase && idx < RegFrameFPU && t.TargetOptions&OptionFPU != 0:
		return uint32(RegFPS0 + idx - RegFrameBase - 1), nil
	default:
		return 0, fmt.Errorf("cortexm: no register at index %d", idx)
	}
}

// waitRegRdy polls DHCSR until the DCRSR transfer completes.
func (t *Target) waitRegRdy() error {
	deadline := time.Now().Add(t.waitTimeout)
	for {
		dhcsr, err := t.read32(DHCSR)
		if err != nil {
			return err
		}
		if dhcsr&DHCSRSRegRdy != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("cortexm: register transfer: timed out")
		}
	}
}

// RegRead reads one register of the halted core through DCRSR/DCRDR.
func (t *Target) RegRead(idx int) (uint32, error) {
	sel, err := t.regSelector(idx)
	if err != nil {
		return 0, err
	}
	if err := t.write32(DCRSR, sel); err != nil {
		return 0, err
	}
	if err := t.waitRegRdy(); err != nil {
		return 0, err
	}
	return t.read32(DCRDR)
}

// RegWrite writes one register of the halted core.
func (t *Target) RegWrite(idx int, value uint32) error {
	sel, err := t.regSelector(idx)
	if err != nil {
		return err
	}
	if err := t.write32(DCRDR, value); err != nil {
		return err
	}
	if err := t.write32(DCRSR, sel|DCRSRRegWnR); err != nil {
		return err
	}
	return t.waitRegRdy()
}

// RegsRead transfers the full register frame.
func (t *Target) RegsRead() ([]uint32, error) {
	regs := make([]uint32, t.regsSize)
	for i := range regs {
		v, err := t.RegRead(i)
		if err != nil {
			return nil, err
		}
		regs[i] = v
	}
	return regs, nil
}

// RegsWrite restores a full register frame previously captured with
// RegsRead.
func (t *Target) RegsWrite(regs []uint32) error {
	if len(regs) != t.regsSize {
		return fmt.Errorf("cortexm: register frame is %d words, got %d", t.regsSize, len(regs))
	}
	for i, v := range regs {
		if err := t.RegWrite(i, v); err != nil {
			return err
		}
	}
	return nil
}

// RegsSize returns the frame size in 32-bit words.
func (t *Target) RegsSize() int {
	return t.regsSize
}
