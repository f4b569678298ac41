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

// Register frame: x0..x31 then PC, the RV32 numbering a GDB front-end
// expects.
const regFrameWords = 33

// Hart is one RISC-V hardware thread exposed through the target façade.
// All harts on a Debug Module share its DMI, which is reference-counted.
type Hart struct {
	dmi *DMI
	idx int

	Driver string

	bwList []*target.BreakWatch

	regions []target.MemRegion

	stepped bool
}

var _ target.Target = (*Hart)(nil)

// NewHart wraps hart idx of dmi as a debug target.
func NewHart(dmi *DMI, idx int) (*Hart, error) {
	found := false
	for _, h := range dmi.Harts {
		if h.Idx == idx {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("riscv: no hart %d", idx)
	}

	dmi.acquire()
	return &Hart{dmi: dmi, idx: idx, Driver: "riscv"}, nil
}

// Release drops this hart's reference to the shared DMI.
func (h *Hart) Release() {
	h.dmi.release()
}

// sel makes this hart current before an operation.
func (h *Hart) sel() error {
	if h.dmi.CurrentHart() == h.idx {
		return nil
	}
	return h.dmi.SelectHart(h.idx)
}

// Attach halts the hart and enables ebreak-to-debug in every privilege
// mode so software breakpoints reach the debugger instead of trapping.
func (h *Hart) Attach() error {
	if err := h.sel(); err != nil {
		return err
	}
	if err := h.dmi.HaltCurrentHart(); err != nil {
		return err
	}

	dcsr, err := h.dmi.CSRRead(CSRDCSR)
	if err != nil {
		return err
	}
	return h.dmi.CSRWrite(CSRDCSR, dcsr|dcsrEBreakM|dcsrEBreakS|dcsrEBreakU)
}

// Detach clears triggers and resumes the hart.
func (h *Hart) Detach() error {
	if err := h.sel(); err != nil {
		return err
	}
	for _, bw := range append([]*target.BreakWatch(nil), h.bwList...) {
		if err := h.BreakwatchClear(bw); err != nil {
			return err
		}
	}

	dcsr, err := h.dmi.CSRRead(CSRDCSR)
	if err != nil {
		return err
	}
	if err := h.dmi.CSRWrite(CSRDCSR, dcsr&^uint32(dcsrEBreakM|dcsrEBreakS|dcsrEBreakU)); err != nil {
		return err
	}
	return h.dmi.ResumeCurrentHart()
}

func (h *Hart) HaltRequest() error {
	if err := h.sel(); err != nil {
		return err
	}
	return h.dmi.HaltCurrentHart()
}

// HaltPoll classifies why the hart stopped from DCSR.CAUSE. Trigger stops
// prefer the hardware HIT bit; without one the instruction at DPC is
// decoded to name the watched address. The Espressif parts report a
// completed single step as a halt request, remapped here when DCSR.STEP
// is still set.
func (h *Hart) HaltPoll() (target.HaltReason, uint64, error) {
	if err := h.sel(); err != nil {
		return target.Error, 0, err
	}

	halted, err := h.dmi.Halted()
	if err != nil {
		return target.Error, 0, err
	}
	if !halted {
		return target.Running, 0, nil
	}

	dcsr, err := h.dmi.CSRRead(CSRDCSR)
	if err != nil {
		return target.Error, 0, err
	}
	cause := (dcsr >> dcsrCauseShift) & dcsrCauseMask

	if h.dmi.Designer == DesignerEspressif && cause == causeHaltReq && dcsr&dcsrStep != 0 {
		cause = causeStep
	}

	stepped := h.stepped
	h.stepped = false

	switch cause {
	case causeEBreak:
		if stepped {
			return target.Stepping, 0, nil
		}
		return target.Breakpoint, 0, nil

	case causeTrigger:
		addr, found, err := h.dmi.triggerHit(h.bwList)
		if err != nil {
			return target.Error, 0, err
		}
		if !found {
			decoded, derr := h.dmi.watchAddrFromDPC()
			if derr == nil {
				for _, bw := range h.bwList {
					if bw.Type != target.BreakHard && bw.Addr == decoded {
						return target.Watchpoint, decoded, nil
					}
				}
			}
			// An execute trigger, or an address we cannot reconstruct.
			return target.Breakpoint, 0, nil
		}
		return target.Watchpoint, addr, nil

	case causeStep:
		return target.Stepping, 0, nil

	case causeHaltReq, causeResetHalt:
		return target.Request, 0, nil

	default:
		return target.Request, 0, nil
	}
}

// Resume restarts the hart, single-stepping one instruction first when
// step is set.
func (h *Hart) Resume(step bool) error {
	if err := h.sel(); err != nil {
		return err
	}

	dcsr, err := h.dmi.CSRRead(CSRDCSR)
	if err != nil {
		return err
	}
	if step {
		dcsr |= dcsrStep
	} else {
		dcsr &^= uint32(dcsrStep)
	}
	if err := h.dmi.CSRWrite(CSRDCSR, dcsr); err != nil {
		return err
	}

	h.stepped = step
	return h.dmi.ResumeCurrentHart()
}

// RegRead reads one register of the frame: GPRs through the abstract
// register file, the PC through DPC.
func (h *Hart) RegRead(idx int) (uint32, error) {
	if err := h.sel(); err != nil {
		return 0, err
	}
	switch {
	case idx >= 0 && idx < 32:
		return h.dmi.GPRRead(idx)
	case idx == 32:
		return h.dmi.CSRRead(CSRDPC)
	default:
		return 0, fmt.Errorf("riscv: no register at index %d", idx)
	}
}

func (h *Hart) RegWrite(idx int, value uint32) error {
	if err := h.sel(); err != nil {
		return err
	}
	switch {
	case idx == 0:
		return nil // x0 is hardwired
	case idx > 0 && idx < 32:
		return h.dmi.GPRWrite(idx, value)
	case idx == 32:
		return h.dmi.CSRWrite(CSRDPC, value)
	default:
		return fmt.Errorf("riscv: no register at index %d", idx)
	}
}

// RegsRead captures the frame, pulling the GPR block in one autoexec-
// accelerated run when the module supports it.
func (h *Hart) RegsRead() ([]uint32, error) {
	if err := h.sel(); err != nil {
		return nil, err
	}

	gprs, err := h.dmi.AbstractRegsRead(RegGPRBase, 32)
	if err != nil {
		return nil, err
	}
	pc, err := h.dmi.CSRRead(CSRDPC)
	if err != nil {
		return nil, err
	}
	return append(gprs, pc), nil
}

func (h *Hart) RegsWrite(regs []uint32) error {
	if len(regs) != regFrameWords {
		return fmt.Errorf("riscv: register frame is %d words, got %d", regFrameWords, len(regs))
	}
	if err := h.sel(); err != nil {
		return err
	}

	// x0 is skipped: hardwired zero.
	if err := h.dmi.AbstractRegsWrite(RegGPRBase+1, regs[1:32]); err != nil {
		return err
	}
	return h.dmi.CSRWrite(CSRDPC, regs[32])
}

func (h *Hart) MemRead(buf []byte, addr uint64) error {
	if err := h.sel(); err != nil {
		return err
	}
	return h.dmi.MemRead(buf, addr)
}

func (h *Hart) MemWrite(addr uint64, buf []byte) error {
	if err := h.sel(); err != nil {
		return err
	}
	return target.FlashWrite(h.regions, addr, buf, func(addr uint64, buf []byte) error {
		return h.dmi.MemWrite(addr, buf)
	})
}

// BreakwatchSet arms bw in a free trigger slot.
func (h *Hart) BreakwatchSet(bw *target.BreakWatch) error {
	for _, have := range h.bwList {
		if have.Type == bw.Type && have.Addr == bw.Addr {
			return fmt.Errorf("riscv: %v at %#x already set", bw.Type, bw.Addr)
		}
	}
	if err := h.sel(); err != nil {
		return err
	}
	if err := h.dmi.TriggerSet(bw); err != nil {
		return err
	}
	h.bwList = append(h.bwList, bw)
	return nil
}

func (h *Hart) BreakwatchClear(bw *target.BreakWatch) error {
	if err := h.sel(); err != nil {
		return err
	}
	if err := h.dmi.TriggerClear(bw); err != nil {
		return err
	}
	for i, have := range h.bwList {
		if have == bw || (have.Type == bw.Type && have.Addr == bw.Addr) {
			h.bwList = append(h.bwList[:i], h.bwList[i+1:]...)
			break
		}
	}
	return nil
}

func (h *Hart) CheckError() bool {
	return h.dmi.CheckError()
}

func (h *Hart) AddRegion(r target.MemRegion) {
	h.regions = append(h.regions, r)
}

func (h *Hart) Regions() []target.MemRegion {
	return h.regions
}

func (h *Hart) MassErase() error {
	return target.MassErase(h.regions)
}

// Describe returns a short identity line for monitor "info" output.
func (h *Hart) Describe() string {
	return fmt.Sprintf("hart %d of %s", h.idx, h.dmi.Describe())
}
