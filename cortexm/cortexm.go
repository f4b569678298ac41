// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cortexm attaches to ARMv6-M/ARMv7-M cores over an ADIv5 MEM-AP:
// halt-on-attach, DHCSR/DEMCR discipline, register access through
// DCRSR/DCRDR, FPB breakpoints and DWT watchpoints, and the halt-reason
// state machine a debug front-end polls.
package cortexm

import (
	"fmt"
	"log"
	"time"

	"github.com/blackprobe/dbgcore/adiv5"
	"github.com/blackprobe/dbgcore/internal/slotalloc"
	"github.com/blackprobe/dbgcore/target"
)

// Options configures a Cortex-M target at construction time.
type Options struct {
	// WaitTimeout bounds the initial-halt and reset-clear polls
	// (default 250ms).
	WaitTimeout time.Duration

	// TargetOptions is the OptionFPU/OptionInhibitNRST/... bitfield.
	TargetOptions int

	// NRST, when non-nil, drives the target's hardware reset line; called
	// with true to assert reset.
	NRST func(assert bool) error

	// Logger defaults to log.Default() when nil.
	Logger *log.Logger
}

// Target is a Cortex-M debug target backed by one MEM-AP.
type Target struct {
	ap *adiv5.AccessPort

	Driver       string
	Core         string
	DesignerCode uint16
	PartID       uint16
	CPUID        uint32

	TargetOptions int

	waitTimeout time.Duration
	nrst        func(bool) error
	log         *log.Logger

	regsSize int

	savedDEMCR uint32

	fpbSlots *slotalloc.Bitmap
	dwtSlots *slotalloc.Bitmap
	fpbRev   int
	bwList   []*target.BreakWatch

	regions []target.MemRegion

	// stepped records that the last Resume armed a single step, so the
	// next halt with DFSR.HALTED reads as Stepping rather than Request.
	stepped bool

	memFault bool
}

var _ target.Target = (*Target)(nil)

// New wraps a configured MEM-AP as a Cortex-M target. The AP must already
// have been through adiv5 enumeration; New performs the initial halt and
// debug-unit discovery.
func New(ap *adiv5.AccessPort, opts Options) (*Target, error) {
	lg := opts.Logger
	if lg == nil {
		lg = log.Default()
	}
	wt := opts.WaitTimeout
	if wt == 0 {
		wt = 250 * time.Millisecond
	}

	t := &Target{
		ap:            ap,
		Driver:        "cortexm",
		TargetOptions: opts.TargetOptions,
		waitTimeout:   wt,
		nrst:          opts.NRST,
		log:           lg,
	}

	if err := t.InitialHalt(); err != nil {
		return nil, err
	}
	if err := t.discover(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Target) read32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := t.ap.MemRead(buf[:], addr, 4); err != nil {
		t.memFault = true
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

func (t *Target) write32(addr uint64, v uint32) error {
	buf := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	if err := t.ap.MemWrite(addr, buf[:]); err != nil {
		t.memFault = true
		return err
	}
	return nil
}

// InitialHalt gains halted debug control of the core as early as possible
// out of reset: enable debug, then hammer C_HALT until S_HALT sticks,
// filtering the all-ones and reserved-bit reads glitchy parts return
// mid-reset.
func (t *Target) InitialHalt() error {
	dp := t.ap.DP()

	if err := t.write32(DHCSR, DHCSRDbgKey|DHCSRCDebugEn); err != nil {
		return err
	}
	// Drain the write before the halt loop starts sampling.
	if _, err := dp.DPRead(0, adiv5.RDBuff); err != nil {
		return err
	}

	connectUnderReset := t.TargetOptions&OptionConnectUnderReset != 0
	sawReset := false
	deadline := time.Now().Add(t.waitTimeout)

	for {
		if dp.Quirks&adiv5.QuirkMinDP == 0 {
			// Ask the DP hardware to retry WAITed transactions itself while
			// the core comes out of reset.
			if err := dp.DPWrite(0, adiv5.CtrlStat,
				adiv5.CtrlStatCSYSPWRUPREQ|adiv5.CtrlStatCDBGPWRUPREQ|0xFFF<<12); err != nil {
				return err
			}
		}

		if err := t.write32(DHCSR, DHCSRDbgKey|DHCSRCDebugEn|DHCSRCHalt); err != nil {
			return err
		}
		dhcsr, err := t.read32(DHCSR)
		if err != nil {
			return err
		}

		switch {
		case dhcsr == 0xFFFFFFFF, dhcsr&dhcsrInvalidMask != 0:
			// Erratum read while the core is still in reset; ignore.

		case dhcsr&DHCSRSResetSt != 0 && !sawReset && !connectUnderReset:
			sawReset = true

		case dhcsr&DHCSRSHalt != 0 && dhcsr&DHCSRCDebugEn != 0:
			return t.postHalt()
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("cortexm: initial halt: %w", adiv5.ErrTimeout)
		}
	}
}

// postHalt saves DEMCR, arms the reset and hard-fault vector catches, and
// rides out a hardware reset so discovery sees a quiescent core.
func (t *Target) postHalt() error {
	demcr, err := t.read32(DEMCR)
	if err != nil {
		return err
	}
	t.savedDEMCR = demcr

	if err := t.write32(DEMCR, DEMCRTrcEna|DEMCRVCHardErr|DEMCRVCCoreReset); err != nil {
		return err
	}

	if t.nrst != nil && t.TargetOptions&OptionInhibitNRST == 0 {
		if err := t.nrst(false); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(t.waitTimeout)
	for {
		dhcsr, err := t.read32(DHCSR)
		if err != nil {
			return err
		}
		if dhcsr&DHCSRSResetSt == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("cortexm: reset release: %w", adiv5.ErrTimeout)
		}
	}
}

// discover reads CPUID, probes the FPU via CPACR, and sizes the FPB and
// DWT comparator banks.
func (t *Target) discover() error {
	cpuid, err := t.read32(CPUID)
	if err != nil {
		return err
	}
	t.CPUID = cpuid
	t.DesignerCode = uint16((cpuid >> 24) & 0xFF)
	t.PartID = uint16((cpuid >> 4) & 0xFFF)

	switch t.PartID {
	case 0xC20:
		t.Core = "M0"
	case 0xC60:
		t.Core = "M0+"
	case 0xC21:
		t.Core = "M1"
	case 0xC23:
		t.Core = "M3"
	case 0xC24:
		t.Core = "M4"
	case 0xC27:
		t.Core = "M7"
	case 0xD20:
		t.Core = "M23"
	case 0xD21:
		t.Core = "M33"
	default:
		t.Core = fmt.Sprintf("M(part %#x)", t.PartID)
	}

	// FPU probe: grant CP10/CP11 full access and see whether the bits
	// stick.
	cpacr, err := t.read32(CPACR)
	if err != nil {
		return err
	}
	if err := t.write32(CPACR, cpacr|CPACRCP10CP11); err != nil {
		return err
	}
	back, err := t.read32(CPACR)
	if err != nil {
		return err
	}
	if back&CPACRCP10CP11 == CPACRCP10CP11 {
		t.TargetOptions |= OptionFPU
	}

	if t.TargetOptions&OptionFPU != 0 {
		t.regsSize = RegFrameFPU
	} else {
		t.regsSize = RegFrameBase
	}

	if err := t.discoverBreakwatch(); err != nil {
		return err
	}

	t.log.Printf("cortexm: attached %s, CPUID %#08x, %d FPB / %d DWT slots",
		t.Core, t.CPUID, t.fpbSlots.Size(), t.dwtSlots.Size())
	return nil
}

// Attach re-halts an already-constructed target (the construction path has
// already done the heavy lifting).
func (t *Target) Attach() error {
	return t.HaltRequest()
}

// Detach disarms every breakpoint and watchpoint, restores DEMCR, and
// releases the core to run free.
func (t *Target) Detach() error {
	for _, bw := range append([]*target.BreakWatch(nil), t.bwList...) {
		if err := t.BreakwatchClear(bw); err != nil {
			return err
		}
	}
	if err := t.write32(DEMCR, t.savedDEMCR); err != nil {
		return err
	}
	return t.write32(DHCSR, DHCSRDbgKey)
}

// HaltRequest asks the core to stop.
func (t *Target) HaltRequest() error {
	return t.write32(DHCSR, DHCSRDbgKey|DHCSRCDebugEn|DHCSRCHalt)
}

// HaltPoll reports whether the core has halted and classifies why. For
// watchpoints the matched data address is returned alongside.
func (t *Target) HaltPoll() (target.HaltReason, uint64, error) {
	dhcsr, err := t.read32(DHCSR)
	if err != nil {
		return target.Error, 0, err
	}
	if dhcsr&DHCSRSHalt == 0 {
		return target.Running, 0, nil
	}

	dfsr, err := t.read32(DFSR)
	if err != nil {
		return target.Error, 0, err
	}
	// DFSR latches; clear what we consumed so the next halt classifies
	// cleanly.
	if err := t.write32(DFSR, dfsrClearAll); err != nil {
		return target.Error, 0, err
	}

	stepped := t.stepped
	t.stepped = false

	switch {
	case dfsr&DFSRBkpt != 0:
		if stepped {
			return target.Stepping, 0, nil
		}
		return target.Breakpoint, 0, nil

	case dfsr&DFSRDWTTrap != 0:
		addr, err := t.dwtMatchedAddr()
		if err != nil {
			return target.Error, 0, err
		}
		return target.Watchpoint, addr, nil

	case dfsr&DFSRHalted != 0:
		if stepped {
			return target.Stepping, 0, nil
		}
		return target.Request, 0, nil

	default:
		return target.Fault, 0, nil
	}
}

// Resume restarts execution, stepping one instruction first when step is
// set. Interrupts are masked during the step so the halt lands on the next
// instruction of this thread, not an arbitrary handler.
func (t *Target) Resume(step bool) error {
	if step {
		t.stepped = true
		return t.write32(DHCSR, DHCSRDbgKey|DHCSRCDebugEn|DHCSRCStep|DHCSRCMaskInts)
	}
	return t.write32(DHCSR, DHCSRDbgKey|DHCSRCDebugEn)
}

// CheckError reads and clears the sticky access-fault flag, folding in the
// DP's own sticky fault state.
func (t *Target) CheckError() bool {
	had := t.memFault
	t.memFault = false
	return t.ap.DP().CheckError() || had
}

// MemRead and MemWrite expose MEM-AP transfers through the façade,
// flash-routing writes through registered regions.
func (t *Target) MemRead(buf []byte, addr uint64) error {
	if err := t.ap.MemRead(buf, addr, len(buf)); err != nil {
		t.memFault = true
		return err
	}
	return nil
}

func (t *Target) MemWrite(addr uint64, buf []byte) error {
	return target.FlashWrite(t.regions, addr, buf, func(addr uint64, buf []byte) error {
		if err := t.ap.MemWrite(addr, buf); err != nil {
			t.memFault = true
			return err
		}
		return nil
	})
}

// AddRegion appends a memory-map entry; probes call this during target
// bring-up to register RAM spans and flash drivers.
func (t *Target) AddRegion(r target.MemRegion) {
	t.regions = append(t.regions, r)
}

func (t *Target) Regions() []target.MemRegion {
	return t.regions
}

func (t *Target) MassErase() error {
	return target.MassErase(t.regions)
}

// Describe returns a short identity line for monitor "info" output.
func (t *Target) Describe() string {
	return fmt.Sprintf("Cortex-%s CPUID=%#08x %s", t.Core, t.CPUID, t.ap.Describe())
}
