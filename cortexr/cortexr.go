// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cortexr attaches to ARMv7-R cores through their memory-mapped
// debug interface: halt via DRCR, register access by injecting MRC/MCR
// coprocessor-14 instructions through the ITR and moving data through
// DTRRX/DTRTX, FPU context via VMOV/VMRS injection, and BRP/WRP
// breakpoint and watchpoint units.
package cortexr

import (
	"fmt"
	"log"
	"time"

	"github.com/blackprobe/dbgcore/adiv5"
	"github.com/blackprobe/dbgcore/internal/slotalloc"
	"github.com/blackprobe/dbgcore/target"
)

// Debug register offsets from the core's debug APB base (ARM DDI0406).
const (
	regDIDR  = 0x000
	regDTRRX = 0x080 // host -> target
	regITR   = 0x084
	regDSCR  = 0x088
	regDTRTX = 0x08C // target -> host
	regDRCR  = 0x090

	regBVRBase = 0x100
	regBCRBase = 0x140
	regWVRBase = 0x180
	regWCRBase = 0x1C0
)

// DSCR bits.
const (
	dscrHalted     = 1 << 0
	dscrRestarted  = 1 << 1
	dscrITREnable  = 1 << 13
	dscrHaltingDbg = 1 << 14
	dscrInstrCompl = 1 << 24
	dscrDTRTXFull  = 1 << 29
	dscrDTRRXFull  = 1 << 30

	dscrMOEShift = 2
	dscrMOEMask  = 0xF

	moeHaltRequest = 0x0
	moeBreakpoint  = 0x1
	moeWatchAsync  = 0x2
	moeBKPTInsn    = 0x3
	moeExternal    = 0x4
	moeVectorCatch = 0x5
	moeWatchSync   = 0xA
)

// DRCR bits.
const (
	drcrHaltReq      = 1 << 0
	drcrRestartReq   = 1 << 1
	drcrClrStickyExc = 1 << 2
)

// ARM instruction encodings injected through the ITR. Rt slots into bits
// [15:12].
const (
	insnMCRDBGDTRTX = 0xEE000E15 // MCR p14, 0, Rt, c0, c5, 0 (target -> DTRTX)
	insnMRCDBGDTRRX = 0xEE100E15 // MRC p14, 0, Rt, c0, c5, 0 (DTRRX -> target)
	insnMOVR0PC     = 0xE1A0000F // MOV r0, pc
	insnMOVPCR0     = 0xE1A0F000 // MOV pc, r0
	insnMRSR0CPSR   = 0xE10F0000 // MRS r0, CPSR
	insnMSRCPSRR0   = 0xE12FF000 // MSR CPSR_fsxc, r0
	insnMRCCPACR    = 0xEE110F50 // MRC p15, 0, r0, c1, c0, 2
	insnMCRCPACR    = 0xEE010F50 // MCR p15, 0, r0, c1, c0, 2
	insnVMOVFromD   = 0xEC510B10 // VMOV r0, r1, d<m>
	insnVMOVToD     = 0xEC410B10 // VMOV d<m>, r0, r1
	insnVMRSR0      = 0xEEF10A10 // VMRS r0, FPSCR
	insnVMSRR0      = 0xEEE10A10 // VMSR FPSCR, r0
)

const (
	cpsrThumb = 1 << 5

	cpacrCP10CP11 = 0xF << 20
)

// Register frame: r0-r15, CPSR; FPU targets append FPSCR and d0..d15 as
// 32 words.
const (
	regFrameBase = 17
	regFrameFPU  = regFrameBase + 1 + 32

	idxPC   = 15
	idxCPSR = 16
)

// Options configures a Cortex-R target.
type Options struct {
	// DebugBase is the core's debug APB base address, found by the ROM
	// table walk.
	DebugBase uint64

	// RestartTimeout bounds the DSCR.RESTARTED poll (default 250ms).
	RestartTimeout time.Duration

	Logger *log.Logger
}

// Target is a Cortex-R debug target backed by one MEM-AP.
type Target struct {
	ap   *adiv5.AccessPort
	base uint64

	Driver string
	Core   string

	hasFPU bool

	restartTimeout time.Duration
	log            *log.Logger

	brpSlots *slotalloc.Bitmap
	wrpSlots *slotalloc.Bitmap
	bwList   []*target.BreakWatch

	regions []target.MemRegion

	stepped  bool
	memFault bool
}

var _ target.Target = (*Target)(nil)

// New wraps a MEM-AP plus debug base as a Cortex-R target, halts the core
// and probes its debug units.
func New(ap *adiv5.AccessPort, opts Options) (*Target, error) {
	lg := opts.Logger
	if lg == nil {
		lg = log.Default()
	}
	rt := opts.RestartTimeout
	if rt == 0 {
		rt = 250 * time.Millisecond
	}

	t := &Target{
		ap:             ap,
		base:           opts.DebugBase,
		Driver:         "cortexr",
		Core:           "R",
		restartTimeout: rt,
		log:            lg,
	}

	if err := t.Attach(); err != nil {
		return nil, err
	}
	if err := t.discover(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Target) read32(off uint64) (uint32, error) {
	var buf [4]byte
	if err := t.ap.MemRead(buf[:], t.base+off, 4); err != nil {
		t.memFault = true
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

func (t *Target) write32(off uint64, v uint32) error {
	buf := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	if err := t.ap.MemWrite(t.base+off, buf[:]); err != nil {
		t.memFault = true
		return err
	}
	return nil
}

// run injects one ARM instruction through the ITR and waits for it to
// retire. The INSTRCOMPL poll is unbounded; a wedged core surfaces as the
// caller's own timeout.
func (t *Target) run(insn uint32) error {
	if err := t.write32(regITR, insn); err != nil {
		return err
	}
	for {
		dscr, err := t.read32(regDSCR)
		if err != nil {
			return err
		}
		if dscr&dscrInstrCompl != 0 {
			return nil
		}
	}
}

// gprRead moves rn through DTRTX: inject MCR p14, read the drained word.
func (t *Target) gprRead(rn int) (uint32, error) {
	if err := t.run(insnMCRDBGDTRTX | uint32(rn)<<12); err != nil {
		return 0, err
	}
	return t.read32(regDTRTX)
}

// gprWrite loads DTRRX and injects MRC p14 to move it into rn.
func (t *Target) gprWrite(rn int, v uint32) error {
	if err := t.write32(regDTRRX, v); err != nil {
		return err
	}
	return t.run(insnMRCDBGDTRRX | uint32(rn)<<12)
}

// Attach halts the core via DRCR and enables ITR instruction injection.
func (t *Target) Attach() error {
	if err := t.write32(regDRCR, drcrHaltReq); err != nil {
		return err
	}

	deadline := time.Now().Add(t.restartTimeout)
	for {
		dscr, err := t.read32(regDSCR)
		if err != nil {
			return err
		}
		if dscr&dscrHalted != 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("cortexr: halt: %w", adiv5.ErrTimeout)
		}
	}

	dscr, err := t.read32(regDSCR)
	if err != nil {
		return err
	}
	return t.write32(regDSCR, dscr|dscrITREnable|dscrHaltingDbg)
}

// discover probes BRP/WRP counts from DIDR and the FPU via CPACR. The
// CPACR probe sets the CP10/CP11 full-access bits and trusts the readback,
// using r0 as scratch.
func (t *Target) discover() error {
	didr, err := t.read32(regDIDR)
	if err != nil {
		return err
	}
	t.brpSlots = slotalloc.New(int((didr>>24)&0xF) + 1)
	t.wrpSlots = slotalloc.New(int((didr>>28)&0xF) + 1)

	r0, err := t.gprRead(0)
	if err != nil {
		return err
	}

	if err := t.run(insnMRCCPACR); err != nil {
		return err
	}
	cpacr, err := t.gprRead(0)
	if err != nil {
		return err
	}
	if err := t.gprWrite(0, cpacr|cpacrCP10CP11); err != nil {
		return err
	}
	if err := t.run(insnMCRCPACR); err != nil {
		return err
	}
	if err := t.run(insnMRCCPACR); err != nil {
		return err
	}
	back, err := t.gprRead(0)
	if err != nil {
		return err
	}
	t.hasFPU = back&cpacrCP10CP11 == cpacrCP10CP11

	if err := t.gprWrite(0, r0); err != nil {
		return err
	}

	t.log.Printf("cortexr: attached, %d BRP / %d WRP slots, fpu=%v",
		t.brpSlots.Size(), t.wrpSlots.Size(), t.hasFPU)
	return nil
}

// Detach disarms breakpoints and restarts the core.
func (t *Target) Detach() error {
	for _, bw := range append([]*target.BreakWatch(nil), t.bwList...) {
		if err := t.BreakwatchClear(bw); err != nil {
			return err
		}
	}
	return t.Resume(false)
}

// HaltRequest asks the core to stop.
func (t *Target) HaltRequest() error {
	return t.write32(regDRCR, drcrHaltReq)
}

// HaltPoll reports whether the core has halted and maps the DSCR method-
// of-entry to a halt reason.
func (t *Target) HaltPoll() (target.HaltReason, uint64, error) {
	dscr, err := t.read32(regDSCR)
	if err != nil {
		return target.Error, 0, err
	}
	if dscr&dscrHalted == 0 {
		return target.Running, 0, nil
	}

	stepped := t.stepped
	t.stepped = false

	switch (dscr >> dscrMOEShift) & dscrMOEMask {
	case moeBreakpoint, moeBKPTInsn:
		if stepped {
			return target.Stepping, 0, nil
		}
		return target.Breakpoint, 0, nil
	case moeWatchAsync, moeWatchSync:
		addr, err := t.wrpMatchedAddr()
		if err != nil {
			return target.Error, 0, err
		}
		return target.Watchpoint, addr, nil
	case moeHaltRequest, moeExternal:
		if stepped {
			return target.Stepping, 0, nil
		}
		return target.Request, 0, nil
	case moeVectorCatch:
		return target.Fault, 0, nil
	default:
		return target.Fault, 0, nil
	}
}

// PCRead reads the PC through r0, adjusting for ARM prefetch: the value
// MOV r0, pc captures sits 8 bytes ahead in ARM state, 4 in Thumb.
func (t *Target) PCRead() (uint32, error) {
	r0, err := t.gprRead(0)
	if err != nil {
		return 0, err
	}
	if err := t.run(insnMOVR0PC); err != nil {
		return 0, err
	}
	pc, err := t.gprRead(0)
	if err != nil {
		return 0, err
	}
	cpsr, err := t.cpsrRead()
	if err != nil {
		return 0, err
	}
	if err := t.gprWrite(0, r0); err != nil {
		return 0, err
	}

	if cpsr&cpsrThumb != 0 {
		return pc - 4, nil
	}
	return pc - 8, nil
}

func (t *Target) cpsrRead() (uint32, error) {
	if err := t.run(insnMRSR0CPSR); err != nil {
		return 0, err
	}
	return t.gprRead(0)
}

// RegRead reads one register of the frame. PC and CPSR go through the r0
// scratch dance; plain GPRs move straight through DTRTX.
func (t *Target) RegRead(idx int) (uint32, error) {
	switch {
	case idx >= 0 && idx < idxPC:
		return t.gprRead(idx)
	case idx == idxPC:
		return t.PCRead()
	case idx == idxCPSR:
		r0, err := t.gprRead(0)
		if err != nil {
			return 0, err
		}
		cpsr, err := t.cpsrRead()
		if err != nil {
			return 0, err
		}
		if err := t.gprWrite(0, r0); err != nil {
			return 0, err
		}
		return cpsr, nil
	default:
		return 0, fmt.Errorf("cortexr: no register at index %d", idx)
	}
}

// RegWrite writes one register of the frame.
func (t *Target) RegWrite(idx int, value uint32) error {
	switch {
	case idx >= 0 && idx < idxPC:
		return t.gprWrite(idx, value)
	case idx == idxPC:
		r0, err := t.gprRead(0)
		if err != nil {
			return err
		}
		if err := t.gprWrite(0, value); err != nil {
			return err
		}
		if err := t.run(insnMOVPCR0); err != nil {
			return err
		}
		return t.gprWrite(0, r0)
	case idx == idxCPSR:
		r0, err := t.gprRead(0)
		if err != nil {
			return err
		}
		if err := t.gprWrite(0, value); err != nil {
			return err
		}
		if err := t.run(insnMSRCPSRR0); err != nil {
			return err
		}
		return t.gprWrite(0, r0)
	default:
		return fmt.Errorf("cortexr: no register at index %d", idx)
	}
}

// RegsRead captures the frame: GPRs, PC, CPSR, then the FPU bank when
// present (each double moved as two words via VMOV r0, r1, dN).
func (t *Target) RegsRead() ([]uint32, error) {
	size := regFrameBase
	if t.hasFPU {
		size = regFrameFPU
	}
	regs := make([]uint32, size)

	for i := 0; i < regFrameBase; i++ {
		v, err := t.RegRead(i)
		if err != nil {
			return nil, err
		}
		regs[i] = v
	}

	if !t.hasFPU {
		return regs, nil
	}

	if err := t.run(insnVMRSR0); err != nil {
		return nil, err
	}
	fpscr, err := t.gprRead(0)
	if err != nil {
		return nil, err
	}
	regs[regFrameBase] = fpscr

	for d := 0; d < 16; d++ {
		if err := t.run(insnVMOVFromD | uint32(d)); err != nil {
			return nil, err
		}
		lo, err := t.gprRead(0)
		if err != nil {
			return nil, err
		}
		hi, err := t.gprRead(1)
		if err != nil {
			return nil, err
		}
		regs[regFrameBase+1+2*d] = lo
		regs[regFrameBase+2+2*d] = hi
	}

	// r0/r1 were clobbered moving doubles; restore from the captured
	// frame.
	if err := t.gprWrite(1, regs[1]); err != nil {
		return nil, err
	}
	return regs, t.gprWrite(0, regs[0])
}

// RegsWrite restores a frame captured by RegsRead. CPSR and PC restore
// first (both scratch r0), then the FPU bank, then r1..r14, r0 last.
func (t *Target) RegsWrite(regs []uint32) error {
	size := regFrameBase
	if t.hasFPU {
		size = regFrameFPU
	}
	if len(regs) != size {
		return fmt.Errorf("cortexr: register frame is %d words, got %d", size, len(regs))
	}

	if err := t.RegWrite(idxCPSR, regs[idxCPSR]); err != nil {
		return err
	}
	if err := t.RegWrite(idxPC, regs[idxPC]); err != nil {
		return err
	}

	if t.hasFPU {
		if err := t.gprWrite(0, regs[regFrameBase]); err != nil {
			return err
		}
		if err := t.run(insnVMSRR0); err != nil {
			return err
		}
		for d := 0; d < 16; d++ {
			if err := t.gprWrite(0, regs[regFrameBase+1+2*d]); err != nil {
				return err
			}
			if err := t.gprWrite(1, regs[regFrameBase+2+2*d]); err != nil {
				return err
			}
			if err := t.run(insnVMOVToD | uint32(d)); err != nil {
				return err
			}
		}
	}

	for i := regFrameBase - 3; i >= 1; i-- {
		if err := t.gprWrite(i, regs[i]); err != nil {
			return err
		}
	}
	return t.gprWrite(0, regs[0])
}

// Resume clears sticky exceptions and restarts the core, polling
// DSCR.RESTARTED.
func (t *Target) Resume(step bool) error {
	t.stepped = step
	if err := t.write32(regDRCR, drcrClrStickyExc|drcrRestartReq); err != nil {
		return err
	}

	deadline := time.Now().Add(t.restartTimeout)
	for {
		dscr, err := t.read32(regDSCR)
		if err != nil {
			return err
		}
		if dscr&dscrRestarted != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("cortexr: restart: %w", adiv5.ErrTimeout)
		}
	}
}

func (t *Target) CheckError() bool {
	had := t.memFault
	t.memFault = false
	return t.ap.DP().CheckError() || had
}

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

func (t *Target) AddRegion(r target.MemRegion) {
	t.regions = append(t.regions, r)
}

func (t *Target) Regions() []target.MemRegion {
	return t.regions
}

func (t *Target) MassErase() error {
	return target.MassErase(t.regions)
}
