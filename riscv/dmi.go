// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package riscv implements the RISC-V External Debug 0.13 engine: the
// DTM↔DMI transport with busy recovery, Debug Module activation and hart
// discovery, abstract command and program-buffer register access, the
// abstract-memory and system-bus transfer strategies, and trigger-based
// breakpoints and watchpoints.
package riscv

import (
	"fmt"
	"log"
	"math/bits"
	"time"
)

// HartInfo describes one discovered hart.
type HartInfo struct {
	Idx     int
	MHartID uint32

	NScratch   int
	DataAccess bool
	DataSize   int
	DataAddr   uint32
}

// memStrategy selects how MemRead/MemWrite reach target memory.
type memStrategy int

const (
	memProgbuf memStrategy = iota
	memAbstract
	memSysbus
)

// csrStrategy selects how CSR access is performed.
type csrStrategy int

const (
	csrAbstract csrStrategy = iota
	csrProgbuf
)

// Options configures a DMI engine.
type Options struct {
	// HaltTimeout bounds the halt wait (default 50ms); ResumeTimeout the
	// resume-ack wait (default 1050ms).
	HaltTimeout   time.Duration
	ResumeTimeout time.Duration

	Logger *log.Logger
}

// DMI is one RISC-V Debug Module reached through a DTM. It is shared by
// every hart target attached to it and reference-counted; the last
// release deactivates the module.
type DMI struct {
	dtm DTM

	DebugVersion int
	ProgbufSize  int
	ImpEBreak    bool

	AbstractDataCount   int
	SupportAutoexecData bool
	SupportResetHaltReq bool

	HartselLen int
	Harts      []HartInfo

	Designer uint16

	currentHart int
	errFlag     bool

	memAccess memStrategy
	csrAccess csrStrategy

	haltTimeout   time.Duration
	resumeTimeout time.Duration
	log           *log.Logger

	refs int
}

// New activates the Debug Module behind dtm, selects access strategies
// and discovers harts.
func New(dtm DTM, opts Options) (*DMI, error) {
	lg := opts.Logger
	if lg == nil {
		lg = log.Default()
	}
	ht := opts.HaltTimeout
	if ht == 0 {
		ht = 50 * time.Millisecond
	}
	rt := opts.ResumeTimeout
	if rt == 0 {
		rt = 1050 * time.Millisecond
	}

	d := &DMI{
		dtm:           dtm,
		haltTimeout:   ht,
		resumeTimeout: rt,
		log:           lg,
		refs:          1,
	}

	if err := d.activate(); err != nil {
		return nil, err
	}
	if err := d.selectStrategies(); err != nil {
		return nil, err
	}
	if err := d.discoverHarts(); err != nil {
		return nil, err
	}

	d.log.Printf("dmi: debug 0.%d, %d harts, progbuf %d words, data %d words",
		d.DebugVersion, len(d.Harts), d.ProgbufSize, d.AbstractDataCount)
	return d, nil
}

// Read performs one DMI register read: the read frame primes the
// transfer, a trailing no-op collects the data.
func (d *DMI) Read(addr uint32) (uint32, error) {
	if _, stat, err := d.dtm.Exec(addr, 0, dmiOpRead); err != nil {
		d.errFlag = true
		return 0, err
	} else if stat != dmiStatOK {
		d.errFlag = true
		return 0, fmt.Errorf("%w: read %#x status %d", ErrDMIFailed, addr, stat)
	}

	data, stat, err := d.dtm.Exec(0, 0, dmiOpNop)
	if err != nil {
		d.errFlag = true
		return 0, err
	}
	if stat != dmiStatOK {
		d.errFlag = true
		return 0, fmt.Errorf("%w: read %#x status %d", ErrDMIFailed, addr, stat)
	}
	return data, nil
}

// Write performs one DMI register write, draining completion status with
// a trailing no-op.
func (d *DMI) Write(addr uint32, data uint32) error {
	if _, stat, err := d.dtm.Exec(addr, data, dmiOpWrite); err != nil {
		d.errFlag = true
		return err
	} else if stat != dmiStatOK {
		d.errFlag = true
		return fmt.Errorf("%w: write %#x status %d", ErrDMIFailed, addr, stat)
	}

	_, stat, err := d.dtm.Exec(0, 0, dmiOpNop)
	if err != nil {
		d.errFlag = true
		return err
	}
	if stat != dmiStatOK {
		d.errFlag = true
		return fmt.Errorf("%w: write %#x status %d", ErrDMIFailed, addr, stat)
	}
	return nil
}

// CheckError reads and clears the sticky error flag.
func (d *DMI) CheckError() bool {
	had := d.errFlag
	d.errFlag = false
	return had
}

// acquire/release track hart targets sharing this DMI.
func (d *DMI) acquire() { d.refs++ }

func (d *DMI) release() {
	d.refs--
	if d.refs == 0 {
		// Last user gone: drop DMACTIVE so the module releases the harts.
		_ = d.Write(regDMControl, 0)
	}
}

// activate resets and re-enables the Debug Module, then captures its
// capability inventory.
func (d *DMI) activate() error {
	if err := d.Write(regDMControl, 0); err != nil {
		return err
	}
	if err := d.pollDMControl(dmctlDMActive, false); err != nil {
		return err
	}

	if err := d.Write(regDMControl, dmctlDMActive); err != nil {
		return err
	}
	if err := d.pollDMControl(dmctlDMActive, true); err != nil {
		return err
	}

	dmst, err := d.Read(regDMStatus)
	if err != nil {
		return err
	}
	if dmst&dmstAuthenticated == 0 {
		return ErrAuth
	}
	d.DebugVersion = int(dmst & dmstVersionMask)
	d.SupportResetHaltReq = dmst&dmstHasResetHaltReq != 0
	d.ImpEBreak = dmst&dmstImpEBreak != 0

	nextdm, err := d.Read(regNextDM)
	if err != nil {
		return err
	}
	if nextdm != 0 {
		return fmt.Errorf("riscv: chained debug modules unsupported (NEXTDM %#x)", nextdm)
	}

	acs, err := d.Read(regAbstractCS)
	if err != nil {
		return err
	}
	d.AbstractDataCount = int(acs & acsDataCountMask)
	d.ProgbufSize = int((acs >> acsProgbufSizeShift) & acsProgbufSizeMask)

	// Probe autoexec support: set every ABSTRACTAUTO data bit and see what
	// sticks.
	if err := d.Write(regAbstractAuto, 0xFFF); err != nil {
		return err
	}
	auto, err := d.Read(regAbstractAuto)
	if err != nil {
		return err
	}
	d.SupportAutoexecData = auto&1 != 0
	if err := d.Write(regAbstractAuto, 0); err != nil {
		return err
	}

	return nil
}

func (d *DMI) pollDMControl(mask uint32, want bool) error {
	deadline := time.Now().Add(d.haltTimeout)
	for {
		v, err := d.Read(regDMControl)
		if err != nil {
			return err
		}
		if (v&mask == mask) == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("riscv: dmactive: %w", ErrTimeout)
		}
	}
}

// hartselBits packs a hart index into DMCONTROL's split HARTSELLO/HI
// fields.
func hartselBits(hart int) uint32 {
	lo := uint32(hart) & dmctlHartselLoMask
	hi := (uint32(hart) >> 10) & dmctlHartselHiMask
	return lo<<dmctlHartselLoShift | hi<<dmctlHartselHiShift
}

// discoverHarts measures HARTSELLEN with an all-ones probe, then walks
// hart indices until one reports nonexistent.
func (d *DMI) discoverHarts() error {
	if err := d.Write(regDMControl, dmctlDMActive|hartselBits(hartselMax)); err != nil {
		return err
	}
	back, err := d.Read(regDMControl)
	if err != nil {
		return err
	}
	sel := (back>>dmctlHartselLoShift)&dmctlHartselLoMask |
		((back>>dmctlHartselHiShift)&dmctlHartselHiMask)<<10
	d.HartselLen = bits.OnesCount32(sel)

	max := 1 << d.HartselLen
	if max > 32 {
		max = 32
	}

	for hart := 0; hart < max; hart++ {
		if err := d.Write(regDMControl, dmctlDMActive|hartselBits(hart)); err != nil {
			return err
		}
		dmst, err := d.Read(regDMStatus)
		if err != nil {
			return err
		}
		if dmst&dmstAnyNonexistent != 0 {
			break
		}
		if dmst&dmstAnyHaveReset != 0 {
			if err := d.Write(regDMControl, dmctlDMActive|hartselBits(hart)|dmctlAckHaveReset); err != nil {
				return err
			}
		}

		hi, err := d.Read(regHartInfo)
		if err != nil {
			return err
		}
		d.Harts = append(d.Harts, HartInfo{
			Idx:        hart,
			NScratch:   int((hi >> hartinfoNScratchShift) & hartinfoNScratchMask),
			DataAccess: hi&hartinfoDataAccess != 0,
			DataSize:   int((hi >> hartinfoDataSizeShift) & hartinfoDataSizeMask),
			DataAddr:   hi & hartinfoDataAddrMask,
		})

		if len(d.Harts) >= RVDBGMaxHarts {
			break
		}
	}

	if len(d.Harts) == 0 {
		return fmt.Errorf("riscv: no harts discovered")
	}

	if err := d.SelectHart(0); err != nil {
		return err
	}

	// With the hart halted the identity CSRs become readable.
	for i := range d.Harts {
		if err := d.SelectHart(d.Harts[i].Idx); err != nil {
			return err
		}
		if err := d.HaltCurrentHart(); err != nil {
			return err
		}
		mhartid, err := d.CSRRead(CSRMHartID)
		if err == nil {
			d.Harts[i].MHartID = mhartid
		}
	}
	return d.SelectHart(0)
}

// SelectHart makes hart the implicit operand of subsequent DM operations.
func (d *DMI) SelectHart(hart int) error {
	for _, h := range d.Harts {
		if h.Idx == hart {
			if err := d.Write(regDMControl, dmctlDMActive|hartselBits(hart)); err != nil {
				return err
			}
			d.currentHart = hart
			return nil
		}
	}
	// During discovery the hart list is still being built.
	if len(d.Harts) == 0 {
		if err := d.Write(regDMControl, dmctlDMActive|hartselBits(hart)); err != nil {
			return err
		}
		d.currentHart = hart
		return nil
	}
	return fmt.Errorf("riscv: no hart %d", hart)
}

// CurrentHart returns the selected hart index.
func (d *DMI) CurrentHart() int { return d.currentHart }

// HaltCurrentHart asserts HALTREQ and waits for ALLHALTED, acknowledging
// any reset observed while waiting. When the module supports it, the
// reset-halt request is armed so a target reset re-halts instead of
// running away.
func (d *DMI) HaltCurrentHart() error {
	sel := hartselBits(d.currentHart)

	if err := d.Write(regDMControl, dmctlDMActive|sel|dmctlHaltReq); err != nil {
		return err
	}

	deadline := time.Now().Add(d.haltTimeout)
	for {
		dmst, err := d.Read(regDMStatus)
		if err != nil {
			return err
		}
		if dmst&dmstAnyHaveReset != 0 {
			if err := d.Write(regDMControl, dmctlDMActive|sel|dmctlHaltReq|dmctlAckHaveReset); err != nil {
				return err
			}
			continue
		}
		if dmst&dmstAllHalted != 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("riscv: halt hart %d: %w", d.currentHart, ErrTimeout)
		}
	}

	// Deassert HALTREQ now the hart is stopped.
	ctl := dmctlDMActive | sel
	if d.SupportResetHaltReq {
		ctl |= dmctlSetResetHaltReq
	}
	return d.Write(regDMControl, uint32(ctl))
}

// ResumeCurrentHart clears the halt request and waits for the resume
// acknowledgement.
func (d *DMI) ResumeCurrentHart() error {
	sel := hartselBits(d.currentHart)
	if err := d.Write(regDMControl, dmctlDMActive|sel|dmctlResumeReq); err != nil {
		return err
	}

	deadline := time.Now().Add(d.resumeTimeout)
	for {
		dmst, err := d.Read(regDMStatus)
		if err != nil {
			return err
		}
		if dmst&dmstAllResumeAck != 0 {
			return d.Write(regDMControl, dmctlDMActive|sel)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("riscv: resume hart %d: %w", d.currentHart, ErrTimeout)
		}
	}
}

// Halted reports whether the selected hart is currently halted.
func (d *DMI) Halted() (bool, error) {
	dmst, err := d.Read(regDMStatus)
	if err != nil {
		return false, err
	}
	return dmst&dmstAllHalted != 0, nil
}

// selectStrategies probes which CSR and memory access paths this
// implementation supports and picks one of each.
func (d *DMI) selectStrategies() error {
	// Select hart 0 and halt it so abstract commands are legal.
	if err := d.Write(regDMControl, dmctlDMActive); err != nil {
		return err
	}
	d.currentHart = 0
	if err := d.HaltCurrentHart(); err != nil {
		return err
	}

	// CSR strategy: a working abstract MISA read means the register file
	// is reachable without the program buffer.
	d.csrAccess = csrAbstract
	if _, err := d.CSRRead(CSRMISA); err != nil {
		if d.ProgbufSize < 2 {
			return fmt.Errorf("riscv: no usable CSR access path: %w", err)
		}
		d.csrAccess = csrProgbuf
	}

	if v, err := d.CSRRead(CSRMVendorID); err == nil {
		d.Designer = uint16(v & 0xFFF)
	}

	// Memory strategy: the Espressif parts implement abstract-memory
	// access but misbehave over the system bus; everything else prefers
	// the system bus when SBCS advertises 32-bit access, then falls back
	// to the program buffer.
	switch {
	case d.Designer == DesignerEspressif:
		d.memAccess = memAbstract
	default:
		sbcs, err := d.Read(regSBCS)
		if err != nil {
			return err
		}
		if sbcs&sbcsSBAccess32 != 0 {
			d.memAccess = memSysbus
		} else {
			d.memAccess = memProgbuf
		}
	}
	return nil
}

// Describe returns a short identity line for monitor "info" output.
func (d *DMI) Describe() string {
	return fmt.Sprintf("RISC-V debug 0.%d designer=%#03x harts=%d progbuf=%d",
		d.DebugVersion, d.Designer, len(d.Harts), d.ProgbufSize)
}
