// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package adiv5 implements the ARM ADIv5/ADIv6 Debug Port and Access Port
// engine: DP register banking, AP selection, sticky-error recovery,
// protocol upgrade, multi-drop target selection, and MEM-AP transfer
// sequencing.
package adiv5

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/blackprobe/dbgcore/link"
)

// dpTransport is the per-protocol low-level register access the DP engine
// drives. SWD and JTAG personalities implement it; DebugPort is otherwise
// transport-agnostic.
type dpTransport interface {
	// lowAccess performs one raw DP or AP access and returns the 32-bit
	// read value (undefined on write) together with the 3-bit ACK. apndp
	// selects the DP/AP address space directly rather than being inferred
	// from addr, since both spaces reuse the same 4-bit offsets.
	lowAccess(apndp, rnw bool, addr uint8, value uint32) (data uint32, ack uint8, err error)
	// lineReset issues the transport's protocol-recovery line reset.
	lineReset() error
	// writeTargetSel re-asserts TARGETSEL (SWD multidrop only; JTAG is a
	// no-op since TAP position selects the target).
	writeTargetSel(targetsel uint32) error
}

// Options configures a DebugPort at construction time.
type Options struct {
	// Version is the DP architecture version (0,1,2,3). 0 means
	// "unknown, probe DPIDR to discover".
	Version int
	// Quirks is the DP quirk bitfield (QuirkMinDP, QuirkDupedAP, QuirkJTAG).
	Quirks int
	// Instance is the SWD multidrop instance id, or the JTAG chain
	// position.
	Instance int
	// Logger receives progress/diagnostic messages; defaults to
	// log.Default() when nil.
	Logger *log.Logger
	// WaitBudget bounds how long a WAIT ack is retried before the DP
	// sticks fault=WAIT.
	WaitBudget time.Duration
}

// DebugPort models one physical ARM Debug Port, shared by every AccessPort
// it parents.
type DebugPort struct {
	mu sync.Mutex

	transport dpTransport

	Instance int
	Version  int
	Quirks   int

	DesignerCode uint16
	PartNo       uint8

	TargetDesignerCode uint16
	TargetPartNo       uint16
	TargetSel          uint32
	haveTargetSel      bool

	fault Fault

	selectCache     uint32
	haveSelectCache bool

	waitBudget time.Duration
	log        *log.Logger

	refs int // live APs + 1 while attached
}

// NewSWD constructs a DebugPort driven over SWD.
func NewSWD(d link.SWD, opts Options) *DebugPort {
	return newDP(&swdTransport{d: d}, opts)
}

// NewJTAG constructs a DebugPort driven over a JTAG-DP at chain index idx.
func NewJTAG(d link.JTAG, idx int, opts Options) *DebugPort {
	opts.Quirks |= QuirkJTAG
	return newDP(&jtagTransport{d: d, idx: idx}, opts)
}

func newDP(t dpTransport, opts Options) *DebugPort {
	lg := opts.Logger
	if lg == nil {
		lg = log.Default()
	}
	wb := opts.WaitBudget
	if wb == 0 {
		wb = 250 * time.Millisecond
	}
	return &DebugPort{
		transport:  t,
		Instance:   opts.Instance,
		Version:    opts.Version,
		Quirks:     opts.Quirks,
		waitBudget: wb,
		log:        lg,
		refs:       1,
	}
}

// Fault returns the sticky fault code.
func (dp *DebugPort) Fault() Fault {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.fault
}

// acquire/release implement the DP's reference count, shared by every
// AccessPort it parents.
func (dp *DebugPort) acquire() {
	dp.mu.Lock()
	dp.refs++
	dp.mu.Unlock()
}

func (dp *DebugPort) release() {
	dp.mu.Lock()
	dp.refs--
	dp.mu.Unlock()
}

// lowAccess performs one raw DP or AP access with ACK-driven fault/wait
// retry. It does not itself trigger protocol recovery on
// NO_RESPONSE; callers needing that use recoverableAccess.
func (dp *DebugPort) lowAccess(apndp, rnw bool, addr uint8, value uint32) (uint32, error) {
	// WAIT acks are retried at a bounded rate rather than busy-spinning the
	// link for the whole soft budget.
	limiter := rate.NewLimiter(rate.Every(time.Millisecond), 4)
	ctx := context.Background()
	deadline := time.Now().Add(dp.waitBudget)

	for {
		data, ack, err := dp.transport.lowAccess(apndp, rnw, addr, value)
		if err != nil {
			return 0, err
		}

		switch ack {
		case AckOK:
			return data, nil

		case AckWait:
			if time.Now().After(deadline) {
				dp.stick(FaultWait)
				// The abort goes straight to the transport: routing it
				// through lowAccess would re-enter this retry loop.
				_, _, _ = dp.transport.lowAccess(false, false, DPAbort, AbortFull)
				return 0, ErrLinkWait
			}
			_ = limiter.Wait(ctx)
			continue

		case AckFault:
			if _, _, aerr := dp.transport.lowAccess(false, false, DPAbort, AbortClearSticky); aerr != nil {
				return 0, aerr
			}
			data2, ack2, err2 := dp.transport.lowAccess(apndp, rnw, addr, value)
			if err2 != nil {
				return 0, err2
			}
			if ack2 == AckOK {
				return data2, nil
			}
			dp.stick(FaultFault)
			return 0, ErrLinkFault

		case AckNoResponse:
			dp.stick(FaultNoResponse)
			return 0, ErrLinkNoResponse

		default:
			dp.stick(FaultNoResponse)
			return 0, fmt.Errorf("adiv5: unrecognised ack %#x: %w", ack, ErrLinkNoResponse)
		}
	}
}

func (dp *DebugPort) stick(f Fault) {
	dp.mu.Lock()
	dp.fault = f
	dp.mu.Unlock()
}

// recoverableAccess performs low_access once; on NO_RESPONSE it clocks a
// line reset, clears the error, and retries once.
func (dp *DebugPort) recoverableAccess(apndp, rnw bool, addr uint8, value uint32) (uint32, error) {
	data, err := dp.lowAccess(apndp, rnw, addr, value)
	if err == nil {
		return data, nil
	}
	if err != ErrLinkNoResponse {
		return 0, err
	}

	if rerr := dp.Recover(); rerr != nil {
		return 0, rerr
	}
	return dp.lowAccess(apndp, rnw, addr, value)
}

// selectBank caches SELECT writes so redundant writes are suppressed.
func (dp *DebugPort) selectBank(dpBank, apBank uint8, apsel uint8) error {
	sel := uint32(apsel)<<24 | uint32(apBank)<<4 | uint32(dpBank&0xF)

	dp.mu.Lock()
	cached := dp.haveSelectCache && dp.selectCache == sel
	dp.mu.Unlock()
	if cached {
		return nil
	}

	if _, err := dp.lowAccess(false, false, Select, sel); err != nil {
		return err
	}

	dp.mu.Lock()
	dp.selectCache = sel
	dp.haveSelectCache = true
	dp.mu.Unlock()
	return nil
}

// DPRead reads a banked DP register.
func (dp *DebugPort) DPRead(bank uint8, addr uint8) (uint32, error) {
	if addr == CtrlStat || addr == RDBuff {
		if err := dp.selectBank(bank, 0, 0); err != nil {
			return 0, err
		}
	}
	return dp.recoverableAccess(false, true, addr, 0)
}

// DPWrite writes a banked DP register.
func (dp *DebugPort) DPWrite(bank uint8, addr uint8, value uint32) error {
	if addr == CtrlStat {
		if err := dp.selectBank(bank, 0, 0); err != nil {
			return err
		}
	}
	_, err := dp.recoverableAccess(false, false, addr, value)
	return err
}

// abort issues a DP ABORT write.
func (dp *DebugPort) abort(mask uint32) error {
	_, err := dp.lowAccess(false, false, DPAbort, mask)
	return err
}

// apAccess performs a banked AP register access on behalf of an
// AccessPort, selecting apsel/apBank first and suppressing a redundant
// SELECT write.
func (dp *DebugPort) apAccess(apsel, apBank, addr uint8, rnw bool, value uint32) (uint32, error) {
	if err := dp.selectBank(0, apBank, apsel); err != nil {
		return 0, err
	}
	return dp.recoverableAccess(true, rnw, addr, value)
}

// Recover performs ADIv5 protocol recovery: SWD line reset,
// TARGETSEL re-assertion for DPv2+, a blind DPIDR read, then clearing CTRL/
// STAT sticky bits via ABORT.
func (dp *DebugPort) Recover() error {
	dp.log.Printf("adiv5: dp%d: protocol recovery", dp.Instance)

	if err := dp.transport.lineReset(); err != nil {
		return err
	}

	dp.mu.Lock()
	v2plus := dp.Version >= 2
	targetsel := dp.TargetSel
	haveTS := dp.haveTargetSel
	dp.mu.Unlock()

	if v2plus {
		if !haveTS {
			return ErrNoTargetSel
		}
		if err := dp.transport.writeTargetSel(targetsel); err != nil {
			return err
		}
	}

	// Blind read of DPIDR: no ACK is checked by design.
	_, _, _ = dp.transport.lowAccess(false, true, DPIDR, 0)

	if _, err := dp.DPRead(0, DPIDR); err != nil {
		return err
	}

	if err := dp.abort(AbortClearSticky); err != nil {
		return err
	}

	dp.stick(FaultNone)
	return nil
}

// CheckError atomically reads and clears the sticky fault flag.
func (dp *DebugPort) CheckError() bool {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	had := dp.fault != FaultNone
	dp.fault = FaultNone
	return had
}

// Init performs the DP power-up sequence: clear sticky errors,
// read TARGETID for DPv2+, cycle CSYSPWRUP/CDBGPWRUP.
func (dp *DebugPort) Init() error {
	if err := dp.abort(AbortClearSticky); err != nil {
		return err
	}

	idr, err := dp.DPRead(0, DPIDR)
	if err != nil {
		return err
	}
	dp.DesignerCode = uint16(idr & 0x7FF)
	dp.PartNo = uint8((idr >> 20) & 0xFF)
	if dp.Version == 0 {
		dp.Version = int((idr >> 12) & 0xF)
	}

	if dp.Version >= 2 {
		tid, err := dp.DPRead(2, TargetID)
		if err != nil {
			return err
		}
		dp.TargetDesignerCode = uint16((tid >> 1) & 0x7FF)
		dp.TargetPartNo = uint16((tid >> 12) & 0xFFFF)
	}

	if err := dp.DPWrite(0, CtrlStat, 0); err != nil {
		return err
	}
	if err := dp.pollPowerBits(CtrlStatCSYSPWRUPACK|CtrlStatCDBGPWRUPACK, false, 250*time.Millisecond); err != nil {
		return fmt.Errorf("adiv5: power-down ack wait: %w", err)
	}

	if err := dp.DPWrite(0, CtrlStat, CtrlStatCSYSPWRUPREQ|CtrlStatCDBGPWRUPREQ); err != nil {
		return err
	}
	if err := dp.pollPowerBits(CtrlStatCSYSPWRUPACK|CtrlStatCDBGPWRUPACK, true, 201*time.Millisecond); err != nil {
		return fmt.Errorf("adiv5: power-up ack wait: %w", err)
	}

	return nil
}

func (dp *DebugPort) pollPowerBits(mask uint32, want bool, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	for {
		v, err := dp.DPRead(0, CtrlStat)
		if err != nil {
			return err
		}
		set := v&mask == mask
		if set == want {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
	}
}

// SetTargetSel records the TARGETSEL value re-asserted after every
// protocol recovery, and writes it immediately to
// select this DP on a multidrop bus.
func (dp *DebugPort) SetTargetSel(targetsel uint32) error {
	dp.mu.Lock()
	dp.TargetSel = targetsel
	dp.haveTargetSel = true
	dp.mu.Unlock()
	return dp.transport.writeTargetSel(targetsel)
}

// Describe returns a short human-readable identity string for monitor
// "info" output.
func (dp *DebugPort) Describe() string {
	return fmt.Sprintf("DPv%d designer=%#03x part=%#02x quirks=%#x", dp.Version, dp.DesignerCode, dp.PartNo, dp.Quirks)
}
