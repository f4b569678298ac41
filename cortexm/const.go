// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cortexm

// Cortex-M System Control Space debug registers (ARMv7-M C1.6).
const (
	CPUID = 0xE000ED00
	AIRCR = 0xE000ED0C
	DFSR  = 0xE000ED30
	DHCSR = 0xE000EDF0
	DCRSR = 0xE000EDF4
	DCRDR = 0xE000EDF8
	DEMCR = 0xE000EDFC
)

// DHCSR bits.
const (
	DHCSRDbgKey = 0xA05F << 16

	DHCSRCDebugEn  = 1 << 0
	DHCSRCHalt     = 1 << 1
	DHCSRCStep     = 1 << 2
	DHCSRCMaskInts = 1 << 3

	DHCSRSRegRdy   = 1 << 16
	DHCSRSHalt     = 1 << 17
	DHCSRSSleep    = 1 << 18
	DHCSRSLockup   = 1 << 19
	DHCSRSRetireSt = 1 << 24
	DHCSRSResetSt  = 1 << 25

	// dhcsrInvalidMask filters known-bad DHCSR reads seen on glitchy
	// probes: reserved bits that never read as one on a real core.
	dhcsrInvalidMask = 0xF000FFF0
)

// DEMCR bits.
const (
	DEMCRVCCoreReset = 1 << 0
	DEMCRVCHardErr   = 1 << 10
	DEMCRTrcEna      = 1 << 24
)

// DFSR bits. Write-one-to-clear.
const (
	DFSRHalted   = 1 << 0
	DFSRBkpt     = 1 << 1
	DFSRDWTTrap  = 1 << 2
	DFSRVCatch   = 1 << 3
	DFSRExternal = 1 << 4

	dfsrClearAll = DFSRHalted | DFSRBkpt | DFSRDWTTrap | DFSRVCatch | DFSRExternal
)

// DCRSR fields and register selector values.
const (
	DCRSRRegWnR = 1 << 16

	// r0-r12 select themselves; the rest of the frame:
	RegSP      = 13
	RegLR      = 14
	RegPC      = 15 // DebugReturnAddress
	RegXPSR    = 16
	RegMSP     = 17
	RegPSP     = 18
	RegSpecial = 20 // CONTROL/FAULTMASK/BASEPRI/PRIMASK packed
	RegFPSCR   = 0x21
	RegFPS0    = 0x40 // s0..s31 at 0x40..0x5F
)

// Register frame sizes, in 32-bit words, as presented to the front-end:
// r0-r15, xPSR, MSP, PSP, CONTROL-group; FPU targets append FPSCR and
// s0..s31.
const (
	RegFrameBase = 20
	RegFrameFPU  = RegFrameBase + 1 + 32
)

// Flash Patch and Breakpoint unit.
const (
	FPCtrl     = 0xE0002000
	FPRemap    = 0xE0002004
	FPCompBase = 0xE0002008

	FPCtrlKey    = 1 << 1
	FPCtrlEnable = 1 << 0

	// FP_COMP v1 REPLACE field: match on lower/upper halfword of the
	// comparator address.
	FPCompEnable       = 1 << 0
	FPCompReplaceLower = 0x1 << 30
	FPCompReplaceUpper = 0x2 << 30
)

// Data Watchpoint and Trace unit.
const (
	DWTCtrl     = 0xE0001000
	DWTCompBase = 0xE0001020
	DWTMaskBase = 0xE0001024
	DWTFuncBase = 0xE0001028
	DWTStride   = 0x10

	DWTFuncRead    = 0x5
	DWTFuncWrite   = 0x6
	DWTFuncAccess  = 0x7
	DWTFuncMatched = 1 << 24
)

// CPACR, for FPU detection on M4F/M7-class cores.
const (
	CPACR         = 0xE000ED88
	CPACRCP10CP11 = 0xF << 20
)

// TargetOptions bits.
const (
	OptionFPU = 1 << iota
	OptionInhibitNRST
	OptionConnectUnderReset
)
