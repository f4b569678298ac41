// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package riscv

import "errors"

var (
	ErrDMIBusy      = errors.New("riscv: DMI busy beyond idle-cycle budget")
	ErrDMIFailed    = errors.New("riscv: DMI operation failed")
	ErrTimeout      = errors.New("riscv: operation timed out")
	ErrNotSupported = errors.New("riscv: operation not supported by target")
	ErrException    = errors.New("riscv: abstract command raised an exception")
	ErrHaltResume   = errors.New("riscv: hart not in the required halt state")
	ErrBusError     = errors.New("riscv: abstract command bus error")
	ErrAuth         = errors.New("riscv: debug module requires authentication")
	ErrUnaligned    = errors.New("riscv: unaligned access not supported by this target")
)
