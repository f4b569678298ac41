// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package riscv

import (
	"fmt"
	"time"
)

// cmdErrToError maps an abstract-command error code to a sentinel.
func cmdErrToError(code uint32) error {
	switch code {
	case cmdErrNone:
		return nil
	case cmdErrNotSupported:
		return ErrNotSupported
	case cmdErrException:
		return ErrException
	case cmdErrHaltResume:
		return ErrHaltResume
	case cmdErrBus:
		return ErrBusError
	default:
		return fmt.Errorf("riscv: abstract command error %d", code)
	}
}

// waitAbstractIdle polls ABSTRACTCS until BUSY clears and returns the
// CMDERR field.
func (d *DMI) waitAbstractIdle() (uint32, error) {
	deadline := time.Now().Add(d.haltTimeout)
	for {
		acs, err := d.Read(regAbstractCS)
		if err != nil {
			return 0, err
		}
		if acs&acsBusy == 0 {
			return (acs >> acsCmdErrShift) & acsCmdErrMask, nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("riscv: abstract command: %w", ErrTimeout)
		}
	}
}

// runCommand issues one abstract command and resolves its completion. A
// BUSY error clears and retries once; every other error code clears the
// latch and surfaces.
func (d *DMI) runCommand(cmd uint32) error {
	for retried := false; ; retried = true {
		if err := d.Write(regAbstractCmd, cmd); err != nil {
			return err
		}

		cmderr, err := d.waitAbstractIdle()
		if err != nil {
			return err
		}
		if cmderr == cmdErrNone {
			return nil
		}

		if err := d.Write(regAbstractCS, acsCmdErrClear); err != nil {
			return err
		}
		if cmderr == cmdErrBusy && !retried {
			continue
		}
		return cmdErrToError(cmderr)
	}
}

// accessRegisterCmd builds an ACCESS_REGISTER command word for a 32-bit
// transfer of regno.
func accessRegisterCmd(regno uint16, write, postIncrement, postExec bool) uint32 {
	cmd := uint32(cmdAccessRegister) | uint32(sizeWord32)<<cmdSizeShift | uint32(regno)&cmdRegnoMask
	cmd |= cmdTransfer
	if write {
		cmd |= cmdWrite
	}
	if postIncrement {
		cmd |= cmdPostIncrement
	}
	if postExec {
		cmd |= cmdPostExec
	}
	return cmd
}

// AbstractRegRead reads one register of the abstract register file (GPRs
// at RegGPRBase, CSRs below RegCSRMax).
func (d *DMI) AbstractRegRead(regno uint16) (uint32, error) {
	if err := d.runCommand(accessRegisterCmd(regno, false, false, false)); err != nil {
		return 0, err
	}
	return d.Read(regData0)
}

// AbstractRegWrite writes one register of the abstract register file.
func (d *DMI) AbstractRegWrite(regno uint16, value uint32) error {
	if err := d.Write(regData0, value); err != nil {
		return err
	}
	return d.runCommand(accessRegisterCmd(regno, true, false, false))
}

// AbstractRegsRead reads count consecutive registers starting at regno.
// With autoexec support the command is issued once with post-increment
// and every subsequent DATA0 read re-triggers it; without, each register
// is read individually.
func (d *DMI) AbstractRegsRead(regno uint16, count int) ([]uint32, error) {
	out := make([]uint32, count)

	if count <= 1 || !d.SupportAutoexecData {
		for i := 0; i < count; i++ {
			v, err := d.AbstractRegRead(regno + uint16(i))
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	if err := d.Write(regAbstractAuto, 1); err != nil {
		return nil, err
	}
	// The teardown must run even on a failed read so a stale autoexec
	// doesn't re-trigger on unrelated DATA0 traffic.
	readAll := func() error {
		if err := d.runCommand(accessRegisterCmd(regno, false, true, false)); err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			if i == count-1 {
				// The final DATA0 read must not re-trigger the command past
				// the end of the block.
				if err := d.Write(regAbstractAuto, 0); err != nil {
					return err
				}
			}
			v, err := d.Read(regData0)
			if err != nil {
				return err
			}
			out[i] = v
			if i < count-1 {
				if _, err := d.waitAbstractIdle(); err != nil {
					return err
				}
			}
		}
		return nil
	}
	err := readAll()
	if err != nil {
		// Ensure a stale autoexec cannot re-trigger on unrelated DATA0
		// traffic.
		_ = d.Write(regAbstractAuto, 0)
		return nil, err
	}
	return out, nil
}

// AbstractRegsWrite writes count consecutive registers starting at regno,
// using autoexec acceleration when available.
func (d *DMI) AbstractRegsWrite(regno uint16, values []uint32) error {
	if len(values) <= 1 || !d.SupportAutoexecData {
		for i, v := range values {
			if err := d.AbstractRegWrite(regno+uint16(i), v); err != nil {
				return err
			}
		}
		return nil
	}

	if err := d.Write(regAbstractAuto, 1); err != nil {
		return err
	}
	writeAll := func() error {
		if err := d.Write(regData0, values[0]); err != nil {
			return err
		}
		if err := d.runCommand(accessRegisterCmd(regno, true, true, false)); err != nil {
			return err
		}
		for _, v := range values[1:] {
			if err := d.Write(regData0, v); err != nil {
				return err
			}
			if _, err := d.waitAbstractIdle(); err != nil {
				return err
			}
		}
		return nil
	}
	err := writeAll()
	if aerr := d.Write(regAbstractAuto, 0); err == nil {
		err = aerr
	}
	return err
}

// GPRRead and GPRWrite access general registers x0..x31 through the
// abstract register file.
func (d *DMI) GPRRead(n int) (uint32, error) {
	return d.AbstractRegRead(uint16(RegGPRBase + n))
}

func (d *DMI) GPRWrite(n int, v uint32) error {
	return d.AbstractRegWrite(uint16(RegGPRBase+n), v)
}

// CSRRead reads a CSR through the selected strategy.
func (d *DMI) CSRRead(csr uint16) (uint32, error) {
	if d.csrAccess == csrProgbuf {
		return d.progbufCSRRead(csr)
	}
	return d.AbstractRegRead(csr)
}

// CSRWrite writes a CSR through the selected strategy.
func (d *DMI) CSRWrite(csr uint16, value uint32) error {
	if d.csrAccess == csrProgbuf {
		return d.progbufCSRWrite(csr, value)
	}
	return d.AbstractRegWrite(csr, value)
}
