// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package riscv

import (
	"fmt"
)

// MemRead transfers target memory through the strategy selected at attach
// time.
func (d *DMI) MemRead(buf []byte, addr uint64) error {
	switch d.memAccess {
	case memSysbus:
		return d.sysbusRead(buf, addr)
	case memAbstract:
		return d.aamRead(buf, addr)
	default:
		return d.progbufMemRead(buf, addr)
	}
}

// MemWrite transfers data into target memory through the selected
// strategy.
func (d *DMI) MemWrite(addr uint64, buf []byte) error {
	switch d.memAccess {
	case memSysbus:
		return d.sysbusWrite(addr, buf)
	case memAbstract:
		return d.aamWrite(addr, buf)
	default:
		return d.progbufMemWrite(addr, buf)
	}
}

// accessMemoryCmd builds an ACCESS_MEMORY command word.
func accessMemoryCmd(size uint32, write, postIncrement bool) uint32 {
	cmd := uint32(cmdAccessMemory) | size<<cmdSizeShift
	if write {
		cmd |= cmdWrite
	}
	if postIncrement {
		cmd |= cmdPostIncrement
	}
	return cmd
}

// aamByteRead and aamByteWrite handle the unaligned head and tail with
// 8-bit scalar accesses.
func (d *DMI) aamByteRead(addr uint64) (byte, error) {
	if err := d.Write(regData0+1, uint32(addr)); err != nil {
		return 0, err
	}
	if err := d.runCommand(accessMemoryCmd(sizeByte8, false, false)); err != nil {
		return 0, err
	}
	v, err := d.Read(regData0)
	return byte(v), err
}

func (d *DMI) aamByteWrite(addr uint64, b byte) error {
	if err := d.Write(regData0+1, uint32(addr)); err != nil {
		return err
	}
	if err := d.Write(regData0, uint32(b)); err != nil {
		return err
	}
	return d.runCommand(accessMemoryCmd(sizeByte8, true, false))
}

// aamRead transfers memory with abstract ACCESS_MEMORY commands: byte
// scalars for the unaligned head and tail, post-incrementing word reads
// in between, autoexec-accelerated when the run is long enough to pay
// for the setup.
func (d *DMI) aamRead(buf []byte, addr uint64) error {
	offset := 0

	for offset < len(buf) && (addr+uint64(offset))%4 != 0 {
		b, err := d.aamByteRead(addr + uint64(offset))
		if err != nil {
			return err
		}
		buf[offset] = b
		offset++
	}

	words := (len(buf) - offset) / 4
	if words > 0 {
		cur := addr + uint64(offset)
		if err := d.Write(regData0+1, uint32(cur)); err != nil {
			return err
		}
		cmd := accessMemoryCmd(sizeWord32, false, words > 1)
		if err := d.runCommand(cmd); err != nil {
			return err
		}

		useAuto := words > 2 && d.SupportAutoexecData
		if useAuto {
			if err := d.Write(regAbstractAuto, 1); err != nil {
				return err
			}
		}

		for i := 0; i < words; i++ {
			if useAuto && i == words-1 {
				if err := d.Write(regAbstractAuto, 0); err != nil {
					return err
				}
			}
			v, err := d.Read(regData0)
			if err != nil {
				if useAuto {
					_ = d.Write(regAbstractAuto, 0)
				}
				return err
			}
			buf[offset] = byte(v)
			buf[offset+1] = byte(v >> 8)
			buf[offset+2] = byte(v >> 16)
			buf[offset+3] = byte(v >> 24)
			offset += 4

			if i < words-1 {
				if useAuto {
					if _, err := d.waitAbstractIdle(); err != nil {
						return err
					}
				} else if err := d.runCommand(cmd); err != nil {
					return err
				}
			}
		}

		if cmderr, err := d.waitAbstractIdle(); err != nil {
			return err
		} else if cmderr != cmdErrNone {
			if err := d.Write(regAbstractCS, acsCmdErrClear); err != nil {
				return err
			}
			return cmdErrToError(cmderr)
		}
	}

	for offset < len(buf) {
		b, err := d.aamByteRead(addr + uint64(offset))
		if err != nil {
			return err
		}
		buf[offset] = b
		offset++
	}
	return nil
}

// aamWrite is the symmetric write path.
func (d *DMI) aamWrite(addr uint64, buf []byte) error {
	offset := 0

	for offset < len(buf) && (addr+uint64(offset))%4 != 0 {
		if err := d.aamByteWrite(addr+uint64(offset), buf[offset]); err != nil {
			return err
		}
		offset++
	}

	words := (len(buf) - offset) / 4
	if words > 0 {
		cur := addr + uint64(offset)
		if err := d.Write(regData0+1, uint32(cur)); err != nil {
			return err
		}
		cmd := accessMemoryCmd(sizeWord32, true, words > 1)
		useAuto := words > 2 && d.SupportAutoexecData

		word := func() uint32 {
			v := uint32(buf[offset]) | uint32(buf[offset+1])<<8 |
				uint32(buf[offset+2])<<16 | uint32(buf[offset+3])<<24
			offset += 4
			return v
		}

		if err := d.Write(regData0, word()); err != nil {
			return err
		}
		if err := d.runCommand(cmd); err != nil {
			return err
		}
		if useAuto {
			if err := d.Write(regAbstractAuto, 1); err != nil {
				return err
			}
		}

		for i := 1; i < words; i++ {
			if useAuto && i == words-1 {
				if err := d.Write(regAbstractAuto, 0); err != nil {
					return err
				}
				if err := d.Write(regData0, word()); err != nil {
					return err
				}
				if err := d.runCommand(cmd); err != nil {
					return err
				}
				continue
			}

			if err := d.Write(regData0, word()); err != nil {
				return err
			}
			if useAuto {
				if _, err := d.waitAbstractIdle(); err != nil {
					return err
				}
			} else if err := d.runCommand(cmd); err != nil {
				return err
			}
		}

		if cmderr, err := d.waitAbstractIdle(); err != nil {
			return err
		} else if cmderr != cmdErrNone {
			if err := d.Write(regAbstractCS, acsCmdErrClear); err != nil {
				return err
			}
			return cmdErrToError(cmderr)
		}
	}

	for offset < len(buf) {
		if err := d.aamByteWrite(addr+uint64(offset), buf[offset]); err != nil {
			return err
		}
		offset++
	}
	return nil
}

// sysbusCheck reads SBCS after a transfer and surfaces any latched bus
// error, clearing it for the next operation.
func (d *DMI) sysbusCheck() error {
	sbcs, err := d.Read(regSBCS)
	if err != nil {
		return err
	}
	sberr := (sbcs >> sbcsSBErrorShift) & sbcsSBErrorMask
	if sberr == 0 && sbcs&sbcsSBBusyError == 0 {
		return nil
	}
	if err := d.Write(regSBCS, sberr<<sbcsSBErrorShift|sbcsSBBusyError); err != nil {
		return err
	}
	return fmt.Errorf("riscv: system bus error %d", sberr)
}

// sysbusByteRead/Write handle the unaligned head and tail through 8-bit
// system-bus access; targets without SBACCESS8 refuse unaligned spans.
func (d *DMI) sysbusByteRead(addr uint64) (byte, error) {
	sbcs, err := d.Read(regSBCS)
	if err != nil {
		return 0, err
	}
	if sbcs&sbcsSBAccess8 == 0 {
		return 0, ErrUnaligned
	}

	if err := d.Write(regSBCS, sbcsSBReadOnAddr); err != nil {
		return 0, err
	}
	if err := d.Write(regSBAddr0, uint32(addr)); err != nil {
		return 0, err
	}
	v, err := d.Read(regSBData0)
	if err != nil {
		return 0, err
	}
	return byte(v), d.sysbusCheck()
}

func (d *DMI) sysbusByteWrite(addr uint64, b byte) error {
	sbcs, err := d.Read(regSBCS)
	if err != nil {
		return err
	}
	if sbcs&sbcsSBAccess8 == 0 {
		return ErrUnaligned
	}

	if err := d.Write(regSBCS, 0); err != nil {
		return err
	}
	if err := d.Write(regSBAddr0, uint32(addr)); err != nil {
		return err
	}
	if err := d.Write(regSBData0, uint32(b)); err != nil {
		return err
	}
	return d.sysbusCheck()
}

// sysbusRead streams words over the system bus: the first read triggers
// off the address write, subsequent ones off the data read itself.
func (d *DMI) sysbusRead(buf []byte, addr uint64) error {
	offset := 0

	for offset < len(buf) && (addr+uint64(offset))%4 != 0 {
		b, err := d.sysbusByteRead(addr + uint64(offset))
		if err != nil {
			return err
		}
		buf[offset] = b
		offset++
	}

	words := (len(buf) - offset) / 4
	if words > 0 {
		sbcs := uint32(sbcsSBReadOnAddr | sizeWord32<<sbcsSBAccessShift)
		if words > 1 {
			sbcs |= sbcsSBReadOnData | sbcsSBAutoIncrement
		}
		if err := d.Write(regSBCS, sbcs); err != nil {
			return err
		}
		if err := d.Write(regSBAddr0, uint32(addr+uint64(offset))); err != nil {
			return err
		}

		for i := 0; i < words; i++ {
			if words > 1 && i == words-1 {
				// Stop the read-on-data chain before draining the last word.
				if err := d.Write(regSBCS, sizeWord32<<sbcsSBAccessShift); err != nil {
					return err
				}
			}
			v, err := d.Read(regSBData0)
			if err != nil {
				return err
			}
			buf[offset] = byte(v)
			buf[offset+1] = byte(v >> 8)
			buf[offset+2] = byte(v >> 16)
			buf[offset+3] = byte(v >> 24)
			offset += 4
		}

		if err := d.sysbusCheck(); err != nil {
			return err
		}
	}

	for offset < len(buf) {
		b, err := d.sysbusByteRead(addr + uint64(offset))
		if err != nil {
			return err
		}
		buf[offset] = b
		offset++
	}
	return nil
}

// sysbusWrite streams words out, each SBDATA0 write committing one bus
// transaction with the address auto-incrementing.
func (d *DMI) sysbusWrite(addr uint64, buf []byte) error {
	offset := 0

	for offset < len(buf) && (addr+uint64(offset))%4 != 0 {
		if err := d.sysbusByteWrite(addr+uint64(offset), buf[offset]); err != nil {
			return err
		}
		offset++
	}

	words := (len(buf) - offset) / 4
	if words > 0 {
		sbcs := uint32(sizeWord32 << sbcsSBAccessShift)
		if words > 1 {
			sbcs |= sbcsSBAutoIncrement
		}
		if err := d.Write(regSBCS, sbcs); err != nil {
			return err
		}
		if err := d.Write(regSBAddr0, uint32(addr+uint64(offset))); err != nil {
			return err
		}

		for i := 0; i < words; i++ {
			v := uint32(buf[offset]) | uint32(buf[offset+1])<<8 |
				uint32(buf[offset+2])<<16 | uint32(buf[offset+3])<<24
			if err := d.Write(regSBData0, v); err != nil {
				return err
			}
			offset += 4
		}

		if err := d.sysbusCheck(); err != nil {
			return err
		}
	}

	for offset < len(buf) {
		if err := d.sysbusByteWrite(addr+uint64(offset), buf[offset]); err != nil {
			return err
		}
		offset++
	}
	return nil
}
