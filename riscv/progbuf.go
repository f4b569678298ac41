// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package riscv

import (
	"fmt"
)

// usableProgbuf returns how many instruction words fit: the final slot is
// reserved for the terminating EBREAK unless the implementation supplies
// an implicit one.
func (d *DMI) usableProgbuf() int {
	if d.ImpEBreak {
		return d.ProgbufSize
	}
	return d.ProgbufSize - 1
}

// progbufUpload writes insns into the program buffer, padding the
// remainder with EBREAK.
func (d *DMI) progbufUpload(insns []uint32) error {
	if len(insns) > d.usableProgbuf() {
		return fmt.Errorf("riscv: program of %d words exceeds %d-word buffer", len(insns), d.usableProgbuf())
	}

	for i, insn := range insns {
		if err := d.Write(uint32(regProgbuf0+i), insn); err != nil {
			return err
		}
	}
	for i := len(insns); i < d.ProgbufSize; i++ {
		if err := d.Write(uint32(regProgbuf0+i), insnEBREAK); err != nil {
			return err
		}
	}
	return nil
}

// progbufExec runs the uploaded program: an ACCESS_REGISTER command with
// POSTEXEC set and no transfer.
func (d *DMI) progbufExec() error {
	return d.runCommand(uint32(cmdAccessRegister) | uint32(sizeWord32)<<cmdSizeShift | cmdPostExec)
}

// progbufCSRRead reads a CSR by executing CSRRS x1, csr, x0 and
// collecting x1, restoring the clobbered register afterwards.
func (d *DMI) progbufCSRRead(csr uint16) (uint32, error) {
	x1, err := d.GPRRead(1)
	if err != nil {
		return 0, err
	}

	if err := d.progbufUpload([]uint32{insnCSRRS(csr)}); err != nil {
		return 0, err
	}
	if err := d.progbufExec(); err != nil {
		return 0, err
	}

	v, err := d.GPRRead(1)
	if err != nil {
		return 0, err
	}
	if err := d.GPRWrite(1, x1); err != nil {
		return 0, err
	}
	return v, nil
}

// progbufCSRWrite writes a CSR by loading x1 and executing
// CSRRW x0, csr, x1.
func (d *DMI) progbufCSRWrite(csr uint16, value uint32) error {
	x1, err := d.GPRRead(1)
	if err != nil {
		return err
	}

	if err := d.GPRWrite(1, value); err != nil {
		return err
	}
	if err := d.progbufUpload([]uint32{insnCSRRW(csr)}); err != nil {
		return err
	}
	if err := d.progbufExec(); err != nil {
		return err
	}
	return d.GPRWrite(1, x1)
}

// progbufLoadInsn picks the widest natural-aligned load for the given
// address and remaining length.
func progbufLoadInsn(addr uint64, remaining int) (insn uint32, width int) {
	switch {
	case addr%4 == 0 && remaining >= 4:
		return insnLWx1x2, 4
	case addr%2 == 0 && remaining >= 2:
		return insnLHx1x2, 2
	default:
		return insnLBx1x2, 1
	}
}

func progbufStoreInsn(addr uint64, remaining int) (insn uint32, width int) {
	switch {
	case addr%4 == 0 && remaining >= 4:
		return insnSWx1x2, 4
	case addr%2 == 0 && remaining >= 2:
		return insnSHx1x2, 2
	default:
		return insnSBx1x2, 1
	}
}

// progbufMemRead transfers target memory through the program buffer: x2
// carries the address, the uploaded load moves each unit into x1. The
// address write executes the program, so each unit costs one abstract
// write of x2 plus one read of x1. Narrower widths cover the unaligned
// head and tail.
func (d *DMI) progbufMemRead(buf []byte, addr uint64) error {
	if len(buf) == 0 {
		return nil
	}

	x1, err := d.GPRRead(1)
	if err != nil {
		return err
	}
	x2, err := d.GPRRead(2)
	if err != nil {
		return err
	}
	defer func() {
		_ = d.GPRWrite(1, x1)
		_ = d.GPRWrite(2, x2)
	}()

	offset := 0
	for offset < len(buf) {
		cur := addr + uint64(offset)
		insn, width := progbufLoadInsn(cur, len(buf)-offset)
		if err := d.progbufUpload([]uint32{insn}); err != nil {
			return err
		}

		// Run every unit of this width before the alignment changes.
		for offset < len(buf) {
			cur = addr + uint64(offset)
			if _, w := progbufLoadInsn(cur, len(buf)-offset); w != width {
				break
			}
			if err := d.Write(regData0, uint32(cur)); err != nil {
				return err
			}
			if err := d.runCommand(accessRegisterCmd(uint16(RegGPRBase+2), true, false, true)); err != nil {
				return err
			}
			v, err := d.GPRRead(1)
			if err != nil {
				return err
			}
			for i := 0; i < width; i++ {
				buf[offset+i] = byte(v >> (8 * i))
			}
			offset += width
		}
	}
	return nil
}

// progbufMemWrite is the symmetric path: x1 carries data, x2 the address,
// and the uploaded store commits each unit.
func (d *DMI) progbufMemWrite(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	x1, err := d.GPRRead(1)
	if err != nil {
		return err
	}
	x2, err := d.GPRRead(2)
	if err != nil {
		return err
	}
	defer func() {
		_ = d.GPRWrite(1, x1)
		_ = d.GPRWrite(2, x2)
	}()

	offset := 0
	for offset < len(buf) {
		cur := addr + uint64(offset)
		insn, width := progbufStoreInsn(cur, len(buf)-offset)
		if err := d.progbufUpload([]uint32{insn}); err != nil {
			return err
		}

		for offset < len(buf) {
			cur = addr + uint64(offset)
			if _, w := progbufStoreInsn(cur, len(buf)-offset); w != width {
				break
			}
			var v uint32
			for i := 0; i < width; i++ {
				v |= uint32(buf[offset+i]) << (8 * i)
			}
			if err := d.GPRWrite(1, v); err != nil {
				return err
			}
			if err := d.Write(regData0, uint32(cur)); err != nil {
				return err
			}
			if err := d.runCommand(accessRegisterCmd(uint16(RegGPRBase+2), true, false, true)); err != nil {
				return err
			}
			offset += width
		}
	}
	return nil
}
