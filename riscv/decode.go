// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package riscv

import (
	"fmt"

	"github.com/blackprobe/dbgcore/internal/bitfield"
)

// memRef is a decoded load/store: the base register index and the
// sign-extended offset applied to it.
type memRef struct {
	base   int
	offset int32
	store  bool
}

// decodeMemRef decodes the instruction word at a faulting DPC well enough
// to reconstruct the data address: RVC quadrant 0 C.LW/C.SW, quadrant 2
// C.LWSP/C.SWSP, and full-width RV32I LOAD/STORE. Triggers without a HIT
// bit leave this as the only way to name the watched address.
func decodeMemRef(insn uint32) (memRef, error) {
	if insn&0x3 != 0x3 {
		return decodeCompressed(uint16(insn))
	}

	switch insn & 0x7F {
	case opcodeLoad:
		return memRef{
			base:   int(bitfield.Get(insn, 15, 0x1F)),
			offset: bitfield.SignExtend(insn>>20, 12),
		}, nil
	case opcodeStore:
		imm := bitfield.Get(insn, 25, 0x7F)<<5 | bitfield.Get(insn, 7, 0x1F)
		return memRef{
			base:   int(bitfield.Get(insn, 15, 0x1F)),
			offset: bitfield.SignExtend(imm, 12),
			store:  true,
		}, nil
	default:
		return memRef{}, fmt.Errorf("riscv: cannot decode %#08x as a memory access", insn)
	}
}

func decodeCompressed(insn uint16) (memRef, error) {
	quad := insn & 0x3
	funct3 := (insn >> 13) & 0x7
	w := uint32(insn)

	switch {
	case quad == 0 && (funct3 == 0b010 || funct3 == 0b110):
		// C.LW / C.SW: rs1' in [9:7], zero-extended offset scattered over
		// [12:10], [6] and [5].
		offset := bitfield.Get(w, 10, 0x7)<<3 | bitfield.Get(w, 6, 0x1)<<2 | bitfield.Get(w, 5, 0x1)<<6
		return memRef{
			base:   int(bitfield.Get(w, 7, 0x7)) + 8,
			offset: int32(offset),
			store:  funct3 == 0b110,
		}, nil

	case quad == 2 && funct3 == 0b010:
		// C.LWSP: base x2, offset over [12], [6:4] and [3:2].
		offset := bitfield.Get(w, 12, 0x1)<<5 | bitfield.Get(w, 4, 0x7)<<2 | bitfield.Get(w, 2, 0x3)<<6
		return memRef{base: 2, offset: int32(offset)}, nil

	case quad == 2 && funct3 == 0b110:
		// C.SWSP: base x2, offset over [12:9] and [8:7].
		offset := bitfield.Get(w, 9, 0xF)<<2 | bitfield.Get(w, 7, 0x3)<<6
		return memRef{base: 2, offset: int32(offset), store: true}, nil

	default:
		return memRef{}, fmt.Errorf("riscv: cannot decode compressed %#04x as a memory access", insn)
	}
}

// watchAddrFromDPC reconstructs the data address of the access that fired
// a watchpoint by decoding the instruction at DPC and adding its offset
// to the base register.
func (d *DMI) watchAddrFromDPC() (uint64, error) {
	dpc, err := d.CSRRead(CSRDPC)
	if err != nil {
		return 0, err
	}

	var insnBuf [4]byte
	if err := d.MemRead(insnBuf[:], uint64(dpc)); err != nil {
		return 0, err
	}
	insn := uint32(insnBuf[0]) | uint32(insnBuf[1])<<8 | uint32(insnBuf[2])<<16 | uint32(insnBuf[3])<<24

	ref, err := decodeMemRef(insn)
	if err != nil {
		return 0, err
	}

	var base uint32
	if ref.base != 0 {
		base, err = d.GPRRead(ref.base)
		if err != nil {
			return 0, err
		}
	}
	return uint64(int64(base) + int64(ref.offset)), nil
}
