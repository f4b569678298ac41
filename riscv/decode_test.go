// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package riscv

import "testing"

func TestDecodeMemRef(t *testing.T) {
	cases := []struct {
		name   string
		insn   uint32
		base   int
		offset int32
		store  bool
	}{
		// lw x3, 12(x10)
		{"lw", 0x00C52183, 10, 12, false},
		// lw x3, -4(x10)
		{"lw negative", 0xFFC52183, 10, -4, false},
		// sw x3, 16(x10): imm[11:5]=0, imm[4:0]=16
		{"sw", 0x00352823, 10, 16, true},
		// sw x3, -8(x10)
		{"sw negative", 0xFE352C23, 10, -8, true},
		// lb x1, 0(x5)
		{"lb", 0x00028083, 5, 0, false},

		// c.sw x9, 8(x8): quad 0, funct3 110
		{"c.sw", 0xC404, 8, 8, true},
		// c.lw x9, 8(x8): quad 0, funct3 010
		{"c.lw", 0x4404, 8, 8, false},
		// c.lwsp x3, 4(x2): quad 2, funct3 010
		{"c.lwsp", 0x4192, 2, 4, false},
		// c.swsp x3, 4(x2): quad 2, funct3 110
		{"c.swsp", 0xC20E, 2, 4, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ref, err := decodeMemRef(tc.insn)
			if err != nil {
				t.Fatal(err)
			}
			if ref.base != tc.base {
				t.Errorf("base: got x%d, want x%d", ref.base, tc.base)
			}
			if ref.offset != tc.offset {
				t.Errorf("offset: got %d, want %d", ref.offset, tc.offset)
			}
			if ref.store != tc.store {
				t.Errorf("store: got %v, want %v", ref.store, tc.store)
			}
		})
	}
}

func TestDecodeRejectsNonMemory(t *testing.T) {
	// addi x1, x1, 1
	if _, err := decodeMemRef(0x00108093); err == nil {
		t.Error("decoded an ALU instruction as a memory access")
	}
	// c.addi x8, 1
	if _, err := decodeMemRef(0x0405); err == nil {
		t.Error("decoded a compressed ALU instruction as a memory access")
	}
}
