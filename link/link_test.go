// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package link

import "testing"

// recorder captures the raw sequences clocked out.
type recorder struct {
	seqs []struct {
		data uint64
		n    int
	}
}

func (r *recorder) SeqIn(n int) (uint64, error)            { return 0, nil }
func (r *recorder) SeqInParity() (uint32, bool, error)     { return 0, true, nil }
func (r *recorder) SeqOutParity(data uint32) error         { return nil }
func (r *recorder) SeqOut(data uint64, n int) error {
	r.seqs = append(r.seqs, struct {
		data uint64
		n    int
	}{data, n})
	return nil
}

func TestLineReset(t *testing.T) {
	rec := &recorder{}
	if err := LineReset(rec); err != nil {
		t.Fatal(err)
	}

	if len(rec.seqs) != 2 {
		t.Fatalf("sequences: got %d, want 2", len(rec.seqs))
	}
	// At least 50 ones, then at least 2 zeroes.
	if rec.seqs[0].n < 50 || rec.seqs[0].data != ^uint64(0) {
		t.Errorf("first sequence: %d bits of %#x", rec.seqs[0].n, rec.seqs[0].data)
	}
	if rec.seqs[1].n < 2 || rec.seqs[1].data != 0 {
		t.Errorf("second sequence: %d bits of %#x", rec.seqs[1].n, rec.seqs[1].data)
	}
}

func TestSelectionConstants(t *testing.T) {
	// The published ADIv5 selection sequences, LSB first.
	if SeqJTAGToSWD != 0xE79E || SeqSWDToJTAG != 0xE73C || SeqSWDToDormant != 0xE3BC {
		t.Error("selection sequence constants diverge from ADIv5")
	}
	want := [4]uint32{0x6209F392, 0x86852D95, 0xE3DDAFE9, 0x19BC0EA2}
	if SelectionAlert != want {
		t.Errorf("selection alert: %#x", SelectionAlert)
	}
}
