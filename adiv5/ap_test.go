// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package adiv5

import (
	"bytes"
	"testing"

	"github.com/blackprobe/dbgcore/linktest"
)

func testAP(t *testing.T) (*AccessPort, *linktest.DPModel) {
	t.Helper()

	model := linktest.NewDPModel(0x2BA01477)
	dp := NewSWD(linktest.NewSWD(model), quietOpts())

	aps, err := EnumerateAPs(dp)
	if err != nil {
		t.Fatal(err)
	}
	if len(aps) != 1 {
		t.Fatalf("enumerated %d APs, want 1", len(aps))
	}
	if err := aps[0].Configure(); err != nil {
		t.Fatal(err)
	}
	return aps[0], model
}

func TestEnumerateClassifiesMemAP(t *testing.T) {
	ap, _ := testAP(t)

	if !ap.IsMemAP() {
		t.Errorf("AP with IDR %#x not classified as MEM-AP", ap.IDR)
	}
	if ap.DesignerCode == 0 {
		t.Error("designer not decoded from IDR")
	}
}

func TestByteReadAcrossTARWindow(t *testing.T) {
	ap, model := testAP(t)

	// Five bytes straddling the 1 KiB auto-increment window boundary.
	model.LoadMem(0x200003FE, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE})
	model.TARWrites = 0

	buf := make([]byte, 5)
	if err := ap.MemRead(buf, 0x200003FE, 5); err != nil {
		t.Fatal(err)
	}

	want := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}
	if !bytes.Equal(buf, want) {
		t.Errorf("read %x, want %x", buf, want)
	}
	// One TAR write entering the transfer, one more crossing the window.
	if model.TARWrites != 2 {
		t.Errorf("TAR writes: got %d, want 2", model.TARWrites)
	}
}

func TestAlignedWordsSingleTARWrite(t *testing.T) {
	ap, model := testAP(t)

	model.LoadMem(0x20000000, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	model.TARWrites = 0

	buf := make([]byte, 8)
	if err := ap.MemRead(buf, 0x20000000, 8); err != nil {
		t.Fatal(err)
	}
	if model.TARWrites != 1 {
		t.Errorf("TAR writes inside one window: got %d, want 1", model.TARWrites)
	}
}

func TestMemWriteReadBack(t *testing.T) {
	ap, model := testAP(t)

	data := []byte{0x10, 0x32, 0x54, 0x76, 0x98, 0xBA, 0xDC}
	if err := ap.MemWrite(0x20000001, data); err != nil {
		t.Fatal(err)
	}

	if got := model.DumpMem(0x20000001, len(data)); !bytes.Equal(got, data) {
		t.Errorf("memory after unaligned write: %x, want %x", got, data)
	}

	buf := make([]byte, len(data))
	if err := ap.MemRead(buf, 0x20000001, len(data)); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data) {
		t.Errorf("read back %x, want %x", buf, data)
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct {
		x     uint32
		addr  uint64
		align int
	}{
		{0xAB, 0x1000, 8},
		{0xAB, 0x1001, 8},
		{0xAB, 0x1002, 8},
		{0xAB, 0x1003, 8},
		{0xBEEF, 0x2000, 16},
		{0xBEEF, 0x2002, 16},
		{0xDEADBEEF, 0x3000, 32},
		{0xDEADBEEF, 0x3000, 64},
	}

	for _, tc := range cases {
		packed := packData(0, tc.x, tc.addr, tc.align)
		if got := unpackData(packed, tc.addr, tc.align); got != tc.x {
			t.Errorf("roundtrip(%#x, addr %#x, align %d): got %#x",
				tc.x, tc.addr, tc.align, got)
		}
	}
}

func TestMinAlign(t *testing.T) {
	cases := []struct {
		addr   uint64
		length int
		want   int
	}{
		{0x1000, 8, 32},
		{0x1000, 2, 16},
		{0x1002, 4, 16},
		{0x1001, 8, 8},
		{0x1000, 1, 8},
	}
	for _, tc := range cases {
		if got := minAlign(tc.addr, tc.length); got != tc.want {
			t.Errorf("minAlign(%#x, %d): got %d, want %d", tc.addr, tc.length, got, tc.want)
		}
	}
}
