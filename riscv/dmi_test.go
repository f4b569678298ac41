// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package riscv

import (
	"bytes"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/blackprobe/dbgcore/linktest"
)

func quietOpts() Options {
	return Options{Logger: log.New(io.Discard, "", 0)}
}

func testDMI(t *testing.T) (*DMI, *linktest.DMModel) {
	t.Helper()

	dm := linktest.NewDMModel()
	j, err := DiscoverJTAG(linktest.NewDTM(dm), 0)
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(j, quietOpts())
	if err != nil {
		t.Fatal(err)
	}
	return d, dm
}

func TestActivationInventory(t *testing.T) {
	d, _ := testDMI(t)

	if d.DebugVersion != 2 {
		t.Errorf("debug version: got %d, want 2 (0.13)", d.DebugVersion)
	}
	if d.ProgbufSize != 8 {
		t.Errorf("progbuf size: got %d, want 8", d.ProgbufSize)
	}
	if d.AbstractDataCount != 2 {
		t.Errorf("data count: got %d, want 2", d.AbstractDataCount)
	}
	if !d.SupportAutoexecData {
		t.Error("autoexec support not detected")
	}
	if !d.SupportResetHaltReq {
		t.Error("resethaltreq support not detected")
	}
	if len(d.Harts) != 1 {
		t.Fatalf("harts: got %d, want 1", len(d.Harts))
	}
	if d.HartselLen != 1 {
		t.Errorf("hartsellen: got %d, want 1", d.HartselLen)
	}
	if d.Harts[0].NScratch != 1 || !d.Harts[0].DataAccess {
		t.Errorf("hartinfo not decoded: %+v", d.Harts[0])
	}
}

func TestAbstractCSRRead(t *testing.T) {
	d, _ := testDMI(t)

	misa, err := d.CSRRead(CSRMISA)
	if err != nil {
		t.Fatal(err)
	}
	if misa != 0x40101105 {
		t.Errorf("MISA: got %#x, want 0x40101105", misa)
	}
}

func TestAbstractCSRReadException(t *testing.T) {
	d, dm := testDMI(t)

	// A CSR the hart does not implement raises an exception in the
	// abstract command.
	dm.NextCmdErr = 3
	_, err := d.CSRRead(0x123)
	if !errors.Is(err, ErrException) {
		t.Fatalf("got %v, want ErrException", err)
	}

	// The error latch was cleared: subsequent commands work.
	if _, err := d.CSRRead(CSRMISA); err != nil {
		t.Fatal(err)
	}
}

func TestGPRReadWrite(t *testing.T) {
	d, dm := testDMI(t)

	if err := d.GPRWrite(5, 0xCAFEBABE); err != nil {
		t.Fatal(err)
	}
	if dm.Harts[0].GPRs[5] != 0xCAFEBABE {
		t.Errorf("x5 in model: %#x", dm.Harts[0].GPRs[5])
	}
	v, err := d.GPRRead(5)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xCAFEBABE {
		t.Errorf("x5: got %#x", v)
	}
}

func TestAutoexecBulkReadAccounting(t *testing.T) {
	d, dm := testDMI(t)

	for i := range dm.Harts[0].GPRs {
		dm.Harts[0].GPRs[i] = uint32(0x100 + i)
	}

	dm.CmdWrites = 0
	dm.AutoWrites = nil
	dm.Data0Reads = 0

	regs, err := d.AbstractRegsRead(RegGPRBase, 32)
	if err != nil {
		t.Fatal(err)
	}

	for i, v := range regs {
		if v != uint32(0x100+i) {
			t.Errorf("x%d: got %#x, want %#x", i, v, 0x100+i)
		}
	}

	// One command write, one autoexec setup and one teardown, one DATA0
	// read per register.
	if dm.CmdWrites != 1 {
		t.Errorf("abstract command writes: got %d, want 1", dm.CmdWrites)
	}
	if len(dm.AutoWrites) != 2 || dm.AutoWrites[0] != 1 || dm.AutoWrites[1] != 0 {
		t.Errorf("autoexec writes: got %v, want [1 0]", dm.AutoWrites)
	}
	if dm.Data0Reads != 32 {
		t.Errorf("DATA0 reads: got %d, want 32", dm.Data0Reads)
	}
}

func TestProgbufCSRRead(t *testing.T) {
	d, dm := testDMI(t)
	d.csrAccess = csrProgbuf

	dm.Harts[0].CSRs[0x342] = 0x1234 // mcause
	dm.Harts[0].GPRs[1] = 0xAAAA5555

	v, err := d.CSRRead(0x342)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x1234 {
		t.Errorf("CSR via progbuf: got %#x, want 0x1234", v)
	}
	// x1 was used as the shuttle and must be restored.
	if dm.Harts[0].GPRs[1] != 0xAAAA5555 {
		t.Errorf("x1 not restored: %#x", dm.Harts[0].GPRs[1])
	}
}

var memStrategies = map[string]func(*DMI){
	"sysbus":   func(d *DMI) { d.memAccess = memSysbus },
	"abstract": func(d *DMI) { d.memAccess = memAbstract },
	"progbuf":  func(d *DMI) { d.memAccess = memProgbuf },
}

func TestMemReadWriteAllStrategies(t *testing.T) {
	for name, set := range memStrategies {
		t.Run(name, func(t *testing.T) {
			d, dm := testDMI(t)
			set(d)

			// Unaligned head and tail around an aligned middle.
			data := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB}
			if err := d.MemWrite(0x80000001, data); err != nil {
				t.Fatal(err)
			}
			if got := dm.DumpMem(0x80000001, len(data)); !bytes.Equal(got, data) {
				t.Fatalf("memory after write: %x, want %x", got, data)
			}

			buf := make([]byte, len(data))
			if err := d.MemRead(buf, 0x80000001); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(buf, data) {
				t.Errorf("read back %x, want %x", buf, data)
			}
		})
	}
}

func TestEspressifSelectsAbstractMemory(t *testing.T) {
	dm := linktest.NewDMModel()
	dm.Harts[0].CSRs[CSRMVendorID] = DesignerEspressif

	j, err := DiscoverJTAG(linktest.NewDTM(dm), 0)
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(j, quietOpts())
	if err != nil {
		t.Fatal(err)
	}

	if d.Designer != DesignerEspressif {
		t.Fatalf("designer: got %#x", d.Designer)
	}
	if d.memAccess != memAbstract {
		t.Errorf("memory strategy: got %d, want abstract", d.memAccess)
	}
}

func TestHaltResume(t *testing.T) {
	d, dm := testDMI(t)

	// Discovery leaves the hart halted.
	if !dm.Harts[0].Halted {
		t.Fatal("hart not halted after discovery")
	}

	if err := d.ResumeCurrentHart(); err != nil {
		t.Fatal(err)
	}
	if dm.Harts[0].Halted {
		t.Error("hart still halted after resume")
	}

	if err := d.HaltCurrentHart(); err != nil {
		t.Fatal(err)
	}
	if !dm.Harts[0].Halted {
		t.Error("hart not halted after halt request")
	}
}
