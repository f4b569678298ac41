// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package flash

import "testing"

type nullDriver struct {
	erased  [][2]uint64
	prepped bool
	done    bool
	ok      bool
}

func (d *nullDriver) Prepare() error { d.prepped = true; return nil }
func (d *nullDriver) Done() error    { d.done = true; return nil }
func (d *nullDriver) Erase(addr, length uint64) (bool, error) {
	d.erased = append(d.erased, [2]uint64{addr, length})
	return d.ok, nil
}
func (d *nullDriver) Write(uint64, []byte) (bool, error) { return d.ok, nil }
func (d *nullDriver) BlockSize() uint32                  { return 0x400 }
func (d *nullDriver) WriteSize() uint32                  { return 4 }

func TestRegionContains(t *testing.T) {
	r := Region{Start: 0x08000000, Length: 0x1000}

	if !r.Contains(0x08000000) || !r.Contains(0x08000FFF) {
		t.Error("region does not contain its own range")
	}
	if r.Contains(0x08001000) || r.Contains(0x07FFFFFF) {
		t.Error("region contains addresses outside its range")
	}
}

func TestMassErase(t *testing.T) {
	drv := &nullDriver{ok: true}
	regions := []Region{
		{Start: 0x08000000, Length: 0x1000, Driver: drv},
		{Start: 0x08100000, Length: 0x2000}, // no driver: skipped
	}

	if err := MassErase(regions); err != nil {
		t.Fatal(err)
	}
	if !drv.prepped || !drv.done {
		t.Error("prepare/done not called")
	}
	if len(drv.erased) != 1 || drv.erased[0] != [2]uint64{0x08000000, 0x1000} {
		t.Errorf("erases: %v", drv.erased)
	}
}

func TestMassEraseFailureSurfaces(t *testing.T) {
	drv := &nullDriver{ok: false}
	regions := []Region{{Start: 0, Length: 0x1000, Driver: drv}}

	if err := MassErase(regions); err == nil {
		t.Error("failed erase not surfaced")
	}
}
