// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package flash defines the thin flash driver contract:
// probes attach a Driver to an address range; the target façade calls it
// for program/erase/mass-erase. dbgcore ships no device-specific drivers —
// only the contract individual flash drivers satisfy.
package flash

import "fmt"

// Driver is implemented by a device-specific flash programming algorithm.
// All methods may be called from the single-threaded debug-core loop only;
// none may block indefinitely.
type Driver interface {
	// Prepare is called once before the first Erase/Write in a programming
	// session (e.g. to unlock the flash controller or load an algorithm
	// into target RAM).
	Prepare() error

	// Erase clears [addr, addr+length). length is always a multiple of
	// BlockSize.
	Erase(addr, length uint64) (bool, error)

	// Write programs src to dest. len(src) is always a multiple of
	// WriteSize.
	Write(dest uint64, src []byte) (bool, error)

	// Done is called once after the last Erase/Write in a session.
	Done() error

	BlockSize() uint32
	WriteSize() uint32
}

// Region binds a Driver to an address range of a target's memory map.
type Region struct {
	Start      uint64
	Length     uint64
	Driver     Driver
	ErasedByte byte
}

func (r Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.Start+r.Length
}

// MassErase invokes Prepare/Erase(whole-region)/Done on every region in
// regions whose Driver supports it, used by target.Target.MassErase.
func MassErase(regions []Region) error {
	for _, r := range regions {
		if r.Driver == nil {
			continue
		}
		if err := r.Driver.Prepare(); err != nil {
			return fmt.Errorf("flash: prepare %#x: %w", r.Start, err)
		}
		ok, err := r.Driver.Erase(r.Start, r.Length)
		if err != nil {
			return fmt.Errorf("flash: mass erase %#x: %w", r.Start, err)
		}
		if !ok {
			return fmt.Errorf("flash: mass erase %#x reported failure", r.Start)
		}
		if err := r.Driver.Done(); err != nil {
			return fmt.Errorf("flash: done %#x: %w", r.Start, err)
		}
	}
	return nil
}
