// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package adiv5

import "fmt"

// ROMEntry is one CoreSight ROM table entry: a debug component's base
// address and whether it is present.
type ROMEntry struct {
	Address uint64
	Present bool
}

const (
	romEntryPresentBit = 1 << 0
	romEntryEndMarker  = 0
	romTableMaxEntries = 960 // CoreSight ROM tables are at most 0xF00 bytes of entries
)

// ROMWalk walks the CoreSight ROM table rooted at ap.Base, stopping at the
// first zero entry, and returns every entry's component base address
// together with its present bit. Nested ROM tables are not followed.
// The MEM-AP's BASE register names the ROM table, not the core debug
// component, so attach code walks the table to find what to halt.
func (ap *AccessPort) ROMWalk() ([]ROMEntry, error) {
	if ap.Base == 0 || ap.Base == 0xFFFFFFFF {
		return nil, fmt.Errorf("adiv5: AP%d has no ROM table", ap.APSel)
	}

	base := uint64(ap.Base &^ 0x3)
	if ap.is64 {
		base |= uint64(ap.BaseHigh) << 32
	}

	var entries []ROMEntry
	buf := make([]byte, 4)

	for i := 0; i < romTableMaxEntries; i++ {
		addr := base + uint64(i*4)
		if err := ap.MemRead(buf, addr, 4); err != nil {
			return entries, err
		}
		word := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
		if word == romEntryEndMarker {
			break
		}

		present := word&romEntryPresentBit != 0
		offset := int32(word &^ 0xFFF)
		component := uint64(int64(base) + int64(offset))

		entries = append(entries, ROMEntry{Address: component, Present: present})
	}

	return entries, nil
}
