// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package adiv5

import (
	"fmt"
)

// AccessPort models one ARM Access Port, owned by a DebugPort and
// reference-counted with it.
type AccessPort struct {
	dp *DebugPort

	APSel uint8

	IDR uint32
	// Base holds BASE_LOW; BaseHigh holds BASE_HIGH for ADIv6 large debug
	// ports, used by the ROM table walk.
	Base     uint32
	BaseHigh uint32
	CSW      uint32

	DesignerCode uint16
	PartNo       uint8

	// DEMCR saved across a Cortex-M initial halt, restored by
	// the cortexm package on detach.
	SavedDEMCR uint32

	// is64 records CFG.LA (large address extension, ADIv6), which governs
	// whether programTAR also writes TAR_HIGH.
	is64 bool
}

// mem-ap register access helper, threading through the owning DP.
func (ap *AccessPort) read(reg uint8) (uint32, error) {
	bank := reg >> 4
	return ap.dp.apAccess(ap.APSel, bank, reg&0xF, true, 0)
}

func (ap *AccessPort) write(reg uint8, value uint32) error {
	bank := reg >> 4
	_, err := ap.dp.apAccess(ap.APSel, bank, reg&0xF, false, value)
	return err
}

// EnumerateAPs scans APSEL 0..255 on dp, stopping after 8 consecutive
// absent APs (IDR==0) or detection of the DUPED_AP quirk.
func EnumerateAPs(dp *DebugPort) ([]*AccessPort, error) {
	var aps []*AccessPort
	consecutiveAbsent := 0
	var firstIDR uint32
	haveFirst := false

	for apsel := 0; apsel <= 255; apsel++ {
		ap := &AccessPort{dp: dp, APSel: uint8(apsel)}
		idr, err := ap.read(IDR)
		if err != nil {
			return aps, err
		}

		if idr == 0 {
			consecutiveAbsent++
			if consecutiveAbsent >= 8 {
				break
			}
			continue
		}
		consecutiveAbsent = 0

		if dp.Quirks&QuirkDupedAP != 0 {
			if !haveFirst {
				firstIDR = idr
				haveFirst = true
			} else if idr == firstIDR && apsel > 0 {
				// Tiva-style bug repeating the same AP for every APSEL:
				// stop enumerating past apsel 0.
				break
			}
		}

		ap.IDR = idr
		ap.DesignerCode = uint16(idr & 0x7FF)
		ap.PartNo = uint8((idr >> 20) & 0xFF)

		dp.acquire()
		aps = append(aps, ap)
	}

	return aps, nil
}

// Release drops this AP's reference to its owning DebugPort. Call once the
// AP (and any CortexTarget wrapping it) is torn down.
func (ap *AccessPort) Release() {
	ap.dp.release()
}

// Class returns IDR.CLASS.
func (ap *AccessPort) Class() uint8 {
	return uint8((ap.IDR >> IDRClassShift) & IDRClassMask)
}

// IsMemAP reports whether this AP is a MEM-AP of bus type AHB3, the type
// sent to cortexm_prepare before the ROM table walk.
func (ap *AccessPort) IsMemAP() bool {
	return ap.Class() == IDRClassMEMAP && ap.IDR&IDRTypeMask == IDRTypeAHB3
}

// configure reads BASE/BASE_HIGH/CFG so ROM-table walking and memory
// transfers have the addresses and 64-bit-TAR flag they need.
func (ap *AccessPort) configure() error {
	base, err := ap.read(BaseLow)
	if err != nil {
		return err
	}
	ap.Base = base

	cfg, err := ap.read(CFG)
	if err != nil {
		return err
	}
	if cfg&1 != 0 { // CFG.LA, large address support (ADIv6)
		ap.is64 = true
		bh, err := ap.read(BaseHigh)
		if err != nil {
			return err
		}
		ap.BaseHigh = bh
	}
	return nil
}

// minAlign picks the widest of {8,16,32} both the address and the
// remaining length admit. CSW only frames byte/half/word transfers, so a
// 64-bit-aligned address still settles on a 32-bit MEM-AP access.
func minAlign(addr uint64, length int) int {
	if addr%4 == 0 && length >= 4 {
		return 32
	}
	if addr%2 == 0 && length >= 2 {
		return 16
	}
	return 8
}

// programCSW writes CSW with the given transfer size and single
// auto-increment.
func (ap *AccessPort) programCSW(size int) error {
	var cswSize uint32
	switch size {
	case 8:
		cswSize = CSWSizeByte
	case 16:
		cswSize = CSWSizeHalf
	case 32, 64:
		cswSize = CSWSizeWord
	default:
		return fmt.Errorf("adiv5: unsupported transfer size %d", size)
	}

	csw := cswSize | (CSWAddrIncSingle << CSWAddrIncOff) | CSWDbgSwEnable | CSWHProt | CSWMasterDebug
	if ap.CSW == csw {
		return nil
	}
	if err := ap.write(CSW, csw); err != nil {
		return err
	}
	ap.CSW = csw
	return nil
}

// programTAR writes TAR, TAR_HIGH first when 64-bit addressing is in
// use.
func (ap *AccessPort) programTAR(addr uint64, is64 bool) error {
	if is64 {
		if err := ap.write(TARHigh, uint32(addr>>32)); err != nil {
			return err
		}
	}
	return ap.write(TARLow, uint32(addr))
}

// packData packs a sub-word datum into the 32-bit lane selected by the low
// address bits, and unpackData is its inverse.
func packData(word uint32, x uint32, addr uint64, align int) uint32 {
	switch align {
	case 8:
		shift := (addr & 3) * 8
		mask := uint32(0xFF) << shift
		return (word &^ mask) | ((x & 0xFF) << shift)
	case 16:
		shift := (addr & 2) * 8
		mask := uint32(0xFFFF) << shift
		return (word &^ mask) | ((x & 0xFFFF) << shift)
	default:
		return x
	}
}

func unpackData(word uint32, addr uint64, align int) uint32 {
	switch align {
	case 8:
		shift := (addr & 3) * 8
		return (word >> shift) & 0xFF
	case 16:
		shift := (addr & 2) * 8
		return (word >> shift) & 0xFFFF
	default:
		return word
	}
}

// MemRead performs a MEM-AP transfer of length bytes starting at addr into
// buf, splitting by min_align and handling the TAR 10-bit autoincrement
// window.
func (ap *AccessPort) MemRead(buf []byte, addr uint64, length int) error {
	if len(buf) < length {
		return fmt.Errorf("adiv5: buffer too small for %d-byte read", length)
	}

	offset := 0
	cur := addr
	tarValid := false
	var tarBase uint64

	for offset < length {
		align := minAlign(cur, length-offset)
		size := align
		if size > 32 {
			size = 32
		}

		if err := ap.programCSW(size); err != nil {
			return err
		}
		if !tarValid || (cur/TARWindow) != (tarBase/TARWindow) {
			if err := ap.programTAR(cur, ap.is64); err != nil {
				return err
			}
			tarValid = true
		}
		tarBase = cur

		word, err := ap.read(DRW)
		if err != nil {
			return err
		}

		n := size / 8
		v := unpackData(word, cur, size)
		for i := 0; i < n && offset+i < length; i++ {
			buf[offset+i] = byte(v >> (8 * i))
		}

		offset += n
		cur += uint64(n)

		// Crossing the 0x400 TAR autoincrement window forces a fresh TAR
		// write before the next DRW access.
		if cur/TARWindow != tarBase/TARWindow {
			tarValid = false
		}
	}

	return nil
}

// MemWrite performs a MEM-AP write of length bytes from buf to addr,
// draining the pipeline with a terminal RDBUFF read.
func (ap *AccessPort) MemWrite(addr uint64, buf []byte) error {
	length := len(buf)
	offset := 0
	cur := addr
	tarValid := false
	var tarBase uint64

	for offset < length {
		align := minAlign(cur, length-offset)
		size := align
		if size > 32 {
			size = 32
		}
		n := size / 8

		if err := ap.programCSW(size); err != nil {
			return err
		}
		if !tarValid || (cur/TARWindow) != (tarBase/TARWindow) {
			if err := ap.programTAR(cur, ap.is64); err != nil {
				return err
			}
			tarValid = true
		}
		tarBase = cur

		var raw uint32
		for i := 0; i < n && offset+i < length; i++ {
			raw |= uint32(buf[offset+i]) << (8 * i)
		}
		word := packData(0, raw, cur, size)

		if err := ap.write(DRW, word); err != nil {
			return err
		}

		offset += n
		cur += uint64(n)
		if cur/TARWindow != tarBase/TARWindow {
			tarValid = false
		}
	}

	// A dummy RDBUFF read drains the write pipeline.
	_, err := ap.dp.DPRead(0, RDBuff)
	return err
}

// LowWrite/LowRead expose raw banked AP register access to the cortexm/
// cortexr packages for DHCSR/DEMCR-style single-register programming that
// doesn't go through the byte-addressed MemRead/MemWrite path.
func (ap *AccessPort) LowWrite(reg uint8, value uint32) error {
	return ap.write(reg, value)
}

func (ap *AccessPort) LowRead(reg uint8) (uint32, error) {
	return ap.read(reg)
}

// DP returns the owning DebugPort, for callers (cortexm/cortexr) that need
// DPRead/DPWrite (e.g. the terminal RDBUFF drain).
func (ap *AccessPort) DP() *DebugPort {
	return ap.dp
}

// Describe returns a short human-readable identity string for monitor
// "info" output.
func (ap *AccessPort) Describe() string {
	return fmt.Sprintf("AP%d designer=%#03x part=%#02x class=%#x base=%#08x", ap.APSel, ap.DesignerCode, ap.PartNo, ap.Class(), ap.Base)
}

// Configure is the exported entry point ROM-walk/attach code calls after
// EnumerateAPs to populate BASE/CFG.
func (ap *AccessPort) Configure() error {
	return ap.configure()
}
