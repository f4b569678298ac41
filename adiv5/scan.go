// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package adiv5

import (
	"log"

	"github.com/blackprobe/dbgcore/link"
)

// maxMultidropInstances bounds the TARGETSEL instance scan: the instance
// id occupies TARGETSEL[31:28].
const maxMultidropInstances = 16

// targetselFor frames a TARGETSEL value: the target id's designer/part
// bits below, the instance id in the top nibble.
func targetselFor(targetid uint32, instance int) uint32 {
	return targetid&0x0FFFFFFF | uint32(instance)<<28
}

// ScanSWD discovers the Debug Ports reachable over an SWD link. The link
// is first moved from JTAG (or dormant) to SWD, then a plain DPIDR probe
// runs; DPv2 parts advertising a multidrop-capable TARGETID are
// re-enumerated instance by instance.
func ScanSWD(d link.SWD, opts Options) ([]*DebugPort, error) {
	if err := swdSelect(d); err != nil {
		return nil, err
	}

	dp := NewSWD(d, opts)
	if err := dp.Init(); err != nil {
		return nil, err
	}

	if dp.Version < 2 || dp.TargetDesignerCode == 0 {
		return []*DebugPort{dp}, nil
	}

	targetid := uint32(dp.TargetPartNo)<<12 | uint32(dp.TargetDesignerCode)<<1 | 1
	return scanMultidrop(d, targetid, opts)
}

// scanMultidrop walks TARGETSEL instances 0..15, selecting each in turn
// and probing DPIDR. Instances that do not answer are skipped; the
// framing (line reset, TARGETSEL write, blind DPIDR read) follows the
// DPv2 selection protocol.
func scanMultidrop(d link.SWD, targetid uint32, opts Options) ([]*DebugPort, error) {
	lg := opts.Logger
	if lg == nil {
		lg = log.Default()
	}

	var dps []*DebugPort

	for instance := 0; instance < maxMultidropInstances; instance++ {
		instOpts := opts
		instOpts.Instance = instance
		instOpts.Version = 2

		dp := NewSWD(d, instOpts)

		if err := dp.transport.lineReset(); err != nil {
			return dps, err
		}
		if err := dp.SetTargetSel(targetselFor(targetid, instance)); err != nil {
			return dps, err
		}
		// The blind DPIDR read completes the selection handshake; only
		// after it may acks be trusted.
		_, _, _ = dp.transport.lowAccess(false, true, DPIDR, 0)

		idr, err := dp.lowAccess(false, true, DPIDR, 0)
		if err != nil || idr == 0 {
			continue
		}

		if err := dp.Init(); err != nil {
			lg.Printf("adiv5: multidrop instance %d: init failed: %v", instance, err)
			continue
		}
		dps = append(dps, dp)
	}

	return dps, nil
}

// swdSelect moves the wire to SWD: dormant-exit alert, SWD activation
// code, JTAG-to-SWD for older parts, then a line reset.
func swdSelect(d link.SWD) error {
	// Dormant-state exit: 8 ones, the 128-bit selection alert, 4 zeroes,
	// then the SWD activation code.
	if err := d.SeqOut(0xFF, 8); err != nil {
		return err
	}
	for _, w := range link.SelectionAlert {
		if err := d.SeqOut(uint64(w), 32); err != nil {
			return err
		}
	}
	if err := d.SeqOut(0, 4); err != nil {
		return err
	}
	if err := d.SeqOut(link.ActivationCodeSWDDP, 8); err != nil {
		return err
	}

	// Legacy JTAG-to-SWD switch for pre-dormant parts: line reset either
	// side of the 16-bit select sequence.
	if err := link.LineReset(d); err != nil {
		return err
	}
	if err := d.SeqOut(link.SeqJTAGToSWD, 16); err != nil {
		return err
	}
	return link.LineReset(d)
}
