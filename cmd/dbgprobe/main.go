// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// dbgprobe is the thin glue wiring a concrete probe transport to the
// debug-link stack: attach to a target over SWD or a RISC-V JTAG DTM,
// print its identity, dump memory, or mass-erase its flash. The GDB
// remote-protocol front-end sits above this tool and consumes the same
// target façade.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/google/gousb"

	"github.com/blackprobe/dbgcore/adiv5"
	"github.com/blackprobe/dbgcore/cortexm"
	"github.com/blackprobe/dbgcore/diag"
	"github.com/blackprobe/dbgcore/link"
	"github.com/blackprobe/dbgcore/riscv"
	"github.com/blackprobe/dbgcore/target"
	"github.com/blackprobe/dbgcore/transport/ftdiprobe"
	"github.com/blackprobe/dbgcore/transport/usbprobe"
)

var (
	transportFlag = flag.String("transport", "usb", "probe transport: usb or gpio")
	protoFlag     = flag.String("proto", "swd", "wire protocol: swd (ARM) or jtag (RISC-V DTM)")

	usbVID = flag.String("vid", "1d50", "USB probe vendor id (hex)")
	usbPID = flag.String("pid", "6018", "USB probe product id (hex)")

	clkPin = flag.String("clk", "FT232H.D0", "GPIO clock pin (gpio transport)")
	dioPin = flag.String("dio", "FT232H.D1", "GPIO data pin (SWD over gpio)")
	tmsPin = flag.String("tms", "FT232H.D3", "GPIO TMS pin (JTAG over gpio)")
	tdiPin = flag.String("tdi", "FT232H.D1", "GPIO TDI pin (JTAG over gpio)")
	tdoPin = flag.String("tdo", "FT232H.D2", "GPIO TDO pin (JTAG over gpio)")

	diagAddr = flag.String("diag", "", "serve diagnostics charts on this address")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: dbgprobe [flags] <command> [args]

commands:
  info                 print the identities seen while attaching the first target
  halt                 halt the target and report the halt reason
  read <addr> <len>    hex-dump target memory
  erase                mass-erase all registered flash regions
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("dbgprobe: ")

	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}

	if *diagAddr != "" {
		go func() {
			if err := diag.Serve(*diagAddr); err != nil {
				log.Printf("diag: %v", err)
			}
		}()
	}

	tgt, err := attach()
	if err != nil {
		log.Fatal(err)
	}

	switch flag.Arg(0) {
	case "info":
		// attach already printed target identities as it discovered them.

	case "halt":
		if err := tgt.HaltRequest(); err != nil {
			log.Fatal(err)
		}
		reason, addr, err := tgt.HaltPoll()
		diag.HaltPolls.Add(1)
		if err != nil {
			log.Fatal(err)
		}
		if reason == target.Watchpoint {
			fmt.Printf("halted: %v at %#x\n", reason, addr)
		} else {
			fmt.Printf("halted: %v\n", reason)
		}

	case "read":
		if flag.NArg() != 3 {
			usage()
		}
		addr, err := strconv.ParseUint(flag.Arg(1), 0, 64)
		if err != nil {
			log.Fatal(err)
		}
		n, err := strconv.Atoi(flag.Arg(2))
		if err != nil {
			log.Fatal(err)
		}
		buf := make([]byte, n)
		if err := tgt.MemRead(buf, addr); err != nil {
			log.Fatal(err)
		}
		diag.TransferBytes.Add(int64(n))
		if tgt.CheckError() {
			diag.LinkFaults.Add(1)
			log.Fatal("memory access fault")
		}
		dump(addr, buf)

	case "erase":
		if err := tgt.MassErase(); err != nil {
			log.Fatal(err)
		}
		fmt.Println("mass erase complete")

	default:
		usage()
	}
}

// attach opens the configured transport and brings up the first target
// behind it.
func attach() (target.Target, error) {
	switch *protoFlag {
	case "swd":
		swd, err := openSWD()
		if err != nil {
			return nil, err
		}
		return attachARM(swd)

	case "jtag":
		jt, err := openJTAG()
		if err != nil {
			return nil, err
		}
		return attachRISCV(jt)

	default:
		return nil, fmt.Errorf("unknown protocol %q", *protoFlag)
	}
}

func openSWD() (link.SWD, error) {
	switch *transportFlag {
	case "usb":
		vid, pid, err := parseIDs()
		if err != nil {
			return nil, err
		}
		p, err := usbprobe.Open(vid, pid)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "gpio":
		p, err := ftdiprobe.OpenSWD(*clkPin, *dioPin)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", *transportFlag)
	}
}

func openJTAG() (link.JTAG, error) {
	switch *transportFlag {
	case "usb":
		vid, pid, err := parseIDs()
		if err != nil {
			return nil, err
		}
		p, err := usbprobe.Open(vid, pid)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "gpio":
		p, err := ftdiprobe.OpenJTAG(*clkPin, *tmsPin, *tdiPin, *tdoPin)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", *transportFlag)
	}
}

func parseIDs() (gousb.ID, gousb.ID, error) {
	vid, err := strconv.ParseUint(*usbVID, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad vid %q", *usbVID)
	}
	pid, err := strconv.ParseUint(*usbPID, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad pid %q", *usbPID)
	}
	return gousb.ID(vid), gousb.ID(pid), nil
}

func attachARM(swd link.SWD) (target.Target, error) {
	dps, err := adiv5.ScanSWD(swd, adiv5.Options{})
	if err != nil {
		return nil, err
	}

	for _, dp := range dps {
		log.Printf("%s", dp.Describe())

		aps, err := adiv5.EnumerateAPs(dp)
		if err != nil {
			return nil, err
		}
		for _, ap := range aps {
			if err := ap.Configure(); err != nil {
				return nil, err
			}
			log.Printf("  %s", ap.Describe())
			if !ap.IsMemAP() {
				continue
			}

			tgt, err := cortexm.New(ap, cortexm.Options{})
			if err != nil {
				log.Printf("  cortexm attach: %v", err)
				continue
			}
			log.Printf("  %s", tgt.Describe())
			return tgt, nil
		}
	}
	return nil, fmt.Errorf("no debuggable core found")
}

func attachRISCV(jt link.JTAG) (target.Target, error) {
	dtm, err := riscv.DiscoverJTAG(jt, 0)
	if err != nil {
		return nil, err
	}
	dmi, err := riscv.New(dtm, riscv.Options{})
	if err != nil {
		return nil, err
	}
	log.Printf("%s", dmi.Describe())

	hart, err := riscv.NewHart(dmi, 0)
	if err != nil {
		return nil, err
	}
	if err := hart.Attach(); err != nil {
		return nil, err
	}
	log.Printf("  %s", hart.Describe())
	return hart, nil
}

func dump(addr uint64, buf []byte) {
	for off := 0; off < len(buf); off += 16 {
		end := off + 16
		if end > len(buf) {
			end = len(buf)
		}
		fmt.Printf("%08x ", addr+uint64(off))
		for _, b := range buf[off:end] {
			fmt.Printf(" %02x", b)
		}
		fmt.Println()
	}
}
