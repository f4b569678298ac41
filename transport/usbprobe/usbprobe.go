// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usbprobe drives a USB bit-banging debug probe over libusb bulk
// endpoints, exposing it as a link.SWD and link.JTAG implementation. The
// probe firmware executes raw sequence commands; all protocol framing
// stays on the host side in the adiv5/riscv engines.
package usbprobe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// Probe command opcodes, one per link primitive.
const (
	cmdSWDSeqOut       = 0x01
	cmdSWDSeqIn        = 0x02
	cmdSWDSeqOutParity = 0x03
	cmdSWDSeqInParity  = 0x04

	cmdJTAGShiftIR = 0x10
	cmdJTAGShiftDR = 0x11
	cmdJTAGTMSSeq  = 0x12
)

const ioTimeout = 10 * time.Second

// Probe is one opened USB debug probe.
type Probe struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface
	done func()

	out *gousb.OutEndpoint
	in  *gousb.InEndpoint

	idleCycles uint8
}

// Open claims the first probe matching vid:pid and its bulk endpoint
// pair.
func Open(vid, pid gousb.ID) (*Probe, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("usbprobe: open %s:%s: %w", vid, pid, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("usbprobe: no device %s:%s", vid, pid)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbprobe: claim interface: %w", err)
	}

	p := &Probe{ctx: ctx, dev: dev, intf: intf, done: done}

	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut && p.out == nil {
			p.out, err = intf.OutEndpoint(ep.Number)
		}
		if ep.Direction == gousb.EndpointDirectionIn && p.in == nil {
			p.in, err = intf.InEndpoint(ep.Number)
		}
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("usbprobe: endpoint %d: %w", ep.Number, err)
		}
	}
	if p.out == nil || p.in == nil {
		p.Close()
		return nil, errors.New("usbprobe: no bulk endpoint pair")
	}

	return p, nil
}

// Close releases the interface and the libusb context.
func (p *Probe) Close() {
	if p.done != nil {
		p.done()
	}
	if p.dev != nil {
		p.dev.Close()
	}
	if p.ctx != nil {
		p.ctx.Close()
	}
}

// xfer sends one command frame and reads back n response bytes.
func (p *Probe) xfer(cmd []byte, n int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()

	if _, err := p.out.WriteContext(ctx, cmd); err != nil {
		return nil, fmt.Errorf("usbprobe: write: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	buf := make([]byte, n)
	got, err := p.in.ReadContext(ctx, buf)
	if err != nil {
		return nil, fmt.Errorf("usbprobe: read: %w", err)
	}
	if got < n {
		return nil, fmt.Errorf("usbprobe: short read: %d of %d", got, n)
	}
	return buf, nil
}

func le64(v uint64) []byte {
	out := make([]byte, 8)
	for i := range out {
		out[i] = byte(v >> (8 * i))
	}
	return out
}

// SeqOut clocks the low n bits of data out, LSB first.
func (p *Probe) SeqOut(data uint64, n int) error {
	cmd := append([]byte{cmdSWDSeqOut, byte(n)}, le64(data)...)
	_, err := p.xfer(cmd, 0)
	return err
}

// SeqIn clocks n bits in, LSB first.
func (p *Probe) SeqIn(n int) (uint64, error) {
	resp, err := p.xfer([]byte{cmdSWDSeqIn, byte(n)}, 8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i, b := range resp {
		v |= uint64(b) << (8 * i)
	}
	return v, nil
}

// SeqOutParity clocks a 32-bit word followed by its odd-parity bit.
func (p *Probe) SeqOutParity(data uint32) error {
	cmd := append([]byte{cmdSWDSeqOutParity}, le64(uint64(data))[:4]...)
	_, err := p.xfer(cmd, 0)
	return err
}

// SeqInParity clocks a 32-bit word plus parity in; the probe reports the
// parity check result in the fifth byte.
func (p *Probe) SeqInParity() (uint32, bool, error) {
	resp, err := p.xfer([]byte{cmdSWDSeqInParity}, 5)
	if err != nil {
		return 0, false, err
	}
	v := uint32(resp[0]) | uint32(resp[1])<<8 | uint32(resp[2])<<16 | uint32(resp[3])<<24
	return v, resp[4] == 0, nil
}

// ShiftIR shifts ir into the instruction register of TAP idx.
func (p *Probe) ShiftIR(idx int, ir uint32) error {
	cmd := append([]byte{cmdJTAGShiftIR, byte(idx)}, le64(uint64(ir))[:4]...)
	_, err := p.xfer(cmd, 0)
	return err
}

// ShiftDR performs a full-duplex DR shift through TAP idx, honoring the
// configured idle cycles.
func (p *Probe) ShiftDR(idx int, in []byte, bits int) ([]byte, error) {
	cmd := append([]byte{cmdJTAGShiftDR, byte(idx), byte(bits), byte(bits >> 8), p.idleCycles}, in...)
	return p.xfer(cmd, (bits+7)/8)
}

// TMSSeq clocks count TMS transitions, LSB first from bits.
func (p *Probe) TMSSeq(bits uint64, count int) error {
	cmd := append([]byte{cmdJTAGTMSSeq, byte(count)}, le64(bits)...)
	_, err := p.xfer(cmd, 0)
	return err
}

func (p *Probe) IdleCycles() uint8 {
	return p.idleCycles
}

func (p *Probe) SetIdleCycles(n uint8) {
	p.idleCycles = n
}
