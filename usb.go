// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

import (
	"fmt"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

const (
	DapLinkVid = 0x0d28
	DapLinkPid = 0x0204

	AllVids = 0xFFFF
	AllPids = 0xFFFF
)

var dapSupportedVids = []gousb.ID{DapLinkVid}
var dapSupportedPids = []gousb.ID{DapLinkPid}

var usbCtx *gousb.Context = nil

func InitializeUSB() error {
	if usbCtx != nil {
		logger.Warn("USB already initialized")
		return nil
	}

	usbCtx = gousb.NewContext()
	if usbCtx == nil {
		return errors.New("could not initialize libusb")
	}

	logger.Debug("initialized libusb")

	return nil
}

func CloseUSB() {
	if usbCtx == nil {
		logger.Warn("could not close uninitialized usb context")
		return
	}

	usbCtx.Close()
	usbCtx = nil
}

func usbFindDevices(vids []gousb.ID, pids []gousb.ID) ([]*gousb.Device, error) {
	if usbCtx == nil {
		return nil, errors.New("USB not initialized")
	}

	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if idExists(vids, desc.Vendor) && idExists(pids, desc.Product) {
			logger.Infof("found USB device [%04x:%04x] on bus %03d:%03d",
				uint16(desc.Vendor), uint16(desc.Product), desc.Bus, desc.Address)

			return true
		}

		return false
	})

	if err != nil {
		for _, d := range devices {
			d.Close()
		}

		return nil, errors.Wrap(err, "usb device scan")
	}

	logger.Debugf("found %d matching devices based on vendor and product id list", len(devices))

	return devices, nil
}

func usbWrite(endpoint *gousb.OutEndpoint, buffer []byte) (int, error) {
	n, err := endpoint.Write(buffer)
	if err != nil {
		return -1, err
	}

	logger.Tracef("wrote %d bytes to endpoint", n)

	return n, nil
}

func usbRead(endpoint *gousb.InEndpoint, buffer []byte) (int, error) {
	n, err := endpoint.Read(buffer)
	if err != nil {
		return -1, err
	}

	logger.Tracef("read %d bytes from in endpoint", n)

	return n, nil
}

// ProbeConfigUsb selects the probe to open. AllVids/AllPids match every
// supported id, an empty serial accepts a single matching probe.
type ProbeConfigUsb struct {
	Vid    gousb.ID
	Pid    gousb.ID
	Serial string
}

func NewProbeConfigUsb(vid gousb.ID, pid gousb.ID, serial string) *ProbeConfigUsb {
	return &ProbeConfigUsb{
		Vid:    vid,
		Pid:    pid,
		Serial: serial,
	}
}

func (c *ProbeConfigUsb) ids() ([]gousb.ID, []gousb.ID) {
	vids := dapSupportedVids
	pids := dapSupportedPids

	if c.Vid != AllVids {
		vids = []gousb.ID{c.Vid}
	}

	if c.Pid != AllPids {
		pids = []gousb.ID{c.Pid}
	}

	return vids, pids
}

// ProbeInfo describes a probe found on the bus.
type ProbeInfo struct {
	Vid          gousb.ID
	Pid          gousb.ID
	Bus          int
	Address      int
	Manufacturer string
	Product      string
	SerialNumber string
}

func (i ProbeInfo) String() string {
	return fmt.Sprintf("[%04x:%04x] %s %s (serial %s, bus %03d:%03d)",
		uint16(i.Vid), uint16(i.Pid), i.Manufacturer, i.Product, i.SerialNumber, i.Bus, i.Address)
}

// ListProbes returns the probes matching config without keeping them open.
func ListProbes(config *ProbeConfigUsb) ([]ProbeInfo, error) {
	devices, err := usbFindDevices(config.ids())
	if err != nil {
		return nil, err
	}

	infos := make([]ProbeInfo, 0, len(devices))

	for _, dev := range devices {
		info := ProbeInfo{
			Vid:     dev.Desc.Vendor,
			Pid:     dev.Desc.Product,
			Bus:     dev.Desc.Bus,
			Address: dev.Desc.Address,
		}

		info.Manufacturer, _ = dev.Manufacturer()
		info.Product, _ = dev.Product()
		info.SerialNumber, _ = dev.SerialNumber()

		infos = append(infos, info)
		dev.Close()
	}

	return infos, nil
}

// Probe is a CMSIS-DAP probe on USB. Version 2 probes are reached through
// their vendor bulk interface, version 1 probes through HID interrupt
// endpoints.
type Probe struct {
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface

	epIn  *gousb.InEndpoint
	epOut *gousb.OutEndpoint

	packetSize int
	response   []byte
}

// OpenProbe opens the probe selected by config.
func OpenProbe(config *ProbeConfigUsb) (*Probe, error) {
	devices, err := usbFindDevices(config.ids())
	if err != nil {
		return nil, err
	}

	var device *gousb.Device

	for _, dev := range devices {
		if device != nil {
			dev.Close()
			continue
		}

		serial, _ := dev.SerialNumber()
		logger.Debugf("compare serial no %s with %s", serial, config.Serial)

		if config.Serial == "" || serial == config.Serial {
			device = dev
			continue
		}

		dev.Close()
	}

	if device == nil {
		return nil, errors.New("could not find CMSIS-DAP probe by given parameters")
	}

	if config.Serial == "" && len(devices) > 1 {
		logger.Warnf("%d probes found, using the first one", len(devices))
	}

	if err := device.SetAutoDetach(true); err != nil {
		logger.Debugf("auto detach not supported: %v", err)
	}

	p := &Probe{device: device}

	if err := p.claim(); err != nil {
		p.Close()
		return nil, err
	}

	p.response = make([]byte, p.packetSize)

	return p, nil
}

func findEndpoints(setting gousb.InterfaceSetting, kind gousb.TransferType) (in int, out int, size int) {
	for _, ep := range setting.Endpoints {
		if ep.TransferType != kind {
			continue
		}

		if ep.Direction == gousb.EndpointDirectionIn && in == 0 {
			in = ep.Number
			size = ep.MaxPacketSize
		}

		if ep.Direction == gousb.EndpointDirectionOut && out == 0 {
			out = ep.Number
		}
	}

	return in, out, size
}

func (p *Probe) claim() error {
	var err error

	p.config, err = p.device.Config(1)
	if err != nil {
		return errors.Wrap(err, "could not request configuration #1")
	}

	for _, kind := range []struct {
		class    gousb.Class
		transfer gousb.TransferType
	}{
		{gousb.ClassVendorSpec, gousb.TransferTypeBulk},
		{gousb.ClassHID, gousb.TransferTypeInterrupt},
	} {
		for _, desc := range p.config.Desc.Interfaces {
			if len(desc.AltSettings) == 0 || desc.AltSettings[0].Class != kind.class {
				continue
			}

			in, out, size := findEndpoints(desc.AltSettings[0], kind.transfer)
			if in == 0 || out == 0 {
				continue
			}

			if p.intf, err = p.config.Interface(desc.Number, 0); err != nil {
				return errors.Wrapf(err, "could not claim interface %d", desc.Number)
			}

			if p.epIn, err = p.intf.InEndpoint(in); err != nil {
				return errors.Wrap(err, "could not open IN endpoint")
			}

			if p.epOut, err = p.intf.OutEndpoint(out); err != nil {
				return errors.Wrap(err, "could not open OUT endpoint")
			}

			p.packetSize = size
			if p.packetSize < minPacketSize {
				p.packetSize = minPacketSize
			}

			logger.Debugf("using interface %d (%s), packet size %d", desc.Number, kind.class, p.packetSize)

			return nil
		}
	}

	return errors.New("no CMSIS-DAP interface found")
}

// SetPacketSize adopts the packet size reported by DAP_Info.
func (p *Probe) SetPacketSize(size int) {
	if size < minPacketSize || size > maxPacketSize {
		return
	}

	p.packetSize = size
	p.response = make([]byte, size)
}

func (p *Probe) PacketSize() int {
	return p.packetSize
}

func (p *Probe) Exchange(request []byte) ([]byte, error) {
	packet := make([]byte, p.packetSize)
	copy(packet, request)

	if _, err := usbWrite(p.epOut, packet); err != nil {
		return nil, errors.Wrap(err, "usb write")
	}

	if len(request) > 0 && CommandId(request[0]) == CmdTransferAbort {
		return nil, nil
	}

	n, err := usbRead(p.epIn, p.response)
	if err != nil {
		return nil, errors.Wrap(err, "usb read")
	}

	return append([]byte(nil), p.response[:n]...), nil
}

func (p *Probe) Close() error {
	if p.intf != nil {
		p.intf.Close()
		p.intf = nil
	}

	if p.config != nil {
		p.config.Close()
		p.config = nil
	}

	if p.device != nil {
		logger.Debugf("close probe [%04x:%04x]", uint16(p.device.Desc.Vendor), uint16(p.device.Desc.Product))

		p.device.Close()
		p.device = nil
	}

	return nil
}
