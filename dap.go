// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// command layouts follow the CMSIS-DAP documentation
// for detailed information see

// https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html

package godaplink

import (
	"sync/atomic"
	"time"

	"github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
)

// ProbeConfig describes the probe as reported by DAP_Info.
type ProbeConfig struct {
	Vendor          string
	Product         string
	SerialNumber    string
	FirmwareVersion string
	DeviceVendor    string
	DeviceName      string

	// returned by vendor command 0
	UniqueId string

	PacketSize  int
	PacketCount int

	Swd         bool
	Jtag        bool
	DefaultPort Port

	SwjClockHz   uint32
	ResetVariant ResetVariant
}

// DefaultProbeConfig returns the configuration of a SWD-only probe with
// 64 byte packets.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Vendor:          "ARM",
		Product:         "CMSIS-DAP",
		SerialNumber:    "0000000000000000",
		FirmwareVersion: firmwareVersion,
		PacketSize:      defaultPacketSize,
		PacketCount:     defaultPacketCount,
		Swd:             true,
		DefaultPort:     PortSwd,
		SwjClockHz:      defaultSwjClockHz,
		ResetVariant:    ResetHardware,
	}
}

func (c *ProbeConfig) validate() error {
	if c.PacketSize < minPacketSize || c.PacketSize > maxPacketSize {
		return errors.Errorf("packet size %d out of range %d..%d", c.PacketSize, minPacketSize, maxPacketSize)
	}

	if c.PacketCount < 1 || c.PacketCount > 255 {
		return errors.Errorf("packet count %d out of range 1..255", c.PacketCount)
	}

	if !c.Swd && !c.Jtag {
		return errors.New("probe needs SWD or JTAG")
	}

	return nil
}

// VendorHandler answers vendor commands 1..31. It returns the packed
// request and response lengths like Processor.ProcessCommand.
type VendorHandler func(request []byte, response []byte) uint32

// Processor executes CMSIS-DAP commands on a wire. It is used by one task,
// only Abort may be called concurrently.
type Processor struct {
	config ProbeConfig
	caps   bitmap.Bitmap

	wire  Wire
	jtag  JtagWire
	state *DebugPortState

	lock *Lock
	tid  TaskId

	abort int32

	status      StatusIndicator
	vendor      VendorHandler
	resetTarget func() bool
}

// NewProcessor creates a processor for wire. JTAG is only offered if
// enabled in config and implemented by wire.
func NewProcessor(wire Wire, lock *Lock, config ProbeConfig) (*Processor, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	if lock == nil {
		lock = NewLock()
	}

	p := &Processor{
		config: config,
		caps:   bitmap.New(8),
		wire:   wire,
		state:  NewDebugPortState(),
		lock:   lock,
		tid:    TaskUsb,
		status: noStatus{},
	}

	if jtag, ok := wire.(JtagWire); ok {
		p.jtag = jtag
	} else if config.Jtag {
		logger.Warn("wire has no JTAG engine, JTAG disabled")
		p.config.Jtag = false
	}

	p.caps.Set(capabilitySwd, p.config.Swd)
	p.caps.Set(capabilityJtag, p.config.Jtag)

	p.Setup()

	return p, nil
}

// Setup restores the transfer defaults.
func (p *Processor) Setup() {
	p.state.reset()
	p.wire.SetClock(p.config.SwjClockHz)
	p.wire.Configure(p.state.wireConfig())
}

func (p *Processor) Config() ProbeConfig {
	return p.config
}

func (p *Processor) State() *DebugPortState {
	return p.state
}

func (p *Processor) Lock() *Lock {
	return p.lock
}

func (p *Processor) SetStatusIndicator(s StatusIndicator) {
	p.status = s
}

func (p *Processor) SetVendorHandler(h VendorHandler) {
	p.vendor = h
}

// SetResetHandler installs the board specific target reset used by
// DAP_ResetTarget.
func (p *Processor) SetResetHandler(fn func() bool) {
	p.resetTarget = fn
}

// Abort stops the transfer in progress, safe to call from any goroutine.
func (p *Processor) Abort() {
	atomic.StoreInt32(&p.abort, 1)
}

func (p *Processor) aborted() bool {
	return atomic.LoadInt32(&p.abort) != 0
}

func (p *Processor) clearAbort() {
	atomic.StoreInt32(&p.abort, 0)
}

func (p *Processor) hasSwd() bool {
	return p.caps.Get(capabilitySwd)
}

func (p *Processor) hasJtag() bool {
	return p.caps.Get(capabilityJtag)
}

func (p *Processor) connected() bool {
	return p.lock.VerifyOperation(p.tid, OperationHidDebug)
}

// requestReader walks a request. Reads past the end yield zeros but still
// advance, so byte accounting matches the declared layout.
type requestReader struct {
	buf []byte
	pos int
}

func (r *requestReader) u8() uint8 {
	var v uint8

	if r.pos < len(r.buf) {
		v = r.buf[r.pos]
	}

	r.pos++

	return v
}

func (r *requestReader) u16() uint16 {
	return uint16(r.u8()) | uint16(r.u8())<<8
}

func (r *requestReader) u32() uint32 {
	return uint32(r.u16()) | uint32(r.u16())<<16
}

func (r *requestReader) bytes(n int) []byte {
	out := make([]byte, n)

	if r.pos < len(r.buf) {
		copy(out, r.buf[r.pos:])
	}

	r.pos += n

	return out
}

func (r *requestReader) skip(n int) {
	r.pos += n
}

func (r *requestReader) rest() []byte {
	if r.pos >= len(r.buf) {
		return nil
	}

	return r.buf[r.pos:]
}

func packLengths(request int, response int) uint32 {
	return uint32(request)<<16 | uint32(response)&0xffff
}

// UnpackLengths splits the result of ProcessCommand.
func UnpackLengths(n uint32) (request int, response int) {
	return int(n >> 16), int(n & 0xffff)
}

// ProcessCommand executes the command at the start of request and writes
// the answer to response. The result holds the request bytes consumed in
// the upper and the response bytes written in the lower 16 bits.
func (p *Processor) ProcessCommand(request []byte, response []byte) uint32 {
	if len(request) == 0 {
		return 0
	}

	cmd := CommandId(request[0])

	if cmd.IsVendor() {
		return p.processVendorCommand(request, response)
	}

	r := &requestReader{buf: request, pos: 1}
	resp := NewBuffer(len(response))
	resp.WriteCommand(cmd)

	logger.Tracef("processing %s", cmd)

	switch cmd {
	case CmdInfo:
		p.dapInfo(r, resp)
	case CmdHostStatus:
		p.dapHostStatus(r, resp)
	case CmdConnect:
		p.dapConnect(r, resp)
	case CmdDisconnect:
		p.dapDisconnect(resp)
	case CmdDelay:
		p.dapDelay(r, resp)
	case CmdResetTarget:
		p.dapResetTarget(resp)

	case CmdSwjPins:
		p.dapSwjPins(r, resp)
	case CmdSwjClock:
		p.dapSwjClock(r, resp)
	case CmdSwjSequence:
		p.dapSwjSequence(r, resp)

	case CmdSwdConfigure:
		p.dapSwdConfigure(r, resp)

	case CmdJtagSequence:
		p.dapJtagSequence(r, resp)
	case CmdJtagConfigure:
		p.dapJtagConfigure(r, resp)
	case CmdJtagIdCode:
		p.dapJtagIdCode(r, resp)

	case CmdSwoTransport, CmdSwoMode, CmdSwoBaudrate, CmdSwoControl, CmdSwoStatus, CmdSwoData:
		p.dapSwo(cmd, r, resp)

	case CmdTransferConfigure:
		p.dapTransferConfigure(r, resp)
	case CmdTransfer:
		p.dapTransfer(r, resp)
	case CmdTransferBlock:
		p.dapTransferBlock(r, resp)
	case CmdWriteAbort:
		p.dapWriteAbort(r, resp)

	case CmdExecuteCommands:
		p.dapExecuteCommands(r, resp)

	default:
		logger.Debugf("unknown command 0x%02x", uint8(cmd))

		if len(response) > 0 {
			response[0] = byte(CmdInvalid)
		}

		return packLengths(1, 1)
	}

	n := copy(response, resp.Bytes())
	if n < resp.Len() {
		logger.Warnf("%s response truncated from %d to %d bytes", cmd, resp.Len(), n)
	}

	return packLengths(r.pos, n)
}

func (p *Processor) processVendorCommand(request []byte, response []byte) uint32 {
	cmd := CommandId(request[0])

	if cmd == CmdVendor0 {
		id := []byte(p.config.UniqueId)
		if len(id) > 0xff {
			id = id[:0xff]
		}

		resp := NewBuffer(2 + len(id))
		resp.WriteCommand(cmd)
		resp.WriteByte(uint8(len(id)))
		resp.Write(id)

		return packLengths(1, copy(response, resp.Bytes()))
	}

	if p.vendor != nil {
		return p.vendor(request, response)
	}

	if len(response) > 0 {
		response[0] = byte(CmdInvalid)
	}

	return packLengths(1, 1)
}

func (p *Processor) info(id InfoId) []byte {
	str := func(s string) []byte {
		if s == "" {
			return nil
		}

		// strings are sent with their terminating zero
		return append([]byte(s), 0)
	}

	switch id {
	case InfoVendor:
		return str(p.config.Vendor)
	case InfoProduct:
		return str(p.config.Product)
	case InfoSerialNumber:
		return str(p.config.SerialNumber)
	case InfoFwVersion:
		return str(p.config.FirmwareVersion)
	case InfoDeviceVendor:
		return str(p.config.DeviceVendor)
	case InfoDeviceName:
		return str(p.config.DeviceName)
	case InfoCapabilities:
		return []byte{p.caps.Data(false)[0]}
	case InfoPacketSize:
		return []byte{byte(p.config.PacketSize), byte(p.config.PacketSize >> 8)}
	case InfoPacketCount:
		return []byte{byte(p.config.PacketCount)}
	default:
		return nil
	}
}

func (p *Processor) dapInfo(r *requestReader, resp *Buffer) {
	data := p.info(InfoId(r.u8()))

	resp.WriteByte(uint8(len(data)))
	resp.Write(data)
}

func (p *Processor) dapHostStatus(r *requestReader, resp *Buffer) {
	kind := r.u8()
	on := r.u8()&1 != 0

	switch kind {
	case hostStatusConnected:
		p.status.SetConnected(on)
	case hostStatusRunning:
		p.status.SetRunning(on)
	default:
		resp.WriteByte(DapError)
		return
	}

	resp.WriteByte(DapOk)
}

func (p *Processor) dapConnect(r *requestReader, resp *Buffer) {
	port := Port(r.u8())

	if port == PortAutoDetect {
		port = p.config.DefaultPort
	}

	supported := (port == PortSwd && p.hasSwd()) || (port == PortJtag && p.hasJtag())

	if !supported {
		resp.WriteByte(byte(PortDisabled))
		return
	}

	if !p.lock.LockOperation(p.tid, OperationHidDebug) {
		logger.Warnf("connect refused, debug port in use")
		resp.WriteByte(byte(PortDisabled))
		return
	}

	p.state.Port = port
	p.state.invalidateCache()
	p.wire.Connect(port)
	p.wire.Configure(p.state.wireConfig())

	logger.Infof("connected %s port", port)

	resp.WriteByte(byte(port))
}

func (p *Processor) dapDisconnect(resp *Buffer) {
	if p.state.Port != PortDisabled {
		p.wire.Disconnect()
		logger.Infof("disconnected %s port", p.state.Port)
	}

	p.state.Port = PortDisabled
	p.lock.UnlockOperation(p.tid, OperationHidDebug)

	resp.WriteByte(DapOk)
}

func (p *Processor) dapDelay(r *requestReader, resp *Buffer) {
	p.wire.Delay(uint32(r.u16()))

	resp.WriteByte(DapOk)
}

func (p *Processor) dapResetTarget(resp *Buffer) {
	executed := byte(0)

	if p.resetTarget != nil && p.resetTarget() {
		executed = 1
	}

	resp.WriteByte(DapOk)
	resp.WriteByte(executed)
}

func (p *Processor) dapSwjPins(r *requestReader, resp *Buffer) {
	value := r.u8()
	mask := r.u8()
	wait := r.u32()

	if !p.hasSwd() && !p.hasJtag() {
		resp.WriteByte(DapError)
		return
	}

	p.wire.SetPins(value, mask)

	if wait > 0 {
		if wait > swjPinsMaxWaitUs {
			wait = swjPinsMaxWaitUs
		}

		deadline := time.Now().Add(time.Duration(wait) * time.Microsecond)

		for (p.wire.Pins()^value)&mask != 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Microsecond)
		}
	}

	resp.WriteByte(p.wire.Pins())
}

func (p *Processor) dapSwjClock(r *requestReader, resp *Buffer) {
	clock := r.u32()

	if clock == 0 {
		resp.WriteByte(DapError)
		return
	}

	p.wire.SetClock(clock)

	resp.WriteByte(DapOk)
}

func (p *Processor) dapSwjSequence(r *requestReader, resp *Buffer) {
	count := int(r.u8())
	if count == 0 {
		count = 256
	}

	p.wire.SwjSequence(count, r.bytes(bitsToBytes(count)))

	resp.WriteByte(DapOk)
}

func (p *Processor) dapSwdConfigure(r *requestReader, resp *Buffer) {
	value := r.u8()

	if !p.hasSwd() {
		resp.WriteByte(DapError)
		return
	}

	p.state.Turnaround = (value & 0x03) + 1
	p.state.DataPhase = value&0x04 != 0
	p.wire.Configure(p.state.wireConfig())

	resp.WriteByte(DapOk)
}

// SWO capture is not supported, every SWO command is answered with an error.
func (p *Processor) dapSwo(cmd CommandId, r *requestReader, resp *Buffer) {
	switch cmd {
	case CmdSwoTransport, CmdSwoMode, CmdSwoControl:
		r.skip(1)
		resp.WriteByte(DapError)
	case CmdSwoBaudrate:
		r.skip(4)
		resp.WriteUint32LE(0)
	case CmdSwoStatus:
		resp.WriteByte(0)
		resp.WriteUint32LE(0)
	case CmdSwoData:
		r.skip(2)
		resp.WriteByte(0)
		resp.WriteUint16LE(0)
	}
}

func (p *Processor) dapTransferConfigure(r *requestReader, resp *Buffer) {
	p.state.IdleCycles = r.u8()
	p.state.RetryCount = r.u16()
	p.state.MatchRetry = r.u16()
	p.wire.Configure(p.state.wireConfig())

	resp.WriteByte(DapOk)
}

func (p *Processor) dapWriteAbort(r *requestReader, resp *Buffer) {
	index := int(r.u8())
	data := r.u32()

	if !p.connected() {
		resp.WriteByte(DapError)
		return
	}

	switch p.state.Port {
	case PortSwd:
		p.wire.SwdTransfer(swdRequest(false, false, DpAbort), &data)
	case PortJtag:
		if index >= p.state.Jtag.Count {
			resp.WriteByte(DapError)
			return
		}

		p.state.Jtag.Index = index
		dev := p.state.Jtag.position(index)
		p.jtag.JtagIR(dev, JtagAbort)
		p.jtag.JtagWriteAbort(dev, data)
	default:
		resp.WriteByte(DapError)
		return
	}

	resp.WriteByte(DapOk)
}

func (p *Processor) dapExecuteCommands(r *requestReader, resp *Buffer) {
	num := int(r.u8())
	resp.WriteByte(uint8(num))

	scratch := make([]byte, p.config.PacketSize)

	for i := 0; i < num; i++ {
		rest := r.rest()
		if len(rest) == 0 {
			break
		}

		reqLen, respLen := UnpackLengths(p.ProcessCommand(rest, scratch))

		r.skip(reqLen)
		resp.Write(scratch[:respLen])
	}
}
