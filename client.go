// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

import (
	"github.com/pkg/errors"
)

// PacketTransport exchanges CMSIS-DAP packets with a probe.
type PacketTransport interface {
	// Exchange sends one request packet and returns the response packet.
	Exchange(request []byte) ([]byte, error)
	PacketSize() int
	Close() error
}

// LocalTransport runs requests on an in-process Processor.
type LocalTransport struct {
	processor *Processor
	response  []byte
}

func NewLocalTransport(p *Processor) *LocalTransport {
	return &LocalTransport{
		processor: p,
		response:  make([]byte, p.Config().PacketSize),
	}
}

func (t *LocalTransport) Exchange(request []byte) ([]byte, error) {
	if len(request) == 0 {
		return nil, errors.New("empty request")
	}

	if CommandId(request[0]) == CmdTransferAbort {
		t.processor.Abort()
		return nil, nil
	}

	_, n := UnpackLengths(t.processor.ProcessCommand(request, t.response))

	return append([]byte(nil), t.response[:n]...), nil
}

func (t *LocalTransport) PacketSize() int {
	return t.processor.Config().PacketSize
}

func (t *LocalTransport) Close() error {
	return nil
}

// TransferRequest is one register access of a DAP_Transfer batch.
type TransferRequest struct {
	Request uint8
	Value   uint32
}

func ReadDPRequest(adr uint32) TransferRequest {
	return TransferRequest{Request: swdRequest(false, true, adr)}
}

func WriteDPRequest(adr uint32, val uint32) TransferRequest {
	return TransferRequest{Request: swdRequest(false, false, adr), Value: val}
}

func ReadAPRequest(adr uint32) TransferRequest {
	return TransferRequest{Request: swdRequest(true, true, adr)}
}

func WriteAPRequest(adr uint32, val uint32) TransferRequest {
	return TransferRequest{Request: swdRequest(true, false, adr), Value: val}
}

// Client is the host side of the CMSIS-DAP protocol.
type Client struct {
	transport PacketTransport
}

func NewClient(transport PacketTransport) *Client {
	return &Client{transport: transport}
}

func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) command(cmd CommandId, payload []byte, minResponse int) ([]byte, error) {
	buf := NewBuffer(1 + len(payload))
	buf.WriteCommand(cmd)
	buf.Write(payload)

	if buf.Len() > c.transport.PacketSize() {
		return nil, errors.Errorf("%s request of %d bytes exceeds packet size %d", cmd, buf.Len(), c.transport.PacketSize())
	}

	resp, err := c.transport.Exchange(buf.Bytes())
	if err != nil {
		return nil, errors.Wrapf(err, "%s", cmd)
	}

	if len(resp) < 1+minResponse {
		return nil, errors.Errorf("%s response too short (%d bytes)", cmd, len(resp))
	}

	if CommandId(resp[0]) != cmd {
		return nil, errors.Errorf("%s answered with command 0x%02x", cmd, resp[0])
	}

	return resp[1:], nil
}

func (c *Client) status(cmd CommandId, payload []byte) error {
	resp, err := c.command(cmd, payload, 1)
	if err != nil {
		return err
	}

	if resp[0] != DapOk {
		return errors.Errorf("%s failed with status 0x%02x", cmd, resp[0])
	}

	return nil
}

// Info returns the raw DAP_Info answer for id.
func (c *Client) Info(id InfoId) ([]byte, error) {
	resp, err := c.command(CmdInfo, []byte{byte(id)}, 1)
	if err != nil {
		return nil, err
	}

	n := int(resp[0])
	if len(resp) < 1+n {
		return nil, errors.Errorf("DAP_Info 0x%02x truncated", uint8(id))
	}

	return resp[1 : 1+n], nil
}

// InfoString returns a string answer of DAP_Info without the terminator.
func (c *Client) InfoString(id InfoId) (string, error) {
	data, err := c.Info(id)
	if err != nil {
		return "", err
	}

	for i, b := range data {
		if b == 0 {
			return string(data[:i]), nil
		}
	}

	return string(data), nil
}

func (c *Client) Capabilities() (swd bool, jtag bool, err error) {
	data, err := c.Info(InfoCapabilities)
	if err != nil {
		return false, false, err
	}

	if len(data) < 1 {
		return false, false, errors.New("empty capabilities")
	}

	return data[0]&(1<<capabilitySwd) != 0, data[0]&(1<<capabilityJtag) != 0, nil
}

func (c *Client) PacketSize() (int, error) {
	data, err := c.Info(InfoPacketSize)
	if err != nil {
		return 0, err
	}

	if len(data) < 2 {
		return 0, errors.New("short packet size answer")
	}

	return int(le_to_h_u16(data)), nil
}

func (c *Client) PacketCount() (int, error) {
	data, err := c.Info(InfoPacketCount)
	if err != nil {
		return 0, err
	}

	if len(data) < 1 {
		return 0, errors.New("short packet count answer")
	}

	return int(data[0]), nil
}

// VendorId returns the answer of vendor command 0.
func (c *Client) VendorId() (string, error) {
	resp, err := c.command(CmdVendor0, nil, 1)
	if err != nil {
		return "", err
	}

	n := int(resp[0])
	if len(resp) < 1+n {
		return "", errors.New("vendor id truncated")
	}

	return string(resp[1 : 1+n]), nil
}

func (c *Client) HostStatus(kind uint8, on bool) error {
	var v byte
	if on {
		v = 1
	}

	return c.status(CmdHostStatus, []byte{kind, v})
}

// Connect selects port and returns the port the probe switched to.
func (c *Client) Connect(port Port) (Port, error) {
	resp, err := c.command(CmdConnect, []byte{byte(port)}, 1)
	if err != nil {
		return PortDisabled, err
	}

	if Port(resp[0]) == PortDisabled {
		return PortDisabled, errors.Wrapf(ErrPortInUse, "connect %s", port)
	}

	return Port(resp[0]), nil
}

func (c *Client) Disconnect() error {
	return c.status(CmdDisconnect, nil)
}

func (c *Client) ResetTarget() (bool, error) {
	resp, err := c.command(CmdResetTarget, nil, 2)
	if err != nil {
		return false, err
	}

	return resp[1] != 0, nil
}

func (c *Client) SwjClock(hz uint32) error {
	payload := make([]byte, 4)
	uint32ToLittleEndian(payload, hz)

	return c.status(CmdSwjClock, payload)
}

// SwjSequence clocks bits (1..256) of data out on SWDIO/TMS.
func (c *Client) SwjSequence(bits int, data []byte) error {
	if bits < 1 || bits > 256 {
		return errors.Errorf("sequence length %d out of range", bits)
	}

	payload := make([]byte, 1+bitsToBytes(bits))
	payload[0] = byte(bits)
	copy(payload[1:], data)

	return c.status(CmdSwjSequence, payload)
}

func (c *Client) SwjPins(value uint8, mask uint8, waitUs uint32) (uint8, error) {
	payload := []byte{value, mask, 0, 0, 0, 0}
	uint32ToLittleEndian(payload[2:], waitUs)

	resp, err := c.command(CmdSwjPins, payload, 1)
	if err != nil {
		return 0, err
	}

	return resp[0], nil
}

func (c *Client) SwdConfigure(turnaround uint8, dataPhase bool) error {
	v := (turnaround - 1) & 0x03
	if dataPhase {
		v |= 0x04
	}

	return c.status(CmdSwdConfigure, []byte{v})
}

func (c *Client) TransferConfigure(idle uint8, retry uint16, matchRetry uint16) error {
	payload := []byte{idle, 0, 0, 0, 0}
	uint16ToLittleEndian(payload[1:], retry)
	uint16ToLittleEndian(payload[3:], matchRetry)

	return c.status(CmdTransferConfigure, payload)
}

// Transfer runs a batch of register accesses and returns the values of the
// reads in request order.
func (c *Client) Transfer(requests []TransferRequest) ([]uint32, error) {
	if len(requests) > 255 {
		return nil, errors.Errorf("%d transfer requests exceed 255", len(requests))
	}

	buf := NewBuffer(2 + 5*len(requests))
	buf.WriteByte(0)
	buf.WriteByte(byte(len(requests)))

	for _, r := range requests {
		buf.WriteByte(r.Request)

		if hasPayload(r.Request) {
			buf.WriteUint32LE(r.Value)
		}
	}

	resp, err := c.command(CmdTransfer, buf.Bytes(), 2)
	if err != nil {
		return nil, err
	}

	count, ack := int(resp[0]), Ack(resp[1])
	data := resp[2:]

	values := make([]uint32, 0, len(requests))
	for len(data) >= 4 {
		values = append(values, le_to_h_u32(data))
		data = data[4:]
	}

	if count != len(requests) || ack != AckOk {
		failed := uint8(0)
		if count < len(requests) {
			failed = requests[count].Request
		}

		return values, newTransferError(failed, ack)
	}

	return values, nil
}

// ReadBlock reads n words from one register with DAP_TransferBlock.
func (c *Client) ReadBlock(request uint8, n int) ([]uint32, error) {
	payload := []byte{0, 0, 0, request | TransferRnW}
	uint16ToLittleEndian(payload[1:], uint16(n))

	resp, err := c.command(CmdTransferBlock, payload, 3)
	if err != nil {
		return nil, err
	}

	count, ack := int(le_to_h_u16(resp)), Ack(resp[2])
	data := resp[3:]

	values := make([]uint32, 0, count)
	for i := 0; i < count && len(data) >= 4; i++ {
		values = append(values, le_to_h_u32(data))
		data = data[4:]
	}

	if count != n || ack != AckOk {
		return values, newTransferError(request, ack)
	}

	return values, nil
}

// WriteBlock writes values to one register with DAP_TransferBlock.
func (c *Client) WriteBlock(request uint8, values []uint32) error {
	buf := NewBuffer(4 + 4*len(values))
	buf.WriteByte(0)
	buf.WriteUint16LE(uint16(len(values)))
	buf.WriteByte(request &^ TransferRnW)

	for _, v := range values {
		buf.WriteUint32LE(v)
	}

	resp, err := c.command(CmdTransferBlock, buf.Bytes(), 3)
	if err != nil {
		return err
	}

	count, ack := int(le_to_h_u16(resp)), Ack(resp[2])

	if count != len(values) || ack != AckOk {
		return newTransferError(request, ack)
	}

	return nil
}

func (c *Client) WriteAbort(value uint32) error {
	payload := []byte{0, 0, 0, 0, 0}
	uint32ToLittleEndian(payload[1:], value)

	return c.status(CmdWriteAbort, payload)
}

// ReadIdCode connects SWD, switches the target from JTAG to SWD and reads
// the DP IDCODE.
func (c *Client) ReadIdCode() (uint32, error) {
	if _, err := c.Connect(PortSwd); err != nil {
		return 0, err
	}

	ones := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

	sequences := []struct {
		bits int
		data []byte
	}{
		{51, ones},
		{16, []byte{0x9e, 0xe7}},
		{51, ones},
		{8, []byte{0x00}},
	}

	for _, s := range sequences {
		if err := c.SwjSequence(s.bits, s.data); err != nil {
			return 0, err
		}
	}

	values, err := c.Transfer([]TransferRequest{ReadDPRequest(DpIdCode)})
	if err != nil {
		return 0, errors.Wrap(err, "reading IDCODE")
	}

	return values[0], nil
}
