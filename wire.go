// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

// WireConfig holds the phase parameters of SWD transfers.
type WireConfig struct {
	Turnaround uint8
	DataPhase  bool
	IdleCycles uint8
}

// Wire is the physical layer of the probe: the SWD bit engine, the SWJ pins,
// the target reset line and a microsecond delay. Implementations are not
// safe for concurrent use; every caller holds the probe lock.
type Wire interface {
	// Connect configures the pins for the given port, Disconnect releases them.
	Connect(port Port)
	Disconnect()

	// SwjSequence clocks count bits of data out on SWDIO/TMS, LSB first.
	SwjSequence(count int, data []byte)
	// SwdTransfer runs one SWD transaction. For reads the value is stored in
	// data, for writes data is sent.
	SwdTransfer(request uint8, data *uint32) Ack
	Configure(cfg WireConfig)

	SetClock(hz uint32)
	// SetPins drives the pins selected by mask, Pins samples all of them.
	SetPins(value uint8, mask uint8)
	Pins() uint8
	// SetReset drives nRESET, asserted pulls it low.
	SetReset(asserted bool)
	Delay(us uint32)
}

// JtagPosition addresses one device of a scan chain.
type JtagPosition struct {
	Index    int
	Count    int
	IrLength uint8
	IrBefore uint16
	IrAfter  uint16
}

// JtagWire is implemented by wires with a JTAG engine.
type JtagWire interface {
	Wire

	// JtagSequence clocks len(tdi)*8 or fewer bits as described by info,
	// capturing TDO into tdo when requested.
	JtagSequence(info uint8, tdi []byte, tdo []byte)
	JtagIR(dev JtagPosition, ir uint32)
	JtagTransfer(dev JtagPosition, request uint8, data *uint32) Ack
	JtagReadIdCode(dev JtagPosition) uint32
	JtagWriteAbort(dev JtagPosition, data uint32)
}

// StatusIndicator shows the host status, usually with LEDs.
type StatusIndicator interface {
	SetConnected(on bool)
	SetRunning(on bool)
}

type noStatus struct{}

func (noStatus) SetConnected(bool) {}
func (noStatus) SetRunning(bool)   {}
