// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

import (
	"bytes"
	"testing"
)

func exchange(p *Processor, request []byte) []byte {
	response := make([]byte, p.Config().PacketSize)
	_, n := UnpackLengths(p.ProcessCommand(request, response))

	return response[:n]
}

func jtagTransferCommand(index uint8, requests ...TransferRequest) []byte {
	buf := NewBuffer(2 + 5*len(requests))
	buf.WriteByte(byte(CmdTransfer))
	buf.WriteByte(index)
	buf.WriteByte(byte(len(requests)))

	for _, r := range requests {
		buf.WriteByte(r.Request)

		if hasPayload(r.Request) {
			buf.WriteUint32LE(r.Value)
		}
	}

	return buf.Bytes()
}

func newJtagProcessor(t *testing.T) (*SimTarget, *Processor) {
	t.Helper()

	sim, p, c := newSimProcessor(t, nil, func(cfg *ProbeConfig) {
		cfg.Jtag = true
	})

	if port, err := c.Connect(PortJtag); err != nil || port != PortJtag {
		t.Fatalf("Connect = %s, %v", port, err)
	}

	// three devices, the debug port in the middle
	if got := exchange(p, []byte{byte(CmdJtagConfigure), 3, 4, 5, 4}); !bytes.Equal(got, []byte{byte(CmdJtagConfigure), DapOk}) {
		t.Fatalf("JTAG_Configure response % x", got)
	}

	return sim, p
}

func TestJtagConfigure(t *testing.T) {
	_, p := newJtagProcessor(t)

	chain := p.state.Jtag

	if chain.Count != 3 {
		t.Fatalf("%d devices, want 3", chain.Count)
	}

	tests := []struct {
		index  int
		before uint16
		after  uint16
	}{
		{0, 0, 9},
		{1, 4, 4},
		{2, 9, 0},
	}

	for _, tt := range tests {
		if chain.IrBefore[tt.index] != tt.before || chain.IrAfter[tt.index] != tt.after {
			t.Errorf("device %d: IR bits before %d after %d, want %d and %d", tt.index,
				chain.IrBefore[tt.index], chain.IrAfter[tt.index], tt.before, tt.after)
		}
	}

	tooMany := append([]byte{byte(CmdJtagConfigure), jtagMaxDevices + 1}, make([]byte, jtagMaxDevices+1)...)
	if got := exchange(p, tooMany); !bytes.Equal(got, []byte{byte(CmdJtagConfigure), DapError}) {
		t.Errorf("oversized chain response % x", got)
	}
}

func TestJtagIdCode(t *testing.T) {
	_, p := newJtagProcessor(t)

	tests := []struct {
		name     string
		index    byte
		response []byte
	}{
		{"debug port", 1, []byte{byte(CmdJtagIdCode), DapOk, 0x77, 0x04, 0xa0, 0x4b}},
		{"outside the chain", 3, []byte{byte(CmdJtagIdCode), DapError}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exchange(p, []byte{byte(CmdJtagIdCode), tt.index}); !bytes.Equal(got, tt.response) {
				t.Errorf("response % x, want % x", got, tt.response)
			}
		})
	}
}

func TestJtagTransfer(t *testing.T) {
	sim, p := newJtagProcessor(t)

	write := jtagTransferCommand(1,
		WriteAPRequest(ApCsw, cswValue|cswSize32),
		WriteAPRequest(ApTar, testRamAddress),
		WriteAPRequest(ApDrw, 0x11111111),
		WriteAPRequest(ApDrw, 0x22222222),
		WriteAPRequest(ApDrw, 0x33333333),
	)

	if got := exchange(p, write); !bytes.Equal(got, []byte{byte(CmdTransfer), 5, byte(AckOk)}) {
		t.Fatalf("write response % x", got)
	}

	sim.ClearLog()

	read := jtagTransferCommand(1,
		WriteAPRequest(ApTar, testRamAddress),
		ReadAPRequest(ApDrw),
		ReadAPRequest(ApDrw),
		ReadAPRequest(ApDrw),
		ReadDPRequest(DpIdCode),
	)

	want := []byte{byte(CmdTransfer), 5, byte(AckOk),
		0x11, 0x11, 0x11, 0x11,
		0x22, 0x22, 0x22, 0x22,
		0x33, 0x33, 0x33, 0x33,
		0x77, 0x04, 0xa0, 0x4b,
	}

	if got := exchange(p, read); !bytes.Equal(got, want) {
		t.Errorf("read response % x, want % x", got, want)
	}

	// the AP read stays posted until the DP access switches the IR
	apRead := swdRequest(true, true, ApDrw)
	wire := []uint8{swdRequest(true, false, ApTar), apRead, apRead, apRead, rdBuffRead, swdRequest(false, true, DpIdCode), rdBuffRead}

	if got := sim.Requests(); !bytes.Equal(got, wire) {
		t.Errorf("wire requests % x, want % x", got, wire)
	}

	outside := jtagTransferCommand(3, ReadDPRequest(DpIdCode))
	if got := exchange(p, outside); !bytes.Equal(got, []byte{byte(CmdTransfer), 0, 0}) {
		t.Errorf("transfer outside the chain answered % x", got)
	}
}

func TestJtagTransferBlock(t *testing.T) {
	sim, p := newJtagProcessor(t)

	setup := jtagTransferCommand(1,
		WriteAPRequest(ApCsw, cswValue|cswSize32),
		WriteAPRequest(ApTar, testRamAddress),
	)

	if got := exchange(p, setup); !bytes.Equal(got, []byte{byte(CmdTransfer), 2, byte(AckOk)}) {
		t.Fatalf("setup response % x", got)
	}

	words := []byte{
		0x01, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00,
		0x04, 0x00, 0x00, 0x00,
	}

	drw := swdRequest(true, false, ApDrw)

	write := append([]byte{byte(CmdTransferBlock), 1, 4, 0, drw}, words...)
	if got := exchange(p, write); !bytes.Equal(got, []byte{byte(CmdTransferBlock), 4, 0, byte(AckOk)}) {
		t.Fatalf("block write response % x", got)
	}

	if got := sim.Memory(testRamAddress, len(words)); !bytes.Equal(got, words) {
		t.Fatalf("memory % x, want % x", got, words)
	}

	if got := exchange(p, jtagTransferCommand(1, WriteAPRequest(ApTar, testRamAddress))); !bytes.Equal(got, []byte{byte(CmdTransfer), 1, byte(AckOk)}) {
		t.Fatalf("TAR write response % x", got)
	}

	sim.ClearLog()

	want := append([]byte{byte(CmdTransferBlock), 4, 0, byte(AckOk)}, words...)
	if got := exchange(p, []byte{byte(CmdTransferBlock), 1, 4, 0, drw | TransferRnW}); !bytes.Equal(got, want) {
		t.Errorf("block read response % x, want % x", got, want)
	}

	reads := sim.Requests()
	if len(reads) != len(words)/4+1 || reads[len(reads)-1] != rdBuffRead {
		t.Errorf("wire requests % x", reads)
	}
}
