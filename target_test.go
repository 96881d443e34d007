// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

import (
	"bytes"
	"context"
	"testing"
)

func newTestTarget(t *testing.T, variant ResetVariant) (*SimTarget, *Target) {
	t.Helper()

	device := LookupTarget("sim")
	sim := NewSimTarget(device)
	target := NewTarget(sim, NewDebugPortState(), device, variant)

	if err := target.InitDebug(context.Background()); err != nil {
		t.Fatalf("InitDebug: %v", err)
	}

	return sim, target
}

func countRequests(requests []uint8, req uint8) int {
	n := 0

	for _, r := range requests {
		if r == req {
			n++
		}
	}

	return n
}

func TestTargetRegisterCache(t *testing.T) {
	sim, target := newTestTarget(t, ResetHardware)
	sim.ClearLog()

	for i := 0; i < 2; i++ {
		if err := target.WriteAP(ApCsw, cswValue|cswSize32); err != nil {
			t.Fatalf("WriteAP: %v", err)
		}
	}

	if err := target.WriteDP(DpSelect, 0); err != nil {
		t.Fatalf("WriteDP: %v", err)
	}

	cswWrite := swdRequest(true, false, ApCsw)
	selectWrite := swdRequest(false, false, DpSelect)

	if n := countRequests(sim.Requests(), cswWrite); n != 1 {
		t.Errorf("%d CSW writes for the same value, want 1", n)
	}

	if n := countRequests(sim.Requests(), selectWrite); n != 0 {
		t.Errorf("%d SELECT writes of the cached value, want 0", n)
	}

	if err := target.WriteAP(ApCsw, cswValue|cswSize8); err != nil {
		t.Fatalf("WriteAP: %v", err)
	}

	if n := countRequests(sim.Requests(), cswWrite); n != 2 {
		t.Errorf("%d CSW writes after a change, want 2", n)
	}
}

func TestTargetWaitRetry(t *testing.T) {
	sim, target := newTestTarget(t, ResetHardware)

	if err := target.WriteMemory32(testRamAddress, 0x12345678); err != nil {
		t.Fatalf("WriteMemory32: %v", err)
	}

	// reads answered with WAIT carry garbage
	sim.InjectWait(2)

	val, err := target.ReadMemory32(testRamAddress)
	if err != nil {
		t.Fatalf("ReadMemory32: %v", err)
	}

	if val != 0x12345678 {
		t.Errorf("read 0x%08x, want 0x12345678", val)
	}

	sim.InjectWait(maxSwdRetry)

	if _, err := target.ReadMemory32(testRamAddress); !IsWait(err) {
		t.Errorf("ReadMemory32 = %v, want a WAIT error", err)
	}
}

func TestTargetMemory(t *testing.T) {
	sim, target := newTestTarget(t, ResetHardware)

	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i*31 + 7)
	}

	sim.ClearLog()

	if err := target.WriteMemory(testRamAddress+1, data); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}

	// 3 head bytes, blocks split at 0x20000400, 0x20000800 and 0x20000c00,
	// 1 tail byte
	if n := countRequests(sim.Requests(), swdRequest(true, false, ApTar)); n != 8 {
		t.Errorf("%d TAR writes, want 8", n)
	}

	if got := sim.Memory(testRamAddress+1, len(data)); !bytes.Equal(got, data) {
		t.Error("target memory differs from the written data")
	}

	back := make([]byte, len(data))
	if err := target.ReadMemory(testRamAddress+1, back); err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}

	if !bytes.Equal(back, data) {
		t.Error("read back differs from the written data")
	}
}

func TestSetTargetState(t *testing.T) {
	tests := []struct {
		name    string
		variant ResetVariant
	}{
		{"hardware reset", ResetHardware},
		{"sysresetreq", ResetSoftwareSysReset},
		{"vectreset", ResetSoftwareVectReset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			sim, target := newTestTarget(t, tt.variant)

			if err := target.SetTargetState(ctx, ResetProgram); err != nil {
				t.Fatalf("RESET_PROGRAM: %v", err)
			}

			if !sim.Halted() {
				t.Error("core not halted after RESET_PROGRAM")
			}

			if err := target.SetTargetState(ctx, ResetRun); err != nil {
				t.Fatalf("RESET_RUN: %v", err)
			}

			if sim.Halted() {
				t.Error("core halted after RESET_RUN")
			}

			if err := target.SetTargetState(ctx, ResetHold); err != nil {
				t.Fatalf("RESET_HOLD: %v", err)
			}

			if sim.Pins()&(1<<SwjNReset) != 0 {
				t.Error("nRESET released in RESET_HOLD")
			}
		})
	}
}

func TestTargetCoreRegisters(t *testing.T) {
	_, target := newTestTarget(t, ResetHardware)

	if err := target.WriteCoreRegister(regR0+2, 0xcafe0002); err != nil {
		t.Fatalf("WriteCoreRegister: %v", err)
	}

	val, err := target.ReadCoreRegister(regR0 + 2)
	if err != nil {
		t.Fatalf("ReadCoreRegister: %v", err)
	}

	if val != 0xcafe0002 {
		t.Errorf("R2 = 0x%08x, want 0xcafe0002", val)
	}
}
