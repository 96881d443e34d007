// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

import (
	"bytes"
	"context"
	"testing"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

func newSimProgrammer(t *testing.T, device *TargetDevice) (*SimTarget, *Programmer) {
	t.Helper()

	if device == nil {
		device = LookupTarget("sim")
	}

	sim := NewSimTarget(device)
	target := NewTarget(sim, NewDebugPortState(), device, ResetHardware)

	return sim, NewProgrammer(target)
}

func testFirmware(size int) []byte {
	b := make([]byte, size)

	for i := range b {
		b[i] = byte(i*13 + 1)
	}

	uint32ToLittleEndian(b[0:], 0x20004000)
	uint32ToLittleEndian(b[4:], 0x000000c1)
	uint32ToLittleEndian(b[8:], 0x000000c5)
	uint32ToLittleEndian(b[12:], 0x000000c7)

	return b
}

func programChunks(t *testing.T, p *Programmer, data []byte, chunk int) error {
	t.Helper()

	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}

		if err := p.ProgramPage(uint32(off), data[off:end]); err != nil {
			return err
		}
	}

	return nil
}

func TestProgrammerBinAndHexMatch(t *testing.T) {
	firmware := testFirmware(3000)

	binSim, binProg := newSimProgrammer(t, nil)

	if err := binProg.Init(context.Background(), FormatBin); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := programChunks(t, binProg, firmware, 1024); err != nil {
		t.Fatalf("bin: %v", err)
	}

	mem := gohex.NewMemory()
	if err := mem.AddBinary(0, firmware); err != nil {
		t.Fatal(err)
	}

	var file bytes.Buffer
	if err := mem.DumpIntelHex(&file, 16); err != nil {
		t.Fatal(err)
	}

	hexSim, hexProg := newSimProgrammer(t, nil)

	if err := hexProg.Init(context.Background(), FormatHex); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := programChunks(t, hexProg, file.Bytes(), 1024); err != nil {
		t.Fatalf("hex: %v", err)
	}

	if !hexProg.HexDone() {
		t.Error("hex image not complete")
	}

	want := bytes.Repeat([]byte{0xff}, 4096)
	copy(want, firmware)

	if got := binSim.Flash()[:4096]; !bytes.Equal(got, want) {
		t.Error("bin image differs")
	}

	if got := hexSim.Flash()[:4096]; !bytes.Equal(got, want) {
		t.Error("hex image differs")
	}
}

func TestProgrammerHexGaps(t *testing.T) {
	sim, p := newSimProgrammer(t, nil)

	mem := gohex.NewMemory()
	if err := mem.AddBinary(0x0000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}

	if err := mem.AddBinary(0x0010, []byte{5, 6, 7, 8}); err != nil {
		t.Fatal(err)
	}

	if err := mem.AddBinary(0x0c00, []byte{9, 10}); err != nil {
		t.Fatal(err)
	}

	var file bytes.Buffer
	if err := mem.DumpIntelHex(&file, 16); err != nil {
		t.Fatal(err)
	}

	if err := p.Init(context.Background(), FormatHex); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := programChunks(t, p, file.Bytes(), 7); err != nil {
		t.Fatalf("ProgramPage: %v", err)
	}

	want := bytes.Repeat([]byte{0xff}, 0x1000)
	copy(want[0x0000:], []byte{1, 2, 3, 4})
	copy(want[0x0010:], []byte{5, 6, 7, 8})
	copy(want[0x0c00:], []byte{9, 10})

	if got := sim.Flash()[:0x1000]; !bytes.Equal(got, want) {
		t.Error("flash differs")
	}

	if n := sim.CallCount("ProgramPage"); n != 2 {
		t.Errorf("ProgramPage ran %d times, want 2", n)
	}
}

func TestProgrammerFailures(t *testing.T) {
	secured := LookupTarget("sim")
	secured.SecurityCheck = kinetisFlashSecurity

	noAlgo := LookupTarget("sim")
	noAlgo.Algorithm = nil

	tests := []struct {
		name   string
		device *TargetDevice
		format ImageFormat
		addr   uint32
		data   []byte
		want   FlashStatus
	}{
		{"security bits", secured, FormatBin, 0x400, bytes.Repeat([]byte{0xff}, 1024), FlashFailSecurityBits},
		{"outside flash", nil, FormatBin, 0x20000, make([]byte, 1024), FlashFailWrite},
		{"hex checksum", nil, FormatHex, 0, []byte(":0400000001020304F3\n"), FlashFailHexChecksum},
		{"hex garbage", nil, FormatHex, 0, []byte(":04000000zz\n"), FlashFailHexParser},
		{"unknown format", nil, FormatUnknown, 0, make([]byte, 1024), FlashFailUnknownFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, p := newSimProgrammer(t, tt.device)

			if err := p.Init(context.Background(), tt.format); err != nil {
				t.Fatalf("Init: %v", err)
			}

			err := p.ProgramPage(tt.addr, tt.data)
			if got := FlashStatusOf(err); got != tt.want {
				t.Errorf("status %s (%v), want %s", got, err, tt.want)
			}
		})
	}

	t.Run("no algorithm", func(t *testing.T) {
		_, p := newSimProgrammer(t, noAlgo)

		err := p.Init(context.Background(), FormatBin)
		if got := FlashStatusOf(err); got != FlashFailAlgoDownload {
			t.Errorf("status %s, want %s", got, FlashFailAlgoDownload)
		}
	})
}

func TestProgrammerReadFlash(t *testing.T) {
	_, p := newSimProgrammer(t, nil)
	firmware := testFirmware(2048)

	if err := p.Init(context.Background(), FormatBin); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := programChunks(t, p, firmware, 1024); err != nil {
		t.Fatalf("ProgramPage: %v", err)
	}

	buf := make([]byte, 1000)
	if err := p.ReadFlash(1000, buf); err != nil {
		t.Fatalf("ReadFlash: %v", err)
	}

	if !bytes.Equal(buf, firmware[1000:2000]) {
		t.Error("read back differs")
	}

	if err := p.ReadFlash(0x1ffff, make([]byte, 8)); err == nil {
		t.Error("read beyond flash succeeded")
	}
}

func TestDetectFormat(t *testing.T) {
	device := LookupTarget("sim")

	tests := []struct {
		name   string
		sector []byte
		want   ImageFormat
	}{
		{"hex data", []byte(":10000000"), FormatHex},
		{"hex linear address", []byte(":02000004"), FormatHex},
		{"hex end of file", []byte(":00000001FF"), FormatUnknown},
		{"vector table", testFirmware(512), FormatBin},
		{"erased", bytes.Repeat([]byte{0xff}, 512), FormatUnknown},
		{"short", []byte{1, 2, 3}, FormatUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectFormat(tt.sector, device); got != tt.want {
				t.Errorf("DetectFormat = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProgrammerAnyLengthAlgorithm(t *testing.T) {
	device := LookupTarget("sim")
	algo := *device.Algorithm
	algo.RamToFlashBytes = 0
	device.Algorithm = &algo

	firmware := testFirmware(1500)

	want := bytes.Repeat([]byte{0xff}, 2048)
	copy(want, firmware)

	t.Run("bin", func(t *testing.T) {
		sim, p := newSimProgrammer(t, device)

		if err := p.Init(context.Background(), FormatBin); err != nil {
			t.Fatalf("Init: %v", err)
		}

		if err := programChunks(t, p, firmware, 1024); err != nil {
			t.Fatalf("ProgramPage: %v", err)
		}

		if got := sim.Flash()[:2048]; !bytes.Equal(got, want) {
			t.Error("flash differs")
		}
	})

	t.Run("hex", func(t *testing.T) {
		mem := gohex.NewMemory()
		if err := mem.AddBinary(0, firmware); err != nil {
			t.Fatal(err)
		}

		var file bytes.Buffer
		if err := mem.DumpIntelHex(&file, 16); err != nil {
			t.Fatal(err)
		}

		sim, p := newSimProgrammer(t, device)

		if err := p.Init(context.Background(), FormatHex); err != nil {
			t.Fatalf("Init: %v", err)
		}

		if err := programChunks(t, p, file.Bytes(), 512); err != nil {
			t.Fatalf("ProgramPage: %v", err)
		}

		if got := sim.Flash()[:2048]; !bytes.Equal(got, want) {
			t.Error("flash differs")
		}
	})
}

func TestProgrammerHexOrder(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		want     FlashStatus
		flash    []byte
		programs int
	}{
		{
			name:     "data at the end of flash is skipped",
			file:     ":0400000001020304F2\n:020000040002F8\n:01000000AA55\n:00000001FF\n",
			want:     FlashOk,
			flash:    []byte{1, 2, 3, 4},
			programs: 1,
		},
		{
			name:     "going back inside the staged page",
			file:     ":0400100005060708D2\n:0400000001020304F2\n:00000001FF\n",
			want:     FlashOk,
			flash:    []byte{1, 2, 3, 4, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 5, 6, 7, 8},
			programs: 1,
		},
		{
			name:     "going back to a programmed page",
			file:     ":0400000001020304F2\n:02040000090AE7\n:0400040005060708DE\n:00000001FF\n",
			want:     FlashFailWrite,
			flash:    []byte{1, 2, 3, 4, 0xff, 0xff, 0xff, 0xff},
			programs: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim, p := newSimProgrammer(t, nil)

			if err := p.Init(context.Background(), FormatHex); err != nil {
				t.Fatalf("Init: %v", err)
			}

			err := programChunks(t, p, []byte(tt.file), 512)
			if got := FlashStatusOf(err); got != tt.want {
				t.Fatalf("status %s (%v), want %s", got, err, tt.want)
			}

			if got := sim.Flash()[:len(tt.flash)]; !bytes.Equal(got, tt.flash) {
				t.Errorf("flash % x, want % x", got, tt.flash)
			}

			if n := sim.CallCount("ProgramPage"); n != tt.programs {
				t.Errorf("ProgramPage ran %d times, want %d", n, tt.programs)
			}
		})
	}
}

func TestFlashErrorCause(t *testing.T) {
	root := errors.New("swd fault")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"without cause", newFlashError(FlashFailWrite, nil), FlashFailWrite.String()},
		{"with cause", newFlashError(FlashFailWrite, errors.Wrap(root, "syscall")), root.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cause := errors.Cause(tt.err)
			if cause == nil {
				t.Fatal("Cause returned nil")
			}

			if cause.Error() != tt.want {
				t.Errorf("cause %q, want %q", cause.Error(), tt.want)
			}

			if FlashStatusOf(tt.err) != FlashFailWrite {
				t.Errorf("status %s, want %s", FlashStatusOf(tt.err), FlashFailWrite)
			}
		})
	}
}
