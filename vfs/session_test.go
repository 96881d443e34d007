// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package vfs

import (
	"bytes"
	"testing"
	"time"

	"github.com/bbnote/godaplink"
)

func (r *rig) writeSectors(t *testing.T, block uint32, data []byte) {
	t.Helper()

	for off := 0; off < len(data); off += SectorSize {
		r.write(t, block+uint32(off/SectorSize), data[off:off+SectorSize])
	}
}

func (r *rig) sessionId() uint32 {
	r.drive.mu.Lock()
	defer r.drive.mu.Unlock()

	return r.drive.session.id
}

// failAt makes programming the page at addr fail the first times calls.
func failAt(addr uint32, times int) func(uint32) bool {
	return func(a uint32) bool {
		if a == addr && times > 0 {
			times--
			return true
		}

		return false
	}
}

func TestSessionPageFailure(t *testing.T) {
	tests := []struct {
		name      string
		rootFirst bool
	}{
		{"file known", true},
		{"file claims the failed range", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, nil)
			r.sim.FailProgram = failAt(0, 1)

			data := image(4 * SectorSize)
			root := r.root(t, file("FIRMWARE", "BIN", firstFreeCluster, len(data)))
			start := r.dataSector(firstFreeCluster)

			if tt.rootFirst {
				r.write(t, r.drive.geo.RootSector, root)
				r.writeSectors(t, start, data[:2*SectorSize])
			} else {
				r.writeSectors(t, start, data)

				// the failure waits for a file to claim the sectors
				r.noEject(t, 30*time.Millisecond)

				r.write(t, r.drive.geo.RootSector, root)
			}

			e := r.waitEject(t)
			if e.Success || e.Reason != ReasonSwdError {
				t.Fatalf("eject %s, want %s", e, ReasonSwdError)
			}

			if _, op := r.lock.Owner(); op != godaplink.OperationNone {
				t.Errorf("lock still held for %s", op)
			}
		})
	}
}

func TestSessionReservedBits(t *testing.T) {
	device := godaplink.LookupTarget("sim")
	device.SecurityCheck = func(addr uint32, data []byte) bool {
		return false
	}

	r := newRigFor(t, device, nil)

	data := image(2 * SectorSize)
	start := r.dataSector(firstFreeCluster)

	r.write(t, r.drive.geo.RootSector, r.root(t, file("FIRMWARE", "BIN", firstFreeCluster, len(data))))
	r.writeSectors(t, start, data)

	e := r.waitEject(t)
	if e.Success || e.Reason != ReasonReservedBits {
		t.Fatalf("eject %s, want %s", e, ReasonReservedBits)
	}

	if n := r.sim.CallCount("ProgramPage"); n != 0 {
		t.Errorf("ProgramPage ran %d times for a locking image", n)
	}

	r.drive.Remount()

	root := r.read(t, r.drive.geo.RootSector)
	fail := parseDirEntry(root[reservedEntries(false)*dirEntrySize:])

	if text := r.read(t, r.dataSector(clusterFail))[:fail.size]; string(text) != "RESERVED BITS" {
		t.Errorf("FAIL.TXT reads %q", text)
	}
}

func TestSessionRestartAfterMaybeErase(t *testing.T) {
	r := newRig(t, nil)
	r.sim.FailProgram = failAt(0, 1)

	data := image(2 * SectorSize)
	start := r.dataSector(firstFreeCluster)

	// the first page fails, then a sector out of order is dropped
	r.writeSectors(t, start, data)
	r.write(t, start+5, data[:SectorSize])

	// the host writes the file again from its first sector
	r.writeSectors(t, start, data)
	r.write(t, r.drive.geo.RootSector, r.root(t, file("FIRMWARE", "BIN", firstFreeCluster, len(data))))

	e := r.waitEject(t)
	if !e.Success {
		t.Fatalf("eject %s, want success", e)
	}

	if n := r.sim.CallCount("EraseChip"); n != 2 {
		t.Errorf("EraseChip ran %d times, want 2", n)
	}

	if got := r.sim.Flash()[:len(data)]; !bytes.Equal(got, data) {
		t.Error("flash does not hold the image")
	}
}

func TestSessionShiftImage(t *testing.T) {
	r := newRig(t, nil)

	spc := r.drive.geo.SectorsPerCluster
	leading := image(int(spc) * SectorSize)

	firmware := make([]byte, 2*SectorSize)
	for i := range firmware {
		firmware[i] = byte(i*5 + 11)
	}

	start := r.dataSector(firstFreeCluster)

	// a host writing a cluster of other data in front of the file
	r.writeSectors(t, start, leading)
	r.writeSectors(t, start+spc, firmware)

	r.noEject(t, 30*time.Millisecond)

	r.write(t, r.drive.geo.RootSector, r.root(t, file("FIRMWARE", "BIN", firstFreeCluster+1, len(firmware))))

	e := r.waitEject(t)
	if !e.Success {
		t.Fatalf("eject %s, want success", e)
	}

	if got := r.sim.Flash()[:2*len(firmware)]; !bytes.Equal(got, padded(firmware, 2*len(firmware))) {
		t.Error("flash does not hold the moved image")
	}

	if n := r.sim.CallCount("EraseChip"); n != 2 {
		t.Errorf("EraseChip ran %d times, want 2", n)
	}
}

func TestSessionIgnoresStaleWatchdogEvents(t *testing.T) {
	r := newRig(t, nil)

	r.write(t, r.drive.geo.RootSector, r.root(t, file("SETUP", "EXE", firstFreeCluster, 10)))
	r.waitEject(t)
	r.drive.Remount()

	previous := r.sessionId() - 1

	data := image(2 * SectorSize)
	start := r.dataSector(firstFreeCluster + 1)

	r.write(t, r.drive.geo.RootSector, r.root(t, file("FIRMWARE", "BIN", firstFreeCluster+1, len(data))))
	r.write(t, start, data[:SectorSize])

	// a timeout raised before the previous session stopped the watchdog
	r.drive.watchdog.events <- watchdogEvent{kind: eventTimeout, session: previous}

	r.noEject(t, 30*time.Millisecond)

	r.write(t, start+1, data[SectorSize:])

	if e := r.waitEject(t); !e.Success {
		t.Fatalf("eject %s, want success", e)
	}
}
