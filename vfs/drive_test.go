// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package vfs

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bbnote/godaplink"
	"github.com/marcinbor85/gohex"
)

type rig struct {
	sim   *godaplink.SimTarget
	lock  *godaplink.Lock
	drive *Drive
}

func newRig(t *testing.T, mutate func(c *Config)) *rig {
	t.Helper()

	return newRigFor(t, godaplink.LookupTarget("sim"), mutate)
}

func newRigFor(t *testing.T, device *godaplink.TargetDevice, mutate func(c *Config)) *rig {
	t.Helper()

	sim := godaplink.NewSimTarget(device)
	target := godaplink.NewTarget(sim, godaplink.NewDebugPortState(), device, godaplink.ResetHardware)
	lock := godaplink.NewLock()

	config := DefaultConfig()
	config.SplitWindow = 20 * time.Millisecond
	config.PollInterval = 2 * time.Millisecond

	if mutate != nil {
		mutate(&config)
	}

	drive, err := NewDrive(config, device, godaplink.NewProgrammer(target), lock)
	if err != nil {
		t.Fatalf("NewDrive: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- drive.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	for i := 0; ; i++ {
		if drive.Running() {
			break
		}

		if i == 1000 {
			t.Fatal("drive did not start")
		}

		time.Sleep(time.Millisecond)
	}

	return &rig{sim: sim, lock: lock, drive: drive}
}

func (r *rig) read(t *testing.T, block uint32) []byte {
	t.Helper()

	buf := make([]byte, SectorSize)
	if err := r.drive.ReadSector(block, buf); err != nil {
		t.Fatalf("ReadSector(%d): %v", block, err)
	}

	return buf
}

func (r *rig) write(t *testing.T, block uint32, data []byte) {
	t.Helper()

	buf := make([]byte, (len(data)+SectorSize-1)/SectorSize*SectorSize)
	copy(buf, data)

	if err := r.drive.WriteSector(block, buf); err != nil {
		t.Fatalf("WriteSector(%d): %v", block, err)
	}
}

// root returns the first root directory sector as the host would write it
// after adding files.
func (r *rig) root(t *testing.T, files ...dirEntry) []byte {
	t.Helper()

	sector := r.read(t, r.drive.geo.RootSector)
	first := reservedEntries(!r.drive.session.LastSuccess())

	for i, f := range files {
		f.marshal(sector[(first+i)*dirEntrySize:])
	}

	return sector
}

func (r *rig) dataSector(cluster uint32) uint32 {
	return r.drive.geo.ClusterSector(cluster)
}

func (r *rig) waitEject(t *testing.T) Eject {
	t.Helper()

	select {
	case e := <-r.drive.Events():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no eject event")
	}

	return Eject{}
}

func (r *rig) noEject(t *testing.T, wait time.Duration) {
	t.Helper()

	select {
	case e := <-r.drive.Events():
		t.Fatalf("unexpected eject: %s", e)
	case <-time.After(wait):
	}
}

func file(name string, ext string, cluster uint32, size int) dirEntry {
	return dirEntry{
		name:    shortName(name, ext),
		attr:    attrArchive,
		cluster: uint16(cluster),
		size:    uint32(size),
	}
}

// image returns size bytes starting with a vector table valid for the
// simulated target.
func image(size int) []byte {
	b := make([]byte, size)

	for i := range b {
		b[i] = byte(i*7 + 3)
	}

	vectors := []uint32{0x20004000, 0x00000101, 0x00000105, 0x00000107}
	for i, v := range vectors {
		b[4*i] = byte(v)
		b[4*i+1] = byte(v >> 8)
		b[4*i+2] = byte(v >> 16)
		b[4*i+3] = byte(v >> 24)
	}

	return b
}

func padded(data []byte, size int) []byte {
	b := bytes.Repeat([]byte{0xff}, size)
	copy(b, data)

	return b
}

func TestDriveProgramsBinFile(t *testing.T) {
	r := newRig(t, nil)

	data := padded(image(700), 2*SectorSize)

	r.write(t, r.drive.geo.RootSector, r.root(t, file("FIRMWARE", "BIN", firstFreeCluster, len(data))))
	r.write(t, r.dataSector(firstFreeCluster), data[:SectorSize])
	r.write(t, r.dataSector(firstFreeCluster)+1, data[SectorSize:])

	e := r.waitEject(t)
	if !e.Success {
		t.Fatalf("eject %s, want success", e)
	}

	if n := r.sim.CallCount("EraseChip"); n != 1 {
		t.Errorf("EraseChip ran %d times, want 1", n)
	}

	var programs []godaplink.SimCall
	for _, c := range r.sim.Calls() {
		if c.Name == "ProgramPage" {
			programs = append(programs, c)
		}
	}

	if len(programs) != 1 {
		t.Fatalf("ProgramPage ran %d times, want 1", len(programs))
	}

	if programs[0].Args[0] != 0 || programs[0].Args[1] != 1024 {
		t.Errorf("ProgramPage(0x%x, %d), want (0x0, 1024)", programs[0].Args[0], programs[0].Args[1])
	}

	if got := r.sim.Flash()[:len(data)]; !bytes.Equal(got, data) {
		t.Error("flash does not hold the image")
	}

	if !r.drive.Ejected() {
		t.Error("drive not ejected after the session")
	}

	if _, op := r.lock.Owner(); op != godaplink.OperationNone {
		t.Errorf("lock still held for %s", op)
	}
}

func TestDriveProgramsHexFile(t *testing.T) {
	r := newRig(t, nil)

	want := image(1500)

	mem := gohex.NewMemory()
	if err := mem.AddBinary(0, want); err != nil {
		t.Fatal(err)
	}

	var hex bytes.Buffer
	if err := mem.DumpIntelHex(&hex, 16); err != nil {
		t.Fatal(err)
	}

	content := hex.Bytes()
	sectors := (len(content) + SectorSize - 1) / SectorSize
	start := r.dataSector(firstFreeCluster)

	r.write(t, r.drive.geo.RootSector, r.root(t, file("FIRMWARE", "HEX", firstFreeCluster, len(content))))

	for i := 0; i < sectors; i++ {
		end := (i + 1) * SectorSize
		if end > len(content) {
			end = len(content)
		}

		r.write(t, start+uint32(i), content[i*SectorSize:end])
	}

	e := r.waitEject(t)
	if !e.Success {
		t.Fatalf("eject %s, want success", e)
	}

	if got := r.sim.Flash()[:2048]; !bytes.Equal(got, padded(want, 2048)) {
		t.Error("flash does not hold the decoded image")
	}
}

func TestDriveDataBeforeDirectory(t *testing.T) {
	r := newRig(t, nil)

	data := image(3 * SectorSize)
	start := r.dataSector(firstFreeCluster)

	for i := 0; i < 3; i++ {
		r.write(t, start+uint32(i), data[i*SectorSize:(i+1)*SectorSize])
	}

	r.noEject(t, 50*time.Millisecond)

	r.write(t, r.drive.geo.RootSector, r.root(t, file("FIRMWARE", "BIN", firstFreeCluster, len(data))))

	e := r.waitEject(t)
	if !e.Success {
		t.Fatalf("eject %s, want success", e)
	}

	if got := r.sim.Flash()[:2048]; !bytes.Equal(got, padded(data, 2048)) {
		t.Error("flash does not hold the image")
	}
}

func TestDriveRejectsFiles(t *testing.T) {
	tests := []struct {
		name  string
		entry dirEntry
	}{
		{"executable", file("SETUP", "EXE", firstFreeCluster, 4096)},
		{"text", file("README", "TXT", firstFreeCluster, 100)},
		{"directory", dirEntry{name: shortName("IMAGES", ""), attr: attrDirectory, cluster: firstFreeCluster}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, nil)

			r.write(t, r.drive.geo.RootSector, r.root(t, tt.entry))

			e := r.waitEject(t)
			if e.Success || e.Reason != ReasonBadExtensionFile {
				t.Fatalf("eject %s, want %s", e, ReasonBadExtensionFile)
			}

			if calls := r.sim.Calls(); len(calls) != 0 {
				t.Errorf("%d routines ran on the target, want none", len(calls))
			}

			r.drive.Remount()

			root := r.read(t, r.drive.geo.RootSector)
			fail := parseDirEntry(root[reservedEntries(false)*dirEntrySize:])

			if fail.name != shortName("FAIL", "TXT") || fail.cluster != clusterFail {
				t.Fatalf("entry %q at cluster %d, want FAIL.TXT", fail.name, fail.cluster)
			}

			text := r.read(t, r.dataSector(clusterFail))[:fail.size]
			if string(text) != "BAD EXTENSION FILE" {
				t.Errorf("FAIL.TXT reads %q", text)
			}
		})
	}
}

func TestDriveSectorOrder(t *testing.T) {
	tests := []struct {
		name   string
		blocks []uint32
		reason Reason
	}{
		{"bad start", []uint32{1}, ReasonBadStartSector},
		{"gap", []uint32{0, 2}, ReasonNotConsecutiveSectors},
		{"repeated", []uint32{0, 1, 1}, ReasonNotConsecutiveSectors},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, nil)

			data := image(4 * SectorSize)
			start := r.dataSector(firstFreeCluster)

			r.write(t, r.drive.geo.RootSector, r.root(t, file("FIRMWARE", "BIN", firstFreeCluster, len(data))))

			for _, b := range tt.blocks {
				r.write(t, start+b, data[b*SectorSize:(b+1)*SectorSize])
			}

			e := r.waitEject(t)
			if e.Success || e.Reason != tt.reason {
				t.Fatalf("eject %s, want %s", e, tt.reason)
			}
		})
	}
}

func TestDriveIgnoresRepeatedDirectory(t *testing.T) {
	r := newRig(t, nil)

	data := image(2 * SectorSize)
	root := r.root(t, file("FIRMWARE", "BIN", firstFreeCluster, len(data)))
	start := r.dataSector(firstFreeCluster)

	r.write(t, r.drive.geo.RootSector, root)
	r.write(t, r.drive.geo.RootSector, root)

	if n := len(r.sim.Calls()); n != 0 {
		t.Fatalf("%d routines ran before any data", n)
	}

	r.write(t, start, data[:SectorSize])
	r.write(t, start+1, data[SectorSize:])

	if e := r.waitEject(t); !e.Success {
		t.Fatalf("eject %s, want success", e)
	}

	if n := r.sim.CallCount("EraseChip"); n != 1 {
		t.Errorf("EraseChip ran %d times, want 1", n)
	}
}

func TestDriveTimeout(t *testing.T) {
	r := newRig(t, func(c *Config) {
		c.TransferTimeout = 30 * time.Millisecond
	})

	data := image(4 * SectorSize)
	start := r.dataSector(firstFreeCluster)

	r.write(t, r.drive.geo.RootSector, r.root(t, file("FIRMWARE", "BIN", firstFreeCluster, len(data))))
	r.write(t, start, data[:SectorSize])

	e := r.waitEject(t)
	if e.Success || e.Reason != ReasonTimeout {
		t.Fatalf("eject %s, want %s", e, ReasonTimeout)
	}
}

func TestDrivePortInUse(t *testing.T) {
	r := newRig(t, nil)

	if !r.lock.LockOperation(godaplink.TaskUsb, godaplink.OperationHidDebug) {
		t.Fatal("cannot take the lock for the debugger")
	}

	data := image(2 * SectorSize)

	r.write(t, r.drive.geo.RootSector, r.root(t, file("FIRMWARE", "BIN", firstFreeCluster, len(data))))
	r.write(t, r.dataSector(firstFreeCluster), data[:SectorSize])

	e := r.waitEject(t)
	if e.Success || e.Reason != ReasonSwdPortInUse {
		t.Fatalf("eject %s, want %s", e, ReasonSwdPortInUse)
	}

	if n := len(r.sim.Calls()); n != 0 {
		t.Errorf("%d routines ran on a locked probe", n)
	}
}

func TestDriveIgnoresWritesWhileEjected(t *testing.T) {
	r := newRig(t, nil)

	r.write(t, r.drive.geo.RootSector, r.root(t, file("SETUP", "EXE", firstFreeCluster, 10)))
	r.waitEject(t)

	data := image(2 * SectorSize)
	start := r.dataSector(firstFreeCluster + 1)

	r.write(t, start, data[:SectorSize])
	r.write(t, start+1, data[SectorSize:])

	r.noEject(t, 30*time.Millisecond)

	if n := len(r.sim.Calls()); n != 0 {
		t.Errorf("%d routines ran while ejected", n)
	}
}

func TestDriveSecondFileAfterFailure(t *testing.T) {
	r := newRig(t, nil)

	r.write(t, r.drive.geo.RootSector, r.root(t, file("SETUP", "EXE", firstFreeCluster, 10)))
	r.waitEject(t)
	r.drive.Remount()

	r.drive.mu.Lock()
	expected := r.drive.session.ExpectedStart()
	r.drive.mu.Unlock()

	if want := r.dataSector(firstFreeCluster + 1); expected != want {
		t.Fatalf("expected start %d, want %d", expected, want)
	}

	data := image(2 * SectorSize)
	start := r.dataSector(firstFreeCluster + 1)

	r.write(t, r.drive.geo.RootSector, r.root(t, file("FIRMWARE", "BIN", firstFreeCluster+1, len(data))))
	r.write(t, start, data[:SectorSize])
	r.write(t, start+1, data[SectorSize:])

	if e := r.waitEject(t); !e.Success {
		t.Fatalf("eject %s, want success", e)
	}

	root := r.read(t, r.drive.geo.RootSector)
	if e := parseDirEntry(root[reservedEntries(false)*dirEntrySize:]); !e.isEmpty() {
		t.Errorf("root still lists %q after a successful session", e.name)
	}
}

func TestDriveRejectsSectorRange(t *testing.T) {
	r := newRig(t, nil)

	tests := []struct {
		name  string
		block uint32
		size  int
	}{
		{"partial", 0, 100},
		{"beyond end", r.drive.geo.TotalSectors, SectorSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.drive.ReadSector(tt.block, make([]byte, tt.size)); err == nil {
				t.Error("ReadSector succeeded")
			}
		})
	}
}

func TestDriveCopyFile(t *testing.T) {
	r := newRig(t, nil)

	data := image(1500)
	var written []int

	if err := r.drive.CopyFile("/tmp/blinky.bin", data, func(n int) { written = append(written, n) }); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}

	e := r.waitEject(t)
	if !e.Success {
		t.Fatalf("eject %s, want success", e)
	}

	if got := r.sim.Flash()[:len(data)]; !bytes.Equal(got, data) {
		t.Error("flash does not hold the copied file")
	}

	if want := []int{512, 1024, 1500}; len(written) != len(want) || written[2] != 1500 {
		t.Errorf("progress %v, want %v", written, want)
	}

	entry := parseDirEntry(r.read(t, r.drive.geo.RootSector)[reservedEntries(false)*dirEntrySize:])
	if !entry.isEmpty() {
		t.Errorf("root keeps entry %q after the session", entry.name)
	}

	if err := r.drive.CopyFile("empty.bin", nil, nil); err == nil {
		t.Error("copying an empty file succeeded")
	}
}
