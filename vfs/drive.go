// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Package vfs presents a FAT12 drive over USB mass storage and programs
// the files copied to it into target flash.
package vfs

import (
	"context"
	"sync"

	"github.com/bbnote/godaplink"
	"github.com/pkg/errors"
)

var ErrNotRunning = errors.New("drive is not running")

// Drive is the virtual mass storage device. ReadSector and WriteSector are
// called by the USB mass storage class, Run drives the flash worker and the
// watchdog.
type Drive struct {
	mu sync.Mutex

	config Config
	geo    *Geometry
	disk   *disk

	session  *DragDropSession
	worker   *flashWorker
	watchdog *watchdog

	events  chan Eject
	ejected bool
	reason  Reason

	ctx     context.Context
	running bool
}

// NewDrive creates a drive programming device through flasher. The flash
// worker takes lock for the duration of a session.
func NewDrive(config Config, device *godaplink.TargetDevice, flasher Flasher, lock *godaplink.Lock) (*Drive, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	geo, err := NewGeometry(config.CapacityKB, config.SectorsPerCluster)
	if err != nil {
		return nil, errors.Wrap(err, "drive geometry")
	}

	d := &Drive{
		config:   config,
		geo:      geo,
		disk:     newDisk(geo, config),
		worker:   newFlashWorker(flasher, lock),
		watchdog: newWatchdog(config),
		events:   make(chan Eject, 8),
	}

	d.session = newSession(geo, device, d.worker, d.watchdog, d.onEject)

	logger.Debugf("drive of %d sectors, %d per FAT, root at %d, data at %d",
		geo.TotalSectors, geo.SectorsPerFat, geo.RootSector, geo.FirstDataSector)

	return d, nil
}

func (d *Drive) Geometry() *Geometry {
	return d.geo
}

// Events delivers an Eject whenever a session ends.
func (d *Drive) Events() <-chan Eject {
	return d.events
}

func (d *Drive) onEject(e Eject) {
	d.ejected = true
	d.reason = e.Reason

	select {
	case d.events <- e:
	default:
		logger.Warnf("eject event %s dropped", e)
	}
}

// Ejected reports whether the drive waits for Remount after a session.
func (d *Drive) Ejected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.ejected
}

// Remount attaches the drive again after an eject. Writes are ignored
// while the drive is ejected.
func (d *Drive) Remount() {
	d.mu.Lock()
	defer d.mu.Unlock()

	logger.Debug("drive remounted")

	d.ejected = false
}

// Running reports whether Run serves the drive.
func (d *Drive) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.running
}

// Session returns the drag-and-drop state. It must not be used while the
// drive runs.
func (d *Drive) Session() *DragDropSession {
	return d.session
}

// Run serves the flash worker and the watchdog until ctx is done.
func (d *Drive) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("drive already running")
	}

	d.ctx = ctx
	d.running = true
	d.mu.Unlock()

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		d.worker.run(ctx)
	}()

	go func() {
		defer wg.Done()
		d.watchdog.run(ctx)
	}()

	logger.Infof("drive %s online, %d KB", d.config.VolumeLabel, d.geo.Bytes()/1024)

	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()

			wg.Wait()

			return ctx.Err()

		case ev := <-d.watchdog.events:
			d.mu.Lock()
			if !d.ejected {
				d.session.handleWatchdog(ctx, ev)
			}
			d.mu.Unlock()
		}
	}
}

func (d *Drive) sectors(block uint32, buf []byte) (int, error) {
	if len(buf) == 0 || len(buf)%SectorSize != 0 {
		return 0, errors.Errorf("buffer of %d bytes is not a multiple of the sector size", len(buf))
	}

	n := len(buf) / SectorSize

	if block+uint32(n) > d.geo.TotalSectors {
		return 0, errors.Errorf("sectors %d..%d beyond the end of the drive", block, block+uint32(n)-1)
	}

	return n, nil
}

// ReadSector reads len(buf)/512 sectors starting at block.
func (d *Drive) ReadSector(block uint32, buf []byte) error {
	n, err := d.sectors(block, buf)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	failed := !d.session.lastSuccess

	for i := 0; i < n; i++ {
		d.disk.readSector(block+uint32(i), buf[i*SectorSize:(i+1)*SectorSize], failed, d.reason)
	}

	return nil
}

// WriteSector writes len(buf)/512 sectors starting at block. Only writes to
// the root directory and to the free data region are interpreted.
func (d *Drive) WriteSector(block uint32, buf []byte) error {
	n, err := d.sectors(block, buf)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return ErrNotRunning
	}

	firstData := d.geo.ClusterSector(firstFreeCluster)

	for i := 0; i < n; i++ {
		if d.ejected {
			logger.Debugf("drive ejected, ignoring write of sector %d", block+uint32(i))
			return nil
		}

		b := block + uint32(i)
		data := buf[i*SectorSize : (i+1)*SectorSize]

		switch {
		case d.geo.IsRootSector(b):
			d.session.writeRoot(d.ctx, b, data)
		case b >= firstData:
			d.session.writeData(d.ctx, b, data)
		default:
			logger.Tracef("ignoring write of sector %d", b)
		}
	}

	return nil
}
