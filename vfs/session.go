// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package vfs

import (
	"bytes"
	"context"

	"github.com/bbnote/godaplink"
	"github.com/boljen/go-bitmap"
)

// two sectors make one flash page
const pageSize = 2 * SectorSize

// DragDropSession turns the sector writes of a host copying a file to the
// drive into flash pages. Sectors of the file must arrive in order starting
// at the sector the file was allocated, the root directory may come before
// or after the data.
type DragDropSession struct {
	geo      *Geometry
	device   *godaplink.TargetDevice
	worker   *flashWorker
	watchdog *watchdog
	eject    func(Eject)

	// outcome of the previous session, decides where a new file starts
	lastSuccess bool
	// counts finished sessions, watchdog events of older ones are stale
	id uint32

	// the file found in the root directory
	goodFile    bool
	kind        fileKind
	size        uint32
	sectorCount uint32
	beginSector uint32

	expectedStart uint32
	sectorFirst   bool
	rootFirst     bool

	flashInit bool
	format    godaplink.ImageFormat
	// flash holds data programmed since the last erase
	dirty bool

	started      bool
	startSector  uint32
	received     uint32
	previous     uint32
	maybeErase   bool
	splitPending bool

	// a page failure before the file was known, kept until a file claims it
	pageError error
	failed    bitmap.Bitmap

	page     []byte
	fill     int
	pageAddr uint32

	lastRoot      [rootSectors][]byte
	dataSinceRoot bool
}

func newSession(geo *Geometry, device *godaplink.TargetDevice, worker *flashWorker, wd *watchdog, eject func(Eject)) *DragDropSession {
	s := &DragDropSession{
		geo:         geo,
		device:      device,
		worker:      worker,
		watchdog:    wd,
		eject:       eject,
		lastSuccess: true,
		page:        make([]byte, pageSize),
	}

	s.reset(true)

	return s
}

// reset clears the transfer, a full reset also forgets the file and the
// flash state.
func (s *DragDropSession) reset(full bool) {
	if full {
		s.goodFile = false
		s.kind = kindSkip
		s.expectedStart = s.geo.ClusterSector(firstFree(!s.lastSuccess))
		s.flashInit = false
		s.format = godaplink.FormatUnknown
		s.dirty = false
		s.maybeErase = false
		s.pageError = nil
		s.failed = bitmap.New(int(s.geo.TotalSectors))
		s.lastRoot = [rootSectors][]byte{}
		s.dataSinceRoot = false
	}

	s.size = 0
	s.sectorCount = 0
	s.beginSector = 0
	s.sectorFirst = false
	s.rootFirst = false

	s.resetTransfer()
}

func (s *DragDropSession) resetTransfer() {
	s.started = false
	s.startSector = 0
	s.received = 0
	s.previous = 0
	s.splitPending = false
	s.fill = 0
	s.pageAddr = 0
}

// LastSuccess reports the outcome of the previous session.
func (s *DragDropSession) LastSuccess() bool {
	return s.lastSuccess
}

// ExpectedStart is the sector the next file is expected to start at.
func (s *DragDropSession) ExpectedStart() uint32 {
	return s.expectedStart
}

func (s *DragDropSession) finish(ctx context.Context, success bool, reason Reason) {
	if s.flashInit {
		if err := s.worker.finish(ctx); err != nil {
			logger.Warnf("releasing target after session: %v", err)
		}
	}

	s.watchdog.send(cmdStop, s.id)

	if success {
		logger.Infof("drag-and-drop finished, %d sectors programmed", s.received)
	} else {
		logger.Errorf("drag-and-drop failed: %s", reason)
	}

	s.lastSuccess = success
	s.id++
	s.reset(true)

	s.eject(Eject{Success: success, Reason: reason})
}

func (s *DragDropSession) fail(ctx context.Context, reason Reason) {
	s.finish(ctx, false, reason)
}

func (s *DragDropSession) failedInRange(begin uint32, count uint32) bool {
	for b := begin; b < begin+count && int(b) < s.failed.Len(); b++ {
		if s.failed.Get(int(b)) {
			return true
		}
	}

	return false
}

// writeRoot handles a write of one root directory sector.
func (s *DragDropSession) writeRoot(ctx context.Context, block uint32, data []byte) {
	idx := block - s.geo.RootSector

	if s.lastRoot[idx] != nil && !s.dataSinceRoot && bytes.Equal(s.lastRoot[idx], data) {
		logger.Tracef("root directory sector %d unchanged", block)
		return
	}

	s.lastRoot[idx] = append(s.lastRoot[idx][:0], data...)
	s.dataSinceRoot = false

	found, ended := s.searchFile(ctx, block, data)
	if !found || ended {
		return
	}

	if !s.sectorFirst {
		s.rootFirst = true

		if !s.started {
			s.expectedStart = s.beginSector
		}
	}

	if !s.sectorFirst || !s.started {
		return
	}

	// the data came first, the directory tells how much of it is the file
	if s.startSector > s.beginSector {
		s.fail(ctx, ReasonBadStartSector)
		return
	}

	if s.received == s.sectorCount {
		if !s.splitPending {
			s.splitPending = true
			s.watchdog.send(cmdSplit, s.id)
		}

		return
	}

	// sectors behind the end of the file are ignored
	if s.startSector == s.beginSector && s.received > s.sectorCount {
		s.complete(ctx)
	}
}

// searchFile looks for a file to program in a root directory sector.
func (s *DragDropSession) searchFile(ctx context.Context, block uint32, data []byte) (found bool, ended bool) {
	start := 0
	if block == s.geo.RootSector {
		start = reservedEntries(!s.lastSuccess)
	}

	for i := start; i < dirEntriesPerSect; i++ {
		e := parseDirEntry(data[i*dirEntrySize:])

		if e.isEmpty() || e.isLongName() || e.name[0] == entryDeleted {
			continue
		}

		if e.attr&attrDirectory != 0 {
			logger.Infof("directory %q copied to the drive", bytes.TrimSpace(e.name[:]))
			s.fail(ctx, ReasonBadExtensionFile)
			return false, true
		}
	}

	adapt := false
	adaptCount := uint32(0)

	for i := start; i < dirEntriesPerSect; i++ {
		e := parseDirEntry(data[i*dirEntrySize:])

		switch classify(e) {
		case kindSkip:
			continue

		case kindUnsupported:
			logger.Infof("file %q cannot be programmed", bytes.TrimSpace(e.name[:]))
			s.fail(ctx, ReasonBadExtensionFile)
			return false, true
		}

		if e.size == 0 || e.cluster < 2 {
			continue
		}

		begin := s.geo.ClusterSector(uint32(e.cluster))
		count := (e.size + SectorSize - 1) / SectorSize
		ext := e.extension()

		// temporary and deleted files hosts write before the real one
		if e.name[0] == '_' || e.name[0] == '.' || (e.name[0] == entryDeleted && ext != "CRD" && ext != "PAR") {
			if s.expectedStart == begin {
				adapt = true
				adaptCount = count
			}

			continue
		}

		if s.pageError != nil && !s.maybeErase && s.failedInRange(begin, count) {
			s.fail(ctx, reasonOf(s.pageError))
			return false, true
		}

		adapt = false

		if s.started && s.startSector < begin && s.received >= (begin-s.startSector)+count {
			s.shiftImage(ctx, begin, count)
			return false, true
		}

		logger.Debugf("found %q, %d bytes at sector %d", bytes.TrimSpace(e.name[:]), e.size, begin)

		s.goodFile = true
		s.kind = classify(e)
		s.size = e.size
		s.sectorCount = count
		s.beginSector = begin

		return true, false
	}

	if adapt {
		logger.Debugf("skipping temporary file at sector %d", s.expectedStart)

		s.expectedStart += adaptCount
		s.reset(false)
	}

	return false, false
}

// shiftImage moves an image that was programmed from sectors in front of
// the real start of the file, as some hosts write them.
func (s *DragDropSession) shiftImage(ctx context.Context, begin uint32, count uint32) {
	logger.Infof("file starts %d sectors after the programmed data, moving image", begin-s.startSector)

	if s.format != godaplink.FormatBin {
		s.fail(ctx, ReasonBadStartSector)
		return
	}

	if s.fill > 0 && !s.flushPage(ctx, s.previous) {
		return
	}

	image := make([]byte, count*SectorSize)

	if err := s.worker.readBack(ctx, (begin-s.startSector)*SectorSize, image); err != nil {
		s.fail(ctx, reasonOf(err))
		return
	}

	if err := s.worker.init(ctx, godaplink.FormatBin); err != nil {
		s.fail(ctx, reasonOf(err))
		return
	}

	for off := 0; off < len(image); off += pageSize {
		end := off + pageSize
		if end > len(image) {
			end = len(image)
		}

		if err := s.worker.program(ctx, uint32(off), image[off:end]); err != nil {
			s.fail(ctx, reasonOf(err))
			return
		}
	}

	s.received = count
	s.finish(ctx, true, 0)
}

func (s *DragDropSession) detect(data []byte) godaplink.ImageFormat {
	if s.goodFile && s.kind == kindHex {
		return godaplink.FormatHex
	}

	format := godaplink.DetectFormat(data, s.device)
	if format == godaplink.FormatUnknown && s.goodFile {
		return godaplink.FormatBin
	}

	return format
}

// writeData handles a write to the data region behind the drive's files.
func (s *DragDropSession) writeData(ctx context.Context, block uint32, data []byte) {
	s.dataSinceRoot = true

	if !s.rootFirst {
		s.sectorFirst = true
	}

	if s.started && block != s.previous+1 {
		switch {
		case block == s.startSector:
			logger.Debugf("host writes the file again from sector %d", block)

			s.resetTransfer()
			s.maybeErase = false
			s.pageError = nil
			s.failed = bitmap.New(int(s.geo.TotalSectors))

		case s.goodFile:
			logger.Debugf("sector %d out of order, expected %d", block, s.previous+1)
			s.fail(ctx, ReasonNotConsecutiveSectors)
			return

		default:
			logger.Debugf("dropping sector %d out of order", block)
			s.maybeErase = true
			return
		}
	}

	if !s.started && !s.goodFile && block > s.expectedStart {
		s.expectedStart = block
	}

	if block < s.expectedStart {
		logger.Tracef("dropping sector %d in front of the file", block)
		return
	}

	if !s.started && block != s.expectedStart {
		s.fail(ctx, ReasonBadStartSector)
		return
	}

	if !s.flashInit {
		format := s.detect(data)
		if format == godaplink.FormatUnknown {
			logger.Debugf("sector %d does not start an image", block)
			return
		}

		if err := s.worker.init(ctx, format); err != nil {
			s.fail(ctx, reasonOf(err))
			return
		}

		s.flashInit = true
		s.format = format
		s.dirty = false
	}

	if !s.started {
		if s.dirty {
			if format := s.detect(data); format != godaplink.FormatUnknown {
				s.format = format
			}

			if err := s.worker.init(ctx, s.format); err != nil {
				s.fail(ctx, reasonOf(err))
				return
			}

			s.dirty = false
		}

		logger.Infof("flashing %s image from sector %d", s.format, block)

		s.started = true
		s.startSector = block
		s.watchdog.send(cmdStart, s.id)
	}

	s.splitPending = false
	s.previous = block
	s.received++

	copy(s.page[s.fill:], data[:SectorSize])
	s.fill += SectorSize

	if s.fill == pageSize && !s.flushPage(ctx, block) {
		return
	}

	if s.format == godaplink.FormatHex && s.worker.flasher.HexDone() {
		s.complete(ctx)
		return
	}

	if s.sectorCount != 0 && s.received == s.sectorCount {
		s.complete(ctx)
	}
}

// flushPage programs the staged sectors, the last of them being block. It
// returns false if the session ended.
func (s *DragDropSession) flushPage(ctx context.Context, block uint32) bool {
	sectors := uint32(s.fill / SectorSize)
	err := s.worker.program(ctx, s.pageAddr, s.page[:s.fill])

	s.pageAddr += pageSize
	s.fill = 0
	s.dirty = true

	if err == nil {
		return true
	}

	logger.Warnf("programming sectors %d..%d failed: %v", block+1-sectors, block, err)

	status := godaplink.FlashStatusOf(err)
	if s.goodFile || status == godaplink.FlashFailHexChecksum || status == godaplink.FlashFailHexParser {
		s.fail(ctx, reasonOf(err))
		return false
	}

	s.pageError = err
	for b := block + 1 - sectors; b <= block; b++ {
		s.failed.Set(int(b), true)
	}

	return true
}

// complete flushes the last page and ends the session.
func (s *DragDropSession) complete(ctx context.Context) {
	if s.fill > 0 && !s.flushPage(ctx, s.previous) {
		return
	}

	if s.pageError != nil && s.failedInRange(s.startSector, s.received) {
		s.fail(ctx, reasonOf(s.pageError))
		return
	}

	s.finish(ctx, true, 0)
}

func (s *DragDropSession) handleWatchdog(ctx context.Context, ev watchdogEvent) {
	if ev.session != s.id {
		logger.Debugf("ignoring watchdog event %d of session %d", ev.kind, ev.session)
		return
	}

	switch ev.kind {
	case eventSplitExpired:
		if s.splitPending {
			s.splitPending = false
			s.complete(ctx)
		}

	case eventTimeout:
		if s.started || s.flashInit {
			s.fail(ctx, ReasonTimeout)
		}
	}
}
