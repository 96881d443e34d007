// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

import (
	"context"

	"github.com/bbnote/godaplink/intelhex"
	"github.com/pkg/errors"
)

// ImageFormat is the format of a file copied to the virtual drive.
type ImageFormat uint8

const (
	FormatUnknown ImageFormat = iota
	FormatBin
	FormatHex
)

func (f ImageFormat) String() string {
	switch f {
	case FormatBin:
		return "bin"
	case FormatHex:
		return "hex"
	default:
		return "unknown"
	}
}

// isHexRecord reports whether sector starts with an Intel HEX record of a
// type found at the start of a file.
func isHexRecord(sector []byte) bool {
	if len(sector) < 9 || sector[0] != ':' {
		return false
	}

	switch sector[8] {
	case '0', '2', '3', '4', '5':
		return true
	default:
		return false
	}
}

// hasVectorTable reports whether sector starts with a Cortex-M vector
// table for device: initial SP in RAM, reset, NMI and HardFault handlers in
// flash.
func hasVectorTable(sector []byte, device *TargetDevice) bool {
	if len(sector) < 16 {
		return false
	}

	if !device.InRam(le_to_h_u32(sector)) {
		return false
	}

	for i := 4; i <= 12; i += 4 {
		if !device.InFlash(le_to_h_u32(sector[i:])) {
			return false
		}
	}

	return true
}

// DetectFormat guesses the format of a file from its first sector.
func DetectFormat(sector []byte, device *TargetDevice) ImageFormat {
	if isHexRecord(sector) {
		return FormatHex
	}

	if device != nil && hasVectorTable(sector, device) {
		return FormatBin
	}

	return FormatUnknown
}

// Programmer writes a binary or Intel HEX image to target flash page by
// page. It must only be used by the task holding the probe lock.
type Programmer struct {
	target *Target
	device *TargetDevice
	flash  *FlashExecutor

	format ImageFormat

	hex    *intelhex.Decoder
	hexBuf []byte

	// bytes of the page at pageAddr staged in the program buffer
	staged   uint32
	pageAddr uint32

	// HEX pages already written to flash
	programmed map[uint32]bool
}

func NewProgrammer(target *Target) *Programmer {
	device := target.Device()

	return &Programmer{
		target: target,
		device: device,
		flash:  NewFlashExecutor(target, device.Algorithm),
		hex:    intelhex.NewDecoder(),
		hexBuf: make([]byte, 2*intelhex.MaxRecordData),

		programmed: make(map[uint32]bool),
	}
}

func (p *Programmer) Executor() *FlashExecutor {
	return p.flash
}

func (p *Programmer) Format() ImageFormat {
	return p.format
}

// HexDone reports whether the end of a HEX image has been programmed.
func (p *Programmer) HexDone() bool {
	return p.format == FormatHex && p.hex.Done()
}

// pageSize is the unit images are padded and staged in. An algorithm that
// programs any length falls back to the sector size.
func (p *Programmer) pageSize() uint32 {
	if algo := p.flash.Algorithm(); algo != nil && algo.RamToFlashBytes != 0 {
		return algo.RamToFlashBytes
	}

	if p.device.SectorSize != 0 {
		return p.device.SectorSize
	}

	return defaultProgramPage
}

// Init halts the target in reset, loads and initialises the flash
// algorithm and erases the chip.
func (p *Programmer) Init(ctx context.Context, format ImageFormat) error {
	logger.Infof("init flash programming of %s image on %s", format, p.device.Name)

	if p.device.Algorithm == nil {
		return newFlashError(FlashFailAlgoDownload, errors.Errorf("no flash algorithm for %s", p.device.Name))
	}

	if err := p.target.SetTargetState(ctx, ResetProgram); err != nil {
		return newFlashError(FlashFailReset, err)
	}

	p.flash.Invalidate()

	if err := p.flash.Init(p.device.FlashStart, 0); err != nil {
		return err
	}

	p.format = format
	p.staged = 0
	p.pageAddr = 0
	p.programmed = make(map[uint32]bool)

	if format == FormatHex {
		p.hex.Reset()
	}

	return p.flash.EraseChip()
}

// Uninit releases the target from reset and lets it run the new image.
func (p *Programmer) Uninit(ctx context.Context) error {
	return p.target.SetTargetState(ctx, ResetRun)
}

// ReadFlash reads back target flash starting offset bytes into flash.
func (p *Programmer) ReadFlash(offset uint32, buf []byte) error {
	if offset+uint32(len(buf)) > p.device.FlashSize() {
		return errors.Errorf("read of %d bytes at flash offset 0x%x out of range", len(buf), offset)
	}

	return p.target.ReadMemory(p.device.FlashStart+offset, buf)
}

// ProgramPage programs the next part of the image. addr is the offset of
// data in the file, HEX data is placed at the addresses of its records.
func (p *Programmer) ProgramPage(addr uint32, data []byte) error {
	switch p.format {
	case FormatBin:
		return p.programBin(addr, data)
	case FormatHex:
		return p.programHex(data)
	default:
		return newFlashError(FlashFailUnknownFormat, nil)
	}
}

func (p *Programmer) secure(addr uint32, data []byte) error {
	if p.device.SecurityCheck != nil && !p.device.SecurityCheck(addr, data) {
		return newFlashError(FlashFailSecurityBits, errors.Errorf("image locks %s at 0x%08x", p.device.Name, addr))
	}

	return nil
}

func (p *Programmer) programBin(offset uint32, data []byte) error {
	page := p.pageSize()
	addr := p.device.FlashStart + offset

	if rest := uint32(len(data)) % page; rest != 0 {
		padded := make([]byte, uint32(len(data))+page-rest)
		copy(padded, data)
		memset(padded[len(data):], 0xff)
		data = padded
	}

	if addr+uint32(len(data)) > p.device.FlashEnd {
		return newFlashError(FlashFailWrite, errors.Errorf("0x%08x+%d outside flash", addr, len(data)))
	}

	if err := p.secure(addr, data); err != nil {
		return err
	}

	logger.Debugf("program %d bytes at 0x%08x", len(data), addr)

	return p.flash.ProgramPage(addr, data)
}

func (p *Programmer) programHex(data []byte) error {
	for {
		res := p.hex.Decode(data, p.hexBuf)

		switch res.Status {
		// a jump within the staged page is filled, stage flushes on a new page
		case intelhex.StatusOk, intelhex.StatusFull, intelhex.StatusUnaligned:
			if err := p.stage(res.Address, res.Data); err != nil {
				return err
			}

		case intelhex.StatusEOF:
			if err := p.stage(res.Address, res.Data); err != nil {
				return err
			}

			if err := p.flushStaged(); err != nil {
				return err
			}

		case intelhex.StatusChecksumFail:
			return newFlashError(FlashFailHexChecksum, nil)

		default:
			return newFlashError(FlashFailHexParser, errors.Errorf("hex decoder stopped with %s", res.Status))
		}

		if res.Status == intelhex.StatusOk || res.Status == intelhex.StatusEOF {
			return nil
		}

		data = data[res.Consumed:]
	}
}

// stage copies decoded bytes into the program buffer, programming every
// page as soon as it is complete. Gaps inside a page are filled with 0xFF,
// records going back inside the staged page overwrite it. Data for a page
// already in flash is refused.
func (p *Programmer) stage(addr uint32, data []byte) error {
	page := p.pageSize()
	algo := p.flash.Algorithm()

	for len(data) > 0 {
		if !p.device.InFlash(addr) {
			logger.Warnf("skipping %d bytes of hex data at 0x%08x outside flash", len(data), addr)
			return nil
		}

		base := addr - addr%page
		offset := addr % page

		if p.staged > 0 && base != p.pageAddr {
			if err := p.flushStaged(); err != nil {
				return err
			}
		}

		if p.programmed[base] {
			return newFlashError(FlashFailWrite, errors.Errorf("hex data at 0x%08x for a page already programmed", addr))
		}

		p.pageAddr = base

		if offset > p.staged {
			gap := make([]byte, offset-p.staged)
			memset(gap, 0xff)

			if err := p.target.WriteMemory(algo.ProgramBuffer+p.staged, gap); err != nil {
				return newFlashError(FlashFailAlgoDataSeq, err)
			}
		}

		n := page - offset
		if n > uint32(len(data)) {
			n = uint32(len(data))
		}

		if err := p.secure(addr, data[:n]); err != nil {
			return err
		}

		if err := p.target.WriteMemory(algo.ProgramBuffer+offset, data[:n]); err != nil {
			return newFlashError(FlashFailAlgoDataSeq, err)
		}

		if offset+n > p.staged {
			p.staged = offset + n
		}

		if p.staged == page {
			if err := p.programStaged(); err != nil {
				return err
			}
		}

		addr += n
		data = data[n:]
	}

	return nil
}

// flushStaged pads a partly staged page with 0xFF and programs it.
func (p *Programmer) flushStaged() error {
	if p.staged == 0 {
		return nil
	}

	page := p.pageSize()
	pad := make([]byte, page-p.staged)
	memset(pad, 0xff)

	if err := p.target.WriteMemory(p.flash.Algorithm().ProgramBuffer+p.staged, pad); err != nil {
		return newFlashError(FlashFailAlgoDataSeq, err)
	}

	return p.programStaged()
}

func (p *Programmer) programStaged() error {
	logger.Debugf("program staged page at 0x%08x", p.pageAddr)

	p.staged = 0
	p.programmed[p.pageAddr] = true

	return p.flash.ProgramBuffered(p.pageAddr, p.pageSize())
}
