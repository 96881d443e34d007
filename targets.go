// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

// TargetDevice describes the memory layout of a target chip and how to
// program its flash.
type TargetDevice struct {
	Name string

	FlashStart uint32
	FlashEnd   uint32
	RamStart   uint32
	RamEnd     uint32
	SectorSize uint32

	// auto increment of the MEM-AP TAR wraps at this boundary
	AutoIncrementPageSize uint32

	Algorithm *FlashAlgorithm

	// SecurityCheck returns false if programming data at addr would lock
	// the chip.
	SecurityCheck func(addr uint32, data []byte) bool

	// hooks around debug port initialisation
	BeforeInitDebug func(t *Target)
	UnlockSequence  func(t *Target) error
}

func (d *TargetDevice) FlashSize() uint32 {
	return d.FlashEnd - d.FlashStart
}

func (d *TargetDevice) InFlash(addr uint32) bool {
	return addr >= d.FlashStart && addr < d.FlashEnd
}

func (d *TargetDevice) InRam(addr uint32) bool {
	return addr >= d.RamStart && addr <= d.RamEnd
}

// SimulatedAlgorithm is the flash algorithm layout of the simulated target.
// The image only has to be resident, the simulator executes the entry
// points itself.
var SimulatedAlgorithm = FlashAlgorithm{
	Init:        0x20000021,
	Uninit:      0x20000031,
	EraseChip:   0x20000041,
	EraseSector: 0x20000051,
	ProgramPage: 0x20000061,

	Syscall: FlashSyscall{
		Breakpoint:   0x20000001,
		StaticBase:   0x20000400,
		StackPointer: 0x20001000,
	},

	ProgramBuffer:   0x20001000,
	AlgoStart:       0x20000000,
	Image:           simulatedAlgorithmImage(),
	RamToFlashBytes: 1024,
}

func simulatedAlgorithmImage() []byte {
	image := make([]byte, 0x80)

	// BKPT #0 at the breakpoint address, the rest is filler
	for i := 0; i < len(image); i += 4 {
		uint32ToLittleEndian(image[i:], 0xE00ABE00)
	}

	return image
}

var knownTargets = map[string]TargetDevice{
	"sim": {
		Name:                  "sim",
		FlashStart:            0x00000000,
		FlashEnd:              0x00020000,
		RamStart:              0x20000000,
		RamEnd:                0x20004000,
		SectorSize:            1024,
		AutoIncrementPageSize: 0x400,
		Algorithm:             &SimulatedAlgorithm,
	},
	"lpc1768": {
		Name:                  "lpc1768",
		FlashStart:            0x00000000,
		FlashEnd:              0x00080000,
		RamStart:              0x10000000,
		RamEnd:                0x10008000,
		SectorSize:            4096,
		AutoIncrementPageSize: 0x1000,
		SecurityCheck:         lpcCodeReadProtection,
	},
	"kl25z": {
		Name:                  "kl25z",
		FlashStart:            0x00000000,
		FlashEnd:              0x00020000,
		RamStart:              0x1FFFF000,
		RamEnd:                0x20003000,
		SectorSize:            1024,
		AutoIncrementPageSize: 0x400,
		SecurityCheck:         kinetisFlashSecurity,
	},
	"nrf51822": {
		Name:                  "nrf51822",
		FlashStart:            0x00000000,
		FlashEnd:              0x00040000,
		RamStart:              0x20000000,
		RamEnd:                0x20004000,
		SectorSize:            1024,
		AutoIncrementPageSize: 0x400,
	},
}

// LookupTarget returns a copy of the named target, nil if unknown. Boards
// attach their flash algorithm to the returned device.
func LookupTarget(name string) *TargetDevice {
	if val, ok := knownTargets[name]; ok {
		return &val
	} else {
		return nil
	}
}

// lpcCodeReadProtection refuses the CRP patterns at 0x2FC that would disable
// SWD access.
func lpcCodeReadProtection(addr uint32, data []byte) bool {
	const crpAddress = 0x2FC

	if addr > crpAddress || addr+uint32(len(data)) < crpAddress+4 {
		return true
	}

	switch le_to_h_u32(data[crpAddress-addr:]) {
	case 0x12345678, 0x87654321, 0x43218765, 0x4E697370:
		return false
	default:
		return true
	}
}

// kinetisFlashSecurity refuses images that secure the chip or disable mass
// erase through the flash configuration field at 0x40C.
func kinetisFlashSecurity(addr uint32, data []byte) bool {
	const fsecAddress = 0x40C

	if addr > fsecAddress || addr+uint32(len(data)) <= fsecAddress {
		return true
	}

	fsec := data[fsecAddress-addr]

	// SEC != 0b10 secures the chip, MEEN == 0b10 disables mass erase
	if fsec&0x03 != 0x02 {
		return false
	}

	if (fsec>>4)&0x03 == 0x02 {
		return false
	}

	return true
}
