// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

import (
	"github.com/pkg/errors"
)

// initial xPSR of a flash algorithm call, thumb bit set
const syscallXpsr = 0x01000000

// FlashSyscall is the register environment of a flash algorithm call.
type FlashSyscall struct {
	Breakpoint   uint32
	StaticBase   uint32
	StackPointer uint32
}

// FlashAlgorithm describes a flash algorithm blob loaded into target RAM.
// The image is opaque, only the entry points and the RAM layout are used.
type FlashAlgorithm struct {
	Init        uint32
	Uninit      uint32
	EraseChip   uint32
	EraseSector uint32
	ProgramPage uint32

	Syscall FlashSyscall

	ProgramBuffer uint32
	AlgoStart     uint32
	Image         []byte

	// bytes programmed by one ProgramPage call
	RamToFlashBytes uint32
}

func (a *FlashAlgorithm) AlgoSize() uint32 {
	return uint32(len(a.Image))
}

// FlashExecutor calls the entry points of a flash algorithm on the target.
// It must only be used by the task holding the probe lock.
type FlashExecutor struct {
	target *Target
	algo   *FlashAlgorithm
	loaded bool
}

func NewFlashExecutor(target *Target, algo *FlashAlgorithm) *FlashExecutor {
	return &FlashExecutor{
		target: target,
		algo:   algo,
	}
}

func (f *FlashExecutor) Algorithm() *FlashAlgorithm {
	return f.algo
}

// Invalidate forces the algorithm image to be downloaded again, required
// after every target reset.
func (f *FlashExecutor) Invalidate() {
	f.loaded = false
}

func (f *FlashExecutor) ensureLoaded() error {
	if f.loaded {
		return nil
	}

	if f.algo == nil || len(f.algo.Image) == 0 {
		return newFlashError(FlashFailAlgoDownload, errors.New("no flash algorithm for target"))
	}

	logger.Debugf("downloading flash algorithm (%d bytes) to 0x%08x", f.algo.AlgoSize(), f.algo.AlgoStart)

	if err := f.target.WriteMemory(f.algo.AlgoStart, f.algo.Image); err != nil {
		return newFlashError(FlashFailAlgoDownload, err)
	}

	f.loaded = true

	return nil
}

func (f *FlashExecutor) writeDebugState(entry uint32, args [4]uint32) error {
	t := f.target

	if err := t.WriteDP(DpSelect, 0); err != nil {
		return err
	}

	for i, arg := range args {
		if err := t.WriteCoreRegister(uint32(regR0+i), arg); err != nil {
			return err
		}
	}

	registers := []struct {
		n   uint32
		val uint32
	}{
		{regR9, f.algo.Syscall.StaticBase},
		{regSP, f.algo.Syscall.StackPointer},
		{regLR, f.algo.Syscall.Breakpoint},
		{regPC, entry},
		{regXPSR, syscallXpsr},
	}

	for _, r := range registers {
		if err := t.WriteCoreRegister(r.n, r.val); err != nil {
			return err
		}
	}

	if err := t.WriteMemory32(DbgHcsr, dbgKey|cDebugEn); err != nil {
		return err
	}

	status, err := t.ReadDP(DpCtrlStat)
	if err != nil {
		return err
	}

	if status&(ctrlStickyErr|ctrlWDataErr) != 0 {
		return errors.Errorf("sticky error after resume, CTRL/STAT 0x%08x", status)
	}

	return nil
}

func (f *FlashExecutor) waitUntilHalted() error {
	for i := 0; i < maxSyscallTimeout; i++ {
		dhcsr, err := f.target.ReadMemory32(DbgHcsr)
		if err != nil {
			return err
		}

		if dhcsr&sHalt != 0 {
			return nil
		}
	}

	return ErrTimeout
}

// Syscall runs the algorithm function at entry with up to four arguments
// and returns an error unless it halts at the breakpoint with R0 == 0.
func (f *FlashExecutor) Syscall(entry uint32, arg1, arg2, arg3, arg4 uint32) error {
	logger.Tracef("syscall 0x%08x(0x%x, 0x%x, 0x%x, 0x%x)", entry, arg1, arg2, arg3, arg4)

	if err := f.writeDebugState(entry, [4]uint32{arg1, arg2, arg3, arg4}); err != nil {
		return errors.Wrapf(err, "syscall 0x%08x setup", entry)
	}

	if err := f.waitUntilHalted(); err != nil {
		return errors.Wrapf(err, "syscall 0x%08x", entry)
	}

	r0, err := f.target.ReadCoreRegister(regR0)
	if err != nil {
		return errors.Wrapf(err, "syscall 0x%08x result", entry)
	}

	if r0 != 0 {
		return errors.Errorf("syscall 0x%08x returned 0x%x", entry, r0)
	}

	return nil
}

// Init downloads the algorithm when needed and calls its init function.
func (f *FlashExecutor) Init(addr uint32, clock uint32) error {
	if err := f.ensureLoaded(); err != nil {
		return err
	}

	if err := f.Syscall(f.algo.Init, addr, clock, 0, 0); err != nil {
		return newFlashError(FlashFailInit, err)
	}

	return nil
}

func (f *FlashExecutor) Uninit(function uint32) error {
	if err := f.ensureLoaded(); err != nil {
		return err
	}

	if err := f.Syscall(f.algo.Uninit, function, 0, 0, 0); err != nil {
		return newFlashError(FlashFailInit, err)
	}

	return nil
}

func (f *FlashExecutor) EraseChip() error {
	if err := f.ensureLoaded(); err != nil {
		return err
	}

	if err := f.Syscall(f.algo.EraseChip, 0, 0, 0, 0); err != nil {
		return newFlashError(FlashFailEraseAll, err)
	}

	return nil
}

func (f *FlashExecutor) EraseSector(addr uint32) error {
	if err := f.ensureLoaded(); err != nil {
		return err
	}

	if err := f.Syscall(f.algo.EraseSector, addr, 0, 0, 0); err != nil {
		return newFlashError(FlashFailEraseSector, err)
	}

	return nil
}

// ProgramBuffered programs size bytes already staged in the program buffer
// to addr.
func (f *FlashExecutor) ProgramBuffered(addr uint32, size uint32) error {
	if err := f.ensureLoaded(); err != nil {
		return err
	}

	if err := f.Syscall(f.algo.ProgramPage, addr, size, f.algo.ProgramBuffer, 0); err != nil {
		return newFlashError(FlashFailWrite, err)
	}

	return nil
}

// ProgramPage copies data to the program buffer and programs it in chunks
// of RamToFlashBytes starting at addr. A failing chunk aborts the page,
// chunks already written stay in flash.
func (f *FlashExecutor) ProgramPage(addr uint32, data []byte) error {
	if err := f.ensureLoaded(); err != nil {
		return err
	}

	if err := f.target.WriteMemory(f.algo.ProgramBuffer, data); err != nil {
		return newFlashError(FlashFailAlgoDataSeq, err)
	}

	chunk := f.algo.RamToFlashBytes
	if chunk == 0 {
		chunk = uint32(len(data))
	}

	for written := uint32(0); written < uint32(len(data)); written += chunk {
		err := f.Syscall(f.algo.ProgramPage, addr+written, chunk, f.algo.ProgramBuffer+written, 0)
		if err != nil {
			return newFlashError(FlashFailWrite, err)
		}
	}

	return nil
}
