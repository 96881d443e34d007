// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

import (
	"bytes"
	"sync"
)

const (
	simSwDpIdCode   = 0x0BB11477
	simJtagDpIdCode = 0x4BA00477
	simAhbApIdr     = 0x04770021
	simCortexM0Cpu  = 0x410CC200
	simNoAck        = Ack(0x07)
)

// SimRoutine emulates a function running on the simulated core. It gets
// R0..R3 and returns the new R0.
type SimRoutine func(s *SimTarget, args [4]uint32) uint32

// SimCall records one routine run by the simulated core.
type SimCall struct {
	Name  string
	Entry uint32
	Args  [4]uint32
}

type simRoutine struct {
	name string
	fn   SimRoutine
}

// SimTarget is a Cortex-M target with a SW-DP/JTAG-DP and one AHB-AP,
// reached through the Wire and JtagWire interfaces. Resuming the core at
// a registered entry point runs the matching routine and halts at LR, any
// other entry leaves the core running.
type SimTarget struct {
	mu sync.Mutex

	device *TargetDevice
	flash  []byte
	ram    []byte
	words  map[uint32]uint32

	port    Port
	cfg     WireConfig
	clockHz uint32
	pins    uint8
	inReset bool
	delayUs uint64

	// debug port
	ctrlStat  uint32
	selectReg uint32
	rdbuff    uint32
	sticky    bool

	// AHB-AP
	csw uint32
	tar uint32

	// core
	debugEn bool
	halted  bool
	regs    [17]uint32
	dcrdr   uint32
	demcr   uint32

	routines map[uint32]simRoutine
	calls    []SimCall

	// jtag
	jtagIr      [jtagMaxDevices]uint32
	jtagPending uint32

	waitCount  int
	faultAfter int
	requests   []uint8
	sequences  []int

	// FailProgram makes the program page routine fail for addr
	FailProgram func(addr uint32) bool
}

func NewSimTarget(device *TargetDevice) *SimTarget {
	s := &SimTarget{
		device:     device,
		flash:      make([]byte, device.FlashEnd-device.FlashStart),
		ram:        make([]byte, device.RamEnd-device.RamStart),
		words:      make(map[uint32]uint32),
		routines:   make(map[uint32]simRoutine),
		pins:       1 << SwjNReset,
		faultAfter: -1,
	}

	memset(s.flash, 0xff)

	if device.Algorithm != nil {
		s.InstallAlgorithm(device.Algorithm)
	}

	return s
}

// Register makes the core run fn when resumed at entry.
func (s *SimTarget) Register(entry uint32, name string, fn SimRoutine) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.routines[entry] = simRoutine{name: name, fn: fn}
}

// InstallAlgorithm registers routines behaving like a flash algorithm at
// the entry points of algo. Each of them fails unless the algorithm image
// has been downloaded to RAM.
func (s *SimTarget) InstallAlgorithm(algo *FlashAlgorithm) {
	resident := func(s *SimTarget) bool {
		image := make([]byte, len(algo.Image))
		s.readBytes(algo.AlgoStart, image)

		return bytes.Equal(image, algo.Image)
	}

	wrap := func(fn func(s *SimTarget, args [4]uint32) uint32) SimRoutine {
		return func(s *SimTarget, args [4]uint32) uint32 {
			if !resident(s) {
				return 1
			}

			return fn(s, args)
		}
	}

	s.Register(algo.Init, "Init", wrap(func(s *SimTarget, args [4]uint32) uint32 {
		return 0
	}))

	s.Register(algo.Uninit, "Uninit", wrap(func(s *SimTarget, args [4]uint32) uint32 {
		return 0
	}))

	s.Register(algo.EraseChip, "EraseChip", wrap(func(s *SimTarget, args [4]uint32) uint32 {
		memset(s.flash, 0xff)
		return 0
	}))

	s.Register(algo.EraseSector, "EraseSector", wrap(func(s *SimTarget, args [4]uint32) uint32 {
		offset := args[0] - s.device.FlashStart
		if !s.device.InFlash(args[0]) || offset+s.device.SectorSize > uint32(len(s.flash)) {
			return 1
		}

		memset(s.flash[offset:offset+s.device.SectorSize], 0xff)
		return 0
	}))

	s.Register(algo.ProgramPage, "ProgramPage", wrap(func(s *SimTarget, args [4]uint32) uint32 {
		addr, size, buf := args[0], args[1], args[2]
		offset := addr - s.device.FlashStart

		if !s.device.InFlash(addr) || offset+size > uint32(len(s.flash)) {
			return 1
		}

		if s.FailProgram != nil && s.FailProgram(addr) {
			return 1
		}

		data := make([]byte, size)
		s.readBytes(buf, data)

		// programming can only clear bits
		for i := range data {
			s.flash[offset+uint32(i)] &= data[i]
		}

		return 0
	}))
}

// Flash returns a copy of the flash contents.
func (s *SimTarget) Flash() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]byte(nil), s.flash...)
}

// Calls returns the routines run so far.
func (s *SimTarget) Calls() []SimCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]SimCall(nil), s.calls...)
}

// CallCount counts the runs of the named routine.
func (s *SimTarget) CallCount(name string) int {
	n := 0

	for _, c := range s.Calls() {
		if c.Name == name {
			n++
		}
	}

	return n
}

// Requests returns the request byte of every transfer since the last
// ClearLog.
func (s *SimTarget) Requests() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]uint8(nil), s.requests...)
}

// Sequences returns the bit counts of the SWJ sequences sent.
func (s *SimTarget) Sequences() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int(nil), s.sequences...)
}

func (s *SimTarget) ClearLog() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = nil
	s.sequences = nil
	s.calls = nil
}

// InjectWait answers the next n transfers with WAIT.
func (s *SimTarget) InjectWait(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.waitCount = n
}

// InjectFault answers the transfer after n more transfers with FAULT.
func (s *SimTarget) InjectFault(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.faultAfter = n
}

// Halted reports whether the core is halted.
func (s *SimTarget) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.halted
}

// Memory returns size bytes of target memory at addr.
func (s *SimTarget) Memory(addr uint32, size int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, size)
	s.readBytes(addr, buf)

	return buf
}

func (s *SimTarget) region(addr uint32) ([]byte, uint32) {
	if addr >= s.device.FlashStart && addr < s.device.FlashStart+uint32(len(s.flash)) {
		return s.flash, addr - s.device.FlashStart
	}

	if addr >= s.device.RamStart && addr < s.device.RamStart+uint32(len(s.ram)) {
		return s.ram, addr - s.device.RamStart
	}

	return nil, 0
}

func (s *SimTarget) readBytes(addr uint32, buf []byte) {
	for i := range buf {
		mem, offset := s.region(addr + uint32(i))
		if mem != nil {
			buf[i] = mem[offset]
		}
	}
}

func (s *SimTarget) readWord(addr uint32) uint32 {
	addr &^= 0x03

	switch addr {
	case DbgHcsr:
		val := uint32(sRegRdy)
		if s.debugEn {
			val |= cDebugEn
		}
		if s.halted {
			val |= sHalt | cHalt
		}
		return val
	case DbgCrdr:
		return s.dcrdr
	case DbgEmcr:
		return s.demcr
	case CpuIdRegister:
		return simCortexM0Cpu
	}

	if mem, offset := s.region(addr); mem != nil && offset+4 <= uint32(len(mem)) {
		return le_to_h_u32(mem[offset:])
	}

	return s.words[addr]
}

// writeWord stores the lanes of val selected by mask.
func (s *SimTarget) writeWord(addr uint32, val uint32, mask uint32) {
	addr &^= 0x03

	switch addr {
	case DbgHcsr:
		s.writeDhcsr(val)
		return
	case DbgCrsr:
		n := val & 0x1F
		if n < uint32(len(s.regs)) {
			if val&dcrsrRegWn != 0 {
				s.regs[n] = s.dcrdr
			} else {
				s.dcrdr = s.regs[n]
			}
		}
		return
	case DbgCrdr:
		s.dcrdr = val
		return
	case DbgEmcr:
		s.demcr = val
		return
	case NvicAircr:
		if val&0xFFFF0000 == vectKey && val&(sysResetReq|vectReset) != 0 {
			s.coreReset()
		}
		return
	}

	if mem, offset := s.region(addr); mem != nil {
		// flash is only written by the flash algorithm
		if addr >= s.device.FlashStart && addr < s.device.FlashStart+uint32(len(s.flash)) {
			return
		}

		for i := uint32(0); i < 4 && offset+i < uint32(len(mem)); i++ {
			if mask&(0xff<<(i*8)) != 0 {
				mem[offset+i] = byte(val >> (i * 8))
			}
		}
		return
	}

	s.words[addr] = (s.words[addr] &^ mask) | (val & mask)
}

func (s *SimTarget) writeDhcsr(val uint32) {
	if val&0xFFFF0000 != dbgKey {
		return
	}

	s.debugEn = val&cDebugEn != 0

	if !s.debugEn {
		s.halted = false
		return
	}

	if val&cHalt != 0 {
		s.halted = true
		return
	}

	if s.halted {
		s.resume()
	}
}

func (s *SimTarget) resume() {
	pc := s.regs[regPC]
	routine, ok := s.routines[pc]

	if !ok {
		s.halted = false
		return
	}

	var args [4]uint32
	copy(args[:], s.regs[:4])

	s.calls = append(s.calls, SimCall{Name: routine.name, Entry: pc, Args: args})

	s.regs[regR0] = routine.fn(s, args)
	s.regs[regPC] = s.regs[regLR]
	s.halted = true
}

func (s *SimTarget) coreReset() {
	s.regs = [17]uint32{}
	s.halted = s.debugEn && s.demcr&vcCoreReset != 0
}

func (s *SimTarget) accessSize() uint32 {
	switch s.csw & 0x07 {
	case cswSize8:
		return 1
	case cswSize16:
		return 2
	default:
		return 4
	}
}

func (s *SimTarget) laneMask() uint32 {
	size := s.accessSize()
	if size == 4 {
		return 0xffffffff
	}

	return ((1 << (size * 8)) - 1) << ((s.tar & 0x03) * 8)
}

func (s *SimTarget) incrementTar() {
	if s.csw&cswSAddrInc == 0 {
		return
	}

	page := s.device.AutoIncrementPageSize
	if page == 0 {
		page = defaultAutoIncrement
	}

	// TAR only increments within the auto increment page
	s.tar = (s.tar &^ (page - 1)) | ((s.tar + s.accessSize()) & (page - 1))
}

func (s *SimTarget) apRead(reg uint32) uint32 {
	if s.selectReg&selectApSel != 0 {
		return 0
	}

	switch reg {
	case ApCsw:
		return s.csw
	case ApTar:
		return s.tar
	case ApDrw:
		val := s.readWord(s.tar)
		s.incrementTar()
		return val
	case ApIdr:
		return simAhbApIdr
	default:
		return 0
	}
}

func (s *SimTarget) apWrite(reg uint32, val uint32) {
	if s.selectReg&selectApSel != 0 {
		return
	}

	switch reg {
	case ApCsw:
		s.csw = val
	case ApTar:
		s.tar = val
	case ApDrw:
		s.writeWord(s.tar, val, s.laneMask())
		s.incrementTar()
	}
}

func (s *SimTarget) dpWriteAbort(val uint32) {
	if val&abortStkErrClr != 0 || val&abortWdErrClr != 0 {
		s.sticky = false
	}

	if val&abortDapAbort != 0 {
		s.sticky = false
	}
}

func (s *SimTarget) dpRead(adr uint32) uint32 {
	switch adr {
	case DpIdCode:
		if s.port == PortJtag {
			return simJtagDpIdCode
		}
		return simSwDpIdCode
	case DpCtrlStat:
		val := s.ctrlStat
		if s.sticky {
			val |= ctrlStickyErr
		}
		return val
	case DpRdBuff:
		return s.rdbuff
	default:
		return 0
	}
}

func (s *SimTarget) dpWrite(adr uint32, val uint32) {
	switch adr {
	case DpAbort:
		s.dpWriteAbort(val)
	case DpCtrlStat:
		// power up requests are acknowledged at once
		s.ctrlStat = val | (val&(ctrlCDbgPwrUpReq|ctrlCSysPwrUpReq))<<1
	case DpSelect:
		s.selectReg = val
	}
}

// injected answers, the caller holds mu
func (s *SimTarget) injected() (Ack, bool) {
	if s.waitCount > 0 {
		s.waitCount--
		return AckWait, true
	}

	if s.faultAfter == 0 {
		s.faultAfter = -1
		s.sticky = true
		return AckFault, true
	}

	if s.faultAfter > 0 {
		s.faultAfter--
	}

	return 0, false
}

func (s *SimTarget) Connect(port Port) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.port = port
}

func (s *SimTarget) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.port = PortDisabled
}

func (s *SimTarget) SwjSequence(count int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequences = append(s.sequences, count)
}

func (s *SimTarget) SwdTransfer(request uint8, data *uint32) Ack {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, request)

	if s.port != PortSwd || s.inReset {
		return simNoAck
	}

	var value uint32
	if data != nil {
		value = *data
	}

	read := request&TransferRnW != 0

	if ack, ok := s.injected(); ok {
		if read && data != nil {
			*data = 0xDEADBEEF
		}
		return ack
	}

	adr := uint32(request & (TransferA2 | TransferA3))

	if request&TransferAPnDP == 0 {
		if read {
			value = s.dpRead(adr)
		} else {
			s.dpWrite(adr, value)
		}
	} else {
		if s.sticky {
			return AckFault
		}

		reg := (s.selectReg & selectApBankSel) | adr

		if read {
			value = s.rdbuff
			s.rdbuff = s.apRead(reg)
		} else {
			s.apWrite(reg, value)
		}
	}

	if read && data != nil {
		*data = value
	}

	return AckOk
}

func (s *SimTarget) Configure(cfg WireConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
}

// WireConfig returns the last configuration applied to the wire.
func (s *SimTarget) WireConfig() WireConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cfg
}

func (s *SimTarget) SetClock(hz uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clockHz = hz
}

func (s *SimTarget) Clock() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.clockHz
}

func (s *SimTarget) SetPins(value uint8, mask uint8) {
	s.mu.Lock()
	s.pins = (s.pins &^ mask) | (value & mask)
	reset := s.pins&(1<<SwjNReset) == 0
	s.mu.Unlock()

	if mask&(1<<SwjNReset) != 0 {
		s.SetReset(reset)
	}
}

func (s *SimTarget) Pins() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pins
}

func (s *SimTarget) SetReset(asserted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if asserted {
		s.pins &^= 1 << SwjNReset
		s.inReset = true
		s.halted = false
		return
	}

	s.pins |= 1 << SwjNReset

	if s.inReset {
		s.inReset = false
		s.coreReset()
	}
}

func (s *SimTarget) Delay(us uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.delayUs += uint64(us)
}

// Elapsed returns the microseconds spent in Delay.
func (s *SimTarget) Elapsed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.delayUs
}

func (s *SimTarget) JtagSequence(info uint8, tdi []byte, tdo []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int(info & JtagSequenceTck)
	if n == 0 {
		n = 64
	}

	s.sequences = append(s.sequences, n)

	// TDI is looped back to TDO
	if info&JtagSequenceTdo != 0 {
		copy(tdo, tdi)
	}
}

func (s *SimTarget) JtagIR(dev JtagPosition, ir uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dev.Index < len(s.jtagIr) {
		s.jtagIr[dev.Index] = ir
	}
}

// JtagTransfer returns the result of the previous DPACC/APACC scan for
// reads, every scan posts its own result.
func (s *SimTarget) JtagTransfer(dev JtagPosition, request uint8, data *uint32) Ack {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, request)

	if s.port != PortJtag || dev.Index >= len(s.jtagIr) {
		return simNoAck
	}

	if ack, ok := s.injected(); ok {
		return ack
	}

	adr := uint32(request & (TransferA2 | TransferA3))
	read := request&TransferRnW != 0

	var value, result uint32
	if data != nil {
		value = *data
	}

	switch s.jtagIr[dev.Index] {
	case JtagDpAcc:
		if read {
			if adr != DpRdBuff {
				result = s.dpRead(adr)
			}
		} else {
			s.dpWrite(adr, value)
		}
	case JtagApAcc:
		if s.sticky {
			return AckFault
		}

		reg := (s.selectReg & selectApBankSel) | adr
		if read {
			result = s.apRead(reg)
		} else {
			s.apWrite(reg, value)
		}
	default:
		return simNoAck
	}

	if read && data != nil {
		*data = s.jtagPending
	}
	s.jtagPending = result

	return AckOk
}

func (s *SimTarget) JtagReadIdCode(dev JtagPosition) uint32 {
	return simJtagDpIdCode
}

func (s *SimTarget) JtagWriteAbort(dev JtagPosition, data uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dpWriteAbort(data)
}
