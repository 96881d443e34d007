// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

import (
	"github.com/pkg/errors"
)

const invalidRegisterCache = 0xffffffff

// JtagChain describes the devices of the JTAG scan chain as set up by
// DAP_JTAG_Configure.
type JtagChain struct {
	Count    int
	Index    int
	IrLength [jtagMaxDevices]uint8
	IrBefore [jtagMaxDevices]uint16
	IrAfter  [jtagMaxDevices]uint16
}

func (c *JtagChain) position(index int) JtagPosition {
	return JtagPosition{
		Index:    index,
		Count:    c.Count,
		IrLength: c.IrLength[index],
		IrBefore: c.IrBefore[index],
		IrAfter:  c.IrAfter[index],
	}
}

// DebugPortState is the connection state shared by the command dispatcher
// and the target access functions.
type DebugPortState struct {
	Port Port

	// cached DP SELECT and MEM-AP CSW, writes of an unchanged value are skipped
	Select uint32
	Csw    uint32

	IdleCycles uint8
	RetryCount uint16
	MatchRetry uint16
	MatchMask  uint32

	Turnaround uint8
	DataPhase  bool

	Jtag JtagChain
}

// NewDebugPortState returns the state after DAP_Setup.
func NewDebugPortState() *DebugPortState {
	s := &DebugPortState{}
	s.reset()

	return s
}

func (s *DebugPortState) reset() {
	*s = DebugPortState{
		RetryCount: defaultRetryCount,
		Turnaround: defaultTurnaround,
	}
	s.invalidateCache()
}

func (s *DebugPortState) invalidateCache() {
	s.Select = invalidRegisterCache
	s.Csw = invalidRegisterCache
}

func (s *DebugPortState) wireConfig() WireConfig {
	return WireConfig{
		Turnaround: s.Turnaround,
		DataPhase:  s.DataPhase,
		IdleCycles: s.IdleCycles,
	}
}

func swdRequest(ap bool, read bool, adr uint32) uint8 {
	req := uint8(adr & (TransferA2 | TransferA3))

	if ap {
		req |= TransferAPnDP
	}
	if read {
		req |= TransferRnW
	}

	return req
}

// transfer issues one wire transaction and repeats it while the target
// answers WAIT. The value of a read is only taken from the attempt that was
// acknowledged with OK.
func (t *Target) transfer(req uint8, data *uint32) error {
	var ack Ack
	var value uint32

	if data != nil && req&TransferRnW == 0 {
		value = *data
	}

	for retry := 0; retry < maxSwdRetry; retry++ {
		attempt := value

		ack = t.wire.SwdTransfer(req, &attempt)

		if ack == AckWait {
			logger.Tracef("transfer 0x%02x WAIT, retry %d", req, retry+1)
			continue
		}

		if ack == AckOk && data != nil && req&TransferRnW != 0 {
			*data = attempt
		}

		break
	}

	logger.Tracef("swd request 0x%02x value 0x%08x ack %s", req, value, ack)

	if ack != AckOk {
		return newTransferError(req, ack)
	}

	return nil
}

// ReadDP reads a debug port register.
func (t *Target) ReadDP(adr uint32) (uint32, error) {
	var val uint32

	err := t.transfer(swdRequest(false, true, adr), &val)

	return val, err
}

// WriteDP writes a debug port register. A SELECT write of the cached value
// is not sent.
func (t *Target) WriteDP(adr uint32, val uint32) error {
	if adr == DpSelect {
		if t.state.Select == val {
			return nil
		}

		t.state.Select = val
	}

	err := t.transfer(swdRequest(false, false, adr), &val)

	if err != nil && adr == DpSelect {
		t.state.Select = invalidRegisterCache
	}

	return err
}

func (t *Target) selectAp(adr uint32) error {
	return t.WriteDP(DpSelect, (adr&selectApSel)|(adr&selectApBankSel))
}

// ReadAP reads an access port register, the AP number is held in the
// upper byte of adr.
func (t *Target) ReadAP(adr uint32) (uint32, error) {
	var val uint32

	if err := t.selectAp(adr); err != nil {
		return 0, err
	}

	req := swdRequest(true, true, adr)

	// posted read, the value arrives with the next access
	if err := t.transfer(req, &val); err != nil {
		return 0, err
	}

	if err := t.transfer(swdRequest(false, true, DpRdBuff), &val); err != nil {
		return 0, err
	}

	return val, nil
}

// WriteAP writes an access port register. A CSW write of the cached value
// is not sent.
func (t *Target) WriteAP(adr uint32, val uint32) error {
	if err := t.selectAp(adr); err != nil {
		return err
	}

	if adr&^selectApSel == ApCsw {
		if t.state.Csw == val {
			return nil
		}

		t.state.Csw = val
	}

	if err := t.transfer(swdRequest(true, false, adr), &val); err != nil {
		t.state.Csw = invalidRegisterCache
		return err
	}

	return t.transfer(swdRequest(false, true, DpRdBuff), nil)
}

func (t *Target) writeTar(addr uint32) error {
	return t.transfer(swdRequest(true, false, ApTar), &addr)
}

func (t *Target) readData(addr uint32) (uint32, error) {
	var val uint32

	if err := t.writeTar(addr); err != nil {
		return 0, err
	}

	if err := t.transfer(swdRequest(true, true, ApDrw), &val); err != nil {
		return 0, err
	}

	if err := t.transfer(swdRequest(false, true, DpRdBuff), &val); err != nil {
		return 0, err
	}

	return val, nil
}

func (t *Target) writeData(addr uint32, val uint32) error {
	if err := t.writeTar(addr); err != nil {
		return err
	}

	if err := t.transfer(swdRequest(true, false, ApDrw), &val); err != nil {
		return err
	}

	return t.transfer(swdRequest(false, true, DpRdBuff), nil)
}

// ReadMemory32 reads one word of target memory.
func (t *Target) ReadMemory32(addr uint32) (uint32, error) {
	if err := t.WriteAP(ApCsw, cswValue|cswSize32); err != nil {
		return 0, err
	}

	return t.readData(addr)
}

// WriteMemory32 writes one word of target memory.
func (t *Target) WriteMemory32(addr uint32, val uint32) error {
	if err := t.WriteAP(ApCsw, cswValue|cswSize32); err != nil {
		return err
	}

	return t.writeData(addr, val)
}

// ReadMemory8 reads one byte, the value is taken from its byte lane.
func (t *Target) ReadMemory8(addr uint32) (uint8, error) {
	if err := t.WriteAP(ApCsw, cswValue|cswSize8); err != nil {
		return 0, err
	}

	val, err := t.readData(addr)
	if err != nil {
		return 0, err
	}

	return uint8(val >> ((addr & 0x03) * 8)), nil
}

// WriteMemory8 writes one byte through its byte lane.
func (t *Target) WriteMemory8(addr uint32, val uint8) error {
	if err := t.WriteAP(ApCsw, cswValue|cswSize8); err != nil {
		return err
	}

	return t.writeData(addr, uint32(val)<<((addr&0x03)*8))
}

// writeBlock writes word aligned data with address auto increment. The
// block must not cross an auto increment page.
func (t *Target) writeBlock(addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if err := t.WriteAP(ApCsw, cswValue|cswSize32); err != nil {
		return err
	}

	if err := t.writeTar(addr); err != nil {
		return err
	}

	req := swdRequest(true, false, ApDrw)

	for i := 0; i+4 <= len(data); i += 4 {
		val := le_to_h_u32(data[i:])

		if err := t.transfer(req, &val); err != nil {
			return errors.Wrapf(err, "block write at 0x%08x", addr+uint32(i))
		}
	}

	return t.transfer(swdRequest(false, true, DpRdBuff), nil)
}

// readBlock reads word aligned data with address auto increment. The first
// DRW read is posted, every following read returns the previous word and
// the last word is taken from RDBUFF.
func (t *Target) readBlock(addr uint32, data []byte) error {
	words := len(data) / 4

	if words == 0 {
		return nil
	}

	if err := t.WriteAP(ApCsw, cswValue|cswSize32); err != nil {
		return err
	}

	if err := t.writeTar(addr); err != nil {
		return err
	}

	var val uint32
	req := swdRequest(true, true, ApDrw)

	if err := t.transfer(req, &val); err != nil {
		return err
	}

	for i := 0; i < words-1; i++ {
		if err := t.transfer(req, &val); err != nil {
			return errors.Wrapf(err, "block read at 0x%08x", addr+uint32(i*4))
		}

		uint32ToLittleEndian(data[i*4:], val)
	}

	if err := t.transfer(swdRequest(false, true, DpRdBuff), &val); err != nil {
		return err
	}

	uint32ToLittleEndian(data[(words-1)*4:], val)

	return nil
}

// blockLength returns how many bytes of size can be moved from addr with
// one auto increment block.
func (t *Target) blockLength(addr uint32, size uint32) uint32 {
	page := t.autoIncrementPage()
	n := page - (addr & (page - 1))

	if size < n {
		n = size &^ 0x03
	}

	return n
}

func (t *Target) autoIncrementPage() uint32 {
	if t.device != nil && t.device.AutoIncrementPageSize != 0 {
		return t.device.AutoIncrementPageSize
	}

	return defaultAutoIncrement
}

// WriteMemory writes data of any alignment and length: single bytes up to
// the first word boundary, word blocks bounded by the auto increment page
// size and single bytes for the tail.
func (t *Target) WriteMemory(addr uint32, data []byte) error {
	for len(data) > 0 && addr&0x03 != 0 {
		if err := t.WriteMemory8(addr, data[0]); err != nil {
			return err
		}

		addr++
		data = data[1:]
	}

	for len(data) > 3 {
		n := t.blockLength(addr, uint32(len(data)))

		if err := t.writeBlock(addr, data[:n]); err != nil {
			return err
		}

		addr += n
		data = data[n:]
	}

	for len(data) > 0 {
		if err := t.WriteMemory8(addr, data[0]); err != nil {
			return err
		}

		addr++
		data = data[1:]
	}

	return nil
}

// ReadMemory fills buffer from target memory starting at addr, split the
// same way as WriteMemory.
func (t *Target) ReadMemory(addr uint32, buffer []byte) error {
	for len(buffer) > 0 && addr&0x03 != 0 {
		val, err := t.ReadMemory8(addr)
		if err != nil {
			return err
		}

		buffer[0] = val
		addr++
		buffer = buffer[1:]
	}

	for len(buffer) > 3 {
		n := t.blockLength(addr, uint32(len(buffer)))

		if err := t.readBlock(addr, buffer[:n]); err != nil {
			return err
		}

		addr += n
		buffer = buffer[n:]
	}

	for len(buffer) > 0 {
		val, err := t.ReadMemory8(addr)
		if err != nil {
			return err
		}

		buffer[0] = val
		addr++
		buffer = buffer[1:]
	}

	return nil
}

func (t *Target) waitRegisterReady() error {
	for i := 0; i < coreRegisterTimeout; i++ {
		dhcsr, err := t.ReadMemory32(DbgHcsr)
		if err != nil {
			return err
		}

		if dhcsr&sRegRdy != 0 {
			return nil
		}
	}

	return errors.Wrap(ErrTimeout, "core register transfer")
}

// WriteCoreRegister writes core register n through DCRDR/DCRSR.
func (t *Target) WriteCoreRegister(n uint32, val uint32) error {
	if err := t.WriteMemory32(DbgCrdr, val); err != nil {
		return err
	}

	if err := t.WriteMemory32(DbgCrsr, n|dcrsrRegWn); err != nil {
		return err
	}

	return t.waitRegisterReady()
}

// ReadCoreRegister reads core register n through DCRSR/DCRDR.
func (t *Target) ReadCoreRegister(n uint32) (uint32, error) {
	if err := t.WriteMemory32(DbgCrsr, n); err != nil {
		return 0, err
	}

	if err := t.waitRegisterReady(); err != nil {
		return 0, err
	}

	return t.ReadMemory32(DbgCrdr)
}
