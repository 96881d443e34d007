// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// register map and command ids follow the ARM CMSIS-DAP and ADIv5 documentation
// for detailed information see

// https://arm-software.github.io/CMSIS_5/DAP/html/index.html

package godaplink

// CommandId is the first byte of every CMSIS-DAP request and response.
type CommandId uint8

const (
	CmdInfo              CommandId = 0x00
	CmdHostStatus        CommandId = 0x01
	CmdConnect           CommandId = 0x02
	CmdDisconnect        CommandId = 0x03
	CmdTransferConfigure CommandId = 0x04
	CmdTransfer          CommandId = 0x05
	CmdTransferBlock     CommandId = 0x06
	CmdTransferAbort     CommandId = 0x07
	CmdWriteAbort        CommandId = 0x08
	CmdDelay             CommandId = 0x09
	CmdResetTarget       CommandId = 0x0A
	CmdSwjPins           CommandId = 0x10
	CmdSwjClock          CommandId = 0x11
	CmdSwjSequence       CommandId = 0x12
	CmdSwdConfigure      CommandId = 0x13
	CmdJtagSequence      CommandId = 0x14
	CmdJtagConfigure     CommandId = 0x15
	CmdJtagIdCode        CommandId = 0x16
	CmdSwoTransport      CommandId = 0x17
	CmdSwoMode           CommandId = 0x18
	CmdSwoBaudrate       CommandId = 0x19
	CmdSwoControl        CommandId = 0x1A
	CmdSwoStatus         CommandId = 0x1B
	CmdSwoData           CommandId = 0x1C
	CmdExecuteCommands   CommandId = 0x7F
	CmdVendor0           CommandId = 0x80
	CmdVendor31          CommandId = 0x9F
	CmdInvalid           CommandId = 0xFF
)

var commandNames = map[CommandId]string{
	CmdInfo:              "DAP_Info",
	CmdHostStatus:        "DAP_HostStatus",
	CmdConnect:           "DAP_Connect",
	CmdDisconnect:        "DAP_Disconnect",
	CmdTransferConfigure: "DAP_TransferConfigure",
	CmdTransfer:          "DAP_Transfer",
	CmdTransferBlock:     "DAP_TransferBlock",
	CmdTransferAbort:     "DAP_TransferAbort",
	CmdWriteAbort:        "DAP_WriteABORT",
	CmdDelay:             "DAP_Delay",
	CmdResetTarget:       "DAP_ResetTarget",
	CmdSwjPins:           "DAP_SWJ_Pins",
	CmdSwjClock:          "DAP_SWJ_Clock",
	CmdSwjSequence:       "DAP_SWJ_Sequence",
	CmdSwdConfigure:      "DAP_SWD_Configure",
	CmdJtagSequence:      "DAP_JTAG_Sequence",
	CmdJtagConfigure:     "DAP_JTAG_Configure",
	CmdJtagIdCode:        "DAP_JTAG_IDCODE",
	CmdSwoTransport:      "DAP_SWO_Transport",
	CmdSwoMode:           "DAP_SWO_Mode",
	CmdSwoBaudrate:       "DAP_SWO_Baudrate",
	CmdSwoControl:        "DAP_SWO_Control",
	CmdSwoStatus:         "DAP_SWO_Status",
	CmdSwoData:           "DAP_SWO_Data",
	CmdExecuteCommands:   "DAP_ExecuteCommands",
	CmdInvalid:           "DAP_Invalid",
}

func (c CommandId) String() string {
	if c.IsVendor() {
		return "DAP_Vendor"
	}

	if name, ok := commandNames[c]; ok {
		return name
	}

	return "DAP_Unknown"
}

func (c CommandId) IsVendor() bool {
	return c >= CmdVendor0 && c <= CmdVendor31
}

// status bytes
const (
	DapOk    = 0x00
	DapError = 0xFF
)

// InfoId selects the DAP_Info answer.
type InfoId uint8

const (
	InfoVendor       InfoId = 0x01
	InfoProduct      InfoId = 0x02
	InfoSerialNumber InfoId = 0x03
	InfoFwVersion    InfoId = 0x04
	InfoDeviceVendor InfoId = 0x05
	InfoDeviceName   InfoId = 0x06
	InfoCapabilities InfoId = 0xF0
	InfoPacketCount  InfoId = 0xFE
	InfoPacketSize   InfoId = 0xFF
)

// capability bit positions in the DAP_Info capabilities byte
const (
	capabilitySwd  = 0
	capabilityJtag = 1
)

// Port is the physical debug port selected with DAP_Connect.
type Port uint8

const (
	PortDisabled   Port = 0
	PortSwd        Port = 1
	PortJtag       Port = 2
	PortAutoDetect Port = 0
)

func (p Port) String() string {
	switch p {
	case PortSwd:
		return "SWD"
	case PortJtag:
		return "JTAG"
	default:
		return "disabled"
	}
}

// host status types
const (
	hostStatusConnected = 0
	hostStatusRunning   = 1
)

// SWJ pin bit positions
const (
	SwjSwclkTck = 0
	SwjSwdioTms = 1
	SwjTdi      = 2
	SwjTdo      = 3
	SwjNTrst    = 5
	SwjNReset   = 7

	swjPinsMaxWaitUs = 3000000
)

// transfer request bits
const (
	TransferAPnDP      = 1 << 0
	TransferRnW        = 1 << 1
	TransferA2         = 1 << 2
	TransferA3         = 1 << 3
	TransferMatchValue = 1 << 4
	TransferMatchMask  = 1 << 5
)

// Ack is the three bit acknowledge of a SWD/JTAG transfer, extended with
// the CMSIS-DAP mismatch flag.
type Ack uint8

const (
	AckOk       Ack = 1 << 0
	AckWait     Ack = 1 << 1
	AckFault    Ack = 1 << 2
	AckError    Ack = 1 << 3
	AckMismatch Ack = 1 << 4
)

func (a Ack) String() string {
	switch a {
	case AckOk:
		return "OK"
	case AckWait:
		return "WAIT"
	case AckFault:
		return "FAULT"
	case AckError:
		return "ERROR"
	case AckOk | AckMismatch:
		return "MISMATCH"
	case 0:
		return "NONE"
	default:
		return "PROTOCOL"
	}
}

// JTAG sequence info byte
const (
	JtagSequenceTck = 0x3F
	JtagSequenceTms = 0x40
	JtagSequenceTdo = 0x80
)

// JTAG instruction codes
const (
	JtagAbort  = 0x08
	JtagDpAcc  = 0x0A
	JtagApAcc  = 0x0B
	JtagIdCode = 0x0E
	JtagBypass = 0x0F

	jtagMaxDevices = 8
)

// debug port registers
const (
	DpIdCode   = 0x00
	DpAbort    = 0x00
	DpCtrlStat = 0x04
	DpSelect   = 0x08
	DpRdBuff   = 0x0C
)

// DP ABORT bits
const (
	abortDapAbort   = 1 << 0
	abortStkCmpClr  = 1 << 1
	abortStkErrClr  = 1 << 2
	abortWdErrClr   = 1 << 3
	abortOrunErrClr = 1 << 4
)

// DP CTRL/STAT bits
const (
	ctrlOrunDetect    = 1 << 0
	ctrlStickyOrun    = 1 << 1
	ctrlTrnNormal     = 0 << 2
	ctrlStickyCmp     = 1 << 4
	ctrlStickyErr     = 1 << 5
	ctrlReadOk        = 1 << 6
	ctrlWDataErr      = 1 << 7
	ctrlMaskLane      = 0xF << 8
	ctrlCDbgRstReq    = 1 << 26
	ctrlCDbgRstAck    = 1 << 27
	ctrlCDbgPwrUpReq  = 1 << 28
	ctrlCDbgPwrUpAck  = 1 << 29
	ctrlCSysPwrUpReq  = 1 << 30
	ctrlCSysPwrUpAck  = 1 << 31
	ctrlPowerUpAckAll = ctrlCDbgPwrUpAck | ctrlCSysPwrUpAck
)

// DP SELECT fields
const (
	selectApSel     = 0xFF000000
	selectApBankSel = 0x000000F0
)

// MEM-AP registers, the upper byte carries the AP number
const (
	ApCsw = 0x00
	ApTar = 0x04
	ApDrw = 0x0C
	ApIdr = 0xFC
)

// MEM-AP CSW bits
const (
	cswSize8    = 0x00000000
	cswSize16   = 0x00000001
	cswSize32   = 0x00000002
	cswSAddrInc = 0x00000010
	cswDbgStat  = 0x00000040
	cswReserved = 0x01000000
	cswHProt    = 0x02000000
	cswMstrDbg  = 0x20000000

	cswValue = cswReserved | cswMstrDbg | cswHProt | cswDbgStat | cswSAddrInc
)

// Cortex-M system control and debug registers
const (
	CpuIdRegister = 0xE000ED00
	NvicAircr     = 0xE000ED0C
	DbgHcsr       = 0xE000EDF0
	DbgCrsr       = 0xE000EDF4
	DbgCrdr       = 0xE000EDF8
	DbgEmcr       = 0xE000EDFC
)

// DHCSR bits
const (
	dbgKey     = 0xA05F0000
	cDebugEn   = 1 << 0
	cHalt      = 1 << 1
	cStep      = 1 << 2
	cMaskInts  = 1 << 3
	sRegRdy    = 1 << 16
	sHalt      = 1 << 17
	sSleep     = 1 << 18
	sLockup    = 1 << 19
	sRetireSt  = 1 << 24
	sResetSt   = 1 << 25
	dcrsrRegWn = 1 << 16
)

// DEMCR and AIRCR bits
const (
	vcCoreReset   = 1 << 0
	vectKey       = 0x05FA0000
	vectReset     = 1 << 0
	vectClrActive = 1 << 1
	sysResetReq   = 1 << 2
)

// core register numbers used by DCRSR
const (
	regR0   = 0
	regR9   = 9
	regSP   = 13
	regLR   = 14
	regPC   = 15
	regXPSR = 16
)

const (
	// wait retries of the target access helpers, independent of the
	// host configured DAP transfer retry count
	maxSwdRetry = 10
	// halt polls of a flash algorithm call
	maxSyscallTimeout = 10000
	// DHCSR polls waiting for a core register transfer
	coreRegisterTimeout = 100

	defaultRetryCount    = 100
	defaultTurnaround    = 1
	defaultSwjClockHz    = 1000000
	defaultPacketSize    = 64
	defaultPacketCount   = 1
	minPacketSize        = 64
	maxPacketSize        = 32768
	defaultAutoIncrement = 1024
	defaultProgramPage   = 1024
	firmwareVersion      = "1.0"
)
