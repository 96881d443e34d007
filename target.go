// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

import (
	"context"

	"github.com/pkg/errors"
)

// TargetState is a reset/debug state the target can be put into.
type TargetState uint8

const (
	ResetHold TargetState = iota
	ResetProgram
	ResetRun
	ResetRunWithDebug
	NoDebug
	Debug
)

func (s TargetState) String() string {
	switch s {
	case ResetHold:
		return "RESET_HOLD"
	case ResetProgram:
		return "RESET_PROGRAM"
	case ResetRun:
		return "RESET_RUN"
	case ResetRunWithDebug:
		return "RESET_RUN_WITH_DEBUG"
	case NoDebug:
		return "NO_DEBUG"
	case Debug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ResetVariant selects how RESET_PROGRAM resets the core.
type ResetVariant uint8

const (
	// ResetHardware pulses nRESET with vector catch enabled.
	ResetHardware ResetVariant = iota
	// ResetSoftwareSysReset halts the core and requests SYSRESETREQ.
	ResetSoftwareSysReset
	// ResetSoftwareVectReset halts the core and requests VECTRESET.
	ResetSoftwareVectReset
)

// a scheduler tick of the probe firmware
const resetTickUs = 10000

// Target gives word, block and core register access to a Cortex-M over SWD
// and drives it through its reset and debug states.
type Target struct {
	wire    Wire
	state   *DebugPortState
	device  *TargetDevice
	variant ResetVariant
}

func NewTarget(wire Wire, state *DebugPortState, device *TargetDevice, variant ResetVariant) *Target {
	return &Target{
		wire:    wire,
		state:   state,
		device:  device,
		variant: variant,
	}
}

func (t *Target) Device() *TargetDevice {
	return t.device
}

func (t *Target) setReset(asserted bool) {
	t.wire.SetReset(asserted)
}

func (t *Target) resetPulse(ticks uint32) {
	t.setReset(true)
	t.wire.Delay(ticks * resetTickUs)

	t.setReset(false)
	t.wire.Delay(ticks * resetTickUs)
}

func (t *Target) setupSwd() {
	t.state.reset()
	t.state.Port = PortSwd

	t.wire.Connect(PortSwd)
	t.wire.Configure(t.state.wireConfig())
}

// lineReset clocks 51 ones, enough for a line reset of any SWD target.
func (t *Target) lineReset() {
	t.wire.SwjSequence(51, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
}

// ReadIdCode reads the DP IDCODE after eight idle cycles.
func (t *Target) ReadIdCode() (uint32, error) {
	t.wire.SwjSequence(8, []byte{0x00})

	return t.ReadDP(DpIdCode)
}

// JtagToSwd switches a SWJ-DP from JTAG to SWD and reads IDCODE.
func (t *Target) JtagToSwd() error {
	t.lineReset()
	t.wire.SwjSequence(16, []byte{0x9e, 0xe7})
	t.lineReset()

	id, err := t.ReadIdCode()
	if err != nil {
		return errors.Wrap(err, "reading IDCODE after JTAG to SWD switch")
	}

	logger.Debugf("SW-DP IDCODE 0x%08x", id)

	return nil
}

func (t *Target) clearStickyErrors() error {
	return t.WriteDP(DpAbort, abortStkCmpClr|abortStkErrClr|abortWdErrClr|abortOrunErrClr)
}

func (t *Target) powerUp(ctx context.Context) error {
	if err := t.WriteDP(DpCtrlStat, ctrlCSysPwrUpReq|ctrlCDbgPwrUpReq); err != nil {
		return err
	}

	for {
		stat, err := t.ReadDP(DpCtrlStat)
		if err != nil {
			return err
		}

		if stat&ctrlPowerUpAckAll == ctrlPowerUpAckAll {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "waiting for debug power up")
		}
	}
}

// InitDebug brings up the debug port: SWD switch, sticky error clear and
// power up of the debug and system domains.
func (t *Target) InitDebug(ctx context.Context) error {
	t.setupSwd()

	if t.device != nil && t.device.BeforeInitDebug != nil {
		t.device.BeforeInitDebug(t)
	}

	if err := t.JtagToSwd(); err != nil {
		return err
	}

	if err := t.clearStickyErrors(); err != nil {
		return err
	}

	if err := t.WriteDP(DpSelect, 0); err != nil {
		return err
	}

	if err := t.powerUp(ctx); err != nil {
		return err
	}

	if err := t.WriteDP(DpCtrlStat, ctrlCSysPwrUpReq|ctrlCDbgPwrUpReq|ctrlTrnNormal|ctrlMaskLane); err != nil {
		return err
	}

	if t.device != nil && t.device.UnlockSequence != nil {
		if err := t.device.UnlockSequence(t); err != nil {
			return errors.Wrap(err, "unlock sequence")
		}
	}

	return t.WriteDP(DpSelect, 0)
}

func (t *Target) waitHalted(ctx context.Context) error {
	for {
		dhcsr, err := t.ReadMemory32(DbgHcsr)
		if err != nil {
			return err
		}

		if dhcsr&sHalt != 0 {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "waiting for core halt")
		}
	}
}

func (t *Target) haltOnReset(ctx context.Context) error {
	if t.variant == ResetHardware {
		t.resetPulse(2)

		if err := t.InitDebug(ctx); err != nil {
			return err
		}

		if err := t.WriteMemory32(DbgHcsr, dbgKey|cDebugEn); err != nil {
			return err
		}

		if err := t.WriteMemory32(DbgEmcr, vcCoreReset); err != nil {
			return err
		}

		t.setReset(true)
		t.wire.Delay(2 * resetTickUs)
		t.setReset(false)

		return nil
	}

	if err := t.InitDebug(ctx); err != nil {
		return err
	}

	if err := t.WriteMemory32(DbgHcsr, dbgKey|cDebugEn|cHalt); err != nil {
		return err
	}

	if err := t.waitHalted(ctx); err != nil {
		return err
	}

	if err := t.WriteMemory32(DbgEmcr, vcCoreReset); err != nil {
		return err
	}

	request := uint32(sysResetReq)
	if t.variant == ResetSoftwareVectReset {
		request = vectReset
	}

	return t.WriteMemory32(NvicAircr, vectKey|request)
}

// SetTargetState moves the target into state. The first failing step
// aborts the transition, the polling loops run until ctx is done.
func (t *Target) SetTargetState(ctx context.Context, state TargetState) error {
	logger.Debugf("set target state %s", state)

	switch state {
	case ResetHold:
		t.setReset(true)

	case ResetRun:
		t.resetPulse(2)

	case ResetRunWithDebug:
		t.resetPulse(1)

		if err := t.InitDebug(ctx); err != nil {
			return err
		}

		if err := t.WriteMemory32(DbgHcsr, dbgKey|cDebugEn); err != nil {
			return err
		}

		t.resetPulse(1)

	case ResetProgram:
		if err := t.haltOnReset(ctx); err != nil {
			return err
		}

		t.wire.Delay(2 * resetTickUs)

		if err := t.waitHalted(ctx); err != nil {
			return err
		}

		if err := t.WriteMemory32(DbgEmcr, 0); err != nil {
			return err
		}

	case NoDebug:
		if err := t.WriteMemory32(DbgHcsr, dbgKey); err != nil {
			return err
		}

	case Debug:
		t.setupSwd()

		if err := t.JtagToSwd(); err != nil {
			return err
		}

		if err := t.clearStickyErrors(); err != nil {
			return err
		}

		if err := t.WriteDP(DpSelect, 0); err != nil {
			return err
		}

		if err := t.WriteDP(DpCtrlStat, ctrlCSysPwrUpReq|ctrlCDbgPwrUpReq); err != nil {
			return err
		}

		if err := t.WriteMemory32(DbgHcsr, dbgKey|cDebugEn); err != nil {
			return err
		}

	default:
		return errors.Errorf("unknown target state %d", state)
	}

	return nil
}
