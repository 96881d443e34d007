// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package vfs

import (
	"fmt"

	"github.com/bbnote/godaplink"
	"github.com/pkg/errors"
)

// Reason tells why a drag-and-drop session failed. Its text is the content
// of FAIL.TXT.
type Reason int

const (
	ReasonSwdError Reason = iota
	ReasonBadExtensionFile
	ReasonNotConsecutiveSectors
	ReasonSwdPortInUse
	ReasonReservedBits
	ReasonBadStartSector
	ReasonTimeout
)

var reasonText = [...]string{
	ReasonSwdError:              "SWD ERROR",
	ReasonBadExtensionFile:      "BAD EXTENSION FILE",
	ReasonNotConsecutiveSectors: "NOT CONSECUTIVE SECTORS",
	ReasonSwdPortInUse:          "SWD PORT IN USE",
	ReasonReservedBits:          "RESERVED BITS",
	ReasonBadStartSector:        "BAD START SECTOR",
	ReasonTimeout:               "TIMEOUT",
}

func (r Reason) String() string {
	if int(r) >= 0 && int(r) < len(reasonText) {
		return reasonText[r]
	}

	return fmt.Sprintf("REASON %d", int(r))
}

// reasonOf maps a flash error to the reason shown to the user.
func reasonOf(err error) Reason {
	if errors.Cause(err) == godaplink.ErrPortInUse {
		return ReasonSwdPortInUse
	}

	if godaplink.FlashStatusOf(err) == godaplink.FlashFailSecurityBits {
		return ReasonReservedBits
	}

	return ReasonSwdError
}

// Eject asks the USB layer to disconnect the drive and attach it again.
type Eject struct {
	Success bool
	Reason  Reason
}

func (e Eject) String() string {
	if e.Success {
		return "success"
	}

	return "failed: " + e.Reason.String()
}
