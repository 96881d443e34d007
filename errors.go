// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotImplemented = errors.New("not implemented by wire")
	ErrPortInUse      = errors.New("debug port in use")
	ErrNotConnected   = errors.New("no debug port connected")
	ErrTimeout        = errors.New("target did not respond in time")
)

// TransferError carries the acknowledge of a failed wire transfer.
type TransferError struct {
	Ack     Ack
	Request uint8
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer request 0x%02x failed with ack %s (0x%x)", e.Request, e.Ack, uint8(e.Ack))
}

func newTransferError(req uint8, ack Ack) error {
	return &TransferError{Ack: ack, Request: req}
}

// IsWait reports whether err is a WAIT acknowledge that survived the retries.
func IsWait(err error) bool {
	var terr *TransferError

	if errors.As(err, &terr) {
		return terr.Ack == AckWait
	}

	return false
}

// FlashStatus is the outcome of a flash programming step.
type FlashStatus int

const (
	FlashOk FlashStatus = iota
	FlashFailReset
	FlashFailAlgoDownload
	FlashFailAlgoDataSeq
	FlashFailInit
	FlashFailSecurityBits
	FlashFailEraseSector
	FlashFailEraseAll
	FlashFailWrite
	FlashFailHexChecksum
	FlashFailHexParser
	FlashFailUnknownFormat
	FlashFailTimeout
	FlashFailUnknown
)

var flashStatusNames = [...]string{
	FlashOk:                "ok",
	FlashFailReset:         "target reset failed",
	FlashFailAlgoDownload:  "flash algorithm download failed",
	FlashFailAlgoDataSeq:   "flash algorithm data sequence failed",
	FlashFailInit:          "flash init failed",
	FlashFailSecurityBits:  "security bits set in image",
	FlashFailEraseSector:   "flash sector erase failed",
	FlashFailEraseAll:      "flash mass erase failed",
	FlashFailWrite:         "flash write failed",
	FlashFailHexChecksum:   "hex record checksum mismatch",
	FlashFailHexParser:     "hex file parse failed",
	FlashFailUnknownFormat: "unknown image format",
	FlashFailTimeout:       "flash algorithm timed out",
	FlashFailUnknown:       "unknown flash failure",
}

func (s FlashStatus) String() string {
	if int(s) >= 0 && int(s) < len(flashStatusNames) {
		return flashStatusNames[s]
	}

	return fmt.Sprintf("flash status %d", int(s))
}

// FlashError reports a failed flash programming step.
type FlashError struct {
	Status FlashStatus
	cause  error
}

func (e *FlashError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Status, e.cause)
	}

	return e.Status.String()
}

// Cause returns the underlying error, or an error carrying only the status
// when the step failed without one.
func (e *FlashError) Cause() error {
	if e.cause == nil {
		return errors.New(e.Status.String())
	}

	return e.cause
}

func (e *FlashError) Unwrap() error {
	return e.cause
}

func newFlashError(status FlashStatus, cause error) error {
	return &FlashError{Status: status, cause: cause}
}

// FlashStatusOf extracts the flash status of err, FlashOk for nil and
// FlashFailUnknown for any other error.
func FlashStatusOf(err error) FlashStatus {
	if err == nil {
		return FlashOk
	}

	var ferr *FlashError

	if errors.As(err, &ferr) {
		return ferr.Status
	}

	return FlashFailUnknown
}
