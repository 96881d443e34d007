// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Package intelhex decodes Intel HEX files arriving in chunks of any size,
// for example the sectors of a file copied to the virtual drive.
package intelhex

import "fmt"

const (
	recordData         = 0x00
	recordEOF          = 0x01
	recordExtSegment   = 0x02
	recordStartSegment = 0x03
	recordExtLinear    = 0x04
	recordStartLinear  = 0x05

	// byte count, address, type and checksum
	recordOverhead = 5

	// MaxRecordData is the largest data field of a record. Output buffers
	// passed to Decode must hold at least this many bytes.
	MaxRecordData = 255
)

type Status int

const (
	// StatusOk means the whole input was consumed.
	StatusOk Status = iota
	// StatusEOF means the end of file record was decoded.
	StatusEOF
	// StatusUnaligned means the next data is not contiguous with the data
	// returned, the caller flushes and calls again with the remaining input.
	StatusUnaligned
	// StatusFull means the output buffer cannot take the next record.
	StatusFull
	StatusChecksumFail
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusEOF:
		return "eof"
	case StatusUnaligned:
		return "unaligned"
	case StatusFull:
		return "buffer full"
	case StatusChecksumFail:
		return "checksum failure"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// Result is the outcome of one Decode call. Data holds the decoded bytes
// that belong at Address, Consumed the number of input bytes processed.
type Result struct {
	Status   Status
	Consumed int
	Address  uint32
	Data     []byte
}

// Decoder keeps the record and address state between calls, so a record
// may be split across any number of inputs.
type Decoder struct {
	line      [recordOverhead + MaxRecordData]byte
	idx       int
	lowNibble bool
	inRecord  bool

	// address of the next contiguous byte
	next uint32
	// a decoded data record waiting for the next call
	pending bool
	eof     bool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Reset prepares the decoder for a new file.
func (d *Decoder) Reset() {
	*d = Decoder{}
}

// Done reports whether the end of file record has been seen.
func (d *Decoder) Done() bool {
	return d.eof
}

func (d *Decoder) startRecord() {
	d.idx = 0
	d.lowNibble = false
	d.inRecord = true
}

func (d *Decoder) recordLength() int {
	return int(d.line[0])
}

func (d *Decoder) recordAddress() uint32 {
	return uint32(d.line[1])<<8 | uint32(d.line[2])
}

func (d *Decoder) recordData() []byte {
	return d.line[4 : 4+d.recordLength()]
}

func (d *Decoder) checksumOk() bool {
	var sum uint8

	for _, b := range d.line[:recordOverhead+d.recordLength()] {
		sum += b
	}

	return sum == 0
}

func hexValue(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}

// Decode decodes records from in into out. Bytes not belonging to a record
// are skipped, the unused part of out is filled with 0xFF.
func (d *Decoder) Decode(in []byte, out []byte) Result {
	n := 0

	finish := func(status Status, consumed int) Result {
		for i := n; i < len(out); i++ {
			out[i] = 0xff
		}

		return Result{
			Status:   status,
			Consumed: consumed,
			Address:  d.next - uint32(n),
			Data:     out[:n],
		}
	}

	if d.eof {
		return finish(StatusEOF, len(in))
	}

	if len(out) < MaxRecordData {
		logger.Errorf("hex output buffer of %d bytes too small", len(out))
		return finish(StatusFailure, 0)
	}

	if d.pending {
		d.pending = false
		d.next = (d.next & 0xffff0000) | d.recordAddress()
		n += copy(out, d.recordData())
		d.next += uint32(n)
	}

	for i, c := range in {
		if !d.inRecord {
			if c == ':' {
				d.startRecord()
			}

			continue
		}

		if c == ':' || c == '\r' || c == '\n' {
			logger.Debugf("hex record truncated after %d bytes", d.idx)
			return finish(StatusFailure, i)
		}

		v, ok := hexValue(c)
		if !ok {
			logger.Debugf("invalid character 0x%02x in hex record", c)
			return finish(StatusFailure, i)
		}

		if d.lowNibble {
			d.line[d.idx] |= v
			d.idx++
		} else {
			d.line[d.idx] = v << 4
		}

		d.lowNibble = !d.lowNibble

		if d.lowNibble || d.idx < recordOverhead+d.recordLength() {
			continue
		}

		d.inRecord = false

		if !d.checksumOk() {
			logger.Debugf("hex record checksum mismatch at 0x%08x", d.next)
			return finish(StatusChecksumFail, i+1)
		}

		switch d.line[3] {
		case recordData:
			length := d.recordLength()
			addr := (d.next & 0xffff0000) | d.recordAddress()

			if addr != d.next {
				d.pending = true
				return finish(StatusUnaligned, i+1)
			}

			if length > len(out)-n {
				d.pending = true
				return finish(StatusFull, i+1)
			}

			n += copy(out[n:], d.recordData())
			d.next += uint32(length)

		case recordEOF:
			d.eof = true
			return finish(StatusEOF, i+1)

		case recordExtLinear:
			if d.recordLength() != 2 {
				return finish(StatusFailure, i+1)
			}

			base := uint32(d.line[4])<<24 | uint32(d.line[5])<<16

			if n > 0 {
				res := finish(StatusUnaligned, i+1)
				d.next = base | (d.next & 0x0000ffff)

				return res
			}

			d.next = base | (d.next & 0x0000ffff)

		case recordExtSegment:
			logger.Debug("segmented hex addressing is not supported")
			return finish(StatusFailure, i+1)

		case recordStartSegment, recordStartLinear:
			// entry point, not needed for programming

		default:
			logger.Debugf("ignoring hex record type 0x%02x", d.line[3])
		}
	}

	return finish(StatusOk, len(in))
}
