// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package vfs

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"
)

const (
	dirEntrySize      = 32
	dirEntriesPerSect = SectorSize / dirEntrySize

	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeId  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = 0x0F

	entryDeleted = 0xE5

	// fixed creation/modification stamp of the drive's own files
	stampTime = 0x768E
	stampDate = 0x418E

	fatEndOfChain = 0xFFF
	lfnChars      = 13
)

// dirEntry is a short 8.3 directory entry.
type dirEntry struct {
	name    [11]byte
	attr    uint8
	cluster uint16
	size    uint32
}

func parseDirEntry(b []byte) dirEntry {
	var e dirEntry

	copy(e.name[:], b[:11])
	e.attr = b[11]
	e.cluster = binary.LittleEndian.Uint16(b[26:])
	e.size = binary.LittleEndian.Uint32(b[28:])

	return e
}

func (e dirEntry) marshal(b []byte) {
	le := binary.LittleEndian

	copy(b[:11], e.name[:])
	b[11] = e.attr
	le.PutUint16(b[14:], stampTime)
	le.PutUint16(b[16:], stampDate)
	le.PutUint16(b[18:], stampDate)
	le.PutUint16(b[22:], stampTime)
	le.PutUint16(b[24:], stampDate)
	le.PutUint16(b[26:], e.cluster)
	le.PutUint32(b[28:], e.size)
}

func (e dirEntry) extension() string {
	return string(e.name[8:11])
}

func (e dirEntry) isLongName() bool {
	return e.attr&attrLongName == attrLongName
}

func (e dirEntry) isEmpty() bool {
	return e.name[0] == 0
}

func padName(s string, n int) []byte {
	b := []byte(strings.Repeat(" ", n))
	copy(b, s)

	return b
}

// shortName builds an 8.3 name from base and extension.
func shortName(base string, ext string) [11]byte {
	var name [11]byte

	copy(name[:8], padName(base, 8))
	copy(name[8:], padName(ext, 3))

	return name
}

func shortNameChecksum(name [11]byte) uint8 {
	var sum uint8

	for _, c := range name {
		sum = (sum&1)<<7 + sum>>1 + c
	}

	return sum
}

// longNameEntries returns the long file name entries for long in on-disk
// order, that is last part first.
func longNameEntries(long string, short [11]byte) [][]byte {
	units := utf16.Encode([]rune(long))
	count := (len(units) + lfnChars - 1) / lfnChars
	sum := shortNameChecksum(short)

	// the name is terminated with 0x0000 and padded with 0xFFFF
	padded := make([]uint16, count*lfnChars)
	for i := range padded {
		switch {
		case i < len(units):
			padded[i] = units[i]
		case i == len(units):
			padded[i] = 0
		default:
			padded[i] = 0xFFFF
		}
	}

	offsets := []int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}
	entries := make([][]byte, 0, count)

	for seq := count; seq >= 1; seq-- {
		b := make([]byte, dirEntrySize)

		b[0] = byte(seq)
		if seq == count {
			b[0] |= 0x40
		}

		b[11] = attrLongName
		b[13] = sum

		for i, off := range offsets {
			binary.LittleEndian.PutUint16(b[off:], padded[(seq-1)*lfnChars+i])
		}

		entries = append(entries, b)
	}

	return entries
}

// setFat12 stores value as FAT12 entry n of fat.
func setFat12(fat []byte, n int, value uint16) {
	off := n * 3 / 2

	if n%2 == 0 {
		fat[off] = byte(value)
		fat[off+1] = fat[off+1]&0xF0 | byte(value>>8)&0x0F
	} else {
		fat[off] = fat[off]&0x0F | byte(value<<4)
		fat[off+1] = byte(value >> 4)
	}
}

func getFat12(fat []byte, n int) uint16 {
	off := n * 3 / 2
	v := uint16(fat[off]) | uint16(fat[off+1])<<8

	if n%2 == 0 {
		return v & 0x0FFF
	}

	return v >> 4
}

// fileKind classifies a directory entry found in a written root directory.
type fileKind int

const (
	kindSkip fileKind = iota
	kindImage
	kindHex
	// a valid 8.3 name with an extension that cannot be programmed
	kindUnsupported
)

// extensions hosts use for the copied file, some are temporary names of
// particular operating systems.
var imageExtensions = map[string]fileKind{
	"BIN": kindImage,
	"bin": kindImage,
	"HEX": kindHex,
	"hex": kindHex,
	"PAR": kindImage,
	"DOW": kindImage,
	"CRD": kindImage,
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func classify(e dirEntry) fileKind {
	if e.isEmpty() || e.isLongName() || e.attr&attrVolumeId != 0 {
		return kindSkip
	}

	if kind, ok := imageExtensions[e.extension()]; ok {
		return kind
	}

	e0, e1, e2, f0 := e.name[8], e.name[9], e.name[10], e.name[0]

	if isLetter(e0) && (isLetter(e1) || e1 == ' ') && (isLetter(e2) || e2 == ' ') && isLetter(f0) {
		return kindUnsupported
	}

	return kindSkip
}
