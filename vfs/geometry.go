// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package vfs

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	SectorSize = 512

	numFats         = 2
	rootEntries     = 32
	rootSectors     = rootEntries * dirEntrySize / SectorSize
	reservedSectors = 1
	mediaDescriptor = 0xF0
	volumeId        = 0x27021974

	// FAT12 cluster numbers 0x002..0xff5
	maxClusters    = 4084
	maxClusterSize = 32 * 1024

	// room for the files of the drive itself
	overheadKB = 16 + 8
)

// Geometry is the layout of the FAT12 volume: MBR, two FATs, the root
// directory and the data region, all counted in 512 byte sectors.
type Geometry struct {
	TotalSectors      uint32
	SectorsPerCluster uint32
	Clusters          uint32
	SectorsPerFat     uint32
	RootSector        uint32
	FirstDataSector   uint32
}

// NewGeometry derives the volume layout from the wanted capacity.
func NewGeometry(capacityKB uint32, sectorsPerCluster uint32) (*Geometry, error) {
	if sectorsPerCluster == 0 {
		return nil, errors.New("sectors per cluster must not be 0")
	}

	if sectorsPerCluster*SectorSize > maxClusterSize {
		return nil, errors.Errorf("cluster size %d exceeds %d bytes", sectorsPerCluster*SectorSize, maxClusterSize)
	}

	total := (capacityKB + overheadKB) * 1024 / SectorSize
	clusters := total / sectorsPerCluster

	if clusters > maxClusters {
		return nil, errors.Errorf("%d clusters exceed the FAT12 limit, increase sectors per cluster", clusters)
	}

	// 3 sectors per FAT for every 1024 clusters
	spf := 3 * ((clusters + 1023) / 1024)
	root := reservedSectors + numFats*spf

	return &Geometry{
		TotalSectors:      total,
		SectorsPerCluster: sectorsPerCluster,
		Clusters:          clusters,
		SectorsPerFat:     spf,
		RootSector:        root,
		FirstDataSector:   root + rootSectors,
	}, nil
}

// ClusterSector returns the first sector of cluster. Clusters start at 2.
func (g *Geometry) ClusterSector(cluster uint32) uint32 {
	return (cluster-2)*g.SectorsPerCluster + g.FirstDataSector
}

func (g *Geometry) IsRootSector(block uint32) bool {
	return block >= g.RootSector && block < g.RootSector+rootSectors
}

// fatSector returns the index of block inside a FAT copy, -1 outside.
func (g *Geometry) fatSector(block uint32) int {
	if block < reservedSectors || block >= g.RootSector {
		return -1
	}

	return int((block - reservedSectors) % g.SectorsPerFat)
}

// Bytes is the size of the volume.
func (g *Geometry) Bytes() uint64 {
	return uint64(g.TotalSectors) * SectorSize
}

func (g *Geometry) mbr(label string) []byte {
	b := make([]byte, SectorSize)
	le := binary.LittleEndian

	copy(b, []byte{0xEB, 0x3C, 0x90})
	copy(b[3:11], "MSWIN4.1")

	le.PutUint16(b[11:], SectorSize)
	b[13] = byte(g.SectorsPerCluster)
	le.PutUint16(b[14:], reservedSectors)
	b[16] = numFats
	le.PutUint16(b[17:], rootEntries)

	if g.TotalSectors > 32768 {
		le.PutUint32(b[32:], g.TotalSectors)
	} else {
		le.PutUint16(b[19:], uint16(g.TotalSectors))
	}

	b[21] = mediaDescriptor
	le.PutUint16(b[22:], uint16(g.SectorsPerFat))
	le.PutUint16(b[24:], 1) // sectors per track
	le.PutUint16(b[26:], 1) // heads

	b[38] = 0x29
	le.PutUint32(b[39:], volumeId)
	copy(b[43:54], padName(label, 11))
	copy(b[54:62], "FAT12   ")

	b[510] = 0x55
	b[511] = 0xAA

	return b
}
