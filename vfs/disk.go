// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package vfs

import (
	"fmt"
	"unicode/utf16"
)

// clusters of the files the drive shows itself
const (
	clusterEvents  = 2
	clusterSysVol  = 3
	clusterIndexer = 4
	clusterPage    = 5
	clusterFail    = 6

	// first cluster a host gives a new file, one more after a failure
	firstFreeCluster = clusterFail
)

const indexerGuid = "{4A1F6E0B-3C2D-4B5A-9E8F-7D6C5B4A3F21}"

const pageTemplate = `<!doctype html>
<!-- godaplink %s -->
<html>
<head>
<meta http-equiv="refresh" content="0; URL=%s"/>
<title>godaplink</title>
</head>
<body>
Drop a .bin or .hex file here to program %s.
</body>
</html>
`

// disk renders the read-only parts of the volume.
type disk struct {
	geo    *Geometry
	config Config

	mbr     []byte
	page    []byte
	events  []byte
	sysVol  []byte
	indexer []byte
}

func newDisk(geo *Geometry, config Config) *disk {
	d := &disk{
		geo:    geo,
		config: config,
		mbr:    geo.mbr(config.VolumeLabel),
		page:   []byte(fmt.Sprintf(pageTemplate, config.UniqueId, config.PageURL, config.TargetName)),
	}

	d.events = directory(
		dirEntry{name: shortName(".", ""), attr: attrDirectory, cluster: clusterEvents},
		dirEntry{name: shortName("..", ""), attr: attrDirectory},
		dirEntry{name: shortName("NO_LOG", ""), attr: attrArchive},
	)

	indexerName := shortName("INDEXE~1", "")
	d.sysVol = directory(
		dirEntry{name: shortName(".", ""), attr: attrDirectory, cluster: clusterSysVol},
		dirEntry{name: shortName("..", ""), attr: attrDirectory},
	)
	d.sysVol = appendLongName(d.sysVol, "IndexerVolumeGuid", indexerName)

	guid := utf16.Encode([]rune(indexerGuid))
	d.indexer = make([]byte, 2*len(guid))
	for i, u := range guid {
		d.indexer[2*i] = byte(u)
		d.indexer[2*i+1] = byte(u >> 8)
	}

	d.sysVol = append(d.sysVol, entryBytes(dirEntry{
		name:    indexerName,
		attr:    attrArchive,
		cluster: clusterIndexer,
		size:    uint32(len(d.indexer)),
	})...)

	return d
}

func entryBytes(e dirEntry) []byte {
	b := make([]byte, dirEntrySize)
	e.marshal(b)

	return b
}

func directory(entries ...dirEntry) []byte {
	var b []byte

	for _, e := range entries {
		b = append(b, entryBytes(e)...)
	}

	return b
}

func appendLongName(dir []byte, long string, short [11]byte) []byte {
	for _, e := range longNameEntries(long, short) {
		dir = append(dir, e...)
	}

	return dir
}

// reservedEntries is the number of root directory entries the drive
// creates itself, hosts add theirs behind them.
func reservedEntries(failed bool) int {
	if failed {
		return 13
	}

	return 12
}

func (d *disk) rootDirectory(failed bool, reason Reason) []byte {
	root := directory(dirEntry{name: shortName(d.config.VolumeLabel, ""), attr: attrVolumeId})

	hidden := []struct {
		long  string
		short [11]byte
		attr  uint8
		clus  uint16
	}{
		{".fseventsd", shortName("FSEVEN~1", ""), attrHidden | attrDirectory, clusterEvents},
		{".metadata_never_index", shortName("METADA~1", ""), attrHidden | attrArchive, 0},
		{".Trashes", shortName("TRASHE~1", ""), attrHidden | attrArchive, 0},
		{"System Volume Information", shortName("SYSTEM~1", ""), attrHidden | attrSystem | attrDirectory, clusterSysVol},
	}

	for _, h := range hidden {
		root = appendLongName(root, h.long, h.short)
		root = append(root, entryBytes(dirEntry{name: h.short, attr: h.attr, cluster: h.clus})...)
	}

	root = append(root, entryBytes(dirEntry{
		name:    shortName("DAPLINK", "HTM"),
		attr:    attrArchive | attrReadOnly,
		cluster: clusterPage,
		size:    uint32(len(d.page)),
	})...)

	if failed {
		root = append(root, entryBytes(dirEntry{
			name:    shortName("FAIL", "TXT"),
			attr:    attrArchive,
			cluster: clusterFail,
			size:    uint32(len(reason.String())),
		})...)
	}

	full := make([]byte, rootSectors*SectorSize)
	copy(full, root)

	return full
}

func (d *disk) fat(failed bool) []byte {
	fat := make([]byte, SectorSize)

	setFat12(fat, 0, 0xF00|mediaDescriptor)
	setFat12(fat, 1, fatEndOfChain)

	for c := clusterEvents; c <= clusterPage; c++ {
		setFat12(fat, c, fatEndOfChain)
	}

	if failed {
		setFat12(fat, clusterFail, fatEndOfChain)
	}

	return fat
}

// firstFree returns the cluster a host is expected to give a new file.
func firstFree(failed bool) uint32 {
	if failed {
		return firstFreeCluster + 1
	}

	return firstFreeCluster
}

func (d *disk) clusterContent(cluster uint32, failed bool, reason Reason) []byte {
	switch cluster {
	case clusterEvents:
		return d.events
	case clusterSysVol:
		return d.sysVol
	case clusterIndexer:
		return d.indexer
	case clusterPage:
		return d.page
	case clusterFail:
		if failed {
			return []byte(reason.String())
		}
	}

	return nil
}

// readSector fills buf with sector block of the volume as it looks after
// the last session.
func (d *disk) readSector(block uint32, buf []byte, failed bool, reason Reason) {
	for i := range buf {
		buf[i] = 0
	}

	geo := d.geo

	switch {
	case block == 0:
		copy(buf, d.mbr)

	case d.geo.fatSector(block) == 0:
		copy(buf, d.fat(failed))

	case geo.IsRootSector(block):
		off := (block - geo.RootSector) * SectorSize
		copy(buf, d.rootDirectory(failed, reason)[off:off+SectorSize])

	case block >= geo.FirstDataSector:
		cluster := (block-geo.FirstDataSector)/geo.SectorsPerCluster + 2
		off := (block - geo.ClusterSector(cluster)) * SectorSize
		content := d.clusterContent(cluster, failed, reason)

		if off < uint32(len(content)) {
			copy(buf, content[off:])
		}
	}
}
