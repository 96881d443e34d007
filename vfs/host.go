// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package vfs

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// CopyFile stores data under name the way a host operating system copies a
// file onto the drive: the root directory entry first, then the clusters in
// order. progress, if not nil, is called after every sector with the number
// of bytes written so far.
func (d *Drive) CopyFile(name string, data []byte, progress func(written int)) error {
	if len(data) == 0 {
		return errors.New("empty file")
	}

	d.mu.Lock()
	failed := !d.session.lastSuccess
	d.mu.Unlock()

	cluster := firstFree(failed)
	start := d.geo.ClusterSector(cluster)
	sectors := uint32((len(data) + SectorSize - 1) / SectorSize)

	if start+sectors > d.geo.TotalSectors {
		return errors.Errorf("%s needs %d sectors, the drive has %d free", name, sectors, d.geo.TotalSectors-start)
	}

	root := make([]byte, SectorSize)
	if err := d.ReadSector(d.geo.RootSector, root); err != nil {
		return err
	}

	slot := -1
	for i := reservedEntries(failed); i < dirEntriesPerSect; i++ {
		if parseDirEntry(root[i*dirEntrySize:]).isEmpty() {
			slot = i
			break
		}
	}

	if slot < 0 {
		return errors.New("root directory full")
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(filepath.Base(name), ext)

	entry := dirEntry{
		name:    shortName(strings.ToUpper(base), strings.ToUpper(strings.TrimPrefix(ext, "."))),
		attr:    attrArchive,
		cluster: uint16(cluster),
		size:    uint32(len(data)),
	}
	entry.marshal(root[slot*dirEntrySize:])

	logger.Debugf("copy %s (%d bytes) to cluster %d", name, len(data), cluster)

	if err := d.WriteSector(d.geo.RootSector, root); err != nil {
		return errors.Wrap(err, "writing root directory")
	}

	sector := make([]byte, SectorSize)

	for i := uint32(0); i < sectors; i++ {
		off := int(i) * SectorSize

		for j := range sector {
			sector[j] = 0
		}
		n := copy(sector, data[off:])

		if err := d.WriteSector(start+i, sector); err != nil {
			return errors.Wrapf(err, "writing sector %d", start+i)
		}

		if progress != nil {
			progress(off + n)
		}
	}

	return nil
}
