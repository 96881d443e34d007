// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package vfs

import (
	"time"

	"github.com/pkg/errors"
)

// Config describes the virtual drive and the timing of a drag-and-drop
// session.
type Config struct {
	// capacity left for the user file, the drive adds room for its own files
	CapacityKB        uint32
	SectorsPerCluster uint32
	VolumeLabel       string

	// landing page shown in the drive
	PageURL    string
	TargetName string
	UniqueId   string

	// time without new sectors after which a complete file is flashed
	SplitWindow time.Duration
	// time a session may take from its first sector
	TransferTimeout time.Duration
	PollInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		CapacityKB:        1024,
		SectorsPerCluster: 8,
		VolumeLabel:       "DAPLINK",
		PageURL:           "https://github.com/bbnote/godaplink",
		TargetName:        "unknown",
		SplitWindow:       500 * time.Millisecond,
		TransferTimeout:   30 * time.Second,
		PollInterval:      100 * time.Millisecond,
	}
}

func (c *Config) validate() error {
	if len(c.VolumeLabel) > 11 {
		return errors.Errorf("volume label %q longer than 11 characters", c.VolumeLabel)
	}

	if c.SplitWindow <= 0 || c.TransferTimeout <= 0 || c.PollInterval <= 0 {
		return errors.New("session timings must be positive")
	}

	return nil
}
