// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package vfs

import (
	"context"
	"time"
)

type watchdogCmd int

const (
	// a session started flashing
	cmdStart watchdogCmd = iota
	cmdStop
	// the whole file may have arrived, wait for more sectors
	cmdSplit
)

type watchdogEventKind int

const (
	eventSplitExpired watchdogEventKind = iota
	eventTimeout
)

// watchdogEvent is raised for the session that sent the last command.
type watchdogEvent struct {
	kind    watchdogEventKind
	session uint32
}

type watchdogMsg struct {
	cmd     watchdogCmd
	session uint32
}

// watchdog measures the idle time after a possibly complete file and the
// age of a flashing session, polling at a fixed interval.
type watchdog struct {
	split   time.Duration
	timeout time.Duration
	poll    time.Duration

	cmds   chan watchdogMsg
	events chan watchdogEvent
}

func newWatchdog(config Config) *watchdog {
	return &watchdog{
		split:   config.SplitWindow,
		timeout: config.TransferTimeout,
		poll:    config.PollInterval,
		cmds:    make(chan watchdogMsg, 16),
		events:  make(chan watchdogEvent, 4),
	}
}

func (w *watchdog) send(cmd watchdogCmd, session uint32) {
	select {
	case w.cmds <- watchdogMsg{cmd: cmd, session: session}:
	default:
		logger.Warnf("watchdog command %d dropped", cmd)
	}
}

func (w *watchdog) publish(kind watchdogEventKind, session uint32) {
	select {
	case w.events <- watchdogEvent{kind: kind, session: session}:
	default:
		logger.Warnf("watchdog event %d of session %d dropped", kind, session)
	}
}

func (w *watchdog) run(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	var (
		session   uint32
		started   bool
		startedAt time.Time
		splitting bool
		splitAt   time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-w.cmds:
			session = msg.session

			switch msg.cmd {
			case cmdStart:
				started = true
				startedAt = time.Now()
			case cmdStop:
				started = false
				splitting = false
			case cmdSplit:
				splitting = true
				splitAt = time.Now()
			}

		case now := <-ticker.C:
			if splitting && now.Sub(splitAt) >= w.split {
				splitting = false
				w.publish(eventSplitExpired, session)
			}

			if started && now.Sub(startedAt) > w.timeout {
				started = false
				w.publish(eventTimeout, session)
			}
		}
	}
}
