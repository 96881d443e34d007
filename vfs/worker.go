// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package vfs

import (
	"context"

	"github.com/bbnote/godaplink"
	"github.com/pkg/errors"
)

// Flasher programs an image into target flash. *godaplink.Programmer
// implements it.
type Flasher interface {
	Init(ctx context.Context, format godaplink.ImageFormat) error
	ProgramPage(addr uint32, data []byte) error
	ReadFlash(offset uint32, buf []byte) error
	HexDone() bool
	Uninit(ctx context.Context) error
}

type jobKind int

const (
	jobInit jobKind = iota
	jobProgram
	jobReadBack
	jobRelease
)

type flashJob struct {
	kind   jobKind
	format godaplink.ImageFormat
	addr   uint32
	data   []byte
	done   chan error
}

// flashWorker is the only goroutine touching target flash. It holds the
// probe lock from the first init until the session is released.
type flashWorker struct {
	flasher Flasher
	lock    *godaplink.Lock
	jobs    chan flashJob
	locked  bool
}

func newFlashWorker(flasher Flasher, lock *godaplink.Lock) *flashWorker {
	return &flashWorker{
		flasher: flasher,
		lock:    lock,
		jobs:    make(chan flashJob),
	}
}

func (w *flashWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.release(context.Background())
			return

		case job := <-w.jobs:
			job.done <- w.execute(ctx, job)
		}
	}
}

func (w *flashWorker) execute(ctx context.Context, job flashJob) error {
	switch job.kind {
	case jobInit:
		if !w.locked {
			if !w.lock.LockOperation(godaplink.TaskFlash, godaplink.OperationMscFlash) {
				return errors.Wrap(godaplink.ErrPortInUse, "flash init")
			}

			w.locked = true
		}

		return w.flasher.Init(ctx, job.format)

	case jobProgram:
		return w.flasher.ProgramPage(job.addr, job.data)

	case jobReadBack:
		return w.flasher.ReadFlash(job.addr, job.data)

	case jobRelease:
		return w.release(ctx)
	}

	return errors.Errorf("unknown flash job %d", job.kind)
}

func (w *flashWorker) release(ctx context.Context) error {
	if !w.locked {
		return nil
	}

	err := w.flasher.Uninit(ctx)

	w.lock.UnlockOperation(godaplink.TaskFlash, godaplink.OperationMscFlash)
	w.locked = false

	return err
}

// call hands job to the worker and waits for its result.
func (w *flashWorker) call(ctx context.Context, job flashJob) error {
	job.done = make(chan error, 1)

	select {
	case w.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *flashWorker) init(ctx context.Context, format godaplink.ImageFormat) error {
	return w.call(ctx, flashJob{kind: jobInit, format: format})
}

func (w *flashWorker) program(ctx context.Context, addr uint32, data []byte) error {
	return w.call(ctx, flashJob{kind: jobProgram, addr: addr, data: data})
}

func (w *flashWorker) readBack(ctx context.Context, offset uint32, buf []byte) error {
	return w.call(ctx, flashJob{kind: jobReadBack, addr: offset, data: buf})
}

func (w *flashWorker) finish(ctx context.Context) error {
	return w.call(ctx, flashJob{kind: jobRelease})
}
