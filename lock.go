// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

import (
	"sync"
)

// TaskId identifies the task owning the debug port. Zero means no owner.
type TaskId int

const (
	TaskNone TaskId = iota
	TaskUsb
	TaskFlash
)

// LockOperation tags a multi step operation running on the debug port.
type LockOperation int

const (
	OperationNone LockOperation = iota
	OperationHidDebug
	OperationMscFlash
)

func (o LockOperation) String() string {
	switch o {
	case OperationHidDebug:
		return "hid debug"
	case OperationMscFlash:
		return "msc flash"
	default:
		return "none"
	}
}

// Lock serialises access to the wire between tasks. The owning task may
// lock again, an operation tag keeps other operations out until the
// owner unlocks it.
type Lock struct {
	mu        sync.Mutex
	owner     TaskId
	operation LockOperation
}

func NewLock() *Lock {
	return &Lock{}
}

func (l *Lock) verifyTask(tid TaskId) bool {
	return l.owner == tid || l.owner == TaskNone
}

func (l *Lock) verifyOperation(tid TaskId, op LockOperation) bool {
	ready := l.operation == op || l.operation == OperationNone

	return ready && l.verifyTask(tid)
}

// LockTask makes tid the owner if the port is free or already owned by it.
func (l *Lock) LockTask(tid TaskId) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.verifyTask(tid) {
		return false
	}

	l.owner = tid

	return true
}

func (l *Lock) VerifyTask(tid TaskId) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.verifyTask(tid)
}

// LockOperation marks op as running for tid.
func (l *Lock) LockOperation(tid TaskId, op LockOperation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.verifyOperation(tid, op) {
		logger.Debugf("task %d cannot lock %s, %s running for task %d", tid, op, l.operation, l.owner)
		return false
	}

	l.owner = tid
	l.operation = op

	return true
}

func (l *Lock) VerifyOperation(tid TaskId, op LockOperation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.verifyOperation(tid, op)
}

// Unlock frees the port if tid may use it.
func (l *Lock) Unlock(tid TaskId) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.verifyTask(tid) {
		return false
	}

	l.owner = TaskNone
	l.operation = OperationNone

	return true
}

// UnlockForce clears the lock without any check.
func (l *Lock) UnlockForce() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.owner = TaskNone
	l.operation = OperationNone
}

// UnlockOperation finishes op and frees the port.
func (l *Lock) UnlockOperation(tid TaskId, op LockOperation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.verifyOperation(tid, op) {
		return false
	}

	l.owner = TaskNone
	l.operation = OperationNone

	return true
}

// Owner returns the owning task and running operation.
func (l *Lock) Owner() (TaskId, LockOperation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.owner, l.operation
}
