// Copyright 2019 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package nodelock is the node-wide mutex (C3): a single named System
// V semaphore, initialized to 1, that every sibling on the node opens
// by the same key and uses to serialize every mutation of the shared
// metadata arena (C2) and every page-remap critical section. Grounded
// on original_source/SharedHeap.{h,cpp}'s InitSem/WaitSem/SignalSem,
// translated from POSIX named semaphores to a System V semaphore set
// of size 1 so the key is a plain integer (§6's SEM_KEY), matching
// golang.org/x/sys/unix's Sem* surface.
package nodelock

import (
	"fmt"

	logger "github.com/intel/pagedupd/pkg/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var log = logger.Get("nodelock")

// DefaultKey is the default SEM_KEY (§6) used when no override is given.
const DefaultKey = 1234

// Mutex is a handle to the node-wide semaphore. The zero value is not
// usable; construct with Open.
type Mutex struct {
	key   int
	semid int
	owner bool // true if this process created (and SETVAL'd) the set
}

// Open obtains the node-wide semaphore named by key, creating and
// initializing it to 1 if this is the first sibling to reach it.
// Concurrent creators race at the kernel level on IPC_CREAT|IPC_EXCL;
// exactly one wins and performs SETVAL, the rest simply attach.
func Open(key int) (*Mutex, error) {
	id, err := unix.Semget(key, 1, unix.IPC_CREAT|unix.IPC_EXCL|0o666)
	owner := true
	if err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return nil, errors.Wrapf(err, "nodelock: semget(key=%d, IPC_CREAT|IPC_EXCL) failed", key)
		}
		owner = false
		id, err = unix.Semget(key, 1, 0o666)
		if err != nil {
			return nil, errors.Wrapf(err, "nodelock: semget(key=%d) failed attaching to existing set", key)
		}
	}

	m := &Mutex{key: key, semid: id, owner: owner}
	if owner {
		if err := m.setval(1); err != nil {
			return nil, errors.Wrap(err, "nodelock: failed to initialize semaphore value")
		}
		log.Info("created node mutex (key=%d, semid=%d)", key, id)
	} else {
		log.Debug("attached to existing node mutex (key=%d, semid=%d)", key, id)
	}
	return m, nil
}

func (m *Mutex) setval(val int) error {
	_, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(m.semid), 0, unix.SETVAL, uintptr(val), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Lock performs the semaphore P (wait) operation: blocks until the
// value is positive, then decrements it.
func (m *Mutex) Lock() {
	op := []unix.Sembuf{{SemNum: 0, SemOp: -1, SemFlg: 0}}
	for {
		err := unix.Semop(m.semid, op, nil)
		if err == nil {
			return
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		// There is no safe recovery path here: every mutation of C2
		// and every remap critical section assumes the lock is held.
		log.Error("fatal: semop(wait) failed on node mutex: %v", err)
		panic(fmt.Sprintf("nodelock: semop(wait) failed: %v", err))
	}
}

// Unlock performs the semaphore V (signal) operation: increments the
// value, waking one waiter if any are parked.
func (m *Mutex) Unlock() {
	op := []unix.Sembuf{{SemNum: 0, SemOp: 1, SemFlg: 0}}
	for {
		err := unix.Semop(m.semid, op, nil)
		if err == nil {
			return
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		log.Error("fatal: semop(signal) failed on node mutex: %v", err)
		panic(fmt.Sprintf("nodelock: semop(signal) failed: %v", err))
	}
}

// WithLock runs fn with the node mutex held, unlocking even if fn panics.
func (m *Mutex) WithLock(fn func()) {
	m.Lock()
	defer m.Unlock()
	fn()
}

// Close releases this process's handle to the semaphore. It does not
// remove the semaphore set; that is lifecycle's (C8) job, performed
// only by the last sibling to leave the node cohort (Destroy).
func (m *Mutex) Close() error {
	return nil
}

// Destroy removes the semaphore set from the kernel. Only the last
// sibling leaving the node cohort may call this (§5: resource
// policy).
func (m *Mutex) Destroy() error {
	_, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(m.semid), 0, unix.IPC_RMID, 0, 0, 0)
	if errno != 0 {
		return errors.Wrap(errno, "nodelock: failed to remove semaphore set")
	}
	return nil
}
