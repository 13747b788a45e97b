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

package shmarena

import (
	"os"

	logger "github.com/intel/pagedupd/pkg/log"
	"github.com/intel/pagedupd/pkg/nodelock"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var log = logger.Get("shmarena")

// Config parameterizes Open. Path and SemKey must agree across every
// sibling process on the node; the rest default sensibly.
type Config struct {
	Path        string // backing file, e.g. /dev/shm/pagedupd.<jobid>
	SemKey      int    // node mutex key (§6 SEM_KEY); 0 uses nodelock.DefaultKey
	MaxSiblings int    // Width8 or Width16; 0 defaults to Width16
	HeapWindow  uintptr
	PageSize    uintptr // 0 autodetects via unix.Getpagesize
}

// Arena is a process's handle onto the shared metadata arena (C2): the
// frame storage, holder bitmap, and scalar counters, plus the bitmap
// column this process was assigned when it joined the cohort.
type Arena struct {
	cfg    Config
	lock   *nodelock.Mutex
	file   *os.File
	data   []byte
	layout layout

	siblingIndex int
}

// Open joins the shared arena named by cfg.Path, creating and
// zero-initializing it if this is the first sibling to arrive, and
// assigns this process the next free holder-bitmap column. The whole
// join sequence runs under the node mutex (C3) so "am I first" and
// "which column do I own" are decided without a race.
//
// Grounded on original_source/SharedHeap.cpp's AllocateSharedMetadata:
// there, the first process to mmap a freshly created (size-0) file
// ftruncates it to the full region and the rest simply attach; we use
// the same zero-length-implies-first-joiner signal, checked while
// holding the node mutex instead of relying on O_EXCL, since the file
// legitimately survives across the reuse of a single job's lifetime
// and may be recreated at zero length by C8's teardown.
func Open(cfg Config) (*Arena, error) {
	if cfg.SemKey == 0 {
		cfg.SemKey = nodelock.DefaultKey
	}
	if cfg.MaxSiblings == 0 {
		cfg.MaxSiblings = Width16
	}
	if cfg.HeapWindow == 0 {
		cfg.HeapWindow = DefaultHeapWindowSize
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = uintptr(unix.Getpagesize())
	}

	lock, err := nodelock.Open(cfg.SemKey)
	if err != nil {
		return nil, errors.Wrap(err, "shmarena: failed to open node mutex")
	}

	l := computeLayout(cfg.HeapWindow, cfg.PageSize)

	a := &Arena{cfg: cfg, lock: lock, layout: l}

	var joinErr error
	lock.WithLock(func() {
		joinErr = a.openLocked()
	})
	if joinErr != nil {
		return nil, joinErr
	}
	return a, nil
}

func (a *Arena) openLocked() error {
	f, err := os.OpenFile(a.cfg.Path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return errors.Wrapf(err, "shmarena: open %s", a.cfg.Path)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrap(err, "shmarena: stat backing file")
	}

	firstJoiner := st.Size() == 0
	if firstJoiner {
		if err := f.Truncate(int64(a.layout.totalSize)); err != nil {
			f.Close()
			return errors.Wrap(err, "shmarena: truncate backing file")
		}
		log.Info("first sibling on node: initialized arena %s (%d frames)", a.cfg.Path, a.layout.numFrames)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(a.layout.totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return errors.Wrap(err, "shmarena: mmap backing file")
	}

	a.file = f
	a.data = data

	idx, err := a.claimColumnLocked()
	if err != nil {
		unix.Munmap(data)
		f.Close()
		return err
	}
	a.siblingIndex = idx
	log.Debug("joined arena as sibling column %d", idx)
	return nil
}

// claimColumnLocked increments the alive counter and returns the
// zero-based bitmap column (§4.2) this process owns. Must be called
// with the node mutex held.
func (a *Arena) claimColumnLocked() (int, error) {
	next := a.addAliveLocked(1)
	idx := int(next) - 1
	if idx >= a.cfg.MaxSiblings {
		a.addAliveLocked(-1)
		return 0, errors.Errorf("shmarena: node already has %d siblings, max is %d", idx, a.cfg.MaxSiblings)
	}
	return idx, nil
}

// SiblingIndex returns this process's holder-bitmap column.
func (a *Arena) SiblingIndex() int { return a.siblingIndex }

// Path returns the backing file's path, for lifecycle's (C8) teardown.
func (a *Arena) Path() string { return a.cfg.Path }

// SemKey returns the node mutex key this arena was opened with, for
// lifecycle's (C8) teardown.
func (a *Arena) SemKey() int { return a.cfg.SemKey }

// Fd returns the backing file's descriptor, for callers (the merge
// engine) that need to mmap a frame directly with MAP_FIXED.
func (a *Arena) Fd() int { return int(a.file.Fd()) }

// FrameFileOffset returns frame i's byte offset within the backing
// file, for use with Fd in a file-backed fixed mapping.
func (a *Arena) FrameFileOffset(i uintptr) int64 {
	return int64(a.layout.framesOffset + i*a.layout.pageSize)
}

// NumFrames returns the number of page-sized frames the arena holds.
func (a *Arena) NumFrames() uintptr { return a.layout.numFrames }

// PageSize returns the frame size the arena was opened with.
func (a *Arena) PageSize() uintptr { return a.layout.pageSize }

// Frame returns the byte slice backing frame i. The slice aliases the
// shared mapping: writes are visible to every sibling immediately.
func (a *Arena) Frame(i uintptr) []byte {
	off := a.layout.framesOffset + i*a.layout.pageSize
	return a.data[off : off+a.layout.pageSize]
}

// ZeroFrameIndex is the canonical all-zero frame's index (§4.4):
// frame 0, kept perpetually zeroed and never assigned to an
// allocation, so every all-zero page in every sibling can collapse
// onto it.
const ZeroFrameIndex uintptr = 0

// Leave decrements the alive counter and reports whether this was the
// last sibling to leave the node cohort, in which case the caller
// (lifecycle, C8) is responsible for truncating the backing file and
// destroying the node mutex.
func (a *Arena) Leave() (last bool, err error) {
	a.lock.WithLock(func() {
		remaining := a.addAliveLocked(-1)
		last = remaining == 0
	})

	if uerr := unix.Munmap(a.data); uerr != nil {
		err = errors.Wrap(uerr, "shmarena: munmap on leave")
	}
	if cerr := a.file.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "shmarena: close backing file on leave")
	}
	return last, err
}

// Close releases this process's handle without altering the alive
// counter; used when a process is attaching only to inspect the
// arena (diagnostics) rather than joining the cohort.
func (a *Arena) Close() error {
	if err := unix.Munmap(a.data); err != nil {
		return errors.Wrap(err, "shmarena: munmap")
	}
	return a.file.Close()
}
