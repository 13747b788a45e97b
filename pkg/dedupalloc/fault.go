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

package dedupalloc

import (
	"sync"

	"github.com/intel/pagedupd/pkg/shmarena"
	"github.com/intel/pagedupd/pkg/vm"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pageStateLocks guards concurrent transitions of the same region's
// pageState between the fault path and a merge pass running in
// another goroutine. One lock per region is enough: the node mutex
// (C3) already serializes the parts that touch shared state, this
// only protects the process-local kind/frame slices.
var pageStateLocks sync.Map // uintptr(region base) -> *sync.Mutex

func lockFor(base uintptr) *sync.Mutex {
	v, _ := pageStateLocks.LoadOrStore(base, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// ErrInvariantViolation reports a page found in a state a write fault
// should never observe (§7: invariant violation, no safe recovery).
var ErrInvariantViolation = errors.New("dedupalloc: invariant violation on write fault")

// HandleFault implements the write-fault state transition (C5) for a
// single page. It is the explicit substitute this port uses for the
// hardware SIGSEGV-and-resume mechanism the original design assumes:
// Go cannot resume execution at the faulting instruction, so callers
// must route every write to deduplicated memory through
// faulthandler.Guard, which calls HandleFault once on the first
// SIGSEGV it observes and then retries the write.
func (h *Heap) HandleFault(addr uintptr) error {
	pageAddr := addr &^ (h.pageSize - 1)

	region, ok := h.index.FindContaining(pageAddr)
	if !ok {
		return errors.Errorf("dedupalloc: fault at 0x%x is outside any owned region", addr)
	}
	pi := int((pageAddr - region.Base) / h.pageSize)

	h.mu.Lock()
	st := h.regions[region.Base]
	h.mu.Unlock()
	if st == nil {
		return errors.Errorf("dedupalloc: fault at 0x%x has no page state", addr)
	}

	lock := lockFor(region.Base)
	lock.Lock()
	defer lock.Unlock()

	var opErr error
	h.arena.Do(func(t *shmarena.Txn) {
		opErr = h.transitionLocked(t, st, pi, pageAddr)
	})
	if opErr != nil {
		return opErr
	}

	region.Dirty = true
	return nil
}

// transitionLocked performs one page's §4.5 classification and
// transition. Must be called with the node mutex held and the
// region's pageStateLock held.
func (h *Heap) transitionLocked(t *shmarena.Txn, st *pageState, pi int, pageAddr uintptr) error {
	switch st.kinds[pi] {
	case kindUninitialized:
		if err := vm.Protect(pageAddr, h.pageSize, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return errors.Wrap(err, "dedupalloc: upgrade uninitialized page to RW")
		}
		st.kinds[pi] = kindPrivate
		t.AddPrivatePagesTotal(1)
		t.AddUnmergedPagesTotal(1)
		log.Debug("fault 0x%x: uninitialized -> private", pageAddr)
		return nil

	case kindZero:
		if err := vm.MapAnonFixed(pageAddr, h.pageSize, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return errors.Wrap(err, "dedupalloc: privatize zero page")
		}
		st.kinds[pi] = kindPrivate
		t.AddPrivatePagesTotal(1)
		log.Debug("fault 0x%x: zero -> private", pageAddr)
		return nil

	case kindShared:
		frame := h.frameIndex(pageAddr)
		sibling := h.arena.SiblingIndex()
		wasCounted := t.CountHolders(frame) == 2
		t.ClearHolder(frame, sibling)

		saved := append([]byte(nil), vm.Bytes(pageAddr, h.pageSize)...)
		if err := vm.MapAnonFixed(pageAddr, h.pageSize, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return errors.Wrap(err, "dedupalloc: privatize shared page")
		}
		copy(vm.Bytes(pageAddr, h.pageSize), saved)

		st.kinds[pi] = kindPrivate
		t.AddPrivatePagesTotal(1)
		if wasCounted {
			t.AddSharedPages(-1)
		}
		log.Debug("fault 0x%x: shared(frame=%d) -> private", pageAddr, frame)
		return nil

	case kindPrivate:
		log.Error("fatal: write fault on already-private page 0x%x", pageAddr)
		return ErrInvariantViolation

	default:
		return ErrInvariantViolation
	}
}
