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

// Package dedupalloc is the allocation path (C4) and the page state
// machine a write fault (C5) drives. The two are kept in one package
// because they share ownership of the same per-process page state —
// §3's `initialized[p]`/`zero[p]` bitmaps and the region's holder-bit
// bookkeeping — and the spec documents C5 as mutating exactly the
// records C4 creates. Grounded on original_source/SharedHeap.{h,cpp}
// (malloc_hook, sig_handler, mergeRegion's per-page classification)
// translated from raw mmap/mprotect/signal handling to
// golang.org/x/sys/unix calls wrapped by pkg/vm.
//
// Every allocation is carved out of one fixed, per-process heap
// window reserved at init (§3, §4.8): a page's "frame identity" — the
// slot it publishes to or subscribes from in the shared arena — is
// its offset from the window base divided by the page size, plus one
// (frame 0 is the canonical zero page).
// Two siblings that call alloc in the same order therefore land on
// the same frame identity for corresponding pages without any
// separate shared-frame allocation protocol, exactly as §8 scenario 4
// assumes.
package dedupalloc

import (
	"sync"

	logger "github.com/intel/pagedupd/pkg/log"
	"github.com/intel/pagedupd/pkg/pageindex"
	"github.com/intel/pagedupd/pkg/shmarena"
	"github.com/intel/pagedupd/pkg/vm"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var log = logger.Get("dedupalloc")

// kind is the state of one page, mutually exclusive per §3's invariant.
type kind uint8

const (
	kindUninitialized kind = iota
	kindPrivate
	kindShared
	kindZero
)

// pageState is the per-process bookkeeping for one allocated region.
type pageState struct {
	kinds []kind
}

// ErrNotOwned is returned by Free and Realloc when the address was not
// handed out by this heap (§7: API misuse returns a sentinel so the
// caller falls through to the small-object allocator). SizeOf reports
// such an address as size 0 instead.
var ErrNotOwned = errors.New("dedupalloc: address not owned by this heap")

// ErrClosed is returned by Alloc once the heap has entered teardown
// or before init has completed (§4.4 step 1).
var ErrClosed = errors.New("dedupalloc: heap is closed")

// span is a free or allocated extent of the heap window, tracked by
// a minimal first-fit, coalescing free-list allocator — the simplest
// strategy that satisfies C4's contract without reaching into the
// small-object allocator the spec places out of scope.
type span struct {
	addr, size uintptr
}

// Heap is one process's view onto the deduplicated address space: a
// fixed reserved window, the allocation index (C1), the shared arena
// (C2/C3), and the per-process page state that only this process
// ever reads or writes.
type Heap struct {
	arena    *shmarena.Arena
	index    *pageindex.Index
	pageSize uintptr
	heapBase uintptr
	heapSize uintptr

	mu      sync.Mutex
	free    []span // sorted by addr, disjoint, coalesced
	regions map[uintptr]*pageState
	closed  bool

	// OnAlloc, when set, is invoked after every successful Alloc so
	// the policy controller (C7) can decide whether to trigger a
	// merge pass. It must not call back into the heap.
	OnAlloc func()
}

// NewHeap constructs a Heap over a window already reserved by
// lifecycle (C8) at [heapBase, heapBase+heapSize), mapped PROT_NONE,
// and an already-joined arena whose NumFrames covers heapSize/pageSize
// frames. The window's very last page is never handed out: frame
// identities are shifted by one (frameIndex) to keep frame 0 reserved
// for the canonical zero page, and holding back the top page keeps
// that shift from running off the end of the arena's frame region.
func NewHeap(arena *shmarena.Arena, heapBase, heapSize uintptr) *Heap {
	ps := arena.PageSize()
	usable := heapSize - ps
	return &Heap{
		arena:    arena,
		index:    pageindex.New(),
		pageSize: ps,
		heapBase: heapBase,
		heapSize: heapSize,
		free:     []span{{addr: heapBase, size: usable}},
		regions:  map[uintptr]*pageState{},
	}
}

// Index exposes the allocation index for the merge engine (C6).
func (h *Heap) Index() *pageindex.Index { return h.index }

// Arena exposes the shared arena for the merge engine and fault path.
func (h *Heap) Arena() *shmarena.Arena { return h.arena }

// frameIndex returns the shared-arena frame identity for the page
// based at pageAddr: its offset from the heap window base, shifted by
// one frame. Frame 0 is reserved exclusively for the canonical zero
// page (§4.2); without the shift, a process's very first page would
// collide with it, since both would resolve to the same "offset 0"
// frame identity.
func (h *Heap) frameIndex(pageAddr uintptr) uintptr {
	return 1 + (pageAddr-h.heapBase)/h.pageSize
}

// Close marks the heap closed; further Alloc calls fail (§4.4 step 1,
// §4.8 teardown).
func (h *Heap) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// reserveSpan finds, via first fit, a free span of at least sz bytes
// and carves it out of the free list. Must be called with h.mu held.
func (h *Heap) reserveSpan(sz uintptr) (uintptr, error) {
	for i, s := range h.free {
		if s.size < sz {
			continue
		}
		addr := s.addr
		if s.size == sz {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = span{addr: s.addr + sz, size: s.size - sz}
		}
		return addr, nil
	}
	return 0, errors.New("dedupalloc: heap window exhausted")
}

// releaseSpan returns [addr, addr+sz) to the free list, coalescing
// with adjacent neighbors. Must be called with h.mu held.
func (h *Heap) releaseSpan(addr, sz uintptr) {
	s := span{addr: addr, size: sz}
	i := 0
	for i < len(h.free) && h.free[i].addr < addr {
		i++
	}
	h.free = append(h.free, span{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = s

	merged := h.free[:0]
	for _, cur := range h.free {
		if n := len(merged); n > 0 && merged[n-1].addr+merged[n-1].size == cur.addr {
			merged[n-1].size += cur.size
			continue
		}
		merged = append(merged, cur)
	}
	h.free = merged
}

// Alloc reserves sz = roundup(n) bytes of read-only, demand-paged
// address space within the heap window and records it in the
// allocation index. No physical frame is touched until the first
// write fault.
func (h *Heap) Alloc(n uintptr) (uintptr, error) {
	if n == 0 {
		return 0, errors.New("dedupalloc: zero-length allocation")
	}
	sz := vm.RoundUp(n)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrClosed
	}
	addr, err := h.reserveSpan(sz)
	if err != nil {
		h.mu.Unlock()
		return 0, err
	}
	h.mu.Unlock()

	if err := vm.MapAnonFixed(addr, sz, unix.PROT_READ); err != nil {
		h.mu.Lock()
		h.releaseSpan(addr, sz)
		h.mu.Unlock()
		return 0, errors.Wrap(err, "dedupalloc: alloc")
	}

	h.index.Insert(addr, sz, nil)

	npages := int(sz / h.pageSize)
	h.mu.Lock()
	h.regions[addr] = &pageState{kinds: make([]kind, npages)}
	h.mu.Unlock()

	h.arena.Do(func(t *shmarena.Txn) {
		t.AddUnmergedPagesTotal(int64(npages))
	})

	if h.OnAlloc != nil {
		h.OnAlloc()
	}

	log.Debug("alloc 0x%x size=%d pages=%d", addr, sz, npages)
	return addr, nil
}

// SizeOf returns the size of the region based at addr, or 0 if addr is
// not a region this heap owns.
func (h *Heap) SizeOf(addr uintptr) uintptr {
	return h.index.FindExact(addr)
}

// Realloc returns addr unchanged if its existing region already fits
// newSize; otherwise it allocates a fresh region, copies the old
// content, frees the old region, and returns the new address.
func (h *Heap) Realloc(addr uintptr, newSize uintptr) (uintptr, error) {
	oldSize := h.index.FindExact(addr)
	if oldSize == 0 {
		return 0, ErrNotOwned
	}
	if oldSize >= vm.RoundUp(newSize) {
		return addr, nil
	}

	newAddr, err := h.Alloc(newSize)
	if err != nil {
		return 0, err
	}

	// The new region is read-only until faulted: privatize the pages
	// the copy writes before writing them.
	for off := uintptr(0); off < oldSize; off += h.pageSize {
		if err := h.HandleFault(newAddr + off); err != nil {
			return 0, errors.Wrap(err, "dedupalloc: realloc privatize new region")
		}
	}

	// The old region may be partly read-only/unfaulted; vm.Bytes over
	// it is still valid to read (the kernel demand-zero-fills).
	copy(vm.Bytes(newAddr, oldSize), vm.Bytes(addr, oldSize))

	if err := h.Free(addr); err != nil {
		return 0, errors.Wrap(err, "dedupalloc: realloc free of old region")
	}
	return newAddr, nil
}

// Free reverses Alloc: removes addr from the index, adjusts the
// shared counters according to each page's current state, clears
// holder bits, returns the span to the free list, and reverts the
// range to an inaccessible PROT_NONE reservation.
func (h *Heap) Free(addr uintptr) error {
	size := h.index.Remove(addr)
	if size == 0 {
		return ErrNotOwned
	}

	h.mu.Lock()
	st := h.regions[addr]
	delete(h.regions, addr)
	h.mu.Unlock()

	if st != nil {
		h.arena.Do(func(t *shmarena.Txn) {
			for i, k := range st.kinds {
				pageAddr := addr + uintptr(i)*h.pageSize
				switch k {
				case kindPrivate:
					t.AddPrivatePagesTotal(-1)
				case kindShared:
					frame := h.frameIndex(pageAddr)
					sibling := h.arena.SiblingIndex()
					wasCounted := t.CountHolders(frame) == 2
					t.ClearHolder(frame, sibling)
					if wasCounted {
						t.AddSharedPages(-1)
					}
				case kindZero, kindUninitialized:
					// not counted against private/shared totals
				}
			}
		})
	}

	if err := vm.MapAnonFixed(addr, size, unix.PROT_NONE); err != nil {
		return errors.Wrap(err, "dedupalloc: free")
	}
	h.mu.Lock()
	h.releaseSpan(addr, size)
	h.mu.Unlock()
	log.Debug("free 0x%x size=%d", addr, size)
	return nil
}
