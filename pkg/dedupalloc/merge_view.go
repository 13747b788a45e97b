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
	"github.com/intel/pagedupd/pkg/shmarena"
	"github.com/intel/pagedupd/pkg/vm"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PageClass is what the merge engine (C6) learns about one page
// before deciding how to flush the run it belongs to.
type PageClass struct {
	Initialized bool
	Zero        bool // this process already mapped it to the canonical zero frame
	SharedLocal bool // this process already holds the shared copy
	Frame       uintptr
}

// RegionPages returns the page count of the region based at base —
// the merge engine never needs to know the page size itself.
func (h *Heap) RegionPages(base, size uintptr) int {
	return int(size / h.pageSize)
}

// ClassifyPage reports page i's (zero-based, within the region based
// at base) current per-process state, read-only and without the node
// mutex or the region's page-state lock (only the heap's own map lock
// is taken briefly): the merge engine only ever acts on it inside a
// MergeRun, which takes the necessary locks itself.
func (h *Heap) ClassifyPage(base uintptr, i int) PageClass {
	h.mu.Lock()
	st := h.regions[base]
	h.mu.Unlock()
	if st == nil {
		return PageClass{}
	}
	k := st.kinds[i]
	return PageClass{
		Initialized: k != kindUninitialized,
		Zero:        k == kindZero,
		SharedLocal: k == kindShared,
		Frame:       h.frameIndex(base + uintptr(i)*h.pageSize),
	}
}

// PageBytes returns the live bytes of page i of the region based at
// base, for byte-identity comparisons during classification.
func (h *Heap) PageBytes(base uintptr, i int) []byte {
	return vm.Bytes(base+uintptr(i)*h.pageSize, h.pageSize)
}

// ZeroFrameBytes returns the canonical all-zero frame's bytes.
func (h *Heap) ZeroFrameBytes() []byte {
	return h.arena.Frame(shmarena.ZeroFrameIndex)
}

// SharedFrameBytes returns frame's bytes as currently published in
// the arena, for a shareable-run equality check.
func (h *Heap) SharedFrameBytes(frame uintptr) []byte {
	return h.arena.Frame(frame)
}

// HolderCountHint reports, without acquiring the node mutex, how many
// siblings currently hold frame. Used by the merge engine's
// classification scan only; flush operations re-derive the count
// under the node mutex via MergeRun.HolderCount.
func (h *Heap) HolderCountHint(frame uintptr) int {
	return h.arena.HolderCountHint(frame)
}

// MergeRun is a handle scoped to one node-mutex acquisition, the unit
// §4.6 specifies a flush operates under: one lock acquisition per
// batched run, not per page.
type MergeRun struct {
	h    *Heap
	base uintptr
	t    *shmarena.Txn
}

// WithMergeRun acquires both the region's page-state lock and the
// node mutex, then runs fn with a MergeRun over the region based at
// base. Used once per flushed run by the merge engine, so a whole
// batch of same-category pages transitions under a single node-mutex
// acquisition (§4.6).
func (h *Heap) WithMergeRun(base uintptr, fn func(r *MergeRun) error) error {
	lock := lockFor(base)
	lock.Lock()
	defer lock.Unlock()

	var err error
	h.arena.Do(func(t *shmarena.Txn) {
		err = fn(&MergeRun{h: h, base: base, t: t})
	})
	return err
}

// HolderCount reports how many siblings currently hold frame.
func (r *MergeRun) HolderCount(frame uintptr) int { return r.t.CountHolders(frame) }

// MakeZero transitions page i to zero-RO: remaps it onto the
// canonical zero frame and releases the private frame it held.
func (r *MergeRun) MakeZero(i int) error {
	pageAddr := r.base + uintptr(i)*r.h.pageSize
	if err := vm.MapFileFixed(pageAddr, r.h.pageSize, r.h.arena.Fd(),
		r.h.arena.FrameFileOffset(shmarena.ZeroFrameIndex), unix.PROT_READ); err != nil {
		return errors.Wrap(err, "dedupalloc: merge: remap onto zero frame")
	}
	r.h.mu.Lock()
	r.h.regions[r.base].kinds[i] = kindZero
	r.h.mu.Unlock()
	r.t.AddPrivatePagesTotal(-1)
	return nil
}

// MakePublisher transitions page i to shared-RO as the first
// publisher of its frame identity: copies the private content into
// the arena frame and remaps the page onto it.
func (r *MergeRun) MakePublisher(i int) error {
	pageAddr := r.base + uintptr(i)*r.h.pageSize
	frame := r.h.frameIndex(pageAddr)
	copy(r.h.arena.Frame(frame), r.h.PageBytes(r.base, i))

	if err := vm.MapFileFixed(pageAddr, r.h.pageSize, r.h.arena.Fd(),
		r.h.arena.FrameFileOffset(frame), unix.PROT_READ); err != nil {
		return errors.Wrap(err, "dedupalloc: merge: publish shared frame")
	}

	sibling := r.h.arena.SiblingIndex()
	r.t.SetHolder(frame, sibling)
	r.h.mu.Lock()
	r.h.regions[r.base].kinds[i] = kindShared
	r.h.mu.Unlock()
	r.t.AddPrivatePagesTotal(-1)
	if r.t.CountHolders(frame) == 2 {
		r.t.AddSharedPages(1)
	}
	return nil
}

// MakeSubscriber transitions page i to shared-RO by joining an
// already-published frame whose content matches the private page.
func (r *MergeRun) MakeSubscriber(i int) error {
	pageAddr := r.base + uintptr(i)*r.h.pageSize
	frame := r.h.frameIndex(pageAddr)

	if err := vm.MapFileFixed(pageAddr, r.h.pageSize, r.h.arena.Fd(),
		r.h.arena.FrameFileOffset(frame), unix.PROT_READ); err != nil {
		return errors.Wrap(err, "dedupalloc: merge: subscribe to shared frame")
	}

	sibling := r.h.arena.SiblingIndex()
	r.t.SetHolder(frame, sibling)
	r.h.mu.Lock()
	r.h.regions[r.base].kinds[i] = kindShared
	r.h.mu.Unlock()
	r.t.AddPrivatePagesTotal(-1)
	if r.t.CountHolders(frame) == 2 {
		r.t.AddSharedPages(1)
	}
	return nil
}

// AddUnmergedPagesTotal lets the merge engine record pages it
// inspected but could not merge (§3's unmerged_pages_total).
func (r *MergeRun) AddUnmergedPagesTotal(delta int64) { r.t.AddUnmergedPagesTotal(delta) }
