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
	"sync/atomic"
	"unsafe"
)

// counterPtr returns a pointer to the int64 slot at the given offset
// within the counters region of the shared mapping.
func (a *Arena) counterPtr(offset uintptr) *int64 {
	base := a.layout.countersOffset + offset
	return (*int64)(unsafe.Pointer(&a.data[base]))
}

// addAliveLocked adjusts the alive-sibling counter and returns its
// new value. The caller must hold the node mutex: the counter also
// doubles as the holder-bitmap column allocator (claimColumnLocked),
// which requires read-then-write atomicity across the whole join
// decision, not just the increment itself.
func (a *Arena) addAliveLocked(delta int64) int64 {
	return atomic.AddInt64(a.counterPtr(counterAliveOffset), delta)
}

// Alive returns the current count of siblings that have joined and
// not yet left. Safe to call without holding the node mutex; it is a
// hint, not a basis for the join/leave decision itself.
func (a *Arena) Alive() int64 {
	return atomic.LoadInt64(a.counterPtr(counterAliveOffset))
}

// SharedPages returns the number of frames currently backing more
// than one sibling's mapping (§3).
func (a *Arena) SharedPages() int64 {
	return atomic.LoadInt64(a.counterPtr(counterSharedPagesOffset))
}

// AddSharedPages adjusts the shared-pages counter. Called from inside
// a transaction (merge flush, write-fault privatization, free), never
// standalone.
func (a *Arena) AddSharedPages(delta int64) int64 {
	return atomic.AddInt64(a.counterPtr(counterSharedPagesOffset), delta)
}

// PrivatePagesTotal returns the node-wide count of pages currently
// private (§3): raised by each write-fault privatization, lowered when
// a merge collapses a private page or a private page is freed.
func (a *Arena) PrivatePagesTotal() int64 {
	return atomic.LoadInt64(a.counterPtr(counterPrivatePagesTotalOffset))
}

// AddPrivatePagesTotal adjusts the private-pages-total counter.
func (a *Arena) AddPrivatePagesTotal(delta int64) int64 {
	return atomic.AddInt64(a.counterPtr(counterPrivatePagesTotalOffset), delta)
}

// UnmergedPagesTotal returns the unmerged-pages counter (§3). It only
// grows: by each allocation's page count, by one per first write to an
// uninitialized page, and by each private page a merge pass inspected
// but could not merge.
func (a *Arena) UnmergedPagesTotal() int64 {
	return atomic.LoadInt64(a.counterPtr(counterUnmergedPagesTotalOffset))
}

// AddUnmergedPagesTotal adjusts the unmerged-pages-total counter.
func (a *Arena) AddUnmergedPagesTotal(delta int64) int64 {
	return atomic.AddInt64(a.counterPtr(counterUnmergedPagesTotalOffset), delta)
}

// Snapshot captures every counter in one read. The fields are read
// independently (no node-mutex acquisition), so a snapshot taken
// concurrently with an in-flight merge transaction may observe a
// torn mix of before/after values across counters; this is
// acceptable for the statistics and metrics surfaces that consume it
// (§7), which are advisory, not correctness-bearing.
type Snapshot struct {
	Alive              int64
	SharedPages        int64
	PrivatePagesTotal  int64
	UnmergedPagesTotal int64
}

// Snapshot returns the current value of every shared counter.
func (a *Arena) Snapshot() Snapshot {
	return Snapshot{
		Alive:              a.Alive(),
		SharedPages:        a.SharedPages(),
		PrivatePagesTotal:  a.PrivatePagesTotal(),
		UnmergedPagesTotal: a.UnmergedPagesTotal(),
	}
}
