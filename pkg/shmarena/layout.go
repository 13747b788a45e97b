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

// Package shmarena is the shared metadata arena (C2): a single,
// process-shared backing file laid out exactly as §4.2 describes —
// the deduplicated frames themselves, a holder bitmap, and a handful
// of scalar counters — plus the join/leave protocol that assigns each
// sibling its bitmap bit position. Grounded on
// original_source/SharedHeap.{h,cpp} (AllocateSharedMetadata,
// GetSharedRegion, the sharingProcessesInfo bit vector) and, for the
// bitmask idiom, the teacher's pkg/resmgr/lib/memory/mask-cache.go.
package shmarena

const (
	// KiB, MiB, GiB are the usual binary unit multipliers.
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB

	// DefaultHeapWindowSize is the per-process reserved heap window
	// (§3): 3 GiB on 64-bit hosts.
	DefaultHeapWindowSize uintptr = 3 * GiB

	// bitmapReserve is the span reserved for the holder bitmap,
	// exactly as laid out in §4.2 ("[3 GiB, 3 GiB + 3 MiB)"). The
	// actual bitmap only ever uses numFrames*2 bytes of it; the rest
	// is unused padding preserved for layout fidelity with the spec.
	bitmapReserve uintptr = 3 * MiB

	// countersSize is a fixed 4 KiB: one page on a 4 KiB-page host.
	// It does not follow the host page size.
	countersSize uintptr = 4 * KiB

	// Width8 and Width16 are the two supported holder-bitmap widths
	// (§4.2): the maximum number of siblings a node can support.
	Width8  = 8
	Width16 = 16
)

// bitmapEntryBytes is the on-disk size of one frame's holder entry.
// We always reserve 2 bytes per frame regardless of the configured
// width so that Width8 and Width16 deployments share one file
// layout; MaxSiblings alone decides how many of the 16 bits are
// valid to set. This is a deliberate simplification of §4.2's
// "entry width must equal the maximum joiner count": rather than two
// incompatible on-disk formats, one wider format is used and the
// narrower mode simply refuses bit positions >= 8.
const bitmapEntryBytes uintptr = 2

// layout describes the byte offsets and sizes of the three regions
// of the backing file, computed from a page size and heap window.
type layout struct {
	pageSize       uintptr
	numFrames      uintptr
	framesOffset   uintptr
	framesSize     uintptr
	bitmapOffset   uintptr
	bitmapSize     uintptr
	countersOffset uintptr
	countersSize   uintptr
	totalSize      uintptr
}

func computeLayout(heapWindow uintptr, pageSize uintptr) layout {
	numFrames := heapWindow / pageSize
	l := layout{
		pageSize:       pageSize,
		numFrames:      numFrames,
		framesOffset:   0,
		framesSize:     heapWindow,
		bitmapOffset:   heapWindow,
		bitmapSize:     numFrames * bitmapEntryBytes,
		countersOffset: heapWindow + bitmapReserve,
		countersSize:   countersSize,
	}
	l.totalSize = l.countersOffset + l.countersSize
	return l
}

// counter field offsets within the counters region (§3: alive,
// shared_pages, private_pages_total, unmerged_pages_total), each an
// 8-byte slot so it can be mutated with sync/atomic via an unsafe
// pointer into the mmap'd region.
const (
	counterAliveOffset              uintptr = 0
	counterSharedPagesOffset        uintptr = 8
	counterPrivatePagesTotalOffset  uintptr = 16
	counterUnmergedPagesTotalOffset uintptr = 24
)
