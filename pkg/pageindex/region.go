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

// Package pageindex is the allocation-metadata index (C1): an
// ordered interval map keyed by region base address, grounded on
// original_source/AVL.{h,cpp} (Wingbermuehle's AVL tree, as adapted
// by SBLLmalloc to key on mmap base addresses).
package pageindex

// Region is one entry in the index: a contiguous, page-aligned span
// handed out by a single allocation call (§3).
type Region struct {
	Base uintptr
	Size uintptr

	// Dirty is set by the fault handler (C5) on first write to any
	// page in the region since the last merge pass, and cleared by
	// the merge engine (C6) once it has processed the region. It is
	// the only field a Traverse visitor is expected to mutate.
	Dirty bool

	// Provenance is a bounded call-stack snapshot captured at
	// allocation time, kept only for diagnostics (§3). Nil unless
	// provenance capture was requested.
	Provenance []uintptr
}

// contains reports whether addr falls in this region's half-open
// interval [Base, Base+Size).
func (r *Region) contains(addr uintptr) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}

// End returns the address one past the last byte of the region.
func (r *Region) End() uintptr {
	return r.Base + r.Size
}
