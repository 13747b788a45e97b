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

package pageindex

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func TestInsertFindExact(t *testing.T) {
	idx := New()
	idx.Insert(0x1000, 0x2000, nil)

	require.Equal(t, uintptr(0x2000), idx.FindExact(0x1000))
	require.Equal(t, uintptr(0), idx.FindExact(0x9000))
	require.Equal(t, 1, idx.Len())
}

func TestInsertDuplicateBaseIsNoop(t *testing.T) {
	idx := New()
	idx.Insert(0x1000, 0x1000, nil)
	idx.Insert(0x1000, 0x4000, nil)

	require.Equal(t, uintptr(0x1000), idx.FindExact(0x1000), "second insert with same base must be ignored")
	require.Equal(t, 1, idx.Len())
}

func TestFindContaining(t *testing.T) {
	idx := New()
	idx.Insert(0x1000, 0x1000, nil) // [0x1000, 0x2000)
	idx.Insert(0x5000, 0x3000, nil) // [0x5000, 0x8000)

	r, ok := idx.FindContaining(0x1800)
	require.True(t, ok)
	require.Equal(t, uintptr(0x1000), r.Base)

	r, ok = idx.FindContaining(0x6400)
	require.True(t, ok)
	require.Equal(t, uintptr(0x5000), r.Base)

	_, ok = idx.FindContaining(0x2000) // one past the end of the first region
	require.False(t, ok)

	_, ok = idx.FindContaining(0x4000) // gap between regions
	require.False(t, ok)
}

func TestRemove(t *testing.T) {
	idx := New()
	idx.Insert(0x1000, 0x1000, nil)

	require.Equal(t, uintptr(0x1000), idx.Remove(0x1000))
	require.Equal(t, uintptr(0), idx.FindExact(0x1000))
	require.Equal(t, uintptr(0), idx.Remove(0x1000), "removing twice returns 0")
	require.Equal(t, 0, idx.Len())
}

func TestTraverseInOrderAndMutatesDirty(t *testing.T) {
	idx := New()
	bases := []uintptr{0x9000, 0x1000, 0x5000, 0x3000, 0x7000}
	for _, b := range bases {
		idx.Insert(b, 0x1000, nil)
	}

	var seen []uintptr
	idx.Traverse(func(r *Region) {
		seen = append(seen, r.Base)
		r.Dirty = true
	})

	require.Equal(t, []uintptr{0x1000, 0x3000, 0x5000, 0x7000, 0x9000}, seen)

	idx.Traverse(func(r *Region) {
		require.True(t, r.Dirty)
		r.Dirty = false
	})

	count := 0
	idx.Traverse(func(r *Region) {
		require.False(t, r.Dirty)
		count++
	})
	require.Equal(t, len(bases), count)
}

func TestAVLStaysBalancedUnderSequentialInserts(t *testing.T) {
	idx := New()
	const n = 1000
	for i := 0; i < n; i++ {
		idx.Insert(uintptr(i)*0x1000, 0x1000, nil)
	}
	require.Equal(t, n, idx.Len())

	// A degenerate (unbalanced) tree over n sequential inserts would
	// have height n; AVL bounds it to O(log n).
	h := height(idx.root)
	require.LessOrEqual(t, h, 2*intLog2(n+1)+2)
}

func intLog2(n int) int {
	l := 0
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}

func TestFindContainingOnEmptyIndex(t *testing.T) {
	idx := New()
	_, ok := idx.FindContaining(0x1000)
	require.False(t, ok)
}

// TestTraverseOrderMatchesInsertionRegardlessOfOrder builds two
// indexes from the same region set inserted in different orders and
// diffs their in-order traversal snapshots structurally, rather than
// field by field, to guard against the AVL rebalancing silently
// reordering or dropping a region.
func TestTraverseOrderMatchesInsertionRegardlessOfOrder(t *testing.T) {
	type snapshot struct {
		Base uintptr
		Size uintptr
	}
	collect := func(bases []uintptr) []snapshot {
		idx := New()
		for _, b := range bases {
			idx.Insert(b, 0x1000, nil)
		}
		var out []snapshot
		idx.Traverse(func(r *Region) {
			out = append(out, snapshot{Base: r.Base, Size: r.Size})
		})
		return out
	}

	a := collect([]uintptr{0x1000, 0x5000, 0x3000, 0x9000, 0x7000})
	b := collect([]uintptr{0x9000, 0x7000, 0x5000, 0x3000, 0x1000})

	if diff := cmp.Diff(a, b, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("traversal snapshot mismatch regardless of insertion order (-want +got):\n%s", diff)
	}
}
