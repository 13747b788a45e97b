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

package mergeengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/intel/pagedupd/pkg/dedupalloc"
	"github.com/intel/pagedupd/pkg/shmarena"
	"github.com/intel/pagedupd/pkg/vm"
	"github.com/stretchr/testify/require"
)

func newSiblingHeap(t *testing.T, cfg shmarena.Config) (*dedupalloc.Heap, *shmarena.Arena) {
	t.Helper()
	a, err := shmarena.Open(cfg)
	if err != nil {
		t.Skipf("shmarena unavailable: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	base, err := vm.Reserve(cfg.HeapWindow)
	require.NoError(t, err)
	t.Cleanup(func() { vm.Unmap(base, cfg.HeapWindow) })

	return dedupalloc.NewHeap(a, base, cfg.HeapWindow), a
}

func TestZeroMergeCollapsesWrittenZeroPage(t *testing.T) {
	window := uintptr(1 * shmarena.MiB)
	cfg := shmarena.Config{
		Path:        filepath.Join(t.TempDir(), "arena"),
		SemKey:      0x8eed0000 + int(time.Now().UnixNano()&0xffff),
		MaxSiblings: shmarena.Width8,
		HeapWindow:  window,
		PageSize:    vm.PageSize(),
	}
	h, arena := newSiblingHeap(t, cfg)
	ps := vm.PageSize()

	addr, err := h.Alloc(ps)
	require.NoError(t, err)
	require.NoError(t, h.HandleFault(addr))
	vm.Bytes(addr, ps)[0] = 0x01
	vm.Bytes(addr, ps)[0] = 0x00 // written, but content is all-zero again

	require.Equal(t, int64(1), arena.Snapshot().PrivatePagesTotal)

	e := &Engine{}
	_, err = e.Run(context.Background(), h)
	require.NoError(t, err)

	require.Equal(t, int64(0), arena.Snapshot().PrivatePagesTotal)

	// A subsequent write must re-privatize via a fresh zero-fill.
	require.NoError(t, h.HandleFault(addr))
	require.Equal(t, int64(1), arena.Snapshot().PrivatePagesTotal)
}

func TestCrossProcessPublishAndSubscribe(t *testing.T) {
	window := uintptr(1 * shmarena.MiB)
	path := filepath.Join(t.TempDir(), "arena")
	semKey := 0x9eed0000 + int(time.Now().UnixNano()&0xffff)
	cfg := shmarena.Config{Path: path, SemKey: semKey, MaxSiblings: shmarena.Width8, HeapWindow: window, PageSize: vm.PageSize()}

	a, arenaErr := shmarena.Open(cfg)
	if arenaErr != nil {
		t.Skipf("shmarena unavailable: %v", arenaErr)
	}
	t.Cleanup(func() { a.Close() })
	baseA, err := vm.Reserve(window)
	require.NoError(t, err)
	t.Cleanup(func() { vm.Unmap(baseA, window) })
	heapA := dedupalloc.NewHeap(a, baseA, window)

	b, err := shmarena.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	baseB, err := vm.Reserve(window)
	require.NoError(t, err)
	t.Cleanup(func() { vm.Unmap(baseB, window) })
	heapB := dedupalloc.NewHeap(b, baseB, window)

	ps := vm.PageSize()
	addrA, err := heapA.Alloc(ps)
	require.NoError(t, err)
	require.NoError(t, heapA.HandleFault(addrA))
	for i := range vm.Bytes(addrA, ps) {
		vm.Bytes(addrA, ps)[i] = 0xCC
	}

	addrB, err := heapB.Alloc(ps)
	require.NoError(t, err)
	require.NoError(t, heapB.HandleFault(addrB))
	for i := range vm.Bytes(addrB, ps) {
		vm.Bytes(addrB, ps)[i] = 0xCC
	}

	e := &Engine{}
	_, err = e.Run(context.Background(), heapA)
	require.NoError(t, err)
	_, err = e.Run(context.Background(), heapB)
	require.NoError(t, err)

	require.Equal(t, int64(1), a.Snapshot().SharedPages)
	require.Equal(t, byte(0xCC), vm.Bytes(addrA, 1)[0])
	require.Equal(t, byte(0xCC), vm.Bytes(addrB, 1)[0])

	// A writes; B must keep observing the unmodified pattern.
	require.NoError(t, heapA.HandleFault(addrA))
	vm.Bytes(addrA, ps)[0] = 0xEE

	require.Equal(t, byte(0xEE), vm.Bytes(addrA, 1)[0])
	require.Equal(t, byte(0xCC), vm.Bytes(addrB, 1)[0])
	require.Equal(t, int64(0), a.Snapshot().SharedPages)
}
