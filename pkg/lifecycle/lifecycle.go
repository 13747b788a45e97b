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

// Package lifecycle is process init and teardown (C8): reserving the
// heap window, joining the shared arena, picking a holder-bitmap
// width from the node's core count, probing the kernel's soft
// mmap-count ceiling, and — on the last sibling out — destroying the
// shared resources. Grounded on original_source/SharedHeap.cpp's
// TheStartRoutine (env parsing, /proc/sys/vm/max_map_count probe,
// numProc-based bitmap width selection) and TheEndRoutine (last-out
// teardown of the shared file and semaphore).
package lifecycle

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/intel/pagedupd/pkg/dedupalloc"
	logger "github.com/intel/pagedupd/pkg/log"
	"github.com/intel/pagedupd/pkg/nodelock"
	"github.com/intel/pagedupd/pkg/shmarena"
	"github.com/intel/pagedupd/pkg/vm"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

var log = logger.Get("lifecycle")

// defaultMapLimit mirrors the original's fallback when
// /proc/sys/vm/max_map_count cannot be read (a non-Linux host, or a
// restricted container).
const defaultMapLimit = 65536

// mapLimitPath is the kernel knob TheStartRoutine reads to size the
// merge engine's early-exit threshold.
const mapLimitPath = "/proc/sys/vm/max_map_count"

// probeMapLimit reads the node's soft cap on VMA count. A merge pass
// stops opening new fixed mappings once it estimates it is getting
// close to this ceiling (§4.6's "avoid exhausting the map count"),
// concretized here as mergeengine.Engine.MapLimit.
func probeMapLimit() int {
	data, err := os.ReadFile(mapLimitPath)
	if err != nil {
		log.Warn("could not read %s, using default %d: %v", mapLimitPath, defaultMapLimit, err)
		return defaultMapLimit
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n <= 0 {
		log.Warn("could not parse %s, using default %d", mapLimitPath, defaultMapLimit)
		return defaultMapLimit
	}
	return n
}

// bitmapWidth picks Width8 or Width16 from the node's online core
// count, exactly as the original clamps numProc to one of two sizes
// (§4.2): up to 8 cores gets the narrower entry, everything else
// (including hyperthreaded and many-core nodes) gets the wider one.
func bitmapWidth() int {
	n := runtime.NumCPU()
	if n <= shmarena.Width8 {
		return shmarena.Width8
	}
	return shmarena.Width16
}

// Options configures a Process. Path and SemKey must be identical
// across every sibling on the node.
type Options struct {
	Path       string
	SemKey     int
	HeapWindow uintptr // 0 defaults to shmarena.DefaultHeapWindowSize
}

// Process holds every resource one sibling's lifetime touches: the
// reserved heap window, the joined arena, the node mutex handle, and
// the map-count ceiling the merge engine should respect.
type Process struct {
	Heap     *dedupalloc.Heap
	Arena    *shmarena.Arena
	MapLimit int

	heapBase uintptr
	heapSize uintptr
	semKey   int
}

// Start performs the full C8 init sequence: probe the map-count
// ceiling, select a bitmap width, reserve the heap window as
// PROT_NONE address space, join (or create) the shared arena, and
// build a Heap over the reserved window.
func Start(opts Options) (*Process, error) {
	if opts.HeapWindow == 0 {
		opts.HeapWindow = shmarena.DefaultHeapWindowSize
	}

	limit := probeMapLimit()
	width := bitmapWidth()

	base, err := vm.Reserve(opts.HeapWindow)
	if err != nil {
		return nil, errors.Wrap(err, "lifecycle: reserve heap window")
	}

	arena, err := shmarena.Open(shmarena.Config{
		Path:        opts.Path,
		SemKey:      opts.SemKey,
		MaxSiblings: width,
		HeapWindow:  opts.HeapWindow,
		PageSize:    vm.PageSize(),
	})
	if err != nil {
		vm.Unmap(base, opts.HeapWindow)
		return nil, errors.Wrap(err, "lifecycle: join shared arena")
	}

	h := dedupalloc.NewHeap(arena, base, opts.HeapWindow)
	logStartupDump(opts, arena.SiblingIndex(), width, limit)

	return &Process{
		Heap:     h,
		Arena:    arena,
		MapLimit: limit,
		heapBase: base,
		heapSize: opts.HeapWindow,
		semKey:   arena.SemKey(),
	}, nil
}

// startupDump is the diagnostic record logged once per process start,
// marshaled to YAML the way the teacher's resource-manager.go logs its
// effective configuration on startup (log.InfoBlock + yaml.Marshal).
type startupDump struct {
	ArenaPath   string  `json:"arenaPath"`
	SemKey      int     `json:"semKey"`
	Sibling     int     `json:"sibling"`
	BitmapWidth int     `json:"bitmapWidth"`
	MapLimit    int     `json:"mapLimit"`
	HeapWindow  uintptr `json:"heapWindowBytes"`
}

func logStartupDump(opts Options, sibling, width, limit int) {
	dump := startupDump{
		ArenaPath:   opts.Path,
		SemKey:      opts.SemKey,
		Sibling:     sibling,
		BitmapWidth: width,
		MapLimit:    limit,
		HeapWindow:  opts.HeapWindow,
	}
	out, err := yaml.Marshal(dump)
	if err != nil {
		log.Warn("failed to marshal startup diagnostics: %v", err)
		return
	}
	log.Info("started with configuration:\n%s", string(out))
}

// Stop tears the process down: closes the heap to new allocations,
// leaves the shared arena, unmaps the reserved window, and — if this
// was the last sibling on the node — truncates the backing file to
// zero length and destroys the node mutex so a later, unrelated job
// never inherits stale state. The backing file itself is not removed.
//
// Grounded on original_source/SharedHeap.cpp's TheEndRoutine, which
// truncates the shared file to zero length and removes the semaphore
// set only when the departing process was the last one to decrement
// the alive count.
func (p *Process) Stop() error {
	p.Heap.Close()

	last, err := p.Arena.Leave()
	if err != nil {
		log.Error("error leaving shared arena: %v", err)
	}

	if uerr := vm.Unmap(p.heapBase, p.heapSize); uerr != nil && err == nil {
		err = errors.Wrap(uerr, "lifecycle: unmap heap window")
	}

	if !last {
		return err
	}

	log.Info("last sibling leaving node, tearing down shared resources")
	if terr := truncateArenaFile(p.Arena.Path()); terr != nil && err == nil {
		err = terr
	}
	if serr := destroySemaphore(p.semKey); serr != nil && err == nil {
		err = serr
	}
	return err
}

// truncateArenaFile resets the backing file to zero length so the
// next process to reach shmarena.Open sees the "I am first" signal
// Open's zero-size check relies on, rather than stale frame data from
// a finished job.
func truncateArenaFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrap(err, "lifecycle: reopen arena file for truncation")
	}
	defer f.Close()
	if err := f.Truncate(0); err != nil {
		return errors.Wrap(err, "lifecycle: truncate arena file")
	}
	return nil
}

// destroySemaphore removes the node mutex from the kernel. Only
// reached after Stop has confirmed the caller was the last sibling; a
// semaphore key is a scarce, node-wide resource and must never be
// removed while another process might still be attached.
func destroySemaphore(semKey int) error {
	m, err := nodelock.Open(semKey)
	if err != nil {
		return errors.Wrap(err, "lifecycle: open node mutex for destruction")
	}
	return m.Destroy()
}
