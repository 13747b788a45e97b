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

// Command pagedupd-demo drives one sibling process through a full
// alloc/write/merge/free cycle against a shared arena, to exercise C1
// through C8 end to end outside of a test binary. It takes no flags
// to select a merge policy or tune thresholds (policy selection is
// the caller's responsibility, not this demo's — see spec.md's
// Non-goals); it exists only to show the library wired together the
// way a real host application would.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/intel/pagedupd/pkg/faulthandler"
	"github.com/intel/pagedupd/pkg/lifecycle"
	logger "github.com/intel/pagedupd/pkg/log"
	"github.com/intel/pagedupd/pkg/mergeengine"
	"github.com/intel/pagedupd/pkg/policy"
	"github.com/intel/pagedupd/pkg/stats"
	"github.com/intel/pagedupd/pkg/vm"
)

var log = logger.Get("pagedupd-demo")

func main() {
	arenaPath := flag.String("arena", "/dev/shm/pagedupd-demo.arena", "shared arena backing file")
	semKey := flag.Int("semkey", 0, "node mutex key shared by every sibling (0 uses the package default)")
	rank := flag.Int("rank", 0, "this sibling's rank, for the statistics file name")
	statsDir := flag.String("statsdir", ".", "directory statistics files are written to")
	pages := flag.Int("pages", 64, "number of pages to allocate and dirty")
	flag.Parse()

	if err := run(*arenaPath, *semKey, *rank, *statsDir, *pages); err != nil {
		log.Error("fatal: %v", err)
		os.Exit(1)
	}
}

func run(arenaPath string, semKey, rank int, statsDir string, pages int) error {
	proc, err := lifecycle.Start(lifecycle.Options{Path: arenaPath, SemKey: semKey})
	if err != nil {
		return err
	}
	defer func() {
		if serr := proc.Stop(); serr != nil {
			log.Error("teardown error: %v", serr)
		}
	}()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	sw, err := stats.Open(statsDir, hostname, rank)
	if err != nil {
		return err
	}
	defer sw.Close()

	ps := vm.PageSize()
	ctrl := policy.NewController(policy.FromEnv())
	engine := &mergeengine.Engine{MapLimit: proc.MapLimit}

	proc.Heap.OnAlloc = func() {
		if ctrl.OnAlloc() {
			runMergePass(proc, engine, sw)
		}
	}

	// Allocate pages pages, each written with a pattern most siblings
	// on the node will reproduce byte for byte, so a real cohort
	// converges on shared frames the way §8 scenario 4 describes.
	addrs := make([]uintptr, 0, pages)
	for i := 0; i < pages; i++ {
		addr, err := proc.Heap.Alloc(ps)
		if err != nil {
			return err
		}
		addrs = append(addrs, addr)

		if err := faulthandler.Guard(proc.Heap, addr, func() {
			dst := vm.Bytes(addr, ps)
			for j := range dst {
				dst[j] = byte(i)
			}
		}); err != nil {
			return err
		}
	}

	runMergePass(proc, engine, sw)

	snap := proc.Arena.Snapshot()
	log.Info("final snapshot: alive=%d shared=%d private_total=%d unmerged_total=%d",
		snap.Alive, snap.SharedPages, snap.PrivatePagesTotal, snap.UnmergedPagesTotal)

	for _, addr := range addrs {
		if err := proc.Heap.Free(addr); err != nil {
			return err
		}
	}
	return nil
}

func runMergePass(proc *lifecycle.Process, engine *mergeengine.Engine, sw *stats.Writer) {
	start := time.Now()
	result, err := engine.Run(context.Background(), proc.Heap)
	elapsed := time.Since(start).Microseconds()
	if err != nil {
		log.Warn("merge pass completed with errors: %v", err)
	}
	log.Info("merge pass: scanned=%d zeroed=%d published=%d subscribed=%d failed=%d",
		result.RegionsScanned, result.PagesZeroed, result.PagesPublished, result.PagesSubscribed, result.RegionsFailed)

	snap := proc.Arena.Snapshot()
	line := stats.Line{
		PrivateTotal:         uint64(snap.PrivatePagesTotal),
		LocalHeapTotal:       uint64(proc.Heap.Index().Len()),
		ZeroTotal:            uint64(result.PagesZeroed),
		SharedTotal:          uint64(snap.SharedPages),
		UnmergedHypothetical: uint64(snap.UnmergedPagesTotal),
		MergedActual:         uint64(result.PagesPublished + result.PagesSubscribed),
		MergeTimeMicros:      uint64(elapsed),
	}
	if werr := sw.Write(line); werr != nil {
		log.Error("failed to write statistics line: %v", werr)
	}
}
