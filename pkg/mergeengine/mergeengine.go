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

// Package mergeengine is the periodic scan (C6) that walks the
// allocation index and collapses dirty regions' pages onto shared or
// zero-backed frames. Grounded on original_source/SharedHeap.cpp's
// mergeRegion (the all-zero / moveable / shareable run classification
// and batched mmap flush) and, for the tracing-span-per-pass idiom,
// the teacher's pkg/instrumentation/metrics/opencensus wrapping of
// periodic reconciliation loops.
//
// One simplification from the original design: the shared arena's
// frame region stays mapped for the whole process lifetime (C2 mmaps
// it once in shmarena.Open), so the "scratch shared mapping window"
// §4.6 describes to amortize per-page mmap calls during
// shared-vs-private comparison is unnecessary here — comparing a
// private page to a shared frame is just two in-process memory reads
// against address ranges that are already resident mappings.
package mergeengine

import (
	"bytes"
	"context"

	"github.com/intel/pagedupd/pkg/dedupalloc"
	logger "github.com/intel/pagedupd/pkg/log"
	"github.com/intel/pagedupd/pkg/metrics"
	"github.com/intel/pagedupd/pkg/pageindex"
	"github.com/hashicorp/go-multierror"
)

var log = logger.Get("mergeengine")

// run is the category a batch of contiguous pages is being flushed
// into, per §4.6's three mutually exclusive accumulators.
type run int

const (
	runNone run = iota
	runZero
	runPublish
	runSubscribe
)

// Result summarizes one pass, for statistics (§6) and logging.
type Result struct {
	RegionsScanned  int
	RegionsFailed   int
	PagesZeroed     int
	PagesPublished  int
	PagesSubscribed int
}

// Engine runs merge passes over a heap. The zero value is usable.
type Engine struct {
	// MapLimit, if non-zero, halts a pass before the next region once
	// the pages flushed so far in the pass reach it — the soft kernel mapping-count cap §4.6 specifies
	// ("The scan halts early if the kernel's mapping limit is being
	// approached").
	MapLimit int
}

// Run performs one full pass: every dirty region in h's allocation
// index is classified page-by-page and flushed in batched runs.
func (e *Engine) Run(ctx context.Context, h *dedupalloc.Heap) (Result, error) {
	ctx, span := metrics.StartSpan(ctx, "mergeengine.Run")
	defer span.End()
	timer := metrics.NewPassTimer()
	defer timer.ObserveDuration()

	var dirty []*pageindex.Region
	h.Index().Traverse(func(r *pageindex.Region) {
		if r.Dirty {
			dirty = append(dirty, r)
		}
	})

	var result Result
	var merr *multierror.Error
	flushed := 0

	for _, r := range dirty {
		if e.MapLimit > 0 && flushed >= e.MapLimit {
			log.Warn("merge pass halted early: map-count soft limit %d reached", e.MapLimit)
			break
		}
		result.RegionsScanned++
		n, err := e.mergeRegion(h, r)
		flushed += n.PagesZeroed + n.PagesPublished + n.PagesSubscribed
		result.PagesZeroed += n.PagesZeroed
		result.PagesPublished += n.PagesPublished
		result.PagesSubscribed += n.PagesSubscribed
		if err != nil {
			result.RegionsFailed++
			merr = multierror.Append(merr, err)
			continue
		}
		r.Dirty = false
	}

	return result, merr.ErrorOrNil()
}

func (e *Engine) mergeRegion(h *dedupalloc.Heap, r *pageindex.Region) (Result, error) {
	npages := h.RegionPages(r.Base, r.Size)
	var result Result
	var merr *multierror.Error

	open := runNone
	start := 0

	flush := func(end int) {
		if end <= start {
			return
		}
		if open == runNone {
			// Pages a pass inspected but could not collapse onto any
			// frame (still dirty, no match): recorded as unmerged so
			// §6's statistics distinguish "processed, stayed private"
			// from pages never inspected at all.
			unmerged := 0
			for i := start; i < end; i++ {
				if pc := h.ClassifyPage(r.Base, i); pc.Initialized && !pc.Zero && !pc.SharedLocal {
					unmerged++
				}
			}
			if unmerged > 0 {
				h.WithMergeRun(r.Base, func(mr *dedupalloc.MergeRun) error {
					mr.AddUnmergedPagesTotal(int64(unmerged))
					return nil
				})
			}
			return
		}
		err := h.WithMergeRun(r.Base, func(mr *dedupalloc.MergeRun) error {
			for i := start; i < end; i++ {
				var ferr error
				switch open {
				case runZero:
					ferr = mr.MakeZero(i)
					result.PagesZeroed++
				case runPublish:
					ferr = mr.MakePublisher(i)
					result.PagesPublished++
				case runSubscribe:
					ferr = mr.MakeSubscriber(i)
					result.PagesSubscribed++
				}
				if ferr != nil {
					return ferr
				}
			}
			return nil
		})
		if err != nil {
			merr = multierror.Append(merr, err)
		}
		open = runNone
	}

	for i := 0; i < npages; i++ {
		desired := e.classify(h, r.Base, i)
		if desired != open {
			flush(i)
			open = desired
			start = i
		}
	}
	flush(npages)

	return result, merr.ErrorOrNil()
}

// classify implements §4.6's per-page decision tree.
func (e *Engine) classify(h *dedupalloc.Heap, base uintptr, i int) run {
	pc := h.ClassifyPage(base, i)
	if !pc.Initialized || pc.Zero || pc.SharedLocal {
		return runNone
	}

	page := h.PageBytes(base, i)
	if bytes.Equal(page, h.ZeroFrameBytes()) {
		return runZero
	}
	if h.HolderCountHint(pc.Frame) == 0 {
		return runPublish
	}
	if bytes.Equal(page, h.SharedFrameBytes(pc.Frame)) {
		return runSubscribe
	}
	return runNone
}
