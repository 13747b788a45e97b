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

// Package stats writes the per-sibling statistics file §6 specifies:
// one append-only line per completed merge pass, named
// memusage.<hostname>.<rank>. Grounded on
// original_source/SharedHeap.h's MemStatStruct and UpdateMergeStat,
// which append the same seven counters on every merge; field order
// here matches the original exactly, with mergeTimeinMicrosec kept as
// the trailing field spec.md's six-counter summary dropped.
package stats

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Line is one merge pass's worth of counters, in the order written.
type Line struct {
	PrivateTotal         uint64
	LocalHeapTotal       uint64
	ZeroTotal            uint64
	SharedTotal          uint64
	UnmergedHypothetical uint64
	MergedActual         uint64
	MergeTimeMicros      uint64
}

// Writer appends Lines to a fixed file for the lifetime of one
// process. It is not safe for concurrent use from multiple
// goroutines; each sibling process owns exactly one Writer.
type Writer struct {
	f *os.File
}

// Open creates (or appends to) the statistics file for the given
// hostname and rank under dir, per §6's naming convention.
func Open(dir, hostname string, rank int) (*Writer, error) {
	name := fmt.Sprintf("memusage.%s.%d", hostname, rank)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "stats: open %s", name)
	}
	return &Writer{f: f}, nil
}

// Write appends one line: seven space-separated counters, newline
// terminated, flushed immediately so a crashed process leaves a
// complete trailing line rather than a partial one.
func (w *Writer) Write(l Line) error {
	_, err := fmt.Fprintf(w.f, "%d %d %d %d %d %d %d\n",
		l.PrivateTotal, l.LocalHeapTotal, l.ZeroTotal, l.SharedTotal,
		l.UnmergedHypothetical, l.MergedActual, l.MergeTimeMicros)
	if err != nil {
		return errors.Wrap(err, "stats: write line")
	}
	return w.f.Sync()
}

// Close releases the underlying file.
func (w *Writer) Close() error {
	return w.f.Close()
}
