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

// Package faulthandler emulates §4.5's write-fault trap. The original
// design installs a SIGSEGV handler that inspects the faulting
// instruction and resumes it once the underlying page has been made
// writable — a mechanism with no Go equivalent, since a recovered
// panic unwinds the goroutine stack instead of returning control to
// the faulting instruction. This port's documented substitute: a
// goroutine that writes into deduplicated memory does so through
// Guard, which runs the write with debug.SetPanicOnFault enabled,
// recovers the resulting runtime error on a protection fault, drives
// the page through Faultable's transition, and retries the write
// exactly once. Direct pointer writes to deduplicated memory outside
// Guard are a programming error this port cannot catch.
package faulthandler

import (
	"runtime"
	"runtime/debug"

	logger "github.com/intel/pagedupd/pkg/log"
	"github.com/pkg/errors"
)

var log = logger.Get("faulthandler")

// Faultable is the subset of dedupalloc.Heap the guard needs: enough
// to drive one page's C5 transition without importing dedupalloc,
// which would make this package depend on the very allocator it
// instruments.
type Faultable interface {
	HandleFault(addr uintptr) error
}

// ErrUnrecoverableFault is returned when a write still faults after
// HandleFault has already run once — an invariant violation, per §7
// fatal for the process.
var ErrUnrecoverableFault = errors.New("faulthandler: write still faults after page transition")

// Guard runs write, which must perform exactly one write to a single
// deduplicated page at addr. If write triggers a protection fault,
// Guard calls h.HandleFault(addr) to privatize the page and retries
// write once. A second fault escalates to ErrUnrecoverableFault,
// matching §4.5 step 4: there is no safe recovery beyond one retry.
func Guard(h Faultable, addr uintptr, write func()) (err error) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)

	if !attempt(write) {
		return nil
	}

	log.Debug("write fault at 0x%x, transitioning page", addr)
	if ferr := h.HandleFault(addr); ferr != nil {
		return errors.Wrap(ferr, "faulthandler: page transition failed")
	}

	if attempt(write) {
		log.Error("fatal: write at 0x%x still faults after transition", addr)
		return ErrUnrecoverableFault
	}
	return nil
}

// attempt runs write and reports whether it panicked with a runtime
// fault (as opposed to any other panic, which is not this package's
// concern to swallow).
func attempt(write func()) (faulted bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(runtime.Error); ok {
				faulted = true
				return
			}
			panic(r)
		}
	}()
	write()
	return false
}
