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

// Package policy is the merge-trigger controller (C7): a tagged
// variant over the four modes §4.7 and §6 define, read from the same
// environment variables the original tool exposes. Grounded on
// original_source/SharedHeap.cpp's shouldMerge/mergeCounter logic,
// translated into Go's idiomatic "parse env once at construction,
// decide with a plain switch thereafter" shape, with
// golang.org/x/time/rate damping the alloc-frequency mode the way the
// teacher's admission-control paths use the same package.
package policy

import (
	"os"
	"strconv"
	"time"

	logger "github.com/intel/pagedupd/pkg/log"
	"golang.org/x/time/rate"
)

var log = logger.Get("policy")

// Mode is the merge-trigger strategy (§4.7).
type Mode int

const (
	// Disabled never triggers a merge automatically.
	Disabled Mode = iota
	// AllocFrequency triggers every N allocations.
	AllocFrequency
	// MemoryThreshold triggers once combined private+shared pages
	// exceeds a monotonically rising high-water mark.
	MemoryThreshold
	// DirtyBuffer triggers once a bounded count of dirty pages
	// accumulates.
	DirtyBuffer
)

func (m Mode) String() string {
	switch m {
	case Disabled:
		return "disabled"
	case AllocFrequency:
		return "alloc-frequency"
	case MemoryThreshold:
		return "memory-threshold"
	case DirtyBuffer:
		return "dirty-buffer"
	default:
		return "unknown"
	}
}

// Config mirrors the environment variables §6 enumerates.
type Config struct {
	Mode              Mode
	AllocFrequency    int // MALLOC_MERGE_FREQ
	MemThresholdPages uint64
	DirtyBufferSize   int
}

// FromEnv parses the documented environment variables, applying their
// documented defaults.
func FromEnv() Config {
	cfg := Config{
		Mode:              Mode(envInt("MERGE_METRIC", 1)),
		AllocFrequency:    envInt("MALLOC_MERGE_FREQ", 1000),
		MemThresholdPages: uint64(envInt("MIN_MEM_TH", 10)) * 256, // MB -> 4KiB pages, assuming 4KiB pages
		DirtyBufferSize:   envInt("DIRTY_BUFFER_SIZE", 256),
	}
	if cfg.Mode < Disabled || cfg.Mode > DirtyBuffer {
		log.Warn("MERGE_METRIC=%d out of range, defaulting to alloc-frequency", cfg.Mode)
		cfg.Mode = AllocFrequency
	}
	return cfg
}

func envInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn("invalid %s=%q, using default %d", name, v, def)
		return def
	}
	return n
}

// Controller decides, after each allocation, dirty page or memory
// sample it is told about, whether a merge pass should run now. It holds all tunable state locally; it never
// reads C2 state itself, matching §9's "no hidden global reads" note
// — callers supply the page counts the decision needs.
type Controller struct {
	cfg Config

	allocCount int
	limiter    *rate.Limiter

	threshold    uint64 // current high-water mark, monotonically rising
	dirtyPending int
}

// minPassInterval bounds how often AllocFrequency mode may fire,
// regardless of allocation burstiness.
const minPassInterval = 10 * time.Millisecond

// NewController builds a Controller from cfg. AllocFrequency mode is
// additionally damped by a token-bucket limiter so a burst of
// allocations cannot trigger back-to-back merge passes.
func NewController(cfg Config) *Controller {
	return &Controller{
		cfg:       cfg,
		threshold: cfg.MemThresholdPages,
		limiter:   rate.NewLimiter(rate.Every(minPassInterval), 1),
	}
}

// OnAlloc records one allocation and reports whether a merge pass
// should run now, under AllocFrequency mode.
func (c *Controller) OnAlloc() bool {
	if c.cfg.Mode != AllocFrequency {
		return false
	}
	c.allocCount++
	if c.allocCount < c.cfg.AllocFrequency {
		return false
	}
	c.allocCount = 0
	if !c.limiter.Allow() {
		log.Debug("alloc-frequency trigger suppressed by rate limiter")
		return false
	}
	return true
}

// OnDirtyPage records one page having gone dirty and reports whether
// the dirty-buffer threshold was crossed.
func (c *Controller) OnDirtyPage() bool {
	if c.cfg.Mode != DirtyBuffer {
		return false
	}
	c.dirtyPending++
	if c.dirtyPending < c.cfg.DirtyBufferSize {
		return false
	}
	c.dirtyPending = 0
	return true
}

// OnMemorySample reports whether a merge pass should run now, under
// MemoryThreshold mode, given the node's current combined
// private+shared page count. On trigger, the threshold rises to the
// observed value — a monotone, self-damping high-water mark (§4.7),
// which is what keeps the policy from oscillating: merges only fire
// when memory grows past the last observed peak.
func (c *Controller) OnMemorySample(privatePlusShared uint64) bool {
	if c.cfg.Mode != MemoryThreshold {
		return false
	}
	if privatePlusShared <= c.threshold {
		return false
	}
	c.threshold = privatePlusShared
	return true
}

// Threshold returns the controller's current high-water mark, for
// statistics and the policy-boundedness property (§8).
func (c *Controller) Threshold() uint64 { return c.threshold }

// Mode returns the configured trigger mode.
func (c *Controller) Mode() Mode { return c.cfg.Mode }
