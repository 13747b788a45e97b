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

// Package metrics is the node-local statistics surface for the
// deduplication engine: a small prometheus.Collector registry that
// the merge engine feeds, mirroring the
// enable/poll semantics of the teacher's pkg/metrics without the
// CR-driven configuration the teacher layers on top.
package metrics

import (
	"sync"

	logger "github.com/intel/pagedupd/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
)

// State is the enablement state of a registered Collector.
type State int

const (
	// Enabled marks a collector as actively reporting.
	Enabled State = 1 << iota
)

// Collector wraps a prometheus.Collector with a name and enable toggle.
type Collector struct {
	prometheus.Collector
	name  string
	State State
}

var (
	log = logger.Get("metrics")

	mu         sync.Mutex
	registered = map[string]*Collector{}
	registry   = prometheus.NewRegistry()
)

// Register adds a named collector to the registry, enabled by default.
func Register(name string, c prometheus.Collector) *Collector {
	mu.Lock()
	defer mu.Unlock()

	rc := &Collector{Collector: c, name: name, State: Enabled}
	if err := registry.Register(c); err != nil {
		log.Warn("failed to register collector %q: %v", name, err)
	}
	registered[name] = rc
	return rc
}

// Enable toggles whether a registered collector reports metrics.
func (c *Collector) Enable(on bool) {
	mu.Lock()
	defer mu.Unlock()
	if on {
		if c.State&Enabled == 0 {
			if err := registry.Register(c.Collector); err != nil {
				log.Warn("failed to re-register collector %q: %v", c.name, err)
			}
		}
		c.State |= Enabled
	} else {
		if c.State&Enabled != 0 {
			registry.Unregister(c.Collector)
		}
		c.State &^= Enabled
	}
}

// IsEnabled reports whether the collector currently contributes metrics.
func (c *Collector) IsEnabled() bool {
	return c.State&Enabled != 0
}

// Registry returns the shared prometheus registry every Collector feeds.
func Registry() *prometheus.Registry {
	return registry
}

// Get returns a previously registered collector by name, if any.
func Get(name string) (*Collector, bool) {
	mu.Lock()
	defer mu.Unlock()
	c, ok := registered[name]
	return c, ok
}
