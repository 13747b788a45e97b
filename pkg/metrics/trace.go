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

package metrics

import (
	"context"
	"sync"

	occollector "contrib.go.opencensus.io/exporter/prometheus"
	"go.opencensus.io/trace"
)

var (
	exporterOnce sync.Once
	exporter     *occollector.Exporter
)

// EnableTracing installs an opencensus exporter that republishes spans
// as Prometheus metrics through the same registry every other
// Collector reports into, the way
// pkg/instrumentation/metrics/opencensus wires its exporter. Safe to
// call more than once; only the first call takes effect.
func EnableTracing(service string) error {
	var err error
	exporterOnce.Do(func() {
		exporter, err = occollector.NewExporter(occollector.Options{
			Namespace: "pagedup",
			Registry:  registry,
		})
		if err == nil {
			trace.RegisterExporter(exporter)
			trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})
		}
	})
	return err
}

// StartSpan opens a span named by the component that produced it;
// the merge engine opens one per pass as "mergeengine.Run".
func StartSpan(ctx context.Context, name string) (context.Context, *trace.Span) {
	return trace.StartSpan(ctx, name)
}
