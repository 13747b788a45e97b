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

import "github.com/prometheus/client_golang/prometheus"

// CounterSnapshot is the read-only view of the C2 shared counters (§3)
// a Collector polls. Values are hints: they are read without C3 held,
// exactly as §5 allows for threshold policy, never to gate a state
// transition.
type CounterSnapshot struct {
	Alive                int
	SharedPages          uint64
	PrivatePagesTotal    uint64
	UnmergedPagesTotal   uint64
	MergePassesCompleted uint64
}

// NewDedupCollector builds the prometheus.Collector exposing the
// §3 shared counters, sourced from snapshot on every scrape.
func NewDedupCollector(snapshot func() CounterSnapshot) prometheus.Collector {
	return &dedupCollector{snapshot: snapshot}
}

type dedupCollector struct {
	snapshot func() CounterSnapshot
}

var (
	aliveDesc = prometheus.NewDesc(
		"pagedup_alive_siblings", "Number of siblings currently joined to the node cohort.", nil, nil)
	sharedDesc = prometheus.NewDesc(
		"pagedup_shared_pages", "Pages currently backed by a shared frame.", nil, nil)
	privateDesc = prometheus.NewDesc(
		"pagedup_private_pages_total", "Pages currently private (RW, not deduplicated).", nil, nil)
	unmergedDesc = prometheus.NewDesc(
		"pagedup_unmerged_pages_total", "Pages allocated but not yet classified by a merge pass.", nil, nil)
	passesDesc = prometheus.NewDesc(
		"pagedup_merge_passes_completed_total", "Merge passes completed by this process.", nil, nil)
)

func (d *dedupCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- aliveDesc
	ch <- sharedDesc
	ch <- privateDesc
	ch <- unmergedDesc
	ch <- passesDesc
}

func (d *dedupCollector) Collect(ch chan<- prometheus.Metric) {
	s := d.snapshot()
	ch <- prometheus.MustNewConstMetric(aliveDesc, prometheus.GaugeValue, float64(s.Alive))
	ch <- prometheus.MustNewConstMetric(sharedDesc, prometheus.GaugeValue, float64(s.SharedPages))
	ch <- prometheus.MustNewConstMetric(privateDesc, prometheus.GaugeValue, float64(s.PrivatePagesTotal))
	ch <- prometheus.MustNewConstMetric(unmergedDesc, prometheus.GaugeValue, float64(s.UnmergedPagesTotal))
	ch <- prometheus.MustNewConstMetric(passesDesc, prometheus.CounterValue, float64(s.MergePassesCompleted))
}

// MergePassDuration is the histogram merge passes report their wall
// time into (§6 statistics, mergeTimeinMicrosec).
var MergePassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "pagedup_merge_pass_seconds",
	Help:    "Wall-clock duration of a completed merge pass.",
	Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
})

func init() {
	Register("merge_pass_duration", MergePassDuration)
}

// NewPassTimer starts timing a merge pass; call ObserveDuration on the
// returned timer when the pass completes.
func NewPassTimer() *prometheus.Timer {
	return prometheus.NewTimer(MergePassDuration)
}
