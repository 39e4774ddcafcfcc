// Copyright 2025 Google LLC
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

// Package metrics records the handful of counters and a histogram an
// operator needs to see whether the coordinator is failing over too often
// or healing too often: it says nothing about file contents or names.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func replicaAttr(replica int) attribute.KeyValue {
	return attribute.Int("replica", replica)
}

// Metrics is the set of OTel instruments the coordinator emits into.
type Metrics struct {
	failovers       metric.Int64Counter
	healsTriggered  metric.Int64Counter
	probeMismatches metric.Int64Counter
	probeDuration   metric.Float64Histogram
}

// New builds Metrics from the given OTel meter provider, the same pattern
// gcsfuse's otelMetrics constructor uses.
func New(meterProvider metric.MeterProvider) (*Metrics, error) {
	meter := meterProvider.Meter("github.com/clusterfs/rdread")

	failovers, err := meter.Int64Counter(
		"rdread/readdir_failovers",
		metric.WithDescription("Count of readdir RPCs that failed over to another replica"),
	)
	if err != nil {
		return nil, fmt.Errorf("readdir_failovers counter: %w", err)
	}

	heals, err := meter.Int64Counter(
		"rdread/self_heal_triggers",
		metric.WithDescription("Count of self-heal triggers fired after a divergence probe"),
	)
	if err != nil {
		return nil, fmt.Errorf("self_heal_triggers counter: %w", err)
	}

	mismatches, err := meter.Int64Counter(
		"rdread/probe_mismatches",
		metric.WithDescription("Count of divergence probes that found mismatched checksums"),
	)
	if err != nil {
		return nil, fmt.Errorf("probe_mismatches counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"rdread/probe_duration_seconds",
		metric.WithDescription("Wall-clock time of a first-open divergence probe"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("probe_duration_seconds histogram: %w", err)
	}

	return &Metrics{
		failovers:       failovers,
		healsTriggered:  heals,
		probeMismatches: mismatches,
		probeDuration:   duration,
	}, nil
}

// RecordFailover increments the failover counter, tagged by the replica
// being failed away from.
func (m *Metrics) RecordFailover(ctx context.Context, fromReplica int) {
	if m == nil {
		return
	}
	m.failovers.Add(ctx, 1, metric.WithAttributes(replicaAttr(fromReplica)))
}

// RecordHealTriggered increments the self-heal trigger counter.
func (m *Metrics) RecordHealTriggered(ctx context.Context) {
	if m == nil {
		return
	}
	m.healsTriggered.Add(ctx, 1)
}

// RecordProbe records one completed divergence probe: whether it found a
// mismatch, and how long it took.
func (m *Metrics) RecordProbe(ctx context.Context, mismatched bool, seconds float64) {
	if m == nil {
		return
	}
	if mismatched {
		m.probeMismatches.Add(ctx, 1)
	}
	m.probeDuration.Record(ctx, seconds)
}
