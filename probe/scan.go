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

package probe

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/clusterfs/rdread/clock"
	"github.com/clusterfs/rdread/direntry"
	"github.com/clusterfs/rdread/internal/logger"
	"github.com/clusterfs/rdread/internal/metrics"
	"github.com/clusterfs/rdread/internal/tracing"
	"github.com/clusterfs/rdread/replicaset"
	"github.com/clusterfs/rdread/weakcksum"
)

// runDivergenceProbe implements Phase B of spec.md 4.4: fan-out parallel
// across replicas, sequential within each replica (the next chunk depends
// on the previous chunk's last offset). A replica whose scan errors is
// excluded from the divergence predicate; the rest continue (spec.md 7,
// ProbeReplicaError).
//
// clk times the scan for the probe-duration histogram instead of calling
// the wall clock directly, so a caller can inject a clock.SimulatedClock in
// tests.
func runDivergenceProbe(
	ctx context.Context,
	view replicaset.View,
	transport Transport,
	handle uint64,
	metricsRecorder *metrics.Metrics,
	clk clock.Clock,
	chunkSize int,
) (mismatched bool, err error) {
	started := clk.Now()

	acc := newSnapshotUp(view)
	accum := weakcksum.NewAccumulator(acc)

	ctx, span := tracing.StartProbe(ctx, handle)
	defer func() {
		tracing.EndProbe(span, mismatched, err)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < view.Len(); i++ {
		if !view.Up(i) {
			continue
		}
		i := i
		g.Go(func() error {
			scanErr := scanReplica(gctx, transport, accum, i, handle, chunkSize)
			if scanErr != nil {
				accum.Exclude(i)
				logger.Infof(ctx, "replica %d: probe scan failed, excluding from comparison: %v", i, scanErr)
			}
			return nil
		})
	}
	// Like Opendir's fan-out, a per-replica scan error never aborts the
	// others: we always wait for every up replica to finish before judging
	// divergence (spec.md 4.4 Completion).
	_ = g.Wait()

	mismatched = accum.Differ()
	metricsRecorder.RecordProbe(ctx, mismatched, clk.Now().Sub(started).Seconds())

	return mismatched, nil
}

func scanReplica(
	ctx context.Context,
	transport Transport,
	accum *weakcksum.Accumulator,
	replica int,
	handle uint64,
	chunkSize int,
) error {
	var offset direntry.Offset

	for {
		entries, err := transport.ReadDir(ctx, replica, handle, chunkSize, offset)
		if err != nil {
			// Open Question (spec.md 9): on a probe RPC failure we record
			// the failure and stop scanning this replica; we do not
			// misassign the returned errno into some other field.
			return &ErrProbeReplica{Replica: replica, Cause: err}
		}

		if len(entries) == 0 {
			return nil
		}

		for _, e := range entries {
			accum.XOR(replica, e.Name)
			if e.Offset > offset {
				offset = e.Offset
			}
		}
	}
}

func newSnapshotUp(view replicaset.View) []bool {
	up := make([]bool, view.Len())
	for i := range up {
		up[i] = view.Up(i)
	}
	return up
}
