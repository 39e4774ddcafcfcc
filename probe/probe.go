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

// Package probe implements the opendir fan-out and first-open divergence
// probe of spec.md 4.4: open the directory on every up replica, and, the
// first time an inode is opened, scan each replica fully and compare
// per-replica weak checksums to decide whether a self-heal is warranted.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/clusterfs/rdread/clock"
	"github.com/clusterfs/rdread/direntry"
	"github.com/clusterfs/rdread/internal/logger"
	"github.com/clusterfs/rdread/internal/metrics"
	"github.com/clusterfs/rdread/internal/tracing"
	"github.com/clusterfs/rdread/replicaset"
)

// ChunkSize is the default chunk size (in entries/bytes, per the source's own
// constant) used when scanning a replica during the divergence probe; a
// positive chunkSize passed to Opendir replaces it.
const ChunkSize = 131072

// Transport is the subset of the replica RPC surface the probe needs: open
// the directory, then page through its entries.
type Transport interface {
	// OpenDirectory opens loc on the given replica, associating the open
	// with handle for later ReadDir calls.
	OpenDirectory(ctx context.Context, replica int, loc string, handle uint64) error

	// ReadDir pages through handle's entries on replica starting at offset.
	// A zero-length, nil-error result means the replica's listing is
	// exhausted.
	ReadDir(ctx context.Context, replica int, handle uint64, chunkSize int, offset direntry.Offset) ([]direntry.Entry, error)
}

// SelfHealer is the external self-heal collaborator of spec.md 6.
// TriggerSelfHeal is fire-and-forget from the probe's point of view: onDone
// is invoked when the heal finishes (successfully or not), and its error is
// never surfaced to the opendir caller (spec.md 7).
type SelfHealer interface {
	TriggerSelfHeal(ctx context.Context, inode uint64, reason string, onDone func(error))
}

// Latch is the per-inode opendir_done collaborator of spec.md 3: monotonic,
// process-wide (or wherever the host's inode context lives), never reset
// once set (invariant I4).
type Latch interface {
	OpendirDone(inode uint64) bool
	SetOpendirDone(inode uint64)
}

// OpenResult is the outcome of the Phase A fan-out for one replica.
type OpenResult struct {
	Replica int
	Err     error
}

// Result is the outcome of a full Opendir call: Phase A fan-out, and,
// where it ran, Phase B's divergence probe.
type Result struct {
	// Opened lists which replicas succeeded opening, per replica index.
	Opened []bool

	// LastErr is the error from the last-reporting replica, set only when
	// every replica's open failed (spec.md 4.4: "the open is reported to
	// the client as successful iff at least one replica succeeded").
	LastErr error

	// ProbeRan reports whether Phase B executed.
	ProbeRan bool

	// Mismatched reports the divergence predicate's result, valid only if
	// ProbeRan.
	Mismatched bool
}

// Succeeded reports whether the opendir as a whole should be reported
// successful to the client: at least one replica opened.
func (r Result) Succeeded() bool {
	for _, ok := range r.Opened {
		if ok {
			return true
		}
	}
	return false
}

// Opendir runs Phase A (open fan-out) and, if warranted, Phase B (the
// first-open divergence probe) for inode at loc, across every replica
// marked up in view. handle is the opaque per-replica directory handle to
// associate opens and reads with; it is the caller's concern to keep it
// stable across Phase A and Phase B for a given replica.
//
// clk is consulted for the probe's duration bookkeeping (clock.RealClock{}
// if nil). chunkSize overrides ChunkSize when positive, backing
// cfg.ReaddirConfig.ChunkSizeBytes.
func Opendir(
	ctx context.Context,
	view replicaset.View,
	transport Transport,
	healer SelfHealer,
	latch Latch,
	metricsRecorder *metrics.Metrics,
	clk clock.Clock,
	chunkSize int,
	inode uint64,
	loc string,
	handle uint64,
) (Result, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}

	ctx, span := tracing.StartOpendir(ctx, loc, view.Len())
	defer span.End()

	opened := make([]bool, view.Len())
	var lastErr error
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < view.Len(); i++ {
		if !view.Up(i) {
			continue
		}
		i := i
		g.Go(func() error {
			err := transport.OpenDirectory(gctx, i, loc, handle)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = fmt.Errorf("replica %d: %w", i, err)
				logger.Infof(ctx, "%s: failed to do opendir on replica %d: %v", loc, i, err)
				return nil
			}
			opened[i] = true
			return nil
		})
	}
	// Errors are recorded per-replica above; errgroup itself never aborts
	// the fan-out early, matching "the open is reported to the client as
	// successful iff at least one replica succeeded" -- we need every
	// replica's answer, not just the first one.
	_ = g.Wait()

	result := Result{Opened: opened}
	if !result.Succeeded() {
		result.LastErr = lastErr
		return result, nil
	}

	if latch.OpendirDone(inode) || view.UpCount() <= 1 {
		return result, nil
	}

	logger.Tracef(ctx, "%s: reading contents of directory looking for mismatch", loc)

	mismatched, err := runDivergenceProbe(ctx, view, transport, handle, metricsRecorder, clk, chunkSize)
	result.ProbeRan = true
	result.Mismatched = mismatched

	if mismatched {
		metricsRecorder.RecordHealTriggered(ctx)
		done := make(chan struct{})
		healer.TriggerSelfHeal(ctx, inode, "checksums of directory differ", func(healErr error) {
			if healErr != nil {
				logger.Warnf(ctx, "inode %d: self-heal trigger failed: %v", inode, healErr)
			}
			latch.SetOpendirDone(inode)
			close(done)
		})
		<-done
	} else {
		latch.SetOpendirDone(inode)
	}

	return result, err
}

var errProbeReplica = errors.New("probe: replica scan failed")

// ErrProbeReplica wraps a single replica's scan failure during Phase B.
// That replica is simply excluded from the divergence predicate; it never
// fails the probe as a whole.
type ErrProbeReplica struct {
	Replica int
	Cause   error
}

func (e *ErrProbeReplica) Error() string {
	return fmt.Sprintf("probe: replica %d: %v", e.Replica, e.Cause)
}

func (e *ErrProbeReplica) Unwrap() error { return e.Cause }

func (e *ErrProbeReplica) Is(target error) bool { return target == errProbeReplica }
