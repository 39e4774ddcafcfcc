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

// Package readdir implements serve-with-failover reads (spec.md 4.5): serve
// sequential reads from one replica, fail over to the next up replica on
// error, suppress duplicate entries across the failover boundary, and hide
// the replication trash directory from listings of the filesystem root
// (spec.md 4.6 / C6).
package readdir

import (
	"context"
	"fmt"
	"time"

	"github.com/clusterfs/rdread/clock"
	"github.com/clusterfs/rdread/direntry"
	"github.com/clusterfs/rdread/handlectx"
	"github.com/clusterfs/rdread/internal/logger"
	"github.com/clusterfs/rdread/internal/metrics"
	"github.com/clusterfs/rdread/internal/tracing"
	"github.com/clusterfs/rdread/replicaset"
)

// Op distinguishes readdir from readdirp: the two share one algorithm,
// parameterized only by which RPC is dispatched (spec.md 4.5).
type Op int

const (
	OpReaddir Op = iota
	OpReaddirp
)

// maxDedupRetries is the default bound on the "all entries were duplicates"
// retry loop of spec.md 4.5 so a pathological replica can't spin a client
// call forever, used when Request.MaxDedupRetries is unset. The spec allows
// an implementation-defined bound; a single re-issue is enough in practice,
// but we allow a handful to ride out a replica that returns several
// consecutive all-duplicate pages after a failover. Overridden per request
// by cfg.ReaddirConfig.MaxDedupRetries.
const maxDedupRetries = 8

// dedupRetryBackoff is the delay between re-issuing a dedup retry, so a
// replica stuck returning all-duplicate pages doesn't get hammered with a
// tight RPC loop.
const dedupRetryBackoff = 5 * time.Millisecond

// TrashDirName is the well-known hidden directory name the replication
// layer uses and which must never be visible to clients (spec.md 4.6).
const TrashDirName = ".landfill"

// Transport is the subset of the replica RPC surface readdir needs.
type Transport interface {
	ReadDir(ctx context.Context, replica int, handle uint64, size int, offset direntry.Offset) ([]direntry.Entry, error)
	ReadDirPlus(ctx context.Context, replica int, handle uint64, size int, offset direntry.Offset) ([]direntry.Entry, error)
}

func dispatch(ctx context.Context, tr Transport, op Op, replica int, handle uint64, size int, offset direntry.Offset) ([]direntry.Entry, error) {
	if op == OpReaddirp {
		return tr.ReadDirPlus(ctx, replica, handle, size, offset)
	}
	return tr.ReadDir(ctx, replica, handle, size, offset)
}

// RootChecker answers the one question C6 needs: is this handle's inode the
// filesystem root? The trash-directory filter only applies there.
type RootChecker interface {
	IsRoot(inode uint64) bool
}

// Request carries everything one client readdir/readdirp call needs.
type Request struct {
	Op       Op
	Inode    uint64
	Handle   uint64
	Size     int
	Offset   direntry.Offset
	Strict   bool
	ReadRepl int // the originally-preferred ("read_child") replica

	// MaxDedupRetries overrides maxDedupRetries when positive, backing
	// cfg.ReaddirConfig.MaxDedupRetries.
	MaxDedupRetries int
}

var ErrNoReplicaUp = replicaset.ErrNoReplicaUp

// Serve implements the full request/reply algorithm of spec.md 4.5. clk
// paces the backoff between dedup retries (clock.RealClock{} if nil).
func Serve(
	ctx context.Context,
	view replicaset.View,
	preferredOrder []int,
	transport Transport,
	root RootChecker,
	hctx *handlectx.Context,
	metricsRecorder *metrics.Metrics,
	clk clock.Clock,
	req Request,
) ([]direntry.Entry, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}

	maxRetries := req.MaxDedupRetries
	if maxRetries <= 0 {
		maxRetries = maxDedupRetries
	}

	callChild, err := view.ChooseReadReplica(preferredOrder)
	if err != nil {
		return nil, fmt.Errorf("readdir: %w", err)
	}

	offset := req.Offset

	if req.Strict {
		if last := hctx.LastTried(); last != -1 && callChild != last {
			logger.Tracef(ctx, "handle %d: preferred replica changed from %d to %d, restarting readdir from offset 0", req.Handle, last, callChild)
			hctx.MarkFailedOver()
			offset = 0
		}
		hctx.SetLastTried(callChild)
	}

	ctx, span := tracing.StartReaddir(ctx, req.Handle, callChild)
	defer func() { tracing.End(span, err) }()

	for attempt := 0; ; attempt++ {
		entries, rpcErr := dispatch(ctx, transport, req.Op, callChild, req.Handle, req.Size, offset)

		if rpcErr != nil {
			if !req.Strict {
				return nil, fmt.Errorf("readdir: replica %d: %w", callChild, rpcErr)
			}

			metricsRecorder.RecordFailover(ctx, callChild)
			hctx.MarkFailedOver()

			next, nextErr := view.NextReplica(callChild, preferredOrder)
			if nextErr != nil {
				return nil, fmt.Errorf("readdir: %w", nextErr)
			}

			logger.Tracef(ctx, "starting readdir afresh on replica %d, offset 0", next)
			tracing.RecordFailover(span, callChild, next)
			callChild = next
			offset = 0
			if req.Strict {
				hctx.SetLastTried(callChild)
			}
			continue
		}

		entries = filterTrash(entries, req.Inode, root)

		if !req.Strict {
			return entries, nil
		}

		if !hctx.FailedOver() {
			remember(hctx, entries)
			return entries, nil
		}

		if len(entries) == 0 {
			// Genuine end-of-stream: no entries at all, nothing to retry.
			return entries, nil
		}

		filtered, resumeOffset := hctx.Filter(entries)
		remember(hctx, entries)

		if len(filtered) > 0 {
			return filtered, nil
		}

		// Every entry on this page was a duplicate. Don't hand the client
		// an empty success -- that looks like end-of-stream and stops
		// iteration. Re-issue for more, bounded by maxRetries.
		if attempt >= maxRetries {
			logger.Warnf(ctx, "handle %d: giving up after %d all-duplicate pages from replica %d", req.Handle, attempt, callChild)
			return entries[:0], nil
		}

		logger.Tracef(ctx, "handle %d: all-duplicate page from replica %d, retrying at offset %d", req.Handle, callChild, resumeOffset)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-clk.After(dedupRetryBackoff):
		}
		offset = resumeOffset
	}
}

func remember(hctx *handlectx.Context, entries []direntry.Entry) {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	hctx.Remember(names)
}

// filterTrash removes TrashDirName from entries when inode is the
// filesystem root (spec.md 4.6 / C6).
func filterTrash(entries []direntry.Entry, inode uint64, root RootChecker) []direntry.Entry {
	if root == nil || !root.IsRoot(inode) {
		return entries
	}

	out := entries[:0:0]
	for _, e := range entries {
		if e.Name == TrashDirName {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ErrContextMissing re-exports handlectx.ErrContextMissing under the name
// spec.md 7 uses for it.
var ErrContextMissing = handlectx.ErrContextMissing
