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

// Package rdread is the replicated directory-read coordinator: it ties
// together replica-set tracking (replicaset), per-handle failover state
// (handlectx), the first-open divergence probe (probe), and
// serve-with-failover reads (readdir) behind the four client-facing
// operations a translator's directory-read path needs: Opendir, Readdir,
// Readdirp, Releasedir.
package rdread

import (
	"context"
	"fmt"

	"github.com/clusterfs/rdread/cfg"
	"github.com/clusterfs/rdread/clock"
	"github.com/clusterfs/rdread/direntry"
	"github.com/clusterfs/rdread/handlectx"
	"github.com/clusterfs/rdread/internal/logger"
	"github.com/clusterfs/rdread/internal/metrics"
	"github.com/clusterfs/rdread/probe"
	"github.com/clusterfs/rdread/readdir"
	"github.com/clusterfs/rdread/replicaset"
)

// ReplicaTransport is the full RPC surface the coordinator needs from the
// replicas: opening a directory, and paging through it with or without
// attributes. A concrete host translator implements this over its own RPC
// client; probe.Transport and readdir.Transport are each a subset of it.
type ReplicaTransport interface {
	OpenDirectory(ctx context.Context, replica int, loc string, handle uint64) error
	ReadDir(ctx context.Context, replica int, handle uint64, size int, offset direntry.Offset) ([]direntry.Entry, error)
	ReadDirPlus(ctx context.Context, replica int, handle uint64, size int, offset direntry.Offset) ([]direntry.Entry, error)
}

// probeTransportAdapter narrows a ReplicaTransport down to probe.Transport,
// which only ever pages without attributes.
type probeTransportAdapter struct {
	tr ReplicaTransport
}

func (p probeTransportAdapter) OpenDirectory(ctx context.Context, replica int, loc string, handle uint64) error {
	return p.tr.OpenDirectory(ctx, replica, loc, handle)
}

func (p probeTransportAdapter) ReadDir(ctx context.Context, replica int, handle uint64, chunkSize int, offset direntry.Offset) ([]direntry.Entry, error) {
	return p.tr.ReadDir(ctx, replica, handle, chunkSize, offset)
}

// InodeResolver answers the coordinator's two inode-level questions: is
// this inode the filesystem root (C6), and what replica set backs it right
// now (C1's snapshot source).
type InodeResolver interface {
	readdir.RootChecker

	// ReplicaView returns a fresh snapshot of which replicas currently back
	// inode. The coordinator never caches this across calls: every
	// operation samples it once, per the package doc of replicaset.
	ReplicaView(ctx context.Context, inode uint64) replicaset.View
}

// Coordinator is the assembled directory-read path. Build one with New and
// reuse it for the lifetime of the mount; it is safe for concurrent use.
type Coordinator struct {
	transport       ReplicaTransport
	resolver        InodeResolver
	healer          probe.SelfHealer
	latch           probe.Latch
	policy          replicaset.ReadChildPolicy
	handles         *handlectx.Store
	metrics         *metrics.Metrics
	clock           clock.Clock
	chunkSize       int
	maxDedupRetries int
}

// Config collects Coordinator's collaborators and runtime settings. Policy
// defaults to replicaset.StaticOrder{} if nil, unless Settings.Replicas
// asks for local-first ordering; Metrics may be nil to disable recording;
// Clock defaults to clock.RealClock{}.
type Config struct {
	Transport ReplicaTransport
	Resolver  InodeResolver
	Healer    probe.SelfHealer
	Latch     probe.Latch
	Policy    replicaset.ReadChildPolicy
	Metrics   *metrics.Metrics
	Clock     clock.Clock

	// Settings carries the cfg-bound knobs (chunk size, max dedup retries,
	// prefer-local-first) through to the probe and readdir packages. The
	// zero value reproduces each package's own defaults.
	Settings cfg.Config
}

// New assembles a Coordinator from its collaborators.
func New(conf Config) *Coordinator {
	policy := conf.Policy
	if policy == nil {
		if conf.Settings.Replicas.PreferLocalFirst {
			policy = replicaset.LocalFirstOrder{Local: conf.Settings.Replicas.LocalReplica}
		} else {
			policy = replicaset.StaticOrder{}
		}
	}

	clk := conf.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Coordinator{
		transport:       conf.Transport,
		resolver:        conf.Resolver,
		healer:          conf.Healer,
		latch:           conf.Latch,
		policy:          policy,
		handles:         handlectx.NewStore(),
		metrics:         conf.Metrics,
		clock:           clk,
		chunkSize:       conf.Settings.Readdir.ChunkSizeBytes,
		maxDedupRetries: conf.Settings.Readdir.MaxDedupRetries,
	}
}

// Opendir opens inode at loc across every up replica, allocates a fresh
// handle context for handle, and, on the first open of this inode since
// process start, runs the divergence probe (spec.md 4.4).
func (c *Coordinator) Opendir(ctx context.Context, inode uint64, loc string, handle uint64) (probe.Result, error) {
	view := c.resolver.ReplicaView(ctx, inode)

	result, err := probe.Opendir(ctx, view, probeTransportAdapter{c.transport}, c.healer, c.latch, c.metrics, c.clock, c.chunkSize, inode, loc, handle)
	if err != nil {
		return result, err
	}
	if !result.Succeeded() {
		logger.Warnf(ctx, "%s: opendir failed on every replica", loc)
		return result, nil
	}

	c.handles.Set(handle, handlectx.New())
	return result, nil
}

// Readdir serves the next page of plain directory entries for handle,
// failing over to another up replica on RPC error and suppressing
// duplicate names across the failover boundary (spec.md 4.5).
func (c *Coordinator) Readdir(ctx context.Context, inode, handle uint64, size int, offset direntry.Offset, strict bool) ([]direntry.Entry, error) {
	return c.serve(ctx, readdir.OpReaddir, inode, handle, size, offset, strict)
}

// Readdirp is Readdir with per-entry attributes attached (spec.md 4.5).
func (c *Coordinator) Readdirp(ctx context.Context, inode, handle uint64, size int, offset direntry.Offset, strict bool) ([]direntry.Entry, error) {
	return c.serve(ctx, readdir.OpReaddirp, inode, handle, size, offset, strict)
}

func (c *Coordinator) serve(ctx context.Context, op readdir.Op, inode, handle uint64, size int, offset direntry.Offset, strict bool) ([]direntry.Entry, error) {
	hctx, err := c.handles.Get(handle)
	if err != nil {
		return nil, fmt.Errorf("rdread: %w", err)
	}

	view := c.resolver.ReplicaView(ctx, inode)
	order := c.policy.PreferredOrder(view.Len())

	req := readdir.Request{
		Op:              op,
		Inode:           inode,
		Handle:          handle,
		Size:            size,
		Offset:          offset,
		Strict:          strict,
		ReadRepl:        order[0],
		MaxDedupRetries: c.maxDedupRetries,
	}

	return readdir.Serve(ctx, view, order, c.transport, c.resolver, hctx, c.metrics, c.clock, req)
}

// Releasedir drops handle's context, freeing its remembered-entries set
// (spec.md R2: idempotent, safe even if handle was never opened).
func (c *Coordinator) Releasedir(handle uint64) {
	c.handles.Delete(handle)
}
