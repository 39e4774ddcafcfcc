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

// Package handlectx holds the per-open-directory state the coordinator
// needs to serve sequential reads with failover: which replica is
// currently serving this handle, whether it has ever failed over, and the
// set of entry names already handed to the client on this handle.
package handlectx

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jacobsa/syncutil"

	"github.com/clusterfs/rdread/direntry"
)

// ErrContextMissing is returned by a Store lookup for a handle that has no
// associated context -- a ContextMissing error in spec.md 7's vocabulary.
var ErrContextMissing = errors.New("handlectx: no context for handle")

// Context is the per-handle state of spec.md 3. The zero value is not
// usable; build one with New.
type Context struct {
	// ID is a diagnostic-only identifier, useful for telling apart
	// concurrent opens of the same inode in logs and traces. It plays no
	// role in any invariant.
	ID uuid.UUID

	Mu syncutil.InvariantMutex

	// lastTried is the replica currently serving reads for this handle, or
	// -1 before any read has been issued.
	//
	// GUARDED_BY(Mu)
	lastTried int

	// failedOver is true once any failover or replica switch has occurred
	// on this handle.
	//
	// GUARDED_BY(Mu)
	failedOver bool

	// remembered is the set of entry names already returned to the client
	// on this handle. Consulted only once failedOver is true.
	//
	// GUARDED_BY(Mu)
	remembered map[string]struct{}
}

// New creates a fresh handle context with no replica tried yet.
func New() *Context {
	c := &Context{
		ID:         uuid.New(),
		lastTried:  -1,
		remembered: make(map[string]struct{}),
	}
	c.Mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

func (c *Context) checkInvariants() {
	if c.lastTried < -1 {
		panic("handlectx: lastTried must be >= -1")
	}
}

// LastTried returns the replica currently serving this handle, or -1.
//
// LOCKS_EXCLUDED(c.Mu)
func (c *Context) LastTried() int {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.lastTried
}

// FailedOver reports whether this handle has ever failed over.
//
// LOCKS_EXCLUDED(c.Mu)
func (c *Context) FailedOver() bool {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.failedOver
}

// MarkFailedOver idempotently flips the failed-over flag.
//
// LOCKS_EXCLUDED(c.Mu)
func (c *Context) MarkFailedOver() {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.failedOver = true
}

// SetLastTried records the replica now serving this handle. If it differs
// from a previously-recorded non-negative replica, it also marks the
// handle failed over (spec.md 4.2: a changed preferred replica is itself a
// failover event, even before any RPC on it has failed).
//
// LOCKS_EXCLUDED(c.Mu)
func (c *Context) SetLastTried(replica int) {
	c.Mu.Lock()
	defer c.Mu.Unlock()

	if c.lastTried >= 0 && c.lastTried != replica {
		c.failedOver = true
	}
	c.lastTried = replica
}

// Remember inserts each name into the remembered set. Duplicates are no-ops.
//
// LOCKS_EXCLUDED(c.Mu)
func (c *Context) Remember(names []string) {
	c.Mu.Lock()
	defer c.Mu.Unlock()

	for _, n := range names {
		c.remembered[n] = struct{}{}
	}
}

// Filter removes any entry whose name is already remembered, preserving the
// order of survivors, and returns the highest offset seen across the full
// input (not just the survivors) so the caller can resume past entries
// already seen even when every one of them turns out to be a duplicate.
//
// LOCKS_EXCLUDED(c.Mu)
func (c *Context) Filter(entries []direntry.Entry) (filtered []direntry.Entry, highestOffset direntry.Offset) {
	c.Mu.Lock()
	defer c.Mu.Unlock()

	for _, e := range entries {
		if e.Offset > highestOffset {
			highestOffset = e.Offset
		}
		if _, dup := c.remembered[e.Name]; dup {
			continue
		}
		filtered = append(filtered, e)
	}
	return
}

// Release frees the remembered set. Idempotent: calling it twice in a row
// behaves the same as calling it once (spec.md R2).
//
// LOCKS_EXCLUDED(c.Mu)
func (c *Context) Release() {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.remembered = make(map[string]struct{})
}

// Store maps opaque handle identifiers to their Context, standing in for
// the external handle_context_get/set collaborator of spec.md 6: a real
// host translator would keep this alongside its fd table instead.
type Store struct {
	mu sync.RWMutex
	m  map[uint64]*Context
}

// NewStore creates an empty handle context store.
func NewStore() *Store {
	return &Store{m: make(map[uint64]*Context)}
}

// Set associates ctx with handle, replacing any previous association.
func (s *Store) Set(handle uint64, ctx *Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[handle] = ctx
}

// Get returns the context for handle, or ErrContextMissing if none exists.
func (s *Store) Get(handle uint64) (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, ok := s.m[handle]
	if !ok {
		return nil, ErrContextMissing
	}
	return ctx, nil
}

// Delete removes handle's context, releasing its remembered set first.
// Idempotent.
func (s *Store) Delete(handle uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx, ok := s.m[handle]; ok {
		ctx.Release()
		delete(s.m, handle)
	}
}
