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

// Package replicaset tracks which backing replicas of a mirrored directory
// are currently reachable and picks which one should serve the next read.
//
// A View is a snapshot: it is sampled once by the caller at a decision
// point (opendir, or the start of a readdir/failover) and then consulted
// repeatedly for that single decision. Replica reachability observed after
// the snapshot was taken is picked up on the next RPC boundary, never
// mid-decision -- this is what makes failover idempotent.
package replicaset

import "errors"

// ErrNoReplicaUp is returned when no replica in the preferred order is up.
var ErrNoReplicaUp = errors.New("replicaset: no replica up")

// ErrExhausted is returned when no up replica remains after the current one
// in the preferred order.
var ErrExhausted = errors.New("replicaset: no further replica to fail over to")

// ReadChildPolicy supplies the order in which replicas should be preferred
// for reads. It is an external collaborator: the real policy (e.g. weighted
// by locality or prior read-child affinity) lives outside this package.
type ReadChildPolicy interface {
	// PreferredOrder returns replica indices in [0, n) in preference order.
	// It must return a permutation of [0, n).
	PreferredOrder(n int) []int
}

// StaticOrder is a ReadChildPolicy that always prefers replicas in
// ascending index order. Useful for tests and for hosts with no richer
// read-child policy of their own.
type StaticOrder struct{}

func (StaticOrder) PreferredOrder(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// LocalFirstOrder is a ReadChildPolicy that prefers the Local replica index,
// falling back to ascending index order for the rest. It backs
// cfg.ReplicasConfig.PreferLocalFirst / LocalReplica.
type LocalFirstOrder struct {
	Local int
}

func (o LocalFirstOrder) PreferredOrder(n int) []int {
	order := make([]int, 0, n)
	if o.Local >= 0 && o.Local < n {
		order = append(order, o.Local)
	}
	for i := 0; i < n; i++ {
		if i == o.Local {
			continue
		}
		order = append(order, i)
	}
	return order
}

// View is a sampled snapshot of replica reachability.
type View struct {
	up []bool
}

// NewView snapshots the given up-vector. The caller owns up; NewView copies
// it so later mutation by the caller cannot change a View already handed
// out for a decision in progress.
func NewView(up []bool) View {
	cp := make([]bool, len(up))
	copy(cp, up)
	return View{up: cp}
}

// Len returns N, the number of replicas in the set.
func (v View) Len() int {
	return len(v.up)
}

// Up reports whether replica i is reachable in this snapshot.
func (v View) Up(i int) bool {
	return i >= 0 && i < len(v.up) && v.up[i]
}

// UpCount returns the number of currently-reachable replicas.
func (v View) UpCount() int {
	n := 0
	for _, u := range v.up {
		if u {
			n++
		}
	}
	return n
}

// ChooseReadReplica returns the first replica in preferredOrder that is up.
func (v View) ChooseReadReplica(preferredOrder []int) (int, error) {
	for _, r := range preferredOrder {
		if v.Up(r) {
			return r, nil
		}
	}
	return -1, ErrNoReplicaUp
}

// NextReplica returns the next up replica after current in preferredOrder,
// wrapping never -- only replicas strictly after current's position are
// considered, matching the source's single-pass failover semantics.
func (v View) NextReplica(current int, preferredOrder []int) (int, error) {
	pos := -1
	for i, r := range preferredOrder {
		if r == current {
			pos = i
			break
		}
	}

	for i := pos + 1; i < len(preferredOrder); i++ {
		if v.Up(preferredOrder[i]) {
			return preferredOrder[i], nil
		}
	}
	return -1, ErrExhausted
}
