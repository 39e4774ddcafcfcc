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

// Package weakcksum accumulates a cheap, order-insensitive fingerprint of a
// directory's entry names per replica, so a divergence probe can decide
// "probably equal, do nothing" vs. "mismatch, heal" without transferring or
// sorting full listings.
//
// The accumulator XORs a weak rolling checksum of each entry name into a
// per-replica 32-bit word. XOR is commutative and associative, so the
// result does not depend on the order replicas happen to return entries in.
// A checksum match is treated as "probably equal"; a mismatch triggers a
// heavier, authoritative self-heal. False negatives (missed divergence) are
// possible but rare; false positives (spurious heal) are harmless.
package weakcksum

import "hash/adler32"

// WeakChecksum hashes name with the same rolling weak-checksum family rsync
// uses (Adler-32). It deliberately uses the standard library: Adler-32 is
// not a stand-in for a stronger hash here, it IS the textbook weak checksum
// the divergence probe calls for, and no library in reach of this module
// offers a closer fit for "cheap rolling hash of a single short name" than
// the one already in the standard library (see DESIGN.md).
func WeakChecksum(name string) uint32 {
	return adler32.Checksum([]byte(name))
}

// Accumulator holds one running XOR-of-checksums per replica.
type Accumulator struct {
	checksum []uint32
	up       []bool
}

// NewAccumulator creates an accumulator for n replicas, using up to record
// which replicas contribute to the divergence predicate (invariant I1: a
// replica contributes only if it was up at probe start).
func NewAccumulator(up []bool) *Accumulator {
	a := &Accumulator{
		checksum: make([]uint32, len(up)),
		up:       make([]bool, len(up)),
	}
	copy(a.up, up)
	return a
}

// XOR folds name's weak checksum into replica i's running total.
func (a *Accumulator) XOR(replica int, name string) {
	a.checksum[replica] ^= WeakChecksum(name)
}

// Exclude removes a replica from contributing to the divergence predicate,
// used when that replica's scan failed partway through (spec ProbeReplicaError):
// its partial checksum must not be compared against fully-scanned replicas.
func (a *Accumulator) Exclude(replica int) {
	if replica >= 0 && replica < len(a.up) {
		a.up[replica] = false
	}
}

// Differ reports whether any two contributing replicas' checksums disagree.
// Replicas excluded (by Exclude, or never marked up) are ignored, mirroring
// __checksums_differ: the first contributing replica seeds the comparison
// value and every subsequent contributing replica must match it.
func (a *Accumulator) Differ() bool {
	seeded := false
	var want uint32

	for i, up := range a.up {
		if !up {
			continue
		}
		if !seeded {
			want = a.checksum[i]
			seeded = true
			continue
		}
		if a.checksum[i] != want {
			return true
		}
		want = a.checksum[i]
	}

	return false
}
