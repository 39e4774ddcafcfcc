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

// Package direntry defines the shapes shared by every replica RPC and every
// client-facing readdir reply: a directory entry and its opaque,
// per-replica offset (cookie).
package direntry

// Offset is an opaque per-replica position token, analogous to a posix
// telldir/seekdir cookie. It is only meaningful to the replica that issued
// it: offsets from different replicas are never compared or combined.
type Offset uint64

// Attr carries the per-entry inode attributes requested by readdirp. It is
// intentionally minimal: the full iatt<->stat conversion is an external
// collaborator (spec.md 1), out of scope for this package.
type Attr struct {
	Inode uint64
	Mode  uint32
	Size  uint64
}

// Entry is one directory entry as returned by a replica, or as served back
// to the client.
type Entry struct {
	Name   string
	Offset Offset

	// Attrs is set only for readdirp (OpReaddirp) replies.
	Attrs *Attr
}
