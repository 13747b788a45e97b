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

package shmarena

import "encoding/binary"

// entry returns the 16-bit holder word for frame i.
func (a *Arena) entry(frame uintptr) uint16 {
	off := a.layout.bitmapOffset + frame*bitmapEntryBytes
	return binary.LittleEndian.Uint16(a.data[off : off+2])
}

func (a *Arena) setEntry(frame uintptr, v uint16) {
	off := a.layout.bitmapOffset + frame*bitmapEntryBytes
	binary.LittleEndian.PutUint16(a.data[off:off+2], v)
}

// HolderCountHint reads frame's holder count without acquiring the
// node mutex. It is a hint, not a basis for a state transition (§5):
// the merge engine's classification scan uses it only to decide which
// run a page belongs to, and re-derives the authoritative count inside
// a Txn once the run actually flushes.
func (a *Arena) HolderCountHint(frame uintptr) int {
	v := a.entry(frame)
	n := 0
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}
	return n
}

// Txn is a handle valid only for the duration of one node-mutex
// acquisition (Arena.Do). Every mutating bitmap or counter operation
// is a Txn method, never an Arena method, so it is impossible at the
// type level to mutate C2 state outside the funnel-through-C3
// discipline §4.3 requires.
type Txn struct {
	a *Arena
}

// Do acquires the node mutex, runs fn with a Txn over this arena, and
// releases it — the one accessor through which every write to C2
// passes, matching the "funnel every mutation through the node mutex"
// requirement of §4.3.
func (a *Arena) Do(fn func(t *Txn)) {
	a.lock.WithLock(func() {
		fn(&Txn{a: a})
	})
}

// HasHolder reports whether sibling is recorded as holding frame.
func (t *Txn) HasHolder(frame uintptr, sibling int) bool {
	return t.a.entry(frame)&(1<<uint(sibling)) != 0
}

// SetHolder records sibling as holding frame.
func (t *Txn) SetHolder(frame uintptr, sibling int) {
	t.a.setEntry(frame, t.a.entry(frame)|(1<<uint(sibling)))
}

// ClearHolder removes sibling from frame's holder set.
func (t *Txn) ClearHolder(frame uintptr, sibling int) {
	t.a.setEntry(frame, t.a.entry(frame)&^(1<<uint(sibling)))
}

// CountHolders returns the number of siblings currently sharing frame.
func (t *Txn) CountHolders(frame uintptr) int {
	v := t.a.entry(frame)
	n := 0
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}
	return n
}

// HolderMaskIsZero reports whether no sibling holds frame.
func (t *Txn) HolderMaskIsZero(frame uintptr) bool {
	return t.a.entry(frame) == 0
}

// Alive, SharedPages, PrivatePagesTotal and UnmergedPagesTotal are
// exposed on Txn too so a single Do block can read-modify-write a
// counter alongside a bitmap update without re-entering the lock.
func (t *Txn) Alive() int64              { return t.a.Alive() }
func (t *Txn) SharedPages() int64        { return t.a.SharedPages() }
func (t *Txn) PrivatePagesTotal() int64  { return t.a.PrivatePagesTotal() }
func (t *Txn) UnmergedPagesTotal() int64 { return t.a.UnmergedPagesTotal() }

func (t *Txn) AddSharedPages(delta int64) int64        { return t.a.AddSharedPages(delta) }
func (t *Txn) AddPrivatePagesTotal(delta int64) int64  { return t.a.AddPrivatePagesTotal(delta) }
func (t *Txn) AddUnmergedPagesTotal(delta int64) int64 { return t.a.AddUnmergedPagesTotal(delta) }
