// Copyright 2023 Intel Corporation. All Rights Reserved.
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

// Package directory tracks the ownership of every guest-physical page on
// this node. The directory is a fixed-size array of per-page atomic state
// words sized at startup from the guest memory size. Lookups are wait-free;
// ownership transitions are CAS loops over the per-page word. Coalescing
// waiters for in-flight fetches live in a striped side table that is only
// touched on the slow path.
package directory

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Tag is the ownership tag of a page.
type Tag uint8

const (
	// Unclaimed means no node has touched the page yet.
	Unclaimed Tag = iota
	// Local means this node holds the authoritative page contents.
	Local
	// Remote means the page is owned by another node.
	Remote
	// InFlight means a fetch from the owning node is in progress.
	InFlight
)

// String returns the name of the tag.
func (t Tag) String() string {
	switch t {
	case Unclaimed:
		return "unclaimed"
	case Local:
		return "local"
	case Remote:
		return "remote"
	case InFlight:
		return "in-flight"
	}
	return "invalid"
}

// Ownership is the decoded ownership state of a single page. Owner is only
// meaningful for the Remote and InFlight tags.
type Ownership struct {
	Tag   Tag
	Owner uint32
}

// State word encoding: owner id in bits 0-31, tag in bits 32-33.
const (
	ownerMask = 0xffffffff
	tagShift  = 32
)

func encode(tag Tag, owner uint32) uint64 {
	return uint64(tag)<<tagShift | uint64(owner)
}

func decode(word uint64) Ownership {
	return Ownership{
		Tag:   Tag(word >> tagShift),
		Owner: uint32(word & ownerMask),
	}
}

var (
	// ErrPageOutOfRange reports a page number beyond the directory size.
	// This is a programming error in the caller.
	ErrPageOutOfRange = errors.New("page number out of range")
	// ErrShutdown reports an operation on a closed directory.
	ErrShutdown = errors.New("directory closed")
)

const waiterStripes = 64

// waiter is the coalescing slot for one in-flight fetch. Parked callers wait
// on done; the completer records err (nil on success) before closing it.
type waiter struct {
	done chan struct{}
	err  error
}

type waiterShard struct {
	sync.Mutex
	pending map[uint64]*waiter
}

// Directory holds the per-page ownership state for this node.
type Directory struct {
	pages  []atomic.Uint64
	npages uint64
	closed atomic.Bool

	shards [waiterStripes]waiterShard

	localCount  atomic.Int64
	remoteCount atomic.Int64
}

// New creates a directory covering npages pages, all Unclaimed.
func New(npages uint64) *Directory {
	d := &Directory{
		pages:  make([]atomic.Uint64, npages),
		npages: npages,
	}
	for i := range d.shards {
		d.shards[i].pending = make(map[uint64]*waiter)
	}
	return d
}

// PageCount returns the number of pages the directory covers.
func (d *Directory) PageCount() uint64 {
	return d.npages
}

func (d *Directory) shard(page uint64) *waiterShard {
	return &d.shards[page%waiterStripes]
}

// adjustCounts maintains the local/remote page gauges across a transition.
func (d *Directory) adjustCounts(old, new Tag) {
	if old == new {
		return
	}
	switch old {
	case Local:
		d.localCount.Add(-1)
	case Remote, InFlight:
		d.remoteCount.Add(-1)
	}
	switch new {
	case Local:
		d.localCount.Add(1)
	case Remote, InFlight:
		d.remoteCount.Add(1)
	}
}

// LocalPages returns the number of pages currently in Local state.
func (d *Directory) LocalPages() int64 {
	return d.localCount.Load()
}

// RemotePages returns the number of pages in Remote or InFlight state.
func (d *Directory) RemotePages() int64 {
	return d.remoteCount.Load()
}

// Lookup returns the current ownership state of the page. The read is
// wait-free.
func (d *Directory) Lookup(page uint64) (Ownership, error) {
	if page >= d.npages {
		return Ownership{}, errors.Wrapf(ErrPageOutOfRange, "page %d, directory size %d", page, d.npages)
	}
	return decode(d.pages[page].Load()), nil
}

// TryClaimLocal attempts the first-touch transition Unclaimed -> Local.
// It returns true if this node claimed the page. If the claim lost to a
// concurrent transition, it returns false along with the state that won.
func (d *Directory) TryClaimLocal(page uint64) (bool, Ownership, error) {
	if page >= d.npages {
		return false, Ownership{}, errors.Wrapf(ErrPageOutOfRange, "page %d, directory size %d", page, d.npages)
	}
	if d.closed.Load() {
		return false, Ownership{}, ErrShutdown
	}

	if d.pages[page].CompareAndSwap(encode(Unclaimed, 0), encode(Local, 0)) {
		d.adjustCounts(Unclaimed, Local)
		return true, Ownership{Tag: Local}, nil
	}
	return false, decode(d.pages[page].Load()), nil
}

// BeginResult is the outcome of BeginFetch.
type BeginResult struct {
	// Proceed is true when the caller now owns the fetch and must complete
	// it with FinishFetch. Owner names the node to fetch from.
	Proceed bool
	Owner   uint32
	// Waiter is non-nil when another fetch for the page is already in
	// flight; the caller parks on it and must not issue its own fetch.
	Waiter *Waiter
	// State is the snapshot that prevented both of the above, e.g. the page
	// turned Local or Unclaimed under the caller.
	State Ownership
}

// Waiter is a coalescing token for an in-flight fetch.
type Waiter struct {
	w *waiter
}

// Wait blocks until the in-flight fetch completes and returns its outcome.
func (t *Waiter) Wait() error {
	<-t.w.done
	return t.w.err
}

// Done exposes the completion channel for select-based callers.
func (t *Waiter) Done() <-chan struct{} {
	return t.w.done
}

// BeginFetch serializes fetches for a page. For a page in Remote(n) state it
// transitions to InFlight(n) and tells the caller to proceed; if a fetch is
// already in flight it returns a coalescing waiter instead. Exactly one
// caller per in-flight window observes Proceed.
func (d *Directory) BeginFetch(page uint64) (BeginResult, error) {
	if page >= d.npages {
		return BeginResult{}, errors.Wrapf(ErrPageOutOfRange, "page %d, directory size %d", page, d.npages)
	}

	for {
		if d.closed.Load() {
			return BeginResult{}, ErrShutdown
		}

		word := d.pages[page].Load()
		state := decode(word)

		switch state.Tag {
		case Remote:
			sh := d.shard(page)
			sh.Lock()
			if !d.pages[page].CompareAndSwap(word, encode(InFlight, state.Owner)) {
				sh.Unlock()
				continue
			}
			sh.pending[page] = &waiter{done: make(chan struct{})}
			sh.Unlock()
			return BeginResult{Proceed: true, Owner: state.Owner}, nil

		case InFlight:
			sh := d.shard(page)
			sh.Lock()
			w, ok := sh.pending[page]
			sh.Unlock()
			if !ok {
				// the fetch completed between the load and the slot read
				continue
			}
			return BeginResult{Waiter: &Waiter{w: w}}, nil

		default:
			return BeginResult{State: state}, nil
		}
	}
}

// FinishFetch completes the in-flight fetch for a page. Ownership is
// first-touch sticky: the fetched bytes are a satisfied copy, not an
// ownership transfer, so the entry returns to Remote(owner) on success
// and failure alike. All coalesced waiters are woken with the outcome.
// (Ownership moves only through a push, via MarkLocal/MarkRemote.)
func (d *Directory) FinishFetch(page uint64, owner uint32, fetchErr error) error {
	if page >= d.npages {
		return errors.Wrapf(ErrPageOutOfRange, "page %d, directory size %d", page, d.npages)
	}

	// the CAS and the waiter-slot removal stay under the shard lock so a
	// back-to-back BeginFetch cannot slip a fresh slot in between
	sh := d.shard(page)
	sh.Lock()
	if !d.pages[page].CompareAndSwap(encode(InFlight, owner), encode(Remote, owner)) {
		sh.Unlock()
		return errors.Errorf("page %d: finish-fetch without matching in-flight state", page)
	}
	w, ok := sh.pending[page]
	delete(sh.pending, page)
	sh.Unlock()

	d.adjustCounts(InFlight, Remote)
	if ok {
		w.err = fetchErr
		close(w.done)
	}
	return nil
}

// MarkRemote unconditionally records the page as owned by another node.
// Used after this node pushes a page away (migration).
func (d *Directory) MarkRemote(page uint64, owner uint32) error {
	if page >= d.npages {
		return errors.Wrapf(ErrPageOutOfRange, "page %d, directory size %d", page, d.npages)
	}
	old := decode(d.pages[page].Swap(encode(Remote, owner)))
	d.adjustCounts(old.Tag, Remote)
	return nil
}

// MarkLocal unconditionally records the page as locally owned. Used by the
// transport server after installing a pushed page.
func (d *Directory) MarkLocal(page uint64) error {
	if page >= d.npages {
		return errors.Wrapf(ErrPageOutOfRange, "page %d, directory size %d", page, d.npages)
	}
	sh := d.shard(page)
	sh.Lock()
	old := decode(d.pages[page].Swap(encode(Local, 0)))
	var w *waiter
	if old.Tag == InFlight {
		// a racing fetch no longer matters; wake its waiters as success
		w = sh.pending[page]
		delete(sh.pending, page)
	}
	sh.Unlock()

	d.adjustCounts(old.Tag, Local)
	if w != nil {
		close(w.done)
	}
	return nil
}

// IterateLocal invokes fn for every page currently in Local state. Iteration
// takes no locks; pages transitioning concurrently may be missed or visited
// with stale state. Returning false from fn stops the iteration.
func (d *Directory) IterateLocal(fn func(page uint64) bool) {
	for page := uint64(0); page < d.npages; page++ {
		if decode(d.pages[page].Load()).Tag == Local {
			if !fn(page) {
				return
			}
		}
	}
}

// Close marks the directory as shut down. In-flight waiters are woken with
// ErrShutdown; subsequent TryClaimLocal and BeginFetch calls fail with
// ErrShutdown.
func (d *Directory) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	for i := range d.shards {
		sh := &d.shards[i]
		sh.Lock()
		for page, w := range sh.pending {
			w.err = ErrShutdown
			close(w.done)
			delete(sh.pending, page)
		}
		sh.Unlock()
	}
}
