// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package batcher implements the epoch admission and commit coordinator
// described in §4.3 of the design: it groups concurrently-running
// transactions into epochs, admits read-only transactions immediately,
// queues read/write transactions arriving mid-epoch into the next wave,
// and runs a caller-supplied commit callback exactly once per epoch —
// on the last participant's way out, before the next wave is released.
package batcher

import "sync"

// CommitFunc is invoked synchronously by whichever Leave call drains the
// last participant out of an epoch. It must not call back into Enter or
// Leave. The epoch number passed is the epoch that just drained.
type CommitFunc func(epoch uint64)

// Batcher coordinates epoch admission. The zero value is not usable;
// construct with New.
type Batcher struct {
	mu   sync.Mutex
	cond *sync.Cond

	epoch uint64

	// participants currently admitted into the running epoch (read-only
	// and read/write combined).
	participants int

	// waitingWriters have called Enter(false) while the epoch was
	// non-empty; they are released together as the next wave once the
	// epoch drains.
	waitingWriters int

	closed bool

	onCommit CommitFunc
}

// New creates a Batcher that invokes onCommit once per epoch boundary.
func New(onCommit CommitFunc) *Batcher {
	b := &Batcher{onCommit: onCommit}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Enter admits a transaction into an epoch, blocking a read/write
// transaction if one is already running until it drains. It returns the
// epoch number the transaction was admitted into. Read-only
// transactions are always admitted immediately into whatever epoch is
// current.
func (b *Batcher) Enter(readOnly bool) (epoch uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, false
	}

	if readOnly {
		b.participants++
		return b.epoch, true
	}

	if b.participants == 0 {
		// No epoch is currently running: admit immediately and start one.
		b.participants = 1
		return b.epoch, true
	}

	// An epoch is active; queue as a waiting writer for the next wave.
	b.waitingWriters++
	myEpoch := b.epoch + 1
	for !b.closed && b.epoch < myEpoch {
		b.cond.Wait()
	}
	if b.closed {
		return 0, false
	}
	return b.epoch, true
}

// Leave removes a transaction from the currently running epoch. If this
// was the last participant, Leave runs the commit callback and then
// releases any waiting writers as the next epoch's wave before
// returning.
func (b *Batcher) Leave() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.participants--
	if b.participants < 0 {
		// Defensive: should never happen given Enter/Leave are paired.
		b.participants = 0
	}
	if b.participants > 0 {
		return
	}

	finishedEpoch := b.epoch
	if b.onCommit != nil {
		b.onCommit(finishedEpoch)
	}

	b.epoch++
	b.participants = b.waitingWriters
	b.waitingWriters = 0
	b.cond.Broadcast()
}

// Close marks the batcher closed, waking any blocked writers so they can
// return ok=false from Enter. Safe to call only once there are no
// in-flight transactions expected to call Leave.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Epoch returns the current epoch number. Intended for diagnostics and
// tests; callers must not rely on it staying stable without external
// synchronization.
func (b *Batcher) Epoch() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}
