// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment implements the dual-copy word state and the per-word
// read/write access protocol that the region builds transactions on top
// of. Segments are plain data: all transaction bookkeeping (local alloc
// and free lists, abort flags) lives one layer up, in the root stm
// package.
package segment

import "sync/atomic"

// TxID identifies a read/write transaction for the lifetime of a single
// epoch. The zero value, NoAccessor, means "no read/write transaction has
// touched this word yet". Read-only transactions never claim a word as
// first accessor and so never appear as a TxID here; ReadOnlyAccessor is
// reserved purely so callers have a distinct sentinel to compare against
// if they need to tell "definitely read-only" apart from "definitely
// untouched" in diagnostics.
type TxID uint64

const (
	// NoAccessor marks a word that no read/write transaction has touched
	// during the current epoch.
	NoAccessor TxID = 0

	// ReadOnlyAccessor is a reserved sentinel. It is never stored in a
	// WordState's firstAccessor field since read-only transactions are
	// never first accessors, but the value is reserved so it can never
	// collide with a real transaction id (Region.txCounter starts at 1
	// and only ever increments).
	ReadOnlyAccessor TxID = ^TxID(0)
)

// copySelector names one of the two physical buffers backing a word.
type copySelector uint32

const (
	copyA copySelector = 0
	copyB copySelector = 1
)

// WordState is the dual-copy metadata unit for a single aligned word. All
// fields are accessed with atomics so that the hot read/write path never
// takes a lock: the only field with contended writes is firstAccessor,
// which is claimed with a single CompareAndSwap per §5.
type WordState struct {
	// validCopy selects which physical buffer is currently the
	// committed, readable one.
	validCopy atomic.Uint32

	// written records whether the writable copy was modified by some
	// transaction during the current epoch.
	written atomic.Bool

	// firstAccessor is the TxID of the first read/write transaction to
	// touch this word this epoch, or NoAccessor.
	firstAccessor atomic.Uint64

	// readByOthers is set when a read/write transaction other than
	// firstAccessor reads (without writing) this word during the epoch.
	readByOthers atomic.Bool
}

// readable returns the buffer slice currently holding the committed
// value, selecting between the two copies backing this word.
func (w *WordState) readable(a, b []byte) []byte {
	if copySelector(w.validCopy.Load()) == copyA {
		return a
	}
	return b
}

// writable returns the buffer slice a read/write transaction should
// mutate; it is always the copy not currently marked as readable.
func (w *WordState) writable(a, b []byte) []byte {
	if copySelector(w.validCopy.Load()) == copyA {
		return b
	}
	return a
}

// ReadOnly copies the committed value into dst. Read-only transactions
// can never conflict, so this never mutates word state.
func (w *WordState) ReadOnly(a, b, dst []byte) {
	copy(dst, w.readable(a, b))
}

// ReadRW implements the read/write read rule from §4.1. It returns false
// if the read conflicts and the caller's transaction must abort.
func (w *WordState) ReadRW(tx TxID, a, b, dst []byte) bool {
	if w.written.Load() {
		if TxID(w.firstAccessor.Load()) == tx {
			copy(dst, w.writable(a, b))
			return true
		}
		return false
	}

	copy(dst, w.readable(a, b))
	owner := w.claimFirstAccessor(tx)
	if owner != tx {
		w.readByOthers.Store(true)
	}
	return true
}

// WriteRW implements the write rule from §4.1. It returns false if the
// write conflicts and the caller's transaction must abort.
func (w *WordState) WriteRW(tx TxID, a, b, src []byte) bool {
	if w.written.Load() {
		if TxID(w.firstAccessor.Load()) == tx {
			copy(w.writable(a, b), src)
			return true
		}
		return false
	}

	owner := w.claimFirstAccessor(tx)
	if owner != tx {
		return false
	}
	copy(w.writable(a, b), src)
	w.written.Store(true)
	return true
}

// claimFirstAccessor CASes firstAccessor from NoAccessor to tx and
// returns whichever TxID ends up owning the word — tx itself if the CAS
// won, or the id of whichever transaction won a concurrent race. This is
// the single atomic compare-and-swap the design notes call for to
// resolve two read/write transactions simultaneously touching the same
// previously-untouched word.
func (w *WordState) claimFirstAccessor(tx TxID) TxID {
	if w.firstAccessor.CompareAndSwap(uint64(NoAccessor), uint64(tx)) {
		return tx
	}
	return TxID(w.firstAccessor.Load())
}

// ResetForEpoch implements the epoch-boundary reset from §4.4 step 1:
// flip validCopy iff the word was written this epoch, then clear the
// per-epoch bookkeeping. Must only be called by the batcher's commit
// step, which runs with the epoch quiescent.
func (w *WordState) ResetForEpoch() {
	if w.written.Load() {
		w.validCopy.Store(1 - w.validCopy.Load())
	}
	w.written.Store(false)
	w.firstAccessor.Store(uint64(NoAccessor))
	w.readByOthers.Store(false)
}

// Quiescent reports whether the word is in its epoch-boundary resting
// state. Used by tests to assert the invariant in §8.
func (w *WordState) Quiescent() bool {
	return !w.written.Load() &&
		TxID(w.firstAccessor.Load()) == NoAccessor &&
		!w.readByOthers.Load()
}
