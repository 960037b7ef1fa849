// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package stm

import (
	"fmt"

	"github.com/gostm/stm/segment"
)

// AllocStatus classifies the outcome of Tx.Alloc.
type AllocStatus uint8

const (
	// AllocSuccess means the segment was allocated and is now tentative
	// in the caller's transaction.
	AllocSuccess AllocStatus = iota
	// AllocNoMem means allocation failed; the transaction is not
	// aborted and may continue.
	AllocNoMem
	// AllocAbort means the transaction is aborted or ended: either it
	// already was before the call, or the call itself was invalid (a
	// read-only transaction, or a bad size) and aborted it.
	AllocAbort
)

// Tx is a transaction descriptor: per-transaction runtime state
// including its id, read-only flag, the epoch it was admitted into, and
// its local allocation/free lists. A Tx must not be used concurrently
// from more than one goroutine (§5).
type Tx struct {
	id       segment.TxID
	readOnly bool
	epoch    uint64
	region   *Region

	aborted bool
	ended   bool
	err     error

	localAllocs map[uint32]*segment.Segment
	localFrees  map[uint32]*segment.Segment
}

// Begin admits a new transaction into the region, per §6 tx_begin. It
// may block a read/write transaction until the batcher can admit it
// into a fresh epoch (§4.3, §5 suspension points).
func (r *Region) Begin(readOnly bool) (*Tx, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	epoch, ok := r.batcher.Enter(readOnly)
	if !ok {
		r.metrics.txAdmissionFailures.Inc()
		return nil, ErrAdmissionFailure
	}

	tx := &Tx{
		id:       segment.TxID(r.txCounter.Add(1)),
		readOnly: readOnly,
		epoch:    epoch,
		region:   r,
	}
	if !readOnly {
		tx.localAllocs = make(map[uint32]*segment.Segment)
		tx.localFrees = make(map[uint32]*segment.Segment)
	}
	r.liveTx.Add(1)
	r.metrics.txBegun.Inc()
	return tx, nil
}

// checkLive returns the error that should be surfaced for any further
// call on tx: ErrTxDone once End has run, the original failure reason
// once the transaction has aborted, or nil if it's still usable.
func (tx *Tx) checkLive() error {
	if tx.ended {
		return ErrTxDone
	}
	if tx.aborted {
		return tx.err
	}
	return nil
}

// fail marks the transaction aborted with the given reason. Once
// called, every subsequent operation on tx short-circuits to failure
// until End is called (§4.1).
func (tx *Tx) fail(err error) {
	if tx.aborted {
		return
	}
	tx.aborted = true
	tx.err = err
}

// resolveSegment finds the segment a client address belongs to,
// checking the transaction's own tentative allocations before falling
// back to the region's published segment set. A segment this
// transaction itself allocated is invisible to every other transaction
// until commit (§3 Lifecycle).
func (tx *Tx) resolveSegment(segID uint32) (*segment.Segment, bool) {
	if tx.localAllocs != nil {
		if s, ok := tx.localAllocs[segID]; ok {
			return s, true
		}
	}
	return tx.region.lookupSegment(segID)
}

// Read copies length bytes starting at addr into a freshly allocated
// buffer, per §6 tx_read. length must be a positive multiple of the
// region's alignment.
func (tx *Tx) Read(addr Addr, length int) ([]byte, error) {
	if err := tx.checkLive(); err != nil {
		return nil, err
	}

	seg, ok := tx.resolveSegment(addr.SegmentID())
	if !ok {
		tx.fail(ErrInvalidArgument)
		return nil, ErrInvalidArgument
	}

	dst := make([]byte, length)
	if tx.readOnly {
		if !seg.ReadOnly(addr.Offset(), dst) {
			tx.fail(ErrInvalidArgument)
			return nil, ErrInvalidArgument
		}
		return dst, nil
	}

	tx.region.markTouched(seg)
	if _, ok := seg.ReadRW(tx.id, addr.Offset(), dst); !ok {
		tx.fail(ErrAborted)
		return nil, ErrAborted
	}
	return dst, nil
}

// Write copies src into the region starting at addr, per §6 tx_write.
// Read-only transactions writing is rejected as an invalid argument
// (§4.1: "read-only writes are not permitted").
func (tx *Tx) Write(addr Addr, src []byte) error {
	if err := tx.checkLive(); err != nil {
		return err
	}
	if tx.readOnly {
		tx.fail(ErrInvalidArgument)
		return ErrInvalidArgument
	}

	seg, ok := tx.resolveSegment(addr.SegmentID())
	if !ok {
		tx.fail(ErrInvalidArgument)
		return ErrInvalidArgument
	}

	tx.region.markTouched(seg)
	if _, ok := seg.WriteRW(tx.id, addr.Offset(), src); !ok {
		tx.fail(ErrAborted)
		return ErrAborted
	}
	return nil
}

// Alloc allocates a new segment of the given size, tentative to this
// transaction until commit, per §4.5 and §6 tx_alloc. size must be a
// positive multiple of the region's alignment.
func (tx *Tx) Alloc(size uint64) (Addr, AllocStatus, error) {
	if err := tx.checkLive(); err != nil {
		return NoAddr, AllocAbort, err
	}
	if tx.readOnly {
		tx.fail(ErrInvalidArgument)
		return NoAddr, AllocAbort, ErrInvalidArgument
	}
	if size == 0 || size%tx.region.align != 0 {
		tx.fail(ErrInvalidArgument)
		return NoAddr, AllocAbort, ErrInvalidArgument
	}

	id := tx.region.nextSegID.Add(1)
	seg, err := tx.region.allocator(id, size, tx.region.align)
	if err != nil {
		tx.region.metrics.allocFailures.Inc()
		return NoAddr, AllocNoMem, fmt.Errorf("%w: %s", ErrOutOfMemory, err)
	}
	seg.SetState(segment.PendingAlloc)
	tx.localAllocs[seg.ID] = seg
	return seg.FirstAddr(), AllocSuccess, nil
}

// Free marks a live segment for reclamation, per §4.5 and §6 tx_free.
// Freeing the first (permanent) segment or an unknown address aborts
// the transaction (InvalidArgument, §7). Physical reclamation is
// deferred to the next epoch boundary contingent on commit (§4.4).
func (tx *Tx) Free(addr Addr) error {
	if err := tx.checkLive(); err != nil {
		return err
	}
	if tx.readOnly {
		tx.fail(ErrInvalidArgument)
		return ErrInvalidArgument
	}

	segID := addr.SegmentID()
	if s, ok := tx.localAllocs[segID]; ok {
		tx.localFrees[segID] = s
		return nil
	}

	seg, ok := tx.region.lookupSegment(segID)
	if !ok || seg.Permanent || seg.State() != segment.Live {
		tx.fail(ErrInvalidArgument)
		return ErrInvalidArgument
	}
	tx.localFrees[segID] = seg
	return nil
}

// End terminates the transaction, per §6 tx_end. It returns nil if the
// transaction committed, or the abort reason (ErrAborted for conflicts,
// ErrInvalidArgument for invalid arguments) otherwise. End always releases the batcher slot, applying
// the epoch commit step if this was the last participant (§4.4).
func (tx *Tx) End() error {
	if tx.ended {
		return ErrTxDone
	}
	tx.ended = true
	defer tx.region.liveTx.Add(-1)

	if tx.aborted {
		// Local allocs were never published: nothing else to undo.
		// Local frees never touched global segment state: the segments
		// they name remain LIVE.
		tx.region.batcher.Leave()
		reason := "invalid_argument"
		if tx.err == ErrAborted {
			reason = "conflict"
		}
		tx.region.metrics.txAborted.WithLabelValues(reason).Inc()
		return tx.err
	}

	netAllocFree(tx.localAllocs, tx.localFrees)
	tx.region.publishPending(tx.localAllocs, tx.localFrees)
	tx.region.batcher.Leave()
	tx.region.metrics.txCommitted.Inc()
	return nil
}

// netAllocFree drops any segment this transaction both allocated and
// freed itself: it was never published to any other transaction, so
// there is nothing for the commit step to do beyond letting it be
// garbage collected.
func netAllocFree(allocs, frees map[uint32]*segment.Segment) {
	for id := range allocs {
		if _, freed := frees[id]; freed {
			delete(allocs, id)
			delete(frees, id)
		}
	}
}
