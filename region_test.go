// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package stm

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gostm/stm/segment"
)

// waveTogether starts n read/write transactions that queue as waiting
// writers behind occupant's still-open epoch, then ends occupant so they
// are all admitted into the next epoch as a single wave (§4.3). It
// returns the admitted transactions in start order.
func waveTogether(t *testing.T, r *Region, occupant *Tx, n int) []*Tx {
	t.Helper()

	txs := make([]*Tx, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := r.Begin(false)
			require.NoError(t, err)
			txs[i] = tx
		}()
	}

	// Give the goroutines time to block as waiting writers behind
	// occupant's epoch before draining it.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, occupant.End())
	wg.Wait()
	return txs
}

func mustOpen(t *testing.T, size, align uint64) *Region {
	t.Helper()
	r, err := Open(size, align)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	return r
}

// Scenario 1: single-writer round trip (§8.1).
func TestRegion_SingleWriterRoundTrip(t *testing.T) {
	r := mustOpen(t, 16, 8)

	txA, err := r.Begin(false)
	require.NoError(t, err)
	want := []byte{0xDE, 0xAD, 0, 0, 0, 0, 0, 0}
	require.NoError(t, txA.Write(r.FirstAddr(), want))
	require.NoError(t, txA.End())

	txB, err := r.Begin(true)
	require.NoError(t, err)
	got, err := txB.Read(r.FirstAddr(), 8)
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, got))
	require.NoError(t, txB.End())
}

// Scenario 2: write-write conflict (§8.2). Exactly one of two concurrent
// writers to the same word commits.
func TestRegion_WriteWriteConflict(t *testing.T) {
	r := mustOpen(t, 8, 8)

	occupant, err := r.Begin(false)
	require.NoError(t, err)
	txs := waveTogether(t, r, occupant, 2)
	txA, txB := txs[0], txs[1]

	errA := txA.Write(r.FirstAddr(), []byte{1, 1, 1, 1, 1, 1, 1, 1})
	errB := txB.Write(r.FirstAddr(), []byte{2, 2, 2, 2, 2, 2, 2, 2})

	endA := txA.End()
	endB := txB.End()

	committedA := errA == nil && endA == nil
	committedB := errB == nil && endB == nil
	require.True(t, committedA != committedB, "exactly one writer must commit")
}

// Scenario 3: read-write conflict (§8.3). Tx A reads a word, Tx B writes
// it in the same epoch: exactly one of the two commits.
func TestRegion_ReadWriteConflict(t *testing.T) {
	r := mustOpen(t, 8, 8)

	occupant, err := r.Begin(false)
	require.NoError(t, err)
	txs := waveTogether(t, r, occupant, 2)
	txA, txB := txs[0], txs[1]

	_, errA := txA.Read(r.FirstAddr(), 8)
	errB := txB.Write(r.FirstAddr(), []byte{9, 9, 9, 9, 9, 9, 9, 9})

	endA := txA.End()
	endB := txB.End()

	committedA := errA == nil && endA == nil
	committedB := errB == nil && endB == nil
	require.True(t, committedA != committedB, "exactly one of the pair must commit")
}

// Scenario 4: read-only parallelism (§8.4). Ten concurrent read-only
// transactions reading the same word all commit with no blocking.
func TestRegion_ReadOnlyParallelism(t *testing.T) {
	r := mustOpen(t, 8, 8)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := r.Begin(true)
			if err != nil {
				errs[i] = err
				return
			}
			if _, err := tx.Read(r.FirstAddr(), 8); err != nil {
				errs[i] = err
				return
			}
			errs[i] = tx.End()
		}()
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "reader %d should commit", i)
	}
}

// Scenario 5: deferred free (§8.5). A allocates S and commits; B frees S
// and commits; S is reclaimed (no longer resolvable) after B's epoch.
func TestRegion_DeferredFree(t *testing.T) {
	r := mustOpen(t, 8, 8)

	txA, err := r.Begin(false)
	require.NoError(t, err)
	addr, status, err := txA.Alloc(8)
	require.NoError(t, err)
	require.Equal(t, AllocSuccess, status)
	require.NoError(t, txA.End())

	// S is live: a fresh transaction can read/write it.
	txCheck, err := r.Begin(false)
	require.NoError(t, err)
	require.NoError(t, txCheck.Write(addr, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, txCheck.End())

	txB, err := r.Begin(false)
	require.NoError(t, err)
	require.NoError(t, txB.Free(addr))
	require.NoError(t, txB.End())

	txAfter, err := r.Begin(false)
	require.NoError(t, err)
	err = txAfter.Write(addr, []byte{0, 0, 0, 0, 0, 0, 0, 0})
	require.Error(t, err, "S must be unreachable after the epoch that freed it")
	require.ErrorIs(t, txAfter.checkLive(), ErrInvalidArgument)
	_ = txAfter.End()
}

// Scenario 6: tentative alloc abort (§8.6). A allocates S, then its
// transaction is forced to abort; S never becomes visible to any future
// transaction.
func TestRegion_TentativeAllocAbort(t *testing.T) {
	r := mustOpen(t, 8, 8)

	occupant, err := r.Begin(false)
	require.NoError(t, err)
	txs := waveTogether(t, r, occupant, 2)
	txA, txB := txs[0], txs[1]

	addr, status, err := txA.Alloc(8)
	require.NoError(t, err)
	require.Equal(t, AllocSuccess, status)

	// Force txA to abort via a conflicting write: txB claims the first
	// segment's only word first, then txA's write to it conflicts.
	require.NoError(t, txB.Write(r.FirstAddr(), []byte{1, 1, 1, 1, 1, 1, 1, 1}))

	err = txA.Write(r.FirstAddr(), []byte{2, 2, 2, 2, 2, 2, 2, 2})
	require.Error(t, err, "txA must abort: txB already claimed this word this epoch")
	endErrA := txA.End()
	require.Error(t, endErrA)
	require.NoError(t, txB.End())

	txLater, err := r.Begin(false)
	require.NoError(t, err)
	err = txLater.Write(addr, []byte{3, 3, 3, 3, 3, 3, 3, 3})
	require.Error(t, err, "S must never be visible: txA never committed")
	_ = txLater.End()
}

// Round-trip: alloc then free in the same committed transaction leaves
// the region logically unchanged (§8 round-trip/idempotence).
func TestRegion_AllocFreeSameTxIsNoop(t *testing.T) {
	r := mustOpen(t, 8, 8)

	tx, err := r.Begin(false)
	require.NoError(t, err)
	addr, status, err := tx.Alloc(8)
	require.NoError(t, err)
	require.Equal(t, AllocSuccess, status)
	require.NoError(t, tx.Free(addr))
	require.NoError(t, tx.End())

	txLater, err := r.Begin(false)
	require.NoError(t, err)
	err = txLater.Write(addr, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.Error(t, err, "segment allocated and freed in the same tx is never published")
	_ = txLater.End()
}

func TestRegion_CloseRejectsLiveTransactions(t *testing.T) {
	r, err := Open(8, 8)
	require.NoError(t, err)

	tx, err := r.Begin(true)
	require.NoError(t, err)

	err = r.Close()
	require.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, tx.End())
	require.NoError(t, r.Close())
}

// Tx.Alloc reports NO_MEMORY without aborting the transaction (§4.5):
// the caller may continue reading/writing/committing after a failed
// allocation. WithSegmentAllocator lets the allocator fail
// deterministically instead of exhausting real memory.
func TestRegion_AllocNoMem(t *testing.T) {
	failAlloc := errors.New("simulated allocation failure")
	allocator := func(id uint32, size, align uint64) (*segment.Segment, error) {
		if id == 1 {
			// Let Open's own first-segment allocation through; only
			// transaction-issued allocations are simulated as failing.
			return segment.New(id, size, align)
		}
		return nil, failAlloc
	}

	r, err := Open(8, 8, WithSegmentAllocator(allocator))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close()) })

	tx, err := r.Begin(false)
	require.NoError(t, err)

	addr, status, err := tx.Alloc(8)
	require.Equal(t, NoAddr, addr)
	require.Equal(t, AllocNoMem, status)
	require.ErrorIs(t, err, ErrOutOfMemory)

	// The transaction is not aborted by a NO_MEMORY alloc failure: it
	// can still read/write and commit normally.
	require.NoError(t, tx.Write(r.FirstAddr(), []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, tx.End())
}

func TestRegion_OpenRejectsBadConfig(t *testing.T) {
	_, err := Open(8, 3)
	require.ErrorIs(t, err, ErrInvalidArgument, "align must be a power of two")

	_, err = Open(4, 8)
	require.ErrorIs(t, err, ErrInvalidArgument, "size must be >= align")

	_, err = Open(12, 8)
	require.ErrorIs(t, err, ErrInvalidArgument, "size must be a multiple of align")
}
