// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package batcher

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBatcher_SoloWriterAdvancesEpoch(t *testing.T) {
	var commits []uint64
	var mu sync.Mutex
	b := New(func(epoch uint64) {
		mu.Lock()
		commits = append(commits, epoch)
		mu.Unlock()
	})

	epoch, ok := b.Enter(false)
	require.True(t, ok)
	require.Equal(t, uint64(0), epoch)
	b.Leave()

	epoch, ok = b.Enter(false)
	require.True(t, ok)
	require.Equal(t, uint64(1), epoch)
	b.Leave()

	require.Equal(t, []uint64{0, 1}, commits)
	require.Equal(t, uint64(2), b.Epoch())
}

func TestBatcher_ReadOnlyNeverBlocks(t *testing.T) {
	b := New(nil)

	_, ok := b.Enter(false) // start an epoch with a writer
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		_, ok := b.Enter(true)
		require.True(t, ok)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read-only Enter blocked behind an active writer")
	}
}

func TestBatcher_WaitingWritersReleasedAsOneWave(t *testing.T) {
	b := New(nil)

	_, ok := b.Enter(false) // epoch 0 starts, one writer running
	require.True(t, ok)

	const numWaiters = 8
	admittedEpoch := make([]uint64, numWaiters)
	var wg sync.WaitGroup
	wg.Add(numWaiters)
	for i := 0; i < numWaiters; i++ {
		go func(i int) {
			defer wg.Done()
			epoch, ok := b.Enter(false)
			require.True(t, ok)
			admittedEpoch[i] = epoch
		}(i)
	}

	// Give the waiters time to queue up behind the running writer.
	time.Sleep(50 * time.Millisecond)

	b.Leave() // drains epoch 0, releases the wave of waiters into epoch 1

	wg.Wait()
	for i, e := range admittedEpoch {
		require.Equalf(t, uint64(1), e, "waiter %d admitted into wrong epoch", i)
	}

	for i := 0; i < numWaiters; i++ {
		b.Leave()
	}
	require.Equal(t, uint64(2), b.Epoch())
}

// TestBatcher_HighContention stresses concurrent readers and writers
// entering and leaving, asserting every writer's Enter/Leave pairs
// complete without deadlock and the commit callback ran at least once
// per writer.
func TestBatcher_HighContention(t *testing.T) {
	var epochsSeen int64
	b := New(func(uint64) {
		atomic.AddInt64(&epochsSeen, 1)
	})

	const writers = 6
	const readers = 20
	const iterations = 200

	var writerWg, readerWg sync.WaitGroup
	start := make(chan struct{})
	stopReaders := make(chan struct{})

	writerWg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer writerWg.Done()
			<-start
			for j := 0; j < iterations; j++ {
				_, ok := b.Enter(false)
				require.True(t, ok)
				b.Leave()
			}
		}()
	}

	readerWg.Add(readers)
	for i := 0; i < readers; i++ {
		go func() {
			defer readerWg.Done()
			<-start
			for {
				select {
				case <-stopReaders:
					return
				default:
				}
				_, ok := b.Enter(true)
				if !ok {
					return
				}
				b.Leave()
			}
		}()
	}

	close(start)

	doneWriters := make(chan struct{})
	go func() {
		writerWg.Wait()
		close(doneWriters)
	}()

	select {
	case <-doneWriters:
	case <-time.After(10 * time.Second):
		close(stopReaders)
		t.Fatal("batcher deadlocked under contention")
	}
	close(stopReaders)
	readerWg.Wait()

	require.GreaterOrEqual(t, atomic.LoadInt64(&epochsSeen), int64(writers))
}
