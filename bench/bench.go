// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package main holds throughput/latency benchmarks for the STM engine,
// mirroring the way the teacher's own bench package benchmarks the WAL
// against a second backend (raftboltdb) rather than in isolation: here
// the comparison backend is a single mutex guarding a plain byte slice,
// the simplest baseline a reader would reach for instead of an STM
// region.
package main

import (
	"context"
	"math/rand"
	"sync"

	"github.com/benmathews/bench"
	fuzz "github.com/google/gofuzz"

	"github.com/gostm/stm"
)

// mutexRegion is the non-STM baseline: one mutex guarding a flat byte
// buffer, word-aligned the same way an stm.Region is.
type mutexRegion struct {
	mu    sync.Mutex
	bytes []byte
	align uint64
}

func newMutexRegion(size, align uint64) *mutexRegion {
	return &mutexRegion{bytes: make([]byte, size), align: align}
}

func (m *mutexRegion) write(offset uint32, src []byte) {
	m.mu.Lock()
	copy(m.bytes[offset:int(offset)+len(src)], src)
	m.mu.Unlock()
}

func (m *mutexRegion) read(offset uint32, n int) []byte {
	dst := make([]byte, n)
	m.mu.Lock()
	copy(dst, m.bytes[offset:int(offset)+n])
	m.mu.Unlock()
	return dst
}

// stmRequester drives one goroutine's worth of read/write transactions
// against a shared stm.Region for bench.Benchmark.
type stmRequester struct {
	region *stm.Region
	align  uint64
	buf    []byte
}

func (r *stmRequester) Setup() error {
	r.buf = make([]byte, r.align)
	return nil
}

func (r *stmRequester) Request(_ context.Context) error {
	tx, err := r.region.Begin(false)
	if err != nil {
		return err
	}
	if err := tx.Write(r.region.FirstAddr(), r.buf); err != nil {
		// A conflict abort is an expected outcome under contention, not a
		// benchmark failure: the caller is expected to retry.
		_ = tx.End()
		return nil
	}
	return tx.End()
}

func (r *stmRequester) Teardown() error { return nil }

// stmRequesterFactory hands out a stmRequester per worker goroutine, per
// bench.RequesterFactory.
type stmRequesterFactory struct {
	region *stm.Region
	align  uint64
}

func (f *stmRequesterFactory) GetRequester(uint64) bench.Requester {
	return &stmRequester{region: f.region, align: f.align}
}

// mutexRequester is the baseline counterpart of stmRequester.
type mutexRequester struct {
	region *mutexRegion
	buf    []byte
}

func (r *mutexRequester) Setup() error {
	r.buf = make([]byte, r.region.align)
	return nil
}

func (r *mutexRequester) Request(_ context.Context) error {
	r.region.write(0, r.buf)
	return nil
}

func (r *mutexRequester) Teardown() error { return nil }

type mutexRequesterFactory struct {
	region *mutexRegion
}

func (f *mutexRequesterFactory) GetRequester(uint64) bench.Requester {
	return &mutexRequester{region: f.region}
}

// readOnlyRequester issues nothing but read-only transactions, to
// measure the never-blocks claim of §4.3 in isolation from writer
// contention.
type readOnlyRequester struct {
	region *stm.Region
}

func (r *readOnlyRequester) Setup() error { return nil }

func (r *readOnlyRequester) Request(_ context.Context) error {
	tx, err := r.region.Begin(true)
	if err != nil {
		return err
	}
	if _, err := tx.Read(r.region.FirstAddr(), int(r.region.Align())); err != nil {
		_ = tx.End()
		return err
	}
	return tx.End()
}

func (r *readOnlyRequester) Teardown() error { return nil }

type readOnlyRequesterFactory struct {
	region *stm.Region
}

func (f *readOnlyRequesterFactory) GetRequester(uint64) bench.Requester {
	return &readOnlyRequester{region: f.region}
}

// fuzzRequester uses gofuzz to pick one of read, write, alloc or free at
// random for each transaction, so a single benchmark run exercises
// every operation instead of one fixed access pattern.
type fuzzRequester struct {
	region *stm.Region
	rnd    *rand.Rand
	fz     *fuzz.Fuzzer
	owned  []stm.Addr
}

func (r *fuzzRequester) Setup() error {
	r.fz = fuzz.NewWithSeed(r.rnd.Int63()).NilChance(0).NumElements(1, 1)
	return nil
}

func (r *fuzzRequester) Request(_ context.Context) error {
	tx, err := r.region.Begin(false)
	if err != nil {
		return err
	}

	var op int
	r.fz.Fuzz(&op)
	switch op % 4 {
	case 0:
		buf := make([]byte, r.region.Align())
		for i := range buf {
			r.fz.Fuzz(&buf[i])
		}
		if err := tx.Write(r.region.FirstAddr(), buf); err != nil {
			_ = tx.End()
			return nil
		}
	case 1:
		if _, err := tx.Read(r.region.FirstAddr(), int(r.region.Align())); err != nil {
			_ = tx.End()
			return nil
		}
	case 2:
		addr, status, err := tx.Alloc(r.region.Align())
		if err == nil && status == stm.AllocSuccess {
			r.owned = append(r.owned, addr)
		}
	case 3:
		if len(r.owned) > 0 {
			addr := r.owned[len(r.owned)-1]
			r.owned = r.owned[:len(r.owned)-1]
			_ = tx.Free(addr)
		}
	}

	return tx.End()
}

func (r *fuzzRequester) Teardown() error { return nil }

type fuzzRequesterFactory struct {
	region *stm.Region
	rnd    *rand.Rand
}

func (f *fuzzRequesterFactory) GetRequester(seed uint64) bench.Requester {
	return &fuzzRequester{region: f.region, rnd: rand.New(rand.NewSource(f.rnd.Int63() + int64(seed)))}
}
