// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package stm implements a software transactional memory region: word
// aligned, in-process shared memory that multiple goroutines can read
// and write inside atomic, isolated transactions. Transactions are
// grouped into epochs by an internal batcher; conflicts between
// concurrent read/write transactions are resolved by a dual-copy,
// per-word access protocol, and commit/abort is all-or-nothing.
package stm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gostm/stm/internal/batcher"
	"github.com/gostm/stm/segment"
)

// Addr is an opaque, client-facing address into a region. It is only
// ever produced by Region.FirstAddr or Tx.Alloc and only ever consumed
// by Tx.Read/Write/Free.
type Addr = segment.Addr

// NoAddr is the zero/invalid Addr.
const NoAddr = segment.NoAddr

// SegmentAllocator allocates a new segment with the given id, size and
// alignment. The default, used unless overridden with
// WithSegmentAllocator, is segment.New. Tests use this hook to simulate
// NO_MEMORY without exhausting real memory.
type SegmentAllocator func(id uint32, size, align uint64) (*segment.Segment, error)

// RegionOpt configures a Region at Open time.
type RegionOpt func(*Region)

// WithLogger sets the go-kit logger used for ambient region and batcher
// diagnostics. The transactional core itself never logs (§7); this is
// strictly around region lifecycle and epoch bookkeeping. Defaults to a
// no-op logger.
func WithLogger(logger log.Logger) RegionOpt {
	return func(r *Region) { r.logger = logger }
}

// WithMetricsRegisterer sets the Prometheus registerer metrics are
// registered against. Defaults to nil, in which case the metrics are
// still collected but not registered anywhere, so any number of regions
// can be opened in one process.
func WithMetricsRegisterer(reg prometheus.Registerer) RegionOpt {
	return func(r *Region) { r.metricsReg = reg }
}

// WithSegmentAllocator overrides how segments are allocated: both the
// first segment in Open and every segment from Tx.Alloc.
func WithSegmentAllocator(alloc SegmentAllocator) RegionOpt {
	return func(r *Region) { r.allocator = alloc }
}

// Region is the top-level STM container: it owns the segment set, the
// alignment, the batcher, and the pending allocation/free queues.
type Region struct {
	align     uint64
	firstSize uint64

	// segments holds an *immutable.SortedMap[uint32, *segment.Segment]
	// keyed by segment id. Stored in an atomic.Value so readers can
	// resolve an Addr to its segment without taking a lock; the map is
	// only ever replaced wholesale, at an epoch commit step, which is
	// single-threaded by construction.
	segments atomic.Value

	nextSegID atomic.Uint32
	txCounter atomic.Uint64
	liveTx    atomic.Int64

	batcher *batcher.Batcher

	pendingMu    sync.Mutex
	pendingAlloc map[uint32]*segment.Segment
	pendingFree  map[uint32]*segment.Segment

	touchedMu sync.Mutex
	touched   map[uint32]*segment.Segment

	// epochStart is the wall-clock time the current epoch began. Read
	// and written only from commitEpoch, which the batcher guarantees
	// never runs concurrently with itself.
	epochStart time.Time

	allocator  SegmentAllocator
	logger     log.Logger
	metricsReg prometheus.Registerer
	metrics    *regionMetrics

	closed atomic.Bool
}

// Open creates a region with the given first-segment size and
// alignment, per §6 region_create. align must be a power of two — this
// is checked against the caller's requested value before it is bumped
// up to at least the size of a machine pointer (§4.2), since the bump
// must never launder an invalid align into a valid one. size must be
// >= the (possibly bumped) align and a multiple of it.
func Open(size, align uint64, opts ...RegionOpt) (*Region, error) {
	if !isPowerOfTwo(align) {
		return nil, fmt.Errorf("%w: align %d is not a power of two", ErrInvalidArgument, align)
	}

	r := &Region{
		allocator:    segment.New,
		logger:       log.NewNopLogger(),
		pendingAlloc: make(map[uint32]*segment.Segment),
		pendingFree:  make(map[uint32]*segment.Segment),
		touched:      make(map[uint32]*segment.Segment),
	}
	for _, opt := range opts {
		opt(r)
	}

	align = effectiveAlign(align)
	if size < align || size%align != 0 {
		return nil, fmt.Errorf("%w: size %d must be >= align and a multiple of align %d", ErrInvalidArgument, size, align)
	}
	r.align = align
	r.firstSize = size

	r.metrics = newRegionMetrics(r.metricsReg)

	first, err := r.allocator(1, size, align)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrOutOfMemory, err)
	}
	first.Permanent = true
	r.nextSegID.Store(1)

	segs := (&immutable.SortedMap[uint32, *segment.Segment]{}).Set(first.ID, first)
	r.segments.Store(segs)
	r.metrics.liveSegments.Set(1)
	r.epochStart = time.Now()

	r.batcher = batcher.New(r.commitEpoch)

	level.Info(r.logger).Log("msg", "region opened", "size", size, "align", align)
	return r, nil
}

// effectiveAlign bumps align up to at least the size of a machine
// pointer, the smallest granularity the addressing scheme in §4.2 can
// support.
func effectiveAlign(align uint64) uint64 {
	const ptrSize = uint64(unsafe.Sizeof(uintptr(0)))
	if align < ptrSize {
		return ptrSize
	}
	return align
}

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// FirstAddr returns the stable client address of the region's permanent
// first segment.
func (r *Region) FirstAddr() Addr {
	return segment.MakeAddr(1, 0)
}

// FirstSize returns the first segment's size as given to Open.
func (r *Region) FirstSize() uint64 {
	return r.firstSize
}

// Align returns the region's effective alignment — the transactional
// access granularity.
func (r *Region) Align() uint64 {
	return r.align
}

// Close destroys the region. It returns an error if any transaction is
// still live; the caller is responsible for ensuring that (§6
// region_destroy's "no live transactions" precondition).
func (r *Region) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n := r.liveTx.Load(); n > 0 {
		r.closed.Store(false)
		return fmt.Errorf("%w: %d live transactions", ErrInvalidArgument, n)
	}
	r.batcher.Close()
	level.Info(r.logger).Log("msg", "region closed")
	return nil
}

// loadSegments returns the current immutable segment set.
func (r *Region) loadSegments() *immutable.SortedMap[uint32, *segment.Segment] {
	return r.segments.Load().(*immutable.SortedMap[uint32, *segment.Segment])
}

// lookupSegment resolves a segment id to its live segment, if any is
// currently published.
func (r *Region) lookupSegment(segID uint32) (*segment.Segment, bool) {
	return r.loadSegments().Get(segID)
}

// markTouched records that a segment had a read/write-transaction
// access this epoch, so its words get scanned for reset at the next
// commit step.
func (r *Region) markTouched(s *segment.Segment) {
	r.touchedMu.Lock()
	r.touched[s.ID] = s
	r.touchedMu.Unlock()
}

// publishPending moves a committing transaction's local alloc/free
// lists into the region's epoch-wide pending sets (§4.4 tx_end step).
func (r *Region) publishPending(allocs, frees map[uint32]*segment.Segment) {
	if len(allocs) == 0 && len(frees) == 0 {
		return
	}
	r.pendingMu.Lock()
	for id, s := range allocs {
		r.pendingAlloc[id] = s
	}
	for id, s := range frees {
		r.pendingFree[id] = s
	}
	r.pendingMu.Unlock()
}

// commitEpoch is the batcher's onCommit callback: the epoch commit step
// from §4.4. It runs synchronously on whichever goroutine's Leave call
// drains the last participant out of the epoch, which the batcher
// guarantees happens with no other participant concurrently active.
func (r *Region) commitEpoch(epoch uint64) {
	r.metrics.epochDuration.Observe(time.Since(r.epochStart).Seconds())
	r.epochStart = time.Now()
	r.metrics.epochsAdvanced.Inc()

	r.touchedMu.Lock()
	touched := r.touched
	r.touched = make(map[uint32]*segment.Segment, len(touched))
	r.touchedMu.Unlock()

	for _, s := range touched {
		s.ResetEpoch()
	}

	r.pendingMu.Lock()
	allocs := r.pendingAlloc
	frees := r.pendingFree
	r.pendingAlloc = make(map[uint32]*segment.Segment)
	r.pendingFree = make(map[uint32]*segment.Segment)
	r.pendingMu.Unlock()

	if len(allocs) != 0 || len(frees) != 0 {
		segs := r.loadSegments()
		for id, s := range allocs {
			s.SetState(segment.Live)
			segs = segs.Set(id, s)
		}
		for id, s := range frees {
			if s.Permanent {
				// Can't happen: Tx.Free rejects the permanent segment before
				// it ever reaches a local free list.
				continue
			}
			s.SetState(segment.PendingFree)
			segs = segs.Delete(id)
		}
		r.segments.Store(segs)
		r.metrics.liveSegments.Set(float64(segs.Len()))
	}

	level.Debug(r.logger).Log("msg", "epoch committed", "epoch", epoch,
		"allocated", len(allocs), "freed", len(frees))
}
