// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

// Addr is an opaque client-facing address. It packs a segment id and a
// byte offset within that segment's logical byte array so that, given an
// Addr and a length, the owning segment and the covered word range can
// be recovered in O(1) without any unsafe pointer arithmetic — one of
// the addressing schemes the design notes call out as viable.
type Addr uint64

// NoAddr is the invalid/zero address; no valid segment ever starts at
// word 0 of segment id 0 *and* reports NoAddr, because segment ids are
// assigned starting at 1.
const NoAddr Addr = 0

// MakeAddr packs a segment id and byte offset into an Addr. segID must
// fit in 32 bits (region segment ids are monotonic counters, never
// expected to wrap) and offset must fit in 32 bits (bounded by segment
// size, itself bounded by allocation size).
func MakeAddr(segID uint32, offset uint32) Addr {
	return Addr(uint64(segID)<<32 | uint64(offset))
}

// SegmentID returns the id of the segment this address was synthesized
// from.
func (a Addr) SegmentID() uint32 {
	return uint32(a >> 32)
}

// Offset returns the byte offset within the owning segment's logical
// byte array.
func (a Addr) Offset() uint32 {
	return uint32(a)
}
