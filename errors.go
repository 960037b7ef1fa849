// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package stm

import "errors"

// Sentinel errors returned at the API boundary. Conflicts are the normal
// path for callers retrying transactions; OutOfMemory and InvalidArgument
// are propagated rather than retried internally.
var (
	// ErrInvalidArgument is returned for bad alignment/size at region
	// creation, freeing the first segment, or an unknown address.
	ErrInvalidArgument = errors.New("stm: invalid argument")

	// ErrOutOfMemory is returned from Open when the first segment
	// can't be allocated, or from Tx.Alloc when a new segment can't be
	// allocated. In the latter case the transaction is not aborted.
	ErrOutOfMemory = errors.New("stm: out of memory")

	// ErrAdmissionFailure is returned from Begin if the batcher can't
	// admit the transaction (e.g. the region is closed).
	ErrAdmissionFailure = errors.New("stm: admission failure")

	// ErrClosed is returned by Region.Begin once the region has been
	// closed.
	ErrClosed = errors.New("stm: region closed")

	// ErrTxDone is returned by Read/Write/Alloc/Free/End called again
	// after a transaction has already ended.
	ErrTxDone = errors.New("stm: transaction already ended")

	// ErrAborted is returned by Read/Write/Free when the access protocol
	// detects a conflict (ConflictAbort, §7), and by any subsequent call
	// and by End on a transaction that aborted that way. A transaction
	// aborted for an invalid argument reports ErrInvalidArgument instead.
	// A nil error from End means committed.
	ErrAborted = errors.New("stm: transaction aborted")
)
