// Package ramsserr defines the sentinel errors shared by every layer of the
// ramssd emulator, so callers can use errors.Is regardless of which package
// raised the failure.
package ramsserr

import "errors"

var (
	// BadAddress means an offset computation fell outside the backing store.
	// It indicates a programming fault in the caller (the FTL), not a
	// recoverable device condition.
	BadAddress = errors.New("ramssd: address out of range")

	// GeometryMismatch means page_main_size is not a multiple of
	// host_page_size. Fatal at construction or on the first operation.
	GeometryMismatch = errors.New("ramssd: page_main_size is not a multiple of host_page_size")

	// BadRequest means an unrecognized req_type reached the dispatcher.
	BadRequest = errors.New("ramssd: unrecognized request type")

	// DoubleIssue means a parallel unit already had a request in flight.
	DoubleIssue = errors.New("ramssd: parallel unit already has a request in flight")

	// IoError wraps a snapshot load/store failure.
	IoError = errors.New("ramssd: snapshot i/o failed")

	// NotInitialized means a snapshot operation ran before the backing store
	// existed.
	NotInitialized = errors.New("ramssd: backing store not initialized")
)
