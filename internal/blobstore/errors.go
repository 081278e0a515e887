// Package blobstore stores opaque binary payloads as ordered fixed-size
// chunks plus an immutable metadata record, keyed by an engine-minted id.
package blobstore

import (
	"errors"
	"fmt"

	"github.com/maneesh/voicevault/internal/chunker"
)

var (
	// ErrNotInitialized is returned by every operation on a Store that was
	// not produced by Initialize.
	ErrNotInitialized = errors.New("blob store not initialized")

	// ErrNotFound indicates no committed blob has the requested id.
	ErrNotFound = errors.New("blob not found")

	// ErrWriteFailure indicates a chunk or metadata write failed; no
	// metadata became visible for the attempt.
	ErrWriteFailure = errors.New("blob write failed")

	// ErrUploadAborted indicates the producer failed or the upload was
	// cancelled before end of stream.
	ErrUploadAborted = errors.New("upload aborted")

	// ErrReadFailure indicates a chunk could not be read back.
	ErrReadFailure = errors.New("blob read failed")

	// ErrDeleteFailure indicates the engine failed while removing a blob.
	ErrDeleteFailure = errors.New("blob delete failed")

	// ErrIntegrityMismatch indicates a chunk's bytes do not match the hash
	// recorded at upload time.
	ErrIntegrityMismatch = chunker.ErrHashMismatch
)

// OpError carries the context of a failed operation. It matches its Kind
// and its underlying cause with errors.Is.
type OpError struct {
	Op       string
	ID       string
	Sequence int // -1 when no single chunk is involved
	Kind     error
	Err      error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.ID != "" {
		msg += " " + e.ID
	}
	if e.Sequence >= 0 {
		msg += fmt.Sprintf(" chunk %d", e.Sequence)
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op, id string, seq int, kind, err error) *OpError {
	return &OpError{Op: op, ID: id, Sequence: seq, Kind: kind, Err: err}
}
