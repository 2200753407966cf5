package storage

import (
	"fmt"

	"github.com/nonlocality/treestore/tree"
)

// LoadErrorKind enumerates the ways a load can fail.
type LoadErrorKind int

const (
	LoadErrStorageBackend LoadErrorKind = iota
	LoadErrTreeNotFound
	LoadErrDeserialization
	LoadErrInconsistency
)

// LoadError is returned by LoadTree and LoadRoot implementations.
// TreeNotFound is an ordinary, expected condition; Deserialization and
// Inconsistency signal storage corruption and must be surfaced, never
// silently recovered from.
type LoadError struct {
	Kind   LoadErrorKind
	Digest tree.Digest
	Reason string
}

func (e *LoadError) Error() string {
	switch e.Kind {
	case LoadErrTreeNotFound:
		return fmt.Sprintf("tree not found: %s", e.Digest)
	case LoadErrDeserialization:
		return fmt.Sprintf("deserialization failed for %s: %s", e.Digest, e.Reason)
	case LoadErrInconsistency:
		return fmt.Sprintf("inconsistency for %s: %s", e.Digest, e.Reason)
	default:
		return fmt.Sprintf("storage backend error: %s", e.Reason)
	}
}

// NewTreeNotFound builds the common "tree not found" LoadError.
func NewTreeNotFound(digest tree.Digest) *LoadError {
	return &LoadError{Kind: LoadErrTreeNotFound, Digest: digest}
}

// NewInconsistency builds an Inconsistency LoadError.
func NewInconsistency(digest tree.Digest, reason string) *LoadError {
	return &LoadError{Kind: LoadErrInconsistency, Digest: digest, Reason: reason}
}

// StoreErrorKind enumerates the ways a store can fail.
type StoreErrorKind int

const (
	StoreErrNoSpace StoreErrorKind = iota
	StoreErrStorageBackend
	StoreErrSerialization
	StoreErrUnrepresentable
	StoreErrTreeMissing
	StoreErrCorruptedStorage
)

// StoreError is returned by StoreTree implementations.
type StoreError struct {
	Kind    StoreErrorKind
	Reason  string
	Missing *LoadError // set when Kind == StoreErrTreeMissing
}

func (e *StoreError) Error() string {
	switch e.Kind {
	case StoreErrNoSpace:
		return "storage substrate exhausted"
	case StoreErrSerialization:
		return fmt.Sprintf("tree serialization error: %s", e.Reason)
	case StoreErrUnrepresentable:
		return "unrepresentable"
	case StoreErrTreeMissing:
		return fmt.Sprintf("tree missing: %s", e.Missing.Error())
	case StoreErrCorruptedStorage:
		return fmt.Sprintf("corrupted storage: %s", e.Reason)
	default:
		return fmt.Sprintf("storage backend error: %s", e.Reason)
	}
}

func (e *StoreError) Unwrap() error {
	if e.Missing != nil {
		return e.Missing
	}
	return nil
}

// NewTreeMissing wraps a missing-child LoadError as the StoreError
// that spec §4.4 step 1 requires: storing a tree whose child does not
// already exist violates the closed-graph invariant.
func NewTreeMissing(child tree.Digest) *StoreError {
	return &StoreError{Kind: StoreErrTreeMissing, Missing: NewTreeNotFound(child)}
}
