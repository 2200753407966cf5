package file

import (
	"fmt"

	"github.com/nonlocality/treestore/tree"
)

// Error is the editor-layer error surface from spec §7: invariant
// violations detected while materializing or flushing an
// OpenFileBuffer. These are always surfaced, never retried.
type Error struct {
	Kind      ErrorKind
	Digest    tree.Digest
	InnerSize uint64
	OuterSize uint64
}

// ErrorKind enumerates the ways the file buffer layer can fail.
type ErrorKind int

const (
	// ErrSegmentedBlobSizeMismatch: a segmented blob's header size
	// disagreed with the size recorded by its caller.
	ErrSegmentedBlobSizeMismatch ErrorKind = iota
	// ErrFileSizeMismatch: the root's size did not match what the
	// buffer was told to expect when materializing from a digest.
	ErrFileSizeMismatch
	// ErrTooManyReferences: a segmented blob flattened to more leaf
	// segments than the caller's bound allows.
	ErrTooManyReferences
)

func (e *Error) Error() string {
	switch e.Kind {
	case ErrSegmentedBlobSizeMismatch:
		return fmt.Sprintf("segmented blob size mismatch for %s: inner=%d outer=%d", e.Digest, e.InnerSize, e.OuterSize)
	case ErrFileSizeMismatch:
		return fmt.Sprintf("file size mismatch for %s: expected %d, segmented blob reports %d", e.Digest, e.OuterSize, e.InnerSize)
	case ErrTooManyReferences:
		return fmt.Sprintf("too many references under %s", e.Digest)
	default:
		return "file buffer error"
	}
}
