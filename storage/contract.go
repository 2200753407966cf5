package storage

import (
	"context"

	"github.com/nonlocality/treestore/tree"
)

// StoreTree ingests an already-hashed, immutable Tree and returns a
// StrongReference that pins it. Every child digest referenced by the
// tree must already exist in the store; otherwise the closed-graph
// invariant is violated and the call fails with a StoreError wrapping
// NewTreeMissing.
type StoreTree interface {
	StoreTree(ctx context.Context, t tree.HashedTree) (*tree.StrongReference, error)
}

// LoadTree looks a digest up by value. The in-memory engine always
// returns an Immediate DelayedHashedTree; the SQL engine returns a
// Delayed one whose expected digest came from its primary key.
type LoadTree interface {
	LoadTree(ctx context.Context, digest tree.Digest) (tree.StrongDelayedHashedTree, error)
	ApproximateTreeCount(ctx context.Context) (uint64, error)
}

// LoadStoreTree is the combined read/write surface that most
// collaborators (the load cache, the file editor) depend on.
type LoadStoreTree interface {
	StoreTree
	LoadTree
}

// LoadRoot resolves a named mutable root to its current target
// digest, pinning it with a strong reference. The bool is false if no
// root with that name exists.
type LoadRoot interface {
	LoadRoot(ctx context.Context, name string) (*tree.StrongReference, tree.Digest, bool, error)
}

// UpdateRoot repoints a named root at a target that must already
// exist in the store.
type UpdateRoot interface {
	UpdateRoot(ctx context.Context, name string, target tree.Digest) error
}

// GarbageCollectionStats summarizes one GC sweep.
type GarbageCollectionStats struct {
	TreesCollected uint64
}

// CollectGarbage runs one cooperative GC pass: trees with no
// surviving strong reference, root, or parent edge are removed.
type CollectGarbage interface {
	CollectSomeGarbage(ctx context.Context) (GarbageCollectionStats, error)
}

// CommitChanges is a durability barrier: everything written through
// StoreTree/UpdateRoot before the call completed is durable once it
// returns. It reports how many writes were batched; 0 when idle.
type CommitChanges interface {
	CommitChanges(ctx context.Context) (uint64, error)
}
