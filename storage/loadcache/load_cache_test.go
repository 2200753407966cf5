package loadcache

import (
	"context"
	"errors"
	"testing"

	"github.com/nonlocality/treestore/storage"
	"github.com/nonlocality/treestore/tree"
)

func leafTree(data string) tree.HashedTree {
	blob, err := tree.NewTreeBlob([]byte(data))
	if err != nil {
		panic(err)
	}
	return tree.HashTree(tree.NewTree(blob, tree.EmptyChildren()))
}

// countingBacking counts how many loads reach the wrapped store.
type countingBacking struct {
	storage.LoadStoreTree
	loads int
}

func (b *countingBacking) LoadTree(ctx context.Context, digest tree.Digest) (tree.StrongDelayedHashedTree, error) {
	b.loads++
	return b.LoadStoreTree.LoadTree(ctx, digest)
}

func TestLoadTreeHitsBackingStoreOnce(t *testing.T) {
	backing := &countingBacking{LoadStoreTree: storage.NewInMemoryStorage(nil)}
	ctx := context.Background()
	leaf := leafTree("cached")
	ref, err := backing.StoreTree(ctx, leaf)
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	defer ref.Release()

	cache, err := New(backing, 16, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		loaded, err := cache.LoadTree(ctx, leaf.Digest())
		if err != nil {
			t.Fatalf("LoadTree iteration %d: %v", i, err)
		}
		hashed, ok := loaded.Tree.Hash()
		loaded.Ref.Release()
		if !ok || !hashed.Equal(leaf) {
			t.Fatalf("iteration %d: did not recover the original tree", i)
		}
	}
	if backing.loads != 1 {
		t.Fatalf("backing store saw %d loads, want 1", backing.loads)
	}
}

// corruptDelayedBacking always returns a Delayed tree whose expected
// digest does not match the tree it wraps, to exercise the cache's
// "verification failure surfaces as TreeNotFound" rule from spec §4.7.
type corruptDelayedBacking struct {
	wrapped tree.Tree
}

func (b *corruptDelayedBacking) StoreTree(ctx context.Context, t tree.HashedTree) (*tree.StrongReference, error) {
	return tree.NewStrongReference(t.Digest()), nil
}

func (b *corruptDelayedBacking) LoadTree(ctx context.Context, digest tree.Digest) (tree.StrongDelayedHashedTree, error) {
	ref := tree.NewStrongReference(digest)
	wrongDigest := tree.Digest{0xde, 0xad}
	return tree.StrongDelayedHashedTree{Ref: ref, Tree: tree.Delayed(b.wrapped, wrongDigest)}, nil
}

func (b *corruptDelayedBacking) ApproximateTreeCount(ctx context.Context) (uint64, error) {
	return 1, nil
}

func TestLoadTreeSurfacesVerificationFailureAsNotFound(t *testing.T) {
	blob, _ := tree.NewTreeBlob([]byte("corrupt"))
	backing := &corruptDelayedBacking{wrapped: tree.NewTree(blob, tree.EmptyChildren())}
	cache, err := New(backing, 16, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cache.LoadTree(context.Background(), tree.Digest{0x01})
	var loadErr *storage.LoadError
	if !errors.As(err, &loadErr) || loadErr.Kind != storage.LoadErrTreeNotFound {
		t.Fatalf("expected TreeNotFound, got %v", err)
	}
}
