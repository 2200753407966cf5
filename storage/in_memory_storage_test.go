package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/nonlocality/treestore/tree"
)

func leafTree(data string) tree.HashedTree {
	blob, err := tree.NewTreeBlob([]byte(data))
	if err != nil {
		panic(err)
	}
	return tree.HashTree(tree.NewTree(blob, tree.EmptyChildren()))
}

func TestStoreTreeFailsOnMissingChild(t *testing.T) {
	s := NewInMemoryStorage(nil)
	ctx := context.Background()

	missingChild := leafTree("nonexistent").Digest()
	children, _ := tree.NewTreeChildren([]tree.Digest{missingChild})
	parentBlob, _ := tree.NewTreeBlob([]byte("parent"))
	parent := tree.HashTree(tree.NewTree(parentBlob, children))

	_, err := s.StoreTree(ctx, parent)
	var storeErr *StoreError
	if !errors.As(err, &storeErr) || storeErr.Kind != StoreErrTreeMissing {
		t.Fatalf("expected TreeMissing, got %v", err)
	}
}

func TestStoreThenLoadRoundTrips(t *testing.T) {
	s := NewInMemoryStorage(nil)
	ctx := context.Background()

	child := leafTree("ref")
	childRef, err := s.StoreTree(ctx, child)
	if err != nil {
		t.Fatalf("store child: %v", err)
	}

	children, _ := tree.NewTreeChildren([]tree.Digest{child.Digest()})
	parentBlob, _ := tree.NewTreeBlob([]byte("test 123"))
	parent := tree.HashTree(tree.NewTree(parentBlob, children))

	parentRef, err := s.StoreTree(ctx, parent)
	if err != nil {
		t.Fatalf("store parent: %v", err)
	}
	defer parentRef.Release()
	defer childRef.Release()

	loaded, err := s.LoadTree(ctx, parent.Digest())
	if err != nil {
		t.Fatalf("load parent: %v", err)
	}
	defer loaded.Ref.Release()

	hashed, ok := loaded.Tree.Hash()
	if !ok {
		t.Fatal("loaded tree failed verification")
	}
	if !hashed.Equal(parent) {
		t.Fatal("round-tripped tree does not match what was stored")
	}

	n, err := s.CommitChanges(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = n // in-memory engine's commit is a no-op barrier; 0 is valid here
}

func TestStoreTreeIsIdempotent(t *testing.T) {
	s := NewInMemoryStorage(nil)
	ctx := context.Background()
	leaf := leafTree("idempotent")

	ref1, err := s.StoreTree(ctx, leaf)
	if err != nil {
		t.Fatalf("first store: %v", err)
	}
	before, _ := s.ApproximateTreeCount(ctx)

	ref2, err := s.StoreTree(ctx, leaf)
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	after, _ := s.ApproximateTreeCount(ctx)

	if after != before {
		t.Fatalf("approximate_tree_count grew on a duplicate store: %d -> %d", before, after)
	}
	if !ref1.Equal(ref2) {
		t.Fatal("duplicate stores of the same tree should yield equal references")
	}
	ref1.Release()
	ref2.Release()
}

func TestGCLifecycleWithoutRoot(t *testing.T) {
	s := NewInMemoryStorage(nil)
	ctx := context.Background()
	leaf := leafTree("gc me")

	ref, err := s.StoreTree(ctx, leaf)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ref.Release()

	stats, err := s.CollectSomeGarbage(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if stats.TreesCollected != 1 {
		t.Fatalf("trees_collected = %d, want 1", stats.TreesCollected)
	}
}

func TestGCLifecycleWithRootPinning(t *testing.T) {
	s := NewInMemoryStorage(nil)
	ctx := context.Background()
	leaf := leafTree("pinned by root")

	ref, err := s.StoreTree(ctx, leaf)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.UpdateRoot(ctx, "test", leaf.Digest()); err != nil {
		t.Fatalf("update_root: %v", err)
	}
	ref.Release()

	stats, err := s.CollectSomeGarbage(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if stats.TreesCollected != 0 {
		t.Fatalf("trees_collected = %d, want 0 (root should pin it)", stats.TreesCollected)
	}

	rootRef, digest, ok, err := s.LoadRoot(ctx, "test")
	if err != nil || !ok {
		t.Fatalf("load_root: ok=%v err=%v", ok, err)
	}
	defer rootRef.Release()
	if digest != leaf.Digest() {
		t.Fatal("load_root returned the wrong digest")
	}
}

func TestGCRespectsLiveStrongReference(t *testing.T) {
	s := NewInMemoryStorage(nil)
	ctx := context.Background()
	leaf := leafTree("held")

	ref, err := s.StoreTree(ctx, leaf)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer ref.Release()

	stats, err := s.CollectSomeGarbage(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if stats.TreesCollected != 0 {
		t.Fatalf("trees_collected = %d, want 0 while a strong reference is held", stats.TreesCollected)
	}
}

func TestLoadTreeNotFound(t *testing.T) {
	s := NewInMemoryStorage(nil)
	ctx := context.Background()
	_, err := s.LoadTree(ctx, tree.Digest{0xff})
	var loadErr *LoadError
	if !errors.As(err, &loadErr) || loadErr.Kind != LoadErrTreeNotFound {
		t.Fatalf("expected TreeNotFound, got %v", err)
	}
}
