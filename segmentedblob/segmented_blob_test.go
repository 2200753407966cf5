package segmentedblob

import (
	"bytes"
	"context"
	"testing"

	"github.com/nonlocality/treestore/storage"
	"github.com/nonlocality/treestore/tree"
)

func storeSegment(t *testing.T, s storage.LoadStoreTree, data []byte) tree.Digest {
	t.Helper()
	blob, err := tree.NewTreeBlob(data)
	if err != nil {
		t.Fatalf("NewTreeBlob: %v", err)
	}
	hashed := tree.HashTree(tree.NewTree(blob, tree.EmptyChildren()))
	ref, err := s.StoreTree(context.Background(), hashed)
	if err != nil {
		t.Fatalf("StoreTree: %v", err)
	}
	ref.Release()
	return hashed.Digest()
}

func loadLeafBytes(t *testing.T, s storage.LoadStoreTree, digest tree.Digest) []byte {
	t.Helper()
	loaded, err := s.LoadTree(context.Background(), digest)
	if err != nil {
		t.Fatalf("LoadTree: %v", err)
	}
	defer loaded.Ref.Release()
	hashed, ok := loaded.Tree.Hash()
	if !ok {
		t.Fatal("leaf failed digest verification")
	}
	return hashed.Tree().Blob().Bytes()
}

func TestSaveLoadSingleSegmentPassesThrough(t *testing.T) {
	s := storage.NewInMemoryStorage(nil)
	ctx := context.Background()
	data := []byte("a single segment")
	seg := storeSegment(t, s, data)

	root, err := Save(ctx, s, []tree.Digest{seg}, []uint64{uint64(len(data))}, 5)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if root != seg {
		t.Fatal("a single segment must pass through unchanged, not wrap an index tree around it")
	}

	leaves, size, err := Load(ctx, s, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if size != uint64(len(data)) {
		t.Fatalf("size = %d, want %d", size, len(data))
	}
	if len(leaves) != 1 || leaves[0] != seg {
		t.Fatalf("leaves = %v, want [%v]", leaves, seg)
	}
}

func TestSaveLoadWithinBoundIsOneIndexTree(t *testing.T) {
	s := storage.NewInMemoryStorage(nil)
	ctx := context.Background()

	var segs []tree.Digest
	var sizes []uint64
	want := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, data := range want {
		segs = append(segs, storeSegment(t, s, data))
		sizes = append(sizes, uint64(len(data)))
	}

	root, err := Save(ctx, s, segs, sizes, 5)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	leaves, size, err := Load(ctx, s, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var totalWant uint64
	for _, data := range want {
		totalWant += uint64(len(data))
	}
	if size != totalWant {
		t.Fatalf("size = %d, want %d", size, totalWant)
	}
	if len(leaves) != len(segs) {
		t.Fatalf("got %d leaves, want %d", len(leaves), len(segs))
	}
	for i, l := range leaves {
		if l != segs[i] {
			t.Fatalf("leaf %d = %v, want %v (order must be preserved)", i, l, segs[i])
		}
		if !bytes.Equal(loadLeafBytes(t, s, l), want[i]) {
			t.Fatalf("leaf %d content mismatch", i)
		}
	}
}

// TestSaveLoadTwoLevelFanOut reproduces the spec's "5+1" scenario:
// six equal-size segments with maxChildrenPerTree=5 force a two-level
// tree (an inner index over the first five, and an outer index over
// that inner digest plus the sixth segment), with order preserved end
// to end.
func TestSaveLoadTwoLevelFanOut(t *testing.T) {
	s := storage.NewInMemoryStorage(nil)
	ctx := context.Background()

	const segmentSize = 100
	const numSegments = 6
	const maxChildrenPerTree = 5

	var segs []tree.Digest
	var sizes []uint64
	for i := 0; i < numSegments; i++ {
		data := bytes.Repeat([]byte{byte(i)}, segmentSize)
		segs = append(segs, storeSegment(t, s, data))
		sizes = append(sizes, segmentSize)
	}

	root, err := Save(ctx, s, segs, sizes, maxChildrenPerTree)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.LoadTree(ctx, root)
	if err != nil {
		t.Fatalf("LoadTree root: %v", err)
	}
	hashed, ok := loaded.Tree.Hash()
	loaded.Ref.Release()
	if !ok {
		t.Fatal("root failed digest verification")
	}
	if hashed.Tree().Children().Len() != 2 {
		t.Fatalf("outer index should have exactly 2 children (inner group + passthrough segment), got %d",
			hashed.Tree().Children().Len())
	}

	leaves, size, err := Load(ctx, s, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if size != uint64(numSegments*segmentSize) {
		t.Fatalf("size = %d, want %d", size, numSegments*segmentSize)
	}
	if len(leaves) != numSegments {
		t.Fatalf("got %d leaves, want %d", len(leaves), numSegments)
	}
	for i, l := range leaves {
		if l != segs[i] {
			t.Fatalf("leaf %d out of order: got %v, want %v", i, l, segs[i])
		}
	}
}

func TestSaveRejectsZeroSegments(t *testing.T) {
	s := storage.NewInMemoryStorage(nil)
	ctx := context.Background()
	_, err := Save(ctx, s, nil, nil, 5)
	if err != ErrUnrepresentable {
		t.Fatalf("expected ErrUnrepresentable, got %v", err)
	}
}
