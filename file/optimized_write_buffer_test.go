package file

import (
	"bytes"
	"context"
	"testing"

	"github.com/nonlocality/treestore/internal/blockhash"
	"github.com/nonlocality/treestore/tree"
)

func TestOptimizedWriteBufferAlignedWriteHasNoPrefix(t *testing.T) {
	pool := blockhash.New(4)
	data := bytes.Repeat([]byte{0x42}, 2*tree.BlobMax+10)

	w, err := NewOptimizedWriteBuffer(context.Background(), pool, 0, data)
	if err != nil {
		t.Fatalf("NewOptimizedWriteBuffer: %v", err)
	}
	if len(w.Prefix) != 0 {
		t.Fatalf("a write starting at a block boundary should have no prefix, got %d bytes", len(w.Prefix))
	}
	if len(w.FullBlocks) != 2 {
		t.Fatalf("expected 2 full blocks, got %d", len(w.FullBlocks))
	}
	if len(w.Suffix) != 10 {
		t.Fatalf("expected a 10-byte suffix, got %d", len(w.Suffix))
	}
	if w.totalLen() != uint64(len(data)) {
		t.Fatalf("totalLen = %d, want %d", w.totalLen(), len(data))
	}
}

func TestOptimizedWriteBufferUnalignedWriteHasPrefix(t *testing.T) {
	pool := blockhash.New(4)
	offset := uint64(100)
	data := bytes.Repeat([]byte{0x7}, 3*tree.BlobMax)

	w, err := NewOptimizedWriteBuffer(context.Background(), pool, offset, data)
	if err != nil {
		t.Fatalf("NewOptimizedWriteBuffer: %v", err)
	}
	wantPrefix := tree.BlobMax - int(offset)
	if len(w.Prefix) != wantPrefix {
		t.Fatalf("prefix length = %d, want %d", len(w.Prefix), wantPrefix)
	}
	if w.totalLen() != uint64(len(data)) {
		t.Fatalf("totalLen = %d, want %d", w.totalLen(), len(data))
	}
}

func TestOptimizedWriteBufferShortWriteIsAllPrefix(t *testing.T) {
	pool := blockhash.New(4)
	offset := uint64(10)
	data := []byte("short write")

	w, err := NewOptimizedWriteBuffer(context.Background(), pool, offset, data)
	if err != nil {
		t.Fatalf("NewOptimizedWriteBuffer: %v", err)
	}
	if len(w.FullBlocks) != 0 || len(w.Suffix) != 0 {
		t.Fatalf("a write shorter than one block from an unaligned offset should be entirely prefix")
	}
	if !bytes.Equal(w.Prefix, data) {
		t.Fatal("prefix content does not match the input")
	}
}

func TestOptimizedWriteBufferFullBlocksAreHashedCorrectly(t *testing.T) {
	pool := blockhash.New(4)
	block := bytes.Repeat([]byte{0x9}, tree.BlobMax)

	w, err := NewOptimizedWriteBuffer(context.Background(), pool, 0, block)
	if err != nil {
		t.Fatalf("NewOptimizedWriteBuffer: %v", err)
	}
	if len(w.FullBlocks) != 1 {
		t.Fatalf("expected exactly 1 full block, got %d", len(w.FullBlocks))
	}
	blob, err := tree.NewTreeBlob(block)
	if err != nil {
		t.Fatalf("NewTreeBlob: %v", err)
	}
	want := tree.HashTree(tree.NewTree(blob, tree.EmptyChildren())).Digest()
	if w.FullBlocks[0].Digest() != want {
		t.Fatal("full block digest does not match an independently computed canonical hash")
	}
}
