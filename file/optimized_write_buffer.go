package file

import (
	"context"

	"github.com/nonlocality/treestore/internal/blockhash"
	"github.com/nonlocality/treestore/tree"
)

// OptimizedWriteBuffer is the pre-decomposed form of a write, per spec
// §4.9: a short prefix and suffix (each under BLOB_MAX, aligned to the
// first full block boundary at or after the write position) plus zero
// or more exactly-BLOB_MAX-sized full blocks, already hashed in
// parallel so write() itself never blocks on hashing.
type OptimizedWriteBuffer struct {
	Prefix     []byte
	FullBlocks []tree.HashedTree
	Suffix     []byte
}

// NewOptimizedWriteBuffer decomposes data, to be written starting at
// position, into prefix/full/suffix spans and hashes every full block
// concurrently through pool.
func NewOptimizedWriteBuffer(ctx context.Context, pool *blockhash.Pool, position uint64, data []byte) (*OptimizedWriteBuffer, error) {
	offset := int(position % uint64(tree.BlobMax))

	prefixLen := 0
	if offset != 0 {
		prefixLen = tree.BlobMax - offset
		if prefixLen > len(data) {
			prefixLen = len(data)
		}
	}
	prefix := data[:prefixLen]
	rest := data[prefixLen:]

	fullCount := len(rest) / tree.BlobMax
	rawBlocks := make([][]byte, fullCount)
	for i := 0; i < fullCount; i++ {
		rawBlocks[i] = rest[i*tree.BlobMax : (i+1)*tree.BlobMax]
	}
	suffix := rest[fullCount*tree.BlobMax:]

	hashed, err := pool.HashAll(ctx, rawBlocks)
	if err != nil {
		return nil, err
	}

	return &OptimizedWriteBuffer{Prefix: prefix, FullBlocks: hashed, Suffix: suffix}, nil
}

// totalLen is the number of content bytes this write covers.
func (w *OptimizedWriteBuffer) totalLen() uint64 {
	return uint64(len(w.Prefix)) + uint64(len(w.FullBlocks))*uint64(tree.BlobMax) + uint64(len(w.Suffix))
}
