// Package file implements the mutable, block-indexed view of a
// stored byte stream described in spec §4.9-§4.10: OpenFileBuffer
// stages writes in memory, flushes them through segmentedblob, and
// prefetches sequential reads.
package file

import (
	"context"
	"fmt"
	"time"

	"github.com/tilinna/clock"

	"github.com/nonlocality/treestore/internal/blockhash"
	"github.com/nonlocality/treestore/segmentedblob"
	"github.com/nonlocality/treestore/storage"
	"github.com/nonlocality/treestore/tree"
)

// OpenFileBuffer is the in-memory representation of one open file. It
// is not safe for concurrent use by multiple goroutines without an
// external lock; callers that share one across goroutines (the
// WebDAV façade, for instance) own that synchronization themselves.
type OpenFileBuffer struct {
	store storage.LoadStoreTree
	clk   clock.Clock
	pool  *blockhash.Pool

	writeBufferBlocks int

	loaded          bool
	notLoadedDigest tree.Digest
	notLoadedSize   uint64

	size                uint64
	blocks              []block
	digestUpToDate      bool
	lastKnownDigest     tree.Digest
	lastKnownDigestSize uint64
	dirtyBlocks         []int
	prefetcher          *Prefetcher
	modTime             time.Time
}

// Open constructs an OpenFileBuffer over an existing digest/size pair,
// deferring materialization until the first read or write.
func Open(store storage.LoadStoreTree, clk clock.Clock, pool *blockhash.Pool, writeBufferBlocks int, digest tree.Digest, size uint64) *OpenFileBuffer {
	if clk == nil {
		clk = clock.Realtime
	}
	return &OpenFileBuffer{
		store:             store,
		clk:               clk,
		pool:              pool,
		writeBufferBlocks: writeBufferBlocks,
		notLoadedDigest:   digest,
		notLoadedSize:     size,
		size:              size,
	}
}

// New constructs an OpenFileBuffer for a brand-new, empty file.
func New(store storage.LoadStoreTree, clk clock.Clock, pool *blockhash.Pool, writeBufferBlocks int) *OpenFileBuffer {
	f := Open(store, clk, pool, writeBufferBlocks, tree.Digest{}, 0)
	f.loaded = true
	f.blocks = []block{unknownDigestBlock(nil)}
	f.digestUpToDate = false
	f.prefetcher = NewPrefetcher(0)
	return f
}

func (f *OpenFileBuffer) ensureLoaded(ctx context.Context) error {
	if f.loaded {
		return nil
	}
	if f.notLoadedSize <= uint64(tree.BlobMax) {
		f.blocks = []block{notLoadedBlock(f.notLoadedDigest, int(f.notLoadedSize))}
	} else {
		leaves, segSize, err := segmentedblob.Load(ctx, f.store, f.notLoadedDigest)
		if err != nil {
			return err
		}
		if segSize != f.notLoadedSize {
			return &Error{Kind: ErrSegmentedBlobSizeMismatch, Digest: f.notLoadedDigest, InnerSize: segSize, OuterSize: f.notLoadedSize}
		}
		blocks := make([]block, len(leaves))
		remaining := segSize
		for i, d := range leaves {
			sz := uint64(tree.BlobMax)
			if remaining < sz {
				sz = remaining
			}
			blocks[i] = notLoadedBlock(d, int(sz))
			remaining -= sz
		}
		f.blocks = blocks
	}
	f.size = f.notLoadedSize
	f.lastKnownDigest = f.notLoadedDigest
	f.lastKnownDigestSize = f.notLoadedSize
	f.digestUpToDate = true
	f.loaded = true
	f.prefetcher = NewPrefetcher(0)
	return nil
}

// Size returns the file's current length.
func (f *OpenFileBuffer) Size() uint64 { return f.size }

// ModTime returns the timestamp of the most recent write or truncate.
func (f *OpenFileBuffer) ModTime() time.Time { return f.modTime }

// Digest returns the most recently computed digest and whether it is
// still up to date with the buffer's content.
func (f *OpenFileBuffer) Digest() (tree.Digest, bool) {
	return f.lastKnownDigest, f.digestUpToDate
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// Read implements spec §4.9's read algorithm. It returns at most the
// bytes available in the first block touched by [position, position+count);
// callers needing more must iterate.
func (f *OpenFileBuffer) Read(ctx context.Context, position, count uint64) ([]byte, error) {
	if err := f.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	first := int(position / uint64(tree.BlobMax))
	if first >= len(f.blocks) {
		return nil, nil
	}
	lastExclusive := ceilDiv(position+count, uint64(tree.BlobMax))
	last := int(lastExclusive)
	if last > len(f.blocks) {
		last = len(f.blocks)
	}
	last--

	toLoad := f.prefetcher.Plan(first, last, len(f.blocks), func(i int) bool { return f.blocks[i].isLoaded() })
	for _, idx := range toLoad {
		if _, err := f.blocks[idx].bytes(ctx, f.store); err != nil {
			// Prefetch is best-effort: a failure here must not fail the
			// caller's actual read.
			continue
		}
	}

	data, err := f.blocks[first].bytes(ctx, f.store)
	if err != nil {
		return nil, err
	}
	off := int(position % uint64(tree.BlobMax))
	if off > len(data) {
		return nil, nil
	}
	end := off + int(count)
	if end > len(data) {
		end = len(data)
	}
	return data[off:end], nil
}

func (f *OpenFileBuffer) markDirty(idx int) {
	f.dirtyBlocks = append(f.dirtyBlocks, idx)
}

// Write implements spec §4.9's write algorithm.
func (f *OpenFileBuffer) Write(ctx context.Context, position uint64, w *OptimizedWriteBuffer) error {
	if err := f.ensureLoaded(ctx); err != nil {
		return err
	}

	if len(f.dirtyBlocks) >= f.writeBufferBlocks {
		if err := f.storeCheapBlocksLocked(ctx); err != nil {
			return err
		}
		if len(f.dirtyBlocks) >= f.writeBufferBlocks/2 {
			if _, err := f.storeAllLocked(ctx); err != nil {
				return err
			}
		}
	}

	f.digestUpToDate = false
	totalWriteLen := w.totalLen()
	if position+totalWriteLen > f.size {
		f.size = position + totalWriteLen
	}
	f.modTime = f.clk.Now()

	firstBlockIndex := int(position / uint64(tree.BlobMax))
	if firstBlockIndex >= len(f.blocks) {
		if len(f.blocks) > 0 {
			lastIdx := len(f.blocks) - 1
			data, err := f.blocks[lastIdx].bytes(ctx, f.store)
			if err != nil {
				return err
			}
			padded := make([]byte, tree.BlobMax)
			copy(padded, data)
			f.blocks[lastIdx] = unknownDigestBlock(padded)
			f.markDirty(lastIdx)
		}
		for len(f.blocks) < firstBlockIndex {
			f.blocks = append(f.blocks, unknownDigestBlock(make([]byte, tree.BlobMax)))
			f.markDirty(len(f.blocks) - 1)
		}
	}

	idx := firstBlockIndex
	if len(w.Prefix) > 0 {
		offset := int(position % uint64(tree.BlobMax))
		if err := f.writeIntoBlock(ctx, idx, offset, w.Prefix); err != nil {
			return err
		}
		idx++
	}
	for _, fb := range w.FullBlocks {
		ref, err := f.store.StoreTree(ctx, fb)
		if err != nil {
			return err
		}
		ref.Release()
		if idx < len(f.blocks) {
			f.blocks[idx] = knownDigestBlock(fb.Digest(), fb.Tree().Blob().Bytes())
		} else {
			f.blocks = append(f.blocks, knownDigestBlock(fb.Digest(), fb.Tree().Blob().Bytes()))
		}
		f.markDirty(idx)
		idx++
	}
	if len(w.Suffix) > 0 {
		if err := f.writeIntoBlock(ctx, idx, 0, w.Suffix); err != nil {
			return err
		}
		idx++
	}

	return nil
}

// writeIntoBlock overlays data at offset within block idx, creating or
// extending the block as needed, and marks it dirty.
func (f *OpenFileBuffer) writeIntoBlock(ctx context.Context, idx, offset int, data []byte) error {
	var existing []byte
	if idx < len(f.blocks) {
		var err error
		existing, err = f.blocks[idx].bytes(ctx, f.store)
		if err != nil {
			return err
		}
	}
	need := offset + len(data)
	if need > tree.BlobMax {
		need = tree.BlobMax
	}
	if need < len(existing) {
		need = len(existing)
	}
	buf := make([]byte, need)
	copy(buf, existing)
	copy(buf[offset:], data)

	if idx < len(f.blocks) {
		f.blocks[idx] = unknownDigestBlock(buf)
	} else {
		f.blocks = append(f.blocks, unknownDigestBlock(buf))
	}
	f.markDirty(idx)
	return nil
}

// checkIntegrity enforces spec §4.9's invariant: every block but the
// last must be exactly BLOB_MAX bytes long.
func (f *OpenFileBuffer) checkIntegrity() error {
	for i := 0; i < len(f.blocks)-1; i++ {
		if f.blocks[i].len() != tree.BlobMax {
			return fmt.Errorf("file buffer invariant violated: block %d has length %d, want %d", i, f.blocks[i].len(), tree.BlobMax)
		}
	}
	return nil
}

// StoreCheapBlocks stores every dirty block whose digest is already
// known (or was never loaded), without hashing anything.
func (f *OpenFileBuffer) StoreCheapBlocks(ctx context.Context) error {
	if err := f.ensureLoaded(ctx); err != nil {
		return err
	}
	return f.storeCheapBlocksLocked(ctx)
}

func (f *OpenFileBuffer) storeCheapBlocksLocked(ctx context.Context) error {
	if err := f.checkIntegrity(); err != nil {
		return err
	}
	remaining := f.dirtyBlocks[:0:0]
	for _, idx := range f.dirtyBlocks {
		if _, stored, err := f.blocks[idx].tryStore(ctx, f.store, false); err != nil {
			return err
		} else if !stored {
			remaining = append(remaining, idx)
		}
	}
	f.dirtyBlocks = remaining
	return f.checkIntegrity()
}

// StoreAll implements spec §4.9's store_all: every block is hashed
// and stored, the file's digest is recomputed (directly if there is a
// single block, otherwise via a segmented blob), and dirty_blocks is
// cleared. It returns whether anything actually changed.
func (f *OpenFileBuffer) StoreAll(ctx context.Context) (bool, error) {
	if err := f.ensureLoaded(ctx); err != nil {
		return false, err
	}
	return f.storeAllLocked(ctx)
}

func (f *OpenFileBuffer) storeAllLocked(ctx context.Context) (bool, error) {
	if err := f.checkIntegrity(); err != nil {
		return false, err
	}
	changed := !f.digestUpToDate || len(f.dirtyBlocks) > 0

	digests := make([]tree.Digest, len(f.blocks))
	sizes := make([]uint64, len(f.blocks))
	for i := range f.blocks {
		d, _, err := f.blocks[i].tryStore(ctx, f.store, true)
		if err != nil {
			return false, err
		}
		digests[i] = d
		sizes[i] = uint64(f.blocks[i].len())
	}

	var fileDigest tree.Digest
	if len(digests) == 1 {
		fileDigest = digests[0]
	} else {
		d, err := segmentedblob.Save(ctx, f.store, digests, sizes, tree.ChildMax)
		if err != nil {
			return false, err
		}
		fileDigest = d
	}

	f.lastKnownDigest = fileDigest
	f.lastKnownDigestSize = f.size
	f.digestUpToDate = true
	f.dirtyBlocks = nil

	if err := f.checkIntegrity(); err != nil {
		return false, err
	}
	return changed, nil
}

// Truncate implements spec §4.9's truncate: the buffer becomes a
// single empty block. last_known_digest/last_known_digest_size are
// left untouched so a caller comparing against them can still observe
// that the file content changed before the next store_all recomputes
// them.
func (f *OpenFileBuffer) Truncate(ctx context.Context) error {
	if err := f.ensureLoaded(ctx); err != nil {
		return err
	}
	f.blocks = []block{unknownDigestBlock(nil)}
	f.size = 0
	f.digestUpToDate = false
	f.dirtyBlocks = []int{0}
	f.modTime = f.clk.Now()
	return nil
}

// DropCaches releases the in-memory bytes of every block whose digest
// is already known, reverting them to NotLoaded. Blocks holding
// unhashed writes are never dropped, since that would lose data.
func (f *OpenFileBuffer) DropCaches() {
	for i := range f.blocks {
		if f.blocks[i].kind == blockKnownDigest {
			f.blocks[i] = notLoadedBlock(f.blocks[i].digest, f.blocks[i].size)
		}
	}
}
