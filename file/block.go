package file

import (
	"context"

	"github.com/nonlocality/treestore/storage"
	"github.com/nonlocality/treestore/tree"
)

// blockKind distinguishes the three states a Block can be in, per
// spec §3's OpenFileBuffer.Block sum type.
type blockKind int

const (
	blockNotLoaded blockKind = iota
	blockKnownDigest
	blockUnknownDigest
)

// block is one BLOB_MAX-aligned span of a file's content.
//
// notLoaded carries only a digest and a claimed size; the bytes are
// fetched lazily on first read. knownDigest and unknownDigest both
// carry the actual bytes: knownDigest additionally carries the
// digest those bytes hash to, so re-storing it is a cheap lookup
// rather than a re-hash.
type block struct {
	kind   blockKind
	digest tree.Digest
	size   int
	data   []byte
}

func notLoadedBlock(digest tree.Digest, size int) block {
	return block{kind: blockNotLoaded, digest: digest, size: size}
}

func unknownDigestBlock(data []byte) block {
	return block{kind: blockUnknownDigest, size: len(data), data: data}
}

func knownDigestBlock(digest tree.Digest, data []byte) block {
	return block{kind: blockKnownDigest, digest: digest, size: len(data), data: data}
}

func (b block) len() int { return b.size }

func (b block) isLoaded() bool { return b.kind != blockNotLoaded }

// bytes returns the block's content, fetching it from store and
// transitioning the block to knownDigest if it was notLoaded.
func (b *block) bytes(ctx context.Context, store storage.LoadTree) ([]byte, error) {
	if b.kind != blockNotLoaded {
		return b.data, nil
	}
	loaded, err := store.LoadTree(ctx, b.digest)
	if err != nil {
		return nil, err
	}
	hashed, ok := loaded.Tree.Hash()
	if !ok {
		loaded.Ref.Release()
		return nil, storage.NewInconsistency(b.digest, "file block failed digest verification")
	}
	loaded.Ref.Release()
	data := hashed.Tree().Blob().Bytes()
	*b = knownDigestBlock(b.digest, data)
	return b.data, nil
}

// tryStore ensures the block's content is durable. notLoaded and
// knownDigest blocks already have a digest that exists in the store
// (fetched from it, stored by OpenFileBuffer.Write when it placed a
// pre-hashed full block, or stored by an earlier tryStore call), so
// those are a no-op/lookup. unknownDigest blocks are hashed and
// stored only if allowHash is set, matching store_cheap_blocks'
// "never hashes" rule: it calls tryStore with allowHash=false and
// simply skips any block still in unknownDigest state.
func (b *block) tryStore(ctx context.Context, store storage.StoreTree, allowHash bool) (tree.Digest, bool, error) {
	switch b.kind {
	case blockNotLoaded, blockKnownDigest:
		return b.digest, true, nil
	case blockUnknownDigest:
		if !allowHash {
			return tree.Digest{}, false, nil
		}
		blob, err := tree.NewTreeBlob(b.data)
		if err != nil {
			return tree.Digest{}, false, err
		}
		hashed := tree.HashTree(tree.NewTree(blob, tree.EmptyChildren()))
		ref, err := store.StoreTree(ctx, hashed)
		if err != nil {
			return tree.Digest{}, false, err
		}
		ref.Release()
		*b = knownDigestBlock(hashed.Digest(), b.data)
		return hashed.Digest(), true, nil
	default:
		return tree.Digest{}, false, nil
	}
}
