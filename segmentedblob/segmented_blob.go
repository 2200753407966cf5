// Package segmentedblob implements spec §4.8's encoding of an
// arbitrarily large byte stream as a bounded tree: a single leaf when
// the stream fits in one blob, otherwise a (possibly multi-level)
// index tree whose blob carries the total size and whose children are
// the segments, in order.
package segmentedblob

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nonlocality/treestore/storage"
	"github.com/nonlocality/treestore/tree"
)

// ErrUnrepresentable is returned by Save when given zero segments:
// there is no tree that can represent an empty stream distinctly from
// an empty single leaf, so the caller must store that leaf itself.
var ErrUnrepresentable = errors.New("segmented blob: cannot represent zero segments")

// headerBlob computes the size_in_bytes blob an index tree carries.
//
// The original encodes this header with postcard, a single-field
// struct serializer with no Go ecosystem equivalent in this pack; a
// big-endian uint64 carries the same one field without inventing a
// fake dependency to stand in for postcard.
func headerBlob(totalSize uint64) (tree.TreeBlob, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], totalSize)
	return tree.NewTreeBlob(buf[:])
}

func decodeHeader(blob tree.TreeBlob) (uint64, error) {
	data := blob.Bytes()
	if len(data) != 8 {
		return 0, fmt.Errorf("segmented blob header must be 8 bytes, got %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// Save implements spec §4.8's save algorithm. segments and
// segmentSizes are parallel slices: segments[i] must already exist in
// store (store_tree enforces the closed-graph invariant on every
// index tree this builds), and segmentSizes[i] is the number of
// content bytes segments[i] represents.
func Save(ctx context.Context, store storage.StoreTree, segments []tree.Digest, segmentSizes []uint64, maxChildrenPerTree int) (tree.Digest, error) {
	if len(segments) != len(segmentSizes) {
		return tree.Digest{}, fmt.Errorf("segmented blob: %d segments but %d sizes", len(segments), len(segmentSizes))
	}
	if len(segments) == 0 {
		return tree.Digest{}, ErrUnrepresentable
	}
	if len(segments) == 1 {
		return segments[0], nil
	}

	var total uint64
	for _, s := range segmentSizes {
		total += s
	}

	if len(segments) <= maxChildrenPerTree {
		return storeIndex(ctx, store, segments, total)
	}

	// The tree is left-biased: earlier segments live under earlier
	// inner nodes, since chunking and recursion both preserve order.
	var groupDigests []tree.Digest
	var groupSizes []uint64
	for start := 0; start < len(segments); start += maxChildrenPerTree {
		end := start + maxChildrenPerTree
		if end > len(segments) {
			end = len(segments)
		}
		groupTotal := uint64(0)
		for _, s := range segmentSizes[start:end] {
			groupTotal += s
		}
		digest, err := Save(ctx, store, segments[start:end], segmentSizes[start:end], maxChildrenPerTree)
		if err != nil {
			return tree.Digest{}, err
		}
		groupDigests = append(groupDigests, digest)
		groupSizes = append(groupSizes, groupTotal)
	}
	return Save(ctx, store, groupDigests, groupSizes, maxChildrenPerTree)
}

func storeIndex(ctx context.Context, store storage.StoreTree, children []tree.Digest, total uint64) (tree.Digest, error) {
	blob, err := headerBlob(total)
	if err != nil {
		return tree.Digest{}, err
	}
	childList, err := tree.NewTreeChildren(children)
	if err != nil {
		return tree.Digest{}, err
	}
	hashed := tree.HashTree(tree.NewTree(blob, childList))
	ref, err := store.StoreTree(ctx, hashed)
	if err != nil {
		return tree.Digest{}, err
	}
	ref.Release()
	return hashed.Digest(), nil
}

// Load implements spec §4.8's load algorithm: it returns the ordered
// leaf segment digests making up root, plus the stream's total size.
func Load(ctx context.Context, store storage.LoadTree, root tree.Digest) ([]tree.Digest, uint64, error) {
	hashed, children, err := loadVerified(ctx, store, root)
	if err != nil {
		return nil, 0, err
	}
	if children.Len() == 0 {
		return []tree.Digest{root}, uint64(hashed.Tree().Blob().Len()), nil
	}

	size, err := decodeHeader(hashed.Tree().Blob())
	if err != nil {
		return nil, 0, storage.NewInconsistency(root, err.Error())
	}

	var leaves []tree.Digest
	for i := 0; i < children.Len(); i++ {
		sub, err := flatten(ctx, store, children.At(i))
		if err != nil {
			return nil, 0, err
		}
		leaves = append(leaves, sub...)
	}
	return leaves, size, nil
}

// flatten recursively expands digest into its leaf segment digests:
// a childless tree IS a leaf; anything else is an inner index node
// whose children are flattened in turn.
func flatten(ctx context.Context, store storage.LoadTree, digest tree.Digest) ([]tree.Digest, error) {
	_, children, err := loadVerified(ctx, store, digest)
	if err != nil {
		return nil, err
	}
	if children.Len() == 0 {
		return []tree.Digest{digest}, nil
	}
	var leaves []tree.Digest
	for i := 0; i < children.Len(); i++ {
		sub, err := flatten(ctx, store, children.At(i))
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, sub...)
	}
	return leaves, nil
}

func loadVerified(ctx context.Context, store storage.LoadTree, digest tree.Digest) (tree.HashedTree, tree.TreeChildren, error) {
	loaded, err := store.LoadTree(ctx, digest)
	if err != nil {
		return tree.HashedTree{}, tree.TreeChildren{}, err
	}
	defer loaded.Ref.Release()

	hashed, ok := loaded.Tree.Hash()
	if !ok {
		return tree.HashedTree{}, tree.TreeChildren{}, storage.NewInconsistency(digest, "segmented blob node failed digest verification")
	}
	return hashed, hashed.Tree().Children(), nil
}
