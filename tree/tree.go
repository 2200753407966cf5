package tree

import (
	"fmt"
)

// TreeBlob is an immutable byte sequence of at most BlobMax bytes.
// The zero value is the empty blob.
type TreeBlob struct {
	data []byte
}

// ErrBlobTooLong is returned by NewTreeBlob when data exceeds BlobMax.
type ErrBlobTooLong struct {
	Len int
}

func (e *ErrBlobTooLong) Error() string {
	return fmt.Sprintf("tree blob too long: %d bytes (max %d)", e.Len, BlobMax)
}

// NewTreeBlob copies data into a TreeBlob, failing if it is too long.
// This, and NewTreeChildren, are the only places bounds are enforced;
// every other constructor in this package trusts its inputs.
func NewTreeBlob(data []byte) (TreeBlob, error) {
	if len(data) > BlobMax {
		return TreeBlob{}, &ErrBlobTooLong{Len: len(data)}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return TreeBlob{data: cp}, nil
}

// Bytes returns the blob's content. Callers must not mutate it.
func (b TreeBlob) Bytes() []byte {
	return b.data
}

// Len returns the blob length in bytes.
func (b TreeBlob) Len() int {
	return len(b.data)
}

// Equal reports whether two blobs hold identical bytes.
func (b TreeBlob) Equal(other TreeBlob) bool {
	if len(b.data) != len(other.data) {
		return false
	}
	for i := range b.data {
		if b.data[i] != other.data[i] {
			return false
		}
	}
	return true
}

// TreeChildren is an ordered, possibly-duplicated sequence of child
// digests, at most ChildMax long. Order is semantically significant
// and is preserved verbatim into the canonical hash.
type TreeChildren struct {
	refs []Digest
}

// ErrTooManyChildren is returned by NewTreeChildren when refs exceeds
// ChildMax entries.
type ErrTooManyChildren struct {
	Len int
}

func (e *ErrTooManyChildren) Error() string {
	return fmt.Sprintf("too many children: %d (max %d)", e.Len, ChildMax)
}

// NewTreeChildren copies refs into a TreeChildren, failing if there
// are too many.
func NewTreeChildren(refs []Digest) (TreeChildren, error) {
	if len(refs) > ChildMax {
		return TreeChildren{}, &ErrTooManyChildren{Len: len(refs)}
	}
	cp := make([]Digest, len(refs))
	copy(cp, refs)
	return TreeChildren{refs: cp}, nil
}

// EmptyChildren returns the empty TreeChildren value.
func EmptyChildren() TreeChildren {
	return TreeChildren{}
}

// Len returns the number of children.
func (c TreeChildren) Len() int {
	return len(c.refs)
}

// At returns the child digest at i.
func (c TreeChildren) At(i int) Digest {
	return c.refs[i]
}

// Slice returns the children as a slice. Callers must not mutate it.
func (c TreeChildren) Slice() []Digest {
	return c.refs
}

// Equal reports whether two child lists are element-wise equal,
// duplicates and order included.
func (c TreeChildren) Equal(other TreeChildren) bool {
	if len(c.refs) != len(other.refs) {
		return false
	}
	for i := range c.refs {
		if c.refs[i] != other.refs[i] {
			return false
		}
	}
	return true
}

// Tree is an immutable pair of a bounded blob and a bounded ordered
// list of child references.
type Tree struct {
	blob     TreeBlob
	children TreeChildren
}

// NewTree builds a Tree. It is infallible: bounds are enforced by
// TreeBlob/TreeChildren construction, not here.
func NewTree(blob TreeBlob, children TreeChildren) Tree {
	return Tree{blob: blob, children: children}
}

// Blob returns the tree's blob.
func (t Tree) Blob() TreeBlob {
	return t.blob
}

// Children returns the tree's children.
func (t Tree) Children() TreeChildren {
	return t.children
}

// Equal reports whether two trees have equal blobs and child lists.
func (t Tree) Equal(other Tree) bool {
	return t.blob.Equal(other.blob) && t.children.Equal(other.children)
}

// CanonicalHash computes the digest of t per spec §3:
// SHA3-512(u64BE(len(blob)) || blob || u64BE(len(children)) || concat(child_digest)).
// The two length prefixes are frozen wire format: the empty tree's
// digest is SHA3-512 of 16 zero bytes (an empty blob-length prefix
// followed by an empty child-count prefix), which is the authoritative
// reading of the otherwise-identical single "0_u64_BE" field the spec
// prose describes.
func CanonicalHash(t Tree) Digest {
	h := make([]byte, 0, 8+t.blob.Len()+8+t.children.Len()*DigestSize)
	h = appendUint64BE(h, uint64(t.blob.Len()))
	h = append(h, t.blob.Bytes()...)
	h = appendUint64BE(h, uint64(t.children.Len()))
	for _, child := range t.children.refs {
		h = append(h, child[:]...)
	}
	return HashBytes(h)
}

func appendUint64BE(h []byte, v uint64) []byte {
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return append(h, buf[:]...)
}

// HashedTree is a Tree paired with its canonical digest. The only way
// to construct one is HashTree: once built, the pairing is an
// invariant that is never broken by mutation (Tree itself is
// immutable).
type HashedTree struct {
	tree   Tree
	digest Digest
}

// HashTree computes the canonical digest of t and pairs it with t.
func HashTree(t Tree) HashedTree {
	return HashedTree{tree: t, digest: CanonicalHash(t)}
}

// Tree returns the underlying tree.
func (h HashedTree) Tree() Tree {
	return h.tree
}

// Digest returns the verified digest.
func (h HashedTree) Digest() Digest {
	return h.digest
}

// Equal and Less compare HashedTrees by digest only, per spec §3.
func (h HashedTree) Equal(other HashedTree) bool {
	return h.digest == other.digest
}

func (h HashedTree) Less(other HashedTree) bool {
	return h.digest.Less(other.digest)
}

// DelayedHashedTree is either an already-verified HashedTree, or a
// Tree whose digest was merely asserted by a trusted storage layer
// (typically a SQL primary key) and must be verified by calling
// Hash() before the data is trusted.
type DelayedHashedTree struct {
	immediate *HashedTree
	pending   Tree
	expected  Digest
}

// Immediate wraps an already-hashed tree. Use this from untrusted
// callers, or whenever the digest came from hashing the bytes in
// hand rather than from an authoritative source.
func Immediate(h HashedTree) DelayedHashedTree {
	return DelayedHashedTree{immediate: &h}
}

// Delayed defers hashing of t until Hash() is called, asserting that
// its digest will equal expected. Only trusted storage layers that
// learned expected from an authoritative source (e.g. a SQL row key)
// may construct a Delayed value; doing so from untrusted input
// bypasses integrity checking.
func Delayed(t Tree, expected Digest) DelayedHashedTree {
	return DelayedHashedTree{pending: t, expected: expected}
}

// Hash verifies (in the delayed case) or simply returns (in the
// immediate case) the HashedTree. It returns false if a delayed tree's
// actual digest does not match the expected one, signalling storage
// corruption.
func (d DelayedHashedTree) Hash() (HashedTree, bool) {
	if d.immediate != nil {
		return *d.immediate, true
	}
	actual := CanonicalHash(d.pending)
	if actual != d.expected {
		return HashedTree{}, false
	}
	return HashedTree{tree: d.pending, digest: actual}, true
}
