// Package tree implements the content-addressed tree model: bounded
// blobs, bounded fan-out child lists, canonical SHA3-512 hashing, and
// the strong-reference liveness protocol that storage engines use to
// pin trees against garbage collection.
package tree

import (
	"bytes"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// DigestSize is the width of a SHA3-512 output in bytes.
const DigestSize = 64

// BlobMax is the largest a TreeBlob may be.
const BlobMax = 64000

// ChildMax is the largest a TreeChildren list may be.
const ChildMax = 1000

// Digest identifies a Tree by the SHA3-512 hash of its canonical
// encoding. The zero Digest never occurs as a real hash (it would
// require a second-preimage) and is used as a sentinel by callers
// that need one.
type Digest [DigestSize]byte

// HashBytes returns the SHA3-512 digest of data.
func HashBytes(data []byte) Digest {
	return Digest(sha3.Sum512(data))
}

// String renders the digest as lowercase hex, matching spec §3's
// Display rule.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Less orders digests by byte value, giving Digest a total order.
func (d Digest) Less(other Digest) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

// Compare returns -1, 0, or 1 the way bytes.Compare does.
func (d Digest) Compare(other Digest) int {
	return bytes.Compare(d[:], other[:])
}

// IsZero reports whether d is the all-zero sentinel value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// DigestFromBytes copies b into a Digest. It returns false if b is not
// exactly DigestSize bytes long.
func DigestFromBytes(b []byte) (Digest, bool) {
	var d Digest
	if len(b) != DigestSize {
		return d, false
	}
	copy(d[:], b)
	return d, true
}
