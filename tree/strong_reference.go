package tree

import (
	"runtime"
	"sync/atomic"
)

// livenessToken is the shared refcount behind every StrongReference
// cloned from the same origin. Storage engines observe it through a
// WeakLivenessToken rather than holding the token itself, so that a
// reference being dropped never requires the engine's cooperation.
type livenessToken struct {
	refcount int64
}

func newLivenessToken() *livenessToken {
	return &livenessToken{refcount: 1}
}

func (t *livenessToken) alive() bool {
	return atomic.LoadInt64(&t.refcount) > 0
}

func (t *livenessToken) retain() {
	atomic.AddInt64(&t.refcount, 1)
}

// release decrements the refcount and reports the value after
// decrementing.
func (t *livenessToken) release() int64 {
	return atomic.AddInt64(&t.refcount, -1)
}

// WeakLivenessToken is the handle a storage engine keeps to find out,
// without pinning anything itself, whether any application-level
// StrongReference to a digest is still alive. Garbage collection
// attempts to "upgrade" it by checking Alive(); a dead token means no
// caller holds that digest via a strong reference (though a root or a
// parent's held-child edge may still pin it).
type WeakLivenessToken struct {
	token *livenessToken
}

// Alive reports whether the token's refcount is still above zero.
func (w WeakLivenessToken) Alive() bool {
	return w.token != nil && w.token.alive()
}

// StrongReference pins a digest against garbage collection for as
// long as any clone of it is live. Two references are equal and
// ordered by digest alone, regardless of which call site produced
// them.
//
// Go has no deterministic destructors, so unlike the Rust original
// this type exposes an explicit Release method (the normal Go idiom,
// as with os.File or sync.Pool.Put) and additionally registers a
// runtime finalizer as a safety net: if a caller forgets to call
// Release, the reference is still dropped once the Go garbage
// collector notices it is unreachable — at an unspecified time, which
// matches spec §5's "GC MUST NOT assume drops are visible
// immediately."
type StrongReference struct {
	digest   Digest
	token    *livenessToken
	released int32
}

func newStrongReference(digest Digest, token *livenessToken) *StrongReference {
	ref := &StrongReference{digest: digest, token: token}
	runtime.SetFinalizer(ref, (*StrongReference).Release)
	return ref
}

// NewStrongReference creates a fresh strong reference with a new
// liveness token. Storage engines call this when inserting a digest
// for the first time.
func NewStrongReference(digest Digest) *StrongReference {
	return newStrongReference(digest, newLivenessToken())
}

// Digest returns the pinned digest.
func (r *StrongReference) Digest() Digest {
	return r.digest
}

// Clone returns a new handle to the same digest, sharing the same
// liveness token and incrementing its refcount.
func (r *StrongReference) Clone() *StrongReference {
	r.token.retain()
	return newStrongReference(r.digest, r.token)
}

// Release drops this handle. It is idempotent: calling it twice (or
// letting the finalizer call it after an explicit Release) only
// decrements the refcount once.
func (r *StrongReference) Release() {
	if atomic.CompareAndSwapInt32(&r.released, 0, 1) {
		runtime.SetFinalizer(r, nil)
		r.token.release()
	}
}

// Weak returns a weak handle a storage engine can use to observe this
// reference's liveness without pinning it.
func (r *StrongReference) Weak() WeakLivenessToken {
	return WeakLivenessToken{token: r.token}
}

// Equal reports whether two references name the same digest.
func (r *StrongReference) Equal(other *StrongReference) bool {
	return r.digest == other.digest
}

// Less orders references by digest.
func (r *StrongReference) Less(other *StrongReference) bool {
	return r.digest.Less(other.digest)
}

// reviveOrCreate returns a fresh StrongReference for digest, reusing
// weak if it can still be upgraded (another live holder exists
// in-process) or minting a brand new token otherwise. It is used by
// storage engines implementing the "refresh on re-store" rule in spec
// §4.4 step 2.
func reviveOrCreate(digest Digest, weak WeakLivenessToken) (*StrongReference, WeakLivenessToken) {
	if weak.token != nil && weak.token.alive() {
		weak.token.retain()
		return newStrongReference(digest, weak.token), weak
	}
	token := newLivenessToken()
	return newStrongReference(digest, token), WeakLivenessToken{token: token}
}

// ReviveOrCreate is the exported form of reviveOrCreate for storage
// engines living in other packages.
func ReviveOrCreate(digest Digest, weak WeakLivenessToken) (*StrongReference, WeakLivenessToken) {
	return reviveOrCreate(digest, weak)
}

// StrongDelayedHashedTree pairs a StrongReference with a
// DelayedHashedTree, as returned by LoadTree implementations: the
// reference pins the digest for as long as the caller holds it.
type StrongDelayedHashedTree struct {
	Ref  *StrongReference
	Tree DelayedHashedTree
}
