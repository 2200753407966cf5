package storage

import (
	"context"
	"sync"

	"github.com/nonlocality/treestore/internal/xlog"
	"github.com/nonlocality/treestore/tree"
)

// inMemoryEntry is the state InMemoryStorage keeps per stored tree.
// heldChildren pins every child referenced by this tree so the
// closed-graph invariant survives GC even while this parent's own
// liveness token has no live holder (a parent that is itself alive,
// whether via an application strong reference or a root, must keep
// its children alive too).
type inMemoryEntry struct {
	tree         tree.HashedTree
	weak         tree.WeakLivenessToken
	heldChildren []*tree.StrongReference
}

// InMemoryStorage is the non-durable engine from spec §4.5: a single
// mutex-guarded map from digest to tree plus liveness bookkeeping.
// Roots are supported but do not survive process exit.
type InMemoryStorage struct {
	mu      sync.Mutex
	entries map[tree.Digest]*inMemoryEntry
	roots   map[string]tree.Digest
	logger  *xlog.Logger
}

// NewInMemoryStorage constructs an empty store.
func NewInMemoryStorage(logger *xlog.Logger) *InMemoryStorage {
	if logger == nil {
		logger = xlog.Discard()
	}
	return &InMemoryStorage{
		entries: make(map[tree.Digest]*inMemoryEntry),
		roots:   make(map[string]tree.Digest),
		logger:  logger.With("component", "in_memory_storage"),
	}
}

// createStrongRefLocked returns a strong reference to an existing
// entry, minting a fresh liveness token if the previous one has
// expired. Callers must hold mu.
func (s *InMemoryStorage) createStrongRefLocked(digest tree.Digest) *tree.StrongReference {
	e := s.entries[digest]
	ref, weak := tree.ReviveOrCreate(digest, e.weak)
	e.weak = weak
	return ref
}

// StoreTree implements spec §4.4.
func (s *InMemoryStorage) StoreTree(ctx context.Context, t tree.HashedTree) (*tree.StrongReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest := t.Digest()
	if _, ok := s.entries[digest]; ok {
		return s.createStrongRefLocked(digest), nil
	}

	children := t.Tree().Children()
	held := make([]*tree.StrongReference, 0, children.Len())
	for i := 0; i < children.Len(); i++ {
		child := children.At(i)
		if _, ok := s.entries[child]; !ok {
			return nil, NewTreeMissing(child)
		}
		held = append(held, s.createStrongRefLocked(child))
	}

	s.entries[digest] = &inMemoryEntry{tree: t, heldChildren: held}
	ref := s.createStrongRefLocked(digest)
	s.logger.Trace("stored tree", "digest", digest, "children", children.Len())
	return ref, nil
}

// LoadTree implements spec §4.4. The in-memory engine already has the
// tree in hand, so it always returns an Immediate DelayedHashedTree.
func (s *InMemoryStorage) LoadTree(ctx context.Context, digest tree.Digest) (tree.StrongDelayedHashedTree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[digest]
	if !ok {
		return tree.StrongDelayedHashedTree{}, NewTreeNotFound(digest)
	}
	ref := s.createStrongRefLocked(digest)
	return tree.StrongDelayedHashedTree{Ref: ref, Tree: tree.Immediate(e.tree)}, nil
}

// ApproximateTreeCount returns the exact live entry count; "exact" is
// a valid "best-effort" answer.
func (s *InMemoryStorage) ApproximateTreeCount(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.entries)), nil
}

// UpdateRoot implements spec §4.x Root semantics: the target must
// already exist.
func (s *InMemoryStorage) UpdateRoot(ctx context.Context, name string, target tree.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[target]; !ok {
		return NewTreeNotFound(target)
	}
	s.roots[name] = target
	return nil
}

// LoadRoot resolves a named root.
func (s *InMemoryStorage) LoadRoot(ctx context.Context, name string) (*tree.StrongReference, tree.Digest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	digest, ok := s.roots[name]
	if !ok {
		return nil, tree.Digest{}, false, nil
	}
	if _, ok := s.entries[digest]; !ok {
		// A root pointing at a digest this engine no longer has is an
		// invariant violation: roots pin their target through GC.
		return nil, tree.Digest{}, false, NewInconsistency(digest, "root target missing from store")
	}
	ref := s.createStrongRefLocked(digest)
	return ref, digest, true, nil
}

// CommitChanges is a no-op for the non-durable engine: there is
// nothing to batch or flush.
func (s *InMemoryStorage) CommitChanges(ctx context.Context) (uint64, error) {
	return 0, nil
}

// CollectSomeGarbage removes entries whose liveness token can no
// longer be upgraded and that are not the target of any root. A
// single pass is acceptable per spec §4.5; removed parents drop their
// held children, which may become collectable on the caller's next
// call.
func (s *InMemoryStorage) CollectSomeGarbage(ctx context.Context) (GarbageCollectionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rootTargets := make(map[tree.Digest]struct{}, len(s.roots))
	for _, d := range s.roots {
		rootTargets[d] = struct{}{}
	}

	var collected uint64
	for digest, e := range s.entries {
		if e.weak.Alive() {
			continue
		}
		if _, isRoot := rootTargets[digest]; isRoot {
			continue
		}
		for _, child := range e.heldChildren {
			child.Release()
		}
		delete(s.entries, digest)
		collected++
	}
	if collected > 0 {
		s.logger.Debug("collected garbage", "trees_collected", collected)
	}
	return GarbageCollectionStats{TreesCollected: collected}, nil
}

var (
	_ StoreTree      = (*InMemoryStorage)(nil)
	_ LoadTree       = (*InMemoryStorage)(nil)
	_ LoadRoot       = (*InMemoryStorage)(nil)
	_ UpdateRoot     = (*InMemoryStorage)(nil)
	_ CommitChanges  = (*InMemoryStorage)(nil)
	_ CollectGarbage = (*InMemoryStorage)(nil)
)
