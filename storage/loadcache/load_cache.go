// Package loadcache implements the bounded, recency-ordered read
// cache from spec §4.7, layered over any LoadStoreTree backing store
// so that cache hits still return valid strong references and the
// delayed-hashing invariant is preserved.
package loadcache

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/nonlocality/treestore/internal/xlog"
	"github.com/nonlocality/treestore/storage"
	"github.com/nonlocality/treestore/tree"
)

// cachedEntry keeps the verified tree plus a strong reference the
// cache itself holds. Evicting an entry releases that reference but
// never deletes anything from the backing store; once no other strong
// reference, root or parent edge pins the digest, the backing store's
// own GC may reclaim it.
type cachedEntry struct {
	hashed tree.HashedTree
	ref    *tree.StrongReference
}

// Cache is a fixed-capacity LRU in front of a backing LoadStoreTree.
//
// The strong reference a Cache holds for each cached entry keeps that
// tree from being collected while it is cached. Two Caches built over
// the same backing store share no entries and never invalidate each
// other, so they can observe different views until eviction.
type Cache struct {
	backing storage.LoadStoreTree
	cache   *lru.Cache
	group   singleflight.Group
	mu      sync.Mutex
	logger  *xlog.Logger
}

// New creates a Cache with room for maxEntries trees.
func New(backing storage.LoadStoreTree, maxEntries int, logger *xlog.Logger) (*Cache, error) {
	if logger == nil {
		logger = xlog.Discard()
	}
	c := &Cache{backing: backing, logger: logger.With("component", "load_cache")}
	evictCache, err := lru.NewWithEvict(maxEntries, c.onEvicted)
	if err != nil {
		return nil, err
	}
	c.cache = evictCache
	return c, nil
}

func (c *Cache) onEvicted(key interface{}, value interface{}) {
	entry := value.(*cachedEntry)
	entry.ref.Release()
}

// StoreTree delegates unchanged to the backing store.
func (c *Cache) StoreTree(ctx context.Context, t tree.HashedTree) (*tree.StrongReference, error) {
	return c.backing.StoreTree(ctx, t)
}

// ApproximateTreeCount delegates unchanged to the backing store.
func (c *Cache) ApproximateTreeCount(ctx context.Context) (uint64, error) {
	return c.backing.ApproximateTreeCount(ctx)
}

// LoadTree returns a cached copy when available, otherwise loads from
// the backing store, verifies it, and populates the cache.
//
// Concurrent loads of the same digest are coalesced with singleflight
// so a cache stampede does not hit the backing store once per
// goroutine; each caller still receives its own cloned strong
// reference.
func (c *Cache) LoadTree(ctx context.Context, digest tree.Digest) (tree.StrongDelayedHashedTree, error) {
	c.mu.Lock()
	if v, ok := c.cache.Get(digest); ok {
		entry := v.(*cachedEntry)
		ref := entry.ref.Clone()
		c.mu.Unlock()
		return tree.StrongDelayedHashedTree{Ref: ref, Tree: tree.Immediate(entry.hashed)}, nil
	}
	c.mu.Unlock()

	result, err, _ := c.group.Do(digest.String(), func() (interface{}, error) {
		loaded, err := c.backing.LoadTree(ctx, digest)
		if err != nil {
			return nil, err
		}
		hashed, ok := loaded.Tree.Hash()
		if !ok {
			loaded.Ref.Release()
			// A delayed hash that fails verification never reaches a
			// caller as corruption here: per spec §4.7 it surfaces as
			// a plain not-found, since the cache layer cannot tell a
			// storage-corrupted digest from one that a racing GC has
			// already reclaimed.
			return nil, storage.NewTreeNotFound(digest)
		}

		c.mu.Lock()
		entry := &cachedEntry{hashed: hashed, ref: loaded.Ref}
		c.cache.Add(digest, entry)
		c.mu.Unlock()

		return entry, nil
	})
	if err != nil {
		return tree.StrongDelayedHashedTree{}, err
	}

	entry := result.(*cachedEntry)
	c.mu.Lock()
	ref := entry.ref.Clone()
	c.mu.Unlock()
	return tree.StrongDelayedHashedTree{Ref: ref, Tree: tree.Immediate(entry.hashed)}, nil
}

var (
	_ storage.LoadStoreTree = (*Cache)(nil)
)
