// Package sqlitestore is the durable SQL-backed storage engine from
// spec §4.6: transactional writes, per-blob LZ4 compression, and
// automatic garbage collection triggered by additional-root growth.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pborman/uuid"

	"github.com/nonlocality/treestore/internal/xlog"
	"github.com/nonlocality/treestore/storage"
	"github.com/nonlocality/treestore/tree"
)

// gcThreshold and gcDoublingFactor implement the "threshold 100,
// doubling" heuristic from spec §9: chosen to amortise GC cost
// against steady-state insert rate.
const (
	gcThreshold      = 100
	gcDoublingFactor = 2
)

const schema = `
CREATE TABLE IF NOT EXISTS tree (
	id INTEGER PRIMARY KEY,
	digest BLOB UNIQUE NOT NULL CHECK(length(digest) = 64),
	tree_blob BLOB NOT NULL CHECK(length(tree_blob) <= 64000),
	is_compressed INTEGER NOT NULL CHECK(is_compressed IN (0, 1))
);
CREATE TABLE IF NOT EXISTS reference (
	id INTEGER PRIMARY KEY,
	origin INTEGER NOT NULL REFERENCES tree(id) ON DELETE CASCADE,
	zero_based_index INTEGER NOT NULL,
	target BLOB NOT NULL CHECK(length(target) = 64),
	UNIQUE(origin, zero_based_index)
);
CREATE TABLE IF NOT EXISTS root (
	id INTEGER PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	target BLOB NOT NULL CHECK(length(target) = 64)
);
CREATE INDEX IF NOT EXISTS reference_origin ON reference(origin);
CREATE INDEX IF NOT EXISTS reference_target ON reference(target);
`

var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA cache_size = -200000",
	"PRAGMA journal_mode = WAL",
	"PRAGMA temp_store = MEMORY",
}

// execer is the subset of *sql.DB / *sql.Tx this package needs. Using
// it lets every query run against whichever is the ambient execution
// context at the time, without caring which.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// rootEntry is one additional-root bookkeeping slot: the SQL row id
// backing a digest, a weak handle on the StrongReference that was
// handed out for it, and the session id (spec §9's "explicit
// keep-alive set indexed by a session id" design option) minted when
// the entry is created; nothing in this package reads it back.
type rootEntry struct {
	treeID    int64
	weak      tree.WeakLivenessToken
	sessionID string
}

// Storage is the durable SQL-backed engine.
type Storage struct {
	mu              sync.Mutex
	db              *sql.DB
	tx              *sql.Tx
	pendingWrites   uint64
	additionalRoots map[tree.Digest]*rootEntry
	lastGCSize      int
	gcTempReady     bool
	logger          *xlog.Logger
}

// Open opens (creating if necessary) a SQLite database at path and
// applies the schema and PRAGMAs from spec §4.6.
func Open(path string, logger *xlog.Logger) (*Storage, error) {
	if logger == nil {
		logger = xlog.Discard()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single pooled connection keeps every statement on one SQLite
	// connection, which is what lets the ambient write transaction and
	// ordinary reads safely interleave under the storage-wide mutex
	// without the connection pool trying to hand out a second,
	// would-block connection mid critical-section.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Storage{
		db:              db,
		additionalRoots: make(map[tree.Digest]*rootEntry),
		logger:          logger.With("component", "sqlite_storage"),
	}, nil
}

// Close releases the underlying database handle, rolling back any
// open ambient transaction first.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	return s.db.Close()
}

func (s *Storage) ex() execer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// beginWriteLocked starts the ambient write transaction if none is
// open yet, and returns it. Callers must hold s.mu.
func (s *Storage) beginWriteLocked(ctx context.Context) (*sql.Tx, error) {
	if s.tx == nil {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		s.tx = tx
	}
	return s.tx, nil
}

// CommitChanges is the durability barrier from spec §5: every write
// whose StoreTree/UpdateRoot call completed before this returns is
// durable afterward. Idle calls return 0.
func (s *Storage) CommitChanges(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return 0, nil
	}
	n := s.pendingWrites
	if err := s.tx.Commit(); err != nil {
		s.tx = nil
		s.pendingWrites = 0
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.tx = nil
	s.pendingWrites = 0
	return n, nil
}

// acquireAdditionalRootLocked returns a strong reference to digest,
// reviving the existing additional-root entry's token if it is still
// alive, or minting a fresh one otherwise, and records treeID. Callers
// must hold s.mu.
func (s *Storage) acquireAdditionalRootLocked(digest tree.Digest, treeID int64) *tree.StrongReference {
	e, ok := s.additionalRoots[digest]
	if !ok {
		ref := tree.NewStrongReference(digest)
		s.additionalRoots[digest] = &rootEntry{treeID: treeID, weak: ref.Weak(), sessionID: uuid.New()}
		return ref
	}
	ref, weak := tree.ReviveOrCreate(digest, e.weak)
	e.weak = weak
	e.treeID = treeID
	return ref
}

// maybeAutoGCLocked implements spec §4.6's automatic GC trigger.
// Callers must hold s.mu.
func (s *Storage) maybeAutoGCLocked(ctx context.Context) error {
	n := len(s.additionalRoots)
	if n >= gcThreshold && n > gcDoublingFactor*s.lastGCSize {
		if _, err := s.collectSomeGarbageLocked(ctx); err != nil {
			return err
		}
		s.lastGCSize = len(s.additionalRoots)
	}
	return nil
}

// StoreTree implements spec §4.6's store_tree algorithm.
func (s *Storage) StoreTree(ctx context.Context, t tree.HashedTree) (*tree.StrongReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest := t.Digest()

	var existingID int64
	err := s.ex().QueryRowContext(ctx, `SELECT id FROM tree WHERE digest = ?`, digest[:]).Scan(&existingID)
	switch {
	case err == nil:
		ref := s.acquireAdditionalRootLocked(digest, existingID)
		if err := s.maybeAutoGCLocked(ctx); err != nil {
			return nil, err
		}
		return ref, nil
	case err != sql.ErrNoRows:
		return nil, &storage.StoreError{Kind: storage.StoreErrStorageBackend, Reason: err.Error()}
	}

	blob := t.Tree().Blob().Bytes()
	stored, isCompressed, err := compressIfBeneficial(blob)
	if err != nil {
		return nil, &storage.StoreError{Kind: storage.StoreErrStorageBackend, Reason: err.Error()}
	}

	tx, err := s.beginWriteLocked(ctx)
	if err != nil {
		return nil, &storage.StoreError{Kind: storage.StoreErrStorageBackend, Reason: err.Error()}
	}

	if _, err := tx.ExecContext(ctx, "SAVEPOINT store_tree"); err != nil {
		return nil, &storage.StoreError{Kind: storage.StoreErrStorageBackend, Reason: err.Error()}
	}
	abort := func() {
		tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT store_tree")
		tx.ExecContext(ctx, "RELEASE SAVEPOINT store_tree")
	}

	compressedFlag := 0
	if isCompressed {
		compressedFlag = 1
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO tree(digest, tree_blob, is_compressed) VALUES(?, ?, ?)`,
		digest[:], stored, compressedFlag)
	if err != nil {
		abort()
		return nil, &storage.StoreError{Kind: storage.StoreErrStorageBackend, Reason: err.Error()}
	}
	treeID, err := res.LastInsertId()
	if err != nil {
		abort()
		return nil, &storage.StoreError{Kind: storage.StoreErrStorageBackend, Reason: err.Error()}
	}
	s.pendingWrites++

	children := t.Tree().Children()
	for i := 0; i < children.Len(); i++ {
		child := children.At(i)
		// The SELECT ... WHERE digest = ? clause (rather than a plain
		// literal insert) is what makes a missing child insert zero
		// rows instead of silently succeeding: it is the store's only
		// enforcement of the closed-graph invariant.
		res, err := tx.ExecContext(ctx,
			`INSERT INTO reference(origin, zero_based_index, target) SELECT ?, ?, digest FROM tree WHERE digest = ?`,
			treeID, i, child[:])
		if err != nil {
			abort()
			return nil, &storage.StoreError{Kind: storage.StoreErrStorageBackend, Reason: err.Error()}
		}
		n, err := res.RowsAffected()
		if err != nil {
			abort()
			return nil, &storage.StoreError{Kind: storage.StoreErrStorageBackend, Reason: err.Error()}
		}
		switch {
		case n == 0:
			abort()
			return nil, storage.NewTreeMissing(child)
		case n > 1:
			abort()
			return nil, &storage.StoreError{
				Kind:   storage.StoreErrCorruptedStorage,
				Reason: fmt.Sprintf("digest %s matched more than one tree row", child),
			}
		}
		s.pendingWrites++
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT store_tree"); err != nil {
		return nil, &storage.StoreError{Kind: storage.StoreErrStorageBackend, Reason: err.Error()}
	}

	ref := s.acquireAdditionalRootLocked(digest, treeID)
	s.logger.Trace("stored tree", "digest", digest, "children", children.Len(), "compressed", isCompressed)
	if err := s.maybeAutoGCLocked(ctx); err != nil {
		return nil, err
	}
	return ref, nil
}

// LoadTree implements spec §4.6's load_tree algorithm.
func (s *Storage) LoadTree(ctx context.Context, digest tree.Digest) (tree.StrongDelayedHashedTree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	var blob []byte
	var isCompressedInt int
	err := s.ex().QueryRowContext(ctx, `SELECT id, tree_blob, is_compressed FROM tree WHERE digest = ?`, digest[:]).
		Scan(&id, &blob, &isCompressedInt)
	if err == sql.ErrNoRows {
		return tree.StrongDelayedHashedTree{}, storage.NewTreeNotFound(digest)
	}
	if err != nil {
		return tree.StrongDelayedHashedTree{}, &storage.LoadError{Kind: storage.LoadErrStorageBackend, Digest: digest, Reason: err.Error()}
	}

	plain, err := decompressBlob(blob, isCompressedInt == 1)
	if err != nil {
		return tree.StrongDelayedHashedTree{}, storage.NewInconsistency(digest, err.Error())
	}
	treeBlob, err := tree.NewTreeBlob(plain)
	if err != nil {
		return tree.StrongDelayedHashedTree{}, storage.NewInconsistency(digest, err.Error())
	}

	// Hold an additional root for the parent for the duration of child
	// resolution, so a concurrent GC sweep cannot reclaim it mid-load.
	ref := s.acquireAdditionalRootLocked(digest, id)

	rows, err := s.ex().QueryContext(ctx,
		`SELECT zero_based_index, target FROM reference WHERE origin = ? ORDER BY zero_based_index`, id)
	if err != nil {
		ref.Release()
		return tree.StrongDelayedHashedTree{}, &storage.LoadError{Kind: storage.LoadErrStorageBackend, Digest: digest, Reason: err.Error()}
	}

	var children []tree.Digest
	expectedIdx := 0
	for rows.Next() {
		var zidx int
		var target []byte
		if err := rows.Scan(&zidx, &target); err != nil {
			rows.Close()
			ref.Release()
			return tree.StrongDelayedHashedTree{}, &storage.LoadError{Kind: storage.LoadErrStorageBackend, Digest: digest, Reason: err.Error()}
		}
		if zidx != expectedIdx {
			rows.Close()
			ref.Release()
			return tree.StrongDelayedHashedTree{}, storage.NewInconsistency(digest, fmt.Sprintf("reference indices out of order: expected %d, got %d", expectedIdx, zidx))
		}
		if expectedIdx >= tree.ChildMax {
			rows.Close()
			ref.Release()
			return tree.StrongDelayedHashedTree{}, storage.NewInconsistency(digest, fmt.Sprintf("tree has too many children: %d", expectedIdx+1))
		}
		childDigest, ok := tree.DigestFromBytes(target)
		if !ok {
			rows.Close()
			ref.Release()
			return tree.StrongDelayedHashedTree{}, storage.NewInconsistency(digest, "malformed child digest")
		}
		children = append(children, childDigest)
		expectedIdx++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		ref.Release()
		return tree.StrongDelayedHashedTree{}, &storage.LoadError{Kind: storage.LoadErrStorageBackend, Digest: digest, Reason: err.Error()}
	}
	rows.Close()

	for _, child := range children {
		var childID int64
		if err := s.ex().QueryRowContext(ctx, `SELECT id FROM tree WHERE digest = ?`, child[:]).Scan(&childID); err != nil {
			ref.Release()
			return tree.StrongDelayedHashedTree{}, storage.NewInconsistency(digest, fmt.Sprintf("child %s missing from tree table", child))
		}
		// Acquired purely to refresh the additional-roots bookkeeping;
		// this call does not keep the child pinned beyond the
		// surviving reference row itself.
		s.acquireAdditionalRootLocked(child, childID).Release()
	}

	childList, err := tree.NewTreeChildren(children)
	if err != nil {
		ref.Release()
		return tree.StrongDelayedHashedTree{}, storage.NewInconsistency(digest, err.Error())
	}
	pending := tree.NewTree(treeBlob, childList)

	return tree.StrongDelayedHashedTree{Ref: ref, Tree: tree.Delayed(pending, digest)}, nil
}

// ApproximateTreeCount is a best-effort row count.
func (s *Storage) ApproximateTreeCount(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	if err := s.ex().QueryRowContext(ctx, `SELECT COUNT(*) FROM tree`).Scan(&n); err != nil {
		return 0, &storage.LoadError{Kind: storage.LoadErrStorageBackend, Reason: err.Error()}
	}
	return n, nil
}

// UpdateRoot implements spec §4.6's update_root algorithm.
func (s *Storage) UpdateRoot(ctx context.Context, name string, target tree.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var targetID int64
	err := s.ex().QueryRowContext(ctx, `SELECT id FROM tree WHERE digest = ?`, target[:]).Scan(&targetID)
	if err == sql.ErrNoRows {
		return storage.NewTreeNotFound(target)
	}
	if err != nil {
		return &storage.LoadError{Kind: storage.LoadErrStorageBackend, Digest: target, Reason: err.Error()}
	}

	tx, err := s.beginWriteLocked(ctx)
	if err != nil {
		return &storage.LoadError{Kind: storage.LoadErrStorageBackend, Reason: err.Error()}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO root(name, target) VALUES(?, ?)`, name, target[:]); err != nil {
		return &storage.LoadError{Kind: storage.LoadErrStorageBackend, Reason: err.Error()}
	}
	s.pendingWrites++
	return nil
}

// LoadRoot implements spec §4.6's load_root algorithm.
func (s *Storage) LoadRoot(ctx context.Context, name string) (*tree.StrongReference, tree.Digest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var treeID int64
	var target []byte
	err := s.ex().QueryRowContext(ctx,
		`SELECT tree.id, root.target FROM root JOIN tree ON tree.digest = root.target WHERE root.name = ?`, name).
		Scan(&treeID, &target)
	if err == sql.ErrNoRows {
		return nil, tree.Digest{}, false, nil
	}
	if err != nil {
		return nil, tree.Digest{}, false, &storage.LoadError{Kind: storage.LoadErrStorageBackend, Reason: err.Error()}
	}
	digest, ok := tree.DigestFromBytes(target)
	if !ok {
		return nil, tree.Digest{}, false, storage.NewInconsistency(tree.Digest{}, "malformed root target")
	}
	ref := s.acquireAdditionalRootLocked(digest, treeID)
	return ref, digest, true, nil
}

// CollectSomeGarbage implements spec §4.6's GC algorithm.
func (s *Storage) CollectSomeGarbage(ctx context.Context) (storage.GarbageCollectionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectSomeGarbageLocked(ctx)
}

func (s *Storage) collectSomeGarbageLocked(ctx context.Context) (storage.GarbageCollectionStats, error) {
	if !s.gcTempReady {
		if _, err := s.ex().ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS gc_new_tree(tree_id INTEGER UNIQUE)`); err != nil {
			return storage.GarbageCollectionStats{}, fmt.Errorf("materialize gc_new_tree: %w", err)
		}
		s.gcTempReady = true
	}

	// Ride along in the ambient write transaction if one is already
	// open (this single-connection engine cannot open a second,
	// concurrent one); otherwise run GC in its own short transaction.
	ownTx := false
	tx := s.tx
	if tx == nil {
		var err error
		tx, err = s.db.BeginTx(ctx, nil)
		if err != nil {
			return storage.GarbageCollectionStats{}, err
		}
		ownTx = true
	}

	fail := func(err error) (storage.GarbageCollectionStats, error) {
		if ownTx {
			tx.Rollback()
		}
		return storage.GarbageCollectionStats{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM gc_new_tree`); err != nil {
		return fail(err)
	}

	for digest, e := range s.additionalRoots {
		if !e.weak.Alive() {
			delete(s.additionalRoots, digest)
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO gc_new_tree(tree_id) VALUES(?)`, e.treeID); err != nil {
			return fail(err)
		}
	}

	res, err := tx.ExecContext(ctx, `
DELETE FROM tree
WHERE NOT EXISTS (SELECT 1 FROM reference WHERE reference.target = tree.digest)
  AND id NOT IN (SELECT tree_id FROM gc_new_tree)
  AND NOT EXISTS (SELECT 1 FROM root WHERE root.target = tree.digest)
`)
	if err != nil {
		return fail(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fail(err)
	}

	if ownTx {
		if err := tx.Commit(); err != nil {
			return storage.GarbageCollectionStats{}, err
		}
	}

	if n > 0 {
		s.logger.Debug("collected garbage", "trees_collected", n)
	}
	return storage.GarbageCollectionStats{TreesCollected: uint64(n)}, nil
}

var (
	_ storage.StoreTree      = (*Storage)(nil)
	_ storage.LoadTree       = (*Storage)(nil)
	_ storage.LoadRoot       = (*Storage)(nil)
	_ storage.UpdateRoot     = (*Storage)(nil)
	_ storage.CommitChanges  = (*Storage)(nil)
	_ storage.CollectGarbage = (*Storage)(nil)
)
