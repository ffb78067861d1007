// Package sqlitestore implements the store contract on SQLite.
//
// It is the durable local store: documents, revision trees, the change
// log, and replication checkpoints all live in one database file and
// survive process restarts. The database runs in WAL mode so readers
// proceed concurrently with writes.
//
// Layout:
//   - revisions: one row per revision (the per-document tree arena),
//     bodies encoded as CBOR blobs
//   - changes: one row per document at its latest sequence (AUTOINCREMENT
//     keeps sequences strictly increasing across delete/re-insert)
//   - checkpoints: replication progress per direction
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/driftlabs/driftdb/pkg/revtree"
	"github.com/driftlabs/driftdb/pkg/store"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS revisions (
	doc_id      TEXT NOT NULL,
	gen         INTEGER NOT NULL,
	hash        TEXT NOT NULL,
	parent_gen  INTEGER NOT NULL DEFAULT 0,
	parent_hash TEXT NOT NULL DEFAULT '',
	deleted     INTEGER NOT NULL DEFAULT 0,
	body        BLOB,
	PRIMARY KEY (doc_id, gen, hash)
);

CREATE TABLE IF NOT EXISTS changes (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	doc_id  TEXT NOT NULL UNIQUE,
	gen     INTEGER NOT NULL,
	hash    TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id         TEXT PRIMARY KEY,
	source_seq INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

var decMode cbor.DecMode

func init() {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

// Store is a SQLite-backed document store.
type Store struct {
	db   *sql.DB
	path string

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

var _ store.Store = (*Store)(nil)
var _ store.Watchable = (*Store)(nil)
var _ store.CheckpointStore = (*Store)(nil)

// Open opens (or creates) the database at path and initializes the
// schema. The caller must Close the store when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{
		db:       db,
		path:     path,
		locks:    make(map[string]*sync.Mutex),
		watchers: make(map[chan struct{}]struct{}),
	}, nil
}

// docLock returns the in-process write lock for id. SQLite serializes
// writers globally; this lock serializes the read-modify-write of one
// document's tree without blocking writers of unrelated documents at the
// application level.
func (s *Store) docLock(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

func (s *Store) loadTree(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, id string) (*revtree.Tree, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT gen, hash, parent_gen, parent_hash, deleted FROM revisions WHERE doc_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load revision tree for %q: %w", id, err)
	}
	defer rows.Close()

	var revs []revtree.Rev
	for rows.Next() {
		var r revtree.Rev
		var deleted int
		if err := rows.Scan(&r.ID.Gen, &r.ID.Hash, &r.Parent.Gen, &r.Parent.Hash, &deleted); err != nil {
			return nil, fmt.Errorf("failed to scan revision row: %w", err)
		}
		r.Deleted = deleted != 0
		revs = append(revs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read revision rows: %w", err)
	}
	if len(revs) == 0 {
		return nil, nil
	}

	tree, err := revtree.FromRevs(revs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCorruptTree, err)
	}
	return tree, nil
}

// writeRevision inserts one revision row and refreshes the document's
// change entry inside tx. The change entry always carries the winning
// revision after the write.
func (s *Store) writeRevision(ctx context.Context, tx *sql.Tx, id string, rev revtree.Rev, body store.Body, tree *revtree.Tree) error {
	var blob []byte
	if body != nil {
		var err error
		blob, err = cbor.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode body for %q: %w", id, err)
		}
	}

	deleted := 0
	if rev.Deleted {
		deleted = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO revisions (doc_id, gen, hash, parent_gen, parent_hash, deleted, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, rev.ID.Gen, rev.ID.Hash, rev.Parent.Gen, rev.Parent.Hash, deleted, blob)
	if err != nil {
		return fmt.Errorf("failed to insert revision %s of %q: %w", rev.ID, id, err)
	}

	winner, _ := tree.Winner()
	winnerDeleted := 0
	if winner.Deleted {
		winnerDeleted = 1
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM changes WHERE doc_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear change entry for %q: %w", id, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO changes (doc_id, gen, hash, deleted) VALUES (?, ?, ?, ?)`,
		id, winner.ID.Gen, winner.ID.Hash, winnerDeleted)
	if err != nil {
		return fmt.Errorf("failed to insert change entry for %q: %w", id, err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, id string, body store.Body, parent *revtree.RevID) (revtree.RevID, error) {
	if id == "" {
		return revtree.RevID{}, fmt.Errorf("document id must not be empty")
	}

	mu := s.docLock(id)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return revtree.RevID{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	tree, err := s.loadTree(ctx, tx, id)
	if err != nil {
		return revtree.RevID{}, err
	}
	if tree == nil {
		tree = revtree.New()
	}

	var parentRev revtree.RevID
	if parent == nil {
		if winner, ok := tree.Winner(); ok {
			parentRev = winner.ID
		}
	} else {
		parentRev = *parent
		if !tree.IsLeaf(parentRev) {
			return revtree.RevID{}, fmt.Errorf("parent %s of %q is not a current leaf: %w", parentRev, id, store.ErrConflict)
		}
	}

	canon, err := store.CanonicalBody(body)
	if err != nil {
		return revtree.RevID{}, err
	}
	rev := revtree.Rev{ID: revtree.Child(parentRev, false, canon), Parent: parentRev}
	if err := tree.Add(rev); err != nil {
		return revtree.RevID{}, fmt.Errorf("%w: %v", store.ErrCorruptTree, err)
	}

	if err := s.writeRevision(ctx, tx, id, rev, body, tree); err != nil {
		return revtree.RevID{}, err
	}
	if err := tx.Commit(); err != nil {
		return revtree.RevID{}, fmt.Errorf("failed to commit write of %q: %w", id, err)
	}

	s.notify()
	return rev.ID, nil
}

func (s *Store) Delete(ctx context.Context, id string, parent revtree.RevID) (revtree.RevID, error) {
	mu := s.docLock(id)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return revtree.RevID{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	tree, err := s.loadTree(ctx, tx, id)
	if err != nil {
		return revtree.RevID{}, err
	}
	if tree == nil || !tree.IsLeaf(parent) {
		return revtree.RevID{}, fmt.Errorf("parent %s of %q is not a current leaf: %w", parent, id, store.ErrConflict)
	}

	rev := revtree.Rev{ID: revtree.Child(parent, true, nil), Parent: parent, Deleted: true}
	if err := tree.Add(rev); err != nil {
		return revtree.RevID{}, fmt.Errorf("%w: %v", store.ErrCorruptTree, err)
	}

	if err := s.writeRevision(ctx, tx, id, rev, nil, tree); err != nil {
		return revtree.RevID{}, err
	}
	if err := tx.Commit(); err != nil {
		return revtree.RevID{}, fmt.Errorf("failed to commit delete of %q: %w", id, err)
	}

	s.notify()
	return rev.ID, nil
}

func (s *Store) ApplyRevision(ctx context.Context, rev store.Revision) error {
	if rev.ID == "" || rev.Rev.IsZero() {
		return fmt.Errorf("%w: revision missing document id or rev", store.ErrCorruptTree)
	}

	mu := s.docLock(rev.ID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	tree, err := s.loadTree(ctx, tx, rev.ID)
	if err != nil {
		return err
	}
	if tree == nil {
		tree = revtree.New()
	}
	if tree.Contains(rev.Rev) {
		return nil
	}

	node := revtree.Rev{ID: rev.Rev, Parent: rev.Parent, Deleted: rev.Deleted}
	if err := tree.Add(node); err != nil {
		return fmt.Errorf("%w: %v", store.ErrCorruptTree, err)
	}

	if err := s.writeRevision(ctx, tx, rev.ID, node, rev.Body, tree); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replicated revision of %q: %w", rev.ID, err)
	}

	s.notify()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*store.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT gen, hash, deleted FROM changes WHERE doc_id = ?`, id)

	var rev revtree.RevID
	var deleted int
	if err := row.Scan(&rev.Gen, &rev.Hash, &deleted); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("document %q: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to look up %q: %w", id, err)
	}
	if deleted != 0 {
		return nil, fmt.Errorf("document %q: %w", id, store.ErrNotFound)
	}
	return s.GetRev(ctx, id, rev)
}

func (s *Store) GetRev(ctx context.Context, id string, rev revtree.RevID) (*store.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT deleted, body FROM revisions WHERE doc_id = ? AND gen = ? AND hash = ?`,
		id, rev.Gen, rev.Hash)

	var deleted int
	var blob []byte
	if err := row.Scan(&deleted, &blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("document %q revision %s: %w", id, rev, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read revision %s of %q: %w", rev, id, err)
	}

	doc := &store.Document{ID: id, Rev: rev, Deleted: deleted != 0}
	if len(blob) > 0 {
		if err := decMode.Unmarshal(blob, &doc.Body); err != nil {
			return nil, fmt.Errorf("failed to decode body of %q at %s: %w", id, rev, err)
		}
	}
	return doc, nil
}

func (s *Store) AllDocs(ctx context.Context) ([]store.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.doc_id, c.gen, c.hash, r.body
		 FROM changes c
		 JOIN revisions r ON r.doc_id = c.doc_id AND r.gen = c.gen AND r.hash = c.hash
		 WHERE c.deleted = 0
		 ORDER BY c.doc_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var doc store.Document
		var blob []byte
		if err := rows.Scan(&doc.ID, &doc.Rev.Gen, &doc.Rev.Hash, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		if len(blob) > 0 {
			if err := decMode.Unmarshal(blob, &doc.Body); err != nil {
				return nil, fmt.Errorf("failed to decode body of %q: %w", doc.ID, err)
			}
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read document rows: %w", err)
	}
	return docs, nil
}

func (s *Store) RevTree(ctx context.Context, id string) (*revtree.Tree, error) {
	tree, err := s.loadTree(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, fmt.Errorf("document %q: %w", id, store.ErrNotFound)
	}
	return tree, nil
}

func (s *Store) RevsDiff(ctx context.Context, id string, revs []revtree.RevID) ([]revtree.RevID, error) {
	tree, err := s.loadTree(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		missing := make([]revtree.RevID, len(revs))
		copy(missing, revs)
		return missing, nil
	}
	return tree.Missing(revs), nil
}

func (s *Store) ChangesSince(ctx context.Context, seq uint64, limit int) ([]store.Change, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, doc_id, gen, hash, deleted FROM changes WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		seq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}
	defer rows.Close()

	var out []store.Change
	for rows.Next() {
		var c store.Change
		var deleted int
		if err := rows.Scan(&c.Seq, &c.ID, &c.Rev.Gen, &c.Rev.Hash, &deleted); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		c.Deleted = deleted != 0
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read change rows: %w", err)
	}
	return out, nil
}

func (s *Store) Sequence(ctx context.Context) (uint64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(seq, 0) FROM sqlite_sequence WHERE name = 'changes'`)
	var seq uint64
	if err := row.Scan(&seq); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	return seq, nil
}

func (s *Store) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()

	cancel := func() {
		s.watchMu.Lock()
		delete(s.watchers, ch)
		s.watchMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify() {
	s.watchMu.Lock()
	watchers := make([]chan struct{}, 0, len(s.watchers))
	for ch := range s.watchers {
		watchers = append(watchers, ch)
	}
	s.watchMu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) Checkpoint(ctx context.Context, id string) (store.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source_seq, session_id, updated_at FROM checkpoints WHERE id = ?`, id)

	cp := store.Checkpoint{ID: id}
	var updatedAt string
	if err := row.Scan(&cp.SourceSeq, &cp.SessionID, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return cp, nil
		}
		return cp, fmt.Errorf("failed to read checkpoint %q: %w", id, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		cp.UpdatedAt = t
	}
	return cp, nil
}

// SaveCheckpoint upserts a checkpoint in a single statement, so a crash
// leaves either the previous checkpoint or the new one, never a torn
// write.
func (s *Store) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, source_seq, session_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET source_seq = excluded.source_seq,
		                               session_id = excluded.session_id,
		                               updated_at = excluded.updated_at`,
		cp.ID, cp.SourceSeq, cp.SessionID, updatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %q: %w", cp.ID, err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	return s.db.Close()
}
