// Package memstore implements the store contract in memory.
//
// It backs tests and short-lived tooling, and doubles as the reference
// implementation of the write-path semantics: per-document write
// serialization, change-log maintenance, and winner recomputation.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/driftlabs/driftdb/pkg/revtree"
	"github.com/driftlabs/driftdb/pkg/store"
)

// Store is an in-memory document store. The zero value is not usable;
// call New.
//
// Locking: s.mu guards the document map, the sequence counter, the change
// log, and the watcher registry. Each document carries its own RWMutex
// serializing writes to that document only. Writers acquire the document
// lock first and take s.mu only for the short sequence bump; readers
// never hold s.mu while waiting on a document lock, so the two orders
// cannot deadlock.
type Store struct {
	mu       sync.RWMutex
	docs     map[string]*docState
	changes  map[string]store.Change
	seq      uint64
	watchers map[chan struct{}]struct{}

	cpMu        sync.RWMutex
	checkpoints map[string]store.Checkpoint
}

type docState struct {
	mu     sync.RWMutex
	tree   *revtree.Tree
	bodies map[revtree.RevID]store.Body
}

var _ store.Store = (*Store)(nil)
var _ store.Watchable = (*Store)(nil)
var _ store.CheckpointStore = (*Store)(nil)

func New() *Store {
	return &Store{
		docs:        make(map[string]*docState),
		changes:     make(map[string]store.Change),
		watchers:    make(map[chan struct{}]struct{}),
		checkpoints: make(map[string]store.Checkpoint),
	}
}

func (s *Store) state(id string) *docState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.docs[id]
	if !ok {
		ds = &docState{
			tree:   revtree.New(),
			bodies: make(map[revtree.RevID]store.Body),
		}
		s.docs[id] = ds
	}
	return ds
}

func (s *Store) Put(ctx context.Context, id string, body store.Body, parent *revtree.RevID) (revtree.RevID, error) {
	if id == "" {
		return revtree.RevID{}, fmt.Errorf("document id must not be empty")
	}

	ds := s.state(id)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	var parentRev revtree.RevID
	if parent == nil {
		// Default to the current winning leaf; extends the tombstone when
		// the winner is a delete, so a recreated document stays in one tree.
		if winner, ok := ds.tree.Winner(); ok {
			parentRev = winner.ID
		}
	} else {
		parentRev = *parent
		if !ds.tree.IsLeaf(parentRev) {
			return revtree.RevID{}, fmt.Errorf("parent %s of %q is not a current leaf: %w", parentRev, id, store.ErrConflict)
		}
	}

	canon, err := store.CanonicalBody(body)
	if err != nil {
		return revtree.RevID{}, err
	}
	stored, err := store.CloneBody(body)
	if err != nil {
		return revtree.RevID{}, err
	}

	rev := revtree.Child(parentRev, false, canon)
	if err := ds.tree.Add(revtree.Rev{ID: rev, Parent: parentRev}); err != nil {
		return revtree.RevID{}, fmt.Errorf("%w: %v", store.ErrCorruptTree, err)
	}
	ds.bodies[rev] = stored

	s.bump(id, ds)
	return rev, nil
}

func (s *Store) Delete(ctx context.Context, id string, parent revtree.RevID) (revtree.RevID, error) {
	ds := s.state(id)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.tree.IsLeaf(parent) {
		return revtree.RevID{}, fmt.Errorf("parent %s of %q is not a current leaf: %w", parent, id, store.ErrConflict)
	}

	rev := revtree.Child(parent, true, nil)
	if err := ds.tree.Add(revtree.Rev{ID: rev, Parent: parent, Deleted: true}); err != nil {
		return revtree.RevID{}, fmt.Errorf("%w: %v", store.ErrCorruptTree, err)
	}

	s.bump(id, ds)
	return rev, nil
}

func (s *Store) ApplyRevision(ctx context.Context, rev store.Revision) error {
	if rev.ID == "" || rev.Rev.IsZero() {
		return fmt.Errorf("%w: revision missing document id or rev", store.ErrCorruptTree)
	}

	ds := s.state(rev.ID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.tree.Contains(rev.Rev) {
		return nil
	}

	if err := ds.tree.Add(revtree.Rev{ID: rev.Rev, Parent: rev.Parent, Deleted: rev.Deleted}); err != nil {
		return fmt.Errorf("%w: %v", store.ErrCorruptTree, err)
	}
	if rev.Body != nil {
		stored, err := store.CloneBody(rev.Body)
		if err != nil {
			return err
		}
		ds.bodies[rev.Rev] = stored
	}

	s.bump(rev.ID, ds)
	return nil
}

// bump assigns the next sequence to id's change entry and signals
// watchers. Caller holds the document's write lock.
func (s *Store) bump(id string, ds *docState) {
	winner, _ := ds.tree.Winner()

	s.mu.Lock()
	s.seq++
	s.changes[id] = store.Change{
		Seq:     s.seq,
		ID:      id,
		Rev:     winner.ID,
		Deleted: winner.Deleted,
	}
	watchers := make([]chan struct{}, 0, len(s.watchers))
	for ch := range s.watchers {
		watchers = append(watchers, ch)
	}
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) lookup(id string) (*docState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.docs[id]
	return ds, ok
}

func (s *Store) Get(ctx context.Context, id string) (*store.Document, error) {
	ds, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, store.ErrNotFound)
	}

	ds.mu.RLock()
	defer ds.mu.RUnlock()

	winner, ok := ds.tree.Winner()
	if !ok || winner.Deleted {
		return nil, fmt.Errorf("document %q: %w", id, store.ErrNotFound)
	}
	body, err := store.CloneBody(ds.bodies[winner.ID])
	if err != nil {
		return nil, err
	}
	return &store.Document{ID: id, Rev: winner.ID, Body: body}, nil
}

func (s *Store) GetRev(ctx context.Context, id string, rev revtree.RevID) (*store.Document, error) {
	ds, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, store.ErrNotFound)
	}

	ds.mu.RLock()
	defer ds.mu.RUnlock()

	node, ok := ds.tree.Get(rev)
	if !ok {
		return nil, fmt.Errorf("document %q revision %s: %w", id, rev, store.ErrNotFound)
	}
	body, err := store.CloneBody(ds.bodies[rev])
	if err != nil {
		return nil, err
	}
	return &store.Document{ID: id, Rev: rev, Deleted: node.Deleted, Body: body}, nil
}

func (s *Store) AllDocs(ctx context.Context) ([]store.Document, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	var docs []store.Document
	for _, id := range ids {
		doc, err := s.Get(ctx, id)
		if err != nil {
			continue // tombstoned
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

func (s *Store) RevTree(ctx context.Context, id string) (*revtree.Tree, error) {
	ds, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, store.ErrNotFound)
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if ds.tree.Len() == 0 {
		return nil, fmt.Errorf("document %q: %w", id, store.ErrNotFound)
	}
	return ds.tree.Clone(), nil
}

func (s *Store) RevsDiff(ctx context.Context, id string, revs []revtree.RevID) ([]revtree.RevID, error) {
	ds, ok := s.lookup(id)
	if !ok {
		missing := make([]revtree.RevID, len(revs))
		copy(missing, revs)
		return missing, nil
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.tree.Missing(revs), nil
}

func (s *Store) ChangesSince(ctx context.Context, seq uint64, limit int) ([]store.Change, error) {
	s.mu.RLock()
	var out []store.Change
	for _, c := range s.changes {
		if c.Seq > seq {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Sequence(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq, nil
}

func (s *Store) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Store) Checkpoint(ctx context.Context, id string) (store.Checkpoint, error) {
	s.cpMu.RLock()
	defer s.cpMu.RUnlock()
	return s.checkpoints[id], nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	s.cpMu.Lock()
	defer s.cpMu.Unlock()
	s.checkpoints[cp.ID] = cp
	return nil
}

func (s *Store) Close() error {
	return nil
}
