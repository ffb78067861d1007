package driftdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftlabs/driftdb/pkg/logger"
	"github.com/driftlabs/driftdb/pkg/remote"
	"github.com/driftlabs/driftdb/pkg/revtree"
	"github.com/driftlabs/driftdb/pkg/session"
	"github.com/driftlabs/driftdb/pkg/store"
	"github.com/driftlabs/driftdb/pkg/store/memstore"
	"github.com/driftlabs/driftdb/pkg/store/sqlitestore"
)

// localStore is what a DB needs from its backing store: the full store
// contract plus write notification and checkpoint persistence.
type localStore interface {
	store.Store
	store.Watchable
	store.CheckpointStore
}

// DB is an offline-first document database. All reads and writes are
// local and never block on the network; StartSync exchanges revisions
// with a remote in the background.
type DB struct {
	store localStore
	name  string
	log   logger.Logger

	mu   sync.Mutex
	sess *session.Session
	stop func()

	subMu sync.Mutex
	subs  map[*eventSub]struct{}
}

type eventSub struct {
	ch    chan session.Event
	kinds map[session.EventKind]struct{}
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger used by the DB and its sync session.
func WithLogger(log logger.Logger) Option {
	return func(db *DB) { db.log = log }
}

func newDB(ls localStore, name string, opts ...Option) *DB {
	db := &DB{
		store: ls,
		name:  name,
		log:   logger.Discard(),
		subs:  make(map[*eventSub]struct{}),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Open opens (or creates) a durable database at path.
func Open(path string, opts ...Option) (*DB, error) {
	s, err := sqlitestore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %q: %w", path, err)
	}
	return newDB(s, path, opts...), nil
}

// OpenMemory opens an in-memory database. Useful for tests and
// ephemeral replicas; nothing survives Close.
func OpenMemory(opts ...Option) *DB {
	return newDB(memstore.New(), "memory", opts...)
}

// Store exposes the underlying store, e.g. to serve it over HTTP.
func (db *DB) Store() store.Store {
	return db.store
}

// Write stores a new revision of id under the current winning revision.
// Creating a document and resurrecting a deleted one are the same call.
func (db *DB) Write(ctx context.Context, id string, body store.Body) (revtree.RevID, error) {
	return db.store.Put(ctx, id, body, nil)
}

// WriteAt stores a new revision under an explicit parent revision, which
// must be a current leaf. Writing under a stale parent fails with
// ErrConflict; writing under a losing leaf extends that branch, which is
// how a conflict is resolved by hand.
func (db *DB) WriteAt(ctx context.Context, id string, body store.Body, parent revtree.RevID) (revtree.RevID, error) {
	return db.store.Put(ctx, id, body, &parent)
}

// Remove deletes the document by writing a tombstone under parent. The
// deletion replicates like any other revision.
func (db *DB) Remove(ctx context.Context, id string, parent revtree.RevID) (revtree.RevID, error) {
	return db.store.Delete(ctx, id, parent)
}

// Read returns the document at its winning revision.
func (db *DB) Read(ctx context.Context, id string) (*store.Document, error) {
	return db.store.Get(ctx, id)
}

// ReadRev returns the document at a specific revision, winning or not.
func (db *DB) ReadRev(ctx context.Context, id string, rev revtree.RevID) (*store.Document, error) {
	return db.store.GetRev(ctx, id, rev)
}

// ReadAll returns every live document at its winning revision.
func (db *DB) ReadAll(ctx context.Context) ([]store.Document, error) {
	return db.store.AllDocs(ctx)
}

// Conflicts returns the document's non-winning leaf revisions. An empty
// result means the document has no unresolved conflicts.
func (db *DB) Conflicts(ctx context.Context, id string) ([]store.Document, error) {
	tree, err := db.store.RevTree(ctx, id)
	if err != nil {
		return nil, err
	}

	var losers []store.Document
	for _, rev := range tree.ConflictingLeaves() {
		doc, err := db.store.GetRev(ctx, id, rev)
		if err != nil {
			return nil, err
		}
		losers = append(losers, *doc)
	}
	return losers, nil
}

// Changes returns change log entries after seq, ascending. limit <= 0
// means no limit.
func (db *DB) Changes(ctx context.Context, seq uint64, limit int) ([]store.Change, error) {
	return db.store.ChangesSince(ctx, seq, limit)
}

// Subscribe returns a channel of sync lifecycle events. It works before
// a session starts and across sessions: events from every StartSync are
// delivered until the subscription is cancelled. With no kinds given
// every event is delivered.
func (db *DB) Subscribe(kinds ...session.EventKind) (<-chan session.Event, func()) {
	sub := &eventSub{ch: make(chan session.Event, 32)}
	if len(kinds) > 0 {
		sub.kinds = make(map[session.EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	db.subMu.Lock()
	db.subs[sub] = struct{}{}
	db.subMu.Unlock()

	cancel := func() {
		db.subMu.Lock()
		delete(db.subs, sub)
		db.subMu.Unlock()
	}
	return sub.ch, cancel
}

func (db *DB) publish(ev session.Event) {
	db.subMu.Lock()
	for sub := range db.subs {
		if sub.kinds != nil {
			if _, ok := sub.kinds[ev.Kind]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			db.log.Warn("dropping sync event for slow subscriber", "kind", ev.Kind)
		}
	}
	db.subMu.Unlock()
}

// SyncConfig configures a sync session against a remote.
type SyncConfig struct {
	// Remote is the base URL of a store served by remote.NewHandler.
	Remote string

	// Headers are added to every request, typically Authorization.
	Headers map[string]string

	// Live keeps syncing after the initial catch-up. Retry recovers from
	// transient failures with backoff; authorization failures always
	// stop the session.
	Live  bool
	Retry bool

	// BatchSize caps changes per replication batch.
	BatchSize int

	// BackoffMin and BackoffMax bound the retry delay.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// StartSync begins a bidirectional sync session with a remote. At most
// one session runs at a time; starting a second fails. Progress is
// observed through Subscribe.
func (db *DB) StartSync(ctx context.Context, cfg SyncConfig) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.sess != nil {
		return fmt.Errorf("sync session already running")
	}

	opts := []remote.Option{remote.WithLogger(db.log)}
	for k, v := range cfg.Headers {
		opts = append(opts, remote.WithHeader(k, v))
	}
	client, err := remote.NewClient(cfg.Remote, opts...)
	if err != nil {
		return err
	}

	sess, err := session.New(session.Config{
		Local:       db.store,
		Remote:      client,
		Checkpoints: db.store,
		LocalName:   db.name,
		RemoteName:  client.BaseURL(),
		Live:        cfg.Live,
		Retry:       cfg.Retry,
		BatchSize:   cfg.BatchSize,
		BackoffMin:  cfg.BackoffMin,
		BackoffMax:  cfg.BackoffMax,
		Logger:      db.log,
	})
	if err != nil {
		return fmt.Errorf("failed to build sync session: %w", err)
	}

	events, release := sess.Subscribe()
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case ev := <-events:
				db.publish(ev)
			case <-quit:
				return
			}
		}
	}()

	if err := sess.Start(ctx); err != nil {
		release()
		close(quit)
		return err
	}

	db.sess = sess
	db.stop = func() {
		sess.Stop()
		release()
		close(quit)
	}
	return nil
}

// SyncState returns the current session's lifecycle state, or
// session.StateIdle when no session is running.
func (db *DB) SyncState() session.State {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.sess == nil {
		return session.StateIdle
	}
	return db.sess.State()
}

// WaitSync blocks until the running session finishes its work: for a
// one-shot session that is the full round trip, for a live session it
// returns when the session is stopped or a direction fails terminally.
func (db *DB) WaitSync() error {
	db.mu.Lock()
	sess := db.sess
	db.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Wait()
}

// StopSync ends the running session, if any, and waits for it to drain.
func (db *DB) StopSync() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.sess == nil {
		return
	}
	db.stop()
	db.sess = nil
	db.stop = nil
}

// Close stops any running session and closes the store.
func (db *DB) Close() error {
	db.StopSync()
	return db.store.Close()
}
