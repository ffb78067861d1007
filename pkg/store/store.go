// Package store defines the document store contract implemented by the
// in-memory store, the SQLite store, and the HTTP remote client.
//
// A store owns documents, their revision trees, and a monotonically
// increasing change sequence. Writes are serialized per document id;
// unrelated documents may be written concurrently and reads never block
// on unrelated writes.
package store

import (
	"context"
	"time"

	"github.com/driftlabs/driftdb/pkg/revtree"
)

// Body is a schemaless document body.
type Body map[string]any

// Document is a document at one of its revisions.
type Document struct {
	ID      string        `json:"id"`
	Rev     revtree.RevID `json:"rev"`
	Deleted bool          `json:"deleted,omitempty"`
	Body    Body          `json:"body,omitempty"`
}

// Change is one entry of a store's change log. A document appears at most
// once, at the sequence of its latest accepted write.
type Change struct {
	Seq     uint64        `json:"seq"`
	ID      string        `json:"id"`
	Rev     revtree.RevID `json:"rev"`
	Deleted bool          `json:"deleted,omitempty"`
}

// Revision is a single revision in transit between stores. Parent is zero
// for generation-1 roots; Body is nil for tombstones.
type Revision struct {
	ID      string        `json:"id"`
	Rev     revtree.RevID `json:"rev"`
	Parent  revtree.RevID `json:"parent,omitempty"`
	Deleted bool          `json:"deleted,omitempty"`
	Body    Body          `json:"body,omitempty"`
}

// Store is the document store contract.
type Store interface {
	// Put writes a new revision of id. A nil parent means "under the
	// current winning leaf" (or a new generation-1 root if the document
	// does not exist). A non-nil parent must name an existing leaf; a
	// stale parent fails with ErrConflict and mutates nothing. Passing an
	// explicit losing leaf is how a caller writes into a branch when
	// resolving a conflict by hand.
	Put(ctx context.Context, id string, body Body, parent *revtree.RevID) (revtree.RevID, error)

	// Delete writes a tombstone revision under parent, which must be a
	// current leaf. The document's history is retained so the deletion
	// propagates to peers instead of reading as "never existed".
	Delete(ctx context.Context, id string, parent revtree.RevID) (revtree.RevID, error)

	// Get returns the document at its winning revision. A missing
	// document, or one whose winner is a tombstone, fails with
	// ErrNotFound.
	Get(ctx context.Context, id string) (*Document, error)

	// GetRev returns the document at a specific stored revision,
	// winning or not. Used by replication and conflict inspection.
	GetRev(ctx context.Context, id string, rev revtree.RevID) (*Document, error)

	// AllDocs returns a snapshot of every live document at its winning
	// revision, ordered by id. Tombstoned documents are excluded.
	AllDocs(ctx context.Context) ([]Document, error)

	// RevTree returns the full revision tree of id.
	RevTree(ctx context.Context, id string) (*revtree.Tree, error)

	// RevsDiff reports which of revs this store does not have.
	RevsDiff(ctx context.Context, id string, revs []revtree.RevID) ([]revtree.RevID, error)

	// ApplyRevision force-inserts a replicated revision with its explicit
	// parent, preserving branches. Applying an already-present revision is
	// a no-op. A revision whose parent is absent fails with
	// ErrCorruptTree.
	ApplyRevision(ctx context.Context, rev Revision) error

	// ChangesSince returns change entries with Seq > seq, ascending.
	// limit <= 0 means no limit.
	ChangesSince(ctx context.Context, seq uint64, limit int) ([]Change, error)

	// Sequence returns the store's current change sequence.
	Sequence(ctx context.Context) (uint64, error)

	Close() error
}

// Watchable is implemented by stores that can signal writes. The returned
// channel receives a coalesced signal after every accepted revision; the
// cancel func releases the subscription. Continuous change feeds block on
// this instead of polling.
type Watchable interface {
	Watch() (<-chan struct{}, func())
}

// Checkpoint records replication progress for one direction, persisted so
// a restarted session resumes without re-scanning from zero.
type Checkpoint struct {
	ID        string    `json:"id"`
	SourceSeq uint64    `json:"source_seq"`
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointStore persists checkpoints. An unknown id loads as the zero
// checkpoint, which makes a first run start from sequence zero.
type CheckpointStore interface {
	Checkpoint(ctx context.Context, id string) (Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}
