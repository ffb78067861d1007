package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/driftdb/pkg/revtree"
	"github.com/driftlabs/driftdb/pkg/store"
	"github.com/driftlabs/driftdb/pkg/store/sqlitestore"
)

func open(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(filepath.Join(t.TempDir(), "drift.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	rev, err := s.Put(ctx, "r1", store.Body{"kind": "flood", "severity": 8.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rev.Gen)

	doc, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rev, doc.Rev)
	assert.Equal(t, 8.0, doc.Body["severity"])

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutStaleParentConflict(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	rev1, err := s.Put(ctx, "r1", store.Body{"v": 1.0}, nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "r1", store.Body{"v": 2.0}, &rev1)
	require.NoError(t, err)

	before, err := s.Sequence(ctx)
	require.NoError(t, err)

	_, err = s.Put(ctx, "r1", store.Body{"v": 3.0}, &rev1)
	assert.ErrorIs(t, err, store.ErrConflict)

	after, err := s.Sequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestChangesOneEntryPerDocument(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	revA, err := s.Put(ctx, "a", store.Body{"v": 1.0}, nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "b", store.Body{"v": 1.0}, nil)
	require.NoError(t, err)
	revA2, err := s.Put(ctx, "a", store.Body{"v": 2.0}, &revA)
	require.NoError(t, err)

	changes, err := s.ChangesSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, changes, 2, "one entry per document")

	assert.Equal(t, "b", changes[0].ID)
	assert.Equal(t, "a", changes[1].ID)
	assert.Equal(t, revA2, changes[1].Rev)
	assert.True(t, changes[0].Seq < changes[1].Seq)

	// Re-sequencing never reuses a sequence number.
	seq, err := s.Sequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.Equal(t, uint64(3), changes[1].Seq)
}

func TestDeleteTombstone(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	rev, err := s.Put(ctx, "r1", store.Body{"v": 1.0}, nil)
	require.NoError(t, err)

	tomb, err := s.Delete(ctx, "r1", rev)
	require.NoError(t, err)
	assert.Equal(t, 2, tomb.Gen)

	_, err = s.Get(ctx, "r1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	changes, err := s.ChangesSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Deleted)

	docs, err := s.AllDocs(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	rev3, err := s.Put(ctx, "r1", store.Body{"v": 2.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, rev3.Gen)
	doc, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, doc.Body["v"])
}

func TestApplyRevisionPreservesBranches(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	rev1, err := s.Put(ctx, "r1", store.Body{"v": 1.0}, nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "r1", store.Body{"v": 2.0}, &rev1)
	require.NoError(t, err)

	canon, err := store.CanonicalBody(store.Body{"v": 9.0})
	require.NoError(t, err)
	branch := revtree.Child(rev1, false, canon)
	err = s.ApplyRevision(ctx, store.Revision{
		ID:     "r1",
		Rev:    branch,
		Parent: rev1,
		Body:   store.Body{"v": 9.0},
	})
	require.NoError(t, err)

	tree, err := s.RevTree(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, tree.Leaves(), 2, "branch preserved, not collapsed")

	// Idempotent re-apply: no new sequence.
	before, err := s.Sequence(ctx)
	require.NoError(t, err)
	err = s.ApplyRevision(ctx, store.Revision{ID: "r1", Rev: branch, Parent: rev1, Body: store.Body{"v": 9.0}})
	require.NoError(t, err)
	after, err := s.Sequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApplyRevisionMissingParent(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	err := s.ApplyRevision(ctx, store.Revision{
		ID:     "r1",
		Rev:    revtree.RevID{Gen: 2, Hash: "child"},
		Parent: revtree.RevID{Gen: 1, Hash: "ghost"},
	})
	assert.ErrorIs(t, err, store.ErrCorruptTree)
}

func TestRevsDiff(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	rev1, err := s.Put(ctx, "r1", store.Body{"v": 1.0}, nil)
	require.NoError(t, err)

	unknown := revtree.RevID{Gen: 2, Hash: "nope"}
	missing, err := s.RevsDiff(ctx, "r1", []revtree.RevID{rev1, unknown})
	require.NoError(t, err)
	assert.Equal(t, []revtree.RevID{unknown}, missing)

	missing, err = s.RevsDiff(ctx, "absent", []revtree.RevID{rev1})
	require.NoError(t, err)
	assert.Equal(t, []revtree.RevID{rev1}, missing)
}

func TestWatchSignalsWrites(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	ch, cancel := s.Watch()
	defer cancel()

	_, err := s.Put(ctx, "r1", store.Body{"v": 1.0}, nil)
	require.NoError(t, err)

	select {
	case <-ch:
	default:
		t.Fatal("expected a watch signal after a write")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	cp, err := s.Checkpoint(ctx, "push-abc")
	require.NoError(t, err)
	assert.Zero(t, cp.SourceSeq, "unknown checkpoint loads as zero")
	assert.Equal(t, "push-abc", cp.ID)

	err = s.SaveCheckpoint(ctx, store.Checkpoint{ID: "push-abc", SourceSeq: 17, SessionID: "s1"})
	require.NoError(t, err)

	cp, err = s.Checkpoint(ctx, "push-abc")
	require.NoError(t, err)
	assert.Equal(t, uint64(17), cp.SourceSeq)
	assert.Equal(t, "s1", cp.SessionID)
	assert.False(t, cp.UpdatedAt.IsZero())
}

func TestRestartDurability(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "drift.db")

	s, err := sqlitestore.Open(path)
	require.NoError(t, err)

	rev1, err := s.Put(ctx, "r1", store.Body{"kind": "flood", "severity": 8.0}, nil)
	require.NoError(t, err)
	rev2, err := s.Put(ctx, "r1", store.Body{"kind": "flood", "severity": 9.0}, &rev1)
	require.NoError(t, err)
	_, err = s.Put(ctx, "r2", store.Body{"kind": "fire"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveCheckpoint(ctx, store.Checkpoint{ID: "pull-x", SourceSeq: 3, SessionID: "s1"}))
	require.NoError(t, s.Close())

	// Reopen: documents, trees, sequences, and checkpoints all survive.
	s, err = sqlitestore.Open(path)
	require.NoError(t, err)
	defer s.Close()

	doc, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rev2, doc.Rev)
	assert.Equal(t, 9.0, doc.Body["severity"])

	tree, err := s.RevTree(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, tree.Len())

	seq, err := s.Sequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)

	changes, err := s.ChangesSince(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, changes, 2)

	cp, err := s.Checkpoint(ctx, "pull-x")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cp.SourceSeq)

	// Sequences keep climbing after restart, never reset.
	_, err = s.Put(ctx, "r3", store.Body{"kind": "quake"}, nil)
	require.NoError(t, err)
	seq, err = s.Sequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}
