package memstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/driftdb/pkg/revtree"
	"github.com/driftlabs/driftdb/pkg/store"
	"github.com/driftlabs/driftdb/pkg/store/memstore"
)

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

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
	s := memstore.New()

	rev1, err := s.Put(ctx, "r1", store.Body{"v": 1.0}, nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "r1", store.Body{"v": 2.0}, &rev1)
	require.NoError(t, err)

	before, err := s.Sequence(ctx)
	require.NoError(t, err)

	// rev1 now has a child; writing against it again must conflict and
	// must not mutate anything.
	_, err = s.Put(ctx, "r1", store.Body{"v": 3.0}, &rev1)
	assert.ErrorIs(t, err, store.ErrConflict)

	after, err := s.Sequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	tree, err := s.RevTree(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, tree.Len())
}

func TestChangesOneEntryPerDocument(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	revA, err := s.Put(ctx, "a", store.Body{"v": 1.0}, nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "b", store.Body{"v": 1.0}, nil)
	require.NoError(t, err)
	revA2, err := s.Put(ctx, "a", store.Body{"v": 2.0}, &revA)
	require.NoError(t, err)

	changes, err := s.ChangesSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, changes, 2, "one entry per document")

	// "a" was written last, so it sorts after "b" and carries its final
	// winning revision.
	assert.Equal(t, "b", changes[0].ID)
	assert.Equal(t, "a", changes[1].ID)
	assert.Equal(t, revA2, changes[1].Rev)
	assert.True(t, changes[0].Seq < changes[1].Seq)

	tail, err := s.ChangesSince(ctx, changes[0].Seq, 0)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "a", tail[0].ID)
}

func TestDeleteTombstone(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	rev, err := s.Put(ctx, "r1", store.Body{"v": 1.0}, nil)
	require.NoError(t, err)

	tomb, err := s.Delete(ctx, "r1", rev)
	require.NoError(t, err)
	assert.Equal(t, 2, tomb.Gen)

	_, err = s.Get(ctx, "r1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The tombstone is a revision, not an absence: it still appears in
	// the change log so peers learn of the deletion.
	changes, err := s.ChangesSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Deleted)
	assert.Equal(t, tomb, changes[0].Rev)

	docs, err := s.AllDocs(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	// Writing without a parent extends the tombstone and resurrects.
	rev3, err := s.Put(ctx, "r1", store.Body{"v": 2.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, rev3.Gen)
	doc, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, doc.Body["v"])
}

func TestApplyRevisionPreservesBranches(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	rev1, err := s.Put(ctx, "r1", store.Body{"v": 1.0}, nil)
	require.NoError(t, err)
	rev2, err := s.Put(ctx, "r1", store.Body{"v": 2.0}, &rev1)
	require.NoError(t, err)

	// A replicated concurrent edit under the same root.
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
	leaves := tree.Leaves()
	require.Len(t, leaves, 2, "branch preserved, not collapsed")

	// Idempotent re-apply: no new sequence.
	before, err := s.Sequence(ctx)
	require.NoError(t, err)
	err = s.ApplyRevision(ctx, store.Revision{ID: "r1", Rev: branch, Parent: rev1, Body: store.Body{"v": 9.0}})
	require.NoError(t, err)
	after, err := s.Sequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Losing leaf stays readable.
	winner, ok := tree.Winner()
	require.True(t, ok)
	var loser revtree.RevID
	if winner.ID == rev2 {
		loser = branch
	} else {
		loser = rev2
	}
	doc, err := s.GetRev(ctx, "r1", loser)
	require.NoError(t, err)
	assert.Equal(t, loser, doc.Rev)
}

func TestApplyRevisionMissingParent(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	err := s.ApplyRevision(ctx, store.Revision{
		ID:     "r1",
		Rev:    revtree.RevID{Gen: 2, Hash: "child"},
		Parent: revtree.RevID{Gen: 1, Hash: "ghost"},
	})
	assert.ErrorIs(t, err, store.ErrCorruptTree)
}

func TestRevsDiff(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

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
	s := memstore.New()

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

func TestConcurrentWritersDistinctDocs(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	const writers = 8
	const writes = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("doc-%d", w)
			var parent *revtree.RevID
			for i := 0; i < writes; i++ {
				rev, err := s.Put(ctx, id, store.Body{"i": float64(i)}, parent)
				assert.NoError(t, err)
				parent = &rev
			}
		}(w)
	}
	wg.Wait()

	seq, err := s.Sequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(writers*writes), seq)

	changes, err := s.ChangesSince(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, changes, writers)
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	cp, err := s.Checkpoint(ctx, "push-abc")
	require.NoError(t, err)
	assert.Zero(t, cp.SourceSeq, "unknown checkpoint loads as zero")

	err = s.SaveCheckpoint(ctx, store.Checkpoint{ID: "push-abc", SourceSeq: 17, SessionID: "s1"})
	require.NoError(t, err)

	cp, err = s.Checkpoint(ctx, "push-abc")
	require.NoError(t, err)
	assert.Equal(t, uint64(17), cp.SourceSeq)
	assert.Equal(t, "s1", cp.SessionID)
}
