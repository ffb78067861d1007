package replication_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/driftdb/pkg/replication"
	"github.com/driftlabs/driftdb/pkg/store"
	"github.com/driftlabs/driftdb/pkg/store/memstore"
)

func newReplicator(t *testing.T, src, dst *memstore.Store, cps store.CheckpointStore, id string) *replication.Replicator {
	t.Helper()
	r, err := replication.New(replication.Config{
		Source:       src,
		Target:       dst,
		Checkpoints:  cps,
		CheckpointID: id,
	})
	require.NoError(t, err)
	return r
}

func TestRunOncePush(t *testing.T) {
	ctx := context.Background()
	local := memstore.New()
	remote := memstore.New()

	rev, err := local.Put(ctx, "r1", store.Body{"severity": 8.0}, nil)
	require.NoError(t, err)
	_, err = local.Put(ctx, "r2", store.Body{"severity": 3.0}, nil)
	require.NoError(t, err)

	r := newReplicator(t, local, remote, local, "push-test")
	stats, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Docs)
	assert.Equal(t, 2, stats.Revs)

	doc, err := remote.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rev, doc.Rev)
	assert.Equal(t, 8.0, doc.Body["severity"])

	// Re-run moves nothing and keeps the checkpoint.
	stats, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Docs)
	assert.Zero(t, stats.Revs)

	cp, err := local.Checkpoint(ctx, "push-test")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cp.SourceSeq)
}

func TestBidirectionalConvergence(t *testing.T) {
	ctx := context.Background()
	local := memstore.New()
	remote := memstore.New()

	// Shared base revision on both sides.
	base, err := local.Put(ctx, "r1", store.Body{"severity": 5.0}, nil)
	require.NoError(t, err)
	push := newReplicator(t, local, remote, local, "push-r1")
	_, err = push.RunOnce(ctx)
	require.NoError(t, err)

	// Disconnected edits of the same document.
	_, err = local.Put(ctx, "r1", store.Body{"severity": 8.0}, &base)
	require.NoError(t, err)
	_, err = remote.Put(ctx, "r1", store.Body{"severity": 9.0}, &base)
	require.NoError(t, err)

	pull := newReplicator(t, remote, local, local, "pull-r1")
	_, err = push.RunOnce(ctx)
	require.NoError(t, err)
	_, err = pull.RunOnce(ctx)
	require.NoError(t, err)

	localDoc, err := local.Get(ctx, "r1")
	require.NoError(t, err)
	remoteDoc, err := remote.Get(ctx, "r1")
	require.NoError(t, err)

	// Both sides picked the same winner without coordination, and the
	// losing edit is still present as a conflicting leaf.
	assert.Equal(t, remoteDoc.Rev, localDoc.Rev)
	assert.Equal(t, remoteDoc.Body, localDoc.Body)

	tree, err := local.RevTree(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, tree.ConflictingLeaves(), 1)
}

func TestTombstoneReplicates(t *testing.T) {
	ctx := context.Background()
	local := memstore.New()
	remote := memstore.New()

	rev, err := local.Put(ctx, "r1", store.Body{"v": 1.0}, nil)
	require.NoError(t, err)
	push := newReplicator(t, local, remote, local, "push-del")
	_, err = push.RunOnce(ctx)
	require.NoError(t, err)

	_, err = local.Delete(ctx, "r1", rev)
	require.NoError(t, err)
	_, err = push.RunOnce(ctx)
	require.NoError(t, err)

	_, err = remote.Get(ctx, "r1")
	assert.ErrorIs(t, err, store.ErrNotFound, "deletion propagated to the target")
}

// failingTarget rejects every apply, simulating a target outage mid-run.
type failingTarget struct {
	*memstore.Store
}

var errUnavailable = errors.New("target unavailable")

func (f failingTarget) ApplyRevision(ctx context.Context, rev store.Revision) error {
	return &store.TransientError{Op: "apply", Err: errUnavailable}
}

func TestCheckpointNotAdvancedOnFailure(t *testing.T) {
	ctx := context.Background()
	local := memstore.New()
	remote := memstore.New()

	_, err := local.Put(ctx, "r1", store.Body{"v": 1.0}, nil)
	require.NoError(t, err)

	r, err := replication.New(replication.Config{
		Source:       local,
		Target:       failingTarget{remote},
		Checkpoints:  local,
		CheckpointID: "push-fail",
	})
	require.NoError(t, err)

	_, err = r.RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, store.IsTransient(err))

	cp, err := local.Checkpoint(ctx, "push-fail")
	require.NoError(t, err)
	assert.Zero(t, cp.SourceSeq, "failed batch must not advance the checkpoint")

	// After the outage the same replicator completes from scratch.
	ok := newReplicator(t, local, remote, local, "push-fail")
	stats, err := ok.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Docs)
}

func TestCheckpointIDStable(t *testing.T) {
	a := replication.CheckpointID("push", "local", "https://hub.example")
	b := replication.CheckpointID("push", "local", "https://hub.example")
	c := replication.CheckpointID("pull", "local", "https://hub.example")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
