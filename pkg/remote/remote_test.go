package remote_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/driftdb/pkg/remote"
	"github.com/driftlabs/driftdb/pkg/replication"
	"github.com/driftlabs/driftdb/pkg/revtree"
	"github.com/driftlabs/driftdb/pkg/store"
	"github.com/driftlabs/driftdb/pkg/store/memstore"
)

func newServer(t *testing.T, s store.Store) (*httptest.Server, *remote.Client) {
	t.Helper()
	srv := httptest.NewServer(remote.NewHandler(s, nil))
	t.Cleanup(srv.Close)
	c, err := remote.NewClient(srv.URL)
	require.NoError(t, err)
	return srv, c
}

func TestClientReadsRemoteStore(t *testing.T) {
	ctx := context.Background()
	backing := memstore.New()
	_, client := newServer(t, backing)

	rev, err := backing.Put(ctx, "r1", store.Body{"kind": "flood", "severity": 8.0}, nil)
	require.NoError(t, err)

	doc, err := client.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rev, doc.Rev)
	assert.Equal(t, 8.0, doc.Body["severity"])

	got, err := client.GetRev(ctx, "r1", rev)
	require.NoError(t, err)
	assert.Equal(t, rev, got.Rev)

	seq, err := client.Sequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	changes, err := client.ChangesSince(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "r1", changes[0].ID)

	tree, err := client.RevTree(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, tree.Len())

	_, err = client.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClientRevsDiffAndApply(t *testing.T) {
	ctx := context.Background()
	backing := memstore.New()
	_, client := newServer(t, backing)

	canon, err := store.CanonicalBody(store.Body{"v": 1.0})
	require.NoError(t, err)
	root := revtree.Child(revtree.RevID{}, false, canon)

	missing, err := client.RevsDiff(ctx, "r1", []revtree.RevID{root})
	require.NoError(t, err)
	assert.Equal(t, []revtree.RevID{root}, missing)

	err = client.ApplyRevision(ctx, store.Revision{ID: "r1", Rev: root, Body: store.Body{"v": 1.0}})
	require.NoError(t, err)

	missing, err = client.RevsDiff(ctx, "r1", []revtree.RevID{root})
	require.NoError(t, err)
	assert.Empty(t, missing)

	doc, err := backing.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, root, doc.Rev)

	// A revision with an unknown parent is rejected as corrupt, not stored.
	err = client.ApplyRevision(ctx, store.Revision{
		ID:     "r2",
		Rev:    revtree.RevID{Gen: 2, Hash: "child"},
		Parent: revtree.RevID{Gen: 1, Hash: "ghost"},
	})
	assert.ErrorIs(t, err, store.ErrCorruptTree)
}

func TestReplicationOverHTTP(t *testing.T) {
	ctx := context.Background()
	local := memstore.New()
	backing := memstore.New()
	_, client := newServer(t, backing)

	_, err := local.Put(ctx, "mine", store.Body{"v": 1.0}, nil)
	require.NoError(t, err)
	_, err = backing.Put(ctx, "theirs", store.Body{"v": 2.0}, nil)
	require.NoError(t, err)

	push, err := replication.New(replication.Config{
		Source:       local,
		Target:       client,
		Checkpoints:  local,
		CheckpointID: "push-http",
	})
	require.NoError(t, err)
	stats, err := push.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Docs)

	pull, err := replication.New(replication.Config{
		Source:       client,
		Target:       local,
		Checkpoints:  local,
		CheckpointID: "pull-http",
	})
	require.NoError(t, err)
	_, err = pull.RunOnce(ctx)
	require.NoError(t, err)

	_, err = backing.Get(ctx, "mine")
	assert.NoError(t, err)
	_, err = local.Get(ctx, "theirs")
	assert.NoError(t, err)
}

func TestClientMapsAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"token expired"}`, http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	client, err := remote.NewClient(srv.URL, remote.WithHeader("Authorization", "Bearer stale"))
	require.NoError(t, err)

	_, err = client.ChangesSince(context.Background(), 0, 10)
	assert.ErrorIs(t, err, store.ErrDenied)
	assert.False(t, store.IsTransient(err))
}

func TestClientMapsServerFailureAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client, err := remote.NewClient(srv.URL)
	require.NoError(t, err)

	_, err = client.ChangesSince(context.Background(), 0, 10)
	assert.True(t, store.IsTransient(err))
}

func TestClientUnreachableIsTransient(t *testing.T) {
	client, err := remote.NewClient("http://127.0.0.1:1")
	require.NoError(t, err)

	_, err = client.Sequence(context.Background())
	assert.True(t, store.IsTransient(err))
}

func TestWatchStreamsNotifications(t *testing.T) {
	ctx := context.Background()
	backing := memstore.New()
	_, client := newServer(t, backing)

	ch, cancel := client.Watch()
	defer cancel()

	// The stream opens with the current sequence.
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no initial watch message")
	}

	_, err := backing.Put(ctx, "r1", store.Body{"v": 1.0}, nil)
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no watch message after a write")
	}
}
