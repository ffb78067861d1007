// Package replication copies missing revisions from a source store to a
// target store in checkpointed batches.
//
// One Replicator moves changes in one direction. Bidirectional sync runs
// two, one per direction, each with its own checkpoint. The transfer is
// idempotent: revisions the target already holds are filtered out by a
// revs-diff query and re-applying a known revision is a no-op, so a
// crash between transfer and checkpoint costs duplicate work, never
// duplicate data.
package replication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gofrs/uuid"

	"github.com/driftlabs/driftdb/pkg/feed"
	"github.com/driftlabs/driftdb/pkg/logger"
	"github.com/driftlabs/driftdb/pkg/revtree"
	"github.com/driftlabs/driftdb/pkg/store"
)

// Source is the store side revisions are read from.
type Source interface {
	feed.Source
	RevTree(ctx context.Context, id string) (*revtree.Tree, error)
	GetRev(ctx context.Context, id string, rev revtree.RevID) (*store.Document, error)
}

// Target is the store side revisions are written to.
type Target interface {
	RevsDiff(ctx context.Context, id string, revs []revtree.RevID) ([]revtree.RevID, error)
	ApplyRevision(ctx context.Context, rev store.Revision) error
}

// Config configures a one-directional replicator.
type Config struct {
	Source Source
	Target Target

	// Checkpoints persists progress between runs. Usually the local
	// store for both directions, so checkpoints survive restarts even
	// when the remote does not keep any.
	Checkpoints store.CheckpointStore

	// CheckpointID names this direction's checkpoint. Use CheckpointID
	// to derive one from stable endpoint names.
	CheckpointID string

	// BatchSize caps changes per batch. Zero defaults to 100.
	BatchSize int

	Logger logger.Logger
}

const defaultBatchSize = 100

// CheckpointID derives a stable checkpoint identifier from a direction
// and the two endpoint names, so the same pairing resumes the same
// checkpoint across restarts.
func CheckpointID(direction, source, target string) string {
	sum := sha256.Sum256([]byte(direction + "\x00" + source + "\x00" + target))
	return direction + "-" + hex.EncodeToString(sum[:])[:16]
}

// Stats reports what one run moved.
type Stats struct {
	Docs int
	Revs int
	Seq  uint64
}

// Progress is delivered after each continuous batch. An entry with zero
// Docs is an idle heartbeat.
type Progress struct {
	Seq  uint64
	Docs int
	Revs int
}

// Replicator copies revisions from Source to Target.
type Replicator struct {
	cfg       Config
	sessionID string
	log       logger.Logger
}

func New(cfg Config) (*Replicator, error) {
	if cfg.Source == nil || cfg.Target == nil {
		return nil, fmt.Errorf("replication requires both a source and a target")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("replication requires a checkpoint store")
	}
	if cfg.CheckpointID == "" {
		return nil, fmt.Errorf("replication requires a checkpoint id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	return &Replicator{
		cfg:       cfg,
		sessionID: uuid.Must(uuid.NewV4()).String(),
		log:       cfg.Logger,
	}, nil
}

// SessionID identifies this replicator instance in checkpoints.
func (r *Replicator) SessionID() string {
	return r.sessionID
}

// RunOnce drains the source's change log from the last checkpoint to the
// current sequence and returns. The checkpoint advances only after a
// batch lands in full; a failed batch leaves it untouched.
func (r *Replicator) RunOnce(ctx context.Context) (Stats, error) {
	cp, err := r.cfg.Checkpoints.Checkpoint(ctx, r.cfg.CheckpointID)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to load checkpoint %q: %w", r.cfg.CheckpointID, err)
	}

	stats := Stats{Seq: cp.SourceSeq}
	for {
		changes, err := r.cfg.Source.ChangesSince(ctx, stats.Seq, r.cfg.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("failed to read changes after seq %d: %w", stats.Seq, err)
		}
		if len(changes) == 0 {
			return stats, nil
		}

		docs, revs, err := r.transferBatch(ctx, changes)
		if err != nil {
			return stats, err
		}

		stats.Docs += docs
		stats.Revs += revs
		stats.Seq = changes[len(changes)-1].Seq

		if err := r.saveCheckpoint(ctx, stats.Seq); err != nil {
			return stats, err
		}
		r.log.Debug("replication batch complete", "checkpoint", r.cfg.CheckpointID, "seq", stats.Seq, "docs", docs, "revs", revs)
	}
}

// RunContinuous drains the backlog, then follows the source's change
// feed until ctx is done, reporting after every batch through onProgress
// when it is non-nil. Heartbeat bounds how long the feed idles between
// empty progress reports.
func (r *Replicator) RunContinuous(ctx context.Context, heartbeat time.Duration, onProgress func(Progress)) error {
	cp, err := r.cfg.Checkpoints.Checkpoint(ctx, r.cfg.CheckpointID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint %q: %w", r.cfg.CheckpointID, err)
	}

	f := feed.New(r.cfg.Source, feed.Options{
		Since:      cp.SourceSeq,
		Limit:      r.cfg.BatchSize,
		Continuous: true,
		Heartbeat:  heartbeat,
	})
	defer f.Close()

	for {
		changes, err := f.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return err
		}

		if len(changes) == 0 {
			if onProgress != nil {
				onProgress(Progress{Seq: f.Seq()})
			}
			continue
		}

		docs, revs, err := r.transferBatch(ctx, changes)
		if err != nil {
			return err
		}
		seq := changes[len(changes)-1].Seq
		if err := r.saveCheckpoint(ctx, seq); err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(Progress{Seq: seq, Docs: docs, Revs: revs})
		}
	}
}

// transferBatch moves every revision the target is missing for the
// documents named in changes. A document with a corrupt tree is logged
// and skipped so one bad document cannot wedge replication; any other
// error aborts the batch before its checkpoint.
func (r *Replicator) transferBatch(ctx context.Context, changes []store.Change) (int, int, error) {
	docs := 0
	revs := 0

	for _, change := range changes {
		n, err := r.transferDoc(ctx, change.ID)
		if err != nil {
			if errors.Is(err, store.ErrCorruptTree) {
				r.log.Warn("skipping document with corrupt revision tree", "id", change.ID, "error", err)
				continue
			}
			return docs, revs, err
		}
		if n > 0 {
			docs++
			revs += n
		}
	}
	return docs, revs, nil
}

func (r *Replicator) transferDoc(ctx context.Context, id string) (int, error) {
	tree, err := r.cfg.Source.RevTree(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read revision tree of %q: %w", id, err)
	}

	missing, err := r.cfg.Target.RevsDiff(ctx, id, tree.IDs())
	if err != nil {
		return 0, fmt.Errorf("failed to diff revisions of %q: %w", id, err)
	}
	if len(missing) == 0 {
		return 0, nil
	}

	// Parents before children, so the target never sees an orphan.
	sort.Slice(missing, func(i, j int) bool {
		return revtree.Compare(missing[i], missing[j]) < 0
	})

	applied := 0
	for _, rev := range missing {
		node, ok := tree.Get(rev)
		if !ok {
			return applied, fmt.Errorf("%w: target asked for %s of %q which the source tree lacks", store.ErrCorruptTree, rev, id)
		}

		var body store.Body
		if !node.Deleted {
			doc, err := r.cfg.Source.GetRev(ctx, id, rev)
			if err != nil {
				return applied, fmt.Errorf("failed to read %s of %q: %w", rev, id, err)
			}
			body = doc.Body
		}

		err := r.cfg.Target.ApplyRevision(ctx, store.Revision{
			ID:      id,
			Rev:     rev,
			Parent:  node.Parent,
			Deleted: node.Deleted,
			Body:    body,
		})
		if err != nil {
			return applied, fmt.Errorf("failed to apply %s of %q: %w", rev, id, err)
		}
		applied++
	}
	return applied, nil
}

func (r *Replicator) saveCheckpoint(ctx context.Context, seq uint64) error {
	err := r.cfg.Checkpoints.SaveCheckpoint(ctx, store.Checkpoint{
		ID:        r.cfg.CheckpointID,
		SourceSeq: seq,
		SessionID: r.sessionID,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %q at seq %d: %w", r.cfg.CheckpointID, seq, err)
	}
	return nil
}
