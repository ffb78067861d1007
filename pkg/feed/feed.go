// Package feed turns a store's change log into a consumable feed.
//
// A feed holds no state of its own beyond the last sequence it handed
// out; every batch is derived from the store's ChangesSince, so a feed
// can be dropped and recreated at any sequence without loss.
package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/driftlabs/driftdb/pkg/store"
)

// Source is the slice of a store a feed reads from.
type Source interface {
	ChangesSince(ctx context.Context, seq uint64, limit int) ([]store.Change, error)
	Sequence(ctx context.Context) (uint64, error)
}

// Options configures a feed.
type Options struct {
	// Since is the sequence to resume after; zero streams from the start.
	Since uint64

	// Limit caps the batch size. Zero means no cap.
	Limit int

	// Continuous keeps the feed open after it catches up, blocking in
	// Next until new changes arrive. A finite feed returns an empty
	// batch once caught up.
	Continuous bool

	// Heartbeat bounds how long a continuous Next blocks with nothing to
	// report before returning an empty batch. Zero defaults to 30s.
	Heartbeat time.Duration

	// Poll is the fallback interval used when the source does not
	// support change notification. Zero defaults to 500ms.
	Poll time.Duration
}

const (
	defaultHeartbeat = 30 * time.Second
	defaultPoll      = 500 * time.Millisecond
)

// Feed reads change batches from a source in sequence order. Not safe
// for concurrent use; one consumer per feed.
type Feed struct {
	source  Source
	opts    Options
	seq     uint64
	notify  <-chan struct{}
	release func()
	done    bool
}

// New opens a feed over source. If the source also implements
// store.Watchable the feed blocks on its notifications; otherwise a
// continuous feed falls back to polling.
func New(source Source, opts Options) *Feed {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.Poll <= 0 {
		opts.Poll = defaultPoll
	}

	f := &Feed{source: source, opts: opts, seq: opts.Since}
	if opts.Continuous {
		if w, ok := source.(store.Watchable); ok {
			f.notify, f.release = w.Watch()
		}
	}
	return f
}

// Seq returns the sequence of the last change handed out.
func (f *Feed) Seq() uint64 {
	return f.seq
}

// Next returns the next batch of changes. On a finite feed an empty
// batch means the feed has caught up and is exhausted. On a continuous
// feed Next blocks until changes arrive, the heartbeat elapses (empty
// batch, feed still open), or ctx is done.
func (f *Feed) Next(ctx context.Context) ([]store.Change, error) {
	if f.done {
		return nil, nil
	}

	changes, err := f.source.ChangesSince(ctx, f.seq, f.opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes after seq %d: %w", f.seq, err)
	}
	if len(changes) > 0 {
		f.seq = changes[len(changes)-1].Seq
		return changes, nil
	}

	if !f.opts.Continuous {
		f.done = true
		return nil, nil
	}
	return f.wait(ctx)
}

// wait blocks until the source signals new changes or the heartbeat
// elapses, then re-reads. A notification can arrive for a change the
// initial read already returned, so an empty re-read loops back to
// waiting instead of returning early.
func (f *Feed) wait(ctx context.Context) ([]store.Change, error) {
	deadline := time.NewTimer(f.opts.Heartbeat)
	defer deadline.Stop()

	for {
		if f.notify != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-deadline.C:
				return nil, nil
			case <-f.notify:
			}
		} else {
			poll := time.NewTimer(f.opts.Poll)
			select {
			case <-ctx.Done():
				poll.Stop()
				return nil, ctx.Err()
			case <-deadline.C:
				poll.Stop()
				return nil, nil
			case <-poll.C:
			}
		}

		changes, err := f.source.ChangesSince(ctx, f.seq, f.opts.Limit)
		if err != nil {
			return nil, fmt.Errorf("failed to read changes after seq %d: %w", f.seq, err)
		}
		if len(changes) > 0 {
			f.seq = changes[len(changes)-1].Seq
			return changes, nil
		}
	}
}

// Close releases the feed's change notification, if any. Further Next
// calls return empty batches.
func (f *Feed) Close() error {
	f.done = true
	if f.release != nil {
		f.release()
		f.release = nil
	}
	return nil
}
