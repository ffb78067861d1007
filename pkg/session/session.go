// Package session runs bidirectional replication between a local and a
// remote store as a supervised, observable long-lived process.
//
// A session owns two replicators (push and pull), a state machine with
// validated transitions, and an event stream consumers subscribe to.
// Transient failures are retried with exponential backoff; authorization
// failures stop the affected direction and are never retried
// automatically.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/driftlabs/driftdb/pkg/logger"
	"github.com/driftlabs/driftdb/pkg/replication"
	"github.com/driftlabs/driftdb/pkg/store"
)

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StateActive
	StatePaused
	StateError
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateActive:
		return "Active"
	case StatePaused:
		return "Paused"
	case StateError:
		return "Error"
	case StateStopped:
		return "Stopped"
	default:
		return "InvalidState"
	}
}

func (s State) validateTransitionTo(newState State) error {
	switch s {
	case StateIdle:
		if newState == StateActive || newState == StateStopped {
			return nil
		}
	case StateActive:
		switch newState {
		case StateActive, StatePaused, StateError, StateStopped:
			return nil
		}
	case StatePaused:
		switch newState {
		case StateActive, StateError, StateStopped:
			return nil
		}
	case StateError:
		// A successful retry lands on Active when it moved work and on
		// Paused when the recovery pass found nothing to transfer.
		switch newState {
		case StateActive, StatePaused, StateError, StateStopped:
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %v to %v", s, newState)
}

// EventKind classifies session events.
type EventKind string

const (
	// EventChange reports documents moved by one direction.
	EventChange EventKind = "change"
	// EventPaused reports a live session going idle, fully caught up.
	EventPaused EventKind = "paused"
	// EventActive reports a direction resuming transfers.
	EventActive EventKind = "active"
	// EventError reports a retryable failure; the session backs off and
	// tries again when retry is enabled.
	EventError EventKind = "error"
	// EventDenied reports an authorization rejection. The affected
	// direction stops and is not retried.
	EventDenied EventKind = "denied"
)

// Direction names which replicator an event came from.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// Event is one entry of a session's event stream.
type Event struct {
	Kind      EventKind
	Direction Direction
	Seq       uint64
	Docs      int
	Revs      int
	Err       error
	Time      time.Time
}

// Endpoint is a store a session can both read from and write to.
type Endpoint interface {
	replication.Source
	replication.Target
}

// Config configures a session.
type Config struct {
	Local  Endpoint
	Remote Endpoint

	// Checkpoints persists both directions' progress, usually the local
	// store.
	Checkpoints store.CheckpointStore

	// LocalName and RemoteName are stable endpoint names used to derive
	// checkpoint ids, e.g. a database path and a base URL.
	LocalName  string
	RemoteName string

	// Live keeps the session running after the initial catch-up,
	// following both change feeds. A non-live session stops after one
	// full round trip.
	Live bool

	// Retry re-runs a direction after a retryable failure with
	// exponential backoff. Without it the first failure stops the
	// direction.
	Retry bool

	// BatchSize caps changes per replication batch. Zero defaults to 100.
	BatchSize int

	// BackoffMin and BackoffMax bound the retry delay. Zero defaults to
	// 500ms and 30s.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// Heartbeat bounds how long a live direction idles between paused
	// events. Zero defaults to 25s.
	Heartbeat time.Duration

	Logger logger.Logger
}

const (
	defaultBackoffMin = 500 * time.Millisecond
	defaultBackoffMax = 30 * time.Second
	defaultHeartbeat  = 25 * time.Second
)

type subscriber struct {
	ch    chan Event
	kinds map[EventKind]struct{}
}

// Session is a running bidirectional sync.
type Session struct {
	cfg  Config
	log  logger.Logger
	push *replication.Replicator
	pull *replication.Replicator

	stateMu sync.Mutex
	state   State

	subMu sync.Mutex
	subs  map[*subscriber]struct{}

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	errMu   sync.Mutex
	lastErr error
}

// New builds a session. Start begins replication.
func New(cfg Config) (*Session, error) {
	if cfg.Local == nil || cfg.Remote == nil {
		return nil, fmt.Errorf("session requires both a local and a remote endpoint")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("session requires a checkpoint store")
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = defaultBackoffMin
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}

	push, err := replication.New(replication.Config{
		Source:       cfg.Local,
		Target:       cfg.Remote,
		Checkpoints:  cfg.Checkpoints,
		CheckpointID: replication.CheckpointID("push", cfg.LocalName, cfg.RemoteName),
		BatchSize:    cfg.BatchSize,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build push replicator: %w", err)
	}
	pull, err := replication.New(replication.Config{
		Source:       cfg.Remote,
		Target:       cfg.Local,
		Checkpoints:  cfg.Checkpoints,
		CheckpointID: replication.CheckpointID("pull", cfg.RemoteName, cfg.LocalName),
		BatchSize:    cfg.BatchSize,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build pull replicator: %w", err)
	}

	return &Session{
		cfg:   cfg,
		log:   cfg.Logger,
		push:  push,
		pull:  pull,
		state: StateIdle,
		subs:  make(map[*subscriber]struct{}),
	}, nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) transitionTo(newState State) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.state == newState {
		return false
	}
	if err := s.state.validateTransitionTo(newState); err != nil {
		s.log.Debug("session state transition skipped", "error", err)
		return false
	}
	s.state = newState
	s.log.Debug("session state transitioned", "new_state", newState)
	return true
}

// Subscribe returns a channel of session events. With no kinds given
// every event is delivered; otherwise only the named kinds. A slow
// consumer loses events rather than blocking the session. The cancel
// func releases the subscription.
func (s *Session) Subscribe(kinds ...EventKind) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, 32)}
	if len(kinds) > 0 {
		sub.kinds = make(map[EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		delete(s.subs, sub)
		s.subMu.Unlock()
	}
	return sub.ch, cancel
}

func (s *Session) emit(ev Event) {
	ev.Time = time.Now()

	s.subMu.Lock()
	for sub := range s.subs {
		if sub.kinds != nil {
			if _, ok := sub.kinds[ev.Kind]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			s.log.Warn("dropping session event for slow subscriber", "kind", ev.Kind)
		}
	}
	s.subMu.Unlock()
}

// Start begins replication in both directions. It returns immediately;
// progress is observed through Subscribe and Wait.
func (s *Session) Start(ctx context.Context) error {
	if !s.transitionTo(StateActive) {
		return fmt.Errorf("session already started or stopped")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.runDirection(ctx, DirectionPush, s.push)
	go s.runDirection(ctx, DirectionPull, s.pull)

	if !s.cfg.Live {
		go func() {
			s.wg.Wait()
			s.Stop()
		}()
	}
	return nil
}

// runDirection supervises one replicator: run, and on retryable failure
// back off and run again. Denied and non-retryable failures stop the
// direction.
func (s *Session) runDirection(ctx context.Context, dir Direction, r *replication.Replicator) {
	defer s.wg.Done()

	attempt := 0
	for {
		err := s.runPass(ctx, dir, r)
		if err == nil {
			// Only a non-live pass completes without error.
			return
		}
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, store.ErrDenied) {
			s.log.Error("replication denied", "direction", dir, "error", err)
			s.emit(Event{Kind: EventDenied, Direction: dir, Err: err})
			s.transitionTo(StateError)
			s.setErr(err)
			return
		}

		s.emit(Event{Kind: EventError, Direction: dir, Err: err})
		s.transitionTo(StateError)

		if !s.cfg.Retry {
			s.log.Error("replication failed", "direction", dir, "error", err)
			s.setErr(err)
			return
		}

		delay := s.backoff(attempt)
		attempt++
		s.log.Warn("replication failed, backing off", "direction", dir, "error", err, "delay", delay, "attempt", attempt)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runPass runs one replication pass: a single catch-up for non-live
// sessions, a blocking feed-follow for live ones.
func (s *Session) runPass(ctx context.Context, dir Direction, r *replication.Replicator) error {
	if !s.cfg.Live {
		stats, err := r.RunOnce(ctx)
		if err != nil {
			return err
		}
		if stats.Docs > 0 {
			s.emit(Event{Kind: EventChange, Direction: dir, Seq: stats.Seq, Docs: stats.Docs, Revs: stats.Revs})
		}
		return nil
	}

	return r.RunContinuous(ctx, s.cfg.Heartbeat, func(p replication.Progress) {
		if p.Docs == 0 {
			if s.transitionTo(StatePaused) {
				s.emit(Event{Kind: EventPaused, Direction: dir, Seq: p.Seq})
			}
			return
		}
		if s.transitionTo(StateActive) {
			s.emit(Event{Kind: EventActive, Direction: dir, Seq: p.Seq})
		}
		s.emit(Event{Kind: EventChange, Direction: dir, Seq: p.Seq, Docs: p.Docs, Revs: p.Revs})
	})
}

// backoff returns the delay before retry attempt n: exponential from
// BackoffMin to BackoffMax with half-range jitter, so a fleet of clients
// recovering from the same outage does not reconnect in lockstep.
func (s *Session) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffMin
	for i := 0; i < attempt && d < s.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > s.cfg.BackoffMax {
		d = s.cfg.BackoffMax
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

// Err returns the error that terminated a direction, if any. Transient
// failures that were retried successfully do not count.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// Stop ends the session and waits for both directions to finish their
// current batch. Safe to call more than once and from event consumers.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.stateMu.Lock()
		s.state = StateStopped
		s.stateMu.Unlock()
		s.log.Debug("session stopped")
	})
}

// Wait blocks until both directions have finished, then returns the last
// replication error if the session ended because of one.
func (s *Session) Wait() error {
	s.wg.Wait()
	return s.Err()
}
