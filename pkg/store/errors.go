package store

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict means an optimistic write lost the race: the caller's
	// expected parent is no longer a current leaf. The caller should
	// re-read and retry the edit; the engine never retries this on its
	// own.
	ErrConflict = errors.New("store: revision conflict")

	// ErrNotFound means the document does not exist or its winning
	// revision is a tombstone.
	ErrNotFound = errors.New("store: document not found")

	// ErrDenied means the peer rejected the request for authorization
	// reasons. Not retried automatically; the caller has to intervene,
	// typically by re-authenticating.
	ErrDenied = errors.New("store: access denied")

	// ErrCorruptTree means a revision tree invariant was violated, e.g. a
	// received revision names a parent that does not exist and cannot be
	// fetched. Replication treats it as fatal for that document only.
	ErrCorruptTree = errors.New("store: corrupt revision tree")
)

// TransientError wraps network-level failures that are worth retrying.
// The sync session retries these with backoff and reports them as error
// lifecycle events, never as fatal failures.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
