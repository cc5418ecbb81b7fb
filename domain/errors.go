package domain

import (
	"errors"
	"fmt"
)

// ErrConnectivityLost indicates the event channel exhausted its reconnection
// attempts. The collection keeps accepting commands but the view is stale
// until a new connection is established.
var ErrConnectivityLost = errors.New("event channel connectivity lost")

// ValidationError reports a locally rejected mutation. It is returned before
// any network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthError reports a missing, invalid or expired credential. It is surfaced
// upward for re-authentication and never retried silently.
type AuthError struct {
	Status int
	Msg    string
}

func (e *AuthError) Error() string {
	if e.Msg == "" {
		return "authentication rejected"
	}
	return "authentication rejected: " + e.Msg
}

// SnapshotError reports a failed initial task fetch for a group. The
// collection is left empty and the caller decides whether to retry.
type SnapshotError struct {
	GroupID string
	Err     error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot fetch for group %s failed: %v", e.GroupID, e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// CommandError reports a mutation the backend rejected or the network lost.
// The optimistic state has already been rolled back when this is observed.
type CommandError struct {
	CommandID string
	Err       error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed: %v", e.CommandID, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
