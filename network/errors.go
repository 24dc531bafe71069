package network

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrPeerUnknown indicates the target node is not paired.
	ErrPeerUnknown = errors.New("network: peer is not paired")
	// ErrAlreadyPaired indicates PairNode was called for a paired node.
	ErrAlreadyPaired = errors.New("network: peer is already paired")
	// ErrAssertionMismatch indicates a message was routed to the wrong node.
	ErrAssertionMismatch = errors.New("network: message routing assertion failed")
	// ErrNotStarted indicates the manager has no active listener.
	ErrNotStarted = errors.New("network: peer manager is not started")
	// ErrPermissionDenied indicates the policy refused an operation.
	ErrPermissionDenied = errors.New("network: permission denied")
	// ErrStaleMessage indicates an origination time outside the accepted clock skew.
	ErrStaleMessage = errors.New("network: message origination time out of range")
	// ErrReplayedMessage indicates a message ID was already processed.
	ErrReplayedMessage = errors.New("network: message already seen")

	errUnknownRemote = errors.New("network: unrecognized remote")
)

// DetectedIssueError reports a negative acknowledgement from the remote node.
type DetectedIssueError struct {
	Trigger  string
	Outcome  string
	Severity string
	Detail   string
}

func (e *DetectedIssueError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("remote rejected %s (%s)", e.Trigger, e.Severity)
	}
	return fmt.Sprintf("remote rejected %s (%s): %s", e.Trigger, e.Severity, e.Detail)
}

// PeerToPeerError wraps a transport or codec failure during one exchange.
type PeerToPeerError struct {
	Origin      uuid.UUID
	Destination uuid.UUID
	Trigger     string
	Err         error
}

func (e *PeerToPeerError) Error() string {
	return fmt.Sprintf("exchange %s from %s to %s: %v", e.Trigger, e.Origin, e.Destination, e.Err)
}

func (e *PeerToPeerError) Unwrap() error {
	return e.Err
}
