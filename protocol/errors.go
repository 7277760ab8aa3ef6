package protocol

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

var (
	// ErrScopeViolation is returned when an operand or target scope is not a
	// subset of the active scope, or when an empty scope is pushed.
	ErrScopeViolation = errors.New("scope violation")

	// ErrTypeMismatch is returned for incompatible typecodes or kinds, for
	// impossible promotions, and when nodes disagree on a reply.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrKeyUniqueness is returned when a uniqueness-indexed structure would
	// hold duplicate keys.
	ErrKeyUniqueness = errors.New("key uniqueness violation")

	// ErrRemoteArithmetic is the default class of an error reported by a node.
	ErrRemoteArithmetic = errors.New("remote error")

	// ErrTransport is returned after the transport retry budget is exhausted.
	ErrTransport = errors.New("transport error")

	// ErrVerificationFailure is returned when a cross-node assertion fails.
	ErrVerificationFailure = errors.New("verification failure")
)

// NodeError is an error reported by, or on behalf of, a single node.
type NodeError struct {
	Node Node
	Msg  string
	Err  error
}

// NewNodeError classifies a node-reported message. Messages that start with
// the text of a known sentinel are attributed to that sentinel, anything
// else is a remote arithmetic error.
func NewNodeError(n Node, msg string) *NodeError {
	return &NodeError{Node: n, Msg: msg, Err: classify(msg)}
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Node, e.Msg)
}

func (e *NodeError) Unwrap() error { return e.Err }

func classify(msg string) error {
	for _, sentinel := range []error{ErrScopeViolation, ErrTypeMismatch, ErrKeyUniqueness, ErrTransport} {
		if strings.HasPrefix(msg, sentinel.Error()) {
			return sentinel
		}
	}
	return ErrRemoteArithmetic
}

// RemoteError aggregates the per-node failures of one command.
type RemoteError struct {
	Command string
	Err     error
}

// NewRemoteError combines node errors with multierr.
func NewRemoteError(command string, errs []*NodeError) *RemoteError {
	var combined error
	for _, e := range errs {
		combined = multierr.Append(combined, e)
	}
	return &RemoteError{Command: command, Err: combined}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Failures returns the individual node errors.
func (e *RemoteError) Failures() []*NodeError {
	var out []*NodeError
	for _, err := range multierr.Errors(e.Err) {
		var ne *NodeError
		if errors.As(err, &ne) {
			out = append(out, ne)
		}
	}
	return out
}

// ScopeError builds an ErrScopeViolation naming the offending nodes.
func ScopeError(what string, missing []Node) error {
	names := make([]string, len(missing))
	for i, n := range missing {
		names[i] = n.String()
	}
	return fmt.Errorf("%w: %s not held by %s", ErrScopeViolation, what, strings.Join(names, ", "))
}
