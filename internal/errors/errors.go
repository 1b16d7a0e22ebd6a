// Package errors implements saltpeter's error taxonomy: config errors,
// dispatch errors, agent launch failures, heartbeat loss, job timeouts and
// channel protocol violations. State races are guarded entirely by locking
// and never surface as a user-visible error.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindConfig          Kind = "config"
	KindDispatch        Kind = "dispatch"
	KindAgentLaunch     Kind = "agent_launch"
	KindHeartbeatLoss   Kind = "heartbeat_loss"
	KindJobTimeout      Kind = "job_timeout"
	KindChannelProtocol Kind = "channel_protocol"
	KindInternal        Kind = "internal"
	KindNotFound        Kind = "not_found"
	KindInvalidArgument Kind = "invalid_argument"
)

func (k Kind) String() string { return string(k) }

// Error is saltpeter's domain error type: a kind, the entity it occurred
// on, a message, and an optionally wrapped cause.
type Error struct {
	Kind    Kind
	Entity  string
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s[%s]: %s: %v", e.Kind, e.Entity, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Entity, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

func New(kind Kind, entity, msg string) *Error {
	return &Error{Kind: kind, Entity: entity, Message: msg}
}

func Wrap(kind Kind, entity, msg string, err error) *Error {
	return &Error{Kind: kind, Entity: entity, Message: msg, Wrapped: err}
}

func Config(entity, msg string) *Error        { return New(KindConfig, entity, msg) }
func Dispatch(entity, msg string) *Error       { return New(KindDispatch, entity, msg) }
func AgentLaunch(entity, msg string) *Error    { return New(KindAgentLaunch, entity, msg) }
func HeartbeatLoss(entity, msg string) *Error  { return New(KindHeartbeatLoss, entity, msg) }
func JobTimeout(entity, msg string) *Error     { return New(KindJobTimeout, entity, msg) }
func ChannelProtocol(entity, msg string) *Error {
	return New(KindChannelProtocol, entity, msg)
}
func NotFound(entity, msg string) *Error        { return New(KindNotFound, entity, msg) }
func InvalidArgument(entity, msg string) *Error { return New(KindInvalidArgument, entity, msg) }

// KindOf reports the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// MultiError accumulates independent errors from fanning out to many
// targets.
type MultiError struct {
	Msg    string
	Errors []error
}

func NewMultiError(msg string) *MultiError {
	return &MultiError{Msg: msg}
}

func (m *MultiError) Append(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

func (m *MultiError) Empty() bool { return len(m.Errors) == 0 }

func (m *MultiError) Error() string {
	parts := make([]string, 0, len(m.Errors))
	for _, err := range m.Errors {
		parts = append(parts, err.Error())
	}
	return m.Msg + ": " + strings.Join(parts, "; ")
}

// ErrNotImplemented is returned by bus stubs that document a wire shape
// without backing it (e.g. bus.Salt), since wiring an actual remote-exec
// backend is out of scope.
var ErrNotImplemented = errors.New("saltpeter: not implemented")
