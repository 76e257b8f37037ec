//go:build linux

package qemu

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
)

// Sentinel errors for lifecycle failures.
// Use errors.Is() to check for these error types.
var (
	// ErrNotRunning indicates an operation needs a started instance.
	ErrNotRunning = errors.New("instance not running")

	// ErrInvalidStateTransition indicates an invalid state machine transition was attempted.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrNoControlSocket indicates the monitor socket was not registered on the command line.
	ErrNoControlSocket = errors.New("no control socket registered")

	// ErrNoCommandSocket indicates the QMP socket was not registered on the command line.
	ErrNoCommandSocket = errors.New("no command socket registered")

	// ErrNoPortForward indicates the instance runs without a forwarded SSH port.
	ErrNoPortForward = errors.New("port forwarding disabled")
)

// ConfigurationError reports a fragment that cannot be rendered: a selector
// outside its closed set or a fragment in an invalid state.
type ConfigurationError struct {
	Kind   FragmentKind
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s fragment: %s", e.Kind, e.Reason)
}

func (e *ConfigurationError) Unwrap() []error {
	return []error{errdefs.ErrInvalidArgument}
}

func configErrorf(kind FragmentKind, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// ConnectionError reports a control socket that could not be reached within
// the retry budget.
type ConnectionError struct {
	Socket   string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: gave up after %d attempts: %v", e.Socket, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{errdefs.ErrUnavailable, e.Err}
}

// ProtocolError reports a peer that never produced the expected prompt.
type ProtocolError struct {
	Socket   string
	Expected string
	Received string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: prompt %q not observed (received %q)", e.Socket, e.Expected, truncate(e.Received, 128))
}

func (e *ProtocolError) Unwrap() []error {
	return []error{errdefs.ErrUnavailable}
}

// StateTimeoutError reports that a polled status never matched the target.
type StateTimeoutError struct {
	Target string
	Polls  int
	Last   []string
}

func (e *StateTimeoutError) Error() string {
	return fmt.Sprintf("state %q not reached after %d polls (last response %q)",
		e.Target, e.Polls, truncate(strings.Join(e.Last, MonitorDelimiter), 128))
}

func (e *StateTimeoutError) Unwrap() []error {
	return []error{errdefs.ErrDeadlineExceeded}
}

// TimeoutError reports that the process did not exit within the wait budget.
// The process is left running.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() []error {
	return []error{errdefs.ErrDeadlineExceeded}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
