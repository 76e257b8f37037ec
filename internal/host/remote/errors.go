package remote

import (
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
)

// ConnectTimeoutError reports that the guest's SSH service did not accept
// a session before the connect deadline.
type ConnectTimeoutError struct {
	Addr     string
	Timeout  time.Duration
	Attempts int
	Err      error
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("ssh %s: not reachable after %s (%d attempts): %v", e.Addr, e.Timeout, e.Attempts, e.Err)
}

func (e *ConnectTimeoutError) Unwrap() []error {
	return []error{errdefs.ErrDeadlineExceeded, e.Err}
}

// AuthError reports credentials the guest rejected. It is never retried.
type AuthError struct {
	Addr string
	User string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ssh %s: authentication failed for %s: %v", e.Addr, e.User, e.Err)
}

func (e *AuthError) Unwrap() []error {
	return []error{errdefs.ErrUnauthenticated, e.Err}
}

// ExecError reports a remote command that exited non-zero where success was
// required. Stderr carries the command's standard error.
type ExecError struct {
	Command    string
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
}

func (e *ExecError) Error() string {
	stderr := strings.TrimSpace(string(e.Stderr))
	if stderr == "" {
		return fmt.Sprintf("remote command %q exited with status %d", e.Command, e.ExitStatus)
	}
	return fmt.Sprintf("remote command %q exited with status %d: %s", e.Command, e.ExitStatus, stderr)
}

func (e *ExecError) Unwrap() []error {
	return []error{errdefs.ErrFailedPrecondition}
}
