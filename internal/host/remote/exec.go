package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/containerd/log"
	"golang.org/x/crypto/ssh"
)

// Result is the outcome of a remote command.
type Result struct {
	Command    string
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
}

// Execute runs cmd through the guest's shell and returns its exit status
// and captured output. A non-zero exit is not an error. Cancelling ctx
// sends SIGKILL to the remote command and returns ctx.Err().
func (c *Client) Execute(ctx context.Context, cmd string) (*Result, error) {
	session, err := c.ssh.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	logger := log.G(ctx).WithField("addr", c.addr)
	logger.Debugf("remote: $ %s", cmd)

	if err := session.Start(cmd); err != nil {
		return nil, fmt.Errorf("start %q: %w", cmd, err)
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- session.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	}

	res := &Result{Command: cmd, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if waitErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("run %q: %w", cmd, waitErr)
		}
		res.ExitStatus = exitErr.ExitStatus()
	}
	logger.WithField("status", res.ExitStatus).Debug("remote: command finished")
	return res, nil
}

// ExecuteChecked runs cmd and returns *ExecError, carrying stderr, when it
// exits non-zero.
func (c *Client) ExecuteChecked(ctx context.Context, cmd string) (*Result, error) {
	res, err := c.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitStatus != 0 {
		return res, &ExecError{
			Command:    cmd,
			ExitStatus: res.ExitStatus,
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
		}
	}
	return res, nil
}

// PowerOff asks the guest to power off and returns without waiting; the
// connection usually drops before the command reports a status.
func (c *Client) PowerOff(ctx context.Context) error {
	return c.startDetached(ctx, "poweroff")
}

// SyncPowerOff flushes guest filesystems, then powers off, without waiting.
func (c *Client) SyncPowerOff(ctx context.Context) error {
	return c.startDetached(ctx, "sync && poweroff")
}

func (c *Client) startDetached(ctx context.Context, cmd string) error {
	session, err := c.ssh.NewSession()
	if err != nil {
		return fmt.Errorf("open ssh session: %w", err)
	}
	log.G(ctx).WithField("addr", c.addr).Debugf("remote: $ %s (detached)", cmd)
	if err := session.Start(cmd); err != nil {
		_ = session.Close()
		return fmt.Errorf("start %q: %w", cmd, err)
	}
	go func() {
		_ = session.Wait()
		_ = session.Close()
	}()
	return nil
}
