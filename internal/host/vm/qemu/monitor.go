//go:build linux

package qemu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"
)

// ControlChannel speaks the QEMU human monitor protocol over a Unix socket.
//
// The protocol has no framing beyond the "(qemu)" prompt: a command is sent
// followed by a carriage return and the response is whatever arrives until
// the peer goes quiet for ReadTimeout. Responses are split on the prompt.
//
// Commands are serialized; the channel carries one command at a time.
type ControlChannel struct {
	path string
	opts ControlOptions

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// ControlOptions tunes connection retries and response timing. Zero fields
// take package defaults.
type ControlOptions struct {
	// ConnectRetries is the number of dial attempts (default 60).
	ConnectRetries int
	// RetryInterval is the pause between dial attempts (default 1s).
	RetryInterval time.Duration
	// ReadTimeout is the silence that ends a response (default 2s).
	ReadTimeout time.Duration
	// PromptTimeout bounds the wait for the first prompt (default 5×ReadTimeout).
	PromptTimeout time.Duration
	// EmptyBackoff is the pause after an empty status poll (default 200ms).
	EmptyBackoff time.Duration
}

func (o ControlOptions) withDefaults() ControlOptions {
	if o.ConnectRetries <= 0 {
		o.ConnectRetries = defaultMonitorConnectRetries
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = defaultMonitorRetryInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultMonitorReadTimeout
	}
	if o.PromptTimeout <= 0 {
		o.PromptTimeout = 5 * o.ReadTimeout
	}
	if o.EmptyBackoff <= 0 {
		o.EmptyBackoff = emptyResponseBackoff
	}
	return o
}

// DialControlChannel connects to the monitor socket at path, retrying while
// the socket does not exist or refuses connections, then waits for the
// first prompt.
//
// Returns *ConnectionError when the retry budget is exhausted and
// *ProtocolError when the prompt never appears.
func DialControlChannel(ctx context.Context, path string, opts ControlOptions) (*ControlChannel, error) {
	opts = opts.withDefaults()
	if len(path) > maxUnixSocketPath {
		return nil, fmt.Errorf("monitor socket path too long (%d > %d): %s", len(path), maxUnixSocketPath, path)
	}

	logger := log.G(ctx).WithField("socket", path)

	var (
		conn    net.Conn
		lastErr error
		dialer  net.Dialer
	)
	for attempt := 1; attempt <= opts.ConnectRetries; attempt++ {
		conn, lastErr = dialer.DialContext(ctx, "unix", path)
		if lastErr == nil {
			break
		}
		logger.WithError(lastErr).WithField("attempt", attempt).Debug("qemu: monitor not ready")
		if attempt == opts.ConnectRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &ConnectionError{Socket: path, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(opts.RetryInterval):
		}
	}
	if lastErr != nil {
		return nil, &ConnectionError{Socket: path, Attempts: opts.ConnectRetries, Err: lastErr}
	}

	c := &ControlChannel{path: path, opts: opts, conn: conn}
	if err := c.awaitPrompt(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Debug("qemu: monitor connected")
	return c, nil
}

// awaitPrompt consumes the greeting up to and including the first prompt.
func (c *ControlChannel) awaitPrompt(ctx context.Context) error {
	deadline := time.Now().Add(c.opts.PromptTimeout)
	var received strings.Builder
	buf := make([]byte, 1024)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		n, err := c.conn.Read(buf)
		received.Write(buf[:n])
		if strings.Contains(received.String(), MonitorDelimiter) {
			// Drain whatever trails the prompt so the next response starts clean.
			c.drain()
			return nil
		}
		if err != nil && !isTimeout(err) {
			break
		}
	}
	return &ProtocolError{Socket: c.path, Expected: MonitorDelimiter, Received: received.String()}
}

func (c *ControlChannel) drain() {
	_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	_, _ = io.Copy(io.Discard, c.conn)
}

// Path returns the monitor socket path.
func (c *ControlChannel) Path() string {
	return c.path
}

// SendCommand writes cmd followed by a carriage return and returns the
// response split on the monitor prompt, in arrival order. An empty slice
// means nothing arrived before the read timeout.
func (c *ControlChannel) SendCommand(ctx context.Context, cmd string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("monitor %s: %w", c.path, net.ErrClosed)
	}

	logger := log.G(ctx).WithField("socket", c.path)
	logger.Debugf("qemu: >> %s", cmd)

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.ReadTimeout))
	if _, err := c.conn.Write([]byte(cmd + "\r")); err != nil {
		return nil, fmt.Errorf("send %q to monitor: %w", cmd, err)
	}

	msg, err := c.recv(ctx)
	if err != nil {
		return nil, err
	}
	if msg == "" {
		return []string{}, nil
	}
	parts := strings.Split(msg, MonitorDelimiter)
	for _, p := range parts {
		logger.Debugf("qemu: << %s", strings.TrimSpace(p))
	}
	return parts, nil
}

// recv reads until the peer stays quiet for ReadTimeout or closes.
func (c *ControlChannel) recv(ctx context.Context) (string, error) {
	var msg strings.Builder
	buf := make([]byte, 1024)
	for {
		if err := ctx.Err(); err != nil {
			return msg.String(), err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		n, err := c.conn.Read(buf)
		msg.Write(buf[:n])
		if err != nil {
			if isTimeout(err) || errors.Is(err, io.EOF) {
				return msg.String(), nil
			}
			return msg.String(), fmt.Errorf("read monitor response: %w", err)
		}
	}
}

// WaitForState polls "info status" up to retries times until a response
// fragment contains target. An empty response counts as a poll and is
// followed by a short pause. Returns *StateTimeoutError when the budget is
// exhausted.
func (c *ControlChannel) WaitForState(ctx context.Context, target string, retries int) error {
	if retries <= 0 {
		retries = defaultStateRetries
	}
	var last []string
	for poll := 1; poll <= retries; poll++ {
		msgs, err := c.SendCommand(ctx, "info status")
		if err != nil {
			return err
		}
		last = msgs
		for _, m := range msgs {
			if strings.Contains(m, target) {
				return nil
			}
		}
		if len(msgs) == 0 && poll < retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.opts.EmptyBackoff):
			}
		}
	}
	return &StateTimeoutError{Target: target, Polls: retries, Last: last}
}

// Status returns the run state reported by "info status" (e.g. "running").
func (c *ControlChannel) Status(ctx context.Context) (string, error) {
	msgs, err := c.SendCommand(ctx, "info status")
	if err != nil {
		return "", err
	}
	for _, m := range msgs {
		if _, after, ok := strings.Cut(m, "VM status: "); ok {
			fields := strings.Fields(after)
			if len(fields) > 0 {
				return strings.TrimSuffix(fields[0], ","), nil
			}
		}
	}
	return "", fmt.Errorf("no status in monitor response %q", strings.Join(msgs, MonitorDelimiter))
}

// PowerDown requests an ACPI shutdown of the guest.
func (c *ControlChannel) PowerDown(ctx context.Context) error {
	_, err := c.SendCommand(ctx, "system_powerdown")
	return err
}

// WakeUp resumes a suspended guest.
func (c *ControlChannel) WakeUp(ctx context.Context) error {
	_, err := c.SendCommand(ctx, "system_wakeup")
	return err
}

// InjectNMI injects a non-maskable interrupt and returns the raw response.
func (c *ControlChannel) InjectNMI(ctx context.Context) ([]string, error) {
	return c.SendCommand(ctx, "nmi")
}

// DumpGuestMemory asks QEMU to write guest memory to path. TDX guests
// reject this; the response carries QEMU's error text.
func (c *ControlChannel) DumpGuestMemory(ctx context.Context, path string) ([]string, error) {
	return c.SendCommand(ctx, "dump-guest-memory "+path)
}

// Quit terminates QEMU immediately.
func (c *ControlChannel) Quit(ctx context.Context) error {
	_, err := c.SendCommand(ctx, "quit")
	return err
}

// Close closes the socket. Safe to call repeatedly.
func (c *ControlChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
