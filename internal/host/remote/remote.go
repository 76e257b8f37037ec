// Package remote runs commands in, and copies files to, a guest over SSH.
//
// The guest's sshd is reached through a QEMU user-network port forward on
// the loopback interface. The forward accepts TCP connections as soon as
// QEMU starts, long before the guest's sshd is up, so Dial keeps retrying
// through refused connections and handshakes that end in EOF.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultUser and DefaultPassword are the credentials baked into the
	// test guest image.
	DefaultUser     = "root"
	DefaultPassword = "123456"

	defaultConnectTimeout   = 60 * time.Second
	defaultRetryInterval    = time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// Config describes how to reach a guest.
type Config struct {
	Host string
	Port int

	User     string
	Password string
	// KeyPath is a private key file. When set, key auth is offered before
	// the password.
	KeyPath string

	// ConnectTimeout bounds the total time Dial keeps retrying (default 60s).
	ConnectTimeout time.Duration
	// RetryInterval is the pause between attempts (default 1s).
	RetryInterval time.Duration
	// HandshakeTimeout bounds one SSH handshake (default 10s).
	HandshakeTimeout time.Duration

	// HostKeyCallback defaults to accepting any key; guests are ephemeral
	// and regenerate host keys on every boot.
	HostKeyCallback ssh.HostKeyCallback
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.User == "" {
		c.User = DefaultUser
	}
	if c.Password == "" && c.KeyPath == "" {
		c.Password = DefaultPassword
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.HostKeyCallback == nil {
		c.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // ephemeral test guests
	}
	return c
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client is an SSH session to one guest.
//
// Thread safety: Client is safe for concurrent use; each command runs in
// its own SSH session over the shared connection.
type Client struct {
	addr string
	ssh  *ssh.Client

	mu     sync.Mutex
	sftp   *sftp.Client
	closed bool
}

// Dial connects to the guest, retrying while the service is not yet
// listening or not yet producing a banner. Authentication failures are
// returned immediately as *AuthError. When the deadline passes the result
// is *ConnectTimeoutError.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("ssh: invalid port %d", cfg.Port)
	}

	sshCfg, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	addr := cfg.Addr()
	logger := log.G(ctx).WithFields(log.Fields{"addr": addr, "user": cfg.User})
	deadline := time.Now().Add(cfg.ConnectTimeout)

	var lastErr error
	for attempt := 1; ; attempt++ {
		client, err := dialOnce(ctx, addr, sshCfg, cfg.HandshakeTimeout)
		if err == nil {
			logger.WithField("attempts", attempt).Debug("remote: connected")
			return &Client{addr: addr, ssh: client}, nil
		}
		if isAuthError(err) {
			return nil, &AuthError{Addr: addr, User: cfg.User, Err: err}
		}
		if !isRetryable(err) {
			return nil, fmt.Errorf("ssh %s: %w", addr, err)
		}
		lastErr = err
		logger.WithError(err).WithField("attempt", attempt).Debug("remote: guest not ready")

		if time.Now().Add(cfg.RetryInterval).After(deadline) {
			return nil, &ConnectTimeoutError{Addr: addr, Timeout: cfg.ConnectTimeout, Attempts: attempt, Err: lastErr}
		}
		select {
		case <-ctx.Done():
			return nil, &ConnectTimeoutError{Addr: addr, Timeout: cfg.ConnectTimeout, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(cfg.RetryInterval):
		}
	}
}

func clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyPath != "" {
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		password := cfg.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         cfg.HandshakeTimeout,
	}, nil
}

func dialOnce(ctx context.Context, addr string, cfg *ssh.ClientConfig, handshakeTimeout time.Duration) (*ssh.Client, error) {
	d := net.Dialer{Timeout: handshakeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// isRetryable reports conditions that mean "sshd is still starting": the
// port refuses or resets connections, or the peer hangs up or stalls before
// sending its banner.
func isRetryable(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "handshake failed: EOF") ||
		strings.Contains(msg, "i/o timeout")
}

// Addr returns the address the client is connected to.
func (c *Client) Addr() string {
	return c.addr
}

// sftpClient returns the memoized SFTP subsystem client.
func (c *Client) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, net.ErrClosed
	}
	if c.sftp != nil {
		return c.sftp, nil
	}
	s, err := sftp.NewClient(c.ssh)
	if err != nil {
		return nil, fmt.Errorf("start sftp subsystem: %w", err)
	}
	c.sftp = s
	return s, nil
}

// Close closes the SFTP subsystem and the SSH connection. Safe to call
// repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.sftp != nil {
		if err := c.sftp.Close(); err != nil {
			errs = append(errs, err)
		}
		c.sftp = nil
	}
	if err := c.ssh.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
