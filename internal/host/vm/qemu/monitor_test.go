//go:build linux

package qemu

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastControl = ControlOptions{
	ConnectRetries: 5,
	RetryInterval:  20 * time.Millisecond,
	ReadTimeout:    50 * time.Millisecond,
	EmptyBackoff:   10 * time.Millisecond,
}

// scriptedMonitor answers "info status" with the next scripted state,
// repeating the last one once the script runs out.
type scriptedMonitor struct {
	mu       sync.Mutex
	statuses []string
	polls    atomic.Int32
	commands []string
}

func (s *scriptedMonitor) next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	return st
}

func (s *scriptedMonitor) serve(t *testing.T, greeting string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "m.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = c.Close() }()
				_, _ = c.Write([]byte(greeting))
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\r')
					if err != nil {
						return
					}
					cmd := strings.TrimSpace(line)
					s.mu.Lock()
					s.commands = append(s.commands, cmd)
					s.mu.Unlock()
					if cmd != "info status" {
						_, _ = c.Write([]byte(cmd + "\r\n(qemu) "))
						continue
					}
					s.polls.Add(1)
					st := s.next()
					if st == "" {
						continue // silence
					}
					_, _ = c.Write([]byte(cmd + "\r\nVM status: " + st + "\r\n(qemu) "))
				}
			}()
		}
	}()
	return path
}

func dialScripted(t *testing.T, s *scriptedMonitor) *ControlChannel {
	t.Helper()
	path := s.serve(t, "QEMU 8.2.0 monitor - type 'help' for more information\r\n(qemu) ")
	ch, err := DialControlChannel(context.Background(), path, fastControl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestWaitForState_SucceedsOnThirdPoll(t *testing.T) {
	s := &scriptedMonitor{statuses: []string{"starting", "starting", "running", "running", "running"}}
	ch := dialScripted(t, s)

	require.NoError(t, ch.WaitForState(context.Background(), StatusRunning, 5))
	assert.Equal(t, int32(3), s.polls.Load())
}

func TestWaitForState_TimesOutAfterExactRetries(t *testing.T) {
	s := &scriptedMonitor{statuses: []string{"starting"}}
	ch := dialScripted(t, s)

	err := ch.WaitForState(context.Background(), StatusRunning, 3)
	require.Error(t, err)

	var stateErr *StateTimeoutError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, 3, stateErr.Polls)
	assert.Equal(t, StatusRunning, stateErr.Target)
	assert.True(t, errdefs.IsDeadlineExceeded(err))
	assert.Equal(t, int32(3), s.polls.Load())
}

func TestWaitForState_EmptyResponsesCountAsPolls(t *testing.T) {
	s := &scriptedMonitor{statuses: []string{"", "", "running"}}
	ch := dialScripted(t, s)

	require.NoError(t, ch.WaitForState(context.Background(), StatusRunning, 3))
	assert.Equal(t, int32(3), s.polls.Load())
}

func TestSendCommand_SplitsOnPrompt(t *testing.T) {
	s := &scriptedMonitor{statuses: []string{"paused"}}
	ch := dialScripted(t, s)

	msgs, err := ch.SendCommand(context.Background(), "info status")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	// Fragments are raw: the first starts with the monitor's echo.
	assert.Equal(t, "info status\r\nVM status: paused\r\n", msgs[0])

	status, err := ch.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, status)
}

func TestControlChannel_Commands(t *testing.T) {
	s := &scriptedMonitor{statuses: []string{"running"}}
	ch := dialScripted(t, s)
	ctx := context.Background()

	require.NoError(t, ch.PowerDown(ctx))
	require.NoError(t, ch.WakeUp(ctx))
	_, err := ch.InjectNMI(ctx)
	require.NoError(t, err)
	_, err = ch.DumpGuestMemory(ctx, "/tmp/mem.elf")
	require.NoError(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, []string{"system_powerdown", "system_wakeup", "nmi", "dump-guest-memory /tmp/mem.elf"}, s.commands)
}

func TestControlChannel_CloseIsIdempotent(t *testing.T) {
	ch := dialScripted(t, &scriptedMonitor{statuses: []string{"running"}})
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	_, err := ch.SendCommand(context.Background(), "info status")
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestDialControlChannel_NoPrompt(t *testing.T) {
	s := &scriptedMonitor{statuses: []string{"running"}}
	path := s.serve(t, "garbage without a prompt")

	opts := fastControl
	opts.PromptTimeout = 200 * time.Millisecond
	_, err := DialControlChannel(context.Background(), path, opts)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, MonitorDelimiter, protoErr.Expected)
	assert.Contains(t, protoErr.Received, "garbage")
}

func TestDialControlChannel_RetriesExhausted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.sock")
	_, err := DialControlChannel(context.Background(), path, fastControl)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, fastControl.ConnectRetries, connErr.Attempts)
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestDialControlChannel_WaitsForSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.sock")

	accepted := make(chan net.Conn, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		l, err := net.Listen("unix", path)
		if err != nil {
			close(accepted)
			return
		}
		defer func() { _ = l.Close() }()
		c, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}
		_, _ = c.Write([]byte("(qemu) "))
		accepted <- c
	}()

	ch, err := DialControlChannel(context.Background(), path, fastControl)
	require.NoError(t, err)
	_ = ch.Close()
	if c, ok := <-accepted; ok {
		_ = c.Close()
	}
}

func TestDialControlChannel_PathTooLong(t *testing.T) {
	_, err := DialControlChannel(context.Background(), "/"+strings.Repeat("x", maxUnixSocketPath+1), fastControl)
	require.Error(t, err)
}
