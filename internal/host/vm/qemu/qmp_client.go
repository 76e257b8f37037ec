//go:build linux

package qemu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/log"
	qmpapi "github.com/digitalocean/go-qemu/qmp"
)

// QMPClient talks to the QEMU Machine Protocol socket registered with
// CommandAssembler.RegisterCommandSocket.
//
// Thread safety: QMPClient is safe for concurrent use. Commands are
// serialized by the underlying SocketMonitor, and the closed flag is atomic.
//
// Lifecycle: create with DialQMP, close with Close. The eventLoop goroutine
// runs until Close.
type QMPClient struct {
	monitor *qmpapi.SocketMonitor
	events  <-chan qmpapi.Event

	mu             sync.Mutex
	closed         atomic.Bool
	commandTimeout time.Duration

	lastShutdown atomic.Value // string
	panicked     atomic.Bool

	// eventLoopDone is closed when the eventLoop goroutine exits.
	eventLoopDone chan struct{}
}

type qmpResponse struct {
	Return any             `json:"return,omitempty"`
	Error  *qmpError       `json:"error,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
}

type qmpError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

// QMPStatus is the reply to query-status.
type QMPStatus struct {
	Status     string `json:"status"`
	Singlestep bool   `json:"singlestep"`
	Running    bool   `json:"running"`
}

// DialQMP waits up to wait for the socket to appear, negotiates
// capabilities, and starts the event loop. The returned client owns a
// background goroutine released by Close.
func DialQMP(ctx context.Context, socketPath string, wait time.Duration) (*QMPClient, error) {
	if err := waitForSocket(ctx, socketPath, wait); err != nil {
		return nil, fmt.Errorf("QMP socket not available: %w", err)
	}

	monitor, err := qmpapi.NewSocketMonitor("unix", socketPath, qmpDefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to QMP socket: %w", err)
	}

	if err := monitor.Connect(); err != nil {
		_ = monitor.Disconnect()
		return nil, fmt.Errorf("failed to negotiate QMP capabilities: %w", err)
	}

	log.G(ctx).WithFields(log.Fields{
		"major": monitor.Version.QEMU.Major,
		"minor": monitor.Version.QEMU.Minor,
		"micro": monitor.Version.QEMU.Micro,
	}).Debug("qemu: connected to QMP")

	eventCtx := context.WithoutCancel(ctx)
	events, err := monitor.Events(eventCtx)
	if err != nil && !errors.Is(err, qmpapi.ErrEventsNotSupported) {
		_ = monitor.Disconnect()
		return nil, fmt.Errorf("failed to subscribe to QMP events: %w", err)
	}

	q := &QMPClient{
		monitor:        monitor,
		events:         events,
		commandTimeout: qmpDefaultTimeout,
		eventLoopDone:  make(chan struct{}),
	}
	go q.eventLoop(eventCtx)

	return q, nil
}

// SetCommandTimeout sets the per-command timeout. Zero restores the default.
func (q *QMPClient) SetCommandTimeout(timeout time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.commandTimeout = timeout
}

// Execute sends a raw QMP command and returns its "return" member.
func (q *QMPClient) Execute(ctx context.Context, command string, args map[string]any) (any, error) {
	resp, err := q.sendCommand(ctx, command, args)
	if err != nil {
		return nil, err
	}
	return resp.Return, nil
}

func qmpQuery[T any](ctx context.Context, q *QMPClient, command string) (T, error) {
	var result T
	resp, err := q.sendCommand(ctx, command, nil)
	if err != nil {
		return result, err
	}
	if resp.Return == nil {
		return result, nil
	}
	returnBytes, err := json.Marshal(resp.Return)
	if err != nil {
		return result, fmt.Errorf("failed to marshal %s response: %w", command, err)
	}
	if err := json.Unmarshal(returnBytes, &result); err != nil {
		return result, fmt.Errorf("failed to parse %s response: %w", command, err)
	}
	return result, nil
}

func (q *QMPClient) sendCommand(ctx context.Context, command string, args map[string]any) (*qmpResponse, error) {
	if q.closed.Load() {
		return nil, errors.New("QMP client closed")
	}

	cmd := qmpapi.Command{Execute: command}
	// QEMU rejects "arguments": null.
	if args != nil {
		cmd.Args = args
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QMP command %s: %w", command, err)
	}

	timeout := q.getCommandTimeout()
	if timeout == 0 {
		timeout = qmpDefaultTimeout
	}

	respChan := make(chan *qmpResponse, 1)
	errChan := make(chan error, 1)
	go func() {
		raw, err := q.monitor.Run(payload)
		if err != nil {
			errChan <- err
			return
		}
		var resp qmpResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			errChan <- fmt.Errorf("failed to parse QMP response for %s: %w", command, err)
			return
		}
		if resp.Error != nil {
			errChan <- fmt.Errorf("QMP error for %s: %s: %s", command, resp.Error.Class, resp.Error.Desc)
			return
		}
		respChan <- &resp
	}()

	select {
	case resp := <-respChan:
		return resp, nil
	case err := <-errChan:
		return nil, fmt.Errorf("failed to send QMP command %s: %w", command, err)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, &TimeoutError{Op: "QMP " + command, Timeout: timeout}
	}
}

// QueryStatus returns the run state (running, paused, shutdown, ...).
func (q *QMPClient) QueryStatus(ctx context.Context) (*QMPStatus, error) {
	return qmpQuery[*QMPStatus](ctx, q, "query-status")
}

// SystemPowerdown requests an ACPI shutdown.
func (q *QMPClient) SystemPowerdown(ctx context.Context) error {
	_, err := q.sendCommand(ctx, "system_powerdown", nil)
	return err
}

// InjectNMI injects a non-maskable interrupt on all CPUs.
func (q *QMPClient) InjectNMI(ctx context.Context) error {
	_, err := q.sendCommand(ctx, "inject-nmi", nil)
	return err
}

// Quit instructs QEMU to exit immediately.
func (q *QMPClient) Quit(ctx context.Context) error {
	_, err := q.sendCommand(ctx, "quit", nil)
	return err
}

// Close disconnects and waits briefly for the event loop to exit.
func (q *QMPClient) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := q.monitor.Disconnect()

	select {
	case <-q.eventLoopDone:
	case <-time.After(100 * time.Millisecond):
	}
	return err
}

func (q *QMPClient) getCommandTimeout() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.commandTimeout
}
