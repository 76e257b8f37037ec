//go:build linux

// Package qemu drives QEMU processes hosting TDX (and plain q35) guests for
// validation runs.
//
// # Command line
//
// A QEMU command line is assembled from Fragments, one per concern (CPU,
// memory, firmware, machine type, boot disk, serial, ...). The set of
// fragment kinds is closed; each kind has a concrete struct type whose
// Render method produces the exact tokens QEMU expects. A CommandAssembler
// keeps fragments in insertion order and appends a fixed tail (pidfile and
// control sockets).
//
// # State Machine
//
// An Instance follows a strict state machine:
//
//	stateCreated → stateRunning → stateStopped
//	                    ↑    ↓
//	                    └────┘ (Reboot only)
//
// State transitions are atomic and checked at API boundaries:
//   - Created: working directory and disk provisioned, fragments editable.
//   - Running: Start() spawned the process. Control/command channels allowed.
//   - Stopped: Stop() completed. Terminal; a fresh Instance is required.
//
// # Goroutine Ownership
//
//  1. Process monitor (monitorProcess in start.go)
//     - Waits on cmd.Wait() and closes the exited channel.
//     - Terminated by: process exit (natural, powerdown, or signal).
//
//  2. Console FIFO reader (console.stream in console.go)
//     - Only in serial pipe mode. Copies the FIFO into serial.log.
//     - Terminated by: QEMU closing its end or Destroy() closing the FIFO.
//
//  3. QMP event loop (eventLoop in qmp_events.go)
//     - Logs asynchronous QMP events while a command channel is open.
//     - Terminated by: QMPClient.Close().
//
// # Fleet
//
// Every Instance belongs to a Fleet, which tracks live instances so that a
// test session can stop everything it launched, and owns the debug flag
// that preserves working directories for post-mortem inspection.
package qemu

import (
	"time"
)

// instanceState represents the lifecycle state of an Instance.
// See package documentation for the state machine diagram.
type instanceState int32

const (
	// stateCreated: Instance constructed, Start() not called yet.
	stateCreated instanceState = iota

	// stateRunning: Start() spawned the process. The process may have
	// exited since; the exited channel tracks that separately.
	stateRunning

	// stateStopped: Stop() ran. Terminal state.
	stateStopped
)

func (s instanceState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// getState returns the current instance state
func (q *Instance) getState() instanceState {
	return instanceState(q.state.Load())
}

// setState atomically sets the instance state
func (q *Instance) setState(state instanceState) {
	q.state.Store(int32(state))
}

// compareAndSwapState atomically compares and swaps the instance state
func (q *Instance) compareAndSwapState(old, new instanceState) bool {
	return q.state.CompareAndSwap(int32(old), int32(new))
}

const (
	// MonitorDelimiter is the prompt printed by the human monitor before
	// and after every response.
	MonitorDelimiter = "(qemu)"

	// Status strings reported by "info status".
	StatusRunning = "running"
	StatusPaused  = "paused"

	defaultMonitorConnectRetries = 60
	defaultMonitorRetryInterval  = time.Second
	defaultMonitorReadTimeout    = 2 * time.Second
	defaultStateRetries          = 5
	defaultShutdownGrace         = 30 * time.Second
	defaultKillWait              = 5 * time.Second
	defaultRebootTimeout         = 120 * time.Second
	qmpDefaultTimeout            = 5 * time.Second

	// emptyResponseBackoff is the pause after a status poll that returned
	// nothing before polling again.
	emptyResponseBackoff = 200 * time.Millisecond

	// Unix socket limit
	maxUnixSocketPath = 107 // UNIX_PATH_MAX on Linux
	consoleBufferSize = 8 * 1024
	consoleTailSize   = 64 * 1024

	pidFileName     = "qemu.pid"
	monitorSockName = "monitor.sock"
	qmpSockName     = "qmp.sock"
	serialLogName   = "serial.log"
	serialFifoName  = "serial.fifo"
	runLogName      = "qemu-log.txt"
	imageName       = "image.qcow2"

	// GuestSSHPort is the port sshd listens on inside the guest.
	GuestSSHPort = 22
)
