//go:build linux

package qemu

import (
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// CommandAssembler builds a QEMU argv from an ordered set of fragments plus
// a literal tail holding the pidfile and any registered control sockets.
//
// Render is computed fresh on every call so it always reflects the current
// fragment fields. Fragments keep their insertion position when replaced.
type CommandAssembler struct {
	mu sync.Mutex

	binary    string
	workdir   string
	fragments []Fragment

	// tail sockets, in registration order
	monitorPath string
	qmpPath     string
	tailOrder   []FragmentKind
}

const (
	tailMonitor FragmentKind = "monitor"
	tailQMP     FragmentKind = "qmp"
)

// NewCommandAssembler creates an assembler for binary whose runtime files
// (pidfile, sockets) live in workdir.
func NewCommandAssembler(binary, workdir string, fragments ...Fragment) *CommandAssembler {
	a := &CommandAssembler{
		binary:  binary,
		workdir: workdir,
	}
	for _, f := range fragments {
		a.SetFragment(f)
	}
	return a
}

// Binary returns the executable placed at argv[0].
func (a *CommandAssembler) Binary() string {
	return a.binary
}

// SetBinary replaces the executable placed at argv[0].
func (a *CommandAssembler) SetBinary(binary string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.binary = binary
}

// Workdir returns the directory holding runtime files.
func (a *CommandAssembler) Workdir() string {
	return a.workdir
}

// SetFragment stores f under its kind. A fragment of the same kind is
// replaced in place; otherwise f is appended.
func (a *CommandAssembler) SetFragment(f Fragment) {
	if f == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.fragments {
		if existing.Kind() == f.Kind() {
			a.fragments[i] = f
			return
		}
	}
	a.fragments = append(a.fragments, f)
}

// Fragment returns the fragment stored under kind.
func (a *CommandAssembler) Fragment(kind FragmentKind) (Fragment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range a.fragments {
		if f.Kind() == kind {
			return f, true
		}
	}
	return nil, false
}

// FragmentAs returns the fragment of concrete type T, if present.
//
//	cpu, ok := FragmentAs[*CPUFragment](asm)
func FragmentAs[T Fragment](a *CommandAssembler) (T, bool) {
	var zero T
	f, ok := a.Fragment(zero.Kind())
	if !ok {
		return zero, false
	}
	t, ok := f.(T)
	return t, ok
}

// RemoveFragment drops the fragment stored under kind and reports whether
// one was present. Removing a required fragment is allowed; the resulting
// command line is simply what QEMU will see.
func (a *CommandAssembler) RemoveFragment(kind FragmentKind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, f := range a.fragments {
		if f.Kind() == kind {
			a.fragments = slices.Delete(a.fragments, i, i+1)
			return true
		}
	}
	return false
}

// Kinds returns the stored fragment kinds in render order.
func (a *CommandAssembler) Kinds() []FragmentKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	kinds := make([]FragmentKind, 0, len(a.fragments))
	for _, f := range a.fragments {
		kinds = append(kinds, f.Kind())
	}
	return kinds
}

// PidFilePath returns where QEMU writes its pid.
func (a *CommandAssembler) PidFilePath() string {
	return filepath.Join(a.workdir, pidFileName)
}

// RegisterControlSocket adds the human monitor socket to the tail and
// returns its path. Repeated calls return the same path.
func (a *CommandAssembler) RegisterControlSocket() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.monitorPath == "" {
		a.monitorPath = filepath.Join(a.workdir, monitorSockName)
		a.tailOrder = append(a.tailOrder, tailMonitor)
	}
	return a.monitorPath
}

// RegisterCommandSocket adds the QMP socket to the tail and returns its
// path. Repeated calls return the same path.
func (a *CommandAssembler) RegisterCommandSocket() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.qmpPath == "" {
		a.qmpPath = filepath.Join(a.workdir, qmpSockName)
		a.tailOrder = append(a.tailOrder, tailQMP)
	}
	return a.qmpPath
}

// ControlSocketPath returns the registered monitor socket, or "".
func (a *CommandAssembler) ControlSocketPath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.monitorPath
}

// CommandSocketPath returns the registered QMP socket, or "".
func (a *CommandAssembler) CommandSocketPath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.qmpPath
}

// Render returns the full argv: binary, each fragment's tokens in insertion
// order, then the tail. A fragment error is returned unchanged.
func (a *CommandAssembler) Render() ([]string, error) {
	a.mu.Lock()
	fragments := slices.Clone(a.fragments)
	tailOrder := slices.Clone(a.tailOrder)
	binary, monitorPath, qmpPath := a.binary, a.monitorPath, a.qmpPath
	a.mu.Unlock()

	argv := make([]string, 0, 64)
	argv = append(argv, binary)
	for _, f := range fragments {
		args, err := f.Render()
		if err != nil {
			return nil, err
		}
		argv = append(argv, args...)
	}

	tail := newQemuCommandBuilder().setPidFile(a.PidFilePath())
	for _, t := range tailOrder {
		switch t {
		case tailMonitor:
			tail.setMonitorUnixSocket(monitorPath)
		case tailQMP:
			tail.setQMPUnixSocket(qmpPath)
		}
	}
	return append(argv, tail.build()...), nil
}

// Close releases resources owned by fragments (the firmware variable store).
func (a *CommandAssembler) Close() error {
	a.mu.Lock()
	fragments := slices.Clone(a.fragments)
	a.mu.Unlock()

	var result *multierror.Error
	for _, f := range fragments {
		c, ok := f.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s fragment: %w", f.Kind(), err))
		}
	}
	return result.ErrorOrNil()
}
