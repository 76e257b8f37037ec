//go:build linux

package qemu

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/fifo"
	"github.com/containerd/log"
)

// console streams the guest serial port from a FIFO into serial.log and
// keeps the most recent output in memory for WaitForConsole.
type console struct {
	fifo io.ReadCloser
	file *os.File
	tail *tailBuffer
	done chan struct{}
}

// openConsole creates the FIFO QEMU writes to and starts streaming it.
// The open does not block; reads start once QEMU opens its end.
func openConsole(ctx context.Context, fifoPath, logPath string) (*console, error) {
	_ = os.Remove(fifoPath)

	f, err := fifo.OpenFifo(ctx, fifoPath, syscall.O_CREAT|syscall.O_RDONLY|syscall.O_NONBLOCK, 0o600)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	c := &console{
		fifo: f,
		file: file,
		tail: &tailBuffer{limit: consoleTailSize},
		done: make(chan struct{}),
	}
	go c.stream(context.WithoutCancel(ctx))
	return c, nil
}

// stream copies until QEMU closes its end or Close closes ours.
func (c *console) stream(ctx context.Context) {
	defer close(c.done)

	buf := make([]byte, consoleBufferSize)
	for {
		n, err := c.fifo.Read(buf)
		if n > 0 {
			c.tail.Write(buf[:n])
			if _, werr := c.file.Write(buf[:n]); werr != nil {
				log.G(ctx).WithError(werr).Error("qemu: failed to write console output")
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.G(ctx).WithError(err).Debug("qemu: console FIFO read error")
			}
			return
		}
	}
}

// String returns the buffered tail of the console.
func (c *console) String() string {
	return c.tail.String()
}

// Close stops streaming and closes the log file.
func (c *console) Close() error {
	err := c.fifo.Close()
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return errors.Join(err, c.file.Close())
}

// tailBuffer keeps the last limit bytes written.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
