//go:build linux

package qemu

import (
	"context"

	"github.com/containerd/log"
	qmpapi "github.com/digitalocean/go-qemu/qmp"
)

// qmpEventHandler processes one QMP event type.
type qmpEventHandler func(q *QMPClient, logger *log.Entry, data map[string]any)

// qmpEventHandlers maps event names to handlers. Unlisted events are logged
// at debug level.
var qmpEventHandlers = map[string]qmpEventHandler{
	"SHUTDOWN": func(q *QMPClient, logger *log.Entry, data map[string]any) {
		reason := qmpStringField(data, "reason")
		q.lastShutdown.Store(reason)
		logger.WithField("reason", reason).Info("qemu: guest shutdown")
	},
	"POWERDOWN": func(_ *QMPClient, logger *log.Entry, _ map[string]any) {
		logger.Info("qemu: ACPI powerdown event received")
	},
	"RESET": func(_ *QMPClient, logger *log.Entry, data map[string]any) {
		logger.WithField("reason", qmpStringField(data, "reason")).Warn("qemu: guest reset")
	},
	"STOP": func(_ *QMPClient, logger *log.Entry, _ map[string]any) {
		logger.Debug("qemu: VM execution paused")
	},
	"RESUME": func(_ *QMPClient, logger *log.Entry, _ map[string]any) {
		logger.Debug("qemu: VM execution resumed")
	},
	"SUSPEND": func(_ *QMPClient, logger *log.Entry, _ map[string]any) {
		logger.Info("qemu: guest suspended")
	},
	"WAKEUP": func(_ *QMPClient, logger *log.Entry, _ map[string]any) {
		logger.Info("qemu: guest woke up")
	},
	"WATCHDOG": func(_ *QMPClient, logger *log.Entry, data map[string]any) {
		logger.WithField("action", qmpStringField(data, "action")).Warn("qemu: watchdog timer expired")
	},
	"GUEST_PANICKED": func(q *QMPClient, logger *log.Entry, data map[string]any) {
		q.panicked.Store(true)
		logger.WithField("action", qmpStringField(data, "action")).Error("qemu: guest kernel panic detected")
	},
	"BLOCK_IO_ERROR": func(_ *QMPClient, logger *log.Entry, data map[string]any) {
		logger.WithFields(log.Fields{
			"device":    qmpStringField(data, "device"),
			"operation": qmpStringField(data, "operation"),
		}).Error("qemu: block I/O error")
	},
}

func qmpStringField(data map[string]any, key string) string {
	if data == nil {
		return "unknown"
	}
	if value, ok := data[key].(string); ok {
		return value
	}
	return "unknown"
}

// LastShutdownReason returns the reason carried by the most recent SHUTDOWN
// event ("guest-shutdown", "host-qmp-quit", ...), or "" if none arrived.
func (q *QMPClient) LastShutdownReason() string {
	if v, ok := q.lastShutdown.Load().(string); ok {
		return v
	}
	return ""
}

// Panicked reports whether a GUEST_PANICKED event was observed.
func (q *QMPClient) Panicked() bool {
	return q.panicked.Load()
}

func (q *QMPClient) handleEvent(ctx context.Context, ev qmpapi.Event) {
	logger := log.G(ctx).WithFields(log.Fields{
		"event": ev.Event,
		"data":  ev.Data,
	})

	handler, ok := qmpEventHandlers[ev.Event]
	if !ok {
		logger.Debug("qemu: QMP event received")
		return
	}
	handler(q, logger, ev.Data)
}

// eventLoop runs until the events channel closes, the context is cancelled,
// or the client is closed. It closes eventLoopDone on exit.
func (q *QMPClient) eventLoop(ctx context.Context) {
	defer close(q.eventLoopDone)

	if q.events == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q.events:
			if !ok {
				return
			}
			if q.closed.Load() {
				return
			}
			q.handleEvent(ctx, ev)
		}
	}
}
