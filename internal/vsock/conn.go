package vsock

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/containerd/log"
	mdvsock "github.com/mdlayher/vsock"
)

// Dial connects to port on the given CID, retrying until ctx is done. A
// guest's listener usually comes up well after QEMU starts.
func Dial(ctx context.Context, cid, port uint32) (net.Conn, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for attempt := 1; ; attempt++ {
		conn, err := mdvsock.Dial(cid, port, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.G(ctx).WithError(err).WithFields(log.Fields{
			"cid":     cid,
			"port":    port,
			"attempt": attempt,
		}).Debug("vsock: dial failed")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("vsock dial %d:%d: %w (last error: %v)", cid, port, ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

// Listen opens a host-side listener on port. Guests reach it at HostCID.
func Listen(port uint32) (net.Listener, error) {
	l, err := mdvsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock listen on port %d: %w", port, err)
	}
	return l, nil
}

// LocalCID reports the CID of this machine, or an error when vsock is not
// available (no vhost_vsock / vsock_loopback module).
func LocalCID() (uint32, error) {
	return mdvsock.ContextID()
}
