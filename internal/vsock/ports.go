// Package vsock holds vsock addressing for TDX guests: the well-known host
// endpoints, guest CID leases, and host-side dial/listen helpers.
package vsock

const (
	// CID 0 is the hypervisor, 1 is local loopback and 2 is the host.
	HostCID = 2

	// MinGuestCID is the first CID a guest may use.
	MinGuestCID = 3

	// DefaultMaxGuestCID bounds the lease range used by the harness.
	DefaultMaxGuestCID = 1023

	// QGSPort is the vsock port the quote generation service listens on
	// (host CID). TDX guests reach it through the tdx-guest object.
	QGSPort = 4050
)
