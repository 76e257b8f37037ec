package vsock

import "testing"

func TestConstants(t *testing.T) {
	if MinGuestCID <= HostCID {
		t.Errorf("MinGuestCID = %d, must be above HostCID %d", MinGuestCID, HostCID)
	}
	if DefaultMaxGuestCID < MinGuestCID {
		t.Errorf("DefaultMaxGuestCID = %d, below MinGuestCID", DefaultMaxGuestCID)
	}
	if QGSPort != 4050 {
		t.Errorf("QGSPort = %d, want 4050", QGSPort)
	}
}
