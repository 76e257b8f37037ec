// Package ledger records launched QEMU processes so that instances left
// behind by a crashed harness run can be found and reaped later.
//
// Every started instance adds a Record; Destroy removes it. Anything still
// in the ledger after its owning harness process exits was never cleaned up.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const bucketName = "instances"

// Record describes one launched hypervisor process.
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Workdir   string    `json:"workdir"`
	PID       int       `json:"pid"`
	Argv      []string  `json:"argv"`
	StartedAt time.Time `json:"started_at"`
	// Owner is the harness process that launched the instance.
	Owner Owner `json:"owner"`
	// Debug marks workdirs the owner asked to preserve.
	Debug bool `json:"debug,omitempty"`
}

// Ledger is a persistent set of Records.
type Ledger struct {
	store Store[Record]
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string) (*Ledger, error) {
	s, err := NewBoltStore[Record](path, bucketName)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Ledger{store: s}, nil
}

// New wraps an existing store. Tests pass NewInMemoryStore.
func New(store Store[Record]) *Ledger {
	return &Ledger{store: store}
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}

// Add stores rec, assigning an ID and start time when missing, and returns
// the stored ID.
func (l *Ledger) Add(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if err := l.store.Set(ctx, rec.ID, &rec); err != nil {
		return "", fmt.Errorf("record instance %s: %w", rec.Name, err)
	}
	return rec.ID, nil
}

// Get returns the record stored under id.
func (l *Ledger) Get(ctx context.Context, id string) (*Record, error) {
	return l.store.Get(ctx, id)
}

// Remove deletes the record stored under id.
func (l *Ledger) Remove(ctx context.Context, id string) error {
	if err := l.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("remove ledger record %s: %w", id, err)
	}
	return nil
}

// List returns all records ordered by ID.
func (l *Ledger) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := l.store.Scan(ctx, "", func(_ string, rec *Record) error {
		out = append(out, *rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	return out, nil
}

// Close releases the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
