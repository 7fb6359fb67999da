// Package store persists room snapshots keyed by room id.
package store

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
)

var ErrNotFound = errors.New("room state not found")

// Record is the persisted snapshot of one room.
type Record struct {
	Room      string
	Kind      string
	Status    string
	Version   uint64
	State     []byte
	UpdatedAt time.Time
}

type Store interface {
	// Load returns ErrNotFound when the room was never saved.
	Load(ctx context.Context, room string) (Record, error)
	// Save upserts rec. Older versions never overwrite newer ones.
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, room string) error
	Close() error
}
