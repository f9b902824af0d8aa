package storage

import (
	"context"

	"github.com/scamguard/backend/internal/storage/models"
)

// UserFilter narrows ListUsers. A zero Limit returns every user.
type UserFilter struct {
	Blocked *bool
	Limit   int
	Offset  int
}

// Adapter is the read interface the analytics core consumes. Implementations
// return interactions ordered by timestamp.
type Adapter interface {
	ListUsers(ctx context.Context, filter UserFilter) ([]models.UserRecord, error)
}

// Recorder is the write side used by message ingestion.
type Recorder interface {
	RecordInteraction(ctx context.Context, phone string, in models.Interaction) error
	SetBlocked(ctx context.Context, phone string, blocked bool) error
}

// Store is implemented by every backend.
type Store interface {
	Adapter
	Recorder
}
