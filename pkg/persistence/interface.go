package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/osvaldoandrade/tiledetect/pkg/domain"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired
	ErrNotFound = errors.New("not found")
)

// PluginPersistence provides storage operations for persistence plugins.
// This is the main interface that all persistence backends must implement.
type PluginPersistence interface {
	// RunIndex returns the run index implementation
	RunIndex() RunIndex

	// Health checks if the persistence backend is healthy
	Health(ctx context.Context) error

	// Close releases resources held by the persistence backend
	Close() error
}

// RunIndex maps request ids to their run records
type RunIndex interface {
	// Save stores or replaces the record for rec.RequestID
	Save(ctx context.Context, rec domain.RunRecord) error

	// Get retrieves a record by request id
	Get(ctx context.Context, requestID string) (*domain.RunRecord, error)

	// Delete removes a record
	Delete(ctx context.Context, requestID string) error

	// CleanupExpired removes up to limit records that expired before the given time
	CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error)
}
