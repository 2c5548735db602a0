package redis

import (
	"context"
	"errors"
	"time"

	"github.com/osvaldoandrade/tiledetect/internal/repository"
	"github.com/osvaldoandrade/tiledetect/pkg/domain"
	"github.com/osvaldoandrade/tiledetect/pkg/persistence"
)

// runIndexAdapter adapts repository.RunRepository to persistence.RunIndex
type runIndexAdapter struct {
	repo repository.RunRepository
}

func (a *runIndexAdapter) Save(ctx context.Context, rec domain.RunRecord) error {
	return a.repo.Save(ctx, rec)
}

func (a *runIndexAdapter) Get(ctx context.Context, requestID string) (*domain.RunRecord, error) {
	rec, err := a.repo.Get(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, persistence.ErrNotFound
	}
	return rec, err
}

func (a *runIndexAdapter) Delete(ctx context.Context, requestID string) error {
	return a.repo.Delete(ctx, requestID)
}

func (a *runIndexAdapter) CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error) {
	return a.repo.CleanupExpired(ctx, limit, before)
}
