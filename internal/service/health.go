package service

import (
	"context"
	"fmt"
	"time"

	"github.com/larderbook/parcel-notify/internal/domain"
	"github.com/larderbook/parcel-notify/internal/repository"
)

const (
	defaultHealthWindow = 24 * time.Hour
	// A sent message with no delivery report after this long is suspicious:
	// carriers normally confirm within minutes.
	defaultStaleAfter = 24 * time.Hour
)

// HealthService is the read-only rollup for operational dashboards.
type HealthService struct {
	outbox     repository.OutboxRepository
	window     time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

func NewHealthService(outbox repository.OutboxRepository, window, staleAfter time.Duration) (*HealthService, error) {
	if outbox == nil {
		return nil, fmt.Errorf("outbox repository is required")
	}
	if window <= 0 {
		window = defaultHealthWindow
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	return &HealthService{
		outbox:     outbox,
		window:     window,
		staleAfter: staleAfter,
		now:        time.Now,
	}, nil
}

func (s *HealthService) Stats(ctx context.Context) (domain.HealthStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := s.now().UTC()
	return s.outbox.HealthCounts(ctx, now.Add(-s.window), now.Add(-s.staleAfter))
}
