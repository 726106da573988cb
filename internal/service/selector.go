package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/larderbook/parcel-notify/internal/domain"
	"github.com/larderbook/parcel-notify/internal/observability"
	"github.com/larderbook/parcel-notify/internal/repository"
)

const (
	defaultSelectorInterval = 5 * time.Minute
	defaultSelectorLimit    = 200
	defaultReminderWindow   = 24 * time.Hour
)

// Selector periodically finds parcels that need a first-time pickup
// reminder and enqueues them. Overlapping ticks across replicas are safe:
// the enqueue collapses on the stable idempotency key.
type Selector struct {
	candidates repository.CandidateRepository
	outbox     *OutboxService
	logger     *zap.Logger
	metrics    *observability.Metrics
	interval   time.Duration
	window     time.Duration
	limit      int
	now        func() time.Time
}

func NewSelector(
	candidates repository.CandidateRepository,
	outbox *OutboxService,
	interval time.Duration,
	window time.Duration,
	limit int,
	logger *zap.Logger,
) (*Selector, error) {
	if candidates == nil {
		return nil, fmt.Errorf("candidate repository is required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox service is required")
	}
	if interval <= 0 {
		interval = defaultSelectorInterval
	}
	if window <= 0 {
		window = defaultReminderWindow
	}
	if limit <= 0 {
		limit = defaultSelectorLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Selector{
		candidates: candidates,
		outbox:     outbox,
		logger:     logger,
		interval:   interval,
		window:     window,
		limit:      limit,
		now:        time.Now,
	}, nil
}

func (s *Selector) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *Selector) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("selector initial cycle failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.RunCycle(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("selector cycle failed", zap.Error(err))
			}
		}
	}
}

// RunCycle enqueues every due reminder candidate once.
func (s *Selector) RunCycle(ctx context.Context) error {
	until := s.now().UTC().Add(s.window)
	candidates, err := s.candidates.DueReminderCandidates(ctx, until, s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch reminder candidates: %w", err)
	}

	for _, candidate := range candidates {
		_, err := s.outbox.Enqueue(ctx, EnqueueParams{
			Intent:         domain.IntentPickupReminder,
			TargetEntityID: candidate.ParcelID,
			HouseholdID:    candidate.HouseholdID,
			Recipient:      candidate.Recipient,
			Body:           RenderReminderBody(candidate.PickupAt),
		})
		if err != nil {
			s.logger.Error("failed to enqueue reminder",
				zap.String("parcelId", candidate.ParcelID),
				zap.Error(err),
			)
			continue
		}

		s.metrics.IncCandidatesEnqueued()
	}

	return nil
}

// RenderReminderBody produces the pickup-reminder SMS text. Rendering is
// deliberately simple: the schedule subsystem owns the pickup time, we own
// the wording.
func RenderReminderBody(pickupAt time.Time) string {
	return fmt.Sprintf(
		"Reminder: your food parcel is ready for pickup on %s. If you cannot make it, please contact us so we can rebook.",
		pickupAt.Format("Monday 2 Jan at 15:04"),
	)
}

// RenderUpdatedBody produces the pickup-changed SMS text used when a parcel
// is rescheduled.
func RenderUpdatedBody(pickupAt time.Time) string {
	return fmt.Sprintf(
		"Your food parcel pickup has been moved to %s. If the new time does not work, please contact us.",
		pickupAt.Format("Monday 2 Jan at 15:04"),
	)
}
