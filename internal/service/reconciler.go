package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/larderbook/parcel-notify/internal/domain"
	"github.com/larderbook/parcel-notify/internal/observability"
	"github.com/larderbook/parcel-notify/internal/repository"
)

// DeliveryReport is a provider delivery-status callback, keyed by the
// provider's message id and arbitrarily delayed relative to the send.
type DeliveryReport struct {
	ProviderMessageID string
	Status            string
	At                time.Time
}

// StatusReconciler attaches asynchronous delivery reports to outbox rows.
// It only ever writes the provider-status fields; the row's own retry state
// machine is out of its reach.
type StatusReconciler struct {
	outbox repository.OutboxRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewStatusReconciler(outbox repository.OutboxRepository, logger *zap.Logger) (*StatusReconciler, error) {
	if outbox == nil {
		return nil, fmt.Errorf("outbox repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StatusReconciler{
		outbox: outbox,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Apply records a delivery report. Unknown provider message ids and
// duplicate or out-of-order callbacks are tolerated: last write wins, only
// the final state matters operationally.
func (r *StatusReconciler) Apply(ctx context.Context, report DeliveryReport) error {
	if ctx == nil {
		ctx = context.Background()
	}

	providerMessageID := strings.TrimSpace(report.ProviderMessageID)
	if providerMessageID == "" {
		return fmt.Errorf("%w: provider message id is required", domain.ErrValidation)
	}

	status, err := mapProviderStatus(report.Status)
	if err != nil {
		return err
	}

	at := report.At
	if at.IsZero() {
		at = r.now().UTC()
	}

	matched, err := r.outbox.AttachProviderStatus(ctx, providerMessageID, status, at)
	if err != nil {
		return fmt.Errorf("failed to attach provider status: %w", err)
	}
	if !matched {
		// The provider can report ids we never recorded (other senders on
		// the same account, or reports that raced the send transaction).
		observability.WithContextLogger(r.logger, ctx).Debug("delivery report for unknown provider message id",
			zap.String("providerMessageId", providerMessageID),
			zap.String("status", status.String()),
		)
	}

	return nil
}

// mapProviderStatus translates the provider's status vocabulary to ours.
func mapProviderStatus(raw string) (domain.ProviderStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "delivered", "delivrd":
		return domain.ProviderStatusDelivered, nil
	case "failed", "rejected", "undeliverable":
		return domain.ProviderStatusFailed, nil
	case "not_delivered", "undelivered", "expired", "unknown":
		return domain.ProviderStatusNotDelivered, nil
	}

	return domain.ParseProviderStatusFromString(raw)
}
