package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of an outbox message.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRetrying  Status = "RETRYING"
	StatusSent      Status = "SENT"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusRetrying, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the dispatcher will never touch the message again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Intent is the business reason an outbox message exists.
type Intent string

const (
	IntentPickupReminder Intent = "PICKUP_REMINDER"
	IntentPickupUpdated  Intent = "PICKUP_UPDATED"
)

func (i Intent) String() string { return string(i) }

func (i Intent) IsValid() bool {
	switch i {
	case IntentPickupReminder, IntentPickupUpdated:
		return true
	}
	return false
}

func ParseIntentFromString(s string) (Intent, error) {
	in := Intent(strings.ToUpper(strings.TrimSpace(s)))
	if !in.IsValid() {
		return "", fmt.Errorf("%w: invalid intent %q", ErrValidation, s)
	}
	return in, nil
}

// ProviderStatus is the delivery state reported asynchronously by the SMS
// provider. It is independent of Status: a SENT message may still end up
// NOT_DELIVERED at the carrier.
type ProviderStatus string

const (
	ProviderStatusDelivered    ProviderStatus = "DELIVERED"
	ProviderStatusFailed       ProviderStatus = "FAILED"
	ProviderStatusNotDelivered ProviderStatus = "NOT_DELIVERED"
)

func (p ProviderStatus) String() string { return string(p) }

func (p ProviderStatus) IsValid() bool {
	switch p {
	case ProviderStatusDelivered, ProviderStatusFailed, ProviderStatusNotDelivered:
		return true
	}
	return false
}

func ParseProviderStatusFromString(s string) (ProviderStatus, error) {
	ps := ProviderStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !ps.IsValid() {
		return "", fmt.Errorf("%w: invalid provider status %q", ErrValidation, s)
	}
	return ps, nil
}

// MaxSMSBody is the content ceiling for a rendered SMS body (in runes).
const MaxSMSBody = 480

// StableIdempotencyKey derives the deduplication key for an automatic
// first-time send. Manual resends must not use this key directly.
func StableIdempotencyKey(intent Intent, targetEntityID string) string {
	return fmt.Sprintf("%s:%s", strings.ToLower(intent.String()), targetEntityID)
}

// OutboxMessage is the sole persisted entity of the dispatch core: one row
// per logical message or manual resend, never physically deleted.
type OutboxMessage struct {
	ID                      string
	Intent                  Intent
	TargetEntityID          string
	HouseholdID             string
	Recipient               string
	Body                    string
	IdempotencyKey          string
	Status                  Status
	AttemptCount            int
	LastErrorMessage        *string
	NextAttemptAt           *time.Time
	ProviderMessageID       *string
	ProviderStatus          *ProviderStatus
	ProviderStatusUpdatedAt *time.Time
	IsBalanceFailure        bool
	DismissedAt             *time.Time
	DismissedByUserID       *string
	CreatedAt               time.Time
	SentAt                  *time.Time
}

func (m *OutboxMessage) Validate() error {
	if !m.Intent.IsValid() {
		return fmt.Errorf("%w: invalid intent %q", ErrValidation, m.Intent)
	}
	if strings.TrimSpace(m.TargetEntityID) == "" {
		return fmt.Errorf("%w: target entity id is required", ErrValidation)
	}
	if err := ValidateRecipient(m.Recipient); err != nil {
		return err
	}
	if m.Body == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if bodyLen := len([]rune(m.Body)); bodyLen > MaxSMSBody {
		return fmt.Errorf("%w: body exceeds %d characters (got %d)", ErrValidation, MaxSMSBody, bodyLen)
	}
	if strings.TrimSpace(m.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}
	return nil
}

// ValidateRecipient checks for canonical E.164 shape: leading plus, then
// 8-15 digits.
func ValidateRecipient(recipient string) error {
	if recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if !strings.HasPrefix(recipient, "+") {
		return fmt.Errorf("%w: recipient %q is not in international format", ErrValidation, recipient)
	}
	digits := recipient[1:]
	if len(digits) < 8 || len(digits) > 15 {
		return fmt.Errorf("%w: recipient %q has invalid length", ErrValidation, recipient)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: recipient %q contains non-digit characters", ErrValidation, recipient)
		}
	}
	return nil
}
