package domain

import (
	"fmt"
	"time"
)

// OutcomeKind discriminates the result of a single dispatch step. The
// dispatcher only ever matches on the kind; raw provider status codes are
// interpreted once, at the gateway boundary.
type OutcomeKind string

const (
	// OutcomeSent: the provider accepted the message.
	OutcomeSent OutcomeKind = "SENT"
	// OutcomeRetriable: transient transport failure, retried with backoff.
	OutcomeRetriable OutcomeKind = "RETRIABLE"
	// OutcomePermanent: terminal rejection, no automatic retry.
	OutcomePermanent OutcomeKind = "PERMANENT"
	// OutcomeBalance: provider account out of credit. Terminal for the
	// automatic loop, recoverable only via the bulk requeue operation.
	OutcomeBalance OutcomeKind = "BALANCE"
	// OutcomeCancelled: the target became ineligible before the send; the
	// provider was never contacted and no attempt was consumed.
	OutcomeCancelled OutcomeKind = "CANCELLED"
)

// SendOutcome is the tagged variant applied to an outbox row as one atomic
// transition.
type SendOutcome struct {
	Kind              OutcomeKind
	ProviderMessageID string
	Message           string
	SentAt            time.Time
	NextAttemptAt     time.Time
}

func SentOutcome(providerMessageID string, sentAt time.Time) SendOutcome {
	return SendOutcome{Kind: OutcomeSent, ProviderMessageID: providerMessageID, SentAt: sentAt}
}

func RetriableOutcome(message string, nextAttemptAt time.Time) SendOutcome {
	return SendOutcome{Kind: OutcomeRetriable, Message: message, NextAttemptAt: nextAttemptAt}
}

func PermanentOutcome(message string) SendOutcome {
	return SendOutcome{Kind: OutcomePermanent, Message: message}
}

func BalanceOutcome(message string) SendOutcome {
	return SendOutcome{Kind: OutcomeBalance, Message: message}
}

func CancelledOutcome(reason string) SendOutcome {
	return SendOutcome{Kind: OutcomeCancelled, Message: reason}
}

func (o SendOutcome) Validate() error {
	switch o.Kind {
	case OutcomeSent:
		if o.ProviderMessageID == "" {
			return fmt.Errorf("%w: sent outcome requires a provider message id", ErrValidation)
		}
		if o.SentAt.IsZero() {
			return fmt.Errorf("%w: sent outcome requires a sent timestamp", ErrValidation)
		}
	case OutcomeRetriable:
		if o.NextAttemptAt.IsZero() {
			return fmt.Errorf("%w: retriable outcome requires a next attempt timestamp", ErrValidation)
		}
	case OutcomePermanent, OutcomeBalance, OutcomeCancelled:
	default:
		return fmt.Errorf("%w: invalid outcome kind %q", ErrValidation, o.Kind)
	}
	return nil
}
