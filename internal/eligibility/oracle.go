// Package eligibility answers whether a notification target is still worth
// sending to right now. The dispatcher consults it immediately before every
// send attempt: the parcel may have been cancelled, picked up, or its
// household anonymized in the window between enqueue and dispatch.
package eligibility

import (
	"context"
	"time"
)

// Decision is the oracle's answer for a single target entity.
type Decision struct {
	Eligible bool
	Reason   string
}

// Oracle reports send-time eligibility for a target entity.
type Oracle interface {
	Check(ctx context.Context, targetEntityID string) (Decision, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, targetEntityID string) (Decision, error)

func (f OracleFunc) Check(ctx context.Context, targetEntityID string) (Decision, error) {
	return f(ctx, targetEntityID)
}

// Snapshot is the raw eligibility data for a parcel, read from the
// case-management tables.
type Snapshot struct {
	Found               bool
	Deleted             bool
	PickedUp            bool
	HouseholdAnonymized bool
	PickupAt            *time.Time
}

// Policy tunes how a snapshot is judged.
type Policy struct {
	// AllowUnscheduled treats a parcel with no pickup window configured as
	// eligible. This default is load-bearing: the case-management side can
	// legitimately leave the window unset, and silently flipping it would
	// suppress reminders for those households.
	AllowUnscheduled bool
	// Grace extends the pickup window: a reminder still makes sense shortly
	// after the nominal pickup time.
	Grace time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		AllowUnscheduled: true,
		Grace:            2 * time.Hour,
	}
}

// Evaluate judges a snapshot against the policy. Pure so tests can drive
// every branch without a database.
func Evaluate(s Snapshot, p Policy, now time.Time) Decision {
	switch {
	case !s.Found:
		return Decision{Eligible: false, Reason: "parcel no longer exists"}
	case s.Deleted:
		return Decision{Eligible: false, Reason: "parcel was cancelled"}
	case s.PickedUp:
		return Decision{Eligible: false, Reason: "parcel was already picked up"}
	case s.HouseholdAnonymized:
		return Decision{Eligible: false, Reason: "household was anonymized"}
	}

	if s.PickupAt == nil {
		if p.AllowUnscheduled {
			return Decision{Eligible: true}
		}
		return Decision{Eligible: false, Reason: "no pickup window configured"}
	}

	if now.After(s.PickupAt.Add(p.Grace)) {
		return Decision{Eligible: false, Reason: "pickup window has passed"}
	}

	return Decision{Eligible: true}
}
