package throttle

import "context"

// Throttle paces outbound provider calls.
type Throttle interface {
	// Allow reports whether another send may happen right now.
	Allow(ctx context.Context, scope string) (bool, error)
	// Wait blocks until a send slot is available or the context ends.
	Wait(ctx context.Context, scope string) error
}
