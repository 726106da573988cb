package provider

import "context"

// Gateway is the outbound SMS delivery port. Implementations return a
// receipt on provider hand-off or an error that Classify turns into a
// failure class.
type Gateway interface {
	Send(ctx context.Context, to string, body string) (*SendReceipt, error)
}

// SendReceipt stores provider call metadata for persistence.
type SendReceipt struct {
	StatusCode        int
	ProviderMessageID string
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, to string, body string) (*SendReceipt, error)

func (f GatewayFunc) Send(ctx context.Context, to string, body string) (*SendReceipt, error) {
	return f(ctx, to, body)
}
