package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ProviderError carries the provider's HTTP status and message for a failed
// send call.
type ProviderError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "provider error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// FailureClass is the dispatcher-facing failure taxonomy. Classification
// happens exactly once, here at the gateway boundary; the state machine
// never inspects raw status codes.
type FailureClass string

const (
	// FailureRetriable drives the backoff loop.
	FailureRetriable FailureClass = "RETRIABLE"
	// FailurePermanent ends automatic processing for the message.
	FailurePermanent FailureClass = "PERMANENT"
	// FailureBalance means the sending account is out of credit. Terminal
	// for the automatic loop, recovered in bulk by an operator.
	FailureBalance FailureClass = "BALANCE"
)

var balanceMarkers = []string{
	"insufficient balance",
	"insufficient credit",
	"insufficient funds",
	"out of credit",
	"no credits",
	"low balance",
}

// Classify maps a send error to its failure class.
func Classify(err error) FailureClass {
	if err == nil {
		return FailurePermanent
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return classifyProviderError(providerErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureRetriable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureRetriable
	}

	// Anything else is a transport-level surprise; retrying is the safe
	// default because the provider may never have seen the message.
	return FailureRetriable
}

func classifyProviderError(e *ProviderError) FailureClass {
	if e.StatusCode == http.StatusPaymentRequired {
		return FailureBalance
	}

	message := strings.ToLower(e.Message)
	for _, marker := range balanceMarkers {
		if strings.Contains(message, marker) {
			return FailureBalance
		}
	}

	if e.StatusCode == http.StatusTooManyRequests ||
		(e.StatusCode >= http.StatusInternalServerError && e.StatusCode <= 599) {
		return FailureRetriable
	}
	if e.StatusCode >= http.StatusBadRequest {
		return FailurePermanent
	}

	// No status code means the request never completed.
	return FailureRetriable
}
