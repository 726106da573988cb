package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/larderbook/parcel-notify/internal/domain"
)

const defaultGatewayTimeout = 10 * time.Second

type smsRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Sender  string `json:"sender,omitempty"`
}

type smsResponse struct {
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
}

// SMSGateway sends messages to an HTTP SMS provider. The client never
// retries on its own; retry policy belongs to the dispatcher.
type SMSGateway struct {
	client   *resty.Client
	endpoint string
	sender   string
}

func NewSMSGateway(endpoint, apiKey, sender string) (*SMSGateway, error) {
	client := resty.New()
	client.SetTimeout(defaultGatewayTimeout)
	client.SetRetryCount(0)
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}

	return NewSMSGatewayWithClient(endpoint, sender, client)
}

func NewSMSGatewayWithClient(endpoint, sender string, client *resty.Client) (*SMSGateway, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("gateway endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid gateway endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultGatewayTimeout)
	}
	client.SetRetryCount(0)

	return &SMSGateway{
		client:   client,
		endpoint: trimmedEndpoint,
		sender:   strings.TrimSpace(sender),
	}, nil
}

func (g *SMSGateway) Send(ctx context.Context, to string, body string) (*SendReceipt, error) {
	if g == nil || g.client == nil {
		return nil, fmt.Errorf("gateway is not initialized")
	}
	if err := domain.ValidateRecipient(to); err != nil {
		return nil, &ProviderError{
			StatusCode: http.StatusBadRequest,
			Message:    "recipient rejected before send",
			Cause:      err,
		}
	}
	if strings.TrimSpace(body) == "" {
		return nil, &ProviderError{
			StatusCode: http.StatusBadRequest,
			Message:    "empty message body",
		}
	}

	reqBody := smsRequest{
		To:      to,
		Message: body,
		Sender:  g.sender,
	}

	response, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(g.endpoint)
	if err != nil {
		return nil, &ProviderError{
			Message: "gateway request failed",
			Cause:   err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message: "gateway returned empty response",
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &SendReceipt{
			StatusCode:        statusCode,
			ProviderMessageID: providerMessageID(response, responseBody),
		}, nil
	}

	return nil, &ProviderError{
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, responseBody),
	}
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("gateway returned status %d", statusCode)

	var parsed smsResponse
	if err := json.Unmarshal([]byte(body), &parsed); err == nil && parsed.Message != "" {
		return fmt.Sprintf("%s: %s", base, parsed.Message)
	}
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func providerMessageID(response *resty.Response, body string) string {
	var parsed smsResponse
	if err := json.Unmarshal([]byte(body), &parsed); err == nil && parsed.MessageID != "" {
		return parsed.MessageID
	}

	for _, key := range []string{"X-Message-ID", "X-Message-Id", "X-Request-ID", "X-Request-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
