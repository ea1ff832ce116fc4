// Package gateway wraps the third-party payment gateway collaborator.
// The gateway is the source of truth for whether money moved; the
// core never infers success from local state alone.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ledgerline/paygate/internal/metrics"
	"github.com/ledgerline/paygate/internal/models"
)

// Request is the outbound call shape. IdempotencyToken is the derived
// key, so retried calls for the same logical intent are deduplicated
// by the gateway as well.
type Request struct {
	PaymentID        string            `json:"payment_id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	IdempotencyToken string            `json:"idempotency_token"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Result is the gateway's answer to an operation. Success=false with
// a DeclineCode is a settled business outcome, not a transport error.
type Result struct {
	Success          bool   `json:"success"`
	GatewayReference string `json:"gateway_reference,omitempty"`
	DeclineCode      string `json:"decline_code,omitempty"`
}

// Status is the gateway's authoritative view of a payment, queried by
// idempotency token during reconciliation.
type Status struct {
	Found            bool                `json:"found"`
	State            models.PaymentState `json:"state,omitempty"`
	GatewayReference string              `json:"gateway_reference,omitempty"`
}

// Gateway is what the core needs from the payment provider.
type Gateway interface {
	Apply(ctx context.Context, operation string, req Request) (*Result, error)
	Lookup(ctx context.Context, idempotencyToken string) (*Status, error)
}

// HTTPGateway talks to the provider over HTTP with a bounded timeout
// and a circuit breaker shared with the governance breaker gate.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPGateway(baseURL string, timeout time.Duration, breaker *gobreaker.CircuitBreaker) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

func (g *HTTPGateway) Apply(ctx context.Context, operation string, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal gateway request: %w", err)
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/v1/payments/%s", g.baseURL, operation), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyToken)

		resp, err := g.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("gateway %s returned %d", operation, resp.StatusCode)
		}

		var result Result
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, fmt.Errorf("decode gateway response: %w", err)
		}
		return &result, nil
	})
	if err != nil {
		metrics.GatewayCallsTotal.WithLabelValues(operation, "error").Inc()
		return nil, err
	}

	result := out.(*Result)
	outcome := "declined"
	if result.Success {
		outcome = "success"
	}
	metrics.GatewayCallsTotal.WithLabelValues(operation, outcome).Inc()
	return result, nil
}

func (g *HTTPGateway) Lookup(ctx context.Context, idempotencyToken string) (*Status, error) {
	out, err := g.breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/v1/payments/status?token=%s", g.baseURL, url.QueryEscape(idempotencyToken)), nil)
		if err != nil {
			return nil, err
		}

		resp, err := g.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return &Status{Found: false}, nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("gateway status lookup returned %d", resp.StatusCode)
		}

		var status Status
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return nil, fmt.Errorf("decode gateway status: %w", err)
		}
		status.Found = true
		return &status, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*Status), nil
}

// NewBreaker builds the gateway circuit breaker. The breaker state is
// also consulted by the governance breaker gate before any call.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    2 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}
