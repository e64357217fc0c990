// Package provider is the HTTP client for the external automation provider.
// Calls are paced by a token bucket, guarded by a circuit breaker and
// classified into retryable and terminal failures for the dispatch queue.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tbourn/go-dispatch-backend/internal/apperr"
	"github.com/tbourn/go-dispatch-backend/internal/observability"
	"github.com/tbourn/go-dispatch-backend/internal/resilience"
)

// RunRequest is posted to {BaseURL}/runs.
type RunRequest struct {
	RunID         string          `json:"runId"`
	CorrelationID string          `json:"correlationId"`
	TenantID      string          `json:"tenantId"`
	Input         json.RawMessage `json:"input,omitempty"`
	CallbackURL   string          `json:"callbackUrl,omitempty"`
}

// RunResponse is the provider's acknowledgement.
type RunResponse struct {
	ProviderRunID string `json:"providerRunId"`
	Status        string `json:"status"`
}

// Client talks to one provider.
type Client struct {
	BaseURL     string
	Token       string
	CallbackURL string
	HTTP        *http.Client
	Breaker     *resilience.Breaker
	Limiter     *rate.Limiter
}

// Options configures New.
type Options struct {
	BaseURL     string
	Token       string
	CallbackURL string
	Timeout     time.Duration
	RPS         float64
	Burst       int
	Breaker     *resilience.Breaker
}

// New builds a client. It fails with a configuration error when no base URL
// is set, since the dispatch worker cannot do anything useful without one.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, apperr.Configuration("PROVIDER_URL is not set")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	var lim *rate.Limiter
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return &Client{
		BaseURL:     base,
		Token:       opts.Token,
		CallbackURL: opts.CallbackURL,
		HTTP:        &http.Client{Timeout: opts.Timeout},
		Breaker:     opts.Breaker,
		Limiter:     lim,
	}, nil
}

// StartRun submits a run. 429, 5xx and transport errors are retryable; other
// non-2xx statuses are terminal.
func (c *Client) StartRun(ctx context.Context, req RunRequest) (RunResponse, error) {
	if req.CallbackURL == "" {
		req.CallbackURL = c.CallbackURL
	}
	body, err := json.Marshal(req)
	if err != nil {
		return RunResponse{}, apperr.Terminal("encode run request", err)
	}

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return RunResponse{}, apperr.Retryable("provider rate limit wait", err)
		}
	}

	var out RunResponse
	err = c.Breaker.Execute(func() error {
		hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/runs", bytes.NewReader(body))
		if err != nil {
			return apperr.Terminal("build provider request", err)
		}
		hreq.Header.Set("Content-Type", "application/json")
		hreq.Header.Set("Idempotency-Key", req.CorrelationID)
		if c.Token != "" {
			hreq.Header.Set("Authorization", "Bearer "+c.Token)
		}
		observability.InjectHeaders(ctx, hreq.Header)

		resp, err := c.httpClient().Do(hreq)
		if err != nil {
			return apperr.Retryable("provider unreachable", err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if len(bytes.TrimSpace(raw)) == 0 {
				return nil
			}
			if err := json.Unmarshal(raw, &out); err != nil {
				return apperr.Terminal("decode provider response", err)
			}
			return nil
		case resilience.RetryableStatus(resp.StatusCode):
			return apperr.Retryable(fmt.Sprintf("provider returned %d", resp.StatusCode), nil)
		default:
			return apperr.Terminal(fmt.Sprintf("provider returned %d: %s", resp.StatusCode, snippet(raw)), nil)
		}
	})
	return out, err
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
