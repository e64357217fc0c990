package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/tbourn/go-dispatch-backend/internal/apperr"
	"github.com/tbourn/go-dispatch-backend/internal/domain"
	"github.com/tbourn/go-dispatch-backend/internal/observability"
	"github.com/tbourn/go-dispatch-backend/internal/resilience"
)

// Sender delivers one event to the collector. Errors tagged
// apperr.KindTerminalDelivery fail the event; every other error is retried.
type Sender interface {
	Send(ctx context.Context, ev domain.OutboxEvent) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ev domain.OutboxEvent) error

func (f SenderFunc) Send(ctx context.Context, ev domain.OutboxEvent) error { return f(ctx, ev) }

// Envelope is the JSON body posted to the collector.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	TenantID  string          `json:"tenantId"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
}

// HTTPSender POSTs events to a single collector endpoint. Collectors are
// expected to deduplicate on the Idempotency-Key header, which carries the
// event ID.
type HTTPSender struct {
	Endpoint string
	Client   *http.Client
	Breaker  *resilience.Breaker
}

// Send posts ev and classifies the response: 2xx succeeds, 429 and 5xx are
// retryable, any other status is terminal. Transport errors are retryable.
func (s *HTTPSender) Send(ctx context.Context, ev domain.OutboxEvent) error {
	payload := json.RawMessage(ev.Payload)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(ev.Payload)
	}
	body, err := json.Marshal(Envelope{
		ID:        ev.ID,
		Type:      ev.Type,
		TenantID:  ev.TenantID,
		Attempt:   ev.Attempts,
		CreatedAt: ev.CreatedAt,
		Payload:   payload,
	})
	if err != nil {
		return apperr.Terminal("encode envelope", err)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	ctx, span := observability.StartDelivery(ctx, "outbox/HTTPSender", ev.Type, ev.TenantID, ev.Attempts)
	defer span.End()

	err = s.Breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
		if err != nil {
			return apperr.Terminal("build request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", ev.ID)
		req.Header.Set("X-Event-Type", ev.Type)
		req.Header.Set("X-Tenant-ID", ev.TenantID)
		observability.InjectHeaders(ctx, req.Header)

		resp, err := client.Do(req)
		if err != nil {
			return apperr.Retryable("collector unreachable", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resilience.RetryableStatus(resp.StatusCode):
			return apperr.Retryable(fmt.Sprintf("collector returned %d", resp.StatusCode), nil)
		default:
			return apperr.Terminal(fmt.Sprintf("collector returned %d", resp.StatusCode), nil)
		}
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
