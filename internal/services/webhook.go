package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
	"github.com/tbourn/go-dispatch-backend/internal/sysutil"
)

// DefaultWebhookSkew is the accepted clock difference for callbacks.
const DefaultWebhookSkew = 300 * time.Second

// GlobalNonceScope is the nonce namespace used when a callback names no
// tenant.
const GlobalNonceScope = "global"

// NonceStore remembers callback nonces for a bounded time.
type NonceStore interface {
	SetIfAbsent(ctx context.Context, tenantID, nonce string, ttl time.Duration) (bool, error)
}

// CallbackHeaders are the authentication headers of a provider callback.
type CallbackHeaders struct {
	Signature string
	Timestamp string
	Nonce     string
}

// CallbackPayload is the body of a provider callback.
type CallbackPayload struct {
	CorrelationID string          `json:"correlationId,omitempty"`
	ProviderRunID string          `json:"providerRunId,omitempty"`
	Status        string          `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	TenantID      string          `json:"tenantId,omitempty"`
}

// WebhookVerifier authenticates provider callbacks and applies them to the
// run ledger.
type WebhookVerifier struct {
	Secret string
	Skew   time.Duration
	Nonces NonceStore
	Ledger RunLedger
	Now    func() time.Time
}

// NewWebhookVerifier returns a verifier with the default skew.
func NewWebhookVerifier(secret string, skew time.Duration, nonces NonceStore, ledger RunLedger) *WebhookVerifier {
	if skew <= 0 {
		skew = DefaultWebhookSkew
	}
	return &WebhookVerifier{Secret: secret, Skew: skew, Nonces: nonces, Ledger: ledger}
}

func (v *WebhookVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now().UTC()
	}
	return time.Now().UTC()
}

func (v *WebhookVerifier) skew() time.Duration {
	if v.Skew <= 0 {
		return DefaultWebhookSkew
	}
	return v.Skew
}

// Sign returns the hex HMAC-SHA256 of "{ts}.{nonce}.{body}" under secret.
func Sign(secret, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks headers, timestamp freshness and signature, in that order.
func (v *WebhookVerifier) Verify(h CallbackHeaders, body []byte) error {
	if v.Secret == "" {
		return ErrSecretMissing
	}
	if h.Signature == "" || h.Timestamp == "" || h.Nonce == "" {
		return ErrMissingHeaders
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(h.Timestamp), 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	if math.Abs(float64(v.now().Unix()-ts)) > v.skew().Seconds() {
		return ErrStaleTimestamp
	}

	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(h.Signature), "sha256="))
	if err != nil {
		return ErrBadSignature
	}
	want, _ := hex.DecodeString(Sign(v.Secret, h.Timestamp, h.Nonce, body))
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}

// Handle verifies a callback, consumes its nonce and applies the reported
// status. headerTenant is the X-Tenant-ID of the request, if any.
func (v *WebhookVerifier) Handle(ctx context.Context, h CallbackHeaders, body []byte, headerTenant string) (*domain.AutomationRun, error) {
	ctx, span := otel.Tracer("services/WebhookVerifier").Start(ctx, "Handle",
		trace.WithAttributes(attribute.String("tenant.header", headerTenant)),
	)
	defer span.End()

	if err := v.Verify(h, body); err != nil {
		return nil, err
	}

	var p CallbackPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&p); err != nil {
		return nil, ErrMalformedBody
	}
	if p.CorrelationID == "" && p.ProviderRunID == "" {
		return nil, ErrMissingRunRef
	}
	if strings.TrimSpace(p.Status) == "" {
		return nil, ErrMissingStatus
	}

	scope := sysutil.FirstNonEmpty(p.TenantID, headerTenant, GlobalNonceScope)
	fresh, err := v.Nonces.SetIfAbsent(ctx, scope, h.Nonce, 2*v.skew())
	if err != nil {
		return nil, fmt.Errorf("record nonce: %w", err)
	}
	if !fresh {
		return nil, ErrNonceReplayed
	}

	next := MapCallbackStatus(strings.TrimSpace(p.Status))
	span.SetAttributes(attribute.String("run.next_status", string(next)))
	return v.Ledger.UpdateStatus(ctx,
		RunRef{
			TenantID:      sysutil.FirstNonEmpty(p.TenantID, headerTenant),
			CorrelationID: p.CorrelationID,
			ProviderRunID: p.ProviderRunID,
		},
		next,
		RunPatch{Output: p.Output, ProviderRunID: p.ProviderRunID, Error: p.Error},
	)
}
