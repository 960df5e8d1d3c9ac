// Package webhook delivers signed exclusion state changes to operators.
//
// Each request carries X-NSER-Timestamp (unix seconds) and
// X-NSER-Signature: sha256=hex(HMAC-SHA256(secret, timestamp + "." + body)).
// An operator acknowledges by answering 2xx with {"idempotency_key": ...}
// echoing the key it received.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nser/internal/events"
	"nser/internal/operator"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
)

const (
	HeaderSignature = "X-NSER-Signature"
	HeaderTimestamp = "X-NSER-Timestamp"
	HeaderKey       = "Idempotency-Key"

	signaturePrefix = "sha256="
	maxResponseBody = 64 << 10
)

// keyNamespace scopes idempotency keys. Changing it changes every key.
var keyNamespace = uuid.MustParse("6f1c3b0e-8d52-4a7e-9a41-2f0c7d9e5b13")

// IdempotencyKey is stable for one (exclusion, operator, version) so every
// retry of a delivery carries the same key.
func IdempotencyKey(exclusionID id.ExclusionID, operatorID id.OperatorID, version int64) uuid.UUID {
	return uuid.NewSHA1(keyNamespace, []byte(exclusionID.String()+"|"+operatorID.String()+"|"+strconv.FormatInt(version, 10)))
}

// Payload is the webhook body.
type Payload struct {
	EventType      events.Type    `json:"event_type"`
	ExclusionID    id.ExclusionID `json:"exclusion_id"`
	PersonRef      string         `json:"person_ref"`
	StateVersion   int64          `json:"state_version"`
	OccurredAt     time.Time      `json:"occurred_at"`
	IdempotencyKey uuid.UUID      `json:"idempotency_key"`
}

type ack struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// Sign returns the X-NSER-Signature value for body sent at ts.
func Sign(secret string, ts time.Time, body []byte) string {
	return signaturePrefix + hex.EncodeToString(mac(secret, strconv.FormatInt(ts.Unix(), 10), body))
}

func mac(secret, ts string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(ts))
	h.Write([]byte{'.'})
	h.Write(body)
	return h.Sum(nil)
}

// Verify checks a delivery's signature and that its timestamp is within
// tolerance of now. Operators use it on the receiving side.
func Verify(secret, timestamp, signature string, body []byte, now time.Time, tolerance time.Duration) error {
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return dErrors.New(dErrors.CodeUnauthorized, "invalid signature timestamp")
	}
	if d := now.Sub(time.Unix(sec, 0)); d > tolerance || d < -tolerance {
		return dErrors.New(dErrors.CodeUnauthorized, "signature timestamp outside tolerance")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil || !strings.HasPrefix(signature, signaturePrefix) {
		return dErrors.New(dErrors.CodeUnauthorized, "malformed signature")
	}
	if !hmac.Equal(got, mac(secret, timestamp, body)) {
		return dErrors.New(dErrors.CodeUnauthorized, "signature mismatch")
	}
	return nil
}

// Result describes one delivery attempt.
type Result struct {
	HTTPStatus   int
	Acknowledged bool
	TimedOut     bool
	Duration     time.Duration
}

// Client posts payloads to operator webhooks.
type Client struct {
	http   *http.Client
	now    func() time.Time
	tracer trace.Tracer
}

type Option func(*Client)

// WithHTTPClient replaces the default client. Per-operator timeouts are
// applied through the request context, not the client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

func WithClock(now func() time.Time) Option {
	return func(cl *Client) {
		cl.now = now
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		now:    time.Now,
		tracer: otel.Tracer("nser/propagation/webhook"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver sends p to op within op.Timeout. The error is nil only when the
// operator acknowledged the exact idempotency key; otherwise it carries
// CodeDeliveryFailed and Result says what happened.
func (c *Client) Deliver(ctx context.Context, op operator.Operator, p Payload) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "webhook.deliver", trace.WithAttributes(
		attribute.String("operator_id", op.ID.String()),
		attribute.String("exclusion_id", p.ExclusionID.String()),
		attribute.Int64("state_version", p.StateVersion),
	))
	defer span.End()

	res, err := c.deliver(ctx, op, p)
	span.SetAttributes(attribute.Int("http_status", res.HTTPStatus), attribute.Bool("acknowledged", res.Acknowledged))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (c *Client) deliver(ctx context.Context, op operator.Operator, p Payload) (Result, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Result{}, fmt.Errorf("encode webhook payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, op.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, op.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, dErrors.Wrap(err, dErrors.CodeDeliveryFailed, "build webhook request")
	}
	sentAt := c.now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(sentAt.Unix(), 10))
	req.Header.Set(HeaderSignature, Sign(op.Secret, sentAt, body))
	req.Header.Set(HeaderKey, p.IdempotencyKey.String())

	start := time.Now()
	resp, err := c.http.Do(req) //nolint:gosec // URL comes from the operator registry
	if err != nil {
		res := Result{Duration: time.Since(start), TimedOut: isTimeout(err)}
		if res.TimedOut {
			return res, dErrors.Wrap(err, dErrors.CodeDeliveryFailed, fmt.Sprintf("webhook timed out after %s", op.Timeout))
		}
		return res, dErrors.Wrap(err, dErrors.CodeDeliveryFailed, "webhook request failed")
	}
	defer resp.Body.Close()

	res := Result{HTTPStatus: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	res.Duration = time.Since(start)
	if err != nil {
		res.TimedOut = isTimeout(err)
		return res, dErrors.Wrap(err, dErrors.CodeDeliveryFailed, "read webhook response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, dErrors.New(dErrors.CodeDeliveryFailed, fmt.Sprintf("operator answered %d", resp.StatusCode))
	}
	var a ack
	if err := json.Unmarshal(raw, &a); err != nil {
		return res, dErrors.New(dErrors.CodeDeliveryFailed, "operator response is not a JSON acknowledgement")
	}
	if a.IdempotencyKey != p.IdempotencyKey.String() {
		return res, dErrors.New(dErrors.CodeDeliveryFailed, "operator echoed the wrong idempotency key")
	}
	res.Acknowledged = true
	return res, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
