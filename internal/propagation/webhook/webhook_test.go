package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nser/internal/events"
	"nser/internal/operator"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
)

const secret = "0123456789abcdef-operator"

func payload() Payload {
	eid := id.NewExclusionID()
	return Payload{
		EventType:      events.ExclusionRegistered,
		ExclusionID:    eid,
		PersonRef:      "ab12",
		StateVersion:   1,
		OccurredAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		IdempotencyKey: IdempotencyKey(eid, "op-a", 1),
	}
}

func op(url string) operator.Operator {
	return operator.Operator{ID: "op-a", WebhookURL: url, Secret: secret, Timeout: time.Second, MaxAttempts: 3, Active: true}
}

// echoServer verifies the signature and echoes the idempotency key.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if err := Verify(secret, r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature), body, time.Now(), time.Minute); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var p Payload
		require.NoError(t, json.Unmarshal(body, &p))
		assert.Equal(t, p.IdempotencyKey.String(), r.Header.Get(HeaderKey))
		_ = json.NewEncoder(w).Encode(map[string]string{"idempotency_key": p.IdempotencyKey.String()})
	}))
}

func TestIdempotencyKey(t *testing.T) {
	eid := id.NewExclusionID()
	assert.Equal(t, IdempotencyKey(eid, "op-a", 2), IdempotencyKey(eid, "op-a", 2))
	assert.NotEqual(t, IdempotencyKey(eid, "op-a", 2), IdempotencyKey(eid, "op-a", 3))
	assert.NotEqual(t, IdempotencyKey(eid, "op-a", 2), IdempotencyKey(eid, "op-b", 2))
	assert.Equal(t, 5, int(IdempotencyKey(eid, "op-a", 2).Version()))
}

func TestSignAndVerify(t *testing.T) {
	now := time.Unix(1_770_000_000, 0)
	body := []byte(`{"a":1}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign(secret, now, body)

	require.NoError(t, Verify(secret, ts, sig, body, now, time.Minute))

	tests := map[string]struct {
		secret, ts, sig string
		body            []byte
		at              time.Time
	}{
		"wrong secret":   {"another-secret-value", ts, sig, body, now},
		"tampered body":  {secret, ts, sig, []byte(`{"a":2}`), now},
		"stale":          {secret, ts, sig, body, now.Add(2 * time.Minute)},
		"bad timestamp":  {secret, "yesterday", sig, body, now},
		"missing prefix": {secret, ts, sig[len("sha256="):], body, now},
		"not hex":        {secret, ts, "sha256=zz", body, now},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := Verify(tt.secret, tt.ts, tt.sig, tt.body, tt.at, time.Minute)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
		})
	}
}

func TestDeliver_Acknowledged(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	res, err := NewClient().Deliver(context.Background(), op(srv.URL), payload())
	require.NoError(t, err)
	assert.True(t, res.Acknowledged)
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
}

func TestDeliver_Failures(t *testing.T) {
	tests := map[string]struct {
		handler  http.HandlerFunc
		status   int
		timedOut bool
	}{
		"server error": {
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
			status:  http.StatusServiceUnavailable,
		},
		"no acknowledgement body": {
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) },
			status:  http.StatusOK,
		},
		"wrong key echoed": {
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"idempotency_key":"00000000-0000-0000-0000-000000000000"}`))
			},
			status: http.StatusOK,
		},
		"timeout": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			timedOut: true,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			o := op(srv.URL)
			o.Timeout = 100 * time.Millisecond

			res, err := NewClient().Deliver(context.Background(), o, payload())
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeDeliveryFailed))
			assert.False(t, res.Acknowledged)
			assert.Equal(t, tt.status, res.HTTPStatus)
			assert.Equal(t, tt.timedOut, res.TimedOut)
		})
	}
}
