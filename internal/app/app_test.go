package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	compliancehandler "nser/internal/compliance/handler"
	exclusionhandler "nser/internal/exclusion/handler"
	jwttoken "nser/internal/jwt_token"
	"nser/internal/platform/config"
	"nser/internal/platform/logger"
	propagationhandler "nser/internal/propagation/handler"
	"nser/internal/propagation/webhook"
	id "nser/pkg/domain"
	"nser/pkg/testutil"
)

const operatorSecret = "app-test-webhook-secret"

// ackingOperator acknowledges every signed delivery and counts them.
func ackingOperator(t *testing.T, deliveries *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := webhook.Verify(operatorSecret, r.Header.Get(webhook.HeaderTimestamp), r.Header.Get(webhook.HeaderSignature), body, time.Now(), time.Minute); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var p webhook.Payload
		_ = json.Unmarshal(body, &p)
		deliveries.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"idempotency_key": p.IdempotencyKey.String()})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeOperators(t *testing.T, url string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "operators.yaml")
	yaml := "operators:\n" +
		"  - id: op-north\n    webhook_url: " + url + "\n    secret: " + operatorSecret + "\n" +
		"  - id: op-south\n    webhook_url: " + url + "\n    secret: " + operatorSecret + "\n    timeout: 2s\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestApp_ExclusionPropagatesToEveryOperator(t *testing.T) {
	var deliveries atomic.Int32
	srv := ackingOperator(t, &deliveries)
	t.Setenv("NSER_OPERATORS_FILE", writeOperators(t, srv.URL))
	t.Setenv("NSER_PROPAGATION_POLL_INTERVAL", "20ms")

	cfg, err := config.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, cfg, logger.Discard())
	require.NoError(t, err)
	defer a.Close()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	token, err := jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.Issuer).
		GenerateAccessToken("officer-7", []string{jwttoken.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	authed := func(r *http.Request) *http.Request {
		r.Header.Set("Authorization", "Bearer "+token)
		return r
	}

	person := id.NewPersonID()
	rr := testutil.DoRequest(a.Router, authed(testutil.NewJSONRequest(t, http.MethodPost, "/v1/exclusions",
		exclusionhandler.RegisterRequest{PersonID: person.String(), Period: "1y"})))
	testutil.AssertStatus(t, rr, http.StatusCreated)
	excl := testutil.UnmarshalResponse[exclusionhandler.ExclusionResponse](t, rr)

	require.Eventually(t, func() bool {
		rr := testutil.DoRequest(a.Router, authed(testutil.NewRequest(t, http.MethodGet, "/v1/exclusions/"+excl.ID+"/propagation")))
		if rr.Code != http.StatusOK {
			return false
		}
		status := testutil.UnmarshalResponse[propagationhandler.StatusResponse](t, rr)
		if len(status.Mappings) != 2 {
			return false
		}
		for _, m := range status.Mappings {
			if m.Status != "completed" {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(2), deliveries.Load())

	rr = testutil.DoRequest(a.Router, authed(testutil.NewJSONRequest(t, http.MethodPost, "/v1/exclusions/lookup",
		exclusionhandler.LookupRequest{PersonID: person.String()})))
	testutil.AssertStatus(t, rr, http.StatusOK)
	testutil.AssertJSONContains(t, rr, "excluded", true)

	rr = testutil.DoRequest(a.Router, authed(testutil.NewRequest(t, http.MethodGet, "/v1/compliance/operators")))
	testutil.AssertStatus(t, rr, http.StatusOK)
	scores := testutil.UnmarshalResponse[compliancehandler.ScoresResponse](t, rr)
	require.Len(t, scores.Operators, 2)
	for _, op := range scores.Operators {
		assert.Equal(t, 1, op.Completed, op.OperatorID)
		assert.Equal(t, 100.0, op.Score, op.OperatorID)
	}

	rr = testutil.DoRequest(a.Router, testutil.NewRequest(t, http.MethodGet, "/healthz"))
	testutil.AssertStatus(t, rr, http.StatusOK)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("background work did not stop")
	}
}

func TestApp_RejectsUnreadableOperatorsFile(t *testing.T) {
	t.Setenv("NSER_OPERATORS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := config.Load()
	require.NoError(t, err)

	_, err = New(context.Background(), cfg, logger.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operators file")
}
