package server

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/freightpay/internal/config"
	"github.com/mbd888/freightpay/internal/logging"
	"github.com/mbd888/freightpay/internal/providers/providera"
	"github.com/mbd888/freightpay/internal/security"
	"github.com/mbd888/freightpay/internal/shipment"
)

const (
	testAdminSecret = "admin-secret"              //nolint:gosec // test credential
	testSecretA     = "provider_a_webhook_secret" //nolint:gosec // test credential
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeProviderA accepts every collection as pending with provider id T1.
func fakeProviderA(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.URL.Path != "/v1/collections" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"txId": "T1", "status": "TIP", "reference": body["reference"],
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testConfig returns a minimal development config for testing
func testConfig(providerAURL string) *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "development",
		LogLevel:                "error",
		AdminSecret:             testAdminSecret,
		ProviderABaseURL:        providerAURL,
		ProviderAWebhookSecret:  testSecretA,
		ProviderBSharedSecret:   "provider_b_shared_secret",
		BreakerFailureThreshold: config.DefaultBreakerFailureThreshold,
		BreakerSuccessThreshold: config.DefaultBreakerSuccessThreshold,
		BreakerCooldown:         config.DefaultBreakerCooldown,
		ReconcileInterval:       time.Hour,
		BudgetPending:           config.DefaultBudgetPending,
		BudgetFunded:            config.DefaultBudgetFunded,
		BudgetDisputed:          config.DefaultBudgetDisputed,
	}
}

// newTestServer creates an in-memory server with one shipment, S1.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	ships := shipment.NewMemoryStore()
	ships.Put(&shipment.Shipment{ID: "S1", OwnerID: "shipper_1", AgreedPrice: 50000})

	s, err := New(testConfig(fakeProviderA(t).URL),
		WithLogger(logging.Discard()),
		WithShipmentStore(ships))
	require.NoError(t, err)
	s.drainDelay = 0
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func do(s *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func admin() map[string]string {
	return map[string]string{security.AdminSecretHeader: testAdminSecret}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "providers", resp.Checks[0].Name)
	assert.True(t, resp.Checks[0].Advisory)
}

func TestLivenessAndReadiness(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/live", nil, nil).Code)

	// Not ready until Run marks it.
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/health/ready", nil, nil).Code)
	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/ready", nil, nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	do(s, http.MethodGet, "/health/live", nil, nil)

	w := do(s, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "freightpay_http_requests_total")
}

func TestRequestIDAndSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health/live", nil, map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = do(s, http.MethodGet, "/health/live", nil, nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/v1/admin/providers"},
		{http.MethodGet, "/v1/admin/escrows"},
		{http.MethodGet, "/v1/admin/reconciliation/report"},
		{http.MethodPost, "/v1/admin/reconciliation/run"},
		{http.MethodPost, "/v1/admin/escrows/esc_x/transition"},
		{http.MethodPost, "/v1/admin/payments/ptx_x/cash"},
		{http.MethodPost, "/v1/admin/payments/ptx_x/refresh"},
		{http.MethodPost, "/v1/escrows/esc_x/dispute"},
	}
	for _, rt := range routes {
		w := do(s, rt.method, rt.path, []byte(`{}`), nil)
		assert.Equal(t, http.StatusForbidden, w.Code, "%s %s", rt.method, rt.path)

		w = do(s, rt.method, rt.path, []byte(`{}`), map[string]string{security.AdminSecretHeader: "wrong"})
		assert.Equal(t, http.StatusForbidden, w.Code, "%s %s with wrong secret", rt.method, rt.path)
	}

	w := do(s, http.MethodGet, "/v1/admin/providers", nil, admin())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "provider_a")
	assert.Contains(t, w.Body.String(), "provider_b")
}

func TestPaymentLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"shipperId":  "shipper_1",
		"shipmentId": "S1",
		"amount":     "50000",
		"method":     "provider_a",
		"payerPhone": "260971234567",
	})
	w := do(s, http.MethodPost, "/v1/payments", body, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var initiated struct {
		EscrowID      string `json:"escrowId"`
		TransactionID string `json:"transactionId"`
		Status        string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &initiated))
	require.NotEmpty(t, initiated.EscrowID)
	assert.Equal(t, "pending", initiated.Status)

	// Same request again is served from the idempotency store.
	w = do(s, http.MethodPost, "/v1/payments", body, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	webhook := []byte(`{"txId":"T1","status":"TS"}`)
	sig := hex.EncodeToString(providera.Sign(webhook, testSecretA))
	w = do(s, http.MethodPost, "/v1/webhooks/provider-a", webhook, map[string]string{providera.SignatureHeader: sig})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodGet, "/v1/shipments/S1/escrow", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"state":"funded"`)

	shipped, err := s.shipments.Get(t.Context(), "S1")
	require.NoError(t, err)
	assert.True(t, shipped.Paid)

	// Operators see the funded escrow in the reconciliation counts.
	w = do(s, http.MethodPost, "/v1/admin/reconciliation/run", nil, admin())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"funded":1`)
}

func TestNewRejectsUnsafeEventSink(t *testing.T) {
	cfg := testConfig("")
	cfg.EventSinkURLs = []string{"http://localhost:9000/hook"}

	_, err := New(cfg, WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event sink")
}

func TestNewRejectsBadRedisURL(t *testing.T) {
	cfg := testConfig("")
	cfg.RedisURL = "not-a-url"

	_, err := New(cfg, WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestCallbackURL(t *testing.T) {
	assert.Equal(t, "", callbackURL("", callbackPathA))
	assert.Equal(t, "https://pay.example.com/v1/webhooks/provider-a", callbackURL("https://pay.example.com/", callbackPathA))
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://freightpay:hunter2@db:5432/freightpay?sslmode=disable")
	assert.False(t, strings.Contains(masked, "hunter2"))
	assert.Contains(t, masked, "@db:5432/freightpay")
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/v1/nonexistent", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/v1/escrows/esc_unknown", nil, nil).Code)
}

func TestMalformedPathIDRejected(t *testing.T) {
	s := newTestServer(t)
	w := do(s, http.MethodGet, "/v1/payments/bad%20id", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_id")
}
