package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/rift/internal/config"
	"github.com/mbd888/rift/internal/gateway"
	"github.com/mbd888/rift/internal/logging"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:          "0",
		Env:           "development",
		LogLevel:      "error",
		LogFormat:     "text",
		BuyerFeeRate:  decimal.RequireFromString("0.03"),
		SellerFeeRate: decimal.RequireFromString("0.05"),
		RateLimitRPM:  6000,
	}
}

// newTestServer creates a server on in-memory storage and gateway
func newTestServer(t *testing.T, cfg *config.Config) (*Server, *gateway.Memory) {
	t.Helper()
	gw := gateway.NewMemory()
	gw.SetAvailable("usd", decimal.NewFromInt(1000))
	s, err := New(cfg,
		WithGateway(gw),
		WithLogger(logging.New("error", "text")),
		WithDrainDelay(0),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, gw
}

func do(t *testing.T, s *Server, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

type txBody struct {
	Transaction struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		SellerNet string `json:"sellerNet"`
	} `json:"transaction"`
}

func TestServer_ReleaseEndToEnd(t *testing.T) {
	s, gw := newTestServer(t, testConfig())

	w := do(t, s, http.MethodPost, "/v1/transactions", map[string]any{
		"buyerId": "buyer_1", "sellerId": "seller_1", "sellerAccountId": "acct_1",
		"amount": "100", "currency": "usd",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created txBody
	decode(t, w, &created)
	id := created.Transaction.ID
	assert.Equal(t, "95", created.Transaction.SellerNet)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(t, s, http.MethodPost, "/v1/transactions/"+id+"/payment", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var start struct {
		IntentID string `json:"intentId"`
	}
	decode(t, w, &start)
	gw.SucceedPaymentIntent(start.IntentID)

	w = do(t, s, http.MethodPost, "/v1/transactions/"+id+"/payment/sync", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var synced txBody
	decode(t, w, &synced)
	assert.Equal(t, "FUNDED", synced.Transaction.Status)

	w = do(t, s, http.MethodPost, "/v1/transactions/"+id+"/release", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/transactions/"+id+"/ledger", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ledgerBody struct {
		Count int `json:"count"`
	}
	decode(t, w, &ledgerBody)
	assert.Equal(t, 1, ledgerBody.Count)

	require.Len(t, gw.Transfers(), 1)
	assert.True(t, gw.Transfers()[0].Amount.Equal(decimal.NewFromInt(95)))
}

func TestServer_WebhookRejectsUnsigned(t *testing.T) {
	cfg := testConfig()
	cfg.StripeWebhookSecret = "whsec_test"
	s, _ := newTestServer(t, cfg)

	w := do(t, s, http.MethodPost, "/webhooks/stripe", map[string]any{"id": "evt_1", "type": "payment_intent.succeeded"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_AdminRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = "s3cret"
	s, _ := newTestServer(t, cfg)

	w := do(t, s, http.MethodPost, "/v1/admin/reconcile", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodPost, "/v1/admin/reconcile", nil, "X-Admin-Secret", "s3cret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Stats map[string]int `json:"stats"`
	}
	decode(t, w, &body)
	assert.Contains(t, body.Stats, "Completed")

	w = do(t, s, http.MethodGet, "/v1/admin/webhooks/deliveries/evt_missing", nil, "X-Admin-Secret", "s3cret")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_HealthEndpoints(t *testing.T) {
	s, gw := newTestServer(t, testConfig())

	w := do(t, s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run marks it.
	w = do(t, s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s.ready.Store(true)
	w = do(t, s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	gw.FailBalance(gateway.ErrNotFound)
	w = do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPM = 1
	s, _ := newTestServer(t, cfg)

	codes := map[int]int{}
	for i := 0; i < 15; i++ {
		codes[do(t, s, http.MethodGet, "/v1/info", nil).Code]++
	}
	assert.Equal(t, 10, codes[http.StatusOK])
	assert.Equal(t, 5, codes[http.StatusTooManyRequests])

	// Probes are never limited.
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/live", nil).Code)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://rift:%2A%2A%2A@db:5432/rift", maskDSN("postgres://rift:hunter2@db:5432/rift"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
