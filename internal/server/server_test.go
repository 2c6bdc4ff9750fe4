package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/notemarket/internal/alerts"
	"github.com/mbd888/notemarket/internal/clock"
	"github.com/mbd888/notemarket/internal/config"
	"github.com/mbd888/notemarket/internal/logging"
	"github.com/mbd888/notemarket/internal/paygateway"
	"github.com/mbd888/notemarket/internal/security"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const adminSecret = "test-admin-secret"

// 09:30 in Kolkata on 2026-03-14.
var epoch = time.Date(2026, 3, 14, 4, 0, 0, 0, time.UTC)

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LockBackend:        config.LockBackendMemory,
		ReservationTTL:     5 * time.Minute,
		JanitorInterval:    time.Hour,
		EscrowHoldPeriod:   7 * 24 * time.Hour,
		EscrowInterval:     time.Hour,
		EscrowBatchSize:    50,
		ReconcileInterval:  24 * time.Hour,
		ReconcileThreshold: decimal.NewFromInt(100),
		ReconcileTimezone:  "Asia/Kolkata",
		GatewayCurrency:    "inr",
		BreakerThreshold:   5,
		BreakerCooldown:    30 * time.Second,
		AdminSecret:        adminSecret,
	}
}

type testServer struct {
	*Server
	clock   *clock.Manual
	gateway *paygateway.MockClient
	alerts  *alerts.Memory
}

// newTestServer creates a server with in-memory stores and a mock gateway
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clk := clock.NewManual(epoch)
	gw := paygateway.NewMockClient(clk)
	mem := alerts.NewMemory()

	s, err := New(testConfig(),
		WithLogger(logging.Discard()),
		WithClock(clk),
		WithGateway(gw),
		WithAlerter(mem),
		WithTicketer(mem),
	)
	require.NoError(t, err)
	return &testServer{Server: s, clock: clk, gateway: gw, alerts: mem}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header http.Header) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func (ts *testServer) admin(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	return ts.do(t, method, path, body, http.Header{security.AdminHeader: {adminSecret}})
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, "GET", "/health", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Len(t, body["checks"], 3)
}

func TestLivenessEndpoint(t *testing.T) {
	ts := newTestServer(t)
	code, _ := ts.do(t, "GET", "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestReadinessEndpoint(t *testing.T) {
	ts := newTestServer(t)
	// Run has not been called.
	code, _ := ts.do(t, "GET", "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	ts := newTestServer(t)

	routeSet := make(map[string]bool)
	for _, route := range ts.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range []string{
		"GET:/health",
		"GET:/metrics",
		"POST:/v1/payments/reserve",
		"POST:/v1/payments/:id/order",
		"GET:/v1/payments/:id",
		"GET:/v1/sellers/:id/wallet",
		"POST:/v1/admin/reservations/sweep",
		"POST:/v1/admin/escrow/sales",
		"GET:/v1/admin/escrow/transactions/:id",
		"POST:/v1/admin/escrow/release",
		"POST:/v1/admin/reconciliation/run",
		"GET:/v1/admin/reconciliation",
		"GET:/v1/admin/reconciliation/:date",
		"POST:/v1/admin/jobs/:name/run",
	} {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	ts := newTestServer(t)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/nonexistent", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRequiresSecret(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, "POST", "/v1/admin/escrow/release", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorized", body["error"])

	code, _ = ts.admin(t, "POST", "/v1/admin/escrow/release", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestServer(t)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

// ---------------------------------------------------------------------------
// End-to-end flow
// ---------------------------------------------------------------------------

func TestPaymentToWalletToReconciliation(t *testing.T) {
	ts := newTestServer(t)
	key := http.Header{"Idempotency-Key": {"checkout-abc-1"}}
	reserve := map[string]any{"payerId": "buyer-1", "itemIds": []string{"note-1", "note-2"}}

	// Reserve, then replay the same key.
	code, body := ts.do(t, "POST", "/v1/payments/reserve", reserve, key)
	require.Equal(t, http.StatusCreated, code, body)
	paymentID := body["paymentId"].(string)
	require.NotEmpty(t, paymentID)

	code, body = ts.do(t, "POST", "/v1/payments/reserve", reserve, key)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["reserved"])
	assert.Equal(t, paymentID, body["existingPaymentId"])

	// Open the gateway order.
	code, body = ts.do(t, "POST", "/v1/payments/"+paymentID+"/order", map[string]any{"amount": "900"}, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "900.00", body["amount"])
	orderID := body["gatewayOrderId"]
	assert.NotEmpty(t, orderID)
	assert.Equal(t, 1, ts.gateway.Calls(paygateway.OpCreateOrder))

	// A second order attempt returns the stored order untouched.
	code, body = ts.do(t, "POST", "/v1/payments/"+paymentID+"/order", map[string]any{"amount": "900"}, nil)
	assert.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, orderID, body["gatewayOrderId"])
	assert.Equal(t, 1, ts.gateway.Calls(paygateway.OpCreateOrder))

	// The captured payment becomes a sale held in escrow.
	code, body = ts.admin(t, "POST", "/v1/admin/escrow/sales", map[string]any{
		"sellerId": "seller-1", "paymentId": paymentID, "amount": "900",
	})
	require.Equal(t, http.StatusCreated, code, body)

	code, body = ts.do(t, "GET", "/v1/sellers/seller-1/wallet", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "900.00", body["pendingBalance"])
	assert.Equal(t, "0.00", body["availableBalance"])

	// Nothing is released before the hold period ends.
	code, body = ts.admin(t, "POST", "/v1/admin/jobs/"+JobEscrowRelease+"/run", nil)
	require.Equal(t, http.StatusOK, code, body)
	_, body = ts.do(t, "GET", "/v1/sellers/seller-1/wallet", nil, nil)
	assert.Equal(t, "900.00", body["pendingBalance"])

	ts.clock.Advance(7*24*time.Hour + time.Minute)
	code, _ = ts.admin(t, "POST", "/v1/admin/jobs/"+JobEscrowRelease+"/run", nil)
	require.Equal(t, http.StatusOK, code)

	_, body = ts.do(t, "GET", "/v1/sellers/seller-1/wallet", nil, nil)
	assert.Equal(t, "0.00", body["pendingBalance"])
	assert.Equal(t, "900.00", body["availableBalance"])

	// The gateway settled the same amount that day.
	ts.gateway.AddSettlement(epoch.Add(time.Hour), decimal.NewFromInt(900))
	code, body = ts.admin(t, "POST", "/v1/admin/reconciliation/run", map[string]any{"date": "2026-03-14"})
	require.Equal(t, http.StatusOK, code, body)
	result := body["result"].(map[string]any)
	assert.Equal(t, "MATCH", result["status"])
	assert.Equal(t, float64(1), result["ourCount"])

	assert.Empty(t, ts.alerts.Alerts())
}

func TestReconciliationMismatchAlerts(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 5; i++ {
		code, body := ts.admin(t, "POST", "/v1/admin/escrow/sales", map[string]any{"sellerId": "seller-1", "amount": "2000"})
		require.Equal(t, http.StatusCreated, code, body)
	}
	ts.gateway.AddSettlement(epoch, decimal.NewFromInt(10200))
	ts.clock.Advance(24 * time.Hour)

	code, body := ts.admin(t, "POST", "/v1/admin/reconciliation/run", map[string]any{"date": "2026-03-14"})
	require.Equal(t, http.StatusOK, code, body)
	result := body["result"].(map[string]any)
	assert.Equal(t, "MISMATCH", result["status"])
	assert.Equal(t, "200", result["amountDifference"])

	assert.Equal(t, 1, ts.alerts.Count("reconciliation.mismatch"))
	assert.Len(t, ts.alerts.Tickets(), 1)
}

func TestReconciliationJobRunsPreviousDay(t *testing.T) {
	ts := newTestServer(t)
	ts.clock.Advance(24 * time.Hour)

	code, body := ts.admin(t, "POST", "/v1/admin/jobs/"+JobReconciliation+"/run", nil)
	require.Equal(t, http.StatusOK, code, body)

	code, body = ts.admin(t, "GET", "/v1/admin/reconciliation/2026-03-14", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "MATCH", body["record"].(map[string]any)["status"])
}

func TestRunUnknownJob(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.admin(t, "POST", "/v1/admin/jobs/nope/run", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["error"])
}

func TestReservationSweep(t *testing.T) {
	ts := newTestServer(t)
	code, _ := ts.do(t, "POST", "/v1/payments/reserve",
		map[string]any{"payerId": "buyer-1", "itemIds": []string{"note-9"}},
		http.Header{"Idempotency-Key": {"sweep-1"}})
	require.Equal(t, http.StatusCreated, code)

	ts.clock.Advance(6 * time.Minute)
	code, body := ts.admin(t, "POST", "/v1/admin/reservations/sweep", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["expired"])
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:hunter2@db:5432/notemarket")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "app:")
	assert.Contains(t, masked, "@db:5432/notemarket")
	assert.Equal(t, "***", maskDSN("://bad"))
}
