package reservation

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/notemarket/internal/clock"
	"github.com/mbd888/notemarket/internal/lock"
	"github.com/mbd888/notemarket/internal/paygateway"
)

type testAPI struct {
	router  *gin.Engine
	store   *MemoryStore
	gateway *paygateway.MockClient
	clock   *clock.Manual
}

func setupTestRouter(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	clk := clock.NewManual(epoch)
	gw := paygateway.NewMockClient(clk)
	h := NewHandler(
		NewManager(store, lock.NewMemoryProvider(), nil).WithClock(clk),
		NewProcessor(store, gw, nil).WithClock(clk),
		NewJanitor(store, nil).WithClock(clk),
	)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return &testAPI{router: r, store: store, gateway: gw, clock: clk}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandler_ReserveAndDuplicate(t *testing.T) {
	api := setupTestRouter(t)
	body := map[string]any{"payerId": "u1", "itemIds": []string{"n1"}}
	hdr := map[string]string{IdempotencyHeader: "k1"}

	w := api.do(t, "POST", "/v1/payments/reserve", body, hdr)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode(t, w)
	assert.Equal(t, true, first["reserved"])
	paymentID, _ := first["paymentId"].(string)
	require.NotEmpty(t, paymentID)

	w = api.do(t, "POST", "/v1/payments/reserve", body, hdr)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	second := decode(t, w)
	assert.Equal(t, false, second["reserved"])
	assert.Equal(t, paymentID, second["existingPaymentId"])
}

func TestHandler_ReserveKeyFromBody(t *testing.T) {
	api := setupTestRouter(t)
	w := api.do(t, "POST", "/v1/payments/reserve",
		map[string]any{"idempotencyKey": "body-key", "payerId": "u1", "itemIds": []string{"n1"}}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	_, err := api.store.GetByIdempotencyKey(t.Context(), "body-key")
	assert.NoError(t, err)
}

func TestHandler_ReserveValidation(t *testing.T) {
	api := setupTestRouter(t)

	w := api.do(t, "POST", "/v1/payments/reserve", map[string]any{"payerId": "u1", "itemIds": []string{"n1"}}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode(t, w)["error"])

	req := httptest.NewRequest("POST", "/v1/payments/reserve", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_OrderFlow(t *testing.T) {
	api := setupTestRouter(t)
	w := api.do(t, "POST", "/v1/payments/reserve",
		map[string]any{"payerId": "u1", "itemIds": []string{"n1"}}, map[string]string{IdempotencyHeader: "k-order"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["paymentId"].(string)

	w = api.do(t, "POST", "/v1/payments/"+id+"/order", map[string]any{"amount": "500"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	order := decode(t, w)
	assert.Equal(t, "PENDING", order["status"])
	assert.Equal(t, "500.00", order["amount"])
	orderID := order["gatewayOrderId"]
	assert.NotEmpty(t, orderID)

	w = api.do(t, "POST", "/v1/payments/"+id+"/order", map[string]any{"amount": "500"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, orderID, decode(t, w)["gatewayOrderId"])
	assert.Equal(t, 1, api.gateway.Calls(paygateway.OpCreateOrder))

	w = api.do(t, "GET", "/v1/payments/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	payment := decode(t, w)["payment"].(map[string]any)
	assert.Equal(t, "PENDING", payment["status"])
	assert.Equal(t, orderID, payment["gatewayOrderId"])
}

func TestHandler_OrderErrors(t *testing.T) {
	api := setupTestRouter(t)
	missing := "00000000-0000-4000-8000-000000000404"

	w := api.do(t, "POST", "/v1/payments/not-a-uuid/order", map[string]any{"amount": "5"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_id", decode(t, w)["error"])

	w = api.do(t, "POST", "/v1/payments/"+missing+"/order", map[string]any{"amount": "5"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, "POST", "/v1/payments/"+missing+"/order", map[string]any{"amount": "abc"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decode(t, w)["error"])

	w = api.do(t, "POST", "/v1/payments/"+missing+"/order", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GatewayErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		retryAfter bool
	}{
		{"rejected", &paygateway.Error{Op: paygateway.OpCreateOrder, Kind: paygateway.KindInvalidRequest, Err: errors.New("bad currency")}, http.StatusUnprocessableEntity, false},
		{"transient", &paygateway.Error{Op: paygateway.OpCreateOrder, Kind: paygateway.KindTransient, Err: errors.New("timeout")}, http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := setupTestRouter(t)
			w := api.do(t, "POST", "/v1/payments/reserve",
				map[string]any{"payerId": "u1", "itemIds": []string{"n1"}}, map[string]string{IdempotencyHeader: "k-" + tt.name})
			require.Equal(t, http.StatusCreated, w.Code)
			id := decode(t, w)["paymentId"].(string)

			api.gateway.FailNext(paygateway.OpCreateOrder, tt.err)
			w = api.do(t, "POST", "/v1/payments/"+id+"/order", map[string]any{"amount": "10"}, nil)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.retryAfter {
				assert.Equal(t, retryAfterSeconds, w.Header().Get("Retry-After"))
			}

			// The reservation is now FAILED, so a retry is a state conflict.
			w = api.do(t, "POST", "/v1/payments/"+id+"/order", map[string]any{"amount": "10"}, nil)
			assert.Equal(t, http.StatusConflict, w.Code)
			assert.Equal(t, "FAILED", decode(t, w)["status"])
		})
	}
}

func TestHandler_Sweep(t *testing.T) {
	api := setupTestRouter(t)
	w := api.do(t, "POST", "/v1/payments/reserve",
		map[string]any{"payerId": "u1", "itemIds": []string{"n1"}}, map[string]string{IdempotencyHeader: "k-sweep"})
	require.Equal(t, http.StatusCreated, w.Code)

	api.clock.Advance(DefaultTTL + 1)
	w = api.do(t, "POST", "/v1/admin/reservations/sweep", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["expired"])
}
