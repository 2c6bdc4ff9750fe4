package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/notemarket/internal/clock"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *clock.Manual) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	clk := clock.NewManual(epoch)
	svc := NewService(store, nil).WithClock(clk)
	rel, _ := newTestReleaser(store, clk)
	h := NewHandler(svc, rel)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r, clk
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

func TestHandler_SaleReleaseWallet(t *testing.T) {
	r, clk := setupTestRouter(t)

	code, body := doJSON(t, r, "POST", "/v1/admin/escrow/sales", map[string]any{
		"id": "t1", "sellerId": "s1", "amount": "900",
		"escrowReleaseAt": epoch.Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, code, body)

	code, body = doJSON(t, r, "GET", "/v1/sellers/s1/wallet", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "900.00", body["pendingBalance"])
	assert.Equal(t, "0.00", body["availableBalance"])

	code, body = doJSON(t, r, "POST", "/v1/admin/escrow/release", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["released"])

	clk.Advance(time.Hour)
	code, body = doJSON(t, r, "POST", "/v1/admin/escrow/release", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["released"])
	assert.Equal(t, "900.00", body["amount"])

	code, body = doJSON(t, r, "GET", "/v1/sellers/s1/wallet", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0.00", body["pendingBalance"])
	assert.Equal(t, "900.00", body["availableBalance"])

	code, body = doJSON(t, r, "GET", "/v1/admin/escrow/transactions/t1", nil)
	require.Equal(t, http.StatusOK, code)
	txn := body["transaction"].(map[string]any)
	assert.Equal(t, true, txn["isReleasedToSeller"])
}

func TestHandler_Errors(t *testing.T) {
	r, _ := setupTestRouter(t)

	code, _ := doJSON(t, r, "GET", "/v1/sellers/nobody/wallet", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = doJSON(t, r, "GET", "/v1/sellers/bad%20id/wallet", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doJSON(t, r, "POST", "/v1/admin/escrow/sales", map[string]any{"sellerId": "s1"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := doJSON(t, r, "POST", "/v1/admin/escrow/sales", map[string]any{"sellerId": "s1", "amount": "-1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", body["error"])

	code, _ = doJSON(t, r, "POST", "/v1/admin/escrow/sales", map[string]any{"sellerId": "s1", "amount": "1", "escrowReleaseAt": "tomorrow"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = doJSON(t, r, "POST", "/v1/admin/escrow/sales", map[string]any{"id": strings.Repeat("t", 65), "sellerId": "s1", "amount": "1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["error"])

	code, _ = doJSON(t, r, "POST", "/v1/admin/escrow/sales", map[string]any{"id": "dup", "sellerId": "s1", "amount": "1"})
	require.Equal(t, http.StatusCreated, code)
	code, _ = doJSON(t, r, "POST", "/v1/admin/escrow/sales", map[string]any{"id": "dup", "sellerId": "s1", "amount": "1"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = doJSON(t, r, "GET", "/v1/admin/escrow/transactions/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
