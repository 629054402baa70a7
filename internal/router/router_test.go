package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"paid_channel/internal/clock"
	"paid_channel/internal/config"
	"paid_channel/internal/notify/notifytest"
	"paid_channel/internal/store"
	"paid_channel/internal/workflow"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "test-token"

type apiResp struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type harness struct {
	engine *gin.Engine
	gw     *notifytest.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	gw := notifytest.NewRecorder()
	r := gin.New()
	Setup(r, Deps{
		Store:    st,
		Workflow: workflow.New(st, gw, nil, time.UTC),
		Config:   config.AppConfig{APIToken: token, OrderRateLimit: 5, OrderRateWindow: time.Minute},
	})
	return &harness{engine: r, gw: gw}
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, apiResp) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Token", token)
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)

	var out apiResp
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

func (h *harness) seed(t *testing.T) uint {
	t.Helper()
	code, _ := h.do(t, http.MethodPost, "/api/channels", gin.H{
		"channel_id": -1001, "owner_id": 7, "title": "Alpha", "payment_info": "card 1234",
	})
	require.Equal(t, http.StatusOK, code)

	code, resp := h.do(t, http.MethodPost, "/api/channels/-1001/tariffs", gin.H{
		"owner_id": 7, "title": "Month", "duration_days": 30, "price": 500,
	})
	require.Equal(t, http.StatusOK, code)
	var tariff struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &tariff))
	return tariff.ID
}

func TestPing(t *testing.T) {
	h := newHarness(t)
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIRequiresToken(t *testing.T) {
	h := newHarness(t)
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/channels/-1001", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOrderFlowOverHTTP(t *testing.T) {
	h := newHarness(t)
	tariffID := h.seed(t)
	key := gin.H{"channel_id": -1001, "user_id": 42, "tariff_id": tariffID}

	code, resp := h.do(t, http.MethodPost, "/api/orders", key)
	require.Equal(t, http.StatusOK, code, resp.Msg)
	assert.Contains(t, string(resp.Data), "card 1234")

	code, resp = h.do(t, http.MethodPost, "/api/orders/proof", gin.H{
		"channel_id": -1001, "user_id": 42, "tariff_id": tariffID, "proof_ref": "file-1",
	})
	require.Equal(t, http.StatusOK, code, resp.Msg)
	assert.Contains(t, string(resp.Data), `"awaiting"`)
	require.Len(t, h.gw.CallsOf("send_photo"), 1)

	approve := gin.H{"channel_id": -1001, "user_id": 42, "tariff_id": tariffID, "reviewer_id": 7}
	code, resp = h.do(t, http.MethodPost, "/api/orders/approve", approve)
	require.Equal(t, http.StatusOK, code, resp.Msg)
	assert.Contains(t, string(resp.Data), "invite_link")

	// 第二次审核：已处理。
	code, _ = h.do(t, http.MethodPost, "/api/orders/approve", approve)
	assert.Equal(t, http.StatusConflict, code)
	code, _ = h.do(t, http.MethodPost, "/api/orders/action", gin.H{
		"action": fmt.Sprintf("reject_-1001_42_%d", tariffID), "reviewer_id": 7,
	})
	assert.Equal(t, http.StatusConflict, code)

	code, resp = h.do(t, http.MethodGet, "/api/users/42/subscriptions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), "Alpha")
}

func TestOrderActionReject(t *testing.T) {
	h := newHarness(t)
	tariffID := h.seed(t)

	code, _ := h.do(t, http.MethodPost, "/api/orders", gin.H{"channel_id": -1001, "user_id": 42, "tariff_id": tariffID})
	require.Equal(t, http.StatusOK, code)

	code, resp := h.do(t, http.MethodPost, "/api/orders/action", gin.H{
		"action": fmt.Sprintf("reject_silent_-1001_42_%d", tariffID), "reviewer_id": 7,
	})
	require.Equal(t, http.StatusOK, code, resp.Msg)
	assert.Contains(t, string(resp.Data), workflow.SilentRejectReason)
	assert.Empty(t, h.gw.CallsOf("send_message"))

	code, _ = h.do(t, http.MethodPost, "/api/orders/action", gin.H{"action": "approve_bad", "reviewer_id": 7})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t)
	tariffID := h.seed(t)

	code, _ := h.do(t, http.MethodPost, "/api/orders", gin.H{"channel_id": -1001, "user_id": 42, "tariff_id": 999})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodPost, "/api/orders", gin.H{"channel_id": -1001, "tariff_id": tariffID})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodPost, "/api/orders/proof", gin.H{
		"channel_id": -1001, "user_id": 42, "tariff_id": tariffID, "proof_ref": "p",
	})
	assert.Equal(t, http.StatusNotFound, code, "no order yet")

	code, _ = h.do(t, http.MethodPost, "/api/orders", gin.H{"channel_id": -1001, "user_id": 42, "tariff_id": tariffID})
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodPost, "/api/orders/approve", gin.H{
		"channel_id": -1001, "user_id": 42, "tariff_id": tariffID, "reviewer_id": 8,
	})
	assert.Equal(t, http.StatusConflict, code, "wrong reviewer")

	code, _ = h.do(t, http.MethodDelete, fmt.Sprintf("/api/tariffs/%d?owner_id=8", tariffID), nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = h.do(t, http.MethodGet, "/api/tariffs/abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestChannelManagement(t *testing.T) {
	h := newHarness(t)
	tariffID := h.seed(t)

	code, _ := h.do(t, http.MethodPut, "/api/channels/-1001/payment_info", gin.H{"owner_id": 7, "payment_info": "iban X"})
	require.Equal(t, http.StatusOK, code)
	code, resp := h.do(t, http.MethodGet, "/api/channels/-1001", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), "iban X")

	code, resp = h.do(t, http.MethodGet, "/api/owners/7/channels", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), "-1001")

	code, _ = h.do(t, http.MethodPost, "/api/channels", gin.H{"channel_id": -1001, "owner_id": 8, "title": "Hijack"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do(t, http.MethodDelete, "/api/channels/-1001?owner_id=7", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodGet, fmt.Sprintf("/api/tariffs/%d", tariffID), nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTariffDurationIsBounded(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	code, _ := h.do(t, http.MethodPost, "/api/channels/-1001/tariffs", gin.H{
		"owner_id": 7, "title": "Forever", "duration_days": 200000000000000, "price": 1,
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodPost, "/api/channels/-1001/tariffs", gin.H{
		"owner_id": 7, "title": "Century", "duration_days": 36500, "price": 1,
	})
	assert.Equal(t, http.StatusOK, code)
}

func TestRevokeSubscriptionOverHTTP(t *testing.T) {
	h := newHarness(t)
	tariffID := h.seed(t)
	key := gin.H{"channel_id": -1001, "user_id": 42, "tariff_id": tariffID}

	code, _ := h.do(t, http.MethodPost, "/api/orders", key)
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodPost, "/api/orders/approve", gin.H{
		"channel_id": -1001, "user_id": 42, "tariff_id": tariffID, "reviewer_id": 7,
	})
	require.Equal(t, http.StatusOK, code)

	code, _ = h.do(t, http.MethodDelete, "/api/channels/-1001/subscriptions/42", nil)
	assert.Equal(t, http.StatusBadRequest, code, "owner_id is required")
	code, _ = h.do(t, http.MethodDelete, "/api/channels/-1001/subscriptions/42?owner_id=8", nil)
	assert.Equal(t, http.StatusForbidden, code)

	h.gw.Fail("revoke")
	code, _ = h.do(t, http.MethodDelete, "/api/channels/-1001/subscriptions/42?owner_id=7", nil)
	assert.Equal(t, http.StatusBadGateway, code)
	code, resp := h.do(t, http.MethodGet, "/api/users/42/subscriptions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), "Alpha")

	code, resp = h.do(t, http.MethodDelete, "/api/channels/-1001/subscriptions/42?owner_id=7&force=true", nil)
	require.Equal(t, http.StatusOK, code, resp.Msg)
	assert.Contains(t, string(resp.Data), `"forced":true`)

	code, resp = h.do(t, http.MethodGet, "/api/users/42/subscriptions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, string(resp.Data), "Alpha")

	h.gw.Recover("revoke")
	code, _ = h.do(t, http.MethodDelete, "/api/channels/-1001/subscriptions/42?owner_id=7", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
