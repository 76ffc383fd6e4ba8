package payment

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireloop/payments/internal/auth"
	"github.com/hireloop/payments/internal/gateway"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *testEnv) {
	gin.SetMode(gin.TestMode)

	env := newTestEnv(t)
	handler := NewHandler(env.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterWebhookRoutes(v1)

	authed := v1.Group("")
	// X-User-ID / X-Role stand in for the JWT middleware
	authed.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set(auth.ContextKeyUserID, id)
			c.Set(auth.ContextKeyRole, c.GetHeader("X-Role"))
		}
		c.Next()
	})
	handler.RegisterRoutes(authed)
	handler.RegisterMutationRoutes(authed)
	handler.RegisterAdminRoutes(authed.Group("/admin"))
	handler.RegisterInternalRoutes(authed.Group("/internal"))
	return r, env
}

func doRequest(r *gin.Engine, method, path, userID, role string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID)
	req.Header.Set("X-Role", role)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_GatewayCheckoutAndVerify(t *testing.T) {
	router, env := setupTestRouter(t)

	w := doRequest(router, http.MethodPost, "/v1/payments/create-order", "client_1", auth.RoleClient, gin.H{
		"orderId":       "ord_1",
		"amount":        "1000",
		"paymentMethod": "gateway",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Payment struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"payment"`
		Gateway struct {
			KeyID   string `json:"keyId"`
			OrderID string `json:"gatewayOrderId"`
			Amount  int64  `json:"amount"`
		} `json:"gateway"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "pending", created.Payment.Status)
	assert.Equal(t, int64(100000), created.Gateway.Amount)
	assert.NotEmpty(t, created.Gateway.KeyID)

	pid, sig := env.gw.Capture(created.Gateway.OrderID)
	w = doRequest(router, http.MethodPost, "/v1/payments/verify", "client_1", auth.RoleClient, gin.H{
		"paymentId":        created.Payment.ID,
		"gatewayOrderId":   created.Gateway.OrderID,
		"gatewayPaymentId": pid,
		"signature":        "bad" + sig[3:],
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")
	assert.NotContains(t, w.Body.String(), "key_secret")

	w = doRequest(router, http.MethodPost, "/v1/payments/verify", "client_1", auth.RoleClient, gin.H{
		"paymentId":        created.Payment.ID,
		"gatewayOrderId":   created.Gateway.OrderID,
		"gatewayPaymentId": pid,
		"signature":        sig,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"completed"`)
	assert.NotContains(t, w.Body.String(), sig, "signature must not be echoed")

	w = doRequest(router, http.MethodGet, "/v1/payments/"+created.Payment.ID, "client_1", auth.RoleClient, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doRequest(router, http.MethodGet, "/v1/payments/"+created.Payment.ID, "provider_1", auth.RoleProvider, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(router, http.MethodGet, "/v1/payments/order/ord_1/status", "provider_1", auth.RoleProvider, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"paymentStatus":"paid"`)
}

func TestHandler_CreateOrderErrors(t *testing.T) {
	router, env := setupTestRouter(t)
	env.fund(t, "client_1", "100")

	tests := []struct {
		name   string
		user   string
		body   gin.H
		status int
	}{
		{"missing amount", "client_1", gin.H{"orderId": "ord_1", "paymentMethod": "wallet"}, http.StatusBadRequest},
		{"bad wallet amount", "client_1", gin.H{"orderId": "ord_1", "amount": "1000", "paymentMethod": "combined", "walletAmount": "lots"}, http.StatusBadRequest},
		{"insufficient funds", "client_1", gin.H{"orderId": "ord_1", "amount": "1000", "paymentMethod": "wallet"}, http.StatusPaymentRequired},
		{"not the client", "provider_1", gin.H{"orderId": "ord_1", "amount": "1000", "paymentMethod": "wallet"}, http.StatusForbidden},
		{"unknown order", "client_1", gin.H{"orderId": "ord_x", "amount": "1000", "paymentMethod": "wallet"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, http.MethodPost, "/v1/payments/create-order", tt.user, auth.RoleClient, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	env.gw.Fail(gateway.OpCreateOrder, gateway.ErrUnavailable)
	w := doRequest(router, http.MethodPost, "/v1/payments/create-order", "client_1", auth.RoleClient,
		gin.H{"orderId": "ord_1", "amount": "1000", "paymentMethod": "gateway"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandler_Webhook(t *testing.T) {
	router, env := setupTestRouter(t)
	res := env.checkout(t, MethodGateway, "", "")
	body, sig := env.gw.Webhook(gateway.EventPaymentCaptured, gateway.PaymentEntity{
		ID: "pay_gw_1", OrderID: res.Gateway.OrderID, Amount: 100000, Status: "captured",
	})

	send := func(payload []byte, signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/payments/webhook", bytes.NewReader(payload))
		req.Header.Set(gateway.SignatureHeader, signature)
		req.Header.Set(gateway.EventIDHeader, "evt_http")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	tampered := bytes.Replace(body, []byte("100000"), []byte("100001"), 1)
	assert.Equal(t, http.StatusBadRequest, send(tampered, sig).Code)
	assert.Equal(t, http.StatusOK, send(body, sig).Code)
	assert.Equal(t, http.StatusOK, send(body, sig).Code)

	p, err := env.store.Get(t.Context(), res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
}

func TestHandler_ReleaseAndRefundFlow(t *testing.T) {
	router, env := setupTestRouter(t)
	env.fund(t, "client_1", "1000")
	env.checkout(t, MethodWallet, "", "")

	w := doRequest(router, http.MethodPost, "/v1/payments/release/ord_1", "client_1", auth.RoleClient, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "order not completed yet")

	w = doRequest(router, http.MethodPost, "/v1/payments/refund", "client_1", auth.RoleClient, gin.H{
		"orderId": "ord_1", "amount": "200", "reason": "partial scope", "type": "partial",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Refund struct {
			ID string `json:"id"`
		} `json:"refund"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doRequest(router, http.MethodGet, "/v1/payments/refunds?status=pending", "client_1", auth.RoleClient, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Refund.ID)
	w = doRequest(router, http.MethodGet, "/v1/payments/refunds", "provider_1", auth.RoleProvider, nil)
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = doRequest(router, http.MethodPost, "/v1/admin/refunds/"+created.Refund.ID+"/approve", "admin_1", auth.RoleAdmin, gin.H{"note": "ok"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"completed"`)
	assert.Equal(t, "200.00", env.balance(t, "client_1"))

	w = doRequest(router, http.MethodPost, "/v1/admin/refunds/"+created.Refund.ID+"/reject", "admin_1", auth.RoleAdmin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_InternalOrderHooks(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, http.MethodPut, "/v1/internal/orders/ord_2", "order-service", auth.RoleSystem, gin.H{
		"clientId": "client_2", "providerId": "provider_2", "amount": "750", "status": "in_progress",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"paymentStatus":"unpaid"`)

	w = doRequest(router, http.MethodPut, "/v1/internal/orders/ord_3", "order-service", auth.RoleSystem, gin.H{
		"clientId": "same", "providerId": "same", "amount": "750",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/v1/internal/orders/ord_2/completed", "order-service", auth.RoleSystem, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"escrow":null`)
}

func TestHandler_TopUp(t *testing.T) {
	router, env := setupTestRouter(t)

	w := doRequest(router, http.MethodPost, "/v1/wallet/topup", "client_1", auth.RoleClient, gin.H{"amount": "300"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		TopUp struct {
			ID string `json:"id"`
		} `json:"topUp"`
		Gateway struct {
			OrderID string `json:"gatewayOrderId"`
		} `json:"gateway"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	pid, sig := env.gw.Capture(created.Gateway.OrderID)
	w = doRequest(router, http.MethodPost, "/v1/wallet/topup/verify", "client_1", auth.RoleClient, gin.H{
		"topUpId": created.TopUp.ID, "gatewayPaymentId": pid, "signature": sig,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "300.00", env.balance(t, "client_1"))

	w = doRequest(router, http.MethodGet, "/v1/wallet/topup/"+created.TopUp.ID, "client_1", auth.RoleClient, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodPost, "/v1/wallet/topup", "client_1", auth.RoleClient, gin.H{"amount": "10"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
