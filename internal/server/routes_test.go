package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-checkout/internal/config"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/metrics"
	"storefront-checkout/internal/repo"
	"storefront-checkout/internal/service"
)

type fakeCheckout struct {
	createReq  service.CreateRequest
	attachReq  service.AttachRequest
	reconReq   service.ReconcileRequest
	intentID   string
	createErr  error
	attachErr  error
	reconRes   *service.ReconcileResult
	reconErr   error
	attachResp *service.MethodResult
}

func (f *fakeCheckout) Create(_ context.Context, req service.CreateRequest) (*service.CreateResult, error) {
	f.createReq = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &service.CreateResult{
		Order: &domain.Order{
			ID:          uuid.MustParse("7b0c1b0e-3d0f-4a61-9f55-3c1f4f9a0b11"),
			OrderNumber: req.OrderNumber,
			Status:      domain.OrderPending,
			TotalAmount: decimal.RequireFromString("1000"),
		},
		Intent: &payment.Intent{ID: "pi_1", ClientKey: "pi_1_client", Status: domain.PaymentAwaitingMethod},
	}, nil
}

func (f *fakeCheckout) AttachMethod(_ context.Context, req service.AttachRequest) (*service.MethodResult, error) {
	f.attachReq = req
	return f.attachResp, f.attachErr
}

func (f *fakeCheckout) Reconcile(_ context.Context, req service.ReconcileRequest) (*service.ReconcileResult, error) {
	f.reconReq = req
	return f.reconRes, f.reconErr
}

func (f *fakeCheckout) ReconcileByIntent(_ context.Context, intentID string) (*service.ReconcileResult, error) {
	f.intentID = intentID
	return f.reconRes, f.reconErr
}

func (f *fakeCheckout) Status(context.Context, string) (*domain.Order, error) { return nil, nil }

func (f *fakeCheckout) RecoverPending(context.Context, string) (*service.ReconcileResult, error) {
	return nil, nil
}

func (f *fakeCheckout) ExpireAbandoned(context.Context, string) error { return nil }

type fakeDB struct {
	status string
}

func (d fakeDB) Health(context.Context) map[string]string { return map[string]string{"status": d.status} }
func (d fakeDB) DB() *sql.DB                              { return nil }
func (d fakeDB) Close() error                             { return nil }

func newTestRouter(t *testing.T, svc service.CheckoutService, secret string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	cfg := &config.Config{CORSAllowedOrigins: []string{"http://localhost:3000"}, WebhookSecret: secret}
	s := New(cfg, svc, fakeDB{status: "up"}, metrics.New(reg), reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s.RegisterRoutes()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

var checkoutBody = map[string]any{
	"order_number": "CN12345678",
	"amount":       "1000.00",
	"email":        "juan@example.com",
	"firstName":    "Juan",
	"lastName":     "Dela Cruz",
	"city":         "Makati",
	"productVariant": []map[string]any{
		{"variantId": "V1", "size": "M", "color": "black", "price": "500.00", "quantity": 2},
	},
}

func TestCreateOrder(t *testing.T) {
	svc := &fakeCheckout{}
	rec := doJSON(t, newTestRouter(t, svc, ""), http.MethodPost, "/payment", checkoutBody)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "CN12345678", body["order_number"])
	assert.Equal(t, "PENDING", body["order_status"])
	assert.Equal(t, "1000.00", body["order_total"])
	assert.Equal(t, "awaiting_payment_method", body["paymentIntentStatus"])
	assert.Equal(t, "pi_1", body["paymentIntent"].(map[string]any)["id"])

	require.Len(t, svc.createReq.Items, 1)
	assert.Equal(t, 2, svc.createReq.Items[0].Quantity)
	assert.True(t, decimal.RequireFromString("500").Equal(svc.createReq.Items[0].UnitPrice))
	assert.Equal(t, "Dela Cruz", svc.createReq.Customer.LastName)
}

func TestCreateOrder_Errors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"insufficient stock", &repo.InsufficientStockError{VariantID: "V1", Size: "M", Requested: 10, Available: 3}, http.StatusConflict, "insufficient_stock"},
		{"duplicate", service.ErrDuplicateOrderNumber, http.StatusConflict, "duplicate_order"},
		{"validation", service.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
		{"gateway", &payment.GatewayError{Op: "create_intent", StatusCode: 500, Payload: []byte(`{"secret":"x"}`)}, http.StatusBadGateway, "payment_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, newTestRouter(t, &fakeCheckout{createErr: tc.err}, ""), http.MethodPost, "/payment", checkoutBody)
			assert.Equal(t, tc.status, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tc.code, body["error"])
			if tc.code == "payment_failed" {
				assert.Equal(t, genericPaymentError, body["message"])
				assert.NotContains(t, rec.Body.String(), "secret")
			}
			if tc.code == "insufficient_stock" {
				item := body["item"].(map[string]any)
				assert.Equal(t, "V1", item["variantId"])
				assert.Equal(t, float64(3), item["available"])
			}
		})
	}
}

func TestCreateOrder_BindingFailure(t *testing.T) {
	svc := &fakeCheckout{}
	rec := doJSON(t, newTestRouter(t, svc, ""), http.MethodPost, "/payment", map[string]any{"order_number": "CN1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.createReq.OrderNumber)
}

func TestAttachMethod(t *testing.T) {
	svc := &fakeCheckout{attachResp: &service.MethodResult{
		MethodID:    "pm_1",
		Status:      domain.PaymentAwaitingNextAction,
		RedirectURL: "https://3ds.example/auth",
	}}
	rec := doJSON(t, newTestRouter(t, svc, ""), http.MethodPost, "/payment/create-payment", map[string]any{
		"order_number":   "CN12345678",
		"payment_method": "card",
		"payment_details": map[string]any{
			"card_number": "4343434343434345", "expiry": "12/30", "cvc": "123",
		},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "pm_1", data["paymentMethod"])
	assert.Equal(t, "awaiting_next_action", data["paymentMethodStatus"])
	redirect := data["nextAction"].(map[string]any)["redirect"].(map[string]any)
	assert.Equal(t, "https://3ds.example/auth", redirect["url"])

	assert.Equal(t, domain.MethodCard, svc.attachReq.Method.Kind)
	assert.Equal(t, "12/30", svc.attachReq.Method.Expiry)
}

func TestAttachMethod_Errors(t *testing.T) {
	body := map[string]any{"order_number": "CN1", "payment_method": "card"}

	rec := doJSON(t, newTestRouter(t, &fakeCheckout{attachErr: service.ErrInvalidCardExpiry}, ""), http.MethodPost, "/payment/create-payment", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, newTestRouter(t, &fakeCheckout{attachErr: service.ErrOrderNotFound}, ""), http.MethodPost, "/payment/create-payment", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, newTestRouter(t, &fakeCheckout{}, ""), http.MethodPost, "/payment/create-payment",
		map[string]any{"order_number": "CN1", "payment_method": "cash"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentStatus(t *testing.T) {
	paid := &domain.Order{Status: domain.OrderPaid}
	unpaid := &domain.Order{Status: domain.OrderUnpaid}
	canceled := &domain.Order{Status: domain.OrderCanceled, RefundRequired: true}

	cases := []struct {
		name          string
		res           *service.ReconcileResult
		err           error
		status        int
		paymentStatus string
	}{
		{"settled", &service.ReconcileResult{Order: paid, PaymentStatus: domain.PaymentSucceeded}, nil, http.StatusOK, "succeeded"},
		{"already processed", &service.ReconcileResult{Order: paid}, service.ErrAlreadyProcessed, http.StatusOK, "succeeded"},
		{"not final", &service.ReconcileResult{Order: unpaid, PaymentStatus: domain.PaymentProcessing}, service.ErrNotFinal, http.StatusAccepted, "processing"},
		{"stock exhausted", &service.ReconcileResult{Order: canceled, PaymentStatus: domain.PaymentSucceeded}, &repo.StockExhaustedError{VariantID: "V1", Size: "M"}, http.StatusConflict, "succeeded"},
		{"not found", nil, service.ErrOrderNotFound, http.StatusNotFound, ""},
		{"gateway", nil, &payment.GatewayError{Op: "get_intent"}, http.StatusBadGateway, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeCheckout{reconRes: tc.res, reconErr: tc.err}
			rec := doJSON(t, newTestRouter(t, svc, ""), http.MethodGet, "/payment/CN12345678?paymentIntentId=pi_1&clientKey=k", nil)

			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, "CN12345678", svc.reconReq.OrderNumber)
			assert.Equal(t, "pi_1", svc.reconReq.IntentID)
			if tc.paymentStatus != "" {
				body := decode(t, rec)
				assert.Equal(t, tc.paymentStatus, body["paymentStatus"])
				assert.Equal(t, string(tc.res.Order.Status), body["orderStatus"])
			}
		})
	}
}

func TestPaymentStatus_StockExhaustedMessage(t *testing.T) {
	exhausted := &repo.StockExhaustedError{VariantID: "V1", Size: "M"}

	canceled := &service.ReconcileResult{
		Order:         &domain.Order{Status: domain.OrderCanceled, RefundRequired: true},
		PaymentStatus: domain.PaymentSucceeded,
	}
	rec := doJSON(t, newTestRouter(t, &fakeCheckout{reconRes: canceled, reconErr: exhausted}, ""), http.MethodGet, "/payment/CN12345678", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "stock_exhausted", body["error"])
	assert.Contains(t, body["message"], "will be refunded")
	assert.Equal(t, true, body["refundRequired"])

	held := &service.ReconcileResult{
		Order:         &domain.Order{Status: domain.OrderUnpaid, RefundRequired: true},
		PaymentStatus: domain.PaymentSucceeded,
	}
	rec = doJSON(t, newTestRouter(t, &fakeCheckout{reconRes: held, reconErr: exhausted}, ""), http.MethodGet, "/payment/CN12345678", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "UNPAID", body["orderStatus"])
	assert.Contains(t, body["message"], "on hold")
	assert.NotContains(t, body["message"], "refunded")
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhook(t *testing.T) {
	svc := &fakeCheckout{reconRes: &service.ReconcileResult{Order: &domain.Order{Status: domain.OrderPaid}, PaymentStatus: domain.PaymentSucceeded}}
	h := newTestRouter(t, svc, "whsec")
	payload := []byte(`{"payment_intent_id":"pi_1"}`)

	req := httptest.NewRequest(http.MethodPost, "/payment/webhook", bytes.NewReader(payload))
	req.Header.Set("X-Signature", sign("whsec", payload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "pi_1", svc.intentID)

	svc.intentID = ""
	req = httptest.NewRequest(http.MethodPost, "/payment/webhook", bytes.NewReader(payload))
	req.Header.Set("X-Signature", sign("other", payload))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, svc.intentID)
}

func TestWebhook_NoSecret(t *testing.T) {
	svc := &fakeCheckout{reconRes: &service.ReconcileResult{Order: &domain.Order{Status: domain.OrderUnpaid}}, reconErr: service.ErrNotFinal}
	h := newTestRouter(t, svc, "")

	rec := doJSON(t, h, http.MethodPost, "/payment/webhook", map[string]any{"payment_intent_id": "pi_2"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "pi_2", svc.intentID)

	rec = doJSON(t, h, http.MethodPost, "/payment/webhook", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestRouter(t, &fakeCheckout{}, "")

	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "up", decode(t, rec)["status"])

	rec = doJSON(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `storefront_http_requests_total{handler="/health",status="200"} 1`)
}
