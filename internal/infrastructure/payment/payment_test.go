package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-checkout/internal/domain"
)

func TestParseExpiry(t *testing.T) {
	month, year, err := ParseExpiry("07/29")
	require.NoError(t, err)
	assert.Equal(t, 7, month)
	assert.Equal(t, 2029, year)

	for _, bad := range []string{"", "7/29", "13/29", "00/29", "07-29", "07/2029", "ab/cd", "07/29/1"} {
		_, _, err := ParseExpiry(bad)
		assert.ErrorIs(t, err, ErrInvalidCardExpiry, bad)
	}
}

func TestNewMethodRequest(t *testing.T) {
	billing := Billing{Name: "Juan Dela Cruz", Email: "juan@example.com"}

	card, err := NewMethodRequest(MethodInput{
		Kind: domain.MethodCard, CardNumber: "4343 4343 4343 4345", Expiry: "12/30", CVC: "123",
	}, billing)
	require.NoError(t, err)
	assert.Equal(t, "card", card.Type)
	assert.Equal(t, "4343434343434345", card.Card.Number)
	assert.Equal(t, 2030, card.Card.ExpYear)
	assert.Equal(t, "Card", card.DisplayName())

	wallet, err := NewMethodRequest(MethodInput{Kind: domain.MethodEWallet, Type: "GrabPay"}, billing)
	require.NoError(t, err)
	assert.Equal(t, "grab_pay", wallet.Type)
	assert.Equal(t, "GrabPay", wallet.DisplayName())

	bank, err := NewMethodRequest(MethodInput{Kind: domain.MethodOnlineBanking, BankCode: "bpi"}, billing)
	require.NoError(t, err)
	assert.Equal(t, "dob", bank.Type)
	assert.Equal(t, "bpi", bank.BankCode)

	_, err = NewMethodRequest(MethodInput{Kind: domain.MethodCard, CardNumber: "4343", Expiry: "1230", CVC: "1"}, billing)
	assert.ErrorIs(t, err, ErrInvalidCardExpiry)

	_, err = NewMethodRequest(MethodInput{Kind: domain.MethodEWallet, Type: "bitcoin"}, billing)
	assert.ErrorIs(t, err, ErrInvalidPaymentDetails)

	_, err = NewMethodRequest(MethodInput{Kind: domain.MethodOnlineBanking}, billing)
	assert.ErrorIs(t, err, ErrInvalidPaymentDetails)

	_, err = NewMethodRequest(MethodInput{Kind: "cash"}, billing)
	assert.ErrorIs(t, err, ErrInvalidPaymentDetails)
}

func TestGatewayError_Is(t *testing.T) {
	err := error(&GatewayError{Op: "attach", StatusCode: 502, Err: context.DeadlineExceeded})
	assert.ErrorIs(t, err, ErrGateway)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "attach")
	assert.Contains(t, err.Error(), "502")
}

func newTestClient(t *testing.T, handler http.HandlerFunc) Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/v1", "sk_test_123", 2*time.Second)
}

func TestClient_CreateIntent(t *testing.T) {
	gw := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "sk_test_123", user)

		var body map[string]map[string]map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		attrs := body["data"]["attributes"]
		assert.Equal(t, float64(100000), attrs["amount"])
		assert.Equal(t, "PHP", attrs["currency"])

		_, _ = io.WriteString(w, `{"data":{"id":"pi_1","attributes":{"status":"awaiting_payment_method","client_key":"pi_1_client_x"}}}`)
	})

	intent, err := gw.CreateIntent(context.Background(), IntentRequest{Amount: 100000, Currency: "PHP", Description: "CN12345678"})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", intent.ID)
	assert.Equal(t, "pi_1_client_x", intent.ClientKey)
	assert.Equal(t, domain.PaymentAwaitingMethod, intent.Status)
}

func TestClient_UpstreamErrorCarriesPayload(t *testing.T) {
	gw := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"errors":[{"code":"parameter_below_minimum","detail":"amount cannot be less than 2000"}]}`)
	})

	_, err := gw.CreateIntent(context.Background(), IntentRequest{Amount: 100, Currency: "PHP"})
	require.ErrorIs(t, err, ErrGateway)

	var ge *GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, http.StatusBadRequest, ge.StatusCode)
	assert.Contains(t, string(ge.Payload), "parameter_below_minimum")
	assert.Contains(t, ge.Error(), "amount cannot be less than 2000")
}

func TestClient_Timeout(t *testing.T) {
	gw := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := gw.GetIntentStatus(ctx, "pi_1", "key")
	assert.ErrorIs(t, err, ErrGateway)
}

func TestClient_CreateMethodAndAttach(t *testing.T) {
	gw := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]map[string]map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		attrs := body["data"]["attributes"]

		switch r.URL.Path {
		case "/v1/payment_methods":
			assert.Equal(t, "card", attrs["type"])
			details := attrs["details"].(map[string]any)
			assert.Equal(t, float64(12), details["exp_month"])
			assert.Equal(t, float64(2030), details["exp_year"])
			_, _ = io.WriteString(w, `{"data":{"id":"pm_1","attributes":{"type":"card"}}}`)
		case "/v1/payment_intents/pi_1/attach":
			assert.Equal(t, "pm_1", attrs["payment_method"])
			assert.Equal(t, "pi_1_client_x", attrs["client_key"])
			assert.Equal(t, "https://shop.example/return", attrs["return_url"])
			_, _ = io.WriteString(w, `{"data":{"id":"pi_1","attributes":{"status":"awaiting_next_action",
				"next_action":{"type":"redirect","redirect":{"url":"https://3ds.example/auth","return_url":"https://shop.example/return"}}}}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	req, err := NewMethodRequest(MethodInput{Kind: domain.MethodCard, CardNumber: "4343434343434345", Expiry: "12/30", CVC: "123"},
		Billing{Name: "Juan", Email: "juan@example.com"})
	require.NoError(t, err)

	m, err := gw.CreateMethod(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "pm_1", m.ID)

	res, err := gw.Attach(context.Background(), "pi_1", m.ID, "pi_1_client_x", "https://shop.example/return")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentAwaitingNextAction, res.Status)
	assert.Equal(t, "https://3ds.example/auth", res.RedirectURL)
}

func TestClient_GetIntentStatus(t *testing.T) {
	gw := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/payment_intents/pi_1", r.URL.Path)
		assert.Equal(t, "pi_1_client_x", r.URL.Query().Get("client_key"))
		_, _ = io.WriteString(w, `{"data":{"id":"pi_1","attributes":{"status":"succeeded"}}}`)
	})

	status, err := gw.GetIntentStatus(context.Background(), "pi_1", "pi_1_client_x")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, status)
}

func TestMockGateway_Flow(t *testing.T) {
	ctx := context.Background()
	gw := NewScriptedGateway(func() Outcome { return OutcomeSucceed })

	intent, err := gw.CreateIntent(ctx, IntentRequest{Amount: 2500, Currency: "PHP"})
	require.NoError(t, err)
	amount, ok := gw.Amount(intent.ID)
	require.True(t, ok)
	assert.Equal(t, int64(2500), amount)

	status, err := gw.GetIntentStatus(ctx, intent.ID, intent.ClientKey)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentAwaitingMethod, status)

	m, err := gw.CreateMethod(ctx, MethodRequest{Kind: domain.MethodEWallet, Type: "gcash"})
	require.NoError(t, err)

	res, err := gw.Attach(ctx, intent.ID, m.ID, intent.ClientKey, "https://shop.example/return")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentAwaitingNextAction, res.Status)
	assert.NotEmpty(t, res.RedirectURL)

	status, err = gw.GetIntentStatus(ctx, intent.ID, intent.ClientKey)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, status)
}

func TestMockGateway_PhantomCharge(t *testing.T) {
	ctx := context.Background()
	gw := NewScriptedGateway(func() Outcome { return OutcomePhantom })
	gw.SetLag(time.Millisecond)

	intent, err := gw.CreateIntent(ctx, IntentRequest{Amount: 2500, Currency: "PHP"})
	require.NoError(t, err)
	m, err := gw.CreateMethod(ctx, MethodRequest{Kind: domain.MethodCard, Type: "card"})
	require.NoError(t, err)

	_, err = gw.Attach(ctx, intent.ID, m.ID, intent.ClientKey, "")
	assert.ErrorIs(t, err, ErrGateway)

	status, err := gw.GetIntentStatus(ctx, intent.ID, intent.ClientKey)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, status)
}

func TestMockGateway_FailNext(t *testing.T) {
	gw := NewScriptedGateway(func() Outcome { return OutcomeSucceed })
	gw.FailNext("create_intent", errors.New("boom"))

	_, err := gw.CreateIntent(context.Background(), IntentRequest{Amount: 100, Currency: "PHP"})
	assert.ErrorIs(t, err, ErrGateway)

	_, err = gw.CreateIntent(context.Background(), IntentRequest{Amount: 100, Currency: "PHP"})
	assert.NoError(t, err)
	assert.Equal(t, 2, gw.Calls("create_intent"))
}

func TestMockGateway_AttachWhileStatusChanges(t *testing.T) {
	ctx := context.Background()
	gw := NewScriptedGateway(func() Outcome { return OutcomeFail })

	intent, err := gw.CreateIntent(ctx, IntentRequest{Amount: 2500, Currency: "PHP"})
	require.NoError(t, err)
	m, err := gw.CreateMethod(ctx, MethodRequest{Kind: domain.MethodCard, Type: "card"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 50 {
			gw.SetStatus(intent.ID, domain.PaymentProcessing)
		}
	}()
	go func() {
		defer wg.Done()
		for range 50 {
			res, err := gw.Attach(ctx, intent.ID, m.ID, intent.ClientKey, "")
			if assert.NoError(t, err) {
				assert.NotEmpty(t, res.Status)
			}
		}
	}()
	wg.Wait()
}
