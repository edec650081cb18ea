package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storefront-checkout/internal/domain"
)

// allowedMethods is sent with every intent so any supported method can attach later.
var allowedMethods = []string{"card", "gcash", "grab_pay", "paymaya", "dob"}

type client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewClient returns a Gateway backed by the provider's REST API. Requests
// authenticate with the secret key over Basic auth and are bounded by timeout.
func NewClient(baseURL, secretKey string, timeout time.Duration) Gateway {
	return &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type envelope[T any] struct {
	Data T `json:"data"`
}

type resource[T any] struct {
	ID         string `json:"id,omitempty"`
	Type       string `json:"type,omitempty"`
	Attributes T      `json:"attributes"`
}

type intentAttributes struct {
	Amount               int64       `json:"amount,omitempty"`
	Currency             string      `json:"currency,omitempty"`
	Description          string      `json:"description,omitempty"`
	PaymentMethodAllowed []string    `json:"payment_method_allowed,omitempty"`
	CaptureType          string      `json:"capture_type,omitempty"`
	Status               string      `json:"status,omitempty"`
	ClientKey            string      `json:"client_key,omitempty"`
	NextAction           *nextAction `json:"next_action,omitempty"`
}

type nextAction struct {
	Type     string `json:"type"`
	Redirect struct {
		URL       string `json:"url"`
		ReturnURL string `json:"return_url"`
	} `json:"redirect"`
}

type methodDetails struct {
	CardNumber string `json:"card_number,omitempty"`
	ExpMonth   int    `json:"exp_month,omitempty"`
	ExpYear    int    `json:"exp_year,omitempty"`
	CVC        string `json:"cvc,omitempty"`
	BankCode   string `json:"bank_code,omitempty"`
}

type methodBilling struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	Address struct {
		Line1      string `json:"line1,omitempty"`
		City       string `json:"city,omitempty"`
		State      string `json:"state,omitempty"`
		PostalCode string `json:"postal_code,omitempty"`
		Country    string `json:"country,omitempty"`
	} `json:"address"`
}

type methodAttributes struct {
	Type    string         `json:"type"`
	Details *methodDetails `json:"details,omitempty"`
	Billing *methodBilling `json:"billing,omitempty"`
	Status  string         `json:"status,omitempty"`
}

type attachAttributes struct {
	PaymentMethod string `json:"payment_method"`
	ClientKey     string `json:"client_key"`
	ReturnURL     string `json:"return_url,omitempty"`
}

type errorResponse struct {
	Errors []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (c *client) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	body := envelope[resource[intentAttributes]]{Data: resource[intentAttributes]{Attributes: intentAttributes{
		Amount:               req.Amount,
		Currency:             req.Currency,
		Description:          req.Description,
		PaymentMethodAllowed: allowedMethods,
		CaptureType:          "automatic",
	}}}

	var out envelope[resource[intentAttributes]]
	if err := c.do(ctx, "create_intent", http.MethodPost, "/payment_intents", body, &out); err != nil {
		return nil, err
	}
	if out.Data.ID == "" {
		return nil, &GatewayError{Op: "create_intent", Err: errors.New("response missing intent id")}
	}
	return &Intent{
		ID:        out.Data.ID,
		ClientKey: out.Data.Attributes.ClientKey,
		Status:    domain.PaymentStatus(out.Data.Attributes.Status),
	}, nil
}

func (c *client) CreateMethod(ctx context.Context, req MethodRequest) (*Method, error) {
	attrs := methodAttributes{Type: req.Type, Billing: toBilling(req.Billing)}
	switch {
	case req.Card != nil:
		attrs.Details = &methodDetails{
			CardNumber: req.Card.Number,
			ExpMonth:   req.Card.ExpMonth,
			ExpYear:    req.Card.ExpYear,
			CVC:        req.Card.CVC,
		}
	case req.BankCode != "":
		attrs.Details = &methodDetails{BankCode: req.BankCode}
	}

	var out envelope[resource[methodAttributes]]
	body := envelope[resource[methodAttributes]]{Data: resource[methodAttributes]{Attributes: attrs}}
	if err := c.do(ctx, "create_method", http.MethodPost, "/payment_methods", body, &out); err != nil {
		return nil, err
	}
	if out.Data.ID == "" {
		return nil, &GatewayError{Op: "create_method", Err: errors.New("response missing method id")}
	}
	return &Method{ID: out.Data.ID, Type: out.Data.Attributes.Type, Status: out.Data.Attributes.Status}, nil
}

func (c *client) Attach(ctx context.Context, intentID, methodID, clientKey, returnURL string) (*AttachResult, error) {
	body := envelope[resource[attachAttributes]]{Data: resource[attachAttributes]{Attributes: attachAttributes{
		PaymentMethod: methodID,
		ClientKey:     clientKey,
		ReturnURL:     returnURL,
	}}}

	var out envelope[resource[intentAttributes]]
	path := "/payment_intents/" + url.PathEscape(intentID) + "/attach"
	if err := c.do(ctx, "attach", http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	res := &AttachResult{Status: domain.PaymentStatus(out.Data.Attributes.Status)}
	if na := out.Data.Attributes.NextAction; na != nil && na.Type == "redirect" {
		res.RedirectURL = na.Redirect.URL
	}
	return res, nil
}

func (c *client) GetIntentStatus(ctx context.Context, intentID, clientKey string) (domain.PaymentStatus, error) {
	path := "/payment_intents/" + url.PathEscape(intentID)
	if clientKey != "" {
		path += "?client_key=" + url.QueryEscape(clientKey)
	}
	var out envelope[resource[intentAttributes]]
	if err := c.do(ctx, "get_intent", http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return domain.PaymentStatus(out.Data.Attributes.Status), nil
}

func (c *client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &GatewayError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &GatewayError{Op: op, Err: err}
	}
	req.SetBasicAuth(c.secretKey, "")
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &GatewayError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Payload: payload, Err: upstreamError(payload)}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Payload: payload, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func upstreamError(payload []byte) error {
	var er errorResponse
	if err := json.Unmarshal(payload, &er); err != nil || len(er.Errors) == 0 {
		return errors.New("unexpected response")
	}
	details := make([]string, 0, len(er.Errors))
	for _, e := range er.Errors {
		details = append(details, e.Code+": "+e.Detail)
	}
	return errors.New(strings.Join(details, "; "))
}

func toBilling(b Billing) *methodBilling {
	out := &methodBilling{Name: b.Name, Email: b.Email, Phone: b.Phone}
	out.Address.Line1 = b.Line1
	out.Address.City = b.City
	out.Address.State = b.State
	out.Address.PostalCode = b.PostalCode
	out.Address.Country = b.Country
	return out
}
