package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"storefront-checkout/internal/domain"
)

// Outcome is what the mock gateway decides for an attached payment.
type Outcome int

const (
	OutcomeSucceed Outcome = iota
	OutcomeFail
	// OutcomePhantom charges the customer but reports a timeout to the caller.
	OutcomePhantom
)

type mockIntent struct {
	amount    int64
	currency  string
	clientKey string
	status    domain.PaymentStatus
	methodID  string
}

// MockGateway is an in-memory Gateway. Intents are idempotent per id: once a
// final status is decided it never changes.
type MockGateway struct {
	mu      sync.RWMutex
	intents map[string]*mockIntent
	methods map[string]MethodRequest
	failOps map[string]error
	calls   map[string]int
	decide  func() Outcome
	lag     time.Duration
}

// NewMockGateway decides outcomes at random: 70% success, 20% declined, 10% phantom.
func NewMockGateway() *MockGateway {
	return NewScriptedGateway(func() Outcome {
		chance := rand.IntN(100)
		switch {
		case chance < 70:
			return OutcomeSucceed
		case chance < 90:
			return OutcomeFail
		default:
			return OutcomePhantom
		}
	})
}

func NewScriptedGateway(decide func() Outcome) *MockGateway {
	return &MockGateway{
		intents: make(map[string]*mockIntent),
		methods: make(map[string]MethodRequest),
		failOps: make(map[string]error),
		calls:   make(map[string]int),
		decide:  decide,
		lag:     100 * time.Millisecond,
	}
}

// SetLag sets how long the phantom outcome stalls before timing out.
func (g *MockGateway) SetLag(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lag = d
}

// FailNext makes the next call of op fail with a GatewayError wrapping err.
func (g *MockGateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failOps[op] = err
}

// SetStatus forces the gateway-side status of an intent.
func (g *MockGateway) SetStatus(intentID string, status domain.PaymentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if in, ok := g.intents[intentID]; ok {
		in.status = status
	}
}

// Amount returns the minor-unit amount an intent was created with.
func (g *MockGateway) Amount(intentID string) (int64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	in, ok := g.intents[intentID]
	if !ok {
		return 0, false
	}
	return in.amount, true
}

// Calls reports how many times op was invoked.
func (g *MockGateway) Calls(op string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.calls[op]
}

func (g *MockGateway) begin(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
	if err, ok := g.failOps[op]; ok {
		delete(g.failOps, op)
		return &GatewayError{Op: op, StatusCode: 500, Payload: []byte(`{"errors":[{"code":"mock","detail":"injected"}]}`), Err: err}
	}
	return nil
}

func (g *MockGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if err := g.begin("create_intent"); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, &GatewayError{Op: "create_intent", StatusCode: 400, Err: errors.New("amount must be positive")}
	}

	id := "pi_mock_" + uuid.NewString()
	in := &mockIntent{
		amount:    req.Amount,
		currency:  req.Currency,
		clientKey: id + "_client_" + uuid.NewString()[:8],
		status:    domain.PaymentAwaitingMethod,
	}

	g.mu.Lock()
	g.intents[id] = in
	g.mu.Unlock()

	return &Intent{ID: id, ClientKey: in.clientKey, Status: in.status}, nil
}

func (g *MockGateway) CreateMethod(ctx context.Context, req MethodRequest) (*Method, error) {
	if err := g.begin("create_method"); err != nil {
		return nil, err
	}
	if req.Type == "" {
		return nil, &GatewayError{Op: "create_method", StatusCode: 400, Err: errors.New("type is required")}
	}

	id := "pm_mock_" + uuid.NewString()
	g.mu.Lock()
	g.methods[id] = req
	g.mu.Unlock()

	return &Method{ID: id, Type: req.Type, Status: "chargeable"}, nil
}

func (g *MockGateway) Attach(ctx context.Context, intentID, methodID, clientKey, returnURL string) (*AttachResult, error) {
	if err := g.begin("attach"); err != nil {
		return nil, err
	}

	g.mu.Lock()
	in, ok := g.intents[intentID]
	method, methodOK := g.methods[methodID]
	switch {
	case !ok:
		g.mu.Unlock()
		return nil, &GatewayError{Op: "attach", StatusCode: 404, Err: fmt.Errorf("intent %s not found", intentID)}
	case !methodOK:
		g.mu.Unlock()
		return nil, &GatewayError{Op: "attach", StatusCode: 404, Err: fmt.Errorf("method %s not found", methodID)}
	case in.clientKey != clientKey:
		g.mu.Unlock()
		return nil, &GatewayError{Op: "attach", StatusCode: 400, Err: errors.New("client key mismatch")}
	case in.status == domain.PaymentSucceeded:
		g.mu.Unlock()
		return &AttachResult{Status: in.status}, nil
	}

	outcome := g.decide()
	in.methodID = methodID
	switch outcome {
	case OutcomeSucceed, OutcomePhantom:
		in.status = domain.PaymentSucceeded
	default:
		in.status = domain.PaymentFailed
	}
	status, lag := in.status, g.lag
	g.mu.Unlock()

	if outcome == OutcomePhantom {
		// the charge went through; only the response is lost
		select {
		case <-time.After(lag):
		case <-ctx.Done():
		}
		return nil, &GatewayError{Op: "attach", Err: errors.New("connection timeout")}
	}

	if method.Type != "card" {
		return &AttachResult{
			Status:      domain.PaymentAwaitingNextAction,
			RedirectURL: "https://mock.gateway/redirect/" + intentID + "?return_url=" + returnURL,
		}, nil
	}
	return &AttachResult{Status: status}, nil
}

func (g *MockGateway) GetIntentStatus(ctx context.Context, intentID, clientKey string) (domain.PaymentStatus, error) {
	if err := g.begin("get_intent"); err != nil {
		return "", err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	in, ok := g.intents[intentID]
	if !ok {
		return "", &GatewayError{Op: "get_intent", StatusCode: 404, Err: fmt.Errorf("intent %s not found", intentID)}
	}
	if clientKey != "" && clientKey != in.clientKey {
		return "", &GatewayError{Op: "get_intent", StatusCode: 400, Err: errors.New("client key mismatch")}
	}
	return in.status, nil
}
