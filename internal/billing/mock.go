package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/tally/internal/domain"
)

// MockGateway is a mock payment gateway for testing.
// Simulates successful flows without calling Stripe.
type MockGateway struct {
	// FindOrCreateCustomerFunc allows customizing customer resolution behavior
	FindOrCreateCustomerFunc func(ctx context.Context, params CustomerParams) (*Customer, error)

	// EnsureProductPriceFunc allows customizing price provisioning behavior
	EnsureProductPriceFunc func(ctx context.Context, product *domain.Product, cycle domain.Cycle) (*PriceRef, error)

	// CreateSubscriptionFunc allows customizing subscription creation behavior
	CreateSubscriptionFunc func(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)

	// CreateOneTimeChargeFunc allows customizing charge behavior
	CreateOneTimeChargeFunc func(ctx context.Context, params ChargeParams) (*Charge, error)

	// CancelSubscriptionFunc allows customizing cancellation behavior
	CancelSubscriptionFunc func(ctx context.Context, providerSubscriptionID string) (*Subscription, error)

	// UpdatePaymentSourceFunc allows customizing source replacement behavior
	UpdatePaymentSourceFunc func(ctx context.Context, customerID, token string) (*Customer, error)

	// Customers stores created customers keyed by email
	Customers map[string]*Customer

	// Subscriptions stores created subscriptions keyed by ID
	Subscriptions map[string]*Subscription

	// Charges stores created charges keyed by ID
	Charges map[string]*Charge

	// CallLog tracks method calls for test assertions
	CallLog []string

	mu sync.Mutex
}

// NewMockGateway creates a new mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		Customers:     make(map[string]*Customer),
		Subscriptions: make(map[string]*Subscription),
		Charges:       make(map[string]*Charge),
		CallLog:       []string{},
	}
}

func (m *MockGateway) log(format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, fmt.Sprintf(format, args...))
}

// Calls returns a copy of the call log.
func (m *MockGateway) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

// FindOrCreateCustomer returns the stored customer for the email or creates one.
func (m *MockGateway) FindOrCreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error) {
	m.log("FindOrCreateCustomer(%s)", params.Email)

	if m.FindOrCreateCustomerFunc != nil {
		return m.FindOrCreateCustomerFunc(ctx, params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.Customers[params.Email]; ok {
		return c, nil
	}
	c := &Customer{
		ID:        "cus_" + uuid.New().String()[:8],
		Email:     params.Email,
		Name:      params.Name,
		CreatedAt: time.Now(),
	}
	m.Customers[params.Email] = c
	return c, nil
}

// EnsureProductPrice returns the stored price or a freshly minted one.
func (m *MockGateway) EnsureProductPrice(ctx context.Context, product *domain.Product, cycle domain.Cycle) (*PriceRef, error) {
	m.log("EnsureProductPrice(%d, %s)", product.ID, cycle)

	if m.EnsureProductPriceFunc != nil {
		return m.EnsureProductPriceFunc(ctx, product, cycle)
	}

	if id := product.ProviderPriceID(cycle); id != "" {
		return &PriceRef{ProviderProductID: product.ProviderProductID, PriceID: id}, nil
	}
	productID := product.ProviderProductID
	if productID == "" {
		productID = fmt.Sprintf("prod_%d", product.ID)
	}
	return &PriceRef{
		ProviderProductID: productID,
		PriceID:           fmt.Sprintf("price_%d_%s", product.ID, cycle),
		Created:           true,
	}, nil
}

// CreateSubscription creates an active (or trialing) mock subscription.
func (m *MockGateway) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error) {
	m.log("CreateSubscription(%s, %s)", params.CustomerID, params.PriceID)

	if m.CreateSubscriptionFunc != nil {
		return m.CreateSubscriptionFunc(ctx, params)
	}

	periodEnd := time.Now().AddDate(0, 1, 0).UTC()
	sub := &Subscription{
		ID:               "sub_" + uuid.New().String()[:8],
		CustomerID:       params.CustomerID,
		Status:           "active",
		CurrentPeriodEnd: &periodEnd,
		Metadata:         params.Metadata,
	}
	if !params.TrialEndNow && params.TrialPeriodDays > 0 {
		trialEnd := time.Now().AddDate(0, 0, params.TrialPeriodDays).UTC()
		sub.Status = "trialing"
		sub.TrialEnd = &trialEnd
	}

	m.mu.Lock()
	m.Subscriptions[sub.ID] = sub
	m.mu.Unlock()
	return sub, nil
}

// CreateOneTimeCharge creates a succeeded mock charge.
func (m *MockGateway) CreateOneTimeCharge(ctx context.Context, params ChargeParams) (*Charge, error) {
	m.log("CreateOneTimeCharge(%s, %d)", params.CustomerID, params.AmountCents)

	if m.CreateOneTimeChargeFunc != nil {
		return m.CreateOneTimeChargeFunc(ctx, params)
	}

	ch := &Charge{
		ID:          "ch_" + uuid.New().String()[:8],
		CustomerID:  params.CustomerID,
		AmountCents: params.AmountCents,
		Currency:    "usd",
		Status:      "succeeded",
		Paid:        true,
	}
	m.mu.Lock()
	m.Charges[ch.ID] = ch
	m.mu.Unlock()
	return ch, nil
}

// CancelSubscription marks a stored subscription canceled.
// Unknown ids return ErrNotFound.
func (m *MockGateway) CancelSubscription(ctx context.Context, providerSubscriptionID string) (*Subscription, error) {
	m.log("CancelSubscription(%s)", providerSubscriptionID)

	if m.CancelSubscriptionFunc != nil {
		return m.CancelSubscriptionFunc(ctx, providerSubscriptionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.Subscriptions[providerSubscriptionID]
	if !ok {
		return nil, ErrNotFound
	}
	sub.Status = "canceled"
	return sub, nil
}

// UpdatePaymentSource records the call and echoes the customer.
func (m *MockGateway) UpdatePaymentSource(ctx context.Context, customerID, token string) (*Customer, error) {
	m.log("UpdatePaymentSource(%s, %s)", customerID, token)

	if m.UpdatePaymentSourceFunc != nil {
		return m.UpdatePaymentSourceFunc(ctx, customerID, token)
	}

	return &Customer{ID: customerID}, nil
}

// MockVerifier is a webhook verifier for testing.
type MockVerifier struct {
	// VerifyFunc allows customizing verification behavior
	VerifyFunc func(payload []byte, signatureHeader string) (*Event, error)

	// Events maps a signature header to the event it verifies as.
	Events map[string]*Event
}

// NewMockVerifier creates a verifier that accepts only registered signatures.
func NewMockVerifier() *MockVerifier {
	return &MockVerifier{Events: make(map[string]*Event)}
}

// Verify returns the registered event for the signature.
func (m *MockVerifier) Verify(payload []byte, signatureHeader string) (*Event, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(payload, signatureHeader)
	}
	if len(payload) == 0 {
		return nil, ErrInvalidPayload
	}
	ev, ok := m.Events[signatureHeader]
	if !ok {
		return nil, ErrInvalidSignature
	}
	return ev, nil
}

// Compile-time checks.
var (
	_ Gateway  = (*MockGateway)(nil)
	_ Verifier = (*MockVerifier)(nil)
)
