package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dukerupert/tally/internal/domain"
)

// fakeStore is an in-memory domain.BillingStore with the same uniqueness
// and transition rules as the Postgres store.
type fakeStore struct {
	mu sync.Mutex

	customers     map[int64]domain.CustomerRef
	products      map[int64]*domain.Product
	subscriptions map[int64]*domain.Subscription
	orders        []domain.Order
	events        map[string]string

	nextID      int64
	upsertCalls int

	// applyErr, when set, is returned by ApplyProviderStatus.
	applyErr error
	// applyHook, when set, runs first in ApplyProviderStatus and its error
	// is returned.
	applyHook func(ctx context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		customers:     make(map[int64]domain.CustomerRef),
		products:      make(map[int64]*domain.Product),
		subscriptions: make(map[int64]*domain.Subscription),
		events:        make(map[string]string),
	}
}

var _ domain.BillingStore = (*fakeStore)(nil)

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) addProduct(p domain.Product) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[p.ID] = &p
}

func (f *fakeStore) addSubscription(sub domain.Subscription) *domain.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub.ID == 0 {
		sub.ID = f.id()
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now().Add(-time.Hour)
	}
	f.subscriptions[sub.ID] = &sub
	cp := sub
	return &cp
}

func (f *fakeStore) subscription(id int64) domain.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.subscriptions[id]
}

func (f *fakeStore) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func (f *fakeStore) claimed(eventID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.events[eventID]
	return ok
}

func (f *fakeStore) GetCustomerRef(ctx context.Context, userID int64) (*domain.CustomerRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.customers[userID]
	if !ok {
		return nil, domain.NotFound("customer.get", "customer for user", fmt.Sprint(userID))
	}
	return &ref, nil
}

func (f *fakeStore) SaveCustomerRef(ctx context.Context, ref domain.CustomerRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers[ref.UserID] = ref
	return nil
}

func (f *fakeStore) FindUserByCustomer(ctx context.Context, providerCustomerID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for userID, ref := range f.customers {
		if ref.ProviderCustomerID == providerCustomerID {
			return userID, nil
		}
	}
	return 0, domain.NotFound("customer.find_user", "user for customer", providerCustomerID)
}

func (f *fakeStore) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) PersistProvisionedPrice(ctx context.Context, productID int64, cycle domain.Cycle, providerProductID, providerPriceID string) (*domain.Product, error) {
	f.mu.Lock()
	p, ok := f.products[productID]
	if !ok {
		f.mu.Unlock()
		return nil, domain.ErrProductNotFound
	}
	if p.ProviderProductID == "" {
		p.ProviderProductID = providerProductID
	}
	switch cycle {
	case domain.CycleAnnual:
		if p.ProviderAnnualPriceID == "" {
			p.ProviderAnnualPriceID = providerPriceID
		}
	default:
		if p.ProviderMonthlyPriceID == "" {
			p.ProviderMonthlyPriceID = providerPriceID
		}
	}
	f.mu.Unlock()
	return f.GetProduct(ctx, productID)
}

func (f *fakeStore) UpsertSubscription(ctx context.Context, params domain.UpsertSubscriptionParams) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++

	var sub *domain.Subscription
	for _, s := range f.subscriptions {
		if s.UserID == params.UserID && s.ProductID == params.ProductID {
			sub = s
			break
		}
	}
	if sub == nil {
		sub = &domain.Subscription{ID: f.id(), UserID: params.UserID, ProductID: params.ProductID, CreatedAt: time.Now()}
		f.subscriptions[sub.ID] = sub
	}
	sub.ProviderCustomerID = params.ProviderCustomerID
	sub.PlanName = params.Cycle
	if sub.ProviderSubscriptionID != "" && sub.ProviderSubscriptionID == params.ProviderSubscriptionID {
		// Same gateway subscription: webhook state wins.
		if sub.CurrentPeriodEnd == nil {
			sub.CurrentPeriodEnd = params.CurrentPeriodEnd
		}
		cp := *sub
		return &cp, nil
	}
	sub.ProviderSubscriptionID = params.ProviderSubscriptionID
	sub.Status = params.Status
	sub.TrialEnd = params.TrialEnd
	sub.CurrentPeriodEnd = params.CurrentPeriodEnd
	sub.UpdatedAt = time.Now()

	cp := *sub
	return &cp, nil
}

func (f *fakeStore) GetSubscription(ctx context.Context, id int64) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeStore) findLocked(match func(*domain.Subscription) bool) *domain.Subscription {
	for _, s := range f.subscriptions {
		if match(s) {
			return s
		}
	}
	return nil
}

func (f *fakeStore) FindSubscription(ctx context.Context, userID, productID int64) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := f.findLocked(func(s *domain.Subscription) bool { return s.UserID == userID && s.ProductID == productID })
	if sub == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeStore) ListSubscriptionsForUser(ctx context.Context, userID int64) ([]domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := []domain.Subscription{}
	for id := int64(1); id <= f.nextID; id++ {
		if s, ok := f.subscriptions[id]; ok && s.UserID == userID {
			subs = append(subs, *s)
		}
	}
	return subs, nil
}

func (f *fakeStore) transitionLocked(sub *domain.Subscription, to domain.SubscriptionStatus, trialEnd, periodEnd *time.Time) (*domain.StatusChange, error) {
	if !domain.CanTransition(sub.Status, to) {
		cp := *sub
		return &domain.StatusChange{Subscription: &cp, Previous: sub.Status}, domain.ErrIllegalTransition
	}
	previous := sub.Status
	sub.Status = to
	if trialEnd != nil {
		sub.TrialEnd = trialEnd
	}
	if periodEnd != nil {
		sub.CurrentPeriodEnd = periodEnd
	}
	sub.UpdatedAt = time.Now()
	cp := *sub
	return &domain.StatusChange{Subscription: &cp, Previous: previous, Changed: previous != to}, nil
}

func (f *fakeStore) ApplyProviderStatus(ctx context.Context, update domain.ProviderStatusUpdate) (*domain.StatusChange, error) {
	if f.applyHook != nil {
		if err := f.applyHook(ctx); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	sub := f.findLocked(func(s *domain.Subscription) bool { return s.ProviderSubscriptionID == update.ProviderSubscriptionID })
	if sub == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return f.transitionLocked(sub, update.Status, update.TrialEnd, update.CurrentPeriodEnd)
}

func (f *fakeStore) MarkCancelled(ctx context.Context, id int64) (*domain.StatusChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	return f.transitionLocked(sub, domain.SubscriptionStatusCancelled, nil, nil)
}

func (f *fakeStore) RecordOrder(ctx context.Context, params domain.RecordOrderParams) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ProviderChargeID == params.ProviderChargeID {
			cp := o
			return &cp, nil
		}
	}
	o := domain.Order{
		ID:                 f.id(),
		UserID:             params.UserID,
		ProductID:          params.ProductID,
		ProductType:        params.ProductType,
		AmountCents:        params.AmountCents,
		Currency:           params.Currency,
		CustomerEmail:      params.CustomerEmail,
		ProviderCustomerID: params.ProviderCustomerID,
		ProviderChargeID:   params.ProviderChargeID,
		Status:             params.Status,
		CreatedAt:          time.Now(),
	}
	f.orders = append(f.orders, o)
	return &o, nil
}

func (f *fakeStore) ListOrdersForUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	orders := []domain.Order{}
	for i := len(f.orders) - 1; i >= 0; i-- {
		if f.orders[i].UserID == userID {
			orders = append(orders, f.orders[i])
		}
	}
	return orders, nil
}

func (f *fakeStore) ClaimWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[eventID]; ok {
		return false, nil
	}
	f.events[eventID] = eventType
	return true, nil
}

func (f *fakeStore) ReleaseWebhookEvent(ctx context.Context, eventID string) error {
	// A database call on a finished context fails the same way.
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, eventID)
	return nil
}

// fakeUsers is an in-memory domain.UserDirectory.
type fakeUsers map[int64]domain.User

func (u fakeUsers) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	user, ok := u[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &user, nil
}
