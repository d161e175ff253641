package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dukerupert/tally/internal/domain"
	"github.com/dukerupert/tally/internal/service"
	"github.com/dukerupert/tally/internal/service/servicemock"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code   string            `json:"code"`
		Fields map[string]string `json:"fields"`
	} `json:"error"`
}

func newTestHandler(t *testing.T) (*Handler, *servicemock.MockBillingService) {
	t.Helper()
	ctrl := gomock.NewController(t)
	svc := servicemock.NewMockBillingService(ctrl)
	return NewHandler(svc), svc
}

func jsonRequest(t *testing.T, path string, body any, user *domain.User) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(b)))
	req.Header.Set("Content-Type", "application/json")
	return withUser(req, user)
}

func formRequest(path string, form url.Values, user *domain.User) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return withUser(req, user)
}

func withUser(req *http.Request, user *domain.User) *http.Request {
	if user == nil {
		return req
	}
	return req.WithContext(domain.NewContextWithUser(req.Context(), user))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env
}

var ada = &domain.User{ID: 1, Email: "ada@example.com", DisplayName: "Ada"}

func TestProcessPayment(t *testing.T) {
	t.Run("guest JSON payment", func(t *testing.T) {
		h, svc := newTestHandler(t)
		svc.EXPECT().ProcessPayment(gomock.Any(), service.PaymentParams{
			Token:     "tok_visa",
			ProductID: 20,
			Amount:    "150.00",
			Email:     "guest@example.com",
			Name:      "Guest",
		}).Return(&domain.Order{
			ID:          7,
			ProductID:   20,
			ProductType: domain.ProductTypeConsulting,
			AmountCents: 15000,
			Currency:    "usd",
			Status:      "succeeded",
		}, nil)

		rec := httptest.NewRecorder()
		h.ProcessPayment(rec, jsonRequest(t, "/actions/process_payment", map[string]any{
			"token":      "tok_visa",
			"product_id": 20,
			"amount":     "150.00",
			"email":      "guest@example.com",
			"name":       "Guest",
		}, nil))

		assert.Equal(t, http.StatusCreated, rec.Code)
		env := decode(t, rec)
		assert.True(t, env.Success)
		assert.Equal(t, "Payment processed", env.Message)

		var order orderView
		require.NoError(t, json.Unmarshal(env.Data, &order))
		assert.Equal(t, int64(7), order.ID)
		assert.Equal(t, int64(15000), order.AmountCents)
	})

	t.Run("signed-in form payment carries user id", func(t *testing.T) {
		h, svc := newTestHandler(t)
		svc.EXPECT().ProcessPayment(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, p service.PaymentParams) (*domain.Order, error) {
				assert.Equal(t, int64(1), p.UserID)
				assert.Equal(t, int64(20), p.ProductID)
				assert.Equal(t, "99.5", p.Amount)
				return &domain.Order{ID: 8, UserID: 1}, nil
			})

		rec := httptest.NewRecorder()
		h.ProcessPayment(rec, formRequest("/actions/process_payment", url.Values{
			"token":      {"tok_visa"},
			"product_id": {"20"},
			"amount":     {" 99.5 "},
			"email":      {"ada@example.com"},
			"name":       {"Ada"},
		}, ada))

		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("numeric JSON amount is passed as written", func(t *testing.T) {
		h, svc := newTestHandler(t)
		svc.EXPECT().ProcessPayment(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, p service.PaymentParams) (*domain.Order, error) {
				assert.Equal(t, "150.25", p.Amount)
				return &domain.Order{ID: 9}, nil
			})

		rec := httptest.NewRecorder()
		h.ProcessPayment(rec, jsonRequest(t, "/actions/process_payment", map[string]any{
			"token":      "tok_visa",
			"product_id": 20,
			"amount":     json.Number("150.25"),
			"email":      "guest@example.com",
			"name":       "Guest",
		}, nil))

		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("non-numeric product id never reaches the service", func(t *testing.T) {
		h, _ := newTestHandler(t)

		rec := httptest.NewRecorder()
		h.ProcessPayment(rec, formRequest("/actions/process_payment", url.Values{
			"product_id": {"abc"},
		}, nil))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		env := decode(t, rec)
		assert.False(t, env.Success)
		assert.Equal(t, domain.EINVALID, env.Error.Code)
		assert.Equal(t, "must be a number", env.Error.Fields["product_id"])
	})

	t.Run("malformed JSON", func(t *testing.T) {
		h, _ := newTestHandler(t)

		req := httptest.NewRequest(http.MethodPost, "/actions/process_payment", strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		rec := httptest.NewRecorder()
		h.ProcessPayment(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("service errors map to statuses", func(t *testing.T) {
		tests := []struct {
			name   string
			err    error
			status int
		}{
			{"validation", domain.NewValidationError("payment.process", "token", "is required"), http.StatusBadRequest},
			{"declined", domain.Errorf(domain.EPAYMENT, "payment.process", "Your card was declined."), http.StatusPaymentRequired},
			{"gateway", domain.Gateway(errors.New("dial tcp"), "payment.process", "Payment provider is unavailable"), http.StatusBadGateway},
			{"internal", domain.Internal(errors.New("db down"), "payment.process", "failed to record order"), http.StatusInternalServerError},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				h, svc := newTestHandler(t)
				svc.EXPECT().ProcessPayment(gomock.Any(), gomock.Any()).Return(nil, tt.err)

				rec := httptest.NewRecorder()
				h.ProcessPayment(rec, jsonRequest(t, "/actions/process_payment", map[string]any{"product_id": 20}, nil))

				assert.Equal(t, tt.status, rec.Code)
				assert.False(t, decode(t, rec).Success)
			})
		}
	})
}

func TestCreateSubscription(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		h, svc := newTestHandler(t)
		trialEnd := time.Date(2026, 10, 28, 0, 0, 0, 0, time.UTC)
		svc.EXPECT().CreateSubscription(gomock.Any(), service.SubscribeParams{
			UserID:    1,
			ProductID: 10,
			Cycle:     "monthly",
			Token:     "tok_visa",
		}).Return(&domain.Subscription{
			ID:        3,
			UserID:    1,
			ProductID: 10,
			PlanName:  domain.CycleMonthly,
			Status:    domain.SubscriptionStatusTrialing,
			TrialEnd:  &trialEnd,
		}, nil)

		rec := httptest.NewRecorder()
		h.CreateSubscription(rec, jsonRequest(t, "/actions/create_subscription", map[string]any{
			"product_id":    "10",
			"billing_cycle": "monthly",
			"token":         "tok_visa",
		}, ada))

		assert.Equal(t, http.StatusCreated, rec.Code)
		env := decode(t, rec)
		assert.Equal(t, "Subscription created", env.Message)

		var sub subscriptionView
		require.NoError(t, json.Unmarshal(env.Data, &sub))
		assert.Equal(t, "trialing", sub.Status)
		assert.Equal(t, "monthly", sub.BillingCycle)
		require.NotNil(t, sub.TrialEnd)
		assert.True(t, trialEnd.Equal(*sub.TrialEnd))
	})

	t.Run("unknown cycle", func(t *testing.T) {
		h, svc := newTestHandler(t)
		svc.EXPECT().CreateSubscription(gomock.Any(), gomock.Any()).
			Return(nil, domain.Invalid("subscription.create", "unknown billing cycle: weekly"))

		rec := httptest.NewRecorder()
		h.CreateSubscription(rec, formRequest("/actions/create_subscription", url.Values{
			"product_id":    {"10"},
			"billing_cycle": {"weekly"},
		}, ada))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUpdatePaymentMethod(t *testing.T) {
	t.Run("updated", func(t *testing.T) {
		h, svc := newTestHandler(t)
		svc.EXPECT().UpdatePaymentMethod(gomock.Any(), service.PaymentMethodParams{
			UserID:         1,
			SubscriptionID: 3,
			Token:          "tok_mastercard",
		}).Return(nil)

		rec := httptest.NewRecorder()
		h.UpdatePaymentMethod(rec, formRequest("/actions/update_payment_method", url.Values{
			"subscription_id": {"3"},
			"token":           {"tok_mastercard"},
		}, ada))

		assert.Equal(t, http.StatusOK, rec.Code)
		env := decode(t, rec)
		assert.True(t, env.Success)
		assert.Equal(t, "Payment method updated", env.Message)
	})

	t.Run("not owner", func(t *testing.T) {
		h, svc := newTestHandler(t)
		svc.EXPECT().UpdatePaymentMethod(gomock.Any(), gomock.Any()).Return(domain.ErrNotOwner)

		rec := httptest.NewRecorder()
		h.UpdatePaymentMethod(rec, formRequest("/actions/update_payment_method", url.Values{
			"subscription_id": {"99"},
			"token":           {"tok_mastercard"},
		}, ada))

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestCancelSubscription(t *testing.T) {
	t.Run("cancelled", func(t *testing.T) {
		h, svc := newTestHandler(t)
		svc.EXPECT().CancelSubscription(gomock.Any(), service.CancelParams{UserID: 1, SubscriptionID: 3}).
			Return(&domain.Subscription{ID: 3, UserID: 1, Status: domain.SubscriptionStatusCancelled}, nil)

		rec := httptest.NewRecorder()
		h.CancelSubscription(rec, jsonRequest(t, "/actions/cancel_subscription", map[string]any{"subscription_id": 3}, ada))

		assert.Equal(t, http.StatusOK, rec.Code)
		env := decode(t, rec)
		assert.Equal(t, "Subscription cancelled", env.Message)

		var sub subscriptionView
		require.NoError(t, json.Unmarshal(env.Data, &sub))
		assert.Equal(t, "cancelled", sub.Status)
	})

	t.Run("bad subscription id", func(t *testing.T) {
		h, _ := newTestHandler(t)

		rec := httptest.NewRecorder()
		h.CancelSubscription(rec, formRequest("/actions/cancel_subscription", url.Values{"subscription_id": {"3x"}}, ada))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "must be a number", decode(t, rec).Error.Fields["subscription_id"])
	})

	t.Run("gateway unreachable after local cancel", func(t *testing.T) {
		h, svc := newTestHandler(t)
		svc.EXPECT().CancelSubscription(gomock.Any(), gomock.Any()).
			Return(nil, domain.Gateway(errors.New("timeout"), "subscription.cancel", "Payment provider is unavailable"))

		rec := httptest.NewRecorder()
		h.CancelSubscription(rec, formRequest("/actions/cancel_subscription", url.Values{"subscription_id": {"3"}}, ada))

		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestListSubscriptions(t *testing.T) {
	h, svc := newTestHandler(t)
	svc.EXPECT().ListSubscriptions(gomock.Any(), int64(1)).Return([]domain.Subscription{
		{ID: 1, ProductID: 10, PlanName: domain.CycleAnnual, Status: domain.SubscriptionStatusActive},
		{ID: 2, ProductID: 20, PlanName: domain.CycleMonthly, Status: domain.SubscriptionStatusPastDue},
	}, nil)

	rec := httptest.NewRecorder()
	h.ListSubscriptions(rec, withUser(httptest.NewRequest(http.MethodGet, "/subscriptions", nil), ada))

	assert.Equal(t, http.StatusOK, rec.Code)
	var subs []subscriptionView
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &subs))
	require.Len(t, subs, 2)
	assert.Equal(t, "annual", subs[0].BillingCycle)
	assert.Equal(t, "past_due", subs[1].Status)
}

func TestListOrders(t *testing.T) {
	t.Run("empty list is an array", func(t *testing.T) {
		h, svc := newTestHandler(t)
		svc.EXPECT().ListOrders(gomock.Any(), int64(1)).Return(nil, nil)

		rec := httptest.NewRecorder()
		h.ListOrders(rec, withUser(httptest.NewRequest(http.MethodGet, "/orders", nil), ada))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, string(decode(t, rec).Data))
	})

	t.Run("store failure", func(t *testing.T) {
		h, svc := newTestHandler(t)
		svc.EXPECT().ListOrders(gomock.Any(), int64(1)).Return(nil, domain.Internal(errors.New("db"), "order.list", "failed to list orders"))

		rec := httptest.NewRecorder()
		h.ListOrders(rec, withUser(httptest.NewRequest(http.MethodGet, "/orders", nil), ada))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
