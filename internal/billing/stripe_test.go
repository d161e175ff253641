package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/tally/internal/domain"
)

// recordedRequest captures what the gateway sent to the fake Stripe API.
type recordedRequest struct {
	Method         string
	Path           string
	Form           map[string]string
	IdempotencyKey string
}

type fakeStripe struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	form := make(map[string]string, len(r.Form))
	for k, v := range r.Form {
		form[k] = v[0]
	}

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method:         r.Method,
		Path:           r.URL.Path,
		Form:           form,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Request-Id", "req_test")
	f.handler(w, r)
}

func (f *fakeStripe) calls() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func newTestGateway(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*StripeGateway, *fakeStripe) {
	t.Helper()

	fake := &fakeStripe{handler: handler}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	g, err := NewStripeGateway(StripeConfig{
		APIKey:     "sk_test_123",
		Currency:   "USD",
		Timeout:    2 * time.Second,
		BackendURL: srv.URL,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	return g, fake
}

func writeStripeError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"type":"invalid_request_error","code":%q,"message":%q}}`, code, message)
}

func TestNewStripeGateway_RequiresAPIKey(t *testing.T) {
	_, err := NewStripeGateway(StripeConfig{}, slog.Default())
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestFindOrCreateCustomer(t *testing.T) {
	t.Run("reuses existing customer and replaces source", func(t *testing.T) {
		g, fake := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.Method == http.MethodGet && r.URL.Path == "/v1/customers":
				fmt.Fprint(w, `{"object":"list","url":"/v1/customers","has_more":false,"data":[{"id":"cus_existing","object":"customer","email":"owner@example.com","name":"Owner"}]}`)
			case r.Method == http.MethodPost && r.URL.Path == "/v1/customers/cus_existing":
				fmt.Fprint(w, `{"id":"cus_existing","object":"customer","email":"owner@example.com","name":"Owner"}`)
			default:
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				w.WriteHeader(http.StatusInternalServerError)
			}
		})

		c, err := g.FindOrCreateCustomer(context.Background(), CustomerParams{
			Email: "owner@example.com",
			Name:  "Owner",
			Token: "tok_visa",
		})

		require.NoError(t, err)
		assert.Equal(t, "cus_existing", c.ID)

		calls := fake.calls()
		require.Len(t, calls, 2)
		assert.Equal(t, "owner@example.com", calls[0].Form["email"])
		assert.Equal(t, "1", calls[0].Form["limit"])
		assert.Equal(t, "tok_visa", calls[1].Form["source"])
	})

	t.Run("creates customer when lookup finds nothing", func(t *testing.T) {
		g, fake := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.Method == http.MethodGet:
				fmt.Fprint(w, `{"object":"list","url":"/v1/customers","has_more":false,"data":[]}`)
			case r.Method == http.MethodPost && r.URL.Path == "/v1/customers":
				fmt.Fprint(w, `{"id":"cus_new","object":"customer","email":"new@example.com","name":"New Buyer"}`)
			}
		})

		c, err := g.FindOrCreateCustomer(context.Background(), CustomerParams{
			Email: "new@example.com",
			Name:  "New Buyer",
			Token: "tok_visa",
		})

		require.NoError(t, err)
		assert.Equal(t, "cus_new", c.ID)

		calls := fake.calls()
		require.Len(t, calls, 2)
		assert.Equal(t, "new@example.com", calls[1].Form["email"])
		assert.Equal(t, "New Buyer", calls[1].Form["name"])
		assert.Equal(t, "tok_visa", calls[1].Form["source"])
	})

	t.Run("creates customer when lookup fails", func(t *testing.T) {
		g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				writeStripeError(w, http.StatusBadRequest, "parameter_invalid_empty", "bad lookup")
				return
			}
			fmt.Fprint(w, `{"id":"cus_fallback","object":"customer","email":"x@example.com"}`)
		})

		c, err := g.FindOrCreateCustomer(context.Background(), CustomerParams{Email: "x@example.com"})

		require.NoError(t, err)
		assert.Equal(t, "cus_fallback", c.ID)
	})
}

func TestEnsureProductPrice(t *testing.T) {
	t.Run("returns stored price without calling Stripe", func(t *testing.T) {
		g, fake := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		})

		ref, err := g.EnsureProductPrice(context.Background(), &domain.Product{
			ID:                     5,
			ProviderProductID:      "prod_5",
			ProviderMonthlyPriceID: "price_5m",
		}, domain.CycleMonthly)

		require.NoError(t, err)
		assert.Equal(t, "price_5m", ref.PriceID)
		assert.False(t, ref.Created)
		assert.Empty(t, fake.calls())
	})

	t.Run("provisions product and annual price", func(t *testing.T) {
		g, fake := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/v1/products":
				fmt.Fprint(w, `{"id":"prod_new","object":"product","name":"SEO Pro"}`)
			case "/v1/prices":
				fmt.Fprint(w, `{"id":"price_new","object":"price"}`)
			}
		})

		ref, err := g.EnsureProductPrice(context.Background(), &domain.Product{
			ID:                5,
			Name:              "SEO Pro",
			Description:       "Keyword tooling",
			MonthlyPriceCents: 2900,
			AnnualPriceCents:  29000,
		}, domain.CycleAnnual)

		require.NoError(t, err)
		assert.Equal(t, "prod_new", ref.ProviderProductID)
		assert.Equal(t, "price_new", ref.PriceID)
		assert.True(t, ref.Created)

		calls := fake.calls()
		require.Len(t, calls, 2)
		assert.Equal(t, "SEO Pro", calls[0].Form["name"])
		assert.True(t, strings.HasPrefix(calls[0].IdempotencyKey, "product-5-"), calls[0].IdempotencyKey)
		assert.Equal(t, "usd", calls[1].Form["currency"])
		assert.Equal(t, "29000", calls[1].Form["unit_amount"])
		assert.Equal(t, "prod_new", calls[1].Form["product"])
		assert.Equal(t, "year", calls[1].Form["recurring[interval]"])
		assert.Equal(t, "price-5-annual-29000-prod_new", calls[1].IdempotencyKey)
	})

	t.Run("edited catalog entry gets a fresh product key", func(t *testing.T) {
		var keys []string
		g, fake := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/v1/products":
				fmt.Fprint(w, `{"id":"prod_new","object":"product"}`)
			case "/v1/prices":
				fmt.Fprint(w, `{"id":"price_new","object":"price"}`)
			}
		})

		for _, name := range []string{"SEO Pro", "SEO Pro", "SEO Pro Plus"} {
			_, err := g.EnsureProductPrice(context.Background(), &domain.Product{
				ID:                5,
				Name:              name,
				MonthlyPriceCents: 2900,
			}, domain.CycleMonthly)
			require.NoError(t, err)
		}
		for _, c := range fake.calls() {
			if c.Path == "/v1/products" {
				keys = append(keys, c.IdempotencyKey)
			}
		}

		require.Len(t, keys, 3)
		assert.Equal(t, keys[0], keys[1])
		assert.NotEqual(t, keys[1], keys[2])
	})

	t.Run("reuses stored product for a new cycle", func(t *testing.T) {
		g, fake := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"id":"price_m","object":"price"}`)
		})

		ref, err := g.EnsureProductPrice(context.Background(), &domain.Product{
			ID:                    5,
			MonthlyPriceCents:     2900,
			ProviderProductID:     "prod_5",
			ProviderAnnualPriceID: "price_5a",
		}, domain.CycleMonthly)

		require.NoError(t, err)
		assert.Equal(t, "price_m", ref.PriceID)

		calls := fake.calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "/v1/prices", calls[0].Path)
		assert.Equal(t, "month", calls[0].Form["recurring[interval]"])
	})

	t.Run("rejects product without price for cycle", func(t *testing.T) {
		g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})

		_, err := g.EnsureProductPrice(context.Background(), &domain.Product{ID: 5}, domain.CycleMonthly)

		assert.ErrorIs(t, err, ErrMissingPrice)
	})
}

func TestCreateSubscription(t *testing.T) {
	g, fake := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"id": "sub_123",
			"object": "subscription",
			"status": "active",
			"customer": "cus_123",
			"items": {"object": "list", "data": [{"id": "si_1", "object": "subscription_item", "current_period_end": 1767225600}]}
		}`)
	})

	sub, err := g.CreateSubscription(context.Background(), CreateSubscriptionParams{
		CustomerID:  "cus_123",
		PriceID:     "price_5m",
		TrialEndNow: true,
		Metadata: map[string]string{
			"product_id":    "5",
			"product_name":  "SEO Pro",
			"billing_cycle": "monthly",
		},
		IdempotencyKey: "subscription-1-5-req-1",
	})

	require.NoError(t, err)
	assert.Equal(t, "sub_123", sub.ID)
	assert.Equal(t, "cus_123", sub.CustomerID)
	assert.Equal(t, "active", sub.Status)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, int64(1767225600), sub.CurrentPeriodEnd.Unix())
	assert.Nil(t, sub.TrialEnd)

	calls := fake.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "cus_123", calls[0].Form["customer"])
	assert.Equal(t, "price_5m", calls[0].Form["items[0][price]"])
	assert.Equal(t, "now", calls[0].Form["trial_end"])
	assert.Equal(t, "5", calls[0].Form["metadata[product_id]"])
	assert.Equal(t, "monthly", calls[0].Form["metadata[billing_cycle]"])
	assert.Equal(t, "error_if_incomplete", calls[0].Form["payment_behavior"])
	assert.Equal(t, "subscription-1-5-req-1", calls[0].IdempotencyKey)
}

func TestCreateOneTimeCharge(t *testing.T) {
	g, fake := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"ch_1","object":"charge","amount":15000,"currency":"usd","status":"succeeded","paid":true,"customer":"cus_123"}`)
	})

	ch, err := g.CreateOneTimeCharge(context.Background(), ChargeParams{
		CustomerID:  "cus_123",
		AmountCents: 15000,
		Description: "Consulting session",
	})

	require.NoError(t, err)
	assert.Equal(t, "ch_1", ch.ID)
	assert.Equal(t, int64(15000), ch.AmountCents)
	assert.True(t, ch.Paid)
	assert.Equal(t, "cus_123", ch.CustomerID)

	calls := fake.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "15000", calls[0].Form["amount"])
	assert.Equal(t, "usd", calls[0].Form["currency"])
}

func TestCancelSubscription(t *testing.T) {
	t.Run("cancels subscription", func(t *testing.T) {
		g, fake := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"id":"sub_123","object":"subscription","status":"canceled","customer":"cus_123"}`)
		})

		sub, err := g.CancelSubscription(context.Background(), "sub_123")

		require.NoError(t, err)
		assert.Equal(t, "canceled", sub.Status)
		calls := fake.calls()
		require.Len(t, calls, 1)
		assert.Equal(t, http.MethodDelete, calls[0].Method)
		assert.Equal(t, "/v1/subscriptions/sub_123", calls[0].Path)
	})

	t.Run("maps resource_missing to ErrNotFound", func(t *testing.T) {
		g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			writeStripeError(w, http.StatusNotFound, "resource_missing", "No such subscription: 'sub_gone'")
		})

		_, err := g.CancelSubscription(context.Background(), "sub_gone")

		assert.ErrorIs(t, err, ErrNotFound)
		_, isGateway := AsGatewayError(err)
		assert.False(t, isGateway)
	})
}

func TestGatewayErrors(t *testing.T) {
	t.Run("card decline carries provider message", func(t *testing.T) {
		g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			fmt.Fprint(w, `{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`)
		})

		_, err := g.CreateOneTimeCharge(context.Background(), ChargeParams{CustomerID: "cus_1", AmountCents: 100})

		ge, ok := AsGatewayError(err)
		require.True(t, ok, "expected *GatewayError, got %T", err)
		assert.Equal(t, "Your card has insufficient funds.", ge.Message)
		assert.Equal(t, "card_declined", ge.Code)
		assert.Equal(t, "insufficient_funds", ge.DeclineCode)
		assert.Equal(t, http.StatusPaymentRequired, ge.HTTPStatus)
		assert.True(t, ge.IsDeclined())
		assert.False(t, ge.IsTemporary())
	})

	t.Run("server error is temporary", func(t *testing.T) {
		g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"type":"api_error","message":"Something went wrong"}}`)
		})

		_, err := g.CancelSubscription(context.Background(), "sub_1")

		ge, ok := AsGatewayError(err)
		require.True(t, ok)
		assert.True(t, ge.IsTemporary())
	})

	t.Run("timeout becomes temporary gateway error", func(t *testing.T) {
		release := make(chan struct{})
		g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-time.After(2 * time.Second):
			}
		})
		t.Cleanup(func() { close(release) })
		g.timeout = 50 * time.Millisecond

		_, err := g.CancelSubscription(context.Background(), "sub_slow")

		ge, ok := AsGatewayError(err)
		require.True(t, ok, "expected *GatewayError, got %T: %v", err, err)
		assert.True(t, ge.IsTemporary())
	})
}

func TestToGatewayError_ContextDeadline(t *testing.T) {
	err := toGatewayError("charge.create", fmt.Errorf("request failed: %w", context.DeadlineExceeded))

	ge, ok := AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, "timeout", ge.Code)
	assert.True(t, ge.IsTemporary())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
