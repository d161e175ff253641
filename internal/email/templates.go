package email

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EmailTemplate defines the interface for email templates
type EmailTemplate interface {
	Subject() string
	TemplateName() string
}

// SubscriptionConfirmationEmail confirms a new or converted subscription.
type SubscriptionConfirmationEmail struct {
	CustomerName  string
	ProductName   string
	BillingCycle  string // "monthly" or "annual"
	AmountCents   int64
	Currency      string
	Trialing      bool
	TrialEnd      *time.Time
	ManagementURL string
}

func (e SubscriptionConfirmationEmail) Subject() string {
	return "Your " + e.ProductName + " subscription is confirmed"
}

func (e SubscriptionConfirmationEmail) TemplateName() string {
	return "subscription_confirmation.html"
}

// PaymentReceiptEmail acknowledges a paid subscription invoice.
type PaymentReceiptEmail struct {
	CustomerName  string
	ProductName   string
	AmountCents   int64
	Currency      string
	InvoiceID     string
	InvoiceURL    string
	PaidAt        time.Time
	ManagementURL string
}

func (e PaymentReceiptEmail) Subject() string {
	return "Payment receipt for " + e.ProductName
}

func (e PaymentReceiptEmail) TemplateName() string {
	return "payment_receipt.html"
}

// PaymentFailedEmail asks the customer to fix their payment method.
type PaymentFailedEmail struct {
	CustomerName     string
	ProductName      string
	AmountCents      int64
	Currency         string
	InvoiceURL       string
	FailedAt         time.Time
	UpdatePaymentURL string
}

func (e PaymentFailedEmail) Subject() string {
	return "Action needed: payment for " + e.ProductName + " failed"
}

func (e PaymentFailedEmail) TemplateName() string {
	return "payment_failed.html"
}

// FormatMoney renders cents as a currency amount, e.g. 2900, "usd" -> "$29.00".
func FormatMoney(cents int64, currency string) string {
	amount := decimal.New(cents, -2).StringFixed(2)
	switch strings.ToLower(currency) {
	case "", "usd":
		return "$" + amount
	case "eur":
		return "€" + amount
	case "gbp":
		return "£" + amount
	}
	return amount + " " + strings.ToUpper(currency)
}
