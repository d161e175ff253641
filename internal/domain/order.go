package domain

import (
	"time"
)

// ProductTypeConsulting tags one-time consulting charges.
const ProductTypeConsulting = "consulting"

// Order is an append-only record of a one-time charge.
type Order struct {
	ID                 int64
	UserID             int64 // 0 for guest checkout
	ProductID          int64
	ProductType        string
	AmountCents        int64
	Currency           string
	CustomerEmail      string
	ProviderCustomerID string
	ProviderChargeID   string
	Status             string
	CreatedAt          time.Time
}

// RecordOrderParams describes a completed charge.
type RecordOrderParams struct {
	UserID             int64
	ProductID          int64
	ProductType        string
	AmountCents        int64
	Currency           string
	CustomerEmail      string
	ProviderCustomerID string
	ProviderChargeID   string
	Status             string
}
