package domain

import (
	"context"
)

// ErrUserNotFound is returned when the user directory has no such user.
var ErrUserNotFound = &Error{Code: ENOTFOUND, Message: "User not found"}

// UserDirectory resolves suite users by id.
type UserDirectory interface {
	// GetUser returns ErrUserNotFound when no user has the id.
	GetUser(ctx context.Context, id int64) (*User, error)
}

// CustomerRef links a suite user to a gateway customer.
// There is at most one per (user, provider).
type CustomerRef struct {
	UserID             int64
	Provider           string
	ProviderCustomerID string
	Email              string
}
