package domain

import (
	"context"
	"testing"
)

func TestUserContext(t *testing.T) {
	t.Run("UserFromContext returns nil when no user", func(t *testing.T) {
		if user := UserFromContext(context.Background()); user != nil {
			t.Errorf("expected nil user, got %+v", user)
		}
	})

	t.Run("UserFromContext returns user when set", func(t *testing.T) {
		expected := &User{ID: 42, Email: "owner@example.com", DisplayName: "Shop Owner"}
		ctx := NewContextWithUser(context.Background(), expected)

		user := UserFromContext(ctx)
		if user == nil {
			t.Fatal("expected user, got nil")
		}
		if user.ID != expected.ID {
			t.Errorf("expected ID %d, got %d", expected.ID, user.ID)
		}
		if user.Email != expected.Email {
			t.Errorf("expected Email %q, got %q", expected.Email, user.Email)
		}
	})

	t.Run("UserIDFromContext returns 0 when no user", func(t *testing.T) {
		if id := UserIDFromContext(context.Background()); id != 0 {
			t.Errorf("expected 0, got %d", id)
		}
	})

	t.Run("MustUser panics when no user", func(t *testing.T) {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic, got none")
			}
		}()
		MustUser(context.Background())
	})

	t.Run("IsAuthenticated", func(t *testing.T) {
		if IsAuthenticated(context.Background()) {
			t.Error("expected unauthenticated context")
		}
		ctx := NewContextWithUser(context.Background(), &User{ID: 1})
		if !IsAuthenticated(ctx) {
			t.Error("expected authenticated context")
		}
	})
}

func TestRequestIDContext(t *testing.T) {
	if id := RequestIDFromContext(context.Background()); id != "" {
		t.Errorf("expected empty request ID, got %q", id)
	}

	ctx := NewContextWithRequestID(context.Background(), "req-123")
	if id := RequestIDFromContext(ctx); id != "req-123" {
		t.Errorf("expected req-123, got %q", id)
	}
}
