package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/tally/internal/domain"
)

var validate = newValidator()

// maxChargeCents is the largest single charge the provider accepts.
const maxChargeCents = 99_999_999

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their request names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return snakeCase(fld.Name)
		}
		return name
	})
	return v
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// validateParams runs struct validation and converts failures into a
// domain.ValidationError keyed by request field name.
func validateParams(op string, params any) error {
	err := validate.Struct(params)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.Internal(err, op, "failed to validate request")
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fieldMessage(fe)
	}
	return &domain.ValidationError{Op: op, Fields: fields}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "gt":
		return "must be greater than " + fe.Param()
	}
	return "is invalid"
}

// parseAmountCents converts a decimal amount in major units to cents.
// Amounts must be positive with at most two decimal places.
func parseAmountCents(op, amount string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, domain.NewValidationError(op, "amount", "must be a number")
	}
	if !d.IsPositive() {
		return 0, domain.NewValidationError(op, "amount", "must be greater than 0")
	}
	cents := d.Shift(2)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, domain.NewValidationError(op, "amount", "must have at most two decimal places")
	}
	if cents.GreaterThan(decimal.NewFromInt(maxChargeCents)) {
		return 0, domain.NewValidationError(op, "amount", "must be at most 999999.99")
	}
	return cents.IntPart(), nil
}
