package order

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrLineNotFound        = errors.New("order line not found")
	ErrNoRemainingQuantity = errors.New("line has no remaining open quantity")
	ErrSiteRequired        = errors.New("site cannot be determined for shipment")
	// ErrConcurrencyConflict means the order changed between load and commit.
	ErrConcurrencyConflict = errors.New("order was modified by another process")
	ErrValidation          = errors.New("order validation failed")
)

// ValidationError is a change rejected by the order system's business rules.
type ValidationError struct {
	Order  Ref
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order %s: invalid %s: %s", e.Order, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsRecoverable reports whether err is a per-order failure that a batch may
// record and move past.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrLineNotFound)
}
