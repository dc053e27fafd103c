package app

import (
	"errors"
	"time"

	"standing_orders/internal/domain/calendar"
)

// Application-level errors
var (
	ErrNotAuthorized         = errors.New("performing user is not authorized as an admin")
	ErrAdvancementNotFound   = errors.New("advancement not found or expired")
	ErrAdvancementNotPending = errors.New("advancement is not awaiting confirmation")
	ErrMultipleCycles        = errors.New("shipping batch spans more than one cycle date")
	ErrInvalidInput          = errors.New("invalid input")
)

// Clock returns the current time. Services derive the business date from it.
type Clock func() time.Time

func (c Clock) today() time.Time {
	if c == nil {
		return calendar.DateOnly(time.Now())
	}
	return calendar.DateOnly(c())
}

// CheckAdmin returns ErrNotAuthorized unless performer is the configured admin.
func CheckAdmin(adminID, performer int64) error {
	if adminID == 0 || performer != adminID {
		return ErrNotAuthorized
	}
	return nil
}
