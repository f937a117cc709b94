// Package errs holds the error kinds shared by every domain package.
// Domain packages wrap these with their own sentinels so callers can match
// either the specific error or its kind with errors.Is.
package errs

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientInventory  = errors.New("insufficient inventory")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrTooManyRequests        = errors.New("too many requests")
	ErrExternalService        = errors.New("external service error")
	ErrConflict               = errors.New("conflict")
)

// Kind returns the shared kind an error belongs to, or nil if it matches none.
func Kind(err error) error {
	for _, kind := range []error{
		ErrNotFound,
		ErrValidation,
		ErrInsufficientInventory,
		ErrInvalidStateTransition,
		ErrTooManyRequests,
		ErrExternalService,
		ErrConflict,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
