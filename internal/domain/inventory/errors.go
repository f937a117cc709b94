package inventory

import (
	"fmt"

	"github.com/example/giftcard-fulfillment/internal/domain/errs"
)

var (
	ErrInsufficientInventory = fmt.Errorf("not enough available codes: %w", errs.ErrInsufficientInventory)
	ErrListingNotFound       = fmt.Errorf("listing or denomination: %w", errs.ErrNotFound)
	ErrInvalidQuantity       = fmt.Errorf("quantity must be positive: %w", errs.ErrValidation)
	ErrInvalidDenomination   = fmt.Errorf("denomination must be positive: %w", errs.ErrValidation)
	ErrEmptyCode             = fmt.Errorf("code must not be empty: %w", errs.ErrValidation)
	ErrDuplicateCode         = fmt.Errorf("duplicate code in batch: %w", errs.ErrValidation)
	ErrItemNotReserved       = fmt.Errorf("item is no longer reserved: %w", errs.ErrInvalidStateTransition)
	ErrInvalidItemTransition = fmt.Errorf("item: %w", errs.ErrInvalidStateTransition)
	ErrMissingCompany        = fmt.Errorf("company is required: %w", errs.ErrValidation)
	ErrListingOwned          = fmt.Errorf("listing is stocked by another company: %w", errs.ErrConflict)
)
