package ledger

import (
	"fmt"

	"github.com/inaiurai/escrow/internal/apperr"
)

// Each sentinel wraps its kind so errors.Is matches both.
var (
	ErrAlreadyFunded     = fmt.Errorf("%w: milestone already funded", apperr.ErrState)
	ErrNotHeld           = fmt.Errorf("%w: no funds held for milestone", apperr.ErrState)
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient funds", apperr.ErrTransfer)
	ErrTransferFailed    = fmt.Errorf("%w: transfer failed", apperr.ErrTransfer)
	ErrCustodyMismatch   = fmt.Errorf("%w: custody balance does not match holds", apperr.ErrState)
)
