package manager

import (
	"errors"

	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	"PerpSettle/internal/verifier"
)

var (
	ErrInvalidOrder      = errors.New("manager: invalid trigger order")
	ErrInvalidOrderNonce = errors.New("manager: order id already spent")
	ErrOrderNotFound     = errors.New("manager: order not found")
	ErrCannotCancel      = errors.New("manager: order cannot be cancelled")
	ErrCannotExecute     = errors.New("manager: order cannot be executed")
)

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, ErrInvalidOrderNonce):
		return "spent"
	case errors.Is(err, ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, ErrCannotCancel):
		return "cannot_cancel"
	case errors.Is(err, ErrCannotExecute):
		return "not_triggered"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, verifier.ErrInvalidNonce),
		errors.Is(err, verifier.ErrInvalidGroup),
		errors.Is(err, verifier.ErrInvalidSignature),
		errors.Is(err, verifier.ErrInvalidSigner),
		errors.Is(err, verifier.ErrInvalidDomain),
		errors.Is(err, verifier.ErrInvalidExpiry):
		return "unauthorized"
	default:
		return market.Label(err)
	}
}
