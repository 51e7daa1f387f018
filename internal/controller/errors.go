package controller

import (
	"errors"

	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	"PerpSettle/internal/verifier"
)

var (
	ErrAccountNotDeployed      = errors.New("controller: account not deployed")
	ErrAccountDeployed         = errors.New("controller: account already deployed")
	ErrInvalidRebalanceConfig  = errors.New("controller: invalid rebalance config")
	ErrInvalidRebalanceTargets = errors.New("controller: rebalance targets must sum to one")
	ErrMarketAlreadyInGroup    = errors.New("controller: market already in another group")
	ErrGroupBalanced           = errors.New("controller: group balanced")
	ErrInvalidAmount           = errors.New("controller: invalid amount")
)

// outcome maps an error to a bounded metric label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAccountNotDeployed), errors.Is(err, ErrAccountDeployed):
		return "account"
	case errors.Is(err, ErrInvalidRebalanceConfig),
		errors.Is(err, ErrInvalidRebalanceTargets),
		errors.Is(err, ErrMarketAlreadyInGroup):
		return "config"
	case errors.Is(err, ErrGroupBalanced):
		return "balanced"
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
