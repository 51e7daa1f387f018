package market

import (
	"errors"
	"fmt"

	"PerpSettle/internal/state"
)

var (
	ErrNotOperator             = errors.New("market: sender is not an operator of the account")
	ErrInvalidProtection       = errors.New("market: invalid protection")
	ErrProtected               = errors.New("market: account is being liquidated")
	ErrExceedsPendingIdLimit   = errors.New("market: exceeds pending id limit")
	ErrNotSingleSided          = fmt.Errorf("market: %w", state.ErrNotSingleSided)
	ErrMarketClosed            = errors.New("market: closed")
	ErrMakerOverLimit          = errors.New("market: maker over limit")
	ErrOverClose               = fmt.Errorf("market: %w", state.ErrOverClose)
	ErrEfficiencyUnderLimit    = errors.New("market: efficiency under limit")
	ErrInsufficientLiquidity   = errors.New("market: insufficient liquidity")
	ErrInsufficientMargin      = errors.New("market: insufficient margin")
	ErrInsufficientMaintenance = errors.New("market: insufficient maintenance")
	ErrStalePrice              = errors.New("market: stale price")
	ErrInsufficientCollateral  = errors.New("market: insufficient collateral")
	ErrInvalidDelta            = errors.New("market: delta takes a side below zero")

	ErrStaleStage     = errors.New("market: staged update is stale")
	ErrStageFinished  = errors.New("market: staged update already committed or discarded")
	ErrUnknownMarket  = errors.New("market: unknown market")
	ErrMarketExists   = errors.New("market: already registered")
	ErrNotFactoryRole = errors.New("market: sender has no fee role")
)

// Label maps market errors to a short metric label.
func Label(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotOperator):
		return "not_operator"
	case errors.Is(err, ErrInvalidProtection):
		return "invalid_protection"
	case errors.Is(err, ErrProtected):
		return "protected"
	case errors.Is(err, ErrExceedsPendingIdLimit):
		return "pending_limit"
	case errors.Is(err, state.ErrNotSingleSided):
		return "not_single_sided"
	case errors.Is(err, ErrMarketClosed):
		return "closed"
	case errors.Is(err, ErrMakerOverLimit):
		return "maker_limit"
	case errors.Is(err, state.ErrOverClose):
		return "over_close"
	case errors.Is(err, ErrEfficiencyUnderLimit):
		return "efficiency"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "liquidity"
	case errors.Is(err, ErrInsufficientMargin):
		return "margin"
	case errors.Is(err, ErrInsufficientMaintenance):
		return "maintenance"
	case errors.Is(err, ErrStalePrice):
		return "stale_price"
	case errors.Is(err, ErrInsufficientCollateral):
		return "collateral"
	case errors.Is(err, state.ErrStorageInvalid):
		return "storage"
	default:
		return "other"
	}
}
