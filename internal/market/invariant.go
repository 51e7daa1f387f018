package market

import (
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

// invariant runs after the update has been applied to the context and
// before anything is committed.
func (c *settlementContext) invariant(
	req UpdateRequest,
	order state.Order,
	currentGlobal, currentLocal state.Position,
	collateral fpmath.Fixed6,
	protected bool,
) error {
	mp, rp := c.m.parameter, c.m.riskParameter
	price := c.priceVersion()

	if protected {
		before := c.local.Collateral.Sub(collateral)
		fee := c.latestLocal.LiquidationFee(price, rp)
		if !currentLocal.Magnitude().IsZero() ||
			c.latestLocal.Maintained(price, rp, before) ||
			collateral.Lt(fee.Fixed().Neg()) {
			return ErrInvalidProtection
		}
	}
	if !protected && c.local.Protected(c.latestLocal) {
		return ErrProtected
	}
	if !protected && req.Sender != req.Account && !c.m.factory.IsOperator(req.Account, req.Sender) {
		return ErrNotOperator
	}

	if c.global.CurrentID > c.global.LatestID+mp.MaxPendingGlobal ||
		c.local.CurrentID > c.local.LatestID+mp.MaxPendingLocal {
		return ErrExceedsPendingIdLimit
	}

	if !currentLocal.SingleSided() || (c.latestLocal.Side() != currentLocal.Side() &&
		!c.latestLocal.Empty() && !currentLocal.Empty()) {
		return ErrNotSingleSided
	}

	if protected {
		return nil
	}

	if mp.Closed && order.IncreasesPosition() {
		return ErrMarketClosed
	}
	if order.IncreasesMaker() && currentGlobal.Maker.Gt(rp.MakerLimit) {
		return ErrMakerOverLimit
	}
	if c.pendingCloses().Gt(c.latestLocal.Magnitude()) {
		return ErrOverClose
	}

	if order.LiquidityCheckApplicable(mp) {
		if order.DecreasesEfficiency(currentGlobal) && currentGlobal.Efficiency().Lt(rp.EfficiencyLimit) {
			return ErrEfficiencyUnderLimit
		}
		if order.DecreasesLiquidity(currentGlobal) && currentGlobal.Socialized() {
			return ErrInsufficientLiquidity
		}
	}

	effective := c.local.Collateral.Sub(c.pendingFees().Fixed())
	if (!order.Empty() || collateral.Sign() < 0) && !currentLocal.Margined(price, rp, effective) {
		return ErrInsufficientMargin
	}
	if !c.latestLocal.Maintained(price, rp, effective) {
		return ErrInsufficientMaintenance
	}

	hasPosition := !currentLocal.Magnitude().IsZero() || !c.latestLocal.Magnitude().IsZero()
	onlyDeposit := order.Empty() && collateral.Sign() >= 0
	if hasPosition && !onlyDeposit && c.now > c.latestVersion.Timestamp+rp.StaleAfter {
		return ErrStalePrice
	}

	if collateral.Sign() < 0 && c.local.Collateral.Sign() < 0 {
		return ErrInsufficientCollateral
	}
	return nil
}
