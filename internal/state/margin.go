package state

import (
	fpmath "PerpSettle/internal/math"
)

// MarginStatus represents an account's margin health in one market
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusMarginCall
	MarginStatusLiquidatable
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusMarginCall:
		return "MarginCall"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

// notional = magnitude * |price|
func (p Position) notional(version OracleVersion) fpmath.UFixed6 {
	return p.Magnitude().Mul(version.Price.Abs())
}

// Maintenance is the collateral below which the position can be liquidated.
func (p Position) Maintenance(version OracleVersion, rp RiskParameter) fpmath.UFixed6 {
	if p.Magnitude().IsZero() {
		return fpmath.ZeroUFixed6
	}
	return p.notional(version).Mul(rp.Maintenance).Max(rp.MinMaintenance)
}

// Margin is the collateral required to open or increase the position.
func (p Position) Margin(version OracleVersion, rp RiskParameter) fpmath.UFixed6 {
	if p.Magnitude().IsZero() {
		return fpmath.ZeroUFixed6
	}
	return p.notional(version).Mul(rp.Margin).Max(rp.MinMargin)
}

// Maintained reports whether collateral covers maintenance. A zero position
// is always maintained, whatever its collateral.
func (p Position) Maintained(version OracleVersion, rp RiskParameter, collateral fpmath.Fixed6) bool {
	if p.Magnitude().IsZero() {
		return true
	}
	return fpmath.UFixed6FromFixed(collateral.Max(fpmath.ZeroFixed6)).Gte(p.Maintenance(version, rp))
}

func (p Position) Margined(version OracleVersion, rp RiskParameter, collateral fpmath.Fixed6) bool {
	if p.Magnitude().IsZero() {
		return true
	}
	return fpmath.UFixed6FromFixed(collateral.Max(fpmath.ZeroFixed6)).Gte(p.Margin(version, rp))
}

// LiquidationFee is the fee paid to the liquidator of this position.
func (p Position) LiquidationFee(version OracleVersion, rp RiskParameter) fpmath.UFixed6 {
	return p.Maintenance(version, rp).
		Mul(rp.LiquidationFee).
		Max(rp.MinLiquidationFee).
		Min(rp.MaxLiquidationFee)
}

// MarginStatus classifies the position against collateral.
func (p Position) MarginStatus(version OracleVersion, rp RiskParameter, collateral fpmath.Fixed6) MarginStatus {
	if !p.Maintained(version, rp, collateral) {
		return MarginStatusLiquidatable
	}
	if !p.Margined(version, rp, collateral) {
		return MarginStatusMarginCall
	}
	return MarginStatusHealthy
}
