// internal/state/storage.go
package state

import (
	stdmath "math"

	fpmath "PerpSettle/internal/math"
)

// Packed field widths. Values are raw 6-decimal integers.
const (
	maxUint16 = 1<<16 - 1
	maxUint24 = 1<<24 - 1
	maxUint32 = 1<<32 - 1
	maxUint48 = 1<<48 - 1
	maxUint62 = 1<<62 - 1
	maxInt24  = 1<<23 - 1
	minInt24  = -(1 << 23)
	maxInt32  = stdmath.MaxInt32
	minInt32  = stdmath.MinInt32
)

type fieldCheck struct {
	field string
	ok    bool
}

func firstInvalid(structName string, checks ...fieldCheck) error {
	for _, c := range checks {
		if !c.ok {
			return &StorageInvalidError{Struct: structName, Field: c.field}
		}
	}
	return nil
}

func fitsU(v fpmath.UFixed6, limit uint64) bool { return uint64(v) <= limit }
func fitsI(v fpmath.Fixed6, lo, hi int64) bool  { return int64(v) >= lo && int64(v) <= hi }

// CheckStorage validates the global state against its packed layout.
func (g Global) CheckStorage() error {
	return firstInvalid("Global",
		fieldCheck{"CurrentID", g.CurrentID <= maxUint32},
		fieldCheck{"LatestID", g.LatestID <= maxUint32},
		fieldCheck{"ProtocolFee", fitsU(g.ProtocolFee, maxUint48)},
		fieldCheck{"OracleFee", fitsU(g.OracleFee, maxUint48)},
		fieldCheck{"RiskFee", fitsU(g.RiskFee, maxUint48)},
		fieldCheck{"Donation", fitsU(g.Donation, maxUint48)},
		fieldCheck{"PAccumulator.Value", fitsI(g.PAccumulator.Value, minInt32, maxInt32)},
		fieldCheck{"PAccumulator.Skew", fitsI(g.PAccumulator.Skew, minInt24, maxInt24)},
	)
}

// CheckStorage validates a global position.
func (p Position) CheckStorage() error {
	return firstInvalid("Position",
		fieldCheck{"Timestamp", p.Timestamp <= maxUint32},
		fieldCheck{"Maker", fitsU(p.Maker, maxUint62)},
		fieldCheck{"Long", fitsU(p.Long, maxUint62)},
		fieldCheck{"Short", fitsU(p.Short, maxUint62)},
		fieldCheck{"Fee", fitsU(p.Fee, maxUint48)},
		fieldCheck{"Keeper", fitsU(p.Keeper, maxUint48)},
	)
}

// StoreLocalPosition validates a local position and normalizes it to its
// single active side. Invalidation is preserved.
func StoreLocalPosition(p Position) (Position, error) {
	if !p.SingleSided() {
		return Position{}, ErrNotSingleSided
	}
	if err := p.CheckStorage(); err != nil {
		return Position{}, err
	}
	stored := p
	magnitude := p.Magnitude()
	stored.Maker, stored.Long, stored.Short = 0, 0, 0
	switch p.Side() {
	case SideMaker:
		stored.Maker = magnitude
	case SideLong:
		stored.Long = magnitude
	case SideShort:
		stored.Short = magnitude
	}
	return stored, nil
}

// CheckStorage validates an account's local state.
func (l Local) CheckStorage() error {
	return firstInvalid("Local",
		fieldCheck{"CurrentID", l.CurrentID <= maxUint32},
		fieldCheck{"LatestID", l.LatestID <= maxUint32},
		fieldCheck{"Reward", fitsU(l.Reward, maxUint62)},
		fieldCheck{"Protection", l.Protection <= maxUint32},
		fieldCheck{"ProtectionAmount", fitsU(l.ProtectionAmount, maxUint48)},
	)
}

func checkProtocolStorage(pp ProtocolParameter) error {
	return firstInvalid("ProtocolParameter",
		fieldCheck{"ProtocolFee", fitsU(pp.ProtocolFee, maxUint24)},
		fieldCheck{"MaxFee", fitsU(pp.MaxFee, maxUint24)},
		fieldCheck{"MaxFeeAbsolute", fitsU(pp.MaxFeeAbsolute, maxUint48)},
		fieldCheck{"MaxCut", fitsU(pp.MaxCut, maxUint24)},
		fieldCheck{"MaxRate", fitsU(pp.MaxRate, maxUint32)},
		fieldCheck{"MinMaintenance", fitsU(pp.MinMaintenance, maxUint24)},
		fieldCheck{"MinEfficiency", fitsU(pp.MinEfficiency, maxUint24)},
	)
}

func checkRiskStorage(rp RiskParameter) error {
	return firstInvalid("RiskParameter",
		fieldCheck{"Margin", fitsU(rp.Margin, maxUint24)},
		fieldCheck{"Maintenance", fitsU(rp.Maintenance, maxUint24)},
		fieldCheck{"TakerFee", fitsU(rp.TakerFee, maxUint24)},
		fieldCheck{"TakerSkewFee", fitsU(rp.TakerSkewFee, maxUint24)},
		fieldCheck{"TakerImpactFee", fitsU(rp.TakerImpactFee, maxUint24)},
		fieldCheck{"MakerFee", fitsU(rp.MakerFee, maxUint24)},
		fieldCheck{"MakerImpactFee", fitsU(rp.MakerImpactFee, maxUint24)},
		fieldCheck{"MakerLimit", fitsU(rp.MakerLimit, maxUint62)},
		fieldCheck{"EfficiencyLimit", fitsU(rp.EfficiencyLimit, maxUint24)},
		fieldCheck{"LiquidationFee", fitsU(rp.LiquidationFee, maxUint24)},
		fieldCheck{"MinLiquidationFee", fitsU(rp.MinLiquidationFee, maxUint48)},
		fieldCheck{"MaxLiquidationFee", fitsU(rp.MaxLiquidationFee, maxUint48)},
		fieldCheck{"UtilizationCurve.MinRate", fitsU(rp.UtilizationCurve.MinRate, maxUint32)},
		fieldCheck{"UtilizationCurve.MaxRate", fitsU(rp.UtilizationCurve.MaxRate, maxUint32)},
		fieldCheck{"UtilizationCurve.TargetRate", fitsU(rp.UtilizationCurve.TargetRate, maxUint32)},
		fieldCheck{"UtilizationCurve.TargetUtilization", fitsU(rp.UtilizationCurve.TargetUtilization, maxUint32)},
		fieldCheck{"PController.K", fitsU(rp.PController.K, maxUint48)},
		fieldCheck{"PController.Min", fitsI(rp.PController.Min, minInt32, maxInt32)},
		fieldCheck{"PController.Max", fitsI(rp.PController.Max, minInt32, maxInt32)},
		fieldCheck{"MinMargin", fitsU(rp.MinMargin, maxUint48)},
		fieldCheck{"MinMaintenance", fitsU(rp.MinMaintenance, maxUint48)},
		fieldCheck{"SkewScale", fitsU(rp.SkewScale, maxUint48)},
		fieldCheck{"StaleAfter", rp.StaleAfter <= maxUint24},
	)
}

func checkMarketStorage(mp MarketParameter) error {
	return firstInvalid("MarketParameter",
		fieldCheck{"FundingFee", fitsU(mp.FundingFee, maxUint24)},
		fieldCheck{"InterestFee", fitsU(mp.InterestFee, maxUint24)},
		fieldCheck{"PositionFee", fitsU(mp.PositionFee, maxUint24)},
		fieldCheck{"OracleFee", fitsU(mp.OracleFee, maxUint24)},
		fieldCheck{"RiskFee", fitsU(mp.RiskFee, maxUint24)},
		fieldCheck{"MaxPendingGlobal", mp.MaxPendingGlobal <= maxUint16},
		fieldCheck{"MaxPendingLocal", mp.MaxPendingLocal <= maxUint16},
		fieldCheck{"SettlementFee", fitsU(mp.SettlementFee, maxUint48)},
		fieldCheck{"MakerRewardRate", fitsU(mp.MakerRewardRate, maxUint48)},
		fieldCheck{"LongRewardRate", fitsU(mp.LongRewardRate, maxUint48)},
		fieldCheck{"ShortRewardRate", fitsU(mp.ShortRewardRate, maxUint48)},
	)
}
