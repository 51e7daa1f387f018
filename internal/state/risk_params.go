package state

import (
	fpmath "PerpSettle/internal/math"
)

// ProtocolParameter holds protocol-wide caps that bound every market.
type ProtocolParameter struct {
	ProtocolFee    fpmath.UFixed6 `json:"protocolFee"`
	MaxFee         fpmath.UFixed6 `json:"maxFee"`
	MaxFeeAbsolute fpmath.UFixed6 `json:"maxFeeAbsolute"`
	MaxCut         fpmath.UFixed6 `json:"maxCut"`
	MaxRate        fpmath.UFixed6 `json:"maxRate"`
	MinMaintenance fpmath.UFixed6 `json:"minMaintenance"`
	MinEfficiency  fpmath.UFixed6 `json:"minEfficiency"`
}

// RiskParameter defines margin requirements, fees and rate models per market
type RiskParameter struct {
	Margin            fpmath.UFixed6          `json:"margin"`
	Maintenance       fpmath.UFixed6          `json:"maintenance"`
	TakerFee          fpmath.UFixed6          `json:"takerFee"`
	TakerSkewFee      fpmath.UFixed6          `json:"takerSkewFee"`
	TakerImpactFee    fpmath.UFixed6          `json:"takerImpactFee"`
	MakerFee          fpmath.UFixed6          `json:"makerFee"`
	MakerImpactFee    fpmath.UFixed6          `json:"makerImpactFee"`
	MakerLimit        fpmath.UFixed6          `json:"makerLimit"`
	EfficiencyLimit   fpmath.UFixed6          `json:"efficiencyLimit"`
	LiquidationFee    fpmath.UFixed6          `json:"liquidationFee"`
	MinLiquidationFee fpmath.UFixed6          `json:"minLiquidationFee"`
	MaxLiquidationFee fpmath.UFixed6          `json:"maxLiquidationFee"`
	UtilizationCurve  fpmath.UtilizationCurve `json:"utilizationCurve"`
	PController       fpmath.PController6     `json:"pController"`
	MinMargin         fpmath.UFixed6          `json:"minMargin"`
	MinMaintenance    fpmath.UFixed6          `json:"minMaintenance"`
	SkewScale         fpmath.UFixed6          `json:"skewScale"`
	StaleAfter        uint64                  `json:"staleAfter"`
	MakerReceiveOnly  bool                    `json:"makerReceiveOnly"`
}

// Validate checks that protocol parameters are internally consistent.
func (pp ProtocolParameter) Validate() error {
	if pp.MaxCut.Gt(fpmath.OneUFixed6) {
		return &ParameterError{"ProtocolParameter", "MaxCut", "must be <= 1"}
	}
	if pp.ProtocolFee.Gt(pp.MaxCut) {
		return &ParameterError{"ProtocolParameter", "ProtocolFee", "exceeds maxCut"}
	}
	return checkProtocolStorage(pp)
}

// Validate checks risk parameters against the protocol caps.
func (rp RiskParameter) Validate(pp ProtocolParameter) error {
	fees := []struct {
		name  string
		value fpmath.UFixed6
	}{
		{"TakerFee", rp.TakerFee},
		{"TakerSkewFee", rp.TakerSkewFee},
		{"TakerImpactFee", rp.TakerImpactFee},
		{"MakerFee", rp.MakerFee},
		{"MakerImpactFee", rp.MakerImpactFee},
	}
	for _, f := range fees {
		if f.value.Gt(pp.MaxFee) {
			return &ParameterError{"RiskParameter", f.name, "exceeds maxFee"}
		}
	}

	if rp.MinLiquidationFee.Gt(pp.MaxFeeAbsolute) {
		return &ParameterError{"RiskParameter", "MinLiquidationFee", "exceeds maxFeeAbsolute"}
	}
	if rp.MaxLiquidationFee.Gt(pp.MaxFeeAbsolute) {
		return &ParameterError{"RiskParameter", "MaxLiquidationFee", "exceeds maxFeeAbsolute"}
	}
	if rp.LiquidationFee.Gt(pp.MaxCut) {
		return &ParameterError{"RiskParameter", "LiquidationFee", "exceeds maxCut"}
	}

	curve := rp.UtilizationCurve
	if curve.MinRate.Gt(pp.MaxRate) || curve.TargetRate.Gt(pp.MaxRate) || curve.MaxRate.Gt(pp.MaxRate) {
		return &ParameterError{"RiskParameter", "UtilizationCurve", "rate exceeds maxRate"}
	}
	if curve.MinRate.Gt(curve.TargetRate) || curve.TargetRate.Gt(curve.MaxRate) {
		return &ParameterError{"RiskParameter", "UtilizationCurve", "rates must be non-decreasing"}
	}
	if curve.TargetUtilization.Gt(fpmath.OneUFixed6) {
		return &ParameterError{"RiskParameter", "UtilizationCurve", "targetUtilization must be <= 1"}
	}

	if rp.PController.K.IsZero() {
		return &ParameterError{"RiskParameter", "PController", "k must be > 0"}
	}
	if rp.PController.Min.Gt(rp.PController.Max) {
		return &ParameterError{"RiskParameter", "PController", "min exceeds max"}
	}
	if rp.PController.Max.Abs().Gt(pp.MaxRate) || rp.PController.Min.Abs().Gt(pp.MaxRate) {
		return &ParameterError{"RiskParameter", "PController", "bound exceeds maxRate"}
	}

	if rp.MinMaintenance.Lt(rp.MinLiquidationFee) {
		return &ParameterError{"RiskParameter", "MinMaintenance", "below minLiquidationFee"}
	}
	if rp.Margin.Lt(rp.Maintenance) {
		return &ParameterError{"RiskParameter", "Margin", "below maintenance"}
	}
	if rp.MinMargin.Lt(rp.MinMaintenance) {
		return &ParameterError{"RiskParameter", "MinMargin", "below minMaintenance"}
	}
	if rp.Maintenance.Lt(pp.MinMaintenance) {
		return &ParameterError{"RiskParameter", "Maintenance", "below protocol minMaintenance"}
	}
	if rp.EfficiencyLimit.Lt(pp.MinEfficiency) {
		return &ParameterError{"RiskParameter", "EfficiencyLimit", "below protocol minEfficiency"}
	}

	return checkRiskStorage(rp)
}
