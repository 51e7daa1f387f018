package state

import (
	fpmath "PerpSettle/internal/math"
)

// MarketParameter holds the fee cuts and operating flags of a market.
type MarketParameter struct {
	FundingFee       fpmath.UFixed6 `json:"fundingFee"`
	InterestFee      fpmath.UFixed6 `json:"interestFee"`
	PositionFee      fpmath.UFixed6 `json:"positionFee"`
	OracleFee        fpmath.UFixed6 `json:"oracleFee"`
	RiskFee          fpmath.UFixed6 `json:"riskFee"`
	MaxPendingGlobal uint64         `json:"maxPendingGlobal"`
	MaxPendingLocal  uint64         `json:"maxPendingLocal"`
	SettlementFee    fpmath.UFixed6 `json:"settlementFee"`
	MakerRewardRate  fpmath.UFixed6 `json:"makerRewardRate"`
	LongRewardRate   fpmath.UFixed6 `json:"longRewardRate"`
	ShortRewardRate  fpmath.UFixed6 `json:"shortRewardRate"`
	TakerCloseAlways bool           `json:"takerCloseAlways"`
	MakerCloseAlways bool           `json:"makerCloseAlways"`
	Closed           bool           `json:"closed"`
}

// Validate checks market parameters against the protocol caps.
func (mp MarketParameter) Validate(pp ProtocolParameter) error {
	cuts := []struct {
		name  string
		value fpmath.UFixed6
	}{
		{"FundingFee", mp.FundingFee},
		{"InterestFee", mp.InterestFee},
		{"PositionFee", mp.PositionFee},
	}
	for _, c := range cuts {
		if c.value.Gt(pp.MaxCut) {
			return &ParameterError{"MarketParameter", c.name, "exceeds maxCut"}
		}
	}
	if mp.OracleFee.Add(mp.RiskFee).Gt(fpmath.OneUFixed6) {
		return &ParameterError{"MarketParameter", "OracleFee", "oracleFee + riskFee exceeds 1"}
	}
	if mp.SettlementFee.Gt(pp.MaxFeeAbsolute) {
		return &ParameterError{"MarketParameter", "SettlementFee", "exceeds maxFeeAbsolute"}
	}
	return checkMarketStorage(mp)
}
