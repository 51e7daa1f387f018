package state

import (
	fpmath "PerpSettle/internal/math"
)

// Global is the market-wide carry state between settlements.
type Global struct {
	CurrentID    uint64               `json:"currentId"`
	LatestID     uint64               `json:"latestId"`
	ProtocolFee  fpmath.UFixed6       `json:"protocolFee"`
	OracleFee    fpmath.UFixed6       `json:"oracleFee"`
	RiskFee      fpmath.UFixed6       `json:"riskFee"`
	Donation     fpmath.UFixed6       `json:"donation"`
	PAccumulator fpmath.PAccumulator6 `json:"pAccumulator"`
	LatestPrice  fpmath.Fixed6        `json:"latestPrice"`
}

// Update records that latestID settled with the given fee and keeper amounts.
// The protocol takes its cut first; the market remainder is split into
// oracle, risk and donation.
func (g *Global) Update(latestID uint64, fee, keeper fpmath.UFixed6, mp MarketParameter, pp ProtocolParameter) {
	protocolFee := fee.Mul(pp.ProtocolFee)
	marketFee := fee.Sub(protocolFee)

	oracleFee := marketFee.Mul(mp.OracleFee)
	riskFee := marketFee.Mul(mp.RiskFee)
	donation := marketFee.Sub(oracleFee).Sub(riskFee)

	g.LatestID = latestID
	g.ProtocolFee = g.ProtocolFee.Add(protocolFee)
	g.OracleFee = g.OracleFee.Add(keeper).Add(oracleFee)
	g.RiskFee = g.RiskFee.Add(riskFee)
	g.Donation = g.Donation.Add(donation)
}

// UpdateLatestPrice tracks the last valid price.
func (g *Global) UpdateLatestPrice(version OracleVersion) {
	if version.Valid {
		g.LatestPrice = version.Price
	}
}
