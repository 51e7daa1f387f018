package market

import (
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
)

func (m *Market) observeUpdate(err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.MarketUpdates.WithLabelValues(m.name, Label(err)).Inc()
}

// observe exports committed settlement records and forwards them to the
// factory sink. It must be called with m.mu held.
func (m *Market) observe(records []event.Record) {
	defer m.factory.emit(records)
	for _, r := range records {
		switch p := r.Payload.(type) {
		case PositionProcessed:
			m.logger.Debug().
				Uint64("from", p.FromTimestamp).
				Uint64("to", p.ToTimestamp).
				Bool("valid", p.Valid).
				Str("price", p.Price.String()).
				Str("fee", p.Fee.String()).
				Msg("position processed")
			if m.metrics == nil {
				continue
			}
			m.metrics.SettlementSteps.WithLabelValues(m.name, "global").Inc()
			if !p.Valid {
				m.metrics.InvalidVersions.WithLabelValues(m.name).Inc()
			}
			res := p.Result
			m.metrics.SettlementFunding.WithLabelValues(m.name).Add(toFloat(res.FundingLong.Abs().Add(res.FundingShort.Abs())))
			m.metrics.SettlementInterest.WithLabelValues(m.name).Add(toFloat(res.InterestLong.Abs().Add(res.InterestShort.Abs())))
			m.metrics.SettlementPnL.WithLabelValues(m.name).Add(toFloat(res.PnlMaker.Abs()))
			m.metrics.SettlementFees.WithLabelValues(m.name, "position").Add(toFloat(res.PositionFeeFee))
			m.metrics.SettlementFees.WithLabelValues(m.name, "funding").Add(toFloat(res.FundingFee))
			m.metrics.SettlementFees.WithLabelValues(m.name, "interest").Add(toFloat(res.InterestFee))
		case AccountPositionProcessed:
			if m.metrics != nil {
				m.metrics.SettlementSteps.WithLabelValues(m.name, "local").Inc()
			}
		case Updated:
			m.logger.Info().
				Str("account", r.Account.Hex()).
				Str("sender", p.Sender.Hex()).
				Str("maker", p.Maker.String()).
				Str("long", p.Long.String()).
				Str("short", p.Short.String()).
				Str("collateral", p.Collateral.String()).
				Bool("protect", p.Protect).
				Msg("account updated")
		}
	}
}

func toFloat(v fpmath.UFixed6) float64 {
	return v.Decimal().InexactFloat64()
}
