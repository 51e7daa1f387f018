// internal/state/order.go
package state

import (
	fpmath "PerpSettle/internal/math"
)

// Order is the change to a position between two versions, split into
// increases (Pos) and decreases (Neg) per side.
type Order struct {
	Timestamp  uint64         `json:"timestamp"`
	Orders     uint64         `json:"orders"`
	Collateral fpmath.Fixed6  `json:"collateral"`
	MakerPos   fpmath.UFixed6 `json:"makerPos"`
	MakerNeg   fpmath.UFixed6 `json:"makerNeg"`
	LongPos    fpmath.UFixed6 `json:"longPos"`
	LongNeg    fpmath.UFixed6 `json:"longNeg"`
	ShortPos   fpmath.UFixed6 `json:"shortPos"`
	ShortNeg   fpmath.UFixed6 `json:"shortNeg"`
	Fee        fpmath.UFixed6 `json:"fee"`
	Keeper     fpmath.UFixed6 `json:"keeper"`
}

// NewOrder builds the order that moves current to the requested magnitudes.
func NewOrder(timestamp uint64, current Position, newMaker, newLong, newShort fpmath.UFixed6, collateral fpmath.Fixed6) Order {
	o := Order{Timestamp: timestamp, Collateral: collateral}
	o.MakerPos, o.MakerNeg = splitDelta(current.Maker, newMaker)
	o.LongPos, o.LongNeg = splitDelta(current.Long, newLong)
	o.ShortPos, o.ShortNeg = splitDelta(current.Short, newShort)
	if !o.Empty() {
		o.Orders = 1
	}
	return o
}

func splitDelta(from, to fpmath.UFixed6) (pos, neg fpmath.UFixed6) {
	if to.Gt(from) {
		return to.Sub(from), 0
	}
	return 0, from.Sub(to)
}

// Add merges another order placed at the same timestamp.
func (o *Order) Add(other Order) {
	o.Orders += other.Orders
	o.Collateral = o.Collateral.Add(other.Collateral)
	o.MakerPos = o.MakerPos.Add(other.MakerPos)
	o.MakerNeg = o.MakerNeg.Add(other.MakerNeg)
	o.LongPos = o.LongPos.Add(other.LongPos)
	o.LongNeg = o.LongNeg.Add(other.LongNeg)
	o.ShortPos = o.ShortPos.Add(other.ShortPos)
	o.ShortNeg = o.ShortNeg.Add(other.ShortNeg)
	o.Fee = o.Fee.Add(other.Fee)
	o.Keeper = o.Keeper.Add(other.Keeper)
}

func (o Order) Pos() fpmath.UFixed6 { return o.MakerPos.Add(o.LongPos).Add(o.ShortPos) }
func (o Order) Neg() fpmath.UFixed6 { return o.MakerNeg.Add(o.LongNeg).Add(o.ShortNeg) }

// Empty reports whether the order leaves every magnitude unchanged.
func (o Order) Empty() bool { return o.Pos().IsZero() && o.Neg().IsZero() }

func (o Order) IncreasesPosition() bool { return !o.Pos().IsZero() }
func (o Order) IncreasesMaker() bool    { return !o.MakerPos.IsZero() }
func (o Order) IncreasesTaker() bool    { return !o.LongPos.IsZero() || !o.ShortPos.IsZero() }

// Maker, Long and Short are the net signed changes per side.
func (o Order) Maker() fpmath.Fixed6 { return o.MakerPos.Fixed().Sub(o.MakerNeg.Fixed()) }
func (o Order) Long() fpmath.Fixed6  { return o.LongPos.Fixed().Sub(o.LongNeg.Fixed()) }
func (o Order) Short() fpmath.Fixed6 { return o.ShortPos.Fixed().Sub(o.ShortNeg.Fixed()) }

// DecreasesLiquidity reports whether the order, already applied to current,
// removes maker backing or widens the taker imbalance.
func (o Order) DecreasesLiquidity(current Position) bool {
	currentSkew := current.Long.Fixed().Sub(current.Short.Fixed())
	previousSkew := currentSkew.Sub(o.Long().Sub(o.Short()))
	return o.Maker().Lt(fpmath.ZeroFixed6) || currentSkew.Abs().Gt(previousSkew.Abs())
}

// DecreasesEfficiency reports whether the order, already applied to current,
// removes maker backing or grows the major side.
func (o Order) DecreasesEfficiency(current Position) bool {
	previousMajor := current.Long.Fixed().Sub(o.Long()).Max(current.Short.Fixed().Sub(o.Short()))
	return o.Maker().Lt(fpmath.ZeroFixed6) || current.Major().Fixed().Gt(previousMajor)
}

// LiquidityCheckApplicable reports whether liquidity and efficiency limits
// apply to this order. Decreases are waived when the market flags allow it.
func (o Order) LiquidityCheckApplicable(mp MarketParameter) bool {
	if mp.Closed {
		return false
	}
	makerOK := o.Maker().IsZero() || !mp.MakerCloseAlways || o.IncreasesMaker()
	takerOK := (o.Long().IsZero() && o.Short().IsZero()) || !mp.TakerCloseAlways || o.IncreasesTaker()
	return makerOK && takerOK
}

// RegisterFee charges the trading fee of the order at price. before and
// after are the global position around the order.
func (o *Order) RegisterFee(price fpmath.Fixed6, before, after Position, mp MarketParameter, rp RiskParameter) {
	if o.Empty() {
		o.Fee, o.Keeper = 0, 0
		return
	}
	o.Keeper = mp.SettlementFee
	if mp.Closed {
		o.Fee = 0
		return
	}

	absPrice := price.Abs()

	makerDelta := o.MakerPos.Add(o.MakerNeg)
	makerRate := rp.MakerFee.Add(rp.MakerImpactFee.Mul(after.Utilization()))
	makerFee := makerDelta.Mul(absPrice).Mul(makerRate)

	takerDelta := o.LongPos.Add(o.LongNeg).Add(o.ShortPos).Add(o.ShortNeg)
	beforeSkew := before.Skew(rp.SkewScale).Abs()
	afterSkew := after.Skew(rp.SkewScale).Abs()
	impact := afterSkew.SaturatingSub(beforeSkew)
	takerRate := rp.TakerFee.
		Add(rp.TakerSkewFee.Mul(afterSkew)).
		Add(rp.TakerImpactFee.Mul(impact))
	takerFee := takerDelta.Mul(absPrice).Mul(takerRate)

	o.Fee = makerFee.Add(takerFee)
}
