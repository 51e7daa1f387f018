// internal/state/version.go
package state

import (
	fpmath "PerpSettle/internal/math"
)

// Version holds the per-unit accumulators at a settled timestamp.
type Version struct {
	Valid       bool                 `json:"valid"`
	MakerValue  fpmath.Accumulator6  `json:"makerValue"`
	LongValue   fpmath.Accumulator6  `json:"longValue"`
	ShortValue  fpmath.Accumulator6  `json:"shortValue"`
	MakerReward fpmath.UAccumulator6 `json:"makerReward"`
	LongReward  fpmath.UAccumulator6 `json:"longReward"`
	ShortReward fpmath.UAccumulator6 `json:"shortReward"`
}

// AccumulationContext is everything one settlement step depends on.
type AccumulationContext struct {
	Global            Global
	FromPosition      Position
	ToPosition        Position
	FromOracleVersion OracleVersion
	ToOracleVersion   OracleVersion
	MarketParameter   MarketParameter
	RiskParameter     RiskParameter
}

// VersionAccumulationResult breaks a settlement step down by stage.
type VersionAccumulationResult struct {
	PositionFeeMaker fpmath.UFixed6 `json:"positionFeeMaker"`
	PositionFeeFee   fpmath.UFixed6 `json:"positionFeeFee"`

	FundingMaker fpmath.Fixed6  `json:"fundingMaker"`
	FundingLong  fpmath.Fixed6  `json:"fundingLong"`
	FundingShort fpmath.Fixed6  `json:"fundingShort"`
	FundingFee   fpmath.UFixed6 `json:"fundingFee"`

	InterestMaker fpmath.Fixed6  `json:"interestMaker"`
	InterestLong  fpmath.Fixed6  `json:"interestLong"`
	InterestShort fpmath.Fixed6  `json:"interestShort"`
	InterestFee   fpmath.UFixed6 `json:"interestFee"`

	PnlMaker fpmath.Fixed6 `json:"pnlMaker"`
	PnlLong  fpmath.Fixed6 `json:"pnlLong"`
	PnlShort fpmath.Fixed6 `json:"pnlShort"`

	RewardMaker fpmath.UFixed6 `json:"rewardMaker"`
	RewardLong  fpmath.UFixed6 `json:"rewardLong"`
	RewardShort fpmath.UFixed6 `json:"rewardShort"`
}

// Accumulate settles one step from ctx.FromOracleVersion to
// ctx.ToOracleVersion. It returns the next version, the global state with the
// funding controller advanced, the per-stage breakdown and the total fee
// collected for the protocol. It panics with fpmath.ErrOverflow on overflow.
func (v Version) Accumulate(ctx AccumulationContext) (Version, Global, VersionAccumulationResult, fpmath.UFixed6) {
	next := v
	global := ctx.Global
	var result VersionAccumulationResult

	if ctx.MarketParameter.Closed {
		next.Valid = true
		next.accumulatePositionFee(ctx, &result)
		return next, global, result, result.PositionFeeFee
	}
	next.Valid = ctx.ToOracleVersion.Valid

	next.accumulatePositionFee(ctx, &result)
	next.accumulateFunding(ctx, &global, &result)
	next.accumulateInterest(ctx, &result)
	if next.Valid {
		next.accumulatePNL(ctx, &result)
	}
	next.accumulateReward(ctx, &result)

	fee := result.PositionFeeFee.Add(result.FundingFee).Add(result.InterestFee)
	return next, global, result, fee
}

func elapsed(ctx AccumulationContext) uint64 {
	if ctx.ToOracleVersion.Timestamp <= ctx.FromOracleVersion.Timestamp {
		return 0
	}
	return ctx.ToOracleVersion.Timestamp - ctx.FromOracleVersion.Timestamp
}

func (v *Version) accumulatePositionFee(ctx AccumulationContext, r *VersionAccumulationResult) {
	fee := ctx.ToPosition.Fee
	if ctx.FromPosition.Maker.IsZero() {
		r.PositionFeeFee = fee
		return
	}
	r.PositionFeeFee = fee.Mul(ctx.MarketParameter.PositionFee)
	r.PositionFeeMaker = fee.Sub(r.PositionFeeFee)
	v.MakerValue.Increment(r.PositionFeeMaker.Fixed(), ctx.FromPosition.Maker)
}

func (v *Version) accumulateFunding(ctx AccumulationContext, global *Global, r *VersionAccumulationResult) {
	from := ctx.FromPosition
	if elapsed(ctx) == 0 || from.Major().IsZero() {
		return
	}

	rp := ctx.RiskParameter
	skew := from.Skew(rp.SkewScale)
	notional := from.TakerSocialized().Mul(ctx.FromOracleVersion.Price.Abs())

	var funding fpmath.Fixed6
	global.PAccumulator, funding = global.PAccumulator.Accumulate(
		rp.PController,
		skew,
		ctx.FromOracleVersion.Timestamp,
		ctx.ToOracleVersion.Timestamp,
		notional,
	)
	if rp.MakerReceiveOnly && funding.Sign() != skew.Sign() {
		funding = funding.Neg()
	}

	distributeFunding(funding, from, ctx.MarketParameter, r)

	v.MakerValue.Increment(r.FundingMaker, from.Maker)
	v.LongValue.Increment(r.FundingLong, from.Long)
	v.ShortValue.Increment(r.FundingShort, from.Short)
}

// distributeFunding splits a funding amount paid by longs (positive) or
// shorts (negative) between the sides and the protocol fee. The portion of
// the minor side backed by makers is redirected to makers.
func distributeFunding(funding fpmath.Fixed6, from Position, mp MarketParameter, r *VersionAccumulationResult) {
	fee := funding.Abs().Mul(mp.FundingFee)
	spread := fee.Fixed().Div(fpmath.Fixed6FromInt(2))

	r.FundingFee = fee
	r.FundingLong = funding.Neg().Sub(fee.Fixed()).Add(spread)
	r.FundingShort = funding.Sub(spread)

	portion := from.SocializedMakerPortion().Fixed()
	if from.Long.Gt(from.Short) {
		r.FundingMaker = r.FundingShort.Mul(portion)
		r.FundingShort = r.FundingShort.Sub(r.FundingMaker)
	}
	if from.Short.Gt(from.Long) {
		r.FundingMaker = r.FundingLong.Mul(portion)
		r.FundingLong = r.FundingLong.Sub(r.FundingMaker)
	}
}

func (v *Version) accumulateInterest(ctx AccumulationContext, r *VersionAccumulationResult) {
	from := ctx.FromPosition
	taker := from.Long.Add(from.Short)
	if elapsed(ctx) == 0 || taker.IsZero() {
		return
	}

	notional := taker.Min(from.Maker).Mul(ctx.FromOracleVersion.Price.Abs())
	interest := ctx.RiskParameter.UtilizationCurve.Accumulate(
		from.Utilization(),
		ctx.FromOracleVersion.Timestamp,
		ctx.ToOracleVersion.Timestamp,
		notional,
	)

	fee := interest.Mul(ctx.MarketParameter.InterestFee)
	interestLong := interest.MulDiv(from.Long, taker)
	interestShort := interest.Sub(interestLong)

	r.InterestFee = fee
	r.InterestMaker = interest.Sub(fee).Fixed()
	r.InterestLong = interestLong.Fixed().Neg()
	r.InterestShort = interestShort.Fixed().Neg()

	v.MakerValue.Increment(r.InterestMaker, from.Maker)
	v.LongValue.Increment(r.InterestLong, from.Long)
	v.ShortValue.Increment(r.InterestShort, from.Short)
}

func (v *Version) accumulatePNL(ctx AccumulationContext, r *VersionAccumulationResult) {
	from := ctx.FromPosition
	delta := ctx.ToOracleVersion.Price.Sub(ctx.FromOracleVersion.Price)

	r.PnlLong = delta.Mul(from.LongSocialized().Fixed())
	r.PnlShort = delta.Mul(from.ShortSocialized().Fixed()).Neg()
	r.PnlMaker = r.PnlLong.Add(r.PnlShort).Neg()

	v.LongValue.Increment(r.PnlLong, from.Long)
	v.ShortValue.Increment(r.PnlShort, from.Short)
	v.MakerValue.Increment(r.PnlMaker, from.Maker)
}

func (v *Version) accumulateReward(ctx AccumulationContext, r *VersionAccumulationResult) {
	from := ctx.FromPosition
	seconds := elapsed(ctx)
	if seconds == 0 {
		return
	}
	duration := fpmath.UFixed6FromInt(seconds)
	mp := ctx.MarketParameter

	if !from.Maker.IsZero() {
		r.RewardMaker = duration.Mul(mp.MakerRewardRate)
		v.MakerReward.Increment(r.RewardMaker, from.Maker)
	}
	if !from.Long.IsZero() {
		r.RewardLong = duration.Mul(mp.LongRewardRate)
		v.LongReward.Increment(r.RewardLong, from.Long)
	}
	if !from.Short.IsZero() {
		r.RewardShort = duration.Mul(mp.ShortRewardRate)
		v.ShortReward.Increment(r.RewardShort, from.Short)
	}
}
