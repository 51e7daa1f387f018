package state

import (
	"testing"

	fpmath "PerpSettle/internal/math"
)

var (
	u6 = fpmath.MustParseUFixed6
	f6 = fpmath.MustParseFixed6
)

func fundingRiskParameter() RiskParameter {
	return RiskParameter{
		PController: fpmath.PController6{K: u6("40000"), Min: f6("-1.2"), Max: f6("1.2")},
	}
}

func checkConservation(t *testing.T, r VersionAccumulationResult, positionFee fpmath.UFixed6) {
	t.Helper()
	if got := r.PositionFeeMaker.Add(r.PositionFeeFee); got != positionFee {
		t.Errorf("position fee: maker+fee = %v, want %v", got, positionFee)
	}
	if got := r.FundingMaker.Add(r.FundingLong).Add(r.FundingShort).Add(r.FundingFee.Fixed()); got != 0 {
		t.Errorf("funding: sum = %v, want 0", got)
	}
	if got := r.InterestMaker.Add(r.InterestLong).Add(r.InterestShort).Add(r.InterestFee.Fixed()); got != 0 {
		t.Errorf("interest: sum = %v, want 0", got)
	}
	if got := r.PnlMaker.Add(r.PnlLong).Add(r.PnlShort); got != 0 {
		t.Errorf("pnl: sum = %v, want 0", got)
	}
}

// ============================================================================
// Test: funding
// ============================================================================

func TestDistributeFunding_SocializedSplit(t *testing.T) {
	from := Position{Maker: u6("10"), Long: u6("12"), Short: u6("8")}
	mp := MarketParameter{FundingFee: u6("0.02")}

	var r VersionAccumulationResult
	distributeFunding(fpmath.Fixed6(1770), from, mp, &r)

	if r.FundingFee != 35 {
		t.Errorf("fundingFee: got %d, want 35", r.FundingFee)
	}
	if r.FundingMaker != 584 {
		t.Errorf("fundingMaker: got %d, want 584", r.FundingMaker)
	}
	if r.FundingLong != -1788 {
		t.Errorf("fundingLong: got %d, want -1788", r.FundingLong)
	}
	if r.FundingShort != 1169 {
		t.Errorf("fundingShort: got %d, want 1169", r.FundingShort)
	}
	checkConservation(t, r, 0)

	var v Version
	v.MakerValue.Increment(r.FundingMaker, from.Maker)
	v.LongValue.Increment(r.FundingLong, from.Long)
	v.ShortValue.Increment(r.FundingShort, from.Short)
	if v.MakerValue.Value != 58 || v.LongValue.Value != -149 || v.ShortValue.Value != 146 {
		t.Errorf("values: got maker=%d long=%d short=%d, want 58 -149 146",
			v.MakerValue.Value, v.LongValue.Value, v.ShortValue.Value)
	}
}

func TestAccumulate_FundingFixture(t *testing.T) {
	from := Position{Timestamp: 0, Maker: u6("10"), Long: u6("12"), Short: u6("8")}
	ctx := AccumulationContext{
		Global:            Global{PAccumulator: fpmath.PAccumulator6{Value: f6("0.007505"), Skew: f6("0.000002")}},
		FromPosition:      from,
		ToPosition:        from,
		FromOracleVersion: OracleVersion{Timestamp: 0, Price: f6("123"), Valid: true},
		ToOracleVersion:   OracleVersion{Timestamp: 3600, Price: f6("123"), Valid: true},
		MarketParameter:   MarketParameter{FundingFee: u6("0.02")},
		RiskParameter: RiskParameter{
			PController: fpmath.PController6{K: u6("1.2"), Min: fpmath.Fixed6(-40000), Max: fpmath.Fixed6(40000)},
		},
	}

	next, global, r, fee := Version{}.Accumulate(ctx)

	// 0.007505 + 3600 * 0.000002 / 1.2
	if global.PAccumulator.Value != f6("0.013505") {
		t.Errorf("pAccumulator value: got %v, want 0.013505", global.PAccumulator.Value)
	}
	if global.PAccumulator.Skew != from.Skew(ctx.RiskParameter.SkewScale) {
		t.Errorf("pAccumulator skew: got %v, want the current skew %v", global.PAccumulator.Skew, from.Skew(ctx.RiskParameter.SkewScale))
	}
	if r.FundingFee != 35 || r.FundingMaker != 584 || r.FundingLong != -1788 || r.FundingShort != 1169 {
		t.Errorf("funding: got fee=%d maker=%d long=%d short=%d, want 35 584 -1788 1169",
			r.FundingFee, r.FundingMaker, r.FundingLong, r.FundingShort)
	}
	if next.MakerValue.Value != 58 || next.LongValue.Value != -149 || next.ShortValue.Value != 146 {
		t.Errorf("values: got maker=%d long=%d short=%d, want 58 -149 146",
			next.MakerValue.Value, next.LongValue.Value, next.ShortValue.Value)
	}
	if fee != 35 {
		t.Errorf("total fee: got %d, want 35", fee)
	}
	checkConservation(t, r, 0)
}

func TestAccumulate_FundingFromController(t *testing.T) {
	from := Position{Timestamp: 0, Maker: u6("10"), Long: u6("12"), Short: u6("8")}
	ctx := AccumulationContext{
		FromPosition:      from,
		ToPosition:        from,
		FromOracleVersion: OracleVersion{Timestamp: 0, Price: f6("123"), Valid: true},
		ToOracleVersion:   OracleVersion{Timestamp: 3600, Price: f6("123"), Valid: true},
		MarketParameter:   MarketParameter{FundingFee: u6("0.02")},
		RiskParameter:     fundingRiskParameter(),
	}

	// The controller is driven by the skew stored at the previous
	// settlement, so the first step accrues nothing.
	_, global, r, _ := Version{}.Accumulate(ctx)
	if global.PAccumulator.Value != 0 || global.PAccumulator.Skew != 333_333 {
		t.Errorf("first pAccumulator: got %+v, want {0 333333}", global.PAccumulator)
	}
	if r.FundingLong != 0 {
		t.Errorf("first step funding: got %d, want 0", r.FundingLong)
	}

	ctx.Global = global
	ctx.FromOracleVersion = OracleVersion{Timestamp: 3600, Price: f6("123"), Valid: true}
	ctx.ToOracleVersion = OracleVersion{Timestamp: 7200, Price: f6("123"), Valid: true}
	next, global, r, fee := Version{}.Accumulate(ctx)

	if global.PAccumulator.Value != 29_999 || global.PAccumulator.Skew != 333_333 {
		t.Errorf("pAccumulator: got %+v, want {29999 333333}", global.PAccumulator)
	}
	if r.FundingFee != 50 || r.FundingMaker != 833 || r.FundingLong != -2552 || r.FundingShort != 1669 {
		t.Errorf("funding: got fee=%d maker=%d long=%d short=%d, want 50 833 -2552 1669",
			r.FundingFee, r.FundingMaker, r.FundingLong, r.FundingShort)
	}
	if next.MakerValue.Value != 83 || next.LongValue.Value != -212 || next.ShortValue.Value != 208 {
		t.Errorf("values: got maker=%d long=%d short=%d, want 83 -212 208",
			next.MakerValue.Value, next.LongValue.Value, next.ShortValue.Value)
	}
	if fee != 50 {
		t.Errorf("total fee: got %d, want 50", fee)
	}
	if !next.Valid {
		t.Error("version should be valid")
	}
	checkConservation(t, r, 0)
}

func TestAccumulate_LongGapLargeNotional(t *testing.T) {
	from := Position{Maker: u6("10000"), Long: u6("5000"), Short: u6("3000")}
	ctx := AccumulationContext{
		Global:            Global{PAccumulator: fpmath.PAccumulator6{Value: f6("0.5")}},
		FromPosition:      from,
		ToPosition:        from,
		FromOracleVersion: OracleVersion{Timestamp: 0, Price: f6("3000"), Valid: true},
		ToOracleVersion:   OracleVersion{Timestamp: 30 * 24 * 3600, Price: f6("3000"), Valid: true},
		RiskParameter:     fundingRiskParameter(),
	}
	ctx.RiskParameter.UtilizationCurve = fpmath.UtilizationCurve{
		MinRate: u6("0.2"), TargetRate: u6("0.2"), MaxRate: u6("0.2"), TargetUtilization: u6("0.5"),
	}

	var (
		r   VersionAccumulationResult
		err error
	)
	func() {
		defer fpmath.Recover(&err)
		_, _, r, _ = Version{}.Accumulate(ctx)
	}()
	if err != nil {
		t.Fatalf("accumulate over 30 days: %v", err)
	}

	// 0.5 * 2592000 * (5000 * 3000) / 31536000
	if r.FundingLong != f6("-616438.356164") {
		t.Errorf("fundingLong: got %v, want -616438.356164", r.FundingLong)
	}
	// 0.2 * 2592000 * (8000 * 3000) / 31536000
	if r.InterestMaker != f6("394520.547945") {
		t.Errorf("interestMaker: got %v, want 394520.547945", r.InterestMaker)
	}
	checkConservation(t, r, 0)
}

func TestAccumulate_MakerReceiveOnlyFlipsOpposingFunding(t *testing.T) {
	ctx := AccumulationContext{
		Global:            Global{PAccumulator: fpmath.PAccumulator6{Value: f6("-1")}},
		FromPosition:      Position{Maker: u6("10"), Long: u6("12"), Short: u6("8")},
		FromOracleVersion: OracleVersion{Timestamp: 0, Price: f6("123"), Valid: true},
		ToOracleVersion:   OracleVersion{Timestamp: 3600, Price: f6("123"), Valid: true},
		RiskParameter:     fundingRiskParameter(),
	}

	_, _, r, _ := Version{}.Accumulate(ctx)
	if r.FundingLong.Sign() <= 0 {
		t.Fatalf("negative rate should pay longs, got fundingLong=%v", r.FundingLong)
	}

	ctx.RiskParameter.MakerReceiveOnly = true
	_, _, r, _ = Version{}.Accumulate(ctx)
	if r.FundingLong.Sign() >= 0 {
		t.Errorf("maker receive only should charge the long skew, got fundingLong=%v", r.FundingLong)
	}
	checkConservation(t, r, 0)
}

// ============================================================================
// Test: position fee, interest, pnl, reward
// ============================================================================

func TestAccumulate_PositionFeeWithoutMakers(t *testing.T) {
	ctx := AccumulationContext{
		FromPosition:      Position{Long: u6("1")},
		ToPosition:        Position{Long: u6("2"), Fee: u6("1.01")},
		FromOracleVersion: OracleVersion{Timestamp: 100, Price: f6("10"), Valid: true},
		ToOracleVersion:   OracleVersion{Timestamp: 100, Price: f6("10"), Valid: true},
		MarketParameter:   MarketParameter{PositionFee: u6("0.5")},
		RiskParameter:     fundingRiskParameter(),
	}

	next, _, r, fee := Version{}.Accumulate(ctx)
	if r.PositionFeeFee != u6("1.01") || r.PositionFeeMaker != 0 {
		t.Errorf("got fee=%v maker=%v, want 1.01 and 0", r.PositionFeeFee, r.PositionFeeMaker)
	}
	if next.MakerValue.Value != 0 {
		t.Errorf("makerValue changed to %v", next.MakerValue.Value)
	}
	if fee != u6("1.01") {
		t.Errorf("total fee: got %v, want 1.01", fee)
	}
}

func TestAccumulate_PositionFeeSplitWithMakers(t *testing.T) {
	ctx := AccumulationContext{
		FromPosition:      Position{Maker: u6("10")},
		ToPosition:        Position{Maker: u6("10"), Fee: u6("2")},
		FromOracleVersion: OracleVersion{Timestamp: 100, Price: f6("10"), Valid: true},
		ToOracleVersion:   OracleVersion{Timestamp: 100, Price: f6("10"), Valid: true},
		MarketParameter:   MarketParameter{PositionFee: u6("0.25")},
		RiskParameter:     fundingRiskParameter(),
	}

	next, _, r, _ := Version{}.Accumulate(ctx)
	if r.PositionFeeFee != u6("0.5") || r.PositionFeeMaker != u6("1.5") {
		t.Errorf("got fee=%v maker=%v, want 0.5 and 1.5", r.PositionFeeFee, r.PositionFeeMaker)
	}
	if next.MakerValue.Value != f6("0.15") {
		t.Errorf("makerValue: got %v, want 0.15", next.MakerValue.Value)
	}
	checkConservation(t, r, u6("2"))
}

func TestAccumulate_PNL(t *testing.T) {
	ctx := AccumulationContext{
		FromPosition:      Position{Maker: u6("10"), Long: u6("2"), Short: u6("9")},
		FromOracleVersion: OracleVersion{Timestamp: 100, Price: f6("100"), Valid: true},
		ToOracleVersion:   OracleVersion{Timestamp: 100, Price: f6("102"), Valid: true},
		RiskParameter:     fundingRiskParameter(),
	}

	next, _, r, _ := Version{}.Accumulate(ctx)
	if r.PnlMaker != f6("14") || r.PnlLong != f6("4") || r.PnlShort != f6("-18") {
		t.Errorf("pnl: got maker=%v long=%v short=%v, want 14 4 -18", r.PnlMaker, r.PnlLong, r.PnlShort)
	}
	if next.MakerValue.Value != f6("1.4") || next.LongValue.Value != f6("2") || next.ShortValue.Value != f6("-2") {
		t.Errorf("values: got maker=%v long=%v short=%v, want 1.4 2 -2",
			next.MakerValue.Value, next.LongValue.Value, next.ShortValue.Value)
	}
	checkConservation(t, r, 0)
}

func TestAccumulate_InvalidTargetSkipsPNL(t *testing.T) {
	ctx := AccumulationContext{
		FromPosition:      Position{Maker: u6("10"), Long: u6("2"), Short: u6("9")},
		FromOracleVersion: OracleVersion{Timestamp: 100, Price: f6("100"), Valid: true},
		ToOracleVersion:   OracleVersion{Timestamp: 100, Price: f6("150"), Valid: false},
		RiskParameter:     fundingRiskParameter(),
	}

	next, _, r, _ := Version{}.Accumulate(ctx)
	if next.Valid {
		t.Error("version should be invalid")
	}
	if r.PnlMaker != 0 || r.PnlLong != 0 || r.PnlShort != 0 {
		t.Errorf("pnl should be zero, got %v %v %v", r.PnlMaker, r.PnlLong, r.PnlShort)
	}
}

func TestAccumulate_Interest(t *testing.T) {
	rp := fundingRiskParameter()
	rp.UtilizationCurve = fpmath.UtilizationCurve{
		MinRate:           u6("0.1"),
		TargetRate:        u6("0.1"),
		MaxRate:           u6("0.1"),
		TargetUtilization: u6("0.5"),
	}
	ctx := AccumulationContext{
		FromPosition:      Position{Maker: u6("10"), Long: u6("12"), Short: u6("8")},
		FromOracleVersion: OracleVersion{Timestamp: 0, Price: f6("123"), Valid: true},
		ToOracleVersion:   OracleVersion{Timestamp: 3600, Price: f6("123"), Valid: true},
		MarketParameter:   MarketParameter{InterestFee: u6("0.1")},
		RiskParameter:     rp,
	}

	_, _, r, _ := Version{}.Accumulate(ctx)
	if r.InterestFee != 1404 {
		t.Errorf("interestFee: got %d, want 1404", r.InterestFee)
	}
	if r.InterestMaker != 12637 || r.InterestLong != -8424 || r.InterestShort != -5617 {
		t.Errorf("interest: got maker=%d long=%d short=%d, want 12637 -8424 -5617",
			r.InterestMaker, r.InterestLong, r.InterestShort)
	}
	checkConservation(t, r, 0)
}

func TestAccumulate_Reward(t *testing.T) {
	ctx := AccumulationContext{
		FromPosition:      Position{Maker: u6("10"), Long: u6("4")},
		FromOracleVersion: OracleVersion{Timestamp: 0, Price: f6("1"), Valid: true},
		ToOracleVersion:   OracleVersion{Timestamp: 10, Price: f6("1"), Valid: true},
		MarketParameter:   MarketParameter{MakerRewardRate: u6("0.3"), LongRewardRate: u6("0.2"), ShortRewardRate: u6("0.1")},
		RiskParameter:     fundingRiskParameter(),
	}

	next, _, r, _ := Version{}.Accumulate(ctx)
	if r.RewardMaker != u6("3") || r.RewardLong != u6("2") || r.RewardShort != 0 {
		t.Errorf("reward: got %v %v %v, want 3 2 0", r.RewardMaker, r.RewardLong, r.RewardShort)
	}
	if next.MakerReward.Value != u6("0.3") || next.LongReward.Value != u6("0.5") {
		t.Errorf("reward values: got %v %v", next.MakerReward.Value, next.LongReward.Value)
	}
}

func TestAccumulate_ZeroExposure(t *testing.T) {
	rp := fundingRiskParameter()
	rp.UtilizationCurve = fpmath.UtilizationCurve{MinRate: u6("0.5"), TargetRate: u6("0.5"), MaxRate: u6("0.5"), TargetUtilization: u6("0.5")}
	ctx := AccumulationContext{
		Global:            Global{PAccumulator: fpmath.PAccumulator6{Value: f6("0.5")}},
		FromPosition:      Position{Maker: u6("10")},
		FromOracleVersion: OracleVersion{Timestamp: 0, Price: f6("100"), Valid: true},
		ToOracleVersion:   OracleVersion{Timestamp: 3600, Price: f6("110"), Valid: true},
		MarketParameter:   MarketParameter{FundingFee: u6("0.1"), InterestFee: u6("0.1")},
		RiskParameter:     rp,
	}

	next, global, r, fee := Version{}.Accumulate(ctx)
	if r != (VersionAccumulationResult{}) {
		t.Errorf("expected empty result, got %+v", r)
	}
	if fee != 0 || next.MakerValue.Value != 0 {
		t.Errorf("expected no accrual, got fee=%v makerValue=%v", fee, next.MakerValue.Value)
	}
	if global.PAccumulator.Value != f6("0.5") {
		t.Errorf("controller should not move without takers, got %v", global.PAccumulator.Value)
	}
}

func TestAccumulate_ClosedMarket(t *testing.T) {
	ctx := AccumulationContext{
		FromPosition:      Position{Maker: u6("10"), Long: u6("12"), Short: u6("8")},
		ToPosition:        Position{Fee: u6("1")},
		FromOracleVersion: OracleVersion{Timestamp: 0, Price: f6("100"), Valid: true},
		ToOracleVersion:   OracleVersion{Timestamp: 3600, Price: f6("200"), Valid: false},
		MarketParameter:   MarketParameter{Closed: true, PositionFee: u6("0.1"), MakerRewardRate: u6("1")},
		RiskParameter:     fundingRiskParameter(),
	}

	next, global, r, fee := Version{}.Accumulate(ctx)
	if !next.Valid {
		t.Error("closed market versions are always valid")
	}
	if r.FundingLong != 0 || r.InterestLong != 0 || r.PnlLong != 0 || r.RewardMaker != 0 {
		t.Errorf("closed market should only route position fee, got %+v", r)
	}
	if global.PAccumulator != (fpmath.PAccumulator6{}) {
		t.Errorf("controller moved on closed market: %+v", global.PAccumulator)
	}
	if fee != u6("0.1") {
		t.Errorf("fee: got %v, want 0.1", fee)
	}
	checkConservation(t, r, u6("1"))
}

// ============================================================================
// Test: global and local
// ============================================================================

func TestGlobalUpdate_FeeSplit(t *testing.T) {
	var g Global
	g.Update(3, u6("100"), u6("1"),
		MarketParameter{OracleFee: u6("0.1"), RiskFee: u6("0.2")},
		ProtocolParameter{ProtocolFee: u6("0.5")},
	)
	if g.LatestID != 3 {
		t.Errorf("latestId: got %d, want 3", g.LatestID)
	}
	if g.ProtocolFee != u6("50") || g.OracleFee != u6("6") || g.RiskFee != u6("10") || g.Donation != u6("35") {
		t.Errorf("got protocol=%v oracle=%v risk=%v donation=%v, want 50 6 10 35",
			g.ProtocolFee, g.OracleFee, g.RiskFee, g.Donation)
	}

	g.UpdateLatestPrice(OracleVersion{Price: f6("9"), Valid: false})
	if g.LatestPrice != 0 {
		t.Errorf("invalid version updated latest price to %v", g.LatestPrice)
	}
	g.UpdateLatestPrice(OracleVersion{Price: f6("9"), Valid: true})
	if g.LatestPrice != f6("9") {
		t.Errorf("latest price: got %v, want 9", g.LatestPrice)
	}
}

func TestLocalAccumulate(t *testing.T) {
	l := Local{Collateral: f6("100")}
	from := Position{Long: u6("12")}
	to := Position{Long: u6("12"), Fee: u6("1"), Keeper: u6("0.5")}
	toVersion := Version{LongValue: fpmath.Accumulator6{Value: -149}, LongReward: fpmath.UAccumulator6{Value: u6("0.1")}}

	r := l.Accumulate(7, from, to, Version{}, toVersion)
	if r.Collateral != -1788 {
		t.Errorf("collateral delta: got %d, want -1788", r.Collateral)
	}
	if want := f6("100").Add(-1788).Sub(f6("1.5")); l.Collateral != want {
		t.Errorf("collateral: got %v, want %v", l.Collateral, want)
	}
	if l.Reward != u6("1.2") || l.LatestID != 7 {
		t.Errorf("got reward=%v latestId=%d, want 1.2 and 7", l.Reward, l.LatestID)
	}
}
