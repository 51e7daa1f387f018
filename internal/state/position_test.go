package state_test

import (
	"errors"
	"testing"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

var (
	u6 = fpmath.MustParseUFixed6
	f6 = fpmath.MustParseFixed6
)

// ============================================================================
// Test: derived views
// ============================================================================

func TestPosition_DerivedViews(t *testing.T) {
	p := state.Position{Maker: u6("10"), Long: u6("12"), Short: u6("8")}

	checks := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"magnitude", p.Magnitude(), u6("12")},
		{"major", p.Major(), u6("12")},
		{"minor", p.Minor(), u6("8")},
		{"net", p.Net(), u6("4")},
		{"skew", p.Skew(0), fpmath.Fixed6(333_333)},
		{"skew scaled", p.Skew(u6("2")), fpmath.OneFixed6},
		{"utilization", p.Utilization(), fpmath.UFixed6(666_666)},
		{"efficiency", p.Efficiency(), fpmath.UFixed6(833_333)},
		{"socialized", p.Socialized(), false},
		{"longSocialized", p.LongSocialized(), u6("12")},
		{"shortSocialized", p.ShortSocialized(), u6("8")},
		{"takerSocialized", p.TakerSocialized(), u6("12")},
		{"socializedMakerPortion", p.SocializedMakerPortion(), fpmath.UFixed6(333_333)},
		{"singleSided", p.SingleSided(), false},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestPosition_Socialized(t *testing.T) {
	p := state.Position{Maker: u6("1"), Long: u6("10"), Short: u6("2")}
	if !p.Socialized() {
		t.Error("maker+minor < major should be socialized")
	}
	if got := p.TakerSocialized(); got != u6("3") {
		t.Errorf("takerSocialized: got %v, want 3", got)
	}
	if got := p.LongSocialized(); got != u6("3") {
		t.Errorf("longSocialized: got %v, want 3", got)
	}
	if got := p.Utilization(); got != fpmath.OneUFixed6 {
		t.Errorf("utilization should cap at 1, got %v", got)
	}
}

func TestPosition_EmptyViews(t *testing.T) {
	var p state.Position
	if p.Skew(0) != 0 || p.Utilization() != 0 || p.Efficiency() != fpmath.OneUFixed6 {
		t.Errorf("empty position: skew=%v utilization=%v efficiency=%v", p.Skew(0), p.Utilization(), p.Efficiency())
	}
	if p.SocializedMakerPortion() != 0 {
		t.Errorf("socializedMakerPortion: got %v, want 0", p.SocializedMakerPortion())
	}
	if !p.Empty() || p.Side() != state.SideNone {
		t.Error("zero position should be empty with no side")
	}

	takersOnly := state.Position{Long: u6("1")}
	if takersOnly.Utilization() != fpmath.OneUFixed6 {
		t.Errorf("takers without backing should be fully utilized, got %v", takersOnly.Utilization())
	}
}

// ============================================================================
// Test: apply, invalidate, adjust
// ============================================================================

func TestPosition_Apply(t *testing.T) {
	p := state.Position{Timestamp: 10, Maker: u6("5"), Long: u6("2")}
	order := state.Order{
		Timestamp:  20,
		MakerPos:   u6("1"),
		LongNeg:    u6("2"),
		ShortPos:   u6("3"),
		Fee:        u6("0.1"),
		Keeper:     u6("0.2"),
		Collateral: f6("-4"),
	}

	applied, err := p.Apply(order)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied != order {
		t.Errorf("applied order differs: %+v", applied)
	}
	want := state.Position{
		Timestamp: 20, Maker: u6("6"), Long: 0, Short: u6("3"),
		Fee: u6("0.1"), Keeper: u6("0.2"), Collateral: f6("-4"),
	}
	if p != want {
		t.Errorf("got %+v, want %+v", p, want)
	}
}

func TestPosition_ApplyOverClose(t *testing.T) {
	p := state.Position{Long: u6("5")}
	_, err := p.Apply(state.Order{LongNeg: u6("6")})
	if !errors.Is(err, state.ErrOverClose) {
		t.Fatalf("got %v, want ErrOverClose", err)
	}
	if p.Long != u6("5") {
		t.Errorf("failed apply mutated position: %v", p.Long)
	}
}

func TestPosition_InvalidateAndAdjust(t *testing.T) {
	latest := state.Position{Timestamp: 1, Long: u6("5")}
	first := state.Position{Timestamp: 2, Long: u6("10")}
	second := state.Position{Timestamp: 3, Long: u6("12")}

	// first settles against an invalid version
	latest.Invalidate(&first)
	if first.Long != u6("5") {
		t.Errorf("invalidated position should fall back to latest, got %v", first.Long)
	}
	if latest.Invalidation.Long != f6("-5") {
		t.Errorf("invalidation: got %v, want -5", latest.Invalidation.Long)
	}
	latest.Update(first)

	second.Adjust(latest)
	if second.Long != u6("7") {
		t.Errorf("adjusted long: got %v, want 7", second.Long)
	}
	second.Adjust(latest)
	if second.Long != u6("7") {
		t.Errorf("adjust should be idempotent, got %v", second.Long)
	}
}

func TestPosition_AdjustLocalKeepsSingleSide(t *testing.T) {
	latest := state.Position{Invalidation: state.Invalidation{Maker: f6("-3")}}
	p := state.Position{Maker: u6("5")}
	p.AdjustLocal(latest)
	if p.Maker != u6("2") || p.Long != 0 || p.Short != 0 {
		t.Errorf("got %+v", p)
	}
}

func TestPosition_UpdateAndSync(t *testing.T) {
	p := state.Position{Timestamp: 1, Fee: u6("1"), Invalidation: state.Invalidation{Long: f6("2")}}
	p.Update(state.Position{Timestamp: 5, Long: u6("3"), Fee: u6("9")})
	if p.Timestamp != 5 || p.Long != u6("3") || p.Fee != 0 {
		t.Errorf("update: got %+v", p)
	}
	if p.Invalidation.Long != f6("2") {
		t.Errorf("update should keep invalidation, got %v", p.Invalidation.Long)
	}

	p.Keeper = u6("1")
	p.Sync(state.OracleVersion{Timestamp: 9})
	if p.Timestamp != 9 || p.Keeper != 0 || p.Long != u6("3") {
		t.Errorf("sync: got %+v", p)
	}
	if !p.Ready(state.OracleVersion{Timestamp: 9}) || p.Ready(state.OracleVersion{Timestamp: 8}) {
		t.Error("ready should compare against the position timestamp")
	}
}

func TestStoreLocalPosition(t *testing.T) {
	stored, err := state.StoreLocalPosition(state.Position{Short: u6("4"), Invalidation: state.Invalidation{Short: f6("1")}})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if stored.Short != u6("4") || stored.Invalidation.Short != f6("1") {
		t.Errorf("got %+v", stored)
	}

	_, err = state.StoreLocalPosition(state.Position{Maker: u6("1"), Long: u6("1")})
	if !errors.Is(err, state.ErrNotSingleSided) {
		t.Errorf("got %v, want ErrNotSingleSided", err)
	}

	_, err = state.StoreLocalPosition(state.Position{Timestamp: 1 << 33})
	var storageErr *state.StorageInvalidError
	if !errors.As(err, &storageErr) || storageErr.Field != "Timestamp" {
		t.Errorf("got %v, want storage error on Timestamp", err)
	}
}

// ============================================================================
// Test: margin
// ============================================================================

func TestPosition_Margin(t *testing.T) {
	rp := state.RiskParameter{
		Margin:            u6("0.1"),
		Maintenance:       u6("0.05"),
		MinMargin:         u6("20"),
		MinMaintenance:    u6("10"),
		LiquidationFee:    u6("0.5"),
		MinLiquidationFee: u6("5"),
		MaxLiquidationFee: u6("40"),
	}
	version := state.OracleVersion{Price: f6("-100"), Valid: true}
	p := state.Position{Long: u6("10")}

	if got := p.Margin(version, rp); got != u6("100") {
		t.Errorf("margin: got %v, want 100", got)
	}
	if got := p.Maintenance(version, rp); got != u6("50") {
		t.Errorf("maintenance: got %v, want 50", got)
	}
	if got := p.LiquidationFee(version, rp); got != u6("25") {
		t.Errorf("liquidation fee: got %v, want 25", got)
	}

	small := state.Position{Long: u6("0.01")}
	if got := small.Margin(version, rp); got != u6("20") {
		t.Errorf("min margin: got %v, want 20", got)
	}

	statuses := []struct {
		collateral string
		want       state.MarginStatus
	}{
		{"100", state.MarginStatusHealthy},
		{"60", state.MarginStatusMarginCall},
		{"49", state.MarginStatusLiquidatable},
		{"-1", state.MarginStatusLiquidatable},
	}
	for _, s := range statuses {
		if got := p.MarginStatus(version, rp, f6(s.collateral)); got != s.want {
			t.Errorf("collateral %s: got %v, want %v", s.collateral, got, s.want)
		}
	}

	var flat state.Position
	if !flat.Maintained(version, rp, f6("-100")) || !flat.Margined(version, rp, f6("-100")) {
		t.Error("zero position is always maintained and margined")
	}
}
