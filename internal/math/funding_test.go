package math

import "testing"

func TestPControllerCompute(t *testing.T) {
	c := PController6{K: UFixed6FromInt(40_000), Min: MustParseFixed6("-1.2"), Max: MustParseFixed6("1.2")}

	t.Run("unbounded", func(t *testing.T) {
		// 3600 * 0.333333 / 40000
		got, intercept := c.Compute(ZeroFixed6, Fixed6(333_333), 0, 3600)
		if got != Fixed6(29_999) {
			t.Errorf("value: got %d, want 29999", got)
		}
		if intercept != 3600 {
			t.Errorf("intercept: got %d, want 3600", intercept)
		}
	})

	t.Run("hits max", func(t *testing.T) {
		got, intercept := c.Compute(MustParseFixed6("1.1"), OneFixed6, 1000, 101000)
		if got != c.Max {
			t.Errorf("value: got %v, want %v", got, c.Max)
		}
		// 0.1 * 40000 / 1 = 4000 seconds
		if intercept != 5000 {
			t.Errorf("intercept: got %d, want 5000", intercept)
		}
	})

	t.Run("already at min", func(t *testing.T) {
		got, intercept := c.Compute(c.Min, NegOneFixed6, 10, 20)
		if got != c.Min || intercept != 10 {
			t.Errorf("got %v at %d, want %v at 10", got, intercept, c.Min)
		}
	})
}

func TestPAccumulatorAccumulate(t *testing.T) {
	c := PController6{K: UFixed6FromInt(40_000), Min: MustParseFixed6("-1.2"), Max: MustParseFixed6("1.2")}
	notional := UFixed6FromInt(1476) // 12 taker * 123

	// The first step only records the skew; the rate moves on the next.
	first, none := PAccumulator6{}.Accumulate(c, Fixed6(333_333), 0, 3600, notional)
	if none != 0 {
		t.Errorf("first step: got %d, want 0", none)
	}
	if first.Value != 0 || first.Skew != Fixed6(333_333) {
		t.Errorf("first state: got %+v", first)
	}

	next, funding := first.Accumulate(c, ZeroFixed6, 3600, 7200, notional)
	if next.Value != Fixed6(29_999) || next.Skew != 0 {
		t.Errorf("state: got %+v", next)
	}
	// (0 + 0.029999) * 3600 * 1476 / 31536000 / 2
	if funding != Fixed6(2527) {
		t.Errorf("funding: got %d, want 2527", funding)
	}
}

func TestPAccumulatorAccumulate_LongGap(t *testing.T) {
	c := PController6{K: UFixed6FromInt(40_000), Min: MustParseFixed6("-1.2"), Max: MustParseFixed6("1.2")}
	notional := UFixed6FromInt(15_000_000) // 5000 taker * 3000

	// 0.5 * 2592000 * 15000000 / 31536000
	_, funding := PAccumulator6{Value: MustParseFixed6("0.5")}.Accumulate(c, ZeroFixed6, 0, 30*24*3600, notional)
	if funding != MustParseFixed6("616438.356164") {
		t.Errorf("funding: got %v, want 616438.356164", funding)
	}

	_, funding = PAccumulator6{Value: MustParseFixed6("-0.5")}.Accumulate(c, ZeroFixed6, 0, 30*24*3600, notional)
	if funding != MustParseFixed6("-616438.356164") {
		t.Errorf("negative funding: got %v, want -616438.356164", funding)
	}
}

func TestUtilizationCurve(t *testing.T) {
	curve := UtilizationCurve{
		MinRate:           MustParseUFixed6("0.1"),
		TargetRate:        MustParseUFixed6("0.5"),
		MaxRate:           MustParseUFixed6("1"),
		TargetUtilization: MustParseUFixed6("0.8"),
	}
	tests := []struct {
		u    string
		want string
	}{
		{"0", "0.1"},
		{"0.4", "0.3"},
		{"0.8", "0.5"},
		{"0.9", "0.75"},
		{"1", "1"},
	}
	for _, tt := range tests {
		got := curve.Compute(MustParseUFixed6(tt.u))
		if got != MustParseUFixed6(tt.want) {
			t.Errorf("Compute(%s): got %v, want %s", tt.u, got, tt.want)
		}
	}

	flat := UtilizationCurve{MinRate: MustParseUFixed6("0.1"), TargetRate: MustParseUFixed6("0.1"), MaxRate: MustParseUFixed6("0.1"), TargetUtilization: MustParseUFixed6("0.5")}
	// 0.1 * 3600 * 1230 / 31536000
	if got := flat.Accumulate(MustParseUFixed6("0.4"), 0, 3600, UFixed6FromInt(1230)); got != UFixed6(14041) {
		t.Errorf("Accumulate: got %d, want 14041", got)
	}

	// 0.1 * 7776000 * 100000000 / 31536000
	if got := flat.Accumulate(MustParseUFixed6("0.4"), 0, 90*24*3600, UFixed6FromInt(100_000_000)); got != MustParseUFixed6("2465753.424657") {
		t.Errorf("Accumulate over 90 days: got %v, want 2465753.424657", got)
	}
}

func TestAccumulator6(t *testing.T) {
	var a Accumulator6
	a.Increment(Fixed6(584), UFixed6FromInt(10))
	if a.Value != Fixed6(58) {
		t.Errorf("got %d, want 58", a.Value)
	}
	a.Increment(Fixed6(100), 0)
	if a.Value != Fixed6(58) {
		t.Errorf("zero total changed value to %d", a.Value)
	}
	a.Decrement(Fixed6(58), UFixed6FromInt(1))
	if a.Value != Fixed6(0) {
		t.Errorf("got %d, want 0", a.Value)
	}

	b := Accumulator6{Value: MustParseFixed6("1.4")}
	if got := b.Accumulated(Accumulator6{}, UFixed6FromInt(10)); got != Fixed6FromInt(14) {
		t.Errorf("Accumulated: got %v, want 14", got)
	}
}
