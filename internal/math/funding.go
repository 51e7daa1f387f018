// internal/math/funding.go
package math

// SecondsPerYear annualizes funding and interest rates.
const SecondsPerYear = 365 * 24 * 60 * 60

// PController6 is the proportional controller driving the funding rate.
// The rate moves by skew/K per second and is clamped to [Min, Max].
type PController6 struct {
	K   UFixed6 `json:"k"`
	Min Fixed6  `json:"min"`
	Max Fixed6  `json:"max"`
}

// PAccumulator6 is the carry state of the controller between settlements.
type PAccumulator6 struct {
	Value Fixed6 `json:"value"`
	Skew  Fixed6 `json:"skew"`
}

// Compute returns the new rate after moving from value under skew over
// [from, to], and the timestamp at which the rate reached its bound. When the
// bound is not reached the intercept is to.
func (c PController6) Compute(value, skew Fixed6, from, to uint64) (Fixed6, uint64) {
	elapsed := Fixed6FromInt(int64(to - from))
	uncapped := value.Add(elapsed.Mul(skew).Div(c.K.Fixed()))
	newValue := uncapped.Max(c.Min).Min(c.Max)
	if newValue == uncapped {
		return newValue, to
	}

	distance := newValue.Sub(value)
	if skew.IsZero() || distance.Sign() != skew.Sign() {
		// already at or beyond the bound
		return newValue, from
	}

	seconds := distance.Mul(c.K.Fixed()).Div(skew)
	intercept := from + uint64(seconds.Truncate())
	if intercept > to {
		intercept = to
	}
	return newValue, intercept
}

// Accumulate advances the controller over [from, to] under the skew stored at
// the previous settlement and returns the new carry state, which records skew
// for the next step, together with the funding accrued on notional. Up to the
// intercept the rate is the average of the old and new rate; afterwards it is
// the bound.
func (p PAccumulator6) Accumulate(c PController6, skew Fixed6, from, to uint64, notional UFixed6) (PAccumulator6, Fixed6) {
	newValue, intercept := c.Compute(p.Value, p.Skew, from, to)

	accumulated := accumulateRate(p.Value.Add(newValue), from, intercept, notional).Div(Fixed6FromInt(2))
	accumulated = accumulated.Add(accumulateRate(newValue, intercept, to, notional))

	return PAccumulator6{Value: newValue, Skew: skew}, accumulated
}

// accumulateRate returns rate * (to - from) * notional / year, truncated once.
func accumulateRate(rate Fixed6, from, to uint64, notional UFixed6) Fixed6 {
	if to <= from {
		return ZeroFixed6
	}
	return Fixed6(mulMulDivInt64(int64(rate), to-from, uint64(notional), SecondsPerYear*Base))
}
