// internal/math/curve.go
package math

// UtilizationCurve is a two-segment jump-rate curve. Rates are annualized.
type UtilizationCurve struct {
	MinRate           UFixed6 `json:"minRate"`
	MaxRate           UFixed6 `json:"maxRate"`
	TargetRate        UFixed6 `json:"targetRate"`
	TargetUtilization UFixed6 `json:"targetUtilization"`
}

// Compute returns the annual rate at utilization u.
func (c UtilizationCurve) Compute(u UFixed6) UFixed6 {
	if u.Lt(c.TargetUtilization) {
		return linearInterpolation(ZeroUFixed6, c.MinRate, c.TargetUtilization, c.TargetRate, u)
	}
	if u.Lt(OneUFixed6) {
		return linearInterpolation(c.TargetUtilization, c.TargetRate, OneUFixed6, c.MaxRate, u)
	}
	return c.MaxRate
}

// Accumulate integrates the rate at u over [from, to] on notional.
func (c UtilizationCurve) Accumulate(u UFixed6, from, to uint64, notional UFixed6) UFixed6 {
	if to <= from {
		return ZeroUFixed6
	}
	return UFixed6(mulMulDivUint64(uint64(c.Compute(u)), to-from, uint64(notional), SecondsPerYear*Base))
}

func linearInterpolation(x1, y1, x2, y2, p UFixed6) UFixed6 {
	if x2 == x1 {
		return y2
	}
	rise := y2.Fixed().Sub(y1.Fixed())
	y := y1.Fixed().Add(rise.MulDiv(p.Fixed().Sub(x1.Fixed()), x2.Fixed().Sub(x1.Fixed())))
	return UFixed6FromFixed(y.Max(ZeroFixed6))
}
