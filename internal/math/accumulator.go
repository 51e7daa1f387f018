// internal/math/accumulator.go
package math

// Accumulator6 tracks a running per-unit value. Each increment spreads an
// amount across the exposure that was present when it accrued.
type Accumulator6 struct {
	Value Fixed6 `json:"value"`
}

// Increment adds amount/total. A zero total contributes nothing.
func (a *Accumulator6) Increment(amount Fixed6, total UFixed6) {
	if total.IsZero() {
		return
	}
	a.Value = a.Value.Add(amount.Div(total.Fixed()))
}

// Decrement subtracts amount/total. A zero total contributes nothing.
func (a *Accumulator6) Decrement(amount Fixed6, total UFixed6) {
	if total.IsZero() {
		return
	}
	a.Value = a.Value.Sub(amount.Div(total.Fixed()))
}

// Accumulated returns what total units earned between from and a.
func (a Accumulator6) Accumulated(from Accumulator6, total UFixed6) Fixed6 {
	return a.Value.Sub(from.Value).Mul(total.Fixed())
}

// UAccumulator6 is the unsigned variant used for rewards.
type UAccumulator6 struct {
	Value UFixed6 `json:"value"`
}

func (a *UAccumulator6) Increment(amount UFixed6, total UFixed6) {
	if total.IsZero() {
		return
	}
	a.Value = a.Value.Add(amount.Div(total))
}

func (a UAccumulator6) Accumulated(from UAccumulator6, total UFixed6) UFixed6 {
	return a.Value.Sub(from.Value).Mul(total)
}
