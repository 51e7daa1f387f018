// Package keeper prices the fee a relayer earns for submitting a signed
// action. Gas-oracle specific formulas live outside the settlement core and
// are injected as a Compensation.
package keeper

import (
	fpmath "PerpSettle/internal/math"
)

// Compensation returns the fee, in USDC, owed for one relayed action.
type Compensation func(action string) fpmath.UFixed6

// Fixed compensates every action with the same amount.
func Fixed(amount fpmath.UFixed6) Compensation {
	return func(string) fpmath.UFixed6 { return amount }
}

// Schedule compensates by action name, falling back to def.
func Schedule(fees map[string]fpmath.UFixed6, def fpmath.UFixed6) Compensation {
	return func(action string) fpmath.UFixed6 {
		if fee, ok := fees[action]; ok {
			return fee
		}
		return def
	}
}

// Fee is the compensation for action capped at the signer's maxFee. A nil
// compensation pays nothing.
func Fee(c Compensation, action string, maxFee fpmath.UFixed6) fpmath.UFixed6 {
	if c == nil {
		return 0
	}
	return c(action).Min(maxFee)
}
