package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies a batch is well-formed.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateSupply verifies that, per asset, the balances held across all
// accounts equal what was minted minus what was burned.
func (v *InvariantValidator) ValidateSupply() error {
	totals := v.tracker.ComputeTotals()
	for _, asset := range []Asset{AssetUSDC, AssetDSU, AssetReward} {
		held := totals[asset]
		supply := v.tracker.GetSupply(asset)
		if held == nil {
			if !supply.IsZero() {
				return fmt.Errorf("%s supply %s is not held by any account", asset, supply.Dec())
			}
			continue
		}
		if !held.Eq(supply) {
			return fmt.Errorf("%s balances %s differ from supply %s", asset, held.Dec(), supply.Dec())
		}
	}
	return nil
}

// ValidateReserve verifies that DSU is fully backed by the USDC reserve.
func (v *InvariantValidator) ValidateReserve() error {
	dsu := v.tracker.GetSupply(AssetDSU)
	reserve := v.tracker.GetBalance(ReserveDSU)
	backing := FromUFixed6Scaled(AssetDSU, reserve)
	if backing.Lt(dsu) {
		return fmt.Errorf("DSU supply %s exceeds reserve backing %s", dsu.Dec(), backing.Dec())
	}
	return nil
}
