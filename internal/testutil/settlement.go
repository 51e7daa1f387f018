package testutil

import (
	"testing"

	"PerpSettle/internal/keeper"
	"PerpSettle/internal/manager"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/verifier"

	"github.com/rs/zerolog"
)

// SettlementHarness is every settlement component on one clock and ledger:
// two markets, the controller and the trigger order manager.
type SettlementHarness struct {
	*ControllerHarness
	Manager *manager.Manager
}

func NewSettlementHarness(t *testing.T, keeperFee fpmath.UFixed6) *SettlementHarness {
	t.Helper()
	h := NewControllerHarness(t, keeperFee)
	mg := manager.New(manager.Config{
		Address:  ManagerAddress,
		Factory:  h.Factory,
		Verifier: verifier.New(ManagerDomain, h.Clock, zerolog.Nop(), nil),
		Ledger:   h.Ledger,
		Clock:    h.Clock,
		Keeper:   keeper.Fixed(keeperFee),
		Logger:   zerolog.Nop(),
	})
	h.Factory.UpdateExtension(ManagerAddress, true)
	return &SettlementHarness{ControllerHarness: h, Manager: mg}
}
