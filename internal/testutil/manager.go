package testutil

import (
	"testing"

	"PerpSettle/internal/keeper"
	"PerpSettle/internal/manager"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/verifier"

	"github.com/rs/zerolog"
)

var (
	ManagerAddress   = Address(120)
	InterfaceAddress = Address(121)
	ExecutorAddress  = Address(122)
)

// ManagerDomain is the signing domain of the fixture manager.
var ManagerDomain = verifier.Domain{
	Name:              "Perennial V2 Trigger Orders",
	Version:           "1.0.0",
	ChainID:           42161,
	VerifyingContract: ManagerAddress,
}

// ManagerHarness is a MarketHarness with a trigger order manager approved
// as a factory extension.
type ManagerHarness struct {
	*MarketHarness
	Manager *manager.Manager
}

func NewManagerHarness(t *testing.T, keeperFee fpmath.UFixed6) *ManagerHarness {
	t.Helper()
	h := NewMarketHarness(t, DefaultMarketParameter(), DefaultRiskParameter())
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
	return &ManagerHarness{MarketHarness: h, Manager: mg}
}
