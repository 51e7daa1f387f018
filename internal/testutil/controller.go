package testutil

import (
	"testing"

	"PerpSettle/internal/controller"
	"PerpSettle/internal/keeper"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/verifier"

	"github.com/rs/zerolog"
)

var (
	SecondMarketAddress = Address(106)
	ControllerAddress   = Address(110)
	KeeperAddress       = Address(111)
)

// ControllerDomain is the signing domain of the fixture controller.
var ControllerDomain = verifier.Domain{
	Name:              "Perennial V2 Collateral Accounts",
	Version:           "1.0.0",
	ChainID:           42161,
	VerifyingContract: ControllerAddress,
}

// ControllerHarness is a MarketHarness with a second market on the same
// oracle and a controller paying a fixed keeper fee.
type ControllerHarness struct {
	*MarketHarness
	Second     *market.Market
	Controller *controller.Controller
}

func NewControllerHarness(t *testing.T, keeperFee fpmath.UFixed6) *ControllerHarness {
	t.Helper()
	h := NewMarketHarness(t, DefaultMarketParameter(), DefaultRiskParameter())
	second, err := h.Factory.CreateMarket(market.Config{
		Address:       SecondMarketAddress,
		Name:          "btc-usd",
		Oracle:        h.Oracle,
		Parameter:     DefaultMarketParameter(),
		RiskParameter: DefaultRiskParameter(),
	})
	if err != nil {
		t.Fatalf("second market: %v", err)
	}
	c := controller.New(controller.Config{
		Address:  ControllerAddress,
		Factory:  h.Factory,
		Verifier: verifier.New(ControllerDomain, h.Clock, zerolog.Nop(), nil),
		Ledger:   h.Ledger,
		Clock:    h.Clock,
		Keeper:   keeper.Fixed(keeperFee),
		Logger:   zerolog.Nop(),
	})
	return &ControllerHarness{MarketHarness: h, Second: second, Controller: c}
}
