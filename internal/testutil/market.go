package testutil

import (
	"testing"

	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Fixed addresses of the market fixture.
var (
	FactoryAddress    = Address(100)
	MarketAddress     = Address(101)
	FactoryOwner      = Address(102)
	OracleFeeReceiver = Address(103)
	Coordinator       = Address(104)
	Beneficiary       = Address(105)
)

// FactoryDomain is the signing domain of the fixture factory.
var FactoryDomain = verifier.Domain{
	Name:              "Perennial",
	Version:           "1.0.0",
	ChainID:           42161,
	VerifyingContract: FactoryAddress,
}

func DefaultProtocolParameter() state.ProtocolParameter {
	return state.ProtocolParameter{
		MaxFee:         U6("1"),
		MaxFeeAbsolute: U6("1000"),
		MaxCut:         U6("1"),
		MaxRate:        U6("10"),
	}
}

func DefaultMarketParameter() state.MarketParameter {
	return state.MarketParameter{
		MaxPendingGlobal: 8,
		MaxPendingLocal:  8,
	}
}

// DefaultRiskParameter has 10% margin, 5% maintenance and no funding or
// interest, so settlement moves collateral by price and fees only.
func DefaultRiskParameter() state.RiskParameter {
	return state.RiskParameter{
		Margin:            U6("0.1"),
		Maintenance:       U6("0.05"),
		MakerLimit:        U6("1000"),
		EfficiencyLimit:   U6("0.5"),
		LiquidationFee:    U6("0.1"),
		MaxLiquidationFee: U6("100"),
		PController:       fpmath.PController6{K: U6("40000")},
		StaleAfter:        60,
	}
}

// MarketHarness is a single market on a keeper oracle with granularity 10
// and a 60 second timeout. The oracle starts committed at 1000 for price 100
// with the clock at 1001.
type MarketHarness struct {
	T       *testing.T
	Clock   *oracle.ManualClock
	Oracle  *oracle.KeeperOracle
	Ledger  *ledger.BalanceTracker
	Factory *market.Factory
	Market  *market.Market
}

func NewMarketHarness(t *testing.T, mp state.MarketParameter, rp state.RiskParameter) *MarketHarness {
	t.Helper()
	clock := oracle.NewManualClock(1001)
	o := oracle.NewKeeperOracle("eth-usd", 10, 60, clock, zerolog.Nop(), nil)
	if err := o.Commit(1000, F6("100")); err != nil {
		t.Fatalf("initial commit: %v", err)
	}
	bt := ledger.NewBalanceTracker()

	f, err := market.NewFactory(market.FactoryConfig{
		Address:   FactoryAddress,
		Owner:     FactoryOwner,
		Parameter: DefaultProtocolParameter(),
		Verifier:  verifier.New(FactoryDomain, clock, zerolog.Nop(), nil),
		Ledger:    bt,
		Clock:     clock,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	m, err := f.CreateMarket(market.Config{
		Address:           MarketAddress,
		Name:              "eth-usd",
		Oracle:            o,
		Parameter:         mp,
		RiskParameter:     rp,
		OracleFeeReceiver: OracleFeeReceiver,
		Coordinator:       Coordinator,
		Beneficiary:       Beneficiary,
	})
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	return &MarketHarness{T: t, Clock: clock, Oracle: o, Ledger: bt, Factory: f, Market: m}
}

// Fund mints amount of asset into owner's wallet.
func (h *MarketHarness) Fund(owner common.Address, asset ledger.Asset, amount string) {
	h.T.Helper()
	b := ledger.NewBatch("fund", h.Clock.Now())
	b.Mint(ledger.JournalTypeFunding, ledger.WalletKey(owner, asset), ledger.FromUFixed6(asset, U6(amount)))
	if err := h.Ledger.ApplyBatch(b); err != nil {
		h.T.Fatalf("fund %s: %v", owner.Hex(), err)
	}
}

// Commit moves the clock just past timestamp and commits price there.
func (h *MarketHarness) Commit(timestamp uint64, price string) {
	h.T.Helper()
	h.Clock.Set(timestamp + 1)
	if err := h.Oracle.Commit(timestamp, F6(price)); err != nil {
		h.T.Fatalf("commit %d: %v", timestamp, err)
	}
}

// Balance returns key's balance in 6 decimals.
func (h *MarketHarness) Balance(key ledger.AccountKey) fpmath.UFixed6 {
	v, _ := ledger.ToUFixed6(key.Asset, h.Ledger.GetBalance(key))
	return v
}

// Settle settles owner, failing the test on error.
func (h *MarketHarness) Settle(owner common.Address) {
	h.T.Helper()
	if _, err := h.Market.Settle(owner); err != nil {
		h.T.Fatalf("settle %s: %v", owner.Hex(), err)
	}
}
