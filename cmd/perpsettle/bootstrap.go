package main

import (
	"encoding/json"
	"fmt"
	"os"

	"PerpSettle/internal/controller"
	"PerpSettle/internal/core"
	"PerpSettle/internal/keeper"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/manager"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Signing domain names and version of the three verifiers.
const (
	factoryDomainName    = "Perennial"
	controllerDomainName = "Perennial V2 Collateral Accounts"
	managerDomainName    = "Perennial V2 Trigger Orders"
	domainVersion        = "1.0.0"
)

// Bootstrap is the deployment the engine is built from: contract
// addresses, protocol parameters, oracles and markets. Markets and oracles
// are configuration; snapshots only carry their state.
type Bootstrap struct {
	ChainID    int64                     `json:"chainId"`
	Factory    common.Address            `json:"factory"`
	Owner      common.Address            `json:"owner"`
	Controller common.Address            `json:"controller"`
	Manager    common.Address            `json:"manager"`
	Protocol   state.ProtocolParameter   `json:"protocol"`
	KeeperFee  *fpmath.UFixed6           `json:"keeperFee,omitempty"`
	KeeperFees map[string]fpmath.UFixed6 `json:"keeperFees,omitempty"`
	Oracles    []OracleBootstrap         `json:"oracles"`
	Markets    []MarketBootstrap         `json:"markets"`
}

type OracleBootstrap struct {
	ID          string `json:"id"`
	Granularity uint64 `json:"granularity"`
	Timeout     uint64 `json:"timeout"`
}

type MarketBootstrap struct {
	Address           common.Address        `json:"address"`
	Name              string                `json:"name"`
	Oracle            string                `json:"oracle"`
	Parameter         state.MarketParameter `json:"parameter"`
	RiskParameter     state.RiskParameter   `json:"riskParameter"`
	OracleFeeReceiver common.Address        `json:"oracleFeeReceiver"`
	Coordinator       common.Address        `json:"coordinator"`
	Beneficiary       common.Address        `json:"beneficiary"`
}

// LoadBootstrap reads a bootstrap file and fills unset values from cfg.
func LoadBootstrap(path string, cfg Config) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap %s: %w", path, err)
	}
	return ParseBootstrap(data, cfg)
}

// ParseBootstrap decodes and validates a bootstrap document.
func ParseBootstrap(data []byte, cfg Config) (*Bootstrap, error) {
	var b Bootstrap
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bootstrap: %w", err)
	}
	if b.ChainID == 0 {
		b.ChainID = cfg.ChainID
	}
	if b.KeeperFee == nil {
		fee := cfg.KeeperFee
		b.KeeperFee = &fee
	}
	for i := range b.Oracles {
		if b.Oracles[i].Granularity == 0 {
			b.Oracles[i].Granularity = cfg.OracleGranularity
		}
		if b.Oracles[i].Timeout == 0 {
			b.Oracles[i].Timeout = cfg.OracleTimeout
		}
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Bootstrap) validate() error {
	zero := common.Address{}
	for name, addr := range map[string]common.Address{
		"factory": b.Factory, "owner": b.Owner, "controller": b.Controller, "manager": b.Manager,
	} {
		if addr == zero {
			return fmt.Errorf("bootstrap: missing %s address", name)
		}
	}
	if b.ChainID <= 0 {
		return fmt.Errorf("bootstrap: invalid chain id %d", b.ChainID)
	}

	oracles := make(map[string]bool, len(b.Oracles))
	for _, o := range b.Oracles {
		if o.ID == "" {
			return fmt.Errorf("bootstrap: oracle without id")
		}
		if oracles[o.ID] {
			return fmt.Errorf("bootstrap: duplicate oracle %q", o.ID)
		}
		oracles[o.ID] = true
	}

	markets := make(map[common.Address]bool, len(b.Markets))
	for _, m := range b.Markets {
		if m.Address == zero {
			return fmt.Errorf("bootstrap: market %q without address", m.Name)
		}
		if markets[m.Address] {
			return fmt.Errorf("bootstrap: duplicate market %s", m.Address.Hex())
		}
		if !oracles[m.Oracle] {
			return fmt.Errorf("bootstrap: market %q uses unknown oracle %q", m.Name, m.Oracle)
		}
		markets[m.Address] = true
	}
	return nil
}

func (b *Bootstrap) domain(name string, contract common.Address) verifier.Domain {
	return verifier.Domain{
		Name:              name,
		Version:           domainVersion,
		ChainID:           b.ChainID,
		VerifyingContract: contract,
	}
}

func (b *Bootstrap) compensation() keeper.Compensation {
	if len(b.KeeperFees) > 0 {
		return keeper.Schedule(b.KeeperFees, *b.KeeperFee)
	}
	return keeper.Fixed(*b.KeeperFee)
}

// Build creates every settlement component on one clock and ledger. The
// manager is approved as a factory extension so it can act on any account.
func (b *Bootstrap) Build(logger zerolog.Logger, metrics *observability.Metrics) (core.Components, error) {
	clock := oracle.NewManualClock(0)
	bt := ledger.NewBalanceTracker()

	oracles := make(map[string]*oracle.KeeperOracle, len(b.Oracles))
	for _, o := range b.Oracles {
		oracles[o.ID] = oracle.NewKeeperOracle(o.ID, o.Granularity, o.Timeout, clock, logger, metrics)
	}

	factory, err := market.NewFactory(market.FactoryConfig{
		Address:   b.Factory,
		Owner:     b.Owner,
		Parameter: b.Protocol,
		Verifier:  verifier.New(b.domain(factoryDomainName, b.Factory), clock, logger, metrics),
		Ledger:    bt,
		Clock:     clock,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return core.Components{}, fmt.Errorf("factory: %w", err)
	}

	for _, m := range b.Markets {
		if _, err := factory.CreateMarket(market.Config{
			Address:           m.Address,
			Name:              m.Name,
			Oracle:            oracles[m.Oracle],
			Parameter:         m.Parameter,
			RiskParameter:     m.RiskParameter,
			OracleFeeReceiver: m.OracleFeeReceiver,
			Coordinator:       m.Coordinator,
			Beneficiary:       m.Beneficiary,
		}); err != nil {
			return core.Components{}, fmt.Errorf("market %s: %w", m.Name, err)
		}
	}

	comp := b.compensation()
	ctrl := controller.New(controller.Config{
		Address:  b.Controller,
		Factory:  factory,
		Verifier: verifier.New(b.domain(controllerDomainName, b.Controller), clock, logger, metrics),
		Ledger:   bt,
		Clock:    clock,
		Keeper:   comp,
		Logger:   logger,
		Metrics:  metrics,
	})
	mgr := manager.New(manager.Config{
		Address:  b.Manager,
		Factory:  factory,
		Verifier: verifier.New(b.domain(managerDomainName, b.Manager), clock, logger, metrics),
		Ledger:   bt,
		Clock:    clock,
		Keeper:   comp,
		Logger:   logger,
		Metrics:  metrics,
	})
	factory.UpdateExtension(b.Manager, true)

	return core.Components{
		Clock:      clock,
		Ledger:     bt,
		Factory:    factory,
		Oracles:    oracles,
		Controller: ctrl,
		Manager:    mgr,
	}, nil
}
