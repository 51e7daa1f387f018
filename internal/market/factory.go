package market

import (
	"fmt"
	"sort"
	"sync"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// FactoryConfig wires a factory to the shared ledger and verifier.
type FactoryConfig struct {
	Address   common.Address
	Owner     common.Address
	Parameter state.ProtocolParameter
	Verifier  *verifier.Verifier
	Ledger    *ledger.BalanceTracker
	Clock     oracle.Clock
	Logger    zerolog.Logger
	Metrics   *observability.Metrics
}

type access struct {
	account  common.Address
	accessor common.Address
}

// Factory owns the protocol parameter, the market registry and the
// account-level access lists shared by every market.
type Factory struct {
	address  common.Address
	owner    common.Address
	verifier *verifier.Verifier
	ledger   *ledger.BalanceTracker
	clock    oracle.Clock
	logger   zerolog.Logger
	metrics  *observability.Metrics

	mu         sync.RWMutex
	parameter  state.ProtocolParameter
	markets    map[common.Address]*Market
	operators  map[access]bool
	signers    map[access]bool
	extensions map[common.Address]bool

	sink func(event.Record)
}

func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if err := cfg.Parameter.Validate(); err != nil {
		return nil, fmt.Errorf("protocol parameter: %w", err)
	}
	f := &Factory{
		address:    cfg.Address,
		owner:      cfg.Owner,
		verifier:   cfg.Verifier,
		ledger:     cfg.Ledger,
		clock:      cfg.Clock,
		logger:     cfg.Logger.With().Str("component", "factory").Logger(),
		metrics:    cfg.Metrics,
		parameter:  cfg.Parameter,
		markets:    make(map[common.Address]*Market),
		operators:  make(map[access]bool),
		signers:    make(map[access]bool),
		extensions: make(map[common.Address]bool),
	}
	cfg.Verifier.SetSignerAuthority(f)
	return f, nil
}

func (f *Factory) Address() common.Address      { return f.address }
func (f *Factory) Owner() common.Address        { return f.owner }
func (f *Factory) Verifier() *verifier.Verifier { return f.verifier }

func (f *Factory) Parameter() state.ProtocolParameter {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.parameter
}

// UpdateParameter replaces the protocol parameter. Existing market
// parameters are not revalidated.
func (f *Factory) UpdateParameter(pp state.ProtocolParameter) error {
	if err := pp.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parameter = pp
	f.logger.Info().Str("protocolFee", pp.ProtocolFee.String()).Msg("protocol parameter updated")
	return nil
}

// SetRecordSink registers fn to receive every record committed by any
// market of f. fn runs with the market locked and must not call back into it.
func (f *Factory) SetRecordSink(fn func(event.Record)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = fn
}

func (f *Factory) emit(records []event.Record) {
	f.mu.RLock()
	sink := f.sink
	f.mu.RUnlock()
	if sink == nil {
		return
	}
	for _, r := range records {
		sink(r)
	}
}

// CreateMarket validates cfg and registers a new market.
func (f *Factory) CreateMarket(cfg Config) (*Market, error) {
	pp := f.Parameter()
	if err := cfg.Parameter.Validate(pp); err != nil {
		return nil, fmt.Errorf("market %s: %w", cfg.Name, err)
	}
	if err := cfg.RiskParameter.Validate(pp); err != nil {
		return nil, fmt.Errorf("market %s: %w", cfg.Name, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.markets[cfg.Address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketExists, cfg.Address.Hex())
	}

	m := &Market{
		address:           cfg.Address,
		name:              cfg.Name,
		factory:           f,
		oracle:            cfg.Oracle,
		clock:             f.clock,
		ledger:            f.ledger,
		logger:            f.logger.With().Str("component", "market").Str("market", cfg.Name).Logger(),
		metrics:           f.metrics,
		oracleFeeReceiver: cfg.OracleFeeReceiver,
		coordinator:       cfg.Coordinator,
		beneficiary:       cfg.Beneficiary,
		parameter:         cfg.Parameter,
		riskParameter:     cfg.RiskParameter,
		pending:           make(map[uint64]state.Position),
		versions:          make(map[uint64]state.Version),
		accounts:          make(map[common.Address]*account),
	}
	f.markets[cfg.Address] = m
	f.logger.Info().Str("market", cfg.Name).Str("address", cfg.Address.Hex()).Msg("market created")
	return m, nil
}

func (f *Factory) Market(address common.Address) (*Market, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.markets[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, address.Hex())
	}
	return m, nil
}

// Markets returns every market ordered by address.
func (f *Factory) Markets() []*Market {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Market, 0, len(f.markets))
	for _, m := range f.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].address.Cmp(out[j].address) < 0 })
	return out
}

// IsOperator reports whether operator may act for account: the account
// itself, an extension or an approved operator.
func (f *Factory) IsOperator(account, operator common.Address) bool {
	if account == operator {
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.extensions[operator] || f.operators[access{account, operator}]
}

// IsSigner reports whether signer may sign messages for account.
func (f *Factory) IsSigner(account, signer common.Address) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.signers[access{account, signer}]
}

func (f *Factory) UpdateOperator(account, operator common.Address, approved bool) {
	f.setAccess(f.operators, account, operator, approved)
	f.logger.Info().Str("account", account.Hex()).Str("operator", operator.Hex()).Bool("approved", approved).Msg("operator updated")
}

func (f *Factory) UpdateSigner(account, signer common.Address, approved bool) {
	f.setAccess(f.signers, account, signer, approved)
	f.logger.Info().Str("account", account.Hex()).Str("signer", signer.Hex()).Bool("approved", approved).Msg("signer updated")
}

// UpdateExtension approves or revokes a global operator such as the
// collateral account controller or the trigger order manager.
func (f *Factory) UpdateExtension(extension common.Address, approved bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if approved {
		f.extensions[extension] = true
	} else {
		delete(f.extensions, extension)
	}
	f.logger.Info().Str("extension", extension.Hex()).Bool("approved", approved).Msg("extension updated")
}

// UpdateOperatorWithSignature applies an operator update signed for the
// factory's domain.
func (f *Factory) UpdateOperatorWithSignature(update verifier.OperatorUpdate, signature []byte) error {
	if _, err := f.verifier.Verify(f.address, update, signature); err != nil {
		return err
	}
	f.UpdateOperator(update.Common.Account, update.Access.Accessor, update.Access.Approved)
	return nil
}

// UpdateSignerWithSignature applies a signer update signed for the
// factory's domain.
func (f *Factory) UpdateSignerWithSignature(update verifier.SignerUpdate, signature []byte) error {
	if _, err := f.verifier.Verify(f.address, update, signature); err != nil {
		return err
	}
	f.UpdateSigner(update.Common.Account, update.Access.Accessor, update.Access.Approved)
	return nil
}

func (f *Factory) setAccess(set map[access]bool, account, accessor common.Address, approved bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := access{account, accessor}
	if approved {
		set[key] = true
	} else {
		delete(set, key)
	}
}

// Access is an approved (account, accessor) pair.
type Access struct {
	Account  common.Address `json:"account"`
	Accessor common.Address `json:"accessor"`
}

type FactoryState struct {
	Parameter  state.ProtocolParameter `json:"parameter"`
	Operators  []Access                `json:"operators"`
	Signers    []Access                `json:"signers"`
	Extensions []common.Address        `json:"extensions"`
	Markets    []MarketState           `json:"markets"`
}

// State exports the factory and every market, sorted.
func (f *Factory) State() FactoryState {
	markets := f.Markets()

	f.mu.RLock()
	st := FactoryState{
		Parameter: f.parameter,
		Operators: exportAccess(f.operators),
		Signers:   exportAccess(f.signers),
	}
	for ext := range f.extensions {
		st.Extensions = append(st.Extensions, ext)
	}
	f.mu.RUnlock()
	sortAddresses(st.Extensions)

	for _, m := range markets {
		st.Markets = append(st.Markets, m.State())
	}
	return st
}

// Restore replaces the access lists and the state of every registered
// market found in st. Markets must already be created.
func (f *Factory) Restore(st FactoryState) error {
	f.mu.Lock()
	f.parameter = st.Parameter
	f.operators = importAccess(st.Operators)
	f.signers = importAccess(st.Signers)
	f.extensions = make(map[common.Address]bool, len(st.Extensions))
	for _, ext := range st.Extensions {
		f.extensions[ext] = true
	}
	f.mu.Unlock()

	for _, ms := range st.Markets {
		m, err := f.Market(ms.Address)
		if err != nil {
			return err
		}
		m.Restore(ms)
	}
	return nil
}

func exportAccess(set map[access]bool) []Access {
	out := make([]Access, 0, len(set))
	for k := range set {
		out = append(out, Access{Account: k.account, Accessor: k.accessor})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Account.Cmp(out[j].Account); c != 0 {
			return c < 0
		}
		return out[i].Accessor.Cmp(out[j].Accessor) < 0
	})
	return out
}

func importAccess(in []Access) map[access]bool {
	out := make(map[access]bool, len(in))
	for _, a := range in {
		out[access{a.Account, a.Accessor}] = true
	}
	return out
}
