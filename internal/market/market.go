// Package market settles positions of a single perpetual market against its
// oracle. Every mutation loads a settlement context, advances it through the
// ready oracle versions, applies the requested change and commits only when
// all invariants hold.
package market

import (
	"sort"
	"sync"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Config describes a market at creation.
type Config struct {
	Address       common.Address
	Name          string
	Oracle        oracle.Oracle
	Parameter     state.MarketParameter
	RiskParameter state.RiskParameter

	// Fee roles. The protocol fee goes to the factory owner.
	OracleFeeReceiver common.Address
	Coordinator       common.Address
	Beneficiary       common.Address
}

type account struct {
	local   state.Local
	latest  state.Position
	pending map[uint64]state.Position
}

type Market struct {
	address common.Address
	name    string
	factory *Factory
	oracle  oracle.Oracle
	clock   oracle.Clock
	ledger  *ledger.BalanceTracker
	logger  zerolog.Logger
	metrics *observability.Metrics

	oracleFeeReceiver common.Address
	coordinator       common.Address
	beneficiary       common.Address

	mu              sync.RWMutex
	revision        uint64
	parameter       state.MarketParameter
	riskParameter   state.RiskParameter
	global          state.Global
	position        state.Position
	positionVersion state.OracleVersion
	pending         map[uint64]state.Position
	versions        map[uint64]state.Version
	accounts        map[common.Address]*account
}

// Effects are the ledger journals and records produced by a committed
// market operation.
type Effects struct {
	Batch   *ledger.Batch
	Records []event.Record
}

func (m *Market) Address() common.Address { return m.address }
func (m *Market) Name() string            { return m.name }
func (m *Market) Oracle() oracle.Oracle   { return m.oracle }

func (m *Market) Global() state.Global {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// Position is the latest settled global position.
func (m *Market) Position() state.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.position
}

func (m *Market) PendingPosition(id uint64) (state.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pending[id]
	return p, ok
}

func (m *Market) Local(owner common.Address) state.Local {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.accounts[owner]; ok {
		return a.local
	}
	return state.Local{}
}

// Positions is the latest settled position of owner.
func (m *Market) Positions(owner common.Address) state.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.accounts[owner]; ok {
		return a.latest
	}
	return state.Position{}
}

func (m *Market) PendingPositions(owner common.Address, id uint64) (state.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[owner]
	if !ok {
		return state.Position{}, false
	}
	p, ok := a.pending[id]
	return p, ok
}

// CurrentPosition is owner's position including every pending order,
// adjusted for invalidations recorded since it was written.
func (m *Market) CurrentPosition(owner common.Address) state.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[owner]
	if !ok {
		return state.Position{}
	}
	if a.local.CurrentID == a.local.LatestID {
		return a.latest
	}
	p := a.pending[a.local.CurrentID]
	p.AdjustLocal(a.latest)
	return p
}

func (m *Market) Version(timestamp uint64) state.Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[timestamp]
}

func (m *Market) Parameter() state.MarketParameter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.parameter
}

func (m *Market) RiskParameter() state.RiskParameter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.riskParameter
}

// Accounts returns every account that ever touched the market, sorted.
func (m *Market) Accounts() []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]common.Address, 0, len(m.accounts))
	for addr := range m.accounts {
		out = append(out, addr)
	}
	sortAddresses(out)
	return out
}

// UpdateParameter replaces the market parameter after validating it against
// the protocol parameter.
func (m *Market) UpdateParameter(mp state.MarketParameter) (Effects, error) {
	if err := mp.Validate(m.factory.Parameter()); err != nil {
		return Effects{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parameter = mp
	m.revision++
	m.logger.Info().Bool("closed", mp.Closed).Msg("market parameter updated")
	records := []event.Record{{Name: RecordParameterUpdated, Market: m.address, Payload: mp}}
	m.factory.emit(records)
	return Effects{Records: records}, nil
}

// UpdateRiskParameter replaces the risk parameter after validating it
// against the protocol parameter.
func (m *Market) UpdateRiskParameter(rp state.RiskParameter) (Effects, error) {
	if err := rp.Validate(m.factory.Parameter()); err != nil {
		return Effects{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskParameter = rp
	m.revision++
	m.logger.Info().Str("margin", rp.Margin.String()).Str("maintenance", rp.Maintenance.String()).Msg("risk parameter updated")
	records := []event.Record{{Name: RecordRiskParameterUpdated, Market: m.address, Payload: rp}}
	m.factory.emit(records)
	return Effects{Records: records}, nil
}

// IndexedPosition is a pending position and its id.
type IndexedPosition struct {
	ID       uint64         `json:"id"`
	Position state.Position `json:"position"`
}

// TimestampedVersion is a settled version and its timestamp.
type TimestampedVersion struct {
	Timestamp uint64        `json:"timestamp"`
	Version   state.Version `json:"version"`
}

type AccountState struct {
	Account common.Address    `json:"account"`
	Local   state.Local       `json:"local"`
	Latest  state.Position    `json:"latest"`
	Pending []IndexedPosition `json:"pending"`
}

// MarketState is the deterministic, serializable form of a market. Slices
// are sorted so that equal markets produce equal encodings.
type MarketState struct {
	Address         common.Address        `json:"address"`
	Parameter       state.MarketParameter `json:"parameter"`
	RiskParameter   state.RiskParameter   `json:"riskParameter"`
	Global          state.Global          `json:"global"`
	Position        state.Position        `json:"position"`
	PositionVersion state.OracleVersion   `json:"positionVersion"`
	Pending         []IndexedPosition     `json:"pending"`
	Versions        []TimestampedVersion  `json:"versions"`
	Accounts        []AccountState        `json:"accounts"`
}

func (m *Market) State() MarketState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := MarketState{
		Address:         m.address,
		Parameter:       m.parameter,
		RiskParameter:   m.riskParameter,
		Global:          m.global,
		Position:        m.position,
		PositionVersion: m.positionVersion,
		Pending:         indexed(m.pending),
	}
	for ts, v := range m.versions {
		st.Versions = append(st.Versions, TimestampedVersion{Timestamp: ts, Version: v})
	}
	sort.Slice(st.Versions, func(i, j int) bool { return st.Versions[i].Timestamp < st.Versions[j].Timestamp })

	for addr, a := range m.accounts {
		st.Accounts = append(st.Accounts, AccountState{
			Account: addr,
			Local:   a.local,
			Latest:  a.latest,
			Pending: indexed(a.pending),
		})
	}
	sort.Slice(st.Accounts, func(i, j int) bool {
		return st.Accounts[i].Account.Cmp(st.Accounts[j].Account) < 0
	})
	return st
}

// Restore replaces the market's contents with st. Config-level fields
// (oracle, fee roles) are kept.
func (m *Market) Restore(st MarketState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.parameter = st.Parameter
	m.riskParameter = st.RiskParameter
	m.global = st.Global
	m.position = st.Position
	m.positionVersion = st.PositionVersion
	m.pending = unindexed(st.Pending)
	m.versions = make(map[uint64]state.Version, len(st.Versions))
	for _, v := range st.Versions {
		m.versions[v.Timestamp] = v.Version
	}
	m.accounts = make(map[common.Address]*account, len(st.Accounts))
	for _, a := range st.Accounts {
		m.accounts[a.Account] = &account{local: a.Local, latest: a.Latest, pending: unindexed(a.Pending)}
	}
	m.revision++
}

func indexed(in map[uint64]state.Position) []IndexedPosition {
	out := make([]IndexedPosition, 0, len(in))
	for id, p := range in {
		out = append(out, IndexedPosition{ID: id, Position: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func unindexed(in []IndexedPosition) map[uint64]state.Position {
	out := make(map[uint64]state.Position, len(in))
	for _, p := range in {
		out[p.ID] = p.Position
	}
	return out
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })
}
