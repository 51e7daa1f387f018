package market

import (
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// settlementContext is a copy-on-write view of a market and one account.
// Settlement and updates mutate the context only; commitLocked writes it
// back.
type settlementContext struct {
	m       *Market
	account common.Address

	latestVersion    state.OracleVersion
	currentTimestamp uint64
	now              uint64

	global          state.Global
	latestGlobal    state.Position
	positionVersion state.OracleVersion
	pendingGlobal   map[uint64]state.Position
	settledGlobal   []uint64
	versions        map[uint64]state.Version

	local        state.Local
	latestLocal  state.Position
	pendingLocal map[uint64]state.Position
	settledLocal []uint64

	request bool
	batch   *ledger.Batch
	records []event.Record
}

// loadContext must be called with m.mu held.
func (m *Market) loadContext(owner common.Address) *settlementContext {
	latest, current := m.oracle.Status()
	now := m.clock.Now()

	c := &settlementContext{
		m:                m,
		account:          owner,
		latestVersion:    latest,
		currentTimestamp: current,
		now:              now,
		global:           m.global,
		latestGlobal:     m.position,
		positionVersion:  m.positionVersion,
		pendingGlobal:    make(map[uint64]state.Position),
		versions:         make(map[uint64]state.Version),
		pendingLocal:     make(map[uint64]state.Position),
		batch:            ledger.NewBatch("", now),
	}
	if a, ok := m.accounts[owner]; ok {
		c.local = a.local
		c.latestLocal = a.latest
	}
	return c
}

func (c *settlementContext) hasAccount() bool { return c.account != (common.Address{}) }

func (c *settlementContext) pendingGlobalAt(id uint64) state.Position {
	if p, ok := c.pendingGlobal[id]; ok {
		return p
	}
	return c.m.pending[id]
}

func (c *settlementContext) pendingLocalAt(id uint64) state.Position {
	if p, ok := c.pendingLocal[id]; ok {
		return p
	}
	if a, ok := c.m.accounts[c.account]; ok {
		return a.pending[id]
	}
	return state.Position{}
}

func (c *settlementContext) versionAt(timestamp uint64) state.Version {
	if v, ok := c.versions[timestamp]; ok {
		return v
	}
	return c.m.versions[timestamp]
}

// priceVersion is the latest oracle version with the last valid price
// substituted when it is invalid.
func (c *settlementContext) priceVersion() state.OracleVersion {
	v := c.latestVersion
	if !v.Valid {
		v.Price = c.global.LatestPrice
	}
	return v
}

func (c *settlementContext) currentGlobal() state.Position {
	if c.global.CurrentID == c.global.LatestID {
		return c.latestGlobal
	}
	p := c.pendingGlobalAt(c.global.CurrentID)
	p.Adjust(c.latestGlobal)
	return p
}

func (c *settlementContext) currentLocal() state.Position {
	if c.local.CurrentID == c.local.LatestID {
		return c.latestLocal
	}
	p := c.pendingLocalAt(c.local.CurrentID)
	p.AdjustLocal(c.latestLocal)
	return p
}

// settle processes every ready pending position, global first, then syncs
// both sides to the latest oracle version.
func (c *settlementContext) settle() {
	for c.global.CurrentID != c.global.LatestID {
		id := c.global.LatestID + 1
		next := c.pendingGlobalAt(id)
		next.Adjust(c.latestGlobal)
		if !next.Ready(c.latestVersion) {
			break
		}
		c.processGlobal(id, next)
		delete(c.pendingGlobal, id)
		c.settledGlobal = append(c.settledGlobal, id)
	}

	if c.hasAccount() {
		for c.local.CurrentID != c.local.LatestID {
			id := c.local.LatestID + 1
			next := c.pendingLocalAt(id)
			next.AdjustLocal(c.latestLocal)
			if !next.Ready(c.latestVersion) {
				break
			}
			c.processLocal(id, next)
			delete(c.pendingLocal, id)
			c.settledLocal = append(c.settledLocal, id)
		}
	}

	if c.latestVersion.Timestamp > c.latestGlobal.Timestamp {
		next := c.latestGlobal
		next.Sync(c.latestVersion)
		c.processGlobal(c.global.LatestID, next)
	}
	if c.hasAccount() && c.latestVersion.Timestamp > c.latestLocal.Timestamp {
		next := c.latestLocal
		next.Sync(c.latestVersion)
		c.processLocal(c.local.LatestID, next)
	}
}

func (c *settlementContext) oracleVersionAt(timestamp uint64) state.OracleVersion {
	v := c.m.oracle.At(timestamp)
	if !v.Valid {
		v.Price = c.global.LatestPrice
	}
	return v
}

func (c *settlementContext) processGlobal(id uint64, next state.Position) {
	mp, rp := c.m.parameter, c.m.riskParameter
	fromID, fromTimestamp := c.global.LatestID, c.latestGlobal.Timestamp

	toVersion := c.oracleVersionAt(next.Timestamp)
	if !toVersion.Valid {
		c.latestGlobal.Invalidate(&next)
	}
	c.global.UpdateLatestPrice(toVersion)

	version, global, result, fee := c.versionAt(fromTimestamp).Accumulate(state.AccumulationContext{
		Global:            c.global,
		FromPosition:      c.latestGlobal,
		ToPosition:        next,
		FromOracleVersion: c.positionVersion,
		ToOracleVersion:   toVersion,
		MarketParameter:   mp,
		RiskParameter:     rp,
	})

	c.global = global
	c.global.Update(id, fee, next.Keeper, mp, c.m.factory.Parameter())
	c.latestGlobal.Update(next)
	c.positionVersion = toVersion
	c.versions[next.Timestamp] = version

	c.records = append(c.records, event.Record{
		Name:   RecordPositionProcessed,
		Market: c.m.address,
		Payload: PositionProcessed{
			FromID:        fromID,
			ToID:          id,
			FromTimestamp: fromTimestamp,
			ToTimestamp:   next.Timestamp,
			Valid:         toVersion.Valid,
			Price:         toVersion.Price,
			Fee:           fee,
			Result:        result,
		},
	})
}

func (c *settlementContext) processLocal(id uint64, next state.Position) {
	fromID, fromTimestamp := c.local.LatestID, c.latestLocal.Timestamp

	toVersion := c.versionAt(next.Timestamp)
	if !toVersion.Valid {
		c.latestLocal.Invalidate(&next)
	}
	result := c.local.Accumulate(id, c.latestLocal, next, c.versionAt(fromTimestamp), toVersion)
	c.latestLocal.Update(next)

	c.records = append(c.records, event.Record{
		Name:    RecordAccountPositionProcessed,
		Market:  c.m.address,
		Account: c.account,
		Payload: AccountPositionProcessed{
			FromID:        fromID,
			ToID:          id,
			FromTimestamp: fromTimestamp,
			ToTimestamp:   next.Timestamp,
			Collateral:    c.local.Collateral,
			Result:        result,
		},
	})
}

// pendingCloses sums the decreases of every pending local position relative
// to its predecessor.
func (c *settlementContext) pendingCloses() fpmath.UFixed6 {
	previous := c.latestLocal.Magnitude()
	var closes fpmath.UFixed6
	for id := c.local.LatestID + 1; id <= c.local.CurrentID; id++ {
		p := c.pendingLocalAt(id)
		p.AdjustLocal(c.latestLocal)
		magnitude := p.Magnitude()
		closes = closes.Add(previous.SaturatingSub(magnitude))
		previous = magnitude
	}
	return closes
}

// pendingFees sums the position and keeper fees that unsettled local
// positions will charge.
func (c *settlementContext) pendingFees() fpmath.UFixed6 {
	var fees fpmath.UFixed6
	for id := c.local.LatestID + 1; id <= c.local.CurrentID; id++ {
		p := c.pendingLocalAt(id)
		fees = fees.Add(p.Fee).Add(p.Keeper)
	}
	return fees
}

// commitLocked writes c back into m. m.mu must be held for writing.
func (m *Market) commitLocked(c *settlementContext) {
	m.global = c.global
	m.position = c.latestGlobal
	m.positionVersion = c.positionVersion
	for _, id := range c.settledGlobal {
		delete(m.pending, id)
	}
	for id, p := range c.pendingGlobal {
		m.pending[id] = p
	}
	for ts, v := range c.versions {
		m.versions[ts] = v
	}

	if c.hasAccount() {
		a, ok := m.accounts[c.account]
		if !ok {
			a = &account{pending: make(map[uint64]state.Position)}
			m.accounts[c.account] = a
		}
		a.local = c.local
		a.latest = c.latestLocal
		for _, id := range c.settledLocal {
			delete(a.pending, id)
		}
		for id, p := range c.pendingLocal {
			a.pending[id] = p
		}
	}

	m.revision++
	if c.request {
		m.oracle.Request(m.address, c.account)
	}
	m.observe(c.records)
}
