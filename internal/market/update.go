package market

import (
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
)

// UpdateRequest moves an account to absolute magnitudes. A nil magnitude
// keeps the current value. Collateral is a delta paid by or to Sender;
// fpmath.MinFixed6 withdraws everything. Protect starts a liquidation.
type UpdateRequest struct {
	Sender     common.Address
	Account    common.Address
	Maker      *fpmath.UFixed6
	Long       *fpmath.UFixed6
	Short      *fpmath.UFixed6
	Collateral fpmath.Fixed6
	Protect    bool
	Referrer   common.Address
}

// DeltaRequest changes an account by deltas. A positive Taker adds to the
// long side, a negative one to the short side.
type DeltaRequest struct {
	Sender     common.Address
	Account    common.Address
	Maker      fpmath.Fixed6
	Taker      fpmath.Fixed6
	Collateral fpmath.Fixed6
	Referrer   common.Address
}

// Magnitude is a convenience for building UpdateRequest fields.
func Magnitude(v fpmath.UFixed6) *fpmath.UFixed6 { return &v }

func (m *Market) Update(req UpdateRequest) (Effects, error) {
	return m.execute(func() (*Staged, error) { return m.stageUpdate(req) })
}

func (m *Market) StageUpdate(req UpdateRequest) (*Staged, error) {
	return m.staged(func() (*Staged, error) { return m.stageUpdate(req) })
}

func (m *Market) UpdateDelta(req DeltaRequest) (Effects, error) {
	return m.execute(func() (*Staged, error) { return m.stageDelta(req) })
}

func (m *Market) StageDelta(req DeltaRequest) (*Staged, error) {
	return m.staged(func() (*Staged, error) { return m.stageDelta(req) })
}

// UpdateWithTake applies a taker delta signed by the account. The signature
// is checked against this market's address as domain; sender only relays.
func (m *Market) UpdateWithTake(sender common.Address, take verifier.Take, signature []byte) (Effects, error) {
	return m.execute(func() (*Staged, error) { return m.stageTake(sender, take, signature) })
}

func (m *Market) StageTake(sender common.Address, take verifier.Take, signature []byte) (*Staged, error) {
	return m.staged(func() (*Staged, error) { return m.stageTake(sender, take, signature) })
}

// Settle advances owner and the global state to the latest oracle version.
// The zero address settles the global state only.
func (m *Market) Settle(owner common.Address) (Effects, error) {
	return m.execute(func() (*Staged, error) { return m.stage(owner, nil) })
}

func (m *Market) StageSettle(owner common.Address) (*Staged, error) {
	return m.staged(func() (*Staged, error) { return m.stage(owner, nil) })
}

// Settled returns owner's local state and latest position as they would be
// after settling now. Nothing is written.
func (m *Market) Settled(owner common.Address) (state.Local, state.Position, error) {
	s, err := m.StageSettle(owner)
	if err != nil {
		return state.Local{}, state.Position{}, err
	}
	defer s.Discard()
	return s.ctx.local, s.ctx.latestLocal, nil
}

func (m *Market) stageUpdate(req UpdateRequest) (*Staged, error) {
	return m.stage(req.Account, func(c *settlementContext) error { return c.update(req) })
}

func (m *Market) stageDelta(req DeltaRequest) (*Staged, error) {
	return m.stage(req.Account, func(c *settlementContext) error {
		update, err := c.resolveDelta(req)
		if err != nil {
			return err
		}
		return c.update(update)
	})
}

func (m *Market) stageTake(sender common.Address, take verifier.Take, signature []byte) (*Staged, error) {
	receipt, err := m.factory.verifier.Begin(m.address, take, signature)
	if err != nil {
		return nil, err
	}
	owner := take.Common.Account
	s, err := m.stageDelta(DeltaRequest{Sender: owner, Account: owner, Taker: take.Amount, Referrer: take.Referrer})
	if err != nil {
		receipt.Rollback()
		return nil, err
	}
	s.receipts = append(s.receipts, receipt)
	m.logger.Debug().Str("relayer", sender.Hex()).Str("account", owner.Hex()).Str("amount", take.Amount.String()).Msg("take staged")
	return s, nil
}

// resolveDelta converts deltas into absolute magnitudes against the current
// position.
func (c *settlementContext) resolveDelta(req DeltaRequest) (UpdateRequest, error) {
	current := c.currentLocal()
	maker := current.Maker.Fixed().Add(req.Maker)
	if maker.Lt(fpmath.ZeroFixed6) {
		return UpdateRequest{}, ErrInvalidDelta
	}
	net := current.Long.Fixed().Sub(current.Short.Fixed()).Add(req.Taker)
	var long, short fpmath.UFixed6
	if net.Sign() > 0 {
		long = net.Abs()
	} else {
		short = net.Abs()
	}
	return UpdateRequest{
		Sender:     req.Sender,
		Account:    req.Account,
		Maker:      Magnitude(fpmath.UFixed6FromFixed(maker)),
		Long:       Magnitude(long),
		Short:      Magnitude(short),
		Collateral: req.Collateral,
		Referrer:   req.Referrer,
	}, nil
}

func orCurrent(v *fpmath.UFixed6, current fpmath.UFixed6) fpmath.UFixed6 {
	if v == nil {
		return current
	}
	return *v
}

// fresh starts a new pending position from current. Fees registered at
// earlier timestamps belong to the previous id.
func fresh(current state.Position) state.Position {
	current.Fee, current.Keeper, current.Collateral = 0, 0, 0
	return current
}

func (c *settlementContext) update(req UpdateRequest) error {
	mp, rp := c.m.parameter, c.m.riskParameter
	currentGlobal, currentLocal := c.currentGlobal(), c.currentLocal()

	collateral := req.Collateral
	if collateral == fpmath.MinFixed6 {
		collateral = c.local.Collateral.Max(fpmath.ZeroFixed6).Neg()
	}

	order := state.NewOrder(
		c.currentTimestamp,
		currentLocal,
		orCurrent(req.Maker, currentLocal.Maker),
		orCurrent(req.Long, currentLocal.Long),
		orCurrent(req.Short, currentLocal.Short),
		collateral,
	)

	if !order.Empty() {
		if c.local.CurrentID == c.local.LatestID || c.currentTimestamp > currentLocal.Timestamp {
			c.local.CurrentID++
			currentLocal = fresh(currentLocal)
		}
		if c.global.CurrentID == c.global.LatestID || c.currentTimestamp > currentGlobal.Timestamp {
			c.global.CurrentID++
			currentGlobal = fresh(currentGlobal)
		}

		after := currentGlobal
		if _, err := after.Apply(order); err != nil {
			return ErrOverClose
		}
		order.RegisterFee(c.priceVersion().Price, currentGlobal, after, mp, rp)

		if _, err := currentLocal.Apply(order); err != nil {
			return ErrOverClose
		}
		if _, err := currentGlobal.Apply(order); err != nil {
			return ErrOverClose
		}
		c.pendingGlobal[c.global.CurrentID] = currentGlobal
		c.pendingLocal[c.local.CurrentID] = currentLocal
		c.request = true
	}

	c.local.Update(collateral)
	protected := c.local.Protect(c.latestLocal, c.currentTimestamp, req.Protect)
	if protected {
		c.local.ProtectionAmount = c.latestLocal.LiquidationFee(c.priceVersion(), rp)
		c.local.ProtectionInitiator = req.Sender
	}

	if err := c.invariant(req, order, currentGlobal, currentLocal, collateral, protected); err != nil {
		return err
	}
	if err := c.checkStorage(order); err != nil {
		return err
	}

	c.fund(req.Sender, collateral)
	c.records = append(c.records, event.Record{
		Name:    RecordUpdated,
		Market:  c.m.address,
		Account: req.Account,
		Payload: Updated{
			Sender:     req.Sender,
			Timestamp:  c.currentTimestamp,
			Maker:      currentLocal.Maker,
			Long:       currentLocal.Long,
			Short:      currentLocal.Short,
			Collateral: collateral,
			Protect:    protected,
			Referrer:   req.Referrer,
			Fee:        order.Fee,
			Keeper:     order.Keeper,
		},
	})
	return nil
}

// checkStorage validates everything the update is about to write and
// normalizes the local pending position.
func (c *settlementContext) checkStorage(order state.Order) error {
	if err := c.global.CheckStorage(); err != nil {
		return err
	}
	if err := c.local.CheckStorage(); err != nil {
		return err
	}
	if order.Empty() {
		return nil
	}
	if err := c.pendingGlobal[c.global.CurrentID].CheckStorage(); err != nil {
		return err
	}
	stored, err := state.StoreLocalPosition(c.pendingLocal[c.local.CurrentID])
	if err != nil {
		return err
	}
	c.pendingLocal[c.local.CurrentID] = stored
	return nil
}

// fund moves DSU between the sender's wallet and the market vault.
func (c *settlementContext) fund(sender common.Address, collateral fpmath.Fixed6) {
	vault := ledger.MarketKey(c.m.address, ledger.AssetDSU)
	wallet := ledger.WalletKey(sender, ledger.AssetDSU)
	amount := ledger.FromUFixed6(ledger.AssetDSU, collateral.Abs())
	switch collateral.Sign() {
	case 1:
		c.batch.Transfer(ledger.JournalTypeMarketDeposit, wallet, vault, amount)
	case -1:
		c.batch.Transfer(ledger.JournalTypeMarketWithdrawal, vault, wallet, amount)
	}
}
