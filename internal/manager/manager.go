// Package manager keeps price-triggered orders per (market, account,
// order id) and executes them for permissionless keepers.
package manager

import (
	"fmt"
	"sort"
	"sync"

	"PerpSettle/internal/keeper"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Action names, used for keeper compensation and metrics.
const (
	ActionPlace   = "place_order"
	ActionCancel  = "cancel_order"
	ActionExecute = "execute_order"
)

// Config wires a manager. The manager acts on markets as Sender, so the
// factory must approve Address as an extension or each account must
// approve it as an operator.
type Config struct {
	Address  common.Address
	Factory  *market.Factory
	Verifier *verifier.Verifier
	Ledger   *ledger.BalanceTracker
	Clock    oracle.Clock
	Keeper   keeper.Compensation
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
}

type orderKey struct {
	market  common.Address
	account common.Address
	id      uint64
}

type Manager struct {
	address  common.Address
	factory  *market.Factory
	verifier *verifier.Verifier
	ledger   *ledger.BalanceTracker
	clock    oracle.Clock
	keeper   keeper.Compensation
	logger   zerolog.Logger
	metrics  *observability.Metrics

	mu     sync.Mutex
	orders map[orderKey]TriggerOrder
}

func New(cfg Config) *Manager {
	cfg.Verifier.SetSignerAuthority(cfg.Factory)
	return &Manager{
		address:  cfg.Address,
		factory:  cfg.Factory,
		verifier: cfg.Verifier,
		ledger:   cfg.Ledger,
		clock:    cfg.Clock,
		keeper:   cfg.Keeper,
		logger:   cfg.Logger.With().Str("component", "manager").Logger(),
		metrics:  cfg.Metrics,
		orders:   make(map[orderKey]TriggerOrder),
	}
}

func (mg *Manager) Address() common.Address      { return mg.address }
func (mg *Manager) Verifier() *verifier.Verifier { return mg.verifier }

// Order returns a stored order, spent or not.
func (mg *Manager) Order(marketAddr, account common.Address, id uint64) (TriggerOrder, bool) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	o, ok := mg.orders[orderKey{marketAddr, account, id}]
	return o, ok
}

// PlaceOrder stores order for sender. An unspent id is replaced.
func (mg *Manager) PlaceOrder(sender, marketAddr common.Address, id uint64, order TriggerOrder) (err error) {
	defer func() { mg.observe(marketAddr, ActionPlace, err) }()
	mg.mu.Lock()
	defer mg.mu.Unlock()

	key := orderKey{marketAddr, sender, id}
	if err := mg.checkPlace(key, order); err != nil {
		return err
	}
	mg.place(key, order)
	return nil
}

// CancelOrder spends sender's order without executing it.
func (mg *Manager) CancelOrder(sender, marketAddr common.Address, id uint64) (err error) {
	defer func() { mg.observe(marketAddr, ActionCancel, err) }()
	mg.mu.Lock()
	defer mg.mu.Unlock()

	key := orderKey{marketAddr, sender, id}
	if err := mg.checkCancel(key); err != nil {
		return err
	}
	mg.cancel(key)
	return nil
}

// PlaceOrderWithSignature places a signed order and pays keeper from the
// account's collateral in the order's market.
func (mg *Manager) PlaceOrderWithSignature(keeperAddr common.Address, msg PlaceOrderAction, signature []byte) error {
	return mg.signed(keeperAddr, ActionPlace, msg, msg.Action, signature,
		func(key orderKey) error { return mg.checkPlace(key, msg.Order) },
		func(key orderKey) { mg.place(key, msg.Order) })
}

func (mg *Manager) CancelOrderWithSignature(keeperAddr common.Address, msg CancelOrderAction, signature []byte) error {
	return mg.signed(keeperAddr, ActionCancel, msg, msg.Action, signature,
		mg.checkCancel,
		mg.cancel)
}

func (mg *Manager) checkPlace(key orderKey, order TriggerOrder) error {
	if _, err := mg.factory.Market(key.market); err != nil {
		return err
	}
	if old, ok := mg.orders[key]; ok && old.IsSpent {
		return fmt.Errorf("%w: %d", ErrInvalidOrderNonce, key.id)
	}
	return order.Validate()
}

func (mg *Manager) place(key orderKey, order TriggerOrder) {
	order.IsSpent = false
	mg.orders[key] = order
	mg.logger.Info().
		Str("market", key.market.Hex()).
		Str("account", key.account.Hex()).
		Uint64("order", key.id).
		Str("side", order.Side.String()).
		Str("price", order.Price.String()).
		Str("delta", order.Delta.String()).
		Msg("trigger order placed")
}

func (mg *Manager) checkCancel(key orderKey) error {
	old, ok := mg.orders[key]
	if !ok || old.IsSpent {
		return fmt.Errorf("%w: %d", ErrCannotCancel, key.id)
	}
	return nil
}

func (mg *Manager) cancel(key orderKey) {
	o := mg.orders[key]
	o.IsSpent = true
	mg.orders[key] = o
	mg.logger.Info().Str("market", key.market.Hex()).Str("account", key.account.Hex()).Uint64("order", key.id).Msg("trigger order cancelled")
}

// signed verifies msg, checks the change, pays keeper and then applies the
// change. Any failure releases the nonce and leaves the order untouched.
func (mg *Manager) signed(
	keeperAddr common.Address,
	action string,
	msg verifier.Message,
	a Action,
	signature []byte,
	check func(orderKey) error,
	apply func(orderKey),
) (err error) {
	defer func() { mg.observe(a.Market, action, err) }()
	mg.mu.Lock()
	defer mg.mu.Unlock()

	receipt, err := mg.verifier.Begin(mg.address, msg, signature)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			receipt.Rollback()
			return
		}
		receipt.Commit()
	}()
	defer fpmath.Recover(&err)

	key := orderKey{a.Market, a.Common.Account, a.OrderID}
	if err := check(key); err != nil {
		return err
	}
	m, err := mg.factory.Market(a.Market)
	if err != nil {
		return err
	}

	batch := ledger.NewBatch(fmt.Sprintf("manager:%s:%s", action, key.account.Hex()), mg.clock.Now())
	fee := keeper.Fee(mg.keeper, action, a.MaxFee)
	var stages []*market.Staged
	if !fee.IsZero() {
		s, err := m.StageUpdate(market.UpdateRequest{
			Sender:     mg.address,
			Account:    key.account,
			Collateral: fee.Fixed().Neg(),
		})
		if err != nil {
			return err
		}
		stages = append(stages, s)
		batch.Append(s.Batch)
		mg.pay(batch, keeperAddr, fee, ledger.JournalTypeKeeperFee, false)
	}
	if err := market.CommitAll(mg.ledger, batch, stages...); err != nil {
		return err
	}
	apply(key)
	return nil
}

// CheckOrder returns the order and whether it can execute at the market's
// latest oracle price.
func (mg *Manager) CheckOrder(marketAddr, account common.Address, id uint64) (TriggerOrder, bool, error) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	m, err := mg.factory.Market(marketAddr)
	if err != nil {
		return TriggerOrder{}, false, err
	}
	o, ok := mg.orders[orderKey{marketAddr, account, id}]
	if !ok {
		return TriggerOrder{}, false, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return o, !o.IsSpent && o.Triggered(m.Oracle().Latest().Price), nil
}

// ExecuteOrder applies a triggered order. The position change, the keeper
// fee and the interface fee are withdrawn from the account's collateral
// and paid out in one ledger batch; the order is spent only if that batch
// and the market update commit.
func (mg *Manager) ExecuteOrder(keeperAddr, marketAddr, account common.Address, id uint64) (err error) {
	defer func() { mg.observeExecution(marketAddr, err) }()
	defer fpmath.Recover(&err)
	mg.mu.Lock()
	defer mg.mu.Unlock()

	key := orderKey{marketAddr, account, id}
	order, ok := mg.orders[key]
	if !ok {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if order.IsSpent {
		return fmt.Errorf("%w: %d spent", ErrCannotExecute, id)
	}
	m, err := mg.factory.Market(marketAddr)
	if err != nil {
		return err
	}
	price := m.Oracle().Latest().Price
	if !order.Triggered(price) {
		return fmt.Errorf("%w: price %s", ErrCannotExecute, price)
	}

	delta := order.resolve(m.CurrentPosition(account))
	keeperFee := keeper.Fee(mg.keeper, ActionExecute, order.MaxFee)
	interfaceFee := order.InterfaceFee.Charge(delta, price)

	req := market.DeltaRequest{
		Sender:     mg.address,
		Account:    account,
		Collateral: keeperFee.Add(interfaceFee).Fixed().Neg(),
		Referrer:   order.Referrer,
	}
	switch order.Side {
	case SideMaker:
		req.Maker = delta
	case SideLong:
		req.Taker = delta
	case SideShort:
		req.Taker = delta.Neg()
	}
	s, err := m.StageDelta(req)
	if err != nil {
		return err
	}

	batch := ledger.NewBatch(fmt.Sprintf("manager:%s:%s:%d", ActionExecute, account.Hex(), id), mg.clock.Now())
	batch.Append(s.Batch)
	mg.pay(batch, keeperAddr, keeperFee, ledger.JournalTypeKeeperFee, false)
	mg.pay(batch, order.InterfaceFee.Receiver, interfaceFee, ledger.JournalTypeInterfaceFee, order.InterfaceFee.Unwrap)
	if err := market.CommitAll(mg.ledger, batch, s); err != nil {
		return err
	}

	order.IsSpent = true
	mg.orders[key] = order
	mg.logger.Info().
		Str("market", marketAddr.Hex()).
		Str("account", account.Hex()).
		Uint64("order", id).
		Str("delta", delta.String()).
		Str("price", price.String()).
		Str("keeperFee", keeperFee.String()).
		Str("interfaceFee", interfaceFee.String()).
		Msg("trigger order executed")
	return nil
}

// pay moves amount of the manager's DSU to, as USDC when unwrap is set.
func (mg *Manager) pay(batch *ledger.Batch, to common.Address, amount fpmath.UFixed6, typ ledger.JournalType, unwrap bool) {
	if amount.IsZero() {
		return
	}
	from := ledger.WalletKey(mg.address, ledger.AssetDSU)
	if !unwrap {
		batch.Transfer(typ, from, ledger.WalletKey(to, ledger.AssetDSU), ledger.FromUFixed6(ledger.AssetDSU, amount))
		return
	}
	usdc := batch.Unwrap(from, ledger.FromUFixed6(ledger.AssetDSU, amount))
	batch.Transfer(typ,
		ledger.WalletKey(mg.address, ledger.AssetUSDC),
		ledger.WalletKey(to, ledger.AssetUSDC),
		ledger.FromUFixed6(ledger.AssetUSDC, usdc))
}

func (mg *Manager) observe(marketAddr common.Address, action string, err error) {
	if err != nil {
		mg.logger.Debug().Err(err).Str("action", action).Str("market", marketAddr.Hex()).Msg("order action rejected")
		return
	}
	if mg.metrics != nil {
		mg.metrics.TriggerOrders.WithLabelValues(marketAddr.Hex(), action).Inc()
	}
}

func (mg *Manager) observeExecution(marketAddr common.Address, err error) {
	if err != nil {
		mg.logger.Debug().Err(err).Str("market", marketAddr.Hex()).Msg("execution rejected")
	}
	if mg.metrics != nil {
		mg.metrics.TriggerExecutions.WithLabelValues(marketAddr.Hex(), outcome(err)).Inc()
	}
}

// OrderEntry is one stored order.
type OrderEntry struct {
	Market  common.Address `json:"market"`
	Account common.Address `json:"account"`
	ID      uint64         `json:"orderId"`
	Order   TriggerOrder   `json:"order"`
}

type ManagerState struct {
	Orders []OrderEntry `json:"orders"`
}

// Orders lists account's orders in every market, sorted by market then id.
func (mg *Manager) Orders(account common.Address) []OrderEntry {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	out := make([]OrderEntry, 0)
	for k, o := range mg.orders {
		if k.account == account {
			out = append(out, OrderEntry{Market: k.market, Account: k.account, ID: k.id, Order: o})
		}
	}
	sortEntries(out)
	return out
}

// State exports every order, sorted.
func (mg *Manager) State() ManagerState {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	st := ManagerState{Orders: make([]OrderEntry, 0, len(mg.orders))}
	for k, o := range mg.orders {
		st.Orders = append(st.Orders, OrderEntry{Market: k.market, Account: k.account, ID: k.id, Order: o})
	}
	sortEntries(st.Orders)
	return st
}

func (mg *Manager) Restore(st ManagerState) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.orders = make(map[orderKey]TriggerOrder, len(st.Orders))
	for _, e := range st.Orders {
		mg.orders[orderKey{e.Market, e.Account, e.ID}] = e.Order
	}
}

func sortEntries(entries []OrderEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if cmp := a.Market.Cmp(b.Market); cmp != 0 {
			return cmp < 0
		}
		if cmp := a.Account.Cmp(b.Account); cmp != 0 {
			return cmp < 0
		}
		return a.ID < b.ID
	})
}
