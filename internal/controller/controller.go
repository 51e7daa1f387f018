// Package controller manages collateral accounts: deterministic per-owner
// token holders that move collateral between markets on signed
// instructions and keep groups of markets at target allocations.
package controller

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
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

// accountInitCode stands in for the collateral account creation code in
// the CREATE2 derivation.
var accountInitCode = crypto.Keccak256([]byte("PerpSettle:collateral-account:v1"))

// Config wires a controller. Verifier is the controller's own signing
// domain; inner relayed messages are checked by the factory's verifier.
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

type Controller struct {
	address  common.Address
	factory  *market.Factory
	verifier *verifier.Verifier
	ledger   *ledger.BalanceTracker
	clock    oracle.Clock
	keeper   keeper.Compensation
	logger   zerolog.Logger
	metrics  *observability.Metrics

	// mu serializes every controller operation.
	mu       sync.Mutex
	accounts map[common.Address]common.Address // owner -> account
	groups   map[common.Address]map[uint64]*Group
}

func New(cfg Config) *Controller {
	cfg.Verifier.SetSignerAuthority(cfg.Factory)
	return &Controller{
		address:  cfg.Address,
		factory:  cfg.Factory,
		verifier: cfg.Verifier,
		ledger:   cfg.Ledger,
		clock:    cfg.Clock,
		keeper:   cfg.Keeper,
		logger:   cfg.Logger.With().Str("component", "controller").Logger(),
		metrics:  cfg.Metrics,
		accounts: make(map[common.Address]common.Address),
		groups:   make(map[common.Address]map[uint64]*Group),
	}
}

func (c *Controller) Address() common.Address      { return c.address }
func (c *Controller) Verifier() *verifier.Verifier { return c.verifier }

// AccountAddress is the CREATE2 address of owner's collateral account,
// whether or not it is deployed.
func (c *Controller) AccountAddress(owner common.Address) common.Address {
	var salt [32]byte
	initHash := crypto.Keccak256(accountInitCode, common.LeftPadBytes(owner.Bytes(), 32))
	return crypto.CreateAddress2(c.address, salt, initHash)
}

// Deployed returns owner's account address if it is deployed.
func (c *Controller) Deployed(owner common.Address) (common.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	account, ok := c.accounts[owner]
	return account, ok
}

// txn collects the ledger entries and market stages of one controller
// operation so that they commit together.
type txn struct {
	c       *Controller
	action  string
	owner   common.Address
	account common.Address
	batch   *ledger.Batch
	stages  []*market.Staged
	deploy  bool
}

// begin starts a transaction for owner. It must be called with c.mu held.
func (c *Controller) begin(action string, owner common.Address) *txn {
	account, deployed := c.accounts[owner]
	if !deployed {
		account = c.AccountAddress(owner)
	}
	return &txn{
		c:       c,
		action:  action,
		owner:   owner,
		account: account,
		batch:   ledger.NewBatch(fmt.Sprintf("controller:%s:%s", action, owner.Hex()), c.clock.Now()),
		deploy:  !deployed,
	}
}

func (tx *txn) key(asset ledger.Asset) ledger.AccountKey {
	return ledger.WalletKey(tx.account, asset)
}

// balance is the account's balance of asset after the entries so far.
func (tx *txn) balance(asset ledger.Asset) fpmath.UFixed6 {
	v, _ := ledger.ToUFixed6(asset, tx.c.ledger.Projected(tx.batch, tx.key(asset)))
	return v
}

// stage adds a market stage and its ledger entries.
func (tx *txn) stage(s *market.Staged) {
	tx.stages = append(tx.stages, s)
	tx.batch.Append(s.Batch)
}

func (tx *txn) discard() {
	for _, s := range tx.stages {
		s.Discard()
	}
}

// check reports whether the entries so far would apply.
func (tx *txn) check() error {
	if tx.batch.Empty() {
		return nil
	}
	return tx.c.ledger.CanApply(tx.batch)
}

// commit applies the batch and every stage atomically.
func (tx *txn) commit() error {
	if err := market.CommitAll(tx.c.ledger, tx.batch, tx.stages...); err != nil {
		return err
	}
	if tx.deploy {
		tx.c.accounts[tx.owner] = tx.account
		tx.c.logger.Info().Str("owner", tx.owner.Hex()).Str("account", tx.account.Hex()).Msg("account deployed")
	}
	return nil
}

// wrapIfNecessary wraps enough USDC to hold amount of DSU.
func (tx *txn) wrapIfNecessary(amount fpmath.UFixed6) {
	need := ledger.FromUFixed6(ledger.AssetDSU, amount)
	have := tx.c.ledger.Projected(tx.batch, tx.key(ledger.AssetDSU))
	if !have.Lt(need) {
		return
	}
	short := need.Sub(need, have)
	usdc, dust := ledger.ToUFixed6(ledger.AssetDSU, short)
	if !dust.IsZero() {
		usdc = usdc.Add(1)
	}
	tx.batch.Wrap(tx.key(ledger.AssetUSDC), usdc)
}

// chargeFee pays keeper in DSU from the account.
func (tx *txn) chargeFee(keeperAddr common.Address, fee fpmath.UFixed6) {
	if fee.IsZero() {
		return
	}
	tx.wrapIfNecessary(fee)
	tx.batch.Transfer(ledger.JournalTypeKeeperFee,
		tx.key(ledger.AssetDSU),
		ledger.WalletKey(keeperAddr, ledger.AssetDSU),
		ledger.FromUFixed6(ledger.AssetDSU, fee))
}

// run executes an owner-initiated operation. The account must be deployed
// unless allowDeploy is set.
func (c *Controller) run(action string, owner common.Address, allowDeploy bool, build func(tx *txn) error) (err error) {
	defer func() { c.observe(action, err) }()
	defer fpmath.Recover(&err)

	c.mu.Lock()
	defer c.mu.Unlock()

	tx := c.begin(action, owner)
	if tx.deploy && !allowDeploy {
		return fmt.Errorf("%w: %s", ErrAccountNotDeployed, owner.Hex())
	}
	if err := build(tx); err != nil {
		tx.discard()
		return err
	}
	return tx.commit()
}

// relay executes a signed action for a keeper. The signature is checked
// against the controller's domain and the account is deployed on first
// use. feeFirst charges the keeper before build runs.
func (c *Controller) relay(
	keeperAddr common.Address,
	action string,
	msg verifier.Message,
	envelope Action,
	signature []byte,
	feeFirst bool,
	build func(tx *txn) error,
) (err error) {
	defer func() { c.observe(action, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	receipt, err := c.verifier.Begin(c.address, msg, signature)
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

	tx := c.begin(action, envelope.Common.Account)
	fee := keeper.Fee(c.keeper, action, envelope.MaxFee)
	if feeFirst {
		tx.chargeFee(keeperAddr, fee)
	}
	if err := build(tx); err != nil {
		tx.discard()
		return err
	}
	if !feeFirst {
		tx.chargeFee(keeperAddr, fee)
	}
	if err := tx.commit(); err != nil {
		return err
	}
	c.logger.Debug().
		Str("action", action).
		Str("owner", tx.owner.Hex()).
		Str("keeper", keeperAddr.Hex()).
		Str("fee", fee.String()).
		Msg("action relayed")
	return nil
}

func (c *Controller) observe(action string, err error) {
	if err != nil {
		c.logger.Debug().Err(err).Str("action", action).Msg("action rejected")
	}
	if c.metrics != nil {
		c.metrics.ControllerActions.WithLabelValues(action, outcome(err)).Inc()
	}
}

// AccountEntry is a deployed account.
type AccountEntry struct {
	Owner   common.Address `json:"owner"`
	Account common.Address `json:"account"`
}

// GroupEntry is one configured rebalance group.
type GroupEntry struct {
	Owner  common.Address `json:"owner"`
	ID     uint64         `json:"group"`
	Config Group          `json:"config"`
}

type ControllerState struct {
	Accounts []AccountEntry `json:"accounts"`
	Groups   []GroupEntry   `json:"groups"`
}

// State exports deployed accounts and rebalance groups, sorted.
func (c *Controller) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := ControllerState{
		Accounts: make([]AccountEntry, 0, len(c.accounts)),
		Groups:   make([]GroupEntry, 0),
	}
	for owner, account := range c.accounts {
		st.Accounts = append(st.Accounts, AccountEntry{Owner: owner, Account: account})
	}
	sort.Slice(st.Accounts, func(i, j int) bool { return st.Accounts[i].Owner.Cmp(st.Accounts[j].Owner) < 0 })

	for owner, groups := range c.groups {
		for id, g := range groups {
			st.Groups = append(st.Groups, GroupEntry{Owner: owner, ID: id, Config: g.clone()})
		}
	}
	sort.Slice(st.Groups, func(i, j int) bool {
		if cmp := st.Groups[i].Owner.Cmp(st.Groups[j].Owner); cmp != 0 {
			return cmp < 0
		}
		return st.Groups[i].ID < st.Groups[j].ID
	})
	return st
}

// Restore replaces all controller state.
func (c *Controller) Restore(st ControllerState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.accounts = make(map[common.Address]common.Address, len(st.Accounts))
	for _, a := range st.Accounts {
		c.accounts[a.Owner] = a.Account
	}
	c.groups = make(map[common.Address]map[uint64]*Group)
	for _, g := range st.Groups {
		if c.groups[g.Owner] == nil {
			c.groups[g.Owner] = make(map[uint64]*Group)
		}
		cfg := g.Config.clone()
		c.groups[g.Owner][g.ID] = &cfg
	}
}
