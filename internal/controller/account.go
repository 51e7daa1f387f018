package controller

import (
	"fmt"

	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Action names, used for keeper compensation and metrics.
const (
	ActionDeploy           = "deploy"
	ActionDeposit          = "deposit"
	ActionWithdraw         = "withdraw"
	ActionWrap             = "wrap"
	ActionUnwrap           = "unwrap"
	ActionMarketTransfer   = "market_transfer"
	ActionRebalanceConfig  = "rebalance_config"
	ActionRebalance        = "rebalance"
	ActionRelayTake        = "relay_take"
	ActionRelayNonceCancel = "relay_nonce_cancellation"
	ActionRelayGroupCancel = "relay_group_cancellation"
	ActionRelayOperator    = "relay_operator_update"
	ActionRelaySigner      = "relay_signer_update"
)

// Balance is a collateral account's token holdings in 6 decimals.
type Balance struct {
	Account common.Address `json:"account"`
	USDC    fpmath.UFixed6 `json:"usdc"`
	DSU     fpmath.UFixed6 `json:"dsu"`
}

// Balance returns the holdings of owner's account, deployed or not.
func (c *Controller) Balance(owner common.Address) Balance {
	account := c.AccountAddress(owner)
	usdc, _ := ledger.ToUFixed6(ledger.AssetUSDC, c.ledger.GetBalance(ledger.WalletKey(account, ledger.AssetUSDC)))
	dsu, _ := ledger.ToUFixed6(ledger.AssetDSU, c.ledger.GetBalance(ledger.WalletKey(account, ledger.AssetDSU)))
	return Balance{Account: account, USDC: usdc, DSU: dsu}
}

// Deploy deploys owner's account.
func (c *Controller) Deploy(owner common.Address) (common.Address, error) {
	var account common.Address
	err := c.run(ActionDeploy, owner, true, func(tx *txn) error {
		if !tx.deploy {
			return fmt.Errorf("%w: %s", ErrAccountDeployed, owner.Hex())
		}
		account = tx.account
		return nil
	})
	return account, err
}

// DeployWithSignature deploys the signer's account and pays keeper from
// funds already sent to its address.
func (c *Controller) DeployWithSignature(keeperAddr common.Address, msg DeployAccount, signature []byte) error {
	return c.relay(keeperAddr, ActionDeploy, msg, msg.Action, signature, false, func(tx *txn) error {
		if !tx.deploy {
			return fmt.Errorf("%w: %s", ErrAccountDeployed, tx.owner.Hex())
		}
		return nil
	})
}

// Deposit pulls USDC from owner's wallet into the account.
func (c *Controller) Deposit(owner common.Address, amount fpmath.UFixed6) error {
	return c.run(ActionDeposit, owner, false, func(tx *txn) error {
		if amount.IsZero() {
			return ErrInvalidAmount
		}
		tx.batch.Transfer(ledger.JournalTypeTransfer,
			ledger.WalletKey(owner, ledger.AssetUSDC),
			tx.key(ledger.AssetUSDC),
			ledger.FromUFixed6(ledger.AssetUSDC, amount))
		return nil
	})
}

// Withdraw pushes USDC to owner. With unwrap, DSU covers whatever the USDC
// balance cannot; fpmath.MaxUFixed6 withdraws everything.
func (c *Controller) Withdraw(owner common.Address, amount fpmath.UFixed6, unwrap bool) error {
	return c.run(ActionWithdraw, owner, false, func(tx *txn) error { return tx.withdraw(amount, unwrap) })
}

func (c *Controller) WithdrawWithSignature(keeperAddr common.Address, msg Withdrawal, signature []byte) error {
	return c.relay(keeperAddr, ActionWithdraw, msg, msg.Action, signature, true, func(tx *txn) error {
		return tx.withdraw(msg.Amount, msg.Unwrap)
	})
}

func (tx *txn) withdraw(amount fpmath.UFixed6, unwrap bool) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	all := amount == fpmath.MaxUFixed6
	usdc := tx.balance(ledger.AssetUSDC)

	if unwrap && (all || usdc.Lt(amount)) {
		dsuKey := tx.key(ledger.AssetDSU)
		if all {
			usdc = usdc.Add(tx.batch.Unwrap(dsuKey, tx.c.ledger.Projected(tx.batch, dsuKey)))
		} else {
			usdc = usdc.Add(tx.batch.Unwrap(dsuKey, ledger.FromUFixed6(ledger.AssetDSU, amount.Sub(usdc))))
		}
	}
	if all {
		amount = usdc
	}
	tx.batch.Transfer(ledger.JournalTypeTransfer,
		tx.key(ledger.AssetUSDC),
		ledger.WalletKey(tx.owner, ledger.AssetUSDC),
		ledger.FromUFixed6(ledger.AssetUSDC, amount))
	return nil
}

// Wrap converts account USDC to DSU.
func (c *Controller) Wrap(owner common.Address, amount fpmath.UFixed6) error {
	return c.run(ActionWrap, owner, false, func(tx *txn) error {
		if amount.IsZero() {
			return ErrInvalidAmount
		}
		tx.batch.Wrap(tx.key(ledger.AssetUSDC), amount)
		return nil
	})
}

// Unwrap converts account DSU to USDC; fpmath.MaxUFixed6 unwraps all of it
// and burns the dust.
func (c *Controller) Unwrap(owner common.Address, amount fpmath.UFixed6) error {
	return c.run(ActionUnwrap, owner, false, func(tx *txn) error {
		if amount.IsZero() {
			return ErrInvalidAmount
		}
		dsuKey := tx.key(ledger.AssetDSU)
		dsu := ledger.FromUFixed6(ledger.AssetDSU, amount)
		if amount == fpmath.MaxUFixed6 {
			dsu = tx.c.ledger.Projected(tx.batch, dsuKey)
		}
		tx.batch.Unwrap(dsuKey, dsu)
		return nil
	})
}

// MarketTransfer deposits collateral into or withdraws it from a market
// without changing the account's position. Deposits wrap USDC when the DSU
// balance is short.
func (c *Controller) MarketTransfer(owner, marketAddr common.Address, amount fpmath.Fixed6) error {
	return c.run(ActionMarketTransfer, owner, false, func(tx *txn) error {
		return tx.marketTransfer(marketAddr, amount)
	})
}

func (c *Controller) MarketTransferWithSignature(keeperAddr common.Address, msg MarketTransfer, signature []byte) error {
	return c.relay(keeperAddr, ActionMarketTransfer, msg, msg.Action, signature, false, func(tx *txn) error {
		return tx.marketTransfer(msg.Market, msg.Amount)
	})
}

func (tx *txn) marketTransfer(marketAddr common.Address, amount fpmath.Fixed6) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	m, err := tx.c.factory.Market(marketAddr)
	if err != nil {
		return err
	}
	if amount.Sign() > 0 {
		tx.wrapIfNecessary(amount.Abs())
	}
	s, err := m.StageUpdate(market.UpdateRequest{
		Sender:     tx.account,
		Account:    tx.account,
		Collateral: amount,
	})
	if err != nil {
		return err
	}
	tx.stage(s)
	return nil
}
