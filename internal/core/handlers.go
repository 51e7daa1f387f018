package core

import (
	"fmt"

	"PerpSettle/internal/controller"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/manager"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
)

func (e *Engine) handleOracleCommit(c *event.OracleCommit) error {
	o, ok := e.oracles[c.Oracle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOracle, c.Oracle)
	}
	if err := o.Commit(c.Version, c.Price); err != nil {
		return err
	}
	e.records = append(e.records, event.Record{
		Name:    RecordOracleCommitted,
		Payload: OracleCommitted{Oracle: c.Oracle, Version: c.Version, Price: c.Price},
	})
	return nil
}

func (e *Engine) handleMarketUpdate(c *event.MarketUpdate) error {
	m, err := e.factory.Market(c.Market)
	if err != nil {
		return err
	}
	if c.Delta != nil {
		if c.Maker != nil || c.Long != nil || c.Short != nil {
			return fmt.Errorf("%w: delta and magnitudes are exclusive", ErrInvalidPayload)
		}
		_, err = m.UpdateDelta(market.DeltaRequest{
			Sender:     c.Sender,
			Account:    c.Account,
			Maker:      c.Delta.Maker,
			Taker:      c.Delta.Taker,
			Collateral: c.Collateral,
			Referrer:   c.Referrer,
		})
		return err
	}
	_, err = m.Update(market.UpdateRequest{
		Sender:     c.Sender,
		Account:    c.Account,
		Maker:      c.Maker,
		Long:       c.Long,
		Short:      c.Short,
		Collateral: c.Collateral,
		Protect:    c.Protect,
		Referrer:   c.Referrer,
	})
	return err
}

func (e *Engine) handleSignedTake(c *event.SignedTake) error {
	m, err := e.factory.Market(c.Market)
	if err != nil {
		return err
	}
	_, err = m.UpdateWithTake(c.Sender, c.Take, c.Signature)
	return err
}

func (e *Engine) handleClaimFees(c *event.ClaimFees) error {
	m, err := e.factory.Market(c.Market)
	if err != nil {
		return err
	}
	if c.Reward {
		_, err = m.Claim(c.Sender)
	} else {
		_, err = m.ClaimFee(c.Sender)
	}
	return err
}

func (e *Engine) handleWalletFunding(c *event.WalletFunding) error {
	asset, ok := ledger.ParseAsset(c.Asset)
	if !ok {
		return fmt.Errorf("%w: unknown asset %q", ErrInvalidPayload, c.Asset)
	}
	if c.Amount.IsZero() {
		return fmt.Errorf("%w: zero amount", ErrInvalidPayload)
	}
	batch := ledger.NewBatch(c.IdempotencyKey(), e.clock.Now())
	key := ledger.WalletKey(c.Owner, asset)
	amount := ledger.FromUFixed6(asset, c.Amount)
	if c.Withdraw {
		batch.Burn(ledger.JournalTypeFunding, key, amount)
	} else {
		batch.Mint(ledger.JournalTypeFunding, key, amount)
	}
	if err := e.ledger.ApplyBatch(batch); err != nil {
		return err
	}
	e.records = append(e.records, event.Record{
		Name:    RecordWalletFunded,
		Account: c.Owner,
		Payload: WalletFunded{Asset: asset.String(), Amount: c.Amount, Withdraw: c.Withdraw},
	})
	return nil
}

// --- Controller ---

func (e *Engine) handleControllerAction(c *event.ControllerAction) error {
	var err error
	if c.Signed() {
		err = e.signedControllerAction(c)
	} else {
		err = e.ownerControllerAction(c)
	}
	if err != nil {
		return err
	}
	account, _ := e.controller.Deployed(c.Owner)
	e.records = append(e.records, event.Record{
		Name:    RecordControllerAction,
		Account: c.Owner,
		Payload: ControllerActionApplied{Action: c.Action, Account: account, Keeper: c.Keeper},
	})
	return nil
}

func (e *Engine) ownerControllerAction(c *event.ControllerAction) error {
	ctl := e.controller
	if c.Action == event.ControllerChangeRebalanceConfig {
		var change controller.RebalanceConfigChange
		if err := decode(c.Payload, &change); err != nil {
			return err
		}
		return ctl.ChangeRebalanceConfig(c.Owner, change)
	}

	var args event.ControllerArgs
	if len(c.Payload) > 0 {
		if err := decode(c.Payload, &args); err != nil {
			return err
		}
	}
	switch c.Action {
	case event.ControllerDeploy:
		_, err := ctl.Deploy(c.Owner)
		return err
	case event.ControllerDeposit:
		amount, err := unsigned(args.Amount)
		if err != nil {
			return err
		}
		return ctl.Deposit(c.Owner, amount)
	case event.ControllerWithdraw:
		amount, err := unsignedOrAll(args)
		if err != nil {
			return err
		}
		return ctl.Withdraw(c.Owner, amount, args.Unwrap)
	case event.ControllerWrap:
		amount, err := unsigned(args.Amount)
		if err != nil {
			return err
		}
		return ctl.Wrap(c.Owner, amount)
	case event.ControllerUnwrap:
		amount, err := unsigned(args.Amount)
		if err != nil {
			return err
		}
		return ctl.Unwrap(c.Owner, amount)
	case event.ControllerMarketTransfer:
		amount := args.Amount
		if args.All {
			amount = fpmath.MinFixed6
		}
		return ctl.MarketTransfer(c.Owner, args.Market, amount)
	case event.ControllerRebalance:
		return ctl.RebalanceGroup(c.Keeper, c.Owner, args.Group)
	default:
		return fmt.Errorf("%w: controller %q unsigned", ErrUnknownAction, c.Action)
	}
}

func (e *Engine) signedControllerAction(c *event.ControllerAction) error {
	ctl := e.controller
	switch c.Action {
	case event.ControllerDeploy:
		var msg controller.DeployAccount
		if err := decode(c.Payload, &msg); err != nil {
			return err
		}
		return ctl.DeployWithSignature(c.Keeper, msg, c.Signature)
	case event.ControllerWithdraw:
		var msg controller.Withdrawal
		if err := decode(c.Payload, &msg); err != nil {
			return err
		}
		return ctl.WithdrawWithSignature(c.Keeper, msg, c.Signature)
	case event.ControllerMarketTransfer:
		var msg controller.MarketTransfer
		if err := decode(c.Payload, &msg); err != nil {
			return err
		}
		return ctl.MarketTransferWithSignature(c.Keeper, msg, c.Signature)
	case event.ControllerChangeRebalanceConfig:
		var msg controller.RebalanceConfigChange
		if err := decode(c.Payload, &msg); err != nil {
			return err
		}
		return ctl.ChangeRebalanceConfigWithSignature(c.Keeper, msg, c.Signature)
	case event.ControllerRelayTake:
		var msg controller.RelayedTake
		if err := decode(c.Payload, &msg); err != nil {
			return err
		}
		return ctl.RelayTake(c.Keeper, msg, c.Signature, c.InnerSignature)
	case event.ControllerRelayNonceCancellation:
		var msg controller.RelayedNonceCancellation
		if err := decode(c.Payload, &msg); err != nil {
			return err
		}
		return ctl.RelayNonceCancellation(c.Keeper, msg, c.Signature, c.InnerSignature)
	case event.ControllerRelayGroupCancellation:
		var msg controller.RelayedGroupCancellation
		if err := decode(c.Payload, &msg); err != nil {
			return err
		}
		return ctl.RelayGroupCancellation(c.Keeper, msg, c.Signature, c.InnerSignature)
	case event.ControllerRelayOperatorUpdate:
		var msg controller.RelayedOperatorUpdate
		if err := decode(c.Payload, &msg); err != nil {
			return err
		}
		return ctl.RelayOperatorUpdate(c.Keeper, msg, c.Signature, c.InnerSignature)
	case event.ControllerRelaySignerUpdate:
		var msg controller.RelayedSignerUpdate
		if err := decode(c.Payload, &msg); err != nil {
			return err
		}
		return ctl.RelaySignerUpdate(c.Keeper, msg, c.Signature, c.InnerSignature)
	default:
		return fmt.Errorf("%w: controller %q signed", ErrUnknownAction, c.Action)
	}
}

func unsigned(v fpmath.Fixed6) (fpmath.UFixed6, error) {
	if v.Sign() < 0 {
		return 0, fmt.Errorf("%w: negative amount %s", ErrInvalidPayload, v)
	}
	return v.Abs(), nil
}

func unsignedOrAll(args event.ControllerArgs) (fpmath.UFixed6, error) {
	if args.All {
		return fpmath.MaxUFixed6, nil
	}
	return unsigned(args.Amount)
}

// --- Manager ---

func (e *Engine) handleTriggerOrderAction(c *event.TriggerOrderAction) error {
	mg := e.manager
	record := ""
	marketAddr, account, id := c.Market, c.Account, c.OrderID

	switch {
	case c.Action == event.TriggerPlace && c.Signed():
		var msg manager.PlaceOrderAction
		if err := decode(c.Payload, &msg); err != nil {
			return err
		}
		if err := mg.PlaceOrderWithSignature(c.Sender, msg, c.Signature); err != nil {
			return err
		}
		marketAddr, account, id = msg.Action.Market, msg.Action.Common.Account, msg.Action.OrderID
		record = RecordTriggerOrderPlaced
	case c.Action == event.TriggerPlace:
		var order manager.TriggerOrder
		if err := decode(c.Payload, &order); err != nil {
			return err
		}
		if err := mg.PlaceOrder(c.Account, c.Market, c.OrderID, order); err != nil {
			return err
		}
		record = RecordTriggerOrderPlaced
	case c.Action == event.TriggerCancel && c.Signed():
		var msg manager.CancelOrderAction
		if err := decode(c.Payload, &msg); err != nil {
			return err
		}
		if err := mg.CancelOrderWithSignature(c.Sender, msg, c.Signature); err != nil {
			return err
		}
		marketAddr, account, id = msg.Action.Market, msg.Action.Common.Account, msg.Action.OrderID
		record = RecordTriggerOrderCancelled
	case c.Action == event.TriggerCancel:
		if err := mg.CancelOrder(c.Account, c.Market, c.OrderID); err != nil {
			return err
		}
		record = RecordTriggerOrderCancelled
	case c.Action == event.TriggerExecute:
		if err := mg.ExecuteOrder(c.Sender, c.Market, c.Account, c.OrderID); err != nil {
			return err
		}
		record = RecordTriggerOrderExecuted
	default:
		return fmt.Errorf("%w: trigger %q", ErrUnknownAction, c.Action)
	}

	order, _ := mg.Order(marketAddr, account, id)
	e.records = append(e.records, event.Record{
		Name:    record,
		Market:  marketAddr,
		Account: account,
		Payload: manager.OrderEntry{Market: marketAddr, Account: account, ID: id, Order: order},
	})
	return nil
}

// --- Nonces ---

func (e *Engine) handleCancelNonce(c *event.CancelNonce) error {
	v, err := e.Verifier(c.Verifier)
	if err != nil {
		return err
	}
	if len(c.Signature) > 0 {
		switch {
		case c.NonceCancellation != nil:
			return v.CancelNonceWithSignature(c.Caller, *c.NonceCancellation, c.Signature)
		case c.GroupCancellation != nil:
			return v.CancelGroupWithSignature(c.Caller, *c.GroupCancellation, c.Signature)
		default:
			return fmt.Errorf("%w: signed cancellation without message", ErrInvalidPayload)
		}
	}

	if c.Nonce == nil && c.Group == nil {
		return fmt.Errorf("%w: nothing to cancel", ErrInvalidPayload)
	}
	if c.Nonce != nil {
		v.CancelNonce(c.Account, *c.Nonce)
	}
	if c.Group != nil {
		v.CancelGroup(c.Account, *c.Group)
	}
	return nil
}

// --- Parameters and access ---

// ExtensionUpdate approves or revokes a protocol-wide operator.
type ExtensionUpdate struct {
	Extension common.Address `json:"extension"`
	Approved  bool           `json:"approved"`
}

func (e *Engine) handleParameterUpdate(c *event.ParameterUpdate) error {
	switch c.Scope {
	case event.ScopeOperator, event.ScopeSigner:
		return e.handleAccessUpdate(c)
	}
	if c.Sender != e.factory.Owner() {
		return fmt.Errorf("%w: %s", ErrNotOwner, c.Sender.Hex())
	}

	switch c.Scope {
	case event.ScopeProtocol:
		var pp state.ProtocolParameter
		if err := decode(c.Payload, &pp); err != nil {
			return err
		}
		if err := e.factory.UpdateParameter(pp); err != nil {
			return err
		}
		e.records = append(e.records, event.Record{Name: RecordProtocolParameterUpdated, Payload: pp})
		return nil
	case event.ScopeMarket:
		m, err := e.factory.Market(c.Market)
		if err != nil {
			return err
		}
		var mp state.MarketParameter
		if err := decode(c.Payload, &mp); err != nil {
			return err
		}
		_, err = m.UpdateParameter(mp)
		return err
	case event.ScopeRisk:
		m, err := e.factory.Market(c.Market)
		if err != nil {
			return err
		}
		var rp state.RiskParameter
		if err := decode(c.Payload, &rp); err != nil {
			return err
		}
		_, err = m.UpdateRiskParameter(rp)
		return err
	case event.ScopeExtension:
		var u ExtensionUpdate
		if err := decode(c.Payload, &u); err != nil {
			return err
		}
		e.factory.UpdateExtension(u.Extension, u.Approved)
		e.records = append(e.records, event.Record{
			Name:    RecordAccessUpdated,
			Payload: AccessUpdated{Scope: c.Scope, Accessor: u.Extension, Approved: u.Approved},
		})
		return nil
	default:
		return fmt.Errorf("%w: parameter scope %q", ErrUnknownAction, c.Scope)
	}
}

func (e *Engine) handleAccessUpdate(c *event.ParameterUpdate) error {
	var (
		account common.Address
		access  verifier.AccessUpdate
	)
	if len(c.Signature) > 0 {
		if c.Scope == event.ScopeOperator {
			var msg verifier.OperatorUpdate
			if err := decode(c.Payload, &msg); err != nil {
				return err
			}
			if err := e.factory.UpdateOperatorWithSignature(msg, c.Signature); err != nil {
				return err
			}
			account, access = msg.Common.Account, msg.Access
		} else {
			var msg verifier.SignerUpdate
			if err := decode(c.Payload, &msg); err != nil {
				return err
			}
			if err := e.factory.UpdateSignerWithSignature(msg, c.Signature); err != nil {
				return err
			}
			account, access = msg.Common.Account, msg.Access
		}
	} else {
		if err := decode(c.Payload, &access); err != nil {
			return err
		}
		account = c.Sender
		if c.Scope == event.ScopeOperator {
			e.factory.UpdateOperator(account, access.Accessor, access.Approved)
		} else {
			e.factory.UpdateSigner(account, access.Accessor, access.Approved)
		}
	}

	e.records = append(e.records, event.Record{
		Name:    RecordAccessUpdated,
		Account: account,
		Payload: AccessUpdated{Scope: c.Scope, Accessor: access.Accessor, Approved: access.Approved},
	})
	return nil
}
