package controller

import (
	"github.com/ethereum/go-ethereum/common"
)

// RelayTake submits a signed taker order to the market named by the take's
// domain. The keeper is paid from the collateral account of the Action's
// signer.
func (c *Controller) RelayTake(keeperAddr common.Address, msg RelayedTake, outer, inner []byte) error {
	return c.relay(keeperAddr, ActionRelayTake, msg, msg.Action, outer, false, func(tx *txn) error {
		m, err := c.factory.Market(msg.Take.Common.Domain)
		if err != nil {
			return err
		}
		s, err := m.StageTake(keeperAddr, msg.Take, inner)
		if err != nil {
			return err
		}
		tx.stage(s)
		return nil
	})
}

// The relayed factory messages below take effect immediately, so the keeper
// fee is staged first and checked against the ledger before the inner
// message is applied.

func (c *Controller) RelayNonceCancellation(keeperAddr common.Address, msg RelayedNonceCancellation, outer, inner []byte) error {
	return c.relay(keeperAddr, ActionRelayNonceCancel, msg, msg.Action, outer, true, func(tx *txn) error {
		if err := tx.check(); err != nil {
			return err
		}
		return c.factory.Verifier().CancelNonceWithSignature(c.factory.Address(), msg.NonceCancellation, inner)
	})
}

func (c *Controller) RelayGroupCancellation(keeperAddr common.Address, msg RelayedGroupCancellation, outer, inner []byte) error {
	return c.relay(keeperAddr, ActionRelayGroupCancel, msg, msg.Action, outer, true, func(tx *txn) error {
		if err := tx.check(); err != nil {
			return err
		}
		return c.factory.Verifier().CancelGroupWithSignature(c.factory.Address(), msg.GroupCancellation, inner)
	})
}

func (c *Controller) RelayOperatorUpdate(keeperAddr common.Address, msg RelayedOperatorUpdate, outer, inner []byte) error {
	return c.relay(keeperAddr, ActionRelayOperator, msg, msg.Action, outer, true, func(tx *txn) error {
		if err := tx.check(); err != nil {
			return err
		}
		return c.factory.UpdateOperatorWithSignature(msg.OperatorUpdate, inner)
	})
}

func (c *Controller) RelaySignerUpdate(keeperAddr common.Address, msg RelayedSignerUpdate, outer, inner []byte) error {
	return c.relay(keeperAddr, ActionRelaySigner, msg, msg.Action, outer, true, func(tx *txn) error {
		if err := tx.check(); err != nil {
			return err
		}
		return c.factory.UpdateSignerWithSignature(msg.SignerUpdate, inner)
	})
}
