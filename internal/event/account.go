package event

import (
	"encoding/json"

	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Controller action names.
const (
	ControllerDeploy                 = "deploy"
	ControllerDeposit                = "deposit"
	ControllerWithdraw               = "withdraw"
	ControllerWrap                   = "wrap"
	ControllerUnwrap                 = "unwrap"
	ControllerMarketTransfer         = "market_transfer"
	ControllerChangeRebalanceConfig  = "change_rebalance_config"
	ControllerRebalance              = "rebalance"
	ControllerRelayTake              = "relay_take"
	ControllerRelayNonceCancellation = "relay_nonce_cancellation"
	ControllerRelayGroupCancellation = "relay_group_cancellation"
	ControllerRelayOperatorUpdate    = "relay_operator_update"
	ControllerRelaySignerUpdate      = "relay_signer_update"
)

// ControllerArgs are the arguments of an owner-sent controller action. All
// withdraws, or transfers out of a market, the full balance.
type ControllerArgs struct {
	Amount fpmath.Fixed6  `json:"amount"`
	All    bool           `json:"all,omitempty"`
	Unwrap bool           `json:"unwrap,omitempty"`
	Market common.Address `json:"market,omitempty"`
	Group  uint64         `json:"group,omitempty"`
}

// ControllerAction operates a collateral account. Without a Signature the
// Owner sends it directly and Payload holds ControllerArgs (or the config
// change for change_rebalance_config). With one, Keeper relays it and
// Payload holds the signed message; relayed factory messages also carry
// the inner signature. rebalance is never signed.
type ControllerAction struct {
	Header
	Action         string          `json:"action"`
	Owner          common.Address  `json:"owner"`
	Keeper         common.Address  `json:"keeper"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Signature      hexutil.Bytes   `json:"signature,omitempty"`
	InnerSignature hexutil.Bytes   `json:"innerSignature,omitempty"`
}

func (a *ControllerAction) CommandType() CommandType { return CommandTypeControllerAction }
func (a *ControllerAction) MarketID() *string        { return nil }

// Signed reports whether the action is relayed by a keeper.
func (a *ControllerAction) Signed() bool { return len(a.Signature) > 0 }

// WalletFunding moves tokens across the ledger boundary into or out of an
// owner's wallet. Amount is in 6-decimal units for both assets.
type WalletFunding struct {
	Header
	Owner    common.Address `json:"owner"`
	Asset    string         `json:"asset"`
	Amount   fpmath.UFixed6 `json:"amount"`
	Withdraw bool           `json:"withdraw"`
}

func (f *WalletFunding) CommandType() CommandType { return CommandTypeWalletFunding }
func (f *WalletFunding) MarketID() *string        { return nil }
