package controller

import (
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Action authorizes a keeper to relay one controller operation for a fee of
// at most MaxFee. Common.Account is the owner of the collateral account.
type Action struct {
	MaxFee fpmath.UFixed6  `json:"maxFee"`
	Common verifier.Common `json:"common"`
}

var actionType = []apitypes.Type{
	{Name: "maxFee", Type: "uint256"},
	{Name: "common", Type: "Common"},
}

func (a Action) PrimaryType() string            { return "Action" }
func (a Action) Authorization() verifier.Common { return a.Common }
func (a Action) Types() apitypes.Types {
	return verifier.MergeTypes(a.Common.Types(), apitypes.Types{"Action": actionType})
}
func (a Action) Fields() map[string]interface{} {
	return map[string]interface{}{
		"maxFee": verifier.Uint(uint64(a.MaxFee)),
		"common": a.Common.Fields(),
	}
}

// actionOnly builds the type set of a message whose only nested struct is
// its Action.
func actionOnly(name string, fields []apitypes.Type) apitypes.Types {
	return verifier.MergeTypes(Action{}.Types(), apitypes.Types{name: fields})
}

// DeployAccount deploys the signer's collateral account.
type DeployAccount struct {
	Action Action `json:"action"`
}

var deployAccountType = []apitypes.Type{
	{Name: "action", Type: "Action"},
}

func (d DeployAccount) PrimaryType() string            { return "DeployAccount" }
func (d DeployAccount) Authorization() verifier.Common { return d.Action.Common }
func (d DeployAccount) Types() apitypes.Types          { return actionOnly("DeployAccount", deployAccountType) }
func (d DeployAccount) Fields() map[string]interface{} {
	return map[string]interface{}{"action": d.Action.Fields()}
}

// MarketTransfer moves collateral between the account and a market. A
// positive amount deposits, a negative one withdraws and fpmath.MinFixed6
// withdraws everything.
type MarketTransfer struct {
	Market common.Address `json:"market"`
	Amount fpmath.Fixed6  `json:"amount"`
	Action Action         `json:"action"`
}

var marketTransferType = []apitypes.Type{
	{Name: "market", Type: "address"},
	{Name: "amount", Type: "int256"},
	{Name: "action", Type: "Action"},
}

func (m MarketTransfer) PrimaryType() string            { return "MarketTransfer" }
func (m MarketTransfer) Authorization() verifier.Common { return m.Action.Common }
func (m MarketTransfer) Types() apitypes.Types {
	return actionOnly("MarketTransfer", marketTransferType)
}
func (m MarketTransfer) Fields() map[string]interface{} {
	return map[string]interface{}{
		"market": verifier.Address(m.Market),
		"amount": verifier.Int(int64(m.Amount)),
		"action": m.Action.Fields(),
	}
}

// Withdrawal pushes USDC from the account to its owner. fpmath.MaxUFixed6
// withdraws everything.
type Withdrawal struct {
	Amount fpmath.UFixed6 `json:"amount"`
	Unwrap bool           `json:"unwrap"`
	Action Action         `json:"action"`
}

var withdrawalType = []apitypes.Type{
	{Name: "amount", Type: "uint256"},
	{Name: "unwrap", Type: "bool"},
	{Name: "action", Type: "Action"},
}

func (w Withdrawal) PrimaryType() string            { return "Withdrawal" }
func (w Withdrawal) Authorization() verifier.Common { return w.Action.Common }
func (w Withdrawal) Types() apitypes.Types          { return actionOnly("Withdrawal", withdrawalType) }
func (w Withdrawal) Fields() map[string]interface{} {
	return map[string]interface{}{
		"amount": verifier.Uint(uint64(w.Amount)),
		"unwrap": w.Unwrap,
		"action": w.Action.Fields(),
	}
}

// RebalanceConfig is one market's share of a rebalance group.
type RebalanceConfig struct {
	Target    fpmath.UFixed6 `json:"target"`
	Threshold fpmath.UFixed6 `json:"threshold"`
}

var rebalanceConfigType = []apitypes.Type{
	{Name: "target", Type: "uint256"},
	{Name: "threshold", Type: "uint256"},
}

func (r RebalanceConfig) fields() map[string]interface{} {
	return map[string]interface{}{
		"target":    verifier.Uint(uint64(r.Target)),
		"threshold": verifier.Uint(uint64(r.Threshold)),
	}
}

// RebalanceConfigChange replaces a group. An empty market list deletes it.
type RebalanceConfigChange struct {
	Group   uint64            `json:"group"`
	Markets []common.Address  `json:"markets"`
	Configs []RebalanceConfig `json:"configs"`
	MaxFee  fpmath.UFixed6    `json:"maxFee"`
	Action  Action            `json:"action"`
}

var rebalanceConfigChangeType = []apitypes.Type{
	{Name: "group", Type: "uint256"},
	{Name: "markets", Type: "address[]"},
	{Name: "configs", Type: "RebalanceConfig[]"},
	{Name: "maxFee", Type: "uint256"},
	{Name: "action", Type: "Action"},
}

func (r RebalanceConfigChange) PrimaryType() string            { return "RebalanceConfigChange" }
func (r RebalanceConfigChange) Authorization() verifier.Common { return r.Action.Common }
func (r RebalanceConfigChange) Types() apitypes.Types {
	return verifier.MergeTypes(Action{}.Types(), apitypes.Types{
		"RebalanceConfig":       rebalanceConfigType,
		"RebalanceConfigChange": rebalanceConfigChangeType,
	})
}
func (r RebalanceConfigChange) Fields() map[string]interface{} {
	markets := make([]interface{}, len(r.Markets))
	for i, m := range r.Markets {
		markets[i] = verifier.Address(m)
	}
	configs := make([]interface{}, len(r.Configs))
	for i, c := range r.Configs {
		configs[i] = c.fields()
	}
	return map[string]interface{}{
		"group":   verifier.Uint(r.Group),
		"markets": markets,
		"configs": configs,
		"maxFee":  verifier.Uint(uint64(r.MaxFee)),
		"action":  r.Action.Fields(),
	}
}

// Relayed messages wrap a message of another verifier. The outer Action is
// checked by the controller and the inner message by its own domain, so both
// nonces are consumed.

type RelayedTake struct {
	Take   verifier.Take `json:"take"`
	Action Action        `json:"action"`
}

var relayedTakeType = []apitypes.Type{
	{Name: "take", Type: "Take"},
	{Name: "action", Type: "Action"},
}

func (r RelayedTake) PrimaryType() string            { return "RelayedTake" }
func (r RelayedTake) Authorization() verifier.Common { return r.Action.Common }
func (r RelayedTake) Types() apitypes.Types {
	return verifier.MergeTypes(Action{}.Types(), r.Take.Types(), apitypes.Types{"RelayedTake": relayedTakeType})
}
func (r RelayedTake) Fields() map[string]interface{} {
	return map[string]interface{}{
		"take":   r.Take.Fields(),
		"action": r.Action.Fields(),
	}
}

type RelayedNonceCancellation struct {
	NonceCancellation verifier.Common `json:"nonceCancellation"`
	Action            Action          `json:"action"`
}

var relayedNonceCancellationType = []apitypes.Type{
	{Name: "nonceCancellation", Type: "Common"},
	{Name: "action", Type: "Action"},
}

func (r RelayedNonceCancellation) PrimaryType() string            { return "RelayedNonceCancellation" }
func (r RelayedNonceCancellation) Authorization() verifier.Common { return r.Action.Common }
func (r RelayedNonceCancellation) Types() apitypes.Types {
	return actionOnly("RelayedNonceCancellation", relayedNonceCancellationType)
}
func (r RelayedNonceCancellation) Fields() map[string]interface{} {
	return map[string]interface{}{
		"nonceCancellation": r.NonceCancellation.Fields(),
		"action":            r.Action.Fields(),
	}
}

type RelayedGroupCancellation struct {
	GroupCancellation verifier.GroupCancellation `json:"groupCancellation"`
	Action            Action                     `json:"action"`
}

var relayedGroupCancellationType = []apitypes.Type{
	{Name: "groupCancellation", Type: "GroupCancellation"},
	{Name: "action", Type: "Action"},
}

func (r RelayedGroupCancellation) PrimaryType() string            { return "RelayedGroupCancellation" }
func (r RelayedGroupCancellation) Authorization() verifier.Common { return r.Action.Common }
func (r RelayedGroupCancellation) Types() apitypes.Types {
	return verifier.MergeTypes(Action{}.Types(), r.GroupCancellation.Types(),
		apitypes.Types{"RelayedGroupCancellation": relayedGroupCancellationType})
}
func (r RelayedGroupCancellation) Fields() map[string]interface{} {
	return map[string]interface{}{
		"groupCancellation": r.GroupCancellation.Fields(),
		"action":            r.Action.Fields(),
	}
}

type RelayedOperatorUpdate struct {
	OperatorUpdate verifier.OperatorUpdate `json:"operatorUpdate"`
	Action         Action                  `json:"action"`
}

var relayedOperatorUpdateType = []apitypes.Type{
	{Name: "operatorUpdate", Type: "OperatorUpdate"},
	{Name: "action", Type: "Action"},
}

func (r RelayedOperatorUpdate) PrimaryType() string            { return "RelayedOperatorUpdate" }
func (r RelayedOperatorUpdate) Authorization() verifier.Common { return r.Action.Common }
func (r RelayedOperatorUpdate) Types() apitypes.Types {
	return verifier.MergeTypes(Action{}.Types(), r.OperatorUpdate.Types(),
		apitypes.Types{"RelayedOperatorUpdate": relayedOperatorUpdateType})
}
func (r RelayedOperatorUpdate) Fields() map[string]interface{} {
	return map[string]interface{}{
		"operatorUpdate": r.OperatorUpdate.Fields(),
		"action":         r.Action.Fields(),
	}
}

type RelayedSignerUpdate struct {
	SignerUpdate verifier.SignerUpdate `json:"signerUpdate"`
	Action       Action                `json:"action"`
}

var relayedSignerUpdateType = []apitypes.Type{
	{Name: "signerUpdate", Type: "SignerUpdate"},
	{Name: "action", Type: "Action"},
}

func (r RelayedSignerUpdate) PrimaryType() string            { return "RelayedSignerUpdate" }
func (r RelayedSignerUpdate) Authorization() verifier.Common { return r.Action.Common }
func (r RelayedSignerUpdate) Types() apitypes.Types {
	return verifier.MergeTypes(Action{}.Types(), r.SignerUpdate.Types(),
		apitypes.Types{"RelayedSignerUpdate": relayedSignerUpdateType})
}
func (r RelayedSignerUpdate) Fields() map[string]interface{} {
	return map[string]interface{}{
		"signerUpdate": r.SignerUpdate.Fields(),
		"action":       r.Action.Fields(),
	}
}
