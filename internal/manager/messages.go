package manager

import (
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Action authorizes a keeper to change one order on the account's behalf
// for a fee of at most MaxFee, withdrawn from the account's collateral in
// Market.
type Action struct {
	Market  common.Address  `json:"market"`
	OrderID uint64          `json:"orderId"`
	MaxFee  fpmath.UFixed6  `json:"maxFee"`
	Common  verifier.Common `json:"common"`
}

var actionType = []apitypes.Type{
	{Name: "market", Type: "address"},
	{Name: "orderId", Type: "uint256"},
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
		"market":  verifier.Address(a.Market),
		"orderId": verifier.Uint(a.OrderID),
		"maxFee":  verifier.Uint(uint64(a.MaxFee)),
		"common":  a.Common.Fields(),
	}
}

type PlaceOrderAction struct {
	Order  TriggerOrder `json:"order"`
	Action Action       `json:"action"`
}

var placeOrderActionType = []apitypes.Type{
	{Name: "order", Type: "TriggerOrder"},
	{Name: "action", Type: "Action"},
}

func (p PlaceOrderAction) PrimaryType() string            { return "PlaceOrderAction" }
func (p PlaceOrderAction) Authorization() verifier.Common { return p.Action.Common }
func (p PlaceOrderAction) Types() apitypes.Types {
	return verifier.MergeTypes(Action{}.Types(), apitypes.Types{
		"InterfaceFee":     interfaceFeeType,
		"TriggerOrder":     triggerOrderType,
		"PlaceOrderAction": placeOrderActionType,
	})
}
func (p PlaceOrderAction) Fields() map[string]interface{} {
	return map[string]interface{}{
		"order":  p.Order.fields(),
		"action": p.Action.Fields(),
	}
}

type CancelOrderAction struct {
	Action Action `json:"action"`
}

var cancelOrderActionType = []apitypes.Type{
	{Name: "action", Type: "Action"},
}

func (c CancelOrderAction) PrimaryType() string            { return "CancelOrderAction" }
func (c CancelOrderAction) Authorization() verifier.Common { return c.Action.Common }
func (c CancelOrderAction) Types() apitypes.Types {
	return verifier.MergeTypes(Action{}.Types(), apitypes.Types{"CancelOrderAction": cancelOrderActionType})
}
func (c CancelOrderAction) Fields() map[string]interface{} {
	return map[string]interface{}{"action": c.Action.Fields()}
}
