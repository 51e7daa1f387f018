package event

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Trigger order action names.
const (
	TriggerPlace   = "place"
	TriggerCancel  = "cancel"
	TriggerExecute = "execute"
)

// TriggerOrderAction places, cancels or executes a trigger order. An
// unsigned place carries the order as Payload and is sent by Account; a
// signed place or cancel carries the signed action and is relayed by Sender.
// execute is sent by a keeper.
type TriggerOrderAction struct {
	Header
	Action    string          `json:"action"`
	Market    common.Address  `json:"market"`
	Account   common.Address  `json:"account"`
	Sender    common.Address  `json:"sender"`
	OrderID   uint64          `json:"orderId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Signature hexutil.Bytes   `json:"signature,omitempty"`
}

func (a *TriggerOrderAction) CommandType() CommandType { return CommandTypeTriggerOrderAction }
func (a *TriggerOrderAction) MarketID() *string        { return marketID(a.Market) }

// Signed reports whether the action is relayed.
func (a *TriggerOrderAction) Signed() bool { return len(a.Signature) > 0 }
