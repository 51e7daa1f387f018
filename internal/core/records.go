package core

import (
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Records produced by the engine itself. Market records are named in
// package market.
const (
	RecordOracleCommitted          = "OracleCommitted"
	RecordWalletFunded             = "WalletFunded"
	RecordControllerAction         = "ControllerActionApplied"
	RecordTriggerOrderPlaced       = "TriggerOrderPlaced"
	RecordTriggerOrderCancelled    = "TriggerOrderCancelled"
	RecordTriggerOrderExecuted     = "TriggerOrderExecuted"
	RecordAccessUpdated            = "AccessUpdated"
	RecordProtocolParameterUpdated = "ProtocolParameterUpdated"
	RecordNonceUsed                = "NonceUsed"
	RecordNonceCancelled           = "NonceCancelled"
	RecordGroupCancelled           = "GroupCancelled"
)

type OracleCommitted struct {
	Oracle  string        `json:"oracle"`
	Version uint64        `json:"version"`
	Price   fpmath.Fixed6 `json:"price"`
}

type WalletFunded struct {
	Asset    string         `json:"asset"`
	Amount   fpmath.UFixed6 `json:"amount"`
	Withdraw bool           `json:"withdraw"`
}

// ControllerActionApplied reports a successful collateral account action.
// Account is zero when the owner has no deployed account.
type ControllerActionApplied struct {
	Action  string         `json:"action"`
	Account common.Address `json:"account"`
	Keeper  common.Address `json:"keeper"`
}

type AccessUpdated struct {
	Scope    string         `json:"scope"`
	Accessor common.Address `json:"accessor"`
	Approved bool           `json:"approved"`
}

// NonceUsage is the payload of the nonce and group records.
type NonceUsage struct {
	Verifier string       `json:"verifier"`
	Value    *uint256.Int `json:"value"`
}

var usageRecordNames = map[string]string{
	verifier.UsageNonceUsed:      RecordNonceUsed,
	verifier.UsageNonceCancelled: RecordNonceCancelled,
	verifier.UsageGroupCancelled: RecordGroupCancelled,
}

func usageRecord(verifierName string, u verifier.Usage) event.Record {
	return event.Record{
		Name:    usageRecordNames[u.Kind],
		Account: u.Account,
		Payload: NonceUsage{Verifier: verifierName, Value: u.Value},
	}
}
