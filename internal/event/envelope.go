package event

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeOracleCommit
	CommandTypeMarketUpdate
	CommandTypeSignedTake
	CommandTypeControllerAction
	CommandTypeTriggerOrderAction
	CommandTypeCancelNonce
	CommandTypeParameterUpdate
	CommandTypeWalletFunding
	CommandTypeClaimFees
)

var commandTypeNames = [...]string{
	"Unknown",
	"OracleCommit",
	"MarketUpdate",
	"SignedTake",
	"ControllerAction",
	"TriggerOrderAction",
	"CancelNonce",
	"ParameterUpdate",
	"WalletFunding",
	"ClaimFees",
}

func (ct CommandType) String() string {
	if ct >= 0 && int(ct) < len(commandTypeNames) {
		return commandTypeNames[ct]
	}
	return "Unknown"
}

// ParseCommandType is the inverse of String.
func ParseCommandType(s string) (CommandType, bool) {
	for i, name := range commandTypeNames {
		if i > 0 && name == s {
			return CommandType(i), true
		}
	}
	return CommandTypeUnknown, false
}

// Envelope wraps every applied command in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64 `json:"sequence"`

	// Stable idempotency key from upstream
	IdempotencyKey string `json:"idempotencyKey"`

	CommandType CommandType `json:"commandType"`

	// Partition context (nil for global commands)
	MarketID *string `json:"marketId,omitempty"`

	// Versioned input timestamp, unix seconds (NOT wall-clock)
	Timestamp uint64 `json:"timestamp"`

	// Upstream sequence for ordering validation
	SourceSequence int64 `json:"sourceSequence"`

	// JSON-encoded command
	Payload json.RawMessage `json:"payload"`

	// Domain records produced while applying the command
	Records []Record `json:"records"`

	// Reason the command was rejected; empty when it applied
	Rejected string `json:"rejected,omitempty"`

	// SHA-256 of state AFTER applying this command
	StateHash common.Hash `json:"stateHash"`

	// Previous command's state hash (chain integrity)
	PrevHash common.Hash `json:"prevHash"`
}

// Command is the interface all inbound commands implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// MarketID returns the partition context (nil for global commands)
	MarketID() *string

	// SourceSequence returns the upstream ordering key. Zero means the
	// command is unsequenced.
	SourceSequence() int64

	// Timestamp returns the versioned input time in unix seconds
	Timestamp() uint64
}

// Header carries the fields every command shares.
type Header struct {
	CommandID uuid.UUID `json:"commandId"`
	Sequence  int64     `json:"sequence"`
	Time      uint64    `json:"timestamp"`
}

func (h Header) IdempotencyKey() string { return h.CommandID.String() }
func (h Header) SourceSequence() int64  { return h.Sequence }
func (h Header) Timestamp() uint64      { return h.Time }
