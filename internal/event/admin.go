package event

import (
	"encoding/json"

	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// Verifier names accepted by CancelNonce.
const (
	VerifierMarket     = "market"
	VerifierController = "controller"
	VerifierManager    = "manager"
)

// CancelNonce invalidates a nonce or a whole group in one verifier.
// Unsigned, Account cancels its own Nonce and/or Group. Signed, Caller
// relays either NonceCancellation or GroupCancellation.
type CancelNonce struct {
	Header
	Verifier          string                      `json:"verifier"`
	Caller            common.Address              `json:"caller"`
	Account           common.Address              `json:"account"`
	Nonce             *uint256.Int                `json:"nonce,omitempty"`
	Group             *uint256.Int                `json:"group,omitempty"`
	NonceCancellation *verifier.Common            `json:"nonceCancellation,omitempty"`
	GroupCancellation *verifier.GroupCancellation `json:"groupCancellation,omitempty"`
	Signature         hexutil.Bytes               `json:"signature,omitempty"`
}

func (c *CancelNonce) CommandType() CommandType { return CommandTypeCancelNonce }
func (c *CancelNonce) MarketID() *string        { return nil }

// Parameter scopes.
const (
	ScopeProtocol  = "protocol"
	ScopeMarket    = "market"
	ScopeRisk      = "risk"
	ScopeOperator  = "operator"
	ScopeSigner    = "signer"
	ScopeExtension = "extension"
)

// ParameterUpdate changes protocol configuration or factory access lists.
// protocol, market, risk and extension require the factory owner as
// Sender and carry the new parameter as Payload. operator and signer are
// sent by the account itself (or relayed with Signature) and carry an
// access update.
type ParameterUpdate struct {
	Header
	Scope     string          `json:"scope"`
	Sender    common.Address  `json:"sender"`
	Market    common.Address  `json:"market"`
	Payload   json.RawMessage `json:"payload"`
	Signature hexutil.Bytes   `json:"signature,omitempty"`
}

func (u *ParameterUpdate) CommandType() CommandType { return CommandTypeParameterUpdate }
func (u *ParameterUpdate) MarketID() *string {
	if u.Scope == ScopeMarket || u.Scope == ScopeRisk {
		return marketID(u.Market)
	}
	return nil
}
