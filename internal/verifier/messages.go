package verifier

import (
	"encoding/json"

	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
)

// Common is embedded in every signed message. Domain is the address of the
// component expected to consume the message. Expiry 0 means the caller
// enforces its own deadline.
type Common struct {
	Account common.Address
	Signer  common.Address
	Domain  common.Address
	Nonce   uint256.Int
	Group   uint256.Int
	Expiry  uint64
}

type commonJSON struct {
	Account common.Address `json:"account"`
	Signer  common.Address `json:"signer"`
	Domain  common.Address `json:"domain"`
	Nonce   *uint256.Int   `json:"nonce"`
	Group   *uint256.Int   `json:"group"`
	Expiry  uint64         `json:"expiry"`
}

func (c Common) MarshalJSON() ([]byte, error) {
	return json.Marshal(commonJSON{
		Account: c.Account,
		Signer:  c.Signer,
		Domain:  c.Domain,
		Nonce:   &c.Nonce,
		Group:   &c.Group,
		Expiry:  c.Expiry,
	})
}

func (c *Common) UnmarshalJSON(data []byte) error {
	var raw commonJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Common{Account: raw.Account, Signer: raw.Signer, Domain: raw.Domain, Expiry: raw.Expiry}
	if raw.Nonce != nil {
		c.Nonce = *raw.Nonce
	}
	if raw.Group != nil {
		c.Group = *raw.Group
	}
	return nil
}

// CommonType is the EIP-712 definition of Common.
var CommonType = []apitypes.Type{
	{Name: "account", Type: "address"},
	{Name: "signer", Type: "address"},
	{Name: "domain", Type: "address"},
	{Name: "nonce", Type: "uint256"},
	{Name: "group", Type: "uint256"},
	{Name: "expiry", Type: "uint256"},
}

func (c Common) PrimaryType() string   { return "Common" }
func (c Common) Types() apitypes.Types { return apitypes.Types{"Common": CommonType} }
func (c Common) Authorization() Common { return c }
func (c Common) Fields() map[string]interface{} {
	return map[string]interface{}{
		"account": Address(c.Account),
		"signer":  Address(c.Signer),
		"domain":  Address(c.Domain),
		"nonce":   Uint256(c.Nonce),
		"group":   Uint256(c.Group),
		"expiry":  Uint(c.Expiry),
	}
}

// Take is a signed taker order: a positive amount opens or extends long, a
// negative amount short.
type Take struct {
	Amount   fpmath.Fixed6  `json:"amount"`
	Referrer common.Address `json:"referrer"`
	Common   Common         `json:"common"`
}

var takeType = []apitypes.Type{
	{Name: "amount", Type: "int256"},
	{Name: "referrer", Type: "address"},
	{Name: "common", Type: "Common"},
}

func (t Take) PrimaryType() string   { return "Take" }
func (t Take) Authorization() Common { return t.Common }
func (t Take) Types() apitypes.Types {
	return MergeTypes(t.Common.Types(), apitypes.Types{"Take": takeType})
}
func (t Take) Fields() map[string]interface{} {
	return map[string]interface{}{
		"amount":   Int(int64(t.Amount)),
		"referrer": Address(t.Referrer),
		"common":   t.Common.Fields(),
	}
}

// GroupCancellation cancels every message signed with Group.
type GroupCancellation struct {
	Group  uint256.Int `json:"-"`
	Common Common      `json:"common"`
}

type groupCancellationJSON struct {
	Group  *uint256.Int `json:"group"`
	Common Common       `json:"common"`
}

func (g GroupCancellation) MarshalJSON() ([]byte, error) {
	return json.Marshal(groupCancellationJSON{Group: &g.Group, Common: g.Common})
}

func (g *GroupCancellation) UnmarshalJSON(data []byte) error {
	var raw groupCancellationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.Common = raw.Common
	g.Group = uint256.Int{}
	if raw.Group != nil {
		g.Group = *raw.Group
	}
	return nil
}

var groupCancellationType = []apitypes.Type{
	{Name: "group", Type: "uint256"},
	{Name: "common", Type: "Common"},
}

func (g GroupCancellation) PrimaryType() string   { return "GroupCancellation" }
func (g GroupCancellation) Authorization() Common { return g.Common }
func (g GroupCancellation) Types() apitypes.Types {
	return MergeTypes(g.Common.Types(), apitypes.Types{"GroupCancellation": groupCancellationType})
}
func (g GroupCancellation) Fields() map[string]interface{} {
	return map[string]interface{}{
		"group":  Uint256(g.Group),
		"common": g.Common.Fields(),
	}
}

// AccessUpdate grants or revokes a delegate.
type AccessUpdate struct {
	Accessor common.Address `json:"accessor"`
	Approved bool           `json:"approved"`
}

var accessUpdateType = []apitypes.Type{
	{Name: "accessor", Type: "address"},
	{Name: "approved", Type: "bool"},
}

func (a AccessUpdate) fields() map[string]interface{} {
	return map[string]interface{}{
		"accessor": Address(a.Accessor),
		"approved": a.Approved,
	}
}

// OperatorUpdate changes an account's operator set.
type OperatorUpdate struct {
	Access AccessUpdate `json:"access"`
	Common Common       `json:"common"`
}

var operatorUpdateType = []apitypes.Type{
	{Name: "access", Type: "AccessUpdate"},
	{Name: "common", Type: "Common"},
}

func (o OperatorUpdate) PrimaryType() string   { return "OperatorUpdate" }
func (o OperatorUpdate) Authorization() Common { return o.Common }
func (o OperatorUpdate) Types() apitypes.Types {
	return MergeTypes(o.Common.Types(), apitypes.Types{
		"AccessUpdate":   accessUpdateType,
		"OperatorUpdate": operatorUpdateType,
	})
}
func (o OperatorUpdate) Fields() map[string]interface{} {
	return map[string]interface{}{
		"access": o.Access.fields(),
		"common": o.Common.Fields(),
	}
}

// SignerUpdate changes an account's delegated signer set.
type SignerUpdate struct {
	Access AccessUpdate `json:"access"`
	Common Common       `json:"common"`
}

var signerUpdateType = []apitypes.Type{
	{Name: "access", Type: "AccessUpdate"},
	{Name: "common", Type: "Common"},
}

func (s SignerUpdate) PrimaryType() string   { return "SignerUpdate" }
func (s SignerUpdate) Authorization() Common { return s.Common }
func (s SignerUpdate) Types() apitypes.Types {
	return MergeTypes(s.Common.Types(), apitypes.Types{
		"AccessUpdate": accessUpdateType,
		"SignerUpdate": signerUpdateType,
	})
}
func (s SignerUpdate) Fields() map[string]interface{} {
	return map[string]interface{}{
		"access": s.Access.fields(),
		"common": s.Common.Fields(),
	}
}
