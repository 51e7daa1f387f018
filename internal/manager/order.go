package manager

import (
	"fmt"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Side is the position side a trigger order changes.
type Side uint8

const (
	SideMaker Side = 4
	SideLong  Side = 5
	SideShort Side = 6
)

func (s Side) String() string {
	switch s {
	case SideMaker:
		return "maker"
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	}
	return fmt.Sprintf("side(%d)", uint8(s))
}

func (s Side) position() state.Side {
	switch s {
	case SideMaker:
		return state.SideMaker
	case SideLong:
		return state.SideLong
	case SideShort:
		return state.SideShort
	}
	return state.SideNone
}

// Comparison is how the oracle price is compared to the trigger price.
type Comparison int8

const (
	LTE Comparison = -1
	GTE Comparison = 1
)

// CloseAll as a delta closes the whole current and pending side.
const CloseAll = fpmath.MinFixed6

// InterfaceFee is paid to Receiver out of the account's collateral on
// execution. A fixed fee is Amount; otherwise Amount is a rate applied to
// the notional |delta| * |price|.
type InterfaceFee struct {
	Amount   fpmath.UFixed6 `json:"amount"`
	Receiver common.Address `json:"receiver"`
	FixedFee bool           `json:"fixedFee"`
	Unwrap   bool           `json:"unwrap"`
}

// Charge returns the fee owed for executing delta at price.
func (f InterfaceFee) Charge(delta, price fpmath.Fixed6) fpmath.UFixed6 {
	if f.Amount.IsZero() {
		return 0
	}
	if f.FixedFee {
		return f.Amount
	}
	return delta.Abs().Mul(price.Abs()).Mul(f.Amount)
}

var interfaceFeeType = []apitypes.Type{
	{Name: "amount", Type: "uint64"},
	{Name: "receiver", Type: "address"},
	{Name: "fixedFee", Type: "bool"},
	{Name: "unwrap", Type: "bool"},
}

func (f InterfaceFee) fields() map[string]interface{} {
	return map[string]interface{}{
		"amount":   verifier.Uint(uint64(f.Amount)),
		"receiver": verifier.Address(f.Receiver),
		"fixedFee": f.FixedFee,
		"unwrap":   f.Unwrap,
	}
}

// TriggerOrder changes Side by Delta once the oracle price compares to
// Price. Once spent an order id cannot be reused.
type TriggerOrder struct {
	Side         Side           `json:"side"`
	Comparison   Comparison     `json:"comparison"`
	Price        fpmath.Fixed6  `json:"price"`
	Delta        fpmath.Fixed6  `json:"delta"`
	MaxFee       fpmath.UFixed6 `json:"maxFee"`
	IsSpent      bool           `json:"isSpent"`
	Referrer     common.Address `json:"referrer"`
	InterfaceFee InterfaceFee   `json:"interfaceFee"`
}

var triggerOrderType = []apitypes.Type{
	{Name: "side", Type: "uint8"},
	{Name: "comparison", Type: "int8"},
	{Name: "price", Type: "int256"},
	{Name: "delta", Type: "int256"},
	{Name: "maxFee", Type: "uint256"},
	{Name: "isSpent", Type: "bool"},
	{Name: "referrer", Type: "address"},
	{Name: "interfaceFee", Type: "InterfaceFee"},
}

func (o TriggerOrder) fields() map[string]interface{} {
	return map[string]interface{}{
		"side":         verifier.Uint(uint64(o.Side)),
		"comparison":   verifier.Int(int64(o.Comparison)),
		"price":        verifier.Int(int64(o.Price)),
		"delta":        verifier.Int(int64(o.Delta)),
		"maxFee":       verifier.Uint(uint64(o.MaxFee)),
		"isSpent":      o.IsSpent,
		"referrer":     verifier.Address(o.Referrer),
		"interfaceFee": o.InterfaceFee.fields(),
	}
}

// Validate checks the order can be stored.
func (o TriggerOrder) Validate() error {
	if o.Side.position() == state.SideNone {
		return fmt.Errorf("%w: %s", ErrInvalidOrder, o.Side)
	}
	if o.Comparison != LTE && o.Comparison != GTE {
		return fmt.Errorf("%w: comparison %d", ErrInvalidOrder, o.Comparison)
	}
	if o.Delta.IsZero() {
		return fmt.Errorf("%w: zero delta", ErrInvalidOrder)
	}
	if !o.InterfaceFee.Amount.IsZero() && o.InterfaceFee.Receiver == (common.Address{}) {
		return fmt.Errorf("%w: interface fee without receiver", ErrInvalidOrder)
	}
	return nil
}

// Triggered reports whether price satisfies the order's comparison.
func (o TriggerOrder) Triggered(price fpmath.Fixed6) bool {
	switch o.Comparison {
	case LTE:
		return price.Lte(o.Price)
	case GTE:
		return price.Gte(o.Price)
	}
	return false
}

// resolve returns the order's delta against current. CloseAll becomes the
// negated side magnitude.
func (o TriggerOrder) resolve(current state.Position) fpmath.Fixed6 {
	if o.Delta != CloseAll {
		return o.Delta
	}
	return current.SideMagnitude(o.Side.position()).Fixed().Neg()
}
