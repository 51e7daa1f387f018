// internal/math/ufixed18.go
package math

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// UFixed18 is an unsigned 18-decimal token amount.
type UFixed18 uint256.Int

var scale12 = uint256.NewInt(1_000_000_000_000)

// UFixed18FromUFixed6 scales a 6-decimal amount to 18 decimals.
func UFixed18FromUFixed6(v UFixed6) UFixed18 {
	var r uint256.Int
	r.Mul(uint256.NewInt(uint64(v)), scale12)
	return UFixed18(r)
}

// UFixed18FromInt wraps a raw 18-decimal integer.
func UFixed18FromInt(raw *uint256.Int) UFixed18 {
	return UFixed18(*raw)
}

// Int returns a copy of the raw integer.
func (u UFixed18) Int() *uint256.Int {
	v := uint256.Int(u)
	return &v
}

// Truncate6 returns the 6-decimal value and the dust below 1e-6.
func (u UFixed18) Truncate6() (UFixed6, UFixed18) {
	var q, r uint256.Int
	raw := u.Int()
	q.DivMod(raw, scale12, &r)
	if !q.IsUint64() {
		panic(ErrOverflow)
	}
	return UFixed6(q.Uint64()), UFixed18(r)
}

func (u UFixed18) Add(o UFixed18) UFixed18 {
	var r uint256.Int
	if _, overflow := r.AddOverflow(u.Int(), o.Int()); overflow {
		panic(ErrOverflow)
	}
	return UFixed18(r)
}

func (u UFixed18) Sub(o UFixed18) UFixed18 {
	var r uint256.Int
	if _, underflow := r.SubOverflow(u.Int(), o.Int()); underflow {
		panic(ErrOverflow)
	}
	return UFixed18(r)
}

func (u UFixed18) Cmp(o UFixed18) int { return u.Int().Cmp(o.Int()) }
func (u UFixed18) IsZero() bool       { return u.Int().IsZero() }

func (u UFixed18) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(u.Int().ToBig(), -18)
}

func (u UFixed18) String() string { return u.Decimal().String() }

func (u UFixed18) MarshalJSON() ([]byte, error) { return json.Marshal(u.String()) }

func (u *UFixed18) UnmarshalJSON(data []byte) error {
	d, err := parseJSONDecimal(data)
	if err != nil {
		return err
	}
	scaled := d.Shift(18)
	if !scaled.IsInteger() || scaled.Sign() < 0 {
		return fmt.Errorf("%s: %w", d.String(), ErrPrecision)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return fmt.Errorf("%s: %w", d.String(), ErrOverflow)
	}
	*u = UFixed18(*v)
	return nil
}
