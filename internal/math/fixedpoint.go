// internal/math/fixedpoint.go
package math

import (
	"encoding/json"
	"errors"
	"fmt"
	stdmath "math"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// Decimals is the precision of Fixed6 and UFixed6 values.
const Decimals = 6

// Base is 10^Decimals, the raw representation of 1.0.
const Base = 1_000_000

var (
	ErrOverflow       = errors.New("math: fixed-point value out of range")
	ErrDivisionByZero = errors.New("math: fixed-point division by zero")
	ErrPrecision      = errors.New("math: value exceeds 6 decimal precision")
)

// Fixed6 is a signed fixed-point number with 6 decimals.
type Fixed6 int64

// UFixed6 is an unsigned fixed-point number with 6 decimals.
type UFixed6 uint64

const (
	ZeroFixed6   Fixed6 = 0
	OneFixed6    Fixed6 = Base
	NegOneFixed6 Fixed6 = -Base
	MaxFixed6    Fixed6 = stdmath.MaxInt64
	MinFixed6    Fixed6 = stdmath.MinInt64

	ZeroUFixed6 UFixed6 = 0
	OneUFixed6  UFixed6 = Base
	MaxUFixed6  UFixed6 = stdmath.MaxUint64
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// mulDivInt64 computes a*b/c through a 128-bit intermediate, truncating toward zero.
func mulDivInt64(a, b, c int64) int64 {
	if c == 0 {
		panic(ErrDivisionByZero)
	}
	x, y := getInt128(), getInt128()
	defer putInt128(x)
	defer putInt128(y)

	x.SetInt64(a)
	y.SetInt64(b)
	x.Mul(x, y)
	y.SetInt64(c)
	x.Quo(x, y)
	if !x.IsInt64() {
		panic(ErrOverflow)
	}
	return x.Int64()
}

func mulDivUint64(a, b, c uint64) uint64 {
	if c == 0 {
		panic(ErrDivisionByZero)
	}
	x, y := getInt128(), getInt128()
	defer putInt128(x)
	defer putInt128(y)

	x.SetUint64(a)
	y.SetUint64(b)
	x.Mul(x, y)
	y.SetUint64(c)
	x.Quo(x, y)
	if !x.IsUint64() {
		panic(ErrOverflow)
	}
	return x.Uint64()
}

// mulMulDivInt64 computes a*b*c/d with a single truncation toward zero.
func mulMulDivInt64(a int64, b, c, d uint64) int64 {
	if d == 0 {
		panic(ErrDivisionByZero)
	}
	x, y := getInt128(), getInt128()
	defer putInt128(x)
	defer putInt128(y)

	x.SetInt64(a)
	x.Mul(x, y.SetUint64(b))
	x.Mul(x, y.SetUint64(c))
	x.Quo(x, y.SetUint64(d))
	if !x.IsInt64() {
		panic(ErrOverflow)
	}
	return x.Int64()
}

func mulMulDivUint64(a, b, c, d uint64) uint64 {
	if d == 0 {
		panic(ErrDivisionByZero)
	}
	x, y := getInt128(), getInt128()
	defer putInt128(x)
	defer putInt128(y)

	x.SetUint64(a)
	x.Mul(x, y.SetUint64(b))
	x.Mul(x, y.SetUint64(c))
	x.Quo(x, y.SetUint64(d))
	if !x.IsUint64() {
		panic(ErrOverflow)
	}
	return x.Uint64()
}

// Recover turns a range or division panic raised by fixed-point arithmetic
// into an error. It must be deferred directly:
//
//	defer fpmath.Recover(&err)
func Recover(err *error) {
	if r := recover(); r != nil {
		if e, ok := r.(error); ok && (errors.Is(e, ErrOverflow) || errors.Is(e, ErrDivisionByZero)) {
			*err = e
			return
		}
		panic(r)
	}
}

// === Fixed6 ===

// Fixed6FromInt converts a whole number to Fixed6.
func Fixed6FromInt(n int64) Fixed6 {
	if n > stdmath.MaxInt64/Base || n < stdmath.MinInt64/Base {
		panic(ErrOverflow)
	}
	return Fixed6(n * Base)
}

// Fixed6FromSign builds a Fixed6 with the given sign and magnitude.
func Fixed6FromSign(sign int, magnitude UFixed6) Fixed6 {
	if sign < 0 {
		return magnitude.Fixed().Neg()
	}
	if sign == 0 {
		return ZeroFixed6
	}
	return magnitude.Fixed()
}

func (a Fixed6) Add(b Fixed6) Fixed6 {
	r := a + b
	if (b > 0 && r < a) || (b < 0 && r > a) {
		panic(ErrOverflow)
	}
	return r
}

func (a Fixed6) Sub(b Fixed6) Fixed6 {
	r := a - b
	if (b > 0 && r > a) || (b < 0 && r < a) {
		panic(ErrOverflow)
	}
	return r
}

func (a Fixed6) Mul(b Fixed6) Fixed6 { return Fixed6(mulDivInt64(int64(a), int64(b), Base)) }

func (a Fixed6) Div(b Fixed6) Fixed6 { return Fixed6(mulDivInt64(int64(a), Base, int64(b))) }

// MulDiv computes a*b/c without intermediate rounding.
func (a Fixed6) MulDiv(b, c Fixed6) Fixed6 {
	return Fixed6(mulDivInt64(int64(a), int64(b), int64(c)))
}

// UnsafeDiv divides, returning ONE for 0/0 and the signed maximum for x/0.
func (a Fixed6) UnsafeDiv(b Fixed6) Fixed6 {
	if b == 0 {
		switch {
		case a == 0:
			return OneFixed6
		case a > 0:
			return MaxFixed6
		default:
			return MinFixed6
		}
	}
	return a.Div(b)
}

func (a Fixed6) Neg() Fixed6 {
	if a == MinFixed6 {
		panic(ErrOverflow)
	}
	return -a
}

func (a Fixed6) Abs() UFixed6 {
	if a == MinFixed6 {
		return UFixed6(uint64(stdmath.MaxInt64) + 1)
	}
	if a < 0 {
		return UFixed6(-a)
	}
	return UFixed6(a)
}

func (a Fixed6) Sign() int {
	switch {
	case a > 0:
		return 1
	case a < 0:
		return -1
	}
	return 0
}

func (a Fixed6) IsZero() bool             { return a == 0 }
func (a Fixed6) Gt(b Fixed6) bool         { return a > b }
func (a Fixed6) Gte(b Fixed6) bool        { return a >= b }
func (a Fixed6) Lt(b Fixed6) bool         { return a < b }
func (a Fixed6) Lte(b Fixed6) bool        { return a <= b }
func (a Fixed6) Min(b Fixed6) Fixed6      { return min(a, b) }
func (a Fixed6) Max(b Fixed6) Fixed6      { return max(a, b) }
func (a Fixed6) Truncate() int64          { return int64(a) / Base }
func (a Fixed6) Decimal() decimal.Decimal { return decimal.New(int64(a), -Decimals) }

func (a Fixed6) String() string { return a.Decimal().String() }

func (a Fixed6) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

func (a *Fixed6) UnmarshalJSON(data []byte) error {
	v, err := parseJSONDecimal(data)
	if err != nil {
		return err
	}
	f, err := fixed6FromDecimal(v)
	if err != nil {
		return err
	}
	*a = f
	return nil
}

// ParseFixed6 parses a decimal string such as "-12.5" exactly.
func ParseFixed6(s string) (Fixed6, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse fixed6 %q: %w", s, err)
	}
	return fixed6FromDecimal(d)
}

// MustParseFixed6 is ParseFixed6 for constants; it panics on error.
func MustParseFixed6(s string) Fixed6 {
	f, err := ParseFixed6(s)
	if err != nil {
		panic(err)
	}
	return f
}

func fixed6FromDecimal(d decimal.Decimal) (Fixed6, error) {
	scaled := d.Shift(Decimals)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%s: %w", d.String(), ErrPrecision)
	}
	raw := scaled.BigInt()
	if !raw.IsInt64() {
		return 0, fmt.Errorf("%s: %w", d.String(), ErrOverflow)
	}
	return Fixed6(raw.Int64()), nil
}

// === UFixed6 ===

// UFixed6FromInt converts a whole number to UFixed6.
func UFixed6FromInt(n uint64) UFixed6 {
	if n > stdmath.MaxUint64/Base {
		panic(ErrOverflow)
	}
	return UFixed6(n * Base)
}

// UFixed6FromFixed converts a non-negative Fixed6.
func UFixed6FromFixed(f Fixed6) UFixed6 {
	if f < 0 {
		panic(ErrOverflow)
	}
	return UFixed6(f)
}

// Fixed converts to Fixed6, panicking above MaxFixed6.
func (a UFixed6) Fixed() Fixed6 {
	if a > UFixed6(stdmath.MaxInt64) {
		panic(ErrOverflow)
	}
	return Fixed6(a)
}

func (a UFixed6) Add(b UFixed6) UFixed6 {
	r := a + b
	if r < a {
		panic(ErrOverflow)
	}
	return r
}

func (a UFixed6) Sub(b UFixed6) UFixed6 {
	if b > a {
		panic(ErrOverflow)
	}
	return a - b
}

// SaturatingSub returns a-b, or zero when b exceeds a.
func (a UFixed6) SaturatingSub(b UFixed6) UFixed6 {
	if b > a {
		return 0
	}
	return a - b
}

func (a UFixed6) Mul(b UFixed6) UFixed6 { return UFixed6(mulDivUint64(uint64(a), uint64(b), Base)) }

func (a UFixed6) Div(b UFixed6) UFixed6 { return UFixed6(mulDivUint64(uint64(a), Base, uint64(b))) }

func (a UFixed6) MulDiv(b, c UFixed6) UFixed6 {
	return UFixed6(mulDivUint64(uint64(a), uint64(b), uint64(c)))
}

// UnsafeDiv divides, returning ONE for 0/0 and MAX for x/0.
func (a UFixed6) UnsafeDiv(b UFixed6) UFixed6 {
	if b == 0 {
		if a == 0 {
			return OneUFixed6
		}
		return MaxUFixed6
	}
	return a.Div(b)
}

func (a UFixed6) IsZero() bool          { return a == 0 }
func (a UFixed6) Gt(b UFixed6) bool     { return a > b }
func (a UFixed6) Gte(b UFixed6) bool    { return a >= b }
func (a UFixed6) Lt(b UFixed6) bool     { return a < b }
func (a UFixed6) Lte(b UFixed6) bool    { return a <= b }
func (a UFixed6) Min(b UFixed6) UFixed6 { return min(a, b) }
func (a UFixed6) Max(b UFixed6) UFixed6 { return max(a, b) }
func (a UFixed6) Truncate() uint64      { return uint64(a) / Base }
func (a UFixed6) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(a)), -Decimals)
}

func (a UFixed6) String() string { return a.Decimal().String() }

func (a UFixed6) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

func (a *UFixed6) UnmarshalJSON(data []byte) error {
	v, err := parseJSONDecimal(data)
	if err != nil {
		return err
	}
	u, err := ufixed6FromDecimal(v)
	if err != nil {
		return err
	}
	*a = u
	return nil
}

// ParseUFixed6 parses a non-negative decimal string exactly.
func ParseUFixed6(s string) (UFixed6, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse ufixed6 %q: %w", s, err)
	}
	return ufixed6FromDecimal(d)
}

// MustParseUFixed6 is ParseUFixed6 for constants; it panics on error.
func MustParseUFixed6(s string) UFixed6 {
	u, err := ParseUFixed6(s)
	if err != nil {
		panic(err)
	}
	return u
}

func ufixed6FromDecimal(d decimal.Decimal) (UFixed6, error) {
	scaled := d.Shift(Decimals)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%s: %w", d.String(), ErrPrecision)
	}
	raw := scaled.BigInt()
	if raw.Sign() < 0 || !raw.IsUint64() {
		return 0, fmt.Errorf("%s: %w", d.String(), ErrOverflow)
	}
	return UFixed6(raw.Uint64()), nil
}

// parseJSONDecimal accepts both quoted decimal strings and bare JSON numbers.
func parseJSONDecimal(data []byte) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return decimal.NewFromString(s)
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode fixed-point: %w", err)
	}
	return decimal.NewFromString(n.String())
}
