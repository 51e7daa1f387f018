package ledger

import (
	fpmath "PerpSettle/internal/math"

	"github.com/holiman/uint256"
)

// FromUFixed6 converts a 6-decimal amount to asset's native decimals.
func FromUFixed6(asset Asset, v fpmath.UFixed6) *uint256.Int {
	if asset.Decimals() == 18 {
		return fpmath.UFixed18FromUFixed6(v).Int()
	}
	return uint256.NewInt(uint64(v))
}

// FromUFixed6Scaled is FromUFixed6 for a raw 6-decimal integer.
func FromUFixed6Scaled(asset Asset, raw *uint256.Int) *uint256.Int {
	out := new(uint256.Int).Set(raw)
	if asset.Decimals() == 18 {
		out.Mul(out, uint256.NewInt(1_000_000_000_000))
	}
	return out
}

// ToUFixed6 converts a native amount to 6 decimals and returns the dust that
// did not fit. It panics with fpmath.ErrOverflow above the UFixed6 range.
func ToUFixed6(asset Asset, amount *uint256.Int) (fpmath.UFixed6, *uint256.Int) {
	if asset.Decimals() == 18 {
		v, dust := fpmath.UFixed18FromInt(amount).Truncate6()
		return v, dust.Int()
	}
	if !amount.IsUint64() {
		panic(fpmath.ErrOverflow)
	}
	return fpmath.UFixed6(amount.Uint64()), new(uint256.Int)
}

// Wrap converts holder's USDC into DSU at 1:1. The USDC moves into the
// reserve and DSU is minted.
func (b *Batch) Wrap(holder AccountKey, amount fpmath.UFixed6) *Batch {
	b.Transfer(JournalTypeWrap, WalletKey(holder.Owner, AssetUSDC), ReserveDSU, FromUFixed6(AssetUSDC, amount))
	return b.Mint(JournalTypeWrap, WalletKey(holder.Owner, AssetDSU), FromUFixed6(AssetDSU, amount))
}

// Unwrap burns dsu from holder and releases the matching USDC from the
// reserve. DSU below 1e-6 USDC cannot be redeemed and is burned as dust.
// It returns the USDC released.
func (b *Batch) Unwrap(holder AccountKey, dsu *uint256.Int) fpmath.UFixed6 {
	usdc, dust := ToUFixed6(AssetDSU, dsu)
	redeemed := FromUFixed6(AssetDSU, usdc)

	dsuKey := WalletKey(holder.Owner, AssetDSU)
	b.Burn(JournalTypeUnwrap, dsuKey, redeemed)
	b.Burn(JournalTypeDustBurn, dsuKey, dust)
	b.Transfer(JournalTypeUnwrap, ReserveDSU, WalletKey(holder.Owner, AssetUSDC), FromUFixed6(AssetUSDC, usdc))
	return usdc
}
