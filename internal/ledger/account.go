package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// ScopeWallet holds token balances of any address: owners, collateral
	// accounts, keepers, the manager.
	ScopeWallet AccountScope = iota
	// ScopeMarket is a market's collateral vault.
	ScopeMarket
	// ScopeSystem holds named protocol balances such as the DSU reserve.
	ScopeSystem
	// ScopeExternal is the mint/burn boundary. It carries no balance.
	ScopeExternal
)

func (s AccountScope) String() string {
	switch s {
	case ScopeWallet:
		return "wallet"
	case ScopeMarket:
		return "market"
	case ScopeSystem:
		return "system"
	case ScopeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Asset is a token tracked by the ledger. Amounts are in the token's native
// decimals.
type Asset uint8

const (
	AssetUSDC Asset = iota + 1
	AssetDSU
	AssetReward
)

var assetNames = map[Asset]string{
	AssetUSDC:   "USDC",
	AssetDSU:    "DSU",
	AssetReward: "REWARD",
}

func (a Asset) String() string {
	if name, ok := assetNames[a]; ok {
		return name
	}
	return fmt.Sprintf("asset(%d)", uint8(a))
}

// Decimals returns the token's native decimals.
func (a Asset) Decimals() uint8 {
	if a == AssetDSU {
		return 18
	}
	return 6
}

// ParseAsset looks an asset up by symbol, case-insensitively.
func ParseAsset(s string) (Asset, bool) {
	for a, name := range assetNames {
		if strings.EqualFold(name, s) {
			return a, true
		}
	}
	return 0, false
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope AccountScope
	Owner common.Address
	Asset Asset
}

// WalletKey is an address's token balance.
func WalletKey(owner common.Address, asset Asset) AccountKey {
	return AccountKey{Scope: ScopeWallet, Owner: owner, Asset: asset}
}

// MarketKey is a market's collateral vault.
func MarketKey(market common.Address, asset Asset) AccountKey {
	return AccountKey{Scope: ScopeMarket, Owner: market, Asset: asset}
}

// SystemKey addresses a named protocol balance.
func SystemKey(name string, asset Asset) AccountKey {
	return AccountKey{Scope: ScopeSystem, Owner: SystemAddress(name), Asset: asset}
}

// ExternalKey is the mint/burn boundary for asset.
func ExternalKey(asset Asset) AccountKey {
	return AccountKey{Scope: ScopeExternal, Asset: asset}
}

// SystemAddress derives the owner address of a named system account.
func SystemAddress(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("perpsettle:system:" + name)))
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case ScopeExternal:
		return fmt.Sprintf("external:%s", k.Asset)
	case ScopeWallet, ScopeMarket, ScopeSystem:
		return fmt.Sprintf("%s:%s:%s", k.Scope, k.Owner.Hex(), k.Asset)
	}
	return "unknown"
}

// ReserveDSU is the system account holding the USDC that backs DSU.
var ReserveDSU = SystemKey("dsu-reserve", AssetUSDC)
