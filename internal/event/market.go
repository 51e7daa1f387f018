package event

import (
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

func marketID(addr common.Address) *string {
	id := addr.Hex()
	return &id
}

// Delta changes an account by signed amounts instead of absolute
// magnitudes. A positive Taker adds to the long side.
type Delta struct {
	Maker fpmath.Fixed6 `json:"maker"`
	Taker fpmath.Fixed6 `json:"taker"`
}

// MarketUpdate changes an account's position and collateral. A nil
// magnitude keeps the current value; a non-nil Delta replaces the
// magnitudes entirely.
type MarketUpdate struct {
	Header
	Market     common.Address  `json:"market"`
	Sender     common.Address  `json:"sender"`
	Account    common.Address  `json:"account"`
	Maker      *fpmath.UFixed6 `json:"maker,omitempty"`
	Long       *fpmath.UFixed6 `json:"long,omitempty"`
	Short      *fpmath.UFixed6 `json:"short,omitempty"`
	Delta      *Delta          `json:"delta,omitempty"`
	Collateral fpmath.Fixed6   `json:"collateral"`
	Protect    bool            `json:"protect"`
	Referrer   common.Address  `json:"referrer"`
}

func (u *MarketUpdate) CommandType() CommandType { return CommandTypeMarketUpdate }
func (u *MarketUpdate) MarketID() *string        { return marketID(u.Market) }

// SignedTake is a taker intent signed by the account and relayed by Sender.
type SignedTake struct {
	Header
	Market    common.Address `json:"market"`
	Sender    common.Address `json:"sender"`
	Take      verifier.Take  `json:"take"`
	Signature hexutil.Bytes  `json:"signature"`
}

func (t *SignedTake) CommandType() CommandType { return CommandTypeSignedTake }
func (t *SignedTake) MarketID() *string        { return marketID(t.Market) }

// ClaimFees withdraws a fee role's accumulated share, or the sender's
// reward when Reward is set.
type ClaimFees struct {
	Header
	Market common.Address `json:"market"`
	Sender common.Address `json:"sender"`
	Reward bool           `json:"reward"`
}

func (c *ClaimFees) CommandType() CommandType { return CommandTypeClaimFees }
func (c *ClaimFees) MarketID() *string        { return marketID(c.Market) }
