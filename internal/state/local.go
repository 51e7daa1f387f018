package state

import (
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Local is an account's carry state in one market.
type Local struct {
	CurrentID           uint64         `json:"currentId"`
	LatestID            uint64         `json:"latestId"`
	Collateral          fpmath.Fixed6  `json:"collateral"`
	Reward              fpmath.UFixed6 `json:"reward"`
	Protection          uint64         `json:"protection"`
	ProtectionAmount    fpmath.UFixed6 `json:"protectionAmount"`
	ProtectionInitiator common.Address `json:"protectionInitiator"`
}

// LocalAccumulationResult is what one settlement step credited to an account.
type LocalAccumulationResult struct {
	Collateral  fpmath.Fixed6  `json:"collateral"`
	Reward      fpmath.UFixed6 `json:"reward"`
	PositionFee fpmath.UFixed6 `json:"positionFee"`
	Keeper      fpmath.UFixed6 `json:"keeper"`
}

// Accumulate settles the account from fromVersion to toVersion holding the
// from position, and charges the fees registered on the to position.
func (l *Local) Accumulate(latestID uint64, from, to Position, fromVersion, toVersion Version) LocalAccumulationResult {
	collateral := toVersion.MakerValue.Accumulated(fromVersion.MakerValue, from.Maker).
		Add(toVersion.LongValue.Accumulated(fromVersion.LongValue, from.Long)).
		Add(toVersion.ShortValue.Accumulated(fromVersion.ShortValue, from.Short))
	reward := toVersion.MakerReward.Accumulated(fromVersion.MakerReward, from.Maker).
		Add(toVersion.LongReward.Accumulated(fromVersion.LongReward, from.Long)).
		Add(toVersion.ShortReward.Accumulated(fromVersion.ShortReward, from.Short))

	l.LatestID = latestID
	l.Collateral = l.Collateral.Add(collateral).Sub(to.Fee.Fixed()).Sub(to.Keeper.Fixed())
	l.Reward = l.Reward.Add(reward)

	return LocalAccumulationResult{
		Collateral:  collateral,
		Reward:      reward,
		PositionFee: to.Fee,
		Keeper:      to.Keeper,
	}
}

// Update applies a collateral deposit or withdrawal.
func (l *Local) Update(collateral fpmath.Fixed6) {
	l.Collateral = l.Collateral.Add(collateral)
}

// Protect marks the account as being liquidated at currentTimestamp. It
// fails while an earlier protection is still unsettled.
func (l *Local) Protect(latest Position, currentTimestamp uint64, tryProtect bool) bool {
	if !tryProtect || l.Protection > latest.Timestamp {
		return false
	}
	l.Protection = currentTimestamp
	return true
}

// Protected reports whether a liquidation is pending past latest.
func (l Local) Protected(latest Position) bool {
	return l.Protection > latest.Timestamp
}
