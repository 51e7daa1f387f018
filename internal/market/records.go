package market

import (
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Record names emitted by a market.
const (
	RecordPositionProcessed        = "PositionProcessed"
	RecordAccountPositionProcessed = "AccountPositionProcessed"
	RecordUpdated                  = "Updated"
	RecordRewardClaimed            = "RewardClaimed"
	RecordFeeClaimed               = "FeeClaimed"
	RecordParameterUpdated         = "ParameterUpdated"
	RecordRiskParameterUpdated     = "RiskParameterUpdated"
)

type PositionProcessed struct {
	FromID        uint64                          `json:"fromId"`
	ToID          uint64                          `json:"toId"`
	FromTimestamp uint64                          `json:"fromTimestamp"`
	ToTimestamp   uint64                          `json:"toTimestamp"`
	Valid         bool                            `json:"valid"`
	Price         fpmath.Fixed6                   `json:"price"`
	Fee           fpmath.UFixed6                  `json:"fee"`
	Result        state.VersionAccumulationResult `json:"result"`
}

type AccountPositionProcessed struct {
	FromID        uint64                        `json:"fromId"`
	ToID          uint64                        `json:"toId"`
	FromTimestamp uint64                        `json:"fromTimestamp"`
	ToTimestamp   uint64                        `json:"toTimestamp"`
	Collateral    fpmath.Fixed6                 `json:"collateral"`
	Result        state.LocalAccumulationResult `json:"result"`
}

type Updated struct {
	Sender     common.Address `json:"sender"`
	Timestamp  uint64         `json:"timestamp"`
	Maker      fpmath.UFixed6 `json:"maker"`
	Long       fpmath.UFixed6 `json:"long"`
	Short      fpmath.UFixed6 `json:"short"`
	Collateral fpmath.Fixed6  `json:"collateral"`
	Protect    bool           `json:"protect"`
	Referrer   common.Address `json:"referrer"`
	Fee        fpmath.UFixed6 `json:"fee"`
	Keeper     fpmath.UFixed6 `json:"keeper"`
}

type RewardClaimed struct {
	Amount fpmath.UFixed6 `json:"amount"`
}

type FeeClaimed struct {
	Protocol fpmath.UFixed6 `json:"protocol"`
	Oracle   fpmath.UFixed6 `json:"oracle"`
	Risk     fpmath.UFixed6 `json:"risk"`
	Donation fpmath.UFixed6 `json:"donation"`
}

// Total is the sum of every claimed bucket.
func (f FeeClaimed) Total() fpmath.UFixed6 {
	return f.Protocol.Add(f.Oracle).Add(f.Risk).Add(f.Donation)
}
