package market

import (
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// Claim settles sender and mints its accrued reward to its wallet.
func (m *Market) Claim(sender common.Address) (Effects, error) {
	return m.execute(func() (*Staged, error) { return m.stage(sender, claimReward) })
}

func (m *Market) StageClaim(sender common.Address) (*Staged, error) {
	return m.staged(func() (*Staged, error) { return m.stage(sender, claimReward) })
}

func claimReward(c *settlementContext) error {
	amount := c.local.Reward
	if amount.IsZero() {
		return nil
	}
	c.local.Reward = 0
	c.batch.Mint(ledger.JournalTypeRewardClaim,
		ledger.WalletKey(c.account, ledger.AssetReward),
		ledger.FromUFixed6(ledger.AssetReward, amount))
	c.records = append(c.records, event.Record{
		Name:    RecordRewardClaimed,
		Market:  c.m.address,
		Account: c.account,
		Payload: RewardClaimed{Amount: amount},
	})
	return nil
}

// ClaimFee pays sender every fee bucket it holds a role for: the protocol
// fee for the factory owner, the oracle fee for the oracle fee receiver, the
// risk fee for the coordinator and the donation for the beneficiary.
func (m *Market) ClaimFee(sender common.Address) (Effects, error) {
	return m.execute(func() (*Staged, error) { return m.stageClaimFee(sender) })
}

func (m *Market) StageClaimFee(sender common.Address) (*Staged, error) {
	return m.staged(func() (*Staged, error) { return m.stageClaimFee(sender) })
}

func (m *Market) stageClaimFee(sender common.Address) (*Staged, error) {
	if sender == (common.Address{}) {
		return nil, ErrNotFactoryRole
	}
	owner := m.factory.Owner()
	roles := sender == owner || sender == m.oracleFeeReceiver || sender == m.coordinator || sender == m.beneficiary
	if !roles {
		return nil, ErrNotFactoryRole
	}

	return m.stage(common.Address{}, func(c *settlementContext) error {
		var claimed FeeClaimed
		if sender == owner {
			claimed.Protocol, c.global.ProtocolFee = c.global.ProtocolFee, 0
		}
		if sender == m.oracleFeeReceiver {
			claimed.Oracle, c.global.OracleFee = c.global.OracleFee, 0
		}
		if sender == m.coordinator {
			claimed.Risk, c.global.RiskFee = c.global.RiskFee, 0
		}
		if sender == m.beneficiary {
			claimed.Donation, c.global.Donation = c.global.Donation, 0
		}

		total := claimed.Total()
		if total.IsZero() {
			return nil
		}
		c.batch.Transfer(ledger.JournalTypeFeeClaim,
			ledger.MarketKey(m.address, ledger.AssetDSU),
			ledger.WalletKey(sender, ledger.AssetDSU),
			ledger.FromUFixed6(ledger.AssetDSU, total))
		c.records = append(c.records, event.Record{
			Name:    RecordFeeClaimed,
			Market:  m.address,
			Account: sender,
			Payload: claimed,
		})
		return nil
	})
}
