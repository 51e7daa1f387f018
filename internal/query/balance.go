package query

import (
	"context"
	"fmt"

	"PerpSettle/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// BalanceResponse is an address's wallet balance of one asset, summed from
// the persisted journal.
type BalanceResponse struct {
	Owner  common.Address `json:"owner"`
	Asset  string         `json:"asset"`
	Native string         `json:"native"` // token units
	Amount string         `json:"amount"` // scaled by the token's decimals

	AsOfSequence int64 `json:"as_of_sequence"`
}

// GetWalletBalances returns owner's wallet balance of every asset that has
// journal activity.
func (qs *QueryService) GetWalletBalances(ctx context.Context, owner common.Address) ([]BalanceResponse, error) {
	asOfSeq, err := qs.latestSequence(ctx)
	if err != nil {
		return nil, err
	}

	var out []BalanceResponse
	for _, asset := range []ledger.Asset{ledger.AssetUSDC, ledger.AssetDSU, ledger.AssetReward} {
		native, err := qs.journalBalance(ctx, ledger.WalletKey(owner, asset).AccountPath())
		if err != nil {
			return nil, fmt.Errorf("%s balance: %w", asset, err)
		}
		if native == nil {
			continue
		}
		out = append(out, BalanceResponse{
			Owner:        owner,
			Asset:        asset.String(),
			Native:       native.String(),
			Amount:       native.Shift(-int32(asset.Decimals())).String(),
			AsOfSequence: asOfSeq,
		})
	}
	return out, nil
}

// journalBalance sums debits minus credits for one account path. It
// returns nil when the account never appears in the journal.
func (qs *QueryService) journalBalance(ctx context.Context, path string) (*decimal.Decimal, error) {
	var debits, credits decimal.NullDecimal
	err := qs.db.QueryRowContext(ctx, `
		SELECT
			(SELECT SUM(amount) FROM event_log.journal WHERE debit_account = $1),
			(SELECT SUM(amount) FROM event_log.journal WHERE credit_account = $1)
	`, path).Scan(&debits, &credits)
	if err != nil {
		return nil, err
	}
	if !debits.Valid && !credits.Valid {
		return nil, nil
	}
	balance := debits.Decimal.Sub(credits.Decimal)
	return &balance, nil
}
