package query

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
)

// VersionResponse is a settled market version.
type VersionResponse struct {
	Market        string          `json:"market"`
	Timestamp     int64           `json:"timestamp"`
	FromTimestamp int64           `json:"from_timestamp"`
	Valid         bool            `json:"valid"`
	Price         string          `json:"price"`
	Fee           string          `json:"fee"`
	Result        json.RawMessage `json:"result"`
	Sequence      int64           `json:"sequence"`
	AsOfSequence  int64           `json:"as_of_sequence"`
}

// AccountPositionResponse is the latest requested position of an account
// in one market. Deposited sums collateral deltas; Settled sums realized
// collateral changes from settlement.
type AccountPositionResponse struct {
	Market       string `json:"market"`
	Account      string `json:"account"`
	Timestamp    int64  `json:"timestamp"`
	Maker        string `json:"maker"`
	Long         string `json:"long"`
	Short        string `json:"short"`
	Deposited    string `json:"deposited"`
	Settled      string `json:"settled"`
	Sequence     int64  `json:"sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// NonceResponse is a used or cancelled nonce, or a cancelled group.
type NonceResponse struct {
	Verifier string `json:"verifier"`
	Account  string `json:"account"`
	Kind     string `json:"kind"`
	Value    string `json:"value"`
	Sequence int64  `json:"sequence"`
}

// TriggerOrderResponse is a trigger order and its lifecycle status.
type TriggerOrderResponse struct {
	Market       string          `json:"market"`
	Account      string          `json:"account"`
	OrderID      int64           `json:"order_id"`
	Status       string          `json:"status"`
	Side         int16           `json:"side"`
	Comparison   int16           `json:"comparison"`
	Price        string          `json:"price"`
	Delta        string          `json:"delta"`
	Order        json.RawMessage `json:"order"`
	Sequence     int64           `json:"sequence"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// EventResponse is a logged envelope as stored.
type EventResponse struct {
	Sequence       int64           `json:"sequence"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *string         `json:"market_id,omitempty"`
	Records        json.RawMessage `json:"records"`
	Rejected       *string         `json:"rejected,omitempty"`
	StateHash      common.Hash     `json:"state_hash"`
	PrevHash       common.Hash     `json:"prev_hash"`
	Timestamp      int64           `json:"timestamp"`
	SourceSequence int64           `json:"source_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	NegativeBalances []NegativeBalance `json:"negative_balances,omitempty"`
	LatestSequence   int64             `json:"latest_sequence"`
	ProjectionLag    int64             `json:"projection_lag"`
}

// NegativeBalance is a non-external ledger account whose journal sum is
// below zero.
type NegativeBalance struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}
