package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeTransfer JournalType = iota
	JournalTypeFunding
	JournalTypeWrap
	JournalTypeUnwrap
	JournalTypeDustBurn
	JournalTypeMarketDeposit
	JournalTypeMarketWithdrawal
	JournalTypeFeeClaim
	JournalTypeRewardClaim
	JournalTypeKeeperFee
	JournalTypeInterfaceFee
)

var journalTypeNames = [...]string{
	"transfer",
	"funding",
	"wrap",
	"unwrap",
	"dust_burn",
	"market_deposit",
	"market_withdrawal",
	"fee_claim",
	"reward_claim",
	"keeper_fee",
	"interface_fee",
}

func (t JournalType) String() string {
	if t >= 0 && int(t) < len(journalTypeNames) {
		return journalTypeNames[t]
	}
	return "unknown"
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups entries applied together
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Asset         Asset       // Asset being transferred
	Amount        uint256.Int // Native-decimal amount, always positive
	JournalType   JournalType // Entry type
	Timestamp     uint64      // Command timestamp, unix seconds
}

// Batch is a set of journal entries applied all-or-nothing.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp uint64
	Journals  []Journal
}

// NewBatch starts an empty batch.
func NewBatch(eventRef string, timestamp uint64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Timestamp: timestamp,
	}
}

// Empty reports whether the batch has no entries.
func (b *Batch) Empty() bool { return len(b.Journals) == 0 }

// Transfer moves amount of from.Asset from one account to another. Zero
// amounts are skipped.
func (b *Batch) Transfer(typ JournalType, from, to AccountKey, amount *uint256.Int) *Batch {
	if amount == nil || amount.IsZero() {
		return b
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  to,
		CreditAccount: from,
		Asset:         from.Asset,
		Amount:        *amount,
		JournalType:   typ,
		Timestamp:     b.Timestamp,
	})
	return b
}

// Mint credits to with newly issued tokens.
func (b *Batch) Mint(typ JournalType, to AccountKey, amount *uint256.Int) *Batch {
	return b.Transfer(typ, ExternalKey(to.Asset), to, amount)
}

// Burn destroys tokens held by from.
func (b *Batch) Burn(typ JournalType, from AccountKey, amount *uint256.Int) *Batch {
	return b.Transfer(typ, from, ExternalKey(from.Asset), amount)
}

// Append moves other's journals into b, restamping them with b's identity.
func (b *Batch) Append(other *Batch) *Batch {
	if other == nil {
		return b
	}
	for _, j := range other.Journals {
		j.BatchID = b.BatchID
		j.EventRef = b.EventRef
		j.Sequence = b.Sequence
		j.Timestamp = b.Timestamp
		b.Journals = append(b.Journals, j)
	}
	return b
}

// Stamp assigns the engine sequence to the batch and its journals.
func (b *Batch) Stamp(sequence int64) {
	b.Sequence = sequence
	for i := range b.Journals {
		b.Journals[i].Sequence = sequence
	}
}

// Validate ensures the batch is well-formed. Each journal moves one positive
// amount between two accounts of the same asset, so every entry is balanced
// on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s: %w", b.BatchID, ErrEmptyBatch)
	}

	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount: %w", j.JournalID, ErrInvalidJournal)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id: %w", j.JournalID, ErrInvalidJournal)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account: %w", j.JournalID, ErrInvalidJournal)
		}
		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s mixes assets: %w", j.JournalID, ErrInvalidJournal)
		}
		if j.DebitAccount.Scope == ScopeExternal && j.CreditAccount.Scope == ScopeExternal {
			return fmt.Errorf("journal %s is external on both sides: %w", j.JournalID, ErrInvalidJournal)
		}
	}

	return nil
}
