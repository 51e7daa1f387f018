package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances and token supply.
// Writes come from the single-writer engine; reads may come from API
// handlers, hence the lock.
type BalanceTracker struct {
	mu       sync.RWMutex
	balances map[AccountKey]*uint256.Int
	supply   map[Asset]*uint256.Int
	sink     func(*Batch)
}

// BalanceEntry is one nonzero balance, used for snapshots and queries.
type BalanceEntry struct {
	Account AccountKey   `json:"account"`
	Amount  *uint256.Int `json:"amount"`
}

// SupplyEntry is the outstanding supply of one asset.
type SupplyEntry struct {
	Asset  Asset        `json:"asset"`
	Amount *uint256.Int `json:"amount"`
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
		supply:   make(map[Asset]*uint256.Int),
	}
}

// SetJournalSink registers fn to receive every batch after it is applied.
// fn runs with the tracker locked and must not call back into it.
func (bt *BalanceTracker) SetJournalSink(fn func(*Batch)) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.sink = fn
}

// ApplyBatch applies all journals in a batch or none of them. Journals are
// applied in order, so a batch may spend what an earlier entry credited.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()

	staged := make(map[AccountKey]*uint256.Int)
	stagedSupply := make(map[Asset]*uint256.Int)

	balance := func(k AccountKey) *uint256.Int {
		if v, ok := staged[k]; ok {
			return v
		}
		v := new(uint256.Int)
		if cur, ok := bt.balances[k]; ok {
			v.Set(cur)
		}
		staged[k] = v
		return v
	}
	supply := func(a Asset) *uint256.Int {
		if v, ok := stagedSupply[a]; ok {
			return v
		}
		v := new(uint256.Int)
		if cur, ok := bt.supply[a]; ok {
			v.Set(cur)
		}
		stagedSupply[a] = v
		return v
	}

	for _, j := range batch.Journals {
		amount := j.Amount

		if j.CreditAccount.Scope == ScopeExternal {
			s := supply(j.Asset)
			if _, overflow := s.AddOverflow(s, &amount); overflow {
				return fmt.Errorf("mint %s: %w", j.Asset, ErrBalanceOverflow)
			}
		} else {
			b := balance(j.CreditAccount)
			if b.Lt(&amount) {
				return &InsufficientBalanceError{Account: j.CreditAccount, Have: *b, Need: amount}
			}
			b.Sub(b, &amount)
		}

		if j.DebitAccount.Scope == ScopeExternal {
			s := supply(j.Asset)
			if s.Lt(&amount) {
				return &InsufficientBalanceError{Account: j.DebitAccount, Have: *s, Need: amount}
			}
			s.Sub(s, &amount)
		} else {
			b := balance(j.DebitAccount)
			if _, overflow := b.AddOverflow(b, &amount); overflow {
				return fmt.Errorf("credit %s: %w", j.DebitAccount.AccountPath(), ErrBalanceOverflow)
			}
		}
	}

	for k, v := range staged {
		if v.IsZero() {
			delete(bt.balances, k)
			continue
		}
		bt.balances[k] = v
	}
	for a, v := range stagedSupply {
		bt.supply[a] = v
	}
	if bt.sink != nil {
		bt.sink(batch)
	}
	return nil
}

// CanApply reports whether ApplyBatch would succeed, without applying.
func (bt *BalanceTracker) CanApply(batch *Batch) error {
	scratch := NewBalanceTracker()
	bt.mu.RLock()
	for k, v := range bt.balances {
		scratch.balances[k] = new(uint256.Int).Set(v)
	}
	for a, v := range bt.supply {
		scratch.supply[a] = new(uint256.Int).Set(v)
	}
	bt.mu.RUnlock()
	return scratch.ApplyBatch(batch)
}

// GetBalance returns a copy of an account's balance.
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	if v, ok := bt.balances[key]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// Projected returns key's balance as if batch were applied, floored at
// zero. It lets a builder size a later entry on what earlier entries credit.
func (bt *BalanceTracker) Projected(batch *Batch, key AccountKey) *uint256.Int {
	v := bt.GetBalance(key)
	if batch == nil {
		return v
	}
	for _, j := range batch.Journals {
		amount := j.Amount
		if j.DebitAccount == key {
			v.Add(v, &amount)
		}
		if j.CreditAccount == key {
			if v.Lt(&amount) {
				v.Clear()
				continue
			}
			v.Sub(v, &amount)
		}
	}
	return v
}

// GetSupply returns the outstanding supply of asset.
func (bt *BalanceTracker) GetSupply(asset Asset) *uint256.Int {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	if v, ok := bt.supply[asset]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// BalancesOf returns every nonzero balance owned by owner.
func (bt *BalanceTracker) BalancesOf(owner common.Address) []BalanceEntry {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	var out []BalanceEntry
	for k, v := range bt.balances {
		if k.Owner == owner {
			out = append(out, BalanceEntry{Account: k, Amount: new(uint256.Int).Set(v)})
		}
	}
	sortEntries(out)
	return out
}

// ComputeTotals sums balances per asset. Equals supply when the ledger is
// consistent.
func (bt *BalanceTracker) ComputeTotals() map[Asset]*uint256.Int {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	totals := make(map[Asset]*uint256.Int)
	for k, v := range bt.balances {
		t, ok := totals[k.Asset]
		if !ok {
			t = new(uint256.Int)
			totals[k.Asset] = t
		}
		t.Add(t, v)
	}
	return totals
}

// Snapshot returns all balances and supplies in a deterministic order, for
// state hashing and snapshots.
func (bt *BalanceTracker) Snapshot() ([]BalanceEntry, []SupplyEntry) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	balances := make([]BalanceEntry, 0, len(bt.balances))
	for k, v := range bt.balances {
		balances = append(balances, BalanceEntry{Account: k, Amount: new(uint256.Int).Set(v)})
	}
	sortEntries(balances)

	supply := make([]SupplyEntry, 0, len(bt.supply))
	for a, v := range bt.supply {
		supply = append(supply, SupplyEntry{Asset: a, Amount: new(uint256.Int).Set(v)})
	}
	sort.Slice(supply, func(i, j int) bool { return supply[i].Asset < supply[j].Asset })

	return balances, supply
}

// Restore replaces the tracker's contents with a snapshot.
func (bt *BalanceTracker) Restore(balances []BalanceEntry, supply []SupplyEntry) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	bt.balances = make(map[AccountKey]*uint256.Int, len(balances))
	for _, e := range balances {
		if e.Amount != nil && !e.Amount.IsZero() {
			bt.balances[e.Account] = new(uint256.Int).Set(e.Amount)
		}
	}
	bt.supply = make(map[Asset]*uint256.Int, len(supply))
	for _, e := range supply {
		if e.Amount != nil {
			bt.supply[e.Asset] = new(uint256.Int).Set(e.Amount)
		}
	}
}

func sortEntries(entries []BalanceEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Account.AccountPath() < entries[j].Account.AccountPath()
	})
}
