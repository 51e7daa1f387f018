package market

import (
	"fmt"
	"sort"

	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
)

// Staged is a market operation that passed every invariant but has not been
// written yet. Its Batch must be applied to the ledger before Commit; callers
// that combine several markets append the batches and apply them once.
type Staged struct {
	Effects

	market   *Market
	revision uint64
	ctx      *settlementContext
	receipts []*verifier.Receipt
	done     bool
}

func (s *Staged) Market() *Market { return s.market }

// Fresh reports whether the market is unchanged since staging.
func (s *Staged) Fresh() bool {
	s.market.mu.RLock()
	defer s.market.mu.RUnlock()
	return s.market.revision == s.revision
}

// Commit writes the staged context into the market. It fails with
// ErrStaleStage when another operation committed in between, in which case
// the stage is discarded.
func (s *Staged) Commit() error {
	if s.done {
		return ErrStageFinished
	}
	m := s.market
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revision != s.revision {
		s.discard()
		return fmt.Errorf("%w: %s", ErrStaleStage, m.name)
	}
	s.commitLocked()
	return nil
}

// Discard releases the stage without writing. Reserved signature nonces are
// released. Discarding a committed stage does nothing.
func (s *Staged) Discard() {
	if s.done {
		return
	}
	s.discard()
}

func (s *Staged) discard() {
	for _, r := range s.receipts {
		r.Rollback()
	}
	s.done = true
}

func (s *Staged) commitLocked() {
	s.market.commitLocked(s.ctx)
	for _, r := range s.receipts {
		r.Commit()
	}
	s.done = true
}

// stage loads a context for owner, settles it and applies fn. It must be
// called with m.mu held.
func (m *Market) stage(owner common.Address, fn func(c *settlementContext) error) (s *Staged, err error) {
	defer fpmath.Recover(&err)

	c := m.loadContext(owner)
	c.settle()
	if fn != nil {
		if err := fn(c); err != nil {
			return nil, err
		}
	}
	return &Staged{
		Effects:  Effects{Batch: c.batch, Records: c.records},
		market:   m,
		revision: m.revision,
		ctx:      c,
	}, nil
}

func (m *Market) staged(build func() (*Staged, error)) (*Staged, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := build()
	if err != nil {
		m.observeUpdate(err)
	}
	return s, err
}

// execute stages, applies the ledger batch and commits under one lock.
func (m *Market) execute(build func() (*Staged, error)) (Effects, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := build()
	if err != nil {
		m.observeUpdate(err)
		return Effects{}, err
	}
	if !s.Batch.Empty() {
		if err := m.ledger.ApplyBatch(s.Batch); err != nil {
			s.discard()
			m.observeUpdate(err)
			return Effects{}, fmt.Errorf("market %s: %w", m.name, err)
		}
	}
	s.commitLocked()
	m.observeUpdate(nil)
	return s.Effects, nil
}

// CommitAll applies batch and commits every stage as one operation. Each
// stage must belong to a different market. The markets are locked in address order; if any stage is stale or the batch
// does not apply, every stage is discarded and nothing is written.
func CommitAll(l *ledger.BalanceTracker, batch *ledger.Batch, stages ...*Staged) error {
	markets := make([]*Market, 0, len(stages))
	seen := make(map[*Market]bool, len(stages))
	for _, s := range stages {
		if s.done {
			discardAll(stages)
			return ErrStageFinished
		}
		if seen[s.market] {
			discardAll(stages)
			return fmt.Errorf("%w: two stages on %s", ErrStaleStage, s.market.name)
		}
		seen[s.market] = true
		markets = append(markets, s.market)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].address.Cmp(markets[j].address) < 0 })
	for _, m := range markets {
		m.mu.Lock()
		defer m.mu.Unlock()
	}

	for _, s := range stages {
		if s.market.revision != s.revision {
			discardAll(stages)
			return fmt.Errorf("%w: %s", ErrStaleStage, s.market.name)
		}
	}
	if batch != nil && !batch.Empty() {
		if err := l.ApplyBatch(batch); err != nil {
			discardAll(stages)
			for _, m := range markets {
				m.observeUpdate(err)
			}
			return err
		}
	}
	for _, s := range stages {
		s.commitLocked()
		s.market.observeUpdate(nil)
	}
	return nil
}

func discardAll(stages []*Staged) {
	for _, s := range stages {
		s.Discard()
	}
}
