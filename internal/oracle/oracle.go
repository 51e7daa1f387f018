// Package oracle supplies settled price versions to markets.
package oracle

import (
	"errors"
	"sync"
	"time"

	"PerpSettle/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrRequestPending      = errors.New("oracle: earlier request is still within its commit window")
	ErrNonIncreasingCommit = errors.New("oracle: commit timestamp not after latest")
	ErrVersionInFuture     = errors.New("oracle: commit timestamp not in the past")
	ErrUnalignedTimestamp  = errors.New("oracle: commit timestamp not aligned to granularity")
)

// Oracle is what a market needs from its price feed.
type Oracle interface {
	// Current is the timestamp new orders are placed at.
	Current() uint64
	// Latest is the most recent committed version.
	Latest() state.OracleVersion
	// At returns the version committed at timestamp, or an invalid version
	// when nothing was committed there.
	At(timestamp uint64) state.OracleVersion
	// Request registers interest in the current version and returns its
	// timestamp.
	Request(market, account common.Address) uint64
	// Status returns Latest and Current together.
	Status() (state.OracleVersion, uint64)
}

// Clock reports unix seconds.
type Clock interface {
	Now() uint64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() uint64 { return uint64(time.Now().Unix()) }

// ManualClock is a settable clock. The engine advances it to each command's
// timestamp so that replay is deterministic.
type ManualClock struct {
	mu  sync.RWMutex
	now uint64
}

func NewManualClock(now uint64) *ManualClock {
	return &ManualClock{now: now}
}

func (c *ManualClock) Now() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to now. The clock never moves backwards.
func (c *ManualClock) Set(now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now > c.now {
		c.now = now
	}
}

// Advance moves the clock forward by seconds.
func (c *ManualClock) Advance(seconds uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += seconds
}
