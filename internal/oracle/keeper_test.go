package oracle_test

import (
	"errors"
	"testing"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	market  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	account = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func newOracle(now uint64) (*oracle.KeeperOracle, *oracle.ManualClock) {
	clock := oracle.NewManualClock(now)
	return oracle.NewKeeperOracle("eth-usd", 10, 60, clock, zerolog.Nop(), nil), clock
}

func TestKeeperOracle_Current(t *testing.T) {
	o, clock := newOracle(101)
	if got := o.Current(); got != 110 {
		t.Errorf("got %d, want 110", got)
	}
	clock.Set(110)
	if got := o.Current(); got != 110 {
		t.Errorf("on boundary: got %d, want 110", got)
	}
}

func TestKeeperOracle_CommitAndAt(t *testing.T) {
	o, clock := newOracle(101)
	ts := o.Request(market, account)
	clock.Set(115)

	if err := o.Commit(ts, fpmath.MustParseFixed6("123")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	v := o.At(ts)
	if !v.Valid || v.Price != fpmath.MustParseFixed6("123") || v.Timestamp != 110 {
		t.Errorf("got %+v", v)
	}
	if latest := o.Latest(); latest != v {
		t.Errorf("latest: got %+v, want %+v", latest, v)
	}
	if len(o.Pending()) != 0 {
		t.Errorf("request should be resolved, pending=%v", o.Pending())
	}

	unknown := o.At(120)
	if unknown.Valid || unknown.Timestamp != 120 || unknown.Price != 0 {
		t.Errorf("unknown timestamp: got %+v", unknown)
	}
}

func TestKeeperOracle_CommitOrdering(t *testing.T) {
	o, clock := newOracle(200)
	clock.Set(300)
	if err := o.Commit(200, fpmath.OneFixed6); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tests := []struct {
		name string
		ts   uint64
		want error
	}{
		{"same timestamp", 200, oracle.ErrNonIncreasingCommit},
		{"earlier", 190, oracle.ErrNonIncreasingCommit},
		{"future", 310, oracle.ErrVersionInFuture},
		{"now", 300, oracle.ErrVersionInFuture},
		{"unaligned", 215, oracle.ErrUnalignedTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := o.Commit(tt.ts, fpmath.OneFixed6); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestKeeperOracle_RequestPendingThenExpired(t *testing.T) {
	o, clock := newOracle(100)
	clock.Set(105)
	if err := o.Commit(100, fpmath.MustParseFixed6("50")); err != nil {
		t.Fatalf("commit: %v", err)
	}

	first := o.Request(market, account) // 110
	clock.Set(125)
	o.Request(market, account) // 130

	clock.Set(131)
	if err := o.Commit(130, fpmath.MustParseFixed6("51")); !errors.Is(err, oracle.ErrRequestPending) {
		t.Fatalf("got %v, want ErrRequestPending", err)
	}

	clock.Set(first + 61)
	if err := o.Commit(130, fpmath.MustParseFixed6("51")); err != nil {
		t.Fatalf("commit after timeout: %v", err)
	}

	invalid := o.At(first)
	if invalid.Valid || invalid.Price != fpmath.MustParseFixed6("50") {
		t.Errorf("expired request: got %+v, want invalid at previous price", invalid)
	}
	if !o.At(130).Valid {
		t.Error("committed version should be valid")
	}
}

func TestKeeperOracle_Expire(t *testing.T) {
	o, clock := newOracle(100)
	o.Request(market, account) // 100
	clock.Set(150)
	o.Request(market, account) // 150

	clock.Set(170)
	if n := o.Expire(); n != 1 {
		t.Errorf("got %d expired, want 1", n)
	}
	if o.Latest().Timestamp != 100 || o.Latest().Valid {
		t.Errorf("latest: got %+v", o.Latest())
	}
	if pending := o.Pending(); len(pending) != 1 || pending[0] != 150 {
		t.Errorf("pending: got %v, want [150]", pending)
	}
}

func TestKeeperOracle_StateRoundTrip(t *testing.T) {
	o, clock := newOracle(100)
	clock.Set(101)
	if err := o.Commit(100, fpmath.OneFixed6); err != nil {
		t.Fatalf("commit: %v", err)
	}
	clock.Set(105)
	o.Request(market, account)

	restored, _ := newOracle(0)
	restored.Restore(o.State())

	if restored.Latest() != o.Latest() || restored.At(100) != o.At(100) {
		t.Error("restored oracle differs")
	}
	if p := restored.Pending(); len(p) != 1 || p[0] != 110 {
		t.Errorf("pending: got %v", p)
	}
}

func TestManualClock_NeverMovesBackwards(t *testing.T) {
	c := oracle.NewManualClock(10)
	c.Set(5)
	if c.Now() != 10 {
		t.Errorf("got %d, want 10", c.Now())
	}
	c.Advance(3)
	if c.Now() != 13 {
		t.Errorf("got %d, want 13", c.Now())
	}
}
