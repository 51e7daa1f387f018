package oracle

import (
	"fmt"
	"sort"
	"sync"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// KeeperOracle is an in-memory request/commit oracle. Markets request the
// current granular timestamp when an order is placed and keepers commit
// prices in strictly increasing timestamp order. A request that no keeper
// answered within the timeout is committed invalid once a later timestamp is
// committed or Expire runs.
type KeeperOracle struct {
	id          string
	granularity uint64
	timeout     uint64
	clock       Clock
	logger      zerolog.Logger
	metrics     *observability.Metrics

	mu       sync.RWMutex
	versions map[uint64]state.OracleVersion
	requests []uint64 // sorted, uncommitted
	latest   state.OracleVersion
}

// KeeperOracleState is the serializable form of a KeeperOracle.
type KeeperOracleState struct {
	Versions []state.OracleVersion `json:"versions"`
	Requests []uint64              `json:"requests"`
	Latest   state.OracleVersion   `json:"latest"`
}

func NewKeeperOracle(
	id string,
	granularity, timeout uint64,
	clock Clock,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *KeeperOracle {
	if granularity == 0 {
		granularity = 1
	}
	return &KeeperOracle{
		id:          id,
		granularity: granularity,
		timeout:     timeout,
		clock:       clock,
		logger:      logger.With().Str("oracle", id).Logger(),
		metrics:     metrics,
		versions:    make(map[uint64]state.OracleVersion),
	}
}

func (o *KeeperOracle) ID() string { return o.id }

// Current rounds now up to the next granularity boundary.
func (o *KeeperOracle) Current() uint64 {
	now := o.clock.Now()
	return (now + o.granularity - 1) / o.granularity * o.granularity
}

func (o *KeeperOracle) Latest() state.OracleVersion {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.latest
}

func (o *KeeperOracle) At(timestamp uint64) state.OracleVersion {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if v, ok := o.versions[timestamp]; ok {
		return v
	}
	return state.OracleVersion{Timestamp: timestamp}
}

func (o *KeeperOracle) Status() (state.OracleVersion, uint64) {
	return o.Latest(), o.Current()
}

// Request registers the current timestamp for commitment.
func (o *KeeperOracle) Request(market, account common.Address) uint64 {
	current := o.Current()

	o.mu.Lock()
	defer o.mu.Unlock()

	if current <= o.latest.Timestamp {
		return current
	}
	i := sort.Search(len(o.requests), func(i int) bool { return o.requests[i] >= current })
	if i < len(o.requests) && o.requests[i] == current {
		return current
	}
	o.requests = append(o.requests, 0)
	copy(o.requests[i+1:], o.requests[i:])
	o.requests[i] = current

	o.logger.Debug().
		Uint64("timestamp", current).
		Str("market", market.Hex()).
		Str("account", account.Hex()).
		Msg("version requested")
	return current
}

// Pending returns the requested but uncommitted timestamps.
func (o *KeeperOracle) Pending() []uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]uint64(nil), o.requests...)
}

// Commit records a valid price at timestamp, which must be in the past so
// that no later order can be placed at a committed timestamp. Every earlier
// request must be past its timeout; those are committed invalid first.
func (o *KeeperOracle) Commit(timestamp uint64, price fpmath.Fixed6) error {
	now := o.clock.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	if timestamp%o.granularity != 0 {
		return fmt.Errorf("%w: timestamp=%d granularity=%d", ErrUnalignedTimestamp, timestamp, o.granularity)
	}
	if timestamp <= o.latest.Timestamp {
		return fmt.Errorf("%w: latest=%d, got=%d", ErrNonIncreasingCommit, o.latest.Timestamp, timestamp)
	}
	if timestamp >= now {
		return fmt.Errorf("%w: now=%d, got=%d", ErrVersionInFuture, now, timestamp)
	}

	expired := 0
	for expired < len(o.requests) && o.requests[expired] < timestamp {
		if now <= o.requests[expired]+o.timeout {
			return fmt.Errorf("%w: requested=%d", ErrRequestPending, o.requests[expired])
		}
		expired++
	}

	for _, r := range o.requests[:expired] {
		o.store(state.OracleVersion{Timestamp: r, Price: o.latest.Price})
	}
	o.store(state.OracleVersion{Timestamp: timestamp, Price: price, Valid: true})
	o.dropRequestsThrough(timestamp)

	o.logger.Info().
		Uint64("timestamp", timestamp).
		Str("price", price.String()).
		Int("expired", expired).
		Msg("version committed")
	return nil
}

// Expire commits invalid every leading request that is past its timeout and
// returns how many were expired.
func (o *KeeperOracle) Expire() int {
	now := o.clock.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	expired := 0
	for expired < len(o.requests) && now > o.requests[expired]+o.timeout {
		o.store(state.OracleVersion{Timestamp: o.requests[expired], Price: o.latest.Price})
		expired++
	}
	o.requests = o.requests[expired:]
	if expired > 0 {
		o.logger.Warn().Int("expired", expired).Uint64("latest", o.latest.Timestamp).Msg("requests expired")
	}
	return expired
}

func (o *KeeperOracle) store(version state.OracleVersion) {
	o.versions[version.Timestamp] = version
	o.latest = version

	if o.metrics != nil {
		validity := "invalid"
		if version.Valid {
			validity = "valid"
		}
		o.metrics.OracleCommits.WithLabelValues(o.id, validity).Inc()
		o.metrics.OracleLatestVersion.WithLabelValues(o.id).Set(float64(version.Timestamp))
	}
}

func (o *KeeperOracle) dropRequestsThrough(timestamp uint64) {
	i := sort.Search(len(o.requests), func(i int) bool { return o.requests[i] > timestamp })
	o.requests = o.requests[i:]
}

// State exports the oracle for snapshots. Versions are sorted by timestamp.
func (o *KeeperOracle) State() KeeperOracleState {
	o.mu.RLock()
	defer o.mu.RUnlock()

	versions := make([]state.OracleVersion, 0, len(o.versions))
	for _, v := range o.versions {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Timestamp < versions[j].Timestamp })

	return KeeperOracleState{
		Versions: versions,
		Requests: append([]uint64(nil), o.requests...),
		Latest:   o.latest,
	}
}

// Restore replaces the oracle's contents with st.
func (o *KeeperOracle) Restore(st KeeperOracleState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.versions = make(map[uint64]state.OracleVersion, len(st.Versions))
	for _, v := range st.Versions {
		o.versions[v.Timestamp] = v
	}
	o.requests = append([]uint64(nil), st.Requests...)
	o.latest = st.Latest
}
