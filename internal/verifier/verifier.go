// Package verifier implements EIP-712 signed-message authorization with
// one-way nonce and group cancellation.
package verifier

import (
	"fmt"
	"sort"
	"sync"

	"PerpSettle/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Clock reports unix seconds.
type Clock interface {
	Now() uint64
}

// SignerAuthority answers whether signer may sign on behalf of account.
type SignerAuthority interface {
	IsSigner(account, signer common.Address) bool
}

// ContractSigner is an ERC-1271 smart account.
type ContractSigner interface {
	IsValidSignature(hash common.Hash, signature []byte) bool
}

type lockKey struct {
	account common.Address
	domain  common.Address
}

// Verifier checks signed messages for one EIP-712 domain and owns that
// domain's nonce and group sets.
type Verifier struct {
	domain    Domain
	clock     Clock
	authority SignerAuthority
	logger    zerolog.Logger
	metrics   *observability.Metrics

	locks sync.Map // lockKey -> *sync.Mutex

	mu        sync.RWMutex
	nonces    map[common.Address]map[uint256.Int]struct{}
	reserved  map[common.Address]map[uint256.Int]struct{} // begun, not yet committed
	groups    map[common.Address]map[uint256.Int]struct{}
	contracts map[common.Address]ContractSigner

	sink func(Usage)
}

// Usage kinds.
const (
	UsageNonceUsed      = "nonce_used"
	UsageNonceCancelled = "nonce_cancelled"
	UsageGroupCancelled = "group_cancelled"
)

// Usage reports a one-way change to a nonce or group set.
type Usage struct {
	Kind    string         `json:"kind"`
	Account common.Address `json:"account"`
	Value   *uint256.Int   `json:"value"`
}

func New(domain Domain, clock Clock, logger zerolog.Logger, metrics *observability.Metrics) *Verifier {
	return &Verifier{
		domain:    domain,
		clock:     clock,
		logger:    logger.With().Str("verifier", domain.Name).Logger(),
		metrics:   metrics,
		nonces:    make(map[common.Address]map[uint256.Int]struct{}),
		reserved:  make(map[common.Address]map[uint256.Int]struct{}),
		groups:    make(map[common.Address]map[uint256.Int]struct{}),
		contracts: make(map[common.Address]ContractSigner),
	}
}

// SetSignerAuthority installs the delegated-signer lookup. It is set after
// construction because the authority usually owns the verifier.
func (v *Verifier) SetSignerAuthority(a SignerAuthority) {
	v.authority = a
}

// Domain returns the verifier's EIP-712 domain.
func (v *Verifier) Domain() Domain { return v.domain }

// SetUsageSink registers fn to receive every committed nonce use and every
// cancellation. It must be set before the verifier is used.
func (v *Verifier) SetUsageSink(fn func(Usage)) {
	v.sink = fn
}

func (v *Verifier) emit(kind string, account common.Address, value uint256.Int) {
	if v.sink != nil {
		v.sink(Usage{Kind: kind, Account: account, Value: &value})
	}
}

// RegisterContract makes signer an ERC-1271 account.
func (v *Verifier) RegisterContract(address common.Address, signer ContractSigner) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.contracts[address] = signer
}

// Receipt is a verified message whose nonce is reserved. Commit makes the
// consumption permanent; Rollback releases the nonce when the enclosing
// operation fails.
type Receipt struct {
	v       *Verifier
	message string
	common  Common
	done    bool
}

// Signer is the verified signer.
func (r *Receipt) Signer() common.Address { return r.common.Signer }

// Common is the verified authorization.
func (r *Receipt) Common() Common { return r.common }

// Commit finalizes nonce consumption. It is idempotent.
func (r *Receipt) Commit() {
	if r == nil || r.done {
		return
	}
	r.done = true

	r.v.mu.Lock()
	unmark(r.v.reserved, r.common.Account, r.common.Nonce)
	markUsed(r.v.nonces, r.common.Account, r.common.Nonce)
	r.v.mu.Unlock()

	r.v.emit(UsageNonceUsed, r.common.Account, r.common.Nonce)
	r.v.logger.Debug().
		Str("message", r.message).
		Str("account", r.common.Account.Hex()).
		Str("nonce", r.common.Nonce.Dec()).
		Msg("nonce consumed")
}

// Rollback releases the reserved nonce. It does nothing after Commit, and a
// nonce cancelled while reserved stays cancelled.
func (r *Receipt) Rollback() {
	if r == nil || r.done {
		return
	}
	r.done = true

	r.v.mu.Lock()
	defer r.v.mu.Unlock()
	unmark(r.v.reserved, r.common.Account, r.common.Nonce)
}

// Verify checks msg and consumes its nonce. caller is the component
// consuming the message and must equal the message's domain.
func (v *Verifier) Verify(caller common.Address, msg Message, signature []byte) (common.Address, error) {
	receipt, err := v.Begin(caller, msg, signature)
	if err != nil {
		return common.Address{}, err
	}
	receipt.Commit()
	return receipt.Signer(), nil
}

// Begin verifies msg and reserves its nonce. The caller must Commit or
// Rollback the receipt.
func (v *Verifier) Begin(caller common.Address, msg Message, signature []byte) (*Receipt, error) {
	c := msg.Authorization()

	mu := v.lockFor(c.Account, c.Domain)
	mu.Lock()
	defer mu.Unlock()

	err := v.check(caller, msg, signature)
	if err == nil {
		err = v.consume(c)
	}
	v.record(msg, err)
	if err != nil {
		return nil, err
	}
	return &Receipt{v: v, message: msg.PrimaryType(), common: c}, nil
}

func (v *Verifier) check(caller common.Address, msg Message, signature []byte) error {
	c := msg.Authorization()

	if len(signature) != SignatureLength {
		return fmt.Errorf("%w: length %d", ErrInvalidSignature, len(signature))
	}
	hash, err := HashTypedData(v.domain, msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !v.validSignature(c.Signer, hash, signature) {
		return ErrInvalidSignature
	}

	if c.Signer != c.Account && (v.authority == nil || !v.authority.IsSigner(c.Account, c.Signer)) {
		return ErrInvalidSigner
	}
	if c.Domain != caller {
		return ErrInvalidDomain
	}
	if c.Expiry != 0 && c.Expiry <= v.clock.Now() {
		return ErrInvalidExpiry
	}
	return nil
}

func (v *Verifier) validSignature(signer common.Address, hash common.Hash, signature []byte) bool {
	v.mu.RLock()
	contract, ok := v.contracts[signer]
	v.mu.RUnlock()
	if ok {
		return contract.IsValidSignature(hash, signature)
	}

	recovered, err := recoverSigner(hash, signature)
	return err == nil && recovered == signer
}

// consume checks the nonce and group and marks the nonce used, atomically.
func (v *Verifier) consume(c Common) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, used := v.nonces[c.Account][c.Nonce]; used {
		return ErrInvalidNonce
	}
	if _, inFlight := v.reserved[c.Account][c.Nonce]; inFlight {
		return ErrInvalidNonce
	}
	if _, cancelled := v.groups[c.Account][c.Group]; cancelled {
		return ErrInvalidGroup
	}
	markUsed(v.reserved, c.Account, c.Nonce)
	return nil
}

func (v *Verifier) record(msg Message, err error) {
	if v.metrics != nil {
		v.metrics.VerifierOutcomes.WithLabelValues(v.domain.Name, msg.PrimaryType(), outcome(err)).Inc()
	}
	if err != nil {
		c := msg.Authorization()
		v.logger.Debug().
			Err(err).
			Str("message", msg.PrimaryType()).
			Str("account", c.Account.Hex()).
			Str("signer", c.Signer.Hex()).
			Msg("verification rejected")
	}
}

func (v *Verifier) lockFor(account, domain common.Address) *sync.Mutex {
	mu, _ := v.locks.LoadOrStore(lockKey{account: account, domain: domain}, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func markUsed(set map[common.Address]map[uint256.Int]struct{}, account common.Address, n uint256.Int) {
	inner, ok := set[account]
	if !ok {
		inner = make(map[uint256.Int]struct{})
		set[account] = inner
	}
	inner[n] = struct{}{}
}

func unmark(set map[common.Address]map[uint256.Int]struct{}, account common.Address, n uint256.Int) {
	inner, ok := set[account]
	if !ok {
		return
	}
	delete(inner, n)
	if len(inner) == 0 {
		delete(set, account)
	}
}

// CancelNonce marks nonce used for account. The sender must be the account.
func (v *Verifier) CancelNonce(account common.Address, nonce uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	markUsed(v.nonces, account, nonce)
	v.emit(UsageNonceCancelled, account, nonce)
	v.logger.Info().Str("account", account.Hex()).Str("nonce", nonce.Dec()).Msg("nonce cancelled")
}

// CancelGroup cancels every message of account signed with group.
func (v *Verifier) CancelGroup(account common.Address, group uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	markUsed(v.groups, account, group)
	v.emit(UsageGroupCancelled, account, group)
	v.logger.Info().Str("account", account.Hex()).Str("group", group.Dec()).Msg("group cancelled")
}

// CancelNonceWithSignature consumes the nonce of a signed Common.
func (v *Verifier) CancelNonceWithSignature(caller common.Address, c Common, signature []byte) error {
	_, err := v.Verify(caller, c, signature)
	return err
}

// CancelGroupWithSignature verifies a signed GroupCancellation and cancels
// its group.
func (v *Verifier) CancelGroupWithSignature(caller common.Address, g GroupCancellation, signature []byte) error {
	if _, err := v.Verify(caller, g, signature); err != nil {
		return err
	}
	v.CancelGroup(g.Common.Account, g.Group)
	return nil
}

// NonceUsed reports whether account's nonce is consumed, cancelled or
// reserved by an open receipt.
func (v *Verifier) NonceUsed(account common.Address, nonce uint256.Int) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, ok := v.nonces[account][nonce]; ok {
		return true
	}
	_, ok := v.reserved[account][nonce]
	return ok
}

// GroupCancelled reports whether account's group is cancelled.
func (v *Verifier) GroupCancelled(account common.Address, group uint256.Int) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.groups[account][group]
	return ok
}

// VerifierState is the serializable nonce and group sets.
type VerifierState struct {
	Nonces map[common.Address][]*uint256.Int `json:"nonces"`
	Groups map[common.Address][]*uint256.Int `json:"groups"`
}

// State exports the used nonces and cancelled groups. Reserved nonces are
// not part of it.
func (v *Verifier) State() VerifierState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return VerifierState{Nonces: exportSet(v.nonces), Groups: exportSet(v.groups)}
}

// Restore replaces the nonce and group sets.
func (v *Verifier) Restore(st VerifierState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nonces = importSet(st.Nonces)
	v.reserved = make(map[common.Address]map[uint256.Int]struct{})
	v.groups = importSet(st.Groups)
}

func exportSet(set map[common.Address]map[uint256.Int]struct{}) map[common.Address][]*uint256.Int {
	out := make(map[common.Address][]*uint256.Int, len(set))
	for account, inner := range set {
		values := make([]*uint256.Int, 0, len(inner))
		for n := range inner {
			n := n
			values = append(values, &n)
		}
		sortInts(values)
		out[account] = values
	}
	return out
}

func importSet(in map[common.Address][]*uint256.Int) map[common.Address]map[uint256.Int]struct{} {
	out := make(map[common.Address]map[uint256.Int]struct{}, len(in))
	for account, values := range in {
		for _, n := range values {
			markUsed(out, account, *n)
		}
	}
	return out
}

func sortInts(values []*uint256.Int) {
	sort.Slice(values, func(i, j int) bool { return values[i].Lt(values[j]) })
}
