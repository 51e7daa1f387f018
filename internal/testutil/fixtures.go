package testutil

import (
	"crypto/ecdsa"
	"fmt"
	"testing"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	F6 = fpmath.MustParseFixed6
	U6 = fpmath.MustParseUFixed6
)

// Key returns the n-th deterministic test key. n must be positive.
func Key(n int) *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(fmt.Sprintf("%064x", n))
	if err != nil {
		panic(err)
	}
	return key
}

// Addr returns the address of key.
func Addr(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// Address returns a readable fixed address for non-signing roles.
func Address(n int) common.Address {
	return common.BigToAddress(uint256.NewInt(uint64(0xfeed0000 + n)).ToBig())
}

// N converts a small integer to a nonce or group.
func N(n uint64) uint256.Int {
	return *uint256.NewInt(n)
}

// Sign signs msg under domain, failing the test on error.
func Sign(t *testing.T, domain verifier.Domain, msg verifier.Message, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	sig, err := verifier.Sign(domain, msg, key)
	if err != nil {
		t.Fatalf("sign %s: %v", msg.PrimaryType(), err)
	}
	return sig
}
