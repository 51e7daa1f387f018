package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"PerpSettle/internal/oracle"
	"PerpSettle/internal/testutil"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var (
	contract  = testutil.Address(1)
	marketAt  = testutil.Address(2)
	signerKey = testutil.Key(1)
	signer    = testutil.Addr(signerKey)
)

func sampleTake() verifier.Take {
	return verifier.Take{
		Amount:   testutil.F6("2.5"),
		Referrer: testutil.Address(9),
		Common: verifier.Common{
			Account: signer,
			Signer:  signer,
			Domain:  marketAt,
			Nonce:   testutil.N(7),
		},
	}
}

func execute(t *testing.T, input []byte, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(bytes.NewReader(input), &out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// ============================================================================
// Test: sign output verifies under the market verifier
// ============================================================================

func TestSign_VerifiesAgainstVerifier(t *testing.T) {
	msg := sampleTake()
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	out, err := execute(t, body,
		"sign", "take",
		"--contract", contract.Hex(),
		"--key", "0x0000000000000000000000000000000000000000000000000000000000000001",
	)
	require.NoError(t, err)

	var res Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, "Perennial", res.Domain.Name)
	require.Equal(t, int64(defaultChainID), res.Domain.ChainID)
	require.NotNil(t, res.Signer)
	require.Equal(t, signer, *res.Signer)
	require.Len(t, res.Signature, verifier.SignatureLength)

	want, err := verifier.HashTypedData(res.Domain, msg)
	require.NoError(t, err)
	require.Equal(t, want, res.Hash)

	v := verifier.New(res.Domain, oracle.NewManualClock(0), zerolog.Nop(), nil)
	got, err := v.Verify(marketAt, msg, res.Signature)
	require.NoError(t, err)
	require.Equal(t, signer, got)
}

// ============================================================================
// Test: hash needs no key and uses the verifier's default domain name
// ============================================================================

func TestHash_DefaultDomainPerVerifier(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{"take", "Perennial"},
		{"withdrawal", "Perennial V2 Collateral Accounts"},
		{"cancel-order", "Perennial V2 Trigger Orders"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			out, err := execute(t, []byte("{}"), "hash", tt.kind, "--contract", contract.Hex())
			require.NoError(t, err)

			var res Result
			require.NoError(t, json.Unmarshal([]byte(out), &res))
			require.Equal(t, tt.want, res.Domain.Name)
			require.Nil(t, res.Signer)
			require.Empty(t, res.Signature)
			require.NotEqual(t, common.Hash{}, res.Hash)
		})
	}
}

func TestHash_DomainOverrideChangesHash(t *testing.T) {
	body, err := json.Marshal(sampleTake())
	require.NoError(t, err)

	decode := func(out string) Result {
		var res Result
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		return res
	}

	a, err := execute(t, body, "hash", "take", "--contract", contract.Hex())
	require.NoError(t, err)
	b, err := execute(t, body, "hash", "take", "--contract", contract.Hex(), "--chain-id", "1")
	require.NoError(t, err)
	c, err := execute(t, body, "hash", "take", "--contract", contract.Hex(), "--domain-name", "Other")
	require.NoError(t, err)

	require.NotEqual(t, decode(a).Hash, decode(b).Hash)
	require.NotEqual(t, decode(a).Hash, decode(c).Hash)
}

// ============================================================================
// Test: rejected invocations
// ============================================================================

func TestSign_Errors(t *testing.T) {
	body, err := json.Marshal(sampleTake())
	require.NoError(t, err)
	t.Setenv("PERP_SIGNER_KEY", "")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown kind", []string{"hash", "bogus", "--contract", contract.Hex()}, "unknown message kind"},
		{"bad contract", []string{"hash", "take", "--contract", "nope"}, "--contract"},
		{"no key", []string{"sign", "take", "--contract", contract.Hex()}, "no key"},
		{"wrong key", []string{"sign", "take", "--contract", contract.Hex(), "--key",
			"0000000000000000000000000000000000000000000000000000000000000002"}, "names signer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, body, tt.args...)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSign_MalformedBody(t *testing.T) {
	_, err := execute(t, []byte(`{"amount": true}`), "hash", "take", "--contract", contract.Hex())
	require.ErrorContains(t, err, "decode take")
}

// ============================================================================
// Test: types lists every kind with its type string
// ============================================================================

func TestTypes_ListsEveryKind(t *testing.T) {
	out, err := execute(t, nil, "types")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, len(kinds))
	require.Contains(t, out, "Take(int256 amount,address referrer,Common common)")
	for _, name := range kindNames() {
		require.Contains(t, out, name)
	}
}
