package verifier

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
)

// SignatureLength is the length of an r||s||v signature.
const SignatureLength = 65

// Domain is the EIP-712 domain of one verifier.
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           int64          `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

// TypedDataDomain converts d for apitypes.
func (d Domain) TypedDataDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           math.NewHexOrDecimal256(d.ChainID),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Message is a signed EIP-712 struct that carries a Common authorization,
// either directly or through a wrapping Action.
type Message interface {
	// PrimaryType is the EIP-712 struct name.
	PrimaryType() string
	// Types lists every struct reachable from the primary type.
	Types() apitypes.Types
	// Fields is the message body. Nested structs are plain maps.
	Fields() map[string]interface{}
	// Authorization is the Common used for replay protection.
	Authorization() Common
}

// MergeTypes combines struct definitions from several messages.
func MergeTypes(sets ...apitypes.Types) apitypes.Types {
	out := apitypes.Types{}
	for _, set := range sets {
		for name, fields := range set {
			out[name] = fields
		}
	}
	return out
}

// TypedData builds the full apitypes document for msg under domain.
func TypedData(domain Domain, msg Message) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       MergeTypes(apitypes.Types{"EIP712Domain": domainType}, msg.Types()),
		PrimaryType: msg.PrimaryType(),
		Domain:      domain.TypedDataDomain(),
		Message:     apitypes.TypedDataMessage(msg.Fields()),
	}
}

// HashTypedData returns keccak256("\x19\x01" || domainSeparator || hashStruct(msg)).
func HashTypedData(domain Domain, msg Message) (common.Hash, error) {
	hash, _, err := apitypes.TypedDataAndHash(TypedData(domain, msg))
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash %s: %w", msg.PrimaryType(), err)
	}
	return common.BytesToHash(hash), nil
}

// TypeString returns the canonical encodeType string of msg's primary type.
func TypeString(msg Message) string {
	td := TypedData(Domain{}, msg)
	return string(td.EncodeType(msg.PrimaryType()))
}

// Sign produces a 65-byte signature with v in {27, 28}.
func Sign(domain Domain, msg Message, key *ecdsa.PrivateKey) ([]byte, error) {
	hash, err := HashTypedData(domain, msg)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// recoverSigner recovers the address that produced sig over hash. Both
// v conventions are accepted; high-s signatures are rejected.
func recoverSigner(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, ErrInvalidSignature
	}

	pub, err := crypto.SigToPub(hash[:], normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Encoding helpers for message fields.

// Uint encodes an unsigned integer field.
func Uint(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

// Int encodes a signed integer field.
func Int(v int64) *big.Int { return big.NewInt(v) }

// Uint256 encodes a 256-bit field.
func Uint256(v uint256.Int) *big.Int { return v.ToBig() }

// Address encodes an address field.
func Address(a common.Address) string { return a.Hex() }
