package verifier

import "errors"

var (
	ErrInvalidSignature = errors.New("verifier: invalid signature")
	ErrInvalidSigner    = errors.New("verifier: invalid signer")
	ErrInvalidDomain    = errors.New("verifier: invalid domain")
	ErrInvalidExpiry    = errors.New("verifier: invalid expiry")
	ErrInvalidNonce     = errors.New("verifier: invalid nonce")
	ErrInvalidGroup     = errors.New("verifier: invalid group")
)

// outcome maps a verification error to a bounded metric label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrInvalidSigner):
		return "invalid_signer"
	case errors.Is(err, ErrInvalidDomain):
		return "invalid_domain"
	case errors.Is(err, ErrInvalidExpiry):
		return "invalid_expiry"
	case errors.Is(err, ErrInvalidNonce):
		return "invalid_nonce"
	case errors.Is(err, ErrInvalidGroup):
		return "invalid_group"
	default:
		return "error"
	}
}
