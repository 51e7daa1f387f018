package core

import "errors"

var (
	ErrOutOfOrder        = errors.New("core: out-of-order command")
	ErrSequenceGap       = errors.New("core: command sequence gap")
	ErrUnknownOracle     = errors.New("core: unknown oracle")
	ErrUnknownVerifier   = errors.New("core: unknown verifier")
	ErrUnknownAction     = errors.New("core: unknown action")
	ErrInvalidPayload    = errors.New("core: invalid command payload")
	ErrNotOwner          = errors.New("core: sender is not the factory owner")
	ErrReplayMismatch    = errors.New("core: replayed command diverged from the log")
	ErrStateHashMismatch = errors.New("core: state hash mismatch")
	ErrDiverged          = errors.New("core: engine state diverged, restore from a snapshot")
)
