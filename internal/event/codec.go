package event

import (
	"encoding/json"
	"fmt"
)

// New returns an empty command of type ct.
func New(ct CommandType) (Command, error) {
	switch ct {
	case CommandTypeOracleCommit:
		return &OracleCommit{}, nil
	case CommandTypeMarketUpdate:
		return &MarketUpdate{}, nil
	case CommandTypeSignedTake:
		return &SignedTake{}, nil
	case CommandTypeControllerAction:
		return &ControllerAction{}, nil
	case CommandTypeTriggerOrderAction:
		return &TriggerOrderAction{}, nil
	case CommandTypeCancelNonce:
		return &CancelNonce{}, nil
	case CommandTypeParameterUpdate:
		return &ParameterUpdate{}, nil
	case CommandTypeWalletFunding:
		return &WalletFunding{}, nil
	case CommandTypeClaimFees:
		return &ClaimFees{}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %d", ct)
	}
}

// Decode parses the JSON encoding of a command of type ct.
func Decode(ct CommandType, payload []byte) (Command, error) {
	cmd, err := New(ct)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ct, err)
	}
	return cmd, nil
}
