package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrInvalidCommand marks a command that can never be applied. Such
// messages are terminated rather than redelivered.
var ErrInvalidCommand = errors.New("invalid command")

// SubjectPrefix is the inbound subject namespace: perp.commands.{CommandType}[.{partition}]
const SubjectPrefix = "perp.commands."

// signatureLength is r || s || v.
const signatureLength = 65

// CommandSubject returns the subject a command of type ct is published on.
func CommandSubject(ct event.CommandType) string {
	return SubjectPrefix + ct.String()
}

// CommandTypeFromSubject extracts the command type token from an inbound
// subject.
func CommandTypeFromSubject(subject string) (event.CommandType, error) {
	rest, ok := strings.CutPrefix(subject, SubjectPrefix)
	if !ok {
		return event.CommandTypeUnknown, fmt.Errorf("%w: subject %q outside %s>", ErrInvalidCommand, subject, SubjectPrefix)
	}
	token, _, _ := strings.Cut(rest, ".")
	ct, ok := event.ParseCommandType(token)
	if !ok {
		return event.CommandTypeUnknown, fmt.Errorf("%w: unknown command type %q", ErrInvalidCommand, token)
	}
	return ct, nil
}

// ParseRawCommand converts a RawCommand into a typed, validated
// event.Command. The ingestion shell validates, parses, and converts raw
// messages before sending them to the deterministic core.
func ParseRawCommand(raw RawCommand) (event.Command, error) {
	ct, err := CommandTypeFromSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	return ParseCommand(ct, raw.Data)
}

// ParseCommand decodes and validates a JSON command of type ct.
func ParseCommand(ct event.CommandType, data []byte) (event.Command, error) {
	cmd, err := event.Decode(ct, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

func invalid(ct event.CommandType, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidCommand, ct, fmt.Sprintf(format, args...))
}

// Validate checks the shape of a command. Anything depending on state,
// such as signatures or balances, is left to the core.
func Validate(cmd event.Command) error {
	ct := cmd.CommandType()
	if cmd.IdempotencyKey() == uuid.Nil.String() {
		return invalid(ct, "missing commandId")
	}
	if cmd.Timestamp() == 0 {
		return invalid(ct, "missing timestamp")
	}
	if cmd.SourceSequence() < 0 {
		return invalid(ct, "negative sequence %d", cmd.SourceSequence())
	}

	switch c := cmd.(type) {
	case *event.OracleCommit:
		if c.Oracle == "" {
			return invalid(ct, "missing oracle")
		}
		if c.Version == 0 || c.Version >= c.Timestamp() {
			return invalid(ct, "version %d must be before timestamp %d", c.Version, c.Timestamp())
		}

	case *event.MarketUpdate:
		if err := requireAddress(ct, "market", c.Market); err != nil {
			return err
		}
		if err := requireAddress(ct, "account", c.Account); err != nil {
			return err
		}
		if c.Delta != nil && (c.Maker != nil || c.Long != nil || c.Short != nil) {
			return invalid(ct, "delta and magnitudes are exclusive")
		}

	case *event.SignedTake:
		if err := requireAddress(ct, "market", c.Market); err != nil {
			return err
		}
		if len(c.Signature) != signatureLength {
			return invalid(ct, "signature length %d", len(c.Signature))
		}

	case *event.ClaimFees:
		return requireAddress(ct, "market", c.Market)

	case *event.WalletFunding:
		if err := requireAddress(ct, "owner", c.Owner); err != nil {
			return err
		}
		if _, ok := ledger.ParseAsset(c.Asset); !ok {
			return invalid(ct, "unknown asset %q", c.Asset)
		}
		if c.Amount.IsZero() {
			return invalid(ct, "zero amount")
		}

	case *event.ControllerAction:
		return validateControllerAction(c)

	case *event.TriggerOrderAction:
		return validateTriggerOrderAction(c)

	case *event.CancelNonce:
		return validateCancelNonce(c)

	case *event.ParameterUpdate:
		return validateParameterUpdate(c)
	}
	return nil
}

var (
	ownerActions = map[string]bool{
		event.ControllerDeploy:                true,
		event.ControllerDeposit:               true,
		event.ControllerWithdraw:              true,
		event.ControllerWrap:                  true,
		event.ControllerUnwrap:                true,
		event.ControllerMarketTransfer:        true,
		event.ControllerChangeRebalanceConfig: true,
		event.ControllerRebalance:             true,
	}
	relayActions = map[string]bool{
		event.ControllerRelayTake:              true,
		event.ControllerRelayNonceCancellation: true,
		event.ControllerRelayGroupCancellation: true,
		event.ControllerRelayOperatorUpdate:    true,
		event.ControllerRelaySignerUpdate:      true,
	}
	unsignedOnly = map[string]bool{
		event.ControllerDeposit:   true,
		event.ControllerWrap:      true,
		event.ControllerUnwrap:    true,
		event.ControllerRebalance: true,
	}
)

func validateControllerAction(c *event.ControllerAction) error {
	ct := c.CommandType()
	if !ownerActions[c.Action] && !relayActions[c.Action] {
		return invalid(ct, "unknown action %q", c.Action)
	}
	if c.Signed() {
		if unsignedOnly[c.Action] {
			return invalid(ct, "%s is never signed", c.Action)
		}
		if len(c.Signature) != signatureLength {
			return invalid(ct, "signature length %d", len(c.Signature))
		}
		if relayActions[c.Action] && len(c.InnerSignature) != signatureLength {
			return invalid(ct, "%s needs the inner signature", c.Action)
		}
		if len(c.Payload) == 0 {
			return invalid(ct, "missing signed message")
		}
		return requireAddress(ct, "keeper", c.Keeper)
	}
	if relayActions[c.Action] {
		return invalid(ct, "%s must be signed", c.Action)
	}
	return requireAddress(ct, "owner", c.Owner)
}

func validateTriggerOrderAction(c *event.TriggerOrderAction) error {
	ct := c.CommandType()
	if err := requireAddress(ct, "market", c.Market); err != nil {
		return err
	}
	switch c.Action {
	case event.TriggerPlace:
		if len(c.Payload) == 0 {
			return invalid(ct, "missing order")
		}
	case event.TriggerCancel:
		if c.Signed() && len(c.Payload) == 0 {
			return invalid(ct, "missing signed cancellation")
		}
	case event.TriggerExecute:
		if c.Signed() {
			return invalid(ct, "execute is never signed")
		}
		if err := requireAddress(ct, "sender", c.Sender); err != nil {
			return err
		}
	default:
		return invalid(ct, "unknown action %q", c.Action)
	}
	if c.Signed() && len(c.Signature) != signatureLength {
		return invalid(ct, "signature length %d", len(c.Signature))
	}
	if !c.Signed() {
		return requireAddress(ct, "account", c.Account)
	}
	return nil
}

func validateCancelNonce(c *event.CancelNonce) error {
	ct := c.CommandType()
	switch c.Verifier {
	case event.VerifierMarket, event.VerifierController, event.VerifierManager:
	default:
		return invalid(ct, "unknown verifier %q", c.Verifier)
	}
	if len(c.Signature) > 0 {
		if (c.NonceCancellation == nil) == (c.GroupCancellation == nil) {
			return invalid(ct, "exactly one signed cancellation required")
		}
		if len(c.Signature) != signatureLength {
			return invalid(ct, "signature length %d", len(c.Signature))
		}
		return requireAddress(ct, "caller", c.Caller)
	}
	if c.Nonce == nil && c.Group == nil {
		return invalid(ct, "nothing to cancel")
	}
	return requireAddress(ct, "account", c.Account)
}

func validateParameterUpdate(c *event.ParameterUpdate) error {
	ct := c.CommandType()
	switch c.Scope {
	case event.ScopeProtocol, event.ScopeExtension, event.ScopeOperator, event.ScopeSigner:
	case event.ScopeMarket, event.ScopeRisk:
		if err := requireAddress(ct, "market", c.Market); err != nil {
			return err
		}
	default:
		return invalid(ct, "unknown scope %q", c.Scope)
	}
	if len(c.Payload) == 0 {
		return invalid(ct, "missing payload")
	}
	if len(c.Signature) > 0 && c.Scope != event.ScopeOperator && c.Scope != event.ScopeSigner {
		return invalid(ct, "%s updates are never signed", c.Scope)
	}
	return nil
}

func requireAddress(ct event.CommandType, field string, addr common.Address) error {
	if addr == (common.Address{}) {
		return invalid(ct, "missing %s", field)
	}
	return nil
}
