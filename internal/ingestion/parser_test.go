package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const commandID = "550e8400-e29b-41d4-a716-446655440000"

func rawFromJSON(t *testing.T, subject string, v interface{}) ingestion.RawCommand {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawCommand{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
		TermFunc:  func() {},
	}
}

func header(extra map[string]interface{}) map[string]interface{} {
	payload := map[string]interface{}{
		"commandId": commandID,
		"sequence":  int64(3),
		"timestamp": uint64(1_700_000_100),
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

func signature() string {
	return "0x" + strings.Repeat("11", 65)
}

// ============================================================================
// Test: subjects
// ============================================================================

func TestCommandTypeFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    event.CommandType
		wantErr bool
	}{
		{"perp.commands.OracleCommit", event.CommandTypeOracleCommit, false},
		{"perp.commands.MarketUpdate." + testutil.MarketAddress.Hex(), event.CommandTypeMarketUpdate, false},
		{"perp.commands.Teleport", event.CommandTypeUnknown, true},
		{"perp.trades.OracleCommit", event.CommandTypeUnknown, true},
	}
	for _, tt := range tests {
		got, err := ingestion.CommandTypeFromSubject(tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: got err %v, wantErr %v", tt.subject, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ingestion.ErrInvalidCommand) {
			t.Errorf("%s: error %v is not ErrInvalidCommand", tt.subject, err)
		}
		if got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.subject, got, tt.want)
		}
	}
}

func TestDefaultSubjects_CoverEveryCommand(t *testing.T) {
	subjects := ingestion.DefaultSubjects()
	if len(subjects) != 9 {
		t.Fatalf("got %d subjects, want 9", len(subjects))
	}
	for _, s := range subjects {
		ct, err := ingestion.CommandTypeFromSubject(s.Subject)
		if err != nil || ct != s.CommandType {
			t.Errorf("subject %s: got %v, %v", s.Subject, ct, err)
		}
		if s.StreamName != ingestion.CommandStream {
			t.Errorf("subject %s on stream %s", s.Subject, s.StreamName)
		}
	}
}

// ============================================================================
// Test: parsing
// ============================================================================

func TestParseOracleCommit(t *testing.T) {
	raw := rawFromJSON(t, "perp.commands.OracleCommit", header(map[string]interface{}{
		"oracle":  "eth-usd",
		"version": uint64(1_700_000_000),
		"price":   "3012.5",
	}))

	cmd, err := ingestion.ParseRawCommand(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	oc, ok := cmd.(*event.OracleCommit)
	if !ok {
		t.Fatalf("expected *event.OracleCommit, got %T", cmd)
	}
	if oc.Oracle != "eth-usd" || oc.Version != 1_700_000_000 {
		t.Errorf("got oracle %s version %d", oc.Oracle, oc.Version)
	}
	if oc.Price.String() != "3012.5" {
		t.Errorf("price: got %s, want 3012.5", oc.Price)
	}
	if oc.IdempotencyKey() != commandID || oc.SourceSequence() != 3 {
		t.Errorf("header: key %s seq %d", oc.IdempotencyKey(), oc.SourceSequence())
	}
}

func TestParseMarketUpdate(t *testing.T) {
	account := testutil.Address(1)
	raw := rawFromJSON(t, "perp.commands.MarketUpdate", header(map[string]interface{}{
		"market":     testutil.MarketAddress,
		"sender":     account,
		"account":    account,
		"long":       "2",
		"collateral": "-10.25",
	}))

	cmd, err := ingestion.ParseRawCommand(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	mu := cmd.(*event.MarketUpdate)
	if mu.Long == nil || mu.Long.String() != "2" || mu.Maker != nil {
		t.Errorf("magnitudes: long %v maker %v", mu.Long, mu.Maker)
	}
	if mu.Collateral.String() != "-10.25" {
		t.Errorf("collateral: got %s", mu.Collateral)
	}
	if id := mu.MarketID(); id == nil || *id != testutil.MarketAddress.Hex() {
		t.Errorf("market id: got %v", id)
	}
}

func TestParseWalletFunding(t *testing.T) {
	raw := rawFromJSON(t, "perp.commands.WalletFunding", header(map[string]interface{}{
		"owner":  testutil.Address(1),
		"asset":  "usdc",
		"amount": "250",
	}))
	cmd, err := ingestion.ParseRawCommand(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if wf := cmd.(*event.WalletFunding); wf.Amount.String() != "250" {
		t.Errorf("amount: got %s", wf.Amount)
	}
}

func TestParseInvalidJSON(t *testing.T) {
	raw := ingestion.RawCommand{Subject: "perp.commands.ClaimFees", Data: []byte("{not json")}
	if _, err := ingestion.ParseRawCommand(raw); !errors.Is(err, ingestion.ErrInvalidCommand) {
		t.Errorf("got %v, want ErrInvalidCommand", err)
	}
}

// ============================================================================
// Test: validation
// ============================================================================

func TestValidate_Rejects(t *testing.T) {
	owner := testutil.Address(1)
	tests := []struct {
		name    string
		ct      event.CommandType
		payload map[string]interface{}
	}{
		{"missing command id", event.CommandTypeClaimFees, map[string]interface{}{
			"timestamp": 10, "market": testutil.MarketAddress,
		}},
		{"missing timestamp", event.CommandTypeClaimFees, map[string]interface{}{
			"commandId": commandID, "market": testutil.MarketAddress,
		}},
		{"oracle version not before timestamp", event.CommandTypeOracleCommit, header(map[string]interface{}{
			"oracle": "eth-usd", "version": uint64(1_700_000_100), "price": "1",
		})},
		{"delta with magnitude", event.CommandTypeMarketUpdate, header(map[string]interface{}{
			"market": testutil.MarketAddress, "account": owner, "maker": "1",
			"delta": map[string]string{"maker": "1", "taker": "0"},
		})},
		{"short signature", event.CommandTypeSignedTake, header(map[string]interface{}{
			"market": testutil.MarketAddress, "signature": "0x1234",
		})},
		{"unknown asset", event.CommandTypeWalletFunding, header(map[string]interface{}{
			"owner": owner, "asset": "BTC", "amount": "1",
		})},
		{"zero funding", event.CommandTypeWalletFunding, header(map[string]interface{}{
			"owner": owner, "asset": "DSU", "amount": "0",
		})},
		{"unknown controller action", event.CommandTypeControllerAction, header(map[string]interface{}{
			"action": "teleport", "owner": owner,
		})},
		{"signed deposit", event.CommandTypeControllerAction, header(map[string]interface{}{
			"action": event.ControllerDeposit, "keeper": owner, "payload": map[string]string{}, "signature": signature(),
		})},
		{"unsigned relay", event.CommandTypeControllerAction, header(map[string]interface{}{
			"action": event.ControllerRelayTake, "owner": owner,
		})},
		{"signed execute", event.CommandTypeTriggerOrderAction, header(map[string]interface{}{
			"action": event.TriggerExecute, "market": testutil.MarketAddress, "sender": owner, "signature": signature(),
		})},
		{"place without order", event.CommandTypeTriggerOrderAction, header(map[string]interface{}{
			"action": event.TriggerPlace, "market": testutil.MarketAddress, "account": owner,
		})},
		{"unknown verifier", event.CommandTypeCancelNonce, header(map[string]interface{}{
			"verifier": "bank", "account": owner, "nonce": "1",
		})},
		{"nothing to cancel", event.CommandTypeCancelNonce, header(map[string]interface{}{
			"verifier": event.VerifierMarket, "account": owner,
		})},
		{"unknown scope", event.CommandTypeParameterUpdate, header(map[string]interface{}{
			"scope": "everything", "payload": map[string]string{},
		})},
		{"signed protocol update", event.CommandTypeParameterUpdate, header(map[string]interface{}{
			"scope": event.ScopeProtocol, "payload": map[string]string{}, "signature": signature(),
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.payload)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			_, err = ingestion.ParseCommand(tt.ct, data)
			if !errors.Is(err, ingestion.ErrInvalidCommand) {
				t.Errorf("got %v, want ErrInvalidCommand", err)
			}
		})
	}
}

func TestValidate_AcceptsUnsignedCancel(t *testing.T) {
	data, _ := json.Marshal(header(map[string]interface{}{
		"verifier": event.VerifierManager,
		"account":  testutil.Address(1),
		"group":    "7",
	}))
	if _, err := ingestion.ParseCommand(event.CommandTypeCancelNonce, data); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// ============================================================================
// Test: dispatch
// ============================================================================

type fakeProcessor struct {
	err  error
	seen []event.Command
}

func (f *fakeProcessor) ProcessCommand(cmd event.Command) error {
	f.seen = append(f.seen, cmd)
	return f.err
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ingestion.OutcomeApplied},
		{fmt.Errorf("sequence validation failed: %w", core.ErrSequenceGap), ingestion.OutcomeRetry},
		{fmt.Errorf("sequence validation failed: %w", core.ErrOutOfOrder), ingestion.OutcomeInvalid},
		{core.ErrNotOwner, ingestion.OutcomeRejected},
	}
	for _, tt := range tests {
		if got := ingestion.Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v): got %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestDispatcher_SettlesMessages(t *testing.T) {
	valid := header(map[string]interface{}{"market": testutil.MarketAddress, "sender": testutil.Address(1)})

	tests := []struct {
		name     string
		subject  string
		payload  interface{}
		procErr  error
		wantSeen int
		want     string
	}{
		{"applied", "perp.commands.ClaimFees", valid, nil, 1, "ack"},
		{"rejected by settlement", "perp.commands.ClaimFees", valid, core.ErrNotOwner, 1, "ack"},
		{"sequence gap", "perp.commands.ClaimFees", valid, core.ErrSequenceGap, 1, "nak"},
		{"out of order", "perp.commands.ClaimFees", valid, core.ErrOutOfOrder, 1, "term"},
		{"malformed", "perp.commands.ClaimFees", map[string]interface{}{"market": "nope"}, nil, 0, "term"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &fakeProcessor{err: tt.procErr}
			raw := rawFromJSON(t, tt.subject, tt.payload)
			var settled []string
			raw.AckFunc = func() { settled = append(settled, "ack") }
			raw.NakFunc = func() { settled = append(settled, "nak") }
			raw.TermFunc = func() { settled = append(settled, "term") }

			ch := make(chan ingestion.RawCommand, 1)
			ch <- raw
			close(ch)
			if err := ingestion.NewDispatcher(proc, ch, zerolog.Nop(), nil).Run(context.Background()); err != nil {
				t.Fatalf("run: %v", err)
			}

			if len(proc.seen) != tt.wantSeen {
				t.Errorf("processor saw %d commands, want %d", len(proc.seen), tt.wantSeen)
			}
			if len(settled) != 1 || settled[0] != tt.want {
				t.Errorf("got settlement %v, want [%s]", settled, tt.want)
			}
		})
	}
}

// ============================================================================
// Test: outbound
// ============================================================================

func TestOutbound_Subjects(t *testing.T) {
	env := &event.Envelope{
		Sequence:    9,
		CommandType: event.CommandTypeMarketUpdate,
		Records: []event.Record{
			{Name: "Updated", Market: testutil.MarketAddress},
			{Name: core.RecordNonceUsed},
		},
	}
	msgs := ingestion.Outbound(env)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if got := ingestion.Subject(msgs[0].Record); got != "perp.settle.events.Updated."+testutil.MarketAddress.Hex() {
		t.Errorf("got subject %s", got)
	}
	if got := ingestion.Subject(msgs[1].Record); got != "perp.settle.events.NonceUsed.global" {
		t.Errorf("got subject %s", got)
	}
	if msgs[1].Index != 1 || msgs[1].CommandType != "MarketUpdate" {
		t.Errorf("got %+v", msgs[1])
	}
}

func TestOutbound_Rejected(t *testing.T) {
	env := &event.Envelope{
		Sequence: 4,
		Rejected: "core: sender is not the factory owner",
		Records:  []event.Record{{Name: "Updated", Market: common.Address{1}}},
	}
	msgs := ingestion.Outbound(env)
	if len(msgs) != 1 || msgs[0].Record.Name != ingestion.RecordCommandRejected || msgs[0].Rejected == "" {
		t.Errorf("got %+v", msgs)
	}
}
