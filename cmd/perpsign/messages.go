package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"PerpSettle/internal/controller"
	"PerpSettle/internal/event"
	"PerpSettle/internal/manager"
	"PerpSettle/internal/verifier"
)

// kind is one signable message: the verifier that checks it and a decoder
// for its JSON body.
type kind struct {
	verifier string
	decode   func([]byte) (verifier.Message, error)
}

func decodeAs[T verifier.Message](data []byte) (verifier.Message, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

var kinds = map[string]kind{
	// market verifier
	"take":               {event.VerifierMarket, decodeAs[verifier.Take]},
	"nonce-cancellation": {event.VerifierMarket, decodeAs[verifier.Common]},
	"group-cancellation": {event.VerifierMarket, decodeAs[verifier.GroupCancellation]},
	"operator-update":    {event.VerifierMarket, decodeAs[verifier.OperatorUpdate]},
	"signer-update":      {event.VerifierMarket, decodeAs[verifier.SignerUpdate]},

	// collateral account controller
	"deploy-account":             {event.VerifierController, decodeAs[controller.DeployAccount]},
	"market-transfer":            {event.VerifierController, decodeAs[controller.MarketTransfer]},
	"withdrawal":                 {event.VerifierController, decodeAs[controller.Withdrawal]},
	"rebalance-config-change":    {event.VerifierController, decodeAs[controller.RebalanceConfigChange]},
	"relayed-take":               {event.VerifierController, decodeAs[controller.RelayedTake]},
	"relayed-nonce-cancellation": {event.VerifierController, decodeAs[controller.RelayedNonceCancellation]},
	"relayed-group-cancellation": {event.VerifierController, decodeAs[controller.RelayedGroupCancellation]},
	"relayed-operator-update":    {event.VerifierController, decodeAs[controller.RelayedOperatorUpdate]},
	"relayed-signer-update":      {event.VerifierController, decodeAs[controller.RelayedSignerUpdate]},

	// trigger order manager
	"place-order":  {event.VerifierManager, decodeAs[manager.PlaceOrderAction]},
	"cancel-order": {event.VerifierManager, decodeAs[manager.CancelOrderAction]},
}

// domainNames are the default EIP-712 domain names per verifier.
var domainNames = map[string]string{
	event.VerifierMarket:     "Perennial",
	event.VerifierController: "Perennial V2 Collateral Accounts",
	event.VerifierManager:    "Perennial V2 Trigger Orders",
}

func lookupKind(name string) (kind, error) {
	k, ok := kinds[name]
	if !ok {
		return kind{}, fmt.Errorf("unknown message kind %q", name)
	}
	return k, nil
}

func kindNames() []string {
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
