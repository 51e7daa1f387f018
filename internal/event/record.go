package event

import "github.com/ethereum/go-ethereum/common"

// Record is an outbound domain event produced while applying a command.
// Records are published on perp.settle.events.{name}.{market} and written
// to the event log alongside the command that produced them.
type Record struct {
	Name    string         `json:"name"`
	Market  common.Address `json:"market"`
	Account common.Address `json:"account"`
	Payload interface{}    `json:"payload"`
}
