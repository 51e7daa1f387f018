package state

import fpmath "PerpSettle/internal/math"

// OracleVersion is a committed price at a timestamp. Invalid versions carry
// the last valid price so downstream math always has a reference.
type OracleVersion struct {
	Timestamp uint64        `json:"timestamp"`
	Price     fpmath.Fixed6 `json:"price"`
	Valid     bool          `json:"valid"`
}
