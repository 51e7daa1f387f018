package event

import fpmath "PerpSettle/internal/math"

// OracleCommit publishes the price of one oracle version. Version must be
// aligned to the oracle's granularity and strictly before the command
// timestamp. Commits tolerate source sequence gaps per oracle.
type OracleCommit struct {
	Header
	Oracle  string        `json:"oracle"`
	Version uint64        `json:"version"`
	Price   fpmath.Fixed6 `json:"price"`
}

func (c *OracleCommit) CommandType() CommandType { return CommandTypeOracleCommit }
func (c *OracleCommit) MarketID() *string        { return nil }
