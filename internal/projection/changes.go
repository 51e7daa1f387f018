package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/manager"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Order status values in projections.trigger_orders.
const (
	OrderPlaced    = "placed"
	OrderCancelled = "cancelled"
	OrderExecuted  = "executed"
)

var orderStatus = map[string]string{
	core.RecordTriggerOrderPlaced:    OrderPlaced,
	core.RecordTriggerOrderCancelled: OrderCancelled,
	core.RecordTriggerOrderExecuted:  OrderExecuted,
}

type VersionRow struct {
	Market        string
	Timestamp     uint64
	FromTimestamp uint64
	Valid         bool
	Price         fpmath.Fixed6
	Fee           fpmath.UFixed6
	Result        []byte
}

// PositionChange is either a requested position (Updated) or settled
// collateral (AccountPositionProcessed) for one account.
type PositionChange struct {
	Market    string
	Account   string
	Position  *market.Updated
	Settled   fpmath.Fixed6
	Timestamp uint64
}

type NonceRow struct {
	Verifier string
	Account  string
	Kind     string
	Value    string
}

type OrderRow struct {
	Market  string
	Account string
	ID      uint64
	Status  string
	Order   manager.TriggerOrder
}

// ChangeSet is everything one envelope changes in the projection tables.
type ChangeSet struct {
	Sequence  int64
	Versions  []VersionRow
	Positions []PositionChange
	Nonces    []NonceRow
	Orders    []OrderRow
}

// Changes extracts projection rows from an envelope's records. Rejected
// envelopes only advance the watermark. Payloads may be typed values from
// the engine or generic JSON from the event log.
func Changes(env *event.Envelope) (*ChangeSet, error) {
	cs := &ChangeSet{Sequence: env.Sequence}
	if env.Rejected != "" {
		return cs, nil
	}

	for _, r := range env.Records {
		switch r.Name {
		case market.RecordPositionProcessed:
			var p market.PositionProcessed
			if err := decode(r.Payload, &p); err != nil {
				return nil, fmt.Errorf("%s: %w", r.Name, err)
			}
			result, err := json.Marshal(p.Result)
			if err != nil {
				return nil, err
			}
			cs.Versions = append(cs.Versions, VersionRow{
				Market:        r.Market.Hex(),
				Timestamp:     p.ToTimestamp,
				FromTimestamp: p.FromTimestamp,
				Valid:         p.Valid,
				Price:         p.Price,
				Fee:           p.Fee,
				Result:        result,
			})

		case market.RecordUpdated:
			var u market.Updated
			if err := decode(r.Payload, &u); err != nil {
				return nil, fmt.Errorf("%s: %w", r.Name, err)
			}
			cs.Positions = append(cs.Positions, PositionChange{
				Market:    r.Market.Hex(),
				Account:   r.Account.Hex(),
				Position:  &u,
				Timestamp: u.Timestamp,
			})

		case market.RecordAccountPositionProcessed:
			var a market.AccountPositionProcessed
			if err := decode(r.Payload, &a); err != nil {
				return nil, fmt.Errorf("%s: %w", r.Name, err)
			}
			cs.Positions = append(cs.Positions, PositionChange{
				Market:    r.Market.Hex(),
				Account:   r.Account.Hex(),
				Settled:   a.Result.Collateral,
				Timestamp: a.ToTimestamp,
			})

		case core.RecordNonceUsed, core.RecordNonceCancelled, core.RecordGroupCancelled:
			var n core.NonceUsage
			if err := decode(r.Payload, &n); err != nil {
				return nil, fmt.Errorf("%s: %w", r.Name, err)
			}
			if n.Value == nil {
				return nil, fmt.Errorf("%s: missing value", r.Name)
			}
			cs.Nonces = append(cs.Nonces, NonceRow{
				Verifier: n.Verifier,
				Account:  r.Account.Hex(),
				Kind:     r.Name,
				Value:    n.Value.Dec(),
			})

		case core.RecordTriggerOrderPlaced, core.RecordTriggerOrderCancelled, core.RecordTriggerOrderExecuted:
			var o manager.OrderEntry
			if err := decode(r.Payload, &o); err != nil {
				return nil, fmt.Errorf("%s: %w", r.Name, err)
			}
			cs.Orders = append(cs.Orders, OrderRow{
				Market:  o.Market.Hex(),
				Account: o.Account.Hex(),
				ID:      o.ID,
				Status:  orderStatus[r.Name],
				Order:   o.Order,
			})
		}
	}
	return cs, nil
}

func decode(payload interface{}, into interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, into)
}

func (cs *ChangeSet) write(ctx context.Context, ex execer) error {
	for _, v := range cs.Versions {
		if _, err := ex.ExecContext(ctx, `
			INSERT INTO projections.versions
				(market, timestamp, from_timestamp, valid, price, fee, result, sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (market, timestamp) DO UPDATE
				SET from_timestamp = $3, valid = $4, price = $5, fee = $6, result = $7, sequence = $8
		`, v.Market, int64(v.Timestamp), int64(v.FromTimestamp), v.Valid, v.Price.String(), v.Fee.String(), v.Result, cs.Sequence); err != nil {
			return fmt.Errorf("version projection: %w", err)
		}
	}

	for _, p := range cs.Positions {
		var err error
		if p.Position != nil {
			_, err = ex.ExecContext(ctx, `
				INSERT INTO projections.account_positions
					(market, account, timestamp, maker, long, short, deposited, sequence)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (market, account) DO UPDATE
					SET timestamp = $3, maker = $4, long = $5, short = $6,
					    deposited = projections.account_positions.deposited + $7, sequence = $8
			`, p.Market, p.Account, int64(p.Timestamp), p.Position.Maker.String(), p.Position.Long.String(),
				p.Position.Short.String(), p.Position.Collateral.String(), cs.Sequence)
		} else {
			_, err = ex.ExecContext(ctx, `
				INSERT INTO projections.account_positions (market, account, settled, sequence)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (market, account) DO UPDATE
					SET settled = projections.account_positions.settled + $3, sequence = $4
			`, p.Market, p.Account, p.Settled.String(), cs.Sequence)
		}
		if err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}

	for _, n := range cs.Nonces {
		if _, err := ex.ExecContext(ctx, `
			INSERT INTO projections.used_nonces (verifier, account, kind, value, sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING
		`, n.Verifier, n.Account, n.Kind, n.Value, cs.Sequence); err != nil {
			return fmt.Errorf("nonce projection: %w", err)
		}
	}

	for _, o := range cs.Orders {
		data, err := json.Marshal(o.Order)
		if err != nil {
			return err
		}
		if _, err := ex.ExecContext(ctx, `
			INSERT INTO projections.trigger_orders
				(market, account, order_id, status, side, comparison, price, delta, order_data, sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (market, account, order_id) DO UPDATE
				SET status = $4, side = $5, comparison = $6, price = $7, delta = $8, order_data = $9, sequence = $10
		`, o.Market, o.Account, int64(o.ID), o.Status, int16(o.Order.Side), int16(o.Order.Comparison),
			o.Order.Price.String(), o.Order.Delta.String(), data, cs.Sequence); err != nil {
			return fmt.Errorf("order projection: %w", err)
		}
	}

	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (id, sequence) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET sequence = GREATEST(projections.watermark.sequence, $1)
	`, cs.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}
