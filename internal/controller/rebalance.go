package controller

import (
	"fmt"

	"PerpSettle/internal/keeper"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

const (
	MaxGroupsPerOwner  = 8
	MaxMarketsPerGroup = 4
)

// Group is a set of markets whose collateral is kept at target fractions
// of the group total. MaxFee bounds the keeper fee of one rebalance.
type Group struct {
	Markets []common.Address  `json:"markets"`
	Configs []RebalanceConfig `json:"configs"`
	MaxFee  fpmath.UFixed6    `json:"maxFee"`
}

func (g Group) clone() Group {
	return Group{
		Markets: append([]common.Address(nil), g.Markets...),
		Configs: append([]RebalanceConfig(nil), g.Configs...),
		MaxFee:  g.MaxFee,
	}
}

// Group returns owner's group configuration.
func (c *Controller) Group(owner common.Address, group uint64) (Group, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[owner][group]
	if !ok {
		return Group{}, false
	}
	return g.clone(), true
}

// ChangeRebalanceConfig replaces owner's group. The change is not charged.
func (c *Controller) ChangeRebalanceConfig(owner common.Address, change RebalanceConfigChange) error {
	return c.run(ActionRebalanceConfig, owner, false, func(tx *txn) error {
		return c.changeGroup(owner, change)
	})
}

func (c *Controller) ChangeRebalanceConfigWithSignature(keeperAddr common.Address, msg RebalanceConfigChange, signature []byte) error {
	return c.relay(keeperAddr, ActionRebalanceConfig, msg, msg.Action, signature, true, func(tx *txn) error {
		if err := tx.check(); err != nil {
			return err
		}
		return c.changeGroup(tx.owner, msg)
	})
}

// changeGroup validates and stores a group. It must be called with c.mu
// held.
func (c *Controller) changeGroup(owner common.Address, change RebalanceConfigChange) error {
	if change.Group == 0 || change.Group > MaxGroupsPerOwner {
		return fmt.Errorf("%w: group %d out of range", ErrInvalidRebalanceConfig, change.Group)
	}
	if len(change.Markets) != len(change.Configs) {
		return fmt.Errorf("%w: %d markets, %d configs", ErrInvalidRebalanceConfig, len(change.Markets), len(change.Configs))
	}
	if len(change.Markets) > MaxMarketsPerGroup {
		return fmt.Errorf("%w: %d markets", ErrInvalidRebalanceConfig, len(change.Markets))
	}

	groups := c.groups[owner]
	if len(change.Markets) == 0 {
		delete(groups, change.Group)
		c.logger.Info().Str("owner", owner.Hex()).Uint64("group", change.Group).Msg("rebalance group deleted")
		return nil
	}

	var total fpmath.UFixed6
	seen := make(map[common.Address]bool, len(change.Markets))
	for i, addr := range change.Markets {
		if seen[addr] {
			return fmt.Errorf("%w: duplicate market %s", ErrInvalidRebalanceConfig, addr.Hex())
		}
		seen[addr] = true
		if _, err := c.factory.Market(addr); err != nil {
			return err
		}
		for id, g := range groups {
			if id != change.Group && g.contains(addr) {
				return fmt.Errorf("%w: %s in group %d", ErrMarketAlreadyInGroup, addr.Hex(), id)
			}
		}
		total = total.Add(change.Configs[i].Target)
	}
	if total != fpmath.OneUFixed6 {
		return fmt.Errorf("%w: got %s", ErrInvalidRebalanceTargets, total)
	}

	if groups == nil {
		groups = make(map[uint64]*Group)
		c.groups[owner] = groups
	}
	g := Group{Markets: change.Markets, Configs: change.Configs, MaxFee: change.MaxFee}.clone()
	groups[change.Group] = &g
	c.logger.Info().
		Str("owner", owner.Hex()).
		Uint64("group", change.Group).
		Int("markets", len(g.Markets)).
		Str("maxFee", g.MaxFee.String()).
		Msg("rebalance group changed")
	return nil
}

func (g *Group) contains(addr common.Address) bool {
	for _, m := range g.Markets {
		if m == addr {
			return true
		}
	}
	return false
}

// GroupStatus is the allocation of a group. Imbalances are actual minus
// target collateral per market, in group order; a positive value is excess.
type GroupStatus struct {
	Total        fpmath.Fixed6   `json:"total"`
	CanRebalance bool            `json:"canRebalance"`
	Actual       []fpmath.Fixed6 `json:"actual"`
	Imbalances   []fpmath.Fixed6 `json:"imbalances"`
}

// CheckGroup reports whether owner's group is out of balance. A market is
// out when |actual/total - target| exceeds its threshold; with a zero total
// any nonzero collateral is out. A negative total cannot be rebalanced.
func (c *Controller) CheckGroup(owner common.Address, group uint64) (GroupStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkGroup(owner, group)
}

func (c *Controller) checkGroup(owner common.Address, group uint64) (st GroupStatus, err error) {
	defer fpmath.Recover(&err)

	g, ok := c.groups[owner][group]
	if !ok {
		return GroupStatus{}, fmt.Errorf("%w: group %d not configured", ErrInvalidRebalanceConfig, group)
	}
	account := c.AccountAddress(owner)

	st.Actual = make([]fpmath.Fixed6, len(g.Markets))
	for i, addr := range g.Markets {
		m, err := c.factory.Market(addr)
		if err != nil {
			return GroupStatus{}, err
		}
		local, _, err := m.Settled(account)
		if err != nil {
			return GroupStatus{}, err
		}
		st.Actual[i] = local.Collateral
		st.Total = st.Total.Add(local.Collateral)
	}

	targets := allocate(st.Total, g.Configs)
	st.Imbalances = make([]fpmath.Fixed6, len(g.Markets))
	for i, actual := range st.Actual {
		st.Imbalances[i] = actual.Sub(targets[i])
		switch {
		case st.Total.Sign() < 0:
		case st.Total.IsZero():
			st.CanRebalance = st.CanRebalance || !actual.IsZero()
		default:
			share := actual.Div(st.Total)
			if share.Sub(g.Configs[i].Target.Fixed()).Abs().Gt(g.Configs[i].Threshold) {
				st.CanRebalance = true
			}
		}
	}
	return st, nil
}

// allocate splits total by target. The last market with a nonzero target
// takes the rounding remainder so the targets sum to total exactly.
func allocate(total fpmath.Fixed6, configs []RebalanceConfig) []fpmath.Fixed6 {
	out := make([]fpmath.Fixed6, len(configs))
	if total.Sign() <= 0 {
		return out
	}
	last := -1
	var assigned fpmath.Fixed6
	for i, cfg := range configs {
		out[i] = total.Mul(cfg.Target.Fixed())
		assigned = assigned.Add(out[i])
		if !cfg.Target.IsZero() {
			last = i
		}
	}
	if last >= 0 {
		out[last] = out[last].Add(total.Sub(assigned))
	}
	return out
}

// RebalanceGroup moves collateral between the group's markets to their
// targets and pays keeper. Withdrawals are staged before deposits; all of
// them and the fee commit together or not at all.
func (c *Controller) RebalanceGroup(keeperAddr, owner common.Address, group uint64) (err error) {
	defer func() {
		if c.metrics != nil {
			c.metrics.Rebalances.WithLabelValues(outcome(err)).Inc()
		}
	}()
	return c.run(ActionRebalance, owner, false, func(tx *txn) error {
		st, err := c.checkGroup(owner, group)
		if err != nil {
			return err
		}
		if !st.CanRebalance {
			return fmt.Errorf("%w: group %d", ErrGroupBalanced, group)
		}
		g := c.groups[owner][group]

		for _, withdraw := range []bool{true, false} {
			for i, addr := range g.Markets {
				imbalance := st.Imbalances[i]
				if imbalance.IsZero() || (imbalance.Sign() > 0) != withdraw {
					continue
				}
				m, err := c.factory.Market(addr)
				if err != nil {
					return err
				}
				s, err := m.StageUpdate(market.UpdateRequest{
					Sender:     tx.account,
					Account:    tx.account,
					Collateral: imbalance.Neg(),
				})
				if err != nil {
					return fmt.Errorf("rebalance %s: %w", addr.Hex(), err)
				}
				tx.stage(s)
			}
		}

		tx.chargeFee(keeperAddr, keeper.Fee(c.keeper, ActionRebalance, g.MaxFee))
		c.logger.Debug().
			Str("owner", owner.Hex()).
			Uint64("group", group).
			Str("total", st.Total.String()).
			Int("transfers", len(tx.stages)).
			Msg("rebalance staged")
		return nil
	})
}
