// internal/state/position.go
package state

import (
	fpmath "PerpSettle/internal/math"
)

// Side identifies the active side of a local position.
type Side int8

const (
	SideNone Side = iota
	SideMaker
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideNone:
		return "None"
	case SideMaker:
		return "Maker"
	case SideLong:
		return "Long"
	case SideShort:
		return "Short"
	default:
		return "Unknown"
	}
}

// Invalidation accumulates corrections for positions that were assumed
// before their oracle version turned out invalid.
type Invalidation struct {
	Maker fpmath.Fixed6 `json:"maker"`
	Long  fpmath.Fixed6 `json:"long"`
	Short fpmath.Fixed6 `json:"short"`
}

// Position is the exposure snapshot at a version timestamp. The global
// position tracks all three sides; a local position has at most one.
type Position struct {
	Timestamp    uint64         `json:"timestamp"`
	Maker        fpmath.UFixed6 `json:"maker"`
	Long         fpmath.UFixed6 `json:"long"`
	Short        fpmath.UFixed6 `json:"short"`
	Fee          fpmath.UFixed6 `json:"fee"`
	Keeper       fpmath.UFixed6 `json:"keeper"`
	Collateral   fpmath.Fixed6  `json:"collateral"`
	Invalidation Invalidation   `json:"invalidation"`
}

func (p Position) Magnitude() fpmath.UFixed6 { return p.Maker.Max(p.Long).Max(p.Short) }
func (p Position) Major() fpmath.UFixed6     { return p.Long.Max(p.Short) }
func (p Position) Minor() fpmath.UFixed6     { return p.Long.Min(p.Short) }

// Net is |long - short|.
func (p Position) Net() fpmath.UFixed6 { return p.Long.Fixed().Sub(p.Short.Fixed()).Abs() }

// Skew is (long - short) over skewScale, or over major when no scale is set,
// clamped to [-1, 1].
func (p Position) Skew(skewScale fpmath.UFixed6) fpmath.Fixed6 {
	denominator := skewScale
	if denominator.IsZero() {
		denominator = p.Major()
	}
	if denominator.IsZero() {
		return fpmath.ZeroFixed6
	}
	skew := p.Long.Fixed().Sub(p.Short.Fixed()).Div(denominator.Fixed())
	return skew.Max(fpmath.NegOneFixed6).Min(fpmath.OneFixed6)
}

// Utilization is major / (maker + minor), capped at one.
func (p Position) Utilization() fpmath.UFixed6 {
	denominator := p.Maker.Add(p.Minor())
	if denominator.IsZero() {
		if p.Major().IsZero() {
			return fpmath.ZeroUFixed6
		}
		return fpmath.OneUFixed6
	}
	return p.Major().Div(denominator).Min(fpmath.OneUFixed6)
}

// Efficiency is maker / major, capped at one.
func (p Position) Efficiency() fpmath.UFixed6 {
	if p.Major().IsZero() {
		return fpmath.OneUFixed6
	}
	return p.Maker.Div(p.Major()).Min(fpmath.OneUFixed6)
}

// Socialized reports whether makers cannot fully back the taker imbalance.
func (p Position) Socialized() bool { return p.Maker.Add(p.Minor()).Lt(p.Major()) }

func (p Position) LongSocialized() fpmath.UFixed6  { return p.Long.Min(p.Short.Add(p.Maker)) }
func (p Position) ShortSocialized() fpmath.UFixed6 { return p.Short.Min(p.Long.Add(p.Maker)) }
func (p Position) TakerSocialized() fpmath.UFixed6 { return p.Major().Min(p.Minor().Add(p.Maker)) }

// SocializedMakerPortion is the share of the socialized taker exposure
// backed by makers rather than the opposite side.
func (p Position) SocializedMakerPortion() fpmath.UFixed6 {
	taker := p.TakerSocialized()
	if taker.IsZero() {
		return fpmath.ZeroUFixed6
	}
	return taker.Sub(p.Minor()).Div(taker)
}

func (p Position) Empty() bool {
	return p.Maker.IsZero() && p.Long.IsZero() && p.Short.IsZero()
}

func (p Position) SingleSided() bool {
	nonzero := 0
	for _, v := range []fpmath.UFixed6{p.Maker, p.Long, p.Short} {
		if !v.IsZero() {
			nonzero++
		}
	}
	return nonzero <= 1
}

// Side returns the active side of a single-sided position.
func (p Position) Side() Side {
	switch {
	case !p.Maker.IsZero():
		return SideMaker
	case !p.Long.IsZero():
		return SideLong
	case !p.Short.IsZero():
		return SideShort
	}
	return SideNone
}

// SideMagnitude returns the magnitude of the given side.
func (p Position) SideMagnitude(s Side) fpmath.UFixed6 {
	switch s {
	case SideMaker:
		return p.Maker
	case SideLong:
		return p.Long
	case SideShort:
		return p.Short
	}
	return fpmath.ZeroUFixed6
}

// Update moves the position to newPosition's timestamp and magnitudes.
// Fees registered against the previous timestamp are cleared.
func (p *Position) Update(newPosition Position) {
	p.Timestamp = newPosition.Timestamp
	p.Maker, p.Long, p.Short = newPosition.Maker, newPosition.Long, newPosition.Short
	p.Fee, p.Keeper, p.Collateral = 0, 0, 0
}

// Apply adds order to the position at the order's timestamp and returns the
// order that was applied.
func (p *Position) Apply(order Order) (Order, error) {
	maker, err := applySide(p.Maker, order.MakerPos, order.MakerNeg)
	if err != nil {
		return Order{}, err
	}
	long, err := applySide(p.Long, order.LongPos, order.LongNeg)
	if err != nil {
		return Order{}, err
	}
	short, err := applySide(p.Short, order.ShortPos, order.ShortNeg)
	if err != nil {
		return Order{}, err
	}

	p.Timestamp = order.Timestamp
	p.Maker, p.Long, p.Short = maker, long, short
	p.Fee = p.Fee.Add(order.Fee)
	p.Keeper = p.Keeper.Add(order.Keeper)
	p.Collateral = p.Collateral.Add(order.Collateral)
	return order, nil
}

func applySide(current, pos, neg fpmath.UFixed6) (fpmath.UFixed6, error) {
	next := current.Fixed().Add(pos.Fixed()).Sub(neg.Fixed())
	if next.Lt(fpmath.ZeroFixed6) {
		return 0, ErrOverClose
	}
	return fpmath.UFixed6FromFixed(next), nil
}

// Invalidate is called on the latest settled position when newPosition's
// oracle version is invalid. The difference is recorded so that later
// pending positions can be adjusted, and newPosition falls back to the
// latest magnitudes.
func (p *Position) Invalidate(newPosition *Position) {
	p.Invalidation.Maker = p.Invalidation.Maker.Add(p.Maker.Fixed().Sub(newPosition.Maker.Fixed()))
	p.Invalidation.Long = p.Invalidation.Long.Add(p.Long.Fixed().Sub(newPosition.Long.Fixed()))
	p.Invalidation.Short = p.Invalidation.Short.Add(p.Short.Fixed().Sub(newPosition.Short.Fixed()))

	newPosition.Maker, newPosition.Long, newPosition.Short = p.Maker, p.Long, p.Short
}

// Adjust replays invalidations recorded on latest since this position was
// written.
func (p *Position) Adjust(latest Position) {
	delta := Invalidation{
		Maker: latest.Invalidation.Maker.Sub(p.Invalidation.Maker),
		Long:  latest.Invalidation.Long.Sub(p.Invalidation.Long),
		Short: latest.Invalidation.Short.Sub(p.Invalidation.Short),
	}
	p.Maker = adjustSide(p.Maker, delta.Maker)
	p.Long = adjustSide(p.Long, delta.Long)
	p.Short = adjustSide(p.Short, delta.Short)
	p.Invalidation = latest.Invalidation
}

// AdjustLocal is Adjust for a single-sided position: the correction is
// applied to the magnitude of the active side.
func (p *Position) AdjustLocal(latest Position) {
	p.Adjust(latest)
	magnitude := p.Magnitude()
	side := p.Side()
	p.Maker, p.Long, p.Short = 0, 0, 0
	switch side {
	case SideMaker:
		p.Maker = magnitude
	case SideLong:
		p.Long = magnitude
	case SideShort:
		p.Short = magnitude
	}
}

func adjustSide(v fpmath.UFixed6, delta fpmath.Fixed6) fpmath.UFixed6 {
	return fpmath.UFixed6FromFixed(v.Fixed().Add(delta).Max(fpmath.ZeroFixed6))
}

// Ready reports whether version has reached this position's timestamp.
func (p Position) Ready(version OracleVersion) bool {
	return version.Timestamp >= p.Timestamp
}

// Sync advances the position to version without changing its magnitudes.
func (p *Position) Sync(version OracleVersion) {
	p.Timestamp = version.Timestamp
	p.Fee, p.Keeper, p.Collateral = 0, 0, 0
}
