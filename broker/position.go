package broker

import "math"

// Position is the broker-owned per-symbol position state. Size is signed:
// positive long, negative short. When Size is zero AvgPrice is meaningless.
type Position struct {
	Size      float64
	AvgPrice  float64
	MarkPrice float64
	UnrealPnL float64
}

// applyFill folds a fill of quantity qty (unsigned) in direction sign (+1
// buy, -1 sell) at price into the position and returns the realized PnL of
// any closed portion. The math is total: every (size, avg, qty) input maps to
// a well-defined next state, and sign flips only by crossing through zero.
func (p *Position) applyFill(sign, qty, price float64) (realized float64) {
	size := p.Size
	avg := p.AvgPrice

	// Same direction or flat: extend and re-average.
	if size == 0 || size*sign >= 0 {
		total := math.Abs(size) + qty
		p.AvgPrice = (avg*math.Abs(size) + price*qty) / total
		p.Size = size + qty*sign
		return 0
	}

	// Opposite direction: close up to |size|, then open any leftover.
	closed := math.Min(math.Abs(size), qty)
	direction := 1.0
	if size < 0 {
		direction = -1.0
	}
	realized = (price - avg) * closed * direction

	remaining := math.Abs(size) - closed
	leftover := qty - closed
	switch {
	case remaining > 0:
		p.Size = math.Copysign(remaining, size)
		// avg unchanged
	case leftover > 0:
		p.Size = leftover * sign
		p.AvgPrice = price
	default:
		p.Size = 0
		p.AvgPrice = 0
	}
	return realized
}

// refreshMark updates the mark price and unrealized PnL. The sign of the
// position is folded into Size, so no extra sign term is needed.
func (p *Position) refreshMark(mark float64) {
	p.MarkPrice = mark
	if p.Size == 0 || mark <= 0 {
		p.UnrealPnL = 0
		return
	}
	p.UnrealPnL = (mark - p.AvgPrice) * p.Size
}
