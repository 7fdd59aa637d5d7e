package broker

import (
	"math"

	"github.com/quantfold/perpsim/market"
	"github.com/quantfold/perpsim/types"
)

// fillSlice is one scheduled completion of an intent. Partial maker fills
// produce several slices; takers always produce exactly one.
type fillSlice struct {
	quantity     float64
	price        float64
	slipBps      float64
	markPrice    float64
	ackLatencyMs float64
	fillDelayMs  float64
}

// deriveSigma maps the (mean, p95) latency knobs onto a normal σ. With a
// meaningful p95 the 95th percentile of N(mean, σ²) lands on p95; otherwise
// σ defaults to 20% of the mean. Floor of 1ms either way.
func deriveSigma(mean, p95 float64) float64 {
	if p95 > mean {
		return math.Max((p95-mean)/1.645, 1)
	}
	return math.Max(0.2*mean, 1)
}

// sampleLatency draws a clamped-non-negative latency in milliseconds.
// Must be called with the broker lock held: the rand source is shared.
func (b *Broker) sampleLatency() float64 {
	lat := b.rng.NormFloat64()*b.latencySigma + b.cfg.LatencyMeanMs
	if lat < 0 {
		return 0
	}
	return lat
}

// crossesSpread reports whether a limit order would take liquidity. A buy
// crosses iff price >= best ask (or >= mid when the ask side is empty);
// symmetric for sells. Market and stop orders always take.
func crossesSpread(orderType types.OrderType, side types.Side, price float64, snap market.Snapshot) bool {
	switch orderType {
	case types.OrderTypeMarket, types.OrderTypeStopMarket:
		return true
	case types.OrderTypeLimit:
		mid := snap.Mid()
		if side == types.SideBuy {
			if snap.BestAsk > 0 {
				return price >= snap.BestAsk
			}
			return price >= mid
		}
		if snap.BestBid > 0 {
			return price <= snap.BestBid
		}
		return price <= mid
	}
	return false
}

// computeSlippage returns taker slippage in bps, clamped to
// [0, max_slippage_bps]:
//
//	slip = base + spread_coeff*spread_bps + ofi_coeff*adverse_pressure
func (b *Broker) computeSlippage(side types.Side, snap market.Snapshot) float64 {
	slip := b.cfg.SlippageBps +
		b.cfg.SpreadSlippageCoeff*snap.SpreadBps() +
		b.cfg.OFISlippageCoeff*snap.AdversePressure(side)
	if slip > b.cfg.MaxSlippageBps {
		return b.cfg.MaxSlippageBps
	}
	if slip < 0 {
		return 0
	}
	return slip
}

// takerPrice fills a buy against the best ask inflated by slip, a sell
// against the best bid deflated by slip. Mid substitutes for an empty side.
func takerPrice(side types.Side, snap market.Snapshot, slipBps float64) float64 {
	base := snap.Mid()
	if side == types.SideBuy {
		if snap.BestAsk > 0 {
			base = snap.BestAsk
		}
		return base * (1 + slipBps/10_000)
	}
	if snap.BestBid > 0 {
		base = snap.BestBid
	}
	return base * (1 - slipBps/10_000)
}

// buildFillPlan turns a validated intent into its slice schedule. Takers and
// stop orders get a single slice for the full quantity. Maker limits may be
// cut into partial fills: slice count uniform in [1, max_slices] capped at
// floor(1/min_slice_pct) so the floors can never outgrow the quantity, every
// slice except the last at least min_slice_pct of the quantity, the last
// absorbing the remainder so the plan sums to the quantity exactly.
//
// All randomness is drawn here, under the broker lock, in arrival order, so a
// fixed seed and input sequence reproduce the identical plan.
func (b *Broker) buildFillPlan(intent types.OrderIntent, snap market.Snapshot, maker bool) []fillSlice {
	mid := snap.Mid()
	if mid <= 0 {
		mid = intent.Price
	}
	ack := b.sampleLatency()

	if !maker {
		slip := b.computeSlippage(intent.Side, snap)
		return []fillSlice{{
			quantity:     intent.Quantity,
			price:        takerPrice(intent.Side, snap, slip),
			slipBps:      slip,
			markPrice:    mid,
			ackLatencyMs: ack,
			fillDelayMs:  b.sampleLatency(),
		}}
	}

	// Maker: fills at the stated limit with zero slippage.
	numSlices := 1
	if b.cfg.PartialFillEnabled && b.cfg.PartialFillMaxSlices > 1 {
		maxSlices := b.cfg.PartialFillMaxSlices
		if pct := b.cfg.PartialFillMinPct; pct > 0 {
			if bound := int(1 / pct); bound < maxSlices {
				maxSlices = bound
			}
		}
		if maxSlices < 1 {
			maxSlices = 1
		}
		numSlices = b.rng.Intn(maxSlices) + 1
	}

	minQty := intent.Quantity * b.cfg.PartialFillMinPct
	remaining := intent.Quantity
	slices := make([]fillSlice, 0, numSlices)
	for i := 0; i < numSlices; i++ {
		var qty float64
		if i == numSlices-1 {
			qty = remaining
		} else {
			maxAlloc := remaining - minQty*float64(numSlices-i-1)
			if maxAlloc <= minQty {
				qty = minQty
			} else {
				qty = minQty + b.rng.Float64()*(maxAlloc-minQty)
			}
			if qty > remaining {
				qty = remaining
			}
		}
		if qty <= 0 {
			continue
		}
		remaining -= qty
		slices = append(slices, fillSlice{
			quantity:     qty,
			price:        intent.Price,
			slipBps:      0,
			markPrice:    mid,
			ackLatencyMs: ack,
			fillDelayMs:  b.sampleLatency() * (1 + 0.5*float64(i)),
		})
	}
	return slices
}
