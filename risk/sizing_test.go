package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeQtyRiskBound(t *testing.T) {
	// Deploy cap binds: min(1000*0.005/0.01, 1000*0.20) = 200 → 2.0 units.
	qty := ComputeQty(1000, 0.005, 0.01, 100, 0.20, 0.001, 0.001)
	assert.InDelta(t, 2.0, qty, 1e-12)

	// Risk budget binds with a wide stop.
	qty = ComputeQty(1000, 0.005, 0.10, 100, 0.20, 0.001, 0.001)
	assert.InDelta(t, 0.5, qty, 1e-12)
}

func TestComputeQtyDegenerateInputs(t *testing.T) {
	assert.Zero(t, ComputeQty(1000, 0.005, 0, 100, 0.20, 0.001, 0.001), "zero stop")
	assert.Zero(t, ComputeQty(1000, 0.005, 0.01, 0, 0.20, 0.001, 0.001), "zero price")
	assert.Zero(t, ComputeQty(0, 0.005, 0.01, 100, 0.20, 0.001, 0.001), "zero equity")
}

func TestComputeQtyRoundsDownToStep(t *testing.T) {
	// 200 / 30000 = 0.006666... → floor at step 0.001 = 0.006, never up.
	qty := ComputeQty(1000, 0.005, 0.01, 30000, 0.20, 0.001, 0.001)
	assert.InDelta(t, 0.006, qty, 1e-12)
}

func TestComputeQtyBelowMinimumIsZero(t *testing.T) {
	// 200 / 50000 = 0.004 < min_qty 0.01.
	qty := ComputeQty(1000, 0.005, 0.01, 50000, 0.20, 0.001, 0.01)
	assert.Zero(t, qty)
}

func TestBracketPrices(t *testing.T) {
	tp, sl := BracketPrices(100, 0.02, 0.01)
	assert.InDelta(t, 102.0, tp, 1e-12)
	assert.InDelta(t, 99.0, sl, 1e-12)
}
