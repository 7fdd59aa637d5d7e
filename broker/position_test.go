package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyFillOpenAndAverage(t *testing.T) {
	p := &Position{}

	realized := p.applyFill(1, 2, 100)
	assert.Zero(t, realized)
	assert.Equal(t, 2.0, p.Size)
	assert.Equal(t, 100.0, p.AvgPrice)

	// Adding re-averages.
	realized = p.applyFill(1, 2, 110)
	assert.Zero(t, realized)
	assert.Equal(t, 4.0, p.Size)
	assert.InDelta(t, 105.0, p.AvgPrice, 1e-9)
}

func TestApplyFillPartialClose(t *testing.T) {
	p := &Position{Size: 4, AvgPrice: 100}

	realized := p.applyFill(-1, 1, 110)
	assert.InDelta(t, 10.0, realized, 1e-9)
	assert.Equal(t, 3.0, p.Size)
	assert.Equal(t, 100.0, p.AvgPrice) // avg unchanged on partial close
}

func TestApplyFillFullClose(t *testing.T) {
	p := &Position{Size: 2, AvgPrice: 100}

	realized := p.applyFill(-1, 2, 90)
	assert.InDelta(t, -20.0, realized, 1e-9)
	assert.Zero(t, p.Size)
	assert.Zero(t, p.AvgPrice)
}

func TestApplyFillFlipThroughZero(t *testing.T) {
	p := &Position{Size: 2, AvgPrice: 100}

	// Sell 5 at 110: closes 2 (realized +20), opens short 3 at 110.
	realized := p.applyFill(-1, 5, 110)
	assert.InDelta(t, 20.0, realized, 1e-9)
	assert.Equal(t, -3.0, p.Size)
	assert.Equal(t, 110.0, p.AvgPrice)
}

func TestApplyFillShortSide(t *testing.T) {
	p := &Position{}

	realized := p.applyFill(-1, 3, 100)
	assert.Zero(t, realized)
	assert.Equal(t, -3.0, p.Size)

	// Buying back below entry realizes a short profit.
	realized = p.applyFill(1, 3, 95)
	assert.InDelta(t, 15.0, realized, 1e-9)
	assert.Zero(t, p.Size)
}

func TestRefreshMark(t *testing.T) {
	long := &Position{Size: 2, AvgPrice: 100}
	long.refreshMark(105)
	assert.InDelta(t, 10.0, long.UnrealPnL, 1e-9)

	short := &Position{Size: -2, AvgPrice: 100}
	short.refreshMark(105)
	assert.InDelta(t, -10.0, short.UnrealPnL, 1e-9)

	flat := &Position{}
	flat.refreshMark(105)
	assert.Zero(t, flat.UnrealPnL)
}
