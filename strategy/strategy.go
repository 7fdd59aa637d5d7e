package strategy

import (
	"github.com/rs/zerolog/log"

	"github.com/quantfold/perpsim/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY - Pluggable candle → signal function
// ═══════════════════════════════════════════════════════════════════════════════
//
// The risk pipeline treats signal mathematics as a black box: it hands over
// closed candles and receives a Signal. Swapping strategies never touches
// the gate sequence.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Signal is the outcome of one evaluation over closed candles.
type Signal struct {
	EnterLong bool    // bull cross on the latest closed candle
	ExitLong  bool    // bear cross on the latest closed candle
	PrevFast  float64 // fast average one candle back
	PrevSlow  float64 // slow average one candle back
	Price     float64 // close of the latest candle
}

// Signaler evaluates a candle window. Implementations must be pure: same
// candles in, same signal out.
type Signaler interface {
	Evaluate(candles []types.Candle) Signal
	MinCandles() int
}

// SMACross is the default fast/slow simple-moving-average crossover.
type SMACross struct {
	Fast int
	Slow int
}

// NewSMACross builds the default 10/30 crossover.
func NewSMACross() *SMACross {
	return &SMACross{Fast: 10, Slow: 30}
}

// MinCandles returns the smallest window that can produce both the current
// and the previous averages.
func (s *SMACross) MinCandles() int {
	return s.Slow + 1
}

// Evaluate computes the crossover on the latest closed candle. A bull cross
// (fast rising through slow) requests an entry; a bear cross requests an
// exit. The two are mutually exclusive for one candle.
func (s *SMACross) Evaluate(candles []types.Candle) Signal {
	if len(candles) < s.MinCandles() {
		return Signal{}
	}

	fast := sma(candles, s.Fast, 0)
	slow := sma(candles, s.Slow, 0)
	prevFast := sma(candles, s.Fast, 1)
	prevSlow := sma(candles, s.Slow, 1)
	price := candles[len(candles)-1].Close

	sig := Signal{
		PrevFast: prevFast,
		PrevSlow: prevSlow,
		Price:    price,
	}
	switch {
	case prevFast <= prevSlow && fast > slow:
		sig.EnterLong = true
	case prevFast >= prevSlow && fast < slow:
		sig.ExitLong = true
	}

	log.Debug().
		Float64("fast", fast).
		Float64("slow", slow).
		Float64("price", price).
		Bool("enter_long", sig.EnterLong).
		Bool("exit_long", sig.ExitLong).
		Msg("signal evaluated")
	return sig
}

// sma averages the closes of the last n candles, skipping `back` candles
// from the end.
func sma(candles []types.Candle, n, back int) float64 {
	end := len(candles) - back
	sum := 0.0
	for i := end - n; i < end; i++ {
		sum += candles[i].Close
	}
	return sum / float64(n)
}
