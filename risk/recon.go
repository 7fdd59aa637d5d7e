package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/perpsim/alert"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION GUARD - Startup position adoption
// ═══════════════════════════════════════════════════════════════════════════════
//
// Runs once before the first cycle. A pre-existing long is adopted (its PnL
// tracking stays approximate until it closes). A short, hedged or otherwise
// unsupported shape sets the reconciliation-block latch: the gate in every
// cycle honors it until the operator flattens the venue and restarts.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Reconcile queries the venue for pre-existing positions on the pipeline's
// symbol. Query failures are returned and leave the guard unadvanced, so the
// caller may retry.
func (p *Pipeline) Reconcile(ctx context.Context) error {
	positions, err := p.client.Positions(ctx, p.symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", p.symbol).Msg("reconciliation query failed, guard not advanced")
		return fmt.Errorf("reconcile %s: %w", p.symbol, err)
	}

	open := positions[:0:0]
	for _, pos := range positions {
		if pos.Size != 0 {
			open = append(open, pos)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(open) == 0 {
		log.Info().Str("symbol", p.symbol).Msg("✅ Reconciliation clean, no pre-existing position")
		return nil
	}

	if len(open) == 1 && open[0].PositionIdx == p.cfg.PositionIdx && open[0].Size > 0 {
		pos := open[0]
		log.Warn().
			Str("symbol", p.symbol).
			Float64("size", pos.Size).
			Float64("avg_price", pos.AvgPrice).
			Msg("🛡️ SAFETY_RECON_ADOPT adopting pre-existing long")
		p.sink.Emit(alert.CatReconAdopt, "pre-existing long adopted, PnL tracking approximate until close", map[string]string{
			"symbol": p.symbol,
			"size":   fmt.Sprintf("%v", pos.Size),
		})
		p.currentPositionQty = math.Abs(pos.Size)
		return nil
	}

	// Short, hedged, or several legs: latch the block.
	log.Error().
		Str("symbol", p.symbol).
		Int("legs", len(open)).
		Float64("first_size", open[0].Size).
		Msg("🚨 SAFETY_RECON_ADOPT unsupported position shape")
	p.sink.Emit(alert.CatReconAdopt, "unsupported pre-existing position shape", map[string]string{
		"symbol": p.symbol,
		"legs":   fmt.Sprintf("%d", len(open)),
		"size":   fmt.Sprintf("%v", open[0].Size),
	})
	log.Error().Str("symbol", p.symbol).Msg("🚨 SAFETY_RECON_BLOCK new entries blocked until flatten + restart")
	p.sink.Emit(alert.CatReconBlock, "entries blocked until venue position is flattened and process restarted", map[string]string{
		"symbol": p.symbol,
	})
	p.reconBlock = true
	return nil
}
