package risk

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - Risk-budget and deploy-cap bounded
// ═══════════════════════════════════════════════════════════════════════════════
//
// The notional is the lesser of two bounds: the risk budget translated
// through the stop distance (equity·risk_pct / stop_loss_pct) and the hard
// cash deploy cap (equity·cash_deploy_cap_pct). The resulting quantity is
// rounded DOWN to the venue's qty_step and zeroed when below min_qty —
// never rounded up into a larger position than the budget allows.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ComputeQty sizes an entry. Returns 0 when the inputs cannot support a
// position (degenerate stop, non-positive price or equity, sub-minimum size).
func ComputeQty(equity, riskPct, stopLossPct, price, deployCapPct, qtyStep, minQty float64) float64 {
	if stopLossPct <= 0 || price <= 0 || equity <= 0 {
		return 0
	}

	eq := decimal.NewFromFloat(equity)
	riskDollars := eq.Mul(decimal.NewFromFloat(riskPct))
	notionalFromRisk := riskDollars.Div(decimal.NewFromFloat(stopLossPct))
	deployCap := eq.Mul(decimal.NewFromFloat(deployCapPct))

	usdToDeploy := notionalFromRisk
	if deployCap.LessThan(usdToDeploy) {
		usdToDeploy = deployCap
	}

	qtyRaw := usdToDeploy.Div(decimal.NewFromFloat(price))
	qty := roundDownToStep(qtyRaw, qtyStep)

	qtyF, _ := qty.Float64()
	if minQty > 0 && qtyF < minQty {
		log.Warn().
			Float64("qty", qtyF).
			Float64("min_qty", minQty).
			Float64("equity", equity).
			Msg("sized quantity below venue minimum, no entry")
		return 0
	}
	return qtyF
}

// roundDownToStep floors q to a multiple of step. A non-positive step leaves
// q untouched.
func roundDownToStep(q decimal.Decimal, step float64) decimal.Decimal {
	if step <= 0 {
		return q
	}
	st := decimal.NewFromFloat(step)
	return q.Div(st).Floor().Mul(st)
}

// BracketPrices derives take-profit and stop-loss levels from the entry.
func BracketPrices(entry, takeProfitPct, stopLossPct float64) (tp, sl float64) {
	e := decimal.NewFromFloat(entry)
	tp, _ = e.Mul(decimal.NewFromFloat(1 + takeProfitPct)).Float64()
	sl, _ = e.Mul(decimal.NewFromFloat(1 - stopLossPct)).Float64()
	return tp, sl
}
