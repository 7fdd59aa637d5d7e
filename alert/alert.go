package alert

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ALERT SINK - Structured ALERT[category] emission
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every safety trigger and runtime failure goes through a Sink. The default
// sink logs a single line of the form:
//
//	ALERT[<category>]: <message> | context={k=v,...}
//
// Variant sinks (Telegram, pager) are additive and must never acquire the
// broker lock.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Alert categories.
const (
	CatCircuitBreaker = "safety_circuit_breaker"
	CatDailyLoss      = "safety_daily_loss"
	CatDrawdown       = "safety_drawdown"
	CatMarginBlock    = "safety_margin_block"
	CatSessionTrades  = "safety_session_trades"
	CatSessionRuntime = "safety_session_runtime"
	CatReconAdopt     = "safety_recon_adopt"
	CatReconBlock     = "safety_recon_block"
	CatStateLoad      = "safety_state_load"
	CatRateLimit      = "safety_rate_limit"
	CatRuntimeError   = "runtime_error"
)

// Sink receives alerts. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(category, message string, context map[string]string)
}

// Format renders the canonical single-line alert form.
func Format(category, message string, context map[string]string) string {
	if len(context) == 0 {
		return fmt.Sprintf("ALERT[%s]: %s", category, message)
	}
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+context[k])
	}
	return fmt.Sprintf("ALERT[%s]: %s | context={%s}", category, message, strings.Join(pairs, ","))
}

// LogSink writes alerts to the process log. Zero value is usable.
type LogSink struct{}

func NewLogSink() *LogSink { return &LogSink{} }

func (s *LogSink) Emit(category, message string, context map[string]string) {
	log.Warn().Str("category", category).Msg(Format(category, message, context))
}

// Multi fans one alert out to several sinks.
type Multi []Sink

func (m Multi) Emit(category, message string, context map[string]string) {
	for _, s := range m {
		s.Emit(category, message, context)
	}
}

// Nop discards alerts; used by tests that only assert on gate outcomes.
type Nop struct{}

func (Nop) Emit(string, string, map[string]string) {}

// Recorder captures alerts in memory for assertions.
type Recorder struct {
	Alerts []Recorded
}

type Recorded struct {
	Category string
	Message  string
	Context  map[string]string
}

func (r *Recorder) Emit(category, message string, context map[string]string) {
	r.Alerts = append(r.Alerts, Recorded{Category: category, Message: message, Context: context})
}

// Count returns how many alerts of category were recorded.
func (r *Recorder) Count(category string) int {
	n := 0
	for _, a := range r.Alerts {
		if a.Category == category {
			n++
		}
	}
	return n
}
