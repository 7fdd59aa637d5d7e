package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quantfold/perpsim/alert"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER - Per-second pacing + per-minute sliding window
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two coupled limits gate every exchange request: a per-second floor (minimum
// spacing of 1/rps between consecutive calls) and a per-minute sliding
// counter. Acquire blocks until both are satisfied. Every enforced sleep is
// observable as a SAFETY_RATE_LIMIT diagnostic.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Pacer is safe for concurrent callers within one process.
type Pacer struct {
	mu      sync.Mutex
	limiter *rate.Limiter // burst 1 → enforces 1/rps spacing
	perMin  int
	window  []time.Time
	sink    alert.Sink
}

// NewPacer builds a limiter allowing rps requests per second and perMinute
// requests in any sliding 60 s window.
func NewPacer(rps float64, perMinute int, sink alert.Sink) *Pacer {
	if sink == nil {
		sink = alert.Nop{}
	}
	return &Pacer{
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		perMin:  perMinute,
		sink:    sink,
	}
}

// Acquire blocks the caller until both constraints are satisfied or ctx is
// cancelled.
func (p *Pacer) Acquire(ctx context.Context) error {
	// Per-second leg.
	res := p.limiter.Reserve()
	if delay := res.Delay(); delay > 0 {
		p.observeSleep("per_second", delay)
		select {
		case <-ctx.Done():
			res.Cancel()
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	// Per-minute sliding window.
	for {
		p.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)
		kept := p.window[:0]
		for _, t := range p.window {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		p.window = kept

		if len(p.window) < p.perMin {
			p.window = append(p.window, now)
			p.mu.Unlock()
			return nil
		}
		wait := p.window[0].Add(time.Minute).Sub(now)
		p.mu.Unlock()

		if wait <= 0 {
			continue
		}
		p.observeSleep("per_minute", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (p *Pacer) observeSleep(leg string, d time.Duration) {
	log.Debug().Str("leg", leg).Dur("sleep", d).Msg("SAFETY_RATE_LIMIT pacing request")
	p.sink.Emit(alert.CatRateLimit, "request paced", map[string]string{
		"leg":   leg,
		"slept": d.String(),
	})
}
