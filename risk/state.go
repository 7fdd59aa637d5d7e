package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/perpsim/alert"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK STATE - Durable snapshot of loss history
// ═══════════════════════════════════════════════════════════════════════════════
//
// Peak equity watermark, per-UTC-day realized PnL, consecutive-loss counter
// and the set of already-ingested trade timestamps. Persisted as a single
// JSON object written atomically (temp file + rename) after every accepted
// trade and every new peak, so a restart resumes exactly where the last
// accepted event left off.
//
// Deduplication is timestamp-keyed. Two venue fills sharing an identical
// createdTime would coalesce; the composite (timestamp, order_id) key would
// be stronger when the venue guarantees stable trade ids.
//
// ═══════════════════════════════════════════════════════════════════════════════

// stateFile is the persisted JSON shape.
type stateFile struct {
	PeakEquity          float64            `json:"peak_equity"`
	DailyPnLByDate      map[string]float64 `json:"daily_pnl_by_date"`
	ConsecutiveLosses   int                `json:"consecutive_losses"`
	SeenTradeTimestamps []string           `json:"seen_trade_timestamps"`
}

// State holds the durable risk counters. Single-writer: only the pipeline
// mutates it, but accessors take the lock so the reporter can read safely.
type State struct {
	mu sync.Mutex

	path string
	sink alert.Sink

	peakEquity        float64
	dailyPnL          map[string]float64
	consecutiveLosses int
	seen              map[string]struct{}
	seenOrder         []string // insertion order, for stable persistence
}

// NewState creates an empty store persisting to path.
func NewState(path string, sink alert.Sink) *State {
	if sink == nil {
		sink = alert.Nop{}
	}
	return &State{
		path:     path,
		sink:     sink,
		dailyPnL: make(map[string]float64),
		seen:     make(map[string]struct{}),
	}
}

// Load seeds the in-memory state from the file at the store's path. A missing
// file is a clean start. A corrupt file is logged and alerted as a
// SAFETY_STATE_LOAD failure and treated as empty. Returns true when a prior
// state was restored, so the caller can confirm the restore via the alert
// channel.
func (s *State) Load() bool {
	sink := s.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", s.path).Msg("no prior risk state, starting fresh")
			return false
		}
		log.Error().Err(err).Str("path", s.path).Msg("SAFETY_STATE_LOAD failed to read state file")
		sink.Emit(alert.CatStateLoad, "risk state unreadable, starting empty", map[string]string{
			"path": s.path, "error": err.Error(),
		})
		return false
	}

	var file stateFile
	if err := json.Unmarshal(data, &file); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("SAFETY_STATE_LOAD corrupt state file")
		sink.Emit(alert.CatStateLoad, "risk state corrupt, starting empty", map[string]string{
			"path": s.path, "error": err.Error(),
		})
		return false
	}

	s.peakEquity = file.PeakEquity
	s.consecutiveLosses = file.ConsecutiveLosses
	s.dailyPnL = file.DailyPnLByDate
	if s.dailyPnL == nil {
		s.dailyPnL = make(map[string]float64)
	}
	s.seen = make(map[string]struct{}, len(file.SeenTradeTimestamps))
	s.seenOrder = s.seenOrder[:0]
	for _, ts := range file.SeenTradeTimestamps {
		if _, dup := s.seen[ts]; dup {
			continue
		}
		s.seen[ts] = struct{}{}
		s.seenOrder = append(s.seenOrder, ts)
	}

	log.Info().
		Str("path", s.path).
		Float64("peak_equity", s.peakEquity).
		Int("consecutive_losses", s.consecutiveLosses).
		Int("seen_trades", len(s.seen)).
		Msg("🛡️ SAFETY_STATE_LOAD risk state restored")
	sink.Emit(alert.CatStateLoad, "risk state restored", map[string]string{
		"path":               s.path,
		"peak_equity":        fmt.Sprintf("%.2f", s.peakEquity),
		"consecutive_losses": fmt.Sprintf("%d", s.consecutiveLosses),
	})
	return true
}

// RecordTrade folds one closed trade into the counters. Trades whose
// timestamp was already ingested are ignored. Returns true when the trade was
// accepted; acceptance persists the state.
func (s *State) RecordTrade(pnl float64, ts time.Time) bool {
	key := ts.UTC().Format(time.RFC3339Nano)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}
	s.seenOrder = append(s.seenOrder, key)

	date := ts.UTC().Format("2006-01-02")
	s.dailyPnL[date] += pnl

	if pnl < 0 {
		s.consecutiveLosses++
	} else {
		s.consecutiveLosses = 0
	}

	log.Info().
		Float64("pnl", pnl).
		Str("date", date).
		Int("consecutive_losses", s.consecutiveLosses).
		Msg("📒 Closed trade recorded")

	s.persistLocked()
	return true
}

// UpdatePeak raises the equity watermark. Never lowered while held; losses
// show up as drawdown against the standing peak. A new peak persists.
func (s *State) UpdatePeak(equity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if equity <= s.peakEquity {
		return
	}
	s.peakEquity = equity
	s.persistLocked()
}

// DailyPnL returns the realized PnL bucket for a UTC date (today if zero).
func (s *State) DailyPnL(day time.Time) float64 {
	if day.IsZero() {
		day = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailyPnL[day.UTC().Format("2006-01-02")]
}

// Drawdown returns (peak − equity)/peak, or 0 when no peak is held yet.
func (s *State) Drawdown(equity float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peakEquity <= 0 {
		return 0
	}
	return (s.peakEquity - equity) / s.peakEquity
}

// ConsecutiveLosses returns the current loss streak.
func (s *State) ConsecutiveLosses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveLosses
}

// PeakEquity returns the watermark.
func (s *State) PeakEquity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peakEquity
}

// Flush persists the current state unconditionally. Called on shutdown.
func (s *State) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistLocked()
}

// persistLocked writes the JSON snapshot atomically: sibling temp file, then
// rename into place. A partial write is never loadable. Caller holds the lock.
func (s *State) persistLocked() {
	if s.path == "" {
		return
	}
	file := stateFile{
		PeakEquity:          s.peakEquity,
		DailyPnLByDate:      s.dailyPnL,
		ConsecutiveLosses:   s.consecutiveLosses,
		SeenTradeTimestamps: s.seenOrder,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("risk state marshal failed")
		return
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error().Err(err).Str("dir", dir).Msg("risk state dir create failed")
			return
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("risk state write failed, in-memory state retained")
		s.sink.Emit(alert.CatRuntimeError, "risk state persist failed", map[string]string{
			"path": tmp, "error": err.Error(),
		})
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("risk state rename failed, in-memory state retained")
		s.sink.Emit(alert.CatRuntimeError, "risk state persist failed", map[string]string{
			"path": s.path, "error": err.Error(),
		})
	}
}
