package replay

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/perpsim/bus"
	"github.com/quantfold/perpsim/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REPLAY SOURCE - Historical snapshots over the bus
// ═══════════════════════════════════════════════════════════════════════════════
//
// Streams an ordered CSV of market snapshots onto market.data at a
// configurable speed-up. Timestamps are normalized to UTC, filtered to the
// inclusive [start, end] range and deduplicated by timestamp. The publisher
// loop honors pause/resume/seek commands from replay.control.
//
// Output is deterministic for a fixed input file and settings: the same
// snapshots in the same order, every run.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Options bound the replayed range and pace.
type Options struct {
	Speed float64   // 1, 5, 10... ; <=0 means 1
	Start time.Time // zero = from the beginning
	End   time.Time // zero = to the end
}

// Source replays a loaded snapshot sequence.
type Source struct {
	pub     bus.Publisher
	subject string
	speed   float64

	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	index   int
	records []types.MarketData

	sleep func(time.Duration) // test hook
}

// NewSource loads and filters the CSV at path. Rows are expected as
//
//	timestamp,symbol,best_bid,best_ask,bid_size,ask_size,
//	last_price,last_side,last_size,funding_rate
//
// with an optional header row.
func NewSource(path string, pub bus.Publisher, subject string, opts Options) (*Source, error) {
	records, err := loadCSV(path, opts)
	if err != nil {
		return nil, err
	}
	speed := opts.Speed
	if speed <= 0 {
		speed = 1
	}
	s := &Source{
		pub:     pub,
		subject: subject,
		speed:   speed,
		records: records,
		sleep:   time.Sleep,
	}
	s.cond = sync.NewCond(&s.mu)
	log.Info().
		Str("file", path).
		Int("snapshots", len(records)).
		Float64("speed", speed).
		Msg("⏪ Replay source loaded")
	return s, nil
}

// loadCSV parses, normalizes to UTC, range-filters, dedups by timestamp and
// sorts ascending.
func loadCSV(path string, opts Options) ([]types.MarketData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var records []types.MarketData
	seen := make(map[time.Time]struct{})
	line := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read replay file line %d: %w", line+1, err)
		}
		line++
		if len(row) < 10 {
			return nil, fmt.Errorf("replay file line %d: want 10 fields, got %d", line, len(row))
		}

		ts, err := time.Parse(time.RFC3339, row[0])
		if err != nil {
			if line == 1 {
				// Header row.
				continue
			}
			return nil, fmt.Errorf("replay file line %d: bad timestamp %q: %w", line, row[0], err)
		}
		ts = ts.UTC()

		if !opts.Start.IsZero() && ts.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && ts.After(opts.End) {
			continue
		}
		if _, dup := seen[ts]; dup {
			continue
		}
		seen[ts] = struct{}{}

		records = append(records, types.MarketData{
			Timestamp:   ts,
			Symbol:      row[1],
			BestBid:     parseF(row[2]),
			BestAsk:     parseF(row[3]),
			BidSize:     parseF(row[4]),
			AskSize:     parseF(row[5]),
			LastPrice:   parseF(row[6]),
			LastSide:    row[7],
			LastSize:    parseF(row[8]),
			FundingRate: parseF(row[9]),
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// Len returns the number of snapshots that survived filtering.
func (s *Source) Len() int { return len(s.records) }

// HandleControl applies one replay.control command. Wire it as the
// subscription handler for the control subject.
func (s *Source) HandleControl(ctrl types.ReplayControl) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ctrl.Command {
	case types.ReplayPause:
		s.paused = true
		log.Info().Msg("⏸️ Replay paused")
	case types.ReplayResume:
		s.paused = false
		log.Info().Msg("▶️ Replay resumed")
		s.cond.Broadcast()
	case types.ReplaySeek:
		target := ctrl.Timestamp.UTC()
		s.index = sort.Search(len(s.records), func(i int) bool {
			return !s.records[i].Timestamp.Before(target)
		})
		log.Info().Time("target", target).Int("index", s.index).Msg("⏩ Replay seek")
		s.cond.Broadcast()
	default:
		log.Warn().Str("command", ctrl.Command).Msg("unknown replay control command")
	}
}

// Run publishes the sequence until exhausted or ctx ends. Pacing follows the
// inter-snapshot gaps divided by the speed factor.
func (s *Source) Run(ctx context.Context) error {
	// Unblock a paused loop when the context ends.
	go func() {
		<-ctx.Done()
		s.cond.Broadcast()
	}()

	var prev time.Time
	for {
		s.mu.Lock()
		for s.paused && ctx.Err() == nil {
			s.cond.Wait()
		}
		if ctx.Err() != nil {
			s.mu.Unlock()
			return ctx.Err()
		}
		if s.index >= len(s.records) {
			s.mu.Unlock()
			log.Info().Msg("✅ Replay complete")
			return nil
		}
		md := s.records[s.index]
		s.index++
		s.mu.Unlock()

		if !prev.IsZero() && md.Timestamp.After(prev) {
			gap := time.Duration(float64(md.Timestamp.Sub(prev)) / s.speed)
			s.sleep(gap)
		}
		prev = md.Timestamp

		if err := bus.PublishJSON(s.pub, s.subject, md); err != nil {
			log.Error().Err(err).Time("ts", md.Timestamp).Msg("replay publish failed")
		}
	}
}
