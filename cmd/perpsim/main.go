// Perpsim - paper-execution core for a perp-futures trading platform.
//
// Long-lived cooperating components over a NATS bus:
//
//  1. A feed (live websocket) or replay source publishes market.data
//  2. The risk-gated pipeline turns candles into bracketed order intents
//  3. The paper broker simulates latency, slippage, partial fills, fees,
//     funding and position accounting, publishing trading.executions
//  4. The execution journal and risk state consume the reports
//
// APP_MODE selects where executions route: paper and replay run through the
// simulator, live requires venue credentials and explicit confirmation.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/perpsim/alert"
	"github.com/quantfold/perpsim/broker"
	"github.com/quantfold/perpsim/bus"
	"github.com/quantfold/perpsim/exchange"
	"github.com/quantfold/perpsim/feeds"
	"github.com/quantfold/perpsim/internal/config"
	"github.com/quantfold/perpsim/metrics"
	"github.com/quantfold/perpsim/replay"
	"github.com/quantfold/perpsim/risk"
	"github.com/quantfold/perpsim/storage"
	"github.com/quantfold/perpsim/strategy"
	"github.com/quantfold/perpsim/types"
)

const version = "1.0.0"

const liveConfirmation = "trade live"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	modeFlag := flag.String("mode", "", "trading mode: paper, testnet or live")
	configFlag := flag.String("config", "", "optional YAML/JSON config file")
	flag.Parse()

	if *modeFlag != "" {
		appMode, err := resolveMode(*modeFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid --mode")
		}
		os.Setenv("APP_MODE", appMode)
	}

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if cfg.Mode == types.ModeLive && !confirmLive() {
		log.Fatal().Msg("live trading not confirmed, aborting")
	}

	log.Info().
		Str("version", version).
		Str("mode", string(cfg.Mode)).
		Str("run_id", cfg.RunID).
		Str("symbol", cfg.Symbol).
		Msg("⚡ Perpsim starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.SetMode(string(cfg.Mode))
	go metrics.Serve(cfg.MetricsAddr)

	// ====== BUS ======
	conn, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	subjects := bus.SubjectsFromEnv()

	// ====== ALERTS ======
	var sink alert.Sink = alert.NewLogSink()
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := alert.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram sink unavailable, log alerts only")
		} else {
			sink = alert.Multi{alert.NewLogSink(), tg}
		}
	}

	// ====== RISK STATE ======
	riskState := risk.NewState(cfg.Safety.StateFile, sink)
	riskState.Load()

	// ====== EXECUTION JOURNAL ======
	if cfg.DatabaseDSN != "" {
		journal, err := storage.Open(cfg.DatabaseDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open execution journal")
		}
		if _, err := conn.Subscribe(subjects.Executions, journal.HandleMessage); err != nil {
			log.Fatal().Err(err).Msg("Failed to subscribe journal")
		}
	}

	// ====== PAPER BROKER ======
	pb := broker.New(cfg.Paper, conn, subjects.Executions, cfg.RunID, cfg.Mode, sink)
	if _, err := conn.Subscribe(subjects.MarketData, func(data []byte) {
		var md types.MarketData
		if err := json.Unmarshal(data, &md); err != nil {
			log.Warn().Err(err).Msg("undecodable market data")
			return
		}
		pb.UpdateMarket(md)
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe broker to market data")
	}
	if _, err := conn.Subscribe(subjects.Orders, func(data []byte) {
		var intent types.OrderIntent
		if err := json.Unmarshal(data, &intent); err != nil {
			log.Warn().Err(err).Msg("undecodable order intent")
			return
		}
		pb.HandleIntent(intent)
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe broker to orders")
	}

	// Closed paper trades feed the durable risk counters: reduce-only fills
	// are the exits that realize PnL.
	if _, err := conn.Subscribe(subjects.Executions, func(data []byte) {
		var report types.ExecutionReport
		if err := json.Unmarshal(data, &report); err != nil {
			return
		}
		if report.Executed && report.ReduceOnly {
			riskState.RecordTrade(report.RealizedPnL, report.Timestamp)
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe risk state to executions")
	}

	// ====== EXCHANGE + RISK PIPELINE ======
	var client exchange.Client
	if cfg.ExchangeKey != "" && cfg.ExchangeSecret != "" {
		pacer := exchange.NewPacer(cfg.Safety.RequestsPerSecond, cfg.Safety.RequestsPerMinute, sink)
		client = exchange.NewRestClient(cfg.ExchangeURL, cfg.ExchangeKey, cfg.ExchangeSecret, pacer)
	} else {
		log.Warn().Msg("⚠️ No exchange credentials, risk pipeline disabled")
	}

	var placer risk.OrderPlacer
	if cfg.Mode == types.ModeLive {
		placer = risk.NewExchangePlacer(client)
	} else {
		placer = risk.NewBusPlacer(conn, subjects.Orders)
	}

	pipeline := risk.NewPipeline(cfg.Safety, cfg.Symbol, cfg.Interval, cfg.RunID,
		client, riskState, placer, strategy.NewSMACross(), sink)
	pipeline.SetStatePublisher(conn, subjects.RiskState)
	go pipeline.Run(ctx)

	// ====== MARKET DATA SOURCE ======
	var feed *feeds.Feed
	switch cfg.Mode {
	case types.ModeReplay:
		if cfg.Replay.File == "" {
			log.Fatal().Msg("replay mode requires REPLAY_FILE")
		}
		source, err := newReplaySource(cfg, conn, subjects)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load replay source")
		}
		if _, err := conn.Subscribe(subjects.ReplayControl, func(data []byte) {
			var ctrl types.ReplayControl
			if err := json.Unmarshal(data, &ctrl); err != nil {
				log.Warn().Err(err).Msg("undecodable replay control")
				return
			}
			source.HandleControl(ctrl)
		}); err != nil {
			log.Fatal().Err(err).Msg("Failed to subscribe replay control")
		}
		go func() {
			if err := source.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("replay source stopped")
			}
		}()
	default:
		feed = feeds.NewFeed(os.Getenv("FEED_WS_URL"), cfg.Symbol, conn, subjects.MarketData)
		feed.Start()
	}

	log.Info().Msg("✅ All systems online")

	// ====== SHUTDOWN ======
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("🛑 Received shutdown signal")

	cancel()
	if feed != nil {
		feed.Stop()
	}
	pb.Drain()
	riskState.Flush()
	conn.Drain()
	log.Info().Msg("👋 Goodbye!")
}

// resolveMode maps the CLI mode onto APP_MODE. testnet is the paper pipeline
// pointed at venue testnet credentials.
func resolveMode(mode string) (string, error) {
	switch mode {
	case "paper", "testnet":
		return "paper", nil
	case "live":
		return "live", nil
	case "replay":
		return "replay", nil
	default:
		return "", fmt.Errorf("mode must be paper, testnet, live or replay, got %q", mode)
	}
}

// confirmLive requires the operator to type the confirmation phrase.
func confirmLive() bool {
	fmt.Fprintf(os.Stderr, "⚠️  LIVE MODE: real orders will be placed. Type %q to continue: ", liveConfirmation)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == liveConfirmation
}

func newReplaySource(cfg *config.Config, pub bus.Publisher, subjects bus.Subjects) (*replay.Source, error) {
	opts := replay.Options{Speed: cfg.Replay.Speed}
	if cfg.Replay.Start != "" {
		t, err := parseRFC3339(cfg.Replay.Start)
		if err != nil {
			return nil, fmt.Errorf("replay start: %w", err)
		}
		opts.Start = t
	}
	if cfg.Replay.End != "" {
		t, err := parseRFC3339(cfg.Replay.End)
		if err != nil {
			return nil, fmt.Errorf("replay end: %w", err)
		}
		opts.End = t
	}
	return replay.NewSource(cfg.Replay.File, pub, subjects.MarketData, opts)
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
