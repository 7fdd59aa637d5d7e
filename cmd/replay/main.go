// Replay publishes a recorded market-data CSV onto the bus at a chosen
// speed-up, honoring pause/resume/seek commands on replay.control. Runs
// standalone so a paper session in another process can consume the stream.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/perpsim/bus"
	"github.com/quantfold/perpsim/replay"
	"github.com/quantfold/perpsim/types"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	file := flag.String("file", "", "CSV snapshot file (required)")
	speed := flag.Float64("speed", 1, "speed-up factor (1, 5, 10...)")
	start := flag.String("start", "", "inclusive range start, RFC3339")
	end := flag.String("end", "", "inclusive range end, RFC3339")
	flag.Parse()

	if *file == "" {
		log.Fatal().Msg("--file is required")
	}

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	opts := replay.Options{Speed: *speed}
	if *start != "" {
		t, err := time.Parse(time.RFC3339, *start)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid --start")
		}
		opts.Start = t
	}
	if *end != "" {
		t, err := time.Parse(time.RFC3339, *end)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid --end")
		}
		opts.End = t
	}

	conn, err := bus.Connect(os.Getenv("NATS_URL"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	subjects := bus.SubjectsFromEnv()

	source, err := replay.NewSource(*file, conn, subjects.MarketData, opts)
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info().Msg("🛑 Received shutdown signal")
		cancel()
	}()

	if err := source.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("replay stopped")
	}
	conn.Drain()
}
