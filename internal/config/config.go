package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/quantfold/perpsim/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION - Env-first with optional file overlay
// ═══════════════════════════════════════════════════════════════════════════════
//
// Environment variables carry the deployment surface (APP_MODE, RUN_ID,
// NATS_URL, METRICS_ADDR, subject overrides). The paper-broker knobs and the
// per-symbol safety limits can additionally be loaded from a YAML/JSON file
// passed with --config; file values override the env defaults.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config is the process-wide configuration.
type Config struct {
	Mode        types.Mode `mapstructure:"mode"`
	RunID       string     `mapstructure:"run_id"`
	NATSURL     string     `mapstructure:"nats_url"`
	MetricsAddr string     `mapstructure:"metrics_addr"`
	Debug       bool       `mapstructure:"debug"`

	// Symbol and candle interval driven by the risk pipeline.
	Symbol   string `mapstructure:"symbol"`
	Interval string `mapstructure:"interval"`

	// Exchange REST credentials (testnet/live only).
	ExchangeURL    string `mapstructure:"exchange_url"`
	ExchangeKey    string `mapstructure:"exchange_key"`
	ExchangeSecret string `mapstructure:"exchange_secret"`

	// Execution journal DSN; empty disables persistence.
	DatabaseDSN string `mapstructure:"database_dsn"`

	// Telegram alert sink (optional).
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`

	Paper  Paper  `mapstructure:"paper"`
	Safety Safety `mapstructure:"safety"`

	// Replay source settings.
	Replay Replay `mapstructure:"replay"`
}

// Paper enumerates the paper-broker knobs.
type Paper struct {
	FeeBps               float64 `mapstructure:"fee_bps"`
	MakerRebateBps       float64 `mapstructure:"maker_rebate_bps"`
	FundingEnabled       bool    `mapstructure:"funding_enabled"`
	SlippageBps          float64 `mapstructure:"slippage_bps"`
	MaxSlippageBps       float64 `mapstructure:"max_slippage_bps"`
	SpreadSlippageCoeff  float64 `mapstructure:"spread_slippage_coeff"`
	OFISlippageCoeff     float64 `mapstructure:"ofi_slippage_coeff"`
	LatencyMeanMs        float64 `mapstructure:"latency_mean_ms"`
	LatencyP95Ms         float64 `mapstructure:"latency_p95_ms"`
	PartialFillEnabled   bool    `mapstructure:"partial_fill_enabled"`
	PartialFillMinPct    float64 `mapstructure:"partial_fill_min_slice_pct"`
	PartialFillMaxSlices int     `mapstructure:"partial_fill_max_slices"`
	Seed                 int64   `mapstructure:"seed"`

	// DedupWindow bounds how long a client id is remembered for idempotent
	// replays of prior reports.
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

// Validate enforces the knob ranges.
func (p Paper) Validate() error {
	if p.MaxSlippageBps < p.SlippageBps {
		return fmt.Errorf("max_slippage_bps (%v) must be >= slippage_bps (%v)", p.MaxSlippageBps, p.SlippageBps)
	}
	if p.LatencyP95Ms < p.LatencyMeanMs {
		return fmt.Errorf("latency_p95_ms (%v) must be >= latency_mean_ms (%v)", p.LatencyP95Ms, p.LatencyMeanMs)
	}
	if p.PartialFillMaxSlices < 1 {
		return fmt.Errorf("partial_fill_max_slices must be >= 1, got %d", p.PartialFillMaxSlices)
	}
	if p.PartialFillMinPct < 0 || p.PartialFillMinPct > 1 {
		return fmt.Errorf("partial_fill_min_slice_pct must be in [0,1], got %v", p.PartialFillMinPct)
	}
	return nil
}

// Safety enumerates the per-symbol risk limits consumed by the gate pipeline.
type Safety struct {
	ConsecutiveLossLimit int     `mapstructure:"consecutive_loss_limit"` // 0 disables the circuit breaker
	MaxMarginRatio       float64 `mapstructure:"max_margin_ratio"`
	MaxDailyLossPct      float64 `mapstructure:"max_daily_loss_pct"`
	DrawdownThresholdPct float64 `mapstructure:"drawdown_threshold_pct"`
	SessionMaxTrades     int     `mapstructure:"session_max_trades"`          // 0 = unlimited
	SessionMaxRuntimeMin int     `mapstructure:"session_max_runtime_minutes"` // 0 = unlimited
	RequestsPerSecond    float64 `mapstructure:"requests_per_second"`
	RequestsPerMinute    int     `mapstructure:"requests_per_minute"`
	RiskPct              float64 `mapstructure:"risk_pct"`
	StopLossPct          float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct        float64 `mapstructure:"take_profit_pct"`
	CashDeployCapPct     float64 `mapstructure:"cash_deploy_cap_pct"`
	Leverage             float64 `mapstructure:"leverage"`
	PositionIdx          int     `mapstructure:"position_idx"` // 0 one-way, 1 long-hedge, 2 short-hedge
	TriggerBy            string  `mapstructure:"trigger_by"`   // LastPrice | MarkPrice | IndexPrice
	EarlyExitOnCross     bool    `mapstructure:"early_exit_on_cross"`
	StateFile            string  `mapstructure:"state_file"`
}

// Validate enforces the safety ranges.
func (s Safety) Validate() error {
	if s.RiskPct < 0 || s.RiskPct > 1 {
		return fmt.Errorf("risk_pct must be in [0,1], got %v", s.RiskPct)
	}
	if s.StopLossPct < 0 || s.StopLossPct > 1 {
		return fmt.Errorf("stop_loss_pct must be in [0,1], got %v", s.StopLossPct)
	}
	if s.CashDeployCapPct < 0 || s.CashDeployCapPct > 1 {
		return fmt.Errorf("cash_deploy_cap_pct must be in [0,1], got %v", s.CashDeployCapPct)
	}
	if s.PositionIdx < 0 || s.PositionIdx > 2 {
		return fmt.Errorf("position_idx must be 0, 1 or 2, got %d", s.PositionIdx)
	}
	switch s.TriggerBy {
	case "LastPrice", "MarkPrice", "IndexPrice":
	default:
		return fmt.Errorf("trigger_by must be LastPrice, MarkPrice or IndexPrice, got %q", s.TriggerBy)
	}
	if s.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be > 0, got %v", s.RequestsPerSecond)
	}
	if s.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests_per_minute must be > 0, got %d", s.RequestsPerMinute)
	}
	return nil
}

// Replay configures the historical snapshot source.
type Replay struct {
	File  string  `mapstructure:"file"`
	Speed float64 `mapstructure:"speed"` // 1, 5, 10...
	Start string  `mapstructure:"start"` // RFC3339, optional
	End   string  `mapstructure:"end"`   // RFC3339, optional
}

// Load builds the configuration from the environment, then overlays the
// optional config file. APP_MODE is required.
func Load(path string) (*Config, error) {
	mode := types.Mode(getEnv("APP_MODE", ""))
	if mode == "" {
		return nil, fmt.Errorf("APP_MODE is required (live, paper or replay)")
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid APP_MODE %q", mode)
	}

	runID := getEnv("RUN_ID", "")
	if runID == "" {
		runID = fmt.Sprintf("%s-%d", mode, time.Now().Unix())
	}

	cfg := &Config{
		Mode:        mode,
		RunID:       runID,
		NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9095"),
		Debug:       getEnvBool("DEBUG", false),

		Symbol:   getEnv("SYMBOL", "BTCUSDT"),
		Interval: getEnv("INTERVAL", "5m"),

		ExchangeURL:    getEnv("EXCHANGE_URL", "https://api-testnet.bybit.com"),
		ExchangeKey:    os.Getenv("EXCHANGE_API_KEY"),
		ExchangeSecret: os.Getenv("EXCHANGE_API_SECRET"),

		DatabaseDSN: os.Getenv("DATABASE_DSN"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		Paper: Paper{
			FeeBps:               getEnvFloat("PAPER_FEE_BPS", 7),
			MakerRebateBps:       getEnvFloat("PAPER_MAKER_REBATE_BPS", -1),
			FundingEnabled:       getEnvBool("PAPER_FUNDING_ENABLED", true),
			SlippageBps:          getEnvFloat("PAPER_SLIPPAGE_BPS", 3),
			MaxSlippageBps:       getEnvFloat("PAPER_MAX_SLIPPAGE_BPS", 10),
			SpreadSlippageCoeff:  getEnvFloat("PAPER_SPREAD_SLIPPAGE_COEFF", 0.5),
			OFISlippageCoeff:     getEnvFloat("PAPER_OFI_SLIPPAGE_COEFF", 0.35),
			LatencyMeanMs:        getEnvFloat("PAPER_LATENCY_MEAN_MS", 120),
			LatencyP95Ms:         getEnvFloat("PAPER_LATENCY_P95_MS", 300),
			PartialFillEnabled:   getEnvBool("PAPER_PARTIAL_FILL_ENABLED", true),
			PartialFillMinPct:    getEnvFloat("PAPER_PARTIAL_FILL_MIN_SLICE_PCT", 0.15),
			PartialFillMaxSlices: getEnvInt("PAPER_PARTIAL_FILL_MAX_SLICES", 4),
			Seed:                 int64(getEnvInt("PAPER_SEED", 0)),
			DedupWindow:          getEnvDuration("PAPER_DEDUP_WINDOW", 10*time.Minute),
		},

		Safety: Safety{
			ConsecutiveLossLimit: getEnvInt("CONSECUTIVE_LOSS_LIMIT", 3),
			MaxMarginRatio:       getEnvFloat("MAX_MARGIN_RATIO", 0.5),
			MaxDailyLossPct:      getEnvFloat("MAX_DAILY_LOSS_PCT", 0.03),
			DrawdownThresholdPct: getEnvFloat("DRAWDOWN_THRESHOLD_PCT", 0.10),
			SessionMaxTrades:     getEnvInt("SESSION_MAX_TRADES", 0),
			SessionMaxRuntimeMin: getEnvInt("SESSION_MAX_RUNTIME_MINUTES", 0),
			RequestsPerSecond:    getEnvFloat("REQUESTS_PER_SECOND", 5),
			RequestsPerMinute:    getEnvInt("REQUESTS_PER_MINUTE", 120),
			RiskPct:              getEnvFloat("RISK_PCT", 0.005),
			StopLossPct:          getEnvFloat("STOP_LOSS_PCT", 0.01),
			TakeProfitPct:        getEnvFloat("TAKE_PROFIT_PCT", 0.02),
			CashDeployCapPct:     getEnvFloat("CASH_DEPLOY_CAP_PCT", 0.20),
			Leverage:             getEnvFloat("LEVERAGE", 2),
			PositionIdx:          getEnvInt("POSITION_IDX", 0),
			TriggerBy:            getEnv("TRIGGER_BY", "MarkPrice"),
			EarlyExitOnCross:     getEnvBool("EARLY_EXIT_ON_CROSS", true),
			StateFile:            getEnv("RISK_STATE_FILE", "data/risk_state.json"),
		},

		Replay: Replay{
			File:  getEnv("REPLAY_FILE", ""),
			Speed: getEnvFloat("REPLAY_SPEED", 1),
			Start: getEnv("REPLAY_START", ""),
			End:   getEnv("REPLAY_END", ""),
		},
	}

	if path != "" {
		if err := overlayFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Paper.Validate(); err != nil {
		return nil, fmt.Errorf("paper config: %w", err)
	}
	if err := cfg.Safety.Validate(); err != nil {
		return nil, fmt.Errorf("safety config: %w", err)
	}
	if cfg.Mode == types.ModeLive && (cfg.ExchangeKey == "" || cfg.ExchangeSecret == "") {
		return nil, fmt.Errorf("live mode requires EXCHANGE_API_KEY and EXCHANGE_API_SECRET")
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	return cfg, nil
}

// overlayFile merges a YAML/JSON config file over cfg.
func overlayFile(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
