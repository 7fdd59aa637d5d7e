package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quantfold/perpsim/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION JOURNAL - Durable record of every report
// ═══════════════════════════════════════════════════════════════════════════════
//
// Subscribes to trading.executions and persists each report. Purely
// observational: nothing in here feeds back into trading decisions. The DSN
// selects the driver: postgres:// URLs use Postgres, everything else is a
// SQLite file path.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Execution is one journaled report row.
type Execution struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	OrderID       string `gorm:"index"`
	ClientID      string `gorm:"index"`
	Symbol        string `gorm:"index"`
	Executed      bool
	Price         decimal.Decimal `gorm:"type:decimal(20,8)"`
	MarkPrice     decimal.Decimal `gorm:"type:decimal(20,8)"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,8)"`
	Fees          decimal.Decimal `gorm:"type:decimal(20,8)"`
	Funding       decimal.Decimal `gorm:"type:decimal(20,8)"`
	RealizedPnL   decimal.Decimal `gorm:"type:decimal(20,8)"`
	SlippageBps   float64
	Maker         bool
	AckLatencyMs  float64
	FillLatencyMs float64
	Mode          string `gorm:"index"`
	RunID         string `gorm:"index"`
	ReportedAt    time.Time
	IsShadow      bool
	Error         string
	OrderType     string
	ReduceOnly    bool
	CreatedAt     time.Time
}

// DailyStats is an aggregate over one UTC day of one run.
type DailyStats struct {
	Date        string
	Fills       int64
	Rejects     int64
	Volume      decimal.Decimal
	Fees        decimal.Decimal
	RealizedPnL decimal.Decimal
}

// Journal wraps the gorm handle.
type Journal struct {
	db *gorm.DB
}

// Open connects per the DSN and migrates the schema.
func Open(dsn string) (*Journal, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Execution journal connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("💾 Execution journal initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Execution{}); err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Record persists one report.
func (j *Journal) Record(report types.ExecutionReport) error {
	row := Execution{
		OrderID:       report.OrderID,
		ClientID:      report.ClientID,
		Symbol:        report.Symbol,
		Executed:      report.Executed,
		Price:         decimal.NewFromFloat(report.Price),
		MarkPrice:     decimal.NewFromFloat(report.MarkPrice),
		Quantity:      decimal.NewFromFloat(report.Quantity),
		Fees:          decimal.NewFromFloat(report.Fees),
		Funding:       decimal.NewFromFloat(report.Funding),
		RealizedPnL:   decimal.NewFromFloat(report.RealizedPnL),
		SlippageBps:   report.SlippageBps,
		Maker:         report.Maker,
		AckLatencyMs:  report.AckLatencyMs,
		FillLatencyMs: report.FillLatencyMs,
		Mode:          string(report.Mode),
		RunID:         report.RunID,
		ReportedAt:    report.Timestamp,
		IsShadow:      report.IsShadow,
		Error:         report.Error,
		OrderType:     string(report.OrderType),
		ReduceOnly:    report.ReduceOnly,
	}
	return j.db.Create(&row).Error
}

// HandleMessage decodes one trading.executions payload and journals it. Wire
// it as the subscription handler; decode and write failures are logged, never
// propagated back into the trading path.
func (j *Journal) HandleMessage(data []byte) {
	var report types.ExecutionReport
	if err := json.Unmarshal(data, &report); err != nil {
		log.Warn().Err(err).Msg("journal: undecodable execution report")
		return
	}
	if err := j.Record(report); err != nil {
		log.Error().Err(err).Str("client_id", report.ClientID).Msg("journal: write failed")
	}
}

// RecentExecutions returns the latest rows, newest first.
func (j *Journal) RecentExecutions(limit int) ([]Execution, error) {
	var rows []Execution
	err := j.db.Order("created_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// ExecutionsByClientID returns every journaled report for one intent.
func (j *Journal) ExecutionsByClientID(clientID string) ([]Execution, error) {
	var rows []Execution
	err := j.db.Where("client_id = ?", clientID).Order("created_at ASC").Find(&rows).Error
	return rows, err
}

// Stats aggregates one UTC day for a run id.
func (j *Journal) Stats(runID string, day time.Time) (DailyStats, error) {
	date := day.UTC().Format("2006-01-02")
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	stats := DailyStats{Date: date}

	base := j.db.Model(&Execution{}).
		Where("run_id = ? AND reported_at >= ? AND reported_at < ?", runID, start, end)

	if err := base.Session(&gorm.Session{}).Where("executed = ?", true).Count(&stats.Fills).Error; err != nil {
		return stats, err
	}
	if err := base.Session(&gorm.Session{}).Where("executed = ?", false).Count(&stats.Rejects).Error; err != nil {
		return stats, err
	}

	var sums struct {
		Volume      decimal.Decimal
		Fees        decimal.Decimal
		RealizedPnL decimal.Decimal
	}
	err := base.Session(&gorm.Session{}).Where("executed = ?", true).
		Select("COALESCE(SUM(price * quantity), 0) as volume, COALESCE(SUM(fees), 0) as fees, COALESCE(SUM(realized_pn_l), 0) as realized_pn_l").
		Scan(&sums).Error
	if err != nil {
		return stats, err
	}
	stats.Volume = sums.Volume
	stats.Fees = sums.Fees
	stats.RealizedPnL = sums.RealizedPnL
	return stats, nil
}
