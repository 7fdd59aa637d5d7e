package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MESSAGE BUS - Subject-addressed pub/sub over NATS
// ═══════════════════════════════════════════════════════════════════════════════
//
// The bus is the only shared mutable interface between processes and carries
// only immutable JSON messages. Per-subject FIFO holds within one publisher;
// delivery is at-least-once in principle, so consumers deduplicate on the
// intent's client id.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Default subjects. Each can be overridden through the environment so several
// runs can share one NATS server.
const (
	DefaultURL           = "nats://localhost:4222"
	SubjectMarketData    = "market.data"
	SubjectOrders        = "trading.orders"
	SubjectExecutions    = "trading.executions"
	SubjectRiskState     = "risk.state"
	SubjectReplayControl = "replay.control"
)

// Subjects resolved from the environment.
type Subjects struct {
	MarketData    string
	Orders        string
	Executions    string
	RiskState     string
	ReplayControl string
}

// SubjectsFromEnv applies MARKET_DATA_SUBJECT / ORDERS_SUBJECT / EXEC_SUBJECT
// overrides on top of the defaults.
func SubjectsFromEnv() Subjects {
	return Subjects{
		MarketData:    getenv("MARKET_DATA_SUBJECT", SubjectMarketData),
		Orders:        getenv("ORDERS_SUBJECT", SubjectOrders),
		Executions:    getenv("EXEC_SUBJECT", SubjectExecutions),
		RiskState:     SubjectRiskState,
		ReplayControl: SubjectReplayControl,
	}
}

// Publisher is the write half of the bus. Components hold this narrow
// interface so tests can capture published messages without a server.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// PublishJSON marshals v and publishes it on subject.
func PublishJSON(p Publisher, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return p.Publish(subject, data)
}

// Conn wraps a NATS connection.
type Conn struct {
	nc *nats.Conn
}

// Connect dials the NATS server with infinite reconnects. Disconnect and
// reconnect events are logged so operators can correlate gaps in the streams.
func Connect(url string) (*Conn, error) {
	if url == "" {
		url = getenv("NATS_URL", DefaultURL)
	}

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	log.Info().Str("url", url).Msg("🔌 Connected to NATS")
	return &Conn{nc: nc}, nil
}

// Publish sends raw bytes on a subject.
func (c *Conn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

// Subscribe registers handler for a subject. NATS invokes the handler from a
// single dispatcher goroutine per subscription, which preserves the
// per-subject FIFO contract for each consumer.
func (c *Conn) Subscribe(subject string, handler func(data []byte)) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Drain flushes pending messages and closes the connection.
func (c *Conn) Drain() {
	if err := c.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("NATS drain failed, closing hard")
		c.nc.Close()
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
