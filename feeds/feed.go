package feeds

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/perpsim/bus"
	"github.com/quantfold/perpsim/metrics"
	"github.com/quantfold/perpsim/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET DATA FEED - Live websocket → market.data
// ═══════════════════════════════════════════════════════════════════════════════
//
// Consumes a Bybit-v5-style public linear stream (ticker + trade topics),
// merges the two into per-symbol top-of-book snapshots and publishes each
// update on market.data. Reconnects forever while running. Also maintains the
// market_spread_atr_percent gauge: quoted spread as a percentage of an
// EMA-smoothed true-range proxy.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	atrAlpha     = 0.1 // EMA smoothing for the true-range proxy
	pingInterval = 20 * time.Second
)

// Feed streams live market data for one symbol.
type Feed struct {
	wsURL   string
	symbol  string
	pub     bus.Publisher
	subject string

	mu       sync.Mutex
	conn     *websocket.Conn
	snapshot types.MarketData
	atr      float64
	lastMid  float64

	running atomic.Bool
	stopCh  chan struct{}
}

// NewFeed builds a feed for symbol publishing on subject.
func NewFeed(wsURL, symbol string, pub bus.Publisher, subject string) *Feed {
	if wsURL == "" {
		wsURL = "wss://stream.bybit.com/v5/public/linear"
	}
	return &Feed{
		wsURL:   wsURL,
		symbol:  symbol,
		pub:     pub,
		subject: subject,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the connect/read/reconnect loop.
func (f *Feed) Start() {
	f.running.Store(true)
	go f.run()
	log.Info().Str("symbol", f.symbol).Str("url", f.wsURL).Msg("📈 Market data feed started")
}

// Stop closes the stream.
func (f *Feed) Stop() {
	f.running.Store(false)
	close(f.stopCh)
	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()
}

func (f *Feed) run() {
	for f.running.Load() {
		conn, err := f.connect()
		if err != nil {
			log.Error().Err(err).Msg("feed connection failed")
			time.Sleep(5 * time.Second)
			continue
		}

		done := make(chan struct{})
		go f.pingLoop(conn, done)
		f.readMessages(conn)
		close(done)

		if f.running.Load() {
			log.Warn().Msg("feed disconnected, reconnecting...")
			time.Sleep(1 * time.Second)
		}
	}
}

func (f *Feed) connect() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(f.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", f.wsURL, err)
	}

	sub := map[string]any{
		"op": "subscribe",
		"args": []string{
			"tickers." + f.symbol,
			"publicTrade." + f.symbol,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	log.Info().Str("symbol", f.symbol).Msg("🔌 Feed websocket connected")
	return conn, nil
}

func (f *Feed) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				return
			}
		case <-done:
			return
		case <-f.stopCh:
			return
		}
	}
}

func (f *Feed) readMessages(conn *websocket.Conn) {
	for f.running.Load() {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if f.running.Load() {
				log.Error().Err(err).Msg("feed read error")
			}
			return
		}
		f.handleMessage(message)
	}
}

// streamMsg is the common v5 public stream envelope.
type streamMsg struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func (f *Feed) handleMessage(data []byte) {
	var msg streamMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Topic == "" {
		return
	}
	switch {
	case msg.Topic == "tickers."+f.symbol:
		f.handleTicker(msg.Data)
	case msg.Topic == "publicTrade."+f.symbol:
		f.handleTrades(msg.Data)
	}
}

// tickerData carries the top-of-book and funding fields; deltas omit
// unchanged fields, so empty strings leave the prior value in place.
type tickerData struct {
	Bid1Price   string `json:"bid1Price"`
	Bid1Size    string `json:"bid1Size"`
	Ask1Price   string `json:"ask1Price"`
	Ask1Size    string `json:"ask1Size"`
	FundingRate string `json:"fundingRate"`
}

func (f *Feed) handleTicker(raw json.RawMessage) {
	var t tickerData
	if err := json.Unmarshal(raw, &t); err != nil {
		return
	}

	f.mu.Lock()
	setIf(&f.snapshot.BestBid, t.Bid1Price)
	setIf(&f.snapshot.BidSize, t.Bid1Size)
	setIf(&f.snapshot.BestAsk, t.Ask1Price)
	setIf(&f.snapshot.AskSize, t.Ask1Size)
	setIf(&f.snapshot.FundingRate, t.FundingRate)
	f.publishLocked()
	f.mu.Unlock()
}

type tradeData struct {
	Price string `json:"p"`
	Size  string `json:"v"`
	Side  string `json:"S"` // Buy | Sell
}

func (f *Feed) handleTrades(raw json.RawMessage) {
	var trades []tradeData
	if err := json.Unmarshal(raw, &trades); err != nil {
		return
	}

	f.mu.Lock()
	for _, tr := range trades {
		setIf(&f.snapshot.LastPrice, tr.Price)
		setIf(&f.snapshot.LastSize, tr.Size)
		if tr.Side == "Buy" {
			f.snapshot.LastSide = "buy"
		} else {
			f.snapshot.LastSide = "sell"
		}
		f.publishLocked()
	}
	f.mu.Unlock()
}

// publishLocked stamps and publishes the merged snapshot, then refreshes the
// spread/ATR gauge. Caller holds the lock.
func (f *Feed) publishLocked() {
	f.snapshot.Symbol = f.symbol
	f.snapshot.Timestamp = time.Now().UTC()

	md := f.snapshot
	if err := bus.PublishJSON(f.pub, f.subject, md); err != nil {
		log.Warn().Err(err).Msg("market data publish failed")
	}

	mid := md.Mid()
	if mid <= 0 {
		return
	}
	if f.lastMid > 0 {
		f.atr = atrAlpha*math.Abs(mid-f.lastMid) + (1-atrAlpha)*f.atr
	}
	f.lastMid = mid

	if f.atr > 0 && md.BestBid > 0 && md.BestAsk > 0 {
		spread := md.BestAsk - md.BestBid
		metrics.SpreadATRPercent.WithLabelValues(f.symbol).Set(spread / f.atr * 100)
	}
}

// setIf parses a non-empty string into dst, leaving dst on empty or bad
// input.
func setIf(dst *float64, s string) {
	if s == "" {
		return
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		*dst = v
	}
}
