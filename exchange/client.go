package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/perpsim/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE REST CLIENT - Bybit v5 shaped
// ═══════════════════════════════════════════════════════════════════════════════
//
// The trading core consumes a narrow slice of the venue API: klines,
// account equity, positions, margin info, closed PnL, instrument precision,
// leverage and bracketed order placement. Everything else stays out.
//
// Every call is pre-gated by the Pacer, carries a 15 s timeout, and retries
// up to 3 times with exponential backoff (1 s, 2 s, 4 s).
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	requestTimeout = 15 * time.Second
	retryCount     = 3
	recvWindow     = "5000"
)

// Position as reported by the venue.
type Position struct {
	Symbol      string
	Side        string // Buy, Sell or None
	Size        float64
	AvgPrice    float64
	PositionIdx int
}

// MarginInfo for one symbol/position-idx pair. Found is false when the venue
// reports no matching position.
type MarginInfo struct {
	Found       bool
	MarginRatio float64
}

// ClosedTrade is one realized-PnL record.
type ClosedTrade struct {
	OrderID     string
	Symbol      string
	PnL         float64
	CreatedTime time.Time
}

// Instrument precision rules.
type Instrument struct {
	QtyStep  float64
	MinQty   float64
	TickSize float64
}

// BracketOrder is a market entry with attached TP/SL.
type BracketOrder struct {
	Symbol      string
	Side        types.Side
	Qty         float64
	TakeProfit  float64
	StopLoss    float64
	TriggerBy   string // LastPrice | MarkPrice | IndexPrice
	PositionIdx int
	OrderLinkID string
	ReduceOnly  bool
}

// Client is the venue surface the risk pipeline consumes. Tests substitute a
// fake; production uses the resty-backed RestClient.
type Client interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
	WalletEquity(ctx context.Context) (float64, error)
	Positions(ctx context.Context, symbol string) ([]Position, error)
	MarginInfo(ctx context.Context, symbol string, positionIdx int) (MarginInfo, error)
	ClosedPnL(ctx context.Context, symbol string, since time.Time) ([]ClosedTrade, error)
	Instrument(ctx context.Context, symbol string) (Instrument, error)
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
	PlaceBracket(ctx context.Context, order BracketOrder) (string, error)
}

// RestClient talks to a Bybit-v5-compatible REST API.
type RestClient struct {
	http      *resty.Client
	apiKey    string
	apiSecret string
	pacer     *Pacer
}

// envelope is the common v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// NewRestClient builds the client. pacer may be shared across callers; it
// must not be nil.
func NewRestClient(baseURL, apiKey, apiSecret string, pacer *Pacer) *RestClient {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(4 * time.Second)

	log.Info().Str("base_url", baseURL).Bool("authenticated", apiKey != "").Msg("🌐 Exchange client initialized")
	return &RestClient{http: http, apiKey: apiKey, apiSecret: apiSecret, pacer: pacer}
}

// sign produces the v5 HMAC header value over timestamp+key+window+payload.
func (c *RestClient) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + c.apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *RestClient) get(ctx context.Context, path string, query map[string]string, private bool) (json.RawMessage, error) {
	if err := c.pacer.Acquire(ctx); err != nil {
		return nil, err
	}

	req := c.http.R().SetContext(ctx).SetQueryParams(query)
	if private {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.SetHeaders(map[string]string{
			"X-BAPI-API-KEY":     c.apiKey,
			"X-BAPI-TIMESTAMP":   ts,
			"X-BAPI-RECV-WINDOW": recvWindow,
			"X-BAPI-SIGN":        c.sign(ts, encodeQuery(query)),
		})
	}

	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	return decodeEnvelope(path, resp.Body())
}

func (c *RestClient) post(ctx context.Context, path string, body map[string]any) (json.RawMessage, error) {
	if err := c.pacer.Acquire(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(map[string]string{
			"Content-Type":       "application/json",
			"X-BAPI-API-KEY":     c.apiKey,
			"X-BAPI-TIMESTAMP":   ts,
			"X-BAPI-RECV-WINDOW": recvWindow,
			"X-BAPI-SIGN":        c.sign(ts, string(payload)),
		}).
		SetBody(payload).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	return decodeEnvelope(path, resp.Body())
}

func decodeEnvelope(path string, body []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", path, err)
	}
	if env.RetCode != 0 {
		return nil, fmt.Errorf("%s: exchange error %d: %s", path, env.RetCode, env.RetMsg)
	}
	return env.Result, nil
}

func encodeQuery(query map[string]string) string {
	// Bybit signs the raw, sorted query string.
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += "&"
		}
		out += k + "=" + query[k]
	}
	return out
}

// Klines returns up to limit bars, oldest first.
func (c *RestClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	raw, err := c.get(ctx, "/v5/market/kline", map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}, false)
	if err != nil {
		return nil, err
	}

	var result struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("kline: %w", err)
	}

	// Venue returns newest first.
	candles := make([]types.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		startMs, _ := strconv.ParseInt(row[0], 10, 64)
		candles = append(candles, types.Candle{
			Start:  time.UnixMilli(startMs).UTC(),
			Open:   parseFloat(row[1]),
			High:   parseFloat(row[2]),
			Low:    parseFloat(row[3]),
			Close:  parseFloat(row[4]),
			Volume: parseFloat(row[5]),
		})
	}
	return candles, nil
}

// WalletEquity returns total account equity in quote currency.
func (c *RestClient) WalletEquity(ctx context.Context) (float64, error) {
	raw, err := c.get(ctx, "/v5/account/wallet-balance", map[string]string{
		"accountType": "UNIFIED",
	}, true)
	if err != nil {
		return 0, err
	}

	var result struct {
		List []struct {
			TotalEquity string `json:"totalEquity"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("wallet-balance: %w", err)
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("wallet-balance: empty account list")
	}
	return parseFloat(result.List[0].TotalEquity), nil
}

type positionRow struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	PositionIdx   int    `json:"positionIdx"`
	PositionIM    string `json:"positionIM"`
	PositionValue string `json:"positionValue"`
}

func (c *RestClient) positionRows(ctx context.Context, symbol string) ([]positionRow, error) {
	raw, err := c.get(ctx, "/v5/position/list", map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}, true)
	if err != nil {
		return nil, err
	}
	var result struct {
		List []positionRow `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("position list: %w", err)
	}
	return result.List, nil
}

// Positions returns the venue positions for a symbol.
func (c *RestClient) Positions(ctx context.Context, symbol string) ([]Position, error) {
	rows, err := c.positionRows(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(rows))
	for _, row := range rows {
		size := parseFloat(row.Size)
		if row.Side == "Sell" {
			size = -size
		}
		out = append(out, Position{
			Symbol:      row.Symbol,
			Side:        row.Side,
			Size:        size,
			AvgPrice:    parseFloat(row.AvgPrice),
			PositionIdx: row.PositionIdx,
		})
	}
	return out, nil
}

// MarginInfo computes initial-margin / position-value for the matching
// symbol and position idx.
func (c *RestClient) MarginInfo(ctx context.Context, symbol string, positionIdx int) (MarginInfo, error) {
	rows, err := c.positionRows(ctx, symbol)
	if err != nil {
		return MarginInfo{}, err
	}
	for _, row := range rows {
		if row.Symbol != symbol || row.PositionIdx != positionIdx {
			continue
		}
		value := parseFloat(row.PositionValue)
		if value <= 0 {
			continue
		}
		return MarginInfo{Found: true, MarginRatio: parseFloat(row.PositionIM) / value}, nil
	}
	return MarginInfo{Found: false}, nil
}

// ClosedPnL lists realized trades since the given time.
func (c *RestClient) ClosedPnL(ctx context.Context, symbol string, since time.Time) ([]ClosedTrade, error) {
	raw, err := c.get(ctx, "/v5/position/closed-pnl", map[string]string{
		"category":  "linear",
		"symbol":    symbol,
		"startTime": strconv.FormatInt(since.UnixMilli(), 10),
		"limit":     "100",
	}, true)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			Symbol      string `json:"symbol"`
			ClosedPnl   string `json:"closedPnl"`
			CreatedTime string `json:"createdTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("closed-pnl: %w", err)
	}

	trades := make([]ClosedTrade, 0, len(result.List))
	for _, row := range result.List {
		ms, _ := strconv.ParseInt(row.CreatedTime, 10, 64)
		trades = append(trades, ClosedTrade{
			OrderID:     row.OrderID,
			Symbol:      row.Symbol,
			PnL:         parseFloat(row.ClosedPnl),
			CreatedTime: time.UnixMilli(ms).UTC(),
		})
	}
	return trades, nil
}

// Instrument fetches quantity and price precision for a symbol.
func (c *RestClient) Instrument(ctx context.Context, symbol string) (Instrument, error) {
	raw, err := c.get(ctx, "/v5/market/instruments-info", map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}, false)
	if err != nil {
		return Instrument{}, err
	}

	var result struct {
		List []struct {
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return Instrument{}, fmt.Errorf("instruments-info: %w", err)
	}
	if len(result.List) == 0 {
		return Instrument{}, fmt.Errorf("instruments-info: unknown symbol %s", symbol)
	}
	first := result.List[0]
	return Instrument{
		QtyStep:  parseFloat(first.LotSizeFilter.QtyStep),
		MinQty:   parseFloat(first.LotSizeFilter.MinOrderQty),
		TickSize: parseFloat(first.PriceFilter.TickSize),
	}, nil
}

// SetLeverage applies symmetric buy/sell leverage.
func (c *RestClient) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	lev := strconv.FormatFloat(leverage, 'f', -1, 64)
	_, err := c.post(ctx, "/v5/position/set-leverage", map[string]any{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	})
	return err
}

// PlaceBracket submits a market order with attached TP/SL and the caller's
// idempotency key as orderLinkId.
func (c *RestClient) PlaceBracket(ctx context.Context, order BracketOrder) (string, error) {
	side := "Buy"
	if order.Side == types.SideSell {
		side = "Sell"
	}
	body := map[string]any{
		"category":    "linear",
		"symbol":      order.Symbol,
		"side":        side,
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(order.Qty, 'f', -1, 64),
		"positionIdx": order.PositionIdx,
		"orderLinkId": order.OrderLinkID,
		"reduceOnly":  order.ReduceOnly,
	}
	if order.TakeProfit > 0 {
		body["takeProfit"] = strconv.FormatFloat(order.TakeProfit, 'f', -1, 64)
		body["tpTriggerBy"] = order.TriggerBy
	}
	if order.StopLoss > 0 {
		body["stopLoss"] = strconv.FormatFloat(order.StopLoss, 'f', -1, 64)
		body["slTriggerBy"] = order.TriggerBy
	}

	raw, err := c.post(ctx, "/v5/order/create", body)
	if err != nil {
		return "", err
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("order create: %w", err)
	}
	return result.OrderID, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
