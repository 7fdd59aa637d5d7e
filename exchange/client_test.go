package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/perpsim/alert"
	"github.com/quantfold/perpsim/types"
)

func decodeJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *RestClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRestClient(srv.URL, "test-key", "test-secret", NewPacer(1000, 100000, alert.Nop{}))
}

func TestKlinesReversedOldestFirst(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/kline", r.URL.Path)
		assert.Equal(t, "linear", r.URL.Query().Get("category"))
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		// Venue order: newest first.
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			["1756030500000","101","102","100","101.5","30"],
			["1756030200000","100","101","99","101","20"],
			["1756029900000","99","100","98","100","10"]
		]}}`))
	})

	candles, err := client.Klines(context.Background(), "BTCUSDT", "5", 100)
	require.NoError(t, err)
	require.Len(t, candles, 3)

	assert.True(t, candles[0].Start.Before(candles[1].Start))
	assert.True(t, candles[1].Start.Before(candles[2].Start))
	assert.Equal(t, 100.0, candles[0].Close)
	assert.Equal(t, 101.5, candles[2].Close)
	assert.Equal(t, time.UnixMilli(1756029900000).UTC(), candles[0].Start)
}

func TestEnvelopeErrorSurfaced(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":10006,"retMsg":"rate limit exceeded","result":{}}`))
	})

	_, err := client.Klines(context.Background(), "BTCUSDT", "5", 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "10006")
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestWalletEquitySignsRequest(t *testing.T) {
	var gotHeaders http.Header
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"totalEquity":"1234.56"}]}}`))
	})

	equity, err := client.WalletEquity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1234.56, equity)

	assert.Equal(t, "test-key", gotHeaders.Get("X-BAPI-API-KEY"))
	assert.Equal(t, "5000", gotHeaders.Get("X-BAPI-RECV-WINDOW"))
	assert.NotEmpty(t, gotHeaders.Get("X-BAPI-TIMESTAMP"))
	assert.Len(t, gotHeaders.Get("X-BAPI-SIGN"), 64) // hex-encoded sha256
}

func TestPositionsNegatesShortSize(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","side":"Sell","size":"0.5","avgPrice":"50000","positionIdx":0},
			{"symbol":"BTCUSDT","side":"Buy","size":"0.2","avgPrice":"49000","positionIdx":1}
		]}}`))
	})

	positions, err := client.Positions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, -0.5, positions[0].Size)
	assert.Equal(t, 0.2, positions[1].Size)
	assert.Equal(t, 50000.0, positions[0].AvgPrice)
}

func TestMarginInfoComputesRatio(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","side":"Buy","size":"1","avgPrice":"100","positionIdx":0,
			 "positionIM":"25","positionValue":"100"}
		]}}`))
	})

	info, err := client.MarginInfo(context.Background(), "BTCUSDT", 0)
	require.NoError(t, err)
	assert.True(t, info.Found)
	assert.InDelta(t, 0.25, info.MarginRatio, 1e-12)
}

func TestMarginInfoNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
	})

	info, err := client.MarginInfo(context.Background(), "BTCUSDT", 0)
	require.NoError(t, err)
	assert.False(t, info.Found)
}

func TestClosedPnLParsesTrades(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/position/closed-pnl", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("startTime"))
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"orderId":"ord-1","symbol":"BTCUSDT","closedPnl":"-12.5","createdTime":"1756029900000"}
		]}}`))
	})

	trades, err := client.ClosedPnL(context.Background(), "BTCUSDT", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "ord-1", trades[0].OrderID)
	assert.Equal(t, -12.5, trades[0].PnL)
	assert.Equal(t, time.UnixMilli(1756029900000).UTC(), trades[0].CreatedTime)
}

func TestInstrumentPrecision(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001"},
			 "priceFilter":{"tickSize":"0.1"}}
		]}}`))
	})

	inst, err := client.Instrument(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.001, inst.QtyStep)
	assert.Equal(t, 0.001, inst.MinQty)
	assert.Equal(t, 0.1, inst.TickSize)
}

func TestPlaceBracketBody(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/order/create", r.URL.Path)
		require.NoError(t, decodeJSONBody(r, &got))
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"venue-123"}}`))
	})

	orderID, err := client.PlaceBracket(context.Background(), BracketOrder{
		Symbol:      "BTCUSDT",
		Side:        types.SideBuy,
		Qty:         0.5,
		TakeProfit:  102,
		StopLoss:    99,
		TriggerBy:   "MarkPrice",
		OrderLinkID: "btcusdt-run-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "venue-123", orderID)

	assert.Equal(t, "Buy", got["side"])
	assert.Equal(t, "Market", got["orderType"])
	assert.Equal(t, "0.5", got["qty"])
	assert.Equal(t, "102", got["takeProfit"])
	assert.Equal(t, "99", got["stopLoss"])
	assert.Equal(t, "MarkPrice", got["tpTriggerBy"])
	assert.Equal(t, "btcusdt-run-1", got["orderLinkId"])
	assert.Equal(t, false, got["reduceOnly"])
}

func TestSetLeverageBody(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/position/set-leverage", r.URL.Path)
		require.NoError(t, decodeJSONBody(r, &got))
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{}}`))
	})

	require.NoError(t, client.SetLeverage(context.Background(), "BTCUSDT", 2))
	assert.Equal(t, "2", got["buyLeverage"])
	assert.Equal(t, "2", got["sellLeverage"])
}
