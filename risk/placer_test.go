package risk

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/perpsim/types"
)

type capturePub struct {
	subjects []string
	payloads [][]byte
}

func (p *capturePub) Publish(subject string, data []byte) error {
	p.subjects = append(p.subjects, subject)
	cp := make([]byte, len(data))
	copy(cp, data)
	p.payloads = append(p.payloads, cp)
	return nil
}

func (p *capturePub) intents(t *testing.T) []types.OrderIntent {
	t.Helper()
	out := make([]types.OrderIntent, 0, len(p.payloads))
	for _, data := range p.payloads {
		var in types.OrderIntent
		require.NoError(t, json.Unmarshal(data, &in))
		out = append(out, in)
	}
	return out
}

func TestBusPlacerUnrollsBracket(t *testing.T) {
	pub := &capturePub{}
	placer := NewBusPlacer(pub, "trading.orders")

	err := placer.PlaceBracket(context.Background(), Bracket{
		Symbol:     "BTCUSDT",
		Side:       types.SideBuy,
		Qty:        2,
		EntryPrice: 100,
		TakeProfit: 102,
		StopLoss:   99,
		TriggerBy:  "MarkPrice",
		LinkID:     "btcusdt-run-1700000000",
	})
	require.NoError(t, err)

	intents := pub.intents(t)
	require.Len(t, intents, 3)
	for _, subject := range pub.subjects {
		assert.Equal(t, "trading.orders", subject)
	}

	entry, tp, sl := intents[0], intents[1], intents[2]

	assert.Equal(t, types.OrderTypeMarket, entry.Type)
	assert.Equal(t, types.SideBuy, entry.Side)
	assert.Equal(t, 2.0, entry.Quantity)
	assert.False(t, entry.ReduceOnly)
	assert.Equal(t, "btcusdt-run-1700000000-entry", entry.ClientID)

	assert.Equal(t, types.OrderTypeLimit, tp.Type)
	assert.Equal(t, types.SideSell, tp.Side)
	assert.Equal(t, 102.0, tp.Price)
	assert.True(t, tp.ReduceOnly)
	assert.Equal(t, "btcusdt-run-1700000000-tp", tp.ClientID)

	assert.Equal(t, types.OrderTypeStopMarket, sl.Type)
	assert.Equal(t, types.SideSell, sl.Side)
	assert.Equal(t, 99.0, sl.StopPrice)
	assert.True(t, sl.ReduceOnly)
	assert.Equal(t, "btcusdt-run-1700000000-sl", sl.ClientID)

	// Every intent passes broker-side validation.
	for _, in := range intents {
		assert.NoError(t, in.Validate())
	}
}

func TestBusPlacerExit(t *testing.T) {
	pub := &capturePub{}
	placer := NewBusPlacer(pub, "trading.orders")

	require.NoError(t, placer.PlaceExit(context.Background(), "BTCUSDT", 1.5, "link-1"))

	intents := pub.intents(t)
	require.Len(t, intents, 1)
	exit := intents[0]
	assert.Equal(t, types.OrderTypeMarket, exit.Type)
	assert.Equal(t, types.SideSell, exit.Side)
	assert.Equal(t, 1.5, exit.Quantity)
	assert.True(t, exit.ReduceOnly)
	assert.Equal(t, "link-1-exit", exit.ClientID)
}
