package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePub struct {
	subject string
	data    []byte
}

func (p *capturePub) Publish(subject string, data []byte) error {
	p.subject = subject
	p.data = data
	return nil
}

func TestPublishJSON(t *testing.T) {
	pub := &capturePub{}
	require.NoError(t, PublishJSON(pub, "trading.orders", map[string]string{"id": "x"}))

	assert.Equal(t, "trading.orders", pub.subject)
	var got map[string]string
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.Equal(t, "x", got["id"])
}

func TestPublishJSONMarshalError(t *testing.T) {
	pub := &capturePub{}
	err := PublishJSON(pub, "trading.orders", func() {})
	assert.Error(t, err)
}

func TestSubjectsFromEnvDefaults(t *testing.T) {
	t.Setenv("MARKET_DATA_SUBJECT", "")
	t.Setenv("ORDERS_SUBJECT", "")
	t.Setenv("EXEC_SUBJECT", "")

	s := SubjectsFromEnv()
	assert.Equal(t, SubjectMarketData, s.MarketData)
	assert.Equal(t, SubjectOrders, s.Orders)
	assert.Equal(t, SubjectExecutions, s.Executions)
	assert.Equal(t, SubjectRiskState, s.RiskState)
	assert.Equal(t, SubjectReplayControl, s.ReplayControl)
}

func TestSubjectsFromEnvOverrides(t *testing.T) {
	t.Setenv("MARKET_DATA_SUBJECT", "run42.market.data")
	t.Setenv("ORDERS_SUBJECT", "run42.trading.orders")

	s := SubjectsFromEnv()
	assert.Equal(t, "run42.market.data", s.MarketData)
	assert.Equal(t, "run42.trading.orders", s.Orders)
	assert.Equal(t, SubjectExecutions, s.Executions)
}
