package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatWithContext(t *testing.T) {
	line := Format(CatCircuitBreaker, "trading halted", map[string]string{
		"symbol": "BTCUSDT",
		"losses": "3",
		"limit":  "3",
	})
	// Keys render sorted.
	assert.Equal(t, "ALERT[safety_circuit_breaker]: trading halted | context={limit=3,losses=3,symbol=BTCUSDT}", line)
}

func TestFormatWithoutContext(t *testing.T) {
	assert.Equal(t, "ALERT[runtime_error]: boom", Format(CatRuntimeError, "boom", nil))
}

func TestMultiFansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, b}

	m.Emit(CatDrawdown, "down", nil)

	assert.Equal(t, 1, a.Count(CatDrawdown))
	assert.Equal(t, 1, b.Count(CatDrawdown))
}

func TestRecorderCount(t *testing.T) {
	r := &Recorder{}
	r.Emit(CatDailyLoss, "one", nil)
	r.Emit(CatDailyLoss, "two", map[string]string{"k": "v"})
	r.Emit(CatMarginBlock, "other", nil)

	assert.Equal(t, 2, r.Count(CatDailyLoss))
	assert.Equal(t, 1, r.Count(CatMarginBlock))
	assert.Equal(t, 0, r.Count(CatRateLimit))
	assert.Equal(t, "v", r.Alerts[1].Context["k"])
}
