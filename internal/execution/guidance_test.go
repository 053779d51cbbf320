package execution

import (
	"bytes"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerdictClassifiesAndLogs(t *testing.T) {
	orig := log.Writer()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(orig)

	g := NewGuidanceStore()

	// Clean limit fill: pass.
	tr := newTrace("k1", "BTCUSDT")
	tr.add("limit_order", StepOK, "")
	g.Verdict(tr)
	assert.Equal(t, 1, g.Count("BTCUSDT", OutcomeLimitFilled))
	assert.Contains(t, buf.String(), "verdict pass")

	// Limit timeout rescued by the market fallback: still a pass.
	tr = newTrace("k2", "BTCUSDT")
	tr.add("limit_order", StepFailed, "timeout")
	tr.add("market_fallback", StepOK, "")
	g.Verdict(tr)
	assert.Equal(t, 1, g.Count("BTCUSDT", OutcomeLimitTimeout))

	// Fallback failure: fail.
	buf.Reset()
	tr = newTrace("k3", "BTCUSDT")
	tr.add("limit_order", StepFailed, "timeout")
	tr.add("market_fallback", StepFailed, "rejected")
	g.Verdict(tr)
	assert.Equal(t, 1, g.Count("BTCUSDT", OutcomeMarketFailed))
	assert.Contains(t, buf.String(), "verdict fail")

	// A trace that never reached placement records and logs nothing.
	buf.Reset()
	tr = newTrace("k4", "BTCUSDT")
	tr.add("risk_check", StepFailed, "")
	g.Verdict(tr)
	assert.NotContains(t, buf.String(), "verdict")
}

func TestTimeoutShortensAfterRepeatedFailures(t *testing.T) {
	g := NewGuidanceStore()

	def := 90 * time.Second
	floor := 45 * time.Second
	require.Equal(t, def, g.Timeout("ETHUSDT", def, floor))

	for i := 0; i < guidanceFailureThreshold; i++ {
		g.Record("ETHUSDT", OutcomeLimitTimeout)
	}
	assert.Equal(t, guidanceShortTimeout, g.Timeout("ETHUSDT", def, floor))

	// The floor always wins over the shortened window.
	assert.Equal(t, 70*time.Second, g.Timeout("ETHUSDT", def, 70*time.Second))
}
