package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersAreRegisteredAndCount(t *testing.T) {
	before := testutil.ToFloat64(Decisions.WithLabelValues("sell", "stop-loss"))
	Decisions.WithLabelValues("sell", "stop-loss").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Decisions.WithLabelValues("sell", "stop-loss")))

	PositionsOpen.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(PositionsOpen))
}
