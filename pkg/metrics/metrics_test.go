package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveCalculation(t *testing.T) {
	m := New("test")

	m.ObserveCalculation("SUCCESS", 0.25, 3, 12, false)
	m.ObserveCalculation("SUCCESS", 0.10, 1, 4, true)
	m.ObserveCalculation("FAILED", 0.05, 1, 0, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CalculationsTotal.WithLabelValues("SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CalculationsTotal.WithLabelValues("FAILED")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.LotsProcessedTotal))
	assert.Equal(t, 16.0, testutil.ToFloat64(m.EntriesProducedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResultCacheHitsTotal))
}

func TestObserveSettlementTransition(t *testing.T) {
	m := New("test")

	m.ObserveSettlementTransition("COMPLETED")
	m.ObserveSettlementTransition("COMPLETED")
	m.ObserveSettlementTransition("FAILED")
	m.SetPendingSettlements(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SettlementsTotal.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SettlementsTotal.WithLabelValues("FAILED")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.SettlementsPending))
}

func TestObserveHTTPRequest(t *testing.T) {
	m := New("test")

	m.ObserveHTTPRequest(0.05)
	m.ObserveHTTPRequest(0.10)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal))
}
