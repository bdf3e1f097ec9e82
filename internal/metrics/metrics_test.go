package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/floworacle/internal/models"
)

func TestObserveWrite(t *testing.T) {
	m := New()
	m.ObserveWrite("latest", nil)
	m.ObserveWrite("latest", nil)
	m.ObserveWrite("history", errors.New("disk full"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SnapshotsWritten.WithLabelValues("latest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistenceFailures.WithLabelValues("history")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SnapshotsWritten.WithLabelValues("history")))
}

func TestObserveSnapshot(t *testing.T) {
	m := New()
	at := time.Date(2025, 8, 26, 0, 0, 0, 0, time.UTC)
	m.ObserveSnapshot(&models.Snapshot{
		At:  at,
		Agg: models.Agg{"AAVE": {"1h": {Conf: 83.2}, "4h": {Conf: 60}}},
	})
	assert.Equal(t, 83.2, testutil.ToFloat64(m.Confidence.WithLabelValues("AAVE", "1h")))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(m.LastSnapshot))
}

func TestHandler(t *testing.T) {
	m := New()
	m.MessagesReceived.WithLabelValues("kafka").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `floworacle_ingestion_messages_received_total{source="kafka"} 1`))
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.HistorySkipped.Add(3)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.HistorySkipped))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordMessage("kafka")
	m.RecordEvent("DEX")
	m.RecordSkip("no_token")
	m.RecordHistorySkipped(2)
	m.ObserveWrite("latest", nil)
	m.ObserveSnapshot(&models.Snapshot{})
}

func TestRecordCounters(t *testing.T) {
	m := New()
	m.RecordMessage("telegram")
	m.RecordEvent("CEX_IN")
	m.RecordEvent("CEX_IN")
	m.RecordSkip("below_threshold")
	m.RecordHistorySkipped(0)
	m.RecordHistorySkipped(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("telegram")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsParsed.WithLabelValues("CEX_IN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSkipped.WithLabelValues("below_threshold")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HistorySkipped))
}
