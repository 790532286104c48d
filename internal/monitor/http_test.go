package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venued/venued/internal/venue"
)

func scrape(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHealthEndpointReportsVenues(t *testing.T) {
	reg := venue.NewRegistry(testLogger())
	reg.Register("binance", &scriptedVenue{})
	reg.Register("bybit", nil)

	h := NewHandler(reg, NewCollector(), NewTracker(16), nil, testLogger())
	rec, body := scrape(t, h, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, []interface{}{"binance"}, body["live"])

	venues, ok := body["venues"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, venues, "binance")
	assert.Contains(t, venues, "bybit")
}

func TestHealthEndpointFailsWithoutLiveVenue(t *testing.T) {
	reg := venue.NewRegistry(testLogger())
	reg.Register("binance", nil)

	h := NewHandler(reg, NewCollector(), NewTracker(16), nil, testLogger())
	rec, body := scrape(t, h, "/health")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "down", body["status"])
	assert.Empty(t, body["live"])
}

func TestMetricsEndpointMergesSources(t *testing.T) {
	reg := venue.NewRegistry(testLogger())
	reg.Register("binance", &scriptedVenue{})

	collector := NewCollector()
	collector.IncrementCounter("trades_total", map[string]string{"venue": "binance"})

	tracker := NewTracker(16)
	tracker.Record(Sample{Venue: "binance", Op: "orderbook", Duration: 5 * time.Millisecond, Success: true, CacheHit: true})
	tracker.Record(Sample{Venue: "binance", Op: "orderbook", Duration: 20 * time.Millisecond, Success: true})

	extras := func() map[string]interface{} {
		return map[string]interface{}{
			"rate_limits": map[string]int{"binance": 7},
		}
	}

	h := NewHandler(reg, collector, tracker, extras, testLogger())
	rec, body := scrape(t, h, "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)

	counters, ok := body["counters"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), counters["trades_total_venue_binance"])

	window, ok := body["window"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), window["total"])
	assert.Equal(t, float64(0.5), window["hit_rate"])

	limits, ok := body["rate_limits"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(7), limits["binance"])
}

func TestMetricsEndpointWithoutExtras(t *testing.T) {
	reg := venue.NewRegistry(testLogger())
	h := NewHandler(reg, NewCollector(), NewTracker(16), nil, testLogger())

	rec, body := scrape(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, body, "rate_limits")
	assert.Contains(t, body, "window")
}
