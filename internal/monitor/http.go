package monitor

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/venued/venued/internal/venue"
)

// Handler serves the pull-based monitoring surface. Everything is a
// point-in-time JSON snapshot; nothing is pushed anywhere.
type Handler struct {
	registry *venue.Registry
	metrics  *Collector
	tracker  *Tracker
	extras   func() map[string]interface{}
	log      *logrus.Entry
}

// NewHandler builds the monitoring handler. extras, when non-nil, is
// called per scrape and its entries are merged into the metrics
// response under their own keys.
func NewHandler(registry *venue.Registry, metrics *Collector, tracker *Tracker, extras func() map[string]interface{}, log *logrus.Entry) *Handler {
	return &Handler{
		registry: registry,
		metrics:  metrics,
		tracker:  tracker,
		extras:   extras,
		log:      log.WithField("component", "monitor-http"),
	}
}

// Routes registers the health and metrics endpoints.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/metrics", h.handleMetrics)
	return mux
}

// handleHealth reports per-venue health. The endpoint answers 503 only
// when no venue is live, matching the coordinator's fatal condition.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	live := h.registry.ListEnabled()

	status := "ok"
	code := http.StatusOK
	if len(live) == 0 {
		status = "down"
		code = http.StatusServiceUnavailable
	}

	h.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"live":      live,
		"venues":    h.registry.Statuses(),
		"timestamp": time.Now().UTC(),
	})
}

// handleMetrics merges the collector snapshot with the latency window
// aggregate and any caller-provided extras.
func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	out := h.metrics.GetMetrics()
	out["window"] = h.tracker.Aggregate()
	if h.extras != nil {
		for k, v := range h.extras() {
			out[k] = v
		}
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Warn("write response")
	}
}
