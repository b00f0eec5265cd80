// Package health exposes liveness and readiness HTTP handlers for the
// publish engine process.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nexus-edge/opcua-publish-engine/pkg/logging"
	"github.com/rs/zerolog"
)

// EngineStatus is the minimal view of engine state the health checker
// needs; *engine.Engine satisfies it.
type EngineStatus interface {
	SubscriptionCount() int
	PendingPublishRequestCount() int
	PendingClosedSubscriptionCount() int
}

// Checker serves /health, /health/live and /health/ready.
type Checker struct {
	engine EngineStatus
	logger zerolog.Logger
	// readyWithNoSubscriptions allows a freshly-started engine with zero
	// attached subscriptions to report ready, since an idle server is a
	// valid (if uninteresting) state rather than a failure.
	readyWithNoSubscriptions bool
}

// NewChecker creates a health Checker over engine.
func NewChecker(engine EngineStatus, readyWithNoSubscriptions bool, logger zerolog.Logger) *Checker {
	return &Checker{
		engine:                   engine,
		readyWithNoSubscriptions: readyWithNoSubscriptions,
		logger:                   logging.WithComponent(logger, "health-checker"),
	}
}

// HealthResponse is the JSON body returned by HealthHandler.
type HealthResponse struct {
	Status     string         `json:"status"`
	Timestamp  string         `json:"timestamp"`
	Components map[string]any `json:"components"`
}

// HealthHandler reports overall engine health.
func (c *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Components: map[string]any{
			"subscriptions":       c.engine.SubscriptionCount(),
			"pending_requests":    c.engine.PendingPublishRequestCount(),
			"pending_closed_subs": c.engine.PendingClosedSubscriptionCount(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// LiveHandler reports 200 as long as the process is running.
func (c *Checker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadyHandler reports 200 once the engine has at least one subscription,
// unless the checker was configured to treat an idle engine as ready.
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ready := c.readyWithNoSubscriptions || c.engine.SubscriptionCount() > 0

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"status":        "not_ready",
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
			"subscriptions": c.engine.SubscriptionCount(),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
