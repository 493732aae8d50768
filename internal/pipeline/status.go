package pipeline

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/haidar-ali/card-scanner/internal/types"
)

// LoopRates are the measured (not target) tick rates of the three loops,
// with the inter-tick jitter of each.
type LoopRates struct {
	FastHz         float64 `json:"fast_hz"`
	FastJitterMs   float64 `json:"fast_jitter_ms"`
	MediumHz       float64 `json:"medium_hz"`
	MediumJitterMs float64 `json:"medium_jitter_ms"`
	SlowHz         float64 `json:"slow_hz"`
	SlowJitterMs   float64 `json:"slow_jitter_ms"`
}

// Status is a read-only snapshot of the pipeline for the host application.
type Status struct {
	Running          bool                      `json:"running"`
	Paused           bool                      `json:"paused"`
	UptimeSeconds    float64                   `json:"uptime_seconds"`
	Stability        *types.StabilityMetrics   `json:"stability,omitempty"`
	HypothesisCounts map[string]int            `json:"hypothesis_counts,omitempty"`
	Pending          *types.CardIdentification `json:"pending,omitempty"`
	Commits          int                       `json:"commits"`
	Rates            LoopRates                 `json:"rates"`
}

// Status returns the current pipeline snapshot. Safe to call from any
// goroutine; everything read here comes from the atomically swapped slots.
func (c *Controller) Status() Status {
	c.mu.Lock()
	running, paused, started := c.running, c.paused, c.started
	extractor, engine := c.extractor, c.engine
	c.mu.Unlock()

	st := Status{
		Running: running,
		Paused:  paused,
		Rates: LoopRates{
			FastHz:         c.fastRate.Hz(),
			FastJitterMs:   c.fastRate.JitterMs(),
			MediumHz:       c.mediumRate.Hz(),
			MediumJitterMs: c.mediumRate.JitterMs(),
			SlowHz:         c.slowRate.Hz(),
			SlowJitterMs:   c.slowRate.JitterMs(),
		},
	}
	if running {
		st.UptimeSeconds = time.Since(started).Seconds()
	}
	if metrics, ok := c.stabilitySlot.get(); ok {
		st.Stability = &metrics
	}
	if extractor != nil {
		st.HypothesisCounts = extractor.Window().Counts()
	}
	if ident, ok := c.identSlot.get(); ok {
		st.Pending = &ident
	}
	if engine != nil {
		st.Commits = engine.CommitCount()
	}
	return st
}

// History returns the committed identifications, oldest first.
func (c *Controller) History() []types.CardIdentification {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return nil
	}
	return engine.History()
}

// HealthStatus summarizes pipeline health for readiness checks.
type HealthStatus struct {
	Status         string    `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds  int64     `json:"uptime_seconds"`
	Running        bool      `json:"running"`
	Paused         bool      `json:"paused"`
	Rates          LoopRates `json:"rates"`
	Commits        int       `json:"commits"`
	PoseAgeSeconds float64   `json:"pose_age_seconds"`
}

// HealthCheck derives health from the loop rates and the age of the newest
// pose: a running pipeline whose fast loop has stopped producing poses is
// degraded.
func (c *Controller) HealthCheck() HealthStatus {
	st := c.Status()

	health := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(st.UptimeSeconds),
		Running:       st.Running,
		Paused:        st.Paused,
		Rates:         st.Rates,
		Commits:       st.Commits,
	}

	c.mu.Lock()
	tracker := c.tracker
	c.mu.Unlock()

	poseAge := time.Duration(-1)
	if tracker != nil {
		poseAge = tracker.LastPoseAge(time.Now())
		health.PoseAgeSeconds = poseAge.Seconds()
	}

	if !st.Running {
		health.Status = "unhealthy"
	} else if st.UptimeSeconds > rateWindow.Seconds() &&
		(st.Rates.FastHz == 0 || poseAge > rateWindow) {
		health.Status = "degraded"
	}
	return health
}

// LivenessHandler handles /health (simple liveness check).
func (c *Controller) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
	})
}

// ReadinessHandler handles /readiness (detailed readiness check).
func (c *Controller) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := c.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// StatusHandler handles /status with the full pipeline snapshot.
func (c *Controller) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(c.Status())
}

// StartHealthServer starts the HTTP health server on the given port.
// Non-blocking.
func (c *Controller) StartHealthServer(port string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", c.LivenessHandler)
	mux.HandleFunc("/readiness", c.ReadinessHandler)
	mux.HandleFunc("/status", c.StatusHandler)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/status"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", "error", err)
		}
	}()
}
