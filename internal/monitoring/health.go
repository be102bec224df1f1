package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/quarrel-woq/internal/gemm"
	"github.com/23skdu/quarrel-woq/internal/logger"
)

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status    string             `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
	Uptime    string             `json:"uptime"`
	System    SystemInfo         `json:"system"`
	Session   *gemm.SessionStats `json:"session,omitempty"`
	Alerts    []Alert            `json:"alerts"`
}

type SystemInfo struct {
	GoVersion  string `json:"go_version"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	NumCPU     int    `json:"num_cpu"`
	Goroutines int    `json:"goroutines"`
	MemorySys  string `json:"memory_sys"`
	MemoryUsed string `json:"memory_used"`
}

// Alert represents a health alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // profiler, executor, artifact, comm
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// StatsSource is anything that can summarize a profiling session.
type StatsSource interface {
	Stats() gemm.SessionStats
}

const maxAlerts = 100

type HealthMonitor struct {
	startTime time.Time
	server    *http.Server
	log       *logger.Logger

	mu      sync.RWMutex
	alerts  []Alert
	session StatsSource
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		log:       logger.Log.With("monitoring"),
	}
}

// SetSession attaches the session reported under /status. nil detaches it.
func (hm *HealthMonitor) SetSession(s StatsSource) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.session = s
}

// Handler serves the health, status, metrics and admin endpoints.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves Handler on addr until Stop. It returns http.ErrServerClosed
// after a clean shutdown.
func (hm *HealthMonitor) Start(addr string) error {
	hm.mu.Lock()
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	srv := hm.server
	hm.mu.Unlock()

	hm.log.Info("health monitor starting", "addr", addr)
	return srv.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.RLock()
	srv := hm.server
	hm.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}

	hm.log.Warn("alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// RecordProfileFailure raises an error alert for a shape that could not be
// profiled.
func (hm *HealthMonitor) RecordProfileFailure(shape string, err error) {
	hm.AddAlert("error", "profiler", shape+": "+err.Error())
}

// RecordValidationFailure raises a critical alert for non-finite executor
// output.
func (hm *HealthMonitor) RecordValidationFailure(shape string, err error) {
	hm.AddAlert("critical", "executor", shape+": "+err.Error())
}

// HTTP handlers

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health. An unresolved critical alert makes
// the process critical; an unresolved error alert makes it degraded.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	hs := HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime).Round(time.Second).String(),
		System:    systemInfo(),
		Alerts:    alerts,
	}
	if hm.session != nil {
		st := hm.session.Stats()
		hs.Session = &st
	}
	return hs
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		NumCPU:     runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		MemorySys:  humanize.IBytes(m.Sys),
		MemoryUsed: humanize.IBytes(m.Alloc),
	}
}
