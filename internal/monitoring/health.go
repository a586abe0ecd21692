package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-qlinear/internal/device"
	"github.com/23skdu/longbow-qlinear/internal/logger"
)

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Devices   []DeviceInfo  `json:"devices"`
	Compile   CompileInfo   `json:"compile"`
	Alerts    []Alert       `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string   `json:"go_version"`
	OS           string   `json:"os"`
	Arch         string   `json:"arch"`
	NumCPU       int      `json:"num_cpu"`
	Features     []string `json:"features"`
	MemoryMB     int      `json:"memory_mb"`
	MemoryUsedMB int      `json:"memory_used_mb"`
}

type DeviceInfo struct {
	Name       string  `json:"name"`
	BytesUsed  int64   `json:"bytes_used"`
	BytesLimit int64   `json:"bytes_limit"`
	Buffers    int     `json:"buffers"`
	UsagePct   float64 `json:"usage_pct"`
}

type CompileInfo struct {
	CachedExecutables int           `json:"cached_executables"`
	Executions        int           `json:"executions"`
	LastExecution     time.Time     `json:"last_execution"`
	AvgLatency        time.Duration `json:"avg_latency"`
}

// Alert represents a system alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // device, kernel, system
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type cacheReporter interface {
	CachedExecutables() int
}

// HealthMonitor reports the health of a device client over HTTP.
type HealthMonitor struct {
	client  device.Client
	version string
	log     *logger.Logger

	startTime time.Time
	server    *http.Server

	mu            sync.RWMutex
	alerts        []Alert
	executions    int
	totalLatency  time.Duration
	lastExecution time.Time
}

func NewHealthMonitor(client device.Client, version string) *HealthMonitor {
	return &HealthMonitor{
		client:    client,
		version:   version,
		log:       logger.Log.With("health"),
		startTime: time.Now(),
		alerts:    make([]Alert, 0),
	}
}

// Handler serves /health, /healthz, /status, /metrics and the alert admin endpoints.
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

// Start serves Handler on addr until Stop.
func (hm *HealthMonitor) Start(addr string) error {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.log.Info("health monitor starting", "addr", addr)
	return hm.server.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordExecution notes one device execution and raises a kernel alert when it is slow.
func (hm *HealthMonitor) RecordExecution(duration time.Duration) {
	hm.mu.Lock()
	hm.executions++
	hm.totalLatency += duration
	hm.lastExecution = time.Now()
	hm.mu.Unlock()

	if duration > time.Second {
		hm.AddAlert("warning", "kernel", fmt.Sprintf("Slow execution: %.2f ms", float64(duration.Nanoseconds())/1e6))
	}
}

// AddAlert records an alert unless an identical one is still unresolved.
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	for _, a := range hm.alerts {
		if !a.Resolved && a.Component == component && a.Message == message {
			return
		}
	}
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	// Keep only last 100 alerts
	if len(hm.alerts) > 100 {
		hm.alerts = hm.alerts[1:]
	}
	hm.log.Warn("alert", "level", level, "component", component, "message", message)
}

// activeLocked reports an unresolved alert for component whose message starts with prefix.
func (hm *HealthMonitor) activeLocked(component, prefix string) bool {
	for _, a := range hm.alerts {
		if !a.Resolved && a.Component == component && strings.HasPrefix(a.Message, prefix) {
			return true
		}
	}
	return false
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

// HTTP Handlers

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

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health. Device memory above 90% of its limit
// raises a warning; unresolved error alerts degrade the status.
func (hm *HealthMonitor) Status() HealthStatus {
	devices := hm.deviceInfo()
	for _, d := range devices {
		if d.BytesLimit <= 0 || d.UsagePct <= 90 {
			continue
		}
		prefix := fmt.Sprintf("High memory usage on %s:", d.Name)
		hm.mu.RLock()
		active := hm.activeLocked("device", prefix)
		hm.mu.RUnlock()
		if !active {
			hm.AddAlert("warning", "device", fmt.Sprintf("%s %.1f%%", prefix, d.UsagePct))
		}
	}

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

	compile := CompileInfo{Executions: hm.executions, LastExecution: hm.lastExecution}
	if hm.executions > 0 {
		compile.AvgLatency = hm.totalLatency / time.Duration(hm.executions)
	}
	if cr, ok := hm.client.(cacheReporter); ok {
		compile.CachedExecutables = cr.CachedExecutables()
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Version:   hm.version,
		Uptime:    time.Since(hm.startTime),
		System:    systemInfo(),
		Devices:   devices,
		Compile:   compile,
		Alerts:    append([]Alert(nil), hm.alerts...),
	}
}

func (hm *HealthMonitor) deviceInfo() []DeviceInfo {
	if hm.client == nil {
		return nil
	}
	var out []DeviceInfo
	for _, loc := range hm.client.Devices() {
		info, err := hm.client.MemoryInfo(loc)
		if err != nil {
			hm.log.Warn("memory info", "device", loc.String(), "error", err)
			continue
		}
		d := DeviceInfo{
			Name:       loc.String(),
			BytesUsed:  info.BytesUsed,
			BytesLimit: info.BytesLimit,
			Buffers:    info.Buffers,
		}
		if info.BytesLimit > 0 {
			d.UsagePct = float64(info.BytesUsed) / float64(info.BytesLimit) * 100
		}
		out = append(out, d)
	}
	return out
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		Features:     device.HostFeatures(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}
