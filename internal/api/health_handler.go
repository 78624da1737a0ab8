package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/busybox42/outbound/internal/metrics"
	"github.com/busybox42/outbound/internal/store"
)

// HealthStats represents engine health statistics
type HealthStats struct {
	Status          string         `json:"status"`
	Uptime          int64          `json:"uptime"`           // seconds
	UptimeFormatted string         `json:"uptime_formatted"` // human readable
	StartedAt       time.Time      `json:"started_at"`
	GoVersion       string         `json:"go_version"`
	NumGoroutines   int            `json:"num_goroutines"`
	Memory          MemoryStats    `json:"memory"`
	Queue           QueueHealth    `json:"queue"`
	Pool            PoolHealth     `json:"pool"`
	Throughput      ThroughputInfo `json:"throughput"`
	Version         string         `json:"version"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	AllocMB   float64 `json:"alloc_mb"`
	SysMB     float64 `json:"sys_mb"`
	HeapInuse uint64  `json:"heap_inuse"`
	NumGC     uint32  `json:"num_gc"`
}

// QueueHealth represents queue health information
type QueueHealth struct {
	store.QueueStats
	ProcessorActive bool   `json:"processor_active"`
	Error           string `json:"error,omitempty"`
}

// PoolHealth summarizes the connection pool
type PoolHealth struct {
	Destinations       int `json:"destinations"`
	Idle               int `json:"idle"`
	InUse              int `json:"in_use"`
	Dialing            int `json:"dialing"`
	AttemptsInFlight   int `json:"attempts_in_flight"`
	MaxConnectAttempts int `json:"max_connect_attempts"`
}

// ThroughputInfo represents throughput statistics
type ThroughputInfo struct {
	MessagesPerMinute float64 `json:"messages_per_minute"`
	MessagesPerHour   float64 `json:"messages_per_hour"`
	TotalProcessed    int64   `json:"total_processed"`
}

// DeliveryStats represents persisted delivery statistics
type DeliveryStats struct {
	metrics.DeliveryMetrics
	SuccessRate  float64               `json:"success_rate"`
	ByHour       []metrics.HourlyStats `json:"by_hour"`
	RecentErrors []metrics.RecentError `json:"recent_errors"`
}

// handleHealth reports whether the process is up
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Queue.Stats(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
		return
	}
	writeJSON(w, map[string]string{"status": "healthy"})
}

// handleHealthStats returns engine health statistics
func (s *Server) handleHealthStats(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	uptime := time.Since(s.startedAt)

	health := HealthStats{
		Status:          "healthy",
		Uptime:          int64(uptime.Seconds()),
		UptimeFormatted: formatDuration(uptime),
		StartedAt:       s.startedAt,
		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		Memory: MemoryStats{
			AllocMB:   float64(memStats.Alloc) / 1024 / 1024,
			SysMB:     float64(memStats.Sys) / 1024 / 1024,
			HeapInuse: memStats.HeapInuse,
			NumGC:     memStats.NumGC,
		},
		Version: s.Version,
	}

	qs, err := s.Queue.Stats(r.Context())
	if err != nil {
		health.Status = "degraded"
		health.Queue.Error = err.Error()
	} else {
		health.Queue.QueueStats = qs
	}

	if s.Processor != nil {
		processed := s.Processor.Processed()
		health.Queue.ProcessorActive = s.Processor.Running()
		health.Throughput = ThroughputInfo{
			MessagesPerMinute: calculateRate(processed, uptime, time.Minute),
			MessagesPerHour:   calculateRate(processed, uptime, time.Hour),
			TotalProcessed:    processed,
		}
	}

	if s.Pool != nil {
		ps := s.Pool.Stats()
		health.Pool = PoolHealth{
			Destinations:       len(ps.Destinations),
			AttemptsInFlight:   ps.AttemptsInFlight,
			MaxConnectAttempts: ps.MaxConnectAttempts,
		}
		for _, d := range ps.Destinations {
			health.Pool.Idle += d.Idle
			health.Pool.InUse += d.InUse
			health.Pool.Dialing += d.Dialing
		}
	}

	writeJSON(w, health)
}

// handleDeliveryStats returns the persisted delivery counters
func (s *Server) handleDeliveryStats(w http.ResponseWriter, r *http.Request) {
	if s.Metrics == nil {
		http.Error(w, "delivery metrics store not configured", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()

	m, err := s.Metrics.GetMetrics(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	byHour, err := s.Metrics.GetHourlyStats(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	recent, err := s.Metrics.GetRecentErrors(ctx, 20)
	if err != nil {
		writeError(w, err)
		return
	}

	stats := DeliveryStats{
		DeliveryMetrics: *m,
		ByHour:          byHour,
		RecentErrors:    recent,
	}
	if done := m.TotalDelivered + m.TotalFailed; done > 0 {
		stats.SuccessRate = float64(m.TotalDelivered) / float64(done) * 100
	}
	writeJSON(w, stats)
}

// formatDuration formats a duration as human readable
func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

// calculateRate calculates a rate per period
func calculateRate(total int64, elapsed time.Duration, period time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(total) / elapsed.Seconds() * period.Seconds()
}
