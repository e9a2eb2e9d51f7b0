package health

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type ComponentStatus struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

type RuntimeStats struct {
	Goroutines    int    `json:"goroutines"`
	MemoryAllocMB uint64 `json:"memory_alloc_mb"`
	MemorySysMB   uint64 `json:"memory_sys_mb"`
	NumGC         uint32 `json:"num_gc"`
}

type HealthResponse struct {
	Status        Status                     `json:"status"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Runtime       RuntimeStats               `json:"runtime"`
	Components    map[string]ComponentStatus `json:"components"`
}

type Models interface {
	Ready() bool
}

type Camera interface {
	Running() bool
}

type Stream interface {
	Connected() bool
}

type Handler struct {
	models    Models
	camera    Camera
	stream    Stream
	redis     *redis.Client
	version   string
	startTime time.Time
}

// NewHandler builds the health endpoints. redis may be nil when no preview
// store is configured.
func NewHandler(models Models, camera Camera, stream Stream, redisClient *redis.Client, version string) *Handler {
	return &Handler{
		models:    models,
		camera:    camera,
		stream:    stream,
		redis:     redisClient,
		version:   version,
		startTime: time.Now(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Liveness)
	e.GET("/health/ready", h.Readiness)
}

func (h *Handler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *Handler) Readiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := map[string]func(context.Context) ComponentStatus{
		"models": h.checkModels,
		"camera": h.checkCamera,
		"stream": h.checkStream,
	}
	if h.redis != nil {
		checks["redis"] = h.checkRedis
	}

	components := make(map[string]ComponentStatus, len(checks))
	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(len(checks))
	for name, check := range checks {
		go func(name string, fn func(context.Context) ComponentStatus) {
			defer wg.Done()
			status := fn(ctx)
			mu.Lock()
			components[name] = status
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	overallStatus := computeOverallStatus(components)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := HealthResponse{
		Status:        overallStatus,
		Timestamp:     time.Now().UTC(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Runtime: RuntimeStats{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: memStats.Alloc / 1024 / 1024,
			MemorySysMB:   memStats.Sys / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Components: components,
	}

	statusCode := http.StatusOK
	if overallStatus == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, resp)
}

func (h *Handler) checkModels(_ context.Context) ComponentStatus {
	if !h.models.Ready() {
		return ComponentStatus{Status: StatusUnhealthy, Error: "models not loaded"}
	}
	return ComponentStatus{Status: StatusHealthy}
}

func (h *Handler) checkCamera(_ context.Context) ComponentStatus {
	if h.camera.Running() {
		return ComponentStatus{Status: StatusHealthy, Detail: "running"}
	}
	return ComponentStatus{Status: StatusHealthy, Detail: "idle"}
}

func (h *Handler) checkStream(_ context.Context) ComponentStatus {
	if !h.stream.Connected() {
		return ComponentStatus{Status: StatusDegraded, Error: "not connected"}
	}
	return ComponentStatus{Status: StatusHealthy}
}

func (h *Handler) checkRedis(ctx context.Context) ComponentStatus {
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return ComponentStatus{
			Status:    StatusDegraded,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "ping failed",
		}
	}

	return ComponentStatus{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

func computeOverallStatus(components map[string]ComponentStatus) Status {
	if status, ok := components["models"]; ok && status.Status == StatusUnhealthy {
		return StatusUnhealthy
	}

	for _, status := range components {
		if status.Status != StatusHealthy {
			return StatusDegraded
		}
	}
	return StatusHealthy
}
