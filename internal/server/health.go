package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/quizmesh/quizmesh/internal/coordinator"
	"github.com/quizmesh/quizmesh/internal/hub"
)

// ComponentStatus represents the health status of a component
type ComponentStatus string

const (
	StatusOK          ComponentStatus = "ok"
	StatusError       ComponentStatus = "error"
	StatusUnavailable ComponentStatus = "unavailable"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth holds the health status of a single component
type ComponentHealth struct {
	Status ComponentStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// HealthCheckResult holds the result of a health check
type HealthCheckResult struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HealthChecker performs health checks on coach service components
type HealthChecker struct {
	db    *sql.DB
	wsHub *hub.Hub
	coord *coordinator.Coordinator
	mu    sync.RWMutex
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(db *sql.DB, wsHub *hub.Hub, coord *coordinator.Coordinator) *HealthChecker {
	return &HealthChecker{
		db:    db,
		wsHub: wsHub,
		coord: coord,
	}
}

// CheckLiveness performs a liveness check (always returns healthy if server is running)
func (hc *HealthChecker) CheckLiveness(ctx context.Context) HealthCheckResult {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return HealthCheckResult{
		Status:     HealthHealthy,
		Components: map[string]ComponentHealth{},
		Timestamp:  time.Now().UTC(),
	}
}

// CheckReadiness performs a readiness check (checks all components)
func (hc *HealthChecker) CheckReadiness(ctx context.Context) HealthCheckResult {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	components := make(map[string]ComponentHealth)
	components["database"] = hc.checkDatabase(ctx)
	components["websocket_hub"] = hc.checkHub()
	components["coordinator"] = hc.checkCoordinator()

	overallStatus := HealthHealthy
	for _, comp := range components {
		if comp.Status == StatusError {
			overallStatus = HealthUnhealthy
			break
		}
		if comp.Status == StatusUnavailable {
			overallStatus = HealthDegraded
		}
	}

	return HealthCheckResult{
		Status:     overallStatus,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentHealth {
	if hc.db == nil {
		return ComponentHealth{
			Status: StatusUnavailable,
			Error:  "database not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := hc.db.PingContext(ctx); err != nil {
		return ComponentHealth{
			Status: StatusError,
			Error:  err.Error(),
		}
	}

	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkHub() ComponentHealth {
	if hc.wsHub == nil {
		return ComponentHealth{
			Status: StatusUnavailable,
			Error:  "websocket hub not configured",
		}
	}
	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkCoordinator() ComponentHealth {
	if hc.coord == nil {
		return ComponentHealth{
			Status: StatusUnavailable,
			Error:  "coordinator not configured",
		}
	}
	return ComponentHealth{Status: StatusOK}
}
