package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus reports database connectivity and pool statistics.
type HealthStatus struct {
	Reachable    bool   `json:"reachable"`
	LatencyMs    int64  `json:"latency_ms"`
	OpenConns    int    `json:"open_conns"`
	InUse        int    `json:"in_use"`
	Idle         int    `json:"idle"`
	ErrorMessage string `json:"error,omitempty"`
}

// Health pings the database and returns connectivity plus pool stats.
func Health(ctx context.Context, db *sql.DB) (HealthStatus, error) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start).Milliseconds()

	stats := db.Stats()
	status := HealthStatus{
		Reachable: err == nil,
		LatencyMs: latency,
		OpenConns: stats.OpenConnections,
		InUse:     stats.InUse,
		Idle:      stats.Idle,
	}
	if err != nil {
		status.ErrorMessage = err.Error()
		return status, err
	}
	return status, nil
}
