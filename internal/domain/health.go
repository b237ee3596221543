package domain

import "time"

// HealthStatus classifies the voice provider.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// HealthRecord is one entry of the append-only provider health log.
type HealthRecord struct {
	Provider            string
	Status              HealthStatus
	ConsecutiveFailures int
	ResponseTime        time.Duration
	Error               string
	CheckedAt           time.Time
}
