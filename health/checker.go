// Package health probes broker liveness: a Redis round trip plus process
// uptime, shaped for a health endpoint to serialize as-is.
package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reported status values.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Status is one probe result. Uptime is in seconds.
type Status struct {
	Status string  `json:"status"`
	Redis  bool    `json:"redis"`
	Uptime float64 `json:"uptime"`
}

// Checker probes the durable store the broker depends on.
type Checker struct {
	client    *redis.Client
	startedAt time.Time
}

// NewChecker builds a Checker; uptime counts from this call.
func NewChecker(client *redis.Client) *Checker {
	return &Checker{client: client, startedAt: time.Now()}
}

// Check pings Redis. It never returns an error; a failed ping is an
// unhealthy status.
func (c *Checker) Check(ctx context.Context) Status {
	s := Status{
		Status: StatusUnhealthy,
		Uptime: time.Since(c.startedAt).Seconds(),
	}
	if err := c.client.Ping(ctx).Err(); err == nil {
		s.Redis = true
		s.Status = StatusHealthy
	}
	return s
}
