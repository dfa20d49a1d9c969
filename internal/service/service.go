// Package service defines the lifecycle contract shared by the long-lived
// actors of the engine.
package service

import (
	"context"
	"time"
)

// Status of a service.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDegraded Status = "degraded"
	StatusStopped  Status = "stopped"
)

// Health is a point-in-time health report.
type Health struct {
	Healthy bool              `json:"healthy"`
	Details map[string]string `json:"details,omitempty"`
}

// Info describes a running service.
type Info struct {
	Name      string                 `json:"name"`
	StartedAt time.Time              `json:"started_at"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// Service is implemented by every long-lived actor.
type Service interface {
	Start(ctx context.Context) error
	Stop()
	Status() Status
	Health() Health
	Info() Info
}
