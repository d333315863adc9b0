// Package adminapi defines the contract-only integration surface for the
// Crank's operational control plane (§1: "HTTP admin/metrics surface... out
// of scope, specified only as integration contracts"). It does not stand up
// an HTTP server or any transport; callers (an external HTTP/RPC layer) wire
// these types and the constant-time secret comparator themselves.
package adminapi

import (
	"crypto/subtle"

	"github.com/confidex/crank/internal/crank"
	"github.com/confidex/crank/internal/metrics"
)

// Command enumerates the operator actions the Crank Service accepts.
type Command string

const (
	CommandStart          Command = "start"
	CommandStop           Command = "stop"
	CommandPause          Command = "pause"
	CommandResume         Command = "resume"
	CommandSkipPendingMpc Command = "skip-pending-mpc"
)

// StatusResponse is the contract shape of the status endpoint.
type StatusResponse struct {
	State   crank.State       `json:"state"`
	Metrics metrics.Snapshot  `json:"metrics"`
}

// HealthStatus mirrors §7's aggregated health reporting.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// SubsystemHealth is one subsystem's contribution to the aggregate health
// report (§7: "subsystem statuses are separately reported").
type SubsystemHealth struct {
	Name          string       `json:"name"`
	Status        HealthStatus `json:"status"`
	LastErrorAt   string       `json:"lastErrorAt,omitempty"`
	LatencyMs     int64        `json:"latencyMs"`
}

// HealthResponse is the contract shape of the health endpoint.
type HealthResponse struct {
	Overall    HealthStatus      `json:"overall"`
	Subsystems []SubsystemHealth `json:"subsystems"`
}

// AggregateHealth rolls up subsystem statuses into one overall verdict: any
// unhealthy subsystem makes the whole unhealthy; any degraded subsystem (with
// no unhealthy ones) makes it degraded; otherwise healthy.
func AggregateHealth(subsystems []SubsystemHealth) HealthStatus {
	sawDegraded := false
	for _, s := range subsystems {
		switch s.Status {
		case HealthUnhealthy:
			return HealthUnhealthy
		case HealthDegraded:
			sawDegraded = true
		}
	}
	if sawDegraded {
		return HealthDegraded
	}
	return HealthHealthy
}

// CheckAdminKey compares the supplied key against the configured secret in
// constant time, so timing does not leak how many leading bytes matched.
func CheckAdminKey(configured, supplied string) bool {
	if len(configured) != len(supplied) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(supplied)) == 1
}
