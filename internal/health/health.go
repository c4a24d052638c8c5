// Package health scores per-satellite subsystem health from observed
// telemetry, heartbeat age, and aggregator trends, and broadcasts overall
// status changes. Health records live only in process memory; alarms are
// the durable trace of anything that went wrong.
package health

import (
	"time"
)

// Status is one health level, ordered from best to worst.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// worse orders statuses for the overall reduction.
func worse(a, b Status) Status {
	rank := map[Status]int{
		StatusHealthy:  0,
		StatusUnknown:  0, // unknown is handled by count, not severity
		StatusDegraded: 1,
		StatusWarning:  2,
		StatusCritical: 3,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Subsystems every satellite is scored on.
var subsystemNames = []string{
	"power", "thermal", "attitude", "communication", "payload", "onboard_computer",
}

// Subsystem is one subsystem's current assessment.
type Subsystem struct {
	Status    Status             `json:"status"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	UpdatedAt time.Time          `json:"updated_at,omitzero"`
}

// Issue is one active subsystem problem.
type Issue struct {
	Subsystem string `json:"subsystem"`
	Status    Status `json:"status"`
	Message   string `json:"message"`
}

// Record is one satellite's full health picture.
type Record struct {
	SatelliteID   string                `json:"satellite_id"`
	Overall       Status                `json:"overall_status"`
	LastHeartbeat time.Time             `json:"last_heartbeat,omitzero"`
	Heartbeat     Status                `json:"heartbeat_status"`
	Subsystems    map[string]*Subsystem `json:"subsystems"`
	Issues        []Issue               `json:"issues,omitempty"`
	Trends        map[string]string     `json:"trends,omitempty"`
	UpdatedAt     time.Time             `json:"updated_at"`

	// Last state handed to report, used to detect changes and new issues.
	reportedOverall Status
	reportedIssues  []Issue
}

func newRecord(satelliteID string) *Record {
	subs := make(map[string]*Subsystem, len(subsystemNames))
	for _, name := range subsystemNames {
		subs[name] = &Subsystem{Status: StatusUnknown}
	}
	return &Record{
		SatelliteID: satelliteID,
		Overall:     StatusUnknown,
		Heartbeat:   StatusUnknown,
		Subsystems:  subs,
		Trends:      make(map[string]string),
	}
}

// clone returns a copy safe to hand outside the monitor lock.
func (r *Record) clone() *Record {
	cp := *r
	cp.Subsystems = make(map[string]*Subsystem, len(r.Subsystems))
	for name, s := range r.Subsystems {
		sc := *s
		if s.Metrics != nil {
			sc.Metrics = make(map[string]float64, len(s.Metrics))
			for k, v := range s.Metrics {
				sc.Metrics[k] = v
			}
		}
		cp.Subsystems[name] = &sc
	}
	cp.Issues = append([]Issue(nil), r.Issues...)
	cp.Trends = make(map[string]string, len(r.Trends))
	for k, v := range r.Trends {
		cp.Trends[k] = v
	}
	return &cp
}
