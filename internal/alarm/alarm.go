// Package alarm manages the persistent alarm lifecycle: raise, acknowledge,
// resolve. Every transition is written to the durable store and broadcast
// on the bus topics alarms:all and alarms:<source>.
package alarm

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/bus"
	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/metrics"
)

// Severity orders operator attention. The five levels map onto the wire
// as lowercase strings.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a severity string.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityMinor, SeverityMajor, SeverityCritical:
		return Severity(s), nil
	default:
		return "", faults.Validation.New("unknown severity %q", s)
	}
}

// Status is an alarm's lifecycle state.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Alarm is one persistent operational issue.
type Alarm struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Source   string         `json:"source"`
	Details  map[string]any `json:"details,omitempty"`
	Status   Status         `json:"status"`

	RaisedAt       time.Time  `json:"raised_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
}

// Params describes a new alarm to raise.
type Params struct {
	Type     string
	Severity Severity
	Message  string
	Source   string
	Details  map[string]any
}

// Store is the slice of the durable store the alarm service needs.
type Store interface {
	InsertAlarm(ctx context.Context, a *Alarm) error
	UpdateAlarm(ctx context.Context, a *Alarm) error
	Alarm(ctx context.Context, id string) (*Alarm, error)
	ActiveAlarms(ctx context.Context) ([]*Alarm, error)
}

// Summary counts active alarms by severity for topic join snapshots.
type Summary struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"by_severity"`
}

// Service raises and transitions alarms.
type Service struct {
	store   Store
	bus     *bus.Bus
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService wires the alarm service to its store and the bus.
func NewService(store Store, b *bus.Bus, log *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		bus:     b,
		log:     log.Named("alarms"),
		metrics: m,
		now:     time.Now,
	}
}

// Raise persists a new active alarm and broadcasts alarm_raised.
func (s *Service) Raise(ctx context.Context, p Params) (*Alarm, error) {
	if p.Type == "" {
		return nil, faults.Validation.New("alarm type must not be empty")
	}
	if _, err := ParseSeverity(string(p.Severity)); err != nil {
		return nil, err
	}

	a := &Alarm{
		ID:       uuid.NewString(),
		Type:     p.Type,
		Severity: p.Severity,
		Message:  p.Message,
		Source:   p.Source,
		Details:  p.Details,
		Status:   StatusActive,
		RaisedAt: s.now().UTC(),
	}
	if err := s.store.InsertAlarm(ctx, a); err != nil {
		return nil, err
	}

	s.metrics.AlarmsRaised.WithLabelValues(string(a.Severity)).Inc()
	s.log.Warn("alarm raised",
		zap.String("alarm_id", a.ID),
		zap.String("type", a.Type),
		zap.String("severity", string(a.Severity)),
		zap.String("source", a.Source))
	s.broadcast("alarm_raised", a)
	return a, nil
}

// RaiseAlarm is the fire-and-forget form used by subsystems that cannot do
// anything useful with a raise failure beyond logging it.
func (s *Service) RaiseAlarm(ctx context.Context, typ, severity, message, source string, details map[string]any) {
	_, err := s.Raise(ctx, Params{
		Type:     typ,
		Severity: Severity(severity),
		Message:  message,
		Source:   source,
		Details:  details,
	})
	if err != nil {
		s.log.Error("alarm raise failed", zap.String("type", typ), zap.Error(err))
	}
}

// Acknowledge marks an active alarm as seen by the given actor. The actor
// id is required.
func (s *Service) Acknowledge(ctx context.Context, id, actor string) (*Alarm, error) {
	if actor == "" {
		return nil, faults.Validation.New("acknowledging actor must not be empty")
	}

	a, err := s.store.Alarm(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusActive {
		return nil, faults.InvalidStatus.New("alarm %s is %s, not active", id, a.Status)
	}

	now := s.now().UTC()
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = actor
	if err := s.store.UpdateAlarm(ctx, a); err != nil {
		return nil, err
	}

	s.broadcast("alarm_acknowledged", a)
	return a, nil
}

// Resolve closes an alarm. Resolved alarms accept no further updates.
func (s *Service) Resolve(ctx context.Context, id, actor string) (*Alarm, error) {
	a, err := s.store.Alarm(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusResolved {
		return nil, faults.InvalidStatus.New("alarm %s is already resolved", id)
	}

	now := s.now().UTC()
	a.Status = StatusResolved
	a.ResolvedAt = &now
	a.ResolvedBy = actor
	if err := s.store.UpdateAlarm(ctx, a); err != nil {
		return nil, err
	}

	s.broadcast("alarm_resolved", a)
	return a, nil
}

// Active lists alarms that are not resolved, newest first.
func (s *Service) Active(ctx context.Context) ([]*Alarm, error) {
	return s.store.ActiveAlarms(ctx)
}

// Summarize counts active alarms by severity.
func (s *Service) Summarize(ctx context.Context) (Summary, error) {
	active, err := s.store.ActiveAlarms(ctx)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Total: len(active), BySeverity: make(map[string]int)}
	for _, a := range active {
		sum.BySeverity[string(a.Severity)]++
	}
	return sum, nil
}

func (s *Service) broadcast(event string, a *Alarm) {
	s.bus.Publish("alarms:all", event, a)
	if a.Source != "" {
		s.bus.Publish("alarms:"+a.Source, event, a)
	}
}
