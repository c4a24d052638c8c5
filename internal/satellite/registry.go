package satellite

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/metrics"
)

// AlarmRaiser is the slice of the alarm service the registry needs when an
// actor exhausts its restart budget.
type AlarmRaiser interface {
	RaiseAlarm(ctx context.Context, typ, severity, message, source string, details map[string]any)
}

// RegistryConfig bounds the supervisor's restart behavior.
type RegistryConfig struct {
	// RestartLimit crashes within RestartWindow mark the actor down.
	RestartLimit  int
	RestartWindow time.Duration
}

// DefaultRegistryConfig allows 3 crashes per 10 seconds, matching the
// supervisor policy the rest of the system is tested against.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{RestartLimit: 3, RestartWindow: 10 * time.Second}
}

type entry struct {
	actor   *Actor
	crashes []time.Time
	down    bool
}

// Registry maps satellite ids to live actors and supervises them. One
// crashed actor never affects another; each gets restarted with default
// state until it exceeds the restart rate, at which point it is marked
// down and an alarm is raised.
type Registry struct {
	mu     sync.RWMutex
	actors map[string]*entry

	cfg     RegistryConfig
	log     *zap.Logger
	metrics *metrics.Metrics
	alarms  AlarmRaiser

	now func() time.Time
}

// NewRegistry creates an empty registry. alarms may be nil in tests that do
// not exercise the restart limit.
func NewRegistry(log *zap.Logger, m *metrics.Metrics, alarms AlarmRaiser, cfg RegistryConfig) *Registry {
	if cfg.RestartLimit <= 0 {
		cfg = DefaultRegistryConfig()
	}
	return &Registry{
		actors:  make(map[string]*entry),
		cfg:     cfg,
		log:     log.Named("registry"),
		metrics: m,
		alarms:  alarms,
		now:     time.Now,
	}
}

// Start launches an actor for the given initial state. If an actor for the
// id is already running, the existing handle is returned.
func (r *Registry) Start(initial *Satellite) (*Actor, error) {
	if initial == nil || initial.ID == "" {
		return nil, faults.Validation.New("satellite id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.actors[initial.ID]; ok && !e.down {
		return e.actor, nil
	}

	a := newActor(initial)
	e := &entry{actor: a}
	r.actors[initial.ID] = e

	go r.supervise(e)
	r.log.Info("actor started", zap.String("satellite_id", initial.ID))
	return a, nil
}

// supervise runs the actor loop, restarting after crashes until the rate
// limit is hit or the actor is stopped cleanly.
func (r *Registry) supervise(e *entry) {
	a := e.actor
	for {
		cause := a.run()
		if cause == nil {
			return // clean stop; Stop already deregistered us
		}

		r.log.Error("actor crashed",
			zap.String("satellite_id", a.id),
			zap.Any("cause", cause))
		r.metrics.ActorRestarts.Inc()

		if !r.recordCrash(e) {
			r.markDown(a)
			return
		}

		// Restart with default state; in-memory command progress is gone.
		a.resetState(Defaults(a.id, a.name))
		r.log.Info("actor restarted", zap.String("satellite_id", a.id))
	}
}

// recordCrash notes a crash time and reports whether another restart is
// allowed within the configured window.
func (r *Registry) recordCrash(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.cfg.RestartWindow)
	kept := e.crashes[:0]
	for _, t := range e.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.crashes = append(kept, now)
	return len(e.crashes) <= r.cfg.RestartLimit
}

func (r *Registry) markDown(a *Actor) {
	r.mu.Lock()
	if e, ok := r.actors[a.id]; ok {
		e.down = true
	}
	r.mu.Unlock()
	a.closeStopped()

	r.log.Error("actor exceeded restart limit, leaving down",
		zap.String("satellite_id", a.id),
		zap.Int("limit", r.cfg.RestartLimit),
		zap.Duration("window", r.cfg.RestartWindow))

	if r.alarms != nil {
		r.alarms.RaiseAlarm(context.Background(),
			"actor_restart_limit", "critical",
			"satellite actor "+a.id+" exceeded its restart limit and was left down",
			"satellite_registry",
			map[string]any{"satellite_id": a.id, "restart_limit": r.cfg.RestartLimit})
	}
}

// Stop terminates the actor for id and deregisters it. Returns false when
// no actor was running.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	e, ok := r.actors[id]
	if ok {
		delete(r.actors, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	close(e.actor.quit)
	e.actor.closeStopped()
	r.log.Info("actor stopped", zap.String("satellite_id", id))
	return true
}

// Restart stops the actor for id and starts a fresh one with default state,
// preserving only the satellite's identity. Used by the reboot command.
func (r *Registry) Restart(ctx context.Context, id string) (*Actor, error) {
	r.mu.RLock()
	e, ok := r.actors[id]
	r.mu.RUnlock()
	if !ok {
		return nil, faults.NotFound.New("satellite %s is not running", id)
	}

	name := e.actor.name
	r.Stop(id)
	return r.Start(Defaults(id, name))
}

// Lookup returns the actor handle for id if it is registered and not down.
func (r *Registry) Lookup(id string) (*Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.actors[id]
	if !ok || e.down {
		return nil, false
	}
	return e.actor, true
}

// Alive reports whether an actor for id is registered and serving requests.
func (r *Registry) Alive(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// IDs returns the registered satellite ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.actors))
	for id, e := range r.actors {
		if !e.down {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of live actors.
func (r *Registry) Count() int {
	return len(r.IDs())
}

// States snapshots every live actor's state. Actors that fail to answer
// within the context deadline are skipped.
func (r *Registry) States(ctx context.Context) []Satellite {
	ids := r.IDs()
	out := make([]Satellite, 0, len(ids))
	for _, id := range ids {
		a, ok := r.Lookup(id)
		if !ok {
			continue
		}
		st, err := a.State(ctx)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

// Close stops every actor. Used at daemon shutdown.
func (r *Registry) Close() {
	for _, id := range r.IDs() {
		r.Stop(id)
	}
}
