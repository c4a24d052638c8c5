// Package breaker wraps outbound calls in named circuit breakers. Each
// breaker classifies failures, trips after a configured number of
// tripping failures inside a rolling window, and refreshes back to
// closed after its refresh period. Operators can melt (force open) and
// reset breakers at runtime.
package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/bus"
	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/metrics"
)

// Topic carries breaker lifecycle events on the bus.
const Topic = "breakers:events"

// Policy selects what a blocked call returns while the breaker is open.
type Policy string

const (
	// PolicyError surfaces a circuit_open error.
	PolicyError Policy = "error"
	// PolicySkip silently returns a nil result.
	PolicySkip Policy = "skip"
	// PolicyCachedOrError returns the last successful result if one
	// exists, otherwise a circuit_open error.
	PolicyCachedOrError Policy = "cached_or_error"
)

// Config tunes one named breaker.
type Config struct {
	WindowFailures int
	Window         time.Duration
	Refresh        time.Duration
	Fallback       Policy
}

// DefaultConfig applies to breakers that were never registered.
func DefaultConfig() Config {
	return Config{
		WindowFailures: 5,
		Window:         time.Minute,
		Refresh:        30 * time.Second,
		Fallback:       PolicyError,
	}
}

// Status is the operator-facing view of one breaker.
type Status struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Melted              bool   `json:"melted"`
	Requests            uint32 `json:"requests"`
	TotalSuccesses      uint32 `json:"total_successes"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	WindowFailures      int    `json:"window_failures"`
	WindowMS            int64  `json:"window_ms"`
	RefreshMS           int64  `json:"refresh_ms"`
	Fallback            Policy `json:"fallback"`
}

type entry struct {
	name   string
	cfg    Config
	cb     *gobreaker.CircuitBreaker
	melted bool
	cached any
	warm   bool
}

// Registry owns all named breakers.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	bus     *bus.Bus
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewRegistry builds an empty registry; breakers materialize on first
// Register or Do.
func NewRegistry(b *bus.Bus, log *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		bus:     b,
		log:     log.Named("breakers"),
		metrics: m,
	}
}

// Register creates or reconfigures a named breaker. Reconfiguring resets
// its state to closed.
func (r *Registry) Register(name string, cfg Config) {
	if cfg.WindowFailures <= 0 {
		cfg.WindowFailures = DefaultConfig().WindowFailures
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = DefaultConfig().Refresh
	}
	if cfg.Fallback == "" {
		cfg.Fallback = PolicyError
	}
	r.mu.Lock()
	r.entries[name] = &entry{name: name, cfg: cfg, cb: r.newBreaker(name, cfg)}
	r.mu.Unlock()
	r.metrics.BreakerState.WithLabelValues(name).Set(0)
}

func (r *Registry) newBreaker(name string, cfg Config) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: cfg.Window,
		Timeout:  cfg.Refresh,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= uint32(cfg.WindowFailures)
		},
		// Only tripping failure classes count against the window; a
		// not_found from a healthy service is not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || !faults.Trips(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
			r.log.Warn("breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			r.bus.Publish(Topic, "state_change", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
}

func (r *Registry) ensure(name string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		cfg := DefaultConfig()
		e = &entry{name: name, cfg: cfg, cb: r.newBreaker(name, cfg)}
		r.entries[name] = e
	}
	return e
}

// Do runs fn behind the named breaker. While the breaker is open or
// melted, fn never runs and the breaker's fallback policy decides the
// result.
func (r *Registry) Do(name string, fn func() (any, error)) (any, error) {
	e := r.ensure(name)

	r.mu.Lock()
	melted := e.melted
	cb := e.cb
	r.mu.Unlock()
	if melted {
		return r.blocked(e)
	}

	res, err := cb.Execute(fn)
	switch err {
	case nil:
		r.mu.Lock()
		e.cached = res
		e.warm = true
		r.mu.Unlock()
		r.metrics.BreakerCalls.WithLabelValues(name, "success").Inc()
		r.bus.Publish(Topic, "call", map[string]any{"breaker": name, "outcome": "success"})
		return res, nil
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return r.blocked(e)
	default:
		r.metrics.BreakerCalls.WithLabelValues(name, "failure").Inc()
		r.bus.Publish(Topic, "call", map[string]any{
			"breaker": name,
			"outcome": "failure",
			"kind":    faults.Kind(err),
		})
		return res, err
	}
}

// blocked applies the fallback policy for a call that never ran.
func (r *Registry) blocked(e *entry) (any, error) {
	r.metrics.BreakerCalls.WithLabelValues(e.name, "blocked").Inc()
	r.bus.Publish(Topic, "blocked", map[string]any{"breaker": e.name, "fallback": string(e.cfg.Fallback)})

	switch e.cfg.Fallback {
	case PolicySkip:
		return nil, nil
	case PolicyCachedOrError:
		r.mu.Lock()
		cached, warm := e.cached, e.warm
		r.mu.Unlock()
		if warm {
			return cached, nil
		}
	}
	return nil, faults.CircuitOpen.New("breaker %s is open", e.name)
}

// Melt forces the named breaker open until Reset.
func (r *Registry) Melt(name string) {
	e := r.ensure(name)
	r.mu.Lock()
	e.melted = true
	r.mu.Unlock()

	r.metrics.BreakerState.WithLabelValues(name).Set(stateValue(gobreaker.StateOpen))
	r.log.Warn("breaker melted", zap.String("breaker", name))
	r.bus.Publish(Topic, "melt", map[string]any{"breaker": name})
}

// Reset returns the named breaker to a fresh closed state and clears any
// melt.
func (r *Registry) Reset(name string) {
	e := r.ensure(name)
	r.mu.Lock()
	e.melted = false
	e.cb = r.newBreaker(name, e.cfg)
	r.mu.Unlock()

	r.metrics.BreakerState.WithLabelValues(name).Set(stateValue(gobreaker.StateClosed))
	r.log.Info("breaker reset", zap.String("breaker", name))
	r.bus.Publish(Topic, "reset", map[string]any{"breaker": name})
}

// Status reports one breaker.
func (r *Registry) Status(name string) (Status, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return Status{}, faults.NotFound.New("breaker %s not found", name)
	}
	return r.status(e), nil
}

// StatusAll reports every known breaker sorted by name.
func (r *Registry) StatusAll() []Status {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, r.status(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) status(e *entry) Status {
	r.mu.Lock()
	melted := e.melted
	cb := e.cb
	cfg := e.cfg
	r.mu.Unlock()

	state := cb.State().String()
	if melted {
		state = gobreaker.StateOpen.String()
	}
	counts := cb.Counts()
	return Status{
		Name:                e.name,
		State:               state,
		Melted:              melted,
		Requests:            counts.Requests,
		TotalSuccesses:      counts.TotalSuccesses,
		TotalFailures:       counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		WindowFailures:      cfg.WindowFailures,
		WindowMS:            cfg.Window.Milliseconds(),
		RefreshMS:           cfg.Refresh.Milliseconds(),
		Fallback:            cfg.Fallback,
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
