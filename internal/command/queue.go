package command

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/bus"
	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/metrics"
)

// Store is the slice of the durable store the queue needs. Every status
// change is persisted through it before callers observe the transition.
type Store interface {
	InsertCommand(ctx context.Context, c *Command) error
	UpdateCommand(ctx context.Context, c *Command) error
	Command(ctx context.Context, id string) (*Command, error)
	OpenCommands(ctx context.Context) ([]*Command, error)
	CommandHistory(ctx context.Context, satelliteID string, limit int) ([]*Command, error)
}

// QueueConfig carries the queue's tunables.
type QueueConfig struct {
	DefaultTimeout time.Duration
	MaxRetries     int
	TickInterval   time.Duration
}

// EnqueueOptions are the optional knobs on a new command.
type EnqueueOptions struct {
	Priority    int        // <= 0 means PriorityNormal
	ScheduledAt *time.Time // earliest dispatch time; nil means immediately
	Timeout     time.Duration
}

// Snapshot is a point-in-time view of the queue for join payloads and ops.
type Snapshot struct {
	QueuedBySatellite map[string]int `json:"queued_by_satellite"`
	InFlight          []*Command     `json:"in_flight"`
	TotalQueued       int            `json:"total_queued"`
}

// retryState tracks the backoff ladder for one command across attempts.
type retryState struct {
	bo *backoff.ExponentialBackOff
}

// newRetryBackOff builds the deterministic 30s/60s/120s... ladder capped
// at one hour.
func newRetryBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 30 * time.Second
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Queue owns the in-memory per-satellite queues and the in-flight map. It
// is the sole writer of command rows; holding its lock across the store
// write is what makes status transitions per command totally ordered.
type Queue struct {
	store   Store
	bus     *bus.Bus
	log     *zap.Logger
	metrics *metrics.Metrics
	cfg     QueueConfig

	mu       sync.Mutex
	queues   map[string][]*Command // satellite id -> sorted by (-priority, inserted_at)
	inflight map[string]*Command   // command id -> pending/acknowledged/executing
	retries  map[string]*retryState
	queued   int

	kick chan struct{}
	now  func() time.Time
}

// NewQueue wires a queue to its store and the bus. Run must be started for
// dispatch and timeouts to happen.
func NewQueue(store Store, b *bus.Bus, log *zap.Logger, m *metrics.Metrics, cfg QueueConfig) *Queue {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	return &Queue{
		store:    store,
		bus:      b,
		log:      log.Named("commands"),
		metrics:  m,
		cfg:      cfg,
		queues:   make(map[string][]*Command),
		inflight: make(map[string]*Command),
		retries:  make(map[string]*retryState),
		kick:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Enqueue persists a new queued command and adds it to the satellite's
// queue. Dispatch happens on the next tick or kick, never inline, so a
// batch of enqueues always dispatches in priority order.
func (q *Queue) Enqueue(ctx context.Context, satelliteID, typ string, payload map[string]any, opts EnqueueOptions) (*Command, error) {
	if satelliteID == "" {
		return nil, faults.Validation.New("satellite id must not be empty")
	}
	if typ == "" {
		return nil, faults.Validation.New("command type must not be empty")
	}
	priority := opts.Priority
	if priority <= 0 {
		priority = PriorityNormal
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = q.cfg.DefaultTimeout
	}
	var scheduled *time.Time
	if opts.ScheduledAt != nil {
		t := opts.ScheduledAt.UTC()
		scheduled = &t
	}

	q.mu.Lock()
	now := q.now().UTC()
	cmd := &Command{
		ID:          uuid.NewString(),
		SatelliteID: satelliteID,
		Type:        typ,
		Payload:     payload,
		Priority:    priority,
		Status:      StatusQueued,
		TimeoutMS:   int(timeout / time.Millisecond),
		ScheduledAt: scheduled,
		InsertedAt:  now,
		UpdatedAt:   now,
	}
	if err := q.store.InsertCommand(ctx, cmd); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	q.appendQueuedLocked(cmd)
	out := cmd.clone()
	q.mu.Unlock()

	q.metrics.CommandsEnqueued.Inc()
	q.log.Info("command enqueued",
		zap.String("command_id", out.ID),
		zap.String("satellite_id", out.SatelliteID),
		zap.String("type", out.Type),
		zap.Int("priority", out.Priority))
	q.publishUpdate(out)
	return out, nil
}

// Cancel aborts a command that has not been picked up by a satellite yet.
// Queued and pending commands cancel; acknowledged and executing ones are
// already on the bird and are rejected; anything else is not found.
func (q *Queue) Cancel(ctx context.Context, id string) (*Command, error) {
	q.mu.Lock()
	now := q.now().UTC()

	if c, sat, idx := q.findQueuedLocked(id); c != nil {
		if err := c.transition(StatusCancelled, now); err != nil {
			q.mu.Unlock()
			return nil, err
		}
		c.CompletedAt = now
		if err := q.store.UpdateCommand(ctx, c); err != nil {
			c.Status = StatusQueued
			q.mu.Unlock()
			return nil, err
		}
		q.removeQueuedLocked(sat, idx)
		delete(q.retries, id)
		out := c.clone()
		q.mu.Unlock()
		q.finish(out, "cancelled")
		return out, nil
	}

	if c, ok := q.inflight[id]; ok {
		if c.Status != StatusPending {
			status := c.Status
			q.mu.Unlock()
			return nil, faults.InvalidStatus.New("command %s is %s and can no longer be cancelled", id, status)
		}
		if err := c.transition(StatusCancelled, now); err != nil {
			q.mu.Unlock()
			return nil, err
		}
		c.CompletedAt = now
		if err := q.store.UpdateCommand(ctx, c); err != nil {
			c.Status = StatusPending
			q.mu.Unlock()
			return nil, err
		}
		delete(q.inflight, id)
		delete(q.retries, id)
		out := c.clone()
		q.mu.Unlock()
		q.finish(out, "cancelled")
		return out, nil
	}

	q.mu.Unlock()
	return nil, faults.NotFound.New("command %s is not open", id)
}

// Acknowledge moves a dispatched command to acknowledged. An id that is no
// longer in flight (it timed out and was swept) is a silent no-op and
// returns nil.
func (q *Queue) Acknowledge(ctx context.Context, id string) (*Command, error) {
	return q.advance(ctx, id, StatusAcknowledged)
}

// StartExecution moves an acknowledged command to executing. Missing ids
// are a silent no-op, as with Acknowledge.
func (q *Queue) StartExecution(ctx context.Context, id string) (*Command, error) {
	return q.advance(ctx, id, StatusExecuting)
}

func (q *Queue) advance(ctx context.Context, id string, to Status) (*Command, error) {
	q.mu.Lock()
	c, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return nil, nil
	}
	now := q.now().UTC()
	if err := c.transition(to, now); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	if to == StatusExecuting {
		c.StartedAt = now
	}
	if err := q.store.UpdateCommand(ctx, c); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	out := c.clone()
	q.mu.Unlock()
	q.publishUpdate(out)
	return out, nil
}

// Complete finishes an executing command with its result payload.
func (q *Queue) Complete(ctx context.Context, id string, result map[string]any) (*Command, error) {
	q.mu.Lock()
	c, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return nil, faults.NotFound.New("command %s is not in flight", id)
	}
	now := q.now().UTC()
	if err := c.transition(StatusCompleted, now); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	c.Result = result
	c.CompletedAt = now
	c.Error = ""
	c.ErrorKind = ""
	if err := q.store.UpdateCommand(ctx, c); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	delete(q.inflight, id)
	delete(q.retries, id)
	out := c.clone()
	q.mu.Unlock()
	q.finish(out, "completed")
	return out, nil
}

// Fail records a failed attempt. Below the retry cap the command is
// requeued with a backoff-delayed scheduled_at; at the cap it goes
// terminal failed with the error preserved.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (*Command, error) {
	if cause == nil {
		cause = faults.Exception.New("unspecified failure")
	}

	q.mu.Lock()
	c, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return nil, faults.NotFound.New("command %s is not in flight", id)
	}
	now := q.now().UTC()
	c.Error = cause.Error()
	c.ErrorKind = faults.Kind(cause)

	if c.RetryCount < q.cfg.MaxRetries {
		rs := q.ensureRetryLocked(c)
		eligible := now.Add(rs.bo.NextBackOff())
		c.RetryCount++
		// Requeue is the one sanctioned move back to queued; it is not a
		// general FSM arrow.
		c.Status = StatusQueued
		c.ScheduledAt = &eligible
		c.SentAt = time.Time{}
		c.StartedAt = time.Time{}
		c.UpdatedAt = now
		if err := q.store.UpdateCommand(ctx, c); err != nil {
			q.mu.Unlock()
			return nil, err
		}
		delete(q.inflight, id)
		q.appendQueuedLocked(c)
		out := c.clone()
		q.mu.Unlock()

		q.metrics.CommandsRetried.Inc()
		q.log.Warn("command retry scheduled",
			zap.String("command_id", out.ID),
			zap.String("satellite_id", out.SatelliteID),
			zap.Int("retry", out.RetryCount),
			zap.Time("eligible_at", eligible),
			zap.String("cause", out.Error))
		q.publishUpdate(out)
		return out, nil
	}

	if err := c.transition(StatusFailed, now); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	c.CompletedAt = now
	if err := q.store.UpdateCommand(ctx, c); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	delete(q.inflight, id)
	delete(q.retries, id)
	out := c.clone()
	q.mu.Unlock()
	q.finish(out, "failed")
	return out, nil
}

// Kick requests an immediate dispatch pass without waiting for the tick.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Run drives the timeout sweep and the dispatcher until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.TickInterval)
	defer ticker.Stop()
	q.log.Info("command queue running", zap.Duration("tick", q.cfg.TickInterval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-q.kick:
		}
		now := q.now().UTC()
		q.sweepTimeouts(ctx, now)
		q.dispatch(ctx, now)
	}
}

// Reconcile loads all non-terminal commands from the store at boot. Queued
// rows rejoin the queue; pending, acknowledged and executing rows resume
// in flight with their original sent_at, so abandoned ones time out
// naturally on the next sweeps.
func (q *Queue) Reconcile(ctx context.Context) error {
	open, err := q.store.OpenCommands(ctx)
	if err != nil {
		return err
	}
	q.mu.Lock()
	var queued, inflight int
	for _, c := range open {
		switch {
		case c.Status == StatusQueued:
			q.appendQueuedLocked(c)
			q.ensureRetryLocked(c)
			queued++
		case c.InFlight():
			q.inflight[c.ID] = c
			q.ensureRetryLocked(c)
			inflight++
		}
	}
	q.mu.Unlock()
	q.log.Info("command queue reconciled", zap.Int("queued", queued), zap.Int("in_flight", inflight))
	return nil
}

// Queued returns the satellite's waiting commands in dispatch order.
func (q *Queue) Queued(satelliteID string) []*Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.queues[satelliteID]
	out := make([]*Command, 0, len(list))
	for _, c := range list {
		out = append(out, c.clone())
	}
	return out
}

// InFlightFor returns the satellite's single in-flight command, if any.
func (q *Queue) InFlightFor(satelliteID string) (*Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.inflight {
		if c.SatelliteID == satelliteID {
			return c.clone(), true
		}
	}
	return nil, false
}

// Snapshot summarizes queue occupancy.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := Snapshot{
		QueuedBySatellite: make(map[string]int, len(q.queues)),
		TotalQueued:       q.queued,
	}
	for sat, list := range q.queues {
		snap.QueuedBySatellite[sat] = len(list)
	}
	snap.InFlight = make([]*Command, 0, len(q.inflight))
	for _, c := range q.inflight {
		snap.InFlight = append(snap.InFlight, c.clone())
	}
	sort.Slice(snap.InFlight, func(i, j int) bool {
		return snap.InFlight[i].SentAt.Before(snap.InFlight[j].SentAt)
	})
	return snap
}

// Get resolves a command by id, preferring live in-memory state.
func (q *Queue) Get(ctx context.Context, id string) (*Command, error) {
	q.mu.Lock()
	if c, ok := q.inflight[id]; ok {
		out := c.clone()
		q.mu.Unlock()
		return out, nil
	}
	if c, _, _ := q.findQueuedLocked(id); c != nil {
		out := c.clone()
		q.mu.Unlock()
		return out, nil
	}
	q.mu.Unlock()
	return q.store.Command(ctx, id)
}

// History lists a satellite's commands newest first from the store.
func (q *Queue) History(ctx context.Context, satelliteID string, limit int) ([]*Command, error) {
	return q.store.CommandHistory(ctx, satelliteID, limit)
}

// sweepTimeouts fails every in-flight command whose deadline has passed.
func (q *Queue) sweepTimeouts(ctx context.Context, now time.Time) {
	q.mu.Lock()
	var expired []*Command
	for _, c := range q.inflight {
		if !c.SentAt.IsZero() && now.Sub(c.SentAt) > c.Timeout() {
			expired = append(expired, c)
		}
	}
	q.mu.Unlock()

	for _, c := range expired {
		q.metrics.CommandsTimedOut.Inc()
		q.log.Warn("command timed out",
			zap.String("command_id", c.ID),
			zap.String("satellite_id", c.SatelliteID),
			zap.Int("timeout_ms", c.TimeoutMS))
		_, err := q.Fail(ctx, c.ID, faults.Timeout.New("command %s exceeded its %dms deadline", c.ID, c.TimeoutMS))
		if err != nil && !faults.Is(err, faults.NotFound) {
			q.log.Error("timeout fail rejected", zap.String("command_id", c.ID), zap.Error(err))
		}
	}
}

// dispatch promotes at most one ready head per idle satellite.
func (q *Queue) dispatch(ctx context.Context, now time.Time) {
	q.mu.Lock()
	busy := make(map[string]bool, len(q.inflight))
	for _, c := range q.inflight {
		busy[c.SatelliteID] = true
	}

	var dispatched []*Command
	for sat, list := range q.queues {
		if busy[sat] || len(list) == 0 {
			continue
		}
		// Walk in sort order and take the first ready command. A
		// future-scheduled entry is skipped in place rather than blocking
		// the ready ones behind it.
		idx := -1
		for i, c := range list {
			if c.Ready(now) {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		head := list[idx]
		if err := head.transition(StatusPending, now); err != nil {
			q.log.Error("dispatch transition rejected", zap.String("command_id", head.ID), zap.Error(err))
			q.removeQueuedLocked(sat, idx)
			continue
		}
		head.SentAt = now
		if err := q.store.UpdateCommand(ctx, head); err != nil {
			head.Status = StatusQueued
			head.SentAt = time.Time{}
			q.log.Error("dispatch persist failed", zap.String("command_id", head.ID), zap.Error(err))
			continue
		}
		q.removeQueuedLocked(sat, idx)
		q.inflight[head.ID] = head
		busy[sat] = true
		dispatched = append(dispatched, head.clone())
	}
	q.mu.Unlock()

	for _, c := range dispatched {
		q.metrics.CommandsDispatched.Inc()
		q.log.Info("command dispatched",
			zap.String("command_id", c.ID),
			zap.String("satellite_id", c.SatelliteID),
			zap.String("type", c.Type))
		q.publishUpdate(c)
		q.publishDispatch(c)
	}
}

func (q *Queue) appendQueuedLocked(c *Command) {
	sat := c.SatelliteID
	q.queues[sat] = append(q.queues[sat], c)
	list := q.queues[sat]
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].InsertedAt.Before(list[j].InsertedAt)
	})
	q.queued++
	q.metrics.QueueDepth.Set(float64(q.queued))
}

func (q *Queue) removeQueuedLocked(satelliteID string, idx int) {
	list := q.queues[satelliteID]
	q.queues[satelliteID] = append(list[:idx], list[idx+1:]...)
	if len(q.queues[satelliteID]) == 0 {
		delete(q.queues, satelliteID)
	}
	q.queued--
	q.metrics.QueueDepth.Set(float64(q.queued))
}

func (q *Queue) findQueuedLocked(id string) (*Command, string, int) {
	for sat, list := range q.queues {
		for i, c := range list {
			if c.ID == id {
				return c, sat, i
			}
		}
	}
	return nil, "", 0
}

func (q *Queue) ensureRetryLocked(c *Command) *retryState {
	rs, ok := q.retries[c.ID]
	if !ok {
		rs = &retryState{bo: newRetryBackOff()}
		// Replay consumed steps so reconciled commands keep climbing the
		// same ladder.
		for i := 0; i < c.RetryCount; i++ {
			_ = rs.bo.NextBackOff()
		}
		q.retries[c.ID] = rs
	}
	return rs
}

func (q *Queue) finish(c *Command, outcome string) {
	q.metrics.CommandsFinished.WithLabelValues(c.Type, outcome).Inc()
	q.log.Info("command "+outcome,
		zap.String("command_id", c.ID),
		zap.String("satellite_id", c.SatelliteID),
		zap.String("type", c.Type))
	q.publishUpdate(c)
}

func (q *Queue) publishUpdate(c *Command) {
	q.bus.Publish("commands:updates", "command_update", c)
	q.bus.Publish("satellite:"+c.SatelliteID, "command_update", c)
}

func (q *Queue) publishDispatch(c *Command) {
	q.bus.Publish("satellite:"+c.SatelliteID+":commands", "command_dispatch", c)
	q.bus.Publish("commands:dispatch", "command_dispatch", c)
}
