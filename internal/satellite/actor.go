package satellite

import (
	"context"
	"sync"
	"time"

	"github.com/stellarops/stellarops/internal/faults"
)

type reqKind int

const (
	reqState reqKind = iota
	reqUpdateEnergy
	reqUpdateMemory
	reqUpdatePosition
	reqSetMode
	reqHeartbeat
	reqCrash
)

// request is one message in an actor's inbox. The reply channel receives
// exactly one result.
type request struct {
	kind  reqKind
	delta float64
	value float64
	pos   Position
	mode  Mode
	at    time.Time
	reply chan<- result
}

type result struct {
	state Satellite
	err   error
}

// Actor owns one satellite's volatile state. All mutations go through the
// inbox and are applied by a single goroutine, so no two operations on the
// same satellite ever run in parallel. The supervising registry restarts
// the processing loop after a crash; the Actor handle itself stays valid,
// and callers waiting on a reply ride through the restart.
type Actor struct {
	id   string
	name string

	inbox    chan request
	quit     chan struct{} // closed by the registry on Stop
	stopped  chan struct{} // closed when the actor is permanently down
	stopOnce sync.Once

	state *Satellite // owned by the run loop
}

func newActor(initial *Satellite) *Actor {
	st := *initial
	return &Actor{
		id:      initial.ID,
		name:    initial.Name,
		inbox:   make(chan request, 16),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		state:   &st,
	}
}

// ID returns the satellite id this actor owns.
func (a *Actor) ID() string { return a.id }

// run processes inbox messages until the quit channel closes (clean stop,
// returns nil) or a handler panics (returns the panic value). Only the
// supervising registry calls run.
func (a *Actor) run() (cause any) {
	defer func() {
		if r := recover(); r != nil {
			cause = r
		}
	}()
	for {
		select {
		case <-a.quit:
			return nil
		case req := <-a.inbox:
			a.handle(req)
		}
	}
}

// handle applies one request. A panic replies with an exception error
// before re-raising so the caller is never left hanging, then the panic
// propagates to run for the supervisor to see.
func (a *Actor) handle(req request) {
	defer func() {
		if r := recover(); r != nil {
			req.reply <- result{err: faults.Exception.New("actor %s: %v", a.id, r)}
			panic(r)
		}
	}()

	st := a.state
	switch req.kind {
	case reqState:
		// Pure read.

	case reqUpdateEnergy:
		st.Energy = clampEnergy(st.Energy + req.delta)
		st.Mode = modeForEnergy(st.Energy, st.Mode)

	case reqUpdateMemory:
		if req.value < 0 {
			req.reply <- result{err: faults.Validation.New("memory_used must be >= 0, got %v", req.value)}
			return
		}
		st.MemoryUsed = req.value

	case reqUpdatePosition:
		if !req.pos.finite() {
			req.reply <- result{err: faults.Validation.New("position components must be finite")}
			return
		}
		st.Position = req.pos

	case reqSetMode:
		st.Mode = req.mode

	case reqHeartbeat:
		st.LastHeartbeat = req.at

	case reqCrash:
		panic("killed by operator request")
	}

	st.UpdatedAt = time.Now().UTC()
	req.reply <- result{state: *st}
}

// resetState replaces the actor's state between runs. Called only by the
// supervisor while the run loop is not executing.
func (a *Actor) resetState(st *Satellite) {
	copied := *st
	a.state = &copied
}

// closeStopped marks the actor permanently down. Safe to call more than
// once; Stop and the supervisor's restart limiter can race here.
func (a *Actor) closeStopped() {
	a.stopOnce.Do(func() { close(a.stopped) })
}

func (a *Actor) call(ctx context.Context, req request) (Satellite, error) {
	reply := make(chan result, 1)
	req.reply = reply

	select {
	case a.inbox <- req:
	case <-a.stopped:
		return Satellite{}, faults.NotFound.New("satellite %s is not running", a.id)
	case <-ctx.Done():
		return Satellite{}, faults.Timeout.Wrap(ctx.Err())
	}

	select {
	case res := <-reply:
		return res.state, res.err
	case <-a.stopped:
		return Satellite{}, faults.NotFound.New("satellite %s is not running", a.id)
	case <-ctx.Done():
		return Satellite{}, faults.Timeout.Wrap(ctx.Err())
	}
}

// State returns a snapshot of the satellite's current state.
func (a *Actor) State(ctx context.Context) (Satellite, error) {
	return a.call(ctx, request{kind: reqState})
}

// UpdateEnergy applies a delta, clamps to [0,100], and runs the automatic
// mode transition rules.
func (a *Actor) UpdateEnergy(ctx context.Context, delta float64) (Satellite, error) {
	return a.call(ctx, request{kind: reqUpdateEnergy, delta: delta})
}

// UpdateMemory sets the absolute memory-used value. Negative values are a
// validation error.
func (a *Actor) UpdateMemory(ctx context.Context, value float64) (Satellite, error) {
	return a.call(ctx, request{kind: reqUpdateMemory, value: value})
}

// UpdatePosition sets the satellite position. All components must be finite.
func (a *Actor) UpdatePosition(ctx context.Context, pos Position) (Satellite, error) {
	return a.call(ctx, request{kind: reqUpdatePosition, pos: pos})
}

// SetMode sets the operating mode unconditionally (operator override).
func (a *Actor) SetMode(ctx context.Context, mode Mode) (Satellite, error) {
	return a.call(ctx, request{kind: reqSetMode, mode: mode})
}

// RecordHeartbeat notes that the satellite was heard from at the given time.
func (a *Actor) RecordHeartbeat(ctx context.Context, at time.Time) (Satellite, error) {
	return a.call(ctx, request{kind: reqHeartbeat, at: at.UTC()})
}

// Kill crashes the actor's run loop. The supervisor restarts it with
// default state, subject to the restart rate limit. The returned error is
// the exception observed by this call.
func (a *Actor) Kill(ctx context.Context) error {
	_, err := a.call(ctx, request{kind: reqCrash})
	return err
}
