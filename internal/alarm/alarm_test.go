package alarm

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stellarops/stellarops/internal/bus"
	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/metrics"
)

type fakeStore struct {
	mu     sync.Mutex
	alarms map[string]*Alarm
}

func newFakeStore() *fakeStore {
	return &fakeStore{alarms: make(map[string]*Alarm)}
}

func (f *fakeStore) InsertAlarm(_ context.Context, a *Alarm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.alarms[a.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateAlarm(_ context.Context, a *Alarm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.alarms[a.ID]; !ok {
		return faults.NotFound.New("alarm %s not found", a.ID)
	}
	cp := *a
	f.alarms[a.ID] = &cp
	return nil
}

func (f *fakeStore) Alarm(_ context.Context, id string) (*Alarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alarms[id]
	if !ok {
		return nil, faults.NotFound.New("alarm %s not found", id)
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) ActiveAlarms(_ context.Context) ([]*Alarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Alarm
	for _, a := range f.alarms {
		if a.Status != StatusResolved {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.After(out[j].RaisedAt) })
	return out, nil
}

func newTestService(t *testing.T) (*Service, *fakeStore, *bus.Bus) {
	t.Helper()
	log := zaptest.NewLogger(t)
	m := metrics.New()
	b := bus.New(log, m, 16)
	st := newFakeStore()
	return NewService(st, b, log, m), st, b
}

func TestRaisePersistsAndBroadcasts(t *testing.T) {
	svc, st, b := newTestService(t)
	sub := b.Subscribe("alarms:all")
	defer sub.Close()

	a, err := svc.Raise(context.Background(), Params{
		Type:     "low_energy",
		Severity: SeverityWarning,
		Message:  "energy at 12%",
		Source:   "SAT-1",
		Details:  map[string]any{"energy": 12.0},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, StatusActive, a.Status)
	assert.False(t, a.RaisedAt.IsZero())

	stored, err := st.Alarm(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "low_energy", stored.Type)

	select {
	case msg := <-sub.C:
		assert.Equal(t, "alarm_raised", msg.Event)
	case <-time.After(time.Second):
		t.Fatal("no alarm_raised broadcast")
	}
}

func TestRaiseBroadcastsOnSourceTopic(t *testing.T) {
	svc, _, b := newTestService(t)
	sub := b.Subscribe("alarms:SAT-9")
	defer sub.Close()

	_, err := svc.Raise(context.Background(), Params{
		Type: "thermal_runaway", Severity: SeverityCritical, Message: "temp 92C", Source: "SAT-9",
	})
	require.NoError(t, err)

	select {
	case msg := <-sub.C:
		assert.Equal(t, "alarm_raised", msg.Event)
	case <-time.After(time.Second):
		t.Fatal("no broadcast on source topic")
	}
}

func TestRaiseValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Raise(context.Background(), Params{Severity: SeverityInfo})
	assert.True(t, faults.Is(err, faults.Validation))

	_, err = svc.Raise(context.Background(), Params{Type: "x", Severity: "screaming"})
	assert.True(t, faults.Is(err, faults.Validation))
}

func TestAcknowledgeLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Raise(ctx, Params{Type: "low_memory", Severity: SeverityMinor, Message: "m", Source: "SAT-2"})
	require.NoError(t, err)

	ack, err := svc.Acknowledge(ctx, a.ID, "operator-7")
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, ack.Status)
	assert.Equal(t, "operator-7", ack.AcknowledgedBy)
	require.NotNil(t, ack.AcknowledgedAt)

	// Second acknowledge is rejected.
	_, err = svc.Acknowledge(ctx, a.ID, "operator-8")
	assert.True(t, faults.Is(err, faults.InvalidStatus))

	// Missing actor is rejected.
	_, err = svc.Acknowledge(ctx, a.ID, "")
	assert.True(t, faults.Is(err, faults.Validation))
}

func TestResolveFromActiveAndAcknowledged(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Raise(ctx, Params{Type: "a", Severity: SeverityMajor, Message: "m", Source: "SAT-3"})
	require.NoError(t, err)
	res, err := svc.Resolve(ctx, a.ID, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "operator-1", res.ResolvedBy)

	_, err = svc.Resolve(ctx, a.ID, "operator-1")
	assert.True(t, faults.Is(err, faults.InvalidStatus))

	b, err := svc.Raise(ctx, Params{Type: "b", Severity: SeverityMajor, Message: "m", Source: "SAT-3"})
	require.NoError(t, err)
	_, err = svc.Acknowledge(ctx, b.ID, "operator-2")
	require.NoError(t, err)
	res, err = svc.Resolve(ctx, b.ID, "operator-2")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, res.Status)
}

func TestAcknowledgeUnknownAlarm(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Acknowledge(context.Background(), "no-such-id", "op")
	assert.True(t, faults.Is(err, faults.NotFound))
}

func TestSummarize(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, sev := range []Severity{SeverityWarning, SeverityWarning, SeverityCritical} {
		_, err := svc.Raise(ctx, Params{Type: "t", Severity: sev, Message: "m", Source: "SAT-4"})
		require.NoError(t, err)
	}
	a, err := svc.Raise(ctx, Params{Type: "t", Severity: SeverityInfo, Message: "m", Source: "SAT-4"})
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, a.ID, "op")
	require.NoError(t, err)

	sum, err := svc.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.BySeverity["warning"])
	assert.Equal(t, 1, sum.BySeverity["critical"])
	assert.Zero(t, sum.BySeverity["info"])
}
