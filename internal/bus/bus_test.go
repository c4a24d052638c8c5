package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stellarops/stellarops/internal/metrics"
)

func newTestBus(t *testing.T, size int) *Bus {
	t.Helper()
	return New(zaptest.NewLogger(t), metrics.New(), size)
}

func recv(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.C:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestFanOut(t *testing.T) {
	b := newTestBus(t, 8)
	s1 := b.Subscribe("satellites:SAT-A")
	s2 := b.Subscribe("satellites:SAT-A")
	defer s1.Close()
	defer s2.Close()

	b.Publish("satellites:SAT-A", "state_update", map[string]any{"energy": 42.0})

	for _, s := range []*Subscription{s1, s2} {
		msg := recv(t, s)
		assert.Equal(t, "satellites:SAT-A", msg.Topic)
		assert.Equal(t, "state_update", msg.Event)
		assert.False(t, msg.TS.IsZero())
	}
}

func TestPerSubscriberFIFO(t *testing.T) {
	b := newTestBus(t, 128)
	sub := b.Subscribe("commands:updates")
	defer sub.Close()

	for i := 0; i < 100; i++ {
		b.Publish("commands:updates", "command_update", i)
	}
	for i := 0; i < 100; i++ {
		msg := recv(t, sub)
		require.Equal(t, i, msg.Payload)
	}
}

func TestTopicIsolation(t *testing.T) {
	b := newTestBus(t, 8)
	sub := b.Subscribe("alarms:all")
	defer sub.Close()

	b.Publish("commands:updates", "command_update", nil)

	select {
	case msg := <-sub.C:
		t.Fatalf("unexpected message on %s", msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWildcardPrefix(t *testing.T) {
	b := newTestBus(t, 8)
	sub := b.Subscribe("alarms:*")
	defer sub.Close()

	b.Publish("alarms:power", "alarm_raised", nil)
	b.Publish("alarms:thermal", "alarm_raised", nil)
	b.Publish("commands:updates", "command_update", nil)

	assert.Equal(t, "alarms:power", recv(t, sub).Topic)
	assert.Equal(t, "alarms:thermal", recv(t, sub).Topic)
	select {
	case msg := <-sub.C:
		t.Fatalf("wildcard matched unrelated topic %s", msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOldestWhenFull(t *testing.T) {
	b := newTestBus(t, 2)
	sub := b.Subscribe("satellites:lobby")
	defer sub.Close()

	for i := 1; i <= 3; i++ {
		b.Publish("satellites:lobby", "tick", fmt.Sprintf("m%d", i))
	}

	// m1 was dropped to make room for m3.
	assert.Equal(t, "m2", recv(t, sub).Payload)
	assert.Equal(t, "m3", recv(t, sub).Payload)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := newTestBus(t, 2)
	slow := b.Subscribe("satellites:lobby")
	fast := b.Subscribe("satellites:lobby")
	defer slow.Close()
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			b.Publish("satellites:lobby", "tick", i)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The fast subscriber still sees the most recent messages.
	var last any
	for {
		select {
		case msg := <-fast.C:
			last = msg.Payload
			continue
		default:
		}
		break
	}
	assert.Equal(t, 49, last)
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(t, 8)
	sub := b.Subscribe("satellites:lobby", "alarms:*")
	sub.Close()
	sub.Close() // idempotent

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed after Close")
	}

	b.Publish("satellites:lobby", "tick", nil)
	b.Publish("alarms:power", "alarm_raised", nil)
	select {
	case msg := <-sub.C:
		t.Fatalf("message delivered after unsubscribe: %s", msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}
