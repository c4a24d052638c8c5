package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/bus"
	"github.com/stellarops/stellarops/internal/command"
	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/satellite"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 20 * time.Second
	maxMsgSize = 64 * 1024

	// sendBuffer bounds the per-session outbound queue. A session that
	// cannot drain it loses pushes rather than stalling the bus readers.
	sendBuffer = 64
)

// request is one inbound client frame.
type request struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// reply is the response frame to a request.
type reply struct {
	Ref string     `json:"ref,omitempty"`
	OK  any        `json:"ok,omitempty"`
	Err *wireError `json:"err,omitempty"`
}

type wireError struct {
	Reason  string `json:"reason"`
	Details string `json:"details,omitempty"`
}

// push is an outbound topic message, the bus envelope verbatim.
type push struct {
	Topic   string    `json:"topic"`
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	TS      time.Time `json:"ts"`
}

type session struct {
	hub  *Hub
	conn *websocket.Conn
	log  *zap.Logger
	send chan []byte

	mu     sync.Mutex
	topics map[string]*bus.Subscription
	closed bool
}

func newSession(h *Hub, conn *websocket.Conn) *session {
	return &session{
		hub:    h,
		conn:   conn,
		log:    h.log.With(zap.String("remote", conn.RemoteAddr().String())),
		send:   make(chan []byte, sendBuffer),
		topics: make(map[string]*bus.Subscription),
	}
}

// close detaches every subscription and drops the connection once.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]*bus.Subscription, 0, len(s.topics))
	for _, sub := range s.topics {
		subs = append(subs, sub)
	}
	s.topics = map[string]*bus.Subscription{}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	_ = s.conn.Close()
	s.hub.remove(s)
}

func (s *session) readPump() {
	defer s.close()
	s.conn.SetReadLimit(maxMsgSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			s.reply(reply{Err: &wireError{Reason: string(faults.ParseError), Details: "malformed frame"}})
			continue
		}
		s.handle(req)
	}
}

func (s *session) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		s.close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues an outbound frame, dropping it when the session is slow.
func (s *session) enqueue(b []byte) {
	select {
	case s.send <- b:
	default:
		s.hub.deps.Metrics.BusDropped.Inc()
	}
}

func (s *session) reply(r reply) {
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	s.enqueue(b)
}

func (s *session) pushMessage(msg bus.Message) {
	b, err := json.Marshal(push{Topic: msg.Topic, Event: msg.Event, Payload: msg.Payload, TS: msg.TS})
	if err != nil {
		s.log.Warn("push marshal failed", zap.String("topic", msg.Topic), zap.Error(err))
		return
	}
	s.enqueue(b)
}

func (s *session) handle(req request) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	body, err := s.dispatch(ctx, req)
	if err != nil {
		s.reply(reply{Ref: req.Ref, Err: &wireError{Reason: faults.Kind(err), Details: err.Error()}})
		return
	}
	s.reply(reply{Ref: req.Ref, OK: body})
}

func (s *session) dispatch(ctx context.Context, req request) (any, error) {
	deps := s.hub.deps
	switch req.Event {
	case "ping":
		return "pong", nil

	case "join":
		var p struct {
			Topic string `json:"topic"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.join(ctx, p.Topic)

	case "leave":
		var p struct {
			Topic string `json:"topic"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		s.leave(p.Topic)
		return map[string]any{"left": p.Topic}, nil

	case "send_command":
		var p struct {
			SatelliteID string         `json:"satellite_id"`
			Type        string         `json:"type"`
			Payload     map[string]any `json:"payload"`
			Priority    string         `json:"priority"`
			ScheduledAt *time.Time     `json:"scheduled_at"`
			TimeoutMS   int            `json:"timeout_ms"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		opts := command.EnqueueOptions{
			ScheduledAt: p.ScheduledAt,
			Timeout:     time.Duration(p.TimeoutMS) * time.Millisecond,
		}
		if p.Priority != "" {
			prio, err := command.ParsePriority(p.Priority)
			if err != nil {
				return nil, err
			}
			opts.Priority = prio
		}
		return deps.Queue.Enqueue(ctx, p.SatelliteID, p.Type, p.Payload, opts)

	case "cancel_command":
		var p struct {
			CommandID string `json:"command_id"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		return deps.Queue.Cancel(ctx, p.CommandID)

	case "get_state":
		var p struct {
			SatelliteID string `json:"satellite_id"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		actor, ok := deps.Fleet.Lookup(p.SatelliteID)
		if !ok {
			return nil, faults.NotFound.New("satellite %s is not running", p.SatelliteID)
		}
		return actor.State(ctx)

	case "set_mode":
		var p struct {
			SatelliteID string `json:"satellite_id"`
			Mode        string `json:"mode"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		mode, err := satellite.ParseMode(p.Mode)
		if err != nil {
			return nil, err
		}
		actor, ok := deps.Fleet.Lookup(p.SatelliteID)
		if !ok {
			return nil, faults.NotFound.New("satellite %s is not running", p.SatelliteID)
		}
		return actor.SetMode(ctx, mode)

	case "acknowledge_alarm":
		var p struct {
			AlarmID string `json:"alarm_id"`
			Actor   string `json:"actor"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		return deps.Alarms.Acknowledge(ctx, p.AlarmID, p.Actor)

	case "resolve_alarm":
		var p struct {
			AlarmID string `json:"alarm_id"`
			Actor   string `json:"actor"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		return deps.Alarms.Resolve(ctx, p.AlarmID, p.Actor)

	default:
		return nil, faults.Validation.New("unknown event %q", req.Event)
	}
}

func unmarshal(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return faults.Validation.New("payload is required")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return faults.ParseError.New("payload: %v", err)
	}
	return nil
}

// join subscribes the session to a topic and returns the topic's initial
// snapshot so the client starts from current state instead of waiting for
// the next push.
func (s *session) join(ctx context.Context, topic string) (any, error) {
	if topic == "" {
		return nil, faults.Validation.New("topic is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, faults.InvalidStatus.New("session is closed")
	}
	if _, ok := s.topics[topic]; ok {
		s.mu.Unlock()
		return nil, faults.AlreadyExists.New("already joined %s", topic)
	}
	sub := s.hub.deps.Bus.Subscribe(topic)
	s.topics[topic] = sub
	s.mu.Unlock()

	go s.forward(sub)

	snapshot, err := s.snapshot(ctx, topic)
	if err != nil {
		s.leave(topic)
		return nil, err
	}
	return map[string]any{"joined": topic, "snapshot": snapshot}, nil
}

func (s *session) leave(topic string) {
	s.mu.Lock()
	sub, ok := s.topics[topic]
	delete(s.topics, topic)
	s.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// forward drains one subscription into the session's send queue.
func (s *session) forward(sub *bus.Subscription) {
	for {
		select {
		case <-sub.Done():
			return
		case msg := <-sub.C:
			s.pushMessage(msg)
		}
	}
}

// snapshot builds the initial payload for a topic join.
func (s *session) snapshot(ctx context.Context, topic string) (any, error) {
	deps := s.hub.deps
	switch {
	case topic == "satellites:lobby":
		return deps.Fleet.States(ctx), nil

	case strings.HasPrefix(topic, "satellite:"):
		id := strings.TrimPrefix(topic, "satellite:")
		actor, ok := deps.Fleet.Lookup(id)
		if !ok {
			return nil, faults.NotFound.New("satellite %s is not running", id)
		}
		state, err := actor.State(ctx)
		if err != nil {
			return nil, err
		}
		return state, nil

	case topic == "alarms:all":
		active, err := deps.Alarms.Active(ctx)
		if err != nil {
			return nil, err
		}
		summary, err := deps.Alarms.Summarize(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"summary": summary, "active_alarms": active}, nil

	case topic == "commands:updates":
		return deps.Queue.Snapshot(), nil

	case topic == "health:updates":
		return deps.Health.Snapshot(), nil

	default:
		// missions:*, ssa:*, alarms:<source>, commands:dispatch and any
		// future topics join without a snapshot.
		return nil, nil
	}
}
