package app

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/command"
	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/satellite"
	"github.com/stellarops/stellarops/internal/telemetry"
	"github.com/stellarops/stellarops/internal/tle"
)

// Handler builds the daemon's full HTTP surface.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", a.metrics.Handler())
	r.Handle("/ws", a.hub.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/version", a.handleVersion)
		r.Get("/config", a.handleConfig)

		r.Route("/satellites", func(r chi.Router) {
			r.Get("/", a.handleSatellites)
			r.Post("/", a.handleCreateSatellite)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleSatellite)
				r.Delete("/", a.handleDeleteSatellite)
				r.Post("/mode", a.handleSetMode)
				r.Get("/health", a.handleSatelliteHealth)
				r.Get("/telemetry", a.handleTelemetryHistory)
				r.Post("/telemetry", a.handleIngest)
				r.Get("/commands", a.handleCommandHistory)
			})
		})

		r.Route("/commands", func(r chi.Router) {
			r.Get("/", a.handleCommandQueue)
			r.Post("/", a.handleSendCommand)
			r.Get("/{id}", a.handleCommand)
			r.Post("/{id}/cancel", a.handleCancelCommand)
		})

		r.Route("/alarms", func(r chi.Router) {
			r.Get("/", a.handleAlarms)
			r.Post("/{id}/acknowledge", a.handleAcknowledgeAlarm)
			r.Post("/{id}/resolve", a.handleResolveAlarm)
		})

		r.Route("/breakers", func(r chi.Router) {
			r.Get("/", a.handleBreakers)
			r.Post("/{name}/melt", a.handleMeltBreaker)
			r.Post("/{name}/reset", a.handleResetBreaker)
		})

		r.Get("/stations", a.handleStations)
		r.Get("/health", a.handleHealthAll)
		r.Get("/telemetry/stats", a.handleTelemetryStats)

		r.Route("/tle", func(r chi.Router) {
			r.Post("/parse", a.handleTLEParse)
			r.Post("/refresh", a.handleTLERefresh)
		})

		r.Post("/auth/revoke", a.handleRevokeToken)
	})

	return r
}

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := a.getConfig()
	summary, err := a.alarms.Summarize(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name":            "stellarops",
		"uptime_seconds":  int64(time.Since(a.startedAt).Seconds()),
		"satellites":      a.fleet.Count(),
		"commands":        a.queue.Snapshot(),
		"alarms":          summary,
		"ws_sessions":     a.hub.Sessions(),
		"database_driver": cfg.Database.Driver,
		"demo_enabled":    cfg.Demo.Enabled,
		"dev_mode":        cfg.Server.DevMode,
	})
}

func (a *App) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    Version,
		"go_version": GoVersion,
		"built_at":   BuiltAt,
	})
}

// handleConfig returns the running configuration. The auth token never
// serializes; its field is tagged out of the JSON form.
func (a *App) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.getConfig())
}

func (a *App) handleSatellites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"satellites": a.fleet.States(r.Context())})
}

func (a *App) handleCreateSatellite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		NoradID  int    `json:"norad_id"`
		TLELine1 string `json:"tle_line1"`
		TLELine2 string `json:"tle_line2"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeErr(w, err)
		return
	}

	s := satellite.Defaults(req.ID, req.Name)
	s.NoradID = req.NoradID
	s.TLELine1 = req.TLELine1
	s.TLELine2 = req.TLELine2
	s.CreatedAt = time.Now().UTC()
	s.UpdatedAt = s.CreatedAt

	if err := a.store.InsertSatellite(r.Context(), s); err != nil {
		a.writeErr(w, err)
		return
	}
	actor, err := a.fleet.Start(s)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	state, err := actor.State(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func (a *App) handleSatellite(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	actor, ok := a.fleet.Lookup(id)
	if !ok {
		// Not running; fall back to the durable record.
		s, err := a.store.Satellite(r.Context(), id)
		if err != nil {
			a.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
		return
	}
	state, err := actor.State(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *App) handleDeleteSatellite(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a.fleet.Stop(id)
	if err := a.store.DeleteSatellite(r.Context(), id); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (a *App) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeErr(w, err)
		return
	}
	mode, err := satellite.ParseMode(req.Mode)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	actor, ok := a.fleet.Lookup(id)
	if !ok {
		a.writeErr(w, faults.NotFound.New("satellite %s is not running", id))
		return
	}
	state, err := actor.SetMode(r.Context(), mode)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *App) handleSatelliteHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := a.monitor.Record(id)
	if !ok {
		a.writeErr(w, faults.NotFound.New("no health record for satellite %s", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *App) handleHealthAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"records": a.monitor.Snapshot()})
}

func (a *App) handleTelemetryHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := a.store.TelemetryHistory(r.Context(), id, queryLimit(r, 100))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *App) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventType  string         `json:"event_type"`
		Payload    map[string]any `json:"payload"`
		Source     string         `json:"source"`
		RecordedAt time.Time      `json:"recorded_at"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeErr(w, err)
		return
	}
	ev, err := a.ingester.Ingest(r.Context(), chi.URLParam(r, "id"), req.EventType, req.Payload, telemetry.IngestOptions{
		Source:     req.Source,
		RecordedAt: req.RecordedAt,
	})
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (a *App) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cmds, err := a.queue.History(r.Context(), id, queryLimit(r, 50))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

func (a *App) handleCommandQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.queue.Snapshot())
}

func (a *App) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SatelliteID string         `json:"satellite_id"`
		Type        string         `json:"type"`
		Payload     map[string]any `json:"payload"`
		Priority    string         `json:"priority"`
		ScheduledAt *time.Time     `json:"scheduled_at"`
		TimeoutMS   int            `json:"timeout_ms"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeErr(w, err)
		return
	}

	opts := command.EnqueueOptions{
		ScheduledAt: req.ScheduledAt,
		Timeout:     time.Duration(req.TimeoutMS) * time.Millisecond,
	}
	if req.Priority != "" {
		prio, err := command.ParsePriority(req.Priority)
		if err != nil {
			a.writeErr(w, err)
			return
		}
		opts.Priority = prio
	}

	cmd, err := a.queue.Enqueue(r.Context(), req.SatelliteID, req.Type, req.Payload, opts)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (a *App) handleCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := a.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (a *App) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := a.queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (a *App) handleAlarms(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("history") != "" {
		alarms, err := a.store.AlarmHistory(r.Context(), queryLimit(r, 100))
		if err != nil {
			a.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"alarms": alarms})
		return
	}

	active, err := a.alarms.Active(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	summary, err := a.alarms.Summarize(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary, "alarms": active})
}

func (a *App) handleAcknowledgeAlarm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeErr(w, err)
		return
	}
	al, err := a.alarms.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, al)
}

func (a *App) handleResolveAlarm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeErr(w, err)
		return
	}
	al, err := a.alarms.Resolve(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, al)
}

func (a *App) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": a.breakers.StatusAll()})
}

func (a *App) handleMeltBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	a.breakers.Melt(name)
	status, err := a.breakers.Status(name)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *App) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	a.breakers.Reset(name)
	status, err := a.breakers.Status(name)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *App) handleStations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"stations": a.stations.Snapshot()})
}

func (a *App) handleTelemetryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ingester.Stats())
}

// handleTLEParse parses a raw TLE dump from the request body and returns
// the decoded element sets without storing anything.
func (a *App) handleTLEParse(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		a.writeErr(w, faults.Validation.Wrap(err))
		return
	}
	sets := tle.ParseStream(string(raw))
	if len(sets) == 0 {
		a.writeErr(w, faults.ParseError.New("no parsable TLE records in body"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(sets), "sets": sets})
}

func (a *App) handleTLERefresh(w http.ResponseWriter, r *http.Request) {
	updated, err := a.tles.Refresh(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"satellites_updated": updated})
}

func (a *App) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeErr(w, err)
		return
	}
	if req.Token == "" {
		a.writeErr(w, faults.Validation.New("token is required"))
		return
	}
	if err := a.store.RevokeToken(r.Context(), req.Token, req.ExpiresAt); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

// writeErr maps the fault taxonomy onto HTTP statuses and emits a uniform
// error body.
func (a *App) writeErr(w http.ResponseWriter, err error) {
	kind := faults.Kind(err)
	status := http.StatusInternalServerError
	switch {
	case faults.Is(err, faults.NotFound):
		status = http.StatusNotFound
	case faults.Is(err, faults.Validation), faults.Is(err, faults.ParseError):
		status = http.StatusBadRequest
	case faults.Is(err, faults.InvalidStatus), faults.Is(err, faults.AlreadyExists):
		status = http.StatusConflict
	case faults.Is(err, faults.Timeout):
		status = http.StatusGatewayTimeout
	case faults.Is(err, faults.CircuitOpen), faults.Is(err, faults.Transient), faults.Is(err, faults.NoGroundStation):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		a.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "reason": kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return faults.ParseError.New("request body: %v", err)
	}
	return nil
}

func queryLimit(r *http.Request, fallback int) int {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
