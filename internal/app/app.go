// Package app wires the daemon together: store, bus, fleet registry,
// command pipeline, telemetry pipeline, health monitor, breakers, TLE and
// orbital refreshers, and the HTTP/WebSocket surface. It owns process
// lifecycle; every background loop runs under one errgroup and stops when
// the root context is cancelled.
package app

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stellarops/stellarops/internal/alarm"
	"github.com/stellarops/stellarops/internal/breaker"
	"github.com/stellarops/stellarops/internal/bus"
	"github.com/stellarops/stellarops/internal/command"
	"github.com/stellarops/stellarops/internal/config"
	"github.com/stellarops/stellarops/internal/demo"
	"github.com/stellarops/stellarops/internal/health"
	"github.com/stellarops/stellarops/internal/metrics"
	"github.com/stellarops/stellarops/internal/orbital"
	"github.com/stellarops/stellarops/internal/satellite"
	"github.com/stellarops/stellarops/internal/station"
	"github.com/stellarops/stellarops/internal/store"
	"github.com/stellarops/stellarops/internal/telemetry"
	"github.com/stellarops/stellarops/internal/tle"
	"github.com/stellarops/stellarops/internal/ws"
)

// Options holds everything the App needs from the caller.
type Options struct {
	Log  *zap.Logger
	Cfg  config.Config
	Bind string
	// ConfigPath enables live reload of the softer tunables when set.
	ConfigPath string
}

// App is the daemon. New builds every subsystem; Run boots the fleet and
// serves until the context ends.
type App struct {
	log        *zap.Logger
	bind       string
	configPath string

	cfgMu sync.RWMutex
	cfg   config.Config

	store    store.Store
	bus      *bus.Bus
	metrics  *metrics.Metrics
	breakers *breaker.Registry
	alarms   *alarm.Service
	fleet    *satellite.Registry
	stations *station.Selector
	queue    *command.Queue
	executor *command.Executor
	agg      *telemetry.Aggregator
	ingester *telemetry.Ingester
	monitor  *health.Monitor
	tles     *tle.Refresher
	orbit    *orbital.Refresher
	hub      *ws.Hub

	server    *http.Server
	startedAt time.Time
}

// New builds the full subsystem graph. Nothing starts running until Run.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Cfg
	log := opts.Log

	st, err := store.New(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	b := bus.New(log, m, cfg.Bus.BufferSize)

	breakers := breaker.NewRegistry(b, log, m)
	for name, bc := range cfg.Breakers {
		breakers.Register(name, breaker.Config{
			WindowFailures: bc.WindowFailures,
			Window:         bc.Window(),
			Refresh:        bc.Refresh(),
			Fallback:       breaker.Policy(bc.Fallback),
		})
	}

	alarms := alarm.NewService(st, b, log, m)
	fleet := satellite.NewRegistry(log, m, alarms, satellite.DefaultRegistryConfig())

	stationCfgs := make([]station.Config, 0, len(cfg.Stations))
	for _, sc := range cfg.Stations {
		stationCfgs = append(stationCfgs, station.Config{
			ID:        sc.ID,
			Name:      sc.Name,
			Latitude:  sc.Latitude,
			Longitude: sc.Longitude,
			Capacity:  sc.Capacity,
		})
	}
	stations := station.NewSelector(stationCfgs, log)
	for _, sc := range cfg.Stations {
		if !sc.Online {
			_ = stations.SetOnline(sc.ID, false)
		}
	}

	queue := command.NewQueue(st, b, log, m, command.QueueConfig{
		DefaultTimeout: cfg.Commands.DefaultTimeout(),
		MaxRetries:     cfg.Commands.MaxRetries,
		TickInterval:   cfg.Commands.TickInterval(),
	})
	executor := command.NewExecutor(queue, fleet, stations, breakers, b, log, command.ExecutorConfig{
		BaseTransmissionDelay: cfg.Commands.BaseTransmissionDelay(),
		TransmissionJitter:    cfg.Commands.TransmissionJitter(),
		DelayScale:            cfg.Commands.ProcessingDelayScale,
	})

	agg := telemetry.NewAggregator(st, b, log, telemetry.AggregatorConfig{
		PersistInterval:      cfg.Aggregator.PersistInterval(),
		CleanupInterval:      cfg.Aggregator.CleanupInterval(),
		SignificantChangePct: cfg.Aggregator.SignificantChangePct,
	})
	monitor := health.NewMonitor(fleet, agg, alarms, b, log, health.Config{
		HeartbeatTimeout: cfg.Health.HeartbeatTimeout(),
		CheckInterval:    cfg.Health.CheckInterval(),
	})
	ingester := telemetry.NewIngester(st, fleet, agg, alarms, monitor, b, log, m, telemetry.IngesterConfig{
		Thresholds:    thresholdsFromConfig(cfg.Telemetry.Thresholds),
		RetentionDays: cfg.Telemetry.RetentionDays,
	})

	tles := tle.NewRefresher(tle.RefreshConfig{
		URL:      cfg.TLE.URL,
		CacheDir: cfg.TLE.CacheDir,
		MaxAge:   time.Duration(cfg.TLE.RefreshHours) * time.Hour,
	}, st, breakers, log)

	var orbit *orbital.Refresher
	if cfg.Orbital.Enabled {
		client := orbital.New(cfg.Orbital.URL, breakers, log)
		orbit = orbital.NewRefresher(client, fleet, cfg.Orbital.RefreshInterval(), log)
	}

	hub := ws.NewHub(ws.Deps{
		Bus:     b,
		Fleet:   fleet,
		Queue:   queue,
		Alarms:  alarms,
		Health:  monitor,
		Tokens:  st,
		Metrics: m,
		Log:     log,
		Auth: ws.AuthConfig{
			Token:          cfg.Auth.Token,
			AllowAnonymous: cfg.Auth.AllowAnonymous,
			DevMode:        cfg.Server.DevMode,
		},
	})

	return &App{
		log:        log.Named("app"),
		bind:       opts.Bind,
		configPath: opts.ConfigPath,
		cfg:        cfg,
		store:      st,
		bus:        b,
		metrics:    m,
		breakers:   breakers,
		alarms:     alarms,
		fleet:      fleet,
		stations:   stations,
		queue:      queue,
		executor:   executor,
		agg:        agg,
		ingester:   ingester,
		monitor:    monitor,
		tles:       tles,
		orbit:      orbit,
		hub:        hub,
		startedAt:  time.Now(),
	}, nil
}

// Run boots the fleet from the store, starts every background loop, and
// serves HTTP until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.boot(ctx); err != nil {
		return err
	}

	bind := a.bind
	if bind == "" {
		bind = a.getConfig().Server.Bind
	}

	a.server = &http.Server{
		Addr:              bind,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}
	a.log.Info("listening", zap.String("bind", bind))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.queue.Run(ctx) })
	g.Go(func() error { return a.executor.Run(ctx) })
	g.Go(func() error { return a.agg.Run(ctx) })
	g.Go(func() error { return a.ingester.Run(ctx) })
	g.Go(func() error { return a.monitor.Run(ctx) })
	g.Go(func() error { return a.tles.Run(ctx) })
	if a.orbit != nil {
		g.Go(func() error { return a.orbit.Run(ctx) })
	}
	if a.configPath != "" {
		g.Go(func() error { return config.Watch(ctx, a.configPath, a.log, a.applyConfig) })
	}

	cfg := a.getConfig()
	if cfg.Demo.Enabled {
		runner := demo.New(a.store, a.fleet, a.queue, a.ingester, a.log)
		if cfg.Demo.IntervalSeconds > 0 {
			runner.Interval = time.Duration(cfg.Demo.IntervalSeconds) * time.Second
		}
		g.Go(func() error { return runner.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutdown requested")
		a.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.server.Shutdown(shutdownCtx)
		return nil
	})
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	err = g.Wait()
	a.fleet.Close()
	if cerr := a.store.Close(); cerr != nil {
		a.log.Warn("store close failed", zap.Error(cerr))
	}
	return err
}

// boot starts an actor for every satellite in the store and requeues
// commands that were interrupted mid flight.
func (a *App) boot(ctx context.Context) error {
	sats, err := a.store.Satellites(ctx)
	if err != nil {
		return err
	}
	for _, s := range sats {
		if _, err := a.fleet.Start(s); err != nil {
			a.log.Warn("actor start failed at boot",
				zap.String("satellite_id", s.ID), zap.Error(err))
		}
	}
	if len(sats) > 0 {
		a.log.Info("fleet booted", zap.Int("satellites", len(sats)))
	}
	return a.queue.Reconcile(ctx)
}

func (a *App) getConfig() config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// applyConfig takes a freshly loaded config from the file watcher. Only the
// tunables that are safe to swap at runtime are applied; structural settings
// like bind address and database need a restart.
func (a *App) applyConfig(cfg config.Config) {
	a.cfgMu.Lock()
	a.cfg = cfg
	a.cfgMu.Unlock()

	a.ingester.SetThresholds(thresholdsFromConfig(cfg.Telemetry.Thresholds))
	a.log.Info("configuration reloaded", zap.String("path", a.configPath))
}

func thresholdsFromConfig(t config.ThresholdsConfig) telemetry.Thresholds {
	return telemetry.Thresholds{
		EnergyLow:           t.EnergyLow,
		EnergyCritical:      t.EnergyCritical,
		MemoryHigh:          t.MemoryHigh,
		MemoryCritical:      t.MemoryCritical,
		TemperatureHigh:     t.TemperatureHigh,
		TemperatureCritical: t.TemperatureCritical,
		TemperatureLow:      t.TemperatureLow,
	}
}
