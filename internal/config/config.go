// Package config handles loading, defaulting, and validation of the
// StellarOps TOML configuration file. Every section maps to a typed struct
// so the rest of the codebase gets strong typing without manual key lookups.
// Values may be overridden by environment variables at load time.
package config

import (
	"errors"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/stellarops/stellarops/internal/faults"
)

// Config is the top-level configuration, mirroring the TOML sections.
type Config struct {
	Server     ServerConfig             `toml:"server"     json:"server"`
	Logging    LoggingConfig            `toml:"logging"    json:"logging"`
	Database   DatabaseConfig           `toml:"database"   json:"database"`
	Auth       AuthConfig               `toml:"auth"       json:"auth"`
	Bus        BusConfig                `toml:"bus"        json:"bus"`
	Commands   CommandsConfig           `toml:"commands"   json:"commands"`
	Telemetry  TelemetryConfig          `toml:"telemetry"  json:"telemetry"`
	Aggregator AggregatorConfig         `toml:"aggregator" json:"aggregator"`
	Health     HealthConfig             `toml:"health"     json:"health"`
	TLE        TLEConfig                `toml:"tle"        json:"tle"`
	Orbital    OrbitalConfig            `toml:"orbital"    json:"orbital"`
	Demo       DemoConfig               `toml:"demo"       json:"demo"`
	Stations   []StationConfig          `toml:"stations"   json:"stations"   validate:"dive"`
	Breakers   map[string]BreakerConfig `toml:"breakers"   json:"breakers"   validate:"dive"`
}

type ServerConfig struct {
	Bind    string `toml:"bind"     json:"bind"     validate:"required"`
	DevMode bool   `toml:"dev_mode" json:"dev_mode"`
}

type LoggingConfig struct {
	Level  string `toml:"level"  json:"level"  validate:"oneof=debug info warn error"`
	Format string `toml:"format" json:"format" validate:"oneof=console json"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver" json:"driver" validate:"oneof=memory postgres"`
	URL    string `toml:"url"    json:"url"`
}

type AuthConfig struct {
	Token          string `toml:"token"           json:"-"`
	AllowAnonymous bool   `toml:"allow_anonymous" json:"allow_anonymous"`
}

type BusConfig struct {
	BufferSize int `toml:"buffer_size" json:"buffer_size" validate:"min=0"`
}

type CommandsConfig struct {
	DefaultTimeoutMs         int     `toml:"default_timeout_ms"          json:"default_timeout_ms"          validate:"min=1"`
	MaxRetries               int     `toml:"max_retries"                 json:"max_retries"                 validate:"min=0"`
	TickIntervalMs           int     `toml:"tick_interval_ms"            json:"tick_interval_ms"            validate:"min=1"`
	BaseTransmissionDelayMs  int     `toml:"base_transmission_delay_ms"  json:"base_transmission_delay_ms"  validate:"min=0"`
	TransmissionJitterMs     int     `toml:"transmission_jitter_ms"      json:"transmission_jitter_ms"      validate:"min=0"`
	ProcessingDelayScale     float64 `toml:"processing_delay_scale"      json:"processing_delay_scale"      validate:"gt=0"`
}

type TelemetryConfig struct {
	RetentionDays int              `toml:"retention_days" json:"retention_days" validate:"min=1"`
	Thresholds    ThresholdsConfig `toml:"thresholds"     json:"thresholds"`
}

// ThresholdsConfig holds the anomaly boundaries applied by the ingester.
// Crossing a critical boundary raises a critical alarm; crossing only the
// softer boundary raises a warning.
type ThresholdsConfig struct {
	EnergyLow           float64 `toml:"energy_low"           json:"energy_low"`
	EnergyCritical      float64 `toml:"energy_critical"      json:"energy_critical"`
	MemoryHigh          float64 `toml:"memory_high"          json:"memory_high"`
	MemoryCritical      float64 `toml:"memory_critical"      json:"memory_critical"`
	TemperatureHigh     float64 `toml:"temperature_high"     json:"temperature_high"`
	TemperatureCritical float64 `toml:"temperature_critical" json:"temperature_critical"`
	TemperatureLow      float64 `toml:"temperature_low"      json:"temperature_low"`
}

type AggregatorConfig struct {
	PersistIntervalMs    int     `toml:"persist_interval_ms" json:"persist_interval_ms" validate:"min=1"`
	CleanupIntervalMs    int     `toml:"cleanup_interval_ms" json:"cleanup_interval_ms" validate:"min=1"`
	SignificantChangePct float64 `toml:"significant_change_pct" json:"significant_change_pct" validate:"min=0"`
}

type HealthConfig struct {
	HeartbeatTimeoutMs int `toml:"heartbeat_timeout_ms" json:"heartbeat_timeout_ms" validate:"min=1"`
	CheckIntervalMs    int `toml:"check_interval_ms"    json:"check_interval_ms"    validate:"min=1"`
}

type TLEConfig struct {
	URL          string `toml:"url"           json:"url"           validate:"omitempty,url"`
	RefreshHours int    `toml:"refresh_hours" json:"refresh_hours" validate:"min=1"`
	CacheDir     string `toml:"cache_dir"     json:"cache_dir"`
}

type OrbitalConfig struct {
	URL               string `toml:"url"                 json:"url"                 validate:"omitempty,url"`
	RefreshIntervalMs int    `toml:"refresh_interval_ms" json:"refresh_interval_ms" validate:"min=0"`
	Enabled           bool   `toml:"enabled"             json:"enabled"`
}

type DemoConfig struct {
	Enabled         bool `toml:"enabled"          json:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds" json:"interval_seconds" validate:"min=0"`
}

type StationConfig struct {
	ID        string  `toml:"id"        json:"id"        validate:"required"`
	Name      string  `toml:"name"      json:"name"`
	Latitude  float64 `toml:"latitude"  json:"latitude"  validate:"min=-90,max=90"`
	Longitude float64 `toml:"longitude" json:"longitude" validate:"min=-180,max=180"`
	Online    bool    `toml:"online"    json:"online"`
	Capacity  int     `toml:"capacity"  json:"capacity"  validate:"min=1"`
}

type BreakerConfig struct {
	WindowFailures int    `toml:"window_failures" json:"window_failures" validate:"min=1"`
	WindowMs       int    `toml:"window_ms"       json:"window_ms"       validate:"min=1"`
	RefreshMs      int    `toml:"refresh_ms"      json:"refresh_ms"      validate:"min=1"`
	Fallback       string `toml:"fallback"        json:"fallback"        validate:"oneof=error skip cached_or_error"`
}

// Duration accessors. TOML keeps the *_ms names so the file matches the
// documented configuration surface; code works in time.Duration.

func (c CommandsConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}
func (c CommandsConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}
func (c CommandsConfig) BaseTransmissionDelay() time.Duration {
	return time.Duration(c.BaseTransmissionDelayMs) * time.Millisecond
}
func (c CommandsConfig) TransmissionJitter() time.Duration {
	return time.Duration(c.TransmissionJitterMs) * time.Millisecond
}
func (c AggregatorConfig) PersistInterval() time.Duration {
	return time.Duration(c.PersistIntervalMs) * time.Millisecond
}
func (c AggregatorConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}
func (c HealthConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}
func (c HealthConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMs) * time.Millisecond
}
func (c BreakerConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}
func (c BreakerConfig) Refresh() time.Duration {
	return time.Duration(c.RefreshMs) * time.Millisecond
}
func (c OrbitalConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMs) * time.Millisecond
}

// Default returns a Config populated with sane defaults. Values here are
// used whenever the TOML file omits a field.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:    "0.0.0.0:4000",
			DevMode: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Auth: AuthConfig{
			AllowAnonymous: false,
		},
		Bus: BusConfig{
			BufferSize: 64,
		},
		Commands: CommandsConfig{
			DefaultTimeoutMs:        60000,
			MaxRetries:              3,
			TickIntervalMs:          5000,
			BaseTransmissionDelayMs: 500,
			TransmissionJitterMs:    500,
			ProcessingDelayScale:    1.0,
		},
		Telemetry: TelemetryConfig{
			RetentionDays: 90,
			Thresholds: ThresholdsConfig{
				EnergyLow:           15,
				EnergyCritical:      5,
				MemoryHigh:          90,
				MemoryCritical:      95,
				TemperatureHigh:     60,
				TemperatureCritical: 80,
				TemperatureLow:      -40,
			},
		},
		Aggregator: AggregatorConfig{
			PersistIntervalMs:    60000,
			CleanupIntervalMs:    300000,
			SignificantChangePct: 5,
		},
		Health: HealthConfig{
			HeartbeatTimeoutMs: 120000,
			CheckIntervalMs:    30000,
		},
		TLE: TLEConfig{
			URL:          "https://celestrak.org/NORAD/elements/gp.php?GROUP=active&FORMAT=tle",
			RefreshHours: 24,
			CacheDir:     "/var/lib/stellarops",
		},
		Orbital: OrbitalConfig{
			RefreshIntervalMs: 60000,
			Enabled:           false,
		},
		Demo: DemoConfig{
			Enabled:         false,
			IntervalSeconds: 2,
		},
		Stations: []StationConfig{
			{ID: "GS-SVALBARD", Name: "Svalbard", Latitude: 78.23, Longitude: 15.39, Online: true, Capacity: 4},
			{ID: "GS-WALLOPS", Name: "Wallops Island", Latitude: 37.94, Longitude: -75.46, Online: true, Capacity: 4},
			{ID: "GS-DONGARA", Name: "Dongara", Latitude: -29.05, Longitude: 114.85, Online: true, Capacity: 2},
		},
		Breakers: map[string]BreakerConfig{
			"ground_station":  {WindowFailures: 5, WindowMs: 60000, RefreshMs: 30000, Fallback: "error"},
			"orbital_service": {WindowFailures: 5, WindowMs: 60000, RefreshMs: 30000, Fallback: "error"},
			"tle_source":      {WindowFailures: 3, WindowMs: 300000, RefreshMs: 600000, Fallback: "cached_or_error"},
		},
	}
}

// Load reads the TOML file at path, layers it on top of the defaults,
// applies environment overrides, and validates the result. A missing file
// is not an error; the defaults plus environment are used instead.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, faults.Validation.Wrap(err)
		}
	case errors.Is(err, os.ErrNotExist):
		// Fall through to env + defaults.
	default:
		return cfg, err
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays the recognized environment variables. DATABASE_URL also
// switches the driver to postgres since a DSN is only meaningful there.
func applyEnv(cfg *Config) {
	if v := os.Getenv("STELLAROPS_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("STELLAROPS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("STELLAROPS_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("STELLAROPS_AUTH_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
		cfg.Database.Driver = "postgres"
	}
	if v := os.Getenv("ORBITAL_SERVICE_URL"); v != "" {
		cfg.Orbital.URL = v
		cfg.Orbital.Enabled = true
	}
}

// Validate checks struct tags plus the cross-field constraints the tags
// cannot express.
func Validate(cfg Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return faults.Validation.Wrap(err)
	}

	if cfg.Database.Driver == "postgres" && cfg.Database.URL == "" {
		return faults.Validation.New("database.url is required when database.driver is postgres")
	}
	if !cfg.Auth.AllowAnonymous && !cfg.Server.DevMode && cfg.Auth.Token == "" {
		return faults.Validation.New("auth.token is required unless auth.allow_anonymous or server.dev_mode is set")
	}
	th := cfg.Telemetry.Thresholds
	if th.EnergyCritical > th.EnergyLow {
		return faults.Validation.New("telemetry.thresholds: energy_critical must not exceed energy_low")
	}
	if th.MemoryHigh > th.MemoryCritical {
		return faults.Validation.New("telemetry.thresholds: memory_high must not exceed memory_critical")
	}
	if th.TemperatureHigh > th.TemperatureCritical {
		return faults.Validation.New("telemetry.thresholds: temperature_high must not exceed temperature_critical")
	}
	if cfg.Orbital.Enabled && cfg.Orbital.URL == "" {
		return faults.Validation.New("orbital.url is required when orbital.enabled is set")
	}
	return nil
}
