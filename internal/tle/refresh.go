package tle

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/breaker"
	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/satellite"
)

const cacheFile = "tle_cache.txt"

// Store is the slice of the durable store the refresher needs.
type Store interface {
	Satellites(ctx context.Context) ([]*satellite.Satellite, error)
	UpdateSatellite(ctx context.Context, s *satellite.Satellite) error
	UpsertTLE(ctx context.Context, t *TLE) error
}

// RefreshConfig tunes the refresher.
type RefreshConfig struct {
	URL      string
	CacheDir string
	MaxAge   time.Duration
}

// Refresher periodically pulls a bulk TLE dump, parses it, and pushes
// fresh element sets into the store and onto the satellites that carry a
// NORAD id. Raw text goes through a tiered fallback: fresh disk cache,
// breaker-wrapped network fetch, stale disk cache.
type Refresher struct {
	cfg      RefreshConfig
	store    Store
	breakers *breaker.Registry
	log      *zap.Logger
	client   *http.Client
}

// NewRefresher wires the refresher. Run starts the periodic loop; Refresh
// may also be called on demand.
func NewRefresher(cfg RefreshConfig, store Store, breakers *breaker.Registry, log *zap.Logger) *Refresher {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	return &Refresher{
		cfg:      cfg,
		store:    store,
		breakers: breakers,
		log:      log.Named("tle"),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Run refreshes immediately and then on every MaxAge interval until ctx is
// done. Refresh failures are logged and retried on the next interval.
func (r *Refresher) Run(ctx context.Context) error {
	if r.cfg.URL == "" {
		r.log.Info("no TLE source configured, refresher idle")
		<-ctx.Done()
		return nil
	}

	if _, err := r.Refresh(ctx); err != nil {
		r.log.Warn("initial TLE refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.cfg.MaxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Refresh(ctx); err != nil {
				r.log.Warn("TLE refresh failed", zap.Error(err))
			}
		}
	}
}

// Refresh loads the freshest TLE text available, parses it, and applies
// the element sets. It returns the number of satellites updated.
func (r *Refresher) Refresh(ctx context.Context) (int, error) {
	raw, err := r.loadOrFetch()
	if err != nil {
		return 0, err
	}

	sets := ParseStream(raw)
	if len(sets) == 0 {
		return 0, faults.ParseError.New("no parsable TLE records in source")
	}

	byNorad := make(map[int]*TLE, len(sets))
	for _, t := range sets {
		if err := r.store.UpsertTLE(ctx, t); err != nil {
			r.log.Warn("TLE upsert failed", zap.Int("norad_id", t.NoradID), zap.Error(err))
			continue
		}
		byNorad[t.NoradID] = t
	}

	sats, err := r.store.Satellites(ctx)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, s := range sats {
		t, ok := byNorad[s.NoradID]
		if !ok || s.NoradID == 0 {
			continue
		}
		if s.TLELine1 == t.Line1 && s.TLELine2 == t.Line2 {
			continue
		}
		s.TLELine1, s.TLELine2 = t.Lines()
		s.TLEEpoch = t.Epoch
		if err := r.store.UpdateSatellite(ctx, s); err != nil {
			r.log.Warn("satellite TLE update failed",
				zap.String("satellite_id", s.ID), zap.Error(err))
			continue
		}
		updated++
	}

	r.log.Info("TLE refresh complete",
		zap.Int("parsed", len(sets)),
		zap.Int("satellites_updated", updated))
	return updated, nil
}

// loadOrFetch walks the fallback chain: fresh disk cache, network behind
// the tle_source breaker, stale disk cache.
func (r *Refresher) loadOrFetch() (string, error) {
	cachePath := filepath.Join(r.cfg.CacheDir, cacheFile)

	if info, err := os.Stat(cachePath); err == nil && time.Since(info.ModTime()) < r.cfg.MaxAge {
		if b, readErr := os.ReadFile(cachePath); readErr == nil && len(b) > 0 {
			return string(b), nil
		}
	}

	res, fetchErr := r.breakers.Do("tle_source", func() (any, error) {
		return r.fetch()
	})
	if fetchErr == nil {
		if body, ok := res.(string); ok && body != "" {
			// Cache write failure is non-fatal; the data is already in hand.
			if err := r.writeCache(cachePath, body); err != nil {
				r.log.Warn("TLE cache write failed", zap.Error(err))
			}
			return body, nil
		}
	}

	if b, readErr := os.ReadFile(cachePath); readErr == nil && len(b) > 0 {
		r.log.Warn("serving stale TLE cache", zap.Error(fetchErr))
		return string(b), nil
	}

	return "", faults.Transient.New("all TLE sources exhausted: %v", fetchErr)
}

func (r *Refresher) fetch() (string, error) {
	resp, err := r.client.Get(r.cfg.URL)
	if err != nil {
		return "", faults.Transient.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", faults.Transient.New("TLE fetch returned HTTP %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", faults.Transient.Wrap(err)
	}
	return string(b), nil
}

// writeCache writes via temp file and rename so readers never see a
// half-written cache.
func (r *Refresher) writeCache(path, data string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "tle-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
