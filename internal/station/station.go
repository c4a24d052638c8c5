// Package station tracks the ground-station catalog and picks an uplink
// for each command transmission. Selection prefers the least-loaded
// online station; stations at capacity are passed over.
package station

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/faults"
)

// Config describes one ground station from the configuration file.
type Config struct {
	ID        string
	Name      string
	Latitude  float64
	Longitude float64
	Capacity  int
}

// Info is a read-only snapshot of one station.
type Info struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Capacity  int     `json:"capacity"`
	Load      int     `json:"load"`
	Online    bool    `json:"online"`
}

type station struct {
	Info
}

// Selector owns the station table. All methods are safe for concurrent
// use by executor workers.
type Selector struct {
	mu       sync.Mutex
	stations map[string]*station
	order    []string // stable iteration for deterministic tie-breaks
	log      *zap.Logger
}

// NewSelector builds the selector from the configured catalog. Stations
// start online with zero load.
func NewSelector(cfgs []Config, log *zap.Logger) *Selector {
	s := &Selector{
		stations: make(map[string]*station, len(cfgs)),
		log:      log.Named("stations"),
	}
	for _, c := range cfgs {
		capacity := c.Capacity
		if capacity <= 0 {
			capacity = 1
		}
		s.stations[c.ID] = &station{Info: Info{
			ID:        c.ID,
			Name:      c.Name,
			Latitude:  c.Latitude,
			Longitude: c.Longitude,
			Capacity:  capacity,
			Online:    true,
		}}
		s.order = append(s.order, c.ID)
	}
	sort.Strings(s.order)
	return s
}

// Acquire reserves a link slot on the best available station. The caller
// must Release the returned station id when the transmission ends.
func (s *Selector) Acquire() (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *station
	var bestRatio float64
	for _, id := range s.order {
		st := s.stations[id]
		if !st.Online || st.Load >= st.Capacity {
			continue
		}
		ratio := float64(st.Load) / float64(st.Capacity)
		if best == nil || ratio < bestRatio {
			best = st
			bestRatio = ratio
		}
	}
	if best == nil {
		return Info{}, faults.NoGroundStation.New("no online ground station available")
	}
	best.Load++
	return best.Info, nil
}

// Release frees a link slot. Unknown ids are ignored.
func (s *Selector) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[id]
	if !ok {
		return
	}
	if st.Load > 0 {
		st.Load--
	}
}

// SetOnline flips a station's availability.
func (s *Selector) SetOnline(id string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[id]
	if !ok {
		return faults.NotFound.New("ground station %s not found", id)
	}
	if st.Online != online {
		st.Online = online
		s.log.Info("ground station availability changed",
			zap.String("station_id", id), zap.Bool("online", online))
	}
	return nil
}

// Snapshot lists all stations in id order.
func (s *Selector) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.stations[id].Info)
	}
	return out
}
