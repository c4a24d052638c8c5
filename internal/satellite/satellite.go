// Package satellite owns the live per-satellite state. Each satellite gets
// one actor goroutine that serializes every mutation through its inbox; a
// registry supervises the actors, restarting crashed ones within a bounded
// rate and raising an alarm when an actor keeps dying.
package satellite

import (
	"math"
	"time"

	"github.com/stellarops/stellarops/internal/faults"
)

// Mode is a satellite operating mode.
type Mode string

const (
	ModeNominal  Mode = "nominal"
	ModeSafe     Mode = "safe"
	ModeSurvival Mode = "survival"
)

// ParseMode validates a mode string from a payload or API call.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNominal, ModeSafe, ModeSurvival:
		return Mode(s), nil
	default:
		return "", faults.Validation.New("unknown mode %q", s)
	}
}

// Position is a satellite position in kilometers, ECI frame.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (p Position) finite() bool {
	for _, v := range []float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Satellite is one satellite's record: durable identity plus the volatile
// state its actor owns at runtime.
type Satellite struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	NoradID int    `json:"norad_id,omitempty"`

	Mode       Mode     `json:"mode"`
	Energy     float64  `json:"energy"`
	MemoryUsed float64  `json:"memory_used"`
	Position   Position `json:"position"`

	TLELine1 string    `json:"tle_line1,omitempty"`
	TLELine2 string    `json:"tle_line2,omitempty"`
	TLEEpoch time.Time `json:"tle_epoch,omitzero"`

	LastHeartbeat time.Time `json:"last_heartbeat,omitzero"`
	CreatedAt     time.Time `json:"created_at,omitzero"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`
}

// Defaults returns the state a fresh (or freshly restarted) actor starts
// with: full energy, nominal mode, nothing in memory.
func Defaults(id, name string) *Satellite {
	return &Satellite{
		ID:     id,
		Name:   name,
		Mode:   ModeNominal,
		Energy: 100,
	}
}

func clampEnergy(e float64) float64 {
	switch {
	case e < 0:
		return 0
	case e > 100:
		return 100
	default:
		return e
	}
}

// modeForEnergy applies the automatic mode transition rules after an energy
// change. Explicit SetMode overrides are not subject to these rules.
func modeForEnergy(energy float64, current Mode) Mode {
	switch {
	case energy < 5:
		return ModeSurvival
	case energy < 20:
		return ModeSafe
	case energy > 30 && (current == ModeSafe || current == ModeSurvival):
		return ModeNominal
	case energy > 10 && current == ModeSurvival:
		return ModeSafe
	default:
		return current
	}
}
