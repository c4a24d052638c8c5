package faults

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "not_found", Kind(NotFound.New("satellite %s", "SAT-X")))
	assert.Equal(t, "timeout", Kind(Timeout.New("deadline elapsed")))
	assert.Equal(t, "timeout", Kind(Transient.Wrap(Timeout.New("deadline elapsed"))))
	assert.Equal(t, "exception", Kind(errors.New("anything unclassified")))
}

func TestTrips(t *testing.T) {
	assert.False(t, Trips(nil))
	assert.True(t, Trips(Timeout.New("deadline")))
	assert.True(t, Trips(Transient.New("connection refused")))
	assert.True(t, Trips(Exception.New("boom")))
	assert.True(t, Trips(errors.New("unclassified")), "unknown errors count as exceptions")

	assert.False(t, Trips(NotFound.New("nope")))
	assert.False(t, Trips(Validation.New("bad input")))
	assert.False(t, Trips(NoGroundStation.New("all offline")))
}
