package tle

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	issName  = "ISS (ZARYA)"
	issLine1 = "1 25544U 98067A   08264.51782528 -.00002182  00000-0 -11606-4 0  2927"
	issLine2 = "2 25544  51.6416 247.4627 0006703 130.5360 325.0288 15.72125391563537"
)

func TestParseISS(t *testing.T) {
	tle, err := Parse(issName, issLine1, issLine2)
	require.NoError(t, err)

	assert.Equal(t, 25544, tle.NoradID)
	assert.Equal(t, "ISS (ZARYA)", tle.Name)
	assert.Equal(t, "U", tle.Classification)
	assert.Equal(t, "98067A", tle.IntlDesignator)

	assert.InDelta(t, 51.6416, tle.Inclination, 1e-9)
	assert.InDelta(t, 247.4627, tle.RAAN, 1e-9)
	assert.InDelta(t, 0.0006703, tle.Eccentricity, 1e-12)
	assert.InDelta(t, 130.5360, tle.ArgPerigee, 1e-9)
	assert.InDelta(t, 325.0288, tle.MeanAnomaly, 1e-9)
	assert.InDelta(t, 15.72125391, tle.MeanMotion, 1e-9)

	assert.InDelta(t, -0.00002182, tle.MeanMotionDot, 1e-12)
	assert.Zero(t, tle.MeanMotionDDot)
	assert.InDelta(t, -0.11606e-4, tle.BStar, 1e-12)
	assert.Equal(t, 292, tle.ElementSet)
	assert.Equal(t, 56353, tle.RevNumber)
	assert.True(t, tle.ChecksumOK)

	// 2008 day 264.51782528: Sep 20, 12:25:40.104192 UTC.
	want := time.Date(2008, time.September, 20, 12, 25, 40, 104192000, time.UTC)
	assert.WithinDuration(t, want, tle.Epoch, time.Microsecond)
}

func TestChecksumMismatchIsSoft(t *testing.T) {
	bad := issLine1[:68] + "0"
	tle, err := Parse("", bad, issLine2)
	require.NoError(t, err)
	assert.False(t, tle.ChecksumOK)
	assert.Equal(t, 25544, tle.NoradID)
}

func TestParseRejectsShortLines(t *testing.T) {
	_, err := Parse("", "1 25544U", issLine2)
	assert.Error(t, err)
	_, err = Parse("", issLine1, "2 25544")
	assert.Error(t, err)
	_, err = Parse("", issLine2, issLine1)
	assert.Error(t, err)
}

func TestNumericQuirks(t *testing.T) {
	v, err := parseFloat(".00012778")
	require.NoError(t, err)
	assert.InDelta(t, 0.00012778, v, 1e-12)

	v, err = parseFloat("-.00012778")
	require.NoError(t, err)
	assert.InDelta(t, -0.00012778, v, 1e-12)

	v, err = parseExponential("-12345-3")
	require.NoError(t, err)
	assert.InDelta(t, -0.12345e-3, v, 1e-12)

	v, err = parseExponential(" 12345+1")
	require.NoError(t, err)
	assert.InDelta(t, 1.2345, v, 1e-12)

	v, err = parseExponential("00000-0")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestEpochYearWindow(t *testing.T) {
	at57, err := epochTime(57, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1957, at57.Year())

	at99, err := epochTime(99, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1999, at99.Year())

	at00, err := epochTime(0, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 2000, at00.Year())

	at56, err := epochTime(56, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 2056, at56.Year())
}

func TestChecksumCountsMinusSigns(t *testing.T) {
	assert.Equal(t, int(issLine1[68]-'0'), Checksum(issLine1))
	assert.Equal(t, int(issLine2[68]-'0'), Checksum(issLine2))
}

func TestParseStreamMixedFormats(t *testing.T) {
	raw := strings.Join([]string{
		issName,
		issLine1,
		issLine2,
		"garbage line that is not a TLE",
		issLine1,
		issLine2,
	}, "\n")

	sets := ParseStream(raw)
	require.Len(t, sets, 2)
	assert.Equal(t, "ISS (ZARYA)", sets[0].Name)
	assert.Equal(t, 25544, sets[0].NoradID)
	// The garbage line becomes the name of the following 2-line record.
	assert.Equal(t, 25544, sets[1].NoradID)
}

func TestRoundTrip(t *testing.T) {
	first, err := Parse(issName, issLine1, issLine2)
	require.NoError(t, err)

	l1, l2 := first.Lines()
	assert.Equal(t, issLine1, l1)
	assert.Equal(t, issLine2, l2)

	again, err := Parse(first.Name, l1, l2)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}
