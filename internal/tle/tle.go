// Package tle decodes Two-Line Element sets. The format is fixed-column
// text with several numeric quirks inherited from punch-card days; this
// parser honors them exactly and keeps the original lines alongside the
// decoded fields so a parsed set can be re-emitted byte for byte.
package tle

import (
	"strconv"
	"strings"
	"time"

	"github.com/stellarops/stellarops/internal/faults"
)

// TLE is one parsed element set plus the exact lines it came from.
type TLE struct {
	NoradID        int       `json:"norad_id"`
	Name           string    `json:"name,omitempty"`
	Classification string    `json:"classification"`
	IntlDesignator string    `json:"intl_designator"`
	Epoch          time.Time `json:"epoch"`

	Inclination float64 `json:"inclination"`
	RAAN        float64 `json:"raan"`
	Eccentricity float64 `json:"eccentricity"`
	ArgPerigee  float64 `json:"arg_perigee"`
	MeanAnomaly float64 `json:"mean_anomaly"`
	MeanMotion  float64 `json:"mean_motion"`

	MeanMotionDot  float64 `json:"mean_motion_dot"`
	MeanMotionDDot float64 `json:"mean_motion_ddot"`
	BStar          float64 `json:"bstar"`
	ElementSet     int     `json:"element_set"`
	RevNumber      int     `json:"rev_number"`

	Line1 string `json:"line1"`
	Line2 string `json:"line2"`

	// ChecksumOK is false when either line's trailing digit disagrees with
	// the computed checksum. The record still parses; the mismatch is a
	// soft warning.
	ChecksumOK bool `json:"checksum_ok"`
}

// Lines re-emits the set exactly as it was read.
func (t *TLE) Lines() (string, string) { return t.Line1, t.Line2 }

// Parse decodes one element set from its two lines, with an optional name
// from a preceding title line.
//
// Column layout (0-based, half-open ranges):
//
//	L1: norad [2:7]  class [7]  intl [9:17]  epoch year [18:20]
//	    epoch day [20:32]  ndot [33:43]  nddot [44:52]  bstar [53:61]
//	    element set [64:68]  checksum [68]
//	L2: norad [2:7]  incl [8:16]  raan [17:25]  ecc [26:33]
//	    argp [34:42]  ma [43:51]  mm [52:63]  rev [63:68]  checksum [68]
func Parse(name, line1, line2 string) (*TLE, error) {
	if len(line1) < 69 {
		return nil, faults.ParseError.New("line 1 is %d chars, need at least 69", len(line1))
	}
	if len(line2) < 69 {
		return nil, faults.ParseError.New("line 2 is %d chars, need at least 69", len(line2))
	}
	if line1[0] != '1' {
		return nil, faults.ParseError.New("line 1 must start with '1', got %q", line1[0])
	}
	if line2[0] != '2' {
		return nil, faults.ParseError.New("line 2 must start with '2', got %q", line2[0])
	}

	t := &TLE{
		Name:       strings.TrimSpace(name),
		Line1:      line1,
		Line2:      line2,
		ChecksumOK: verifyChecksum(line1) && verifyChecksum(line2),
	}

	var err error
	if t.NoradID, err = parseInt(line1[2:7]); err != nil {
		return nil, faults.ParseError.New("line 1 norad id: %v", err)
	}
	t.Classification = string(line1[7])
	t.IntlDesignator = strings.TrimSpace(line1[9:17])

	year, err := parseInt(line1[18:20])
	if err != nil {
		return nil, faults.ParseError.New("line 1 epoch year: %v", err)
	}
	day, err := parseFloat(line1[20:32])
	if err != nil {
		return nil, faults.ParseError.New("line 1 epoch day: %v", err)
	}
	t.Epoch, err = epochTime(year, day)
	if err != nil {
		return nil, err
	}

	if t.MeanMotionDot, err = parseFloat(line1[33:43]); err != nil {
		return nil, faults.ParseError.New("line 1 mean motion dot: %v", err)
	}
	if t.MeanMotionDDot, err = parseExponential(line1[44:52]); err != nil {
		return nil, faults.ParseError.New("line 1 mean motion ddot: %v", err)
	}
	if t.BStar, err = parseExponential(line1[53:61]); err != nil {
		return nil, faults.ParseError.New("line 1 bstar: %v", err)
	}
	if t.ElementSet, err = parseInt(line1[64:68]); err != nil {
		return nil, faults.ParseError.New("line 1 element set: %v", err)
	}

	if t.Inclination, err = parseFloat(line2[8:16]); err != nil {
		return nil, faults.ParseError.New("line 2 inclination: %v", err)
	}
	if t.RAAN, err = parseFloat(line2[17:25]); err != nil {
		return nil, faults.ParseError.New("line 2 raan: %v", err)
	}
	// Eccentricity omits the leading "0.": "0001234" means 0.0001234.
	ecc := strings.TrimSpace(line2[26:33])
	if t.Eccentricity, err = parseFloat("0." + ecc); err != nil {
		return nil, faults.ParseError.New("line 2 eccentricity: %v", err)
	}
	if t.ArgPerigee, err = parseFloat(line2[34:42]); err != nil {
		return nil, faults.ParseError.New("line 2 arg of perigee: %v", err)
	}
	if t.MeanAnomaly, err = parseFloat(line2[43:51]); err != nil {
		return nil, faults.ParseError.New("line 2 mean anomaly: %v", err)
	}
	if t.MeanMotion, err = parseFloat(line2[52:63]); err != nil {
		return nil, faults.ParseError.New("line 2 mean motion: %v", err)
	}
	if t.RevNumber, err = parseInt(line2[63:68]); err != nil {
		return nil, faults.ParseError.New("line 2 rev number: %v", err)
	}

	return t, nil
}

// ParseStream decodes every element set in a bulk text dump. A line
// beginning with "1 " starts a 2-line record; any other non-empty line is
// taken as the title of a 3-line record. Records that fail to parse are
// skipped; the successfully parsed sets are returned in input order.
func ParseStream(raw string) []*TLE {
	var out []*TLE
	lines := nonEmptyLines(raw)

	for i := 0; i < len(lines); {
		name := ""
		if !strings.HasPrefix(lines[i], "1 ") {
			name = lines[i]
			i++
		}
		if i+1 >= len(lines) {
			break
		}
		t, err := Parse(name, lines[i], lines[i+1])
		if err != nil {
			// Resync on the next candidate line.
			i++
			continue
		}
		out = append(out, t)
		i += 2
	}
	return out
}

func nonEmptyLines(raw string) []string {
	var out []string
	for _, l := range strings.Split(raw, "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// Checksum computes the TLE line checksum: the sum of all digits plus one
// per minus sign, mod 10. The checksum column itself is excluded.
func Checksum(line string) int {
	sum := 0
	for _, c := range line[:68] {
		switch {
		case c >= '0' && c <= '9':
			sum += int(c - '0')
		case c == '-':
			sum++
		}
	}
	return sum % 10
}

func verifyChecksum(line string) bool {
	c := line[68]
	if c < '0' || c > '9' {
		return false
	}
	return int(c-'0') == Checksum(line)
}

// epochTime reconstructs the UTC epoch from a 2-digit year and fractional
// day of year. Years 57..99 map to 1957..1999, 00..56 to 2000..2056.
func epochTime(year2 int, day float64) (time.Time, error) {
	if day < 1 {
		return time.Time{}, faults.ParseError.New("epoch day %v is before day 1", day)
	}
	year := 2000 + year2
	if year2 >= 57 {
		year = 1900 + year2
	}

	whole := int(day)
	frac := day - float64(whole)
	base := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, whole-1)

	micros := int64(frac*86400*1e6 + 0.5)
	return base.Add(time.Duration(micros) * time.Microsecond), nil
}

// parseFloat accepts the TLE habit of omitting the leading zero, so
// ".00012778" and "-.00012778" both decode.
func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	return strconv.ParseFloat(s, 64)
}

func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// parseExponential decodes the TLE packed exponential form: "-12345-3"
// means -0.12345 x 10^-3. The mantissa carries an implied leading "0.".
func parseExponential(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "00000-0" || s == "00000+0" {
		return 0, nil
	}

	sign := 1.0
	switch {
	case strings.HasPrefix(s, "-"):
		sign = -1
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}

	// The exponent sign sits somewhere after the first mantissa digit.
	expIdx := strings.LastIndexAny(s, "+-")
	if expIdx <= 0 {
		return 0, faults.ParseError.New("malformed exponential field %q", s)
	}
	mantissa, err := strconv.ParseFloat("0."+s[:expIdx], 64)
	if err != nil {
		return 0, err
	}
	exp, err := strconv.Atoi(s[expIdx:])
	if err != nil {
		return 0, err
	}

	v := sign * mantissa
	for i := 0; i < exp; i++ {
		v *= 10
	}
	for i := 0; i > exp; i-- {
		v /= 10
	}
	return v, nil
}
