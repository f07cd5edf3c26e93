package throttle

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// literalRE matches "2017-04-06T10:00 UTC", "2017-01-09T00:00:00 UTC",
// "2017-05-06T09:00 +1:00", "2017-04-06 10:00" and a bare date.
var literalRE = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})(?:[T ](\d{1,2}:\d{2}(?::\d{2})?))?\s*(.*)$`)

var offsetRE = regexp.MustCompile(`^([+-])(\d{1,2})(?::?(\d{2}))?$`)

// ParseTime parses a rule window literal into an absolute instant.
// RFC 3339 is tried first, then the looser "date[Ttime] [zone]" form where
// zone is UTC/GMT/Z, a numeric offset like +1:00 or -0530, or an IANA name.
// A literal without a zone is read as UTC. Calendar overflow (June 31) is an error.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}

	m := literalRE.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}
	date, clock, zone := m[1], m[2], strings.TrimSpace(m[3])

	loc, err := parseZone(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}

	layout := "2006-01-02"
	value := date
	if clock != "" {
		if len(clock) == 4 || len(clock) == 7 {
			// single digit hour
			clock = "0" + clock
		}
		value = date + "T" + clock
		if len(clock) == 5 {
			layout = "2006-01-02T15:04"
		} else {
			layout = "2006-01-02T15:04:05"
		}
	}

	t, err := time.ParseInLocation(layout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseZone(zone string) (*time.Location, error) {
	switch strings.ToUpper(zone) {
	case "", "UTC", "GMT", "Z":
		return time.UTC, nil
	}
	if m := offsetRE.FindStringSubmatch(zone); m != nil {
		hours, _ := strconv.Atoi(m[2])
		mins := 0
		if m[3] != "" {
			mins, _ = strconv.Atoi(m[3])
		}
		if hours > 14 || mins > 59 {
			return nil, fmt.Errorf("offset %q out of range", zone)
		}
		secs := hours*3600 + mins*60
		if m[1] == "-" {
			secs = -secs
		}
		return time.FixedZone(zone, secs), nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("unknown zone %q", zone)
	}
	return loc, nil
}
