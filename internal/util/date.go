package util

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the YYYY-MM-DD layout used for target dates and file names.
const DateLayout = "2006-01-02"

// ErrInvalidDate is returned when a date string is not YYYY-MM-DD.
var ErrInvalidDate = errors.New("invalid date")

// Clock returns the current instant. Tests inject a fixed clock.
type Clock func() time.Time

// ParseDate parses a YYYY-MM-DD string into midnight UTC of that day.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: use YYYY-MM-DD", ErrInvalidDate, s)
	}
	return t, nil
}

// Yesterday returns the calendar day before now, as observed in loc, at
// midnight UTC.
func Yesterday(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	y, m, d := local.AddDate(0, 0, -1).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ResolveDate returns the explicit date when raw is non-empty, otherwise
// yesterday relative to clock in loc.
func ResolveDate(raw string, clock Clock, loc *time.Location) (time.Time, error) {
	if strings.TrimSpace(raw) != "" {
		return ParseDate(raw)
	}
	if clock == nil {
		clock = time.Now
	}
	return Yesterday(clock(), loc), nil
}

// LoadLocation resolves a timezone name. Empty and "Local" select the host
// zone.
func LoadLocation(name string) (*time.Location, error) {
	switch strings.TrimSpace(name) {
	case "", "Local", "local":
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
