// Package schoolday fixes the one policy for "today": the school's local
// calendar date in its configured time zone, never the host's zone or UTC.
package schoolday

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire and storage format of a school date.
const DateLayout = "2006-01-02"

// Calendar maps instants to school dates.
type Calendar struct {
	loc   *time.Location
	clock func() time.Time
}

// New returns a calendar for the given IANA zone name.
func New(zone string) (*Calendar, error) {
	loc, err := time.LoadLocation(strings.TrimSpace(zone))
	if err != nil {
		return nil, fmt.Errorf("load school timezone %q: %w", zone, err)
	}
	return &Calendar{loc: loc, clock: time.Now}, nil
}

// NewWithClock is New with a fixed clock, for tests and replay.
func NewWithClock(loc *time.Location, clock func() time.Time) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	if clock == nil {
		clock = time.Now
	}
	return &Calendar{loc: loc, clock: clock}
}

func (c *Calendar) Location() *time.Location { return c.loc }

// Now is the current instant in school time.
func (c *Calendar) Now() time.Time { return c.clock().In(c.loc) }

// Today is the current school date.
func (c *Calendar) Today() string { return c.DateOf(c.clock()) }

// DateOf is the school date t falls on.
func (c *Calendar) DateOf(t time.Time) string { return t.In(c.loc).Format(DateLayout) }

// ParseCutoff checks an HH:MM wall-clock cutoff such as LATE_AFTER.
func ParseCutoff(cutoff string) (time.Time, error) {
	hm, err := time.Parse("15:04", strings.TrimSpace(cutoff))
	if err != nil {
		return time.Time{}, fmt.Errorf("cutoff must be HH:MM, got %q", cutoff)
	}
	return hm, nil
}

// After reports whether t is later than the HH:MM wall-clock cutoff on t's
// school date. A malformed cutoff reports false; config.Validate rejects
// one at startup.
func (c *Calendar) After(t time.Time, cutoff string) bool {
	hm, err := ParseCutoff(cutoff)
	if err != nil {
		return false
	}
	local := t.In(c.loc)
	limit := time.Date(local.Year(), local.Month(), local.Day(), hm.Hour(), hm.Minute(), 0, 0, c.loc)
	return local.After(limit)
}

// ParseDate validates a YYYY-MM-DD school date. Empty means today.
func (c *Calendar) ParseDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return c.Today(), nil
	}
	d, err := time.ParseInLocation(DateLayout, s, c.loc)
	if err != nil {
		return "", fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}
	return d.Format(DateLayout), nil
}
