// Package calendar defines the trading-calendar and session-rule interfaces
// consumed by validation and the cache service.
//
// Calendar logic itself is an external collaborator; this package specifies
// the narrow surface the data core depends on and ships a deterministic
// in-memory implementation for wiring and tests.
package calendar

import (
	"sort"
	"time"
)

// Date is a calendar date (no time-of-day, no zone). The canonical string
// form is ISO YYYY-MM-DD.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf truncates an instant to its calendar date in the instant's location.
func DateOf(t time.Time) Date {
	year, month, day := t.Date()

	return Date{Year: year, Month: month, Day: day}
}

// ParseDate parses an ISO YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, err
	}

	return DateOf(t), nil
}

// String renders the ISO form.
func (d Date) String() string {
	return d.Time().Format("2006-01-02")
}

// Time returns midnight UTC of the date.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	return d.Time().Before(other.Time())
}

// After reports whether d is strictly later than other.
func (d Date) After(other Date) bool {
	return d.Time().After(other.Time())
}

// AddDays returns the date shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// TradingCalendar exposes scheduled sessions for one market.
type TradingCalendar interface {
	// Sessions returns the scheduled session dates in [start, end], sorted
	// ascending with no duplicates.
	Sessions(start, end Date) []Date
}

// CalendarFactory resolves a TradingCalendar for a market identifier (MIC).
type CalendarFactory func(mic string) (TradingCalendar, error)

// SessionRule gives the local close time and timezone for one MIC, valid
// within an optional effective date range.
type SessionRule struct {
	MIC               string
	RegularCloseLocal string // "HH:MM" local wall-clock close
	TimezoneLocal     string // IANA name, e.g. "America/New_York"
	EffectiveFrom     *Date
	EffectiveTo       *Date
}

// AppliesOn reports whether the rule is effective on the given trading date.
func (r SessionRule) AppliesOn(d Date) bool {
	if r.EffectiveFrom != nil && d.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && d.After(*r.EffectiveTo) {
		return false
	}

	return true
}

// SessionRules is a keyed snapshot of session rules with a version hash used
// in registry entries and config fingerprints.
type SessionRules struct {
	Version string
	Rules   map[string]SessionRule // keyed by MIC
}

// Lookup returns the rule for a MIC, if present.
func (s SessionRules) Lookup(mic string) (SessionRule, bool) {
	rule, ok := s.Rules[mic]

	return rule, ok
}

// StaticCalendar is a fixed session list, used for deterministic tests and
// offline wiring.
type StaticCalendar struct {
	sessions []Date
}

// NewStaticCalendar copies and sorts the given sessions, dropping duplicates.
func NewStaticCalendar(sessions []Date) *StaticCalendar {
	unique := make(map[Date]struct{}, len(sessions))
	for _, session := range sessions {
		unique[session] = struct{}{}
	}

	sorted := make([]Date, 0, len(unique))
	for session := range unique {
		sorted = append(sorted, session)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	return &StaticCalendar{sessions: sorted}
}

// Sessions returns the scheduled dates within [start, end].
func (c *StaticCalendar) Sessions(start, end Date) []Date {
	var result []Date
	for _, session := range c.sessions {
		if session.Before(start) || session.After(end) {
			continue
		}
		result = append(result, session)
	}

	return result
}
