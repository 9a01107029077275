// Package market provides exchange-local time, session windows, and the
// index instrument catalog.
package market

import (
	"fmt"
	"time"
)

// Session window boundaries in IST (minutes from midnight).
const (
	sessionOpenMinutes  = 9*60 + 15  // 09:15
	sessionCloseMinutes = 15*60 + 30 // 15:30
)

// SessionManager answers session-window questions in exchange-local (IST)
// time. All predicates are pure functions of wall time.
type SessionManager struct {
	location *time.Location
	holidays map[string]bool
}

// NewSessionManager creates a session manager for the Indian market.
func NewSessionManager() *SessionManager {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// IST has no DST; the fixed offset is a safe fallback.
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	return &SessionManager{
		location: loc,
		holidays: make(map[string]bool),
	}
}

// Location returns the exchange time zone.
func (m *SessionManager) Location() *time.Location {
	return m.location
}

// NowIST returns the current time in exchange-local time.
func (m *SessionManager) NowIST() time.Time {
	return time.Now().In(m.location)
}

// AddHoliday marks a market holiday.
func (m *SessionManager) AddHoliday(date time.Time) {
	m.holidays[date.In(m.location).Format("2006-01-02")] = true
}

// IsHoliday checks if a date is a market holiday.
func (m *SessionManager) IsHoliday(t time.Time) bool {
	return m.holidays[t.In(m.location).Format("2006-01-02")]
}

// IsWeekday reports whether t falls on a trading weekday.
func (m *SessionManager) IsWeekday(t time.Time) bool {
	wd := t.In(m.location).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// WithinSession reports whether t is inside the trading session
// [09:15, 15:30] IST on a trading day.
func (m *SessionManager) WithinSession(t time.Time) bool {
	t = t.In(m.location)
	if !m.IsWeekday(t) || m.IsHoliday(t) {
		return false
	}
	mins := t.Hour()*60 + t.Minute()
	return mins >= sessionOpenMinutes && mins <= sessionCloseMinutes
}

// WithinWindow reports whether t is inside [open, close], both "HH:MM" IST.
func (m *SessionManager) WithinWindow(t time.Time, open, close string) bool {
	t = t.In(m.location)
	openMins, err := parseHHMM(open)
	if err != nil {
		return false
	}
	closeMins, err := parseHHMM(close)
	if err != nil {
		return false
	}
	mins := t.Hour()*60 + t.Minute()
	return mins >= openMins && mins <= closeMins
}

// AtOrAfter reports whether t has reached the "HH:MM" IST cutoff.
func (m *SessionManager) AtOrAfter(t time.Time, cutoff string) bool {
	t = t.In(m.location)
	cutoffMins, err := parseHHMM(cutoff)
	if err != nil {
		return false
	}
	return t.Hour()*60+t.Minute() >= cutoffMins
}

// DayKey returns the IST session-day key for t ("2006-01-02").
// The session day rolls over at 00:00 IST.
func (m *SessionManager) DayKey(t time.Time) string {
	return t.In(m.location).Format("2006-01-02")
}

// NextTradingDay returns the next weekday that is not a holiday.
func (m *SessionManager) NextTradingDay(t time.Time) time.Time {
	next := t.In(m.location).AddDate(0, 0, 1)
	for !m.IsWeekday(next) || m.IsHoliday(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func parseHHMM(s string) (int, error) {
	var h, min int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &min); err != nil {
		return 0, fmt.Errorf("invalid HH:MM %q: %w", s, err)
	}
	if h < 0 || h > 23 || min < 0 || min > 59 {
		return 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	return h*60 + min, nil
}
