// Package rule evaluates privacy rules against a reference instant.
//
// A rule is a weekly schedule (weekday names plus an inclusive wall-clock
// window) bounded by an absolute expiration date. Evaluation is a pure
// function of the rule and the instant passed in: nothing is remembered
// between calls, so the reconciliation loop can re-derive the state on
// every pass.
package rule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DateLayout is the layout of expiration_date.
	DateLayout = "2006/01/02"
	// ClockLayout is the layout of time_start and time_end.
	ClockLayout = "15:04"
)

var (
	// ErrInvalidRule is wrapped by every parse failure.
	ErrInvalidRule = errors.New("invalid privacy rule")
	// ErrOvernightWindow marks windows whose start is after their end.
	// Such windows never match; see Rule.Overnight.
	ErrOvernightWindow = errors.New("overnight time window is not supported")
)

// State is the outcome of evaluating a rule at an instant.
type State int

const (
	// StateIdle: not expired, outside the schedule window.
	StateIdle State = iota
	// StateActive: not expired, inside the schedule window.
	StateActive
	// StateExpired: the expiration date has passed.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Value is the JSON payload of a privacy rule record.
type Value struct {
	TargetKind     string   `json:"target_topic"`
	TargetID       string   `json:"target_uuid"`
	Days           []string `json:"days"`
	TimeStart      string   `json:"time_start"`
	TimeEnd        string   `json:"time_end"`
	ExpirationDate string   `json:"expiration_date"`
}

// Rule is a parsed privacy rule.
type Rule struct {
	ID         string
	TargetKind string
	TargetID   string
	Days       map[time.Weekday]bool
	Start      time.Duration // offset from local midnight
	End        time.Duration
	// TimeEnd is the raw end bound, echoed onto the device as privacy_until.
	TimeEnd string

	expYear  int
	expMonth time.Month
	expDay   int
}

// Parse builds a Rule from a record id and its raw JSON value.
func Parse(id string, raw json.RawMessage) (*Rule, error) {
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrInvalidRule, id, err)
	}
	return FromValue(id, v)
}

// FromValue builds a Rule from an already decoded value.
func FromValue(id string, v Value) (*Rule, error) {
	if v.TargetKind == "" || v.TargetID == "" {
		return nil, fmt.Errorf("%w %s: missing target", ErrInvalidRule, id)
	}

	exp, err := time.Parse(DateLayout, strings.TrimSpace(v.ExpirationDate))
	if err != nil {
		return nil, fmt.Errorf("%w %s: expiration_date %q: %v", ErrInvalidRule, id, v.ExpirationDate, err)
	}

	start, err := parseClock(v.TimeStart)
	if err != nil {
		return nil, fmt.Errorf("%w %s: time_start: %v", ErrInvalidRule, id, err)
	}
	end, err := parseClock(v.TimeEnd)
	if err != nil {
		return nil, fmt.Errorf("%w %s: time_end: %v", ErrInvalidRule, id, err)
	}

	days := make(map[time.Weekday]bool, len(v.Days))
	for _, name := range v.Days {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("%w %s: unknown day %q", ErrInvalidRule, id, name)
		}
		days[wd] = true
	}

	return &Rule{
		ID:         id,
		TargetKind: v.TargetKind,
		TargetID:   v.TargetID,
		Days:       days,
		Start:      start,
		End:        end,
		TimeEnd:    v.TimeEnd,
		expYear:    exp.Year(),
		expMonth:   exp.Month(),
		expDay:     exp.Day(),
	}, nil
}

// Validate reports semantic problems that do not prevent evaluation.
func (r *Rule) Validate() error {
	if r.Overnight() {
		return fmt.Errorf("rule %s: %w (%s > %s)", r.ID, ErrOvernightWindow, fmtClock(r.Start), fmtClock(r.End))
	}
	return nil
}

// Overnight reports whether the window wraps past midnight. The inclusive
// range comparison never matches such a window, so the rule is never active.
func (r *Rule) Overnight() bool {
	return r.Start > r.End
}

// IsExpired reports whether now's calendar date is strictly after the
// expiration date. Day and time fields are irrelevant.
func (r *Rule) IsExpired(now time.Time) bool {
	y, m, d := now.Date()
	if y != r.expYear {
		return y > r.expYear
	}
	if m != r.expMonth {
		return m > r.expMonth
	}
	return d > r.expDay
}

// IsActive reports whether the rule applies at now: not expired, now's
// weekday is listed, and start <= time of day <= end.
func (r *Rule) IsActive(now time.Time) bool {
	if r.IsExpired(now) {
		return false
	}
	if !r.Days[now.Weekday()] {
		return false
	}
	tod := timeOfDay(now)
	return r.Start <= tod && tod <= r.End
}

// Evaluate folds IsExpired and IsActive into a single State.
func (r *Rule) Evaluate(now time.Time) State {
	switch {
	case r.IsExpired(now):
		return StateExpired
	case r.IsActive(now):
		return StateActive
	default:
		return StateIdle
	}
}

// ExpirationDate returns the expiration date formatted as in the record.
func (r *Rule) ExpirationDate() string {
	return fmt.Sprintf("%04d/%02d/%02d", r.expYear, int(r.expMonth), r.expDay)
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse(ClockLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%q: %v", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func fmtClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}

// timeOfDay keeps sub-minute precision so that 18:00:30 falls outside an
// 18:00 end bound.
func timeOfDay(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
}
