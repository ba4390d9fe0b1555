// Package schedule computes when a fired automation may actually send.
package schedule

import (
	"errors"
	"time"

	"whatsauto/internal/constants"
	"whatsauto/internal/models"
)

// ErrNoEligibleWindow is a permanent outcome: no instant satisfies the rule's
// day and hour constraints.
var ErrNoEligibleWindow = errors.New(models.ReasonNoEligibleWindow)

// Window is an hour-of-day range [Start, End). Start > End wraps past midnight.
type Window struct {
	Start int
	End   int
}

func (w Window) Contains(t time.Time) bool {
	h := t.Hour()
	if w.Start < w.End {
		return h >= w.Start && h < w.End
	}
	return h >= w.Start || h < w.End
}

// NextOpen returns t when it is inside the window, otherwise the next instant
// the window opens in t's location.
func (w Window) NextOpen(t time.Time) time.Time {
	if w.Contains(t) {
		return t
	}
	open := atHour(t, w.Start)
	if !open.After(t) {
		open = atHour(t.AddDate(0, 0, 1), w.Start)
	}
	return open
}

func atHour(t time.Time, hour int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, hour, 0, 0, 0, t.Location())
}

// NextEligibleInstant is the earliest instant at or after firedAt +
// sendAfterMinutes that falls on an active day and inside the active hours,
// evaluated in loc. It is deterministic in its inputs.
func NextEligibleInstant(rule models.AutomationRule, firedAt time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	days, restricted := activeDaySet(rule.ActiveDays)
	if restricted && len(days) == 0 {
		return time.Time{}, ErrNoEligibleWindow
	}

	var window *Window
	dayStartHour := 0
	if rule.HasHoursWindow() {
		window = &Window{Start: *rule.ActiveHoursStart, End: *rule.ActiveHoursEnd}
		dayStartHour = window.Start
	}

	candidate := firedAt.Add(time.Duration(rule.SendAfterMinutes) * time.Minute).In(loc)

	// Each pass either returns or moves to a window opening or a later day,
	// so two weeks of passes covers every reachable case.
	for i := 0; i < constants.MaxSchedulePasses; i++ {
		if restricted && !days[candidate.Weekday()] {
			candidate = atHour(candidate.AddDate(0, 0, 1), dayStartHour)
			continue
		}
		if window == nil || window.Contains(candidate) {
			return candidate, nil
		}
		candidate = window.NextOpen(candidate)
	}

	return time.Time{}, ErrNoEligibleWindow
}

func activeDaySet(activeDays []time.Weekday) (map[time.Weekday]bool, bool) {
	if len(activeDays) == 0 {
		return nil, false
	}
	days := make(map[time.Weekday]bool, len(activeDays))
	for _, day := range activeDays {
		if day >= time.Sunday && day <= time.Saturday {
			days[day] = true
		}
	}
	return days, true
}
