// Package dose derives dose status from a medicine's schedule and its log,
// and records dose actions against the store.
package dose

import (
	"time"

	"github.com/noahxzhu/dose-reminder/internal/model"
)

type Status string

const (
	StatusTaken    Status = "taken"
	StatusUpcoming Status = "upcoming"
	StatusSnoozed  Status = "snoozed"
	StatusMissed   Status = "missed"
	StatusDueSoon  Status = "due-soon"
)

const (
	// DueLead is how long before the effective time a slot becomes due-soon.
	DueLead = 15 * time.Minute
	// MissedAfter is how long after the effective time a slot counts as missed.
	MissedAfter = 30 * time.Minute
)

// Slot is the resolved state of one scheduled time for today.
type Slot struct {
	Time      string              `json:"time"`
	Nominal   time.Time           `json:"nominal"`
	Effective time.Time           `json:"effective"`
	Status    Status              `json:"status"`
	Entry     *model.DoseLogEntry `json:"entry,omitempty"`
}

// SnoozeExpired reports whether the slot's log entry is a snooze whose
// deadline has passed.
func (s Slot) SnoozeExpired(now time.Time) bool {
	if s.Entry == nil || s.Entry.Action != model.ActionSnoozed || s.Entry.SnoozedUntil == nil {
		return false
	}
	return !s.Entry.SnoozedUntil.After(now)
}

type MedicineStatus struct {
	Medicine model.Medicine `json:"medicine"`
	Status   Status         `json:"status"`
	Slots    []Slot         `json:"slots"`
}

// Resolve classifies every scheduled time of med for the calendar day of now
// (in now's location). Entries for other medicines or other days are ignored.
func Resolve(med model.Medicine, entries []model.DoseLogEntry, now time.Time) MedicineStatus {
	date := now.Format(model.DateLayout)

	byTime := make(map[string]*model.DoseLogEntry, len(entries))
	for i := range entries {
		e := &entries[i]
		if e.MedicineID != med.ID || e.ScheduledDate != date {
			continue
		}
		byTime[e.ScheduledTime] = e
	}

	slots := make([]Slot, 0, len(med.ScheduledTimes))
	for _, hhmm := range med.ScheduledTimes {
		nominal, err := SlotTime(now, hhmm)
		if err != nil {
			continue
		}
		slots = append(slots, classify(hhmm, nominal, byTime[hhmm], now))
	}

	return MedicineStatus{
		Medicine: med,
		Status:   Collapse(slots),
		Slots:    slots,
	}
}

func classify(hhmm string, nominal time.Time, entry *model.DoseLogEntry, now time.Time) Slot {
	s := Slot{Time: hhmm, Nominal: nominal, Effective: nominal, Entry: entry}

	unexpiredSnooze := entry != nil &&
		entry.Action == model.ActionSnoozed &&
		entry.SnoozedUntil != nil &&
		entry.SnoozedUntil.After(now)
	if unexpiredSnooze {
		s.Effective = entry.SnoozedUntil.In(now.Location()).Truncate(time.Minute)
	}

	switch {
	case entry != nil && entry.Action == model.ActionTaken:
		s.Status = StatusTaken
	case entry != nil && entry.Action == model.ActionSkipped:
		s.Status = StatusUpcoming
	case unexpiredSnooze:
		s.Status = StatusSnoozed
	case !now.Before(s.Effective.Add(MissedAfter)):
		s.Status = StatusMissed
	case !now.Before(s.Effective.Add(-DueLead)):
		s.Status = StatusDueSoon
	default:
		s.Status = StatusUpcoming
	}
	return s
}

// Collapse reduces slot statuses to one medicine-level status, most urgent first.
func Collapse(slots []Slot) Status {
	var missed, snoozed bool
	taken := 0
	for _, s := range slots {
		switch s.Status {
		case StatusDueSoon:
			return StatusDueSoon
		case StatusMissed:
			missed = true
		case StatusSnoozed:
			snoozed = true
		case StatusTaken:
			taken++
		}
	}
	switch {
	case missed:
		return StatusMissed
	case snoozed:
		return StatusSnoozed
	case len(slots) > 0 && taken == len(slots):
		return StatusTaken
	}
	return StatusUpcoming
}

// SlotTime places an "HH:MM" time on the calendar day of day.
func SlotTime(day time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse(model.TimeLayout, hhmm)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, day.Location()), nil
}
