package dose

import (
	"testing"
	"time"

	"github.com/noahxzhu/dose-reminder/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func med(times ...string) model.Medicine {
	return model.Medicine{ID: "m1", UserID: "u1", Name: "Metformin", ScheduledTimes: times, Active: true}
}

func entry(hhmm string, action model.Action) model.DoseLogEntry {
	return model.DoseLogEntry{
		MedicineID: "m1", UserID: "u1", ScheduledDate: "2024-03-01", ScheduledTime: hhmm, Action: action,
	}
}

func snoozed(hhmm string, until time.Time) model.DoseLogEntry {
	e := entry(hhmm, model.ActionSnoozed)
	e.SnoozedUntil = &until
	return e
}

func TestResolveSlotPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		entries []model.DoseLogEntry
		now     time.Time
		want    Status
	}{
		{"well before window", nil, at(8, 44), StatusUpcoming},
		{"window opens 15m early", nil, at(8, 45), StatusDueSoon},
		{"five minutes in", nil, at(9, 5), StatusDueSoon},
		{"last minute of window", nil, at(9, 29), StatusDueSoon},
		{"missed at +30m", nil, at(9, 30), StatusMissed},
		{"missed at +35m", nil, at(9, 35), StatusMissed},
		{"taken beats time", []model.DoseLogEntry{entry("09:00", model.ActionTaken)}, at(23, 0), StatusTaken},
		{"taken before window", []model.DoseLogEntry{entry("09:00", model.ActionTaken)}, at(6, 0), StatusTaken},
		{"skipped reads as upcoming", []model.DoseLogEntry{entry("09:00", model.ActionSkipped)}, at(10, 0), StatusUpcoming},
		{"unexpired snooze", []model.DoseLogEntry{snoozed("09:00", at(9, 10))}, at(9, 6), StatusSnoozed},
		{"unexpired snooze past missed line", []model.DoseLogEntry{snoozed("09:00", at(9, 40))}, at(9, 35), StatusSnoozed},
		{"expired snooze falls back to nominal", []model.DoseLogEntry{snoozed("09:00", at(9, 6))}, at(9, 6), StatusDueSoon},
		{"expired snooze late", []model.DoseLogEntry{snoozed("09:00", at(9, 20))}, at(9, 31), StatusMissed},
		{"logged missed inside window", []model.DoseLogEntry{entry("09:00", model.ActionMissed)}, at(9, 10), StatusDueSoon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(med("09:00"), tt.entries, tt.now)
			require.Len(t, got.Slots, 1)
			assert.Equal(t, tt.want, got.Slots[0].Status)
		})
	}
}

func TestResolveEffectiveTime(t *testing.T) {
	until := at(9, 7).Add(42 * time.Second)
	got := Resolve(med("09:00"), []model.DoseLogEntry{snoozed("09:00", until)}, at(9, 5))
	require.Len(t, got.Slots, 1)
	assert.True(t, got.Slots[0].Effective.Equal(at(9, 7)), "effective=%s", got.Slots[0].Effective)
	assert.True(t, got.Slots[0].Nominal.Equal(at(9, 0)))

	got = Resolve(med("09:00"), []model.DoseLogEntry{snoozed("09:00", at(9, 6))}, at(9, 8))
	assert.True(t, got.Slots[0].Effective.Equal(at(9, 0)), "expired snooze uses nominal time")
	assert.True(t, got.Slots[0].SnoozeExpired(at(9, 8)))
}

func TestResolveIgnoresForeignEntries(t *testing.T) {
	other := entry("09:00", model.ActionTaken)
	other.MedicineID = "m2"
	yesterday := entry("09:00", model.ActionTaken)
	yesterday.ScheduledDate = "2024-02-29"

	got := Resolve(med("09:00"), []model.DoseLogEntry{other, yesterday}, at(9, 5))
	assert.Equal(t, StatusDueSoon, got.Status)
}

func TestResolveMedicineLevel(t *testing.T) {
	tests := []struct {
		name    string
		times   []string
		entries []model.DoseLogEntry
		now     time.Time
		want    Status
	}{
		{"due-soon wins over missed", []string{"08:00", "12:00"}, nil, at(11, 50), StatusDueSoon},
		{"missed wins over snoozed", []string{"08:00", "12:00"},
			[]model.DoseLogEntry{snoozed("12:00", at(12, 10))}, at(12, 5), StatusMissed},
		{"snoozed wins over upcoming", []string{"08:00", "20:00"},
			[]model.DoseLogEntry{entry("08:00", model.ActionTaken), snoozed("20:00", at(20, 5))}, at(20, 1), StatusSnoozed},
		{"all taken", []string{"08:00", "20:00"},
			[]model.DoseLogEntry{entry("08:00", model.ActionTaken), entry("20:00", model.ActionTaken)}, at(21, 0), StatusTaken},
		{"partly taken is upcoming", []string{"08:00", "20:00"},
			[]model.DoseLogEntry{entry("08:00", model.ActionTaken)}, at(12, 0), StatusUpcoming},
		{"skipped is not taken", []string{"08:00"},
			[]model.DoseLogEntry{entry("08:00", model.ActionSkipped)}, at(12, 0), StatusUpcoming},
		{"no slots", nil, nil, at(12, 0), StatusUpcoming},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(med(tt.times...), tt.entries, tt.now)
			assert.Equal(t, tt.want, got.Status)
		})
	}
}

func TestResolveUpcomingBeforeWindowForAllSlots(t *testing.T) {
	times := []string{"06:30", "09:00", "13:15", "21:45"}
	for _, hhmm := range times {
		nominal, err := SlotTime(day, hhmm)
		require.NoError(t, err)
		for _, lead := range []time.Duration{16 * time.Minute, time.Hour, 5 * time.Hour} {
			now := nominal.Add(-lead)
			if now.Day() != day.Day() {
				continue
			}
			got := Resolve(med(hhmm), nil, now)
			assert.Equal(t, StatusUpcoming, got.Slots[0].Status, "%s at %s", hhmm, now.Format(time.Kitchen))
		}
	}
}

func TestResolveSkipsMalformedTimes(t *testing.T) {
	got := Resolve(med("9am", "09:00"), nil, at(9, 0))
	require.Len(t, got.Slots, 1)
	assert.Equal(t, "09:00", got.Slots[0].Time)
}
