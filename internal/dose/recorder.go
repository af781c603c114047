package dose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/noahxzhu/dose-reminder/internal/model"
)

var (
	ErrMissingAction   = errors.New("action is required")
	ErrMissingTime     = errors.New("scheduled time is required")
	ErrMissingMedicine = errors.New("medicine id is required")
	ErrInvalidAction   = errors.New("unknown action")
	ErrInvalidTime     = errors.New("scheduled time must be HH:MM")
	ErrInvalidDate     = errors.New("scheduled date must be YYYY-MM-DD")
	ErrNotOwned        = errors.New("medicine does not belong to user")
	ErrUnscheduledTime = errors.New("scheduled time is not in the medicine's schedule")
)

// Store is the slice of the persistent store the recorder writes through.
type Store interface {
	GetMedicine(ctx context.Context, id string) (model.Medicine, error)
	FindDoseLogs(ctx context.Context, userID, date string) ([]model.DoseLogEntry, error)
	UpsertDoseLog(ctx context.Context, e model.DoseLogEntry) (model.DoseLogEntry, error)
	IncrementMissedStreak(ctx context.Context, medicineID string) (int, error)
	ResetMissedStreak(ctx context.Context, medicineID string) error
	DecrementRemainingQuantity(ctx context.Context, medicineID string) error
}

// Source names the path that produced an action, for logs and metrics.
type Source string

const (
	SourceVoice  Source = "voice"
	SourceManual Source = "manual"
	SourceSweep  Source = "sweep"
)

type Action struct {
	MedicineID string
	UserID     string // when set, the medicine must belong to this user
	Date       string // defaults to today
	Time       string
	Action     model.Action
	// SnoozedUntil is only used for snoozes; zero means now + snooze duration.
	SnoozedUntil time.Time
	Source       Source
}

type Result struct {
	Entry        model.DoseLogEntry
	Medicine     model.Medicine
	MissedStreak int
	// StreakThresholdReached is set when a missed action brought the streak
	// to the configured threshold or beyond.
	StreakThresholdReached bool
}

type RecorderConfig struct {
	Location        *time.Location
	SnoozeDuration  time.Duration
	StreakThreshold int
}

// Recorder writes dose actions and keeps the missed-streak counter in step.
type Recorder struct {
	store Store
	clock clockwork.Clock
	cfg   RecorderConfig
}

func NewRecorder(store Store, clock clockwork.Clock, cfg RecorderConfig) *Recorder {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.SnoozeDuration <= 0 {
		cfg.SnoozeDuration = 5 * time.Minute
	}
	if cfg.StreakThreshold <= 0 {
		cfg.StreakThreshold = 5
	}
	return &Recorder{store: store, clock: clock, cfg: cfg}
}

// Validate rejects malformed input before anything is written and rewrites
// the time as HH:MM.
func (a *Action) Validate() error {
	a.Time = strings.TrimSpace(a.Time)
	a.Date = strings.TrimSpace(a.Date)
	switch {
	case a.Action == "":
		return ErrMissingAction
	case a.Time == "":
		return ErrMissingTime
	case a.MedicineID == "":
		return ErrMissingMedicine
	case !a.Action.Valid():
		return fmt.Errorf("%w: %q", ErrInvalidAction, a.Action)
	}
	t, err := time.Parse(model.TimeLayout, a.Time)
	if err != nil {
		return ErrInvalidTime
	}
	a.Time = t.Format(model.TimeLayout)
	if a.Date != "" {
		if _, err := time.Parse(model.DateLayout, a.Date); err != nil {
			return ErrInvalidDate
		}
	}
	return nil
}

// Record upserts the log entry for the slot, then applies the streak rules:
// taken and skipped reset it, missed increments it, snoozed leaves it alone.
// Taken also decrements the remaining quantity, once per slot.
func (r *Recorder) Record(ctx context.Context, a Action) (Result, error) {
	if err := a.Validate(); err != nil {
		return Result{}, err
	}

	med, err := r.store.GetMedicine(ctx, a.MedicineID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load medicine %s: %w", a.MedicineID, err)
	}
	if a.UserID != "" && med.UserID != a.UserID {
		return Result{}, fmt.Errorf("medicine %s: %w", a.MedicineID, ErrNotOwned)
	}
	if !scheduledAt(med, a.Time) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnscheduledTime, a.Time)
	}

	now := r.clock.Now().In(r.cfg.Location)
	if a.Date == "" {
		a.Date = now.Format(model.DateLayout)
	}

	prev, err := r.previous(ctx, med, a.Date, a.Time)
	if err != nil {
		return Result{}, err
	}

	entry := model.DoseLogEntry{
		MedicineID:    med.ID,
		UserID:        med.UserID,
		ScheduledDate: a.Date,
		ScheduledTime: a.Time,
		Action:        a.Action,
		ActionAt:      now,
	}
	if a.Action == model.ActionSnoozed {
		until := a.SnoozedUntil
		if until.IsZero() {
			until = now.Add(r.cfg.SnoozeDuration)
		}
		entry.SnoozedUntil = &until
	}

	entry, err = r.store.UpsertDoseLog(ctx, entry)
	if err != nil {
		return Result{}, fmt.Errorf("failed to write dose log: %w", err)
	}

	res := Result{Entry: entry, Medicine: med, MissedStreak: med.MissedStreak}
	switch a.Action {
	case model.ActionTaken:
		if err := r.store.ResetMissedStreak(ctx, med.ID); err != nil {
			return res, fmt.Errorf("failed to reset missed streak: %w", err)
		}
		if prev != model.ActionTaken {
			if err := r.store.DecrementRemainingQuantity(ctx, med.ID); err != nil {
				return res, fmt.Errorf("failed to decrement quantity: %w", err)
			}
		}
		res.MissedStreak = 0
	case model.ActionSkipped:
		if err := r.store.ResetMissedStreak(ctx, med.ID); err != nil {
			return res, fmt.Errorf("failed to reset missed streak: %w", err)
		}
		res.MissedStreak = 0
	case model.ActionMissed:
		n, err := r.store.IncrementMissedStreak(ctx, med.ID)
		if err != nil {
			return res, fmt.Errorf("failed to increment missed streak: %w", err)
		}
		res.MissedStreak = n
		res.StreakThresholdReached = n >= r.cfg.StreakThreshold
	}
	res.Medicine.MissedStreak = res.MissedStreak

	slog.Info("Dose action recorded",
		"medicine", med.ID, "date", entry.ScheduledDate, "time", entry.ScheduledTime,
		"action", entry.Action, "source", a.Source, "missed_streak", res.MissedStreak)
	return res, nil
}

// previous returns the action already logged for the slot, or "" if none.
func (r *Recorder) previous(ctx context.Context, med model.Medicine, date, at string) (model.Action, error) {
	logs, err := r.store.FindDoseLogs(ctx, med.UserID, date)
	if err != nil {
		return "", fmt.Errorf("failed to load dose logs: %w", err)
	}
	for _, e := range logs {
		if e.MedicineID == med.ID && e.ScheduledTime == at {
			return e.Action, nil
		}
	}
	return "", nil
}

func scheduledAt(med model.Medicine, at string) bool {
	for _, raw := range med.ScheduledTimes {
		t, err := time.Parse(model.TimeLayout, strings.TrimSpace(raw))
		if err == nil && t.Format(model.TimeLayout) == at {
			return true
		}
	}
	return false
}
