package model

import "time"

// Medicine is a prescribed item with a recurring daily schedule.
type Medicine struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Name              string    `json:"name"`
	Dosage            string    `json:"dosage"`
	Frequency         string    `json:"frequency"`
	ScheduledTimes    []string  `json:"scheduled_times"` // "HH:MM", ordered
	Active            bool      `json:"active"`
	TotalQuantity     int       `json:"total_quantity"`
	RemainingQuantity int       `json:"remaining_quantity"`
	MissedStreak      int       `json:"missed_streak"`
	CreatedAt         time.Time `json:"created_at"`
}

type Action string

const (
	ActionTaken   Action = "taken"
	ActionSnoozed Action = "snoozed"
	ActionMissed  Action = "missed"
	ActionSkipped Action = "skipped"
)

func (a Action) Valid() bool {
	switch a {
	case ActionTaken, ActionSnoozed, ActionMissed, ActionSkipped:
		return true
	}
	return false
}

// DoseLogEntry records the latest action for one (medicine, date, time) slot.
type DoseLogEntry struct {
	ID            string     `json:"id"`
	MedicineID    string     `json:"medicine_id"`
	UserID        string     `json:"user_id"`
	ScheduledDate string     `json:"scheduled_date"` // YYYY-MM-DD
	ScheduledTime string     `json:"scheduled_time"` // HH:MM
	Action        Action     `json:"action"`
	ActionAt      time.Time  `json:"action_at"`
	SnoozedUntil  *time.Time `json:"snoozed_until,omitempty"`
}

// SlotKey identifies the upsert key of a log entry.
func (e DoseLogEntry) SlotKey() string {
	return e.MedicineID + "|" + e.ScheduledDate + "|" + e.ScheduledTime
}

// User is the patient. Name is spoken in guardian calls.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Guardian is the contact called on escalation.
type Guardian struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
}

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)
