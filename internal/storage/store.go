// Package storage persists medicines, dose logs and guardian contacts.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/noahxzhu/dose-reminder/internal/model"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence contract of the reminder engine.
type Store interface {
	FindActiveMedicines(ctx context.Context, userID string) ([]model.Medicine, error)
	ListMedicines(ctx context.Context, userID string) ([]model.Medicine, error)
	GetMedicine(ctx context.Context, id string) (model.Medicine, error)
	CreateMedicine(ctx context.Context, m model.Medicine) (model.Medicine, error)
	DeactivateMedicine(ctx context.Context, id string) error

	FindDoseLogs(ctx context.Context, userID, date string) ([]model.DoseLogEntry, error)
	// UpsertDoseLog writes the entry keyed by (medicine, date, time); a later
	// write for the same key replaces the earlier one.
	UpsertDoseLog(ctx context.Context, e model.DoseLogEntry) (model.DoseLogEntry, error)

	IncrementMissedStreak(ctx context.Context, medicineID string) (int, error)
	ResetMissedStreak(ctx context.Context, medicineID string) error
	DecrementRemainingQuantity(ctx context.Context, medicineID string) error

	FindUser(ctx context.Context, id string) (model.User, error)
	UpsertUser(ctx context.Context, u model.User) error
	FindGuardian(ctx context.Context, userID string) (model.Guardian, error)
	UpsertGuardian(ctx context.Context, g model.Guardian) error

	Close() error
}

// Open returns the store for driver: "sqlite", "postgres" or "json".
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "postgres":
		return NewSQLStore(driver, dsn)
	case "json":
		s := NewStore(dsn)
		if err := s.Load(); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", driver)
}
