package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/noahxzhu/dose-reminder/internal/model"
)

// AppSchema is the on-disk layout of the JSON store.
type AppSchema struct {
	Users     []model.User          `json:"users"`
	Guardians []model.Guardian      `json:"guardians"`
	Medicines []*model.Medicine     `json:"medicines"`
	DoseLogs  []*model.DoseLogEntry `json:"dose_logs"`
}

// JSONStore keeps everything in memory and rewrites one JSON file on each
// mutation. An empty file path keeps it memory-only.
type JSONStore struct {
	mu       sync.RWMutex
	filePath string
	Data     *AppSchema
}

func NewStore(filePath string) *JSONStore {
	return &JSONStore{
		filePath: filePath,
		Data:     &AppSchema{},
	}
}

func (s *JSONStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filePath == "" {
		return nil
	}

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.Data = &AppSchema{}
			return nil
		}
		return fmt.Errorf("failed to read file: %w", err)
	}

	if len(data) == 0 {
		s.Data = &AppSchema{}
		return nil
	}

	var schema AppSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	s.Data = &schema
	return nil
}

// saveLocked must be called with mu held.
func (s *JSONStore) saveLocked() error {
	if s.filePath == "" {
		return nil
	}

	data, err := json.MarshalIndent(s.Data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

func (s *JSONStore) Close() error { return nil }

// ---------- medicines -------------------------------------------------------

func (s *JSONStore) medicineLocked(id string) (*model.Medicine, error) {
	for _, m := range s.Data.Medicines {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("medicine %s: %w", id, ErrNotFound)
}

func (s *JSONStore) FindActiveMedicines(_ context.Context, userID string) ([]model.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []model.Medicine
	for _, m := range s.Data.Medicines {
		if m.UserID == userID && m.Active {
			res = append(res, copyMedicine(m))
		}
	}
	return res, nil
}

func (s *JSONStore) ListMedicines(_ context.Context, userID string) ([]model.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []model.Medicine
	for _, m := range s.Data.Medicines {
		if m.UserID == userID {
			res = append(res, copyMedicine(m))
		}
	}
	return res, nil
}

func (s *JSONStore) GetMedicine(_ context.Context, id string) (model.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := s.medicineLocked(id)
	if err != nil {
		return model.Medicine{}, err
	}
	return copyMedicine(m), nil
}

func (s *JSONStore) CreateMedicine(_ context.Context, m model.Medicine) (model.Medicine, error) {
	m = prepareMedicine(m)

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := copyMedicine(&m)
	s.Data.Medicines = append(s.Data.Medicines, &stored)
	return m, s.saveLocked()
}

func (s *JSONStore) DeactivateMedicine(_ context.Context, id string) error {
	return s.updateMedicine(id, func(m *model.Medicine) { m.Active = false })
}

func (s *JSONStore) IncrementMissedStreak(_ context.Context, medicineID string) (int, error) {
	var n int
	err := s.updateMedicine(medicineID, func(m *model.Medicine) {
		m.MissedStreak++
		n = m.MissedStreak
	})
	return n, err
}

func (s *JSONStore) ResetMissedStreak(_ context.Context, medicineID string) error {
	return s.updateMedicine(medicineID, func(m *model.Medicine) { m.MissedStreak = 0 })
}

func (s *JSONStore) DecrementRemainingQuantity(_ context.Context, medicineID string) error {
	return s.updateMedicine(medicineID, func(m *model.Medicine) {
		if m.RemainingQuantity > 0 {
			m.RemainingQuantity--
		}
	})
}

func (s *JSONStore) updateMedicine(id string, fn func(*model.Medicine)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.medicineLocked(id)
	if err != nil {
		return err
	}
	fn(m)
	return s.saveLocked()
}

// ---------- dose logs -------------------------------------------------------

func (s *JSONStore) FindDoseLogs(_ context.Context, userID, date string) ([]model.DoseLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []model.DoseLogEntry
	for _, e := range s.Data.DoseLogs {
		if e.UserID == userID && e.ScheduledDate == date {
			res = append(res, *e)
		}
	}
	return res, nil
}

func (s *JSONStore) UpsertDoseLog(_ context.Context, e model.DoseLogEntry) (model.DoseLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.SlotKey()
	for _, existing := range s.Data.DoseLogs {
		if existing.SlotKey() == key {
			e.ID = existing.ID
			*existing = e
			return e, s.saveLocked()
		}
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	stored := e
	s.Data.DoseLogs = append(s.Data.DoseLogs, &stored)
	return e, s.saveLocked()
}

// ---------- users & guardians -----------------------------------------------

func (s *JSONStore) FindUser(_ context.Context, id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.Data.Users {
		if u.ID == id {
			return u, nil
		}
	}
	return model.User{ID: id}, fmt.Errorf("user %s: %w", id, ErrNotFound)
}

func (s *JSONStore) UpsertUser(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.Data.Users {
		if s.Data.Users[i].ID == u.ID {
			s.Data.Users[i] = u
			return s.saveLocked()
		}
	}
	s.Data.Users = append(s.Data.Users, u)
	return s.saveLocked()
}

func (s *JSONStore) FindGuardian(_ context.Context, userID string) (model.Guardian, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.Data.Guardians {
		if g.UserID == userID {
			return g, nil
		}
	}
	return model.Guardian{UserID: userID}, fmt.Errorf("guardian for %s: %w", userID, ErrNotFound)
}

func (s *JSONStore) UpsertGuardian(_ context.Context, g model.Guardian) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.Data.Guardians {
		if s.Data.Guardians[i].UserID == g.UserID {
			s.Data.Guardians[i] = g
			return s.saveLocked()
		}
	}
	s.Data.Guardians = append(s.Data.Guardians, g)
	return s.saveLocked()
}

func copyMedicine(m *model.Medicine) model.Medicine {
	out := *m
	out.ScheduledTimes = append([]string(nil), m.ScheduledTimes...)
	return out
}
