package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/noahxzhu/dose-reminder/internal/model"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var ddl string

// SQLStore keeps state in sqlite (modernc) or postgres (lib/pq). Statements
// are written with ? placeholders and rebound for postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite":
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create storage directory: %w", err)
			}
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// one writer; sqlite serializes anyway
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) rebind(q string) string {
	if s.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

// ---------- medicines -------------------------------------------------------

const medicineColumns = `id, user_id, name, dosage, frequency, scheduled_times, active,
        total_quantity, remaining_quantity, missed_streak, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMedicine(row scanner) (model.Medicine, error) {
	var (
		m       model.Medicine
		times   string
		created int64
	)
	err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.Dosage, &m.Frequency, &times, &m.Active,
		&m.TotalQuantity, &m.RemainingQuantity, &m.MissedStreak, &created)
	if err != nil {
		return m, err
	}
	m.ScheduledTimes = splitTimes(times)
	m.CreatedAt = time.UnixMilli(created)
	return m, nil
}

func (s *SQLStore) listMedicines(ctx context.Context, q string, args ...any) ([]model.Medicine, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []model.Medicine
	for rows.Next() {
		m, err := scanMedicine(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s *SQLStore) FindActiveMedicines(ctx context.Context, userID string) ([]model.Medicine, error) {
	return s.listMedicines(ctx, `SELECT `+medicineColumns+` FROM medicines
        WHERE user_id = ? AND active = TRUE ORDER BY created_at, id`, userID)
}

func (s *SQLStore) ListMedicines(ctx context.Context, userID string) ([]model.Medicine, error) {
	return s.listMedicines(ctx, `SELECT `+medicineColumns+` FROM medicines
        WHERE user_id = ? ORDER BY created_at, id`, userID)
}

func (s *SQLStore) GetMedicine(ctx context.Context, id string) (model.Medicine, error) {
	m, err := scanMedicine(s.queryRow(ctx, `SELECT `+medicineColumns+` FROM medicines WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("medicine %s: %w", id, ErrNotFound)
	}
	return m, err
}

func (s *SQLStore) CreateMedicine(ctx context.Context, m model.Medicine) (model.Medicine, error) {
	m = prepareMedicine(m)
	_, err := s.exec(ctx, `
        INSERT INTO medicines (`+medicineColumns+`)
        VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.UserID, m.Name, m.Dosage, m.Frequency, strings.Join(m.ScheduledTimes, ","), m.Active,
		m.TotalQuantity, m.RemainingQuantity, m.MissedStreak, m.CreatedAt.UnixMilli())
	return m, err
}

func (s *SQLStore) DeactivateMedicine(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE medicines SET active = FALSE WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *SQLStore) IncrementMissedStreak(ctx context.Context, medicineID string) (int, error) {
	var n int
	err := s.queryRow(ctx, `
        UPDATE medicines SET missed_streak = missed_streak + 1
        WHERE id = ? RETURNING missed_streak`, medicineID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("medicine %s: %w", medicineID, ErrNotFound)
	}
	return n, err
}

func (s *SQLStore) ResetMissedStreak(ctx context.Context, medicineID string) error {
	res, err := s.exec(ctx, `UPDATE medicines SET missed_streak = 0 WHERE id = ?`, medicineID)
	if err != nil {
		return err
	}
	return requireRow(res, medicineID)
}

func (s *SQLStore) DecrementRemainingQuantity(ctx context.Context, medicineID string) error {
	_, err := s.exec(ctx, `
        UPDATE medicines SET remaining_quantity = remaining_quantity - 1
        WHERE id = ? AND remaining_quantity > 0`, medicineID)
	return err
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("medicine %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---------- dose logs -------------------------------------------------------

func (s *SQLStore) FindDoseLogs(ctx context.Context, userID, date string) ([]model.DoseLogEntry, error) {
	rows, err := s.query(ctx, `
        SELECT id, medicine_id, user_id, scheduled_date, scheduled_time, action, action_at, snoozed_until
        FROM dose_logs WHERE user_id = ? AND scheduled_date = ?
        ORDER BY medicine_id, scheduled_time`, userID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []model.DoseLogEntry
	for rows.Next() {
		var (
			e        model.DoseLogEntry
			actionAt int64
			snoozed  sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.MedicineID, &e.UserID, &e.ScheduledDate, &e.ScheduledTime,
			&e.Action, &actionAt, &snoozed); err != nil {
			return nil, err
		}
		e.ActionAt = time.UnixMilli(actionAt)
		if snoozed.Valid {
			t := time.UnixMilli(snoozed.Int64)
			e.SnoozedUntil = &t
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s *SQLStore) UpsertDoseLog(ctx context.Context, e model.DoseLogEntry) (model.DoseLogEntry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	var snoozed sql.NullInt64
	if e.SnoozedUntil != nil {
		snoozed = sql.NullInt64{Int64: e.SnoozedUntil.UnixMilli(), Valid: true}
	}
	err := s.queryRow(ctx, `
        INSERT INTO dose_logs (id, medicine_id, user_id, scheduled_date, scheduled_time, action, action_at, snoozed_until)
        VALUES (?,?,?,?,?,?,?,?)
        ON CONFLICT (medicine_id, scheduled_date, scheduled_time) DO UPDATE SET
            user_id = excluded.user_id,
            action = excluded.action,
            action_at = excluded.action_at,
            snoozed_until = excluded.snoozed_until
        RETURNING id`,
		e.ID, e.MedicineID, e.UserID, e.ScheduledDate, e.ScheduledTime, string(e.Action),
		e.ActionAt.UnixMilli(), snoozed).Scan(&e.ID)
	return e, err
}

// ---------- users & guardians -----------------------------------------------

func (s *SQLStore) FindUser(ctx context.Context, id string) (model.User, error) {
	u := model.User{ID: id}
	err := s.queryRow(ctx, `SELECT name FROM users WHERE id = ?`, id).Scan(&u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return u, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, err
}

func (s *SQLStore) UpsertUser(ctx context.Context, u model.User) error {
	_, err := s.exec(ctx, `
        INSERT INTO users (id, name) VALUES (?,?)
        ON CONFLICT (id) DO UPDATE SET name = excluded.name`, u.ID, u.Name)
	return err
}

func (s *SQLStore) FindGuardian(ctx context.Context, userID string) (model.Guardian, error) {
	g := model.Guardian{UserID: userID}
	err := s.queryRow(ctx, `SELECT name, phone FROM guardians WHERE user_id = ?`, userID).Scan(&g.Name, &g.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return g, fmt.Errorf("guardian for %s: %w", userID, ErrNotFound)
	}
	return g, err
}

func (s *SQLStore) UpsertGuardian(ctx context.Context, g model.Guardian) error {
	_, err := s.exec(ctx, `
        INSERT INTO guardians (user_id, name, phone) VALUES (?,?,?)
        ON CONFLICT (user_id) DO UPDATE SET name = excluded.name, phone = excluded.phone`,
		g.UserID, g.Name, g.Phone)
	return err
}

// ---------- helpers ---------------------------------------------------------

func prepareMedicine(m model.Medicine) model.Medicine {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.ScheduledTimes = normalizeTimes(m.ScheduledTimes)
	return m
}

// normalizeTimes sorts and dedupes HH:MM values.
func normalizeTimes(times []string) []string {
	seen := make(map[string]bool, len(times))
	out := make([]string, 0, len(times))
	for _, t := range times {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func splitTimes(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
