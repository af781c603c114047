package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/noahxzhu/dose-reminder/internal/alert"
	"github.com/noahxzhu/dose-reminder/internal/dose"
	"github.com/noahxzhu/dose-reminder/internal/escalation"
	"github.com/noahxzhu/dose-reminder/internal/model"
	"github.com/noahxzhu/dose-reminder/internal/storage"
	"github.com/noahxzhu/dose-reminder/internal/telephony"
)

type Store interface {
	FindActiveMedicines(ctx context.Context, userID string) ([]model.Medicine, error)
	FindDoseLogs(ctx context.Context, userID, date string) ([]model.DoseLogEntry, error)
	UpsertGuardian(ctx context.Context, g model.Guardian) error
}

// Engine is the reminder scheduler as seen by the HTTP surface.
type Engine interface {
	HandleManualAction(ctx context.Context, a dose.Action) (dose.Result, error)
	Alerting(key alert.Key) bool
}

type Dispatcher interface {
	Escalate(ctx context.Context, trigger escalation.Trigger, userID, medicineName string, missCount int) escalation.Outcome
	TestCall(ctx context.Context, userID string) escalation.TestOutcome
	// Invalidate drops any cached guardian so the next call reads the store.
	Invalidate(userID string)
}

type Options struct {
	// DefaultUserID is used for every request when JWTSecret is empty.
	DefaultUserID string
	JWTSecret     string
	Location      *time.Location
	Clock         clockwork.Clock
	// Voice and Metrics are mounted at /voice and /metrics when set.
	Voice   http.Handler
	Metrics http.Handler
}

type Server struct {
	store      Store
	engine     Engine
	dispatcher Dispatcher
	opts       Options
	router     *http.ServeMux
}

func NewServer(store Store, engine Engine, dispatcher Dispatcher, opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	s := &Server{
		store:      store,
		engine:     engine,
		dispatcher: dispatcher,
		opts:       opts,
		router:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Public routes
	s.router.HandleFunc("GET /healthz", s.handleHealthz)
	if s.opts.Metrics != nil {
		s.router.Handle("GET /metrics", s.opts.Metrics)
	}

	// Protected routes
	s.router.HandleFunc("POST /dose-action", s.authMiddleware(s.handleDoseAction))
	s.router.HandleFunc("POST /alert-guardian", s.authMiddleware(s.handleAlertGuardian))
	s.router.HandleFunc("POST /alert-guardian/test", s.authMiddleware(s.handleTestCall))
	s.router.HandleFunc("PUT /guardian", s.authMiddleware(s.handleSetGuardian))
	s.router.HandleFunc("GET /medicines/status", s.authMiddleware(s.handleStatus))
	if s.opts.Voice != nil {
		s.router.HandleFunc("GET /voice", s.authMiddleware(s.opts.Voice.ServeHTTP))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)
	start := time.Now()
	s.router.ServeHTTP(w, r)
	slog.Debug("Request served", "method", r.Method, "path", r.URL.Path, "request_id", requestID, "elapsed", time.Since(start))
}

type ctxKey struct{}

func userID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Middleware
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.JWTSecret == "" {
			next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, s.opts.DefaultUserID)))
			return
		}

		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			// browsers cannot set headers on WebSocket upgrades
			raw = r.URL.Query().Get("access_token")
		}
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		sub, err := s.parseToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, sub)))
	}
}

func (s *Server) parseToken(raw string) (string, error) {
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.opts.JWTSecret), nil
	})
	if err != nil {
		return "", err
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// Handlers

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type doseActionRequest struct {
	MedicineID    string       `json:"medicineId"`
	Action        model.Action `json:"action"`
	ScheduledTime string       `json:"scheduledTime"`
	Date          string       `json:"date,omitempty"`
	SnoozeMinutes int          `json:"snoozeMinutes,omitempty"`
}

type guardianAlert struct {
	Triggered  bool   `json:"triggered"`
	Success    bool   `json:"success"`
	CallID     string `json:"callId,omitempty"`
	Error      string `json:"error,omitempty"`
	NeedsSetup bool   `json:"needsSetup,omitempty"`
}

type doseActionResponse struct {
	DoseLog           model.DoseLogEntry `json:"doseLog"`
	MissedStreakCount int                `json:"missedStreakCount"`
	GuardianAlert     *guardianAlert     `json:"guardianAlert,omitempty"`
}

func (s *Server) handleDoseAction(w http.ResponseWriter, r *http.Request) {
	var req doseActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SnoozeMinutes < 0 {
		writeError(w, http.StatusBadRequest, "snoozeMinutes must not be negative")
		return
	}

	user := userID(r.Context())
	a := dose.Action{
		MedicineID: req.MedicineID,
		UserID:     user,
		Date:       req.Date,
		Time:       req.ScheduledTime,
		Action:     req.Action,
	}
	if req.Action == model.ActionSnoozed && req.SnoozeMinutes > 0 {
		a.SnoozedUntil = s.opts.Clock.Now().Add(time.Duration(req.SnoozeMinutes) * time.Minute)
	}

	res, err := s.engine.HandleManualAction(r.Context(), a)
	if err != nil {
		status := statusFor(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			msg = "failed to record dose action"
		}
		writeError(w, status, msg)
		return
	}

	resp := doseActionResponse{DoseLog: res.Entry, MissedStreakCount: res.MissedStreak}
	if res.StreakThresholdReached {
		// the log write above stands whatever the call outcome
		out := s.dispatcher.Escalate(r.Context(), escalation.TriggerMissedStreak, user, res.Medicine.Name, res.MissedStreak)
		resp.GuardianAlert = &guardianAlert{
			Triggered:  true,
			Success:    out.Success,
			CallID:     out.CallID,
			Error:      out.Error,
			NeedsSetup: out.NeedsSetup,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type alertGuardianRequest struct {
	MedicineName string `json:"medicineName"`
	MissedCount  int    `json:"missedCount"`
}

func (s *Server) handleAlertGuardian(w http.ResponseWriter, r *http.Request) {
	var req alertGuardianRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.MedicineName = strings.TrimSpace(req.MedicineName)
	if req.MedicineName == "" {
		writeError(w, http.StatusBadRequest, "medicineName is required")
		return
	}
	out := s.dispatcher.Escalate(r.Context(), escalation.TriggerManual, userID(r.Context()), req.MedicineName, req.MissedCount)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTestCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.TestCall(r.Context(), userID(r.Context())))
}

type guardianRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type guardianResponse struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (s *Server) handleSetGuardian(w http.ResponseWriter, r *http.Request) {
	var req guardianRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	g := model.Guardian{
		UserID: userID(r.Context()),
		Name:   strings.TrimSpace(req.Name),
		Phone:  strings.TrimSpace(req.Phone),
	}
	if g.Phone == "" {
		writeError(w, http.StatusBadRequest, "phone is required")
		return
	}
	if err := s.store.UpsertGuardian(r.Context(), g); err != nil {
		slog.Error("Failed to save guardian", "user", g.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save guardian")
		return
	}
	s.dispatcher.Invalidate(g.UserID)
	slog.Info("Guardian updated", "user", g.UserID, "guardian_phone", telephony.MaskPhone(g.Phone))
	writeJSON(w, http.StatusOK, guardianResponse{Name: g.Name, Phone: telephony.MaskPhone(g.Phone)})
}

type slotView struct {
	Time         string      `json:"time"`
	Status       dose.Status `json:"status"`
	Effective    time.Time   `json:"effective"`
	Action       string      `json:"action,omitempty"`
	SnoozedUntil *time.Time  `json:"snoozedUntil,omitempty"`
	Alerting     bool        `json:"alerting"`
}

type medicineView struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Dosage            string      `json:"dosage"`
	Status            dose.Status `json:"status"`
	MissedStreak      int         `json:"missedStreak"`
	RemainingQuantity int         `json:"remainingQuantity"`
	Slots             []slotView  `json:"slots"`
}

type statusResponse struct {
	Date      string         `json:"date"`
	Medicines []medicineView `json:"medicines"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userID(ctx)
	now := s.opts.Clock.Now().In(s.opts.Location)
	date := now.Format(model.DateLayout)

	meds, err := s.store.FindActiveMedicines(ctx, user)
	if err != nil {
		slog.Error("Failed to load medicines", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load medicines")
		return
	}
	logs, err := s.store.FindDoseLogs(ctx, user, date)
	if err != nil {
		slog.Error("Failed to load dose logs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load dose logs")
		return
	}

	resp := statusResponse{Date: date, Medicines: make([]medicineView, 0, len(meds))}
	for _, med := range meds {
		st := dose.Resolve(med, logs, now)
		mv := medicineView{
			ID:                med.ID,
			Name:              med.Name,
			Dosage:            med.Dosage,
			Status:            st.Status,
			MissedStreak:      med.MissedStreak,
			RemainingQuantity: med.RemainingQuantity,
			Slots:             make([]slotView, 0, len(st.Slots)),
		}
		for _, slot := range st.Slots {
			sv := slotView{
				Time:      slot.Time,
				Status:    slot.Status,
				Effective: slot.Effective,
				Alerting:  s.engine.Alerting(alert.Key{Date: date, MedicineID: med.ID, Time: slot.Time}),
			}
			if slot.Entry != nil {
				sv.Action = string(slot.Entry.Action)
				sv.SnoozedUntil = slot.Entry.SnoozedUntil
			}
			mv.Slots = append(mv.Slots, sv)
		}
		resp.Medicines = append(resp.Medicines, mv)
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dose.ErrMissingAction),
		errors.Is(err, dose.ErrMissingTime),
		errors.Is(err, dose.ErrMissingMedicine),
		errors.Is(err, dose.ErrInvalidAction),
		errors.Is(err, dose.ErrInvalidTime),
		errors.Is(err, dose.ErrInvalidDate),
		errors.Is(err, dose.ErrUnscheduledTime):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, dose.ErrNotOwned):
		return http.StatusNotFound
	}
	slog.Error("Dose action failed", "error", err)
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
