package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/noahxzhu/dose-reminder/internal/dose"
	"github.com/noahxzhu/dose-reminder/internal/escalation"
	"github.com/noahxzhu/dose-reminder/internal/model"
	"github.com/noahxzhu/dose-reminder/internal/storage"
	"github.com/noahxzhu/dose-reminder/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu          sync.Mutex
	triggers    []escalation.Trigger
	outcome     escalation.Outcome
	invalidated []string
}

func (f *fakeDispatcher) Escalate(_ context.Context, trigger escalation.Trigger, _ string, _ string, _ int) escalation.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	return f.outcome
}

func (f *fakeDispatcher) Invalidate(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, userID)
}

func (f *fakeDispatcher) TestCall(context.Context, string) escalation.TestOutcome {
	return escalation.TestOutcome{Success: true, CallID: "CA7", To: "+91******3210", From: "+15*****1111"}
}

type testEnv struct {
	srv   *Server
	store *storage.JSONStore
	med   model.Medicine
	disp  *fakeDispatcher
	clock *clockwork.FakeClock
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	store := storage.NewStore("")
	med, err := store.CreateMedicine(context.Background(), model.Medicine{
		UserID: "u1", Name: "Metformin", Dosage: "500mg", ScheduledTimes: []string{"09:00", "21:00"},
		Active: true, TotalQuantity: 30, RemainingQuantity: 30,
	})
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 9, 5, 0, 0, time.UTC))
	rec := dose.NewRecorder(store, clock, dose.RecorderConfig{Location: time.UTC, StreakThreshold: 2})
	disp := &fakeDispatcher{outcome: escalation.Outcome{Success: true, CallID: "CA1"}}
	w := worker.NewWorker(worker.Config{UserID: "u1", Location: time.UTC}, worker.Deps{
		Store: store, Recorder: rec, Escalator: disp, Clock: clock,
	})
	srv := NewServer(store, w, disp, Options{
		DefaultUserID: "u1",
		JWTSecret:     secret,
		Location:      time.UTC,
		Clock:         clock,
	})
	return &testEnv{srv: srv, store: store, med: med, disp: disp, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	e.srv.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestDoseActionTaken(t *testing.T) {
	e := newTestEnv(t, "")
	rr := e.do(t, http.MethodPost, "/dose-action", map[string]any{
		"medicineId": e.med.ID, "action": "taken", "scheduledTime": "09:00",
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	resp := decode[doseActionResponse](t, rr)
	assert.Equal(t, model.ActionTaken, resp.DoseLog.Action)
	assert.Equal(t, "2024-03-01", resp.DoseLog.ScheduledDate)
	assert.Equal(t, 0, resp.MissedStreakCount)
	assert.Nil(t, resp.GuardianAlert)
	assert.Contains(t, rr.Body.String(), `"missedStreakCount":0`)
	assert.NotContains(t, rr.Body.String(), "guardianAlert")
}

func TestDoseActionValidation(t *testing.T) {
	e := newTestEnv(t, "")
	tests := []struct {
		name string
		body map[string]any
		code int
	}{
		{"missing action", map[string]any{"medicineId": e.med.ID, "scheduledTime": "09:00"}, http.StatusBadRequest},
		{"missing time", map[string]any{"medicineId": e.med.ID, "action": "taken"}, http.StatusBadRequest},
		{"bad action", map[string]any{"medicineId": e.med.ID, "action": "eaten", "scheduledTime": "09:00"}, http.StatusBadRequest},
		{"negative snooze", map[string]any{"medicineId": e.med.ID, "action": "snoozed", "scheduledTime": "09:00", "snoozeMinutes": -1}, http.StatusBadRequest},
		{"unscheduled time", map[string]any{"medicineId": e.med.ID, "action": "taken", "scheduledTime": "23:59"}, http.StatusBadRequest},
		{"unknown medicine", map[string]any{"medicineId": "nope", "action": "taken", "scheduledTime": "09:00"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, "/dose-action", tt.body, nil)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, rr)["error"])
		})
	}

	logs, err := e.store.FindDoseLogs(context.Background(), "u1", "2024-03-01")
	require.NoError(t, err)
	assert.Empty(t, logs, "rejected input writes nothing")
}

func TestDoseActionSnoozeMinutes(t *testing.T) {
	e := newTestEnv(t, "")
	rr := e.do(t, http.MethodPost, "/dose-action", map[string]any{
		"medicineId": e.med.ID, "action": "snoozed", "scheduledTime": "09:00", "snoozeMinutes": 10,
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[doseActionResponse](t, rr)
	require.NotNil(t, resp.DoseLog.SnoozedUntil)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC), resp.DoseLog.SnoozedUntil.UTC())
}

func TestDoseActionMissedStreakTriggersGuardianAlert(t *testing.T) {
	e := newTestEnv(t, "")
	miss := func(at string) doseActionResponse {
		rr := e.do(t, http.MethodPost, "/dose-action", map[string]any{
			"medicineId": e.med.ID, "action": "missed", "scheduledTime": at,
		}, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		return decode[doseActionResponse](t, rr)
	}

	first := miss("09:00")
	assert.Equal(t, 1, first.MissedStreakCount)
	assert.Nil(t, first.GuardianAlert)

	second := miss("21:00")
	assert.Equal(t, 2, second.MissedStreakCount)
	require.NotNil(t, second.GuardianAlert)
	assert.True(t, second.GuardianAlert.Triggered)
	assert.True(t, second.GuardianAlert.Success)
	assert.Equal(t, "CA1", second.GuardianAlert.CallID)
	assert.Equal(t, []escalation.Trigger{escalation.TriggerMissedStreak}, e.disp.triggers)
}

func TestDoseActionGuardianNeedsSetupStillRecords(t *testing.T) {
	e := newTestEnv(t, "")
	e.disp.outcome = escalation.Outcome{NeedsSetup: true, Error: "No guardian contact is set up."}
	_, err := e.store.IncrementMissedStreak(context.Background(), e.med.ID)
	require.NoError(t, err)

	rr := e.do(t, http.MethodPost, "/dose-action", map[string]any{
		"medicineId": e.med.ID, "action": "missed", "scheduledTime": "09:00",
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[doseActionResponse](t, rr)
	require.NotNil(t, resp.GuardianAlert)
	assert.False(t, resp.GuardianAlert.Success)
	assert.True(t, resp.GuardianAlert.NeedsSetup)
	assert.Equal(t, model.ActionMissed, resp.DoseLog.Action)
}

func TestAlertGuardian(t *testing.T) {
	e := newTestEnv(t, "")
	e.disp.outcome = escalation.Outcome{Success: true, GuardianName: "Ravi", GuardianPhone: "+91******3210", CallID: "CA2"}

	rr := e.do(t, http.MethodPost, "/alert-guardian", map[string]any{"medicineName": "Metformin", "missedCount": 3}, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	out := decode[escalation.Outcome](t, rr)
	assert.True(t, out.Success)
	assert.Equal(t, "+91******3210", out.GuardianPhone)
	assert.Equal(t, []escalation.Trigger{escalation.TriggerManual}, e.disp.triggers)

	rr = e.do(t, http.MethodPost, "/alert-guardian", map[string]any{"missedCount": 3}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAlertGuardianTestCall(t *testing.T) {
	e := newTestEnv(t, "")
	rr := e.do(t, http.MethodPost, "/alert-guardian/test", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	out := decode[escalation.TestOutcome](t, rr)
	assert.True(t, out.Success)
	assert.Equal(t, "+91******3210", out.To)
	assert.Equal(t, "+15*****1111", out.From)
}

func TestMedicinesStatus(t *testing.T) {
	e := newTestEnv(t, "")
	rr := e.do(t, http.MethodPost, "/dose-action", map[string]any{
		"medicineId": e.med.ID, "action": "taken", "scheduledTime": "09:00",
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = e.do(t, http.MethodGet, "/medicines/status", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[statusResponse](t, rr)
	assert.Equal(t, "2024-03-01", resp.Date)
	require.Len(t, resp.Medicines, 1)

	m := resp.Medicines[0]
	assert.Equal(t, dose.StatusUpcoming, m.Status)
	assert.Equal(t, 29, m.RemainingQuantity)
	require.Len(t, m.Slots, 2)
	assert.Equal(t, dose.StatusTaken, m.Slots[0].Status)
	assert.Equal(t, "taken", m.Slots[0].Action)
	assert.Equal(t, dose.StatusUpcoming, m.Slots[1].Status)
	assert.False(t, m.Slots[1].Alerting)
}

func TestMethodNotAllowed(t *testing.T) {
	e := newTestEnv(t, "")
	rr := e.do(t, http.MethodGet, "/dose-action", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func signed(t *testing.T, secret, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuthMiddleware(t *testing.T) {
	e := newTestEnv(t, "s3cret")

	rr := e.do(t, http.MethodGet, "/medicines/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = e.do(t, http.MethodGet, "/medicines/status", nil, http.Header{"Authorization": {"Bearer " + signed(t, "wrong", "u1")}})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = e.do(t, http.MethodGet, "/medicines/status", nil, http.Header{"Authorization": {"Bearer " + signed(t, "s3cret", "u1")}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[statusResponse](t, rr).Medicines, 1)

	rr = e.do(t, http.MethodGet, "/medicines/status?access_token="+signed(t, "s3cret", "u2"), nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[statusResponse](t, rr).Medicines, "another user sees no medicines")

	rr = e.do(t, http.MethodPost, "/dose-action", map[string]any{
		"medicineId": e.med.ID, "action": "taken", "scheduledTime": "09:00",
	}, http.Header{"Authorization": {"Bearer " + signed(t, "s3cret", "u2")}})
	assert.Equal(t, http.StatusNotFound, rr.Code, "medicine of another user")

	rr = e.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSetGuardian(t *testing.T) {
	e := newTestEnv(t, "")
	rr := e.do(t, http.MethodPut, "/guardian", map[string]any{"name": " Meena ", "phone": "+919876543210"}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	resp := decode[guardianResponse](t, rr)
	assert.Equal(t, "Meena", resp.Name)
	assert.Equal(t, "+91******3210", resp.Phone)
	assert.NotContains(t, rr.Body.String(), "9876543210")

	g, err := e.store.FindGuardian(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "+919876543210", g.Phone)
	assert.Equal(t, []string{"u1"}, e.disp.invalidated)

	rr = e.do(t, http.MethodPut, "/guardian", map[string]any{"name": "Meena"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Len(t, e.disp.invalidated, 1)
}
