// Package escalation calls a patient's guardian when doses keep being missed.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/noahxzhu/dose-reminder/internal/metrics"
	"github.com/noahxzhu/dose-reminder/internal/model"
	"github.com/noahxzhu/dose-reminder/internal/storage"
	"github.com/noahxzhu/dose-reminder/internal/telephony"
)

// Trigger names the path that asked for an escalation.
type Trigger string

const (
	TriggerIdleMiss     Trigger = "idle_miss"
	TriggerMissedStreak Trigger = "missed_streak"
	TriggerManual       Trigger = "manual"
	TriggerTest         Trigger = "test"
)

type Directory interface {
	FindGuardian(ctx context.Context, userID string) (model.Guardian, error)
	FindUser(ctx context.Context, id string) (model.User, error)
}

type Caller interface {
	Configured() bool
	PlaceCall(ctx context.Context, to, message string) (telephony.Call, error)
}

// Outcome is the result of one escalation attempt. GuardianPhone is always
// masked.
type Outcome struct {
	Success       bool   `json:"success"`
	NeedsSetup    bool   `json:"needsSetup,omitempty"`
	NotConfigured bool   `json:"notConfigured,omitempty"`
	GuardianName  string `json:"guardianName,omitempty"`
	GuardianPhone string `json:"guardianPhone,omitempty"`
	CallID        string `json:"callId,omitempty"`
	Status        string `json:"status,omitempty"`
	Error         string `json:"error,omitempty"`
	ProviderCode  int    `json:"providerCode,omitempty"`
}

// TestOutcome is the result of a test call. Both numbers are masked.
type TestOutcome struct {
	Success       bool   `json:"success"`
	NeedsSetup    bool   `json:"needsSetup,omitempty"`
	NotConfigured bool   `json:"notConfigured,omitempty"`
	CallID        string `json:"callId,omitempty"`
	To            string `json:"to,omitempty"`
	From          string `json:"from,omitempty"`
	Error         string `json:"error,omitempty"`
	ProviderCode  int    `json:"providerCode,omitempty"`
}

const (
	msgNeedsSetup    = "No guardian contact is set up. Add a guardian phone number to enable alerts."
	msgNotConfigured = "Phone calls are not configured. Set the telephony account, token and caller number."
)

type Dispatcher struct {
	dir     Directory
	caller  Caller
	from    string
	metrics *metrics.Metrics
	cache   *expirable.LRU[string, model.Guardian]
}

type Config struct {
	// FromNumber is only reported, masked, in test call outcomes.
	FromNumber string
	CacheSize  int
	CacheTTL   time.Duration
	Metrics    *metrics.Metrics
}

func NewDispatcher(dir Directory, caller Caller, cfg Config) *Dispatcher {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 128
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Dispatcher{
		dir:     dir,
		caller:  caller,
		from:    cfg.FromNumber,
		metrics: cfg.Metrics,
		cache:   expirable.NewLRU[string, model.Guardian](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// Invalidate drops the cached guardian for userID after it changed.
func (d *Dispatcher) Invalidate(userID string) {
	d.cache.Remove(userID)
}

func (d *Dispatcher) guardian(ctx context.Context, userID string) (model.Guardian, error) {
	if g, ok := d.cache.Get(userID); ok {
		return g, nil
	}
	g, err := d.dir.FindGuardian(ctx, userID)
	if err != nil {
		return model.Guardian{}, err
	}
	if g.Phone != "" {
		d.cache.Add(userID, g)
	}
	return g, nil
}

// lookup returns the guardian, or ok=false with a filled outcome when the
// contact is missing or unreadable.
func (d *Dispatcher) lookup(ctx context.Context, userID string) (model.Guardian, Outcome, bool) {
	g, err := d.guardian(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound) || (err == nil && g.Phone == ""):
		return g, Outcome{NeedsSetup: true, Error: msgNeedsSetup}, false
	case err != nil:
		return g, Outcome{Error: fmt.Sprintf("failed to load guardian: %v", err)}, false
	}
	return g, Outcome{}, true
}

// Escalate places a call to the user's guardian about medicineName. It never
// returns an error: configuration and provider failures are reported in the
// outcome.
func (d *Dispatcher) Escalate(ctx context.Context, trigger Trigger, userID, medicineName string, missCount int) Outcome {
	log := slog.With("trigger", trigger, "user", userID, "medicine", medicineName, "miss_count", missCount)

	g, out, ok := d.lookup(ctx, userID)
	if !ok {
		log.Warn("Escalation skipped", "reason", out.Error)
		d.metrics.RecordEscalation(string(trigger), outcomeLabel(out))
		return out
	}
	out.GuardianName = g.Name
	out.GuardianPhone = telephony.MaskPhone(g.Phone)

	if !d.caller.Configured() {
		out.NotConfigured = true
		out.Error = msgNotConfigured
		log.Warn("Escalation skipped", "reason", "telephony not configured")
		d.metrics.RecordEscalation(string(trigger), outcomeLabel(out))
		return out
	}

	call, err := d.caller.PlaceCall(ctx, g.Phone, d.script(ctx, userID, medicineName, missCount))
	if err != nil {
		d.fillError(&out.Error, &out.ProviderCode, err, g.Phone)
		log.Error("Escalation call failed", "error", out.Error, "guardian_phone", out.GuardianPhone, "provider_code", out.ProviderCode)
		d.metrics.RecordEscalation(string(trigger), outcomeLabel(out))
		return out
	}

	out.Success = true
	out.CallID = call.SID
	out.Status = call.Status
	log.Info("Guardian called", "guardian_phone", out.GuardianPhone, "call_id", call.SID, "status", call.Status)
	d.metrics.RecordEscalation(string(trigger), outcomeLabel(out))
	return out
}

// TestCall places a short call to the guardian to verify the setup.
func (d *Dispatcher) TestCall(ctx context.Context, userID string) TestOutcome {
	out := TestOutcome{From: telephony.MaskPhone(d.from)}

	g, lo, ok := d.lookup(ctx, userID)
	if !ok {
		out.NeedsSetup = lo.NeedsSetup
		out.Error = lo.Error
		d.metrics.RecordEscalation(string(TriggerTest), outcomeLabel(lo))
		return out
	}
	out.To = telephony.MaskPhone(g.Phone)

	if !d.caller.Configured() {
		out.NotConfigured = true
		out.Error = msgNotConfigured
		d.metrics.RecordEscalation(string(TriggerTest), "not_configured")
		return out
	}

	call, err := d.caller.PlaceCall(ctx, g.Phone, "This is a test call from your medication reminder. No action is needed.")
	if err != nil {
		d.fillError(&out.Error, &out.ProviderCode, err, g.Phone)
		slog.Error("Test call failed", "error", out.Error, "to", out.To, "provider_code", out.ProviderCode)
		d.metrics.RecordEscalation(string(TriggerTest), "failed")
		return out
	}
	out.Success = true
	out.CallID = call.SID
	slog.Info("Test call placed", "to", out.To, "call_id", call.SID)
	d.metrics.RecordEscalation(string(TriggerTest), "success")
	return out
}

func (d *Dispatcher) script(ctx context.Context, userID, medicineName string, missCount int) string {
	patient := "Your family member"
	if u, err := d.dir.FindUser(ctx, userID); err == nil && u.Name != "" {
		patient = u.Name
	}
	times := "a dose"
	if missCount == 1 {
		times = "1 reminder"
	} else if missCount > 1 {
		times = fmt.Sprintf("%d reminders", missCount)
	}
	return fmt.Sprintf("Hello. This is an automated medication alert. %s has not responded to %s for %s. Please check on them.",
		patient, times, medicineName)
}

// fillError copies a call failure into an outcome with every phone number
// masked.
func (d *Dispatcher) fillError(msg *string, code *int, err error, to string) {
	var perr *telephony.ProviderError
	if errors.As(err, &perr) {
		*code = perr.Code
		*msg = telephony.Redact(perr.Message, to, d.from)
		return
	}
	*msg = telephony.Redact(err.Error(), to, d.from)
}

func outcomeLabel(o Outcome) string {
	switch {
	case o.Success:
		return "success"
	case o.NeedsSetup:
		return "needs_setup"
	case o.NotConfigured:
		return "not_configured"
	}
	return "failed"
}
