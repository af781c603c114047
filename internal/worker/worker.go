// Package worker runs the reminder scheduler: a periodic sweep over today's
// dose slots that opens voice alerts, times them out, and marks slots missed
// when nobody answered through the voice path.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/noahxzhu/dose-reminder/internal/alert"
	"github.com/noahxzhu/dose-reminder/internal/dose"
	"github.com/noahxzhu/dose-reminder/internal/escalation"
	"github.com/noahxzhu/dose-reminder/internal/metrics"
	"github.com/noahxzhu/dose-reminder/internal/model"
	"github.com/noahxzhu/dose-reminder/internal/voice"
)

type Store interface {
	FindActiveMedicines(ctx context.Context, userID string) ([]model.Medicine, error)
	FindDoseLogs(ctx context.Context, userID, date string) ([]model.DoseLogEntry, error)
}

type Recorder interface {
	Record(ctx context.Context, a dose.Action) (dose.Result, error)
}

type Escalator interface {
	Escalate(ctx context.Context, trigger escalation.Trigger, userID, medicineName string, missCount int) escalation.Outcome
}

type Config struct {
	UserID            string
	Location          *time.Location
	SweepInterval     time.Duration
	ResponseTimeout   time.Duration
	SnoozeDuration    time.Duration
	IdleMissThreshold int
	Phrases           voice.Phrases
}

func (c *Config) setDefaults() {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 60 * time.Second
	}
	if c.SnoozeDuration <= 0 {
		c.SnoozeDuration = 5 * time.Minute
	}
	if c.IdleMissThreshold <= 0 {
		c.IdleMissThreshold = 2
	}
	if len(c.Phrases.Taken) == 0 && len(c.Phrases.Snooze) == 0 {
		c.Phrases = voice.DefaultPhrases()
	}
}

type Deps struct {
	Store     Store
	Recorder  Recorder
	Escalator Escalator
	Voice     voice.Channel
	Clock     clockwork.Clock
	Metrics   *metrics.Metrics
}

type Worker struct {
	cfg       Config
	store     Store
	recorder  Recorder
	escalator Escalator
	voice     voice.Channel
	clock     clockwork.Clock
	metrics   *metrics.Metrics

	sessions *alert.Table
	alerted  *alert.DaySet

	sweepMu    sync.Mutex
	updateChan chan struct{}
	wg         sync.WaitGroup
}

func NewWorker(cfg Config, deps Deps) *Worker {
	cfg.setDefaults()
	if deps.Voice == nil {
		deps.Voice = voice.Disabled{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	w := &Worker{
		cfg:        cfg,
		store:      deps.Store,
		recorder:   deps.Recorder,
		escalator:  deps.Escalator,
		voice:      deps.Voice,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		sessions:   alert.NewTable(),
		alerted:    alert.NewDaySet(),
		updateChan: make(chan struct{}, 1),
	}
	w.sessions.OnClose(func(s *alert.Session, phase alert.Phase) {
		w.metrics.RecordAlertClosed()
		slog.Debug("Alert session closed", "key", s.Key.String(), "phase", phase.String())
	})
	return w
}

// Refresh signals the worker to sweep immediately.
func (w *Worker) Refresh() {
	select {
	case w.updateChan <- struct{}{}:
	default:
		// Channel already has a pending signal, no need to block
	}
}

// Start runs the periodic sweep until ctx is cancelled, then closes every
// open alert and waits for the session goroutines to finish.
func (w *Worker) Start(ctx context.Context) error {
	s, err := gocron.NewScheduler(
		gocron.WithClock(w.clock),
		gocron.WithLocation(w.cfg.Location),
	)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(w.cfg.SweepInterval),
		gocron.NewTask(func() { w.Sweep(ctx) }),
		gocron.WithName("dose-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.Start()
	slog.Info("Worker started", "user", w.cfg.UserID, "interval", w.cfg.SweepInterval, "voice", w.voice.Available())

	for {
		select {
		case <-ctx.Done():
			if n := w.sessions.CloseAll(); n > 0 {
				w.voice.Stop()
			}
			if err := s.Shutdown(); err != nil {
				slog.Error("Failed to stop scheduler", "error", err)
			}
			w.wg.Wait()
			slog.Info("Worker stopped")
			return nil
		case <-w.updateChan:
			slog.Debug("Worker received update signal. Refreshing...")
			w.Sweep(ctx)
		}
	}
}

func (w *Worker) now() time.Time {
	return w.clock.Now().In(w.cfg.Location)
}

// Sweep resolves every active medicine for today and acts on each slot.
func (w *Worker) Sweep(ctx context.Context) {
	w.sweepMu.Lock()
	defer w.sweepMu.Unlock()
	w.metrics.RecordSweep()

	now := w.now()
	today := now.Format(model.DateLayout)
	if w.alerted.Roll(today) {
		w.sessions.Rollover(today)
		slog.Info("Day rolled over", "date", today)
	}

	meds, err := w.store.FindActiveMedicines(ctx, w.cfg.UserID)
	if err != nil {
		slog.Error("Failed to load medicines", "error", err)
		return
	}
	logs, err := w.store.FindDoseLogs(ctx, w.cfg.UserID, today)
	if err != nil {
		slog.Error("Failed to load dose logs", "error", err)
		return
	}

	for _, med := range meds {
		status := dose.Resolve(med, logs, now)
		for _, slot := range status.Slots {
			w.visit(ctx, med, slot, alert.Key{Date: today, MedicineID: med.ID, Time: slot.Time}, now)
		}
	}
}

func (w *Worker) visit(ctx context.Context, med model.Medicine, slot dose.Slot, key alert.Key, now time.Time) {
	if _, open := w.sessions.Get(key); open {
		return
	}
	alerted := w.alerted.Has(key)
	pending := slot.Entry == nil || slot.Entry.Action == model.ActionSnoozed
	retryDue := slot.SnoozeExpired(now) && !alerted

	if w.voice.Available() {
		if (slot.Status == dose.StatusDueSoon && pending && !alerted) || retryDue {
			w.openAlert(ctx, med, key, now)
			return
		}
	}

	if slot.Status == dose.StatusMissed && pending && !alerted {
		w.markMissed(ctx, med, key)
	}
}

func (w *Worker) openAlert(ctx context.Context, med model.Medicine, key alert.Key, now time.Time) {
	// one voice channel, so one prompt at a time
	if w.sessions.Len() > 0 {
		return
	}
	sess, ok := w.sessions.Open(ctx, key, now)
	if !ok {
		return
	}
	w.alerted.Mark(key)
	w.metrics.RecordAlertOpened()
	slog.Info("Alert opened", "key", key.String(), "medicine", med.Name, "version", sess.Version)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(sess, med)
	}()
}

// run drives one session from announcing to a final phase.
func (w *Worker) run(sess *alert.Session, med model.Medicine) {
	ctx := sess.Context()

	prompt := fmt.Sprintf("It's time to take %s, %s. Say taken once you've had it, or later to snooze.", med.Name, med.Dosage)
	if err := w.voice.Speak(ctx, prompt); err != nil {
		w.abandon(sess, err)
		return
	}
	events, err := w.voice.Listen(ctx)
	if err != nil {
		w.abandon(sess, err)
		return
	}

	expired := make(chan struct{})
	timer := w.clock.AfterFunc(w.cfg.ResponseTimeout, func() { close(expired) })
	if !w.sessions.StartListening(sess, timer) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-expired:
			w.timeout(sess, med)
			return
		case ev, ok := <-events:
			if !ok {
				w.abandon(sess, voice.ErrUnavailable)
				return
			}
			if w.handleEvent(sess, med, ev) {
				return
			}
		}
	}
}

// handleEvent reports whether the session is finished.
func (w *Worker) handleEvent(sess *alert.Session, med model.Medicine, ev voice.Event) bool {
	switch ev.Kind {
	case voice.EventInterim:
		return false
	case voice.EventError:
		if voice.IsFatal(ev.Err) {
			w.abandon(sess, ev.Err)
			return true
		}
		slog.Debug("Recognition error ignored", "key", sess.Key.String(), "error", ev.Err)
		return false
	}

	switch voice.Classify(ev.Text, w.cfg.Phrases) {
	case voice.IntentTaken:
		w.resolve(sess, med, model.ActionTaken)
		return true
	case voice.IntentSnooze:
		w.resolve(sess, med, model.ActionSnoozed)
		return true
	}
	if strings.TrimSpace(ev.Text) == "" {
		return false
	}

	slog.Info("Unrecognized response", "key", sess.Key.String(), "transcript", ev.Text)
	ctx := sess.Context()
	if err := w.voice.Speak(ctx, "Sorry, I didn't catch that. Say taken if you've had it, or later to snooze."); err != nil && ctx.Err() == nil {
		slog.Warn("Failed to speak clarification", "error", err)
	}
	return false
}

func (w *Worker) resolve(sess *alert.Session, med model.Medicine, action model.Action) {
	if !w.sessions.Close(sess, alert.PhaseResolved) {
		return
	}
	w.voice.Stop()
	w.sessions.ResetIdle(sess.Key)

	a := w.slotAction(sess.Key, action, dose.SourceVoice)
	if _, err := w.recorder.Record(sess.Parent(), a); err != nil {
		slog.Error("Failed to record voice response", "key", sess.Key.String(), "action", action, "error", err)
		return
	}
	if action == model.ActionSnoozed {
		w.alerted.Clear(sess.Key)
	}
	w.metrics.RecordDoseAction(string(action), string(dose.SourceVoice))
}

// timeout handles the no-response timer. Below the idle-miss threshold the
// slot is snoozed and retried; at the threshold it is marked missed and the
// guardian is called.
func (w *Worker) timeout(sess *alert.Session, med model.Medicine) {
	if !w.sessions.Close(sess, alert.PhaseEscalating) {
		return
	}
	w.voice.Stop()
	w.metrics.RecordTimeout()

	ctx := sess.Parent()
	key := sess.Key
	misses := w.sessions.IncIdle(key)
	log := slog.With("key", key.String(), "medicine", med.Name, "idle_misses", misses)

	if misses < w.cfg.IdleMissThreshold {
		if _, err := w.recorder.Record(ctx, w.slotAction(key, model.ActionSnoozed, dose.SourceVoice)); err != nil {
			// keep the mark so the next pass does not re-prompt at once
			log.Error("Failed to record auto-snooze, retrying after the snooze period", "error", err)
			w.clock.AfterFunc(w.cfg.SnoozeDuration, func() { w.alerted.Clear(key) })
			return
		}
		w.alerted.Clear(key)
		w.metrics.RecordDoseAction(string(model.ActionSnoozed), string(dose.SourceVoice))
		log.Info("No response, snoozing")
		w.say(ctx, fmt.Sprintf("I didn't hear a response. I'll remind you about %s again in %s.", med.Name, minutes(w.cfg.SnoozeDuration)))
		return
	}

	w.sessions.ResetIdle(key)
	res, err := w.recorder.Record(ctx, w.slotAction(key, model.ActionMissed, dose.SourceVoice))
	if err != nil {
		log.Error("Failed to record missed dose", "error", err)
	} else {
		w.metrics.RecordDoseAction(string(model.ActionMissed), string(dose.SourceVoice))
		if res.StreakThresholdReached {
			log.Info("Missed streak threshold reached, guardian is called by the idle-miss escalation", "missed_streak", res.MissedStreak)
		}
	}

	out := w.escalator.Escalate(ctx, escalation.TriggerIdleMiss, w.cfg.UserID, med.Name, misses)
	if out.Success {
		w.say(ctx, fmt.Sprintf("I couldn't reach you about %s, so I'm letting %s know.", med.Name, guardianName(out)))
	} else {
		w.say(ctx, fmt.Sprintf("I couldn't reach you about %s. Please take it as soon as you can.", med.Name))
	}
}

// abandon gives the slot back to the background pass after the voice loop
// failed.
func (w *Worker) abandon(sess *alert.Session, err error) {
	if !w.sessions.Close(sess, alert.PhaseResolved) {
		return
	}
	w.voice.Stop()
	w.alerted.Clear(sess.Key)
	slog.Warn("Voice alert abandoned", "key", sess.Key.String(), "error", err)
}

// markMissed is the background path for slots nobody was prompted about.
func (w *Worker) markMissed(ctx context.Context, med model.Medicine, key alert.Key) {
	res, err := w.recorder.Record(ctx, w.slotAction(key, model.ActionMissed, dose.SourceSweep))
	if err != nil {
		slog.Error("Failed to mark dose missed", "key", key.String(), "error", err)
		return
	}
	w.alerted.Mark(key)
	w.metrics.RecordDoseAction(string(model.ActionMissed), string(dose.SourceSweep))

	if res.StreakThresholdReached {
		w.escalator.Escalate(ctx, escalation.TriggerMissedStreak, w.cfg.UserID, med.Name, res.MissedStreak)
	}
}

// HandleManualAction records a dose action from a button press. Any open
// alert for the same slot is closed first so its timer cannot write after
// the user did.
func (w *Worker) HandleManualAction(ctx context.Context, a dose.Action) (dose.Result, error) {
	if err := a.Validate(); err != nil {
		return dose.Result{}, err
	}
	if a.Date == "" {
		a.Date = w.now().Format(model.DateLayout)
	}
	a.Source = dose.SourceManual

	key := alert.Key{Date: a.Date, MedicineID: a.MedicineID, Time: a.Time}
	if sess, ok := w.sessions.Get(key); ok && w.sessions.Close(sess, alert.PhaseResolved) {
		w.voice.Stop()
		slog.Info("Alert closed by manual action", "key", key.String(), "action", a.Action)
	}

	res, err := w.recorder.Record(ctx, a)
	if err != nil {
		return res, err
	}
	w.sessions.ResetIdle(key)
	if a.Action == model.ActionSnoozed {
		w.alerted.Clear(key)
	} else {
		w.alerted.Mark(key)
	}
	w.metrics.RecordDoseAction(string(a.Action), string(dose.SourceManual))
	w.Refresh()
	return res, nil
}

// Alerting reports whether an alert is open for the slot.
func (w *Worker) Alerting(key alert.Key) bool {
	_, ok := w.sessions.Get(key)
	return ok
}

// IdleMisses returns the no-response count for the slot.
func (w *Worker) IdleMisses(key alert.Key) int {
	return w.sessions.Idle(key)
}

func (w *Worker) slotAction(key alert.Key, action model.Action, source dose.Source) dose.Action {
	a := dose.Action{
		MedicineID: key.MedicineID,
		UserID:     w.cfg.UserID,
		Date:       key.Date,
		Time:       key.Time,
		Action:     action,
		Source:     source,
	}
	if action == model.ActionSnoozed {
		a.SnoozedUntil = w.clock.Now().Add(w.cfg.SnoozeDuration)
	}
	return a
}

func (w *Worker) say(ctx context.Context, text string) {
	if !w.voice.Available() {
		return
	}
	if err := w.voice.Speak(ctx, text); err != nil {
		slog.Warn("Failed to speak announcement", "error", err)
	}
}

func guardianName(out escalation.Outcome) string {
	if out.GuardianName != "" {
		return out.GuardianName
	}
	return "your guardian"
}

func minutes(d time.Duration) string {
	n := int(d.Round(time.Minute) / time.Minute)
	if n == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", n)
}
