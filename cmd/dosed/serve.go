package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/noahxzhu/dose-reminder/internal/config"
	"github.com/noahxzhu/dose-reminder/internal/dose"
	"github.com/noahxzhu/dose-reminder/internal/escalation"
	"github.com/noahxzhu/dose-reminder/internal/metrics"
	"github.com/noahxzhu/dose-reminder/internal/telephony"
	"github.com/noahxzhu/dose-reminder/internal/voice"
	"github.com/noahxzhu/dose-reminder/internal/web"
	"github.com/noahxzhu/dose-reminder/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reminder scheduler and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func newTelephonyClient(c config.TelephonyConfig) *telephony.Client {
	client := telephony.NewClient(c.AccountSID, c.AuthToken, c.FromNumber)
	if c.BaseURL != "" {
		client.BaseURL = c.BaseURL
	}
	return client
}

func phrases(c config.ReminderConfig) voice.Phrases {
	p := voice.DefaultPhrases()
	if len(c.TakenPhrases) > 0 {
		p.Taken = c.TakenPhrases
	}
	if len(c.SnoozePhrases) > 0 {
		p.Snooze = c.SnoozePhrases
	}
	return p
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	loc, err := cfg.Reminder.Location()
	if err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	clock := clockwork.NewRealClock()
	m := metrics.New(prometheus.DefaultRegisterer)

	recorder := dose.NewRecorder(store, clock, dose.RecorderConfig{
		Location:        loc,
		SnoozeDuration:  cfg.Reminder.SnoozeDuration,
		StreakThreshold: cfg.Reminder.MissedStreakThreshold,
	})
	caller := newTelephonyClient(cfg.Telephony)
	if !caller.Configured() {
		slog.Warn("Telephony not configured, guardian calls will report not configured")
	}
	dispatcher := escalation.NewDispatcher(store, caller, escalation.Config{
		FromNumber: cfg.Telephony.FromNumber,
		Metrics:    m,
	})

	var ch voice.Channel = voice.Disabled{}
	var bridge *voice.Bridge
	if cfg.Voice.Enabled {
		bridge = voice.NewBridge(voice.BridgeConfig{Token: cfg.Voice.Token})
		ch = bridge
	}

	w := worker.NewWorker(worker.Config{
		UserID:            cfg.Reminder.UserID,
		Location:          loc,
		SweepInterval:     cfg.Reminder.SweepInterval,
		ResponseTimeout:   cfg.Reminder.ResponseTimeout,
		SnoozeDuration:    cfg.Reminder.SnoozeDuration,
		IdleMissThreshold: cfg.Reminder.IdleMissThreshold,
		Phrases:           phrases(cfg.Reminder),
	}, worker.Deps{
		Store:     store,
		Recorder:  recorder,
		Escalator: dispatcher,
		Voice:     ch,
		Clock:     clock,
		Metrics:   m,
	})

	opts := web.Options{
		DefaultUserID: cfg.Reminder.UserID,
		JWTSecret:     cfg.Auth.JWTSecret,
		Location:      loc,
		Clock:         clock,
		Metrics:       promhttp.Handler(),
	}
	if bridge != nil {
		opts.Voice = bridge
	}
	srv := web.NewServer(store, w, dispatcher, opts)
	httpServer := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Start(gctx)
	})
	g.Go(func() error {
		slog.Info("Starting server", "port", cfg.Server.Port, "url", "http://localhost"+cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if bridge != nil {
			_ = bridge.Close()
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server exited")
	return nil
}
