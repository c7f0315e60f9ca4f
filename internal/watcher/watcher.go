// Package watcher runs the motion watching worker: it owns the camera while
// active, feeds frame differences through the hysteresis and turns triggers
// into evidence photos and alerts.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/motioncam/internal/command"
	"github.com/mikeyg42/motioncam/internal/motion"
	"github.com/mikeyg42/motioncam/internal/notification"
	"github.com/mikeyg42/motioncam/internal/ownership"
	"github.com/mikeyg42/motioncam/internal/presence"
)

// ErrAlertingUnconfigured is returned by New when alerts are enabled but no
// notifier was supplied.
var ErrAlertingUnconfigured = errors.New("alerting enabled without a notifier")

const holderName = "motion-watcher"

// Sampler yields one metric per call and fresh photos on demand.
type Sampler interface {
	Next() (motion.Sample, error)
	Snapshot() ([]byte, error)
	Close() error
}

type PresenceChecker interface {
	PollIfDue(ctx context.Context) presence.State
	Wait()
}

type EvidenceSaver interface {
	Save(data []byte) (string, error)
}

type Archiver interface {
	Archive(ctx context.Context, path string) error
}

type Config struct {
	Thresholds    Thresholds    `yaml:"thresholds"`
	Tick          time.Duration `yaml:"tick"`
	BurstCount    int           `yaml:"burst_count"`
	BurstInterval time.Duration `yaml:"burst_interval"`
	AlertsEnabled bool          `yaml:"alerts_enabled"`
	Standby       bool          `yaml:"standby"`
	SystemName    string        `yaml:"system_name"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
	OpenRetryMax  time.Duration `yaml:"open_retry_max"`
}

func DefaultConfig() Config {
	return Config{
		Thresholds:    DefaultThresholds(),
		Tick:          100 * time.Millisecond,
		BurstCount:    1,
		BurstInterval: time.Second,
		AlertsEnabled: true,
		NotifyTimeout: 2 * time.Minute,
		OpenRetryMax:  ownership.DefaultOpenRetryMax,
	}
}

// Deps are the collaborators of one watcher. Presence, Notifier and Archiver
// are optional.
type Deps struct {
	Owner       *ownership.Ownership
	OpenSampler func() (Sampler, error)
	Presence    PresenceChecker
	Evidence    EvidenceSaver
	Notifier    notification.Notifier
	Archiver    Archiver
	Logger      *zap.Logger
}

type Stats struct {
	Samples       int64
	ReadFailures  int64
	Triggers      int64
	Suppressed    int64
	Captures      int64
	AlertsSent    int64
	AlertFailures int64
}

type counters struct {
	samples, readFailures, triggers, suppressed atomic.Int64
	captures, alertsSent, alertFailures         atomic.Int64
}

// Watcher is single use: Run it once per capture session.
type Watcher struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	hyst   *Hysteresis

	inflight sync.WaitGroup
	stats    counters
}

func New(cfg Config, deps Deps) (*Watcher, error) {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.BurstInterval <= 0 {
		cfg.BurstInterval = def.BurstInterval
	}
	if cfg.BurstCount < 0 {
		cfg.BurstCount = 0
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	if deps.Owner == nil || deps.OpenSampler == nil {
		return nil, errors.New("watcher needs camera ownership and a sampler")
	}
	if deps.Evidence == nil && cfg.BurstCount > 0 {
		return nil, errors.New("watcher needs an evidence store for burst capture")
	}
	if cfg.AlertsEnabled && deps.Notifier == nil {
		return nil, ErrAlertingUnconfigured
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.L()
	}
	return &Watcher{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("watcher"),
		hyst:   NewHysteresis(cfg.Thresholds),
	}, nil
}

// Run owns the camera until ctx is done, Shutdown arrives on inbox, or the
// controller revokes the lease. The camera is released on every return path.
func (w *Watcher) Run(ctx context.Context, inbox <-chan command.Command) error {
	// Deferred first so it runs last: the camera is already released and the
	// poll's context cancelled by the time it blocks.
	if w.deps.Presence != nil {
		defer w.deps.Presence.Wait()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lease, stopped, err := w.deps.Owner.AcquireForWorker(ctx, holderName, inbox)
	if stopped {
		w.logger.Info("shutdown before camera was acquired")
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire camera: %w", err)
	}
	defer lease.Release()

	var sampler Sampler
	stopped, err = lease.RetryOpen(ctx, inbox, ownership.OpenBackOff(w.cfg.OpenRetryMax), func() error {
		s, err := w.deps.OpenSampler()
		if err != nil {
			return err
		}
		sampler = s
		return nil
	}, func(err error, next time.Duration) {
		w.logger.Warn("failed to open camera, retrying", zap.Duration("retry_in", next), zap.Error(err))
	})
	if stopped {
		w.logger.Info("shutdown before camera could be opened")
		return nil
	}
	if err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	defer func() {
		if err := sampler.Close(); err != nil {
			w.logger.Warn("failed to close camera", zap.Error(err))
		}
	}()

	w.logger.Info("motion watching started",
		zap.String("device", w.deps.Owner.Device()),
		zap.Int("delta_min", w.cfg.Thresholds.DeltaMin),
		zap.Int("delta_max", w.cfg.Thresholds.DeltaMax),
		zap.Int("motion_min", w.cfg.Thresholds.MotionMin),
		zap.Bool("standby", w.cfg.Standby))

	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	var present presence.State
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-inbox:
			if !ok || cmd == command.Shutdown {
				w.logger.Info("motion watching stopped")
				return nil
			}
			w.logger.Debug("ignoring command", zap.String("command", string(cmd)))
			continue
		case <-ticker.C:
		}

		if !lease.Held() {
			w.logger.Warn("camera lease revoked, stopping")
			return ownership.ErrLeaseRevoked
		}
		if w.cfg.Standby && w.deps.Presence != nil {
			present = w.deps.Presence.PollIfDue(ctx)
		}

		sample, err := sampler.Next()
		if err != nil {
			n := w.stats.readFailures.Add(1)
			if n == 1 || n%100 == 0 {
				w.logger.Warn("camera read failed, retrying", zap.Int64("failures", n), zap.Error(err))
			}
			continue
		}
		w.stats.samples.Add(1)

		if !w.hyst.Observe(sample.Metric) {
			continue
		}
		w.stats.triggers.Add(1)
		w.logger.Info("motion detected", zap.Int("metric", sample.Metric))

		if w.cfg.Standby && present.Present {
			w.stats.suppressed.Add(1)
			w.logger.Info("trusted device present, alert suppressed",
				zap.String("mac", present.MatchedMAC))
			continue
		}
		if stop := w.burst(ctx, inbox, sampler, sample.Metric); stop {
			w.logger.Info("motion watching stopped during capture")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// burst takes BurstCount photos, waiting BurstInterval before each one.
// It reports whether a shutdown arrived while waiting.
func (w *Watcher) burst(ctx context.Context, inbox <-chan command.Command, sampler Sampler, metric int) bool {
	timer := time.NewTimer(w.cfg.BurstInterval)
	defer timer.Stop()

	for shot := 1; shot <= w.cfg.BurstCount; shot++ {
		if shot > 1 {
			timer.Reset(w.cfg.BurstInterval)
		}
	wait:
		for {
			select {
			case <-ctx.Done():
				return false
			case cmd, ok := <-inbox:
				if !ok || cmd == command.Shutdown {
					return true
				}
			case <-timer.C:
				break wait
			}
		}

		data, err := sampler.Snapshot()
		if err != nil {
			w.logger.Warn("burst capture failed", zap.Int("shot", shot), zap.Error(err))
			continue
		}
		path, err := w.deps.Evidence.Save(data)
		if err != nil {
			w.logger.Error("failed to save capture", zap.Int("shot", shot), zap.Error(err))
			continue
		}
		w.stats.captures.Add(1)
		w.logger.Info("capture saved", zap.String("file", path), zap.Int("shot", shot))

		alert := notification.NewMotionAlert(w.cfg.SystemName, metric, path, time.Now())
		alert.Shot, alert.Shots = shot, w.cfg.BurstCount
		w.dispatch(alert)
	}
	return false
}

// dispatch hands the capture to the notifier and the archive without
// blocking the loop. Failures are logged and dropped.
func (w *Watcher) dispatch(alert notification.Alert) {
	if !w.cfg.AlertsEnabled {
		w.logger.Info("sending mail has been disabled")
	}
	if !w.cfg.AlertsEnabled && w.deps.Archiver == nil {
		return
	}

	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.NotifyTimeout)
		defer cancel()

		if w.cfg.AlertsEnabled {
			if err := w.deps.Notifier.Notify(ctx, alert); err != nil {
				w.stats.alertFailures.Add(1)
				w.logger.Error("failed to send alert", zap.String("alert_id", alert.ID), zap.Error(err))
			} else {
				w.stats.alertsSent.Add(1)
				w.logger.Info("alert sent", zap.String("alert_id", alert.ID), zap.String("attachment", alert.AttachmentPath))
			}
		}
		if w.deps.Archiver != nil {
			if err := w.deps.Archiver.Archive(ctx, alert.AttachmentPath); err != nil {
				w.logger.Warn("failed to archive capture", zap.String("file", alert.AttachmentPath), zap.Error(err))
			}
		}
	}()
}

// Wait blocks until every dispatched alert has finished.
func (w *Watcher) Wait() {
	w.inflight.Wait()
}

func (w *Watcher) Stats() Stats {
	return Stats{
		Samples:       w.stats.samples.Load(),
		ReadFailures:  w.stats.readFailures.Load(),
		Triggers:      w.stats.triggers.Load(),
		Suppressed:    w.stats.suppressed.Load(),
		Captures:      w.stats.captures.Load(),
		AlertsSent:    w.stats.alertsSent.Load(),
		AlertFailures: w.stats.alertFailures.Load(),
	}
}
