package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/motioncam/internal/config"
	"github.com/mikeyg42/motioncam/internal/controller"
	"github.com/mikeyg42/motioncam/internal/evidence"
	"github.com/mikeyg42/motioncam/internal/logging"
	"github.com/mikeyg42/motioncam/internal/notification"
	"github.com/mikeyg42/motioncam/internal/ownership"
	"github.com/mikeyg42/motioncam/internal/presence"
	"github.com/mikeyg42/motioncam/internal/secret"
	"github.com/mikeyg42/motioncam/internal/storage"
	"github.com/mikeyg42/motioncam/internal/validate"
	"github.com/mikeyg42/motioncam/internal/watcher"
)

// Application struct that holds all components
type Application struct {
	config *config.Config
	logger *zap.Logger

	owner      *ownership.Ownership
	evidence   *evidence.Store
	notifier   notification.Notifier
	mqtt       *notification.MQTTNotifier
	archive    *storage.MinIOArchive
	presence   *presence.Monitor
	controller *controller.Controller
}

func main() {
	flags, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if done, err := runTool(flags); done {
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if flags.writeConfig != "" {
		if err := writeConfig(flags); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.gmailAuthorize {
		if err := notification.Authorize(ctx, cfg.GmailConfig(), "", os.Stdout); err != nil {
			logger.Fatal("gmail authorization failed", zap.Error(err))
		}
		logger.Info("gmail token stored", zap.String("path", cfg.Email.Gmail.TokenPath))
		return
	}

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	if flags.testAlert {
		if err := app.SendTestAlert(ctx); err != nil {
			logger.Error("test alert failed", zap.Error(err))
			return
		}
		logger.Info("test alert sent")
		return
	}

	if err := app.Run(ctx); err != nil {
		logger.Fatal("controller stopped", zap.Error(err))
	}
	logger.Info("shut down cleanly")
}

// runTool handles the flags that print something and exit.
func runTool(flags *cliFlags) (bool, error) {
	switch {
	case flags.generateKey:
		key, err := secret.GenerateMasterKey()
		if err != nil {
			return true, err
		}
		fmt.Println(key)
		return true, nil
	case flags.seal != "":
		sealed, err := secret.Seal(flags.seal, os.Getenv(config.MasterKeyEnv))
		if err != nil {
			return true, fmt.Errorf("seal: %w (is %s set?)", err, config.MasterKeyEnv)
		}
		fmt.Println(sealed)
		return true, nil
	}
	return false, nil
}

// loadConfig applies defaults, then the file, then flags, then opens sealed
// secrets and validates the result. Any error here is fatal.
func loadConfig(flags *cliFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}
	if err := flags.apply(cfg); err != nil {
		return nil, fmt.Errorf("command line: %w", err)
	}
	if err := cfg.DecryptSecrets(os.Getenv(config.MasterKeyEnv)); err != nil {
		return nil, fmt.Errorf("decrypt secrets: %w", err)
	}
	cfg.ResolvePaths()
	if err := validate.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// writeConfig saves defaults, file and flags merged, with secrets still sealed.
func writeConfig(flags *cliFlags) error {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return err
	}
	if err := flags.apply(cfg); err != nil {
		return fmt.Errorf("command line: %w", err)
	}
	return cfg.Save(flags.writeConfig)
}

func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	app := &Application{config: cfg, logger: logger}

	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", cfg.Home, err)
	}
	for _, dir := range []string{cfg.CapturesDir, cfg.Video.OutputPath, cfg.Stream.RecordDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	store, err := evidence.NewStore(cfg.CapturesDir)
	if err != nil {
		return nil, fmt.Errorf("evidence store: %w", err)
	}
	app.evidence = store

	if err := app.initNotifiers(ctx); err != nil {
		app.Cleanup()
		return nil, err
	}

	if mc, ok := cfg.MinIOConfig(); ok {
		archive, err := storage.NewMinIOArchive(ctx, mc, logger)
		if err != nil {
			// Archiving is optional; alerts still go out without it.
			logger.Error("minio archive unavailable", zap.String("endpoint", mc.Endpoint), zap.Error(err))
		} else {
			app.archive = archive
		}
	}

	if cfg.Watcher.Standby {
		router, err := presence.NewNetgearRouter(cfg.Netgear, logger)
		if err != nil {
			app.Cleanup()
			return nil, fmt.Errorf("netgear router: %w", err)
		}
		app.presence = presence.NewMonitor(cfg.Presence, router, logger)
	}

	app.owner = ownership.New(cfg.Camera.Device, logger)
	app.controller = controller.New(cfg.Controller, controller.FactoryFunc(app.newWorker), app.owner, logger)
	return app, nil
}

func (app *Application) initNotifiers(ctx context.Context) error {
	cfg := app.config
	if !cfg.Watcher.AlertsEnabled {
		app.logger.Info("sending mail has been disabled")
		return nil
	}

	var backends []notification.Notifier
	switch cfg.Email.Method {
	case "gmail":
		gm, err := notification.NewGmailNotifier(ctx, cfg.GmailConfig(), app.logger)
		if err != nil {
			if errors.Is(err, notification.ErrNoToken) {
				return fmt.Errorf("%w: run with -gmail-authorize first", err)
			}
			return fmt.Errorf("gmail notifier: %w", err)
		}
		backends = append(backends, gm)
	default:
		sn, err := notification.NewSMTPNotifier(cfg.SMTPConfig(), app.logger)
		if err != nil {
			return fmt.Errorf("smtp notifier: %w", err)
		}
		backends = append(backends, sn)
	}

	if mc, ok := cfg.MQTTConfig(); ok {
		mq := notification.NewMQTTNotifier(mc, app.logger)
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := mq.Connect(cctx)
		cancel()
		if err != nil {
			// The client keeps retrying in the background.
			app.logger.Warn("mqtt broker not reachable yet", zap.String("broker", mc.Broker), zap.Error(err))
		}
		app.mqtt = mq
		backends = append(backends, mq)
	}

	if wc, ok := cfg.WebhookConfig(); ok {
		wh, err := notification.NewWebhookNotifier(wc, app.logger)
		if err != nil {
			return fmt.Errorf("webhook notifier: %w", err)
		}
		backends = append(backends, wh)
	}

	app.notifier = notification.NewFanout(backends...)
	app.logger.Info("alerting enabled",
		zap.String("method", cfg.Email.Method),
		zap.Int("backends", len(backends)))
	return nil
}

// Run binds the command socket and serves until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	if err := app.controller.Listen(); err != nil {
		return err
	}
	app.logger.Info("motion detection running",
		zap.String("camera", app.config.Camera.Device),
		zap.String("command_addr", app.config.Controller.ListenAddr),
		zap.String("stream_addr", app.config.Stream.Addr),
		zap.Bool("standby", app.config.Watcher.Standby),
		zap.Bool("alerts", app.config.Watcher.AlertsEnabled))
	return app.controller.Serve(ctx)
}

// SendTestAlert delivers one alert through every configured backend, with the
// newest capture attached when there is one.
func (app *Application) SendTestAlert(ctx context.Context) error {
	if app.notifier == nil {
		return watcher.ErrAlertingUnconfigured
	}
	attachment, err := app.evidence.Latest()
	if err != nil && !errors.Is(err, evidence.ErrNoCaptures) {
		return err
	}
	a := notification.NewMotionAlert(app.config.SystemName, 0, attachment, time.Now())
	a.Subject = "Test alert from " + app.config.SystemName
	a.Body = "Alert delivery is working."

	timeout := app.config.Watcher.NotifyTimeout
	if timeout <= 0 {
		timeout = watcher.DefaultConfig().NotifyTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return app.notifier.Notify(sctx, a)
}

func (app *Application) Cleanup() {
	if app.controller != nil {
		if err := app.controller.Close(); err != nil {
			app.logger.Warn("controller close", zap.Error(err))
		}
	}
	if app.presence != nil {
		app.presence.Wait()
	}
	if app.mqtt != nil {
		app.mqtt.Close()
	}
}

func (app *Application) watcherDeps() watcher.Deps {
	deps := watcher.Deps{
		Owner:       app.owner,
		OpenSampler: app.openSampler,
		Evidence:    app.evidence,
		Logger:      app.logger,
	}
	if app.notifier != nil {
		deps.Notifier = app.notifier
	}
	if app.presence != nil {
		deps.Presence = app.presence
	}
	if app.archive != nil {
		deps.Archiver = app.archive
	}
	return deps
}
