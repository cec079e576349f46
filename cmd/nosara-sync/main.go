// Command nosara-sync runs the offline operation queue and sync engine as
// a daemon, with a debug API for inspecting and driving it.
//
// Usage:
//
//	nosara-sync -config nosara.json
//	nosara-sync -version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/api"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/config"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/connectivity"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/events"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/handlers"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/metrics"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/offline"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/scheduler"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/security"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/storage"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

const defaultConfigPath = "nosara.json"

// App holds all the runtime components
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	LogLevel   *slog.LevelVar

	KV        storage.KV
	SecureKV  storage.KV
	Secure    *security.Store
	Probe     *connectivity.Probe
	Manual    *connectivity.Manual
	Scheduler *scheduler.Cron
	Metrics   *metrics.Collector
	Service   *offline.Service
	Backend   *handlers.Backend
	MQTT      *events.MQTTPublisher
	APIServer *api.Server
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("nosara-sync", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file (.json, .yaml, .toml)")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Printf("nosara-sync v%s (built %s)\n", version, buildTime)
		fmt.Println("Offline operation queue and sync engine")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	app, err := setup(ctx, *configPath, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	printBanner(app)

	if err := app.Run(ctx); err != nil {
		app.Logger.Error("nosara-sync stopped with error", "error", err)
		return 1
	}
	return 0
}

// setup builds every component from the config at path. Nothing is
// started yet.
func setup(ctx context.Context, path string, logOut io.Writer) (*App, error) {
	app := &App{ConfigPath: path, LogLevel: new(slog.LevelVar)}
	app.Logger = newLogger(logOut, "text", app.LogLevel)

	cfg, err := loadConfig(path, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	// Recreate logger with the configured format and level
	app.LogLevel.Set(parseLogLevel(cfg.Server.LogLevel))
	app.Logger = newLogger(logOut, cfg.Server.LogFormat, app.LogLevel)
	app.Logger.Info("starting nosara-sync", "version", version, "config", path)

	if app.KV, err = offline.OpenStorage(cfg); err != nil {
		return nil, err
	}

	app.Secure, app.SecureKV, err = offline.OpenSecure(ctx, cfg, app.Logger)
	if err != nil {
		app.Logger.Warn("secure store unavailable, backend calls go unauthenticated", "error", err)
	}

	provider := newProvider(app)
	app.Scheduler = scheduler.NewCron(app.Logger)
	app.Metrics = metrics.New()

	opts := offline.Options{
		KV:        app.KV,
		Provider:  provider,
		Scheduler: app.Scheduler,
		Metrics:   app.Metrics,
		Logger:    app.Logger,
	}
	if app.Secure != nil {
		opts.Secure = app.Secure
	}
	if app.Service, err = offline.New(cfg, opts); err != nil {
		app.close()
		return nil, fmt.Errorf("create offline service: %w", err)
	}

	backendOpts := handlers.Options{
		BaseURL:         cfg.Backend.BaseURL,
		Timeout:         time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
		BreakerFailures: uint32(cfg.Backend.BreakerFailures),
		BreakerOpen:     time.Duration(cfg.Backend.BreakerOpenSec) * time.Second,
		Logger:          app.Logger,
	}
	if app.Secure != nil {
		backendOpts.Tokens = app.Secure
	}
	app.Backend = handlers.New(backendOpts)
	app.Backend.Register(app.Service)

	if cfg.MQTT.Enabled {
		app.MQTT = events.NewMQTTPublisher(events.MQTTOptions{
			Host:     cfg.MQTT.Host,
			Port:     cfg.MQTT.Port,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			DeviceID: deviceID(cfg),
		}, app.Logger)
	}

	apiOpts := []api.Option{api.WithMetrics(app.Metrics.Handler())}
	if cfg.Server.JWTSecret != "" {
		apiOpts = append(apiOpts, api.WithJWTSecret([]byte(cfg.Server.JWTSecret)))
	}
	if app.Manual != nil {
		apiOpts = append(apiOpts, api.WithManualConnectivity(app.Manual))
	}
	app.APIServer = api.NewServer(cfg.Server.Port, app.Service, app.Logger, apiOpts...)

	return app, nil
}

// newProvider picks the connectivity source named by the config.
func newProvider(app *App) connectivity.Provider {
	cfg := app.Config.Connectivity
	if cfg.Mode == "manual" {
		app.Manual = connectivity.NewManual(connectivity.Offline, app.Logger)
		return app.Manual
	}
	app.Probe = connectivity.NewProbe(connectivity.ProbeOptions{
		URL:      cfg.ProbeURL,
		Interval: time.Duration(cfg.ProbeIntervalSec) * time.Second,
		Timeout:  time.Duration(cfg.ProbeTimeoutSec) * time.Second,
		Logger:   app.Logger,
	})
	return app.Probe
}

// Run starts every component and blocks until ctx is cancelled or the API
// server fails.
func (app *App) Run(ctx context.Context) error {
	defer app.close()

	if app.Probe != nil {
		if err := app.Probe.Start(ctx); err != nil {
			return fmt.Errorf("start probe: %w", err)
		}
		defer app.Probe.Stop()
	}

	app.Scheduler.Start()
	defer app.Scheduler.Stop()

	if err := app.Service.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize offline service: %w", err)
	}
	defer app.Service.Close()

	if app.MQTT != nil {
		if err := app.MQTT.Start(ctx); err != nil {
			app.Logger.Warn("mqtt unavailable, events stay local", "error", err)
		} else {
			defer app.MQTT.Stop()
			defer app.MQTT.Attach(app.Service.Events())()
		}
	}

	watcher := config.NewWatcher(app.ConfigPath, 0, app.Logger, app.reload)
	if err := watcher.Start(); err != nil {
		app.Logger.Warn("config hot reload disabled", "error", err)
	} else {
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.APIServer.Start(gctx)
	})
	g.Go(func() error {
		app.watchReloadSignal(gctx)
		return nil
	})

	err := g.Wait()
	app.Logger.Info("shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// reload re-reads the config file and applies the hot-reloadable parts.
func (app *App) reload() {
	res, err := app.Config.Reload(app.ConfigPath)
	if err != nil {
		app.Logger.Error("config reload failed", "error", err)
		return
	}
	res.LogResult(app.Logger)
	if len(res.Applied) == 0 {
		return
	}

	config.RLock()
	app.LogLevel.Set(parseLogLevel(app.Config.Server.LogLevel))
	app.Service.ApplyConfig(app.Config)
	config.RUnlock()
}

// watchReloadSignal reloads on the platform's reload signal until ctx ends.
func (app *App) watchReloadSignal(ctx context.Context) {
	sigs := reloadSignals()
	if len(sigs) == 0 {
		<-ctx.Done()
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			app.Logger.Info("reload signal received", "signal", sig)
			app.reload()
		}
	}
}

// close releases storage. It is safe on a partially built App.
func (app *App) close() {
	if app.SecureKV != nil {
		if err := app.SecureKV.Close(); err != nil {
			app.Logger.Warn("close secure storage", "error", err)
		}
		app.SecureKV = nil
	}
	if app.KV != nil {
		if err := app.KV.Close(); err != nil {
			app.Logger.Warn("close storage", "error", err)
		}
		app.KV = nil
	}
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func deviceID(cfg *config.Config) string {
	if cfg.Server.DeviceID != "" {
		return cfg.Server.DeviceID
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return ""
}

// printBanner displays the startup banner
func printBanner(app *App) {
	fmt.Println()
	fmt.Println("  Nosara offline sync v" + version)
	fmt.Printf("  API:     http://localhost:%d/api/status\n", app.Config.Server.Port)
	fmt.Printf("  Metrics: http://localhost:%d/metrics\n", app.Config.Server.Port)
	fmt.Printf("  Backend: %s\n", app.Config.Backend.BaseURL)
	fmt.Println()
}
