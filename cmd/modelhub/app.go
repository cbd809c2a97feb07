package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"modelhub/internal/backend"
	"modelhub/internal/common/fsutil"
	"modelhub/internal/config"
	"modelhub/internal/httpapi"
	"modelhub/internal/manager"
	"modelhub/internal/registry"
	"modelhub/internal/statsdb"
)

var _ httpapi.Service = (*manager.Manager)(nil)

// Overridable in tests.
var (
	fnServe    = serve
	fnValidate = validate
)

const (
	eventHistory    = 256
	shutdownTimeout = 5 * time.Second
)

// app is the wired process: catalog, adapters, manager and HTTP handler.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	mgr     *manager.Manager
	events  *manager.MemoryPublisher
	handler http.Handler
	closers []func() error
}

type appOptions struct {
	// useDocker enables container inspection through the docker daemon.
	useDocker  bool
	registerer prometheus.Registerer
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Str("service", "modelhub").Logger()
}

// validate checks cfg and returns the catalog warnings that do not fail it.
func validate(cfg config.Config) ([]string, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg, err := registry.FromConfig(cfg.Models, cfg.Capacity.Bytes(), cfg.Headroom.Bytes())
	if err != nil {
		return nil, err
	}
	if err := reg.ValidateModes(cfg.Modes, cfg.Capacity.Bytes(), cfg.Headroom.Bytes()); err != nil {
		return nil, err
	}
	return reg.Warnings(), nil
}

func newApp(cfg config.Config, log zerolog.Logger, opts appOptions) (*app, error) {
	warnings, err := validate(cfg)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		log.Warn().Msg(w)
	}
	reg, err := registry.FromConfig(cfg.Models, cfg.Capacity.Bytes(), cfg.Headroom.Bytes())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, events: manager.NewMemoryPublisher(eventHistory)}

	var inspector backend.Inspector
	if opts.useDocker && needsDocker(reg) {
		di, err := backend.NewDockerInspector()
		if err != nil {
			log.Warn().Err(err).Msg("docker unavailable; container health falls back to HTTP probes")
		} else {
			inspector = di
			a.closers = append(a.closers, di.Close)
		}
	}
	adapters := backend.Set{
		Container: backend.NewContainer(backend.ContainerOptions{
			HealthTimeout: cfg.HealthTimeout.D(),
			Inspector:     inspector,
			Logger:        log.With().Str("component", "container").Logger(),
		}),
		Server: backend.NewServer(backend.ServerOptions{
			LoadTimeout:   cfg.LoadTimeout.D(),
			HealthTimeout: cfg.HealthTimeout.D(),
			Logger:        log.With().Str("component", "server").Logger(),
		}),
	}

	var stats *statsdb.Store
	if cfg.StatsPath != "" {
		p, err := fsutil.ExpandHome(cfg.StatsPath)
		if err != nil {
			return nil, err
		}
		if stats, err = statsdb.Open(p); err != nil {
			a.close()
			return nil, fmt.Errorf("open stats %s: %w", p, err)
		}
		a.closers = append(a.closers, stats.Close)
	}

	a.mgr, err = manager.New(manager.ManagerConfig{
		Registry:       reg,
		Adapters:       adapters,
		Capacity:       cfg.Capacity.Bytes(),
		Headroom:       cfg.Headroom.Bytes(),
		Modes:          cfg.Modes,
		DefaultMode:    cfg.DefaultMode,
		ModeGrace:      cfg.ModeGrace.D(),
		BusyGrace:      cfg.BusyGrace.D(),
		HealthInterval: cfg.HealthInterval.D(),
		Stats:          stats,
		Publisher:      a.events,
		Logger:         &log,
		Registerer:     opts.registerer,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	if os.Getenv("MODELHUB_LOG_LEVEL") == "" {
		httpapi.SetDefaultLogLevel(cfg.LogLevel)
	}
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetGenerateTimeout(cfg.GenerateTimeout.D())
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders)
	httpapi.SetEventSource(a.events)
	a.handler = httpapi.NewMux(a.mgr)
	return a, nil
}

func needsDocker(reg *registry.Registry) bool {
	for _, d := range reg.Containers() {
		if d.Container != "" {
			return true
		}
	}
	return false
}

// start runs the background work tied to ctx: stats seeding, the health
// monitor and the default mode.
func (a *app) start(ctx context.Context) {
	if err := a.mgr.Warm(ctx); err != nil {
		a.log.Warn().Err(err).Msg("usage stats not loaded")
	}
	go func() {
		if err := a.mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error().Err(err).Msg("health monitor stopped")
		}
	}()
	if a.cfg.DefaultMode != "" {
		go func() {
			if err := a.mgr.ApplyDefaultMode(ctx); err != nil {
				a.log.Warn().Err(err).Str("mode", a.cfg.DefaultMode).Msg("default mode not applied")
			}
		}()
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}

func serve(ctx context.Context, cfg config.Config, noDocker bool) error {
	log := newLogger(cfg.LogLevel)
	a, err := newApp(cfg, log, appOptions{useDocker: !noDocker, registerer: prometheus.DefaultRegisterer})
	if err != nil {
		return err
	}
	defer a.close()

	httpapi.SetBaseContext(ctx)
	a.start(ctx)

	srv := &http.Server{Addr: cfg.Addr, Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Int("models", len(cfg.Models)).Str("capacity", cfg.Capacity.String()).Msg("modelhub listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	log.Info().Msg("modelhub stopped")
	return nil
}
