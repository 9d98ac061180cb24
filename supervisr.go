// Package supervisr embeds the worker supervisor: load a config, build an
// App, and either Run it as a daemon or mount its Handler in your own server.
package supervisr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/supervisr/internal/config"
	"github.com/loykin/supervisr/internal/controller"
	"github.com/loykin/supervisr/internal/health"
	"github.com/loykin/supervisr/internal/history"
	"github.com/loykin/supervisr/internal/history/factory"
	"github.com/loykin/supervisr/internal/logger"
	"github.com/loykin/supervisr/internal/manager"
	"github.com/loykin/supervisr/internal/metrics"
	"github.com/loykin/supervisr/internal/registry"
	"github.com/loykin/supervisr/internal/server"
	"github.com/loykin/supervisr/internal/spawner"
	itls "github.com/loykin/supervisr/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Info = controller.Info

type Params = controller.Params

type Kind = controller.Kind

type SweepResult = manager.SweepResult

const (
	KindStandard   = controller.KindStandard
	KindBasecaller = controller.KindBasecaller
	KindPpa        = controller.KindPpa
	KindDarkcal    = controller.KindDarkcal
	KindLoadingcal = controller.KindLoadingcal
)

var (
	ErrSpawnTimeout = health.ErrSpawnTimeout
	ErrDuplicatePid = registry.ErrDuplicatePid
	ErrDuplicateKey = registry.ErrDuplicateKey
	ErrUnknownKind  = manager.ErrUnknownKind
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// WriteSampleConfig writes a starter TOML file to path.
func WriteSampleConfig(path string, force bool) error { return config.WriteSample(path, force) }

// ShutdownTimeout bounds how long Run waits for the HTTP server to drain.
const ShutdownTimeout = 10 * time.Second

// App is one supervisor instance: its registries, control plane and sinks.
type App struct {
	cfg       *Config
	tlsConf   *tls.Config
	mgr       *manager.Manager
	router    *server.Router
	sinks     history.Multi
	log       *slog.Logger
	logCloser io.Closer
}

// NewApp builds the service logger, worker environment, command templates,
// history sinks and manager from cfg. Metrics are registered with the
// default prometheus registry when [server].metrics is set.
func NewApp(cfg *Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("supervisr: nil config")
	}
	lg, closer, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &App{cfg: cfg, log: lg, logCloser: closer}
	if err := a.init(); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	cfg := a.cfg
	e, err := cfg.BuildEnv()
	if err != nil {
		return fmt.Errorf("worker env: %w", err)
	}
	cmds, err := cfg.Commands()
	if err != nil {
		return fmt.Errorf("worker templates: %w", err)
	}
	if a.tlsConf, err = itls.Setup(cfg.Server.TLS); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if cfg.History.Enabled {
		if a.sinks, err = factory.NewSinks(cfg.History.DSNs); err != nil {
			return fmt.Errorf("history: %w", err)
		}
	}
	if cfg.Server.Metrics {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	sopts := cfg.SpawnerOptions()
	sopts.Logger = a.log.With("component", "spawner")
	sopts.Controller.Logger = a.log.With("component", "controller")
	mopts := manager.Options{
		Spawner:    spawner.New(sopts),
		Commands:   cmds,
		Env:        e,
		StaleGrace: cfg.Supervisor.StaleGrace,
		Logger:     a.log.With("component", "manager"),
	}
	if len(a.sinks) > 0 {
		mopts.History = a.sinks
	}
	if a.mgr, err = manager.New(mopts); err != nil {
		return err
	}

	var ropts []server.Option
	ropts = append(ropts, server.WithLogger(a.log.With("component", "http")))
	if cfg.Server.Metrics {
		ropts = append(ropts, server.WithMetrics())
	}
	a.router = server.NewRouter(a.mgr, cfg.Server.BasePath, ropts...)
	return nil
}

func (a *App) Logger() *slog.Logger { return a.log }

// Handler serves the control plane under [server].base_path.
func (a *App) Handler() http.Handler { return a.router.Handler() }

// MountEcho serves the control plane from an existing echo server.
func (a *App) MountEcho(e *echo.Echo) { server.MountEcho(e, a.router) }

func (a *App) StartBasecaller(ctx context.Context, sid string, p Params) (Info, error) {
	return a.mgr.StartBasecaller(ctx, sid, p)
}

func (a *App) StartPpa(ctx context.Context, mid string, p Params) (Info, error) {
	return a.mgr.StartPpa(ctx, mid, p)
}

func (a *App) StartDarkcal(ctx context.Context, sid string, p Params) (Info, error) {
	return a.mgr.StartDarkcal(ctx, sid, p)
}

func (a *App) StartLoadingcal(ctx context.Context, sid string, p Params) (Info, error) {
	return a.mgr.StartLoadingcal(ctx, sid, p)
}

func (a *App) StopPpa(mid string) { a.mgr.StopPpa(mid) }

func (a *App) StopSession(kind Kind, sid string) error { return a.mgr.StopSession(kind, sid) }

func (a *App) CheckAll(ctx context.Context) SweepResult { return a.mgr.CheckAll(ctx) }

func (a *App) Workers() []Info { return a.mgr.Workers() }

// Run serves HTTP on [server].listen and sweeps on [supervisor].sweep_interval
// until ctx ends or the listener fails, then stops every worker and closes
// the sinks and the log.
func (a *App) Run(ctx context.Context) error {
	srv := server.NewServer(a.cfg.Server.Listen, a.router)
	srv.TLSConfig = a.tlsConf
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("control plane listening", "addr", srv.Addr, "base_path", a.router.BasePath(), "tls", a.tlsConf != nil)
		var err error
		if a.tlsConf != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		manager.NewSweeper(a.mgr, a.cfg.Supervisor.SweepInterval).Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	runErr := g.Wait()
	a.log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(sctx))
}

// Close stops every worker, then releases the sinks and the log file.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.mgr != nil {
		errs = append(errs, a.mgr.Shutdown(ctx))
	}
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

func (a *App) close() error {
	var errs []error
	if a.sinks != nil {
		errs = append(errs, a.sinks.Close())
		a.sinks = nil
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
		a.logCloser = nil
	}
	return errors.Join(errs...)
}
