package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/capability"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/control"
	"github.com/loqalabs/loqa-dictation/internal/natsserver"
	"github.com/loqalabs/loqa-dictation/internal/recognition"
	"github.com/loqalabs/loqa-dictation/internal/session"
	"github.com/loqalabs/loqa-dictation/internal/web"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	metrics       http.Handler

	embedded    *natsserver.EmbeddedServer
	bus         *bus.Client
	registry    *capability.Registry
	controller  *session.Controller
	unavailable error
	control     *control.Service
	web         *web.Server
	router      chi.Router

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.setup(ctx); err != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		return errors.Join(err, r.shutdown(shutdownCtx))
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.Bool("dictation", r.controller != nil))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.shutdown(shutdownCtx); err != nil {
		r.logger.Error("shutdown error", slogError(err))
	}
	return nil
}

// setup builds every component in dependency order. A missing recognition
// capability is not fatal: the node runs with dictation disabled.
func (r *Runtime) setup(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Enabled {
		embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.embedded = embedded
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}

		client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		r.bus = client

		registry, err := capability.NewRegistry(ctx, r.cfg.Node, client, r.logger)
		if err != nil {
			return fmt.Errorf("start capability registry: %w", err)
		}
		r.registry = registry
	}

	var waiter recognition.CapabilityWaiter
	if r.registry != nil {
		waiter = r.registry
	}
	engineLog := r.logger.With(slog.String("component", "recognition"))
	engine, err := recognition.New(ctx, r.cfg.STT, r.bus, waiter, engineLog)
	switch {
	case errors.Is(err, recognition.ErrCapabilityUnavailable):
		r.unavailable = err
		r.logger.Warn("speech recognition unavailable, dictation disabled", slogError(err))
	case err != nil:
		return fmt.Errorf("build recognition engine: %w", err)
	default:
		controller, err := session.New(ctx, session.Config{
			ID:        r.cfg.Dictation.ControllerID,
			Languages: r.cfg.Dictation.Languages,
			Language:  r.cfg.Dictation.DefaultLanguage,
		}, engine, r.logger)
		if err != nil {
			return fmt.Errorf("create dictation controller: %w", err)
		}
		r.controller = controller
	}

	if r.bus != nil {
		r.control = control.NewService(r.cfg.Dictation.ControllerID, r.bus, r.controller, r.unavailable, r.logger)
		if err := r.control.Start(); err != nil {
			return fmt.Errorf("start control service: %w", err)
		}
	}

	r.web = web.NewServer(r.controller, r.unavailable, r.cfg.HTTP.AllowedOrigins, r.logger)
	r.router = r.web.Router()
	r.router.Get("/healthz", r.handleHealth)
	r.router.Get("/readyz", r.handleReady)
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slogError(err))
		}
	}()
}

// shutdown releases components in reverse construction order.
func (r *Runtime) shutdown(ctx context.Context) error {
	var errs []error
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	r.wg.Wait()

	if r.web != nil {
		r.web.Close()
	}
	if r.controller != nil {
		r.controller.Close()
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.bus != nil && !r.bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load()
	if r.control != nil && !r.control.Healthy() {
		ready = false
	}
	if r.registry != nil && !r.registry.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
