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

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/capability"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/model"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stt/internal/recognizer"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"go.opentelemetry.io/otel"
)

type Runtime struct {
	cfg         config.Config
	version     string
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	registry *capability.Registry
	bundle   *model.Bundle
	speaker  *model.SpeakerBundle
	stt      *stt.Service
}

// New returns a runtime for cfg. version is reported in telemetry.
func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start brings the runtime up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		return errors.Join(err, r.stopServices(context.Background()))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	var errs []error
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	r.wg.Wait()
	errs = append(errs, r.stopServices(shutdownCtx))

	if err := errors.Join(errs...); err != nil {
		r.logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	var err error
	r.nats, err = natsserver.Start(r.cfg.Bus, natsserver.Options{}, r.logger)
	if err != nil {
		return err
	}
	busCfg := r.cfg.Bus
	if url := r.nats.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	if r.bus, err = bus.Connect(ctx, busCfg, r.logger); err != nil {
		return err
	}
	if r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger); err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	var extra []capability.Capability
	if r.cfg.STT.Enabled {
		if r.bundle, r.speaker, err = stt.OpenModels(r.cfg.STT, r.logger); err != nil {
			return err
		}
		metrics, err := recognizer.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return fmt.Errorf("create recognizer metrics: %w", err)
		}
		r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, r.bundle, stt.Options{
			Speaker: r.speaker,
			Store:   r.store,
			Metrics: metrics,
			Logger:  r.logger,
		})
		if err := r.stt.Start(); err != nil {
			return err
		}
		extra = append(extra, stt.RecognizerCapability(r.cfg.STT, r.bundle, r.speaker))
	}

	if r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, r.bus, r.logger, extra...); err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	return nil
}

// stopServices tears down in reverse start order. Sessions are flushed
// before the bus goes away.
func (r *Runtime) stopServices(ctx context.Context) error {
	var errs []error
	if r.registry != nil {
		r.registry.Close()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.speaker != nil {
		r.speaker.Release()
	}
	if r.bundle != nil {
		r.bundle.Release()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && (r.stt == nil || r.stt.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
