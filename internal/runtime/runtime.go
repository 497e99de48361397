package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/bus"
	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/eventstore"
	"github.com/loqalabs/loqa-podcast/internal/natsserver"
	"github.com/loqalabs/loqa-podcast/internal/router"
	"github.com/loqalabs/loqa-podcast/internal/segment"
	"github.com/loqalabs/loqa-podcast/internal/session"
	"github.com/loqalabs/loqa-podcast/internal/tts"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	metrics       http.Handler

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	events   *eventstore.Store
	timeline *eventstore.Timeline
	manager  *session.Manager
	api      *router.API
	router   *router.Service

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

	if err := r.build(ctx); err != nil {
		r.shutdown()
		return err
	}

	routes := (&httpAPI{
		api:     r.api,
		events:  r.events,
		metrics: r.metrics,
		ready:   r.Healthy,
		logger:  r.logger.With(slog.String("component", "http")),
	}).routes()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           routes,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http server failed")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer, "metrics server failed")
	}

	if r.events != nil {
		r.wg.Add(1)
		go r.pruneLoop(ctx)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

// build assembles the session engine and its optional bus and event store
// attachments.
func (r *Runtime) build(ctx context.Context) error {
	r.manager = session.NewManager(ctx, newSynthesizer(r.cfg.TTS, r.logger), segment.NewStore(),
		session.Options{Prefetch: r.cfg.Session.Prefetch}, r.logger)
	r.api = router.NewAPI(r.manager)

	if r.cfg.EventStore.Enabled {
		store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		r.events = store
		r.timeline = eventstore.NewTimeline(context.WithoutCancel(ctx), store, r.logger)
		r.manager.AddListener(r.timeline)
	}

	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client

	prefix := r.cfg.Router.SubjectPrefix
	notifier := router.NewNotifier(client, prefix, r.logger)
	if err := notifier.RetainEvents(prefix); err != nil {
		r.logger.Warn("audio event stream unavailable", slogError(err))
	}
	r.manager.AddListener(notifier)

	if r.cfg.Router.Enabled {
		r.router = router.NewService(ctx, r.cfg.Router, client, r.api, r.logger)
		if err := r.router.Start(); err != nil {
			return fmt.Errorf("start router: %w", err)
		}
	}
	return nil
}

func newSynthesizer(cfg config.TTSConfig, logger *slog.Logger) *tts.Invoker {
	var transport tts.Transport
	switch cfg.Mode {
	case "mock":
		transport = tts.NewMockTransport()
	default:
		transport = tts.NewHTTPTransport(time.Duration(cfg.TimeoutMS)*time.Millisecond, cfg.UserAgent)
	}
	normalizer := tts.Normalizer{
		DefaultMIME:  cfg.DefaultMIME,
		JSONPolicy:   tts.JSONPolicy(cfg.JSONPolicy),
		ExcerptLimit: cfg.ExcerptLimit,
	}
	logger.Info("tts invoker configured", slog.String("mode", cfg.Mode), slog.String("json_policy", cfg.JSONPolicy))
	return tts.NewInvoker(transport, normalizer, cfg.Placeholder, logger)
}

// Healthy reports whether the runtime and its attachments are serving.
func (r *Runtime) Healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.router != nil && !r.router.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) serve(srv *http.Server, failure string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error(failure, slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.events.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

// shutdown stops components in reverse dependency order. Generations are
// drained before the listeners they report to are torn down.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.manager != nil {
		r.manager.Close()
	}
	if r.timeline != nil {
		r.timeline.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	r.wg.Wait()
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
