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

	"github.com/loqalabs/loqa-scribe/internal/buffer"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/control"
	"github.com/loqalabs/loqa-scribe/internal/journal"
	"github.com/loqalabs/loqa-scribe/internal/merge"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/permission"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	registry *capability.Registry
	session  *session.Session
	buffer   *buffer.Buffer
	journal  *journal.Store
	control  *control.Service
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
	defer r.shutdownTelemetry()

	if err := r.startServices(ctx); err != nil {
		cancel()
		r.wg.Wait()
		r.stopServices()
		return err
	}
	defer r.stopServices()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/buffer", r.handleBuffer)
	mux.HandleFunc("/v1/session", r.handleSession)
	mux.HandleFunc("/v1/journal", r.handleJournal)
	mux.HandleFunc("/v1/nodes", r.handleNodes)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("session_id", r.session.ID()),
		slog.String("recognizer", r.cfg.Recognizer.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
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
	r.wg.Wait()

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// startServices brings up the bus, the dictation session and everything that
// observes it. The session itself starts Idle or Unavailable.
func (r *Runtime) startServices(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}

	rec, emitter, err := newRecognizer(r.cfg.Recognizer, r.bus, r.registry, r.logger)
	if err != nil {
		return err
	}
	gate, err := permission.NewStatic(r.cfg.Permission.Mode)
	if err != nil {
		return err
	}

	r.session = session.New(rec, gate, session.Config{
		Options: stt.Options{
			PartialResults: r.cfg.Recognizer.PartialResults,
			LocaleHint:     r.cfg.Recognizer.Language,
		},
		StartTimeout: time.Duration(r.cfg.Session.StartTimeoutMS) * time.Millisecond,
		StopTimeout:  time.Duration(r.cfg.Session.StopTimeoutMS) * time.Millisecond,
	}, r.logger)
	if err := r.session.Initialize(ctx); err != nil {
		r.logger.Warn("recognizer not ready; dictation unavailable until initialized", slog.String("error", err.Error()))
	}

	r.buffer = buffer.New("", 0)
	engine := merge.NewEngine(r.buffer, r.logger)
	engine.SkipRevoked(r.session.Revoked)
	r.runUpdates(ctx, func(ctx context.Context, updates <-chan session.Update) error {
		return engine.Run(ctx, updates)
	})

	r.journal, err = journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if err := r.journal.RecordSession(ctx, r.session.ID(), r.cfg.RuntimeName); err != nil {
		r.logger.Warn("failed to journal session", slog.String("error", err.Error()))
	}
	recorder := journal.NewRecorder(r.journal, r.session.ID(), r.logger)
	r.runUpdates(ctx, recorder.Run)

	stopTimeout := time.Duration(r.cfg.Session.StopTimeoutMS) * time.Millisecond
	r.control = control.NewService(ctx, r.bus, r.session, r.buffer, emitter, stopTimeout+time.Second, r.logger)
	if err := r.control.Start(); err != nil {
		return fmt.Errorf("start control service: %w", err)
	}
	return nil
}

// runUpdates feeds a fresh session subscription to fn until ctx is done.
func (r *Runtime) runUpdates(ctx context.Context, fn func(context.Context, <-chan session.Update) error) {
	sub := r.session.Subscribe()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer sub.Close()
		if err := fn(ctx, sub.Updates()); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("session consumer stopped", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) stopServices() {
	if r.session != nil {
		r.session.Cancel()
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("journal close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.embedded.Shutdown()
}

func (r *Runtime) shutdownTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func newRecognizer(cfg config.RecognizerConfig, busClient *bus.Client, nodes stt.NodeDirectory, logger *slog.Logger) (stt.Recognizer, control.Emitter, error) {
	switch cfg.Mode {
	case "exec":
		rec, err := stt.NewExecRecognizer(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return rec, nil, nil
	case "bus":
		return stt.NewBusRecognizer(busClient, nodes, cfg, logger), nil, nil
	case "mock", "":
		rec := stt.NewMockRecognizer()
		return rec, rec, nil
	default:
		return nil, nil, fmt.Errorf("unknown recognizer mode %q", cfg.Mode)
	}
}
