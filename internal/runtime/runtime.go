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

	"github.com/loqalabs/loqa-speak/internal/admission"
	"github.com/loqalabs/loqa-speak/internal/buffer"
	"github.com/loqalabs/loqa-speak/internal/bus"
	"github.com/loqalabs/loqa-speak/internal/capability"
	"github.com/loqalabs/loqa-speak/internal/chunker"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/eventstore"
	"github.com/loqalabs/loqa-speak/internal/natsserver"
	"github.com/loqalabs/loqa-speak/internal/synth"
	"github.com/loqalabs/loqa-speak/internal/transport"
	"github.com/loqalabs/loqa-speak/internal/worker"
)

// Runtime runs one node: a broker, a worker or both, per node.role.
type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsServer  *http.Server
	telemetryClose func(context.Context) error
	ready          atomic.Bool
	wg             sync.WaitGroup

	embedded  *natsserver.EmbeddedServer
	bus       *bus.Client
	journal   *eventstore.Store
	registry  *capability.Registry
	loopback  *transport.Loopback
	control   *buffer.Control
	bufferSvc *buffer.Service
	workerSvc *worker.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) isWorker() bool {
	return r.cfg.Node.Role == config.RoleWorker || r.cfg.Node.Role == config.RoleAll
}

// Start wires the node, serves HTTP and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startBus(ctx); err != nil {
		return err
	}
	if err := r.startNode(ctx); err != nil {
		return err
	}

	router := newRouter(routerDeps{
		control:            r.control,
		metrics:            metricsHandler,
		corsAllowedOrigins: r.cfg.HTTP.CorsAllowedOrigins,
		health:             r.bus.Healthy,
		ready:              r.Ready,
		logger:             r.logger,
	})
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	// Metrics are always on the main router; telemetry.prometheus_bind adds
	// a dedicated listener for scrapers that must not reach the API.
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Warn("metrics listener failed", slog.String("bind", bind), slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("role", r.cfg.Node.Role),
		slog.String("node_id", r.cfg.Node.ID))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		_ = r.metricsServer.Shutdown(shutdownCtx)
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded

	r.bus, err = bus.Connect(r.cfg.Bus, r.cfg.RuntimeName+"-"+r.cfg.Node.ID, embedded.ClientURL(), r.logger)
	if err != nil {
		return err
	}

	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start node registry: %w", err)
	}
	return nil
}

func (r *Runtime) startNode(ctx context.Context) error {
	requestTimeout := time.Duration(r.cfg.Bus.RequestTimeout) * time.Millisecond
	client := transport.NewClient(r.bus.Conn(), requestTimeout)

	var pool *worker.Pool
	if r.isWorker() {
		synthesizer, err := synth.New(r.cfg.Synth, r.cfg.Buffer.SampleRate)
		if err != nil {
			return fmt.Errorf("create synthesizer: %w", err)
		}
		pool = worker.NewPool(synthesizer, r.cfg.Synth, r.logger)
	}

	if r.cfg.Node.Role == config.RoleWorker {
		r.workerSvc = worker.NewService(ctx, r.bus, pool, client, 0, r.logger)
		if err := r.workerSvc.Start(); err != nil {
			return err
		}
		return nil
	}

	journal, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.journal = journal

	splitter, err := chunker.New(r.cfg.Chunker.Encoding, r.cfg.Chunker.MaxTokens)
	if err != nil {
		return err
	}

	// A combined node keeps synthesis in-process; a pure broker sends
	// batches to the worker queue group on the bus.
	var sender transport.BatchSender = client
	if r.isWorker() {
		r.loopback = transport.NewLoopback(ctx, pool.Process, r.logger)
		sender = r.loopback
	}

	buf := buffer.New(
		admission.New(r.cfg.Buffer.MaxWorkers),
		sender,
		splitter,
		r.journal,
		buffer.Options{
			SampleRate:    r.cfg.Buffer.SampleRate,
			StretchRatio:  r.cfg.Buffer.StretchRatio,
			BatchDeadline: time.Duration(r.cfg.Buffer.BatchDeadlineMS) * time.Millisecond,
		},
		r.logger,
	)
	if r.loopback != nil {
		r.loopback.Attach(buf)
	}
	r.control = buffer.NewControl(buf, r.cfg.Buffer.OutputPath)

	r.bufferSvc = buffer.NewService(ctx, r.bus, r.control, requestTimeout, r.logger)
	return r.bufferSvc.Start()
}

// Ready reports whether the node can serve: the bus is up and, for a pure
// broker, at least one worker is heartbeating.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() || !r.bus.Healthy() || !r.registry.Healthy() {
		return false
	}
	if r.workerSvc != nil && !r.workerSvc.Healthy() {
		return false
	}
	if r.cfg.Node.Role == config.RoleBroker {
		return len(r.registry.HealthyWorkers()) > 0
	}
	return true
}

func (r *Runtime) shutdown() {
	if r.bufferSvc != nil {
		r.bufferSvc.Close()
	}
	if r.workerSvc != nil {
		r.workerSvc.Close()
	}
	if r.loopback != nil {
		r.loopback.Close()
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

	if r.telemetryClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
