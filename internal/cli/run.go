package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/consulta-engine/internal/clock"
	"github.com/ChuLiYu/consulta-engine/internal/config"
	"github.com/ChuLiYu/consulta-engine/internal/consultation"
	"github.com/ChuLiYu/consulta-engine/internal/events"
	"github.com/ChuLiYu/consulta-engine/internal/lifecycle"
	"github.com/ChuLiYu/consulta-engine/internal/markers"
	"github.com/ChuLiYu/consulta-engine/internal/metrics"
	"github.com/ChuLiYu/consulta-engine/internal/obs"
	"github.com/ChuLiYu/consulta-engine/internal/scheduler"
	"github.com/ChuLiYu/consulta-engine/internal/server"
	"github.com/ChuLiYu/consulta-engine/internal/settlement"
	"github.com/ChuLiYu/consulta-engine/internal/store"
	"github.com/ChuLiYu/consulta-engine/internal/worker"
)

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the lifecycle engine",
		Long:  "Open the database, recover the scheduler, register the lifecycle jobs and serve gRPC and metrics until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runEngine(cmd.Context(), cfg)
		},
	}
}

// engine is the fully wired process.
type engine struct {
	cfg       *config.Config
	clock     clock.Clock
	store     *store.SQLStore
	collector *metrics.Collector
	sched     *scheduler.Scheduler
	timers    *lifecycle.Timers
	service   *lifecycle.Service
	redis     redis.UniversalClient
	bus       events.Bus

	closers []func() error
}

// newEngine wires every component but starts nothing that runs on its own.
func newEngine(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (_ *engine, err error) {
	e := &engine{cfg: cfg}
	defer func() {
		if err != nil {
			_ = e.close()
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	e.clock = clock.NewSystem(loc)
	e.collector = metrics.NewCollector(reg)

	// 1. 資料庫
	e.store, err = store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, e.store.Close)
	if err := e.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	// 2. 事件匯流排與標記
	if err := e.openBus(ctx); err != nil {
		return nil, err
	}
	var marks markers.Store = markers.NewMemoryStore(e.clock, cfg.Sweeps.MarkerTTL)
	if e.redis != nil {
		marks = markers.NewRedisStore(e.redis, cfg.Sweeps.MarkerTTL)
	}
	bridge := events.NewBridge(e.bus, e.clock, cfg.Events.Debounce, e.collector)

	// 3. 結算與狀態轉換
	settler, err := settlement.NewEngine(settlement.Config{
		Store:   e.store,
		Clock:   e.clock,
		Rules:   cfg.SettlementRules(),
		Metrics: e.collector,
	})
	if err != nil {
		return nil, err
	}
	rules := cfg.LifecycleRules()
	tr := lifecycle.NewTransitioner(e.store, consultation.NewResolver(rules.CancellationWindow), settler, bridge, e.clock, e.collector)

	// 4. 排程器與任務處理
	registry := worker.NewRegistry()
	schedCfg := cfg.SchedulerConfig()
	schedCfg.Clock = e.clock
	schedCfg.Registry = registry
	schedCfg.Metrics = e.collector
	e.sched, err = scheduler.New(schedCfg)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func() error { e.sched.Stop(); return nil })

	e.timers = lifecycle.NewTimers(e.sched, e.clock, rules)
	lifecycle.NewHandlers(lifecycle.HandlersConfig{
		Store:        e.store,
		Transitioner: tr,
		Timers:       e.timers,
		Settler:      settler,
		Publisher:    bridge,
		Markers:      marks,
		Clock:        e.clock,
		Rules:        rules,
		Metrics:      e.collector,
	}).Register(registry)
	e.service = lifecycle.NewService(e.store, tr, e.timers, bridge, e.clock)
	return e, nil
}

func (e *engine) openBus(ctx context.Context) error {
	cfg := e.cfg
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		switch {
		case err == nil:
			e.redis = client
			e.closers = append(e.closers, client.Close)
		case cfg.Events.Bus == "redis":
			_ = client.Close()
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		default:
			_ = client.Close()
			log.Warn("Redis unavailable, warning markers stay in memory", "addr", cfg.Redis.Addr, "error", err)
		}
	}

	switch cfg.Events.Bus {
	case "redis":
		e.bus = events.NewRedisBus(e.redis)
	case "amqp":
		bus, err := events.NewAMQPBus(cfg.Events.AMQPURL, cfg.Events.Exchange)
		if err != nil {
			return err
		}
		e.bus = bus
		e.closers = append(e.closers, bus.Close)
	default:
		e.bus = events.LogBus{Logger: log}
	}
	return nil
}

// start recovers the scheduler and registers the recurring jobs.
func (e *engine) start(ctx context.Context) error {
	if err := e.sched.EnsureStarted(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := e.timers.EnsureRecurring(ctx); err != nil {
		return err
	}
	return nil
}

// close releases everything in reverse order of acquisition.
func (e *engine) close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	e.closers = nil
	return errors.Join(errs...)
}

func runEngine(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, "consultad", cfg.Environment, cfg.Tracing.Endpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			log.Warn("Tracer shutdown failed", "error", err)
		}
	}()

	e, err := newEngine(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.close(); err != nil {
			log.Error("Shutdown error", "error", err)
		}
	}()

	if err := e.start(ctx); err != nil {
		return err
	}

	// Start Metrics
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("Starting metrics server", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.GRPC.Port, err)
	}
	grpcServer := grpc.NewServer()
	server.NewServer(e.sched).Register(grpcServer)
	go func() {
		log.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("gRPC server failed", "error", err)
		}
	}()

	log.Info("System started successfully", "timezone", cfg.Timezone, "bus", cfg.Events.Bus)
	<-ctx.Done()
	log.Info("Received shutdown signal, stopping gracefully...")

	grpcServer.GracefulStop()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	log.Info("System stopped. Goodbye!")
	return nil
}
