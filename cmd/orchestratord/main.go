// Command orchestratord runs the workflow orchestrator daemon: durable
// storage, the Match Service, the engine registry, the timer sweeper
// and the worker-facing HTTP gateway, wired from a TOML config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/dshills/stateflow/bus"
	"github.com/dshills/stateflow/emit"
	"github.com/dshills/stateflow/engine"
	"github.com/dshills/stateflow/match"
	"github.com/dshills/stateflow/store"
)

func main() {
	configPath := flag.String("config", "orchestratord.toml", "path to TOML config")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("orchestratord: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("orchestratord: %v", err)
	}
}

func run(cfg Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	emitter := buildEmitter(cfg.Events)
	dispatcher := engine.NewDispatcher(emitter, st, dispatchMode(cfg.Events.Mode), cfg.Events.BatchSize)

	// Re-emit anything a previous process recorded but never delivered.
	if err := dispatcher.ReplayPending(ctx, 1000); err != nil {
		log.Printf("replay pending events: %v", err)
	}

	retry := engine.RetryPolicy{
		BaseDelayMS: cfg.Retry.BaseDelayMS,
		Multiplier:  cfg.Retry.Multiplier,
		MaxDelayMS:  cfg.Retry.MaxDelayMS,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}

	var eventBus bus.Bus
	if cfg.Bus.Enabled {
		conn, err := nats.Connect(cfg.Bus.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		eventBus = bus.NewNATS(conn)
	} else {
		eventBus = bus.NewMemory()
	}
	defer func() { _ = eventBus.Close() }()

	matcher := buildMatch(cfg, st, eventBus)

	handlers := engine.DefaultHandlers(cfg.Match.DefaultQueue)
	registry := engine.NewRegistry(st, matcher, dispatcher, handlers, retry)
	runner := engine.NewRunner(registry)

	// External workers that report over the bus instead of the gateway
	// land in the same signal path.
	sub, err := eventBus.SubscribeTaskFinished(ctx, func(msg bus.TaskFinished) {
		runner.HandleTaskFinished(ctx, engine.TaskFinishedEvent{
			RunID:     msg.RunID,
			StateName: msg.StateName,
			Status:    msg.Status,
			Result:    msg.Result,
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe task_finished: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	sweeper := engine.NewTimerSweeper(st, registry, time.Second)
	go sweeper.Run(ctx)

	if err := recoverRunning(ctx, st, registry); err != nil {
		log.Printf("recover running executions: %v", err)
	}

	metrics := engine.NewPrometheusMetrics(prometheus.DefaultRegisterer)
	go reportMetrics(ctx, metrics, registry, matcher, cfg.Match.DefaultQueue)

	gateway := NewGateway(st, matcher, registry, runner, cfg.Match.DefaultQueue,
		time.Duration(cfg.Match.PollTimeoutSeconds)*time.Second)

	mux := http.NewServeMux()
	gateway.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = emitter.Flush(shutdownCtx)
	}()

	log.Printf("orchestratord listening on %s (storage=%s match=%s)",
		cfg.Server.ListenAddr, cfg.Storage.Backend, cfg.Match.Mode)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func openStore(cfg StorageConfig) (store.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Path)
	case "mysql":
		return store.NewMySQLStore(cfg.DSN)
	case "memory":
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func buildEmitter(cfg EventsConfig) emit.Emitter {
	switch cfg.Emitter {
	case "json":
		return emit.NewLogEmitter(os.Stdout, true)
	case "otel":
		return emit.NewOTelEmitter(otel.Tracer("stateflow"))
	case "null":
		return emit.NewNullEmitter()
	default:
		return emit.NewLogEmitter(os.Stdout, false)
	}
}

func dispatchMode(mode string) engine.DispatchMode {
	if mode == "batched" {
		return engine.DispatchBatched
	}
	return engine.DispatchImmediate
}

func buildMatch(cfg Config, st store.Store, eventBus bus.Bus) match.Service {
	retry := match.RetryPolicy{
		BaseDelayMS: cfg.Retry.BaseDelayMS,
		Multiplier:  cfg.Retry.Multiplier,
		MaxDelayMS:  cfg.Retry.MaxDelayMS,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}
	pollEvery := time.Duration(cfg.Match.PollIntervalMS) * time.Millisecond

	switch cfg.Match.Mode {
	case "memory":
		return match.NewMemory()
	case "persistent":
		return match.NewPersistent(st, retry, pollEvery)
	default:
		persistent := match.NewPersistent(st, retry, pollEvery)
		hybrid := match.NewHybrid(match.NewMemory(), persistent).WithBus(eventBus)
		hybrid.FallbackEnabled = cfg.Match.FallbackEnabled
		return hybrid
	}
}

// recoverRunning restores engines for executions a previous process
// left RUNNING and drives each to its next suspension point. Recovered
// states already recorded as COMPLETED are not replayed.
func recoverRunning(ctx context.Context, st store.Store, registry *engine.Registry) error {
	execs, err := st.FindExecutionsByStatus(ctx, store.StatusRunning, 1000, 0)
	if err != nil {
		return err
	}
	for _, exec := range execs {
		e, err := registry.Restore(ctx, exec.RunID, nil)
		if err != nil {
			log.Printf("restore run %s: %v", exec.RunID, err)
			continue
		}
		if _, err := e.AdvanceUntilBlocked(ctx); err != nil {
			log.Printf("advance restored run %s: %v", exec.RunID, err)
		}
	}
	if len(execs) > 0 {
		log.Printf("recovered %d running execution(s)", len(execs))
	}
	return nil
}

// reportMetrics periodically samples registry and queue depth into the
// Prometheus gauges.
func reportMetrics(ctx context.Context, m *engine.PrometheusMetrics, registry *engine.Registry, matcher match.Service, queue string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetResidentEngines(registry.Len())
			if stats, err := matcher.Stats(ctx, queue); err == nil {
				m.SetQueueDepth(queue, stats.Pending)
			}
		}
	}
}
