// Command orchestrator runs the workflow execution plane: it serves the
// ControlAPI, drives RunCoordinators, and dispatches steps over the Bus.
// Wiring follows the teacher's services/orchestrator/main.go plus
// services/api-gateway/gateway_v2.go's realMainV2 for the HTTP server
// and graceful-shutdown shape.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/workflow-engine/internal/bus"
	"github.com/swarmguard/workflow-engine/internal/config"
	"github.com/swarmguard/workflow-engine/internal/controlapi"
	"github.com/swarmguard/workflow-engine/internal/dispatcher"
	"github.com/swarmguard/workflow-engine/internal/engine"
	"github.com/swarmguard/workflow-engine/internal/events"
	"github.com/swarmguard/workflow-engine/internal/logging"
	"github.com/swarmguard/workflow-engine/internal/otelinit"
	"github.com/swarmguard/workflow-engine/internal/resilience"
	"github.com/swarmguard/workflow-engine/internal/scheduler"
	"github.com/swarmguard/workflow-engine/internal/store"
	"github.com/swarmguard/workflow-engine/internal/triggers"
	"github.com/swarmguard/workflow-engine/internal/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logging.Init("swarm-orchestrator")

	tracerShutdown := otelinit.InitTracer(ctx, "swarm-orchestrator")
	metricsShutdown, promHandler, _ := otelinit.InitMetrics(ctx, "swarm-orchestrator")
	defer otelinit.Flush(context.Background(), tracerShutdown)
	defer otelinit.Flush(context.Background(), metricsShutdown)

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("open store failed", "error", err)
		return
	}
	defer st.Close()

	scheduleStore, err := store.OpenScheduleStore(cfg.BboltPath)
	if err != nil {
		slog.Error("open schedule store failed", "error", err)
		return
	}
	defer scheduleStore.Close()

	b, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		slog.Error("connect bus failed", "error", err)
		return
	}
	defer b.Close()

	rl := resilience.NewRateLimiterRegistry(resilience.LimiterConfig{
		Burst: cfg.TenantBurst, RatePerSecond: cfg.TenantRatePerSecond,
		WindowSize: time.Second, WindowLimit: cfg.TenantBurst,
	})
	breaker := resilience.NewCircuitBreakerAdaptive(10*time.Second, 10, 5, 0.5, 5*time.Second, 2)

	registry := workflow.NewRegistry()
	if err := registry.LoadDir("./workflows"); err != nil {
		slog.Warn("load workflow definitions failed", "error", err)
	}

	sched := scheduler.New()

	// mgr is assigned below, after construction, but the Dispatcher's
	// result-consumer needs a route back into it at subscribe time — this
	// closure late-binds that reference rather than passing a Manager
	// down into dispatcher (which would import-cycle back to dispatcher).
	var mgr *engine.Manager
	disp := dispatcher.New(b, rl, breaker, func(ctx context.Context, runID string, msg dispatcher.InboxMessage) {
		if mgr != nil {
			mgr.Deliver(ctx, runID, msg)
		}
	})
	pub := events.New(b, st)

	mgr = engine.New(st, registry, sched, disp, pub, cfg.CoordinatorID, cfg.CoordinatorLease, cfg.InboxCapacity)
	if err := mgr.RecoverAll(ctx); err != nil {
		slog.Error("recovery scan failed", "error", err)
	}

	classes := map[string]bool{dispatcher.NodeTypeClass(""): true}
	for _, nt := range registry.NodeTypes() {
		classes[dispatcher.NodeTypeClass(nt)] = true
	}
	classList := make([]string, 0, len(classes))
	for c := range classes {
		classList = append(classList, c)
	}
	if err := disp.Consume(classList); err != nil {
		slog.Error("start step result consumers failed", "error", err)
	}

	cron := triggers.New(scheduleStore, mgr)
	if err := cron.Start(ctx); err != nil {
		slog.Error("start cron triggers failed", "error", err)
	}
	defer cron.Stop()

	api := controlapi.New(mgr, st, pub, cfg.ControlAuth, rl)

	mux := http.NewServeMux()
	mux.Handle("/", api.Routes())
	if promHandler != nil {
		mux.Handle("/metrics", promHandler)
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		slog.Info("control api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
