// Package orchestrator wires the control-plane process: result store,
// barrier ledger, composition engine, reconciler, sweeper, and the HTTP
// gateway, all over a shared Redis client and a NATS bus.
package orchestrator

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskloom/taskloom/core/chord"
	"github.com/taskloom/taskloom/core/composition"
	"github.com/taskloom/taskloom/core/controlplane/gateway"
	"github.com/taskloom/taskloom/core/infra/bus"
	"github.com/taskloom/taskloom/core/infra/config"
	"github.com/taskloom/taskloom/core/infra/logging"
	"github.com/taskloom/taskloom/core/infra/metrics"
	"github.com/taskloom/taskloom/core/infra/redisutil"
	"github.com/taskloom/taskloom/core/resultstore"
)

const (
	metricsNamespace  = "taskloom"
	reconcileInterval = 15 * time.Second
	busAckWait        = 30 * time.Second
)

// Run starts the orchestrator and blocks until SIGINT/SIGTERM or a fatal
// component error.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}

	client, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	store := resultstore.NewRedisStoreFromClient(client)
	ledger := chord.NewRedisLedger(client)

	queues, err := config.LoadQueueConfig(cfg.QueueConfigPath)
	if err != nil {
		return fmt.Errorf("load queue config: %w", err)
	}

	natsBus, err := bus.NewNatsBus(cfg.NatsURL, bus.Options{
		DisableJetStream: cfg.DisableJetStream,
		AckWait:          busAckWait,
	})
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	prom := metrics.NewProm(metricsNamespace)
	wfProm := metrics.NewWorkflowProm(metricsNamespace)
	gwProm := metrics.NewGatewayProm(metricsNamespace)

	engine := composition.NewEngine(store, ledger, natsBus, queues, prom, wfProm, cfg.ResultTTL)
	if err := engine.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	controller := composition.NewController(engine, store, ledger, natsBus, wfProm)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := resultstore.NewSweeper(store, cfg.SweepInterval)
	go sweeper.Run(ctx)

	reconciler := composition.NewReconciler(store, engine, natsBus, queues, cfg.RedispatchAfter, reconcileInterval)
	go reconciler.Run(ctx)

	gw := gateway.New(controller, natsBus, gwProm)
	errc := make(chan error, 1)
	go func() { errc <- gw.Start(cfg.HTTPAddr) }()

	logging.Info("orchestrator", "started",
		"http", cfg.HTTPAddr,
		"result_ttl", cfg.ResultTTL.String(),
		"redispatch_after", cfg.RedispatchAfter.String())

	select {
	case <-ctx.Done():
		logging.Info("orchestrator", "stopping")
		return nil
	case err := <-errc:
		return fmt.Errorf("gateway: %w", err)
	}
}
