package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/taskloom/taskloom/core/infra/buildinfo"
	"github.com/taskloom/taskloom/core/infra/bus"
	"github.com/taskloom/taskloom/core/infra/config"
	"github.com/taskloom/taskloom/core/infra/metrics"
	"github.com/taskloom/taskloom/core/infra/redisutil"
	"github.com/taskloom/taskloom/core/resultstore"
	"github.com/taskloom/taskloom/core/task"
	worker "github.com/taskloom/taskloom/core/worker/runtime"
)

const workerIDEnv = "WORKER_ID"

func main() {
	log.Println("taskloom demo worker starting...")
	buildinfo.Log("taskloom-worker-demo")
	cfg := config.Load()

	if err := run(cfg); err != nil {
		log.Fatalf("worker error: %v", err)
	}
}

func run(cfg *config.Config) error {
	client, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	store := resultstore.NewRedisStoreFromClient(client)

	natsBus, err := bus.NewNatsBus(cfg.NatsURL, bus.Options{DisableJetStream: cfg.DisableJetStream})
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	queues := []string{"default"}
	if raw := os.Getenv("WORKER_QUEUES"); raw != "" {
		queues = strings.Split(raw, ",")
	}

	w := worker.New(worker.Config{
		WorkerID: os.Getenv(workerIDEnv),
		Queues:   queues,
	}, demoRegistry(), store, natsBus, metrics.NewProm("taskloom_worker"))
	if err := w.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer w.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Println("taskloom demo worker stopping...")
	return nil
}

// demoRegistry exposes a handful of arithmetic and latency tasks, enough to
// exercise chains, groups, and chords end to end.
func demoRegistry() *worker.Registry {
	r := worker.NewRegistry()

	r.MustRegister("add", func(ctx context.Context, args []json.RawMessage) (any, error) {
		nums, err := decodeNumbers(args)
		if err != nil {
			return nil, err
		}
		sum := 0.0
		for _, n := range nums {
			sum += n
		}
		return sum, nil
	})

	r.MustRegister("mul", func(ctx context.Context, args []json.RawMessage) (any, error) {
		nums, err := decodeNumbers(args)
		if err != nil {
			return nil, err
		}
		product := 1.0
		for _, n := range nums {
			product *= n
		}
		return product, nil
	})

	// sum_results reduces a chord header's collected results. The first
	// argument is the aggregated list; trailing arguments are ignored.
	r.MustRegister("sum_results", func(ctx context.Context, args []json.RawMessage) (any, error) {
		if len(args) == 0 {
			return 0.0, nil
		}
		var results []float64
		if err := json.Unmarshal(args[0], &results); err != nil {
			return nil, task.Permanent(fmt.Errorf("decode header results: %w", err))
		}
		sum := 0.0
		for _, n := range results {
			sum += n
		}
		return sum, nil
	})

	r.MustRegister("echo", func(ctx context.Context, args []json.RawMessage) (any, error) {
		out := make([]json.RawMessage, len(args))
		copy(out, args)
		return out, nil
	})

	// sleep_echo waits the given number of milliseconds, honoring
	// cancellation, then echoes its remaining arguments.
	r.MustRegister("sleep_echo", func(ctx context.Context, args []json.RawMessage) (any, error) {
		if len(args) == 0 {
			return nil, task.Permanent(fmt.Errorf("sleep_echo requires a duration"))
		}
		var ms int64
		if err := json.Unmarshal(args[0], &ms); err != nil {
			return nil, task.Permanent(fmt.Errorf("decode duration: %w", err))
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return args[1:], nil
	})

	r.MustRegister("fail", func(ctx context.Context, args []json.RawMessage) (any, error) {
		return nil, task.Permanent(fmt.Errorf("demo task always fails"))
	})

	r.MustRegister("flaky", func(ctx context.Context, args []json.RawMessage) (any, error) {
		return nil, task.Transient(fmt.Errorf("demo transient failure"))
	})

	return r
}

func decodeNumbers(args []json.RawMessage) ([]float64, error) {
	nums := make([]float64, 0, len(args))
	for i, a := range args {
		var n float64
		if err := json.Unmarshal(a, &n); err != nil {
			return nil, task.Permanent(fmt.Errorf("argument %d is not a number: %w", i, err))
		}
		nums = append(nums, n)
	}
	return nums, nil
}
