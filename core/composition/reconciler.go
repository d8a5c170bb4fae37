package composition

import (
	"context"
	"time"

	"github.com/taskloom/taskloom/core/infra/bus"
	"github.com/taskloom/taskloom/core/infra/config"
	"github.com/taskloom/taskloom/core/infra/logging"
	"github.com/taskloom/taskloom/core/protocol/wire"
	"github.com/taskloom/taskloom/core/resultstore"
	"github.com/taskloom/taskloom/core/task"
)

const reconcileLockKey = "composition-reconcile"

// Reconciler republishes invocations that stayed PENDING past the redispatch
// horizon, covering a publish lost between the record write and the broker.
// The record keeps the original argument bytes, so a redispatch is identical
// to the first publish; workers and the dispatch gate absorb any duplicate.
type Reconciler struct {
	store    resultstore.Store
	engine   *Engine
	bus      bus.Bus
	queues   *config.QueueConfig
	after    time.Duration
	interval time.Duration
}

// NewReconciler builds a reconciler redispatching records stuck longer than
// after, checking every interval.
func NewReconciler(store resultstore.Store, engine *Engine, b bus.Bus, queues *config.QueueConfig, after, interval time.Duration) *Reconciler {
	if after <= 0 {
		after = 5 * time.Minute
	}
	if interval <= 0 {
		interval = after / 2
	}
	if queues == nil {
		queues = &config.QueueConfig{}
	}
	return &Reconciler{store: store, engine: engine, bus: b, queues: queues, after: after, interval: interval}
}

// Run ticks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				logging.Warn("reconciler", "pass failed", "error", err)
			}
		}
	}
}

// Reconcile runs one redispatch pass over all active workflows.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	ok, err := r.store.TryLock(ctx, reconcileLockKey, r.interval)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer func() {
		if err := r.store.Unlock(ctx, reconcileLockKey); err != nil {
			logging.Warn("reconciler", "unlock failed", "error", err)
		}
	}()

	roots, err := r.store.ListActiveWorkflows(ctx, 500)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	redispatched := 0
	for _, rootID := range roots {
		n, err := r.reconcileWorkflow(ctx, rootID, now)
		if err != nil {
			logging.Warn("reconciler", "workflow pass failed", "workflow", rootID, "error", err)
			continue
		}
		redispatched += n
	}
	if redispatched > 0 {
		logging.Info("reconciler", "redispatched stuck invocations", "count", redispatched)
	}
	return nil
}

func (r *Reconciler) reconcileWorkflow(ctx context.Context, rootID string, now time.Time) (int, error) {
	ids, err := r.store.WorkflowInvocations(ctx, rootID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		rec, err := r.store.Get(ctx, id)
		if err == resultstore.ErrNotFound {
			continue
		}
		if err != nil {
			return count, err
		}
		if rec.State != task.StatePending {
			continue
		}
		// A PENDING record has never been claimed, so its dispatch time is
		// the age basis.
		age := now.Sub(time.Unix(rec.CreatedAt, 0))
		if age < r.after {
			continue
		}
		if err := r.redispatch(ctx, rootID, rec, now); err != nil {
			logging.Warn("reconciler", "redispatch failed", "invocation", id, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

func (r *Reconciler) redispatch(ctx context.Context, rootID string, rec *resultstore.Record, now time.Time) error {
	queue := ""
	maxRetries := 0
	ttlSec := int64(0)
	if plan, err := r.engine.Plan(ctx, rootID); err == nil {
		if node, ok := plan.Node(rec.ID); ok && node.Sig != nil {
			queue = node.Sig.Queue
			maxRetries = node.Sig.MaxRetries
			ttlSec = node.Sig.ResultTTLSec
		}
	}
	if queue == "" {
		queue = r.queues.QueueFor(rec.TaskName)
	}
	// Attempt grows by one per elapsed horizon: deterministic across
	// replicas, so concurrent reconcilers produce one broker message per
	// period instead of one each.
	attempt := int(now.Sub(time.Unix(rec.CreatedAt, 0)) / r.after)
	return r.bus.Publish(wire.DispatchSubject(queue), &wire.Envelope{
		TraceID:  rootID,
		SenderID: "reconciler",
		Request: &wire.InvocationRequest{
			InvocationID: rec.ID,
			Task:         rec.TaskName,
			Args:         rec.Args,
			RootID:       rootID,
			NodeID:       rec.ID,
			Queue:        queue,
			MaxRetries:   maxRetries,
			ResultTTLSec: ttlSec,
			Attempt:      attempt,
		},
	})
}
