package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskloom/taskloom/core/infra/bus"
	"github.com/taskloom/taskloom/core/infra/logging"
	"github.com/taskloom/taskloom/core/infra/metrics"
	"github.com/taskloom/taskloom/core/protocol/wire"
	"github.com/taskloom/taskloom/core/resultstore"
	"github.com/taskloom/taskloom/core/task"
)

// Config holds configuration for a Worker.
type Config struct {
	WorkerID string
	// Queues are the dispatch queues this worker consumes. Empty means the
	// default queue only.
	Queues []string
}

// Worker consumes invocation requests, runs the registered handler, and
// publishes the terminal result. Every state write is a compare-and-swap
// against the result store, so a crashed predecessor or a duplicate delivery
// can never double-apply an outcome.
type Worker struct {
	cfg      Config
	registry *Registry
	store    resultstore.Store
	bus      bus.Bus
	metrics  metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	cancelMu sync.Mutex
	cancels  map[string]invocationCancel
}

type invocationCancel struct {
	rootID string
	cancel context.CancelFunc
}

// New creates a worker over an existing store and bus.
func New(cfg Config, registry *Registry, store resultstore.Store, b bus.Bus, m metrics.Metrics) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{"default"}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:      cfg,
		registry: registry,
		store:    store,
		bus:      b,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		cancels:  make(map[string]invocationCancel),
	}
}

// Start subscribes to the configured dispatch queues and the revoke
// broadcast. Workers on the same queue share one queue group.
func (w *Worker) Start() error {
	for _, queue := range w.cfg.Queues {
		if err := w.bus.Subscribe(wire.DispatchSubject(queue), queue, w.onRequest); err != nil {
			return fmt.Errorf("subscribe queue %s: %w", queue, err)
		}
	}
	if err := w.bus.Subscribe(wire.SubjectRevoke, "", w.onRevoke); err != nil {
		return fmt.Errorf("subscribe revoke: %w", err)
	}
	logging.Info("worker", "started", "worker", w.cfg.WorkerID, "queues", fmt.Sprint(w.cfg.Queues), "tasks", fmt.Sprint(w.registry.Names()))
	return nil
}

// Stop cancels all in-flight invocations.
func (w *Worker) Stop() {
	w.cancel()
}

func (w *Worker) onRequest(env *wire.Envelope) error {
	if env == nil || env.Request == nil {
		return nil
	}
	req := env.Request
	ctx := w.ctx

	rec, err := w.store.Get(ctx, req.InvocationID)
	if err == resultstore.ErrNotFound {
		// Purged while queued; nothing to run against.
		return nil
	}
	if err != nil {
		return bus.RetryAfter(fmt.Errorf("load record %s: %w", req.InvocationID, err), retryBackoff(0))
	}

	switch rec.State {
	case task.StateSuccess, task.StateFailure:
		// Duplicate delivery of finished work: re-announce and drop.
		w.publishResult(env, rec.State, rec.Payload, rec.Error, rec.Retries)
		return nil
	case task.StateRevoked:
		w.publishResult(env, task.StateRevoked, nil, rec.Error, rec.Retries)
		return nil
	}

	// Claim. STARTED is claimable too: a redelivery after AckWait means the
	// previous owner is presumed dead.
	claimed, err := w.store.CompareAndSwapState(ctx, req.InvocationID, rec.State, task.StateStarted, resultstore.Mutation{})
	if err == resultstore.ErrNotFound {
		return nil
	}
	if err != nil {
		return bus.RetryAfter(fmt.Errorf("claim %s: %w", req.InvocationID, err), retryBackoff(0))
	}
	if !claimed {
		// Lost the claim race; let redelivery re-examine the record.
		return bus.RetryAfter(fmt.Errorf("claim conflict on %s", req.InvocationID), retryBackoff(rec.Retries))
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	w.registerCancel(req.InvocationID, req.RootID, cancelExec)
	defer w.clearCancel(req.InvocationID)

	result, execErr := w.execute(execCtx, req)

	if execErr != nil && execCtx.Err() != nil && ctx.Err() == nil {
		// Cancelled by a revoke broadcast, not by shutdown.
		return w.finishRevoked(ctx, env, req)
	}
	if execErr != nil {
		return w.finishFailure(ctx, env, req, rec.Retries, execErr)
	}
	return w.finishSuccess(ctx, env, req, rec.Retries, result)
}

func (w *Worker) execute(ctx context.Context, req *wire.InvocationRequest) (result any, err error) {
	handler, ok := w.registry.Lookup(req.Task)
	if !ok {
		return nil, task.Permanent(fmt.Errorf("no handler registered for task %q", req.Task))
	}
	var args []json.RawMessage
	if len(req.Args) > 0 {
		if uerr := json.Unmarshal(req.Args, &args); uerr != nil {
			return nil, task.Permanent(fmt.Errorf("decode args: %w", uerr))
		}
	}
	defer func() {
		if r := recover(); r != nil {
			err = task.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, args)
}

func (w *Worker) finishSuccess(ctx context.Context, env *wire.Envelope, req *wire.InvocationRequest, retries int, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return w.finishFailure(ctx, env, req, retries, task.Permanent(fmt.Errorf("encode result: %w", err)))
	}
	ok, err := w.store.CompareAndSwapState(ctx, req.InvocationID, task.StateStarted, task.StateSuccess, resultstore.Mutation{
		Payload: payload,
		TTL:     resultTTL(req),
	})
	if err != nil && err != resultstore.ErrNotFound {
		return bus.RetryAfter(fmt.Errorf("persist success %s: %w", req.InvocationID, err), retryBackoff(0))
	}
	if err == resultstore.ErrNotFound || !ok {
		// Revoked or finished elsewhere while running; the winning writer
		// already announced the outcome.
		return nil
	}
	w.metrics.IncInvocationsCompleted(req.Task, string(task.StateSuccess))
	w.publishResult(env, task.StateSuccess, payload, nil, retries)
	return nil
}

func (w *Worker) finishFailure(ctx context.Context, env *wire.Envelope, req *wire.InvocationRequest, retries int, execErr error) error {
	if task.IsInfrastructure(execErr) {
		// Infrastructure faults are retried at the transport level and never
		// consume the task retry budget or touch the record state.
		return bus.RetryAfter(execErr, retryBackoff(retries))
	}

	errInfo := &task.ErrorInfo{Kind: task.Classify(execErr), Message: execErr.Error()}

	if task.IsTransient(execErr) && retries < req.MaxRetries {
		ok, err := w.store.CompareAndSwapState(ctx, req.InvocationID, task.StateStarted, task.StateRetry, resultstore.Mutation{
			IncrRetries: true,
			Error:       errInfo,
		})
		if err != nil && err != resultstore.ErrNotFound {
			return bus.RetryAfter(fmt.Errorf("persist retry %s: %w", req.InvocationID, err), retryBackoff(0))
		}
		if err == resultstore.ErrNotFound || !ok {
			return nil
		}
		w.metrics.IncInvocationRetries(req.Task)
		logging.Warn("worker", "invocation retrying", "invocation", req.InvocationID, "task", req.Task, "attempt", retries+1, "error", execErr)
		return bus.RetryAfter(execErr, retryBackoff(retries))
	}

	if task.IsTransient(execErr) {
		errInfo.Message = fmt.Sprintf("retry budget exhausted after %d retries: %s", retries, errInfo.Message)
	}
	ok, err := w.store.CompareAndSwapState(ctx, req.InvocationID, task.StateStarted, task.StateFailure, resultstore.Mutation{
		Error: errInfo,
		TTL:   resultTTL(req),
	})
	if err != nil && err != resultstore.ErrNotFound {
		return bus.RetryAfter(fmt.Errorf("persist failure %s: %w", req.InvocationID, err), retryBackoff(0))
	}
	if err == resultstore.ErrNotFound || !ok {
		return nil
	}
	w.metrics.IncInvocationsCompleted(req.Task, string(task.StateFailure))
	logging.Error("worker", "invocation failed", "invocation", req.InvocationID, "task", req.Task, "kind", errInfo.Kind, "error", execErr)
	w.publishResult(env, task.StateFailure, nil, errInfo, retries)
	return nil
}

func (w *Worker) finishRevoked(ctx context.Context, env *wire.Envelope, req *wire.InvocationRequest) error {
	errInfo := &task.ErrorInfo{Kind: task.ErrKindRevoked, Message: "revoked while running"}
	ok, err := w.store.CompareAndSwapState(ctx, req.InvocationID, task.StateStarted, task.StateRevoked, resultstore.Mutation{Error: errInfo})
	if err != nil && err != resultstore.ErrNotFound {
		return bus.RetryAfter(fmt.Errorf("persist revoked %s: %w", req.InvocationID, err), retryBackoff(0))
	}
	if err == resultstore.ErrNotFound || !ok {
		return nil
	}
	w.metrics.IncInvocationsCompleted(req.Task, string(task.StateRevoked))
	w.publishResult(env, task.StateRevoked, nil, errInfo, 0)
	return nil
}

func (w *Worker) publishResult(env *wire.Envelope, state task.State, payload json.RawMessage, errInfo *task.ErrorInfo, retries int) {
	req := env.Request
	err := w.bus.Publish(wire.SubjectResult, &wire.Envelope{
		TraceID:  env.TraceID,
		SenderID: w.cfg.WorkerID,
		Result: &wire.InvocationResult{
			InvocationID: req.InvocationID,
			RootID:       req.RootID,
			NodeID:       req.NodeID,
			State:        state,
			Payload:      payload,
			Error:        errInfo,
			WorkerID:     w.cfg.WorkerID,
			Retries:      retries,
		},
	})
	if err != nil {
		logging.Error("worker", "publish result failed", "invocation", req.InvocationID, "state", state, "error", err)
	}
}

func (w *Worker) onRevoke(env *wire.Envelope) error {
	if env == nil || env.Revoke == nil {
		return nil
	}
	sig := env.Revoke
	targets := make(map[string]bool, len(sig.InvocationIDs))
	for _, id := range sig.InvocationIDs {
		targets[id] = true
	}
	w.cancelMu.Lock()
	for id, entry := range w.cancels {
		if targets[id] || (sig.RootID != "" && entry.rootID == sig.RootID) {
			logging.Info("worker", "cancelling invocation", "invocation", id, "reason", sig.Reason)
			entry.cancel()
		}
	}
	w.cancelMu.Unlock()
	return nil
}

func (w *Worker) registerCancel(id, rootID string, cancel context.CancelFunc) {
	w.cancelMu.Lock()
	w.cancels[id] = invocationCancel{rootID: rootID, cancel: cancel}
	w.cancelMu.Unlock()
}

func (w *Worker) clearCancel(id string) {
	w.cancelMu.Lock()
	if entry, ok := w.cancels[id]; ok {
		entry.cancel()
		delete(w.cancels, id)
	}
	w.cancelMu.Unlock()
}

// resultTTL maps the request's retention to a store mutation TTL: positive
// re-arms expiry from completion, zero keeps the dispatch-time expiry.
func resultTTL(req *wire.InvocationRequest) *time.Duration {
	if req.ResultTTLSec <= 0 {
		return nil
	}
	d := time.Duration(req.ResultTTLSec) * time.Second
	return &d
}
