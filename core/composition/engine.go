package composition

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskloom/taskloom/core/chord"
	"github.com/taskloom/taskloom/core/infra/bus"
	"github.com/taskloom/taskloom/core/infra/config"
	"github.com/taskloom/taskloom/core/infra/logging"
	"github.com/taskloom/taskloom/core/infra/metrics"
	"github.com/taskloom/taskloom/core/protocol/wire"
	"github.com/taskloom/taskloom/core/resultstore"
	"github.com/taskloom/taskloom/core/task"
)

const storeRetryDelay = 2 * time.Second

// Engine expands plans into invocations and advances them as results arrive.
// It holds no state a replica could not rebuild: plans come from the store,
// progress from the result records and barrier ledgers. Every advancement is
// idempotent, so duplicate result deliveries and concurrent replicas are safe.
type Engine struct {
	store     resultstore.Store
	ledger    chord.Ledger
	bus       bus.Bus
	queues    *config.QueueConfig
	metrics   metrics.Metrics
	wfMetrics metrics.WorkflowMetrics
	resultTTL time.Duration
	senderID  string

	mu    sync.Mutex
	plans map[string]*Plan
}

// NewEngine wires an engine. Nil metrics default to noop implementations;
// a nil queue config routes everything to the default queue.
func NewEngine(store resultstore.Store, ledger chord.Ledger, b bus.Bus, queues *config.QueueConfig, m metrics.Metrics, wm metrics.WorkflowMetrics, resultTTL time.Duration) *Engine {
	if m == nil {
		m = metrics.Noop{}
	}
	if wm == nil {
		wm = metrics.NoopWorkflow{}
	}
	if queues == nil {
		queues = &config.QueueConfig{}
	}
	if resultTTL <= 0 {
		resultTTL = 24 * time.Hour
	}
	return &Engine{
		store:     store,
		ledger:    ledger,
		bus:       b,
		queues:    queues,
		metrics:   m,
		wfMetrics: wm,
		resultTTL: resultTTL,
		senderID:  "engine-" + uuid.NewString()[:8],
		plans:     make(map[string]*Plan),
	}
}

// Start subscribes the engine to the result subject. All engine replicas
// share one queue group; each result is processed by one of them.
func (e *Engine) Start() error {
	return e.bus.Subscribe(wire.SubjectResult, "engine", e.onResult)
}

// Dispatch begins executing a plan from its root node.
func (e *Engine) Dispatch(ctx context.Context, plan *Plan) error {
	e.register(plan)
	return e.dispatchNode(ctx, plan, plan.RootNodeID, nil)
}

func (e *Engine) register(plan *Plan) {
	e.mu.Lock()
	e.plans[plan.RootID] = plan
	e.mu.Unlock()
}

func (e *Engine) forget(rootID string) {
	e.mu.Lock()
	delete(e.plans, rootID)
	e.mu.Unlock()
}

// Plan returns the cached plan for a workflow, loading it from the store on
// a cache miss so any replica can advance any workflow.
func (e *Engine) Plan(ctx context.Context, rootID string) (*Plan, error) {
	e.mu.Lock()
	plan := e.plans[rootID]
	e.mu.Unlock()
	if plan != nil {
		return plan, nil
	}
	data, err := e.store.GetPlan(ctx, rootID)
	if err != nil {
		return nil, err
	}
	plan, err = UnmarshalPlan(data)
	if err != nil {
		return nil, err
	}
	e.register(plan)
	return plan, nil
}

// outcome is a node's terminal result as it propagates up the graph.
type outcome struct {
	OK         bool
	State      task.State
	Payload    json.RawMessage
	Err        *task.ErrorInfo
	FailedID   string
	FailedPath []string
}

func (e *Engine) onResult(env *wire.Envelope) error {
	if env == nil || env.Result == nil {
		return nil
	}
	res := env.Result
	ctx := context.Background()

	plan, err := e.Plan(ctx, res.RootID)
	if err == resultstore.ErrNotFound {
		// Purged or unknown workflow; nothing left to advance.
		return nil
	}
	if err != nil {
		return bus.RetryAfter(fmt.Errorf("load plan %s: %w", res.RootID, err), storeRetryDelay)
	}
	node, ok := plan.Node(res.NodeID)
	if !ok {
		// Error-handler invocations resolve outside the plan.
		return nil
	}

	e.metrics.IncInvocationsCompleted(node.taskName(), string(res.State))
	e.publishEvent(&wire.WorkflowEvent{
		Kind:         "completed",
		RootID:       res.RootID,
		NodeID:       res.NodeID,
		InvocationID: res.InvocationID,
		Task:         node.taskName(),
		State:        res.State,
	})

	out := outcome{
		OK:      res.State == task.StateSuccess,
		State:   res.State,
		Payload: res.Payload,
		Err:     res.Error,
	}
	if !out.OK {
		out.FailedID = res.InvocationID
		out.FailedPath = []string{res.NodeID}
		if out.Err == nil {
			out.Err = &task.ErrorInfo{Kind: task.ErrKindPermanent, Message: "invocation failed"}
		}
	}
	return e.resolveNode(ctx, plan, res.NodeID, out)
}

// dispatchNode expands a node into invocations. Task leaves pass through the
// CreateInvocation gate; barriers are declared before any member dispatches
// so no member result can outrun the ledger.
func (e *Engine) dispatchNode(ctx context.Context, plan *Plan, nodeID string, input json.RawMessage) error {
	node, ok := plan.Node(nodeID)
	if !ok {
		return fmt.Errorf("dispatch: node %s not in plan %s", nodeID, plan.RootID)
	}
	switch node.Kind {
	case task.NodeTask:
		return e.dispatchTask(ctx, plan, node, input)
	case task.NodeChain:
		if len(node.Children) == 0 {
			return e.resolveNode(ctx, plan, node.ID, outcome{OK: true, State: task.StateSuccess, Payload: input})
		}
		return e.dispatchNode(ctx, plan, node.Children[0], input)
	case task.NodeGroup:
		policy := node.Policy
		if policy == "" {
			policy = task.PolicyCollect
		}
		if err := e.ledger.Init(ctx, node.ID, len(node.Children), policy); err != nil {
			return bus.RetryAfter(fmt.Errorf("init barrier %s: %w", node.ID, err), storeRetryDelay)
		}
		if len(node.Children) == 0 {
			return e.resolveNode(ctx, plan, node.ID, outcome{OK: true, State: task.StateSuccess, Payload: json.RawMessage("[]")})
		}
		for _, childID := range node.Children {
			if err := e.dispatchNode(ctx, plan, childID, input); err != nil {
				return err
			}
		}
		return nil
	case task.NodeChord:
		return e.dispatchNode(ctx, plan, node.HeaderID, input)
	default:
		return fmt.Errorf("dispatch: unknown node kind %q", node.Kind)
	}
}

func (e *Engine) dispatchTask(ctx context.Context, plan *Plan, node *PlanNode, input json.RawMessage) error {
	if !node.Forward {
		input = nil
	}
	args, err := task.EncodeArgs(node.Sig, input)
	if err != nil {
		return fmt.Errorf("encode args for %s: %w", node.Sig.Name, err)
	}
	queue := node.Sig.Queue
	if queue == "" {
		queue = e.queues.QueueFor(node.Sig.Name)
	}
	ttl := e.resultTTL
	if node.Sig.ResultTTLSec > 0 {
		ttl = time.Duration(node.Sig.ResultTTLSec) * time.Second
	} else if node.Sig.ResultTTLSec < 0 {
		ttl = resultstore.NoExpiry
	}

	rec := &resultstore.Record{
		ID:       node.ID,
		TaskName: node.Sig.Name,
		State:    task.StatePending,
		Args:     args,
		ParentID: node.ParentID,
		RootID:   plan.RootID,
	}
	created, err := e.store.CreateInvocation(ctx, rec, ttl)
	if err != nil {
		return bus.RetryAfter(fmt.Errorf("create invocation %s: %w", node.ID, err), storeRetryDelay)
	}
	if !created {
		// A duplicate expansion path already dispatched this node.
		return nil
	}
	if err := e.store.AddInvocation(ctx, plan.RootID, node.ParentID, node.ID); err != nil {
		logging.Warn("engine", "index invocation failed", "invocation", node.ID, "error", err)
	}

	ttlSec := int64(0)
	if ttl > 0 {
		ttlSec = int64(ttl / time.Second)
	}
	err = e.bus.Publish(wire.DispatchSubject(queue), &wire.Envelope{
		TraceID:  plan.RootID,
		SenderID: e.senderID,
		Request: &wire.InvocationRequest{
			InvocationID: node.ID,
			Task:         node.Sig.Name,
			Args:         args,
			RootID:       plan.RootID,
			NodeID:       node.ID,
			Queue:        queue,
			MaxRetries:   node.Sig.MaxRetries,
			ResultTTLSec: ttlSec,
		},
	})
	if err != nil {
		// The record exists but the publish failed; the reconciler will
		// redispatch it from the stored args.
		return bus.RetryAfter(fmt.Errorf("publish invocation %s: %w", node.ID, err), storeRetryDelay)
	}
	e.metrics.IncInvocationsDispatched(node.Sig.Name)
	e.publishEvent(&wire.WorkflowEvent{
		Kind:         "dispatched",
		RootID:       plan.RootID,
		NodeID:       node.ID,
		InvocationID: node.ID,
		Task:         node.Sig.Name,
		State:        task.StatePending,
	})
	return nil
}

// resolveNode propagates a node's terminal outcome into its parent.
func (e *Engine) resolveNode(ctx context.Context, plan *Plan, nodeID string, out outcome) error {
	node, ok := plan.Node(nodeID)
	if !ok {
		return fmt.Errorf("resolve: node %s not in plan %s", nodeID, plan.RootID)
	}
	if node.ParentID == "" {
		return e.resolveRoot(ctx, plan, out)
	}
	parent, ok := plan.Node(node.ParentID)
	if !ok {
		return fmt.Errorf("resolve: parent %s not in plan %s", node.ParentID, plan.RootID)
	}
	switch parent.Kind {
	case task.NodeChain:
		return e.resolveChainChild(ctx, plan, parent, node, out)
	case task.NodeGroup:
		return e.resolveBarrierMember(ctx, plan, parent, node, out)
	case task.NodeChord:
		if node.ID == parent.HeaderID {
			if !out.OK {
				return e.resolveNode(ctx, plan, parent.ID, lift(parent.ID, out))
			}
			return e.dispatchNode(ctx, plan, parent.BodyID, out.Payload)
		}
		return e.resolveNode(ctx, plan, parent.ID, lift(parent.ID, out))
	default:
		return fmt.Errorf("resolve: unexpected parent kind %q", parent.Kind)
	}
}

func (e *Engine) resolveChainChild(ctx context.Context, plan *Plan, parent, node *PlanNode, out outcome) error {
	if !out.OK {
		// The chain aborts: untouched successors are never dispatched.
		e.dispatchErrHandler(ctx, plan, parent, out)
		return e.resolveNode(ctx, plan, parent.ID, lift(parent.ID, out))
	}
	next := node.Index + 1
	if next >= len(parent.Children) {
		return e.resolveNode(ctx, plan, parent.ID, out)
	}
	return e.dispatchNode(ctx, plan, parent.Children[next], out.Payload)
}

func (e *Engine) resolveBarrierMember(ctx context.Context, plan *Plan, parent, node *PlanNode, out outcome) error {
	decision, err := e.ledger.Record(ctx, parent.ID, node.ID, chord.MemberOutcome{
		Index:   node.Index,
		OK:      out.OK,
		Payload: out.Payload,
		Error:   out.Err,
	})
	if err != nil {
		return bus.RetryAfter(fmt.Errorf("record barrier member %s: %w", node.ID, err), storeRetryDelay)
	}
	switch decision {
	case chord.DecisionFire:
		return e.fireBarrier(ctx, plan, parent)
	case chord.DecisionFailed:
		return e.resolveNode(ctx, plan, parent.ID, outcome{
			State:      task.StateFailure,
			Err:        out.Err,
			FailedID:   out.FailedID,
			FailedPath: append([]string{parent.ID}, out.FailedPath...),
		})
	default:
		return nil
	}
}

// fireBarrier may run more than once for the same barrier: a redelivered
// member result re-drives the fire while the ledger still reads FIRING, so a
// handler that died between winning the fire and MarkFired gets retried.
// Everything downstream is gated (CreateInvocation, PutResolution), making
// the re-run a no-op past the point the first run reached.
func (e *Engine) fireBarrier(ctx context.Context, plan *Plan, group *PlanNode) error {
	results, err := e.ledger.Results(ctx, group.ID)
	if err != nil {
		return bus.RetryAfter(fmt.Errorf("collect barrier %s: %w", group.ID, err), storeRetryDelay)
	}
	payload, anyFailed, firstErr, failedIdx, err := aggregate(results)
	if err != nil {
		return err
	}

	if chordNode, ok := plan.Node(group.ParentID); ok && chordNode.Kind == task.NodeChord && chordNode.HeaderID == group.ID {
		// Under the abort policy a failed member never reaches fire, so a
		// firing header always feeds the body: plain results, or
		// success/error markers under collect.
		if err := e.resolveNode(ctx, plan, group.ID, outcome{OK: true, State: task.StateSuccess, Payload: payload}); err != nil {
			return err
		}
		e.metrics.IncChordsFired()
		e.publishEvent(&wire.WorkflowEvent{
			Kind:   "chord_fired",
			RootID: plan.RootID,
			NodeID: chordNode.ID,
		})
		return e.ledger.MarkFired(ctx, group.ID)
	}

	if anyFailed {
		failedID := ""
		if failedIdx >= 0 && failedIdx < len(group.Children) {
			failedID = group.Children[failedIdx]
		}
		return e.resolveNode(ctx, plan, group.ID, outcome{
			State:      task.StateFailure,
			Payload:    payload,
			Err:        firstErr,
			FailedID:   failedID,
			FailedPath: []string{group.ID, failedID},
		})
	}
	if err := e.resolveNode(ctx, plan, group.ID, outcome{OK: true, State: task.StateSuccess, Payload: payload}); err != nil {
		return err
	}
	return e.ledger.MarkFired(ctx, group.ID)
}

// aggregate flattens member outcomes, already index-ordered, into the
// barrier payload. All-success yields the plain result list; any failure
// yields explicit per-member markers so positions stay aligned.
func aggregate(results []chord.MemberOutcome) (json.RawMessage, bool, *task.ErrorInfo, int, error) {
	anyFailed := false
	var firstErr *task.ErrorInfo
	failedIdx := -1
	for _, r := range results {
		if !r.OK {
			anyFailed = true
			if firstErr == nil {
				firstErr = r.Error
				failedIdx = r.Index
			}
		}
	}
	var doc any
	if !anyFailed {
		plain := make([]json.RawMessage, 0, len(results))
		for _, r := range results {
			payload := r.Payload
			if len(payload) == 0 {
				payload = json.RawMessage("null")
			}
			plain = append(plain, payload)
		}
		doc = plain
	} else {
		type marker struct {
			OK    bool            `json:"ok"`
			Value json.RawMessage `json:"value,omitempty"`
			Error *task.ErrorInfo `json:"error,omitempty"`
		}
		marked := make([]marker, 0, len(results))
		for _, r := range results {
			marked = append(marked, marker{OK: r.OK, Value: r.Payload, Error: r.Error})
		}
		doc = marked
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, false, nil, -1, fmt.Errorf("aggregate barrier results: %w", err)
	}
	return data, anyFailed, firstErr, failedIdx, nil
}

func (e *Engine) resolveRoot(ctx context.Context, plan *Plan, out outcome) error {
	state := out.State
	if state == "" {
		if out.OK {
			state = task.StateSuccess
		} else {
			state = task.StateFailure
		}
	}
	won, err := e.store.PutResolution(ctx, &resultstore.Resolution{
		RootID:     plan.RootID,
		State:      state,
		Payload:    out.Payload,
		Error:      out.Err,
		FailedID:   out.FailedID,
		FailedPath: out.FailedPath,
	})
	if err != nil {
		return bus.RetryAfter(fmt.Errorf("resolve workflow %s: %w", plan.RootID, err), storeRetryDelay)
	}
	if !won {
		return nil
	}
	if err := e.store.RemoveActiveWorkflow(ctx, plan.RootID); err != nil {
		logging.Warn("engine", "remove active workflow failed", "workflow", plan.RootID, "error", err)
	}
	e.wfMetrics.IncWorkflowsResolved(string(state))
	if plan.SubmittedAt > 0 {
		e.wfMetrics.ObserveWorkflowDuration(time.Since(time.Unix(plan.SubmittedAt, 0)).Seconds())
	}
	e.publishEvent(&wire.WorkflowEvent{
		Kind:   "resolved",
		RootID: plan.RootID,
		State:  state,
	})
	logging.Info("engine", "workflow resolved", "workflow", plan.RootID, "state", state)
	e.forget(plan.RootID)
	return nil
}

// dispatchErrHandler fires a chain's error callback. The handler invocation
// lives outside the plan; its own result never advances the graph.
func (e *Engine) dispatchErrHandler(ctx context.Context, plan *Plan, chain *PlanNode, out outcome) {
	if chain.ErrHandler == nil {
		return
	}
	handlerID := chain.ID + ":errh"
	msg := ""
	if out.Err != nil {
		msg = out.Err.Message
	}
	callbackArgs := []any{out.FailedID, msg, append([]string{chain.ID}, out.FailedPath...)}
	callbackArgs = append(callbackArgs, chain.ErrHandler.Args...)
	args, err := json.Marshal(callbackArgs)
	if err != nil {
		logging.Warn("engine", "encode error handler args failed", "chain", chain.ID, "error", err)
		return
	}
	queue := chain.ErrHandler.Queue
	if queue == "" {
		queue = e.queues.QueueFor(chain.ErrHandler.Name)
	}
	rec := &resultstore.Record{
		ID:       handlerID,
		TaskName: chain.ErrHandler.Name,
		State:    task.StatePending,
		Args:     args,
		ParentID: chain.ID,
		RootID:   plan.RootID,
	}
	created, err := e.store.CreateInvocation(ctx, rec, e.resultTTL)
	if err != nil || !created {
		if err != nil {
			logging.Warn("engine", "create error handler failed", "chain", chain.ID, "error", err)
		}
		return
	}
	if err := e.store.AddInvocation(ctx, plan.RootID, chain.ID, handlerID); err != nil {
		logging.Warn("engine", "index error handler failed", "invocation", handlerID, "error", err)
	}
	err = e.bus.Publish(wire.DispatchSubject(queue), &wire.Envelope{
		TraceID:  plan.RootID,
		SenderID: e.senderID,
		Request: &wire.InvocationRequest{
			InvocationID: handlerID,
			Task:         chain.ErrHandler.Name,
			Args:         args,
			RootID:       plan.RootID,
			NodeID:       handlerID,
			Queue:        queue,
			MaxRetries:   chain.ErrHandler.MaxRetries,
		},
	})
	if err != nil {
		logging.Warn("engine", "publish error handler failed", "invocation", handlerID, "error", err)
		return
	}
	e.metrics.IncInvocationsDispatched(chain.ErrHandler.Name)
}

func (e *Engine) publishEvent(ev *wire.WorkflowEvent) {
	ev.At = time.Now().UTC()
	err := e.bus.Publish(wire.SubjectEvent, &wire.Envelope{
		TraceID:  ev.RootID,
		SenderID: e.senderID,
		Event:    ev,
	})
	if err != nil {
		logging.Warn("engine", "publish event failed", "kind", ev.Kind, "error", err)
	}
}

func lift(parentID string, out outcome) outcome {
	if out.OK {
		return out
	}
	out.FailedPath = append([]string{parentID}, out.FailedPath...)
	return out
}

func (n *PlanNode) taskName() string {
	if n.Sig != nil {
		return n.Sig.Name
	}
	return string(n.Kind)
}
