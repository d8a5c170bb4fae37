package composition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/taskloom/taskloom/core/chord"
	"github.com/taskloom/taskloom/core/infra/bus"
	"github.com/taskloom/taskloom/core/infra/logging"
	"github.com/taskloom/taskloom/core/infra/metrics"
	"github.com/taskloom/taskloom/core/protocol/wire"
	"github.com/taskloom/taskloom/core/resultstore"
	"github.com/taskloom/taskloom/core/task"
)

// ErrTimeout is returned by Handle.Get when the workflow did not resolve
// within the caller's deadline. The workflow keeps running.
var ErrTimeout = errors.New("composition: wait timed out")

// WorkflowFailed is returned by Handle.Get when the workflow resolved as
// FAILURE or REVOKED. FailedPath runs root to the failing invocation.
type WorkflowFailed struct {
	RootID     string
	State      task.State
	FailedID   string
	FailedPath []string
	Err        *task.ErrorInfo
}

func (e *WorkflowFailed) Error() string {
	msg := "workflow " + e.RootID + " " + strings.ToLower(string(e.State))
	if e.Err != nil {
		msg += ": " + e.Err.Message
	}
	if len(e.FailedPath) > 0 {
		msg += " (at " + strings.Join(e.FailedPath, " > ") + ")"
	}
	return msg
}

// StatePartial is a workflow-level status: some invocations reached a
// terminal state but the workflow has not resolved. It never appears on an
// individual invocation record.
const StatePartial task.State = "PARTIAL"

// Status summarizes a workflow's progress.
type Status struct {
	RootID    string          `json:"root_id"`
	State     task.State      `json:"state"`
	Total     int             `json:"total"`
	Completed int             `json:"completed"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *task.ErrorInfo `json:"error,omitempty"`
}

// Controller is the client-facing surface: submit a graph, wait on it, poll
// it, revoke it, purge it.
type Controller struct {
	engine    *Engine
	store     resultstore.Store
	ledger    chord.Ledger
	bus       bus.Bus
	wfMetrics metrics.WorkflowMetrics
}

// NewController wires a controller around an engine.
func NewController(engine *Engine, store resultstore.Store, ledger chord.Ledger, b bus.Bus, wm metrics.WorkflowMetrics) *Controller {
	if wm == nil {
		wm = metrics.NoopWorkflow{}
	}
	return &Controller{engine: engine, store: store, ledger: ledger, bus: b, wfMetrics: wm}
}

// Submit validates and compiles a graph, persists the plan, and dispatches
// it. The returned handle tracks the workflow to resolution.
func (c *Controller) Submit(ctx context.Context, root *task.Node) (*Handle, error) {
	plan, err := Compile(root)
	if err != nil {
		return nil, err
	}
	data, err := plan.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}
	if err := c.store.PutPlan(ctx, plan.RootID, data); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}
	if err := c.store.AddActiveWorkflow(ctx, plan.RootID); err != nil {
		return nil, fmt.Errorf("activate workflow: %w", err)
	}
	if err := c.engine.Dispatch(ctx, plan); err != nil {
		return nil, err
	}
	c.wfMetrics.IncWorkflowsSubmitted()
	logging.Info("controller", "workflow submitted", "workflow", plan.RootID)
	return &Handle{RootID: plan.RootID, store: c.store}, nil
}

// Resume returns a handle for a previously submitted workflow.
func (c *Controller) Resume(rootID string) *Handle {
	return &Handle{RootID: rootID, store: c.store}
}

// Status reports a workflow's progress from its records and resolution.
func (c *Controller) Status(ctx context.Context, rootID string) (*Status, error) {
	st := &Status{RootID: rootID, State: task.StatePending}
	res, err := c.store.GetResolution(ctx, rootID)
	if err != nil && err != resultstore.ErrNotFound {
		return nil, err
	}
	if err == nil {
		st.State = res.State
		st.Payload = res.Payload
		st.Error = res.Error
	}
	ids, err := c.store.WorkflowInvocations(ctx, rootID)
	if err != nil {
		return nil, err
	}
	st.Total = len(ids)
	for _, id := range ids {
		rec, err := c.store.Get(ctx, id)
		if err == resultstore.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.State.Terminal() {
			st.Completed++
		}
	}
	if st.State == task.StatePending && st.Completed > 0 {
		st.State = StatePartial
	}
	if st.Total == 0 && st.State == task.StatePending {
		// No plan and no invocations means the id is unknown.
		if _, err := c.store.GetPlan(ctx, rootID); err == resultstore.ErrNotFound {
			return nil, resultstore.ErrNotFound
		} else if err != nil {
			return nil, err
		}
	}
	return st, nil
}

// ResultOf returns the record of a single invocation.
func (c *Controller) ResultOf(ctx context.Context, invocationID string) (*resultstore.Record, error) {
	return c.store.Get(ctx, invocationID)
}

// ChildrenOf lists the invocations dispatched under a parent node.
func (c *Controller) ChildrenOf(ctx context.Context, parentID string) ([]string, error) {
	return c.store.Children(ctx, parentID)
}

// Revoke cancels work. With propagate the id names a workflow root and the
// whole graph is cancelled: undispatched invocations flip to REVOKED and
// never run, barriers fail closed, and running invocations get a cooperative
// cancel broadcast. Without propagate the id names a single invocation and
// only that one is touched; whatever its cancellation means for the rest of
// the graph follows from the normal failure rules. Invocations already
// executing are never interrupted forcibly.
func (c *Controller) Revoke(ctx context.Context, id, reason string, propagate bool) error {
	if !propagate {
		return c.revokeInvocation(ctx, id, reason)
	}
	rootID := id
	plan, err := c.engine.Plan(ctx, rootID)
	if err != nil {
		return err
	}

	// Fail every barrier first so no in-flight member result can still fire
	// a body while pending members are being revoked.
	for _, barrierID := range plan.BarrierNodes() {
		if _, err := c.ledger.Abort(ctx, barrierID); err != nil && err != chord.ErrNotInitialized {
			return fmt.Errorf("abort barrier %s: %w", barrierID, err)
		}
	}

	revokedErr := &task.ErrorInfo{Kind: task.ErrKindRevoked, Message: "revoked: " + reason}
	var running []string
	ids, err := c.store.WorkflowInvocations(ctx, rootID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := c.store.Get(ctx, id)
		if err == resultstore.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		switch rec.State {
		case task.StatePending, task.StateRetry:
			ok, err := c.store.CompareAndSwapState(ctx, id, rec.State, task.StateRevoked, resultstore.Mutation{Error: revokedErr})
			if err != nil && err != resultstore.ErrNotFound {
				return err
			}
			if !ok {
				continue
			}
			// Announce the revocation so downstream graph positions resolve.
			err = c.bus.Publish(wire.SubjectResult, &wire.Envelope{
				TraceID: rootID,
				Result: &wire.InvocationResult{
					InvocationID: id,
					RootID:       rootID,
					NodeID:       id,
					State:        task.StateRevoked,
					Error:        revokedErr,
				},
			})
			if err != nil {
				return fmt.Errorf("publish revoked result %s: %w", id, err)
			}
		case task.StateStarted:
			running = append(running, id)
		}
	}

	err = c.bus.Publish(wire.SubjectRevoke, &wire.Envelope{
		TraceID: rootID,
		Revoke:  &wire.RevokeSignal{RootID: rootID, InvocationIDs: running, Reason: reason},
	})
	if err != nil {
		return fmt.Errorf("broadcast revoke: %w", err)
	}

	// Aborted barriers no longer propagate member results upward, so the
	// result stream cannot settle the root anymore; write the resolution
	// here. PutResolution stays write-once, so a racing natural resolution
	// wins cleanly.
	won, err := c.store.PutResolution(ctx, &resultstore.Resolution{
		RootID: rootID,
		State:  task.StateRevoked,
		Error:  revokedErr,
	})
	if err != nil {
		return err
	}
	if won {
		if err := c.store.RemoveActiveWorkflow(ctx, rootID); err != nil {
			logging.Warn("controller", "remove active workflow failed", "workflow", rootID, "error", err)
		}
		err = c.bus.Publish(wire.SubjectEvent, &wire.Envelope{
			TraceID: rootID,
			Event: &wire.WorkflowEvent{
				Kind:   "revoked",
				RootID: rootID,
				State:  task.StateRevoked,
				At:     time.Now().UTC(),
			},
		})
		if err != nil {
			logging.Warn("controller", "publish revoke event failed", "workflow", rootID, "error", err)
		}
	}
	logging.Info("controller", "workflow revoked", "workflow", rootID, "running", len(running))
	return nil
}

// revokeInvocation cancels one invocation without descending into anything
// else. A record that never started flips to REVOKED and the published
// result lets the graph settle around the gap; a running one only gets the
// cooperative cancel signal; a terminal one is left alone.
func (c *Controller) revokeInvocation(ctx context.Context, id, reason string) error {
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	revokedErr := &task.ErrorInfo{Kind: task.ErrKindRevoked, Message: "revoked: " + reason}
	switch rec.State {
	case task.StatePending, task.StateRetry:
		ok, err := c.store.CompareAndSwapState(ctx, id, rec.State, task.StateRevoked, resultstore.Mutation{Error: revokedErr})
		if err != nil {
			return err
		}
		if !ok {
			// Lost the race to a worker or another revoker.
			return nil
		}
		err = c.bus.Publish(wire.SubjectResult, &wire.Envelope{
			TraceID: rec.RootID,
			Result: &wire.InvocationResult{
				InvocationID: id,
				RootID:       rec.RootID,
				NodeID:       id,
				State:        task.StateRevoked,
				Error:        revokedErr,
			},
		})
		if err != nil {
			return fmt.Errorf("publish revoked result %s: %w", id, err)
		}
	case task.StateStarted:
		err = c.bus.Publish(wire.SubjectRevoke, &wire.Envelope{
			TraceID: rec.RootID,
			Revoke:  &wire.RevokeSignal{RootID: rec.RootID, InvocationIDs: []string{id}, Reason: reason},
		})
		if err != nil {
			return fmt.Errorf("broadcast revoke: %w", err)
		}
	}
	logging.Info("controller", "invocation revoked", "invocation", id, "state", string(rec.State))
	return nil
}

// Purge force-deletes a workflow's records, ledgers, and plan.
func (c *Controller) Purge(ctx context.Context, rootID string) error {
	plan, err := c.engine.Plan(ctx, rootID)
	if err != nil && err != resultstore.ErrNotFound {
		return err
	}
	if plan != nil {
		for _, barrierID := range plan.BarrierNodes() {
			if err := c.ledger.Delete(ctx, barrierID); err != nil {
				return fmt.Errorf("delete barrier %s: %w", barrierID, err)
			}
		}
		c.engine.forget(rootID)
	}
	return c.store.PurgeWorkflow(ctx, rootID)
}

// Handle tracks one submitted workflow.
type Handle struct {
	RootID string
	store  resultstore.Store
}

// Get blocks until the workflow resolves or timeout elapses. A zero timeout
// polls once. Success returns the root payload; FAILURE and REVOKED return a
// *WorkflowFailed.
func (h *Handle) Get(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	deadline := time.Now().Add(timeout)
	delay := 50 * time.Millisecond
	for {
		res, err := h.store.GetResolution(ctx, h.RootID)
		if err == nil {
			if res.State == task.StateSuccess {
				return res.Payload, nil
			}
			return nil, &WorkflowFailed{
				RootID:     h.RootID,
				State:      res.State,
				FailedID:   res.FailedID,
				FailedPath: res.FailedPath,
				Err:        res.Error,
			}
		}
		if err != resultstore.ErrNotFound {
			return nil, err
		}
		if !time.Now().Add(delay).Before(deadline) {
			return nil, ErrTimeout
		}
		// Jittered backoff keeps a herd of waiters from polling in step.
		sleep := delay/2 + time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		if delay < time.Second {
			delay *= 2
		}
	}
}
