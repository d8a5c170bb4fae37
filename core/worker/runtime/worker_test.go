package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/taskloom/taskloom/core/infra/bus"
	"github.com/taskloom/taskloom/core/protocol/wire"
	"github.com/taskloom/taskloom/core/resultstore"
	"github.com/taskloom/taskloom/core/task"
)

type published struct {
	subject string
	env     *wire.Envelope
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []published
}

func (b *fakeBus) Publish(subject string, env *wire.Envelope) error {
	b.mu.Lock()
	b.msgs = append(b.msgs, published{subject, env})
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Subscribe(subject, queue string, handler func(*wire.Envelope) error) error {
	return nil
}

func (b *fakeBus) results() []*wire.InvocationResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*wire.InvocationResult
	for _, m := range b.msgs {
		if m.subject == wire.SubjectResult && m.env.Result != nil {
			out = append(out, m.env.Result)
		}
	}
	return out
}

func newTestWorker(t *testing.T, registry *Registry) (*Worker, *resultstore.RedisStore, *fakeBus) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := resultstore.NewRedisStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	fb := &fakeBus{}
	w := New(Config{WorkerID: "test-worker"}, registry, store, fb, nil)
	return w, store, fb
}

func seedRecord(t *testing.T, store *resultstore.RedisStore, req *wire.InvocationRequest) {
	t.Helper()
	_, err := store.CreateInvocation(context.Background(), &resultstore.Record{
		ID:       req.InvocationID,
		TaskName: req.Task,
		State:    task.StatePending,
		Args:     req.Args,
		RootID:   req.RootID,
	}, time.Hour)
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func request(id, taskName string, args string, maxRetries int) *wire.Envelope {
	return &wire.Envelope{
		TraceID: "wf-1",
		Request: &wire.InvocationRequest{
			InvocationID: id,
			Task:         taskName,
			Args:         json.RawMessage(args),
			RootID:       "wf-1",
			NodeID:       id,
			MaxRetries:   maxRetries,
		},
	}
}

func TestSuccessfulExecution(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister("math.add", func(ctx context.Context, args []json.RawMessage) (any, error) {
		sum := 0
		for _, a := range args {
			var n int
			if err := json.Unmarshal(a, &n); err != nil {
				return nil, task.Permanent(err)
			}
			sum += n
		}
		return sum, nil
	})
	w, store, fb := newTestWorker(t, registry)

	env := request("inv-add", "math.add", `[3,5]`, 0)
	seedRecord(t, store, env.Request)

	if err := w.onRequest(env); err != nil {
		t.Fatalf("onRequest: %v", err)
	}

	rec, err := store.Get(context.Background(), "inv-add")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != task.StateSuccess {
		t.Fatalf("state = %s, want SUCCESS", rec.State)
	}
	if string(rec.Payload) != "8" {
		t.Fatalf("payload = %s, want 8", rec.Payload)
	}

	results := fb.results()
	if len(results) != 1 || results[0].State != task.StateSuccess || string(results[0].Payload) != "8" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	executions := 0
	registry := NewRegistry()
	registry.MustRegister("flaky", func(ctx context.Context, args []json.RawMessage) (any, error) {
		executions++
		return nil, task.Transient(errors.New("still flaky"))
	})
	w, store, fb := newTestWorker(t, registry)

	const maxRetries = 3
	env := request("inv-flaky", "flaky", `[]`, maxRetries)
	seedRecord(t, store, env.Request)

	// Initial attempt plus one per retry: 4 executions, then FAILURE.
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := w.onRequest(env)
		if attempt < maxRetries {
			var re *bus.RetryableError
			if !errors.As(err, &re) {
				t.Fatalf("attempt %d: expected retryable error, got %v", attempt, err)
			}
		} else if err != nil {
			t.Fatalf("final attempt: %v", err)
		}
	}
	if executions != maxRetries+1 {
		t.Fatalf("executions = %d, want %d", executions, maxRetries+1)
	}

	rec, err := store.Get(context.Background(), "inv-flaky")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != task.StateFailure {
		t.Fatalf("state = %s, want FAILURE", rec.State)
	}
	if rec.Retries != maxRetries {
		t.Fatalf("retries = %d, want %d", rec.Retries, maxRetries)
	}

	// A straggler redelivery re-announces the failure without a 5th run.
	if err := w.onRequest(env); err != nil {
		t.Fatalf("redelivery after failure: %v", err)
	}
	if executions != maxRetries+1 {
		t.Fatalf("redelivery re-executed: executions = %d", executions)
	}
	results := fb.results()
	if len(results) < 2 {
		t.Fatalf("expected failure result plus re-announcement, got %d", len(results))
	}
	for _, res := range results {
		if res.State != task.StateFailure {
			t.Fatalf("unexpected result state %s", res.State)
		}
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	executions := 0
	registry := NewRegistry()
	registry.MustRegister("broken", func(ctx context.Context, args []json.RawMessage) (any, error) {
		executions++
		return nil, task.Permanent(errors.New("bad input"))
	})
	w, store, _ := newTestWorker(t, registry)

	env := request("inv-broken", "broken", `[]`, 5)
	seedRecord(t, store, env.Request)

	if err := w.onRequest(env); err != nil {
		t.Fatalf("onRequest: %v", err)
	}
	if executions != 1 {
		t.Fatalf("executions = %d, want 1", executions)
	}
	rec, err := store.Get(context.Background(), "inv-broken")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != task.StateFailure || rec.Retries != 0 {
		t.Fatalf("state=%s retries=%d, want FAILURE/0", rec.State, rec.Retries)
	}
	if rec.Error == nil || rec.Error.Kind != task.ErrKindPermanent {
		t.Fatalf("error = %+v", rec.Error)
	}
}

func TestInfrastructureErrorPreservesBudget(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister("io", func(ctx context.Context, args []json.RawMessage) (any, error) {
		return nil, task.Infrastructure(errors.New("redis down"))
	})
	w, store, _ := newTestWorker(t, registry)

	env := request("inv-io", "io", `[]`, 1)
	seedRecord(t, store, env.Request)

	err := w.onRequest(env)
	var re *bus.RetryableError
	if !errors.As(err, &re) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	rec, err := store.Get(context.Background(), "inv-io")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != task.StateStarted {
		t.Fatalf("state = %s, want STARTED", rec.State)
	}
	if rec.Retries != 0 {
		t.Fatalf("infrastructure fault consumed retry budget: %d", rec.Retries)
	}
}

func TestUnclassifiedErrorIsPermanent(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister("plain", func(ctx context.Context, args []json.RawMessage) (any, error) {
		return nil, errors.New("unwrapped failure")
	})
	w, store, _ := newTestWorker(t, registry)

	env := request("inv-plain", "plain", `[]`, 5)
	seedRecord(t, store, env.Request)

	if err := w.onRequest(env); err != nil {
		t.Fatalf("onRequest: %v", err)
	}
	rec, err := store.Get(context.Background(), "inv-plain")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != task.StateFailure || rec.Retries != 0 {
		t.Fatalf("state=%s retries=%d, want FAILURE/0", rec.State, rec.Retries)
	}
}

func TestUnknownTaskFails(t *testing.T) {
	w, store, fb := newTestWorker(t, NewRegistry())

	env := request("inv-unknown", "nope", `[]`, 0)
	seedRecord(t, store, env.Request)

	if err := w.onRequest(env); err != nil {
		t.Fatalf("onRequest: %v", err)
	}
	results := fb.results()
	if len(results) != 1 || results[0].State != task.StateFailure {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestRevokedRecordNeverRuns(t *testing.T) {
	executions := 0
	registry := NewRegistry()
	registry.MustRegister("late", func(ctx context.Context, args []json.RawMessage) (any, error) {
		executions++
		return nil, nil
	})
	w, store, fb := newTestWorker(t, registry)

	env := request("inv-late", "late", `[]`, 0)
	seedRecord(t, store, env.Request)
	ok, err := store.CompareAndSwapState(context.Background(), "inv-late", task.StatePending, task.StateRevoked, resultstore.Mutation{
		Error: &task.ErrorInfo{Kind: task.ErrKindRevoked, Message: "revoked"},
	})
	if err != nil || !ok {
		t.Fatalf("revoke: ok=%v err=%v", ok, err)
	}

	if err := w.onRequest(env); err != nil {
		t.Fatalf("onRequest: %v", err)
	}
	if executions != 0 {
		t.Fatal("revoked invocation must not execute")
	}
	results := fb.results()
	if len(results) != 1 || results[0].State != task.StateRevoked {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestDuplicateDeliveryOfFinishedWork(t *testing.T) {
	executions := 0
	registry := NewRegistry()
	registry.MustRegister("once", func(ctx context.Context, args []json.RawMessage) (any, error) {
		executions++
		return "done", nil
	})
	w, store, fb := newTestWorker(t, registry)

	env := request("inv-once", "once", `[]`, 0)
	seedRecord(t, store, env.Request)

	if err := w.onRequest(env); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := w.onRequest(env); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if executions != 1 {
		t.Fatalf("executions = %d, want 1", executions)
	}
	results := fb.results()
	if len(results) != 2 {
		t.Fatalf("expected original result plus re-announcement, got %d", len(results))
	}
	for _, res := range results {
		if res.State != task.StateSuccess || string(res.Payload) != `"done"` {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
}

func TestCooperativeCancel(t *testing.T) {
	started := make(chan struct{})
	registry := NewRegistry()
	registry.MustRegister("slow", func(ctx context.Context, args []json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	w, store, fb := newTestWorker(t, registry)

	env := request("inv-slow", "slow", `[]`, 0)
	seedRecord(t, store, env.Request)

	done := make(chan error, 1)
	go func() { done <- w.onRequest(env) }()

	<-started
	err := w.onRevoke(&wire.Envelope{Revoke: &wire.RevokeSignal{RootID: "wf-1", Reason: "test"}})
	if err != nil {
		t.Fatalf("onRevoke: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("onRequest: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled invocation did not finish")
	}

	rec, err := store.Get(context.Background(), "inv-slow")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != task.StateRevoked {
		t.Fatalf("state = %s, want REVOKED", rec.State)
	}
	results := fb.results()
	if len(results) != 1 || results[0].State != task.StateRevoked {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestBackoffStaysWithinBounds(t *testing.T) {
	for retries := 0; retries < 12; retries++ {
		d := retryBackoff(retries)
		if d <= 0 {
			t.Fatalf("retries=%d: non-positive backoff %s", retries, d)
		}
		if d > maxBackoff+maxBackoff/2 {
			t.Fatalf("retries=%d: backoff %s above cap", retries, d)
		}
	}
	// With jitter the floor of attempt n is half the exponential base; a
	// tenth retry must not land below the first retry's ceiling would allow.
	if d := retryBackoff(10); d < maxBackoff/2 {
		t.Fatalf("late retry backoff %s below capped floor", d)
	}
}
