// Package wire defines the JSON envelope exchanged over the bus between the
// composition engine, workers, and the gateway. Exactly one payload field is
// set per envelope.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskloom/taskloom/core/task"
)

// Subjects used on the bus. Dispatch subjects are durable and queue-scoped;
// sys.* subjects are ephemeral broadcasts.
const (
	SubjectResult = "task.result"
	SubjectRevoke = "sys.task.revoke"
	SubjectEvent  = "sys.workflow.event"

	dispatchPrefix = "task.dispatch."
)

// DispatchSubject returns the dispatch subject for a queue.
func DispatchSubject(queue string) string {
	if queue == "" {
		queue = "default"
	}
	return dispatchPrefix + queue
}

// Envelope is the bus packet. TraceID carries the root workflow id.
type Envelope struct {
	TraceID   string    `json:"trace_id,omitempty"`
	SenderID  string    `json:"sender_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	Request *InvocationRequest `json:"request,omitempty"`
	Result  *InvocationResult  `json:"result,omitempty"`
	Revoke  *RevokeSignal      `json:"revoke,omitempty"`
	Event   *WorkflowEvent     `json:"event,omitempty"`
}

// InvocationRequest asks a worker to execute one invocation.
type InvocationRequest struct {
	InvocationID string          `json:"invocation_id"`
	Task         string          `json:"task"`
	Args         json.RawMessage `json:"args,omitempty"` // JSON array
	RootID       string          `json:"root_id"`
	NodeID       string          `json:"node_id"`
	Queue        string          `json:"queue,omitempty"`
	MaxRetries   int             `json:"max_retries,omitempty"`
	ResultTTLSec int64           `json:"result_ttl_sec,omitempty"`
	// Attempt disambiguates explicit redispatches for broker-side
	// deduplication windows.
	Attempt int `json:"attempt,omitempty"`
}

// InvocationResult announces an invocation's terminal outcome.
type InvocationResult struct {
	InvocationID string          `json:"invocation_id"`
	RootID       string          `json:"root_id"`
	NodeID       string          `json:"node_id"`
	State        task.State      `json:"state"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        *task.ErrorInfo `json:"error,omitempty"`
	WorkerID     string          `json:"worker_id,omitempty"`
	Retries      int             `json:"retries,omitempty"`
}

// RevokeSignal requests cooperative cancellation of running invocations.
type RevokeSignal struct {
	RootID        string   `json:"root_id"`
	InvocationIDs []string `json:"invocation_ids,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// WorkflowEvent is an observability event consumed by the gateway stream.
type WorkflowEvent struct {
	Kind         string     `json:"kind"` // dispatched|completed|resolved|revoked|chord_fired
	RootID       string     `json:"root_id"`
	NodeID       string     `json:"node_id,omitempty"`
	InvocationID string     `json:"invocation_id,omitempty"`
	Task         string     `json:"task,omitempty"`
	State        task.State `json:"state,omitempty"`
	At           time.Time  `json:"at"`
}

// Encode marshals an envelope for the bus.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	return json.Marshal(env)
}

// Decode unmarshals a bus payload into an envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// MsgID derives a broker deduplication id for durable publishes. Requests are
// keyed by invocation id and attempt so an explicit redispatch survives the
// duplicate window; results are keyed by invocation id and state.
func MsgID(subject string, env *Envelope) string {
	if env == nil {
		return ""
	}
	switch {
	case env.Request != nil && env.Request.InvocationID != "":
		return fmt.Sprintf("req:%s:%d", env.Request.InvocationID, env.Request.Attempt)
	case env.Result != nil && env.Result.InvocationID != "":
		return fmt.Sprintf("res:%s:%s", env.Result.InvocationID, env.Result.State)
	}
	return ""
}
