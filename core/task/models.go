package task

import "encoding/json"

// State captures the lifecycle of an invocation.
type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateRetry   State = "RETRY"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
	StateRevoked State = "REVOKED"
)

// Terminal reports whether a state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked:
		return true
	default:
		return false
	}
}

// allowedTransitions encodes the monotone lifecycle:
// PENDING -> STARTED -> {SUCCESS | FAILURE | RETRY -> STARTED}, with REVOKED
// reachable from any non-terminal state. STARTED -> STARTED is permitted so a
// redelivered invocation can be taken over after a worker crash.
var allowedTransitions = map[State][]State{
	StatePending: {StateStarted, StateRevoked},
	StateStarted: {StateStarted, StateSuccess, StateFailure, StateRetry, StateRevoked},
	StateRetry:   {StateStarted, StateFailure, StateRevoked},
}

// CanTransition reports whether moving from one state to another respects the
// invocation lifecycle.
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrorInfo is the persisted error payload of a failed invocation.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Signature describes one schedulable task call: a registered task name plus
// its immutable arguments and dispatch options.
type Signature struct {
	Name       string `json:"name"`
	Args       []any  `json:"args,omitempty"`
	Queue      string `json:"queue,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
	// ResultTTLSec bounds how long the invocation result is retained after the
	// workflow resolves. Zero means the store default applies.
	ResultTTLSec int64 `json:"result_ttl_sec,omitempty"`
}

// NewSignature builds a task signature with positional arguments.
func NewSignature(name string, args ...any) *Signature {
	return &Signature{Name: name, Args: args}
}

// WithQueue routes the invocation to a specific queue.
func (s *Signature) WithQueue(queue string) *Signature {
	s.Queue = queue
	return s
}

// WithMaxRetries sets the retry budget for transient failures.
func (s *Signature) WithMaxRetries(n int) *Signature {
	s.MaxRetries = n
	return s
}

// WithResultTTL sets the result retention in seconds.
func (s *Signature) WithResultTTL(seconds int64) *Signature {
	s.ResultTTLSec = seconds
	return s
}

// EncodeArgs marshals the signature arguments as a JSON array, with dispatch
// input (a forwarded predecessor result or aggregated barrier results)
// prepended as the first argument when present.
func EncodeArgs(sig *Signature, input json.RawMessage) (json.RawMessage, error) {
	args := make([]any, 0, len(sig.Args)+1)
	if len(input) > 0 {
		args = append(args, input)
	}
	args = append(args, sig.Args...)
	return json.Marshal(args)
}
