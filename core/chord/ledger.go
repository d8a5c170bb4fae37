// Package chord coordinates barrier synchronization for groups and chords.
// Every member outcome funnels through a single atomic record step, so the
// fire decision is made exactly once no matter how many workers or duplicate
// deliveries race on the same barrier.
package chord

import (
	"context"
	"encoding/json"

	"github.com/taskloom/taskloom/core/task"
)

// Barrier lifecycle states.
const (
	StateOpen   = "OPEN"
	StateFiring = "FIRING"
	StateFired  = "FIRED"
	StateFailed = "FAILED"
)

// Decision is the outcome of recording one member result.
type Decision int

const (
	// DecisionNone: recorded, barrier still waiting.
	DecisionNone Decision = iota
	// DecisionFire: this record completed the barrier; the caller owns
	// dispatching the body. Returned to exactly one caller per barrier.
	DecisionFire
	// DecisionFailed: this record failed the barrier under the abort policy.
	// Returned to exactly one caller per barrier.
	DecisionFailed
	// DecisionDuplicate: this member was already recorded.
	DecisionDuplicate
)

// MemberOutcome is one member's terminal result within a barrier. Index is
// the member's declared position; aggregation restores declaration order
// regardless of completion order.
type MemberOutcome struct {
	Index   int             `json:"index"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *task.ErrorInfo `json:"error,omitempty"`
}

// Ledger tracks barrier membership and decides when the barrier fires.
type Ledger interface {
	// Init declares the barrier. Idempotent: duplicate expansion paths may
	// call it concurrently and the first write wins.
	Init(ctx context.Context, barrierID string, expected int, policy task.FailurePolicy) error
	// Record stores one member outcome and returns the barrier decision.
	// A member id is counted once; replays return DecisionDuplicate. Late
	// outcomes arriving after the barrier left OPEN are stored for
	// inspection but never change the decision.
	Record(ctx context.Context, barrierID, memberID string, outcome MemberOutcome) (Decision, error)
	// Results returns all recorded outcomes ordered by member index.
	Results(ctx context.Context, barrierID string) ([]MemberOutcome, error)
	State(ctx context.Context, barrierID string) (string, error)
	// MarkFired moves FIRING to FIRED after the body dispatch succeeded.
	MarkFired(ctx context.Context, barrierID string) error
	// Abort force-fails the barrier unless it already fired.
	Abort(ctx context.Context, barrierID string) (bool, error)
	Delete(ctx context.Context, barrierID string) error
}
