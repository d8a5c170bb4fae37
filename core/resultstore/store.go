// Package resultstore persists invocation outcomes and workflow state. Its
// compare-and-swap primitive is the sole cross-worker coordination mechanism:
// every mutation is a single atomic step, so the design holds for any worker
// count across any number of processes.
package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/taskloom/taskloom/core/task"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("resultstore: record not found")

// NoExpiry marks a record that the expiration sweep never collects.
const NoExpiry = time.Duration(-1)

// Record is the persisted outcome document for one invocation.
type Record struct {
	ID       string     `json:"id"`
	TaskName string     `json:"task,omitempty"`
	State    task.State `json:"state"`
	// Args is the dispatched argument array, retained so a stuck invocation
	// can be redispatched byte-identical to the original publish.
	Args    json.RawMessage `json:"args,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error     *task.ErrorInfo `json:"error,omitempty"`
	Retries   int             `json:"retries,omitempty"`
	ParentID  string          `json:"parent_id,omitempty"`
	RootID    string          `json:"root_id,omitempty"`
	CreatedAt int64           `json:"created_at,omitempty"`
	UpdatedAt int64           `json:"updated_at,omitempty"`
	// ExpiresAt is a unix timestamp; zero means the record never expires.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// Resolution is the terminal outcome of a whole workflow, written exactly
// once when the outermost node resolves.
type Resolution struct {
	RootID     string          `json:"root_id"`
	State      task.State      `json:"state"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      *task.ErrorInfo `json:"error,omitempty"`
	FailedID   string          `json:"failed_id,omitempty"`
	FailedPath []string        `json:"failed_path,omitempty"`
	ResolvedAt int64           `json:"resolved_at,omitempty"`
}

// Mutation describes the fields applied alongside a successful state swap.
type Mutation struct {
	Payload     json.RawMessage
	Error       *task.ErrorInfo
	IncrRetries bool
	// TTL, when non-nil, re-arms the record's expiry: >= 0 sets expiry that
	// far from now, NoExpiry clears it. Nil keeps the current expiry.
	TTL *time.Duration
}

// Store is the durable keyed store of invocation outcomes. CompareAndSwapState
// is mandatory for implementations; it is what makes duplicate deliveries and
// concurrent workers safe. Unavailability is transient — callers retry with
// bounded backoff rather than failing the invocation.
type Store interface {
	// CreateInvocation writes the record only if the id is absent. The false
	// return is the idempotent dispatch gate: of N duplicate expansion paths,
	// exactly one observes true.
	CreateInvocation(ctx context.Context, rec *Record, ttl time.Duration) (bool, error)
	// Put unconditionally upserts a record.
	Put(ctx context.Context, rec *Record, ttl time.Duration) error
	Get(ctx context.Context, id string) (*Record, error)
	// CompareAndSwapState atomically moves a record from expected to next and
	// applies mut. It returns false without mutating when the current state
	// differs from expected. Callers must request only transitions permitted
	// by task.CanTransition.
	CompareAndSwapState(ctx context.Context, id string, expected, next task.State, mut Mutation) (bool, error)
	Delete(ctx context.Context, id string) error
	// ScanExpired returns ids whose expiry passed, oldest first.
	ScanExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)

	// PutResolution writes the workflow resolution once; later writers lose.
	PutResolution(ctx context.Context, res *Resolution) (bool, error)
	GetResolution(ctx context.Context, rootID string) (*Resolution, error)

	PutPlan(ctx context.Context, rootID string, plan []byte) error
	GetPlan(ctx context.Context, rootID string) ([]byte, error)

	AddInvocation(ctx context.Context, rootID, parentID, invocationID string) error
	Children(ctx context.Context, parentID string) ([]string, error)
	WorkflowInvocations(ctx context.Context, rootID string) ([]string, error)

	AddActiveWorkflow(ctx context.Context, rootID string) error
	RemoveActiveWorkflow(ctx context.Context, rootID string) error
	ListActiveWorkflows(ctx context.Context, limit int64) ([]string, error)

	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error

	// PurgeWorkflow force-deletes every record belonging to a workflow,
	// resolved or not. This is the only path that removes results from an
	// unresolved workflow.
	PurgeWorkflow(ctx context.Context, rootID string) error

	Close() error
}
