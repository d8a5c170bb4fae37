package chord

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/taskloom/taskloom/core/task"
)

// RedisLedger implements Ledger on Redis hashes. Outcome payloads are opaque
// strings written by HSETNX; the scripts only touch the counters and state,
// never the payloads themselves.
type RedisLedger struct {
	client redis.UniversalClient
}

// NewRedisLedger wraps an existing client.
func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client}
}

const initScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "expected", ARGV[1],
  "completed", 0,
  "failed", 0,
  "policy", ARGV[2],
  "state", "OPEN")
return 1
`

// recordScript is the at-most-one-winner heart of the barrier. The HSETNX
// dedup, the counter increments, and the OPEN state transition happen in one
// atomic step, so of N racing duplicate deliveries exactly one sees "fire" or
// "failed" and the rest see "dup" or "recorded". FIRING means a fire was
// handed out but not yet committed with MarkFired; a duplicate arriving in
// that window gets "fire" again, so a redelivered result can re-drive a fire
// whose downstream dispatch died mid-flight. Fire handling must therefore be
// idempotent; only MarkFired stops the re-drives.
const recordScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return "noinit"
end
if redis.call("HSETNX", KEYS[2], ARGV[1], ARGV[2]) == 0 then
  if redis.call("HGET", KEYS[1], "state") == "FIRING" then
    return "fire"
  end
  return "dup"
end
local completed = redis.call("HINCRBY", KEYS[1], "completed", 1)
if ARGV[3] == "0" then
  redis.call("HINCRBY", KEYS[1], "failed", 1)
end
local state = redis.call("HGET", KEYS[1], "state")
if state ~= "OPEN" then
  return "recorded"
end
if ARGV[3] == "0" and ARGV[4] == "abort" then
  redis.call("HSET", KEYS[1], "state", "FAILED")
  return "failed"
end
if completed >= tonumber(redis.call("HGET", KEYS[1], "expected")) then
  redis.call("HSET", KEYS[1], "state", "FIRING")
  return "fire"
end
return "recorded"
`

const abortScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local state = redis.call("HGET", KEYS[1], "state")
if state == "FIRED" then
  return 0
end
redis.call("HSET", KEYS[1], "state", "FAILED")
return 1
`

// ErrNotInitialized is returned when a member outcome arrives for a barrier
// that was never declared.
var ErrNotInitialized = fmt.Errorf("chord: barrier not initialized")

func (l *RedisLedger) Init(ctx context.Context, barrierID string, expected int, policy task.FailurePolicy) error {
	if barrierID == "" {
		return fmt.Errorf("barrier id required")
	}
	if expected < 0 {
		return fmt.Errorf("expected count must be >= 0")
	}
	return l.client.Eval(ctx, initScript,
		[]string{metaKey(barrierID)},
		expected, string(policy),
	).Err()
}

func (l *RedisLedger) Record(ctx context.Context, barrierID, memberID string, outcome MemberOutcome) (Decision, error) {
	if barrierID == "" || memberID == "" {
		return DecisionNone, fmt.Errorf("barrier and member ids required")
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return DecisionNone, fmt.Errorf("marshal outcome: %w", err)
	}
	okFlag := "1"
	if !outcome.OK {
		okFlag = "0"
	}
	policy, err := l.policy(ctx, barrierID)
	if err != nil {
		return DecisionNone, err
	}
	res, err := l.client.Eval(ctx, recordScript,
		[]string{metaKey(barrierID), resultsKey(barrierID)},
		memberID, string(data), okFlag, string(policy),
	).Text()
	if err != nil {
		return DecisionNone, err
	}
	switch res {
	case "fire":
		return DecisionFire, nil
	case "failed":
		return DecisionFailed, nil
	case "dup":
		return DecisionDuplicate, nil
	case "noinit":
		return DecisionNone, ErrNotInitialized
	default:
		return DecisionNone, nil
	}
}

func (l *RedisLedger) Results(ctx context.Context, barrierID string) ([]MemberOutcome, error) {
	fields, err := l.client.HGetAll(ctx, resultsKey(barrierID)).Result()
	if err != nil {
		return nil, err
	}
	outcomes := make([]MemberOutcome, 0, len(fields))
	for member, raw := range fields {
		var out MemberOutcome
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("unmarshal outcome of %s: %w", member, err)
		}
		outcomes = append(outcomes, out)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Index < outcomes[j].Index })
	return outcomes, nil
}

func (l *RedisLedger) State(ctx context.Context, barrierID string) (string, error) {
	state, err := l.client.HGet(ctx, metaKey(barrierID), "state").Result()
	if err == redis.Nil {
		return "", ErrNotInitialized
	}
	return state, err
}

func (l *RedisLedger) MarkFired(ctx context.Context, barrierID string) error {
	return l.client.HSet(ctx, metaKey(barrierID), "state", StateFired).Err()
}

func (l *RedisLedger) Abort(ctx context.Context, barrierID string) (bool, error) {
	res, err := l.client.Eval(ctx, abortScript, []string{metaKey(barrierID)}).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (l *RedisLedger) Delete(ctx context.Context, barrierID string) error {
	return l.client.Del(ctx, metaKey(barrierID), resultsKey(barrierID)).Err()
}

// Expected returns the declared member count.
func (l *RedisLedger) Expected(ctx context.Context, barrierID string) (int, error) {
	val, err := l.client.HGet(ctx, metaKey(barrierID), "expected").Result()
	if err == redis.Nil {
		return 0, ErrNotInitialized
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(val)
}

func (l *RedisLedger) policy(ctx context.Context, barrierID string) (task.FailurePolicy, error) {
	val, err := l.client.HGet(ctx, metaKey(barrierID), "policy").Result()
	if err == redis.Nil {
		return "", ErrNotInitialized
	}
	if err != nil {
		return "", err
	}
	return task.FailurePolicy(val), nil
}

func metaKey(barrierID string) string {
	return "chord:meta:" + barrierID
}

func resultsKey(barrierID string) string {
	return "chord:res:" + barrierID
}
