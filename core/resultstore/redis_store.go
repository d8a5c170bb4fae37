package resultstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskloom/taskloom/core/infra/redisutil"
	"github.com/taskloom/taskloom/core/task"
)

const defaultRedisURL = "redis://localhost:6379"

// RedisStore implements Store on Redis. Records are hashes so the CAS script
// never re-encodes caller payloads; expiry is tracked in a sorted set scanned
// by the sweeper rather than native Redis TTLs, because a record must outlive
// its nominal TTL while the owning workflow is unresolved.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed result store from a redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client; used by tests and by
// processes sharing one connection pool.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close shuts down the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

const createScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "id", ARGV[1],
  "task", ARGV[2],
  "state", ARGV[3],
  "args", ARGV[4],
  "payload", ARGV[5],
  "error", ARGV[6],
  "retries", ARGV[7],
  "parent_id", ARGV[8],
  "root_id", ARGV[9],
  "created_at", ARGV[10],
  "updated_at", ARGV[10],
  "expires_at", ARGV[11])
if tonumber(ARGV[11]) > 0 then
  redis.call("ZADD", KEYS[2], tonumber(ARGV[11]), ARGV[1])
end
return 1
`

// casScript performs the whole compare-and-swap in one atomic step: state
// check, field updates, retry increment, and expiry re-arm. A torn read mid
// increment is impossible by construction.
const casScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return "missing"
end
local state = redis.call("HGET", KEYS[1], "state")
if state ~= ARGV[2] then
  return "conflict:" .. state
end
redis.call("HSET", KEYS[1], "state", ARGV[3], "updated_at", ARGV[8])
if ARGV[4] ~= "" then
  redis.call("HSET", KEYS[1], "payload", ARGV[4])
end
if ARGV[5] ~= "" then
  redis.call("HSET", KEYS[1], "error", ARGV[5])
end
if tonumber(ARGV[6]) == 1 then
  redis.call("HINCRBY", KEYS[1], "retries", 1)
end
if ARGV[7] == "none" then
  redis.call("HSET", KEYS[1], "expires_at", 0)
  redis.call("ZREM", KEYS[2], ARGV[1])
elseif ARGV[7] ~= "keep" then
  local exp = tonumber(ARGV[8]) + tonumber(ARGV[7])
  redis.call("HSET", KEYS[1], "expires_at", exp)
  redis.call("ZADD", KEYS[2], exp, ARGV[1])
end
return "ok"
`

// CreateInvocation writes the record iff absent and indexes its expiry.
func (s *RedisStore) CreateInvocation(ctx context.Context, rec *Record, ttl time.Duration) (bool, error) {
	if rec == nil || rec.ID == "" {
		return false, fmt.Errorf("record id required")
	}
	now := time.Now().UTC().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.ExpiresAt = expiresAt(now, ttl)
	if rec.State == "" {
		rec.State = task.StatePending
	}
	errJSON, err := encodeErr(rec.Error)
	if err != nil {
		return false, err
	}
	res, err := s.client.Eval(ctx, createScript,
		[]string{invKey(rec.ID), expiryIndexKey()},
		rec.ID,
		rec.TaskName,
		string(rec.State),
		string(rec.Args),
		string(rec.Payload),
		errJSON,
		rec.Retries,
		rec.ParentID,
		rec.RootID,
		rec.CreatedAt,
		rec.ExpiresAt,
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Put unconditionally upserts a record.
func (s *RedisStore) Put(ctx context.Context, rec *Record, ttl time.Duration) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("record id required")
	}
	now := time.Now().UTC().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.ExpiresAt = expiresAt(now, ttl)
	errJSON, err := encodeErr(rec.Error)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, invKey(rec.ID), map[string]any{
		"id":         rec.ID,
		"task":       rec.TaskName,
		"state":      string(rec.State),
		"args":       string(rec.Args),
		"payload":    string(rec.Payload),
		"error":      errJSON,
		"retries":    rec.Retries,
		"parent_id":  rec.ParentID,
		"root_id":    rec.RootID,
		"created_at": rec.CreatedAt,
		"updated_at": rec.UpdatedAt,
		"expires_at": rec.ExpiresAt,
	})
	if rec.ExpiresAt > 0 {
		pipe.ZAdd(ctx, expiryIndexKey(), redis.Z{Score: float64(rec.ExpiresAt), Member: rec.ID})
	} else {
		pipe.ZRem(ctx, expiryIndexKey(), rec.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get fetches a record by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, fmt.Errorf("id required")
	}
	fields, err := s.client.HGetAll(ctx, invKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return recordFromFields(fields)
}

// CompareAndSwapState atomically transitions a record between states.
func (s *RedisStore) CompareAndSwapState(ctx context.Context, id string, expected, next task.State, mut Mutation) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("id required")
	}
	if !task.CanTransition(expected, next) {
		return false, fmt.Errorf("illegal transition %s -> %s", expected, next)
	}
	errJSON, err := encodeErr(mut.Error)
	if err != nil {
		return false, err
	}
	incr := 0
	if mut.IncrRetries {
		incr = 1
	}
	res, err := s.client.Eval(ctx, casScript,
		[]string{invKey(id), expiryIndexKey()},
		id,
		string(expected),
		string(next),
		string(mut.Payload),
		errJSON,
		incr,
		ttlMode(mut.TTL),
		time.Now().UTC().Unix(),
	).Text()
	if err != nil {
		return false, err
	}
	switch {
	case res == "ok":
		return true, nil
	case res == "missing":
		return false, ErrNotFound
	default:
		return false, nil
	}
}

// Delete removes a record and its expiry index entry.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("id required")
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, invKey(id))
	pipe.ZRem(ctx, expiryIndexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// ScanExpired returns ids whose expiry passed, oldest first.
func (s *RedisStore) ScanExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.client.ZRangeByScore(ctx, expiryIndexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UTC().Unix(), 10),
		Count: limit,
	}).Result()
}

// PutResolution records the workflow's terminal outcome; the first writer
// wins, later duplicates are dropped.
func (s *RedisStore) PutResolution(ctx context.Context, res *Resolution) (bool, error) {
	if res == nil || res.RootID == "" {
		return false, fmt.Errorf("resolution root id required")
	}
	if res.ResolvedAt == 0 {
		res.ResolvedAt = time.Now().UTC().Unix()
	}
	data, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("marshal resolution: %w", err)
	}
	return s.client.SetNX(ctx, resolutionKey(res.RootID), data, 0).Result()
}

// GetResolution fetches the workflow's terminal outcome if resolved.
func (s *RedisStore) GetResolution(ctx context.Context, rootID string) (*Resolution, error) {
	if rootID == "" {
		return nil, fmt.Errorf("root id required")
	}
	data, err := s.client.Get(ctx, resolutionKey(rootID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var res Resolution
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("unmarshal resolution: %w", err)
	}
	return &res, nil
}

// PutPlan stores the composition plan snapshot for a workflow.
func (s *RedisStore) PutPlan(ctx context.Context, rootID string, plan []byte) error {
	if rootID == "" {
		return fmt.Errorf("root id required")
	}
	return s.client.Set(ctx, planKey(rootID), plan, 0).Err()
}

// GetPlan fetches the composition plan snapshot for a workflow.
func (s *RedisStore) GetPlan(ctx context.Context, rootID string) ([]byte, error) {
	if rootID == "" {
		return nil, fmt.Errorf("root id required")
	}
	data, err := s.client.Get(ctx, planKey(rootID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return data, err
}

// AddInvocation indexes an invocation under its workflow and parent.
func (s *RedisStore) AddInvocation(ctx context.Context, rootID, parentID, invocationID string) error {
	if invocationID == "" {
		return fmt.Errorf("invocation id required")
	}
	pipe := s.client.TxPipeline()
	if rootID != "" {
		pipe.SAdd(ctx, invocationsKey(rootID), invocationID)
	}
	if parentID != "" {
		pipe.SAdd(ctx, childrenKey(parentID), invocationID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Children lists invocation ids dispatched under a parent node.
func (s *RedisStore) Children(ctx context.Context, parentID string) ([]string, error) {
	if parentID == "" {
		return nil, fmt.Errorf("parent id required")
	}
	return s.client.SMembers(ctx, childrenKey(parentID)).Result()
}

// WorkflowInvocations lists all invocation ids belonging to a workflow.
func (s *RedisStore) WorkflowInvocations(ctx context.Context, rootID string) ([]string, error) {
	if rootID == "" {
		return nil, fmt.Errorf("root id required")
	}
	return s.client.SMembers(ctx, invocationsKey(rootID)).Result()
}

// AddActiveWorkflow indexes a workflow for reconciliation until it resolves.
func (s *RedisStore) AddActiveWorkflow(ctx context.Context, rootID string) error {
	if rootID == "" {
		return fmt.Errorf("root id required")
	}
	return s.client.SAdd(ctx, activeWorkflowsKey(), rootID).Err()
}

// RemoveActiveWorkflow drops a workflow from the reconciliation index.
func (s *RedisStore) RemoveActiveWorkflow(ctx context.Context, rootID string) error {
	if rootID == "" {
		return fmt.Errorf("root id required")
	}
	return s.client.SRem(ctx, activeWorkflowsKey(), rootID).Err()
}

// ListActiveWorkflows returns up to limit unresolved workflow ids.
func (s *RedisStore) ListActiveWorkflows(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	ids, err := s.client.SMembers(ctx, activeWorkflowsKey()).Result()
	if err != nil {
		return nil, err
	}
	if int64(len(ids)) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// TryLock acquires a best-effort singleton lock for background ticks.
func (s *RedisStore) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("lock key required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return s.client.SetNX(ctx, lockKey(key), "1", ttl).Result()
}

// Unlock releases a lock taken with TryLock.
func (s *RedisStore) Unlock(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("lock key required")
	}
	return s.client.Del(ctx, lockKey(key)).Err()
}

// PurgeWorkflow force-deletes all of a workflow's records and indexes.
func (s *RedisStore) PurgeWorkflow(ctx context.Context, rootID string) error {
	if rootID == "" {
		return fmt.Errorf("root id required")
	}
	ids, err := s.WorkflowInvocations(ctx, rootID)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, invKey(id))
		pipe.ZRem(ctx, expiryIndexKey(), id)
		pipe.Del(ctx, childrenKey(id))
	}
	pipe.Del(ctx, invocationsKey(rootID))
	pipe.Del(ctx, planKey(rootID))
	pipe.Del(ctx, resolutionKey(rootID))
	pipe.SRem(ctx, activeWorkflowsKey(), rootID)
	_, err = pipe.Exec(ctx)
	return err
}

func recordFromFields(fields map[string]string) (*Record, error) {
	rec := &Record{
		ID:       fields["id"],
		TaskName: fields["task"],
		State:    task.State(fields["state"]),
		ParentID: fields["parent_id"],
		RootID:   fields["root_id"],
	}
	if args := fields["args"]; args != "" {
		rec.Args = json.RawMessage(args)
	}
	if payload := fields["payload"]; payload != "" {
		rec.Payload = json.RawMessage(payload)
	}
	if errJSON := fields["error"]; errJSON != "" {
		var info task.ErrorInfo
		if err := json.Unmarshal([]byte(errJSON), &info); err != nil {
			return nil, fmt.Errorf("unmarshal record error: %w", err)
		}
		rec.Error = &info
	}
	var err error
	if rec.Retries, err = atoiField(fields["retries"]); err != nil {
		return nil, err
	}
	var n int
	if n, err = atoiField(fields["created_at"]); err != nil {
		return nil, err
	}
	rec.CreatedAt = int64(n)
	if n, err = atoiField(fields["updated_at"]); err != nil {
		return nil, err
	}
	rec.UpdatedAt = int64(n)
	if n, err = atoiField(fields["expires_at"]); err != nil {
		return nil, err
	}
	rec.ExpiresAt = int64(n)
	return rec, nil
}

func atoiField(val string) (int, error) {
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse record field: %w", err)
	}
	return n, nil
}

func encodeErr(info *task.ErrorInfo) (string, error) {
	if info == nil {
		return "", nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("marshal error info: %w", err)
	}
	return string(data), nil
}

func expiresAt(now int64, ttl time.Duration) int64 {
	if ttl < 0 {
		return 0
	}
	return now + int64(ttl/time.Second)
}

func ttlMode(ttl *time.Duration) string {
	if ttl == nil {
		return "keep"
	}
	if *ttl < 0 {
		return "none"
	}
	return strconv.FormatInt(int64(*ttl/time.Second), 10)
}

func invKey(id string) string {
	return "inv:rec:" + id
}

func expiryIndexKey() string {
	return "inv:index:expiry"
}

func resolutionKey(rootID string) string {
	return "wf:res:" + rootID
}

func planKey(rootID string) string {
	return "wf:plan:" + rootID
}

func invocationsKey(rootID string) string {
	return "wf:invs:" + rootID
}

func childrenKey(parentID string) string {
	return "inv:children:" + parentID
}

func activeWorkflowsKey() string {
	return "wf:index:active"
}

func lockKey(key string) string {
	return "lock:" + key
}
