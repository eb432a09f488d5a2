package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/marketpulse/internal/clock"
)

const keyCheckpoint = "checkpoint:%s"

// advanceScript applies one checkpoint atomically. ARGV: index, total,
// progress, name, display, now (unix ms).
const advanceScript = `
local idx = tonumber(ARGV[1])
local total = tonumber(ARGV[2])
local status = redis.call("HGET", KEYS[1], "status")
if status == "completed" or status == "failed" or status == "aborted" then
  return 0
end
local last = tonumber(redis.call("HGET", KEYS[1], "completed") or "0")
if idx < 1 or idx > total or idx <= last then
  return 0
end
local progress = tonumber(ARGV[3])
local prev = tonumber(redis.call("HGET", KEYS[1], "progress") or "0")
if prev > progress then
  progress = prev
end
local names = redis.call("HGET", KEYS[1], "checkpoints")
if names and names ~= "" then
  names = names .. "," .. ARGV[4]
else
  names = ARGV[4]
end
redis.call("HSET", KEYS[1],
  "status", "processing",
  "completed", idx,
  "progress", progress,
  "current_step", ARGV[5],
  "checkpoints", names,
  "updated_at", ARGV[6])
return 1
`

// observeScript starts the eviction TTL the first time a terminal entry is
// read. ARGV: ttl (ms).
const observeScript = `
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "completed" and status ~= "failed" and status ~= "aborted" then
  return 0
end
if redis.call("HSETNX", KEYS[1], "observed", "1") == 1 then
  local ttl = tonumber(ARGV[1])
  if ttl > 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
  end
  return 1
end
return 0
`

// terminalScript marks failed/aborted unless the entry already completed.
// ARGV: status, now (unix ms).
const terminalScript = `
if redis.call("HGET", KEYS[1], "status") == "completed" then
  return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[1], "updated_at", ARGV[2])
return 1
`

type RedisTracker struct {
	client   *redis.Client
	clock    clock.Clock
	ttl      func() time.Duration
	advance  *redis.Script
	observe  *redis.Script
	terminal *redis.Script
}

func NewRedisTracker(client *redis.Client, clk clock.Clock, ttl func() time.Duration) *RedisTracker {
	if client == nil {
		return nil
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &RedisTracker{
		client:   client,
		clock:    clk,
		ttl:      ttl,
		advance:  redis.NewScript(advanceScript),
		observe:  redis.NewScript(observeScript),
		terminal: redis.NewScript(terminalScript),
	}
}

func (t *RedisTracker) Start(ctx context.Context, taskID string) error {
	key, err := checkpointKey(taskID)
	if err != nil {
		return err
	}
	now := t.clock.Now()
	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"task_id", strings.TrimSpace(taskID),
			"status", StatusProcessing,
			"completed", 0,
			"progress", 0,
			"current_step", "",
			"checkpoints", "",
			"updated_at", now.UnixMilli(),
		)
		return nil
	})
	return err
}

func (t *RedisTracker) Advance(ctx context.Context, taskID string, index int) (Snapshot, bool, error) {
	key, err := checkpointKey(taskID)
	if err != nil {
		return Snapshot{}, false, err
	}

	var name, display string
	if cp, ok := ByIndex(index); ok {
		name, display = cp.Name, cp.Display
	}
	applied, err := t.advance.Run(ctx, t.client, []string{key},
		index,
		Total,
		Progress(index),
		name,
		display,
		t.clock.Now().UnixMilli(),
	).Int()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("advance checkpoint: %w", err)
	}

	snapshot, err := t.load(ctx, key, taskID)
	if err != nil {
		return Snapshot{}, false, err
	}
	return *snapshot, applied == 1, nil
}

func (t *RedisTracker) Complete(ctx context.Context, taskID string) (Snapshot, error) {
	key, err := checkpointKey(taskID)
	if err != nil {
		return Snapshot{}, err
	}
	final := sequence[len(sequence)-1]
	err = t.client.HSet(ctx, key,
		"task_id", strings.TrimSpace(taskID),
		"status", StatusCompleted,
		"progress", 100,
		"current_step", final.Display,
		"updated_at", t.clock.Now().UnixMilli(),
	).Err()
	if err != nil {
		return Snapshot{}, err
	}
	snapshot, err := t.load(ctx, key, taskID)
	if err != nil {
		return Snapshot{}, err
	}
	return *snapshot, nil
}

func (t *RedisTracker) MarkTerminal(ctx context.Context, taskID, status string) error {
	key, err := checkpointKey(taskID)
	if err != nil {
		return err
	}
	if status != StatusFailed && status != StatusAborted {
		return ErrInvalidStatus
	}
	return t.terminal.Run(ctx, t.client, []string{key}, status, t.clock.Now().UnixMilli()).Err()
}

func (t *RedisTracker) Get(ctx context.Context, taskID string) (*Snapshot, error) {
	key, err := checkpointKey(taskID)
	if err != nil {
		return nil, err
	}
	snapshot, err := t.load(ctx, key, taskID)
	if err != nil {
		return nil, err
	}
	if snapshot.Terminal() {
		var ttl time.Duration
		if t.ttl != nil {
			ttl = t.ttl()
		}
		if err := t.observe.Run(ctx, t.client, []string{key}, ttl.Milliseconds()).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
	}
	return snapshot, nil
}

func (t *RedisTracker) Forget(ctx context.Context, taskID string) error {
	key, err := checkpointKey(taskID)
	if err != nil {
		return err
	}
	return t.client.Del(ctx, key).Err()
}

func (t *RedisTracker) load(ctx context.Context, key, taskID string) (*Snapshot, error) {
	fields, err := t.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	snapshot := decodeSnapshot(strings.TrimSpace(taskID), fields)
	return &snapshot, nil
}

func checkpointKey(taskID string) (string, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return "", ErrInvalidTaskID
	}
	return fmt.Sprintf(keyCheckpoint, taskID), nil
}

func decodeSnapshot(taskID string, fields map[string]string) Snapshot {
	s := Snapshot{
		TaskID:      taskID,
		Status:      fields["status"],
		CurrentStep: fields["current_step"],
	}
	if s.Status == "" {
		s.Status = StatusProcessing
	}
	s.Completed, _ = strconv.Atoi(fields["completed"])
	s.Progress, _ = strconv.Atoi(fields["progress"])
	if names := fields["checkpoints"]; names != "" {
		s.CompletedCheckpoints = strings.Split(names, ",")
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil && ms > 0 {
		s.LastUpdated = time.UnixMilli(ms).UTC()
	}
	return s
}
