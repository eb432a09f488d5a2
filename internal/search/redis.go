package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/marketpulse/internal/clock"
)

const (
	keyUserIndex = "research_tasks:search_index:%s"
	keyTaskData  = "research_task:%s"
)

// RedisIndex keeps one hash per task and one sorted set per user, scored by
// index time, so every window is taken over the caller's own tasks.
type RedisIndex struct {
	client *redis.Client
	clock  clock.Clock
}

func NewRedisIndex(client *redis.Client, clk clock.Clock) *RedisIndex {
	if client == nil {
		return nil
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &RedisIndex{client: client, clock: clk}
}

func (r *RedisIndex) Index(ctx context.Context, doc Document) error {
	if doc.RequestID == "" {
		return ErrMissingRequestID
	}
	e := newEntry(doc, r.clock.Now())
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, fmt.Sprintf(keyTaskData, doc.RequestID), encodeEntry(e))
		pipe.ZAdd(ctx, fmt.Sprintf(keyUserIndex, doc.UserID), redis.Z{
			Score:  float64(e.indexedAt.UnixMilli()),
			Member: doc.RequestID,
		})
		return nil
	})
	return err
}

func (r *RedisIndex) Remove(ctx context.Context, requestID string) error {
	dataKey := fmt.Sprintf(keyTaskData, requestID)
	userID, err := r.client.HGet(ctx, dataKey, "user_id").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, fmt.Sprintf(keyUserIndex, userID), requestID)
		pipe.Del(ctx, dataKey)
		return nil
	})
	return err
}

func (r *RedisIndex) Search(ctx context.Context, userID, query string, limit int) ([]Result, error) {
	entries, err := r.newest(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	return searchEntries(entries, userID, query, limit), nil
}

func (r *RedisIndex) Suggest(ctx context.Context, userID, partial string, limit int) ([]Suggestion, error) {
	entries, err := r.newest(ctx, userID, suggestionWindow)
	if err != nil {
		return nil, err
	}
	return suggestEntries(entries, userID, partial, limit), nil
}

// newest loads up to n of userID's entries, newest first; n <= 0 loads all.
func (r *RedisIndex) newest(ctx context.Context, userID string, n int64) ([]entry, error) {
	stop := n - 1
	if n <= 0 {
		stop = -1
	}
	ids, err := r.client.ZRevRange(ctx, fmt.Sprintf(keyUserIndex, userID), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, fmt.Sprintf(keyTaskData, id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries := make([]entry, 0, len(ids))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		entries = append(entries, decodeEntry(fields))
	}
	return entries, nil
}

func encodeEntry(e entry) map[string]any {
	fields := map[string]any{
		"request_id":     e.doc.RequestID,
		"user_id":        e.doc.UserID,
		"query":          e.doc.ProductIdea,
		"research_depth": e.doc.ResearchDepth,
		"status":         e.doc.Status,
		"started_at":     e.doc.StartedAt.UTC().Format(time.RFC3339Nano),
		"completed_at":   "",
		"search_text":    e.searchText,
		"indexed_at":     e.indexedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.doc.CompletedAt != nil {
		fields["completed_at"] = e.doc.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func decodeEntry(fields map[string]string) entry {
	e := entry{
		doc: Document{
			RequestID:     fields["request_id"],
			UserID:        fields["user_id"],
			ProductIdea:   fields["query"],
			ResearchDepth: fields["research_depth"],
			Status:        fields["status"],
		},
		searchText: fields["search_text"],
	}
	e.doc.StartedAt, _ = time.Parse(time.RFC3339Nano, fields["started_at"])
	e.indexedAt, _ = time.Parse(time.RFC3339Nano, fields["indexed_at"])
	if raw := fields["completed_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			e.doc.CompletedAt = &t
		}
	}
	return e
}
