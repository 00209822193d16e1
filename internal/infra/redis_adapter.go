// Package infra provides the Redis adapter used for daily accuracy
// snapshots and the annotator leaderboard. Both are advisory caches; the
// store remains the source of truth and a nil adapter disables them.
package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotTTL = 90 * 24 * time.Hour

// RedisAdapter wraps go-redis v9.
type RedisAdapter struct {
	rdb    *redis.Client
	logger *log.Logger
}

// NewRedisAdapter connects and pings. The caller decides whether a failed
// connection is fatal or snapshots just stay disabled.
func NewRedisAdapter(addr, password string, db int) (*RedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	return &RedisAdapter{
		rdb:    rdb,
		logger: log.New(log.Writer(), "[Redis] ", log.LstdFlags),
	}, nil
}

// Close shuts down the underlying redis client.
func (a *RedisAdapter) Close() error {
	return a.rdb.Close()
}

// ============================================================================
// ACCURACY SNAPSHOTS
// ============================================================================

type accuracySnapshot struct {
	Lifetime float64 `json:"lifetime"`
	Rolling  float64 `json:"rolling"`
}

// RecordAccuracy stores one accuracy snapshot per annotator per UTC day.
// SetNX makes repeated sweeps on the same day no-ops, so the first snapshot
// of the day wins.
func (a *RedisAdapter) RecordAccuracy(ctx context.Context, day, annotatorID string, lifetime, rolling float64) error {
	payload, err := json.Marshal(accuracySnapshot{Lifetime: lifetime, Rolling: rolling})
	if err != nil {
		return err
	}
	key := fmt.Sprintf("accuracy:%s:%s", day, annotatorID)
	set, err := a.rdb.SetNX(ctx, key, payload, snapshotTTL).Result()
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", key, err)
	}
	if set {
		a.logger.Printf("accuracy snapshot %s lifetime=%.2f rolling=%.2f", key, lifetime, rolling)
	}
	return nil
}

// GetAccuracy reads back a day's snapshot. Returns found=false when no
// snapshot exists for that day.
func (a *RedisAdapter) GetAccuracy(ctx context.Context, day, annotatorID string) (lifetime, rolling float64, found bool, err error) {
	key := fmt.Sprintf("accuracy:%s:%s", day, annotatorID)
	raw, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	var snap accuracySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return 0, 0, false, err
	}
	return snap.Lifetime, snap.Rolling, true, nil
}

// ============================================================================
// EARNINGS LEADERBOARD
// ============================================================================

// LeaderboardEntry is one row of the daily earnings ranking.
type LeaderboardEntry struct {
	AnnotatorID string
	Cents       int64
}

func leaderboardKey(day string) string {
	return "leaderboard:earnings:" + day
}

// AddEarnings accumulates released payment into the day's leaderboard zset.
func (a *RedisAdapter) AddEarnings(ctx context.Context, day, annotatorID string, cents int64) error {
	key := leaderboardKey(day)
	pipe := a.rdb.TxPipeline()
	pipe.ZIncrBy(ctx, key, float64(cents), annotatorID)
	pipe.Expire(ctx, key, snapshotTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// TopEarners returns the day's top annotators by released payment.
func (a *RedisAdapter) TopEarners(ctx context.Context, day string, limit int) ([]LeaderboardEntry, error) {
	rows, err := a.rdb.ZRevRangeWithScores(ctx, leaderboardKey(day), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]LeaderboardEntry, 0, len(rows))
	for _, row := range rows {
		id, ok := row.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, LeaderboardEntry{AnnotatorID: id, Cents: int64(row.Score)})
	}
	return entries, nil
}
