// Package storage holds the key-value backends behind the metadata store.
//
// Every backend offers the same small Redis-shaped surface: plain values,
// sorted sets, sets and hashes. Each call is atomic on its own; nothing spans
// calls.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"imgbed/internal/models"
)

// ErrNil is returned by Get and HGet for a missing key or field.
var ErrNil = errors.New("storage: nil")

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// MGet returns one entry per key, nil where the key is missing.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Del removes keys of any type.
	Del(ctx context.Context, keys ...string) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	// ZRevRange returns members by descending score (ties by descending
	// member). Negative indexes count from the end, as in Redis.
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key string, values map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)

	Close() error
}

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg models.StoreConfig) (KV, error) {
	const op = "storage.Open"

	var (
		kv  KV
		err error
	)
	switch cfg.Driver {
	case DriverMemory, "":
		kv = NewMemory()
	case DriverRedis:
		kv, err = NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case DriverPostgres:
		kv, err = NewPostgres(ctx, cfg.DatabaseURL)
	case DriverBadger:
		kv, err = NewBadger(cfg.BadgerPath)
	default:
		return nil, fmt.Errorf("%s: %w: unknown store driver %q", op, models.ErrConfiguration, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return kv, nil
}

// rangeBounds converts Redis-style inclusive start/stop into [lo, hi) over n
// elements.
func rangeBounds(n, start, stop int64) (lo, hi int64, ok bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop + 1, true
}

type scored struct {
	member string
	score  float64
}

func sortScoredDesc(items []scored) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].member > items[j].member
	})
}

func revRange(items []scored, start, stop int64) []string {
	sortScoredDesc(items)
	lo, hi, ok := rangeBounds(int64(len(items)), start, stop)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, hi-lo)
	for _, it := range items[lo:hi] {
		out = append(out, it.member)
	}
	return out
}
