// Package redis provides the Redis-backed guardrail counter store, so
// several engine replicas share one set of daily caps.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/guardrail"
)

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// Counters implements guardrail.CounterStore on Redis. Each commit runs
// as one Lua script, so the three increments land atomically even with
// concurrent dispatch workers across processes.
type Counters struct {
	rdb *redis.Client
}

// NewCounters creates a new Redis counter store.
func NewCounters(cfg Config) (*Counters, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Counters{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Counters) Close() error {
	return c.rdb.Close()
}

// Key helpers
func globalKey(day string) string {
	return fmt.Sprintf("voice:calls:%s", day)
}

func userKey(day, userID string) string {
	return fmt.Sprintf("voice:calls:%s:user:%s", day, userID)
}

func spendKey(day string) string {
	return fmt.Sprintf("voice:spend:%s", day)
}

// counterTTL keeps yesterday's keys around briefly for inspection, then
// lets Redis reclaim them.
const counterTTL = 48 * time.Hour

var commitScript = redis.NewScript(`
redis.call('INCR', KEYS[1])
redis.call('INCR', KEYS[2])
redis.call('INCRBYFLOAT', KEYS[3], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
redis.call('EXPIRE', KEYS[2], ARGV[2])
redis.call('EXPIRE', KEYS[3], ARGV[2])
return 1
`)

func (c *Counters) Snapshot(ctx context.Context, day, userID string) (guardrail.CounterSnapshot, error) {
	pipe := c.rdb.Pipeline()
	globalCmd := pipe.Get(ctx, globalKey(day))
	userCmd := pipe.Get(ctx, userKey(day, userID))
	spendCmd := pipe.Get(ctx, spendKey(day))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return guardrail.CounterSnapshot{}, fmt.Errorf("failed to read counters: %w", err)
	}

	snap := guardrail.CounterSnapshot{}
	if v, err := globalCmd.Result(); err == nil {
		snap.GlobalCalls, _ = strconv.Atoi(v)
	}
	if v, err := userCmd.Result(); err == nil {
		snap.UserCalls, _ = strconv.Atoi(v)
	}
	if v, err := spendCmd.Result(); err == nil {
		snap.SpendUSD, _ = strconv.ParseFloat(v, 64)
	}
	return snap, nil
}

func (c *Counters) Commit(ctx context.Context, day, userID string, costUSD float64) error {
	keys := []string{globalKey(day), userKey(day, userID), spendKey(day)}
	args := []any{
		strconv.FormatFloat(costUSD, 'f', -1, 64),
		int(counterTTL.Seconds()),
	}
	if err := commitScript.Run(ctx, c.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("failed to commit counters: %w", err)
	}
	return nil
}
