package guardrail

import (
	"context"
	"sync"
	"time"
)

// CounterSnapshot is a point-in-time read of today's guardrail counters
// as seen by one dispatch decision.
type CounterSnapshot struct {
	GlobalCalls int
	UserCalls   int
	SpendUSD    float64
}

// CounterStore owns the daily call counters. Counters are monotonically
// incremented by the dispatcher after the provider accepts a call and
// reset only by the daily boundary (a new day key). Commit is a single
// serialized unit per backend so concurrent dispatch workers never lose
// an increment.
type CounterStore interface {
	Snapshot(ctx context.Context, day, userID string) (CounterSnapshot, error)
	Commit(ctx context.Context, day, userID string, costUSD float64) error
}

// DayKey renders the daily counter bucket for now in the reference
// timezone. Rolling past midnight in that zone is the daily reset.
func DayKey(now time.Time, loc *time.Location) string {
	return now.In(loc).Format("2006-01-02")
}

type dayCounters struct {
	global int
	user   map[string]int
	spend  float64
}

// MemoryCounters is the in-process CounterStore used in tests and
// store-less dev mode. One mutex serializes every commit.
type MemoryCounters struct {
	mu   sync.Mutex
	days map[string]*dayCounters
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{days: make(map[string]*dayCounters)}
}

func (c *MemoryCounters) day(key string) *dayCounters {
	d, ok := c.days[key]
	if !ok {
		d = &dayCounters{user: make(map[string]int)}
		c.days[key] = d
		// Old day buckets are never read again; drop them.
		for k := range c.days {
			if k < key {
				delete(c.days, k)
			}
		}
	}
	return d
}

func (c *MemoryCounters) Snapshot(ctx context.Context, day, userID string) (CounterSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.day(day)
	return CounterSnapshot{
		GlobalCalls: d.global,
		UserCalls:   d.user[userID],
		SpendUSD:    d.spend,
	}, nil
}

func (c *MemoryCounters) Commit(ctx context.Context, day, userID string, costUSD float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.day(day)
	d.global++
	d.user[userID]++
	d.spend += costUSD
	return nil
}
