// Package retry implements the pipeline's retry engine (spec C1): wrap any
// fallible call with bounded retry, deciding whether to continue either by a
// fixed backoff policy or by consulting an external Decision Oracle.
package retry

import (
	"context"
	"sync/atomic"
)

// Op is any fallible operation the engine can wrap.
type Op func(ctx context.Context) error

// Stats is a point-in-time snapshot of engine activity.
type Stats struct {
	AttemptsTotal   int64
	CacheHits       int64
	CacheEntries    int
	AdvisoryEnabled bool
}

// Retryer wraps an Op into a retrying version of itself. The engine never
// swallows a terminal failure: once its policy gives up, it returns the last
// observed error.
type Retryer interface {
	Wrap(op Op) Op
	Stats() Stats
}

// counters is the shared attempt accounting used by both retryer
// implementations, mirroring the teacher's JWKSMetrics pattern (plain
// counters, snapshot on read, no synchronization required of readers).
type counters struct {
	attemptsTotal int64
}

func (c *counters) addAttempts(n int64) {
	atomic.AddInt64(&c.attemptsTotal, n)
}

func (c *counters) attempts() int64 {
	return atomic.LoadInt64(&c.attemptsTotal)
}
