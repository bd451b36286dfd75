package retry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// AdvisoryConfig configures an AdvisoryRetryer.
type AdvisoryConfig struct {
	MaxAttempts    int
	OracleTimeout  time.Duration
	EnableCaching  bool
}

// AdvisoryRetryer consults a DecisionOracle on each failure instead of a
// fixed backoff schedule. On oracle timeout or error it falls back to the
// conservative {ShouldRetry:false} decision. Decisions are cached by a hash
// of (exception type, canonicalized message) for the lifetime of the
// process when caching is enabled, mirroring the teacher's key-registry
// pattern (kernel/internal/keys.Registry: mutex-guarded map keyed by a
// derived string).
type AdvisoryRetryer struct {
	oracle DecisionOracle
	cfg    AdvisoryConfig
	counters

	cacheMu sync.Mutex
	cache   map[string]Decision
	hits    int64
}

// NewAdvisory constructs an AdvisoryRetryer backed by the given oracle.
func NewAdvisory(oracle DecisionOracle, cfg AdvisoryConfig) *AdvisoryRetryer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = 10 * time.Second
	}
	r := &AdvisoryRetryer{oracle: oracle, cfg: cfg}
	if cfg.EnableCaching {
		r.cache = make(map[string]Decision)
	}
	return r
}

func (r *AdvisoryRetryer) Wrap(op Op) Op {
	return func(ctx context.Context) error {
		var lastErr error
		for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
			r.addAttempts(1)
			lastErr = op(ctx)
			if lastErr == nil {
				return nil
			}
			if attempt == r.cfg.MaxAttempts {
				break
			}

			decision := r.decide(ctx, lastErr)
			if !decision.ShouldRetry {
				return lastErr
			}
			wait := time.Duration(decision.SuggestedWaitSeconds) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		return lastErr
	}
}

// decide consults the oracle (or the cache) for one failure, bounded by
// cfg.OracleTimeout, falling back to conservativeFallback on timeout/error.
func (r *AdvisoryRetryer) decide(ctx context.Context, err error) Decision {
	exc := ExceptionSummary{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}

	key := cacheKey(exc)
	if r.cache != nil {
		r.cacheMu.Lock()
		cached, ok := r.cache[key]
		if ok {
			r.hits++
		}
		r.cacheMu.Unlock()
		if ok {
			return cached
		}
	}

	oracleCtx, cancel := context.WithTimeout(ctx, r.cfg.OracleTimeout)
	defer cancel()

	decision, oracleErr := r.oracle.Decide(oracleCtx, exc)
	if oracleErr != nil {
		return conservativeFallback
	}
	if validateErr := decision.Validate(); validateErr != nil {
		return conservativeFallback
	}

	if r.cache != nil {
		r.cacheMu.Lock()
		r.cache[key] = decision
		r.cacheMu.Unlock()
	}
	return decision
}

func cacheKey(exc ExceptionSummary) string {
	h := sha256.Sum256([]byte(exc.Type + "\x00" + canonicalizeMessage(exc.Message)))
	return hex.EncodeToString(h[:])
}

// canonicalizeMessage is a deliberately simple normalization: trims nothing
// fancy, just the raw message. Richer canonicalization (stripping request
// IDs, timestamps) can be added if cache-hit rates in production show it's
// needed.
func canonicalizeMessage(msg string) string {
	return msg
}

func (r *AdvisoryRetryer) Stats() Stats {
	r.cacheMu.Lock()
	entries := len(r.cache)
	hits := r.hits
	r.cacheMu.Unlock()
	return Stats{
		AttemptsTotal:   r.attempts(),
		CacheHits:       hits,
		CacheEntries:    entries,
		AdvisoryEnabled: true,
	}
}
