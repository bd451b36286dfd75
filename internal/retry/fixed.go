package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// FixedConfig configures a fixed-policy retryer: retry any error up to
// MaxAttempts times with exponential backoff and jitter between MinWait and
// MaxWait.
type FixedConfig struct {
	MaxAttempts int
	MinWait     time.Duration
	MaxWait     time.Duration
}

// FixedRetryer retries any failing Op a bounded number of times with
// exponential backoff and jitter, generalizing the teacher's bespoke
// doubling-with-cap loop in audit.KafkaProducer.Produce to the
// cenkalti/backoff library the rest of the pack reaches for.
type FixedRetryer struct {
	cfg FixedConfig
	counters
}

// NewFixed constructs a FixedRetryer, filling in sensible defaults for any
// zero-valued fields.
func NewFixed(cfg FixedConfig) *FixedRetryer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MinWait <= 0 {
		cfg.MinWait = 200 * time.Millisecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	return &FixedRetryer{cfg: cfg}
}

func (r *FixedRetryer) Wrap(op Op) Op {
	return func(ctx context.Context) error {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.cfg.MinWait
		b.MaxInterval = r.cfg.MaxWait
		b.MaxElapsedTime = 0 // bounded by attempt count below, not elapsed time

		bounded := backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1))
		withCtx := backoff.WithContext(bounded, ctx)

		var lastErr error
		err := backoff.Retry(func() error {
			r.addAttempts(1)
			lastErr = op(ctx)
			return lastErr
		}, withCtx)
		if err != nil {
			// backoff.Retry wraps context cancellation distinctly; prefer the
			// operation's own last error when available so callers see the
			// real failure rather than a backoff-internal sentinel.
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		return nil
	}
}

func (r *FixedRetryer) Stats() Stats {
	return Stats{
		AttemptsTotal:   r.attempts(),
		AdvisoryEnabled: false,
	}
}
