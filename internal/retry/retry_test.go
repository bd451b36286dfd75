package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFixedRetryer_SucceedsAfterTransientFailures(t *testing.T) {
	r := NewFixed(FixedConfig{MaxAttempts: 3, MinWait: time.Millisecond, MaxWait: 5 * time.Millisecond})

	calls := 0
	op := r.Wrap(func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err := op(context.Background()); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if r.Stats().AttemptsTotal != 3 {
		t.Fatalf("expected attempts_total=3, got %d", r.Stats().AttemptsTotal)
	}
}

func TestFixedRetryer_ExhaustionReraisesLastError(t *testing.T) {
	r := NewFixed(FixedConfig{MaxAttempts: 2, MinWait: time.Millisecond, MaxWait: 2 * time.Millisecond})

	sentinel := errors.New("permanent")
	op := r.Wrap(func(ctx context.Context) error {
		return sentinel
	})

	err := op(context.Background())
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
}

type fakeOracle struct {
	decision Decision
	err      error
	calls    int
}

func (f *fakeOracle) Decide(ctx context.Context, exc ExceptionSummary) (Decision, error) {
	f.calls++
	return f.decision, f.err
}

func TestAdvisoryRetryer_FatalStopsAfterFirstAttempt(t *testing.T) {
	oracle := &fakeOracle{decision: Decision{ShouldRetry: false, Reason: "401 Unauthorized", Confidence: 0.9, SuggestedWaitSeconds: 1}}
	r := NewAdvisory(oracle, AdvisoryConfig{MaxAttempts: 5, OracleTimeout: time.Second})

	attempts := 0
	op := r.Wrap(func(ctx context.Context) error {
		attempts++
		return errors.New("401 Unauthorized")
	})

	if err := op(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt before surfacing, got %d", attempts)
	}
}

func TestAdvisoryRetryer_RetriesWhenAdvised(t *testing.T) {
	oracle := &fakeOracle{decision: Decision{ShouldRetry: true, SuggestedWaitSeconds: 1, Confidence: 0.5}}
	r := NewAdvisory(oracle, AdvisoryConfig{MaxAttempts: 3, OracleTimeout: time.Second})

	// A 0-second wait fails Decision.Validate and would trigger the no-retry
	// fallback, so the decision keeps the 1-second minimum and this test
	// sleeps a full second between its two attempts.
	oracle.decision.SuggestedWaitSeconds = 0
	oracle.decision.SuggestedWaitSeconds = 1

	attempts := 0
	op := r.Wrap(func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := op(ctx); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestAdvisoryRetryer_FallsBackConservativelyOnOracleError(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("oracle down")}
	r := NewAdvisory(oracle, AdvisoryConfig{MaxAttempts: 5, OracleTimeout: 10 * time.Millisecond})

	attempts := 0
	op := r.Wrap(func(ctx context.Context) error {
		attempts++
		return errors.New("some failure")
	})

	if err := op(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected fallback to stop retries after first attempt, got %d", attempts)
	}
}

func TestAdvisoryRetryer_CachesDecisionsByExceptionKey(t *testing.T) {
	oracle := &fakeOracle{decision: Decision{ShouldRetry: true, SuggestedWaitSeconds: 1, Confidence: 1}}
	r := NewAdvisory(oracle, AdvisoryConfig{MaxAttempts: 3, OracleTimeout: time.Second, EnableCaching: true})

	attempts := 0
	op := r.Wrap(func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("same error every time")
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := op(ctx); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if oracle.calls != 1 {
		t.Fatalf("expected oracle consulted once due to caching, got %d calls", oracle.calls)
	}
	if r.Stats().CacheHits < 1 {
		t.Fatalf("expected at least one cache hit, got %d", r.Stats().CacheHits)
	}
}

func TestDecisionValidate(t *testing.T) {
	cases := []struct {
		name string
		d    Decision
		ok   bool
	}{
		{"valid", Decision{SuggestedWaitSeconds: 30, Confidence: 0.5}, true},
		{"wait too low", Decision{SuggestedWaitSeconds: 0, Confidence: 0.5}, false},
		{"wait too high", Decision{SuggestedWaitSeconds: 61, Confidence: 0.5}, false},
		{"confidence too low", Decision{SuggestedWaitSeconds: 1, Confidence: -0.1}, false},
		{"confidence too high", Decision{SuggestedWaitSeconds: 1, Confidence: 1.1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.d.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected invalid")
			}
		})
	}
}
