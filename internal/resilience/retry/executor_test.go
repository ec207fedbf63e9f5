package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/pollwatch/internal/resilience/circuit"
	"github.com/vietddude/pollwatch/internal/resilience/classify"
)

type statusErr struct {
	code int
}

func (e *statusErr) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) HTTPStatusCode() int { return e.code }

func testConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		Breaker: circuit.Config{
			FailureThreshold: 100,
			ResetTimeout:     time.Minute,
		},
	}
}

// newTestExecutor records slept delays instead of sleeping.
func newTestExecutor(t *testing.T, cfg Config) (*Executor, *[]time.Duration) {
	t.Helper()

	var delays []time.Duration
	e, err := NewExecutor(cfg, WithSleep(func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}))
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return e, &delays
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	e, delays := newTestExecutor(t, testConfig())

	calls := 0
	op := func(ctx context.Context) (string, error) {
		calls++
		if calls <= 3 {
			return "", context.DeadlineExceeded
		}
		return "done", nil
	}

	value, failure := Do(context.Background(), e, "job-1", op)
	if failure != nil {
		t.Fatalf("Do returned failure: %v", failure)
	}
	if value != "done" {
		t.Errorf("value = %q, want %q", value, "done")
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], d)
		}
	}

	if st := e.StateFor("job-1"); st.Attempt != 0 {
		t.Errorf("attempt after success = %d, want 0", st.Attempt)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	e, delays := newTestExecutor(t, testConfig())

	calls := 0
	op := func(ctx context.Context) (int, error) {
		calls++
		return 0, &statusErr{code: 503}
	}

	_, failure := Do(context.Background(), e, "job-1", op)
	if failure == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if failure.Kind != classify.KindServerUnavailable {
		t.Errorf("Kind = %s, want %s", failure.Kind, classify.KindServerUnavailable)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want MaxRetries+1 = 4", calls)
	}
	if len(*delays) != 3 {
		t.Errorf("slept %d times, want 3", len(*delays))
	}

	if st := e.StateFor("job-1"); st.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", st.Attempt)
	}
}

func TestDoNonRetryableFailsImmediately(t *testing.T) {
	e, delays := newTestExecutor(t, testConfig())

	calls := 0
	op := func(ctx context.Context) (int, error) {
		calls++
		return 0, &statusErr{code: 404}
	}

	_, failure := Do(context.Background(), e, "job-1", op)
	if failure == nil || failure.Kind != classify.KindClientRejected {
		t.Fatalf("failure = %v, want client_rejected", failure)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(*delays) != 0 {
		t.Errorf("slept %d times, want 0", len(*delays))
	}
}

func TestDoBackoffCappedAtMaxDelay(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 6
	e, delays := newTestExecutor(t, cfg)

	op := func(ctx context.Context) (int, error) {
		return 0, context.DeadlineExceeded
	}
	Do(context.Background(), e, "job-1", op)

	prev := time.Duration(0)
	for i, d := range *delays {
		if d < prev {
			t.Errorf("delay[%d] = %v decreased from %v", i, d, prev)
		}
		if d > cfg.MaxDelay {
			t.Errorf("delay[%d] = %v exceeds max %v", i, d, cfg.MaxDelay)
		}
		prev = d
	}
	if last := (*delays)[len(*delays)-1]; last != cfg.MaxDelay {
		t.Errorf("final delay = %v, want capped at %v", last, cfg.MaxDelay)
	}
}

func TestDoCircuitOpensAndRejects(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.Breaker.FailureThreshold = 2
	e, _ := newTestExecutor(t, cfg)

	calls := 0
	op := func(ctx context.Context) (int, error) {
		calls++
		return 0, context.DeadlineExceeded
	}

	Do(context.Background(), e, "job-1", op)
	Do(context.Background(), e, "job-1", op)

	if snap := e.BreakerSnapshot("job-1"); snap.Phase != circuit.PhaseOpen {
		t.Fatalf("breaker phase = %s, want open", snap.Phase)
	}

	_, failure := Do(context.Background(), e, "job-1", op)
	if failure == nil || failure.Kind != classify.KindCircuitOpen {
		t.Fatalf("failure = %v, want circuit_open", failure)
	}
	if !errors.Is(failure, ErrCircuitOpen) {
		t.Error("circuit failure should wrap ErrCircuitOpen")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2: rejected attempt must not invoke the operation", calls)
	}
}

func TestDoHalfOpenTrialRecovers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.ResetTimeout = 50 * time.Millisecond
	e, _ := newTestExecutor(t, cfg)

	op := func(ctx context.Context) (int, error) {
		return 0, context.DeadlineExceeded
	}
	Do(context.Background(), e, "job-1", op)
	if snap := e.BreakerSnapshot("job-1"); snap.Phase != circuit.PhaseOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(60 * time.Millisecond)

	value, failure := Do(context.Background(), e, "job-1", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if failure != nil {
		t.Fatalf("trial attempt failed: %v", failure)
	}
	if value != 42 {
		t.Errorf("value = %d, want 42", value)
	}

	snap := e.BreakerSnapshot("job-1")
	if snap.Phase != circuit.PhaseClosed {
		t.Errorf("phase = %s, want closed after successful trial", snap.Phase)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d, want 0", snap.ConsecutiveFailures)
	}
}

func TestDoContextCanceledDuringBackoff(t *testing.T) {
	cfg := testConfig()
	e, err := NewExecutor(cfg) // real sleep
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, failure := Do(ctx, e, "job-1", func(ctx context.Context) (int, error) {
		return 0, context.DeadlineExceeded
	})
	if failure == nil {
		t.Fatal("expected failure after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("backoff did not cancel promptly, took %v", elapsed)
	}
}

func TestDoKeysDoNotInterfere(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.Breaker.FailureThreshold = 1
	e, _ := newTestExecutor(t, cfg)

	Do(context.Background(), e, "job-a", func(ctx context.Context) (int, error) {
		return 0, context.DeadlineExceeded
	})

	value, failure := Do(context.Background(), e, "job-b", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	if failure != nil {
		t.Fatalf("job-b failed: %v", failure)
	}
	if value != 7 {
		t.Errorf("value = %d, want 7", value)
	}
}

func TestDoConcurrentSameKey(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	e, err := NewExecutor(cfg)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			Do(context.Background(), e, "shared", func(ctx context.Context) (int, error) {
				if n%2 == 0 {
					return 0, context.DeadlineExceeded
				}
				return n, nil
			})
		}(i)
	}
	wg.Wait()

	if st := e.StateFor("shared"); st.Attempt > cfg.MaxRetries {
		t.Errorf("attempt = %d exceeds max retries %d", st.Attempt, cfg.MaxRetries)
	}
}

func TestResetStateAndBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.Breaker.FailureThreshold = 1
	e, _ := newTestExecutor(t, cfg)

	Do(context.Background(), e, "job-1", func(ctx context.Context) (int, error) {
		return 0, context.DeadlineExceeded
	})

	e.ResetState("job-1")
	e.ResetBreaker("job-1")

	if st := e.StateFor("job-1"); st.Attempt != 0 || st.LastFailure != nil {
		t.Errorf("state after reset = %+v, want zero", st)
	}
	if snap := e.BreakerSnapshot("job-1"); snap.Phase != circuit.PhaseClosed {
		t.Errorf("phase after reset = %s, want closed", snap.Phase)
	}
}

func TestNewExecutorRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative max retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero initial delay", func(c *Config) { c.InitialDelay = 0 }},
		{"max below initial", func(c *Config) { c.MaxDelay = c.InitialDelay / 2 }},
		{"multiplier below one", func(c *Config) { c.BackoffMultiplier = 0.5 }},
		{"zero threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"zero reset timeout", func(c *Config) { c.Breaker.ResetTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := NewExecutor(cfg); err == nil {
				t.Error("NewExecutor accepted invalid config")
			}
		})
	}
}

func TestGetStats(t *testing.T) {
	e, _ := newTestExecutor(t, testConfig())

	Do(context.Background(), e, "job-1", func(ctx context.Context) (int, error) {
		return 1, nil
	})
	Do(context.Background(), e, "job-1", func(ctx context.Context) (int, error) {
		return 0, &statusErr{code: 400}
	})

	stats := e.GetStats()
	if stats.Successes != 1 {
		t.Errorf("Successes = %d, want 1", stats.Successes)
	}
	if stats.Failures != 1 {
		t.Errorf("Failures = %d, want 1", stats.Failures)
	}
	if stats.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", stats.Attempts)
	}
}
