package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/pollwatch/internal/resilience/classify"
)

func testFailure() *classify.Failure {
	return classify.New().Classify(errors.New("upstream broke"))
}

func sendValue(t *testing.T, src chan Event[int], v int) {
	t.Helper()
	select {
	case src <- Event[int]{Value: v}:
	case <-time.After(time.Second):
		t.Fatalf("sending value %d blocked", v)
	}
}

func sendError(t *testing.T, src chan Event[int], f *classify.Failure) {
	t.Helper()
	select {
	case src <- Event[int]{Err: f}:
	case <-time.After(time.Second):
		t.Fatal("sending error blocked")
	}
}

func recvEvent(t *testing.T, ch <-chan Event[int]) Event[int] {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("value channel closed early")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	return Event[int]{}
}

func drainEvents(t *testing.T, ch <-chan Event[int]) []Event[int] {
	t.Helper()
	var out []Event[int]
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatal("value channel never closed")
		}
	}
}

type lockedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *lockedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *lockedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func waitForWrapper(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

// A fallback-wrapped source that errors once then recovers must yield
// the fallback value in place of the error, with health dipping to
// degraded and back.
func TestWrapperFallbackValue(t *testing.T) {
	src := make(chan Event[int])
	w, err := Wrap(context.Background(), (<-chan Event[int])(src), Config[int]{
		Strategy:      StrategyFallback,
		FallbackValue: -1,
		HasFallback:   true,
	})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	sendValue(t, src, 1)
	sendError(t, src, testFailure())
	sendValue(t, src, 2)
	close(src)

	got := drainEvents(t, w.Values())
	want := []int{1, -1, 2}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i, ev := range got {
		if ev.Err != nil {
			t.Errorf("event %d propagated error %v", i, ev.Err)
		}
		if ev.Value != want[i] {
			t.Errorf("event %d = %d, want %d", i, ev.Value, want[i])
		}
	}

	var statuses []HealthStatus
	for u := range w.Health() {
		statuses = append(statuses, u.Status)
	}
	wantStatuses := []HealthStatus{StatusHealthy, StatusDegraded, StatusHealthy}
	if len(statuses) != len(wantStatuses) {
		t.Fatalf("got %d health updates, want %d", len(statuses), len(wantStatuses))
	}
	for i, s := range statuses {
		if s != wantStatuses[i] {
			t.Errorf("health %d = %q, want %q", i, s, wantStatuses[i])
		}
	}
}

func TestWrapperFallbackLastKnownGood(t *testing.T) {
	src := make(chan Event[int])
	w, err := Wrap(context.Background(), (<-chan Event[int])(src), Config[int]{
		Strategy:         StrategyFallback,
		UseLastKnownGood: true,
	})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	// No value seen yet, so the first error degrades to a heartbeat.
	sendError(t, src, testFailure())
	if ev := recvEvent(t, w.Values()); !ev.Heartbeat {
		t.Errorf("first event = %+v, want heartbeat", ev)
	}

	sendValue(t, src, 7)
	if ev := recvEvent(t, w.Values()); ev.Value != 7 {
		t.Errorf("value = %d, want 7", ev.Value)
	}

	sendError(t, src, testFailure())
	if ev := recvEvent(t, w.Values()); ev.Value != 7 || ev.Err != nil {
		t.Errorf("fallback event = %+v, want last known-good 7", ev)
	}
	close(src)

	stats := w.GetStats()
	if stats.FallbacksEmitted != 1 {
		t.Errorf("FallbacksEmitted = %d, want 1", stats.FallbacksEmitted)
	}
	if stats.Heartbeats != 1 {
		t.Errorf("Heartbeats = %d, want 1", stats.Heartbeats)
	}
}

func TestWrapperRetryReestablishes(t *testing.T) {
	src1 := make(chan Event[int])
	src2 := make(chan Event[int])

	var delays []time.Duration
	w, err := Wrap(context.Background(), (<-chan Event[int])(src1), Config[int]{
		Strategy:         StrategyRetry,
		MaxReestablish:   3,
		ReestablishDelay: 50 * time.Millisecond,
		Restart: func(ctx context.Context) (<-chan Event[int], error) {
			return src2, nil
		},
	}, WithSleep[int](func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	sendValue(t, src1, 1)
	sendError(t, src1, testFailure())
	// The wrapper now reads from src2; src1 is abandoned.
	sendValue(t, src2, 2)
	close(src2)

	got := drainEvents(t, w.Values())
	if len(got) != 2 || got[0].Value != 1 || got[1].Value != 2 {
		t.Fatalf("events = %+v, want values 1, 2", got)
	}

	if len(delays) != 1 || delays[0] != 50*time.Millisecond {
		t.Errorf("backoff delays = %v, want [50ms]", delays)
	}
	stats := w.GetStats()
	if stats.Reestablishments != 1 {
		t.Errorf("Reestablishments = %d, want 1", stats.Reestablishments)
	}
}

func TestWrapperRetryEscalatesToFallback(t *testing.T) {
	srcs := make(chan chan Event[int], 4)
	first := make(chan Event[int])
	srcs <- first

	w, err := Wrap(context.Background(), (<-chan Event[int])(first), Config[int]{
		Strategy:         StrategyRetry,
		MaxReestablish:   1,
		ReestablishDelay: time.Millisecond,
		FallbackValue:    -1,
		HasFallback:      true,
		Restart: func(ctx context.Context) (<-chan Event[int], error) {
			next := make(chan Event[int])
			srcs <- next
			return next, nil
		},
	}, WithSleep[int](func(ctx context.Context, d time.Duration) error {
		return nil
	}))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	sendError(t, first, testFailure())

	// Budget of one is now spent; the next error escalates.
	<-srcs
	second := <-srcs
	sendError(t, second, testFailure())

	if ev := recvEvent(t, w.Values()); ev.Value != -1 || ev.Err != nil {
		t.Errorf("escalated event = %+v, want fallback -1", ev)
	}
	close(second)
	drainEvents(t, w.Values())

	stats := w.GetStats()
	if stats.Reestablishments != 1 {
		t.Errorf("Reestablishments = %d, want 1", stats.Reestablishments)
	}
	if stats.Escalations != 1 {
		t.Errorf("Escalations = %d, want 1", stats.Escalations)
	}
	if stats.FallbacksEmitted != 1 {
		t.Errorf("FallbacksEmitted = %d, want 1", stats.FallbacksEmitted)
	}
}

func TestWrapperBufferSuppressesErrors(t *testing.T) {
	src := make(chan Event[int])
	w, err := Wrap(context.Background(), (<-chan Event[int])(src), Config[int]{
		Strategy:       StrategyBuffer,
		BufferCapacity: 8,
	})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	sendValue(t, src, 1)
	sendError(t, src, testFailure())
	sendValue(t, src, 2)
	sendValue(t, src, 3)
	close(src)

	got := drainEvents(t, w.Values())
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i, ev := range got {
		if ev.Err != nil || ev.Value != want[i] {
			t.Errorf("event %d = %+v, want value %d", i, ev, want[i])
		}
	}
}

func TestWrapperBufferDropsOldest(t *testing.T) {
	src := make(chan Event[int])
	w, err := Wrap(context.Background(), (<-chan Event[int])(src), Config[int]{
		Strategy:       StrategyBuffer,
		BufferCapacity: 2,
	})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	// Do not consume: the first sends fill the value channel, the rest
	// queue in the buffer where only the newest two survive.
	total := valueBufferSize + 4
	for i := 1; i <= total; i++ {
		sendValue(t, src, i)
	}
	waitForWrapper(t, func() bool {
		return w.GetStats().Values == uint64(total)
	}, "wrapper never processed all values")
	close(src)

	got := drainEvents(t, w.Values())
	want := valueBufferSize + 2
	if len(got) != want {
		t.Fatalf("got %d events, want %d", len(got), want)
	}
	for i := 0; i < valueBufferSize; i++ {
		if got[i].Value != i+1 {
			t.Errorf("event %d = %d, want %d", i, got[i].Value, i+1)
		}
	}
	// The two survivors are the newest queued values.
	if got[want-2].Value != total-1 || got[want-1].Value != total {
		t.Errorf("buffered tail = %d, %d, want %d, %d",
			got[want-2].Value, got[want-1].Value, total-1, total)
	}

	stats := w.GetStats()
	if stats.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", stats.Dropped)
	}
}

func TestWrapperCircuitBreakCooldown(t *testing.T) {
	clock := &lockedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	src := make(chan Event[int])
	w, err := Wrap(context.Background(), (<-chan Event[int])(src), Config[int]{
		Strategy:       StrategyCircuitBreak,
		ErrorThreshold: 2,
		Cooldown:       time.Minute,
	}, WithClock[int](clock.Now))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	// Below the threshold errors pass through to the consumer.
	sendError(t, src, testFailure())
	if ev := recvEvent(t, w.Values()); ev.Err == nil {
		t.Error("first error was not forwarded")
	}
	sendError(t, src, testFailure())
	if ev := recvEvent(t, w.Values()); ev.Err == nil {
		t.Error("second error was not forwarded")
	}

	// The third consecutive error opens the cool-down window.
	sendError(t, src, testFailure())
	sendValue(t, src, 1)
	waitForWrapper(t, func() bool {
		return w.GetStats().Suppressed >= 1
	}, "value during cooldown was not suppressed")

	// After the window passes, values flow again.
	clock.Advance(2 * time.Minute)
	sendValue(t, src, 2)
	if ev := recvEvent(t, w.Values()); ev.Value != 2 || ev.Err != nil {
		t.Errorf("post-cooldown event = %+v, want value 2", ev)
	}
	close(src)

	stats := w.GetStats()
	if stats.CooldownsEntered != 1 {
		t.Errorf("CooldownsEntered = %d, want 1", stats.CooldownsEntered)
	}
}

func TestWrapperDegradeEmitsHeartbeats(t *testing.T) {
	src := make(chan Event[int])
	w, err := Wrap(context.Background(), (<-chan Event[int])(src), Config[int]{
		Strategy: StrategyDegrade,
	})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	sendValue(t, src, 1)
	sendError(t, src, testFailure())
	sendValue(t, src, 2)
	close(src)

	got := drainEvents(t, w.Values())
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].Value != 1 || got[0].Heartbeat {
		t.Errorf("event 0 = %+v, want value 1", got[0])
	}
	if !got[1].Heartbeat || got[1].Err != nil {
		t.Errorf("event 1 = %+v, want heartbeat without error", got[1])
	}
	if got[2].Value != 2 {
		t.Errorf("event 2 = %+v, want value 2", got[2])
	}
}

func TestWrapperHealthUnhealthyThreshold(t *testing.T) {
	src := make(chan Event[int])
	w, err := Wrap(context.Background(), (<-chan Event[int])(src), Config[int]{
		Strategy:           StrategyDegrade,
		UnhealthyThreshold: 2,
	})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	f := testFailure()
	for i := 0; i < 3; i++ {
		sendError(t, src, f)
		recvEvent(t, w.Values())
	}

	h := w.CurrentHealth()
	if h.Status != StatusUnhealthy {
		t.Errorf("status = %q, want %q", h.Status, StatusUnhealthy)
	}
	if h.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", h.ConsecutiveFailures)
	}
	if h.LastError == nil {
		t.Error("LastError is nil after failures")
	}

	w.ResetState()
	h = w.CurrentHealth()
	if h.Status != StatusHealthy || h.ConsecutiveFailures != 0 {
		t.Errorf("after reset health = %+v, want healthy with zero failures", h)
	}
	close(src)
}

func TestWrapperClosesOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := make(chan Event[int])
	w, err := Wrap(ctx, (<-chan Event[int])(src), Config[int]{
		Strategy: StrategyDegrade,
	})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	cancel()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("wrapper did not shut down on cancel")
	}
	if _, ok := <-w.Values(); ok {
		t.Error("value channel still open after shutdown")
	}
}

func TestWrapRejectsMissingSource(t *testing.T) {
	_, err := Wrap(context.Background(), nil, Config[int]{Strategy: StrategyDegrade})
	if err == nil {
		t.Fatal("Wrap accepted a nil source")
	}
}
