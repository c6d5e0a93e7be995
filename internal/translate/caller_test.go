package translate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeLimiter struct {
	mu         sync.Mutex
	maxRetries int
	throttles  int
	waits      int
}

func (f *fakeLimiter) Wait(ctx context.Context) error {
	f.mu.Lock()
	f.waits++
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeLimiter) RetryDelay(int) time.Duration { return time.Millisecond }
func (f *fakeLimiter) MaxRetries() int              { return f.maxRetries }

func (f *fakeLimiter) RecordThrottleEvent() {
	f.mu.Lock()
	f.throttles++
	f.mu.Unlock()
}

// scripted returns the queued errors in order, then succeeds.
func scripted(errs ...error) (Translator, *int) {
	var mu sync.Mutex
	calls := 0
	return TranslatorFunc(func(ctx context.Context, text, lang string, _ Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= len(errs) {
			return "", errs[calls-1]
		}
		return lang + ":" + text, nil
	}), &calls
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestCallerRetriesTransientErrors(t *testing.T) {
	tr, calls := scripted(NewTransientError("502", nil), NewTransientError("bad json", nil))
	lim := &fakeLimiter{maxRetries: 3}
	c := NewCaller(tr, lim, time.Second, WithCallerSleep(noSleep))

	out, err := c.Translate(context.Background(), "hello", "es", Context{})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if out != "es:hello" {
		t.Errorf("out = %q", out)
	}
	if *calls != 3 {
		t.Errorf("calls = %d, want 3", *calls)
	}
	if lim.waits != 3 {
		t.Errorf("limiter waits = %d, want one per attempt", lim.waits)
	}
}

func TestCallerGivesUpAfterRetryBudget(t *testing.T) {
	tr, calls := scripted(
		NewTransientError("malformed", nil),
		NewTransientError("malformed", nil),
		NewTransientError("malformed", nil),
	)
	c := NewCaller(tr, &fakeLimiter{maxRetries: 2}, time.Second, WithCallerSleep(noSleep))

	_, err := c.Translate(context.Background(), "hello", "es", Context{})
	if !IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
	if *calls != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", *calls)
	}
}

func TestCallerFatalErrorIsNotRetried(t *testing.T) {
	tr, calls := scripted(NewFatalError("HTTP 400", nil))
	c := NewCaller(tr, &fakeLimiter{maxRetries: 5}, time.Second, WithCallerSleep(noSleep))

	_, err := c.Translate(context.Background(), "hello", "es", Context{})
	if !IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
	if *calls != 1 {
		t.Errorf("calls = %d, want 1", *calls)
	}
}

func TestCallerUnclassifiedErrorIsFatal(t *testing.T) {
	tr, _ := scripted(errors.New("boom"))
	c := NewCaller(tr, &fakeLimiter{maxRetries: 5}, time.Second, WithCallerSleep(noSleep))

	_, err := c.Translate(context.Background(), "hello", "es", Context{})
	if !IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
}

func TestCallerRecordsThrottleAndRetries(t *testing.T) {
	tr, calls := scripted(NewThrottledError("429", 0), NewThrottledError("429", 0))
	lim := &fakeLimiter{maxRetries: 3}
	c := NewCaller(tr, lim, time.Second, WithCallerSleep(noSleep))

	if _, err := c.Translate(context.Background(), "hello", "es", Context{}); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if lim.throttles != 2 {
		t.Errorf("throttles = %d, want 2", lim.throttles)
	}
	if *calls != 3 {
		t.Errorf("calls = %d, want 3", *calls)
	}
}

func TestTryTranslateReturnsThrottleImmediately(t *testing.T) {
	tr, calls := scripted(NewThrottledError("429", 0))
	lim := &fakeLimiter{maxRetries: 3}
	c := NewCaller(tr, lim, time.Second, WithCallerSleep(noSleep))

	_, err := c.TryTranslate(context.Background(), "hello", "es", Context{})
	if !IsThrottled(err) {
		t.Fatalf("err = %v, want throttled", err)
	}
	if lim.throttles != 0 {
		t.Errorf("throttles recorded = %d, want 0 (executor records)", lim.throttles)
	}
	if *calls != 1 {
		t.Errorf("calls = %d, want 1", *calls)
	}
}

func TestCallerTimeoutIsFatalNotThrottle(t *testing.T) {
	slow := TranslatorFunc(func(ctx context.Context, text, lang string, _ Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	lim := &fakeLimiter{maxRetries: 3}
	c := NewCaller(slow, lim, 20*time.Millisecond, WithCallerSleep(noSleep))

	_, err := c.Translate(context.Background(), "hello", "es", Context{})
	if !IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
	if IsThrottled(err) || lim.throttles != 0 {
		t.Errorf("timeout must not count as throttling (throttles = %d)", lim.throttles)
	}
}

func TestCallerEmptyOutputIsRetried(t *testing.T) {
	calls := 0
	tr := TranslatorFunc(func(ctx context.Context, text, lang string, _ Context) (string, error) {
		calls++
		if calls == 1 {
			return "  ", nil
		}
		return "hola", nil
	})
	c := NewCaller(tr, &fakeLimiter{maxRetries: 1}, time.Second, WithCallerSleep(noSleep))

	out, err := c.Translate(context.Background(), "hello", "es", Context{})
	if err != nil || out != "hola" {
		t.Fatalf("Translate = %q, %v", out, err)
	}
}

func TestCallerStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr, calls := scripted()
	c := NewCaller(tr, &fakeLimiter{maxRetries: 1}, time.Second)

	if _, err := c.Translate(ctx, "hello", "es", Context{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if *calls != 0 {
		t.Errorf("calls = %d, want 0", *calls)
	}
}

func TestEchoTranslator(t *testing.T) {
	out, err := EchoTranslator{}.TranslateUnit(context.Background(), "Hello", "ES", Context{})
	if err != nil || out != "[es] Hello" {
		t.Errorf("EchoTranslator = %q, %v", out, err)
	}
}
