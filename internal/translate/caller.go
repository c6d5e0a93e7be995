package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/translateq/internal/metrics"
)

// Limiter is the part of the rate-limit controller a Caller consults.
type Limiter interface {
	Wait(ctx context.Context) error
	RetryDelay(retryCount int) time.Duration
	MaxRetries() int
	RecordThrottleEvent()
}

// Caller invokes a Translator with per-call timeouts and bounded retries.
type Caller struct {
	translator  Translator
	limiter     Limiter
	callTimeout time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

// CallerOption configures a Caller.
type CallerOption func(*Caller)

// WithCallerSleep replaces the sleep used between retries.
func WithCallerSleep(sleep func(ctx context.Context, d time.Duration) error) CallerOption {
	return func(c *Caller) { c.sleep = sleep }
}

// WithCallerLogger sets the logger.
func WithCallerLogger(l *slog.Logger) CallerOption {
	return func(c *Caller) { c.logger = l }
}

// DefaultCallTimeout bounds one outbound call.
const DefaultCallTimeout = 60 * time.Second

// NewCaller creates a Caller. A zero callTimeout uses DefaultCallTimeout.
func NewCaller(t Translator, l Limiter, callTimeout time.Duration, opts ...CallerOption) *Caller {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	c := &Caller{
		translator:  t,
		limiter:     l,
		callTimeout: callTimeout,
		sleep:       sleepCtx,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Translate retries transient failures and throttle signals until the retry
// budget is spent. Each throttle signal is recorded on the limiter.
func (c *Caller) Translate(ctx context.Context, text, lang string, tc Context) (string, error) {
	return c.call(ctx, text, lang, tc, false)
}

// TryTranslate is Translate for parallel execution: a throttle signal is
// returned to the caller immediately instead of being retried.
func (c *Caller) TryTranslate(ctx context.Context, text, lang string, tc Context) (string, error) {
	return c.call(ctx, text, lang, tc, true)
}

func (c *Caller) call(ctx context.Context, text, lang string, tc Context, failFastOnThrottle bool) (string, error) {
	maxRetries := c.limiter.MaxRetries()
	for retries := 0; ; retries++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
		out, err := c.attempt(ctx, text, lang, tc)
		if err == nil {
			metrics.TranslateCallsTotal.WithLabelValues("ok").Inc()
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		switch {
		case IsThrottled(err):
			metrics.TranslateCallsTotal.WithLabelValues("throttled").Inc()
			if failFastOnThrottle {
				return "", err
			}
			c.limiter.RecordThrottleEvent()
			if retries >= maxRetries {
				return "", NewFatalError(fmt.Sprintf("still throttled after %d retries", retries), err)
			}
			c.logger.Warn("translate call throttled, backing off",
				"entity_id", tc.EntityID, "field", tc.Field, "language", lang, "retry", retries+1)
			if ra, ok := RetryAfter(err); ok {
				if err := c.sleep(ctx, ra); err != nil {
					return "", err
				}
			}
		case IsTransient(err):
			metrics.TranslateCallsTotal.WithLabelValues("transient").Inc()
			if retries >= maxRetries {
				return "", NewFatalError(fmt.Sprintf("giving up after %d retries", retries), err)
			}
			delay := c.limiter.RetryDelay(retries)
			c.logger.Debug("translate call failed, retrying",
				"entity_id", tc.EntityID, "field", tc.Field, "language", lang, "retry", retries+1, "delay", delay, "error", err)
			if err := c.sleep(ctx, delay); err != nil {
				return "", err
			}
		default:
			metrics.TranslateCallsTotal.WithLabelValues("fatal").Inc()
			return "", asFatal(err)
		}
	}
}

func (c *Caller) attempt(ctx context.Context, text, lang string, tc Context) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	start := time.Now()
	out, err := c.translator.TranslateUnit(callCtx, text, lang, tc)
	metrics.TranslateCallSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", NewFatalError(fmt.Sprintf("translate call timed out after %s", c.callTimeout), err)
		}
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", NewTransientError("empty translation returned", nil)
	}
	return out, nil
}

func asFatal(err error) error {
	var ce *CallError
	if errors.As(err, &ce) && ce.Class == ClassFatal {
		return err
	}
	return NewFatalError("translate failed", err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
