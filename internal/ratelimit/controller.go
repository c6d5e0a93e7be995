// Package ratelimit tracks provider throttling and turns it into wait times,
// retry delays and a recommended execution strategy for the batch executor.
package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/translateq/internal/metrics"
)

// Config holds controller tuning.
type Config struct {
	InitialBatchSize  int           // parallel batch size before any throttling
	CoolDownBase      time.Duration // base wait after a throttle event
	ClearAfter        time.Duration // quiet period before throttled clears
	MaxMultiplier     float64
	ThrottleStep      float64 // multiplier growth per throttle event
	DecayStep         float64 // multiplier decay per success
	RetryBase         time.Duration
	JitterMax         time.Duration
	MaxRetries        int
	RequestsPerMinute int // outbound pacing; 0 disables
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		InitialBatchSize: 5,
		CoolDownBase:     2 * time.Second,
		ClearAfter:       30 * time.Second,
		MaxMultiplier:    8.0,
		ThrottleStep:     1.5,
		DecayStep:        0.8,
		RetryBase:        time.Second,
		JitterMax:        500 * time.Millisecond,
		MaxRetries:       3,
	}
}

// Mode is the execution strategy family.
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
	ModeOneAtATime Mode = "one_at_a_time"
)

// Strategy is a recommendation for how the next chunk should run.
type Strategy struct {
	Mode Mode `json:"mode"`
	Size int  `json:"size"`
}

func Parallel(n int) Strategy { return Strategy{Mode: ModeParallel, Size: n} }

var (
	Sequential = Strategy{Mode: ModeSequential, Size: 1}
	OneAtATime = Strategy{Mode: ModeOneAtATime, Size: 1}
)

// State is a consistent snapshot of the controller.
type State struct {
	Throttled                 bool       `json:"throttled"`
	ConsecutiveThrottleEvents int        `json:"consecutiveThrottleEvents"`
	TotalThrottleEvents       int        `json:"totalThrottleEvents"`
	LastThrottleAt            *time.Time `json:"lastThrottleAt,omitempty"`
	BackoffMultiplier         float64    `json:"backoffMultiplier"`
	BatchSize                 int        `json:"batchSize"`
	Strategy                  Strategy   `json:"strategy"`
}

// Controller is the process-wide throttle tracker. It is safe for concurrent use.
type Controller struct {
	cfg     Config
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	limiter *rate.Limiter

	mu             sync.Mutex
	throttled      bool
	everThrottled  bool
	consecutive    int
	total          int
	lastThrottleAt time.Time
	multiplier     float64
	batchSize      int
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSleep replaces the context-aware sleep used by Wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// New creates a Controller. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.InitialBatchSize <= 0 {
		cfg.InitialBatchSize = def.InitialBatchSize
	}
	if cfg.CoolDownBase <= 0 {
		cfg.CoolDownBase = def.CoolDownBase
	}
	if cfg.ClearAfter <= 0 {
		cfg.ClearAfter = def.ClearAfter
	}
	if cfg.MaxMultiplier < 1 {
		cfg.MaxMultiplier = def.MaxMultiplier
	}
	if cfg.ThrottleStep <= 1 {
		cfg.ThrottleStep = def.ThrottleStep
	}
	if cfg.DecayStep <= 0 || cfg.DecayStep >= 1 {
		cfg.DecayStep = def.DecayStep
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.JitterMax < 0 {
		cfg.JitterMax = 0
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	c := &Controller{
		cfg:        cfg,
		now:        time.Now,
		sleep:      Sleep,
		multiplier: 1.0,
		batchSize:  cfg.InitialBatchSize,
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	metrics.BackoffMultiplier.Set(c.multiplier)
	metrics.BatchSize.Set(float64(c.batchSize))
	return c
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// ShouldWaitBeforeCall returns how long a caller must hold off before the
// next outbound call. It is zero when not throttled.
func (c *Controller) ShouldWaitBeforeCall() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitLocked(c.now())
}

func (c *Controller) waitLocked(now time.Time) time.Duration {
	if !c.throttled {
		return 0
	}
	window := time.Duration(float64(c.cfg.CoolDownBase) * c.multiplier)
	remaining := window - now.Sub(c.lastThrottleAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordThrottleEvent registers a provider throttle signal.
func (c *Controller) RecordThrottleEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttled = true
	c.everThrottled = true
	c.consecutive++
	c.total++
	c.lastThrottleAt = c.now()
	c.multiplier = math.Min(c.multiplier*c.cfg.ThrottleStep, c.cfg.MaxMultiplier)
	c.batchSize = 1

	metrics.ThrottleEvents.Inc()
	metrics.BackoffMultiplier.Set(c.multiplier)
	metrics.BatchSize.Set(1)
}

// RecordSuccess decays the backoff multiplier and clears the throttled flag
// once the quiet period has elapsed.
func (c *Controller) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordSuccessLocked()
}

func (c *Controller) recordSuccessLocked() {
	c.multiplier = math.Max(1.0, c.multiplier*c.cfg.DecayStep)
	c.consecutive = 0
	if c.throttled && c.now().Sub(c.lastThrottleAt) > c.cfg.ClearAfter {
		c.throttled = false
	}
	metrics.BackoffMultiplier.Set(c.multiplier)
}

// RecordBatchSuccess marks a chunk that finished without any throttle
// signal. Once throttling has cleared the batch size ramps up by one.
func (c *Controller) RecordBatchSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordSuccessLocked()
	if !c.throttled && c.batchSize < c.cfg.InitialBatchSize {
		c.batchSize++
		metrics.BatchSize.Set(float64(c.batchSize))
	}
}

// RecommendConcurrency maps the current state onto an execution strategy.
func (c *Controller) RecommendConcurrency() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategyLocked()
}

func (c *Controller) strategyLocked() Strategy {
	switch {
	case !c.everThrottled:
		return Parallel(c.cfg.InitialBatchSize)
	case c.throttled:
		return OneAtATime
	case c.batchSize <= 1:
		return Sequential
	default:
		return Parallel(c.batchSize)
	}
}

// Multiplier returns the current backoff multiplier.
func (c *Controller) Multiplier() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.multiplier
}

// Throttled reports whether the provider is currently considered throttled.
func (c *Controller) Throttled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.throttled
}

// RetryDelay returns base * 2^retryCount * multiplier plus jitter.
func (c *Controller) RetryDelay(retryCount int) time.Duration {
	c.mu.Lock()
	m := c.multiplier
	c.mu.Unlock()

	d := float64(c.cfg.RetryBase) * math.Pow(2, float64(retryCount)) * m
	if c.cfg.JitterMax > 0 {
		d += rand.Float64() * float64(c.cfg.JitterMax) //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d)
}

// MaxRetries is the retry budget for a single call.
func (c *Controller) MaxRetries() int { return c.cfg.MaxRetries }

// Wait blocks until an outbound call may proceed: first the throttle
// cool-down, then the pacing limiter when one is configured.
func (c *Controller) Wait(ctx context.Context) error {
	if d := c.ShouldWaitBeforeCall(); d > 0 {
		if err := c.sleep(ctx, d); err != nil {
			return err
		}
	}
	if c.limiter != nil {
		return c.limiter.Wait(ctx)
	}
	return nil
}

// Snapshot returns the controller state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{
		Throttled:                 c.throttled,
		ConsecutiveThrottleEvents: c.consecutive,
		TotalThrottleEvents:       c.total,
		BackoffMultiplier:         c.multiplier,
		BatchSize:                 c.batchSize,
		Strategy:                  c.strategyLocked(),
	}
	if !c.lastThrottleAt.IsZero() {
		t := c.lastThrottleAt
		s.LastThrottleAt = &t
	}
	return s
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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
