// Package executor runs the work-units of one job against the translation
// provider, adapting its concurrency to the rate-limit controller between chunks.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/user/translateq/internal/metrics"
	"github.com/user/translateq/internal/observability"
	"github.com/user/translateq/internal/ratelimit"
	"github.com/user/translateq/internal/translate"
)

// Field is one source string of a work-unit.
type Field struct {
	Name string
	Text string
}

// WorkUnit is the smallest independently translatable item of a job.
type WorkUnit struct {
	ID                string
	Kind              string
	EntityID          string
	SourceLanguage    string
	Language          string
	Fields            []Field
	AlreadyTranslated bool
}

// Result is the outcome of one work-unit.
type Result struct {
	UnitID   string
	EntityID string
	Language string
	Fields   map[string]string
	Skipped  bool
}

// ProgressSink receives (done, total) after every chunk.
type ProgressSink interface {
	Progress(done, total int, message string)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(done, total int, message string)

func (f ProgressFunc) Progress(done, total int, message string) { f(done, total, message) }

// Caller performs single translation calls.
type Caller interface {
	Translate(ctx context.Context, text, lang string, tc translate.Context) (string, error)
	TryTranslate(ctx context.Context, text, lang string, tc translate.Context) (string, error)
}

// Controller is the view of the rate-limit controller the executor needs.
type Controller interface {
	RecommendConcurrency() ratelimit.Strategy
	RecordThrottleEvent()
	RecordBatchSuccess()
	Multiplier() float64
	Snapshot() ratelimit.State
}

// Config holds executor tuning.
type Config struct {
	InterCallDelay time.Duration // base delay between sequential calls, scaled by the backoff multiplier
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{InterCallDelay: 250 * time.Millisecond}
}

// Stats describes one Execute run.
type Stats struct {
	Units          int `json:"units"`
	Skipped        int `json:"skipped"`
	Chunks         int `json:"chunks"`
	ThrottleEvents int `json:"throttleEvents"`
	Fallbacks      int `json:"fallbacks"`
}

// Executor runs work-units for one job at a time.
type Executor struct {
	caller Caller
	ctrl   Controller
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithSleep replaces the sleep used for inter-call delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// New creates an Executor. A negative InterCallDelay disables the delay.
func New(caller Caller, ctrl Controller, cfg Config, opts ...Option) *Executor {
	if cfg.InterCallDelay == 0 {
		cfg.InterCallDelay = DefaultConfig().InterCallDelay
	}
	if cfg.InterCallDelay < 0 {
		cfg.InterCallDelay = 0
	}
	e := &Executor{
		caller: caller,
		ctrl:   ctrl,
		cfg:    cfg,
		logger: slog.Default(),
		sleep:  ratelimit.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute translates every unit and returns one Result per unit in input order.
// Any fatal failure aborts the run and no results are returned.
func (e *Executor) Execute(ctx context.Context, units []WorkUnit, sink ProgressSink) ([]Result, error) {
	results, _, err := e.ExecuteWithStats(ctx, units, sink)
	return results, err
}

// run holds per-Execute state.
type run struct {
	e        *Executor
	sink     ProgressSink
	results  []Result
	total    int
	done     int
	calls    int
	stats    Stats
	seqDelay bool
}

// ExecuteWithStats is Execute plus counters about how the run went.
func (e *Executor) ExecuteWithStats(ctx context.Context, units []WorkUnit, sink ProgressSink) ([]Result, Stats, error) {
	r := &run{
		e:       e,
		sink:    sink,
		results: make([]Result, len(units)),
		total:   len(units),
	}
	r.stats.Units = len(units)
	throttlesBefore := e.ctrl.Snapshot().TotalThrottleEvents

	var pending []int
	for i, u := range units {
		if u.AlreadyTranslated {
			r.results[i] = Result{UnitID: u.ID, EntityID: u.EntityID, Language: u.Language, Skipped: true}
			r.done++
			r.stats.Skipped++
			continue
		}
		pending = append(pending, i)
	}
	if r.stats.Skipped > 0 {
		r.report(fmt.Sprintf("skipped %d already translated", r.stats.Skipped))
	}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, r.stats, err
		}
		strategy := e.ctrl.RecommendConcurrency()
		size := strategy.Size
		if size < 1 {
			size = 1
		}
		if size > len(pending) {
			size = len(pending)
		}
		chunk := pending[:size]
		pending = pending[size:]

		if err := r.runChunk(ctx, strategy, units, chunk); err != nil {
			r.stats.ThrottleEvents = e.ctrl.Snapshot().TotalThrottleEvents - throttlesBefore
			return nil, r.stats, err
		}
	}

	r.stats.ThrottleEvents = e.ctrl.Snapshot().TotalThrottleEvents - throttlesBefore
	return r.results, r.stats, nil
}

func (r *run) runChunk(ctx context.Context, strategy ratelimit.Strategy, units []WorkUnit, chunk []int) (err error) {
	r.stats.Chunks++
	ctx, span := observability.StartSpan(ctx, "executor.chunk",
		attribute.String("strategy.mode", string(strategy.Mode)),
		attribute.Int("chunk.size", len(chunk)),
	)
	defer func() { observability.EndSpan(span, err) }()

	throttlesBefore := r.e.ctrl.Snapshot().TotalThrottleEvents

	if strategy.Mode == ratelimit.ModeParallel && len(chunk) > 1 {
		err = r.runParallel(ctx, strategy.Size, units, chunk)
	} else {
		err = r.runSequential(ctx, units, chunk)
	}
	if err != nil {
		return err
	}

	// A chunk counts as clean only when nothing in it was throttled.
	if r.e.ctrl.Snapshot().TotalThrottleEvents == throttlesBefore {
		r.e.ctrl.RecordBatchSuccess()
	}
	r.done += len(chunk)
	r.report(fmt.Sprintf("translated %d of %d", r.done, r.total))
	return nil
}

func (r *run) runParallel(ctx context.Context, limit int, units []WorkUnit, chunk []int) error {
	finished := make([]bool, len(chunk))
	out := make([]Result, len(chunk))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for k, idx := range chunk {
		k, idx := k, idx
		g.Go(func() error {
			res, err := r.e.translateUnit(gctx, units[idx], true)
			if err != nil {
				return err
			}
			out[k] = res
			finished[k] = true
			return nil
		})
	}
	r.calls += len(chunk)
	err := g.Wait()

	for k, idx := range chunk {
		if finished[k] {
			r.results[idx] = out[k]
		}
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !translate.IsThrottled(err) {
		return err
	}

	r.e.ctrl.RecordThrottleEvent()
	r.stats.Fallbacks++
	metrics.ParallelFallbacks.Inc()

	var rest []int
	for k, idx := range chunk {
		if !finished[k] {
			rest = append(rest, idx)
		}
	}
	r.e.logger.Warn("parallel chunk throttled, finishing sequentially",
		"chunk_size", len(chunk), "remaining", len(rest), "multiplier", r.e.ctrl.Multiplier())
	return r.runSequential(ctx, units, rest)
}

func (r *run) runSequential(ctx context.Context, units []WorkUnit, idxs []int) error {
	for _, idx := range idxs {
		if r.calls > 0 && r.e.cfg.InterCallDelay > 0 {
			delay := time.Duration(float64(r.e.cfg.InterCallDelay) * r.e.ctrl.Multiplier())
			if err := r.e.sleep(ctx, delay); err != nil {
				return err
			}
		}
		r.calls++
		res, err := r.e.translateUnit(ctx, units[idx], false)
		if err != nil {
			return err
		}
		r.results[idx] = res
	}
	return nil
}

func (r *run) report(msg string) {
	if r.sink != nil {
		r.sink.Progress(r.done, r.total, msg)
	}
}

// translateUnit translates every field of u. With failFast a throttle signal
// is returned as is so the parallel chunk can fall back.
func (e *Executor) translateUnit(ctx context.Context, u WorkUnit, failFast bool) (Result, error) {
	res := Result{
		UnitID:   u.ID,
		EntityID: u.EntityID,
		Language: u.Language,
		Fields:   make(map[string]string, len(u.Fields)),
	}
	for _, f := range u.Fields {
		tc := translate.Context{Kind: u.Kind, EntityID: u.EntityID, Field: f.Name, SourceLanguage: u.SourceLanguage}
		var (
			out string
			err error
		)
		if failFast {
			out, err = e.caller.TryTranslate(ctx, f.Text, u.Language, tc)
		} else {
			out, err = e.caller.Translate(ctx, f.Text, u.Language, tc)
		}
		if err != nil {
			if translate.IsThrottled(err) || ctx.Err() != nil {
				return Result{}, err
			}
			return Result{}, fmt.Errorf("unit %s (%s): %w", u.ID, f.Name, err)
		}
		res.Fields[f.Name] = out
	}
	return res, nil
}
