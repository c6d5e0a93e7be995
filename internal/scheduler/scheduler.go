// Package scheduler owns the pending queue, the in-flight slots and the
// admission loop that hands jobs to a Runner one at a time.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/translateq/internal/job"
	"github.com/user/translateq/internal/metrics"
	"github.com/user/translateq/internal/retention"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrCannotCancel = errors.New("job cannot be cancelled")
	ErrStopped      = errors.New("scheduler stopped")
)

// Config holds scheduler configuration.
type Config struct {
	MaxConcurrent      int           // jobs processed at once (default 1)
	IdlePoll           time.Duration // admission re-check cadence when idle
	AverageJobDuration time.Duration // ETA heuristic per job
	Retention          time.Duration // how long terminal records stay queryable
	SweepInterval      time.Duration // retention sweep cadence
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      1,
		IdlePoll:           1 * time.Second,
		AverageJobDuration: 2 * time.Minute,
		Retention:          1 * time.Hour,
		SweepInterval:      1 * time.Minute,
	}
}

// Runner executes one admitted job.
type Runner interface {
	Run(ctx context.Context, t job.Task, progress job.ProgressSink) (job.Outcome, error)
}

// Stats summarises the scheduler state.
type Stats struct {
	Pending              int   `json:"pending"`
	Processing           int   `json:"processing"`
	Completed            int   `json:"completed"`
	Failed               int   `json:"failed"`
	Cancelled            int   `json:"cancelled"`
	MaxConcurrent        int   `json:"maxConcurrent"`
	AverageJobDurationMs int64 `json:"averageJobDurationMs"`
}

// QueueView is the result of ListQueue.
type QueueView struct {
	Pending  []job.Snapshot `json:"pending"`
	InFlight []job.Snapshot `json:"inFlight"`
	Stats    Stats          `json:"stats"`
}

type completion struct {
	id      string
	outcome job.Outcome
	err     error
}

// Scheduler is the job queue. Its methods are safe for concurrent use; status
// transitions in and out of processing are made only by the admission loop.
type Scheduler struct {
	runner  Runner
	config  Config
	now     func() time.Time
	logger  *slog.Logger
	store   *retention.Store
	sweeper *retention.Sweeper

	mu        sync.Mutex
	pending   []*job.Job
	inFlight  []*job.Job
	cancelled int
	watchers  map[string][]chan job.Snapshot

	wake     chan struct{}
	done     chan completion
	stopCh   chan struct{}
	loopDone chan struct{}
	runCtx   context.Context
	cancel   context.CancelFunc
	jobs     sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler. Zero config fields take their defaults.
func New(runner Runner, config Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.IdlePoll <= 0 {
		config.IdlePoll = def.IdlePoll
	}
	if config.AverageJobDuration <= 0 {
		config.AverageJobDuration = def.AverageJobDuration
	}
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	s := &Scheduler{
		runner:   runner,
		config:   config,
		now:      time.Now,
		logger:   slog.Default(),
		watchers: make(map[string][]chan job.Snapshot),
		wake:     make(chan struct{}, 1),
		done:     make(chan completion, config.MaxConcurrent),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.store = retention.NewStore(config.Retention)
	s.sweeper = retention.NewSweeper(s.store, retention.Config{Interval: config.SweepInterval}, s.now, s.logger)
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.config }

// Submit decodes and validates a raw payload, then enqueues it.
func (s *Scheduler) Submit(kind job.Kind, raw json.RawMessage, priority job.Priority) (string, error) {
	p, err := job.Decode(kind, raw)
	if err != nil {
		return "", err
	}
	return s.Enqueue(kind, p, priority)
}

// Enqueue adds a validated payload to the pending queue and returns the job id.
// High jobs go after any High jobs already waiting and before every Normal job.
func (s *Scheduler) Enqueue(kind job.Kind, payload job.Payload, priority job.Priority) (string, error) {
	if payload == nil {
		return "", job.NewValidationError("payload", "is required")
	}
	if payload.Kind() != kind {
		return "", job.NewValidationError("kind", fmt.Sprintf("payload is %s, not %s", payload.Kind(), kind))
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}
	if priority == "" {
		priority = job.PriorityNormal
	}

	s.mu.Lock()
	select {
	case <-s.stopCh:
		s.mu.Unlock()
		return "", ErrStopped
	default:
	}
	j := job.New(payload, priority, s.now())
	if priority == job.PriorityHigh {
		i := 0
		for i < len(s.pending) && s.pending[i].Priority == job.PriorityHigh {
			i++
		}
		s.pending = append(s.pending, nil)
		copy(s.pending[i+1:], s.pending[i:])
		s.pending[i] = j
	} else {
		s.pending = append(s.pending, j)
	}
	metrics.QueueLength.Set(float64(len(s.pending)))
	s.mu.Unlock()

	metrics.JobsSubmittedTotal.WithLabelValues(string(kind), string(priority)).Inc()
	s.logger.Info("job enqueued", "job_id", j.ID, "kind", kind, "priority", priority, "total", j.Progress.Total)
	s.signal()
	return j.ID, nil
}

// GetStatus returns the current snapshot of a job.
func (s *Scheduler) GetStatus(id string) (job.Snapshot, error) {
	now := s.now()
	s.mu.Lock()
	for _, j := range s.inFlight {
		if j.ID == id {
			snap := j.Snapshot()
			s.mu.Unlock()
			return snap, nil
		}
	}
	for i, j := range s.pending {
		if j.ID == id {
			snap := s.pendingSnapshotLocked(j, i+1, now)
			s.mu.Unlock()
			return snap, nil
		}
	}
	s.mu.Unlock()

	if snap, ok := s.store.Get(id, now); ok {
		return snap, nil
	}
	return job.Snapshot{}, ErrNotFound
}

// ListQueue returns pending and in-flight jobs with positions and ETAs.
func (s *Scheduler) ListQueue() QueueView {
	now := s.now()
	counts := s.store.Counts(now)

	s.mu.Lock()
	defer s.mu.Unlock()
	view := QueueView{
		Pending:  make([]job.Snapshot, 0, len(s.pending)),
		InFlight: make([]job.Snapshot, 0, len(s.inFlight)),
		Stats: Stats{
			Pending:              len(s.pending),
			Processing:           len(s.inFlight),
			Completed:            counts[job.StatusCompleted],
			Failed:               counts[job.StatusFailed],
			Cancelled:            s.cancelled,
			MaxConcurrent:        s.config.MaxConcurrent,
			AverageJobDurationMs: s.config.AverageJobDuration.Milliseconds(),
		},
	}
	for i, j := range s.pending {
		view.Pending = append(view.Pending, s.pendingSnapshotLocked(j, i+1, now))
	}
	for _, j := range s.inFlight {
		view.InFlight = append(view.InFlight, j.Snapshot())
	}
	return view
}

// Cancel removes a queued job. Processing, completed and failed jobs cannot
// be cancelled.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	for i, j := range s.pending {
		if j.ID != id {
			continue
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		j.Cancel()
		s.cancelled++
		metrics.QueueLength.Set(float64(len(s.pending)))
		s.notifyLocked(j)
		s.closeWatchersLocked(id)
		s.mu.Unlock()

		metrics.JobsFinishedTotal.WithLabelValues(string(j.Kind), string(job.StatusCancelled)).Inc()
		s.logger.Info("job cancelled", "job_id", id)
		return nil
	}
	for _, j := range s.inFlight {
		if j.ID == id {
			s.mu.Unlock()
			return fmt.Errorf("%w: job %s is processing", ErrCannotCancel, id)
		}
	}
	s.mu.Unlock()

	if snap, ok := s.store.Get(id, s.now()); ok {
		return fmt.Errorf("%w: job %s is %s", ErrCannotCancel, id, snap.Status)
	}
	return ErrNotFound
}

// Watch returns a channel of snapshots for a queued or processing job. The
// channel is closed once the job reaches a terminal state or stop is called.
func (s *Scheduler) Watch(id string) (<-chan job.Snapshot, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeLocked(id) {
		return nil, nil, ErrNotFound
	}
	ch := make(chan job.Snapshot, 16)
	s.watchers[id] = append(s.watchers[id], ch)
	stop := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		ws := s.watchers[id]
		for i, w := range ws {
			if w == ch {
				s.watchers[id] = append(ws[:i], ws[i+1:]...)
				close(ch)
				break
			}
		}
		if len(s.watchers[id]) == 0 {
			delete(s.watchers, id)
		}
	}
	return ch, stop, nil
}

// Start launches the admission loop and the retention sweeper.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.sweeper.Run(s.runCtx)
	go s.loop()
	go func() {
		select {
		case <-ctx.Done():
			s.stop()
		case <-s.stopCh:
		}
	}()
	s.logger.Info("scheduler started",
		"max_concurrent", s.config.MaxConcurrent,
		"idle_poll", s.config.IdlePoll,
		"retention", s.config.Retention,
	)
}

// Stop stops admission and waits for in-flight jobs until ctx is done. Jobs
// still running at that point have their context cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stop()
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.loopDone
	}

	finished := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("shutdown deadline reached, abandoning in-flight jobs")
	}
	s.cancel()
	s.drain()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RunOnce admits what fits, waits for the admitted jobs to finish and sweeps
// expired records. Useful for testing.
func (s *Scheduler) RunOnce() {
	n := s.admit()
	for i := 0; i < n; i++ {
		s.finish(<-s.done)
	}
	s.sweeper.RunOnce()
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	idle := time.NewTicker(s.config.IdlePoll)
	defer idle.Stop()

	for {
		s.admit()
		select {
		case <-s.stopCh:
			return
		case c := <-s.done:
			s.finish(c)
		case <-s.wake:
		case <-idle.C:
		}
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// admit moves pending jobs into free slots and returns how many it started.
func (s *Scheduler) admit() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stopCh:
		return 0
	default:
	}

	n := 0
	for len(s.inFlight) < s.config.MaxConcurrent && len(s.pending) > 0 {
		j := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		j.Start(s.now())
		s.inFlight = append(s.inFlight, j)
		s.notifyLocked(j)

		s.jobs.Add(1)
		go s.execute(j.ID, j.Task())
		n++
		s.logger.Info("job started", "job_id", j.ID, "kind", j.Kind, "waited", j.StartedAt.Sub(j.CreatedAt))
	}
	metrics.QueueLength.Set(float64(len(s.pending)))
	metrics.JobsInFlight.Set(float64(len(s.inFlight)))
	return n
}

func (s *Scheduler) execute(id string, task job.Task) {
	defer s.jobs.Done()

	var (
		out job.Outcome
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("runner panic: %v", r)
			}
		}()
		out, err = s.runner.Run(s.runCtx, task, progressSink{s: s, id: id})
	}()
	s.done <- completion{id: id, outcome: out, err: err}
}

func (s *Scheduler) finish(c completion) {
	s.mu.Lock()
	var j *job.Job
	for i, f := range s.inFlight {
		if f.ID == c.id {
			j = f
			s.inFlight = append(s.inFlight[:i], s.inFlight[i+1:]...)
			break
		}
	}
	if j == nil {
		s.mu.Unlock()
		return
	}

	now := s.now()
	j.ThrottleEvents = c.outcome.ThrottleEvents
	if c.err != nil {
		j.Fail(now, c.err)
	} else {
		j.Complete(now, c.outcome.Result)
	}
	s.store.Put(j)
	s.notifyLocked(j)
	s.closeWatchersLocked(j.ID)
	metrics.JobsInFlight.Set(float64(len(s.inFlight)))
	s.mu.Unlock()

	metrics.JobsFinishedTotal.WithLabelValues(string(j.Kind), string(j.Status)).Inc()
	metrics.JobDurationSeconds.WithLabelValues(string(j.Kind)).Observe(j.Duration().Seconds())
	if c.err != nil {
		s.logger.Error("job failed", "job_id", j.ID, "kind", j.Kind, "duration", j.Duration(), "throttle_events", j.ThrottleEvents, "error", c.err)
	} else {
		s.logger.Info("job completed", "job_id", j.ID, "kind", j.Kind, "duration", j.Duration(),
			"translated", c.outcome.Result.Translated, "skipped", c.outcome.Result.Skipped, "throttle_events", j.ThrottleEvents)
	}
}

// drain records completions that arrived after the loop exited.
func (s *Scheduler) drain() {
	for {
		select {
		case c := <-s.done:
			s.finish(c)
		default:
			s.mu.Lock()
			for id := range s.watchers {
				s.closeWatchersLocked(id)
			}
			s.mu.Unlock()
			return
		}
	}
}

func (s *Scheduler) pendingSnapshotLocked(j *job.Job, position int, now time.Time) job.Snapshot {
	snap := j.Snapshot()
	pos := position
	eta := s.estimateStartLocked(position, now).UTC()
	snap.QueuePosition = &pos
	snap.EstimatedStartTime = &eta
	return snap
}

// estimateStartLocked returns now + rounds × average, where rounds is the
// number of slot turns before the job at position starts. When an in-flight
// job reports progress its remaining time replaces the first round.
func (s *Scheduler) estimateStartLocked(position int, now time.Time) time.Time {
	avg := s.config.AverageJobDuration
	slots := s.config.MaxConcurrent
	rounds := (position + slots - 1) / slots

	remaining, ok := s.soonestRemainingLocked(now)
	if !ok {
		return now.Add(time.Duration(rounds) * avg)
	}
	return now.Add(remaining + time.Duration(rounds-1)*avg)
}

func (s *Scheduler) soonestRemainingLocked(now time.Time) (time.Duration, bool) {
	if len(s.inFlight) < s.config.MaxConcurrent {
		return 0, false
	}
	var best time.Duration
	found := false
	for _, j := range s.inFlight {
		p := j.Progress
		if p.Current <= 0 || j.StartedAt == nil {
			continue
		}
		elapsed := now.Sub(*j.StartedAt)
		rem := time.Duration(float64(elapsed) / float64(p.Current) * float64(p.Total-p.Current))
		if !found || rem < best {
			best, found = rem, true
		}
	}
	return best, found
}

func (s *Scheduler) activeLocked(id string) bool {
	for _, j := range s.inFlight {
		if j.ID == id {
			return true
		}
	}
	for _, j := range s.pending {
		if j.ID == id {
			return true
		}
	}
	return false
}

func (s *Scheduler) notifyLocked(j *job.Job) {
	ws := s.watchers[j.ID]
	if len(ws) == 0 {
		return
	}
	snap := j.Snapshot()
	for _, ch := range ws {
		select {
		case ch <- snap:
		default: // slow watcher, it will catch up on the next update
		}
	}
}

func (s *Scheduler) closeWatchersLocked(id string) {
	for _, ch := range s.watchers[id] {
		close(ch)
	}
	delete(s.watchers, id)
}

// progressSink updates the progress of an in-flight job.
type progressSink struct {
	s  *Scheduler
	id string
}

func (p progressSink) Progress(done, total int, message string) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for _, j := range p.s.inFlight {
		if j.ID == p.id {
			j.Progress.Update(done, total, message)
			p.s.notifyLocked(j)
			return
		}
	}
}
