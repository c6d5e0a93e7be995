package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a translation job targets.
type Kind string

const (
	KindCategory  Kind = "category"
	KindCourse    Kind = "course"
	KindQuiz      Kind = "quiz"
	KindQuestions Kind = "questions"
)

// ParseKind converts a request kind name into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCategory, KindCourse, KindQuiz, KindQuestions:
		return k, nil
	default:
		return "", NewValidationError("kind", fmt.Sprintf("unknown job kind %q", s))
	}
}

// Priority levels. High jobs are admitted ahead of every Normal job.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority converts a priority name to a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityHigh:
		return PriorityHigh, nil
	default:
		return "", NewValidationError("priority", fmt.Sprintf("unknown priority %q", s))
	}
}

// Job states
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TotalSteps is the fixed progress total for jobs that are not question sets.
const TotalSteps = 3

// NewID returns a time-sortable job identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "job_" + uuid.NewString()
	}
	return "job_" + id.String()
}

// Result summarises a completed job.
type Result struct {
	Translated int      `json:"translated"`
	Skipped    int      `json:"skipped"`
	Languages  []string `json:"languages"`
}

// Outcome is what a runner reports back once a job has finished executing.
type Outcome struct {
	Result         Result
	ThrottleEvents int
}

// Task is the immutable part of a job handed to a runner.
type Task struct {
	ID      string
	Kind    Kind
	Payload Payload
}

// ProgressSink receives progress updates while a job executes.
type ProgressSink interface {
	Progress(done, total int, message string)
}

// Job is a single submitted translation request.
type Job struct {
	ID             string
	Kind           Kind
	Priority       Priority
	Payload        Payload
	Status         Status
	Progress       Progress
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	FailedAt       *time.Time
	Result         *Result
	Error          string
	ThrottleEvents int
}

// New creates a queued job for a validated payload.
func New(payload Payload, priority Priority, now time.Time) *Job {
	return &Job{
		ID:       NewID(),
		Kind:     payload.Kind(),
		Priority: priority,
		Payload:  payload,
		Status:   StatusQueued,
		Progress: Progress{
			Total:   TotalFor(payload),
			Message: "queued",
		},
		CreatedAt: now.UTC(),
	}
}

// TotalFor returns the progress total for a payload.
func TotalFor(p Payload) int {
	if q, ok := p.(*QuestionsPayload); ok {
		return len(q.Questions) * len(q.TargetLanguages)
	}
	return TotalSteps
}

// Task returns the runner view of the job.
func (j *Job) Task() Task {
	return Task{ID: j.ID, Kind: j.Kind, Payload: j.Payload}
}

// Start moves a queued job into processing.
func (j *Job) Start(now time.Time) {
	t := now.UTC()
	j.Status = StatusProcessing
	j.StartedAt = &t
	j.Progress.Message = "processing"
}

// Complete records a successful run.
func (j *Job) Complete(now time.Time, res Result) {
	t := now.UTC()
	j.Status = StatusCompleted
	j.CompletedAt = &t
	j.Result = &res
	j.Progress.Update(j.Progress.Total, j.Progress.Total, "completed")
}

// Cancel marks a queued job as cancelled. Cancelled jobs are not retained.
func (j *Job) Cancel() {
	j.Status = StatusCancelled
	j.Progress.Message = "cancelled"
}

// Fail records an unrecoverable error. Progress is left where it stopped.
func (j *Job) Fail(now time.Time, err error) {
	t := now.UTC()
	j.Status = StatusFailed
	j.FailedAt = &t
	j.Error = err.Error()
}

// TerminalAt returns when the job reached completed or failed.
func (j *Job) TerminalAt() (time.Time, bool) {
	switch {
	case j.CompletedAt != nil:
		return *j.CompletedAt, true
	case j.FailedAt != nil:
		return *j.FailedAt, true
	}
	return time.Time{}, false
}

// Duration returns the processing time of a finished job.
func (j *Job) Duration() time.Duration {
	end, ok := j.TerminalAt()
	if !ok || j.StartedAt == nil {
		return 0
	}
	return end.Sub(*j.StartedAt)
}

// Snapshot is the externally visible state of a job.
type Snapshot struct {
	ID                 string     `json:"id"`
	Kind               Kind       `json:"kind"`
	Priority           Priority   `json:"priority"`
	Status             Status     `json:"status"`
	Progress           Progress   `json:"progress"`
	QueuePosition      *int       `json:"queuePosition,omitempty"`
	EstimatedStartTime *time.Time `json:"estimatedStartTime,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	FailedAt           *time.Time `json:"failedAt,omitempty"`
	DurationMs         *int64     `json:"durationMs,omitempty"`
	ThrottleEvents     int        `json:"throttleEvents"`
	Result             *Result    `json:"result,omitempty"`
	Error              string     `json:"error,omitempty"`
}

// Snapshot copies the job into its external representation.
func (j *Job) Snapshot() Snapshot {
	s := Snapshot{
		ID:             j.ID,
		Kind:           j.Kind,
		Priority:       j.Priority,
		Status:         j.Status,
		Progress:       j.Progress,
		CreatedAt:      j.CreatedAt,
		StartedAt:      copyTime(j.StartedAt),
		CompletedAt:    copyTime(j.CompletedAt),
		FailedAt:       copyTime(j.FailedAt),
		ThrottleEvents: j.ThrottleEvents,
		Error:          j.Error,
	}
	if j.Result != nil {
		r := *j.Result
		r.Languages = append([]string(nil), j.Result.Languages...)
		s.Result = &r
	}
	if _, ok := j.TerminalAt(); ok && j.StartedAt != nil {
		ms := j.Duration().Milliseconds()
		s.DurationMs = &ms
	}
	return s
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
