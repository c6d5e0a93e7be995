// Package pipeline turns an admitted job into work-units, runs them through
// the batch executor and persists the translations.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/user/translateq/internal/executor"
	"github.com/user/translateq/internal/job"
	"github.com/user/translateq/internal/observability"
	"github.com/user/translateq/internal/sink"
)

// Pipeline implements scheduler.Runner.
type Pipeline struct {
	exec      *executor.Executor
	persister sink.Persister
	logger    *slog.Logger
}

// New creates a Pipeline. A nil logger uses slog.Default.
func New(exec *executor.Executor, persister sink.Persister, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{exec: exec, persister: persister, logger: logger}
}

// Run executes one job end to end. Translations are persisted only when every
// unit succeeded.
func (p *Pipeline) Run(ctx context.Context, t job.Task, progress job.ProgressSink) (out job.Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.run",
		attribute.String("job.id", t.ID),
		attribute.String("job.kind", string(t.Kind)),
	)
	defer func() {
		span.SetAttributes(attribute.Int("job.throttle_events", out.ThrottleEvents))
		observability.EndSpan(span, err)
	}()

	units := BuildUnits(t.Payload)
	logger := p.logger.With("job_id", t.ID, "kind", t.Kind)
	logger.Debug("work-units built", "units", len(units))

	_, stepwise := t.Payload.(job.Entity)
	var execSink executor.ProgressSink
	if stepwise {
		progress.Progress(1, job.TotalSteps, "translating")
	} else {
		execSink = executor.ProgressFunc(progress.Progress)
	}

	results, stats, err := p.exec.ExecuteWithStats(ctx, units, execSink)
	out.ThrottleEvents = stats.ThrottleEvents
	if err != nil {
		return out, err
	}

	docs := Documents(t, results)
	if stepwise {
		progress.Progress(2, job.TotalSteps, "saving")
	}
	if len(docs) > 0 {
		if err := p.persister.PersistResult(ctx, t.Kind, docs); err != nil {
			return out, fmt.Errorf("persist result: %w", err)
		}
	}
	if stepwise {
		progress.Progress(3, job.TotalSteps, "done")
	}

	out.Result = job.Result{
		Translated: stats.Units - stats.Skipped,
		Skipped:    stats.Skipped,
		Languages:  append([]string(nil), t.Payload.Languages()...),
	}
	logger.Debug("job translated", "translated", out.Result.Translated, "skipped", out.Result.Skipped,
		"chunks", stats.Chunks, "fallbacks", stats.Fallbacks, "documents", len(docs))
	return out, nil
}

// BuildUnits returns the work-units of a payload. Questions yield one unit per
// (question, language); a unit whose language is already present on the
// question is marked AlreadyTranslated. Entities yield one unit per language.
func BuildUnits(payload job.Payload) []executor.WorkUnit {
	switch p := payload.(type) {
	case *job.QuestionsPayload:
		units := make([]executor.WorkUnit, 0, len(p.Questions)*len(p.TargetLanguages))
		for _, q := range p.Questions {
			fields := toFields(q.Fields())
			for _, lang := range p.TargetLanguages {
				units = append(units, executor.WorkUnit{
					ID:                q.ID + ":" + lang,
					Kind:              string(job.KindQuestions),
					EntityID:          q.ID,
					SourceLanguage:    p.SourceLanguage,
					Language:          lang,
					Fields:            fields,
					AlreadyTranslated: q.HasTranslation(lang),
				})
			}
		}
		return units
	case job.Entity:
		fields := toFields(p.Fields())
		units := make([]executor.WorkUnit, 0, len(p.Languages()))
		for _, lang := range p.Languages() {
			units = append(units, executor.WorkUnit{
				ID:             p.EntityID() + ":" + lang,
				Kind:           string(p.Kind()),
				EntityID:       p.EntityID(),
				SourceLanguage: sourceLanguage(p),
				Language:       lang,
				Fields:         fields,
			})
		}
		return units
	}
	return nil
}

// Documents groups unit results per entity, in first-seen order. Skipped
// units contribute nothing.
func Documents(t job.Task, results []executor.Result) []sink.Document {
	parent := ""
	if q, ok := t.Payload.(*job.QuestionsPayload); ok {
		parent = q.QuizID
	}
	var docs []sink.Document
	index := make(map[string]int)
	for _, r := range results {
		if r.Skipped || len(r.Fields) == 0 {
			continue
		}
		i, ok := index[r.EntityID]
		if !ok {
			i = len(docs)
			index[r.EntityID] = i
			docs = append(docs, sink.Document{EntityID: r.EntityID, ParentID: parent, JobID: t.ID})
		}
		for field, text := range r.Fields {
			docs[i].Set(r.Language, field, text)
		}
	}
	return docs
}

func toFields(tf []job.TextField) []executor.Field {
	out := make([]executor.Field, len(tf))
	for i, f := range tf {
		out[i] = executor.Field{Name: f.Name, Text: f.Text}
	}
	return out
}

func sourceLanguage(p job.Payload) string {
	switch v := p.(type) {
	case *job.CategoryPayload:
		return v.SourceLanguage
	case *job.CoursePayload:
		return v.SourceLanguage
	case *job.QuizPayload:
		return v.SourceLanguage
	}
	return ""
}
