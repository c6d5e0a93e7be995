// Package sink hands finished translations to their destination: the
// downstream content API or a local SQLite database.
package sink

import (
	"context"

	"github.com/user/translateq/internal/job"
)

// Document holds every translation produced for one entity.
type Document struct {
	EntityID     string                       `json:"entityId"`
	ParentID     string                       `json:"parentId,omitempty"` // quiz id for questions
	JobID        string                       `json:"jobId,omitempty"`
	Translations map[string]map[string]string `json:"translations"` // language -> field -> text
}

// Set records one translated field.
func (d *Document) Set(lang, field, text string) {
	if d.Translations == nil {
		d.Translations = make(map[string]map[string]string)
	}
	m, ok := d.Translations[lang]
	if !ok {
		m = make(map[string]string)
		d.Translations[lang] = m
	}
	m[field] = text
}

// Persister stores the result of a job. It is called once per successful job.
type Persister interface {
	PersistResult(ctx context.Context, kind job.Kind, docs []Document) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, kind job.Kind, docs []Document) error

func (f PersisterFunc) PersistResult(ctx context.Context, kind job.Kind, docs []Document) error {
	return f(ctx, kind, docs)
}
