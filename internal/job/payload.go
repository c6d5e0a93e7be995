package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Payload is the kind-specific body of a job.
type Payload interface {
	Kind() Kind
	Languages() []string
	Validate() error
}

// TextField is one translatable source string.
type TextField struct {
	Name string
	Text string
}

// Entity is implemented by the single-entity payloads (category, course, quiz).
type Entity interface {
	Payload
	EntityID() string
	Fields() []TextField
}

// Field names used in work-units and persisted translations.
const (
	FieldName         = "name"
	FieldTitle        = "title"
	FieldDescription  = "description"
	FieldInstructions = "instructions"
	FieldText         = "text"
	FieldExplanation  = "explanation"
)

// OptionField names the i-th answer option of a question.
func OptionField(i int) string {
	return fmt.Sprintf("option.%d", i)
}

const defaultSourceLanguage = "en"

// CategoryPayload translates a category name and description.
type CategoryPayload struct {
	CategoryID      string   `json:"categoryId"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	SourceLanguage  string   `json:"sourceLanguage,omitempty"`
	TargetLanguages []string `json:"targetLanguages"`
}

func (p *CategoryPayload) Kind() Kind          { return KindCategory }
func (p *CategoryPayload) Languages() []string { return p.TargetLanguages }
func (p *CategoryPayload) EntityID() string    { return p.CategoryID }

func (p *CategoryPayload) Fields() []TextField {
	return nonEmpty(TextField{FieldName, p.Name}, TextField{FieldDescription, p.Description})
}

func (p *CategoryPayload) Validate() error {
	if err := requireID("categoryId", p.CategoryID); err != nil {
		return err
	}
	return validateEntity(&p.SourceLanguage, &p.TargetLanguages, p.Fields())
}

// CoursePayload translates a course title and description.
type CoursePayload struct {
	CourseID        string   `json:"courseId"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	SourceLanguage  string   `json:"sourceLanguage,omitempty"`
	TargetLanguages []string `json:"targetLanguages"`
}

func (p *CoursePayload) Kind() Kind          { return KindCourse }
func (p *CoursePayload) Languages() []string { return p.TargetLanguages }
func (p *CoursePayload) EntityID() string    { return p.CourseID }

func (p *CoursePayload) Fields() []TextField {
	return nonEmpty(TextField{FieldTitle, p.Title}, TextField{FieldDescription, p.Description})
}

func (p *CoursePayload) Validate() error {
	if err := requireID("courseId", p.CourseID); err != nil {
		return err
	}
	return validateEntity(&p.SourceLanguage, &p.TargetLanguages, p.Fields())
}

// QuizPayload translates quiz metadata. Questions travel as a separate job.
type QuizPayload struct {
	QuizID          string   `json:"quizId"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Instructions    string   `json:"instructions,omitempty"`
	SourceLanguage  string   `json:"sourceLanguage,omitempty"`
	TargetLanguages []string `json:"targetLanguages"`
}

func (p *QuizPayload) Kind() Kind          { return KindQuiz }
func (p *QuizPayload) Languages() []string { return p.TargetLanguages }
func (p *QuizPayload) EntityID() string    { return p.QuizID }

func (p *QuizPayload) Fields() []TextField {
	return nonEmpty(
		TextField{FieldTitle, p.Title},
		TextField{FieldDescription, p.Description},
		TextField{FieldInstructions, p.Instructions},
	)
}

func (p *QuizPayload) Validate() error {
	if err := requireID("quizId", p.QuizID); err != nil {
		return err
	}
	return validateEntity(&p.SourceLanguage, &p.TargetLanguages, p.Fields())
}

// QuestionTranslation is an existing translation already stored on a question.
type QuestionTranslation struct {
	Text        string   `json:"text"`
	Options     []string `json:"options,omitempty"`
	Explanation string   `json:"explanation,omitempty"`
}

// Question is one quiz question with its answer options.
type Question struct {
	ID           string                         `json:"id"`
	Text         string                         `json:"text"`
	Options      []string                       `json:"options,omitempty"`
	Explanation  string                         `json:"explanation,omitempty"`
	Translations map[string]QuestionTranslation `json:"translations,omitempty"`
}

// Fields returns the translatable strings of the question.
func (q Question) Fields() []TextField {
	fields := []TextField{{FieldText, q.Text}}
	for i, opt := range q.Options {
		fields = append(fields, TextField{OptionField(i), opt})
	}
	fields = append(fields, TextField{FieldExplanation, q.Explanation})
	return nonEmpty(fields...)
}

// HasTranslation reports whether the question is already translated into lang.
func (q Question) HasTranslation(lang string) bool {
	for l, t := range q.Translations {
		if strings.EqualFold(l, lang) && strings.TrimSpace(t.Text) != "" {
			return true
		}
	}
	return false
}

// QuestionsPayload translates a set of questions into every target language.
type QuestionsPayload struct {
	QuizID          string     `json:"quizId,omitempty"`
	SourceLanguage  string     `json:"sourceLanguage,omitempty"`
	TargetLanguages []string   `json:"targetLanguages"`
	Questions       []Question `json:"questions"`
}

func (p *QuestionsPayload) Kind() Kind          { return KindQuestions }
func (p *QuestionsPayload) Languages() []string { return p.TargetLanguages }

func (p *QuestionsPayload) Validate() error {
	if len(p.Questions) == 0 {
		return NewValidationError("questions", "at least one question is required")
	}
	seen := make(map[string]bool, len(p.Questions))
	for i, q := range p.Questions {
		if strings.TrimSpace(q.ID) == "" {
			return NewValidationError(fmt.Sprintf("questions[%d].id", i), "is required")
		}
		if seen[q.ID] {
			return NewValidationError(fmt.Sprintf("questions[%d].id", i), fmt.Sprintf("duplicate question id %q", q.ID))
		}
		seen[q.ID] = true
		if strings.TrimSpace(q.Text) == "" {
			return NewValidationError(fmt.Sprintf("questions[%d].text", i), "is required")
		}
	}
	return normalizeLanguages(&p.SourceLanguage, &p.TargetLanguages)
}

func requireID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return NewValidationError(field, "is required")
	}
	return nil
}

func validateEntity(source *string, targets *[]string, fields []TextField) error {
	if len(fields) == 0 {
		return NewValidationError("", "nothing to translate")
	}
	return normalizeLanguages(source, targets)
}

// normalizeLanguages lower-cases and de-duplicates the target list in place.
func normalizeLanguages(source *string, targets *[]string) error {
	src := strings.ToLower(strings.TrimSpace(*source))
	if src == "" {
		src = defaultSourceLanguage
	}
	*source = src

	out := make([]string, 0, len(*targets))
	seen := make(map[string]bool, len(*targets))
	for _, l := range *targets {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || seen[l] {
			continue
		}
		if l == src {
			return NewValidationError("targetLanguages", fmt.Sprintf("%q is the source language", l))
		}
		seen[l] = true
		out = append(out, l)
	}
	if len(out) == 0 {
		return NewValidationError("targetLanguages", "at least one target language is required")
	}
	*targets = out
	return nil
}

func nonEmpty(fields ...TextField) []TextField {
	out := fields[:0:0]
	for _, f := range fields {
		if strings.TrimSpace(f.Text) != "" {
			out = append(out, f)
		}
	}
	return out
}

// Decode validates a raw request body against the schema for kind and returns
// the typed payload.
func Decode(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindCategory:
		p = &CategoryPayload{}
	case KindCourse:
		p = &CoursePayload{}
	case KindQuiz:
		p = &QuizPayload{}
	case KindQuestions:
		p = &QuestionsPayload{}
	default:
		return nil, NewValidationError("kind", fmt.Sprintf("unknown job kind %q", kind))
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, NewValidationError("payload", "is required")
	}
	if err := validateSchema(kind, raw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, NewValidationError("payload", err.Error())
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func validateSchema(kind Kind, raw json.RawMessage) error {
	schema, ok := schemas[kind]
	if !ok {
		return nil
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return NewValidationError("payload", fmt.Sprintf("invalid JSON: %v", err))
	}
	if res.Valid() {
		return nil
	}
	first := res.Errors()[0]
	field := first.Field()
	if field == "(root)" {
		field = "payload"
	}
	return NewValidationError(field, first.Description())
}
