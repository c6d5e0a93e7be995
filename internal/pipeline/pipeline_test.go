package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/user/translateq/internal/executor"
	"github.com/user/translateq/internal/job"
	"github.com/user/translateq/internal/ratelimit"
	"github.com/user/translateq/internal/scheduler"
	"github.com/user/translateq/internal/sink"
	"github.com/user/translateq/internal/translate"
)

func noSleep(context.Context, time.Duration) error { return nil }

type capture struct {
	mu    sync.Mutex
	calls int
	kind  job.Kind
	docs  []sink.Document
	err   error
}

func (c *capture) PersistResult(_ context.Context, kind job.Kind, docs []sink.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.kind = kind
	c.docs = docs
	return c.err
}

type progressLog struct {
	mu      sync.Mutex
	updates []string
	done    []int
}

func (l *progressLog) Progress(done, total int, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, fmt.Sprintf("%d/%d %s", done, total, msg))
	l.done = append(l.done, done)
}

func testPipeline(t *testing.T, tr translate.Translator, persister sink.Persister) *Pipeline {
	t.Helper()
	ctrl := ratelimit.New(ratelimit.Config{InitialBatchSize: 3}, ratelimit.WithSleep(noSleep))
	caller := translate.NewCaller(tr, ctrl, time.Second, translate.WithCallerSleep(noSleep))
	exec := executor.New(caller, ctrl, executor.Config{InterCallDelay: -1}, executor.WithSleep(noSleep))
	return New(exec, persister, nil)
}

func questionsTask(t *testing.T) job.Task {
	t.Helper()
	p := &job.QuestionsPayload{
		QuizID:          "quiz-1",
		TargetLanguages: []string{"es", "fr"},
		Questions: []job.Question{
			{ID: "q1", Text: "2+2?", Options: []string{"3", "4"}},
			{ID: "q2", Text: "Capital of Italy?", Translations: map[string]job.QuestionTranslation{"ES": {Text: "¿Capital de Italia?"}}},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return job.Task{ID: "job_q", Kind: job.KindQuestions, Payload: p}
}

func TestBuildUnitsQuestions(t *testing.T) {
	units := BuildUnits(questionsTask(t).Payload)
	if len(units) != 4 {
		t.Fatalf("units = %d, want 4", len(units))
	}
	if units[0].ID != "q1:es" || len(units[0].Fields) != 3 {
		t.Errorf("units[0] = %+v", units[0])
	}
	if units[0].SourceLanguage != "en" {
		t.Errorf("source = %q, want en", units[0].SourceLanguage)
	}
	if !units[2].AlreadyTranslated || units[3].AlreadyTranslated {
		t.Errorf("skip flags: q2:es=%v q2:fr=%v", units[2].AlreadyTranslated, units[3].AlreadyTranslated)
	}
}

func TestBuildUnitsEntity(t *testing.T) {
	p := &job.QuizPayload{QuizID: "quiz-1", Title: "Math", Instructions: "Pick one", TargetLanguages: []string{"de", "it"}}
	units := BuildUnits(p)
	if len(units) != 2 {
		t.Fatalf("units = %d, want 2", len(units))
	}
	if units[1].Language != "it" || units[1].EntityID != "quiz-1" || len(units[1].Fields) != 2 {
		t.Errorf("units[1] = %+v", units[1])
	}
}

func TestRunQuestionsJob(t *testing.T) {
	store := &capture{}
	p := testPipeline(t, translate.EchoTranslator{}, store)
	log := &progressLog{}

	out, err := p.Run(context.Background(), questionsTask(t), log)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result.Translated != 3 || out.Result.Skipped != 1 {
		t.Errorf("result = %+v", out.Result)
	}
	if store.calls != 1 || store.kind != job.KindQuestions {
		t.Fatalf("persist calls = %d kind = %s", store.calls, store.kind)
	}
	if len(store.docs) != 2 {
		t.Fatalf("docs = %d, want 2", len(store.docs))
	}
	q1 := store.docs[0]
	if q1.EntityID != "q1" || q1.ParentID != "quiz-1" || q1.JobID != "job_q" {
		t.Errorf("doc = %+v", q1)
	}
	if q1.Translations["fr"]["option.1"] != "[fr] 4" {
		t.Errorf("q1 fr = %v", q1.Translations["fr"])
	}
	if _, ok := store.docs[1].Translations["es"]; ok {
		t.Error("already translated language was re-translated")
	}
	if last := log.done[len(log.done)-1]; last != 4 {
		t.Errorf("last progress = %d, want 4 (%v)", last, log.updates)
	}
}

func TestRunEntityJobReportsSteps(t *testing.T) {
	store := &capture{}
	p := testPipeline(t, translate.EchoTranslator{}, store)
	log := &progressLog{}
	payload := &job.CategoryPayload{CategoryID: "cat-1", Name: "Science", Description: "All about science", TargetLanguages: []string{"es", "fr"}}
	if err := payload.Validate(); err != nil {
		t.Fatal(err)
	}

	out, err := p.Run(context.Background(), job.Task{ID: "job_c", Kind: job.KindCategory, Payload: payload}, log)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"1/3 translating", "2/3 saving", "3/3 done"}
	if fmt.Sprint(log.updates) != fmt.Sprint(want) {
		t.Errorf("progress = %v, want %v", log.updates, want)
	}
	if len(store.docs) != 1 || store.docs[0].Translations["es"]["description"] != "[es] All about science" {
		t.Errorf("docs = %+v", store.docs)
	}
	if out.Result.Translated != 2 || len(out.Result.Languages) != 2 {
		t.Errorf("result = %+v", out.Result)
	}
}

func TestRunFailureSkipsPersist(t *testing.T) {
	store := &capture{}
	bad := translate.TranslatorFunc(func(ctx context.Context, text, lang string, tc translate.Context) (string, error) {
		if tc.EntityID == "q2" {
			return "", translate.NewFatalError("provider rejected request (HTTP 400)", nil)
		}
		return "ok", nil
	})
	p := testPipeline(t, bad, store)

	_, err := p.Run(context.Background(), questionsTask(t), &progressLog{})
	if !translate.IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
	if store.calls != 0 {
		t.Errorf("persist called %d times after failure", store.calls)
	}
}

func TestRunPersistFailureFailsJob(t *testing.T) {
	store := &capture{err: errors.New("content API returned HTTP 503")}
	p := testPipeline(t, translate.EchoTranslator{}, store)

	_, err := p.Run(context.Background(), questionsTask(t), &progressLog{})
	if err == nil || !errors.Is(err, store.err) {
		t.Errorf("err = %v, want wrapped persist error", err)
	}
}

// throttlingProvider throttles the listed call numbers.
type throttlingProvider struct {
	mu    sync.Mutex
	calls int
	at    map[int]bool
}

func (p *throttlingProvider) TranslateUnit(ctx context.Context, text, lang string, tc translate.Context) (string, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	if p.at[n] {
		return "", translate.NewThrottledError("provider throttled (HTTP 429)", 0)
	}
	return "[" + lang + "] " + text, nil
}

func TestQuestionsJobCompletesDespiteThrottling(t *testing.T) {
	questions := make([]job.Question, 10)
	for i := range questions {
		questions[i] = job.Question{ID: fmt.Sprintf("q%d", i+1), Text: fmt.Sprintf("Question %d?", i+1)}
	}
	payload := &job.QuestionsPayload{QuizID: "quiz-1", TargetLanguages: []string{"es", "fr", "de"}, Questions: questions}

	store, err := sink.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()

	ctrl := ratelimit.New(ratelimit.Config{InitialBatchSize: 5}, ratelimit.WithSleep(noSleep))
	caller := translate.NewCaller(&throttlingProvider{at: map[int]bool{3: true, 20: true}}, ctrl, time.Second,
		translate.WithCallerSleep(noSleep))
	exec := executor.New(caller, ctrl, executor.Config{InterCallDelay: -1}, executor.WithSleep(noSleep))
	sched := scheduler.New(New(exec, store, nil), scheduler.DefaultConfig())

	id, err := sched.Enqueue(job.KindQuestions, payload, job.PriorityNormal)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	sched.RunOnce()

	snap, err := sched.GetStatus(id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap.Status != job.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", snap.Status, snap.Error)
	}
	if snap.Progress.Current != 30 || snap.Progress.Total != 30 || snap.Progress.Percentage != 100 {
		t.Errorf("progress = %+v, want 30/30", snap.Progress)
	}
	if snap.ThrottleEvents < 2 {
		t.Errorf("throttle events = %d, want >= 2", snap.ThrottleEvents)
	}

	got, err := store.Lookup(context.Background(), job.KindQuestions, "q10")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got["de"]["text"] != "[de] Question 10?" {
		t.Errorf("stored q10 = %v", got)
	}
}
