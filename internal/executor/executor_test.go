package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/translateq/internal/ratelimit"
	"github.com/user/translateq/internal/translate"
)

func noSleep(context.Context, time.Duration) error { return nil }

// fakeProvider fails the calls whose 1-based sequence number is listed.
type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	throttle map[int]bool
	fatalFor string // source text that always fails fatally

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (p *fakeProvider) TranslateUnit(ctx context.Context, text, lang string, tc translate.Context) (string, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		m := p.maxInFlight.Load()
		if n <= m || p.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	p.mu.Lock()
	p.calls++
	seq := p.calls
	p.mu.Unlock()

	if text == p.fatalFor {
		return "", translate.NewFatalError("provider rejected request (HTTP 400)", nil)
	}
	if p.throttle[seq] {
		return "", translate.NewThrottledError("provider throttled (HTTP 429)", 0)
	}
	time.Sleep(time.Millisecond)
	return lang + ":" + text, nil
}

func testExecutor(t *testing.T, p translate.Translator, cfg ratelimit.Config) (*Executor, *ratelimit.Controller) {
	t.Helper()
	ctrl := ratelimit.New(cfg, ratelimit.WithSleep(noSleep))
	caller := translate.NewCaller(p, ctrl, time.Second, translate.WithCallerSleep(noSleep))
	return New(caller, ctrl, Config{InterCallDelay: time.Millisecond}, WithSleep(noSleep)), ctrl
}

func questionUnits(questions int, langs ...string) []WorkUnit {
	var units []WorkUnit
	for q := 1; q <= questions; q++ {
		for _, lang := range langs {
			units = append(units, WorkUnit{
				ID:       fmt.Sprintf("q%d:%s", q, lang),
				Kind:     "questions",
				EntityID: fmt.Sprintf("q%d", q),
				Language: lang,
				Fields:   []Field{{Name: "text", Text: fmt.Sprintf("Question %d?", q)}},
			})
		}
	}
	return units
}

type progressLog struct {
	mu      sync.Mutex
	updates [][2]int
}

func (l *progressLog) Progress(done, total int, _ string) {
	l.mu.Lock()
	l.updates = append(l.updates, [2]int{done, total})
	l.mu.Unlock()
}

func TestExecuteAllUnitsNoThrottle(t *testing.T) {
	p := &fakeProvider{}
	e, _ := testExecutor(t, p, ratelimit.Config{InitialBatchSize: 3})
	units := questionUnits(7, "es")

	results, stats, err := e.ExecuteWithStats(context.Background(), units, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(results) != 7 {
		t.Fatalf("results = %d, want 7", len(results))
	}
	for i, r := range results {
		if r.UnitID != units[i].ID {
			t.Errorf("results[%d].UnitID = %s, want %s", i, r.UnitID, units[i].ID)
		}
		if r.Fields["text"] != "es:"+units[i].Fields[0].Text {
			t.Errorf("results[%d].Fields = %v", i, r.Fields)
		}
	}
	if stats.Chunks != 3 {
		t.Errorf("chunks = %d, want 3 (3+3+1)", stats.Chunks)
	}
	if got := p.maxInFlight.Load(); got > 3 {
		t.Errorf("max concurrent calls = %d, want <= 3", got)
	}
	if stats.ThrottleEvents != 0 || stats.Fallbacks != 0 {
		t.Errorf("stats = %+v, want no throttling", stats)
	}
}

func TestExecuteSurvivesThrottling(t *testing.T) {
	// 10 questions x 3 languages; the provider throttles twice mid-run.
	p := &fakeProvider{throttle: map[int]bool{4: true, 17: true}}
	e, ctrl := testExecutor(t, p, ratelimit.Config{InitialBatchSize: 5})
	units := questionUnits(10, "es", "fr", "de")
	log := &progressLog{}

	results, stats, err := e.ExecuteWithStats(context.Background(), units, log)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(results) != 30 {
		t.Fatalf("results = %d, want 30", len(results))
	}
	for i, r := range results {
		if len(r.Fields) != 1 {
			t.Errorf("results[%d] not translated: %+v", i, r)
		}
	}
	if stats.ThrottleEvents < 2 {
		t.Errorf("throttle events = %d, want >= 2", stats.ThrottleEvents)
	}
	if stats.Fallbacks < 1 {
		t.Errorf("fallbacks = %d, want >= 1", stats.Fallbacks)
	}
	if s := ctrl.Snapshot(); s.TotalThrottleEvents < 2 {
		t.Errorf("controller total = %d, want >= 2", s.TotalThrottleEvents)
	}

	last := log.updates[len(log.updates)-1]
	if last != [2]int{30, 30} {
		t.Errorf("final progress = %v, want [30 30]", last)
	}
	prev := 0
	for _, u := range log.updates {
		if u[0] < prev {
			t.Fatalf("progress went backwards: %v", log.updates)
		}
		prev = u[0]
	}
}

func TestExecuteSkipsAlreadyTranslatedUnits(t *testing.T) {
	p := &fakeProvider{}
	e, _ := testExecutor(t, p, ratelimit.Config{InitialBatchSize: 2})
	units := questionUnits(2, "es", "fr")
	units[1].AlreadyTranslated = true
	units[2].AlreadyTranslated = true
	log := &progressLog{}

	results, stats, err := e.ExecuteWithStats(context.Background(), units, log)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if stats.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", stats.Skipped)
	}
	if !results[1].Skipped || !results[2].Skipped || results[0].Skipped {
		t.Errorf("skip flags wrong: %+v", results)
	}
	if p.calls != 2 {
		t.Errorf("provider calls = %d, want 2", p.calls)
	}
	if log.updates[0] != [2]int{2, 4} {
		t.Errorf("first progress = %v, want skipped units counted as done", log.updates[0])
	}
}

func TestExecuteFatalAbortsWithoutPartialResults(t *testing.T) {
	p := &fakeProvider{fatalFor: "Question 3?"}
	e, _ := testExecutor(t, p, ratelimit.Config{InitialBatchSize: 2})

	results, err := e.Execute(context.Background(), questionUnits(5, "es"), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !translate.IsFatal(err) {
		t.Errorf("err = %v, want fatal", err)
	}
	if results != nil {
		t.Errorf("results = %v, want none", results)
	}
}

func TestExecuteSequentialUsesScaledDelay(t *testing.T) {
	var delays []time.Duration
	ctrl := ratelimit.New(ratelimit.Config{InitialBatchSize: 4}, ratelimit.WithSleep(noSleep))
	ctrl.RecordThrottleEvent() // multiplier 1.5, one-at-a-time
	caller := translate.NewCaller(&fakeProvider{}, ctrl, time.Second, translate.WithCallerSleep(noSleep))
	e := New(caller, ctrl, Config{InterCallDelay: 100 * time.Millisecond}, WithSleep(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}))

	if _, err := e.Execute(context.Background(), questionUnits(3, "es"), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(delays) != 2 {
		t.Fatalf("delays = %v, want 2 (between 3 calls)", delays)
	}
	// 100ms scaled by the multiplier after one clean chunk (1.5 * 0.8).
	if delays[0] <= 100*time.Millisecond || delays[0] > 150*time.Millisecond {
		t.Errorf("first delay = %v, want in (100ms, 150ms]", delays[0])
	}
	if delays[1] > delays[0] {
		t.Errorf("delay grew after a clean chunk: %v", delays)
	}
}

func TestExecuteHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e, _ := testExecutor(t, &fakeProvider{}, ratelimit.Config{})

	_, err := e.Execute(ctx, questionUnits(2, "es"), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestProgressFunc(t *testing.T) {
	var got string
	ProgressFunc(func(done, total int, msg string) { got = fmt.Sprintf("%d/%d %s", done, total, msg) }).Progress(1, 2, "x")
	if got != "1/2 x" {
		t.Errorf("got %q", got)
	}
}
