package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/user/translateq/internal/job"
)

func testSQLite(t *testing.T) *SQLitePersister {
	t.Helper()
	p, err := OpenSQLite(filepath.Join(t.TempDir(), "translations.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func questionDoc(id, text string) Document {
	d := Document{EntityID: id, ParentID: "quiz-1", JobID: "job_1"}
	d.Set("es", "text", text)
	d.Set("es", "option.0", "tres")
	return d
}

func TestSQLitePersistAndLookup(t *testing.T) {
	p := testSQLite(t)
	ctx := context.Background()

	if err := p.PersistResult(ctx, job.KindQuestions, []Document{questionDoc("q1", "¿2+2?")}); err != nil {
		t.Fatalf("PersistResult: %v", err)
	}
	got, err := p.Lookup(ctx, job.KindQuestions, "q1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got["es"]["text"] != "¿2+2?" || got["es"]["option.0"] != "tres" {
		t.Errorf("Lookup = %v", got)
	}

	// Re-running a job overwrites rather than duplicates.
	if err := p.PersistResult(ctx, job.KindQuestions, []Document{questionDoc("q1", "¿Cuánto es 2+2?")}); err != nil {
		t.Fatalf("PersistResult again: %v", err)
	}
	got, _ = p.Lookup(ctx, job.KindQuestions, "q1")
	if got["es"]["text"] != "¿Cuánto es 2+2?" || len(got["es"]) != 2 {
		t.Errorf("after upsert = %v", got)
	}
}

func TestSQLiteMigrationIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "translations.db")
	for i := 0; i < 2; i++ {
		p, err := OpenSQLite(path)
		if err != nil {
			t.Fatalf("OpenSQLite #%d: %v", i+1, err)
		}
		p.Close()
	}
}

func TestSQLiteInMemory(t *testing.T) {
	p, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer p.Close()
	d := Document{EntityID: "cat-1"}
	d.Set("fr", "name", "Sciences")
	if err := p.PersistResult(context.Background(), job.KindCategory, []Document{d}); err != nil {
		t.Fatalf("PersistResult: %v", err)
	}
	got, _ := p.Lookup(context.Background(), job.KindCategory, "cat-1")
	if got["fr"]["name"] != "Sciences" {
		t.Errorf("Lookup = %v", got)
	}
}

func TestHTTPPersister(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		var body putBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.ParentID != "quiz-1" || body.Translations["es"]["text"] == "" {
			t.Errorf("body = %+v", body)
		}
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	p := NewHTTPPersister(HTTPConfig{BaseURL: ts.URL + "/", Token: "tok"})
	docs := []Document{questionDoc("q1", "uno"), questionDoc("q2", "dos")}
	if err := p.PersistResult(context.Background(), job.KindQuestions, docs); err != nil {
		t.Fatalf("PersistResult: %v", err)
	}
	want := []string{"/api/v1/questions/q1/translations", "/api/v1/questions/q2/translations"}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Errorf("paths = %v, want %v", paths, want)
	}
}

func TestHTTPPersisterError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quiz locked", http.StatusConflict)
	}))
	defer ts.Close()

	p := NewHTTPPersister(HTTPConfig{BaseURL: ts.URL})
	d := Document{EntityID: "quiz-9"}
	d.Set("es", "title", "Título")
	err := p.PersistResult(context.Background(), job.KindQuiz, []Document{d})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "HTTP 409") || !strings.Contains(err.Error(), "quiz locked") {
		t.Errorf("err = %v", err)
	}
}

func TestPersisterFunc(t *testing.T) {
	called := false
	var p Persister = PersisterFunc(func(ctx context.Context, kind job.Kind, docs []Document) error {
		called = kind == job.KindCourse && len(docs) == 1
		return nil
	})
	p.PersistResult(context.Background(), job.KindCourse, []Document{{EntityID: "c"}})
	if !called {
		t.Error("PersisterFunc not invoked")
	}
}
