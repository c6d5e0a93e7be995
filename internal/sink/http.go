package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/translateq/internal/job"
)

// HTTPConfig configures the downstream content API.
type HTTPConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration // per request, default 30s
	HTTPClient *http.Client
}

// HTTPPersister PUTs each document to the content API:
//
//	PUT {base}/api/v1/{collection}/{entityId}/translations
type HTTPPersister struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPPersister creates an HTTPPersister.
func NewHTTPPersister(cfg HTTPConfig) *HTTPPersister {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPPersister{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.Token,
		client: client,
	}
}

func collection(kind job.Kind) string {
	switch kind {
	case job.KindCategory:
		return "categories"
	case job.KindCourse:
		return "courses"
	case job.KindQuiz:
		return "quizzes"
	default:
		return "questions"
	}
}

type putBody struct {
	ParentID     string                       `json:"parentId,omitempty"`
	JobID        string                       `json:"jobId,omitempty"`
	Translations map[string]map[string]string `json:"translations"`
}

// PersistResult sends one request per document and stops at the first failure.
func (p *HTTPPersister) PersistResult(ctx context.Context, kind job.Kind, docs []Document) error {
	for _, d := range docs {
		if err := p.put(ctx, kind, d); err != nil {
			return err
		}
	}
	return nil
}

func (p *HTTPPersister) put(ctx context.Context, kind job.Kind, d Document) error {
	body, err := json.Marshal(putBody{ParentID: d.ParentID, JobID: d.JobID, Translations: d.Translations})
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", kind, d.EntityID, err)
	}
	u := fmt.Sprintf("%s/api/v1/%s/%s/translations", p.base, collection(kind), url.PathEscape(d.EntityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("persist %s %s: %w", kind, d.EntityID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("persist %s %s: content API returned HTTP %d: %s",
			kind, d.EntityID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
