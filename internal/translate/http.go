package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPConfig configures an OpenAI-compatible chat completions endpoint.
type HTTPConfig struct {
	URL        string // full endpoint, e.g. https://api.openai.com/v1/chat/completions
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// HTTPTranslator calls a chat completions API for every string.
type HTTPTranslator struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPTranslator creates an HTTPTranslator. Per-call deadlines come from
// the context, so the default client has no timeout of its own.
func NewHTTPTranslator(cfg HTTPConfig) *HTTPTranslator {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &HTTPTranslator{cfg: cfg, client: client}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const systemPrompt = "Translate the user's text from %s to %s. It is the %s of a %s in an e-learning platform. " +
	"Reply with the translation only, keeping placeholders, markdown and numbers unchanged."

func (t *HTTPTranslator) TranslateUnit(ctx context.Context, sourceText, targetLanguage string, tc Context) (string, error) {
	src := tc.SourceLanguage
	if src == "" {
		src = "en"
	}
	field := tc.Field
	if field == "" {
		field = "text"
	}
	kind := tc.Kind
	if kind == "" {
		kind = "document"
	}
	body, err := json.Marshal(chatRequest{
		Model: t.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: fmt.Sprintf(systemPrompt, src, targetLanguage, field, kind)},
			{Role: "user", Content: sourceText},
		},
	})
	if err != nil {
		return "", NewFatalError("marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", NewFatalError("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", NewTransientError("request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", NewTransientError("read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 529:
		return "", NewThrottledError(fmt.Sprintf("provider throttled (HTTP %d)", resp.StatusCode), parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case resp.StatusCode >= 500:
		return "", NewTransientError(fmt.Sprintf("provider error (HTTP %d)", resp.StatusCode), errors.New(snippet(data)))
	case resp.StatusCode >= 400:
		return "", NewFatalError(fmt.Sprintf("provider rejected request (HTTP %d)", resp.StatusCode), errors.New(snippet(data)))
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", NewTransientError("malformed provider response", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", NewTransientError("provider response has no translation", nil)
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
