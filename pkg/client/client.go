package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/user/translateq/internal/job"
	"github.com/user/translateq/internal/ratelimit"
)

// Client is a thin HTTP wrapper for the translateq API.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// WithH2C talks HTTP/2 over cleartext to the server, which multiplexes
// status polls and event streams over one connection.
func WithH2C() Option {
	return func(c *Client) { c.HTTPClient = h2cHTTPClient() }
}

// New creates a new translateq client.
func New(url string, opts ...Option) *Client {
	c := &Client{
		URL: strings.TrimRight(url, "/"),
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func h2cHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
			ReadIdleTimeout: 30 * time.Second,
			PingTimeout:     10 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// SubmitResult is the response from submitting a job.
type SubmitResult struct {
	JobID              string     `json:"jobId"`
	Status             string     `json:"status"`
	QueuePosition      *int       `json:"queuePosition,omitempty"`
	EstimatedStartTime *time.Time `json:"estimatedStartTime,omitempty"`
}

// Submit enqueues a translation job. kind is one of category, course, quiz
// or questions; priority may be empty.
func (c *Client) Submit(ctx context.Context, kind string, payload interface{}, priority string) (*SubmitResult, error) {
	body := map[string]interface{}{"payload": payload}
	if priority != "" {
		body["priority"] = priority
	}
	var result SubmitResult
	if err := c.doRequest(ctx, "POST", "/api/v1/translate/"+kind, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetJob returns the current status of a job.
func (c *Client) GetJob(ctx context.Context, id string) (*job.Snapshot, error) {
	var snap job.Snapshot
	if err := c.doRequest(ctx, "GET", "/api/v1/jobs/"+id, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// CancelJob cancels a queued job.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.doRequest(ctx, "POST", "/api/v1/jobs/"+id+"/cancel", nil, nil)
}

// QueueStats mirrors the scheduler counters.
type QueueStats struct {
	Pending              int   `json:"pending"`
	Processing           int   `json:"processing"`
	Completed            int   `json:"completed"`
	Failed               int   `json:"failed"`
	Cancelled            int   `json:"cancelled"`
	MaxConcurrent        int   `json:"maxConcurrent"`
	AverageJobDurationMs int64 `json:"averageJobDurationMs"`
}

// Queue is the response from ListQueue.
type Queue struct {
	Pending  []job.Snapshot `json:"pending"`
	InFlight []job.Snapshot `json:"inFlight"`
	Stats    QueueStats     `json:"stats"`
}

// ListQueue returns pending and in-flight jobs with scheduler counters.
func (c *Client) ListQueue(ctx context.Context) (*Queue, error) {
	var q Queue
	if err := c.doRequest(ctx, "GET", "/api/v1/queue", nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// RateLimit returns the rate-limit controller state.
func (c *Client) RateLimit(ctx context.Context) (*ratelimit.State, error) {
	var st ratelimit.State
	if err := c.doRequest(ctx, "GET", "/api/v1/ratelimit", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Watch follows the job's event stream and calls fn for every snapshot. It
// returns the final snapshot once the job is terminal.
func (c *Client) Watch(ctx context.Context, id string, fn func(job.Snapshot)) (*job.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.URL+"/api/v1/jobs/"+id+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives the client-wide timeout.
	hc := *c.HTTPClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return nil, decodeAPIError(resp.StatusCode, data)
	}

	var last *job.Snapshot
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var snap job.Snapshot
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
			return last, fmt.Errorf("decode event: %w", err)
		}
		last = &snap
		if fn != nil {
			fn(snap)
		}
		if snap.Status.Terminal() {
			return last, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return last, err
	}
	if err := ctx.Err(); err != nil {
		return last, err
	}
	return last, fmt.Errorf("event stream for %s ended before a terminal status", id)
}

// Wait polls the job every interval until it is terminal.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*job.Snapshot, error) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		snap, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if snap.Status.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-t.C:
		}
	}
}

// HTTP helpers

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp.StatusCode, data)
	}

	if result != nil {
		return json.Unmarshal(data, result)
	}
	return nil
}

func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(data, &body) == nil && body.Code != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	} else {
		apiErr.Code = http.StatusText(status)
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
