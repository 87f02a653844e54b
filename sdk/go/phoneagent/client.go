// Package phoneagent is a Go client for the phoneagentd HTTP API.
package phoneagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"PhoneAgent-Web/internal/sse"
)

// DefaultHTTPTimeout defines the timeout used for JSON calls by clients created
// without a custom http.Client. Streaming calls are bounded by their context only.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the phoneagentd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	streamer   *http.Client
}

// Event is one server-sent event of a run stream.
type Event struct {
	Kind string
	Data string
}

// Outcome is the terminal state of a streamed run.
type Outcome struct {
	OK      bool
	Result  string
	Message string
}

// RunResult is the response of the synchronous run endpoint.
type RunResult struct {
	OK      bool     `json:"ok"`
	Result  string   `json:"result"`
	Message string   `json:"message"`
	Output  []string `json:"output"`
}

// Run is a run history record.
type Run struct {
	ID         string    `json:"id"`
	Task       string    `json:"task"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	Model      string    `json:"model,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	Chunks     int       `json:"chunks"`
	Dropped    int       `json:"dropped"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// ListRunsOptions filters the run history.
type ListRunsOptions struct {
	Status string
	Limit  int
	Query  string
}

// Device is a device visible to the server.
type Device struct {
	DeviceID       string `json:"device_id"`
	Status         string `json:"status"`
	ConnectionType string `json:"connection_type,omitempty"`
	Model          string `json:"model,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Output     []string `json:"output,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("phoneagent api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("phoneagent api error (%d): %s", e.StatusCode, e.Message)
}

// ErrStreamTruncated is returned when a run stream ends without a done event.
var ErrStreamTruncated = errors.New("phoneagent: stream ended before done event")

// NewClient instantiates a client for the phoneagentd API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	streamer := httpClient
	if httpClient.Timeout > 0 {
		copied := *httpClient
		copied.Timeout = 0
		streamer = &copied
	}
	return &Client{baseURL: parsed, httpClient: httpClient, streamer: streamer}, nil
}

// Run executes a task synchronously and returns its result and captured output.
// A failed run is reported as an *APIError whose Output holds the captured lines.
func (c *Client) Run(ctx context.Context, task string) (RunResult, error) {
	var result RunResult
	if err := c.post(ctx, "/api/run", map[string]string{"task": task}, &result); err != nil {
		return RunResult{}, err
	}
	return result, nil
}

// Stream starts a task and calls fn for every output line until the run ends.
// Returning an error from fn stops reading; the run keeps going on the server.
func (c *Client) Stream(ctx context.Context, task string, fn func(line string) error) (Outcome, error) {
	query := url.Values{"task": []string{task}}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/run_stream?"+query.Encode(), nil)
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamer.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Outcome{}, decodeError(resp)
	}

	var outcome Outcome
	reader := sse.NewReader(resp.Body)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			return outcome, ErrStreamTruncated
		}
		if err != nil {
			return outcome, fmt.Errorf("read stream: %w", err)
		}
		switch event.Kind {
		case sse.KindMessage:
			if fn != nil {
				if err := fn(event.Data); err != nil {
					return outcome, err
				}
			}
		case sse.KindResult:
			outcome = Outcome{OK: true, Result: event.Data}
		case sse.KindError:
			outcome = Outcome{Message: event.Data}
		case sse.KindDone:
			return outcome, nil
		}
	}
}

// Runs lists recent runs, newest first.
func (c *Client) Runs(ctx context.Context, opts ListRunsOptions) ([]Run, error) {
	query := url.Values{}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Query != "" {
		query.Set("q", opts.Query)
	}
	endpoint := "/api/runs"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var out struct {
		Runs []Run `json:"runs"`
	}
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// GetRun fetches one run record by identifier.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var run Run
	if err := c.get(ctx, "/api/runs/"+url.PathEscape(id), &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// Config returns the persisted run settings.
func (c *Client) Config(ctx context.Context) (map[string]any, error) {
	var doc map[string]any
	if err := c.get(ctx, "/api/config", &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// UpdateConfig merges patch into the persisted run settings.
func (c *Client) UpdateConfig(ctx context.Context, patch map[string]any) (map[string]any, error) {
	var out struct {
		Config map[string]any `json:"config"`
	}
	if err := c.post(ctx, "/api/config", patch, &out); err != nil {
		return nil, err
	}
	return out.Config, nil
}

// Devices lists devices visible to the server.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var out struct {
		Devices []Device `json:"devices"`
	}
	if err := c.get(ctx, "/api/devices", &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	ref.Path = path.Join(c.baseURL.Path, ref.Path)
	u := c.baseURL.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		var flat struct {
			Code    string   `json:"code"`
			Message string   `json:"message"`
			Error   string   `json:"error"`
			Output  []string `json:"output"`
		}
		if json.Unmarshal(data, &flat) == nil {
			apiErr.Code, apiErr.Message, apiErr.Output = flat.Code, flat.Message, flat.Output
			if apiErr.Message == "" {
				apiErr.Message = flat.Error
			}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
