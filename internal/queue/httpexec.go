package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/driftline/driftline/internal/models"
)

// defaultReplayTimeout bounds replays made with the fallback client.
const defaultReplayTimeout = 30 * time.Second

// actionRequest is the wire shape an HTTP-executed action payload must carry.
type actionRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// HTTPExecutor replays queued actions as HTTP requests. The item payload must
// decode to {method, url, headers, body}; hosts with richer action semantics
// supply their own Executor instead.
type HTTPExecutor struct {
	Client *http.Client
}

// NewHTTPExecutor builds an executor around the supplied client. Passing nil
// selects a client with defaultReplayTimeout.
func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: defaultReplayTimeout}
	}
	return &HTTPExecutor{Client: client}
}

// Do replays one action. Non-2xx responses count as failures so the retry
// bookkeeping applies.
func (e *HTTPExecutor) Do(ctx context.Context, item *models.QueueItem) error {
	var action actionRequest
	if err := json.Unmarshal(item.Payload, &action); err != nil {
		return fmt.Errorf("decode action payload: %w", err)
	}

	var body io.Reader
	if len(action.Body) > 0 {
		body = bytes.NewReader(action.Body)
	}

	req, err := http.NewRequestWithContext(ctx, action.Method, action.URL, body)
	if err != nil {
		return err
	}
	for name, value := range action.Headers {
		req.Header.Set(name, value)
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("action %s rejected with status %d", item.Type, resp.StatusCode)
	}
	return nil
}
