package strategy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Request describes one outbound request intercepted by the engine. The
// engine is content-agnostic: body and headers pass through untouched.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the opaque result of resolving a request, from the network or
// from a cache table.
type Response struct {
	Status    int
	Headers   map[string]string
	Body      []byte
	FromCache bool
	CachedAt  time.Time
}

// OK reports whether the response carries a cacheable success status.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Fetcher performs a single network call for a request. Implementations must
// honour context cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// defaultClientTimeout bounds fetches made with the fallback client so a
// stalled server cannot park a background refresh forever.
const defaultClientTimeout = 30 * time.Second

// HTTPFetcher resolves requests over net/http.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher builds a fetcher around the supplied client. Passing nil
// selects a client with defaultClientTimeout.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	return &HTTPFetcher{Client: client}
}

// Fetch executes the request and captures the full response body.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}

	httpResp, err := f.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(httpResp.Header))
	for name := range httpResp.Header {
		headers[name] = httpResp.Header.Get(name)
	}

	return &Response{
		Status:  httpResp.StatusCode,
		Headers: headers,
		Body:    data,
	}, nil
}
