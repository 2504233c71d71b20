package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// FakeResponse is what FakeHTTPClient returns for a path.
type FakeResponse struct {
	Status int // 0 means 200
	Body   []byte
	Err    error // returned from Do instead of a response
}

// FakeHTTPClient serves canned responses keyed by URL path (without the
// leading slash) and records how many requests were in flight at once.
// Paths with no response get a 404. Safe for concurrent use.
type FakeHTTPClient struct {
	// Delay is held inside Do for every request so concurrency is observable.
	Delay time.Duration

	mu        sync.Mutex
	responses map[string]FakeResponse
	requests  []string
	agents    map[string]int

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// NewFakeHTTPClient creates an empty FakeHTTPClient.
func NewFakeHTTPClient() *FakeHTTPClient {
	return &FakeHTTPClient{
		responses: make(map[string]FakeResponse),
		agents:    make(map[string]int),
	}
}

// Serve registers a 200 response for path.
func (c *FakeHTTPClient) Serve(path string, body []byte) {
	c.Respond(path, FakeResponse{Body: body})
}

// Respond registers an arbitrary response for path.
func (c *FakeHTTPClient) Respond(path string, resp FakeResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[strings.TrimPrefix(path, "/")] = resp
}

func (c *FakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		cur := c.maxInFlight.Load()
		if n <= cur || c.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	path := strings.TrimPrefix(req.URL.Path, "/")

	c.mu.Lock()
	c.requests = append(c.requests, path)
	c.agents[req.Header.Get("User-Agent")]++
	resp, ok := c.responses[path]
	c.mu.Unlock()

	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	if !ok {
		return newResponse(req, http.StatusNotFound, []byte("not found")), nil
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	return newResponse(req, status, resp.Body), nil
}

// MaxInFlight returns the highest number of concurrent Do calls observed.
func (c *FakeHTTPClient) MaxInFlight() int {
	return int(c.maxInFlight.Load())
}

// Requests returns the requested paths in arrival order.
func (c *FakeHTTPClient) Requests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.requests))
	copy(out, c.requests)
	return out
}

// RequestCount returns how many times path was requested.
func (c *FakeHTTPClient) RequestCount(path string) int {
	path = strings.TrimPrefix(path, "/")
	n := 0
	for _, p := range c.Requests() {
		if p == path {
			n++
		}
	}
	return n
}

// UserAgents returns the distinct User-Agent values seen.
func (c *FakeHTTPClient) UserAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.agents))
	for ua := range c.agents {
		out = append(out, ua)
	}
	return out
}

func newResponse(req *http.Request, status int, body []byte) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        make(http.Header),
		Request:       req,
	}
}

// ErrConnectionRefused is a ready-made transport error for FakeResponse.Err.
var ErrConnectionRefused = errors.New("connection refused")

// compile-time check that the fake matches the method set used by fetch.HTTPClient
var _ interface {
	Do(*http.Request) (*http.Response, error)
} = (*FakeHTTPClient)(nil)
