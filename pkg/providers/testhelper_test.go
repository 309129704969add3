package providers

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/samvad-hq/samvad-podcast-enricher/pkg/httpclient"
)

type mockResponse struct {
	body       []byte
	statusCode int
}

func (r mockResponse) Body() []byte    { return r.body }
func (r mockResponse) StatusCode() int { return r.statusCode }

type recordedCall struct {
	method  string
	url     string
	headers map[string]string
	body    any
}

// scriptedClient answers requests through handle and records every call.
type scriptedClient struct {
	mu     sync.Mutex
	calls  []recordedCall
	handle func(method, url string, body any) (int, string, error)
}

func (c *scriptedClient) do(method, url string, headers map[string]string, body any) (httpclient.Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, recordedCall{method: method, url: url, headers: headers, body: body})
	c.mu.Unlock()

	status, payload, err := c.handle(method, url, body)
	if err != nil {
		return nil, err
	}
	if status == 0 {
		status = 200
	}
	return mockResponse{body: []byte(payload), statusCode: status}, nil
}

func (c *scriptedClient) Get(_ context.Context, url string, headers map[string]string) (httpclient.Response, error) {
	return c.do("GET", url, headers, nil)
}

func (c *scriptedClient) PostJSON(_ context.Context, url string, headers map[string]string, body any) (httpclient.Response, error) {
	return c.do("POST", url, headers, body)
}

func (c *scriptedClient) callCount(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if strings.Contains(call.url, substr) {
			n++
		}
	}
	return n
}

// nested builds {"a": {"b": {"c": value}}} from "a.b.c".
func nested(path string, value any) map[string]any {
	parts := strings.Split(path, ".")
	out := map[string]any{}
	cur := out
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			break
		}
		next := map[string]any{}
		cur[p] = next
		cur = next
	}
	return out
}

func jsonString(v any) (string, error) {
	raw, err := json.Marshal(v)
	return string(raw), err
}
