package toolbuiltin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/agentcore/engine/pkg/tool"
)

const (
	defaultFetchTimeout  = 15 * time.Second
	maxFetchTimeout      = 60 * time.Second
	defaultFetchCacheTTL = 15 * time.Minute
	defaultFetchMaxBytes = 2 << 20 // 2 MiB
	maxFetchRedirects    = 5
)

// WebFetchTool retrieves a URL's raw body, caching responses briefly so a
// multi-step turn that references the same page repeatedly doesn't refetch
// it. It is a reference implementation of the fetch contract, not the
// HTML-to-markdown, AI-summarized production fetch pipeline.
type WebFetchTool struct {
	client  *http.Client
	maxTTL  time.Duration
	maxSize int64

	mu    sync.Mutex
	cache map[string]cachedFetch
}

type cachedFetch struct {
	body      string
	fetchedAt time.Time
}

// NewWebFetchTool builds a WebFetchTool with its own HTTP client.
func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxFetchRedirects {
					return fmt.Errorf("stopped after %d redirects", maxFetchRedirects)
				}
				return nil
			},
		},
		maxTTL:  defaultFetchCacheTTL,
		maxSize: defaultFetchMaxBytes,
		cache:   make(map[string]cachedFetch),
	}
}

func (t *WebFetchTool) Name() string        { return "web_fetch" }
func (t *WebFetchTool) Kind() tool.Kind       { return tool.KindFetch }
func (t *WebFetchTool) Description() string { return "Fetch a URL and return its body as text." }

func (t *WebFetchTool) Schema() *tool.JSONSchema {
	return &tool.JSONSchema{
		Type: "object",
		Properties: map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "The URL to fetch. Must be http or https.",
			},
			"timeout_ms": map[string]interface{}{
				"type":        "integer",
				"description": fmt.Sprintf("Timeout in milliseconds, up to %d.", maxFetchTimeout.Milliseconds()),
			},
		},
		Required: []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, params map[string]interface{}) (*tool.ToolResult, error) {
	raw, err := requiredString(params, "url")
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("url must be an absolute http(s) URL")
	}

	if body, ok := t.cached(raw); ok {
		return &tool.ToolResult{Success: true, Output: body, AdditionalContext: "served from cache"}, nil
	}

	timeout := time.Duration(optionalInt(params, "timeout_ms", int(defaultFetchTimeout.Milliseconds()))) * time.Millisecond
	if timeout <= 0 || timeout > maxFetchTimeout {
		timeout = defaultFetchTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", raw, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, t.maxSize)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &tool.ToolResult{Success: false, Output: string(data), Error: fmt.Errorf("fetch %s: status %d", raw, resp.StatusCode)}, nil
	}

	body := string(data)
	t.store(raw, body)
	return &tool.ToolResult{Success: true, Output: body}, nil
}

func (t *WebFetchTool) cached(url string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.cache[url]
	if !ok {
		return "", false
	}
	if time.Since(entry.fetchedAt) > t.maxTTL {
		delete(t.cache, url)
		return "", false
	}
	return entry.body, true
}

func (t *WebFetchTool) store(url, body string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache[url] = cachedFetch{body: body, fetchedAt: time.Now()}
}
