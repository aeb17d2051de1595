// Package fetch provides the http_fetch tool: download a URL and return its
// text content, capped for model consumption.
package fetch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/athanor-ai/athanor"
)

const (
	maxBody    = 1 << 20 // read cap on the response body
	maxPayload = 8000    // chars returned to the model
)

const schema = `{
	"type": "object",
	"properties": {
		"url": {"type": "string", "description": "URL to fetch"}
	},
	"required": ["url"]
}`

// Option configures the fetch tool.
type Option func(*fetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *fetcher) { f.client = c }
}

type fetcher struct {
	client *http.Client
}

// Tool returns the http_fetch catalog entry with a 15-second client timeout.
func Tool(opts ...Option) *athanor.Tool {
	f := &fetcher{client: &http.Client{Timeout: 15 * time.Second}}
	for _, o := range opts {
		o(f)
	}
	return &athanor.Tool{
		Name:        "http_fetch",
		Description: "Fetch a URL and return its text content. Use for reading web pages, articles, documentation.",
		Category:    athanor.CategoryBackground,
		InputSchema: schema,
		Handler:     f.handle,
	}
}

func (f *fetcher) handle(ctx context.Context, inv athanor.Invocation) (string, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(inv.Args, &params); err != nil {
		return "", athanor.ToolErr(athanor.KindValidationError, inv.CallID, "invalid args: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return "", athanor.ToolErr(athanor.KindToolRuntimeError, inv.CallID, "invalid URL: %v", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; AthanorBot/1.0)")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", athanor.ToolErr(athanor.KindToolRuntimeError, inv.CallID, "fetch error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", athanor.ToolErr(athanor.KindToolRuntimeError, inv.CallID, "HTTP %d from %s", resp.StatusCode, params.URL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", athanor.ToolErr(athanor.KindToolRuntimeError, inv.CallID, "read error: %v", err)
	}

	content := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		content = stripHTML(content)
	}
	if len(content) > maxPayload {
		content = content[:maxPayload] + "\n... (truncated)"
	}
	return strings.TrimSpace(content), nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`<[^>]+>`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

// stripHTML drops scripts, styles, and markup, leaving readable text.
func stripHTML(html string) string {
	text := scriptRe.ReplaceAllString(html, "")
	text = tagRe.ReplaceAllString(text, "\n")
	text = blankRe.ReplaceAllString(text, "\n\n")
	return text
}
