package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/athanor-ai/athanor"
)

// Provider implements athanor.Provider over a chat completions endpoint.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the routing name (default "openaicompat").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithModel sets the fallback model used when a request names none.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// New creates an adapter for the endpoint at baseURL (e.g.
// "https://api.openai.com/v1"); the /chat/completions path is appended.
func New(apiKey, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openaicompat",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements athanor.Provider.
func (p *Provider) Name() string { return p.name }

// Stream implements athanor.Provider. It issues one streaming request and
// emits normalized events; it never retries.
func (p *Provider) Stream(ctx context.Context, req athanor.Request, ch chan<- athanor.ProviderEvent) error {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := buildBody(req, model)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	payload, err := json.Marshal(body)
	if err != nil {
		return &athanor.Error{Kind: athanor.KindProviderPermanent, Message: "marshal request", Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return &athanor.Error{Kind: athanor.KindProviderPermanent, Message: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return athanor.E(athanor.KindCancelled, "request cancelled")
		}
		return &athanor.Error{Kind: athanor.KindProviderTransient, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p.httpErr(resp)
	}
	return streamSSE(ctx, resp.Body, ch)
}

// httpErr classifies an upstream rejection. Rate limiting and server faults
// are retry eligible; everything else (auth, bad request, quota) is not.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	kind := athanor.KindProviderPermanent
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		kind = athanor.KindProviderTransient
	}
	return athanor.E(kind, "%s: http %d: %s", p.name, resp.StatusCode, string(body))
}

var _ athanor.Provider = (*Provider)(nil)
