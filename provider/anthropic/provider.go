// Package anthropic adapts the official Anthropic SDK to the engine's
// normalized streaming contract. Tool-use input arrives as partial JSON
// fragments across content_block_delta events; this package accumulates
// them per block and emits one complete tool_use_end at content_block_stop.
package anthropic

import (
	"context"
	"errors"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/athanor-ai/athanor"
)

// Provider implements athanor.Provider for the Anthropic Messages API.
type Provider struct {
	client sdk.Client
	model  string
	name   string
}

// Option configures a Provider.
type Option func(*config)

type config struct {
	model      string
	name       string
	baseURL    string
	httpClient *http.Client
}

// WithModel sets the fallback model used when a request names none.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithName overrides the routing name (default "anthropic").
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithBaseURL points the client at a proxy or compatible gateway.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New creates an adapter authenticated with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	cfg := config{name: "anthropic"}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}

	return &Provider{
		client: sdk.NewClient(reqOpts...),
		model:  cfg.model,
		name:   cfg.name,
	}
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
	params, err := buildParams(req, model)
	if err != nil {
		return err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	return consume(ctx, stream, ch)
}

// classify maps an SDK error to the engine's taxonomy. Rate limiting and
// server faults are retry eligible; auth and request shape errors are not.
// Transport failures without an HTTP status are treated as transient.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return athanor.E(athanor.KindCancelled, "request cancelled")
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		kind := athanor.KindProviderPermanent
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			kind = athanor.KindProviderTransient
		}
		return &athanor.Error{Kind: kind, Message: "anthropic request failed", Err: err}
	}
	return &athanor.Error{Kind: athanor.KindProviderTransient, Message: "anthropic stream failed", Err: err}
}

var _ athanor.Provider = (*Provider)(nil)
