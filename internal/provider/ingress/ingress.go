// Package ingress implements the uniform "make an HTTP request that lands on
// a logical port inside a machine" primitive shared by all providers.
//
// Every machine runs an ingress proxy listening on a single physical port
// (ProxyPort). Requests are physically sent to that port and carry the
// logical in-machine target as a header, which the proxy uses for routing.
package ingress

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/iterate-ops/machines/internal/model"
)

const (
	// ProxyPort is the fixed physical port the in-machine ingress proxy
	// listens on. All fetcher traffic lands here regardless of the logical
	// target port.
	ProxyPort = 8080

	// TargetHostHeader conveys the logical in-machine destination of a
	// proxied request. When the caller sets it explicitly it is passed
	// through untouched.
	TargetHostHeader = "x-iterate-proxy-target-host"
)

// FetcherConfig is the configuration for a Fetcher.
type FetcherConfig struct {
	// BaseURL is the reachable URL of the machine's ingress port, as
	// resolved by the provider (host port mapping, tunnel URL, proxy
	// domain or app domain).
	BaseURL string
	// TargetPort is the logical in-machine port requests are routed to.
	TargetPort int
	// Client is the HTTP client used to issue requests. Defaults to
	// http.DefaultClient.
	Client *http.Client
}

func (c *FetcherConfig) defaults() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required: %w", model.ErrNotValid)
	}
	if c.TargetPort <= 0 || c.TargetPort > 65535 {
		return fmt.Errorf("target port %d is out of range: %w", c.TargetPort, model.ErrNotValid)
	}
	if c.Client == nil {
		c.Client = http.DefaultClient
	}
	return nil
}

// Fetcher issues HTTP requests through a machine's ingress proxy.
//
// A Fetcher is bound to one logical target port. It is safe for concurrent
// use.
type Fetcher struct {
	baseURL *url.URL
	port    int
	client  *http.Client
}

// NewFetcher creates a new Fetcher.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("could not parse base URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute: %w", cfg.BaseURL, model.ErrNotValid)
	}

	return &Fetcher{
		baseURL: base,
		port:    cfg.TargetPort,
		client:  cfg.Client,
	}, nil
}

// TargetPort returns the logical in-machine port this fetcher routes to.
func (f *Fetcher) TargetPort() int { return f.port }

// BaseURL returns the physical ingress URL this fetcher connects to.
func (f *Fetcher) BaseURL() string { return f.baseURL.String() }

// Do sends req through the machine's ingress proxy.
//
// The request's authority (scheme and host) is rewritten to the ingress base
// URL while path and query are preserved, so absolute URLs pointing anywhere
// still land on this machine. All request headers are kept as-is — the
// request is redirected, not rebuilt — so connection-upgrade semantics
// (WebSocket handshakes) survive. The logical target port header is added
// only when the caller has not set it.
func (f *Fetcher) Do(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	f.rewrite(out)

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("ingress request failed: %w", err)
	}

	return resp, nil
}

// Fetch is a convenience wrapper over Do for simple requests. The target may
// be a path ("/healthz"), a path with query, or an absolute URL whose
// authority will be discarded.
func (f *Fetcher) Fetch(ctx context.Context, method, target string, body io.Reader) (*http.Response, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("could not parse target %q: %w", target, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("could not build request: %w", err)
	}

	return f.Do(req)
}

// rewrite points req at the ingress proxy, keeping path, query and headers.
func (f *Fetcher) rewrite(req *http.Request) {
	req.URL.Scheme = f.baseURL.Scheme
	req.URL.Host = f.baseURL.Host
	req.Host = f.baseURL.Host

	if req.Header == nil {
		req.Header = http.Header{}
	}
	if req.Header.Get(TargetHostHeader) == "" {
		req.Header.Set(TargetHostHeader, fmt.Sprintf("localhost:%d", f.port))
	}
}
