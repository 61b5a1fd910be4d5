// Package interceptor composes named http.RoundTripper transforms into a
// chain that can be installed on any *http.Client exactly once.
package interceptor

import (
	"context"
	"net/http"
	"slices"
	"sync"
)

// Transform wraps a RoundTripper.
type Transform func(next http.RoundTripper) http.RoundTripper

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements http.RoundTripper.
func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Chain is an ordered set of named transforms. The first registered
// transform sees the request first.
type Chain struct {
	mu         sync.RWMutex
	names      []string
	transforms map[string]Transform
}

// New returns an empty Chain.
func New() *Chain {
	return &Chain{transforms: make(map[string]Transform)}
}

// Register adds t under name. It reports false, and keeps the existing
// transform, when name is already registered.
func (c *Chain) Register(name string, t Transform) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.transforms[name]; ok {
		return false
	}
	c.names = append(c.names, name)
	c.transforms[name] = t
	return true
}

// Names lists registered transforms in order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.names)
}

// Then wraps base with every registered transform.
func (c *Chain) Then(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	rt := base
	for i := len(c.names) - 1; i >= 0; i-- {
		rt = c.transforms[c.names[i]](rt)
	}
	return rt
}

// installed is the transport EnsureInstalled puts on a client. The chain is
// applied per request so transforms registered later still take effect.
type installed struct {
	chain *Chain
	base  http.RoundTripper
}

func (t *installed) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.chain.Then(t.base).RoundTrip(req)
}

// EnsureInstalled puts the chain on client's transport. Calling it again
// on the same client is a no-op; a transport that replaced the chain gets
// wrapped again.
func (c *Chain) EnsureInstalled(client *http.Client) {
	if t, ok := client.Transport.(*installed); ok && t.chain == c {
		return
	}
	client.Transport = &installed{chain: c, base: client.Transport}
}

type pageHostKey struct{}

// WithPageHost records the host of the page a request is made for.
func WithPageHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, pageHostKey{}, host)
}

// PageHost returns the page host recorded in ctx, or "".
func PageHost(ctx context.Context) string {
	host, _ := ctx.Value(pageHostKey{}).(string)
	return host
}
