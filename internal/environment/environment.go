// Package environment classifies request hosts into upstream API targets.
package environment

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Environment identifies which upstream API a host is served by.
type Environment int

const (
	Production Environment = iota
	Staging
)

// String returns the lowercase environment name used in logs and metric labels.
func (e Environment) String() string {
	switch e {
	case Staging:
		return "staging"
	default:
		return "production"
	}
}

// UpstreamTarget is the API origin selected for a single request.
type UpstreamTarget struct {
	Origin      *url.URL
	Environment Environment
}

// APIBase returns the origin as a string without a trailing slash.
func (t UpstreamTarget) APIBase() string {
	return strings.TrimRight(t.Origin.String(), "/")
}

// Options configures a Resolver.
type Options struct {
	ProductionURL   string
	StagingURL      string
	StagingMarkers  []string
	PreviewSuffixes []string
}

// Resolver maps a Host header to an UpstreamTarget. It holds only the
// immutable configuration; every Resolve call classifies from scratch.
type Resolver struct {
	production *url.URL
	staging    *url.URL
	markers    []string
	suffixes   []string
}

// NewResolver parses the configured origins.
func NewResolver(opts Options) (*Resolver, error) {
	prod, err := parseOrigin(opts.ProductionURL)
	if err != nil {
		return nil, fmt.Errorf("production origin: %w", err)
	}
	stg, err := parseOrigin(opts.StagingURL)
	if err != nil {
		return nil, fmt.Errorf("staging origin: %w", err)
	}

	r := &Resolver{production: prod, staging: stg}
	for _, m := range opts.StagingMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			r.markers = append(r.markers, m)
		}
	}
	for _, s := range opts.PreviewSuffixes {
		if s = strings.ToLower(strings.Trim(strings.TrimSpace(s), ".")); s != "" {
			r.suffixes = append(r.suffixes, s)
		}
	}
	return r, nil
}

func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute URL", raw)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// Resolve classifies host. It is total: anything not recognised as staging
// is production.
func (r *Resolver) Resolve(host string) UpstreamTarget {
	if r.IsStaging(host) {
		return r.Target(Staging)
	}
	return r.Target(Production)
}

// Target returns the fixed target of env.
func (r *Resolver) Target(env Environment) UpstreamTarget {
	if env == Staging {
		return UpstreamTarget{Origin: clone(r.staging), Environment: Staging}
	}
	return UpstreamTarget{Origin: clone(r.production), Environment: Production}
}

// IsStaging reports whether host carries a staging marker or belongs to a
// preview deployment domain.
func (r *Resolver) IsStaging(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	for _, m := range r.markers {
		if strings.Contains(h, m) {
			return true
		}
	}

	name := h
	if hn, _, err := net.SplitHostPort(h); err == nil {
		name = hn
	}
	name = strings.TrimSuffix(name, ".")
	for _, s := range r.suffixes {
		if name == s || strings.HasSuffix(name, "."+s) {
			return true
		}
	}
	return false
}

func clone(u *url.URL) *url.URL {
	c := *u
	return &c
}
