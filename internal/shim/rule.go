// Package shim holds the API URL rewrite rule and renders the browser
// script that applies it to fetch, XMLHttpRequest and native vendor form
// submissions.
package shim

import (
	"net/url"
	"strings"
)

// apiPrefix is the API namespace shared by the page and the API origin.
const apiPrefix = "/api/"

// Rule maps a requested URL to the API origin when it targets the API
// namespace on the page host or on a known deployment host.
type Rule struct {
	// APIBase is the resolved API origin, e.g. https://api.odicinternational.com.
	APIBase string
	// PageHost is the host (with port, if any) of the page issuing requests.
	PageHost string
	// DeploymentHosts are host substrings of deployments that serve the
	// dashboard and should never receive API calls directly.
	DeploymentHosts []string
}

// Rewrite returns raw redirected to the API base, or raw unchanged. Relative
// URLs resolve against the page host. Rewrite is idempotent.
func (r Rule) Rewrite(raw string) string {
	base, err := url.Parse(r.APIBase)
	if err != nil || base.Host == "" {
		return raw
	}

	page := &url.URL{Scheme: "https", Host: r.PageHost, Path: "/"}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u := page.ResolveReference(ref)

	if !strings.HasPrefix(u.Path, apiPrefix) {
		return raw
	}
	host := strings.ToLower(u.Host)
	if host == strings.ToLower(base.Host) {
		return raw
	}
	if host != strings.ToLower(r.PageHost) && !r.isDeploymentHost(host) {
		return raw
	}

	out := strings.TrimRight(r.APIBase, "/") + u.EscapedPath()
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

func (r Rule) isDeploymentHost(host string) bool {
	for _, marker := range r.DeploymentHosts {
		if marker != "" && strings.Contains(host, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
