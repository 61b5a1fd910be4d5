// Package model defines shared types for the edge proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client API request to be forwarded upstream.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Host          string
	Path          string
	Query         url.Values
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
