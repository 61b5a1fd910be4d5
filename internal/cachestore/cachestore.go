// Package cachestore provides the generation-tagged key-value store behind
// the offline cache manager. One named cache exists per generation tag.
package cachestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ErrNotFound is returned when no entry matches a key.
var ErrNotFound = errors.New("cachestore: entry not found")

// Entry is a stored response snapshot.
type Entry struct {
	Key        string      `json:"key"`
	Generation string      `json:"generation"`
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}

// Cache is the named cache of a single generation.
type Cache interface {
	Match(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, e *Entry) error
	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, entries []*Entry) error
}

// Store holds the caches of every generation.
type Store interface {
	// Open returns the cache for tag, creating it if needed.
	Open(ctx context.Context, tag string) (Cache, error)
	// Keys lists cache tags in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete drops the cache for tag and reports whether it existed.
	Delete(ctx context.Context, tag string) (bool, error)
	// Match searches every cache in creation order.
	Match(ctx context.Context, key string) (*Entry, error)
}

// Key returns the cache key of a request: its method and request URI.
func Key(r *http.Request) string {
	return r.Method + " " + r.URL.RequestURI()
}

// KeyFor returns the cache key of a GET for path.
func KeyFor(path string) string {
	return http.MethodGet + " " + path
}

// Snapshot buffers resp into an Entry. resp.Body is replaced with a fresh
// reader over the buffered bytes so the caller can still return it.
func Snapshot(key string, resp *http.Response, limit int64) (*Entry, error) {
	orig := resp.Body
	var r io.Reader = orig
	if limit > 0 {
		r = io.LimitReader(orig, limit+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		_ = orig.Close()
		return nil, fmt.Errorf("snapshot %s: %w", key, err)
	}
	if limit > 0 && int64(len(body)) > limit {
		// Too large to store; hand the caller the full stream back.
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(body), orig), orig}
		return nil, fmt.Errorf("snapshot %s: body exceeds %d bytes", key, limit)
	}
	_ = orig.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &Entry{
		Key:        key,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   time.Now().UTC(),
	}, nil
}

// Response rebuilds an *http.Response from the entry for req.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode)),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func stamp(tag string, e *Entry) *Entry {
	cp := *e
	cp.Generation = tag
	if cp.StoredAt.IsZero() {
		cp.StoredAt = time.Now().UTC()
	}
	return &cp
}

type readCloser struct {
	io.Reader
	io.Closer
}
