package cachestore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"redis":  NewRedis(rdb, "test"),
	}
}

func entry(key, body string) *Entry {
	return &Entry{
		Key:        key,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/css"}},
		Body:       []byte(body),
	}
}

func TestStore_PutAndMatch(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open(ctx, "v1")
			require.NoError(t, err)

			_, err = c.Match(ctx, "GET /style.css")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, c.Put(ctx, entry("GET /style.css", "body{}")))

			got, err := c.Match(ctx, "GET /style.css")
			require.NoError(t, err)
			assert.Equal(t, "v1", got.Generation)
			assert.Equal(t, []byte("body{}"), got.Body)
			assert.Equal(t, "text/css", got.Header.Get("Content-Type"))
			assert.False(t, got.StoredAt.IsZero())

			got, err = s.Match(ctx, "GET /style.css")
			require.NoError(t, err)
			assert.Equal(t, "v1", got.Generation)
		})
	}
}

func TestStore_KeysInCreationOrder(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, tag := range []string{"v1", "v2", "v3"} {
				_, err := s.Open(ctx, tag)
				require.NoError(t, err)
			}
			// Reopening must not move a tag.
			_, err := s.Open(ctx, "v1")
			require.NoError(t, err)

			keys, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"v1", "v2", "v3"}, keys)
		})
	}
}

func TestStore_DeleteDropsOnlyThatGeneration(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			old, err := s.Open(ctx, "v5")
			require.NoError(t, err)
			cur, err := s.Open(ctx, "v6")
			require.NoError(t, err)

			require.NoError(t, old.PutAll(ctx, []*Entry{entry("GET /app.js", "old"), entry("GET /old.js", "old")}))
			require.NoError(t, cur.PutAll(ctx, []*Entry{entry("GET /app.js", "new")}))

			existed, err := s.Delete(ctx, "v5")
			require.NoError(t, err)
			assert.True(t, existed)

			existed, err = s.Delete(ctx, "v5")
			require.NoError(t, err)
			assert.False(t, existed)

			keys, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"v6"}, keys)

			_, err = s.Match(ctx, "GET /old.js")
			assert.ErrorIs(t, err, ErrNotFound)

			got, err := s.Match(ctx, "GET /app.js")
			require.NoError(t, err)
			assert.Equal(t, "new", string(got.Body))
		})
	}
}

func TestStore_MatchPrefersOldestCache(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			a, err := s.Open(ctx, "a")
			require.NoError(t, err)
			b, err := s.Open(ctx, "b")
			require.NoError(t, err)
			require.NoError(t, b.Put(ctx, entry("GET /x", "from-b")))
			require.NoError(t, a.Put(ctx, entry("GET /x", "from-a")))

			got, err := s.Match(ctx, "GET /x")
			require.NoError(t, err)
			assert.Equal(t, "from-a", string(got.Body))
		})
	}
}

func TestStore_MatchEmpty(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Match(ctx, "GET /")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://dash.example/app.js?v=2", http.NoBody)
	assert.Equal(t, "GET /app.js?v=2", Key(req))
	assert.Equal(t, "GET /index.html", KeyFor("/index.html"))
}

func TestSnapshot(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       io.NopCloser(strings.NewReader("<html></html>")),
	}

	e, err := Snapshot("GET /", resp, 0)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(e.Body))

	// The response body is still readable after the snapshot.
	rest, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(rest))

	// The entry does not alias the response headers.
	resp.Header.Set("Content-Type", "text/plain")
	assert.Equal(t, "text/html", e.Header.Get("Content-Type"))
}

func TestSnapshot_Limit(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(strings.Repeat("x", 32))),
	}
	_, err := Snapshot("GET /big", resp, 16)
	assert.Error(t, err)

	rest, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, rest, 32, "an oversized body must still reach the caller intact")
}

func TestEntryResponse(t *testing.T) {
	e := entry("GET /style.css", "body{}")
	req := httptest.NewRequest(http.MethodGet, "/style.css", http.NoBody)

	resp := e.Response(req)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "6", resp.Header.Get("Content-Length"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(body))
	assert.Empty(t, e.Header.Get("Content-Length"), "entry header must not be mutated")
}
