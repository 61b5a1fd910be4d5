package offline

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"odic-edge/internal/cachestore"
)

// Fetch policy labels.
const (
	policyAPI         = "api"
	policyPassthrough = "passthrough"
	policyNavigation  = "navigation"
	policyStatic      = "static"
)

// Fetch serves req against the origin using the policy for its class:
//
//   - /api/*: network first, any cached entry on network failure
//   - other non-GET: network only
//   - navigation: network first with the cached shell as fallback; the
//     bypass query parameter forces network only
//   - other GET: cache first, network fill on miss
//
// Store failures are reported and treated as misses.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	switch {
	case isAPI(req.URL.Path):
		return w.networkFirst(ctx, req)
	case req.Method != http.MethodGet:
		w.countLookup(policyPassthrough, "network")
		return w.network.Do(w.outbound(ctx, req))
	case IsNavigation(req):
		return w.navigate(ctx, req)
	default:
		return w.cacheFirst(ctx, req)
	}
}

func (w *Worker) networkFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, netErr := w.network.Do(w.outbound(ctx, req))
	if netErr == nil {
		w.countLookup(policyAPI, "network")
		return resp, nil
	}

	if e := w.match(ctx, cachestore.Key(req)); e != nil {
		w.countLookup(policyAPI, "cache")
		return e.Response(req), nil
	}
	w.countLookup(policyAPI, "error")
	return nil, netErr
}

func (w *Worker) navigate(ctx context.Context, req *http.Request) (*http.Response, error) {
	if w.opts.BypassParam != "" && req.URL.Query().Get(w.opts.BypassParam) == "1" {
		w.countLookup(policyNavigation, "bypass")
		return w.network.Do(w.outbound(ctx, req))
	}

	// The shell read races the network fetch.
	tag := w.cacheTag()
	shell := make(chan *cachestore.Entry, 1)
	go func() {
		shell <- w.matchIn(ctx, tag, cachestore.KeyFor(w.opts.Shell))
	}()

	resp, netErr := w.network.Do(w.outbound(ctx, req))
	if netErr == nil {
		if resp.StatusCode == http.StatusOK {
			w.storeResponse(ctx, cachestore.KeyFor(w.opts.Shell), resp)
		}
		w.countLookup(policyNavigation, "network")
		return resp, nil
	}

	if e := <-shell; e != nil {
		w.countLookup(policyNavigation, "cache")
		return e.Response(req), nil
	}
	w.countLookup(policyNavigation, "error")
	return nil, netErr
}

func (w *Worker) cacheFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	key := cachestore.Key(req)
	if e := w.matchIn(ctx, w.cacheTag(), key); e != nil {
		w.countLookup(policyStatic, "cache")
		return e.Response(req), nil
	}

	resp, err := w.network.Do(w.outbound(ctx, req))
	if err != nil {
		w.countLookup(policyStatic, "error")
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		w.storeResponse(ctx, key, resp)
	}
	w.countLookup(policyStatic, "miss")
	return resp, nil
}

// match looks key up across all generations. A store failure is a miss.
func (w *Worker) match(ctx context.Context, key string) *cachestore.Entry {
	e, err := w.store.Match(ctx, key)
	return w.hit(ctx, key, e, err)
}

// matchIn looks key up in the cache of one generation only, so a waiting
// generation never answers for pages of the active one.
func (w *Worker) matchIn(ctx context.Context, tag, key string) *cachestore.Entry {
	if tag == "" {
		return nil
	}
	cache, err := w.store.Open(ctx, tag)
	if err != nil {
		return w.hit(ctx, key, nil, err)
	}
	e, err := cache.Match(ctx, key)
	return w.hit(ctx, key, e, err)
}

func (w *Worker) hit(ctx context.Context, key string, e *cachestore.Entry, err error) *cachestore.Entry {
	if err != nil {
		if !errors.Is(err, cachestore.ErrNotFound) {
			w.reporter.Report(ctx, "cache_store", err, "phase", "match", "key", key)
		}
		return nil
	}
	return e
}

// storeResponse writes resp into the cache lookups read from. resp stays
// readable by the caller.
func (w *Worker) storeResponse(ctx context.Context, key string, resp *http.Response) {
	tag := w.cacheTag()
	if tag == "" {
		return
	}
	e, err := cachestore.Snapshot(key, resp, w.opts.MaxEntryBytes)
	if err != nil {
		w.reporter.Report(ctx, "cache_store", err, "phase", "snapshot", "key", key)
		return
	}
	cache, err := w.store.Open(ctx, tag)
	if err == nil {
		err = cache.Put(ctx, e)
	}
	if err != nil {
		w.reporter.Report(ctx, "cache_store", err, "phase", "put", "key", key)
	}
}

// outbound rewrites an inbound request into a request against the origin.
// Accept-Encoding is dropped so the transport negotiates and decodes
// compression itself and cached bodies stay identity-encoded.
func (w *Worker) outbound(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	u, err := out.URL.Parse(w.originURL(req.URL.RequestURI()))
	if err == nil {
		out.URL = u
	}
	out.Host = ""
	out.RequestURI = ""
	out.Header.Del("Accept-Encoding")
	return out
}

func (w *Worker) countLookup(policy, result string) {
	if w.metrics != nil {
		w.metrics.CacheLookups.WithLabelValues(policy, result).Inc()
	}
}

func isAPI(path string) bool {
	return path == "/api" || strings.HasPrefix(path, "/api/")
}

// IsNavigation reports whether req is a full-page load: Sec-Fetch-Mode is
// navigate, or, for clients that do not send it, Accept asks for HTML.
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
