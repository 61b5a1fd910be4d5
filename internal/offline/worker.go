// Package offline implements the cache manager that fronts the site origin:
// generation install and activation, and the per-request fetch policies.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"odic-edge/internal/cachestore"
	"odic-edge/internal/metrics"
	"odic-edge/internal/report"
)

// SkipWaitingMessage asks a waiting generation to activate now.
const SkipWaitingMessage = "SKIP_WAITING"

// ErrNothingWaiting is returned by SkipWaiting when no generation is installed and waiting.
var ErrNothingWaiting = errors.New("offline: no generation is waiting")

// ErrUnknownMessage is returned by PostMessage for unrecognized message types.
var ErrUnknownMessage = errors.New("offline: unknown message type")

// Generation is a versioned asset set. Tag names its cache.
type Generation struct {
	Tag    string   `json:"tag"`
	Assets []string `json:"assets"`
}

// Message is a control message sent to the worker.
type Message struct {
	Type string `json:"type"`
}

// Client is a page controlled by the worker.
type Client interface {
	ID() string
	// Reload asks the page to reload itself.
	Reload(ctx context.Context) error
}

// Doer sends network requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Worker.
type Options struct {
	Origin *url.URL
	// FallbackTag names the cache runtime fills use while no generation is
	// active, e.g. after a failed startup install.
	FallbackTag   string
	Shell         string
	BypassParam   string
	Concurrency   int
	MaxEntryBytes int64
}

// Status is a point-in-time view of the worker.
type Status struct {
	State      string   `json:"state"`
	Active     string   `json:"active,omitempty"`
	Waiting    string   `json:"waiting,omitempty"`
	Installing string   `json:"installing,omitempty"`
	Clients    int      `json:"clients"`
	Caches     []string `json:"caches"`
}

type attachment struct {
	client Client
	gen    string
}

// Worker owns the generation caches and serves fetches against the origin.
type Worker struct {
	opts     Options
	network  Doer
	store    cachestore.Store
	reporter report.Reporter
	metrics  *metrics.Metrics
	logger   *slog.Logger

	installs singleflight.Group

	mu         sync.Mutex
	state      State
	active     *Generation
	waiting    *Generation
	installing *Generation
	clients    map[*attachment]struct{}
}

// NewWorker creates a Worker. The metrics parameter is optional.
func NewWorker(opts Options, network Doer, store cachestore.Store, reporter report.Reporter, m *metrics.Metrics, logger *slog.Logger) *Worker {
	if opts.Shell == "" {
		opts.Shell = "/index.html"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Worker{
		opts:     opts,
		network:  network,
		store:    store,
		reporter: reporter,
		metrics:  m,
		logger:   logger.With("component", "offline_worker"),
		clients:  make(map[*attachment]struct{}),
	}
}

// Install fetches every asset of gen and stores them in gen's cache. Either
// all assets are stored or none. Concurrent installs of one tag share a
// single run. A generation that is already active or waiting is a no-op.
func (w *Worker) Install(ctx context.Context, gen Generation) error {
	_, err, _ := w.installs.Do(gen.Tag, func() (any, error) {
		return nil, w.install(ctx, gen)
	})
	return err
}

func (w *Worker) install(ctx context.Context, gen Generation) error {
	w.mu.Lock()
	if (w.active != nil && w.active.Tag == gen.Tag) || (w.waiting != nil && w.waiting.Tag == gen.Tag) {
		w.mu.Unlock()
		return nil
	}
	w.installing = &gen
	prev := w.state
	w.state = StateInstalling
	w.mu.Unlock()

	w.logger.Info("installing generation", "tag", gen.Tag, "assets", len(gen.Assets))

	if err := w.precache(ctx, gen); err != nil {
		w.mu.Lock()
		w.installing = nil
		w.state = prev
		w.mu.Unlock()
		return fmt.Errorf("install %s: %w", gen.Tag, err)
	}

	w.mu.Lock()
	w.installing = nil
	w.waiting = &gen
	w.state = StateInstalled
	activateNow := w.active == nil || w.controlledLocked(w.active.Tag) == 0
	w.mu.Unlock()

	w.logger.Info("generation installed", "tag", gen.Tag, "activate_now", activateNow)
	if activateNow {
		return w.activate(ctx)
	}
	return nil
}

// precache fetches the assets concurrently and commits them in one PutAll.
func (w *Worker) precache(ctx context.Context, gen Generation) error {
	entries := make([]*cachestore.Entry, len(gen.Assets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Concurrency)
	for i, asset := range gen.Assets {
		g.Go(func() error {
			e, err := w.fetchAsset(gctx, asset)
			if err != nil {
				return err
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	cache, err := w.store.Open(ctx, gen.Tag)
	if err != nil {
		return err
	}
	return cache.PutAll(ctx, entries)
}

func (w *Worker) fetchAsset(ctx context.Context, asset string) (*cachestore.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.originURL(asset), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", asset, err)
	}
	resp, err := w.network.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", asset, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("asset %s: origin returned %d", asset, resp.StatusCode)
	}
	return cachestore.Snapshot(cachestore.KeyFor(asset), resp, w.opts.MaxEntryBytes)
}

// PostMessage delivers a control message.
func (w *Worker) PostMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case SkipWaitingMessage:
		return w.SkipWaiting(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// SkipWaiting activates the waiting generation without waiting for the old
// generation's clients to go away.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	w.mu.Lock()
	waiting := w.waiting != nil
	w.mu.Unlock()
	if !waiting {
		return ErrNothingWaiting
	}
	return w.activate(ctx)
}

// Attach registers a controlled client. The returned func detaches it;
// when the last client of the active generation leaves, a waiting
// generation activates.
func (w *Worker) Attach(c Client) (detach func()) {
	a := &attachment{client: c}

	w.mu.Lock()
	if w.active != nil {
		a.gen = w.active.Tag
	}
	w.clients[a] = struct{}{}
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.clients, a)
			activate := w.waiting != nil && w.active != nil && w.controlledLocked(w.active.Tag) == 0
			w.mu.Unlock()

			if activate {
				if err := w.activate(context.Background()); err != nil {
					w.reporter.Report(context.Background(), "offline_worker", err, "phase", "activate_on_detach")
				}
			}
		})
	}
}

// activate deletes every other generation's cache, then claims all
// clients. Clients that were controlled by an older generation get one
// Reload.
func (w *Worker) activate(ctx context.Context) error {
	w.mu.Lock()
	gen := w.waiting
	if gen == nil {
		w.mu.Unlock()
		return nil
	}
	w.state = StateActivating
	w.mu.Unlock()

	if err := w.purgeExcept(ctx, gen.Tag); err != nil {
		w.mu.Lock()
		w.state = StateInstalled
		w.mu.Unlock()
		return fmt.Errorf("activate %s: %w", gen.Tag, err)
	}

	w.mu.Lock()
	if w.waiting != gen {
		// A concurrent activation already promoted it.
		w.mu.Unlock()
		return nil
	}
	w.active = gen
	w.waiting = nil
	w.state = StateActivated
	var stale []Client
	for a := range w.clients {
		if a.gen != "" && a.gen != gen.Tag {
			stale = append(stale, a.client)
		}
		a.gen = gen.Tag
	}
	w.mu.Unlock()

	w.logger.Info("generation activated", "tag", gen.Tag, "reloading_clients", len(stale))

	for _, c := range stale {
		if err := c.Reload(ctx); err != nil {
			w.reporter.Report(ctx, "offline_worker", err, "phase", "reload", "client", c.ID())
		}
	}
	return nil
}

func (w *Worker) purgeExcept(ctx context.Context, keep string) error {
	tags, err := w.store.Keys(ctx)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if tag == keep {
			continue
		}
		if _, err := w.store.Delete(ctx, tag); err != nil {
			return err
		}
		w.logger.Info("deleted cache generation", "tag", tag)
	}
	return nil
}

// controlledLocked counts clients controlled by tag. w.mu must be held.
func (w *Worker) controlledLocked(tag string) int {
	n := 0
	for a := range w.clients {
		if a.gen == tag {
			n++
		}
	}
	return n
}

// Status returns a snapshot of the worker state.
func (w *Worker) Status(ctx context.Context) Status {
	w.mu.Lock()
	st := Status{
		State:   w.state.String(),
		Clients: len(w.clients),
	}
	if w.active != nil {
		st.Active = w.active.Tag
	}
	if w.waiting != nil {
		st.Waiting = w.waiting.Tag
	}
	if w.installing != nil {
		st.Installing = w.installing.Tag
	}
	w.mu.Unlock()

	tags, err := w.store.Keys(ctx)
	if err != nil {
		w.reporter.Report(ctx, "cache_store", err, "phase", "status")
	}
	st.Caches = slices.Clone(tags)
	if st.Caches == nil {
		st.Caches = []string{}
	}
	return st
}

// cacheTag is the generation static and navigation fetches read and fill:
// the active one, else the fallback.
func (w *Worker) cacheTag() string {
	if tag := w.activeTag(); tag != "" {
		return tag
	}
	return w.opts.FallbackTag
}

// activeTag returns the controlling generation's tag, or "".
func (w *Worker) activeTag() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil {
		return ""
	}
	return w.active.Tag
}

func (w *Worker) originURL(requestURI string) string {
	u := *w.opts.Origin
	ref, err := url.Parse(requestURI)
	if err != nil {
		return u.String() + requestURI
	}
	return u.ResolveReference(ref).String()
}
