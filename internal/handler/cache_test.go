package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"odic-edge/internal/cachestore"
	"odic-edge/internal/config"
	"odic-edge/internal/offline"
	"odic-edge/internal/report"
)

func newTestOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html><head></head></html>")
		case "/app.js":
			_, _ = io.WriteString(w, "console.log(1)")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestCacheHandler(t *testing.T, origin *httptest.Server) (*CacheHandler, *offline.Worker) {
	t.Helper()
	u, err := url.Parse(origin.URL)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	w := offline.NewWorker(offline.Options{Origin: u}, origin.Client(), cachestore.NewMemory(), report.Discard, nil, testLogger)
	cfg := &config.Config{Cache: config.CacheConfig{
		Generation: "odic-static-v6",
		Assets:     []string{"/", "/index.html", "/app.js"},
	}}
	return NewCacheHandler(w, cfg, testLogger), w
}

func TestNewCacheHandler_Disabled(t *testing.T) {
	if h := NewCacheHandler(nil, &config.Config{}, testLogger); h != nil {
		t.Errorf("NewCacheHandler(nil) = %v, want nil", h)
	}
}

func TestCacheHandler_Install(t *testing.T) {
	h, _ := newTestCacheHandler(t, newTestOrigin(t))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/edge/cache/install", http.NoBody)
	rec := httptest.NewRecorder()
	if err := h.Install(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var st offline.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.Active != "odic-static-v6" {
		t.Errorf("active = %q, want %q", st.Active, "odic-static-v6")
	}
}

func TestCacheHandler_Install_MissingAsset(t *testing.T) {
	h, _ := newTestCacheHandler(t, newTestOrigin(t))

	e := echo.New()
	body := `{"tag":"odic-static-v7","assets":["/","/missing.css"]}`
	req := httptest.NewRequest(http.MethodPost, "/edge/cache/install", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.Install(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestCacheHandler_Messages(t *testing.T) {
	h, _ := newTestCacheHandler(t, newTestOrigin(t))

	tests := []struct {
		name string
		body string
		want int
	}{
		{"skip waiting with nothing waiting", `{"type":"SKIP_WAITING"}`, http.StatusConflict},
		{"unknown type", `{"type":"CLAIM"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, CacheMessagesPath, strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			if err := h.Message(e.NewContext(req, rec)); err != nil {
				t.Fatalf("Message() error = %v", err)
			}
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

// readEvent returns the next event name on the stream.
func readEvent(t *testing.T, sc *bufio.Scanner) string {
	t.Helper()
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			return name
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return ""
}

func TestCacheHandler_EventsReloadOnTakeover(t *testing.T) {
	h, w := newTestCacheHandler(t, newTestOrigin(t))
	ctx := context.Background()

	if err := w.Install(ctx, GenerationFromConfig(&config.Config{Cache: config.CacheConfig{
		Generation: "odic-static-v5",
		Assets:     []string{"/", "/index.html"},
	}})); err != nil {
		t.Fatalf("install v5: %v", err)
	}

	e := echo.New()
	e.GET(CacheEventsPath, h.Events)
	e.POST(CacheMessagesPath, h.Message)
	srv := httptest.NewServer(e)
	defer srv.Close()

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(streamCtx, http.MethodGet, srv.URL+CacheEventsPath, http.NoBody)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	if got := readEvent(t, sc); got != "hello" {
		t.Fatalf("first event = %q, want hello", got)
	}

	// The page is controlled by v5, so v6 waits.
	if err := w.Install(ctx, GenerationFromConfig(&config.Config{Cache: config.CacheConfig{
		Generation: "odic-static-v6",
		Assets:     []string{"/", "/index.html", "/app.js"},
	}})); err != nil {
		t.Fatalf("install v6: %v", err)
	}
	if st := w.Status(ctx); st.Waiting != "odic-static-v6" {
		t.Fatalf("waiting = %q, want odic-static-v6", st.Waiting)
	}

	msg, err := srv.Client().Post(srv.URL+CacheMessagesPath, echo.MIMEApplicationJSON, strings.NewReader(`{"type":"SKIP_WAITING"}`))
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	_ = msg.Body.Close()
	if msg.StatusCode != http.StatusOK {
		t.Fatalf("message status = %d, want %d", msg.StatusCode, http.StatusOK)
	}

	if got := readEvent(t, sc); got != "reload" {
		t.Errorf("event = %q, want reload", got)
	}
	if st := w.Status(ctx); st.Active != "odic-static-v6" {
		t.Errorf("active = %q, want odic-static-v6", st.Active)
	}
}
