package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

// logLine is the subset of a JSON log record the tests check.
type logLine struct {
	Level  string `json:"level"`
	Msg    string `json:"msg"`
	Host   string `json:"host"`
	Path   string `json:"path"`
	Status int    `json:"status"`
}

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name       string
		handler    echo.HandlerFunc
		wantLevel  string
		wantStatus int
	}{
		{
			name:       "ok is info",
			handler:    func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
			wantLevel:  "INFO",
			wantStatus: http.StatusOK,
		},
		{
			name:       "client error is info",
			handler:    func(c echo.Context) error { return c.String(http.StatusNotFound, "nope") },
			wantLevel:  "INFO",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "written 5xx is warn",
			handler:    func(c echo.Context) error { return c.String(http.StatusBadGateway, "down") },
			wantLevel:  "WARN",
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "returned http error",
			handler:    func(echo.Context) error { return echo.NewHTTPError(http.StatusServiceUnavailable) },
			wantLevel:  "WARN",
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "returned plain error",
			handler:    func(echo.Context) error { return errors.New("boom") },
			wantLevel:  "WARN",
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			e := echo.New()
			e.Use(RequestLogger(logger))
			e.GET("/vendors", tt.handler)

			req := httptest.NewRequest(http.MethodGet, "/vendors", http.NoBody)
			req.Host = "dashboard-staging.odicinternational.com"
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("response status = %d, want %d", rec.Code, tt.wantStatus)
			}

			var line logLine
			if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
				t.Fatalf("log output %q: %v", buf.String(), err)
			}
			if line.Level != tt.wantLevel {
				t.Errorf("level = %q, want %q", line.Level, tt.wantLevel)
			}
			if line.Msg != "request" {
				t.Errorf("msg = %q, want %q", line.Msg, "request")
			}
			if line.Host != "dashboard-staging.odicinternational.com" {
				t.Errorf("host = %q, want %q", line.Host, "dashboard-staging.odicinternational.com")
			}
			if line.Path != "/vendors" {
				t.Errorf("path = %q, want %q", line.Path, "/vendors")
			}
			if line.Status != tt.wantStatus {
				t.Errorf("logged status = %d, want %d", line.Status, tt.wantStatus)
			}
		})
	}
}
