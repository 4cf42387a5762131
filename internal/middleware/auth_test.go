package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthMiddleware_WithValidToken(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		id, ok := GetUserIDFromContext(r.Context())
		if !ok {
			t.Fatalf("user id not in context")
		}
		if id != 42 {
			t.Fatalf("user id from context = %d, want 42", id)
		}
	})

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer "+m.IssueToken(42))

	m.Middleware(next).ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	other := NewAuthMiddleware("other-secret")

	tests := []struct {
		name   string
		header string
	}{
		{name: "no header", header: ""},
		{name: "wrong scheme", header: "Basic " + m.IssueToken(1)},
		{name: "foreign signature", header: "Bearer " + other.IssueToken(1)},
		{name: "tampered id", header: "Bearer 2." + strings.SplitN(m.IssueToken(1), ".", 2)[1]},
		{name: "garbage", header: "Bearer garbage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("next handler should not be called")
			})

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			m.Middleware(next).ServeHTTP(w, r)

			res := w.Result()
			if res.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
			}
			if body := w.Body.String(); !strings.Contains(body, msgInvalidCredentials) {
				t.Fatalf("body = %q, want detail %q", body, msgInvalidCredentials)
			}
		})
	}
}

func TestParseToken_RoundTrip(t *testing.T) {
	m := NewAuthMiddleware("")
	id, ok := m.ParseToken(m.IssueToken(7))
	if !ok || id != 7 {
		t.Fatalf("ParseToken = (%d, %v), want (7, true)", id, ok)
	}
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(Logger(zap.New(core)))
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("logged %d entries, want 2", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].ContextMap()["status"] != int64(http.StatusTeapot) {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Fatalf("5xx must be logged at error level, got %s", entries[1].Level)
	}
	if entries[0].ContextMap()["request_id"] == "" {
		t.Fatalf("request id is missing")
	}
}
