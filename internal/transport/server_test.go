package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coder/cmux/internal/configstore"
)

func TestHandleHealthCheck(t *testing.T) {
	w := httptest.NewRecorder()
	handleHealthCheck(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != `{"status":"ok"}` {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestHandleReadinessCheck(t *testing.T) {
	s := &Server{store: configstore.New(t.TempDir())}

	w := httptest.NewRecorder()
	s.handleReadinessCheck(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for an empty but readable store", w.Code)
	}
}

func TestAuthCheckQueryNoStoreAllowsAll(t *testing.T) {
	s := &Server{authStore: nil}
	if !s.authCheckQuery("anything") {
		t.Fatal("nil authStore should allow every token (test/bypass mode)")
	}
}
