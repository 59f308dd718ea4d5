package dashboard

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func limitedHandler() http.Handler {
	return maxBodySizeMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestBodyLimitPassesSmallBodies(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	rec := httptest.NewRecorder()
	limitedHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestBodyLimitRejectsOversizedContentLength(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
	req.Header.Set("Content-Length", "2097152")
	rec := httptest.NewRecorder()
	limitedHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestBodyLimitRejectsMalformedContentLength(t *testing.T) {
	for _, raw := range []string{"abc", "-5", "1e9"} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
		req.Header.Set("Content-Length", raw)
		rec := httptest.NewRecorder()
		limitedHandler().ServeHTTP(rec, req)
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("Content-Length %q: status = %d", raw, rec.Code)
		}
	}
}

func TestBodyLimitIgnoresReads(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Content-Length", "abc")
	rec := httptest.NewRecorder()
	limitedHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
