package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
)

func TestSPAHandler(t *testing.T) {
	t.Parallel()

	h := spaHandler(fstest.MapFS{
		"index.html":    {Data: []byte("<html>fox</html>")},
		"assets/app.js": {Data: []byte("console.log(1)")},
		"favicon.ico":   {Data: []byte("ico")},
	})

	tests := []struct {
		name      string
		path      string
		wantCode  int
		wantBody  string
		wantCache string
	}{
		{name: "root", path: "/", wantCode: http.StatusOK, wantBody: "fox"},
		{name: "asset", path: "/assets/app.js", wantCode: http.StatusOK, wantBody: "console.log", wantCache: "immutable"},
		{name: "client route", path: "/sessions/abc", wantCode: http.StatusOK, wantBody: "fox", wantCache: "no-cache"},
		{name: "unknown api", path: "/api/nope", wantCode: http.StatusNotFound, wantBody: `"error"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if w.Code != tt.wantCode {
				t.Fatalf("Expected %d, got %d", tt.wantCode, w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("Expected body to contain %q, got %q", tt.wantBody, w.Body.String())
			}
			if tt.wantCache != "" && !strings.Contains(w.Header().Get("Cache-Control"), tt.wantCache) {
				t.Errorf("Expected Cache-Control %q, got %q", tt.wantCache, w.Header().Get("Cache-Control"))
			}
		})
	}
}

func TestEmbeddedIndex(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	SPAHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Buddy Fox") {
		t.Fatalf("Expected embedded index page, got %d", w.Code)
	}
}
