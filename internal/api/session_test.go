package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/buddyfox/buddyfox/internal/domain"
	"github.com/buddyfox/buddyfox/internal/session"
)

func newSessionRouter(store *session.Store) http.Handler {
	r := chi.NewRouter()
	NewSessionHandler(store).RegisterRoutes(r)
	return r
}

func serve(router http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestGetSession(t *testing.T) {
	t.Parallel()

	store := session.NewStore(10)
	if _, err := store.Upsert("s1", domain.Delta{WebSearches: 2, Messages: 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	router := newSessionRouter(store)

	w := serve(router, http.MethodGet, "/api/session/s1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got domain.Session
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode session: %v", err)
	}
	if got.SessionID != "s1" || got.WebSearchesUsed != 2 || got.MessageCount != 1 || got.MaxSearches != 10 {
		t.Errorf("Unexpected session %+v", got)
	}

	for _, path := range []string{"/api/session/unknown-id", "/api/session/bad%20id"} {
		if w := serve(router, http.MethodGet, path); w.Code != http.StatusNotFound {
			t.Errorf("Expected 404 for %s, got %d", path, w.Code)
		}
	}
}

func TestDeleteSessionTwice(t *testing.T) {
	t.Parallel()

	store := session.NewStore(10)
	store.GetOrCreate("s1")
	router := newSessionRouter(store)

	w := serve(router, http.MethodDelete, "/api/session/s1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for first delete, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["message"] != "Session s1 deleted successfully" {
		t.Errorf("Unexpected message %q", body["message"])
	}

	if w := serve(router, http.MethodDelete, "/api/session/s1"); w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for second delete, got %d", w.Code)
	}
	if w := serve(router, http.MethodGet, "/api/session/s1"); w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 after delete, got %d", w.Code)
	}
}

func TestListSessions(t *testing.T) {
	t.Parallel()

	store := session.NewStore(10)
	router := newSessionRouter(store)

	// An empty store lists as an empty array, not null.
	if w := serve(router, http.MethodGet, "/api/sessions"); w.Body.String() != "[]\n" {
		t.Fatalf("Expected empty array, got %q", w.Body.String())
	}

	store.GetOrCreate("a")
	store.GetOrCreate("b")

	var list []domain.Session
	if err := json.NewDecoder(serve(router, http.MethodGet, "/api/sessions").Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(list))
	}

	var wrapped struct {
		Sessions []domain.Session `json:"sessions"`
		Total    int              `json:"total"`
	}
	if err := json.NewDecoder(serve(router, http.MethodGet, "/api/session").Body).Decode(&wrapped); err != nil {
		t.Fatalf("Failed to decode wrapped list: %v", err)
	}
	if wrapped.Total != 2 || len(wrapped.Sessions) != 2 {
		t.Errorf("Unexpected wrapped list %+v", wrapped)
	}
}
