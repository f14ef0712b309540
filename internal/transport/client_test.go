package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"activity-mirror/internal/models"
)

func testClient() *Client {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func serverFor(ts *httptest.Server) *models.Server {
	return &models.Server{ID: 3, Type: "gitlab", APIURL: ts.URL, APIToken: "secret-token"}
}

func TestFetchSendsAuth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("PRIVATE-TOKEN") != "secret-token" {
			t.Errorf("token header = %q", r.Header.Get("PRIVATE-TOKEN"))
		}
		json.NewEncoder(w).Encode(map[string]any{"id": 42})
	}))
	defer ts.Close()

	out, err := testClient().Fetch(context.Background(), serverFor(ts), "/projects/99/issues/7", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out["id"] != float64(42) {
		t.Errorf("id = %v", out["id"])
	}
}

func TestFetchEachPaginates(t *testing.T) {
	pages := map[string][]map[string]any{
		"1": {{"id": 1}, {"id": 2}},
		"2": {{"id": 3}},
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		w.Header().Set("X-Total", "3")
		if page == "1" {
			w.Header().Set("X-Next-Page", "2")
		}
		json.NewEncoder(w).Encode(pages[page])
	}))
	defer ts.Close()

	var ids []float64
	var totals []int
	err := testClient().FetchEach(context.Background(), serverFor(ts), "/projects", nil,
		func(item map[string]any, index, total int) error {
			ids = append(ids, item["id"].(float64))
			totals = append(totals, total)
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Errorf("ids = %v", ids)
	}
	for _, total := range totals {
		if total != 3 {
			t.Errorf("totals = %v", totals)
		}
	}
}

func TestFetchAllStopsWithoutNextPage(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode([]map[string]any{{"id": 1}})
	}))
	defer ts.Close()

	items, err := testClient().FetchAll(context.Background(), serverFor(ts), "/users", nil)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 || len(items) != 1 {
		t.Errorf("calls = %d, items = %d", calls, len(items))
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer ts.Close()

	client := testClient()
	out, err := client.Fetch(context.Background(), serverFor(ts), "/projects/1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 3 || out["ok"] != true {
		t.Errorf("attempts = %d, out = %v", attempts, out)
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"404 Not Found"}`)
	}))
	defer ts.Close()

	_, err := testClient().Fetch(context.Background(), serverFor(ts), "/projects/1", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, 404 must not be retried", attempts)
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound = false for %v", err)
	}
}

func TestPostActsAsUser(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.Header.Get("Sudo") != "5" {
			t.Errorf("sudo header = %q", r.Header.Get("Sudo"))
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["title"] != "hello" {
			t.Errorf("body = %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": 1, "iid": 1})
	}))
	defer ts.Close()

	_, err := testClient().Post(context.Background(), serverFor(ts), "/projects/99/issues",
		map[string]any{"title": "hello"}, 5)
	if err != nil {
		t.Fatal(err)
	}
}

func TestFetchMergesQuery(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("username") != "alice" {
			t.Errorf("query = %v", r.URL.Query())
		}
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer ts.Close()

	_, err := testClient().Fetch(context.Background(), serverFor(ts), "/users",
		url.Values{"username": {"alice"}})
	if err != nil {
		t.Fatal(err)
	}
}
