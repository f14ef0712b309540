package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"activity-mirror/internal/config"
	"activity-mirror/internal/importer"
	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

type fakeStore struct {
	server *models.Server
	repo   *models.Repo
}

func (f *fakeStore) FindServerByID(_ context.Context, id int64) (*models.Server, error) {
	if f.server != nil && f.server.ID == id {
		return f.server, nil
	}
	return nil, nil
}

func (f *fakeStore) FindRepoByID(_ context.Context, id int64) (*models.Repo, error) {
	if f.repo != nil && f.repo.ID == id {
		return f.repo, nil
	}
	return nil, nil
}

type fakeQueue struct {
	events []*importer.Event
}

func (f *fakeQueue) Enqueue(_ context.Context, ev *importer.Event) {
	f.events = append(f.events, ev)
}

func testFixtures(t *testing.T, secret string) (*Server, *fakeQueue) {
	t.Helper()
	server := &models.Server{ID: 3, Type: "gitlab", Details: map[string]any{}}
	if secret != "" {
		server.Details["webhook_secret"] = secret
	}
	repo := &models.Repo{Name: "demo"}
	repo.ID = 1
	if _, err := linkage.Attach(repo.Links(), linkage.New(server.Ref(), linkage.Link{
		"project": map[string]any{"id": int64(99)},
	})); err != nil {
		t.Fatal(err)
	}
	queue := &fakeQueue{}
	srv := NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)), &fakeStore{server: server, repo: repo}, queue, config.Config{})
	return srv, queue
}

func deliver(srv *Server, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Gitlab-Token", token)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

const issueHook = `{"object_kind":"issue","user":{"id":5},"object_attributes":{"id":42,"iid":7}}`

func TestReceiveHookQueuesEvent(t *testing.T) {
	srv, queue := testFixtures(t, "s3cret")
	w := deliver(srv, "/srv/hook/3/1", "s3cret", issueHook)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(queue.events) != 1 {
		t.Fatalf("queued = %d", len(queue.events))
	}
	ev := queue.events[0]
	if ev.Kind != "issue" || ev.TargetID != 42 || ev.TargetIID != 7 || ev.AuthorID != 5 {
		t.Errorf("event = %+v", ev)
	}
	if ev.Server == nil || ev.Server.ID != 3 || ev.Repo == nil || ev.Repo.ID != 1 {
		t.Error("event not bound to server and repo from the URL")
	}
}

func TestReceiveHookRejectsBadToken(t *testing.T) {
	srv, queue := testFixtures(t, "s3cret")
	w := deliver(srv, "/srv/hook/3/1", "wrong", issueHook)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if len(queue.events) != 0 {
		t.Error("rejected delivery must not be queued")
	}
}

func TestReceiveHookUnknownTargets(t *testing.T) {
	srv, _ := testFixtures(t, "")
	cases := map[string]string{
		"unknown server": "/srv/hook/9/1",
		"unknown repo":   "/srv/hook/3/9",
	}
	for name, path := range cases {
		if w := deliver(srv, path, "", issueHook); w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", name, w.Code)
		}
	}
	if w := deliver(srv, "/srv/hook/x/1", "", issueHook); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", w.Code)
	}
}

func TestReceiveHookRejectsMalformedBody(t *testing.T) {
	srv, _ := testFixtures(t, "")
	if w := deliver(srv, "/srv/hook/3/1", "", "{not json"); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if w := deliver(srv, "/srv/hook/3/1", "", `{"user":{"id":5}}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing object_kind: status = %d, want 400", w.Code)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := testFixtures(t, "")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}
