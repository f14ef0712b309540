package importer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"testing"

	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

// fakeStore keeps rows in memory and matches probes the way the real store's
// jsonb containment does.
type fakeStore struct {
	nextID    int64
	repos     []*models.Repo
	users     []*models.User
	stories   []*models.Story
	reactions []*models.Reaction
	commits   []*models.Commit

	storySaves int
}

func (f *fakeStore) assign(d *models.ExternalData) {
	if d.ID < 1 {
		f.nextID++
		d.ID = f.nextID
	}
}

func matchAny(links []linkage.Link, probe linkage.Link) bool {
	for _, lk := range links {
		if linkage.Match(lk, probe) {
			return true
		}
	}
	return false
}

func (f *fakeStore) FindRepo(_ context.Context, probe linkage.Link) (*models.Repo, error) {
	for _, r := range f.repos {
		if matchAny(r.External, probe) {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListRepos(_ context.Context, serverID int64) ([]*models.Repo, error) {
	var out []*models.Repo
	for _, r := range f.repos {
		if matchAny(r.External, linkage.Link{"server_id": serverID}) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) FindUser(_ context.Context, probe linkage.Link) (*models.User, error) {
	for _, u := range f.users {
		if matchAny(u.External, probe) {
			return u, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindUserByID(_ context.Context, id int64) (*models.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindStory(_ context.Context, probe linkage.Link) (*models.Story, error) {
	for _, s := range f.stories {
		if matchAny(s.External, probe) {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindReaction(_ context.Context, storyID int64, typ string, probe linkage.Link) (*models.Reaction, error) {
	for _, r := range f.reactions {
		if r.StoryID == storyID && r.Type == typ && matchAny(r.External, probe) {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindReactions(_ context.Context, storyID int64, typ string) ([]*models.Reaction, error) {
	var out []*models.Reaction
	for _, r := range f.reactions {
		if r.StoryID == storyID && r.Type == typ {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) FindCommit(_ context.Context, probe linkage.Link) (*models.Commit, error) {
	for _, c := range f.commits {
		if matchAny(c.External, probe) {
			return c, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindCommitsByTitleHash(_ context.Context, serverID int64, titleHash string) ([]*models.Commit, error) {
	var out []*models.Commit
	for _, c := range f.commits {
		if c.TitleHash == titleHash && matchAny(c.External, linkage.Link{"server_id": serverID}) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveRepo(_ context.Context, row *models.Repo) error {
	f.assign(&row.ExternalData)
	f.repos = upsert(f.repos, row, func(r *models.Repo) int64 { return r.ID })
	return nil
}

func (f *fakeStore) SaveUser(_ context.Context, row *models.User) error {
	f.assign(&row.ExternalData)
	f.users = upsert(f.users, row, func(u *models.User) int64 { return u.ID })
	return nil
}

func (f *fakeStore) SaveStory(_ context.Context, row *models.Story) error {
	f.storySaves++
	f.assign(&row.ExternalData)
	f.stories = upsert(f.stories, row, func(s *models.Story) int64 { return s.ID })
	return nil
}

func (f *fakeStore) SaveReaction(_ context.Context, row *models.Reaction) error {
	f.assign(&row.ExternalData)
	f.reactions = upsert(f.reactions, row, func(r *models.Reaction) int64 { return r.ID })
	return nil
}

func (f *fakeStore) SaveCommit(_ context.Context, row *models.Commit) error {
	f.assign(&row.ExternalData)
	f.commits = upsert(f.commits, row, func(c *models.Commit) int64 { return c.ID })
	return nil
}

func upsert[T any](list []*T, row *T, id func(*T) int64) []*T {
	for i, e := range list {
		if id(e) == id(row) {
			list[i] = row
			return list
		}
	}
	return append(list, row)
}

// fakeTransport serves canned responses by path and records writes.
type fakeTransport struct {
	objects map[string]map[string]any
	lists   map[string][]map[string]any
	posts   []string
	puts    []string
}

func (f *fakeTransport) Fetch(_ context.Context, _ *models.Server, path string, _ url.Values) (map[string]any, error) {
	if obj, ok := f.objects[path]; ok {
		return obj, nil
	}
	return nil, fmt.Errorf("fetch %s: %w", path, ErrNotFound)
}

func (f *fakeTransport) FetchAll(_ context.Context, _ *models.Server, path string, _ url.Values) ([]map[string]any, error) {
	return f.lists[path], nil
}

func (f *fakeTransport) FetchEach(ctx context.Context, server *models.Server, path string, query url.Values, fn func(item map[string]any, index, total int) error) error {
	items, _ := f.FetchAll(ctx, server, path, query)
	for i, item := range items {
		if err := fn(item, i, len(items)); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTransport) Post(_ context.Context, _ *models.Server, path string, _ map[string]any, _ int64) (map[string]any, error) {
	f.posts = append(f.posts, path)
	return map[string]any{"id": float64(4242), "iid": float64(17)}, nil
}

func (f *fakeTransport) Put(_ context.Context, _ *models.Server, path string, _ map[string]any, _ int64) (map[string]any, error) {
	f.puts = append(f.puts, path)
	return map[string]any{"id": float64(4242), "iid": float64(17)}, nil
}

func testServer() *models.Server {
	return &models.Server{ID: 3, Type: "gitlab", APIURL: "https://git.example.com/api/v4", APIToken: "t"}
}

func testRepo(t *testing.T, server *models.Server) *models.Repo {
	t.Helper()
	repo := &models.Repo{Name: "demo"}
	repo.ID = 1
	repo.Details = map[string]any{"web_access": "public"}
	lk := linkage.New(server.Ref(), linkage.Link{"project": map[string]any{"id": int64(99)}})
	if _, err := linkage.Attach(repo.Links(), lk); err != nil {
		t.Fatal(err)
	}
	return repo
}

func testEngine(store Store, transport Transport) *Engine {
	return NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)), store, transport, nil)
}

func issueEvent(server *models.Server, repo *models.Repo) *Event {
	return EventFromActivityLog(server, repo, map[string]any{
		"target_type": "Issue",
		"action_name": "opened",
		"target_id":   float64(42),
		"target_iid":  float64(7),
		"author_id":   float64(5),
		"created_at":  "2026-08-30T12:00:00Z",
	})
}

func issueTransport() *fakeTransport {
	return &fakeTransport{
		objects: map[string]map[string]any{
			"/users/5": {
				"id":       float64(5),
				"username": "alice",
				"name":     "Alice",
				"web_url":  "https://git.example.com/alice",
			},
			"/projects/99/issues/7": {
				"id":           float64(42),
				"iid":          float64(7),
				"title":        "Crash on #startup",
				"state":        "opened",
				"confidential": false,
				"created_at":   "2026-08-29T09:00:00Z",
				"web_url":      "https://git.example.com/demo/issues/7",
				"assignees":    []any{map[string]any{"id": float64(5)}},
			},
		},
	}
}

func TestImportIssueEventCreatesStoryAndAssignment(t *testing.T) {
	server := testServer()
	store := &fakeStore{nextID: 100}
	repo := testRepo(t, server)
	store.repos = append(store.repos, repo)
	engine := testEngine(store, issueTransport())

	if err := engine.Dispatch(context.Background(), issueEvent(server, repo)); err != nil {
		t.Fatal(err)
	}

	if len(store.stories) != 1 {
		t.Fatalf("stories = %d, want 1", len(store.stories))
	}
	story := store.stories[0]
	if story.Type != "issue" {
		t.Errorf("type = %q", story.Type)
	}
	if v, _ := story.GetField("details.title"); v != "Crash on #startup" {
		t.Errorf("title = %v", v)
	}
	if len(story.Tags) != 1 || story.Tags[0] != "#startup" {
		t.Errorf("tags = %v", story.Tags)
	}
	if !story.Public || !story.Published {
		t.Errorf("public/published = %v/%v", story.Public, story.Published)
	}
	lk := linkage.Find(story.External, server.Ref(), nil)
	if lk == nil {
		t.Fatal("story not linked")
	}
	if !linkage.Match(lk, linkage.Link{
		"project": map[string]any{"id": 99},
		"issue":   map[string]any{"id": 42, "number": 7},
	}) {
		t.Errorf("link = %v", lk)
	}

	if len(store.users) != 1 || store.users[0].Username != "alice" {
		t.Fatalf("users = %+v", store.users)
	}
	if len(store.reactions) != 1 || store.reactions[0].Type != "assignment" {
		t.Fatalf("reactions = %+v", store.reactions)
	}
	if store.reactions[0].UserID != store.users[0].ID {
		t.Error("assignment not tied to the internal user")
	}
}

func TestImportIssueEventIsIdempotent(t *testing.T) {
	server := testServer()
	store := &fakeStore{nextID: 100}
	repo := testRepo(t, server)
	store.repos = append(store.repos, repo)
	engine := testEngine(store, issueTransport())

	for i := 0; i < 3; i++ {
		if err := engine.Dispatch(context.Background(), issueEvent(server, repo)); err != nil {
			t.Fatal(err)
		}
	}

	if len(store.stories) != 1 {
		t.Errorf("stories = %d, want replays to converge on 1", len(store.stories))
	}
	if store.storySaves != 1 {
		t.Errorf("story saves = %d, want the zero-diff replays skipped", store.storySaves)
	}
	if len(store.reactions) != 1 {
		t.Errorf("reactions = %d, want assignment deduplicated", len(store.reactions))
	}
}

func TestImportIssueEventMovedIssue(t *testing.T) {
	server := testServer()
	store := &fakeStore{nextID: 100}
	repo := testRepo(t, server)
	store.repos = append(store.repos, repo)
	transport := issueTransport()
	transport.objects["/projects/99/issues/7"]["moved_to_id"] = float64(77)
	engine := testEngine(store, transport)

	err := engine.Dispatch(context.Background(), issueEvent(server, repo))
	var moved *ObjectMovedError
	if !asMovedError(err, &moved) {
		t.Fatalf("err = %v, want ObjectMovedError", err)
	}
	if moved.Kind != "issue" || moved.ID != 42 {
		t.Errorf("moved = %+v", moved)
	}
	if len(store.stories) != 0 {
		t.Error("moved issue must not produce a story")
	}
}

func asMovedError(err error, target **ObjectMovedError) bool {
	for err != nil {
		if e, ok := err.(*ObjectMovedError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestDispatchUnknownKindIsDropped(t *testing.T) {
	store := &fakeStore{}
	engine := testEngine(store, &fakeTransport{})
	ev := &Event{Server: testServer(), Kind: "design_management"}
	if err := engine.Dispatch(context.Background(), ev); err != nil {
		t.Errorf("unknown kind must not error, got %v", err)
	}
}

func TestDispatchMissingRepoIsSkipped(t *testing.T) {
	store := &fakeStore{}
	engine := testEngine(store, &fakeTransport{})
	ev := issueEvent(testServer(), nil)
	if err := engine.Dispatch(context.Background(), ev); err != nil {
		t.Errorf("event for unknown repo must be skipped, got %v", err)
	}
}

func TestImportNoteEventAppendsReaction(t *testing.T) {
	server := testServer()
	store := &fakeStore{nextID: 100}
	repo := testRepo(t, server)
	store.repos = append(store.repos, repo)
	transport := issueTransport()
	engine := testEngine(store, transport)

	if err := engine.Dispatch(context.Background(), issueEvent(server, repo)); err != nil {
		t.Fatal(err)
	}
	story := store.stories[0]

	noteEvent := EventFromActivityLog(server, repo, map[string]any{
		"target_type": "Note",
		"action_name": "commented on",
		"author_id":   float64(5),
		"created_at":  "2026-08-30T13:00:00Z",
		"note": map[string]any{
			"id":            float64(900),
			"noteable_type": "Issue",
			"noteable_id":   float64(42),
			"body":          "looks broken",
			"author_id":     float64(5),
			"created_at":    "2026-08-30T13:00:00Z",
		},
	})
	for i := 0; i < 2; i++ {
		if err := engine.Dispatch(context.Background(), noteEvent); err != nil {
			t.Fatal(err)
		}
	}

	notes, _ := store.FindReactions(context.Background(), story.ID, "note")
	if len(notes) != 1 {
		t.Fatalf("note reactions = %d, want append-only dedup to 1", len(notes))
	}
	if notes[0].StoryID != story.ID {
		t.Error("note not attached to the issue story")
	}
}

func TestImportSystemNoteUnassignment(t *testing.T) {
	server := testServer()
	store := &fakeStore{nextID: 100}
	repo := testRepo(t, server)
	store.repos = append(store.repos, repo)
	engine := testEngine(store, issueTransport())

	if err := engine.Dispatch(context.Background(), issueEvent(server, repo)); err != nil {
		t.Fatal(err)
	}
	if len(store.reactions) != 1 || store.reactions[0].Deleted {
		t.Fatalf("expected one live assignment, got %+v", store.reactions)
	}

	unassign := EventFromActivityLog(server, repo, map[string]any{
		"target_type": "Note",
		"action_name": "commented on",
		"author_id":   float64(5),
		"created_at":  "2026-08-30T14:00:00Z",
		"note": map[string]any{
			"id":            float64(901),
			"noteable_type": "Issue",
			"noteable_id":   float64(42),
			"system":        true,
			"body":          "unassigned @alice",
		},
	})
	if err := engine.Dispatch(context.Background(), unassign); err != nil {
		t.Fatal(err)
	}
	if !store.reactions[0].Deleted {
		t.Error("assignment not flagged after unassignment note")
	}
}
