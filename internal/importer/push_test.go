package importer

import (
	"reflect"
	"testing"
	"time"

	"activity-mirror/internal/models"
)

func commitWithFiles(files map[string]any) *models.Commit {
	c := &models.Commit{}
	c.Details = map[string]any{"files": files}
	return c
}

func emptyChanges() FileChanges {
	return FileChanges{Added: []string{}, Deleted: []string{}, Modified: []string{}, Renamed: []Rename{}}
}

func TestFoldCommitAddRenameDeleteNetsToNothing(t *testing.T) {
	fc := emptyChanges()
	commits := []*models.Commit{
		commitWithFiles(map[string]any{"added": []any{"a.txt"}}),
		commitWithFiles(map[string]any{"renamed": []any{map[string]any{"before": "a.txt", "after": "b.txt"}}}),
		commitWithFiles(map[string]any{"deleted": []any{"b.txt"}}),
	}
	for _, c := range commits {
		foldCommit(&fc, c)
	}
	if !reflect.DeepEqual(fc, emptyChanges()) {
		t.Errorf("changes = %+v, want all empty", fc)
	}
}

func TestFoldCommitRenameChainCollapses(t *testing.T) {
	fc := emptyChanges()
	foldCommit(&fc, commitWithFiles(map[string]any{"renamed": []any{map[string]any{"before": "a", "after": "b"}}}))
	foldCommit(&fc, commitWithFiles(map[string]any{"renamed": []any{map[string]any{"before": "b", "after": "c"}}}))
	want := []Rename{{Before: "a", After: "c"}}
	if !reflect.DeepEqual(fc.Renamed, want) {
		t.Errorf("renamed = %v, want %v", fc.Renamed, want)
	}
}

func TestFoldCommitDeleteOfRenamedMapsToOrigin(t *testing.T) {
	fc := emptyChanges()
	foldCommit(&fc, commitWithFiles(map[string]any{"renamed": []any{map[string]any{"before": "old.go", "after": "new.go"}}}))
	foldCommit(&fc, commitWithFiles(map[string]any{"deleted": []any{"new.go"}}))
	if !reflect.DeepEqual(fc.Deleted, []string{"old.go"}) {
		t.Errorf("deleted = %v, want the original name", fc.Deleted)
	}
	if len(fc.Renamed) != 0 {
		t.Errorf("renamed = %v, want rename dropped", fc.Renamed)
	}
}

func TestFoldCommitReAddAfterDeleteIsModified(t *testing.T) {
	fc := emptyChanges()
	foldCommit(&fc, commitWithFiles(map[string]any{"deleted": []any{"f.txt"}}))
	foldCommit(&fc, commitWithFiles(map[string]any{"added": []any{"f.txt"}}))
	if !reflect.DeepEqual(fc.Modified, []string{"f.txt"}) {
		t.Errorf("modified = %v, want re-added file classified modified", fc.Modified)
	}
	if len(fc.Deleted) != 0 || len(fc.Added) != 0 {
		t.Errorf("deleted = %v, added = %v, want both empty", fc.Deleted, fc.Added)
	}
}

func TestFoldCommitModifyOfAddedStaysAdded(t *testing.T) {
	fc := emptyChanges()
	foldCommit(&fc, commitWithFiles(map[string]any{"added": []any{"f.txt"}}))
	foldCommit(&fc, commitWithFiles(map[string]any{"modified": []any{"f.txt"}}))
	if !reflect.DeepEqual(fc.Added, []string{"f.txt"}) || len(fc.Modified) != 0 {
		t.Errorf("added = %v, modified = %v", fc.Added, fc.Modified)
	}
}

func TestFoldCommitRenameOfAddedStaysAdded(t *testing.T) {
	fc := emptyChanges()
	foldCommit(&fc, commitWithFiles(map[string]any{"added": []any{"draft.go"}}))
	foldCommit(&fc, commitWithFiles(map[string]any{"renamed": []any{map[string]any{"before": "draft.go", "after": "final.go"}}}))
	if !reflect.DeepEqual(fc.Added, []string{"final.go"}) {
		t.Errorf("added = %v, want final name", fc.Added)
	}
	if len(fc.Renamed) != 0 {
		t.Errorf("renamed = %v, want no rename recorded", fc.Renamed)
	}
}

func TestPushRangeVariants(t *testing.T) {
	cases := []struct {
		name    string
		ev      *Event
		head    string
		tail    string
		branch  string
		refType string
		count   int64
	}{
		{
			name: "activity log push_data",
			ev: &Event{Kind: "push", Payload: map[string]any{
				"push_data": map[string]any{
					"commit_from":  "aaa",
					"commit_to":    "bbb",
					"ref":          "main",
					"ref_type":     "branch",
					"commit_count": float64(3),
				},
			}},
			head: "bbb", tail: "aaa", branch: "main", refType: "branch", count: 3,
		},
		{
			name: "webhook flat payload",
			ev: &Event{Kind: "push", Payload: map[string]any{
				"before":              "aaa",
				"after":               "bbb",
				"ref":                 "refs/heads/feature/x",
				"total_commits_count": float64(1),
			}},
			head: "bbb", tail: "aaa", branch: "feature/x", refType: "branch", count: 1,
		},
		{
			name: "tag push",
			ev: &Event{Kind: "tag_push", Payload: map[string]any{
				"before": nullCommit,
				"after":  "ccc",
				"ref":    "refs/tags/v1.0",
			}},
			head: "ccc", tail: nullCommit, branch: "v1.0", refType: "tag", count: 0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			head, tail, branch, refType, count := pushRange(tc.ev)
			if head != tc.head || tail != tc.tail || branch != tc.branch || refType != tc.refType || count != tc.count {
				t.Errorf("pushRange = (%q, %q, %q, %q, %d)", head, tail, branch, refType, count)
			}
		})
	}
}

func TestCommitCache(t *testing.T) {
	cache := NewCommitCache()
	c := &models.Commit{}
	c.Details = map[string]any{"title": "x"}
	cache.Put(3, 9, "aaa", c)
	if cache.Get(3, 9, "aaa") != c {
		t.Error("cache miss after put")
	}
	if cache.Get(3, 8, "aaa") != nil {
		t.Error("cache leaked across repos")
	}
	cache.Invalidate(3, 9)
	if cache.Get(3, 9, "aaa") != nil {
		t.Error("invalidate did not drop entries")
	}
}

func TestParseTimeFormats(t *testing.T) {
	want := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for _, s := range []string{"2026-08-30T12:00:00Z", "2026-08-30T14:00:00.000+02:00"} {
		if got := parseTime(s); !got.Equal(want) {
			t.Errorf("parseTime(%q) = %v, want %v", s, got, want)
		}
	}
	if !parseTime(nil).IsZero() || !parseTime("garbage").IsZero() {
		t.Error("bad input must yield zero time")
	}
}
