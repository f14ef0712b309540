package linkage

import (
	"errors"
	"testing"
)

var gitlab = ServerRef{ID: 3, Type: "gitlab"}

func TestNewCarriesServerIdentity(t *testing.T) {
	lk := New(gitlab, Link{"project": map[string]any{"id": int64(99)}})
	if lk["type"] != "gitlab" {
		t.Errorf("type = %v", lk["type"])
	}
	if ServerID(lk) != 3 {
		t.Errorf("server_id = %d", ServerID(lk))
	}
	if _, ok := lk["project"]; !ok {
		t.Error("extra keys not merged")
	}
}

func TestExtendInheritsAncestry(t *testing.T) {
	parent := New(gitlab, Link{
		"project": map[string]any{"id": int64(99)},
		"_import": map[string]any{"details.title": "secret"},
	})
	child, err := Extend(gitlab, []Link{parent}, Link{
		"issue": map[string]any{"id": int64(42)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !Match(child, Link{"project": map[string]any{"id": 99}}) {
		t.Error("project id not inherited")
	}
	if !Match(child, Link{"issue": map[string]any{"id": 42}}) {
		t.Error("extra keys not applied")
	}
	if _, ok := child["_import"]; ok {
		t.Error("private keys must not be inherited")
	}
}

func TestExtendWithoutParentLink(t *testing.T) {
	other := New(ServerRef{ID: 7, Type: "github"}, nil)
	_, err := Extend(gitlab, []Link{other}, nil)
	if !errors.Is(err, ErrNoParentLink) {
		t.Errorf("err = %v, want ErrNoParentLink", err)
	}
}

func TestAttachIsIdempotent(t *testing.T) {
	var links []Link
	lk := New(gitlab, Link{"issue": map[string]any{"id": int64(42)}})
	if _, err := Attach(&links, lk); err != nil {
		t.Fatal(err)
	}
	again, err := Attach(&links, lk.Copy())
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 {
		t.Fatalf("len(links) = %d, want 1", len(links))
	}
	// The existing link instance must come back so snapshot writes land on it.
	again["_import"] = map[string]any{"probe": true}
	if _, ok := links[0]["_import"]; !ok {
		t.Error("existing link instance not returned")
	}
}

func TestAttachConflict(t *testing.T) {
	var links []Link
	if _, err := Attach(&links, New(gitlab, Link{"issue": map[string]any{"id": int64(42)}})); err != nil {
		t.Fatal(err)
	}
	_, err := Attach(&links, New(gitlab, Link{"issue": map[string]any{"id": int64(43)}}))
	if !errors.Is(err, ErrConflictingLink) {
		t.Errorf("err = %v, want ErrConflictingLink", err)
	}
}

func TestMatch(t *testing.T) {
	stored := Link{
		"type":      "gitlab",
		"server_id": float64(3), // as decoded from jsonb
		"project":   map[string]any{"id": float64(99)},
		"commit":    map[string]any{"ids": []any{"aaa", "bbb", "ccc"}},
		"_import":   map[string]any{"details.title": "x"},
	}
	cases := []struct {
		name  string
		probe Link
		want  bool
	}{
		{"subset of keys", Link{"server_id": int64(3)}, true},
		{"numeric coercion", Link{"project": map[string]any{"id": int64(99)}}, true},
		{"nested mismatch", Link{"project": map[string]any{"id": int64(98)}}, false},
		{"missing key", Link{"milestone": map[string]any{"id": 1}}, false},
		{"array subset", Link{"commit": map[string]any{"ids": []any{"bbb"}}}, true},
		{"array non-member", Link{"commit": map[string]any{"ids": []any{"zzz"}}}, false},
		{"private keys skipped", Link{"_import": map[string]any{"other": 1}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Match(stored, tc.probe); got != tc.want {
				t.Errorf("Match = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFindAndRemove(t *testing.T) {
	links := []Link{
		New(gitlab, Link{"project": map[string]any{"id": int64(99)}}),
		New(ServerRef{ID: 7, Type: "github"}, nil),
	}
	if Find(links, gitlab, nil) == nil {
		t.Fatal("Find missed existing link")
	}
	if Find(links, gitlab, Link{"project": map[string]any{"id": 98}}) != nil {
		t.Error("Find matched wrong props")
	}
	Remove(&links, gitlab)
	if Count(links) != 1 || Find(links, gitlab, nil) != nil {
		t.Error("Remove left the link behind")
	}
}

func TestIdentityStripsSnapshots(t *testing.T) {
	lk := New(gitlab, Link{"issue": map[string]any{"id": int64(42)}})
	ImportSnapshot(lk)["details.title"] = "v1"
	ExportSnapshot(lk)["issue"] = map[string]any{"title": "v1"}
	id := Identity(lk)
	if _, ok := id["_import"]; ok {
		t.Error("identity carries _import")
	}
	if _, ok := id["_export"]; ok {
		t.Error("identity carries _export")
	}
	other := New(gitlab, Link{"issue": map[string]any{"id": int64(42)}})
	if !Match(Identity(other), id) || !Match(id, Identity(other)) {
		t.Error("identities of the same entity differ")
	}
}

func TestPeekSnapshotDoesNotMutate(t *testing.T) {
	lk := New(gitlab, nil)
	if v := PeekSnapshot(lk, "_import", "details.title"); v != nil {
		t.Errorf("peek on fresh link = %v", v)
	}
	if _, ok := lk["_import"]; ok {
		t.Error("peek created the snapshot map")
	}
	ImportSnapshot(lk)["details.title"] = "v1"
	if v := PeekSnapshot(lk, "_import", "details.title"); v != "v1" {
		t.Errorf("peek = %v, want v1", v)
	}
}
