package importer

import (
	"errors"
	"testing"

	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

var gitlab = linkage.ServerRef{ID: 3, Type: "gitlab"}

func linkedStory(t *testing.T) *models.Story {
	t.Helper()
	story := &models.Story{}
	lk := linkage.New(gitlab, linkage.Link{"issue": map[string]any{"id": int64(42)}})
	if _, err := linkage.Attach(story.Links(), lk); err != nil {
		t.Fatal(err)
	}
	return story
}

func TestImportPropertyAlways(t *testing.T) {
	story := linkedStory(t)
	story.SetField("details.state", "opened")
	err := ImportProperty(story, gitlab, "details.state", Property{Value: "closed", Overwrite: OverwriteAlways})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := story.GetField("details.state"); v != "closed" {
		t.Errorf("state = %v, want closed", v)
	}
}

func TestImportPropertyNever(t *testing.T) {
	story := linkedStory(t)
	if err := ImportProperty(story, gitlab, "details.email", Property{Value: "a@b.c", Overwrite: OverwriteNever}); err != nil {
		t.Fatal(err)
	}
	if err := ImportProperty(story, gitlab, "details.email", Property{Value: "x@y.z", Overwrite: OverwriteNever}); err != nil {
		t.Fatal(err)
	}
	if v, _ := story.GetField("details.email"); v != "a@b.c" {
		t.Errorf("email = %v, want first import to win", v)
	}
}

func TestImportPropertyMatchPreviousConverges(t *testing.T) {
	story := linkedStory(t)
	if err := ImportProperty(story, gitlab, "details.title", Property{Value: "V0", Overwrite: OverwriteMatchPrevious}); err != nil {
		t.Fatal(err)
	}
	if err := ImportProperty(story, gitlab, "details.title", Property{Value: "V1", Overwrite: OverwriteMatchPrevious}); err != nil {
		t.Fatal(err)
	}
	if v, _ := story.GetField("details.title"); v != "V1" {
		t.Errorf("title = %v, want external change to land", v)
	}
}

func TestImportPropertyMatchPreviousKeepsLocalEdit(t *testing.T) {
	story := linkedStory(t)
	if err := ImportProperty(story, gitlab, "details.title", Property{Value: "V0", Overwrite: OverwriteMatchPrevious}); err != nil {
		t.Fatal(err)
	}
	story.SetField("details.title", "edited locally")

	// Reimporting the old external value must not clobber the edit.
	if err := ImportProperty(story, gitlab, "details.title", Property{Value: "V0", Overwrite: OverwriteMatchPrevious}); err != nil {
		t.Fatal(err)
	}
	if v, _ := story.GetField("details.title"); v != "edited locally" {
		t.Errorf("title = %v, local edit lost", v)
	}

	// Neither must a newer external value: the snapshot froze at V0, and the
	// live value no longer matches it.
	if err := ImportProperty(story, gitlab, "details.title", Property{Value: "V1", Overwrite: OverwriteMatchPrevious}); err != nil {
		t.Fatal(err)
	}
	if v, _ := story.GetField("details.title"); v != "edited locally" {
		t.Errorf("title = %v, local edit lost to later external change", v)
	}
}

func TestImportPropertyIgnore(t *testing.T) {
	story := linkedStory(t)
	story.SetField("details.title", "kept")
	err := ImportProperty(story, gitlab, "details.title", Property{Value: nil, Overwrite: OverwriteAlways, Ignore: true})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := story.GetField("details.title"); v != "kept" {
		t.Errorf("title = %v, ignored property must be a no-op", v)
	}
}

func TestImportPropertyUnknownPolicy(t *testing.T) {
	story := linkedStory(t)
	err := ImportProperty(story, gitlab, "details.title", Property{Value: "x", Overwrite: "sometimes"})
	if !errors.Is(err, ErrUnknownOverwrite) {
		t.Errorf("err = %v, want ErrUnknownOverwrite", err)
	}
}

func TestImportPropertyWithoutLink(t *testing.T) {
	story := &models.Story{}
	err := ImportProperty(story, gitlab, "details.title", Property{Value: "x", Overwrite: OverwriteAlways})
	if !errors.Is(err, linkage.ErrNoParentLink) {
		t.Errorf("err = %v, want ErrNoParentLink", err)
	}
}

func TestImportPropertySnapshotSurvivesJSONRoundTrip(t *testing.T) {
	story := linkedStory(t)
	if err := ImportProperty(story, gitlab, "details.number", Property{Value: int64(7), Overwrite: OverwriteMatchPrevious}); err != nil {
		t.Fatal(err)
	}
	// Simulate reading the row back from jsonb: numbers decode as float64.
	lk := linkage.Find(story.External, gitlab, nil)
	linkage.ImportSnapshot(lk)["details.number"] = float64(7)
	story.SetField("details.number", float64(7))

	if err := ImportProperty(story, gitlab, "details.number", Property{Value: int64(8), Overwrite: OverwriteMatchPrevious}); err != nil {
		t.Fatal(err)
	}
	if v, _ := story.GetField("details.number"); !EqualValues(v, 8) {
		t.Errorf("number = %v, cross-type comparison failed", v)
	}
}
