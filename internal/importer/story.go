package importer

import (
	"context"
	"fmt"

	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

// ImportMilestoneEvent reconciles a milestone observation into a story.
func (e *Engine) ImportMilestoneEvent(ctx context.Context, ev *Event) error {
	if ev.Repo == nil {
		return fmt.Errorf("milestone event without repo: %w", ErrNotFound)
	}
	author, err := e.ResolveUser(ctx, ev.Server, ev.AuthorID)
	if err != nil {
		return err
	}
	project := projectPath(ev.Repo, ev.Server)
	milestone, err := e.transport.Fetch(ctx, ev.Server,
		fmt.Sprintf("/projects/%s/milestones/%d", project, ev.TargetID), nil)
	if err != nil {
		return err
	}
	msLink, err := linkage.Extend(ev.Server.Ref(), ev.Repo.External, linkage.Link{
		"milestone": map[string]any{"id": linkage.AsInt(milestone["id"])},
	})
	if err != nil {
		return err
	}
	found, err := e.store.FindStory(ctx, msLink)
	if err != nil {
		return err
	}
	var after *models.Story
	if found != nil {
		after = found.Clone()
	} else {
		after = &models.Story{}
	}
	if _, err := linkage.Attach(after.Links(), msLink); err != nil {
		return err
	}
	ref := ev.Server.Ref()
	props := []struct {
		path string
		prop Property
	}{
		{"type", Property{Value: "milestone", Overwrite: OverwriteAlways}},
		{"user_ids", Property{Value: []int64{author.ID}, Overwrite: OverwriteAlways}},
		{"details.number", Property{Value: milestone["iid"], Overwrite: OverwriteAlways}},
		{"details.title", Property{Value: milestone["title"], Overwrite: OverwriteMatchPrevious, Ignore: milestone["title"] == nil}},
		{"details.state", Property{Value: milestone["state"], Overwrite: OverwriteAlways}},
		{"details.due_date", Property{Value: milestone["due_date"], Overwrite: OverwriteAlways}},
		{"details.start_date", Property{Value: milestone["start_date"], Overwrite: OverwriteAlways}},
		{"public", Property{Value: repoIsPublic(ev.Repo), Overwrite: OverwriteAlways}},
		{"published", Property{Value: true, Overwrite: OverwriteAlways}},
		{"ptime", Property{Value: parseTime(milestone["created_at"]), Overwrite: OverwriteAlways, Ignore: parseTime(milestone["created_at"]).IsZero()}},
	}
	for _, p := range props {
		if err := ImportProperty(after, ref, p.path, p.prop); err != nil {
			return err
		}
	}
	if found != nil && EqualValues(found, after) {
		return nil
	}
	return e.store.SaveStory(ctx, after)
}

// ImportWikiEvent reconciles a wiki edit into a story. The wiki API exposes
// no stable page id, so the slug plus the action identify the observation.
func (e *Engine) ImportWikiEvent(ctx context.Context, ev *Event) error {
	if ev.Repo == nil {
		return fmt.Errorf("wiki event without repo: %w", ErrNotFound)
	}
	author, err := e.ResolveUser(ctx, ev.Server, ev.AuthorID)
	if err != nil {
		return err
	}
	attrs, _ := ev.Payload["object_attributes"].(map[string]any)
	if attrs == nil {
		attrs = map[string]any{}
	}
	slug := str(attrs["slug"])
	if slug == "" {
		slug = str(ev.Payload["target_title"])
	}
	if slug == "" {
		return fmt.Errorf("wiki event without slug: %w", ErrNotFound)
	}
	wikiLink, err := linkage.Extend(ev.Server.Ref(), ev.Repo.External, linkage.Link{
		"wiki": map[string]any{"id": slug},
	})
	if err != nil {
		return err
	}
	found, err := e.store.FindStory(ctx, wikiLink)
	if err != nil {
		return err
	}
	var after *models.Story
	if found != nil {
		after = found.Clone()
	} else {
		after = &models.Story{}
	}
	if _, err := linkage.Attach(after.Links(), wikiLink); err != nil {
		return err
	}
	ref := ev.Server.Ref()
	props := []struct {
		path string
		prop Property
	}{
		{"type", Property{Value: "wiki", Overwrite: OverwriteAlways}},
		{"user_ids", Property{Value: []int64{author.ID}, Overwrite: OverwriteAlways}},
		{"details.title", Property{Value: attrs["title"], Overwrite: OverwriteAlways, Ignore: attrs["title"] == nil}},
		{"details.action", Property{Value: attrs["action"], Overwrite: OverwriteAlways, Ignore: attrs["action"] == nil}},
		{"details.url", Property{Value: attrs["url"], Overwrite: OverwriteAlways, Ignore: attrs["url"] == nil}},
		{"public", Property{Value: repoIsPublic(ev.Repo), Overwrite: OverwriteAlways}},
		{"published", Property{Value: true, Overwrite: OverwriteAlways}},
		{"ptime", Property{Value: ev.CreatedAt, Overwrite: OverwriteAlways, Ignore: ev.CreatedAt.IsZero()}},
	}
	for _, p := range props {
		if err := ImportProperty(after, ref, p.path, p.prop); err != nil {
			return err
		}
	}
	if found != nil && EqualValues(found, after) {
		return nil
	}
	return e.store.SaveStory(ctx, after)
}
