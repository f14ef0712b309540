package importer

import (
	"context"
	"fmt"

	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

// ImportMergeRequestEvent reconciles one merge request observation into a
// story, following the issue importer's shape.
func (e *Engine) ImportMergeRequestEvent(ctx context.Context, ev *Event) error {
	if ev.Repo == nil {
		return fmt.Errorf("merge request event without repo: %w", ErrNotFound)
	}
	author, err := e.ResolveUser(ctx, ev.Server, ev.AuthorID)
	if err != nil {
		return err
	}
	mr, err := e.fetchMergeRequest(ctx, ev)
	if err != nil {
		return err
	}
	story, err := e.importMergeRequest(ctx, ev, author, mr)
	if err != nil {
		return err
	}
	return e.importAssignments(ctx, ev, story, assigneeList(mr))
}

func (e *Engine) fetchMergeRequest(ctx context.Context, ev *Event) (map[string]any, error) {
	project := projectPath(ev.Repo, ev.Server)
	if project == "" {
		return nil, fmt.Errorf("repo not linked to server: %w", ErrNotFound)
	}
	if ev.TargetIID != 0 {
		return e.transport.Fetch(ctx, ev.Server, fmt.Sprintf("/projects/%s/merge_requests/%d", project, ev.TargetIID), nil)
	}
	list, err := e.transport.FetchAll(ctx, ev.Server, "/projects/"+project+"/merge_requests", nil)
	if err != nil {
		return nil, err
	}
	for _, mr := range list {
		if linkage.AsInt(mr["id"]) == ev.TargetID {
			return mr, nil
		}
	}
	return nil, fmt.Errorf("merge request %d: %w", ev.TargetID, ErrNotFound)
}

func (e *Engine) importMergeRequest(ctx context.Context, ev *Event, author *models.User, mr map[string]any) (*models.Story, error) {
	mrLink, err := linkage.Extend(ev.Server.Ref(), ev.Repo.External, linkage.Link{
		"merge_request": map[string]any{"id": linkage.AsInt(mr["id"])},
	})
	if err != nil {
		return nil, err
	}
	found, err := e.store.FindStory(ctx, mrLink)
	if err != nil {
		return nil, err
	}
	var after *models.Story
	if found != nil {
		after = found.Clone()
	} else {
		after = &models.Story{}
	}
	lk, err := linkage.Attach(after.Links(), mrLink)
	if err != nil {
		return nil, err
	}
	if lkMR, _ := lk["merge_request"].(map[string]any); lkMR != nil {
		lkMR["number"] = linkage.AsInt(mr["iid"])
	}

	wip, _ := mr["work_in_progress"].(bool)
	ref := ev.Server.Ref()
	props := []struct {
		path string
		prop Property
	}{
		{"type", Property{Value: "merge-request", Overwrite: OverwriteAlways}},
		{"user_ids", Property{Value: []int64{author.ID}, Overwrite: OverwriteAlways}},
		{"details.number", Property{Value: mr["iid"], Overwrite: OverwriteAlways}},
		{"details.title", Property{Value: mr["title"], Overwrite: OverwriteMatchPrevious, Ignore: mr["title"] == nil}},
		{"details.labels", Property{Value: mr["labels"], Overwrite: OverwriteMatchPrevious, Ignore: mr["labels"] == nil}},
		{"details.state", Property{Value: mr["state"], Overwrite: OverwriteAlways}},
		{"details.source_branch", Property{Value: mr["source_branch"], Overwrite: OverwriteAlways, Ignore: mr["source_branch"] == nil}},
		{"details.branch", Property{Value: mr["target_branch"], Overwrite: OverwriteAlways, Ignore: mr["target_branch"] == nil}},
		{"details.milestone", Property{Value: milestoneTitle(mr), Overwrite: OverwriteMatchPrevious, Ignore: mr["milestone"] == nil}},
		{"details.url", Property{Value: mr["web_url"], Overwrite: OverwriteAlways, Ignore: mr["web_url"] == nil}},
		{"details.work_in_progress", Property{Value: wip, Overwrite: OverwriteAlways}},
		{"tags", Property{Value: ExtractTags(str(mr["title"]), labelTags(mr["labels"])...), Overwrite: OverwriteMatchPrevious}},
		{"public", Property{Value: repoIsPublic(ev.Repo), Overwrite: OverwriteAlways}},
		{"published", Property{Value: true, Overwrite: OverwriteAlways}},
		{"ptime", Property{Value: parseTime(mr["created_at"]), Overwrite: OverwriteAlways, Ignore: parseTime(mr["created_at"]).IsZero()}},
	}
	for _, p := range props {
		if err := ImportProperty(after, ref, p.path, p.prop); err != nil {
			return nil, err
		}
	}
	if found != nil && EqualValues(found, after) {
		return found, nil
	}
	if err := e.store.SaveStory(ctx, after); err != nil {
		return nil, err
	}
	return after, nil
}
