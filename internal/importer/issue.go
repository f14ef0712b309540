package importer

import (
	"context"
	"fmt"

	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

// ImportIssueEvent reconciles one external issue observation into a story.
// The issue is always re-fetched: webhook and activity-log payloads carry
// different subsets of the fields, the REST representation is canonical.
func (e *Engine) ImportIssueEvent(ctx context.Context, ev *Event) error {
	if ev.Repo == nil {
		return fmt.Errorf("issue event without repo: %w", ErrNotFound)
	}
	author, err := e.ResolveUser(ctx, ev.Server, ev.AuthorID)
	if err != nil {
		return err
	}
	issue, err := e.fetchIssue(ctx, ev)
	if err != nil {
		return err
	}
	if linkage.AsInt(issue["moved_to_id"]) != 0 {
		return &ObjectMovedError{Kind: "issue", ID: linkage.AsInt(issue["id"])}
	}
	story, err := e.importIssue(ctx, ev, author, issue)
	if err != nil {
		return err
	}
	return e.importAssignments(ctx, ev, story, assigneeList(issue))
}

func (e *Engine) fetchIssue(ctx context.Context, ev *Event) (map[string]any, error) {
	project := projectPath(ev.Repo, ev.Server)
	if project == "" {
		return nil, fmt.Errorf("repo not linked to server: %w", ErrNotFound)
	}
	if ev.TargetIID != 0 {
		return e.transport.Fetch(ctx, ev.Server, fmt.Sprintf("/projects/%s/issues/%d", project, ev.TargetIID), nil)
	}
	// Older activity-log entries carry only the global id; filter on it.
	list, err := e.transport.FetchAll(ctx, ev.Server, "/projects/"+project+"/issues", nil)
	if err != nil {
		return nil, err
	}
	for _, issue := range list {
		if linkage.AsInt(issue["id"]) == ev.TargetID {
			return issue, nil
		}
	}
	return nil, fmt.Errorf("issue %d: %w", ev.TargetID, ErrNotFound)
}

func (e *Engine) importIssue(ctx context.Context, ev *Event, author *models.User, issue map[string]any) (*models.Story, error) {
	issueLink, err := linkage.Extend(ev.Server.Ref(), ev.Repo.External, linkage.Link{
		"issue": map[string]any{"id": linkage.AsInt(issue["id"])},
	})
	if err != nil {
		return nil, err
	}
	found, err := e.store.FindStory(ctx, issueLink)
	if err != nil {
		return nil, err
	}
	var after *models.Story
	if found != nil {
		after = found.Clone()
	} else {
		after = &models.Story{}
	}
	lk, err := linkage.Attach(after.Links(), issueLink)
	if err != nil {
		return nil, err
	}
	lkIssue, _ := lk["issue"].(map[string]any)
	if lkIssue != nil {
		lkIssue["number"] = linkage.AsInt(issue["iid"])
	}

	confidential, _ := issue["confidential"].(bool)
	ref := ev.Server.Ref()
	props := []struct {
		path string
		prop Property
	}{
		{"type", Property{Value: "issue", Overwrite: OverwriteAlways}},
		{"user_ids", Property{Value: []int64{author.ID}, Overwrite: OverwriteAlways}},
		{"details.number", Property{Value: issue["iid"], Overwrite: OverwriteAlways}},
		{"details.title", Property{Value: issue["title"], Overwrite: OverwriteMatchPrevious, Ignore: issue["title"] == nil}},
		{"details.labels", Property{Value: issue["labels"], Overwrite: OverwriteMatchPrevious, Ignore: issue["labels"] == nil}},
		{"details.state", Property{Value: issue["state"], Overwrite: OverwriteAlways}},
		{"details.milestone", Property{Value: milestoneTitle(issue), Overwrite: OverwriteMatchPrevious, Ignore: issue["milestone"] == nil}},
		{"details.url", Property{Value: issue["web_url"], Overwrite: OverwriteAlways, Ignore: issue["web_url"] == nil}},
		{"tags", Property{Value: ExtractTags(str(issue["title"]), labelTags(issue["labels"])...), Overwrite: OverwriteMatchPrevious}},
		{"public", Property{Value: !confidential && repoIsPublic(ev.Repo), Overwrite: OverwriteAlways}},
		{"published", Property{Value: true, Overwrite: OverwriteAlways}},
		{"ptime", Property{Value: parseTime(issue["created_at"]), Overwrite: OverwriteAlways, Ignore: parseTime(issue["created_at"]).IsZero()}},
	}
	for _, p := range props {
		if err := ImportProperty(after, ref, p.path, p.prop); err != nil {
			return nil, err
		}
	}
	if found != nil && EqualValues(found, after) {
		return found, nil // replaying the same observation is a no-op
	}
	if err := e.store.SaveStory(ctx, after); err != nil {
		return nil, err
	}
	return after, nil
}

func milestoneTitle(issue map[string]any) any {
	m, ok := issue["milestone"].(map[string]any)
	if !ok {
		return nil
	}
	return m["title"]
}

func assigneeList(obj map[string]any) []map[string]any {
	var out []map[string]any
	if list, ok := obj["assignees"].([]any); ok {
		for _, a := range list {
			if m, ok := a.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	if len(out) == 0 {
		if m, ok := obj["assignee"].(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func labelTags(labels any) []string {
	var out []string
	if list, ok := labels.([]any); ok {
		for _, l := range list {
			if s, ok := l.(string); ok {
				out = append(out, "#"+s)
			}
		}
	}
	return out
}
