package importer

import (
	"context"
	"fmt"
	"time"

	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

// ImportRepos reconciles the server's project list: new projects get a repo
// row plus a "repo" story announcing them, known projects get their fields
// merged, vanished projects are flagged deleted (rows are never dropped).
func (e *Engine) ImportRepos(ctx context.Context, server *models.Server) (int, error) {
	projects, err := e.transport.FetchAll(ctx, server, "/projects", nil)
	if err != nil {
		return 0, err
	}
	seen := map[int64]bool{}
	imported := 0
	for _, project := range projects {
		repo, created, err := e.importRepo(ctx, server, project)
		if err != nil {
			if Fatal(err) {
				return imported, err
			}
			e.log.Warn("repo_import_failed", "project_id", project["id"], "error", err)
			continue
		}
		seen[linkage.AsInt(project["id"])] = true
		imported++
		if created {
			if err := e.createRepoStory(ctx, server, repo, project); err != nil {
				e.log.Warn("repo_story_failed", "repo_id", repo.ID, "error", err)
			}
		}
	}
	if err := e.flagRemovedRepos(ctx, server, seen); err != nil {
		e.log.Warn("repo_removal_sweep_failed", "server_id", server.ID, "error", err)
	}
	return imported, nil
}

func (e *Engine) importRepo(ctx context.Context, server *models.Server, project map[string]any) (*models.Repo, bool, error) {
	projectID := linkage.AsInt(project["id"])
	if projectID == 0 {
		return nil, false, fmt.Errorf("import repo: project has no id: %w", ErrNotFound)
	}
	repoLink := linkage.New(server.Ref(), linkage.Link{
		"project": map[string]any{"id": projectID},
	})
	found, err := e.store.FindRepo(ctx, repoLink)
	if err != nil {
		return nil, false, err
	}
	var after *models.Repo
	if found != nil {
		after = found.Clone()
	} else {
		after = &models.Repo{}
	}
	if _, err := linkage.Attach(after.Links(), repoLink); err != nil {
		return nil, false, err
	}
	ref := server.Ref()
	props := []struct {
		path string
		prop Property
	}{
		{"type", Property{Value: server.Type, Overwrite: OverwriteAlways}},
		{"name", Property{Value: project["path"], Overwrite: OverwriteAlways, Ignore: project["path"] == nil}},
		{"details.title", Property{Value: project["name"], Overwrite: OverwriteMatchPrevious, Ignore: project["name"] == nil}},
		{"details.description", Property{Value: project["description"], Overwrite: OverwriteMatchPrevious, Ignore: project["description"] == nil}},
		{"details.url", Property{Value: project["web_url"], Overwrite: OverwriteAlways, Ignore: project["web_url"] == nil}},
		{"details.default_branch", Property{Value: project["default_branch"], Overwrite: OverwriteAlways, Ignore: project["default_branch"] == nil}},
		{"details.archived", Property{Value: project["archived"], Overwrite: OverwriteAlways, Ignore: project["archived"] == nil}},
		{"details.issues_enabled", Property{Value: project["issues_enabled"], Overwrite: OverwriteAlways, Ignore: project["issues_enabled"] == nil}},
		{"details.web_access", Property{Value: project["visibility"], Overwrite: OverwriteAlways, Ignore: project["visibility"] == nil}},
	}
	for _, p := range props {
		if err := ImportProperty(after, ref, p.path, p.prop); err != nil {
			return nil, false, err
		}
	}
	after.Deleted = false
	if found != nil && EqualValues(found, after) {
		return found, false, nil
	}
	if err := e.store.SaveRepo(ctx, after); err != nil {
		return nil, false, err
	}
	return after, found == nil, nil
}

func (e *Engine) createRepoStory(ctx context.Context, server *models.Server, repo *models.Repo, project map[string]any) error {
	storyLink, err := linkage.Extend(server.Ref(), repo.External, nil)
	if err != nil {
		return err
	}
	found, err := e.store.FindStory(ctx, probeWith(storyLink, linkage.Link{"story": map[string]any{"type": "repo"}}))
	if err != nil || found != nil {
		return err // story already announced, or lookup failed
	}
	now := time.Now().UTC()
	if t := parseTime(project["created_at"]); !t.IsZero() {
		now = t
	}
	story := &models.Story{}
	storyLink["story"] = map[string]any{"type": "repo"}
	if _, err := linkage.Attach(story.Links(), storyLink); err != nil {
		return err
	}
	ref := server.Ref()
	for path, prop := range map[string]Property{
		"type":           {Value: "repo", Overwrite: OverwriteAlways},
		"details.action": {Value: "created", Overwrite: OverwriteAlways},
		"details.name":   {Value: repo.Name, Overwrite: OverwriteAlways},
		"public":         {Value: repoIsPublic(repo), Overwrite: OverwriteAlways},
		"published":      {Value: true, Overwrite: OverwriteAlways},
		"ptime":          {Value: now, Overwrite: OverwriteAlways},
	} {
		if err := ImportProperty(story, ref, path, prop); err != nil {
			return err
		}
	}
	return e.store.SaveStory(ctx, story)
}

func (e *Engine) flagRemovedRepos(ctx context.Context, server *models.Server, seen map[int64]bool) error {
	repos, err := e.store.ListRepos(ctx, server.ID)
	if err != nil {
		return err
	}
	for _, repo := range repos {
		lk := linkage.Find(repo.External, server.Ref(), nil)
		if lk == nil || repo.Deleted {
			continue
		}
		project, _ := lk["project"].(map[string]any)
		if project == nil || seen[linkage.AsInt(project["id"])] {
			continue
		}
		repo.Deleted = true
		if err := e.store.SaveRepo(ctx, repo); err != nil {
			return err
		}
		e.log.Info("repo_flagged_deleted", "repo_id", repo.ID, "name", repo.Name)
	}
	return nil
}

// ImportMemberEvent turns joined/left activity into a "member" story.
func (e *Engine) ImportMemberEvent(ctx context.Context, ev *Event) error {
	if ev.Repo == nil {
		return fmt.Errorf("member event without repo: %w", ErrNotFound)
	}
	user, err := e.ResolveUser(ctx, ev.Server, ev.AuthorID)
	if err != nil {
		return err
	}
	storyLink, err := linkage.Extend(ev.Server.Ref(), ev.Repo.External, linkage.Link{
		"member": map[string]any{"user_id": user.ID, "action": ev.Action, "time": ev.CreatedAt.Format(time.RFC3339)},
	})
	if err != nil {
		return err
	}
	found, err := e.store.FindStory(ctx, storyLink)
	if err != nil || found != nil {
		return err
	}
	story := &models.Story{}
	if _, err := linkage.Attach(story.Links(), storyLink); err != nil {
		return err
	}
	ref := ev.Server.Ref()
	for path, prop := range map[string]Property{
		"type":           {Value: "member", Overwrite: OverwriteAlways},
		"user_ids":       {Value: []int64{user.ID}, Overwrite: OverwriteAlways},
		"details.action": {Value: ev.Action, Overwrite: OverwriteAlways},
		"public":         {Value: repoIsPublic(ev.Repo), Overwrite: OverwriteAlways},
		"published":      {Value: true, Overwrite: OverwriteAlways},
		"ptime":          {Value: ev.CreatedAt, Overwrite: OverwriteAlways},
	} {
		if err := ImportProperty(story, ref, path, prop); err != nil {
			return err
		}
	}
	return e.store.SaveStory(ctx, story)
}

func repoIsPublic(repo *models.Repo) bool {
	if repo == nil || repo.Details == nil {
		return true
	}
	v, _ := repo.Details["web_access"].(string)
	return v != "private"
}

// projectPath returns the external project id from the repo's link to the
// server, as the path segment the REST API expects.
func projectPath(repo *models.Repo, server *models.Server) string {
	lk := linkage.Find(repo.External, server.Ref(), nil)
	if lk == nil {
		return ""
	}
	project, _ := lk["project"].(map[string]any)
	if project == nil {
		return ""
	}
	id := linkage.AsInt(project["id"])
	if id == 0 {
		return ""
	}
	return fmt.Sprintf("%d", id)
}

func probeWith(lk linkage.Link, extra linkage.Link) linkage.Link {
	out := lk.Copy()
	for k, v := range extra {
		out[k] = v
	}
	return out
}
