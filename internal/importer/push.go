package importer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

// Rename records one file moving within a push.
type Rename struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

// FileChanges is the push-level net effect on the repository's files.
type FileChanges struct {
	Added    []string `json:"added"`
	Deleted  []string `json:"deleted"`
	Modified []string `json:"modified"`
	Renamed  []Rename `json:"renamed"`
}

// pushSummary is a reconstructed multi-commit push.
type pushSummary struct {
	HeadID       string
	TailID       string
	Branch       string
	RefType      string
	CommitIDs    []string // chosen path, oldest first, tail excluded
	Files        FileChanges
	LinesAdded   int64
	LinesDeleted int64
}

// ImportPushEvent turns a push observation into a single story covering the
// whole commit range, regardless of how many commits it contains.
func (e *Engine) ImportPushEvent(ctx context.Context, ev *Event) error {
	if ev.Repo == nil {
		return fmt.Errorf("push event without repo: %w", ErrNotFound)
	}
	head, tail, branch, refType, count := pushRange(ev)
	if head == "" {
		// Branch/tag deletion carries no commits; nothing to mirror.
		e.log.Debug("push_without_head_skipped", "branch", branch)
		return nil
	}
	author, err := e.ResolveUser(ctx, ev.Server, ev.AuthorID)
	if err != nil {
		return err
	}
	push, err := e.reconstructPush(ctx, ev.Server, ev.Repo, head, tail, branch, refType, count)
	if err != nil {
		return err
	}
	return e.importPushStory(ctx, ev, author, push)
}

func pushRange(ev *Event) (head, tail, branch, refType string, count int64) {
	refType = "branch"
	if ev.Kind == "tag_push" {
		refType = "tag"
	}
	if pd, ok := ev.Payload["push_data"].(map[string]any); ok {
		head = str(pd["commit_to"])
		tail = str(pd["commit_from"])
		branch = str(pd["ref"])
		if rt := str(pd["ref_type"]); rt != "" {
			refType = rt
		}
		count = linkage.AsInt(pd["commit_count"])
		return
	}
	if data, ok := ev.Payload["data"].(map[string]any); ok {
		head = str(data["after"])
		tail = str(data["before"])
		branch = refName(str(data["ref"]))
		count = linkage.AsInt(data["total_commits_count"])
		return
	}
	head = str(ev.Payload["after"])
	tail = str(ev.Payload["before"])
	branch = refName(str(ev.Payload["ref"]))
	count = linkage.AsInt(ev.Payload["total_commits_count"])
	return
}

func refName(ref string) string {
	for _, prefix := range []string{"refs/heads/", "refs/tags/"} {
		if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
			return ref[len(prefix):]
		}
	}
	return ref
}

const nullCommit = "0000000000000000000000000000000000000000"

// reconstructPush walks the commit graph from head back to tail, choosing
// the shortest path when a merge commit offers several, then folds the
// per-commit file lists into push-level sets.
func (e *Engine) reconstructPush(ctx context.Context, server *models.Server, repo *models.Repo, head, tail, branch, refType string, count int64) (*pushSummary, error) {
	if tail == nullCommit {
		tail = ""
	}
	commits := map[string]*models.Commit{}
	ids, err := e.walkCommits(ctx, server, repo, head, tail, count, commits)
	if err != nil {
		return nil, err
	}
	push := &pushSummary{
		HeadID:  head,
		TailID:  tail,
		Branch:  branch,
		RefType: refType,
		Files:   FileChanges{Added: []string{}, Deleted: []string{}, Modified: []string{}, Renamed: []Rename{}},
	}
	// ids come head-first; fold oldest first.
	for i := len(ids) - 1; i >= 0; i-- {
		commit := commits[ids[i]]
		push.CommitIDs = append(push.CommitIDs, ids[i])
		foldCommit(&push.Files, commit)
		if lines, ok := commit.Details["lines"].(map[string]any); ok {
			push.LinesAdded += linkage.AsInt(lines["added"])
			push.LinesDeleted += linkage.AsInt(lines["deleted"])
		}
	}
	return push, nil
}

// walkCommits performs a breadth-first walk over parent edges from head,
// stopping at tail. BFS visits in distance order, so the first arrival at
// tail is a shortest path through any merge commits. A tailless walk (new
// branch) follows first parents only, bounded by the reported commit count.
func (e *Engine) walkCommits(ctx context.Context, server *models.Server, repo *models.Repo, head, tail string, count int64, commits map[string]*models.Commit) ([]string, error) {
	if tail == "" {
		limit := count
		if limit <= 0 || limit > 50 {
			limit = 1
		}
		var ids []string
		id := head
		for int64(len(ids)) < limit && id != "" {
			commit, err := e.importCommit(ctx, server, repo, id)
			if err != nil {
				return nil, err
			}
			commits[id] = commit
			ids = append(ids, id)
			parents := toStringList(commit.Details["parent_ids"])
			id = ""
			if len(parents) > 0 {
				id = parents[0]
			}
		}
		return ids, nil
	}

	const maxVisited = 1000
	prev := map[string]string{}
	queue := []string{head}
	visited := map[string]bool{head: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		commit, err := e.importCommit(ctx, server, repo, id)
		if err != nil {
			return nil, err
		}
		commits[id] = commit
		for _, parent := range toStringList(commit.Details["parent_ids"]) {
			if parent == tail {
				// Walk the prev chain back up to head; result is head-first.
				var path []string
				for cur := id; cur != ""; cur = prev[cur] {
					path = append([]string{cur}, path...)
				}
				return path, nil
			}
			if visited[parent] {
				continue
			}
			visited[parent] = true
			prev[parent] = id
			queue = append(queue, parent)
		}
		if len(visited) > maxVisited {
			return nil, fmt.Errorf("push range %s..%s too deep: %w", tail, head, ErrNotFound)
		}
	}
	return nil, fmt.Errorf("no path from %s to %s: %w", head, tail, ErrNotFound)
}

// importCommit finds or fetches one commit, consulting the per-repo cache,
// then the store, then the remote host.
func (e *Engine) importCommit(ctx context.Context, server *models.Server, repo *models.Repo, commitID string) (*models.Commit, error) {
	if cached := e.commits.Get(server.ID, repo.ID, commitID); cached != nil {
		return cached, nil
	}
	commitLink, err := linkage.Extend(server.Ref(), repo.External, linkage.Link{
		"commit": map[string]any{"id": commitID},
	})
	if err != nil {
		return nil, err
	}
	found, err := e.store.FindCommit(ctx, commitLink)
	if err != nil {
		return nil, err
	}
	if found != nil {
		e.commits.Put(server.ID, repo.ID, commitID, found)
		return found, nil
	}

	project := projectPath(repo, server)
	detail, err := e.transport.Fetch(ctx, server, fmt.Sprintf("/projects/%s/repository/commits/%s", project, commitID), nil)
	if err != nil {
		return nil, err
	}
	diff, err := e.transport.FetchAll(ctx, server, fmt.Sprintf("/projects/%s/repository/commits/%s/diff", project, commitID), nil)
	if err != nil {
		return nil, err
	}

	commit := &models.Commit{}
	if _, err := linkage.Attach(commit.Links(), commitLink); err != nil {
		return nil, err
	}
	title := str(detail["title"])
	sum := md5.Sum([]byte(title))
	commit.TitleHash = hex.EncodeToString(sum[:])
	ref := server.Ref()
	files := diffFiles(diff)
	stats, _ := detail["stats"].(map[string]any)
	for path, prop := range map[string]Property{
		"details.title":          {Value: title, Overwrite: OverwriteAlways},
		"details.message":        {Value: detail["message"], Overwrite: OverwriteAlways, Ignore: detail["message"] == nil},
		"details.author_email":   {Value: detail["author_email"], Overwrite: OverwriteAlways, Ignore: detail["author_email"] == nil},
		"details.committed_date": {Value: detail["committed_date"], Overwrite: OverwriteAlways, Ignore: detail["committed_date"] == nil},
		"details.parent_ids":     {Value: detail["parent_ids"], Overwrite: OverwriteAlways},
		"details.files":          {Value: files, Overwrite: OverwriteAlways},
		"details.lines": {Value: map[string]any{
			"added":   linkage.AsInt(statValue(stats, "additions")),
			"deleted": linkage.AsInt(statValue(stats, "deletions")),
		}, Overwrite: OverwriteAlways, Ignore: stats == nil},
	} {
		if err := ImportProperty(commit, ref, path, prop); err != nil {
			return nil, err
		}
	}
	if err := e.store.SaveCommit(ctx, commit); err != nil {
		return nil, err
	}
	e.commits.Put(server.ID, repo.ID, commitID, commit)
	return commit, nil
}

func statValue(stats map[string]any, key string) any {
	if stats == nil {
		return nil
	}
	return stats[key]
}

// diffFiles classifies one commit's diff entries.
func diffFiles(diff []map[string]any) map[string]any {
	added := []any{}
	deleted := []any{}
	modified := []any{}
	renamed := []any{}
	for _, entry := range diff {
		newPath := str(entry["new_path"])
		oldPath := str(entry["old_path"])
		switch {
		case entry["new_file"] == true:
			added = append(added, newPath)
		case entry["deleted_file"] == true:
			deleted = append(deleted, oldPath)
		case entry["renamed_file"] == true:
			renamed = append(renamed, map[string]any{"before": oldPath, "after": newPath})
		default:
			modified = append(modified, newPath)
		}
	}
	return map[string]any{"added": added, "deleted": deleted, "modified": modified, "renamed": renamed}
}

// foldCommit merges one commit's file lists (oldest first) into the running
// push-level sets. A file added and deleted within the push nets to nothing;
// a rename chain collapses to a single rename from original to final name.
func foldCommit(fc *FileChanges, commit *models.Commit) {
	files, _ := commit.Details["files"].(map[string]any)
	if files == nil {
		return
	}
	for _, f := range toStringList(files["added"]) {
		if removeString(&fc.Deleted, f) {
			// Deleted earlier in this push and now back: net effect is a change.
			appendUnique(&fc.Modified, f)
			continue
		}
		appendUnique(&fc.Added, f)
	}
	for _, entry := range asSlice(files["renamed"]) {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		before, after := str(m["before"]), str(m["after"])
		if removeString(&fc.Added, before) {
			appendUnique(&fc.Added, after) // added under its final name
			continue
		}
		if chained := renameTo(fc, before); chained != nil {
			chained.After = after
			continue
		}
		if removeString(&fc.Modified, before) {
			appendUnique(&fc.Modified, after)
		}
		fc.Renamed = append(fc.Renamed, Rename{Before: before, After: after})
	}
	for _, f := range toStringList(files["deleted"]) {
		if chained := renameTo(fc, f); chained != nil {
			f = chained.Before
			dropRename(fc, chained.After)
		}
		if removeString(&fc.Added, f) {
			continue // created and destroyed entirely within the push
		}
		removeString(&fc.Modified, f)
		appendUnique(&fc.Deleted, f)
	}
	for _, f := range toStringList(files["modified"]) {
		if containsString(fc.Added, f) {
			continue
		}
		appendUnique(&fc.Modified, f)
	}
}

func renameTo(fc *FileChanges, final string) *Rename {
	for i := range fc.Renamed {
		if fc.Renamed[i].After == final {
			return &fc.Renamed[i]
		}
	}
	return nil
}

func dropRename(fc *FileChanges, final string) {
	for i := range fc.Renamed {
		if fc.Renamed[i].After == final {
			fc.Renamed = append(fc.Renamed[:i], fc.Renamed[i+1:]...)
			return
		}
	}
}

func (e *Engine) importPushStory(ctx context.Context, ev *Event, author *models.User, push *pushSummary) error {
	storyType := "push"
	if push.TailID == "" {
		storyType = "branch"
		if push.RefType == "tag" {
			storyType = "tag"
		}
	}
	ids := make([]any, len(push.CommitIDs))
	for i, id := range push.CommitIDs {
		ids[i] = id
	}
	storyLink, err := linkage.Extend(ev.Server.Ref(), ev.Repo.External, linkage.Link{
		"commit": map[string]any{"ids": ids, "id": push.HeadID},
	})
	if err != nil {
		return err
	}
	found, err := e.store.FindStory(ctx, storyLink)
	if err != nil {
		return err
	}
	var after *models.Story
	if found != nil {
		after = found.Clone()
	} else {
		after = &models.Story{}
	}
	if _, err := linkage.Attach(after.Links(), storyLink); err != nil {
		return err
	}
	ref := ev.Server.Ref()
	props := []struct {
		path string
		prop Property
	}{
		{"type", Property{Value: storyType, Overwrite: OverwriteAlways}},
		{"user_ids", Property{Value: []int64{author.ID}, Overwrite: OverwriteAlways}},
		{"details.commit_before", Property{Value: push.TailID, Overwrite: OverwriteAlways, Ignore: push.TailID == ""}},
		{"details.commit_after", Property{Value: push.HeadID, Overwrite: OverwriteAlways}},
		{"details.branch", Property{Value: push.Branch, Overwrite: OverwriteAlways}},
		{"details.commits", Property{Value: len(push.CommitIDs), Overwrite: OverwriteAlways}},
		{"details.files", Property{Value: push.Files, Overwrite: OverwriteAlways}},
		{"details.lines", Property{Value: map[string]any{"added": push.LinesAdded, "deleted": push.LinesDeleted}, Overwrite: OverwriteAlways}},
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

func toStringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

func appendUnique(list *[]string, s string) {
	if !containsString(*list, s) {
		*list = append(*list, s)
	}
}

func removeString(list *[]string, s string) bool {
	for i, e := range *list {
		if e == s {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}
