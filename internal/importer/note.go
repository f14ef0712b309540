package importer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

// ImportNoteEvent turns a comment observation into a "note" reaction on the
// story the comment belongs to. System-generated notes about assignment are
// folded into assignment reactions instead.
func (e *Engine) ImportNoteEvent(ctx context.Context, ev *Event) error {
	if ev.Repo == nil {
		return fmt.Errorf("note event without repo: %w", ErrNotFound)
	}
	note := notePayload(ev)
	if note == nil {
		return fmt.Errorf("note event without note body: %w", ErrNotFound)
	}
	noteable := NormalizeKind(str(note["noteable_type"]))

	var story *models.Story
	var err error
	switch noteable {
	case "issue":
		story, err = e.findNoteableStory(ctx, ev, "issue", linkage.AsInt(note["noteable_id"]))
	case "merge_request", "mergerequest":
		story, err = e.findNoteableStory(ctx, ev, "merge_request", linkage.AsInt(note["noteable_id"]))
	case "commit":
		story, err = e.findCommitNoteStory(ctx, ev, note)
	default:
		e.log.Debug("noteable_type_unhandled", "noteable_type", noteable)
		return nil
	}
	if err != nil {
		return err
	}
	if story == nil {
		// Best-effort: the parent may predate mirroring, or the commit-note
		// search came up empty. Logged, never fatal.
		e.log.Warn("note_parent_unresolved", "noteable_type", noteable, "noteable_id", note["noteable_id"])
		return nil
	}

	if isSystemNote(note) {
		return e.importSystemNote(ctx, ev, story, str(note["body"]))
	}

	author, err := e.ResolveUser(ctx, ev.Server, noteAuthorID(ev, note))
	if err != nil {
		return err
	}
	return e.importNoteReaction(ctx, ev, story, author, note)
}

func notePayload(ev *Event) map[string]any {
	if note, ok := ev.Payload["note"].(map[string]any); ok {
		return note
	}
	if attrs, ok := ev.Payload["object_attributes"].(map[string]any); ok {
		return attrs
	}
	return nil
}

func noteAuthorID(ev *Event, note map[string]any) int64 {
	if id := linkage.AsInt(note["author_id"]); id != 0 {
		return id
	}
	return ev.AuthorID
}

func isSystemNote(note map[string]any) bool {
	system, _ := note["system"].(bool)
	return system
}

func (e *Engine) findNoteableStory(ctx context.Context, ev *Event, kind string, noteableID int64) (*models.Story, error) {
	if noteableID == 0 {
		return nil, nil
	}
	probe, err := linkage.Extend(ev.Server.Ref(), ev.Repo.External, linkage.Link{
		kind: map[string]any{"id": noteableID},
	})
	if err != nil {
		return nil, err
	}
	return e.store.FindStory(ctx, probe)
}

// findCommitNoteStory resolves the ambiguous case of a commit note: the
// activity log does not say which commit the note sits on, only the commit
// title. Candidate commits are matched by title hash, then each candidate's
// notes are re-fetched and compared byte-for-byte against the event's body;
// the first exact match wins, no match drops the event.
func (e *Engine) findCommitNoteStory(ctx context.Context, ev *Event, note map[string]any) (*models.Story, error) {
	if commitID := str(note["commit_id"]); commitID != "" {
		return e.storyForCommit(ctx, ev, commitID)
	}
	title := str(ev.Payload["target_title"])
	body := str(note["body"])
	if title == "" || body == "" {
		return nil, nil
	}
	sum := md5.Sum([]byte(title))
	candidates, err := e.store.FindCommitsByTitleHash(ctx, ev.Server.ID, hex.EncodeToString(sum[:]))
	if err != nil {
		return nil, err
	}
	project := projectPath(ev.Repo, ev.Server)
	for _, commit := range candidates {
		lk := linkage.Find(commit.External, ev.Server.Ref(), nil)
		if lk == nil {
			continue
		}
		cm, _ := lk["commit"].(map[string]any)
		commitID := str(cm["id"])
		if commitID == "" {
			continue
		}
		comments, err := e.transport.FetchAll(ctx, ev.Server,
			fmt.Sprintf("/projects/%s/repository/commits/%s/comments", project, commitID), nil)
		if err != nil {
			e.log.Warn("commit_comments_fetch_failed", "commit_id", commitID, "error", err)
			continue
		}
		for _, comment := range comments {
			if str(comment["note"]) == body {
				return e.storyForCommit(ctx, ev, commitID)
			}
		}
	}
	return nil, nil
}

func (e *Engine) storyForCommit(ctx context.Context, ev *Event, commitID string) (*models.Story, error) {
	probe, err := linkage.Extend(ev.Server.Ref(), ev.Repo.External, linkage.Link{
		"commit": map[string]any{"ids": []any{commitID}},
	})
	if err != nil {
		return nil, err
	}
	return e.store.FindStory(ctx, probe)
}

func (e *Engine) importNoteReaction(ctx context.Context, ev *Event, story *models.Story, author *models.User, note map[string]any) error {
	noteID := linkage.AsInt(note["id"])
	noteLink, err := linkage.Extend(ev.Server.Ref(), story.External, linkage.Link{
		"note": map[string]any{"id": noteID},
	})
	if err != nil {
		return err
	}
	found, err := e.store.FindReaction(ctx, story.ID, "note", noteLink)
	if err != nil || found != nil {
		return err // reactions are append-only: a seen note is a no-op
	}
	reaction := &models.Reaction{}
	if _, err := linkage.Attach(reaction.Links(), noteLink); err != nil {
		return err
	}
	ref := ev.Server.Ref()
	created := parseTime(note["created_at"])
	if created.IsZero() {
		created = ev.CreatedAt
	}
	for path, prop := range map[string]Property{
		"type":      {Value: "note", Overwrite: OverwriteAlways},
		"story_id":  {Value: story.ID, Overwrite: OverwriteAlways},
		"user_id":   {Value: author.ID, Overwrite: OverwriteAlways},
		"public":    {Value: story.Public, Overwrite: OverwriteAlways},
		"published": {Value: true, Overwrite: OverwriteAlways},
		"ptime":     {Value: created, Overwrite: OverwriteAlways},
	} {
		if err := ImportProperty(reaction, ref, path, prop); err != nil {
			return err
		}
	}
	return e.store.SaveReaction(ctx, reaction)
}

var (
	assignedPattern   = regexp.MustCompile(`^assigned to @([\w.-]+)`)
	unassignedPattern = regexp.MustCompile(`^unassigned @([\w.-]+)`)
)

// importSystemNote reconstructs assignment history from system-note text.
// Usernames are the only identity the text carries, so misses are dropped
// silently.
func (e *Engine) importSystemNote(ctx context.Context, ev *Event, story *models.Story, body string) error {
	body = strings.TrimSpace(body)
	if m := unassignedPattern.FindStringSubmatch(body); m != nil {
		return e.removeAssignment(ctx, ev, story, m[1])
	}
	if m := assignedPattern.FindStringSubmatch(body); m != nil {
		user, err := e.findUserByUsername(ctx, ev.Server, m[1])
		if err != nil || user == nil {
			return nil
		}
		return e.importAssignments(ctx, ev, story, []map[string]any{externalAccountOf(user, ev.Server)})
	}
	return nil
}

func (e *Engine) findUserByUsername(ctx context.Context, server *models.Server, username string) (*models.User, error) {
	accounts, err := e.transport.FetchAll(ctx, server, "/users", mapToQuery("username", username))
	if err != nil || len(accounts) == 0 {
		return nil, err
	}
	return e.ImportUser(ctx, server, accounts[0])
}

func mapToQuery(key, value string) url.Values {
	return url.Values{key: []string{value}}
}

func externalAccountOf(user *models.User, server *models.Server) map[string]any {
	lk := linkage.Find(user.External, server.Ref(), nil)
	if lk == nil {
		return map[string]any{}
	}
	account, _ := lk["user"].(map[string]any)
	if account == nil {
		return map[string]any{}
	}
	return map[string]any{"id": account["id"]}
}
