package importer

import (
	"context"

	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

// importAssignments creates one "assignment" reaction per external assignee
// not yet represented on the story. Matching is by internal user id, so N
// observations of the same assignee collapse to one reaction.
func (e *Engine) importAssignments(ctx context.Context, ev *Event, story *models.Story, assignees []map[string]any) error {
	if len(assignees) == 0 {
		return nil
	}
	existing, err := e.store.FindReactions(ctx, story.ID, "assignment")
	if err != nil {
		return err
	}
	for _, assignee := range assignees {
		user, err := e.ResolveUser(ctx, ev.Server, linkage.AsInt(assignee["id"]))
		if err != nil {
			// Assignee resolution is best-effort; the activity log often only
			// names users that have since left the server.
			e.log.Warn("assignee_unresolved", "external_id", assignee["id"], "error", err)
			continue
		}
		if hasAssignment(existing, user.ID) {
			continue
		}
		reaction := &models.Reaction{}
		lk, err := linkage.Extend(ev.Server.Ref(), story.External, nil)
		if err != nil {
			return err
		}
		if _, err := linkage.Attach(reaction.Links(), lk); err != nil {
			return err
		}
		ref := ev.Server.Ref()
		for path, prop := range map[string]Property{
			"type":      {Value: "assignment", Overwrite: OverwriteAlways},
			"story_id":  {Value: story.ID, Overwrite: OverwriteAlways},
			"user_id":   {Value: user.ID, Overwrite: OverwriteAlways},
			"public":    {Value: story.Public, Overwrite: OverwriteAlways},
			"published": {Value: true, Overwrite: OverwriteAlways},
			"ptime":     {Value: ev.CreatedAt, Overwrite: OverwriteAlways},
		} {
			if err := ImportProperty(reaction, ref, path, prop); err != nil {
				return err
			}
		}
		if err := e.store.SaveReaction(ctx, reaction); err != nil {
			return err
		}
		existing = append(existing, reaction)
	}
	return nil
}

func hasAssignment(reactions []*models.Reaction, userID int64) bool {
	for _, r := range reactions {
		if !r.Deleted && r.UserID == userID {
			return true
		}
	}
	return false
}

// removeAssignment flags the assignment reaction held by the named user, if
// one exists. Unassignment is reconstructed from system-note text, which only
// carries a username; a miss is dropped silently.
func (e *Engine) removeAssignment(ctx context.Context, ev *Event, story *models.Story, username string) error {
	existing, err := e.store.FindReactions(ctx, story.ID, "assignment")
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.Deleted {
			continue
		}
		user, err := e.store.FindUserByID(ctx, r.UserID)
		if err != nil || user == nil {
			continue
		}
		if user.Username == username {
			r.Deleted = true
			return e.store.SaveReaction(ctx, r)
		}
	}
	return nil
}
