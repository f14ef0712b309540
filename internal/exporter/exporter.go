package exporter

import (
	"context"
	"fmt"
	"log/slog"

	"activity-mirror/internal/importer"
	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

// Store is the slice of persistence the exporter needs.
type Store interface {
	FindUserByID(ctx context.Context, id int64) (*models.User, error)
	SaveStory(ctx context.Context, row *models.Story) error
}

// Exporter copies internal story fields out to an external tracker issue,
// mirroring the importer's match-previous logic in the outbound direction:
// the would-be external state is compared against the link's export snapshot
// and the remote write is skipped when nothing changed, avoiding needless
// API calls and history noise on the external system.
type Exporter struct {
	log       *slog.Logger
	store     Store
	transport importer.Transport
}

func New(log *slog.Logger, store Store, transport importer.Transport) *Exporter {
	return &Exporter{log: log, store: store, transport: transport}
}

// ExportStory writes the story out as an issue in the given repo on the
// given server, creating the issue on first export and updating it after.
// The write is attributed to the story's primary author via their mapped
// external account.
func (e *Exporter) ExportStory(ctx context.Context, server *models.Server, repo *models.Repo, story *models.Story) error {
	actingID, err := e.actingUserID(ctx, server, story)
	if err != nil {
		return err
	}
	fields := issueFields(story)

	lk := linkage.Find(story.External, server.Ref(), nil)
	if lk == nil {
		newLink, err := linkage.Extend(server.Ref(), repo.External, nil)
		if err != nil {
			return fmt.Errorf("story repo not linked: %w", err)
		}
		lk, err = linkage.Attach(story.Links(), newLink)
		if err != nil {
			return err
		}
	}
	if importer.EqualValues(fields, linkage.PeekSnapshot(lk, "_export", "issue")) {
		return nil // external copy is already current
	}

	project := projectFromLink(lk)
	if project == "" {
		return fmt.Errorf("link carries no project id")
	}
	issueID := issueFromLink(lk)

	var result map[string]any
	if issueID != 0 {
		number := linkage.AsInt(issueNumberFromLink(lk))
		result, err = e.transport.Put(ctx, server,
			fmt.Sprintf("/projects/%s/issues/%d", project, number), fields, actingID)
	} else {
		result, err = e.transport.Post(ctx, server, "/projects/"+project+"/issues", fields, actingID)
	}
	if err != nil {
		return err
	}

	lk["issue"] = map[string]any{
		"id":     linkage.AsInt(result["id"]),
		"number": linkage.AsInt(result["iid"]),
	}
	linkage.ExportSnapshot(lk)["issue"] = importer.NormalizeValue(fields)
	story.SetField("details.exported", true)
	story.SetField("details.number", result["iid"])
	if err := e.store.SaveStory(ctx, story); err != nil {
		return err
	}
	e.log.Info("story_exported", "story_id", story.ID, "issue_id", result["id"])
	return nil
}

func (e *Exporter) actingUserID(ctx context.Context, server *models.Server, story *models.Story) (int64, error) {
	if len(story.UserIDs) == 0 {
		return 0, fmt.Errorf("story %d has no author", story.ID)
	}
	user, err := e.store.FindUserByID(ctx, story.UserIDs[0])
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, fmt.Errorf("story author %d not found", story.UserIDs[0])
	}
	lk := linkage.Find(user.External, server.Ref(), nil)
	if lk == nil {
		return 0, fmt.Errorf("story author %d has no account on server %d", user.ID, server.ID)
	}
	account, _ := lk["user"].(map[string]any)
	id := linkage.AsInt(account["id"])
	if id == 0 {
		return 0, fmt.Errorf("story author %d link carries no account id", user.ID)
	}
	return id, nil
}

// issueFields builds the external representation of the story.
func issueFields(story *models.Story) map[string]any {
	fields := map[string]any{
		"confidential": !story.Public,
	}
	if title, ok := story.GetField("details.title"); ok {
		fields["title"] = title
	} else if text, ok := story.GetField("details.text"); ok {
		fields["title"] = excerpt(str(text))
	}
	if text, ok := story.GetField("details.text"); ok {
		fields["description"] = text
	}
	if labels, ok := story.GetField("details.labels"); ok {
		fields["labels"] = labels
	} else if len(story.Tags) > 0 {
		labels := make([]string, 0, len(story.Tags))
		for _, tag := range story.Tags {
			if len(tag) > 1 && tag[0] == '#' {
				labels = append(labels, tag[1:])
			}
		}
		fields["labels"] = labels
	}
	return fields
}

func excerpt(text string) string {
	const max = 80
	for i, r := range text {
		if r == '\n' || i >= max {
			return text[:i]
		}
	}
	return text
}

func projectFromLink(lk linkage.Link) string {
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

func issueFromLink(lk linkage.Link) int64 {
	issue, _ := lk["issue"].(map[string]any)
	if issue == nil {
		return 0
	}
	return linkage.AsInt(issue["id"])
}

func issueNumberFromLink(lk linkage.Link) any {
	issue, _ := lk["issue"].(map[string]any)
	if issue == nil {
		return nil
	}
	return issue["number"]
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
