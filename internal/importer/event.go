package importer

import (
	"strings"
	"time"

	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

// Event is one normalized external observation, either an activity-log entry
// or a webhook delivery. Payload keeps the raw body for fields only some
// event kinds carry.
type Event struct {
	Server    *models.Server
	Repo      *models.Repo
	Kind      string // normalized target_type (activity log) or object_kind (webhook)
	Action    string // normalized action_name, "" for webhooks
	TargetID  int64
	TargetIID int64
	AuthorID  int64 // external user id of the actor
	CreatedAt time.Time
	Payload   map[string]any
}

// NormalizeKind folds the external host's spelling variants onto registry
// keys: lowercase, spaces and hyphens become underscores, namespace suffixes
// ("WikiPage::Meta") are dropped.
func NormalizeKind(kind string) string {
	if i := strings.Index(kind, "::"); i >= 0 {
		kind = kind[:i]
	}
	kind = strings.ToLower(strings.TrimSpace(kind))
	kind = strings.ReplaceAll(kind, " ", "_")
	kind = strings.ReplaceAll(kind, "-", "_")
	return kind
}

// EventFromActivityLog builds an Event from one entry of the polled
// activity log.
func EventFromActivityLog(server *models.Server, repo *models.Repo, entry map[string]any) *Event {
	ev := &Event{
		Server:    server,
		Repo:      repo,
		Action:    NormalizeKind(str(entry["action_name"])),
		TargetID:  linkage.AsInt(entry["target_id"]),
		TargetIID: linkage.AsInt(entry["target_iid"]),
		AuthorID:  linkage.AsInt(entry["author_id"]),
		CreatedAt: parseTime(entry["created_at"]),
		Payload:   entry,
	}
	kind := str(entry["target_type"])
	if kind == "" {
		// Pushes have no target; the action names the event instead.
		switch ev.Action {
		case "pushed_to", "pushed_new", "deleted":
			kind = "push"
		case "joined", "left":
			kind = "member"
		}
	}
	ev.Kind = NormalizeKind(kind)
	return ev
}

// EventFromWebhook builds an Event from a webhook delivery body.
func EventFromWebhook(server *models.Server, repo *models.Repo, body map[string]any) *Event {
	ev := &Event{
		Server:    server,
		Repo:      repo,
		Kind:      NormalizeKind(str(body["object_kind"])),
		AuthorID:  linkage.AsInt(body["user_id"]),
		CreatedAt: time.Now().UTC(),
		Payload:   body,
	}
	if attrs, ok := body["object_attributes"].(map[string]any); ok {
		ev.TargetID = linkage.AsInt(attrs["id"])
		ev.TargetIID = linkage.AsInt(attrs["iid"])
		if t := parseTime(attrs["created_at"]); !t.IsZero() {
			ev.CreatedAt = t
		}
	}
	if ev.AuthorID == 0 {
		if user, ok := body["user"].(map[string]any); ok {
			ev.AuthorID = linkage.AsInt(user["id"])
		}
	}
	return ev
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05 MST", "2006-01-02T15:04:05.000-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
