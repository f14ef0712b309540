package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"activity-mirror/internal/linkage"
)

// Engine holds the collaborators shared by every object importer and the
// dispatch table routing events to them. The table is populated once at
// construction; event kinds the system does not model are logged and dropped,
// never fatal, since the upstream activity log contains kinds we ignore.
type Engine struct {
	log       *slog.Logger
	store     Store
	transport Transport
	media     MediaStore
	commits   *CommitCache
	registry  map[string]func(context.Context, *Event) error
}

func NewEngine(log *slog.Logger, store Store, transport Transport, media MediaStore) *Engine {
	e := &Engine{
		log:       log,
		store:     store,
		transport: transport,
		media:     media,
		commits:   NewCommitCache(),
	}
	e.registry = map[string]func(context.Context, *Event) error{
		"issue":         e.ImportIssueEvent,
		"merge_request": e.ImportMergeRequestEvent,
		"note":          e.ImportNoteEvent,
		"push":          e.ImportPushEvent,
		"tag_push":      e.ImportPushEvent,
		"milestone":     e.ImportMilestoneEvent,
		"wiki_page":     e.ImportWikiEvent,
		"member":        e.ImportMemberEvent,
	}
	return e
}

// Dispatch routes one normalized event to its object importer. Per-event
// failures come back as errors for the run driver to count; only conflicting
// link errors indicate state further processing would compound, and callers
// are expected to stop the run on them.
func (e *Engine) Dispatch(ctx context.Context, ev *Event) error {
	handler, ok := e.registry[ev.Kind]
	if !ok {
		e.log.Debug("event_kind_unhandled", "kind", ev.Kind, "action", ev.Action)
		return nil
	}
	err := handler(ctx, ev)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		e.log.Warn("event_skipped", "kind", ev.Kind, "action", ev.Action, "error", err)
		return nil
	default:
		return fmt.Errorf("import %s event: %w", ev.Kind, err)
	}
}

// Fatal reports whether an import error indicates corrupted link state that
// must abort the whole run rather than just the current event.
func Fatal(err error) bool {
	return errors.Is(err, linkage.ErrConflictingLink) || errors.Is(err, ErrUnknownOverwrite)
}

// InvalidateCommits drops cached commits for one repo, for callers that know
// the repo's history was rewritten.
func (e *Engine) InvalidateCommits(serverID, repoID int64) {
	e.commits.Invalidate(serverID, repoID)
}
