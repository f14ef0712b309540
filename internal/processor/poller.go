package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"activity-mirror/internal/exporter"
	"activity-mirror/internal/importer"
	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
	"activity-mirror/internal/redis"
	"activity-mirror/internal/store"
	"activity-mirror/internal/tasklog"
)

// Poller replays each repo's activity log in order. Unlike webhook traffic
// it is strictly sequential per repo: the log is a history, and importing
// it out of order would let a newer observation be overwritten by an older
// one through the match-previous merge. The resumption cursor (time of the
// last successfully imported entry) lives in redis per server and repo, so
// a restart picks up where the previous run stopped.
type Poller struct {
	log       *slog.Logger
	store     *store.Store
	engine    *importer.Engine
	exporter  *exporter.Exporter
	transport importer.Transport
	redis     *redis.Client
	tasks     *tasklog.Log
	interval  time.Duration
}

func NewPoller(log *slog.Logger, st *store.Store, engine *importer.Engine, exp *exporter.Exporter, transport importer.Transport, redisClient *redis.Client, tasks *tasklog.Log, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Poller{
		log:       log,
		store:     st,
		engine:    engine,
		exporter:  exp,
		transport: transport,
		redis:     redisClient,
		tasks:     tasks,
		interval:  interval,
	}
}

// Run polls until the context is canceled. The first sweep starts
// immediately.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.SyncAll(ctx); err != nil {
			p.log.Error("poll_sweep_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncAll runs one full sweep over every enabled server.
func (p *Poller) SyncAll(ctx context.Context) error {
	servers, err := p.store.ListServers(ctx)
	if err != nil {
		return err
	}
	for _, server := range servers {
		if err := p.SyncServer(ctx, server); err != nil {
			if ctx.Err() != nil {
				return err
			}
			p.log.Error("server_sync_failed", "server_id", server.ID, "error", err)
		}
	}
	return nil
}

// SyncServer reconciles one server: accounts and projects first, then each
// live repo's activity log. The run is recorded in the task log.
func (p *Poller) SyncServer(ctx context.Context, server *models.Server) error {
	task, err := p.tasks.Start(ctx, "server_sync", map[string]any{
		"server_id": server.ID,
		"server":    server.Title,
	})
	if err != nil {
		return err
	}

	err = p.syncServer(ctx, server, task)
	if err != nil {
		task.Abort(ctx, err)
		return err
	}
	task.Finish(ctx)
	return nil
}

func (p *Poller) syncServer(ctx context.Context, server *models.Server, task *tasklog.Task) error {
	users, err := p.engine.ImportUsers(ctx, server)
	if err != nil {
		return fmt.Errorf("import users: %w", err)
	}
	repoCount, err := p.engine.ImportRepos(ctx, server)
	if err != nil {
		return fmt.Errorf("import repos: %w", err)
	}
	task.Report(ctx, 10, map[string]any{"users": users, "repos": repoCount})

	repos, err := p.store.ListRepos(ctx, server.ID)
	if err != nil {
		return err
	}

	imported, failed := 0, 0
	for i, repo := range repos {
		if repo.Deleted {
			continue
		}
		ok, bad, err := p.syncRepo(ctx, server, repo)
		imported += ok
		failed += bad
		if err != nil {
			return fmt.Errorf("repo %s: %w", repo.Name, err)
		}
		task.Report(ctx, 10+90*(i+1)/len(repos), map[string]any{
			"users":    users,
			"repos":    repoCount,
			"imported": imported,
			"failed":   failed,
		})
	}

	exported, err := p.exportPending(ctx, server)
	if err != nil {
		return fmt.Errorf("export pending: %w", err)
	}

	p.log.Info("server_synced",
		"server_id", server.ID,
		"repos", repoCount,
		"imported", imported,
		"failed", failed,
		"exported", exported)
	return nil
}

// exportPending pushes locally edited stories out to this server. Stories
// are flagged by the application with details.export_pending; the flag is
// cleared only after the export lands, so a failed export is retried on the
// next sweep.
func (p *Poller) exportPending(ctx context.Context, server *models.Server) (int, error) {
	stories, err := p.store.ListPendingExports(ctx)
	if err != nil {
		return 0, err
	}
	exported := 0
	for _, story := range stories {
		repo, err := p.exportTarget(ctx, server, story)
		if err != nil {
			return exported, err
		}
		if repo == nil {
			continue // destined for another server, or misconfigured
		}
		if err := p.exporter.ExportStory(ctx, server, repo, story); err != nil {
			p.log.Warn("story_export_failed", "story_id", story.ID, "server_id", server.ID, "error", err)
			continue
		}
		story.SetField("details.export_pending", nil)
		if err := p.store.SaveStory(ctx, story); err != nil {
			return exported, err
		}
		exported++
	}
	return exported, nil
}

// exportTarget resolves the repo a pending story exports into: the
// application names one by internal id for first-time exports, already
// exported stories carry the project in their link.
func (p *Poller) exportTarget(ctx context.Context, server *models.Server, story *models.Story) (*models.Repo, error) {
	if v, ok := story.GetField("details.export_repo_id"); ok {
		repo, err := p.store.FindRepoByID(ctx, linkage.AsInt(v))
		if err != nil || repo == nil {
			return nil, err
		}
		if externalProjectID(repo, server) == 0 {
			return nil, nil
		}
		return repo, nil
	}
	lk := linkage.Find(story.External, server.Ref(), nil)
	if lk == nil {
		return nil, nil
	}
	project, _ := lk["project"].(map[string]any)
	if project == nil {
		return nil, nil
	}
	return p.store.FindRepo(ctx, linkage.New(server.Ref(), linkage.Link{
		"project": map[string]any{"id": linkage.AsInt(project["id"])},
	}))
}

// syncRepo replays one repo's activity log from the cursor forward. The
// cursor advances after every successful import, so one bad entry is
// retried at most once per sweep while everything before it stays done.
// Returns (imported, failed, fatalErr): per-entry failures are counted and
// skipped, only corrupted-link-state errors abort the run.
func (p *Poller) syncRepo(ctx context.Context, server *models.Server, repo *models.Repo) (int, int, error) {
	project := externalProjectID(repo, server)
	if project == 0 {
		return 0, 0, nil // not linked to this server
	}
	cursorKey := fmt.Sprintf("cursor:events:%d:%d", server.ID, repo.ID)
	since, err := p.redis.Cursor(ctx, cursorKey)
	if err != nil {
		p.log.Warn("cursor_read_failed", "key", cursorKey, "error", err)
	}

	query := url.Values{"sort": {"asc"}}
	if !since.IsZero() {
		// The log filter is day-granular; sub-day replays are dropped below.
		query.Set("after", since.AddDate(0, 0, -1).Format("2006-01-02"))
	}

	imported, failed := 0, 0
	path := fmt.Sprintf("/projects/%d/events", project)
	err = p.transport.FetchEach(ctx, server, path, query, func(entry map[string]any, _, _ int) error {
		ev := importer.EventFromActivityLog(server, repo, entry)
		if !ev.CreatedAt.After(since) {
			return nil // already imported on a previous run
		}
		if err := p.engine.Dispatch(ctx, ev); err != nil {
			var moved *importer.ObjectMovedError
			if errors.As(err, &moved) {
				p.log.Info("event_target_moved", "kind", moved.Kind, "id", moved.ID)
				return nil
			}
			if importer.Fatal(err) {
				return err
			}
			failed++
			p.log.Warn("event_import_failed",
				"server_id", server.ID,
				"repo", repo.Name,
				"kind", ev.Kind,
				"action", ev.Action,
				"error", err)
			return nil
		}
		imported++
		if err := p.redis.SetCursor(ctx, cursorKey, ev.CreatedAt); err != nil {
			p.log.Warn("cursor_write_failed", "key", cursorKey, "error", err)
		}
		return nil
	})
	return imported, failed, err
}

func externalProjectID(repo *models.Repo, server *models.Server) int64 {
	lk := linkage.Find(repo.External, server.Ref(), nil)
	if lk == nil {
		return 0
	}
	project, _ := lk["project"].(map[string]any)
	if project == nil {
		return 0
	}
	return linkage.AsInt(project["id"])
}
