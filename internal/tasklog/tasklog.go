package tasklog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"activity-mirror/internal/db"
)

// Log records long-running import and export runs in the tasks table so
// operators can watch progress and find failed runs after the fact. Every
// run gets a uuid; progress updates are best-effort and never fail the run
// they describe.
type Log struct {
	db  *db.DB
	log *slog.Logger
}

func New(database *db.DB, log *slog.Logger) *Log {
	return &Log{db: database, log: log}
}

// Task is one in-flight run.
type Task struct {
	ID      uuid.UUID
	Name    string
	started time.Time
	parent  *Log
}

// Start opens a task row. taskCtx describes what the run operates on
// (server id, repo, time window) and is stored as-is.
func (l *Log) Start(ctx context.Context, name string, taskCtx map[string]any) (*Task, error) {
	t := &Task{
		ID:      uuid.New(),
		Name:    name,
		started: time.Now(),
		parent:  l,
	}
	raw, err := json.Marshal(orEmpty(taskCtx))
	if err != nil {
		return nil, err
	}
	_, err = l.db.Pool.Exec(ctx,
		`INSERT INTO tasks (id, name, context, started_at) VALUES ($1, $2, $3, $4)`,
		t.ID, name, raw, t.started)
	if err != nil {
		return nil, err
	}
	l.log.Info("task_started", "task_id", t.ID, "name", name)
	return t, nil
}

// Report updates the completion percentage and detail counters. Failures
// are logged and swallowed.
func (t *Task) Report(ctx context.Context, completion int, details map[string]any) {
	if completion < 0 {
		completion = 0
	}
	if completion > 100 {
		completion = 100
	}
	raw, err := json.Marshal(orEmpty(details))
	if err != nil {
		t.parent.log.Warn("task_report_failed", "task_id", t.ID, "error", err)
		return
	}
	_, err = t.parent.db.Pool.Exec(ctx,
		`UPDATE tasks SET completion = $2, details = $3 WHERE id = $1`,
		t.ID, completion, raw)
	if err != nil {
		t.parent.log.Warn("task_report_failed", "task_id", t.ID, "error", err)
	}
}

// Finish closes the task as successful.
func (t *Task) Finish(ctx context.Context) {
	t.close(ctx, false, nil)
}

// Abort closes the task as failed, recording the cause.
func (t *Task) Abort(ctx context.Context, cause error) {
	details := map[string]any{}
	if cause != nil {
		details["error"] = cause.Error()
	}
	t.close(ctx, true, details)
}

func (t *Task) close(ctx context.Context, failed bool, details map[string]any) {
	ended := time.Now()
	var err error
	if details != nil {
		var raw []byte
		raw, err = json.Marshal(details)
		if err == nil {
			_, err = t.parent.db.Pool.Exec(ctx,
				`UPDATE tasks SET failed = $2, ended_at = $3, details = details || $4 WHERE id = $1`,
				t.ID, failed, ended, raw)
		}
	} else {
		_, err = t.parent.db.Pool.Exec(ctx,
			`UPDATE tasks SET failed = $2, ended_at = $3, completion = 100 WHERE id = $1`,
			t.ID, failed, ended)
	}
	if err != nil {
		t.parent.log.Warn("task_close_failed", "task_id", t.ID, "error", err)
	}
	t.parent.log.Info("task_finished",
		"task_id", t.ID,
		"name", t.Name,
		"failed", failed,
		"duration", ended.Sub(t.started).Round(time.Millisecond))
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
