package store

import "context"

// Migrate creates the schema. Statements are idempotent so both binaries can
// run it at startup without coordination.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id        bigserial PRIMARY KEY,
			type      text NOT NULL,
			title     text,
			api_url   text NOT NULL,
			api_token text NOT NULL,
			disabled  boolean NOT NULL DEFAULT false,
			details   jsonb NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS repos (
			id       bigserial PRIMARY KEY,
			type     text NOT NULL,
			name     text NOT NULL DEFAULT '',
			user_ids bigint[] NOT NULL DEFAULT '{}',
			deleted  boolean NOT NULL DEFAULT false,
			mtime    timestamptz NOT NULL DEFAULT now(),
			details  jsonb NOT NULL DEFAULT '{}'::jsonb,
			external jsonb NOT NULL DEFAULT '[]'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id       bigserial PRIMARY KEY,
			type     text NOT NULL DEFAULT 'regular',
			username text NOT NULL DEFAULT '',
			role_ids bigint[] NOT NULL DEFAULT '{}',
			deleted  boolean NOT NULL DEFAULT false,
			mtime    timestamptz NOT NULL DEFAULT now(),
			details  jsonb NOT NULL DEFAULT '{}'::jsonb,
			external jsonb NOT NULL DEFAULT '[]'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS stories (
			id        bigserial PRIMARY KEY,
			type      text NOT NULL,
			user_ids  bigint[] NOT NULL DEFAULT '{}',
			role_ids  bigint[] NOT NULL DEFAULT '{}',
			tags      text[] NOT NULL DEFAULT '{}',
			language  text,
			public    boolean NOT NULL DEFAULT true,
			published boolean NOT NULL DEFAULT false,
			ptime     timestamptz,
			deleted   boolean NOT NULL DEFAULT false,
			mtime     timestamptz NOT NULL DEFAULT now(),
			details   jsonb NOT NULL DEFAULT '{}'::jsonb,
			external  jsonb NOT NULL DEFAULT '[]'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS reactions (
			id        bigserial PRIMARY KEY,
			type      text NOT NULL,
			story_id  bigint NOT NULL,
			user_id   bigint NOT NULL,
			public    boolean NOT NULL DEFAULT true,
			published boolean NOT NULL DEFAULT false,
			ptime     timestamptz,
			deleted   boolean NOT NULL DEFAULT false,
			mtime     timestamptz NOT NULL DEFAULT now(),
			details   jsonb NOT NULL DEFAULT '{}'::jsonb,
			external  jsonb NOT NULL DEFAULT '[]'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS commits (
			id             bigserial PRIMARY KEY,
			title_hash     text NOT NULL DEFAULT '',
			initial_branch text,
			deleted        boolean NOT NULL DEFAULT false,
			mtime          timestamptz NOT NULL DEFAULT now(),
			details        jsonb NOT NULL DEFAULT '{}'::jsonb,
			external       jsonb NOT NULL DEFAULT '[]'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id         uuid PRIMARY KEY,
			name       text NOT NULL,
			context    jsonb NOT NULL DEFAULT '{}'::jsonb,
			completion int NOT NULL DEFAULT 0,
			details    jsonb NOT NULL DEFAULT '{}'::jsonb,
			failed     boolean NOT NULL DEFAULT false,
			started_at timestamptz NOT NULL DEFAULT now(),
			ended_at   timestamptz
		)`,
		`CREATE INDEX IF NOT EXISTS repos_external_idx ON repos USING gin (external)`,
		`CREATE INDEX IF NOT EXISTS users_external_idx ON users USING gin (external)`,
		`CREATE INDEX IF NOT EXISTS stories_external_idx ON stories USING gin (external)`,
		`CREATE INDEX IF NOT EXISTS stories_details_idx ON stories USING gin (details)`,
		`CREATE INDEX IF NOT EXISTS reactions_external_idx ON reactions USING gin (external)`,
		`CREATE INDEX IF NOT EXISTS reactions_story_idx ON reactions (story_id, type)`,
		`CREATE INDEX IF NOT EXISTS commits_external_idx ON commits USING gin (external)`,
		`CREATE INDEX IF NOT EXISTS commits_title_hash_idx ON commits (title_hash)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
