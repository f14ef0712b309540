package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"activity-mirror/internal/db"
	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

// Store is the persistence collaborator. Rows connected to external systems
// keep their links in a jsonb "external" column; find-by-probe relies on
// jsonb containment, the same semantics linkage.Match applies in memory.
//
// Concurrent import runs may race to create the same external entity; every
// insert takes a transaction-scoped advisory lock on the identity fingerprint
// of the row's first link and re-checks for an existing row before inserting,
// so the find-or-create sequence is serialized per entity.
type Store struct {
	db  *db.DB
	log *slog.Logger
}

func New(database *db.DB, log *slog.Logger) *Store {
	return &Store{db: database, log: log}
}

// Fingerprint canonicalizes a link's identity for locking and audit.
func Fingerprint(lk linkage.Link) string {
	raw, err := json.Marshal(linkage.Identity(lk)) // map keys marshal sorted
	if err != nil {
		return ""
	}
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])
}

// probeJSON wraps the identity in a one-element array: jsonb array
// containment ("external @> '[probe]'") matches when some stored link
// contains the probe, and it is served by the GIN indexes.
func probeJSON(probe linkage.Link) ([]byte, error) {
	return json.Marshal([]linkage.Link{linkage.Identity(probe)})
}

const linkMatch = `external @> $1::jsonb`

func (s *Store) FindRepo(ctx context.Context, probe linkage.Link) (*models.Repo, error) {
	raw, err := probeJSON(probe)
	if err != nil {
		return nil, err
	}
	row := s.db.Pool.QueryRow(ctx,
		`SELECT id, type, name, user_ids, deleted, mtime, details, external
		 FROM repos WHERE `+linkMatch+` LIMIT 1`, raw)
	return scanRepo(row)
}

func (s *Store) ListRepos(ctx context.Context, serverID int64) ([]*models.Repo, error) {
	raw, err := json.Marshal([]map[string]any{{"server_id": serverID}})
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, type, name, user_ids, deleted, mtime, details, external
		 FROM repos WHERE `+linkMatch, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Repo
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, repo)
	}
	return out, rows.Err()
}

// FindRepoByID is used by the webhook handler, which addresses repos by
// internal id in the hook URL.
func (s *Store) FindRepoByID(ctx context.Context, id int64) (*models.Repo, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT id, type, name, user_ids, deleted, mtime, details, external
		 FROM repos WHERE id = $1`, id)
	return scanRepo(row)
}

func (s *Store) FindUser(ctx context.Context, probe linkage.Link) (*models.User, error) {
	raw, err := probeJSON(probe)
	if err != nil {
		return nil, err
	}
	row := s.db.Pool.QueryRow(ctx,
		`SELECT id, type, username, role_ids, deleted, mtime, details, external
		 FROM users WHERE `+linkMatch+` LIMIT 1`, raw)
	return scanUser(row)
}

func (s *Store) FindUserByID(ctx context.Context, id int64) (*models.User, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT id, type, username, role_ids, deleted, mtime, details, external
		 FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *Store) FindStory(ctx context.Context, probe linkage.Link) (*models.Story, error) {
	raw, err := probeJSON(probe)
	if err != nil {
		return nil, err
	}
	row := s.db.Pool.QueryRow(ctx,
		`SELECT id, type, user_ids, role_ids, tags, language, public, published, ptime,
		        deleted, mtime, details, external
		 FROM stories WHERE `+linkMatch+` LIMIT 1`, raw)
	return scanStory(row)
}

// ListPendingExports returns live stories flagged for outbound export. The
// application sets details.export_pending when a story is created or edited
// locally; the worker clears it once the export lands.
func (s *Store) ListPendingExports(ctx context.Context) ([]*models.Story, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, type, user_ids, role_ids, tags, language, public, published, ptime,
		        deleted, mtime, details, external
		 FROM stories WHERE details @> '{"export_pending": true}' AND NOT deleted`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, story)
	}
	return out, rows.Err()
}

func (s *Store) FindReaction(ctx context.Context, storyID int64, typ string, probe linkage.Link) (*models.Reaction, error) {
	raw, err := probeJSON(probe)
	if err != nil {
		return nil, err
	}
	row := s.db.Pool.QueryRow(ctx,
		`SELECT id, type, story_id, user_id, public, published, ptime,
		        deleted, mtime, details, external
		 FROM reactions WHERE story_id = $2 AND type = $3 AND `+linkMatch+` LIMIT 1`,
		raw, storyID, typ)
	return scanReaction(row)
}

func (s *Store) FindReactions(ctx context.Context, storyID int64, typ string) ([]*models.Reaction, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, type, story_id, user_id, public, published, ptime,
		        deleted, mtime, details, external
		 FROM reactions WHERE story_id = $1 AND type = $2`, storyID, typ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Reaction
	for rows.Next() {
		reaction, err := scanReaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reaction)
	}
	return out, rows.Err()
}

func (s *Store) FindCommit(ctx context.Context, probe linkage.Link) (*models.Commit, error) {
	raw, err := probeJSON(probe)
	if err != nil {
		return nil, err
	}
	row := s.db.Pool.QueryRow(ctx,
		`SELECT id, title_hash, initial_branch, deleted, mtime, details, external
		 FROM commits WHERE `+linkMatch+` LIMIT 1`, raw)
	return scanCommit(row)
}

func (s *Store) FindCommitsByTitleHash(ctx context.Context, serverID int64, titleHash string) ([]*models.Commit, error) {
	raw, err := json.Marshal([]map[string]any{{"server_id": serverID}})
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, title_hash, initial_branch, deleted, mtime, details, external
		 FROM commits WHERE title_hash = $2 AND `+linkMatch, raw, titleHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Commit
	for rows.Next() {
		commit, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, commit)
	}
	return out, rows.Err()
}

func (s *Store) SaveRepo(ctx context.Context, row *models.Repo) error {
	if row.Saved() {
		details, external, err := encodeCommon(&row.ExternalData)
		if err != nil {
			return err
		}
		_, err = s.db.Pool.Exec(ctx,
			`UPDATE repos SET type=$2, name=$3, user_ids=$4, deleted=$5, details=$6, external=$7, mtime=now()
			 WHERE id=$1`,
			row.ID, row.Type, row.Name, row.UserIDs, row.Deleted, details, external)
		return err
	}
	return s.insertLocked(ctx, row.External, func(tx pgx.Tx) error {
		if existing, err := s.FindRepo(ctx, primaryIdentity(row.External)); err != nil {
			return err
		} else if existing != nil {
			row.ID = existing.ID
			return s.SaveRepo(ctx, row)
		}
		details, external, err := encodeCommon(&row.ExternalData)
		if err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO repos (type, name, user_ids, deleted, details, external, mtime)
			 VALUES ($1,$2,$3,$4,$5,$6,now()) RETURNING id`,
			row.Type, row.Name, row.UserIDs, row.Deleted, details, external).Scan(&row.ID)
	})
}

func (s *Store) SaveUser(ctx context.Context, row *models.User) error {
	if row.Saved() {
		details, external, err := encodeCommon(&row.ExternalData)
		if err != nil {
			return err
		}
		_, err = s.db.Pool.Exec(ctx,
			`UPDATE users SET type=$2, username=$3, role_ids=$4, deleted=$5, details=$6, external=$7, mtime=now()
			 WHERE id=$1`,
			row.ID, row.Type, row.Username, row.RoleIDs, row.Deleted, details, external)
		return err
	}
	return s.insertLocked(ctx, row.External, func(tx pgx.Tx) error {
		if existing, err := s.FindUser(ctx, primaryIdentity(row.External)); err != nil {
			return err
		} else if existing != nil {
			row.ID = existing.ID
			return s.SaveUser(ctx, row)
		}
		details, external, err := encodeCommon(&row.ExternalData)
		if err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO users (type, username, role_ids, deleted, details, external, mtime)
			 VALUES ($1,$2,$3,$4,$5,$6,now()) RETURNING id`,
			row.Type, row.Username, row.RoleIDs, row.Deleted, details, external).Scan(&row.ID)
	})
}

func (s *Store) SaveStory(ctx context.Context, row *models.Story) error {
	if row.Saved() {
		details, external, err := encodeCommon(&row.ExternalData)
		if err != nil {
			return err
		}
		_, err = s.db.Pool.Exec(ctx,
			`UPDATE stories SET type=$2, user_ids=$3, role_ids=$4, tags=$5, language=$6,
			        public=$7, published=$8, ptime=$9, deleted=$10, details=$11, external=$12, mtime=now()
			 WHERE id=$1`,
			row.ID, row.Type, row.UserIDs, row.RoleIDs, row.Tags, nullable(row.Language),
			row.Public, row.Published, row.Ptime, row.Deleted, details, external)
		return err
	}
	return s.insertLocked(ctx, row.External, func(tx pgx.Tx) error {
		if existing, err := s.FindStory(ctx, primaryIdentity(row.External)); err != nil {
			return err
		} else if existing != nil {
			row.ID = existing.ID
			return s.SaveStory(ctx, row)
		}
		details, external, err := encodeCommon(&row.ExternalData)
		if err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO stories (type, user_ids, role_ids, tags, language, public, published, ptime, deleted, details, external, mtime)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now()) RETURNING id`,
			row.Type, row.UserIDs, row.RoleIDs, row.Tags, nullable(row.Language),
			row.Public, row.Published, row.Ptime, row.Deleted, details, external).Scan(&row.ID)
	})
}

func (s *Store) SaveReaction(ctx context.Context, row *models.Reaction) error {
	if row.Saved() {
		details, external, err := encodeCommon(&row.ExternalData)
		if err != nil {
			return err
		}
		_, err = s.db.Pool.Exec(ctx,
			`UPDATE reactions SET type=$2, story_id=$3, user_id=$4, public=$5, published=$6,
			        ptime=$7, deleted=$8, details=$9, external=$10, mtime=now()
			 WHERE id=$1`,
			row.ID, row.Type, row.StoryID, row.UserID, row.Public, row.Published,
			row.Ptime, row.Deleted, details, external)
		return err
	}
	return s.insertLocked(ctx, row.External, func(tx pgx.Tx) error {
		if existing, err := s.FindReaction(ctx, row.StoryID, row.Type, primaryIdentity(row.External)); err != nil {
			return err
		} else if existing != nil && existing.UserID == row.UserID {
			row.ID = existing.ID
			return s.SaveReaction(ctx, row)
		}
		details, external, err := encodeCommon(&row.ExternalData)
		if err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO reactions (type, story_id, user_id, public, published, ptime, deleted, details, external, mtime)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now()) RETURNING id`,
			row.Type, row.StoryID, row.UserID, row.Public, row.Published,
			row.Ptime, row.Deleted, details, external).Scan(&row.ID)
	})
}

func (s *Store) SaveCommit(ctx context.Context, row *models.Commit) error {
	if row.Saved() {
		details, external, err := encodeCommon(&row.ExternalData)
		if err != nil {
			return err
		}
		_, err = s.db.Pool.Exec(ctx,
			`UPDATE commits SET title_hash=$2, initial_branch=$3, deleted=$4, details=$5, external=$6, mtime=now()
			 WHERE id=$1`,
			row.ID, row.TitleHash, nullable(row.InitialBranch), row.Deleted, details, external)
		return err
	}
	return s.insertLocked(ctx, row.External, func(tx pgx.Tx) error {
		if existing, err := s.FindCommit(ctx, primaryIdentity(row.External)); err != nil {
			return err
		} else if existing != nil {
			row.ID = existing.ID
			return s.SaveCommit(ctx, row)
		}
		details, external, err := encodeCommon(&row.ExternalData)
		if err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO commits (title_hash, initial_branch, deleted, details, external, mtime)
			 VALUES ($1,$2,$3,$4,$5,now()) RETURNING id`,
			row.TitleHash, nullable(row.InitialBranch), row.Deleted, details, external).Scan(&row.ID)
	})
}

// insertLocked runs fn inside a transaction holding an advisory lock keyed
// on the row's primary link identity, serializing concurrent find-or-create
// for the same external entity.
func (s *Store) insertLocked(ctx context.Context, links []linkage.Link, fn func(tx pgx.Tx) error) error {
	if len(links) == 0 {
		return errors.New("row has no external link")
	}
	fp := Fingerprint(links[0])
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, fp); err != nil {
			return err
		}
		return fn(tx)
	})
}

func primaryIdentity(links []linkage.Link) linkage.Link {
	return linkage.Identity(links[0])
}

func encodeCommon(d *models.ExternalData) ([]byte, []byte, error) {
	details := d.Details
	if details == nil {
		details = map[string]any{}
	}
	external := d.External
	if external == nil {
		external = []linkage.Link{}
	}
	rawDetails, err := json.Marshal(details)
	if err != nil {
		return nil, nil, fmt.Errorf("encode details: %w", err)
	}
	rawExternal, err := json.Marshal(external)
	if err != nil {
		return nil, nil, fmt.Errorf("encode external: %w", err)
	}
	return rawDetails, rawExternal, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func decodeCommon(d *models.ExternalData, details, external []byte) error {
	if len(details) > 0 {
		if err := json.Unmarshal(details, &d.Details); err != nil {
			return err
		}
	}
	if len(external) > 0 {
		if err := json.Unmarshal(external, &d.External); err != nil {
			return err
		}
	}
	return nil
}

func scanRepo(row rowScanner) (*models.Repo, error) {
	var out models.Repo
	var details, external []byte
	err := row.Scan(&out.ID, &out.Type, &out.Name, &out.UserIDs, &out.Deleted, &out.Mtime, &details, &external)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, decodeCommon(&out.ExternalData, details, external)
}

func scanUser(row rowScanner) (*models.User, error) {
	var out models.User
	var details, external []byte
	err := row.Scan(&out.ID, &out.Type, &out.Username, &out.RoleIDs, &out.Deleted, &out.Mtime, &details, &external)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, decodeCommon(&out.ExternalData, details, external)
}

func scanStory(row rowScanner) (*models.Story, error) {
	var out models.Story
	var details, external []byte
	var language *string
	err := row.Scan(&out.ID, &out.Type, &out.UserIDs, &out.RoleIDs, &out.Tags, &language,
		&out.Public, &out.Published, &out.Ptime, &out.Deleted, &out.Mtime, &details, &external)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if language != nil {
		out.Language = *language
	}
	return &out, decodeCommon(&out.ExternalData, details, external)
}

func scanReaction(row rowScanner) (*models.Reaction, error) {
	var out models.Reaction
	var details, external []byte
	err := row.Scan(&out.ID, &out.Type, &out.StoryID, &out.UserID, &out.Public, &out.Published,
		&out.Ptime, &out.Deleted, &out.Mtime, &details, &external)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, decodeCommon(&out.ExternalData, details, external)
}

func scanCommit(row rowScanner) (*models.Commit, error) {
	var out models.Commit
	var details, external []byte
	var branch *string
	err := row.Scan(&out.ID, &out.TitleHash, &branch, &out.Deleted, &out.Mtime, &details, &external)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if branch != nil {
		out.InitialBranch = *branch
	}
	return &out, decodeCommon(&out.ExternalData, details, external)
}

// Servers are configuration rows; they have no external links of their own.

func (s *Store) ListServers(ctx context.Context) ([]*models.Server, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, type, title, api_url, api_token, disabled, details FROM servers WHERE NOT disabled`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Server
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, server)
	}
	return out, rows.Err()
}

func (s *Store) FindServerByID(ctx context.Context, id int64) (*models.Server, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT id, type, title, api_url, api_token, disabled, details FROM servers WHERE id = $1`, id)
	return scanServer(row)
}

func scanServer(row rowScanner) (*models.Server, error) {
	var out models.Server
	var title *string
	var details []byte
	err := row.Scan(&out.ID, &out.Type, &title, &out.APIURL, &out.APIToken, &out.Disabled, &details)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if title != nil {
		out.Title = *title
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &out.Details); err != nil {
			return nil, err
		}
	}
	return &out, nil
}
