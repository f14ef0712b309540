package importer

import (
	"context"
	"net/url"

	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

// Transport is the rate-limited REST client to the external Git host.
// Implementations retry transient failures internally; a returned error is a
// per-event failure. Post and Put act under the identity of a mapped user so
// audit trails on the external system attribute the change correctly.
type Transport interface {
	Fetch(ctx context.Context, server *models.Server, path string, query url.Values) (map[string]any, error)
	FetchAll(ctx context.Context, server *models.Server, path string, query url.Values) ([]map[string]any, error)
	FetchEach(ctx context.Context, server *models.Server, path string, query url.Values, fn func(item map[string]any, index, total int) error) error
	Post(ctx context.Context, server *models.Server, path string, body map[string]any, asUserID int64) (map[string]any, error)
	Put(ctx context.Context, server *models.Server, path string, body map[string]any, asUserID int64) (map[string]any, error)
}

// Store is the persistence collaborator. Find methods take a link-shaped
// probe matched structurally against the row's external column and return
// (nil, nil) when nothing matches. Save methods insert when the row has no
// id yet, update otherwise.
type Store interface {
	FindRepo(ctx context.Context, probe linkage.Link) (*models.Repo, error)
	ListRepos(ctx context.Context, serverID int64) ([]*models.Repo, error)
	FindUser(ctx context.Context, probe linkage.Link) (*models.User, error)
	FindUserByID(ctx context.Context, id int64) (*models.User, error)
	FindStory(ctx context.Context, probe linkage.Link) (*models.Story, error)
	FindReaction(ctx context.Context, storyID int64, typ string, probe linkage.Link) (*models.Reaction, error)
	FindReactions(ctx context.Context, storyID int64, typ string) ([]*models.Reaction, error)
	FindCommit(ctx context.Context, probe linkage.Link) (*models.Commit, error)
	FindCommitsByTitleHash(ctx context.Context, serverID int64, titleHash string) ([]*models.Commit, error)

	SaveRepo(ctx context.Context, row *models.Repo) error
	SaveUser(ctx context.Context, row *models.User) error
	SaveStory(ctx context.Context, row *models.Story) error
	SaveReaction(ctx context.Context, row *models.Reaction) error
	SaveCommit(ctx context.Context, row *models.Commit) error
}

// MediaStore mirrors externally hosted media (avatars, attached images) into
// our own bucket, returning a resource entry for details.resources. A nil
// MediaStore on the engine disables mirroring.
type MediaStore interface {
	MirrorImage(ctx context.Context, sourceURL string) (map[string]any, error)
}
