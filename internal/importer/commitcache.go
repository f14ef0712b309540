package importer

import (
	"fmt"
	"sync"

	"activity-mirror/internal/models"
)

// CommitCache holds commits already imported during this process's lifetime,
// keyed per (server, repo) so invalidation can be scoped to one repository.
// It is owned by the Engine and passed into push reconstruction explicitly;
// there is no module-level state.
type CommitCache struct {
	mu    sync.Mutex
	repos map[string]map[string]*models.Commit
}

func NewCommitCache() *CommitCache {
	return &CommitCache{repos: map[string]map[string]*models.Commit{}}
}

func cacheKey(serverID, repoID int64) string {
	return fmt.Sprintf("%d:%d", serverID, repoID)
}

func (c *CommitCache) Get(serverID, repoID int64, commitID string) *models.Commit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repos[cacheKey(serverID, repoID)][commitID]
}

func (c *CommitCache) Put(serverID, repoID int64, commitID string, commit *models.Commit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(serverID, repoID)
	if c.repos[key] == nil {
		c.repos[key] = map[string]*models.Commit{}
	}
	c.repos[key][commitID] = commit
}

// Invalidate drops every cached commit for one repo.
func (c *CommitCache) Invalidate(serverID, repoID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.repos, cacheKey(serverID, repoID))
}
