package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"activity-mirror/internal/importer"
	"activity-mirror/internal/logging"
)

// receiveHook accepts one webhook delivery. The URL names the server and
// repo the hook was registered for; the delivery body is normalized into an
// event and queued. Responses are intentionally fast and terse so the
// sender's delivery timeout is never in play.
func (s *Server) receiveHook(c *gin.Context) {
	serverID, err := strconv.ParseInt(c.Param("server_id"), 10, 64)
	if err != nil || serverID < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad server id"})
		return
	}
	repoID, err := strconv.ParseInt(c.Param("repo_id"), 10, 64)
	if err != nil || repoID < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad repo id"})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	server, err := s.store.FindServerByID(ctx, serverID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if server == nil || server.Disabled {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown server"})
		return
	}

	if !s.validToken(server.WebhookSecret(), c.GetHeader("X-Gitlab-Token")) {
		s.log.Warn("hook_bad_token",
			"server_id", serverID,
			"client_ip", c.ClientIP(),
			"token", logging.MaskToken(c.GetHeader("X-Gitlab-Token")))
		c.JSON(http.StatusForbidden, gin.H{"error": "bad token"})
		return
	}

	repo, err := s.store.FindRepoByID(ctx, repoID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if repo == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown repo"})
		return
	}

	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}

	ev := importer.EventFromWebhook(server, repo, body)
	if ev.Kind == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing object_kind"})
		return
	}
	s.ep.Enqueue(ctx, ev)

	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

// validToken checks the delivery secret. The per-server secret wins; the
// deployment-wide one is the fallback for servers configured before
// per-server secrets existed. No secret configured means open ingestion,
// which only makes sense on private networks.
func (s *Server) validToken(serverSecret, got string) bool {
	want := serverSecret
	if want == "" {
		want = s.cfg.WebhookSecret
	}
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
