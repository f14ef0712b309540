package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"activity-mirror/internal/config"
	"activity-mirror/internal/importer"
	"activity-mirror/internal/models"
	"activity-mirror/internal/security"
)

// Store is the slice of persistence the webhook surface needs.
type Store interface {
	FindServerByID(ctx context.Context, id int64) (*models.Server, error)
	FindRepoByID(ctx context.Context, id int64) (*models.Repo, error)
}

// Queue hands validated events to the processing pipeline.
type Queue interface {
	Enqueue(ctx context.Context, ev *importer.Event)
}

// Server is the webhook ingestion surface. It validates deliveries, turns
// them into normalized events, and hands them to the processor; all
// reconciliation happens downstream.
type Server struct {
	log      *slog.Logger
	store    Store
	ep       Queue
	cfg      config.Config
	router   *gin.Engine
	limiters *security.LimiterStore
}

func NewServer(log *slog.Logger, st Store, ep Queue, cfg config.Config) *Server {
	s := &Server{
		log:      log,
		store:    st,
		ep:       ep,
		cfg:      cfg,
		router:   gin.New(),
		limiters: security.NewLimiterStore(rate.Limit(30), 60, 10*time.Minute),
	}

	gin.SetMode(gin.ReleaseMode)
	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.rateLimitMiddleware())

	r.POST("/srv/hook/:server_id/:repo_id", s.receiveHook)
	r.GET("/healthz", s.health)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 10*time.Second)
}
