// Package httpapi is the REST surface of sparkq. It is a thin
// translator: decode and validate inputs, call the store, map domain
// errors to status codes, serialize entities as JSON. No business rules
// live here.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sparkq-dev/sparkq/internal/buildinfo"
	"github.com/sparkq-dev/sparkq/internal/config"
	"github.com/sparkq-dev/sparkq/internal/log"
	"github.com/sparkq-dev/sparkq/internal/storage"
	"github.com/sparkq-dev/sparkq/internal/types"
)

const shutdownGrace = 10 * time.Second

// Server wires the store and config resolver to the gin router.
type Server struct {
	store    storage.Storage
	resolver *config.Resolver
	logger   zerolog.Logger

	// Production flips the asset cache policy and arms the build-version
	// probe. UIVersion is the build identifier the served UI bundle was
	// compiled against; empty means no bundle is deployed.
	Production bool
	UIVersion  string
	AssetsDir  string
}

// New builds a Server around an open store.
func New(store storage.Storage, resolver *config.Resolver) *Server {
	return &Server{
		store:    store,
		resolver: resolver,
		logger:   log.WithComponent("http"),
	}
}

// Router assembles the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.requestID())
	r.Use(s.requestLog())
	r.Use(s.recovery())
	r.Use(cors.Default())

	r.GET("/health", s.handleHealth)
	r.GET("/health/build", s.handleBuildHealth)

	api := r.Group("/api")
	{
		api.GET("/version", s.handleVersion)

		api.GET("/project", s.handleGetProject)
		api.PUT("/project", s.handleUpdateProject)

		api.GET("/sessions", s.handleListSessions)
		api.POST("/sessions", s.handleCreateSession)
		api.GET("/sessions/:id", s.handleGetSession)
		api.PUT("/sessions/:id", s.handleUpdateSession)
		api.DELETE("/sessions/:id", s.handleDeleteSession)

		api.GET("/queues", s.handleListQueues)
		api.POST("/queues", s.handleCreateQueue)
		api.GET("/queues/:id", s.handleGetQueue)
		api.PUT("/queues/:id", s.handleUpdateQueue)
		api.DELETE("/queues/:id", s.handleDeleteQueue)
		api.PUT("/queues/:id/archive", s.handleArchiveQueue)
		api.PUT("/queues/:id/unarchive", s.handleUnarchiveQueue)
		api.GET("/queues/:id/next", s.handleNextTask)

		api.GET("/tasks", s.handleListTasks)
		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks/:id", s.handleGetTask)
		api.POST("/tasks/:id/claim", s.handleClaimTask)
		api.POST("/tasks/:id/complete", s.handleCompleteTask)
		api.POST("/tasks/:id/fail", s.handleFailTask)
		api.POST("/tasks/:id/requeue", s.handleRequeueTask)

		api.POST("/admin/reload", s.handleReload)
	}

	if s.AssetsDir != "" {
		s.mountAssets(r)
	}
	r.NoRoute(func(c *gin.Context) {
		// SPA fallback for non-API paths when a bundle is deployed.
		if s.AssetsDir != "" && !strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Header("Cache-Control", "no-store")
			c.File(s.AssetsDir + "/index.html")
			return
		}
		writeError(c, types.NotFoundf("route_not_found", "no such route"))
	})
	return r
}

// Run serves HTTP until ctx is cancelled, then drains in-flight handlers
// within the grace period.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.resolver.Current()
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info().Str("addr", srv.Addr).Str("version", buildinfo.Version).Msg("http server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		evt := s.logger.Debug()
		if status >= 500 {
			evt = s.logger.Error()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Str("request_id", c.GetString("request_id")).
			Msg("request")
	}
}

// recovery converts handler panics into Internal errors instead of
// killing the process or leaking a stack trace to the client.
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Interface("panic", r).
					Str("path", c.Request.URL.Path).
					Msg("handler panic")
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(
					types.Internalf("internal", "internal error")))
			}
		}()
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleBuildHealth is the deployment probe: in production a UI bundle
// built against a different server version is a blocking error, not a
// warning.
func (s *Server) handleBuildHealth(c *gin.Context) {
	if s.Production && s.UIVersion != "" && s.UIVersion != buildinfo.Version {
		writeError(c, types.Internalf("build_mismatch",
			"ui build %s does not match server build %s", s.UIVersion, buildinfo.Version))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"server":     buildinfo.Version,
		"ui":         s.UIVersion,
		"production": s.Production,
	})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{"version": buildinfo.Version})
}

// mountAssets serves the UI bundle with the environment's cache policy:
// content-addressed asset URLs are immutable in production, everything
// is no-store in dev, HTML is always no-store.
func (s *Server) mountAssets(r *gin.Engine) {
	assetCache := "no-store"
	if s.Production {
		assetCache = "public, max-age=31536000, immutable"
	}
	assets := r.Group("/assets", func(c *gin.Context) {
		c.Header("Cache-Control", assetCache)
		c.Next()
	})
	assets.Static("/", s.AssetsDir+"/assets")

	r.GET("/", func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.File(s.AssetsDir + "/index.html")
	})
}
