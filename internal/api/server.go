// Package api exposes session operations over HTTP and streams video job
// updates over websockets.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/storyforge/internal/session"
)

// Server serves the HTTP API for a session manager.
type Server struct {
	manager *session.Manager
	hub     *Hub
	logger  *slog.Logger
	engine  *gin.Engine
}

// New builds the router. hub must be the one whose Publish is registered as
// the manager's video update hook.
func New(manager *session.Manager, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = NewHub()
	}
	s := &Server{
		manager: manager,
		hub:     hub,
		logger:  logger,
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery(), requestLogger(logger))
	s.routes()
	return s
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/health", s.health)

	api := r.Group("/api")
	api.GET("/sessions", s.listSessions)
	api.POST("/sessions", s.createSession)
	api.DELETE("/sessions", s.deleteAllSessions)
	api.POST("/sessions/import", s.importSession)
	api.GET("/export", s.exportAll)
	api.POST("/import", s.importAll)
	api.GET("/active", s.getActive)
	api.PUT("/active", s.setActive)

	sess := api.Group("/sessions/:id")
	sess.GET("", s.getSession)
	sess.PATCH("", s.renameSession)
	sess.DELETE("", s.deleteSession)
	sess.GET("/export", s.exportSession)

	sess.GET("/story", s.storyHistory)
	sess.POST("/story", s.generateStory)
	sess.POST("/story/improve", s.improveStory)
	sess.POST("/story/revert", s.revertStory)

	sess.POST("/characters/extract", s.extractCharacters)
	sess.POST("/locations/extract", s.extractLocations)
	sess.POST("/scenes/extract", s.extractScenes)

	sess.GET("/elements", s.listElements)
	sess.GET("/elements/:eid", s.getElement)
	sess.DELETE("/elements/:eid", s.deleteElement)
	sess.POST("/elements/:eid/enhance", s.enhanceElement)
	sess.POST("/elements/:eid/image", s.elementImage)
	sess.GET("/elements/:eid/history", s.elementHistory)
	sess.PUT("/elements/:eid/images/:img/active", s.setActiveImage("eid"))
	sess.DELETE("/elements/:eid/images/:img", s.deleteImage("eid"))

	sess.GET("/scenes", s.listScenes)
	sess.GET("/scenes/:sid", s.getScene)
	sess.POST("/scenes/:sid/enhance", s.enhanceScene)
	sess.POST("/scenes/:sid/image", s.sceneImage)
	sess.GET("/scenes/:sid/history", s.sceneHistory)
	sess.PUT("/scenes/:sid/images/:img/active", s.setActiveImage("sid"))
	sess.DELETE("/scenes/:sid/images/:img", s.deleteImage("sid"))
	sess.PUT("/scenes/:sid/elements/:eid", s.assignElement)
	sess.DELETE("/scenes/:sid/elements/:eid", s.unassignElement)

	sess.GET("/storyboard", s.getStoryboard)
	sess.POST("/storyboard", s.createStoryboard)
	sess.PUT("/storyboard/order", s.reorderStoryboard)
	sess.PATCH("/storyboard/frames/:index", s.updateFrame)

	sess.GET("/video", s.videoStatus)
	sess.POST("/video/start", s.startVideo)
	sess.POST("/video/next", s.nextVideo)
	sess.POST("/video/stop", s.stopVideo)
	sess.GET("/video/ws", s.videoStream)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", "listen", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
