// Package api exposes the sync engine to local user interfaces over HTTP and
// a websocket event feed.
package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/logging"
	"github.com/kimhsiao/opsync/internal/models"
	syncpkg "github.com/kimhsiao/opsync/internal/sync"
)

// Records lists records awaiting delivery. *store.Store implements it.
type Records interface {
	ListPending(ctx context.Context) ([]*models.Record, error)
}

// Conflicts is the conflict surface. *conflict.Resolver implements it.
type Conflicts interface {
	List(ctx context.Context, onlyPending bool) ([]*models.Conflict, error)
	Resolve(ctx context.Context, id string, resolution models.Resolution, merged models.Data) (*models.Conflict, error)
}

// Config configures the Server.
type Config struct {
	Addr string
	// AllowedOrigins is the CORS and websocket origin allowlist. Empty allows
	// same-host requests only.
	AllowedOrigins []string
	// OnConnectivity receives host connectivity reports. Defaults to the
	// engine's SetOnline.
	OnConnectivity func(online bool)
}

// Server is the local API.
type Server struct {
	engine    syncpkg.Engine
	records   Records
	conflicts Conflicts
	hub       *Hub
	cfg       Config
	log       *logging.Logger
	unsub     func()
}

// New wires a Server and subscribes its websocket hub to engine events.
func New(engine syncpkg.Engine, records Records, conflicts Conflicts, cfg Config) *Server {
	s := &Server{
		engine:    engine,
		records:   records,
		conflicts: conflicts,
		cfg:       cfg,
		log:       logging.WithComponent("api"),
	}
	if s.cfg.OnConnectivity == nil {
		s.cfg.OnConnectivity = engine.SetOnline
	}
	s.hub = NewHub(s.checkOrigin)
	s.unsub = engine.Subscribe(s.hub.Publish)
	return s
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Close detaches from the engine and disconnects websocket clients.
func (s *Server) Close() {
	s.unsub()
	s.hub.Close()
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	corsConfig := cors.DefaultConfig()
	if len(s.cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = s.cfg.AllowedOrigins
	} else {
		corsConfig.AllowOriginFunc = func(string) bool { return false }
	}
	corsConfig.AddAllowHeaders("Authorization")
	r.Use(cors.New(corsConfig))

	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "opsync"})
	})

	g := r.Group("/api/sync")
	g.GET("/status", s.handleStatus)
	g.POST("", s.handleSync)
	g.PUT("/connectivity", s.handleConnectivity)
	g.GET("/pending", s.handlePending)
	g.GET("/conflicts", s.handleConflicts)
	g.POST("/conflicts/:id/resolve", s.handleResolve)

	r.GET("/ws", gin.WrapH(s.hub))
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Local API listening", map[string]interface{}{"addr": s.cfg.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.engine.Status(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type syncRequest struct {
	// Wait runs the cycle inline and returns its audit row.
	Wait bool `json:"wait"`
}

func (s *Server) handleSync(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err))
			return
		}
	}

	if !req.Wait {
		started := s.engine.Trigger(syncpkg.ReasonUser)
		c.JSON(http.StatusAccepted, gin.H{"started": started, "queued": !started})
		return
	}

	ev, err := s.engine.Sync(c.Request.Context(), syncpkg.ReasonUser)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

type connectivityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

func (s *Server) handleConnectivity(c *gin.Context) {
	var req connectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperrors.Wrap(apperrors.ErrValidation, "invalid connectivity report", err))
		return
	}
	s.cfg.OnConnectivity(*req.Online)
	c.JSON(http.StatusOK, gin.H{"online": *req.Online})
}

func (s *Server) handlePending(c *gin.Context) {
	recs, err := s.records.ListPending(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if recs == nil {
		recs = []*models.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "count": len(recs)})
}

func (s *Server) handleConflicts(c *gin.Context) {
	onlyPending := true
	if raw := c.Query("pending"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.fail(c, apperrors.Newf(apperrors.ErrValidation, "pending must be a boolean, got %q", raw))
			return
		}
		onlyPending = v
	}
	list, err := s.conflicts.List(c.Request.Context(), onlyPending)
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []*models.Conflict{}
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": list, "count": len(list)})
}

type resolveRequest struct {
	Resolution models.Resolution `json:"resolution" binding:"required,oneof=client_wins server_wins merged manual"`
	MergedData models.Data       `json:"merged_data"`
}

func (s *Server) handleResolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperrors.Wrap(apperrors.ErrValidation, "invalid resolution", err))
		return
	}
	cf, err := s.conflicts.Resolve(c.Request.Context(), c.Param("id"), req.Resolution, req.MergedData)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cf)
}

// fail writes err as {"code", "error"} with a status derived from its code.
func (s *Server) fail(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", err, map[string]interface{}{"path": c.FullPath()})
	}
	c.AbortWithStatusJSON(status, gin.H{"code": code, "error": err.Error()})
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrValidation, apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrSyncInProgress, apperrors.ErrVersionConflict:
		return http.StatusConflict
	case apperrors.ErrSessionInvalid, apperrors.ErrAuthExpired:
		return http.StatusUnauthorized
	case apperrors.ErrPermission:
		return http.StatusForbidden
	case apperrors.ErrNetwork, apperrors.ErrOffline:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("Request served", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

// checkOrigin admits websocket upgrades from the allowlist or from the serving host.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}
