// Package api exposes the thin admin surface: health, diagnostics,
// notification read-state, per-guild detector tuning, and the websocket
// endpoint feeding the dashboard.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"wardbot/internal/detector"
	"wardbot/internal/guard"
	"wardbot/internal/health"
	"wardbot/internal/ingest"
	"wardbot/internal/push"
	"wardbot/internal/schedule"
	"wardbot/internal/storage"
	"wardbot/pkg/logx"
)

type Config struct {
	Listen         string
	AllowedOrigins []string
}

type Server struct {
	cfg    Config
	log    logx.Logger
	store  storage.Store
	hreg   *health.Registry
	runner *schedule.Runner
	queue  *ingest.Queue
	det    *detector.Detector
	grd    *guard.Guard
	hub    *push.Hub

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func NewServer(cfg Config, store storage.Store, hreg *health.Registry, runner *schedule.Runner, queue *ingest.Queue, det *detector.Detector, grd *guard.Guard, hub *push.Hub, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:    cfg,
		log:    log,
		store:  store,
		hreg:   hreg,
		runner: runner,
		queue:  queue,
		det:    det,
		grd:    grd,
		hub:    hub,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealthz)
	api := r.Group("/api")
	{
		api.GET("/diagnostics", s.handleDiagnostics)
		api.GET("/notifications", s.handleListNotifications)
		api.POST("/notifications/:id/read", s.handleMarkRead)
		api.POST("/notifications/:id/dismiss", s.handleDismiss)
		api.GET("/guilds/:id/detectors", s.handleGetDetectors)
		api.PUT("/guilds/:id/detectors", s.handlePutDetectors)
		api.POST("/events/message", s.handleMessageEvent)
	}
	r.GET("/ws", s.handleWS)

	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("api listening", logx.String("addr", s.cfg.Listen))
		errc <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == origin || o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) handleHealthz(c *gin.Context) {
	healthy := s.hreg.Healthy()
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"healthy": healthy,
		"units":   s.hreg.All(),
	})
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tasks":            s.runner.Snapshot(),
		"ingest":           s.queue.Stats(),
		"detector_windows": s.det.Size(),
	})
}

func (s *Server) handleListNotifications(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user query parameter is required"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	list, err := s.store.ListNotifications(c.Request.Context(), userID, limit)
	if err != nil {
		s.log.Error("notification list failed", logx.Int64("user_id", userID), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	unread, err := s.store.CountUnread(c.Request.Context(), userID)
	if err != nil {
		s.log.Error("unread count failed", logx.Int64("user_id", userID), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list, "unread": unread})
}

func (s *Server) handleMarkRead(c *gin.Context) {
	s.setReadState(c, s.store.MarkNotificationRead)
}

func (s *Server) handleDismiss(c *gin.Context) {
	s.setReadState(c, s.store.DismissNotification)
}

func (s *Server) setReadState(c *gin.Context, fn func(ctx context.Context, id string, at time.Time) error) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	if err := fn(c.Request.Context(), id, time.Now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
			return
		}
		s.log.Error("notification state update failed", logx.String("id", id), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetDetectors(c *gin.Context) {
	guildID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid guild id"})
		return
	}
	cfgs, err := s.store.DetectorConfigs(c.Request.Context(), guildID)
	if err != nil {
		s.log.Error("detector config read failed", logx.Int64("guild_id", guildID), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"detectors": cfgs})
}

type detectorConfigReq struct {
	Kind          string  `json:"kind"`
	Enabled       bool    `json:"enabled"`
	Threshold     float64 `json:"threshold"`
	WindowSeconds int     `json:"window_seconds"`
}

func (s *Server) handlePutDetectors(c *gin.Context) {
	guildID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid guild id"})
		return
	}
	var reqs []detectorConfigReq
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	for _, req := range reqs {
		switch detector.Kind(req.Kind) {
		case detector.KindSpam, detector.KindCaps, detector.KindToxicity:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown detector kind: " + req.Kind})
			return
		}
		if req.Enabled && req.Threshold <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "threshold must be > 0 for enabled detector " + req.Kind})
			return
		}
		if req.WindowSeconds < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window_seconds must not be negative"})
			return
		}
		// Spam counts events per window; enabling it without one would
		// accept a config that can never trigger.
		if detector.Kind(req.Kind) == detector.KindSpam && req.Enabled && req.WindowSeconds <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window_seconds must be > 0 for enabled spam detector"})
			return
		}
	}

	for _, req := range reqs {
		cfg := storage.DetectorConfig{
			GuildID:       guildID,
			Kind:          req.Kind,
			Enabled:       req.Enabled,
			Threshold:     req.Threshold,
			WindowSeconds: req.WindowSeconds,
		}
		if err := s.store.UpsertDetectorConfig(c.Request.Context(), cfg); err != nil {
			s.log.Error("detector config write failed", logx.Int64("guild_id", guildID), logx.String("kind", req.Kind), logx.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
			return
		}
		if !req.Enabled {
			s.det.DropGuild(guildID)
		}
	}
	s.grd.Invalidate(guildID)
	c.Status(http.StatusNoContent)
}

type messageEventReq struct {
	GuildID int64   `json:"guild_id"`
	UserID  int64   `json:"user_id"`
	ChatID  int64   `json:"chat_id"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

// handleMessageEvent feeds one observed platform message through the guard.
func (s *Server) handleMessageEvent(c *gin.Context) {
	var req messageEventReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if req.GuildID == 0 || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "guild_id and user_id are required"})
		return
	}
	res := s.grd.HandleMessage(c.Request.Context(), guard.Message{
		GuildID: req.GuildID,
		UserID:  req.UserID,
		ChatID:  req.ChatID,
		Text:    req.Text,
		Score:   req.Score,
	})
	c.JSON(http.StatusOK, res)
}

// handleWS upgrades the connection and parks it in the hub. A user id binds
// the connection to per-user notification pushes; group=diagnostics binds it
// to the event-bus feed instead.
func (s *Server) handleWS(c *gin.Context) {
	rawUser := c.Query("user")
	group := c.Query("group")
	if rawUser == "" && group == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user or group query parameter is required"})
		return
	}

	var userID int64
	if rawUser != "" {
		var err error
		userID, err = strconv.ParseInt(rawUser, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logx.Err(err))
		return
	}

	if rawUser != "" {
		s.hub.AttachUser(userID, ws)
	} else {
		s.hub.AttachGroup(group, ws)
	}
	defer func() {
		s.hub.Detach(ws)
		_ = ws.Close()
	}()

	// The connection is push-only; the read loop exists to observe close and
	// to answer pings.
	ws.SetReadLimit(512)
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
