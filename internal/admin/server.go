package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tsubotan1985/clads-llm-bridge/internal/adapters"
	"github.com/tsubotan1985/clads-llm-bridge/internal/auth"
	"github.com/tsubotan1985/clads-llm-bridge/internal/catalog"
	"github.com/tsubotan1985/clads-llm-bridge/internal/dashboard"
	"github.com/tsubotan1985/clads-llm-bridge/internal/models"
	"github.com/tsubotan1985/clads-llm-bridge/internal/upstreams"
	"github.com/tsubotan1985/clads-llm-bridge/internal/usage"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// discoveryTimeout bounds one upstream model discovery probe.
const discoveryTimeout = 15 * time.Second

// Server is the admin surface consumed by the web UI and by operators.
// Reload and the health probes are open; config CRUD and dashboards require
// a session token.
type Server struct {
	db        *gorm.DB
	store     *catalog.Store
	configs   *upstreams.Service
	auth      *auth.Service
	dashboard *dashboard.Queries
	recorder  *usage.Recorder
	registry  *adapters.Registry

	client   *http.Client
	inFlight func() int64
}

// NewServer constructs the admin server. inFlight reports the proxy
// listeners' current upstream dispatch gauge for health output.
func NewServer(db *gorm.DB, store *catalog.Store, configs *upstreams.Service, authSvc *auth.Service, dashboards *dashboard.Queries, recorder *usage.Recorder, registry *adapters.Registry, inFlight func() int64) *Server {
	if inFlight == nil {
		inFlight = func() int64 { return 0 }
	}
	return &Server{
		db:        db,
		store:     store,
		configs:   configs,
		auth:      authSvc,
		dashboard: dashboards,
		recorder:  recorder,
		registry:  registry,
		client:    &http.Client{Timeout: discoveryTimeout},
		inFlight:  inFlight,
	}
}

// Router assembles the admin gin engine.
func (s *Server) Router() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.handleHealth)
	engine.GET("/health/ready", s.handleReady)
	engine.GET("/health/live", s.handleLive)

	engine.POST("/admin/login", s.handleLogin)
	engine.POST("/admin/reload", s.handleReload)

	guarded := engine.Group("/admin", s.auth.Middleware())
	guarded.GET("/configs", s.handleListConfigs)
	guarded.POST("/configs", s.handleCreateConfig)
	guarded.GET("/configs/:id", s.handleGetConfig)
	guarded.PUT("/configs/:id", s.handleUpdateConfig)
	guarded.DELETE("/configs/:id", s.handleDeleteConfig)
	guarded.GET("/configs/:id/models", s.handleDiscoverModels)
	guarded.GET("/status", s.handleHealthStatuses)
	guarded.GET("/dashboard/clients", s.handleClientLeaderboard)
	guarded.GET("/dashboard/models", s.handleModelLeaderboard)
	guarded.GET("/dashboard/timeseries", s.handleTimeSeries)
	return engine
}

// handleLogin verifies the admin password and returns a session token.
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Password string `json:"password"`
	}
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	token, errLogin := s.auth.Login(c.Request.Context(), body.Password)
	if errLogin != nil {
		if errors.Is(errLogin, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// handleReload rebuilds and publishes the config snapshot.
func (s *Server) handleReload(c *gin.Context) {
	result, errReload := s.configs.Reload(c.Request.Context())
	if errReload != nil {
		log.WithError(errReload).Error("admin: reload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reload failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleListConfigs returns every config with masked keys.
func (s *Server) handleListConfigs(c *gin.Context) {
	views, errList := s.configs.List(c.Request.Context())
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list configs failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": views})
}

// handleCreateConfig inserts a new upstream config.
func (s *Server) handleCreateConfig(c *gin.Context) {
	var input upstreams.Input
	if errBind := c.ShouldBindJSON(&input); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	view, errCreate := s.configs.Create(c.Request.Context(), input)
	if errCreate != nil {
		writeConfigError(c, errCreate)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// handleGetConfig returns one config; reveal=true returns the plaintext key.
func (s *Server) handleGetConfig(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	reveal := strings.EqualFold(c.Query("reveal"), "true")
	view, errGet := s.configs.Get(c.Request.Context(), id, reveal)
	if errGet != nil {
		writeConfigError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleUpdateConfig applies a partial update.
func (s *Server) handleUpdateConfig(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var patch upstreams.Patch
	if errBind := c.ShouldBindJSON(&patch); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	view, errUpdate := s.configs.Update(c.Request.Context(), id, patch)
	if errUpdate != nil {
		writeConfigError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleDeleteConfig removes a config and its health rows.
func (s *Server) handleDeleteConfig(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if errDelete := s.configs.Delete(c.Request.Context(), id); errDelete != nil {
		writeConfigError(c, errDelete)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// handleDiscoverModels probes the upstream for its advertised models.
func (s *Server) handleDiscoverModels(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	entry, errResolve := s.configs.Resolve(c.Request.Context(), id)
	if errResolve != nil {
		writeConfigError(c, errResolve)
		return
	}
	adapter, errAdapter := s.registry.ForServiceType(entry.ServiceType)
	if errAdapter != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errAdapter.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), discoveryTimeout)
	defer cancel()
	ids, errList := adapter.ListModels(ctx, s.client, entry)
	if errList != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": errList.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": ids})
}

// handleHealthStatuses returns the latest probe rows.
func (s *Server) handleHealthStatuses(c *gin.Context) {
	var rows []models.HealthStatus
	if errFind := s.db.WithContext(c.Request.Context()).
		Order("config_id ASC").
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load health statuses failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"statuses": rows})
}

// handleClientLeaderboard serves the client usage leaderboard.
func (s *Server) handleClientLeaderboard(c *gin.Context) {
	start, end, ok := parseWindow(c)
	if !ok {
		return
	}
	rows, errQuery := s.dashboard.ClientLeaderboard(c.Request.Context(), start, end, parseLimit(c))
	if errQuery != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "leaderboard query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"clients": rows})
}

// handleModelLeaderboard serves the model usage leaderboard.
func (s *Server) handleModelLeaderboard(c *gin.Context) {
	start, end, ok := parseWindow(c)
	if !ok {
		return
	}
	rows, errQuery := s.dashboard.ModelLeaderboard(c.Request.Context(), start, end, parseLimit(c))
	if errQuery != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "leaderboard query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": rows})
}

// handleTimeSeries serves the time-bucketed usage rollup.
func (s *Server) handleTimeSeries(c *gin.Context) {
	start, end, ok := parseWindow(c)
	if !ok {
		return
	}
	unit := dashboard.BucketUnit(strings.TrimSpace(c.DefaultQuery("bucket", string(dashboard.BucketHour))))
	if !unit.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bucket must be minute, hour or day"})
		return
	}
	buckets, errQuery := s.dashboard.TimeBuckets(c.Request.Context(), start, end, unit)
	if errQuery != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "timeseries query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": buckets})
}

// handleHealth mirrors the proxy health payload on the admin port.
func (s *Server) handleHealth(c *gin.Context) {
	dbStatus := "ok"
	if errPing := s.ping(c.Request.Context()); errPing != nil {
		dbStatus = "unreachable"
	}
	status := "ok"
	if dbStatus != "ok" {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"checks": gin.H{
			"db":          dbStatus,
			"queue_depth": s.recorder.Depth(),
			"dropped":     s.recorder.Dropped(),
			"in_flight":   s.inFlight(),
		},
	})
}

// handleReady reports readiness: the database is reachable and at least one
// enabled config is loaded.
func (s *Server) handleReady(c *gin.Context) {
	if errPing := s.ping(c.Request.Context()); errPing != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "db unreachable"})
		return
	}
	if s.store.Current().Len() == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "no enabled configs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// handleLive reports process liveness.
func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// ping checks database reachability.
func (s *Server) ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("admin: nil db")
	}
	sqlDB, errDB := s.db.DB()
	if errDB != nil {
		return errDB
	}
	return sqlDB.PingContext(ctx)
}

// parseID extracts the numeric config id path parameter.
func parseID(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid config id"})
		return 0, false
	}
	return id, true
}

// parseWindow reads the start/end query window, defaulting to the last day.
func parseWindow(c *gin.Context) (time.Time, time.Time, bool) {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)

	if raw := strings.TrimSpace(c.Query("end")); raw != "" {
		parsed, errParse := time.Parse(time.RFC3339, raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end must be RFC3339"})
			return time.Time{}, time.Time{}, false
		}
		end = parsed.UTC()
	}
	if raw := strings.TrimSpace(c.Query("start")); raw != "" {
		parsed, errParse := time.Parse(time.RFC3339, raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start must be RFC3339"})
			return time.Time{}, time.Time{}, false
		}
		start = parsed.UTC()
	}
	return start, end, true
}

// parseLimit reads the leaderboard row limit.
func parseLimit(c *gin.Context) int {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 10
	}
	limit, errParse := strconv.Atoi(raw)
	if errParse != nil || limit <= 0 {
		return 10
	}
	return limit
}

// writeConfigError maps config service errors onto admin API statuses.
func writeConfigError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, upstreams.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "config not found"})
	case errors.Is(err, upstreams.ErrDuplicateName):
		c.JSON(http.StatusConflict, gin.H{"error": "public name already in use"})
	case errors.Is(err, upstreams.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.WithError(err).Error("admin: config operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
