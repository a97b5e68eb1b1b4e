// Package server exposes the control plane over HTTP: a JSON REST
// surface for lifecycle, deployment, dispatch and telemetry operations,
// and a websocket endpoint bridging bus topics to real-time clients.
package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"fleetforge/internal/bus"
	"fleetforge/internal/config"
	"fleetforge/internal/deploy"
	"fleetforge/internal/dispatch"
	"fleetforge/internal/logging"
	"fleetforge/internal/registry"
	"fleetforge/internal/state"
	"fleetforge/internal/store"
	"fleetforge/internal/telemetry"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server wires the core components to the HTTP surface
type Server struct {
	cfg          config.ServerConfig
	store        store.Store
	state        state.Manager
	registry     *registry.Registry
	orchestrator *deploy.Orchestrator
	dispatcher   *dispatch.Dispatcher
	pipeline     *telemetry.Pipeline
	bridge       *Bridge
}

// New creates a server over the given components
func New(
	cfg config.ServerConfig,
	st store.Store,
	sm state.Manager,
	reg *registry.Registry,
	orch *deploy.Orchestrator,
	disp *dispatch.Dispatcher,
	pipeline *telemetry.Pipeline,
	b *bus.Bus,
) *Server {
	return &Server{
		cfg:          cfg,
		store:        st,
		state:        sm,
		registry:     reg,
		orchestrator: orch,
		dispatcher:   disp,
		pipeline:     pipeline,
		bridge:       NewBridge(b),
	}
}

// Router builds the gin engine with every route attached
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ws", s.handleWS)

	v1 := router.Group("/v1")
	{
		v1.POST("/instances", s.handleRegister)
		v1.GET("/instances", s.handleListInstances)
		v1.GET("/instances/:id", s.handleGetInstance)
		v1.DELETE("/instances/:id", s.handleDestroy)
		v1.POST("/instances/:id/suspend", s.handleSuspend)
		v1.POST("/instances/:id/resume", s.handleResume)
		v1.POST("/instances/:id/deregister", s.handleDeregister)
		v1.POST("/instances/:id/backup", s.handleBackup)
		v1.GET("/instances/:id/backups", s.handleListBackups)
		v1.GET("/instances/:id/events", s.handleListEvents)
		v1.GET("/instances/:id/executions", s.handleListExecutions)
		v1.GET("/instances/:id/metrics", s.handleListMetrics)
		v1.GET("/instances/:id/rollups", s.handleListRollups)
		v1.POST("/instances/bulk", s.handleBulkAction)
		v1.GET("/active", s.handleListActive)

		v1.POST("/deployments", s.handleCreateDeployment)
		v1.GET("/deployments", s.handleListDeployments)
		v1.GET("/deployments/:id", s.handleGetDeployment)

		v1.POST("/commands", s.handleDispatch)
		v1.POST("/commands/bulk", s.handleDispatchBulk)
		v1.POST("/commands/script", s.handleDispatchScript)

		v1.POST("/metrics", s.handleEnqueueMetric)
	}
	return router
}

// Run serves until the listener fails
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	logging.Logger().Info("http server listening", zap.String("addr", addr))
	return s.Router().Run(addr)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Logger().Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// respondError maps component errors to HTTP statuses
func respondError(c *gin.Context, err error) {
	var transition *registry.InvalidTransitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &transition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func limitParam(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return limit
}

type registerRequest struct {
	Name       string         `json:"name" binding:"required"`
	Provider   string         `json:"provider" binding:"required"`
	Region     string         `json:"region"`
	Extensions []string       `json:"extensions"`
	ConfigHash string         `json:"config_hash"`
	Endpoint   store.Endpoint `json:"endpoint"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	instance, err := s.registry.Register(c.Request.Context(), registry.RegisterInput{
		Name:       req.Name,
		Provider:   req.Provider,
		Region:     req.Region,
		Extensions: req.Extensions,
		ConfigHash: req.ConfigHash,
		Endpoint:   req.Endpoint,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, instance)
}

func (s *Server) handleListInstances(c *gin.Context) {
	instances, err := s.store.ListInstances(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, instances)
}

func (s *Server) handleGetInstance(c *gin.Context) {
	instance, err := s.store.GetInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, instance)
}

func (s *Server) handleSuspend(c *gin.Context) {
	instance, err := s.registry.Suspend(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, instance)
}

func (s *Server) handleResume(c *gin.Context) {
	instance, err := s.registry.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, instance)
}

func (s *Server) handleDestroy(c *gin.Context) {
	opts := registry.DestroyOptions{
		BackupVolume: c.Query("backup_volume") == "true",
		BackupLabel:  c.Query("backup_label"),
	}
	instance, err := s.registry.Destroy(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, instance)
}

func (s *Server) handleDeregister(c *gin.Context) {
	instance, err := s.registry.Deregister(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, instance)
}

type backupRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleBackup(c *gin.Context) {
	var req backupRequest
	// The body is optional; an absent label is fine
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	backup, err := s.registry.BackupVolume(c.Request.Context(), c.Param("id"), req.Label)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, backup)
}

func (s *Server) handleListBackups(c *gin.Context) {
	backups, err := s.state.ListBackups(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, backups)
}

func (s *Server) handleListEvents(c *gin.Context) {
	events, err := s.store.ListEvents(c.Request.Context(), c.Param("id"), limitParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

type bulkActionRequest struct {
	Action       registry.Action `json:"action" binding:"required"`
	InstanceIDs  []string        `json:"instance_ids" binding:"required"`
	BackupVolume bool            `json:"backup_volume"`
	BackupLabel  string          `json:"backup_label"`
}

func (s *Server) handleBulkAction(c *gin.Context) {
	var req bulkActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Action {
	case registry.ActionSuspend, registry.ActionResume, registry.ActionDestroy:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown action %q", req.Action)})
		return
	}
	results := s.registry.BulkAction(c.Request.Context(), req.Action, req.InstanceIDs, registry.DestroyOptions{
		BackupVolume: req.BackupVolume,
		BackupLabel:  req.BackupLabel,
	})
	c.JSON(http.StatusOK, results)
}

func (s *Server) handleListActive(c *gin.Context) {
	ids, err := s.state.ListActive(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance_ids": ids})
}

type createDeploymentRequest struct {
	ConfigYAML string `json:"config_yaml" binding:"required"`
	TemplateID string `json:"template_id"`
	Initiator  string `json:"initiator"`
}

func (s *Server) handleCreateDeployment(c *gin.Context) {
	var req createDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := s.orchestrator.Create(c.Request.Context(), deploy.CreateInput{
		ConfigYAML: req.ConfigYAML,
		TemplateID: req.TemplateID,
		Initiator:  req.Initiator,
	})
	if err != nil {
		// Create only fails synchronously on an invalid document or a
		// persistence error; the former is the common case
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, d)
}

func (s *Server) handleListDeployments(c *gin.Context) {
	deployments, err := s.store.ListDeployments(c.Request.Context(), limitParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deployments)
}

func (s *Server) handleGetDeployment(c *gin.Context) {
	d, err := s.orchestrator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type dispatchRequest struct {
	InstanceID string            `json:"instance_id" binding:"required"`
	UserID     string            `json:"user_id"`
	Command    string            `json:"command" binding:"required"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
	TimeoutMs  int64             `json:"timeout_ms"`
}

func (s *Server) handleDispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	exec, err := s.dispatcher.Dispatch(c.Request.Context(), dispatch.Input{
		InstanceID: req.InstanceID,
		UserID:     req.UserID,
		Command:    req.Command,
		Args:       req.Args,
		Env:        req.Env,
		WorkingDir: req.WorkingDir,
		TimeoutMs:  req.TimeoutMs,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

type dispatchBulkRequest struct {
	InstanceIDs []string          `json:"instance_ids" binding:"required"`
	UserID      string            `json:"user_id"`
	Command     string            `json:"command" binding:"required"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	WorkingDir  string            `json:"working_dir"`
	TimeoutMs   int64             `json:"timeout_ms"`
}

func (s *Server) handleDispatchBulk(c *gin.Context) {
	var req dispatchBulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results := s.dispatcher.DispatchBulk(c.Request.Context(), req.InstanceIDs, dispatch.Input{
		UserID:     req.UserID,
		Command:    req.Command,
		Args:       req.Args,
		Env:        req.Env,
		WorkingDir: req.WorkingDir,
		TimeoutMs:  req.TimeoutMs,
	})
	c.JSON(http.StatusOK, results)
}

type dispatchScriptRequest struct {
	InstanceIDs []string `json:"instance_ids" binding:"required"`
	Script      string   `json:"script" binding:"required"`
	Interpreter string   `json:"interpreter"`
	TimeoutMs   int64    `json:"timeout_ms"`
}

func (s *Server) handleDispatchScript(c *gin.Context) {
	var req dispatchScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results := s.dispatcher.DispatchScript(c.Request.Context(), req.InstanceIDs, req.Script, req.Interpreter, req.TimeoutMs)
	c.JSON(http.StatusOK, results)
}

func (s *Server) handleListExecutions(c *gin.Context) {
	executions, err := s.dispatcher.ListHistory(c.Request.Context(), c.Param("id"), limitParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, executions)
}

func (s *Server) handleEnqueueMetric(c *gin.Context) {
	var sample store.MetricSample
	if err := c.ShouldBindJSON(&sample); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if sample.InstanceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instance_id is required"})
		return
	}
	s.pipeline.Enqueue(c.Request.Context(), sample)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handleListMetrics(c *gin.Context) {
	since := sinceParam(c)
	samples, err := s.store.ListMetricSamples(c.Request.Context(), c.Param("id"), since, limitParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, samples)
}

func (s *Server) handleListRollups(c *gin.Context) {
	period := store.RollupPeriod(c.DefaultQuery("period", string(store.RollupHourly)))
	if period != store.RollupHourly && period != store.RollupDaily {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown period %q", period)})
		return
	}
	rollups, err := s.store.ListMetricRollups(c.Request.Context(), c.Param("id"), period, sinceParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rollups)
}

// sinceParam parses the optional RFC3339 "since" query parameter
func sinceParam(c *gin.Context) time.Time {
	raw := c.Query("since")
	if raw == "" {
		return time.Time{}
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return since
}
