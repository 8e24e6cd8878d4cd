// Package server exposes the engine over HTTP.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	ctrl "sigs.k8s.io/controller-runtime"

	workflowv1 "github.com/kination/helmsman/api/v1"
	"github.com/kination/helmsman/internal/engine"
	"github.com/kination/helmsman/internal/environment"
	"github.com/kination/helmsman/internal/failure"
	"github.com/kination/helmsman/internal/store"
)

var log = ctrl.Log.WithName("server")

type Server struct {
	Router *gin.Engine
	engine *engine.Engine
	runs   store.Store
}

// Option configures a Server
type Option func(*Server)

// WithStore replaces the default in-memory run history
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.runs = st
	}
}

func NewServer(e *engine.Engine, opts ...Option) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	server := &Server{
		Router: router,
		engine: e,
		runs:   store.NewMemoryStore(store.DefaultStoreConfig().Capacity),
	}
	for _, opt := range opts {
		opt(server)
	}

	router.GET("/healthz", server.healthHandler)
	router.POST("/api/v1/compile", server.compileHandler)
	router.POST("/api/v1/runs", server.runHandler)
	router.GET("/api/v1/runs", server.listRunsHandler)
	router.GET("/api/v1/runs/:id", server.getRunHandler)

	return server
}

func (s *Server) Run(addr string) error {
	log.Info("Serving HTTP API", "addr", addr)
	return s.Router.Run(addr)
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "backends": s.engine.Backends()})
}

func (s *Server) compileHandler(c *gin.Context) {
	var req engine.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	node, err := s.engine.Plan(c.Request.Context(), req)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), errorBody(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"plan": node.Document(),
		"tree": node.String(),
	})
}

func (s *Server) runHandler(c *gin.Context) {
	var req engine.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	node, report, err := s.engine.Run(c.Request.Context(), req)
	if report == nil {
		// compilation failed before anything ran
		c.AbortWithStatusJSON(statusFor(err), errorBody(err))
		return
	}

	resp := &store.Run{
		ID:         report.RunID,
		Query:      req.Query,
		State:      workflowv1.NodeSucceeded,
		Executions: report.Stats.Executions,
		Reparses:   report.Stats.Reparses,
		Duration:   report.Duration.String(),
		FinishedAt: time.Now().UTC(),
	}
	if node != nil {
		doc := node.Document()
		resp.Plan = &doc
	}
	if err != nil {
		resp.State = workflowv1.NodePermanentlyFailed
		resp.Error = err.Error()
		resp.ErrorKind = failure.KindOf(err)
		s.record(c, resp)
		c.AbortWithStatusJSON(statusFor(err), resp)
		return
	}

	resp.Result = environment.Format(report.Result)
	s.record(c, resp)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listRunsHandler(c *gin.Context) {
	opts := store.ListOptions{State: workflowv1.NodeState(c.Query("state"))}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "0")); err == nil {
		opts.Limit = limit
	}
	if offset, err := strconv.Atoi(c.DefaultQuery("offset", "0")); err == nil && offset > 0 {
		opts.Offset = offset
	}

	runs, err := s.runs.ListRuns(c.Request.Context(), opts)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) getRunHandler(c *gin.Context) {
	run, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

// record stores a finished run; a store failure only loses history
func (s *Server) record(c *gin.Context, run *store.Run) {
	if err := s.runs.SaveRun(c.Request.Context(), run); err != nil {
		log.Error(err, "Failed to store run", "run", run.ID)
	}
}

// statusFor maps an engine error to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNoTranslator),
		errors.Is(err, failure.ErrMalformedTaskStructure),
		errors.Is(err, failure.ErrUnknownOperatorType):
		return http.StatusUnprocessableEntity
	case errors.Is(err, failure.ErrMaxReparseExceeded):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) gin.H {
	body := gin.H{"error": err.Error()}
	if kind := failure.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	return body
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.V(1).Info("Handled request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}
