// Package api exposes the HTTP surface of the download service: job
// management, credential checks, and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/MiguelAngelCruzVargas/Fiscalia/internal/orchestrator"
	"github.com/MiguelAngelCruzVargas/Fiscalia/internal/storage"
)

// Server wires the HTTP routes.
type Server struct {
	orch *orchestrator.Orchestrator
	log  *logrus.Logger

	// SpawnProcessor makes enqueue kick off processing in a background
	// goroutine. Deployments running a dedicated worker loop leave this
	// off and let the worker claim the job.
	SpawnProcessor bool
	// MetricsPath serves the Prometheus endpoint when non-empty.
	MetricsPath string
}

// New builds a server around the orchestrator.
func New(orch *orchestrator.Orchestrator, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{orch: orch, log: log}
}

// Router assembles the gin engine. basePath prefixes the API routes.
func (s *Server) Router(basePath string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group(basePath)
	api.POST("/jobs", s.enqueueJob)
	api.POST("/jobs/sync", s.runSync)
	api.GET("/jobs/:id", s.getJob)
	api.GET("/credentials/:ownerId", s.inspectCredential)
	api.POST("/credentials/:ownerId/verify", s.verifyCredential)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.MetricsPath != "" {
		r.GET(s.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
	return r
}

type enqueueRequest struct {
	OwnerID       string `json:"ownerId" binding:"required"`
	CompanyID     string `json:"companyId"`
	Kind          string `json:"kind" binding:"required"`
	DateFrom      string `json:"dateFrom"`
	DateTo        string `json:"dateTo"`
	RequestedType string `json:"requestedType"`
}

func (r enqueueRequest) params() (orchestrator.EnqueueParams, error) {
	p := orchestrator.EnqueueParams{
		OwnerID:       r.OwnerID,
		CompanyID:     r.CompanyID,
		Kind:          r.Kind,
		RequestedType: r.RequestedType,
	}
	if r.DateFrom != "" {
		t, err := time.Parse("2006-01-02", r.DateFrom)
		if err != nil {
			return p, errors.New("dateFrom must be YYYY-MM-DD")
		}
		p.DateFrom = &t
	}
	if r.DateTo != "" {
		t, err := time.Parse("2006-01-02", r.DateTo)
		if err != nil {
			return p, errors.New("dateTo must be YYYY-MM-DD")
		}
		p.DateTo = &t
	}
	return p, nil
}

func (s *Server) enqueueJob(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params, err := req.params()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.orch.Enqueue(c.Request.Context(), params)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if s.SpawnProcessor {
		// The poll can run for minutes; it must not ride on the request
		// context.
		go func() {
			if err := s.orch.Process(context.Background(), id); err != nil {
				s.log.WithError(err).WithField("job_id", id).Error("background processing")
			}
		}()
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": id})
}

func (s *Server) runSync(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params, err := req.params()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.orch.RunSync(c.Request.Context(), params)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.orch.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) inspectCredential(c *gin.Context) {
	info, err := s.orch.InspectCredential(c.Request.Context(), c.Param("ownerId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type verifyRequest struct {
	Passphrase string `json:"passphrase"`
}

func (s *Server) verifyCredential(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := s.orch.VerifyCredential(c.Request.Context(), c.Param("ownerId"), req.Passphrase)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidKind),
		errors.Is(err, orchestrator.ErrInvalidRange):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotClaimable):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
