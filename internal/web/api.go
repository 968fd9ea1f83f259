package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/KoketsoMabuela92/background-job-runner/internal/engine"
	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/KoketsoMabuela92/background-job-runner/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type createJobRequest struct {
	JobType      string          `json:"job_type" binding:"required"`
	EntryPoint   string          `json:"entry_point" binding:"required"`
	Payload      json.RawMessage `json:"payload"`
	Priority     *int            `json:"priority"`
	DelaySeconds int             `json:"delay_seconds"`
}

// POST /api/jobs
func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return
	}
	job, err := s.jobs.Create(c.Request.Context(), engine.CreateParams{
		JobType:      req.JobType,
		EntryPoint:   req.EntryPoint,
		Payload:      req.Payload,
		Priority:     req.Priority,
		DelaySeconds: req.DelaySeconds,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// GET /api/jobs
func (s *Server) listJobs(c *gin.Context) {
	opts := queue.ListOptions{JobType: c.Query("job_type")}
	if status := c.Query("status"); status != "" {
		if !models.Status(status).Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		opts.Status = models.Status(status)
	}
	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
			return
		}
		*dst = n
	}
	jobs, err := s.jobs.List(c.Request.Context(), opts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// GET /api/jobs/:id
func (s *Server) getJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	job, err := s.jobs.Status(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// POST /api/jobs/:id/cancel
func (s *Server) cancelJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	cancelled, err := s.jobs.Cancel(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	job, err := s.jobs.Status(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled, "job": job})
}

// POST /api/jobs/:id/retry
func (s *Server) retryJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	job, err := s.jobs.Retry(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GET /api/stats
func (s *Server) stats(c *gin.Context) {
	counts, err := s.jobs.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make(map[string]int64, len(models.AllStatuses))
	var total int64
	for _, status := range models.AllStatuses {
		out[string(status)] = counts[status]
		total += counts[status]
	}
	c.JSON(http.StatusOK, gin.H{"counts": out, "total": total})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, models.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrSignalDelivery):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
