package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/shepherd/job"
	"github.com/use-agent/shepherd/models"
	"github.com/use-agent/shepherd/supervisor"
)

// JobService is the supervisor surface the job handlers need.
type JobService interface {
	StartJob(req models.StartJobRequest) (id string, existing bool, err error)
	Status(id string) (models.JobSnapshot, error)
	Cancel(id string) error
	List() ([]models.JobSnapshot, error)
	Purge(id string) error
}

// StartJob returns a handler for POST /api/v1/jobs.
//
// The job runs in the background; the response only carries its id.
func StartJob(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.StartJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, models.ErrCodeInvalidInput, err.Error())
			return
		}
		if err := job.ValidateSteps(req.Steps); err != nil {
			abort(c, http.StatusBadRequest, models.ErrCodeInvalidInput, err.Error())
			return
		}

		id, existing, err := svc.StartJob(req)
		switch {
		case errors.Is(err, supervisor.ErrInvalidJob):
			abort(c, http.StatusBadRequest, models.ErrCodeInvalidInput, err.Error())
			return
		case errors.Is(err, supervisor.ErrAtCapacity):
			abort(c, http.StatusTooManyRequests, models.ErrCodeRateLimited, err.Error())
			return
		case errors.Is(err, supervisor.ErrShuttingDown):
			abort(c, http.StatusServiceUnavailable, models.ErrCodeInternal, err.Error())
			return
		case err != nil:
			slog.Error("start job failed", "logical_key", req.LogicalKey, "error", err)
			abort(c, http.StatusInternalServerError, models.ErrCodeInternal, "failed to start job")
			return
		}

		c.JSON(http.StatusAccepted, models.StartJobResponse{JobID: id, Existing: existing})
	}
}

// GetJob returns a handler for GET /api/v1/jobs/:id.
func GetJob(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := svc.Status(c.Param("id"))
		if err != nil {
			respondLookupError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// ListJobs returns a handler for GET /api/v1/jobs.
func ListJobs(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := svc.List()
		if err != nil {
			slog.Error("list jobs failed", "error", err)
			abort(c, http.StatusInternalServerError, models.ErrCodeInternal, "failed to list jobs")
			return
		}
		if state := c.Query("state"); state != "" {
			filtered := jobs[:0]
			for _, j := range jobs {
				if string(j.State) == state {
					filtered = append(filtered, j)
				}
			}
			jobs = filtered
		}
		c.JSON(http.StatusOK, models.JobListResponse{Jobs: jobs, Total: len(jobs)})
	}
}

// CancelJob returns a handler for POST /api/v1/jobs/:id/cancel.
func CancelJob(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := svc.Cancel(c.Param("id"))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, models.CancelResponse{OK: true})
		case errors.Is(err, supervisor.ErrNotFound):
			c.JSON(http.StatusNotFound, models.CancelResponse{
				Error: &models.ErrorDetail{Code: models.ErrCodeNotFound, Message: "not-found"},
			})
		case errors.Is(err, supervisor.ErrJobFinished):
			c.JSON(http.StatusConflict, models.CancelResponse{
				Error: &models.ErrorDetail{Code: models.ErrCodeConflict, Message: "job already finished"},
			})
		default:
			slog.Error("cancel job failed", "job_id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, models.CancelResponse{
				Error: &models.ErrorDetail{Code: models.ErrCodeInternal, Message: "failed to cancel job"},
			})
		}
	}
}

// DeleteJob returns a handler for DELETE /api/v1/jobs/:id.
func DeleteJob(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := svc.Purge(c.Param("id"))
		switch {
		case err == nil:
			c.Status(http.StatusNoContent)
		case errors.Is(err, supervisor.ErrJobActive):
			abort(c, http.StatusConflict, models.ErrCodeConflict, "job is still running; cancel it first")
		default:
			respondLookupError(c, err)
		}
	}
}

func respondLookupError(c *gin.Context, err error) {
	if errors.Is(err, supervisor.ErrNotFound) {
		abort(c, http.StatusNotFound, models.ErrCodeNotFound, "job not found")
		return
	}
	slog.Error("job lookup failed", "job_id", c.Param("id"), "error", err)
	abort(c, http.StatusInternalServerError, models.ErrCodeInternal, "failed to load job")
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{
		Error: &models.ErrorDetail{Code: code, Message: msg},
	})
}
