package handler

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/bas-amop/polarrouteserver/internal/model"
	"github.com/bas-amop/polarrouteserver/internal/service"
	"github.com/bas-amop/polarrouteserver/internal/version"
	"github.com/bas-amop/polarrouteserver/pkg/response"
)

type JobHandler struct {
	jobs *service.JobService
	log  *zap.SugaredLogger
}

func NewJobHandler(jobs *service.JobService, log *zap.SugaredLogger) *JobHandler {
	return &JobHandler{jobs: jobs, log: log}
}

// Status handles GET /api/job/:id
func (h *JobHandler) Status(c *fiber.Ctx) error {
	id := c.Params("id")

	job, status, err := h.jobs.GetJob(c.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, fmt.Sprintf("Job with id %s not found.", id))
		}
		return response.ServiceError(c, err.Error())
	}

	data := fiber.Map{
		"id":         job.ID,
		"status":     status,
		versionField: version.Version,
		"route_id":   job.RouteID,
		"created":    job.Datetime,
	}
	switch status {
	case model.StatusSuccess:
		data["route_url"] = routeURL(c, job.RouteID)
	case model.StatusFailure:
		if job.Route != nil {
			data["info"] = fiber.Map{"error": job.Route.Info}
		}
	}
	return response.OK(c, data)
}

// Cancel handles DELETE /api/job/:id. Cancellation is destructive: the
// owning route and all sibling jobs are deleted with it.
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	id := c.Params("id")

	job, _, err := h.jobs.GetJob(c.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, fmt.Sprintf("Job with id %s not found.", id))
		}
		return response.ServiceError(c, err.Error())
	}

	if err := h.jobs.CancelJob(c.Context(), id); err != nil {
		h.log.Errorw("job cancellation failed", "job", id, "error", err)
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, fiber.Map{
		"message":  fmt.Sprintf("Job %s cancellation requested.", id),
		"job_id":   job.ID,
		"route_id": job.RouteID,
	})
}
