package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/bas-amop/polarrouteserver/internal/client"
	"github.com/bas-amop/polarrouteserver/internal/model"
	"github.com/bas-amop/polarrouteserver/internal/service"
	"github.com/bas-amop/polarrouteserver/internal/version"
	"github.com/bas-amop/polarrouteserver/pkg/response"
)

// versionField is attached to every route-related response so clients can
// pin behaviour to a server release.
const versionField = "polarrouteserver-version"

type RouteHandler struct {
	routes    *service.RouteService
	status    service.StatusProvider
	optimiser client.RouteOptimiser
	validator *validator.Validate
	log       *zap.SugaredLogger
}

func NewRouteHandler(routes *service.RouteService, status service.StatusProvider, optimiser client.RouteOptimiser, v *validator.Validate, log *zap.SugaredLogger) *RouteHandler {
	return &RouteHandler{
		routes:    routes,
		status:    status,
		optimiser: optimiser,
		validator: v,
		log:       log,
	}
}

type routeRequest struct {
	StartLat      *float64        `json:"start_lat" validate:"required,gte=-90,lte=90"`
	StartLon      *float64        `json:"start_lon" validate:"required,gte=-180,lte=180"`
	EndLat        *float64        `json:"end_lat" validate:"required,gte=-90,lte=90"`
	EndLon        *float64        `json:"end_lon" validate:"required,gte=-180,lte=180"`
	StartName     *string         `json:"start_name"`
	EndName       *string         `json:"end_name"`
	VehicleType   string          `json:"vehicle_type" validate:"required"`
	MeshID        *uint           `json:"mesh_id"`
	MeshKind      *model.MeshKind `json:"mesh_kind" validate:"omitempty,oneof=environment vehicle"`
	ForceNewRoute bool            `json:"force_new_route"`
}

// Request handles POST /api/route
func (h *RouteHandler) Request(c *fiber.Ctx) error {
	var req routeRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, fmt.Sprintf("Invalid coordinate values provided: %v", err))
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.BadRequest(c, fmt.Sprintf("Invalid coordinate values provided: %v", formatValidationErrors(err)))
	}

	result, err := h.routes.RequestRoute(c.Context(), &service.RouteRequestInput{
		StartLat:      *req.StartLat,
		StartLon:      *req.StartLon,
		EndLat:        *req.EndLat,
		EndLon:        *req.EndLon,
		StartName:     req.StartName,
		EndName:       req.EndName,
		VehicleType:   req.VehicleType,
		MeshID:        req.MeshID,
		MeshKind:      req.MeshKind,
		ForceNewRoute: req.ForceNewRoute,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMeshNotFound):
			return response.NotFound(c, fmt.Sprintf("Mesh id %d requested. Does not exist.", *req.MeshID))
		case errors.Is(err, service.ErrNoMesh):
			return response.NotFound(c, "No mesh available.")
		default:
			h.log.Errorw("route request failed", "error", err)
			return response.ServiceError(c, err.Error())
		}
	}

	if result.Reused && result.JobID == "" {
		return response.Accepted(c, fiber.Map{
			"info": fiber.Map{"error": result.Message},
		})
	}

	data := fiber.Map{
		"id":         result.JobID,
		"status-url": jobURL(c, result.JobID),
		versionField: version.Version,
	}
	if result.Reused {
		data["info"] = fiber.Map{"message": result.Message}
	}
	return response.Accepted(c, data)
}

// Detail handles GET /api/route/:id
func (h *RouteHandler) Detail(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return response.BadRequest(c, "Invalid route id.")
	}

	route, err := h.routes.GetRoute(c.Context(), uint(id))
	if err != nil {
		if errors.Is(err, service.ErrRouteNotFound) {
			return response.NotFound(c, fmt.Sprintf("Route with id %d not found.", id))
		}
		return response.ServiceError(c, err.Error())
	}

	resp := service.BuildRouteResponse(route)
	body, err := json.Marshal(resp)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return response.ServiceError(c, err.Error())
	}
	data[versionField] = version.Version

	return response.OK(c, data)
}

// Recent handles GET /api/recent_routes
func (h *RouteHandler) Recent(c *fiber.Ctx) error {
	entries, err := h.routes.RecentRoutes(c.Context(), h.status)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	jobs := make([]fiber.Map, 0, len(entries))
	for _, entry := range entries {
		job := entry.Job
		data := fiber.Map{
			"job_id":  job.ID,
			"status":  entry.Status,
			"created": job.Datetime,
			"job_url": jobURL(c, job.ID),
		}
		if job.Route != nil {
			data["route_id"] = job.Route.ID
			data["start_lat"] = job.Route.StartLat
			data["start_lon"] = job.Route.StartLon
			data["end_lat"] = job.Route.EndLat
			data["end_lon"] = job.Route.EndLon
			data["start_name"] = job.Route.StartName
			data["end_name"] = job.Route.EndName

			switch entry.Status {
			case model.StatusSuccess:
				data["route_url"] = routeURL(c, job.Route.ID)
			case model.StatusFailure:
				data["info"] = fiber.Map{"error": job.Route.Info}
			}
		}
		jobs = append(jobs, data)
	}

	return response.OK(c, fiber.Map{
		"jobs":       jobs,
		versionField: version.Version,
	})
}

type evaluateRouteRequest struct {
	Route        json.RawMessage `json:"route" validate:"required"`
	CustomMeshID *uint           `json:"custom_mesh_id"`
	MeshKind     *model.MeshKind `json:"mesh_kind" validate:"omitempty,oneof=environment vehicle"`
}

// Evaluate handles POST /api/evaluate_route
func (h *RouteHandler) Evaluate(c *fiber.Ctx) error {
	var req evaluateRouteRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body.")
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.BadRequest(c, "Route JSON is required for evaluation.")
	}

	result, meshRef, err := h.routes.EvaluateRoute(c.Context(), h.optimiser, req.Route, req.MeshKind, req.CustomMeshID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMeshNotFound):
			return response.NotFound(c, fmt.Sprintf("Mesh with id %d not found.", *req.CustomMeshID))
		case errors.Is(err, service.ErrNoMesh):
			return response.NotFound(c, "No mesh available.")
		default:
			h.log.Errorw("route evaluation failed", "error", err)
			return response.ServiceError(c, err.Error())
		}
	}

	return response.OK(c, fiber.Map{
		versionField:  version.Version,
		"mesh":        meshRef,
		"route":       result.Route,
		"time_days":   result.TimeDays,
		"time_str":    result.TimeStr,
		"fuel_tonnes": result.FuelTonnes,
	})
}

func jobURL(c *fiber.Ctx, jobID string) string {
	return c.BaseURL() + "/api/job/" + jobID
}

func routeURL(c *fiber.Ctx, routeID uint) string {
	return fmt.Sprintf("%s/api/route/%d", c.BaseURL(), routeID)
}
