package handler

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/bas-amop/polarrouteserver/internal/model"
	"github.com/bas-amop/polarrouteserver/internal/service"
	"github.com/bas-amop/polarrouteserver/pkg/response"
)

type VehicleHandler struct {
	vehicles  *service.VehicleService
	validator *validator.Validate
	log       *zap.SugaredLogger
}

func NewVehicleHandler(vehicles *service.VehicleService, v *validator.Validate, log *zap.SugaredLogger) *VehicleHandler {
	return &VehicleHandler{vehicles: vehicles, validator: v, log: log}
}

type vehicleRequest struct {
	VesselType         string          `json:"vessel_type" validate:"required,max=150"`
	MaxSpeed           *float64        `json:"max_speed" validate:"required,gt=0"`
	Unit               string          `json:"unit" validate:"required"`
	MaxIceConc         *float64        `json:"max_ice_conc"`
	MinDepth           *float64        `json:"min_depth"`
	MaxWave            *float64        `json:"max_wave"`
	ExcludedZones      datatypes.JSON  `json:"excluded_zones"`
	NeighbourSplitting *bool           `json:"neighbour_splitting"`
	Beam               *float64        `json:"beam"`
	HullType           *string         `json:"hull_type"`
	ForceLimit         *float64        `json:"force_limit"`
	ForceProperties    bool            `json:"force_properties"`
}

// Upsert handles POST /api/vehicle
func (h *VehicleHandler) Upsert(c *fiber.Ctx) error {
	var req vehicleRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, fmt.Sprintf("Invalid vessel config: %v", err))
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.BadRequest(c, fmt.Sprintf("Validation error: %v", formatValidationErrors(err)))
	}

	vehicle := &model.Vehicle{
		VesselType:         req.VesselType,
		MaxSpeed:           *req.MaxSpeed,
		Unit:               req.Unit,
		MaxIceConc:         req.MaxIceConc,
		MinDepth:           req.MinDepth,
		MaxWave:            req.MaxWave,
		ExcludedZones:      req.ExcludedZones,
		NeighbourSplitting: req.NeighbourSplitting,
		Beam:               req.Beam,
		HullType:           req.HullType,
		ForceLimit:         req.ForceLimit,
	}

	err := h.vehicles.UpsertVehicle(c.Context(), vehicle, req.ForceProperties)
	if err != nil {
		if errors.Is(err, service.ErrVehicleExists) {
			return response.NotAcceptable(c,
				"Pre-existing vehicle was found. To force new properties on an existing vehicle, include 'force_properties': true in POST request.")
		}
		h.log.Errorw("vehicle upsert failed", "vessel_type", req.VesselType, "error", err)
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, fiber.Map{"vessel_type": vehicle.VesselType})
}

// List handles GET /api/vehicle
func (h *VehicleHandler) List(c *fiber.Ctx) error {
	vehicles, err := h.vehicles.ListVehicles(c.Context())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, vehicles)
}

// Available handles GET /api/vehicle/available
func (h *VehicleHandler) Available(c *fiber.Ctx) error {
	types, err := h.vehicles.AvailableVesselTypes(c.Context())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	if len(types) == 0 {
		return response.OK(c, fiber.Map{
			"vessel_types": []string{},
			"message":      "No available vessel types found.",
		})
	}
	return response.OK(c, fiber.Map{"vessel_types": types})
}

// Detail handles GET /api/vehicle/:vessel_type
func (h *VehicleHandler) Detail(c *fiber.Ctx) error {
	vesselType := c.Params("vessel_type")

	vehicle, err := h.vehicles.GetVehicle(c.Context(), vesselType)
	if err != nil {
		if errors.Is(err, service.ErrVehicleNotFound) {
			return response.NotFound(c, fmt.Sprintf("Vehicle with vessel_type '%s' not found.", vesselType))
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, vehicle)
}

// Delete handles DELETE /api/vehicle/:vessel_type
func (h *VehicleHandler) Delete(c *fiber.Ctx) error {
	vesselType := c.Params("vessel_type")

	err := h.vehicles.DeleteVehicle(c.Context(), vesselType)
	if err != nil {
		if errors.Is(err, service.ErrVehicleNotFound) {
			return response.NotFound(c, fmt.Sprintf("Vehicle with vessel_type '%s' not found.", vesselType))
		}
		return response.ServiceError(c, err.Error())
	}
	return response.NoContent(c)
}
