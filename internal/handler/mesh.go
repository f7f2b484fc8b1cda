package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bas-amop/polarrouteserver/internal/model"
	"github.com/bas-amop/polarrouteserver/internal/service"
	"github.com/bas-amop/polarrouteserver/internal/version"
	"github.com/bas-amop/polarrouteserver/pkg/response"
)

type MeshHandler struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewMeshHandler(db *gorm.DB, log *zap.SugaredLogger) *MeshHandler {
	return &MeshHandler{db: db, log: log}
}

// Detail handles GET /api/mesh/:id
func (h *MeshHandler) Detail(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return response.BadRequest(c, "Invalid mesh id.")
	}

	var kind *model.MeshKind
	if k := c.Query("kind"); k != "" {
		mk := model.MeshKind(k)
		if mk != model.MeshKindEnvironment && mk != model.MeshKindVehicle {
			return response.BadRequest(c, "Invalid mesh kind.")
		}
		kind = &mk
	}

	mesh, err := service.LookupMesh(c.Context(), h.db, kind, uint(id))
	if err != nil {
		if errors.Is(err, service.ErrMeshNotFound) {
			return response.NotFound(c, fmt.Sprintf("Mesh with id %d not found.", id))
		}
		return response.ServiceError(c, err.Error())
	}

	props := mesh.Properties()
	return response.OK(c, fiber.Map{
		versionField: version.Version,
		"id":         props.ID,
		"kind":       mesh.Ref().Kind,
		"name":       props.Name,
		"json":       json.RawMessage(props.JSON),
		"geojson":    json.RawMessage(props.GeoJSON),
	})
}
