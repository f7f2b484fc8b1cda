package handler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bas-amop/polarrouteserver/internal/model"
)

func vehicleRequestBody() map[string]interface{} {
	return map[string]interface{}{
		"vessel_type": "SDA",
		"max_speed":   26.5,
		"unit":        "km/hr",
		"beam":        24.0,
	}
}

func TestVehicleUpsertCreate(t *testing.T) {
	ta := newTestApp(t)

	code, data := ta.request(t, http.MethodPost, "/api/vehicle", vehicleRequestBody())
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "SDA", data["vessel_type"])

	var vehicle model.Vehicle
	require.NoError(t, ta.db.Where("vessel_type = ?", "SDA").First(&vehicle).Error)
	assert.Equal(t, 26.5, vehicle.MaxSpeed)
	require.NotNil(t, vehicle.Beam)
	assert.Equal(t, 24.0, *vehicle.Beam)
}

func TestVehicleUpsertConflictAndForce(t *testing.T) {
	ta := newTestApp(t)

	code, _ := ta.request(t, http.MethodPost, "/api/vehicle", vehicleRequestBody())
	require.Equal(t, http.StatusOK, code)

	body := vehicleRequestBody()
	body["max_speed"] = 30.0
	code, data := ta.request(t, http.MethodPost, "/api/vehicle", body)
	assert.Equal(t, http.StatusNotAcceptable, code)
	assert.Equal(t,
		"Pre-existing vehicle was found. To force new properties on an existing vehicle, include 'force_properties': true in POST request.",
		errorMessage(t, data))

	body["force_properties"] = true
	code, _ = ta.request(t, http.MethodPost, "/api/vehicle", body)
	require.Equal(t, http.StatusOK, code)

	var vehicle model.Vehicle
	require.NoError(t, ta.db.Where("vessel_type = ?", "SDA").First(&vehicle).Error)
	assert.Equal(t, 30.0, vehicle.MaxSpeed)
}

func TestVehicleUpsertValidation(t *testing.T) {
	ta := newTestApp(t)

	body := vehicleRequestBody()
	delete(body, "max_speed")
	code, _ := ta.request(t, http.MethodPost, "/api/vehicle", body)

	assert.Equal(t, http.StatusBadRequest, code)
}

func TestVehicleAvailableEmpty(t *testing.T) {
	ta := newTestApp(t)

	// "available" must not be swallowed by the :vessel_type route.
	code, data := ta.request(t, http.MethodGet, "/api/vehicle/available", nil)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, "No available vessel types found.", data["message"])
	assert.Empty(t, data["vessel_types"])
}

func TestVehicleAvailable(t *testing.T) {
	ta := newTestApp(t)
	ta.request(t, http.MethodPost, "/api/vehicle", vehicleRequestBody())

	code, data := ta.request(t, http.MethodGet, "/api/vehicle/available", nil)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, []interface{}{"SDA"}, data["vessel_types"])
	assert.NotContains(t, data, "message")
}

func TestVehicleDetail(t *testing.T) {
	ta := newTestApp(t)
	ta.request(t, http.MethodPost, "/api/vehicle", vehicleRequestBody())

	code, data := ta.request(t, http.MethodGet, "/api/vehicle/SDA", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "SDA", data["vessel_type"])
	assert.Equal(t, 26.5, data["max_speed"])
}

func TestVehicleDetailNotFound(t *testing.T) {
	ta := newTestApp(t)

	code, data := ta.request(t, http.MethodGet, "/api/vehicle/nope", nil)

	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Vehicle with vessel_type 'nope' not found.", errorMessage(t, data))
}

func TestVehicleDelete(t *testing.T) {
	ta := newTestApp(t)
	ta.request(t, http.MethodPost, "/api/vehicle", vehicleRequestBody())

	code, _ := ta.request(t, http.MethodDelete, "/api/vehicle/SDA", nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = ta.request(t, http.MethodDelete, "/api/vehicle/SDA", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
