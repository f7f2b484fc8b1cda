package handler

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeshDetail(t *testing.T) {
	ta := newTestApp(t)
	mesh := ta.makeEnvMesh(t, "arctic", 60, 80, -30, 20)

	code, data := ta.request(t, http.MethodGet, fmt.Sprintf("/api/mesh/%d", mesh.ID), nil)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, "arctic", data["name"])
	assert.Equal(t, "environment", data["kind"])
	assert.Contains(t, data, "polarrouteserver-version")
	assert.Contains(t, data, "json")
}

func TestMeshDetailWithKindQuery(t *testing.T) {
	ta := newTestApp(t)
	mesh := ta.makeEnvMesh(t, "arctic", 60, 80, -30, 20)

	code, data := ta.request(t, http.MethodGet,
		fmt.Sprintf("/api/mesh/%d?kind=environment", mesh.ID), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "environment", data["kind"])

	code, data = ta.request(t, http.MethodGet,
		fmt.Sprintf("/api/mesh/%d?kind=vehicle", mesh.ID), nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, fmt.Sprintf("Mesh with id %d not found.", mesh.ID), errorMessage(t, data))
}

func TestMeshDetailInvalidKind(t *testing.T) {
	ta := newTestApp(t)

	code, data := ta.request(t, http.MethodGet, "/api/mesh/1?kind=bogus", nil)

	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid mesh kind.", errorMessage(t, data))
}

func TestMeshDetailNotFound(t *testing.T) {
	ta := newTestApp(t)

	code, data := ta.request(t, http.MethodGet, "/api/mesh/42", nil)

	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Mesh with id 42 not found.", errorMessage(t, data))
}
