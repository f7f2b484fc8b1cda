package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bas-amop/polarrouteserver/internal/config"
)

// ErrInaccessible is returned when the optimiser finds no traversable path
// between the waypoints on the given mesh. The orchestrator treats it as
// recoverable and retries against backup meshes.
var ErrInaccessible = errors.New("inaccessible: no routes found on mesh")

// RouteOptimiser is the interface to the external PolarRoute optimisation
// service. The numerical algorithm itself is opaque to this server.
type RouteOptimiser interface {
	// OptimiseRoute computes traveltime- and fuel-optimised routes between
	// the request waypoints on a vehicle mesh.
	OptimiseRoute(ctx context.Context, meshJSON []byte, req *RouteRequest) (*OptimiseResult, error)
	// AddVessel synthesises vehicle-dependent traversal costs into an
	// environment mesh, producing vehicle mesh JSON.
	AddVessel(ctx context.Context, meshJSON []byte, vessel VesselConfig) ([]byte, error)
	// EvaluateRoute computes fuel usage and travel time of an
	// externally-supplied route against a mesh.
	EvaluateRoute(ctx context.Context, routeJSON, meshJSON []byte) (*EvaluationResult, error)
}

// RouteRequest identifies the waypoints of a route to optimise.
type RouteRequest struct {
	StartLat  float64 `json:"start_lat"`
	StartLon  float64 `json:"start_lon"`
	EndLat    float64 `json:"end_lat"`
	EndLon    float64 `json:"end_lon"`
	StartName string  `json:"start_name,omitempty"`
	EndName   string  `json:"end_name,omitempty"`
}

// VesselConfig is the vessel performance block handed to the optimiser when
// building a vehicle mesh. Keys follow the PolarRoute vessel schema
// (vessel_type, max_speed, unit, ...).
type VesselConfig map[string]interface{}

// OptimiseResult carries one geojson route set per objective function, both
// smoothed and unsmoothed.
type OptimiseResult struct {
	Smoothed          []json.RawMessage `json:"smoothed"`
	Unsmoothed        []json.RawMessage `json:"unsmoothed"`
	PolarRouteVersion string            `json:"polar_route_version"`
}

// EvaluationResult is the outcome of evaluating a supplied route on a mesh.
type EvaluationResult struct {
	Route      json.RawMessage `json:"route"`
	TimeDays   float64         `json:"time_days"`
	TimeStr    string          `json:"time_str"`
	FuelTonnes float64         `json:"fuel_tonnes"`
}

// PolarRouteClient implements RouteOptimiser against the PolarRoute sidecar
// service.
type PolarRouteClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewPolarRouteClient(cfg *config.OptimiserConfig) *PolarRouteClient {
	return &PolarRouteClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.ServiceURL,
	}
}

func (c *PolarRouteClient) OptimiseRoute(ctx context.Context, meshJSON []byte, req *RouteRequest) (*OptimiseResult, error) {
	body := struct {
		Mesh  json.RawMessage `json:"mesh"`
		Route *RouteRequest   `json:"route"`
	}{Mesh: meshJSON, Route: req}

	var result OptimiseResult
	if err := c.post(ctx, "/optimise", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *PolarRouteClient) AddVessel(ctx context.Context, meshJSON []byte, vessel VesselConfig) ([]byte, error) {
	body := struct {
		Mesh   json.RawMessage `json:"mesh"`
		Vessel VesselConfig    `json:"vessel"`
	}{Mesh: meshJSON, Vessel: vessel}

	var result struct {
		Mesh json.RawMessage `json:"mesh"`
	}
	if err := c.post(ctx, "/vessel_mesh", body, &result); err != nil {
		return nil, err
	}
	return result.Mesh, nil
}

func (c *PolarRouteClient) EvaluateRoute(ctx context.Context, routeJSON, meshJSON []byte) (*EvaluationResult, error) {
	body := struct {
		Route json.RawMessage `json:"route"`
		Mesh  json.RawMessage `json:"mesh"`
	}{Route: routeJSON, Mesh: meshJSON}

	var result EvaluationResult
	if err := c.post(ctx, "/evaluate", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthCheck checks if the optimiser service is available.
func (c *PolarRouteClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("optimiser service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

type serviceError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// post sends a POST request with JSON body and parses the response. Service
// errors with code INACCESSIBLE map to ErrInaccessible.
func (c *PolarRouteClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var svcErr serviceError
		if err := json.Unmarshal(respBody, &svcErr); err == nil && svcErr.Error.Code != "" {
			if svcErr.Error.Code == "INACCESSIBLE" {
				return fmt.Errorf("%w: %s", ErrInaccessible, svcErr.Error.Message)
			}
			return fmt.Errorf("optimiser error (%s): %s", svcErr.Error.Code, svcErr.Error.Message)
		}
		return fmt.Errorf("optimiser service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// IsConfigured returns true if the client has a service URL.
func (c *PolarRouteClient) IsConfigured() bool {
	return c.baseURL != ""
}
