package service

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMesh signals that no stored mesh contains both waypoints.
	ErrNoMesh = errors.New("no mesh available")
	// ErrMeshNotFound signals an unknown explicit mesh id.
	ErrMeshNotFound = errors.New("mesh not found")
	// ErrVehicleNotFound signals an unknown vessel type.
	ErrVehicleNotFound = errors.New("vehicle not found")
	// ErrVehicleExists signals a pre-existing vehicle without force_properties.
	ErrVehicleExists = errors.New("vehicle already exists")
	// ErrRouteNotFound signals an unknown route id.
	ErrRouteNotFound = errors.New("route not found")
	// ErrJobNotFound signals an unknown job id.
	ErrJobNotFound = errors.New("job not found")
)

func errInvalidRouteJSON(errs ...error) error {
	return fmt.Errorf("invalid route geojson: %w", errors.Join(errs...))
}
