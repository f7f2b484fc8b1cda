package model

import (
	"time"

	"gorm.io/datatypes"
)

// MeshKind tags which table a mesh reference points into.
type MeshKind string

const (
	MeshKindEnvironment MeshKind = "environment"
	MeshKindVehicle     MeshKind = "vehicle"
)

// MeshRef is a tagged reference to either an EnvironmentMesh or a
// VehicleMesh. Routes and task payloads carry refs instead of bare ids so
// mesh-type dispatch is explicit rather than inferred at runtime.
type MeshRef struct {
	Kind MeshKind `json:"kind"`
	ID   uint     `json:"id"`
}

// MeshProperties holds the columns shared by both mesh tables.
type MeshProperties struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	Name            string `gorm:"size:150" json:"name"`
	MD5             string `gorm:"size:64;index" json:"md5"`
	MeshiphiVersion string `gorm:"size:60" json:"meshiphi_version"`
	ValidDateStart  time.Time
	ValidDateEnd    time.Time
	Created         time.Time
	LatMin          float64
	LatMax          float64
	LonMin          float64
	LonMax          float64
	JSON            datatypes.JSON `json:"-"`
	// GeoJSON is derived from the cellboxes and refreshed by the store's
	// post-write hook whenever JSON changes.
	GeoJSON datatypes.JSON `json:"-"`
}

// Size computes a metric for the extent of a mesh. Smaller means higher
// resolution and is preferred during selection.
func (m *MeshProperties) Size() float64 {
	return abs(m.LatMax-m.LatMin) * abs(m.LonMax-m.LonMin)
}

// Contains reports whether the point lies within the mesh bounding box.
func (m *MeshProperties) Contains(lat, lon float64) bool {
	return m.LatMin <= lat && lat <= m.LatMax && m.LonMin <= lon && lon <= m.LonMax
}

func (m *MeshProperties) Properties() *MeshProperties { return m }

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Mesh is implemented by both mesh variants.
type Mesh interface {
	Ref() MeshRef
	Size() float64
	Contains(lat, lon float64) bool
	Properties() *MeshProperties
}

// EnvironmentMesh is a geophysical discretisation of a lat/lon region,
// carrying only environmental data (ice, currents, bathymetry).
type EnvironmentMesh struct {
	MeshProperties
}

func (m *EnvironmentMesh) Ref() MeshRef {
	return MeshRef{Kind: MeshKindEnvironment, ID: m.ID}
}

// VehicleMesh is an EnvironmentMesh augmented with traversal costs for one
// Vehicle. At most one non-duplicate VehicleMesh exists per
// (EnvironmentMesh, Vehicle, checksum) tuple.
type VehicleMesh struct {
	MeshProperties
	EnvironmentMeshID *uint            `json:"environment_mesh_id"`
	EnvironmentMesh   *EnvironmentMesh `gorm:"constraint:OnDelete:SET NULL" json:"-"`
	VehicleID         *string          `gorm:"size:150" json:"vessel_type"`
	Vehicle           *Vehicle         `gorm:"foreignKey:VehicleID;constraint:OnDelete:CASCADE" json:"-"`
}

func (m *VehicleMesh) Ref() MeshRef {
	return MeshRef{Kind: MeshKindVehicle, ID: m.ID}
}

// IsFor reports whether this mesh was built for the given vessel type.
func (m *VehicleMesh) IsFor(vesselType string) bool {
	return m.VehicleID != nil && *m.VehicleID == vesselType
}
