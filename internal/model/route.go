package model

import (
	"time"

	"gorm.io/datatypes"
)

// Route is one requested start→end path and its (possibly absent) computed
// geometries. JSON and JSONUnsmoothed each hold a list of per-objective
// geojson route sets (traveltime, fuel). Mutated only at creation time and by
// the optimisation worker.
type Route struct {
	ID                uint `gorm:"primaryKey" json:"id"`
	Requested         time.Time
	Calculated        *time.Time
	Info              datatypes.JSONMap
	MeshKind          *MeshKind `gorm:"size:20"`
	MeshID            *uint
	StartLat          float64
	StartLon          float64
	EndLat            float64
	EndLon            float64
	StartName         *string `gorm:"size:100"`
	EndName           *string `gorm:"size:100"`
	JSON              datatypes.JSON
	JSONUnsmoothed    datatypes.JSON
	PolarRouteVersion *string `gorm:"size:60"`
}

// MeshRef returns the route's current mesh reference, if any. The ref always
// points at the mesh actually used for the last attempted calculation; the
// worker updates it on backup-mesh substitution.
func (r *Route) MeshRef() (MeshRef, bool) {
	if r.MeshKind == nil || r.MeshID == nil {
		return MeshRef{}, false
	}
	return MeshRef{Kind: *r.MeshKind, ID: *r.MeshID}, true
}

// SetMeshRef points the route at a new mesh.
func (r *Route) SetMeshRef(ref MeshRef) {
	kind := ref.Kind
	id := ref.ID
	r.MeshKind = &kind
	r.MeshID = &id
}
