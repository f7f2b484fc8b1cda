package service

import (
	"context"
	"sort"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bas-amop/polarrouteserver/internal/model"
)

// MeshSelector finds candidate meshes for a pair of waypoints.
type MeshSelector struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewMeshSelector(db *gorm.DB, log *zap.SugaredLogger) *MeshSelector {
	return &MeshSelector{db: db, log: log}
}

// SelectMesh returns the meshes whose bounding box contains both waypoints,
// restricted to the most recent creation date among them and ordered smallest
// (highest resolution) first. The first element is the primary mesh, the rest
// are backups. Returns nil when no mesh contains both points.
func (s *MeshSelector) SelectMesh(ctx context.Context, startLat, startLon, endLat, endLon float64) ([]model.Mesh, error) {
	containing, err := s.containingMeshes(ctx, startLat, startLon, endLat, endLon)
	if err != nil {
		return nil, err
	}
	if len(containing) == 0 {
		return nil, nil
	}

	// Restrict to meshes created on the most recent creation date. Ties on
	// recency are broken by size only.
	latest := containing[0].Properties().Created
	for _, m := range containing[1:] {
		if m.Properties().Created.After(latest) {
			latest = m.Properties().Created
		}
	}
	ly, lm, ld := latest.UTC().Date()

	candidates := containing[:0]
	for _, m := range containing {
		y, mo, d := m.Properties().Created.UTC().Date()
		if y == ly && mo == lm && d == ld {
			candidates = append(candidates, m)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Size() < candidates[j].Size()
	})

	ids := make([]model.MeshRef, len(candidates))
	for i, m := range candidates {
		ids[i] = m.Ref()
	}
	s.log.Debugw("selected meshes", "refs", ids)

	return candidates, nil
}

// SelectMeshForRouteEvaluation picks meshes containing every coordinate of a
// geojson route, via the route's bounding box.
func (s *MeshSelector) SelectMeshForRouteEvaluation(ctx context.Context, routeJSON []byte) ([]model.Mesh, error) {
	fc, err := geojson.UnmarshalFeatureCollection(routeJSON)
	if err != nil || len(fc.Features) == 0 {
		// A single feature is also accepted.
		f, ferr := geojson.UnmarshalFeature(routeJSON)
		if ferr != nil {
			return nil, errInvalidRouteJSON(err, ferr)
		}
		fc = geojson.NewFeatureCollection()
		fc.Append(f)
	}

	bound := fc.Features[0].Geometry.Bound()
	for _, f := range fc.Features[1:] {
		bound = bound.Union(f.Geometry.Bound())
	}

	return s.SelectMesh(ctx, bound.Min.Lat(), bound.Min.Lon(), bound.Max.Lat(), bound.Max.Lon())
}

func (s *MeshSelector) containingMeshes(ctx context.Context, startLat, startLon, endLat, endLon float64) ([]model.Mesh, error) {
	contains := func(tx *gorm.DB) *gorm.DB {
		return tx.
			Where("lat_min <= ? AND lat_max >= ? AND lon_min <= ? AND lon_max >= ?",
				startLat, startLat, startLon, startLon).
			Where("lat_min <= ? AND lat_max >= ? AND lon_min <= ? AND lon_max >= ?",
				endLat, endLat, endLon, endLon)
	}

	var envs []*model.EnvironmentMesh
	if err := contains(s.db.WithContext(ctx)).Find(&envs).Error; err != nil {
		return nil, err
	}
	var vms []*model.VehicleMesh
	if err := contains(s.db.WithContext(ctx)).Find(&vms).Error; err != nil {
		return nil, err
	}

	meshes := make([]model.Mesh, 0, len(envs)+len(vms))
	for _, m := range envs {
		meshes = append(meshes, m)
	}
	for _, m := range vms {
		meshes = append(meshes, m)
	}
	return meshes, nil
}
