package service

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bas-amop/polarrouteserver/internal/model"
)

const metresPerNauticalMile = 1852.0

// RouteDeduplicator decides whether a requested route has already been
// calculated against a mesh, so the computation can be skipped.
type RouteDeduplicator struct {
	db *gorm.DB
	// status reports the live task-queue state of a route's jobs; routes
	// whose latest job failed are never reused.
	status StatusProvider
	// toleranceNM is the waypoint distance tolerance in nautical miles.
	toleranceNM float64
	log         *zap.SugaredLogger
}

func NewRouteDeduplicator(db *gorm.DB, status StatusProvider, toleranceNM float64, log *zap.SugaredLogger) *RouteDeduplicator {
	return &RouteDeduplicator{db: db, status: status, toleranceNM: toleranceNM, log: log}
}

// RouteExists works through meshes in order and returns the first stored
// route matching the waypoints, or nil. An exact coordinate match wins; with
// several exact matches the lowest route id is returned. Failing that, the
// route minimising summed start+end haversine distance qualifies when both
// endpoint distances are strictly inside the tolerance.
func (d *RouteDeduplicator) RouteExists(ctx context.Context, meshes []model.Mesh, startLat, startLon, endLat, endLon float64) (*model.Route, error) {
	for _, mesh := range meshes {
		ref := mesh.Ref()

		var routes []*model.Route
		err := d.db.WithContext(ctx).
			Where("mesh_kind = ? AND mesh_id = ?", ref.Kind, ref.ID).
			Order("id").
			Find(&routes).Error
		if err != nil {
			return nil, err
		}

		candidates, err := d.withoutFailed(ctx, routes)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			continue
		}

		for _, r := range candidates {
			if r.StartLat == startLat && r.StartLon == startLon &&
				r.EndLat == endLat && r.EndLon == endLon {
				return r, nil
			}
		}

		if r := d.closestInTolerance(candidates, startLat, startLon, endLat, endLon); r != nil {
			return r, nil
		}
	}
	return nil, nil
}

// withoutFailed drops routes whose latest job reports FAILURE: a failed
// route is a cache miss, not a reusable result.
func (d *RouteDeduplicator) withoutFailed(ctx context.Context, routes []*model.Route) ([]*model.Route, error) {
	kept := routes[:0]
	for _, r := range routes {
		var job model.Job
		err := d.db.WithContext(ctx).
			Where("route_id = ?", r.ID).
			Order("datetime DESC").
			First(&job).Error
		if err == gorm.ErrRecordNotFound {
			kept = append(kept, r)
			continue
		}
		if err != nil {
			return nil, err
		}

		status, err := d.status.Status(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if status == model.StatusFailure {
			d.log.Debugw("excluding failed route from dedup", "route", r.ID, "job", job.ID)
			continue
		}
		kept = append(kept, r)
	}
	return kept, nil
}

func (d *RouteDeduplicator) closestInTolerance(routes []*model.Route, startLat, startLon, endLat, endLon float64) *model.Route {
	var best *model.Route
	var bestSum float64

	for _, r := range routes {
		startNM := distanceNM(startLat, startLon, r.StartLat, r.StartLon)
		endNM := distanceNM(endLat, endLon, r.EndLat, r.EndLon)
		if startNM >= d.toleranceNM || endNM >= d.toleranceNM {
			continue
		}
		if best == nil || startNM+endNM < bestSum {
			best = r
			bestSum = startNM + endNM
		}
	}
	return best
}

// distanceNM is the great-circle distance between two points in nautical
// miles.
func distanceNM(lat1, lon1, lat2, lon2 float64) float64 {
	return geo.DistanceHaversine(orb.Point{lon1, lat1}, orb.Point{lon2, lat2}) / metresPerNauticalMile
}
