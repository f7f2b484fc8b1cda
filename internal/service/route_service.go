package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bas-amop/polarrouteserver/internal/client"
	"github.com/bas-amop/polarrouteserver/internal/model"
	"github.com/bas-amop/polarrouteserver/internal/store"
)

const (
	TaskTypeRouteOptimise = "route:optimise"
	TaskTypeMeshImport    = "mesh:import"
)

// jobRetention keeps completed task state inspectable for status polling.
const jobRetention = 7 * 24 * time.Hour

// RouteTaskPayload is the body of a route optimisation task. Backup meshes
// are carried in the payload so each retry attempt owns its remaining
// fallback list.
type RouteTaskPayload struct {
	RouteID      uint            `json:"route_id"`
	VehicleType  string          `json:"vehicle_type"`
	BackupMeshes []model.MeshRef `json:"backup_meshes,omitempty"`
}

func NewRouteTask(payload RouteTaskPayload) (*asynq.Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal route task payload: %w", err)
	}
	return asynq.NewTask(TaskTypeRouteOptimise, b), nil
}

// Enqueuer abstracts the task queue client for testing.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// RouteRequestInput is a validated route request.
type RouteRequestInput struct {
	StartLat      float64
	StartLon      float64
	EndLat        float64
	EndLon        float64
	StartName     *string
	EndName       *string
	VehicleType   string
	MeshID        *uint
	MeshKind      *model.MeshKind
	ForceNewRoute bool
}

// RouteRequestResult is the outcome of a route request. Either an existing
// job was reused or a new one was enqueued; Message carries the reuse hint.
type RouteRequestResult struct {
	JobID   string
	RouteID uint
	Reused  bool
	Message string
}

// RouteService owns the request-side route lifecycle: mesh selection,
// deduplication and job creation. The calculation itself runs on the worker.
type RouteService struct {
	db       *gorm.DB
	selector *MeshSelector
	dedup    *RouteDeduplicator
	enqueuer Enqueuer
	log      *zap.SugaredLogger
}

func NewRouteService(db *gorm.DB, selector *MeshSelector, dedup *RouteDeduplicator, enqueuer Enqueuer, log *zap.SugaredLogger) *RouteService {
	return &RouteService{db: db, selector: selector, dedup: dedup, enqueuer: enqueuer, log: log}
}

// RequestRoute selects meshes for the requested waypoints, reuses an existing
// route when one matches, and otherwise creates a Route row and enqueues an
// optimisation task for it.
func (s *RouteService) RequestRoute(ctx context.Context, in *RouteRequestInput) (*RouteRequestResult, error) {
	var meshes []model.Mesh
	if in.MeshID != nil {
		mesh, err := LookupMesh(ctx, s.db, in.MeshKind, *in.MeshID)
		if err != nil {
			return nil, err
		}
		meshes = []model.Mesh{mesh}
	} else {
		var err error
		meshes, err = s.selector.SelectMesh(ctx, in.StartLat, in.StartLon, in.EndLat, in.EndLon)
		if err != nil {
			return nil, err
		}
	}
	if len(meshes) == 0 {
		return nil, ErrNoMesh
	}

	if !in.ForceNewRoute {
		existing, err := s.dedup.RouteExists(ctx, meshes, in.StartLat, in.StartLon, in.EndLat, in.EndLon)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.reuseRoute(ctx, existing)
		}
	}

	primary := meshes[0].Ref()
	backups := make([]model.MeshRef, 0, len(meshes)-1)
	for _, m := range meshes[1:] {
		backups = append(backups, m.Ref())
	}
	s.log.Debugw("using primary mesh", "primary", primary, "backups", backups)

	route := &model.Route{
		Requested: time.Now().UTC(),
		StartLat:  in.StartLat,
		StartLon:  in.StartLon,
		EndLat:    in.EndLat,
		EndLon:    in.EndLon,
		StartName: in.StartName,
		EndName:   in.EndName,
	}
	route.SetMeshRef(primary)

	jobID := uuid.NewString()

	// An advisory lock over (mesh, waypoints) closes the window in which two
	// identical requests could both miss dedup and create duplicate rows.
	lockKey := store.RouteLockKey(primary, in.StartLat, in.StartLon, in.EndLat, in.EndLon)
	err := store.WithRouteLock(s.db.WithContext(ctx), lockKey, func(tx *gorm.DB) error {
		if !in.ForceNewRoute {
			// Re-check exact matches now that we hold the lock.
			var winner model.Route
			err := tx.
				Where("mesh_kind = ? AND mesh_id = ?", primary.Kind, primary.ID).
				Where("start_lat = ? AND start_lon = ? AND end_lat = ? AND end_lon = ?",
					in.StartLat, in.StartLon, in.EndLat, in.EndLon).
				Order("id").
				First(&winner).Error
			if err == nil {
				route = &winner
				var job model.Job
				if jerr := tx.Where("route_id = ?", winner.ID).Order("datetime DESC").First(&job).Error; jerr == nil {
					jobID = job.ID
					return nil
				}
			} else if err != gorm.ErrRecordNotFound {
				return err
			}
		}

		if route.ID == 0 {
			if err := tx.Create(route).Error; err != nil {
				return err
			}
		}

		task, err := NewRouteTask(RouteTaskPayload{
			RouteID:      route.ID,
			VehicleType:  in.VehicleType,
			BackupMeshes: backups,
		})
		if err != nil {
			return err
		}
		_, err = s.enqueuer.EnqueueContext(ctx, task,
			asynq.TaskID(jobID),
			asynq.Queue(RouteQueue),
			asynq.MaxRetry(0),
			asynq.Retention(jobRetention),
		)
		if err != nil {
			return fmt.Errorf("failed to enqueue route task: %w", err)
		}

		return tx.Create(&model.Job{
			ID:       jobID,
			Datetime: time.Now().UTC(),
			RouteID:  route.ID,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	return &RouteRequestResult{JobID: jobID, RouteID: route.ID}, nil
}

func (s *RouteService) reuseRoute(ctx context.Context, existing *model.Route) (*RouteRequestResult, error) {
	s.log.Infow("existing route found", "route", existing.ID)

	var job model.Job
	err := s.db.WithContext(ctx).
		Where("route_id = ?", existing.ID).
		Order("datetime DESC").
		First(&job).Error
	if err == gorm.ErrRecordNotFound {
		// Route row without any job, e.g. after manual insertion.
		return &RouteRequestResult{
			RouteID: existing.ID,
			Reused:  true,
			Message: "Pre-existing route was found but there was an error with the job. To force new calculation, include 'force_new_route': true in POST request.",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	return &RouteRequestResult{
		JobID:   job.ID,
		RouteID: existing.ID,
		Reused:  true,
		Message: "Pre-existing route found. Job already exists. To force new calculation, include 'force_new_route': true in POST request.",
	}, nil
}

// GetRoute fetches a route row by id.
func (s *RouteService) GetRoute(ctx context.Context, id uint) (*model.Route, error) {
	var route model.Route
	err := s.db.WithContext(ctx).First(&route, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrRouteNotFound
	}
	if err != nil {
		return nil, err
	}
	return &route, nil
}

// RecentRouteEntry pairs a job with its route for the recent-routes listing.
type RecentRouteEntry struct {
	Job    model.Job
	Status model.JobStatus
}

// RecentRoutes lists today's jobs, newest first, each with its live status.
func (s *RouteService) RecentRoutes(ctx context.Context, status StatusProvider) ([]RecentRouteEntry, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)

	var jobs []model.Job
	err := s.db.WithContext(ctx).
		Preload("Route").
		Where("datetime >= ?", midnight).
		Order("datetime DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}

	entries := make([]RecentRouteEntry, 0, len(jobs))
	for _, job := range jobs {
		st, err := status.Status(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, RecentRouteEntry{Job: job, Status: st})
	}
	return entries, nil
}

// EvaluateRoute runs an externally supplied geojson route through the
// optimiser's evaluation endpoint against a stored mesh.
func (s *RouteService) EvaluateRoute(ctx context.Context, optimiser client.RouteOptimiser, routeJSON []byte, meshKind *model.MeshKind, meshID *uint) (*client.EvaluationResult, model.MeshRef, error) {
	var mesh model.Mesh
	if meshID != nil {
		m, err := LookupMesh(ctx, s.db, meshKind, *meshID)
		if err != nil {
			return nil, model.MeshRef{}, err
		}
		mesh = m
	} else {
		meshes, err := s.selector.SelectMeshForRouteEvaluation(ctx, routeJSON)
		if err != nil {
			return nil, model.MeshRef{}, err
		}
		if len(meshes) == 0 {
			return nil, model.MeshRef{}, ErrNoMesh
		}
		mesh = meshes[0]
	}

	result, err := optimiser.EvaluateRoute(ctx, routeJSON, mesh.Properties().JSON)
	if err != nil {
		return nil, model.MeshRef{}, err
	}
	return result, mesh.Ref(), nil
}

// LookupMesh resolves a mesh id to a row. When kind is nil both tables are
// tried, vehicle meshes first.
func LookupMesh(ctx context.Context, db *gorm.DB, kind *model.MeshKind, id uint) (model.Mesh, error) {
	tryVehicle := kind == nil || *kind == model.MeshKindVehicle
	tryEnvironment := kind == nil || *kind == model.MeshKindEnvironment

	if tryVehicle {
		var vm model.VehicleMesh
		err := db.WithContext(ctx).First(&vm, id).Error
		if err == nil {
			return &vm, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
	}
	if tryEnvironment {
		var em model.EnvironmentMesh
		err := db.WithContext(ctx).First(&em, id).Error
		if err == nil {
			return &em, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
	}
	return nil, ErrMeshNotFound
}

// objectiveFunctions are the optimisation objectives every calculated route
// carries, in response order.
var objectiveFunctions = [...]string{"traveltime", "fuel"}

// RouteResponse is the assembled representation of a route for API clients.
type RouteResponse struct {
	StartLat          float64                `json:"start_lat"`
	StartLon          float64                `json:"start_lon"`
	EndLat            float64                `json:"end_lat"`
	EndLon            float64                `json:"end_lon"`
	StartName         *string                `json:"start_name"`
	EndName           *string                `json:"end_name"`
	JSON              []json.RawMessage      `json:"json"`
	JSONUnsmoothed    []json.RawMessage      `json:"json_unsmoothed"`
	PolarRouteVersion *string                `json:"polar_route_version"`
	Info              map[string]interface{} `json:"info"`
	Mesh              *model.MeshRef         `json:"mesh"`
}

// BuildRouteResponse assembles a route for the API, substituting the
// unsmoothed variant per objective when smoothing failed.
func BuildRouteResponse(route *model.Route) *RouteResponse {
	resp := &RouteResponse{
		StartLat:          route.StartLat,
		StartLon:          route.StartLon,
		EndLat:            route.EndLat,
		EndLon:            route.EndLon,
		StartName:         route.StartName,
		EndName:           route.EndName,
		PolarRouteVersion: route.PolarRouteVersion,
		Info:              map[string]interface{}{},
	}
	for k, v := range route.Info {
		resp.Info[k] = v
	}
	if ref, ok := route.MeshRef(); ok {
		resp.Mesh = &ref
	}

	smoothed := routeSetsByObjective(route.JSON)
	unsmoothed := routeSetsByObjective(route.JSONUnsmoothed)
	for _, u := range unsmoothed {
		resp.JSONUnsmoothed = append(resp.JSONUnsmoothed, u...)
	}

	for _, objective := range objectiveFunctions {
		switch {
		case len(smoothed[objective]) > 0:
			resp.JSON = append(resp.JSON, smoothed[objective]...)
		case len(unsmoothed[objective]) > 0:
			resp.JSON = append(resp.JSON, unsmoothed[objective]...)
			resp.Info["error"] = fmt.Sprintf(
				"Smoothing failed for %s-optimisation, returning unsmoothed route.", objective)
		case route.Calculated != nil:
			resp.Info["error"] = fmt.Sprintf("No routes available for %s-optimisation.", objective)
		}
	}
	return resp
}

// routeSetsByObjective splits a stored route blob, which is a list of
// per-objective route sets, keyed by each set's objective_function property.
func routeSetsByObjective(blob []byte) map[string][]json.RawMessage {
	out := map[string][]json.RawMessage{}
	if len(blob) == 0 {
		return out
	}

	var sets []json.RawMessage
	if err := json.Unmarshal(blob, &sets); err != nil {
		return out
	}
	for _, set := range sets {
		var features []struct {
			Features []struct {
				Properties struct {
					ObjectiveFunction string `json:"objective_function"`
				} `json:"properties"`
			} `json:"features"`
		}
		if err := json.Unmarshal(set, &features); err != nil || len(features) == 0 || len(features[0].Features) == 0 {
			continue
		}
		objective := features[0].Features[0].Properties.ObjectiveFunction
		out[objective] = append(out[objective], set)
	}
	return out
}
