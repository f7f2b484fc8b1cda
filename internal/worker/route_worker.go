package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/bas-amop/polarrouteserver/internal/client"
	"github.com/bas-amop/polarrouteserver/internal/model"
	"github.com/bas-amop/polarrouteserver/internal/service"
)

// OutcomeKind classifies how a calculation attempt ended.
type OutcomeKind int

const (
	// OutcomeSuccess means results were persisted onto the route.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetry means the route was moved to a backup mesh and a
	// continuation task should be enqueued. The attempt itself is not a
	// failure.
	OutcomeRetry
	// OutcomeFailed means the error was persisted to route.info and the task
	// must surface as FAILURE.
	OutcomeFailed
)

// Outcome is the explicit result of one calculation attempt. The harness, not
// the calculation, decides whether to enqueue a continuation, keeping retry
// control flow out of the error channel.
type Outcome struct {
	Kind OutcomeKind
	// Next is the continuation payload when Kind is OutcomeRetry.
	Next service.RouteTaskPayload
	Err  error
}

// RouteWorker executes route optimisation tasks.
type RouteWorker struct {
	db        *gorm.DB
	optimiser client.RouteOptimiser
	ingestor  *service.MeshIngestor
	enqueuer  service.Enqueuer
	status    service.StatusProvider
	log       *zap.SugaredLogger
}

func NewRouteWorker(db *gorm.DB, optimiser client.RouteOptimiser, ingestor *service.MeshIngestor, enqueuer service.Enqueuer, status service.StatusProvider, log *zap.SugaredLogger) *RouteWorker {
	return &RouteWorker{
		db:        db,
		optimiser: optimiser,
		ingestor:  ingestor,
		enqueuer:  enqueuer,
		status:    status,
		log:       log,
	}
}

// ProcessTask is the asynq handler for route optimisation tasks.
func (w *RouteWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	taskID, _ := asynq.GetTaskID(ctx)

	var payload service.RouteTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to parse route task payload: %v: %w", err, asynq.SkipRetry)
	}

	outcome := w.calculate(ctx, taskID, &payload)
	switch outcome.Kind {
	case OutcomeSuccess:
		return nil
	case OutcomeRetry:
		if err := w.enqueueContinuation(ctx, &outcome.Next); err != nil {
			w.log.Errorw("failed to enqueue continuation", "route", payload.RouteID, "error", err)
			return fmt.Errorf("failed to enqueue continuation: %v: %w", err, asynq.SkipRetry)
		}
		return nil
	default:
		w.log.Errorw("route calculation failed", "route", payload.RouteID, "error", outcome.Err)
		return fmt.Errorf("route %d: %v: %w", payload.RouteID, outcome.Err, asynq.SkipRetry)
	}
}

// enqueueContinuation schedules the next backup-mesh attempt under a fresh
// job id. Exactly one new Job row per retry attempt.
func (w *RouteWorker) enqueueContinuation(ctx context.Context, payload *service.RouteTaskPayload) error {
	task, err := service.NewRouteTask(*payload)
	if err != nil {
		return err
	}

	jobID := uuid.NewString()
	_, err = w.enqueuer.EnqueueContext(ctx, task,
		asynq.TaskID(jobID),
		asynq.Queue(service.RouteQueue),
		asynq.MaxRetry(0),
		asynq.Retention(7*24*time.Hour),
	)
	if err != nil {
		return err
	}

	return w.db.WithContext(ctx).Create(&model.Job{
		ID:       jobID,
		Datetime: time.Now().UTC(),
		RouteID:  payload.RouteID,
	}).Error
}

func (w *RouteWorker) calculate(ctx context.Context, taskID string, payload *service.RouteTaskPayload) Outcome {
	var route model.Route
	if err := w.db.WithContext(ctx).First(&route, payload.RouteID).Error; err != nil {
		return Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("route %d not found: %w", payload.RouteID, err)}
	}
	w.log.Infow("running route optimisation", "route", route.ID, "task", taskID)

	if payload.VehicleType == "" {
		return w.fail(ctx, &route, errors.New("vehicle_type is required for route calculation"))
	}

	var vehicle model.Vehicle
	err := w.db.WithContext(ctx).Where("vessel_type = ?", payload.VehicleType).First(&vehicle).Error
	if err == gorm.ErrRecordNotFound {
		return w.fail(ctx, &route, fmt.Errorf("vehicle type %q not found in database", payload.VehicleType))
	}
	if err != nil {
		return w.fail(ctx, &route, err)
	}

	ref, ok := route.MeshRef()
	if !ok {
		return w.fail(ctx, &route, errors.New("route has no mesh"))
	}

	mesh, err := w.resolveVehicleMesh(ctx, ref, &vehicle)
	if err != nil {
		return w.fail(ctx, &route, err)
	}
	if mesh.Ref() != ref {
		route.SetMeshRef(mesh.Ref())
		if err := w.db.WithContext(ctx).Save(&route).Error; err != nil {
			return w.fail(ctx, &route, err)
		}
	}

	w.addMeshWarnings(&route, mesh)

	if err := w.status.SetProgress(ctx, taskID); err != nil {
		w.log.Warnw("failed to set progress marker", "task", taskID, "error", err)
	}

	result, err := w.optimiser.OptimiseRoute(ctx, mesh.JSON, &client.RouteRequest{
		StartLat:  route.StartLat,
		StartLon:  route.StartLon,
		EndLat:    route.EndLat,
		EndLon:    route.EndLon,
		StartName: nameOrDefault(route.StartName, "Start"),
		EndName:   nameOrDefault(route.EndName, "End"),
	})
	if err != nil {
		return w.handleOptimiseError(ctx, &route, &vehicle, payload, err)
	}

	now := time.Now().UTC()
	route.Calculated = &now
	route.PolarRouteVersion = &result.PolarRouteVersion
	if b, merr := json.Marshal(result.Smoothed); merr == nil {
		route.JSON = datatypes.JSON(b)
	}
	if b, merr := json.Marshal(result.Unsmoothed); merr == nil {
		route.JSONUnsmoothed = datatypes.JSON(b)
	}
	if err := w.db.WithContext(ctx).Save(&route).Error; err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}

	w.log.Infow("route optimisation complete", "route", route.ID)
	return Outcome{Kind: OutcomeSuccess}
}

// handleOptimiseError decides between a backup-mesh retry and terminal
// failure.
func (w *RouteWorker) handleOptimiseError(ctx context.Context, route *model.Route, vehicle *model.Vehicle, payload *service.RouteTaskPayload, cause error) Outcome {
	if !errors.Is(cause, client.ErrInaccessible) || len(payload.BackupMeshes) == 0 {
		return w.fail(ctx, route, cause)
	}

	backup := payload.BackupMeshes[0]
	w.log.Infow("no routes found on mesh, trying backup",
		"route", route.ID, "backup", backup, "remaining", len(payload.BackupMeshes)-1)

	mesh, err := w.resolveVehicleMesh(ctx, backup, vehicle)
	if err != nil {
		w.log.Errorw("backup mesh resolution failed", "route", route.ID, "backup", backup, "error", err)
		route.Info = datatypes.JSONMap{"error": "No accessible mesh found for route calculation"}
		if serr := w.db.WithContext(ctx).Save(route).Error; serr != nil {
			w.log.Errorw("failed to persist route error", "route", route.ID, "error", serr)
		}
		return Outcome{Kind: OutcomeFailed, Err: cause}
	}

	route.SetMeshRef(mesh.Ref())
	route.Info = datatypes.JSONMap{"info": "Route inaccessible on mesh, trying next mesh."}
	if err := w.db.WithContext(ctx).Save(route).Error; err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}

	return Outcome{
		Kind: OutcomeRetry,
		Next: service.RouteTaskPayload{
			RouteID:      route.ID,
			VehicleType:  payload.VehicleType,
			BackupMeshes: payload.BackupMeshes[1:],
		},
	}
}

// resolveVehicleMesh upgrades any mesh reference to a VehicleMesh for the
// requested vehicle. Calculation never runs on a bare EnvironmentMesh.
func (w *RouteWorker) resolveVehicleMesh(ctx context.Context, ref model.MeshRef, vehicle *model.Vehicle) (*model.VehicleMesh, error) {
	switch ref.Kind {
	case model.MeshKindVehicle:
		var vm model.VehicleMesh
		if err := w.db.WithContext(ctx).First(&vm, ref.ID).Error; err != nil {
			return nil, fmt.Errorf("vehicle mesh %d not found: %w", ref.ID, err)
		}
		if vm.IsFor(vehicle.VesselType) {
			return &vm, nil
		}
		if vm.EnvironmentMeshID == nil {
			return nil, fmt.Errorf("vehicle mesh %d has no associated environment mesh", ref.ID)
		}
		return w.vehicleMeshFromEnvironment(ctx, *vm.EnvironmentMeshID, vehicle)
	case model.MeshKindEnvironment:
		return w.vehicleMeshFromEnvironment(ctx, ref.ID, vehicle)
	default:
		return nil, fmt.Errorf("unexpected mesh type %q", ref.Kind)
	}
}

// vehicleMeshFromEnvironment reuses an existing VehicleMesh for the
// (environment, vehicle) pair or synthesises one.
func (w *RouteWorker) vehicleMeshFromEnvironment(ctx context.Context, envID uint, vehicle *model.Vehicle) (*model.VehicleMesh, error) {
	var existing model.VehicleMesh
	err := w.db.WithContext(ctx).
		Where("environment_mesh_id = ? AND vehicle_id = ?", envID, vehicle.VesselType).
		Order("created DESC").
		First(&existing).Error
	if err == nil {
		w.log.Infow("using existing vehicle mesh", "mesh", existing.ID, "vessel_type", vehicle.VesselType)
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	var env model.EnvironmentMesh
	if err := w.db.WithContext(ctx).First(&env, envID).Error; err != nil {
		return nil, fmt.Errorf("environment mesh %d not found: %w", envID, err)
	}
	return w.ingestor.AddVehicleToEnvironmentMesh(ctx, &env, vehicle)
}

// addMeshWarnings records staleness and data-completeness diagnostics onto
// the route before calculation.
func (w *RouteWorker) addMeshWarnings(route *model.Route, mesh *model.VehicleMesh) {
	var info string

	today := time.Now().UTC().Truncate(24 * time.Hour)
	if mesh.Created.Before(today) {
		info = fmt.Sprintf("Latest available mesh from %s", mesh.Created.Format("2006/01/02 15:04:05"))
	}
	if warning := w.ingestor.CheckMeshData(mesh); warning != "" {
		info += warning
	}
	if info == "" {
		return
	}

	if route.Info == nil {
		route.Info = datatypes.JSONMap{}
	}
	if prior, ok := route.Info["info"].(string); ok {
		route.Info["info"] = prior + info
	} else {
		route.Info["info"] = info
	}
}

// fail persists the error onto the route and returns a failure outcome.
func (w *RouteWorker) fail(ctx context.Context, route *model.Route, cause error) Outcome {
	route.Info = datatypes.JSONMap{"error": cause.Error()}
	if err := w.db.WithContext(ctx).Save(route).Error; err != nil {
		w.log.Errorw("failed to persist route error", "route", route.ID, "error", err)
	}
	return Outcome{Kind: OutcomeFailed, Err: cause}
}

func nameOrDefault(name *string, fallback string) string {
	if name != nil && *name != "" {
		return *name
	}
	return fallback
}
