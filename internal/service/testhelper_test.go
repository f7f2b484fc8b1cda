package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bas-amop/polarrouteserver/internal/client"
	"github.com/bas-amop/polarrouteserver/internal/config"
	"github.com/bas-amop/polarrouteserver/internal/model"
	"github.com/bas-amop/polarrouteserver/internal/store"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return db
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func testRouteConfig() *config.RouteConfig {
	return &config.RouteConfig{
		WaypointDistanceTolerance: 1.0,
		ExpectedDataSources: map[string]string{
			"bathymetry":            "GEBCO",
			"sea ice concentration": "amsr",
		},
		ExpectedDataFiles: map[string]int{
			"GEBCO": 1,
			"amsr":  3,
		},
	}
}

// stubStatus reports a fixed status per job id, PENDING otherwise.
type stubStatus struct {
	statuses map[string]model.JobStatus
	revoked  []string
}

func (s *stubStatus) Status(_ context.Context, taskID string) (model.JobStatus, error) {
	if st, ok := s.statuses[taskID]; ok {
		return st, nil
	}
	return model.StatusPending, nil
}

func (s *stubStatus) SetProgress(context.Context, string) error { return nil }

func (s *stubStatus) Revoke(_ context.Context, taskID string) error {
	s.revoked = append(s.revoked, taskID)
	return nil
}

// fakeEnqueuer records enqueued tasks instead of talking to Redis.
type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

// fakeOptimiser dispatches to overridable function fields.
type fakeOptimiser struct {
	optimiseFn func(ctx context.Context, meshJSON []byte, req *client.RouteRequest) (*client.OptimiseResult, error)
	addVessel  func(ctx context.Context, meshJSON []byte, vessel client.VesselConfig) ([]byte, error)
	evaluate   func(ctx context.Context, routeJSON, meshJSON []byte) (*client.EvaluationResult, error)
}

func (f *fakeOptimiser) OptimiseRoute(ctx context.Context, meshJSON []byte, req *client.RouteRequest) (*client.OptimiseResult, error) {
	if f.optimiseFn == nil {
		return &client.OptimiseResult{}, nil
	}
	return f.optimiseFn(ctx, meshJSON, req)
}

func (f *fakeOptimiser) AddVessel(ctx context.Context, meshJSON []byte, vessel client.VesselConfig) ([]byte, error) {
	if f.addVessel == nil {
		return meshJSON, nil
	}
	return f.addVessel(ctx, meshJSON, vessel)
}

func (f *fakeOptimiser) EvaluateRoute(ctx context.Context, routeJSON, meshJSON []byte) (*client.EvaluationResult, error) {
	if f.evaluate == nil {
		return &client.EvaluationResult{}, nil
	}
	return f.evaluate(ctx, routeJSON, meshJSON)
}

func makeEnvMesh(t *testing.T, db *gorm.DB, name string, latMin, latMax, lonMin, lonMax float64, created time.Time) *model.EnvironmentMesh {
	t.Helper()
	mesh := &model.EnvironmentMesh{
		MeshProperties: model.MeshProperties{
			Name:    name,
			MD5:     uuid.NewString(),
			Created: created,
			LatMin:  latMin,
			LatMax:  latMax,
			LonMin:  lonMin,
			LonMax:  lonMax,
			JSON:    datatypes.JSON(`{}`),
		},
	}
	require.NoError(t, db.Create(mesh).Error)
	return mesh
}

func makeVehicle(t *testing.T, db *gorm.DB, vesselType string) *model.Vehicle {
	t.Helper()
	v := &model.Vehicle{
		VesselType: vesselType,
		MaxSpeed:   26.5,
		Unit:       "km/hr",
		Created:    time.Now().UTC(),
	}
	require.NoError(t, db.Create(v).Error)
	return v
}

func makeRoute(t *testing.T, db *gorm.DB, mesh model.Mesh, startLat, startLon, endLat, endLon float64) *model.Route {
	t.Helper()
	route := &model.Route{
		Requested: time.Now().UTC(),
		StartLat:  startLat,
		StartLon:  startLon,
		EndLat:    endLat,
		EndLon:    endLon,
	}
	route.SetMeshRef(mesh.Ref())
	require.NoError(t, db.Create(route).Error)
	return route
}

func makeJob(t *testing.T, db *gorm.DB, route *model.Route) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:       uuid.NewString(),
		Datetime: time.Now().UTC(),
		RouteID:  route.ID,
	}
	require.NoError(t, db.Create(job).Error)
	return job
}
