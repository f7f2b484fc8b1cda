package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bas-amop/polarrouteserver/internal/client"
	"github.com/bas-amop/polarrouteserver/internal/model"
	"github.com/bas-amop/polarrouteserver/internal/service"
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

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

type fakeOptimiser struct {
	evaluate func(ctx context.Context, routeJSON, meshJSON []byte) (*client.EvaluationResult, error)
}

func (f *fakeOptimiser) OptimiseRoute(context.Context, []byte, *client.RouteRequest) (*client.OptimiseResult, error) {
	return &client.OptimiseResult{}, nil
}

func (f *fakeOptimiser) AddVessel(_ context.Context, meshJSON []byte, _ client.VesselConfig) ([]byte, error) {
	return meshJSON, nil
}

func (f *fakeOptimiser) EvaluateRoute(ctx context.Context, routeJSON, meshJSON []byte) (*client.EvaluationResult, error) {
	if f.evaluate == nil {
		return &client.EvaluationResult{}, nil
	}
	return f.evaluate(ctx, routeJSON, meshJSON)
}

type testApp struct {
	app       *fiber.App
	db        *gorm.DB
	status    *stubStatus
	enqueuer  *fakeEnqueuer
	optimiser *fakeOptimiser
}

// newTestApp wires the API the same way the server entrypoint does, with the
// queue and optimiser replaced by in-process fakes.
func newTestApp(t *testing.T) *testApp {
	t.Helper()
	db := newTestDB(t)
	log := zap.NewNop().Sugar()
	status := &stubStatus{statuses: map[string]model.JobStatus{}}
	enqueuer := &fakeEnqueuer{}
	optimiser := &fakeOptimiser{}
	v := validator.New()

	selector := service.NewMeshSelector(db, log)
	dedup := service.NewRouteDeduplicator(db, status, 1.0, log)
	routes := service.NewRouteService(db, selector, dedup, enqueuer, log)
	vehicles := service.NewVehicleService(db, log)
	jobs := service.NewJobService(db, status, log)

	routeHandler := NewRouteHandler(routes, status, optimiser, v, log)
	vehicleHandler := NewVehicleHandler(vehicles, v, log)
	meshHandler := NewMeshHandler(db, log)
	jobHandler := NewJobHandler(jobs, log)

	app := fiber.New()
	api := app.Group("/api")
	api.Post("/route", routeHandler.Request)
	api.Get("/route/:id", routeHandler.Detail)
	api.Get("/recent_routes", routeHandler.Recent)
	api.Post("/evaluate_route", routeHandler.Evaluate)
	api.Post("/vehicle", vehicleHandler.Upsert)
	api.Get("/vehicle", vehicleHandler.List)
	api.Get("/vehicle/available", vehicleHandler.Available)
	api.Get("/vehicle/:vessel_type", vehicleHandler.Detail)
	api.Delete("/vehicle/:vessel_type", vehicleHandler.Delete)
	api.Get("/mesh/:id", meshHandler.Detail)
	api.Get("/job/:id", jobHandler.Status)
	api.Delete("/job/:id", jobHandler.Cancel)

	return &testApp{app: app, db: db, status: status, enqueuer: enqueuer, optimiser: optimiser}
}

// request sends a JSON request through the fiber app and decodes the JSON
// response body.
func (ta *testApp) request(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ta.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &data), "response body: %s", raw)
	return resp.StatusCode, data
}

func errorMessage(t *testing.T, data map[string]interface{}) string {
	t.Helper()
	info, ok := data["info"].(map[string]interface{})
	require.True(t, ok, "response has no info block: %v", data)
	msg, _ := info["error"].(string)
	return msg
}

func (ta *testApp) makeEnvMesh(t *testing.T, name string, latMin, latMax, lonMin, lonMax float64) *model.EnvironmentMesh {
	t.Helper()
	mesh := &model.EnvironmentMesh{
		MeshProperties: model.MeshProperties{
			Name:    name,
			MD5:     uuid.NewString(),
			Created: time.Now().UTC(),
			LatMin:  latMin, LatMax: latMax, LonMin: lonMin, LonMax: lonMax,
			JSON: datatypes.JSON(`{"config": {"mesh_info": {}}}`),
		},
	}
	require.NoError(t, ta.db.Create(mesh).Error)
	return mesh
}

func (ta *testApp) makeRoute(t *testing.T, mesh model.Mesh) *model.Route {
	t.Helper()
	route := &model.Route{
		Requested: time.Now().UTC(),
		StartLat:  64.16, StartLon: -21.99, EndLat: 78.24, EndLon: 15.61,
	}
	route.SetMeshRef(mesh.Ref())
	require.NoError(t, ta.db.Create(route).Error)
	return route
}

func (ta *testApp) makeJob(t *testing.T, route *model.Route) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:       uuid.NewString(),
		Datetime: time.Now().UTC(),
		RouteID:  route.ID,
	}
	require.NoError(t, ta.db.Create(job).Error)
	return job
}

func routeRequestBody() map[string]interface{} {
	return map[string]interface{}{
		"start_lat":    64.16,
		"start_lon":    -21.99,
		"end_lat":      78.24,
		"end_lon":      15.61,
		"vehicle_type": "SDA",
	}
}
