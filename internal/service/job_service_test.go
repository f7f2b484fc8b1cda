package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bas-amop/polarrouteserver/internal/model"
)

func jobFixture(t *testing.T) (*JobService, *stubStatus, *model.Route, *model.Job) {
	db := newTestDB(t)
	mesh := makeEnvMesh(t, db, "arctic", 60, 80, -30, 20,
		time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC))
	route := makeRoute(t, db, mesh, 64.16, -21.99, 78.24, 15.61)
	job := makeJob(t, db, route)

	status := &stubStatus{statuses: map[string]model.JobStatus{}}
	return NewJobService(db, status, testLogger()), status, route, job
}

func TestGetJobReportsLiveStatus(t *testing.T) {
	svc, status, route, job := jobFixture(t)
	status.statuses[job.ID] = model.StatusStarted

	got, st, err := svc.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStarted, st)
	assert.Equal(t, route.ID, got.RouteID)
	require.NotNil(t, got.Route)
	assert.Equal(t, 64.16, got.Route.StartLat)
}

func TestGetJobNotFound(t *testing.T) {
	svc, _, _, _ := jobFixture(t)

	_, _, err := svc.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelJobDeletesRouteAndJobs(t *testing.T) {
	svc, status, route, job := jobFixture(t)
	makeJob(t, svc.db, route)

	require.NoError(t, svc.CancelJob(context.Background(), job.ID))

	assert.Equal(t, []string{job.ID}, status.revoked)

	var routeCount, jobCount int64
	require.NoError(t, svc.db.Model(&model.Route{}).Count(&routeCount).Error)
	require.NoError(t, svc.db.Model(&model.Job{}).Count(&jobCount).Error)
	assert.Zero(t, routeCount)
	assert.Zero(t, jobCount)
}

func TestCancelJobNotFound(t *testing.T) {
	svc, _, _, _ := jobFixture(t)

	err := svc.CancelJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
