package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bas-amop/polarrouteserver/internal/model"
)

// RouteQueue is the task queue all optimisation and import tasks run on.
const RouteQueue = "routes"

// statusMarkerTTL bounds how long progress and revocation markers outlive
// their task.
const statusMarkerTTL = 7 * 24 * time.Hour

// StatusProvider reports and manipulates the live state of queued tasks.
// Status is a pure function of the task id: nothing about status is stored on
// the Job row itself.
type StatusProvider interface {
	Status(ctx context.Context, taskID string) (model.JobStatus, error)
	// SetProgress marks a running task as having reported intermediate
	// progress, upgrading its visible status from STARTED to PROGRESS.
	SetProgress(ctx context.Context, taskID string) error
	// Revoke cancels a task. Pending tasks are removed from the queue;
	// running tasks get a cancellation signal. The task reads as REVOKED
	// afterwards either way.
	Revoke(ctx context.Context, taskID string) error
}

// AsynqStatusProvider derives job status from the asynq inspector, augmented
// with two Redis marker keys the queue itself has no notion of: a progress
// flag set by the worker and a revocation flag set on cancel.
type AsynqStatusProvider struct {
	inspector *asynq.Inspector
	rdb       *redis.Client
	log       *zap.SugaredLogger
}

func NewAsynqStatusProvider(inspector *asynq.Inspector, rdb *redis.Client, log *zap.SugaredLogger) *AsynqStatusProvider {
	return &AsynqStatusProvider{inspector: inspector, rdb: rdb, log: log}
}

func progressKey(taskID string) string { return "polarroute:job:" + taskID + ":progress" }
func revokedKey(taskID string) string  { return "polarroute:job:" + taskID + ":revoked" }

func (p *AsynqStatusProvider) Status(ctx context.Context, taskID string) (model.JobStatus, error) {
	revoked, err := p.rdb.Exists(ctx, revokedKey(taskID)).Result()
	if err != nil {
		return "", fmt.Errorf("failed to check revocation marker: %w", err)
	}
	if revoked > 0 {
		return model.StatusRevoked, nil
	}

	info, err := p.inspector.GetTaskInfo(RouteQueue, taskID)
	if err != nil {
		// A task the queue has never heard of, or one whose queue does not
		// exist yet, reads as PENDING rather than erroring.
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return model.StatusPending, nil
		}
		return "", fmt.Errorf("failed to inspect task %s: %w", taskID, err)
	}

	switch info.State {
	case asynq.TaskStateActive:
		inProgress, err := p.rdb.Exists(ctx, progressKey(taskID)).Result()
		if err != nil {
			return "", fmt.Errorf("failed to check progress marker: %w", err)
		}
		if inProgress > 0 {
			return model.StatusProgress, nil
		}
		return model.StatusStarted, nil
	case asynq.TaskStateRetry:
		return model.StatusRetry, nil
	case asynq.TaskStateArchived:
		return model.StatusFailure, nil
	case asynq.TaskStateCompleted:
		return model.StatusSuccess, nil
	default:
		// pending, scheduled, aggregating
		return model.StatusPending, nil
	}
}

func (p *AsynqStatusProvider) SetProgress(ctx context.Context, taskID string) error {
	return p.rdb.Set(ctx, progressKey(taskID), "1", statusMarkerTTL).Err()
}

func (p *AsynqStatusProvider) Revoke(ctx context.Context, taskID string) error {
	if err := p.rdb.Set(ctx, revokedKey(taskID), "1", statusMarkerTTL).Err(); err != nil {
		return fmt.Errorf("failed to set revocation marker: %w", err)
	}

	// Not-yet-running tasks can be deleted outright; a running task only
	// receives a cancellation signal and winds down on its own.
	err := p.inspector.DeleteTask(RouteQueue, taskID)
	if err == nil {
		return nil
	}
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	if cancelErr := p.inspector.CancelProcessing(taskID); cancelErr != nil {
		p.log.Warnw("failed to cancel running task", "task", taskID, "error", cancelErr)
	}
	return nil
}

// JobService answers job status queries and handles cancellation.
type JobService struct {
	db     *gorm.DB
	status StatusProvider
	log    *zap.SugaredLogger
}

func NewJobService(db *gorm.DB, status StatusProvider, log *zap.SugaredLogger) *JobService {
	return &JobService{db: db, status: status, log: log}
}

// GetJob returns a job row together with its live queue status.
func (s *JobService) GetJob(ctx context.Context, id string) (*model.Job, model.JobStatus, error) {
	var job model.Job
	err := s.db.WithContext(ctx).Preload("Route").Where("id = ?", id).First(&job).Error
	if err == gorm.ErrRecordNotFound {
		return nil, "", ErrJobNotFound
	}
	if err != nil {
		return nil, "", err
	}

	status, err := s.status.Status(ctx, job.ID)
	if err != nil {
		return nil, "", err
	}
	return &job, status, nil
}

// CancelJob revokes the queued task and deletes the owning route. Deleting
// the route is deliberate: a cancelled calculation leaves nothing reusable,
// and keeping the row would make it a dedup candidate.
func (s *JobService) CancelJob(ctx context.Context, id string) error {
	var job model.Job
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err == gorm.ErrRecordNotFound {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}

	if err := s.status.Revoke(ctx, job.ID); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// All sibling jobs go with the route.
		if err := tx.Where("route_id = ?", job.RouteID).Delete(&model.Job{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Route{}, job.RouteID).Error
	})
}
