package model

import "time"

// JobStatus is the live task-queue state of a calculation job. Status is
// never persisted; it is derived on read from the queue by task id.
type JobStatus string

const (
	StatusPending  JobStatus = "PENDING"
	StatusStarted  JobStatus = "STARTED"
	StatusProgress JobStatus = "PROGRESS"
	StatusSuccess  JobStatus = "SUCCESS"
	StatusFailure  JobStatus = "FAILURE"
	StatusRetry    JobStatus = "RETRY"
	StatusRevoked  JobStatus = "REVOKED"
)

// Job is one execution attempt of the route-optimisation task. Its primary
// key is the task queue's own execution identifier so status lookups are a
// direct pass-through. Retrying against a backup mesh creates a new Job for
// the same Route.
type Job struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	Datetime time.Time
	RouteID  uint
	Route    *Route `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}
