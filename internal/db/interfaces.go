// Package db persists email jobs, their schedule entries and the hourly
// rate buckets. Postgres is the primary backend; SQLite serves single-node
// deployments and tests.
package db

import (
	"context"
	"time"

	"github.com/Sumant3086/ReachInbox-Assignment/internal/models"
)

// Ledger is the durable record of every email job and its lifecycle.
type Ledger interface {
	CreateJob(ctx context.Context, job *models.EmailJob) error
	GetJob(ctx context.Context, id string) (models.EmailJob, error)
	// MarkSent and MarkFailed only transition jobs that are still scheduled.
	// They return models.ErrJobFinalized for terminal jobs.
	MarkSent(ctx context.Context, id string, sentAt time.Time, attempts int) error
	MarkFailed(ctx context.Context, id string, errMsg string, attempts int) error
	ListByStatus(ctx context.Context, sender string, statuses ...models.EmailStatus) ([]models.EmailJob, error)
}

// Queue is the time-indexed schedule table. There is at most one entry per
// job id.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, fireAt, now time.Time) error
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.Claim, error)
	Reschedule(ctx context.Context, c models.Claim, fireAt time.Time, attempt int) error
	Complete(ctx context.Context, c models.Claim) error
	// Renew extends a live lease to now+lease. It returns models.ErrLeaseLost
	// when the token no longer owns the entry or the lease already ran out.
	Renew(ctx context.Context, c models.Claim, now time.Time, lease time.Duration) error
	// NextFireAt returns the earliest moment any entry becomes claimable.
	NextFireAt(ctx context.Context) (time.Time, bool, error)
	ListOrphans(ctx context.Context, limit int) ([]models.EmailJob, error)
}

// Store bundles everything a backend provides.
type Store interface {
	Ledger
	Queue
	IncrementWithin(ctx context.Context, hourKey, sender string, limit int) (int, bool, error)
	Close() error
}
