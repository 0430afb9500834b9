package worker

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Sumant3086/ReachInbox-Assignment/internal/db"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/models"
)

const sweepBatch = 500

// Enqueuer submits a job to the schedule.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, fireAt time.Time) error
}

// Sweeper re-enqueues scheduled jobs that have no schedule entry, which
// happens when a job row was written but its enqueue failed.
type Sweeper struct {
	queue db.Queue
	sched Enqueuer
	log   *zap.Logger
}

func NewSweeper(queue db.Queue, sched Enqueuer, logger *zap.Logger) *Sweeper {
	return &Sweeper{queue: queue, sched: sched, log: logger}
}

// Sweep enqueues every orphaned job at its original fire time and returns
// how many it recovered.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	recovered := 0
	for {
		orphans, err := s.queue.ListOrphans(ctx, sweepBatch)
		if err != nil {
			return recovered, err
		}

		for _, job := range orphans {
			err := s.sched.Enqueue(ctx, job.ID, job.ScheduledAt)
			if err != nil && !errors.Is(err, models.ErrJobInFlight) {
				return recovered, err
			}
			recovered++
			s.log.Info("recovered orphaned job",
				zap.String("job_id", job.ID),
				zap.Time("fire_at", job.ScheduledAt),
			)
		}

		if len(orphans) < sweepBatch {
			return recovered, nil
		}
	}
}

// Start runs Sweep once and then on the cron spec until ctx is done.
func (s *Sweeper) Start(ctx context.Context, spec string) (*cron.Cron, error) {
	run := func() {
		n, err := s.Sweep(ctx)
		if err != nil {
			s.log.Error("recovery sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.log.Info("recovery sweep finished", zap.Int("recovered", n))
		}
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, run); err != nil {
		return nil, err
	}

	run()
	c.Start()

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()

	return c, nil
}
