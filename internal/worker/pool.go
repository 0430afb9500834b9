package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Sumant3086/ReachInbox-Assignment/internal/models"
)

// Handler processes one claimed job.
type Handler func(ctx context.Context, c models.Claim)

// StartPool runs workers goroutines that hand every claim received on jobs to
// handle. Workers exit when ctx is done or jobs is closed.
func StartPool(
	ctx context.Context,
	wg *sync.WaitGroup,
	workers int,
	jobs <-chan models.Claim,
	handle Handler,
	logger *zap.Logger,
) {

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			log := logger.With(zap.Int("worker_id", id))
			log.Debug("worker started")

			for {
				select {

				case <-ctx.Done():
					log.Debug("worker shutting down")
					return

				case claim, ok := <-jobs:
					if !ok {
						log.Debug("job channel closed")
						return
					}

					runClaim(ctx, claim, handle, log)
				}
			}
		}(i)
	}
}

// runClaim keeps a panicking handler from taking the worker down. The claim's
// lease runs out and the job is picked up again.
func runClaim(ctx context.Context, c models.Claim, handle Handler, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panicked",
				zap.String("job_id", c.Job.ID),
				zap.Any("panic", r),
			)
		}
	}()

	handle(ctx, c)
}
