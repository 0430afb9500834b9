// Package worker holds the timed delivery engine: a poll-and-claim loop over
// the schedule table, a bounded worker pool, and the per-job dispatch
// decision (send, defer for quota, retry, fail).
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Sumant3086/ReachInbox-Assignment/internal/db"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/email"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/metrics"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/models"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/ratelimit"
)

const (
	minWait      = 50 * time.Millisecond
	storeTimeout = 10 * time.Second
)

// Quota decides whether a sender may dispatch right now.
type Quota interface {
	TryConsume(ctx context.Context, sender string, now time.Time) (bool, error)
}

type Config struct {
	Workers      int
	BatchSize    int
	MaxAttempts  int
	Retry        RetryPolicy
	SendTimeout  time.Duration
	PollInterval time.Duration
	Lease        time.Duration
	// Pacing is the minimum gap between two transport calls of this process.
	// Zero disables pacing.
	Pacing time.Duration
	From   string
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

type Scheduler struct {
	cfg    Config
	ledger db.Ledger
	queue  db.Queue
	quota  Quota
	sender email.Sender
	pacer  *rate.Limiter
	log    *zap.Logger

	busy atomic.Int32
	wake chan struct{}
}

func NewScheduler(
	cfg Config,
	ledger db.Ledger,
	queue db.Queue,
	quota Quota,
	sender email.Sender,
	logger *zap.Logger,
) *Scheduler {

	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	pacer := rate.NewLimiter(rate.Inf, 1)
	if cfg.Pacing > 0 {
		pacer = rate.NewLimiter(rate.Every(cfg.Pacing), 1)
	}

	return &Scheduler{
		cfg:    cfg,
		ledger: ledger,
		queue:  queue,
		quota:  quota,
		sender: sender,
		pacer:  pacer,
		log:    logger,
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue schedules jobID for delivery no earlier than fireAt. It fails with
// models.ErrJobInFlight while a worker holds the job.
func (s *Scheduler) Enqueue(ctx context.Context, jobID string, fireAt time.Time) error {
	if err := s.queue.Enqueue(ctx, jobID, fireAt, s.cfg.Now()); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run claims due jobs and feeds them to the worker pool until ctx is done.
// Between passes it sleeps until the next known fire time, at most
// PollInterval, and wakes early on Enqueue or when a worker frees up.
func (s *Scheduler) Run(ctx context.Context) {
	jobs := make(chan models.Claim)

	var wg sync.WaitGroup
	StartPool(ctx, &wg, s.cfg.Workers, jobs, func(ctx context.Context, c models.Claim) {
		defer func() {
			s.busy.Add(-1)
			s.notify()
		}()
		s.Dispatch(ctx, c)
	}, s.log)

	s.log.Info("scheduler started",
		zap.Int("workers", s.cfg.Workers),
		zap.Duration("poll_interval", s.cfg.PollInterval),
	)

	defer func() {
		close(jobs)
		wg.Wait()
		s.log.Info("scheduler stopped")
	}()

	for {
		full, err := s.feed(ctx, jobs)
		if err != nil && ctx.Err() == nil {
			s.log.Error("claiming due jobs failed", zap.Error(err))
		}

		if ctx.Err() != nil {
			return
		}
		if full {
			continue
		}

		timer := time.NewTimer(s.nextWait(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		}
	}
}

// feed claims as many due jobs as there are idle workers. It reports whether
// the claim came back full, meaning more due work may be waiting.
func (s *Scheduler) feed(ctx context.Context, jobs chan<- models.Claim) (bool, error) {
	idle := s.cfg.Workers - int(s.busy.Load())
	if idle <= 0 {
		return false, nil
	}
	limit := min(idle, s.cfg.BatchSize)

	claims, err := s.queue.Claim(ctx, s.cfg.Now(), s.cfg.Lease, limit)
	if err != nil {
		return false, err
	}

	for _, c := range claims {
		s.busy.Add(1)
		select {
		case jobs <- c:
		case <-ctx.Done():
			// The lease runs out and another pass picks the job up.
			s.busy.Add(-1)
			return false, ctx.Err()
		}
	}

	return len(claims) == limit, nil
}

func (s *Scheduler) nextWait(ctx context.Context) time.Duration {
	if s.busy.Load() >= int32(s.cfg.Workers) {
		return s.cfg.PollInterval
	}

	next, ok, err := s.queue.NextFireAt(ctx)
	if err != nil {
		s.log.Warn("reading next fire time failed", zap.Error(err))
		return s.cfg.PollInterval
	}
	if !ok {
		return s.cfg.PollInterval
	}

	wait := next.Sub(s.cfg.Now())
	return max(minWait, min(wait, s.cfg.PollInterval))
}

// RunOnce claims one batch of due jobs, dispatches them on the pool and
// waits for them to finish. It returns the number of jobs handled.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	claims, err := s.queue.Claim(ctx, s.cfg.Now(), s.cfg.Lease, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(claims) == 0 {
		return 0, nil
	}

	jobs := make(chan models.Claim)
	var wg sync.WaitGroup
	StartPool(ctx, &wg, min(s.cfg.Workers, len(claims)), jobs, s.Dispatch, s.log)

	handled := 0
	for _, c := range claims {
		select {
		case jobs <- c:
			handled++
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()

	return handled, ctx.Err()
}

// Dispatch runs one claimed job through the quota gate and the transport and
// records what happened. Bookkeeping writes survive cancellation of ctx so a
// completed send is not lost on shutdown.
func (s *Scheduler) Dispatch(ctx context.Context, c models.Claim) {
	log := s.log.With(
		zap.String("job_id", c.Job.ID),
		zap.String("sender", c.Job.SenderEmail),
		zap.String("to", c.Job.To),
	)
	store := context.WithoutCancel(ctx)

	// Cancelled or already finished elsewhere.
	if c.Job.Status != models.StatusScheduled {
		log.Info("dropping schedule entry of finalized job", zap.String("status", string(c.Job.Status)))
		s.complete(store, c, log)
		return
	}

	if err := s.pacer.Wait(ctx); err != nil {
		s.reschedule(store, c, s.cfg.Now(), c.Attempt, log)
		return
	}

	// Only the current lease holder may charge the quota and send.
	now := s.cfg.Now()
	if err := s.renew(store, c, now); err != nil {
		if errors.Is(err, models.ErrLeaseLost) {
			log.Warn("lease lost before dispatch, abandoning job")
		} else {
			log.Error("failed to renew lease, abandoning job", zap.Error(err))
		}
		return
	}

	allowed, err := s.quota.TryConsume(ctx, c.Job.SenderEmail, now)
	if err != nil {
		if ctx.Err() != nil {
			s.reschedule(store, c, now, c.Attempt, log)
			return
		}
		// Fail closed: no send without a successful charge.
		log.Error("rate limit check failed, deferring job", zap.Error(err))
		s.reschedule(store, c, now.Add(s.cfg.Retry.Base), c.Attempt, log)
		return
	}
	if !allowed {
		next := ratelimit.NextHour(now)
		metrics.QuotaDeferrals.Inc()
		log.Warn("deferring job to next hour",
			zap.Time("fire_at", next),
			zap.NamedError("reason", models.ErrQuotaExceeded),
		)
		s.reschedule(store, c, next, c.Attempt, log)
		return
	}

	attempt := c.Attempt + 1
	res := s.send(ctx, c.Job)

	switch res.Outcome {

	case email.OutcomeSent:
		s.markSent(store, c, attempt, log)

	case email.OutcomeRetryable:
		if ctx.Err() != nil {
			// Shutdown interrupted the send; give the attempt back.
			s.reschedule(store, c, s.cfg.Now(), c.Attempt, log)
			return
		}
		if attempt < s.cfg.MaxAttempts {
			delay := s.cfg.Retry.Delay(attempt)
			metrics.Retries.Inc()
			log.Warn("email send failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(res.Err),
			)
			s.reschedule(store, c, s.cfg.Now().Add(delay), attempt, log)
			return
		}
		s.markFailed(store, c, res.Err, attempt, log)

	case email.OutcomeTerminal:
		s.markFailed(store, c, res.Err, attempt, log)
	}
}

func (s *Scheduler) send(ctx context.Context, job models.EmailJob) email.Result {
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	err := s.sender.Send(sendCtx, email.Message{
		From:    s.cfg.From,
		To:      job.To,
		Subject: job.Subject,
		Body:    job.Body,
	})
	res := email.Classify(err)
	metrics.DispatchDuration.WithLabelValues(res.Outcome.String()).Observe(time.Since(start).Seconds())

	return res
}

func (s *Scheduler) markSent(ctx context.Context, c models.Claim, attempts int, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	err := s.ledger.MarkSent(ctx, c.Job.ID, s.cfg.Now(), attempts)
	switch {
	case errors.Is(err, models.ErrJobFinalized):
		log.Warn("job finalized concurrently, keeping existing status")
	case err != nil:
		// The lease will expire and the job is attempted again.
		log.Error("failed to update sent status", zap.Error(err))
		return
	default:
		metrics.EmailsSent.Inc()
		log.Info("email sent successfully", zap.Int("attempts", attempts))
	}

	s.complete(ctx, c, log)
}

func (s *Scheduler) markFailed(ctx context.Context, c models.Claim, cause error, attempts int, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	err := s.ledger.MarkFailed(ctx, c.Job.ID, cause.Error(), attempts)
	switch {
	case errors.Is(err, models.ErrJobFinalized):
		log.Warn("job finalized concurrently, keeping existing status")
	case err != nil:
		log.Error("failed to update failure status", zap.Error(err))
		return
	default:
		metrics.EmailFailures.Inc()
		log.Error("email send failed permanently",
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
	}

	s.complete(ctx, c, log)
}

func (s *Scheduler) reschedule(ctx context.Context, c models.Claim, fireAt time.Time, attempt int, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := s.queue.Reschedule(ctx, c, fireAt, attempt); err != nil {
		if errors.Is(err, models.ErrLeaseLost) {
			log.Warn("lease lost before reschedule")
			return
		}
		log.Error("failed to reschedule job", zap.Error(err))
		return
	}
	s.notify()
}

func (s *Scheduler) renew(ctx context.Context, c models.Claim, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	return s.queue.Renew(ctx, c, now, s.cfg.Lease)
}

func (s *Scheduler) complete(ctx context.Context, c models.Claim, log *zap.Logger) {
	if err := s.queue.Complete(ctx, c); err != nil {
		if errors.Is(err, models.ErrLeaseLost) {
			log.Warn("lease lost before completing schedule entry")
			return
		}
		log.Error("failed to remove schedule entry", zap.Error(err))
	}
}
