// Package planner turns a recipient list and a cadence into scheduled email
// jobs.
package planner

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Sumant3086/ReachInbox-Assignment/internal/db"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/metrics"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/models"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/worker"
)

// Batch is one scheduling request. Recipients are scheduled in order and
// duplicates are kept.
type Batch struct {
	SenderEmail string
	Subject     string
	Body        string
	Recipients  []string
	StartTime   time.Time
	Delay       time.Duration
}

type Planner struct {
	ledger        db.Ledger
	sched         worker.Enqueuer
	maxRecipients int
	log           *zap.Logger
}

func New(ledger db.Ledger, sched worker.Enqueuer, maxRecipients int, logger *zap.Logger) *Planner {
	return &Planner{
		ledger:        ledger,
		sched:         sched,
		maxRecipients: maxRecipients,
		log:           logger,
	}
}

// FireTimes returns start + i*delay for i in [0, n).
func FireTimes(start time.Time, delay time.Duration, n int) []time.Time {
	times := make([]time.Time, n)
	for i := range times {
		times[i] = start.Add(time.Duration(i) * delay)
	}
	return times
}

// Plan validates b, then creates and enqueues one job per recipient.
//
// Invalid input fails with *models.ValidationError before anything is
// written. A ledger failure aborts the batch with *models.BatchError carrying
// the number of jobs already created; those jobs are returned as well. An
// enqueue failure is logged only: the job row exists and the recovery sweep
// schedules it.
func (p *Planner) Plan(ctx context.Context, b Batch) ([]models.ScheduledEmail, error) {
	recipients, err := p.validate(b)
	if err != nil {
		return nil, err
	}

	fireTimes := FireTimes(b.StartTime, b.Delay, len(recipients))
	scheduled := make([]models.ScheduledEmail, 0, len(recipients))

	for i, to := range recipients {
		job := &models.EmailJob{
			SenderEmail: b.SenderEmail,
			To:          to,
			Subject:     b.Subject,
			Body:        b.Body,
			ScheduledAt: fireTimes[i],
		}

		if err := p.ledger.CreateJob(ctx, job); err != nil {
			p.log.Error("batch aborted",
				zap.String("sender", b.SenderEmail),
				zap.Int("created", len(scheduled)),
				zap.Int("requested", len(b.Recipients)),
				zap.Error(err),
			)
			return scheduled, &models.BatchError{
				Created: len(scheduled),
				Err:     &models.PersistenceError{Op: "create job", Err: err},
			}
		}

		if err := p.sched.Enqueue(ctx, job.ID, job.ScheduledAt); err != nil {
			p.log.Warn("enqueue failed, leaving job to recovery sweep",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}

		metrics.JobsScheduled.Inc()
		scheduled = append(scheduled, models.ScheduledEmail{
			JobID:       job.ID,
			Recipient:   job.To,
			ScheduledAt: job.ScheduledAt,
		})
	}

	p.log.Info("batch scheduled",
		zap.String("sender", b.SenderEmail),
		zap.Int("count", len(scheduled)),
		zap.Time("start", b.StartTime),
		zap.Duration("delay", b.Delay),
	)

	return scheduled, nil
}

// validate checks b and returns the bare recipient addresses, so
// "<a@example.com>" is stored as "a@example.com".
func (p *Planner) validate(b Batch) ([]string, error) {
	if strings.TrimSpace(b.SenderEmail) == "" {
		return nil, &models.ValidationError{Field: "sender", Reason: "is required"}
	}
	if strings.TrimSpace(b.Subject) == "" {
		return nil, &models.ValidationError{Field: "subject", Reason: "is required"}
	}
	if len(b.Recipients) == 0 {
		return nil, &models.ValidationError{Field: "recipients", Reason: "at least one recipient is required"}
	}
	if p.maxRecipients > 0 && len(b.Recipients) > p.maxRecipients {
		return nil, &models.ValidationError{
			Field:  "recipients",
			Reason: fmt.Sprintf("%d recipients exceed the limit of %d", len(b.Recipients), p.maxRecipients),
		}
	}
	if b.Delay < 0 {
		return nil, &models.ValidationError{Field: "delay", Reason: "must not be negative"}
	}
	if b.StartTime.IsZero() {
		return nil, &models.ValidationError{Field: "startTime", Reason: "is required"}
	}

	addrs := make([]string, len(b.Recipients))
	for i, to := range b.Recipients {
		addr, err := mail.ParseAddress(strings.TrimSpace(to))
		if err != nil || addr.Name != "" {
			return nil, &models.ValidationError{
				Field:  fmt.Sprintf("recipients[%d]", i),
				Reason: fmt.Sprintf("%q is not an email address", to),
			}
		}
		addrs[i] = addr.Address
	}

	return addrs, nil
}
