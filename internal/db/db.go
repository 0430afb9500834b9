package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Sumant3086/ReachInbox-Assignment/internal/models"
)

const jobColumns = `id, sender_email, recipient_email, subject, body, scheduled_at,
	status, sent_at, COALESCE(error_msg, ''), attempts, created_at, updated_at`

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, conn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{Pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts, err := migrationStatements("postgres.sql")
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.Pool.Close()
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.EmailJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = models.StatusScheduled

	return s.Pool.QueryRow(ctx,
		`INSERT INTO email_jobs
		 (id, sender_email, recipient_email, subject, body, scheduled_at, status, attempts, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,0,NOW(),NOW())
		 RETURNING created_at, updated_at`,
		job.ID,
		job.SenderEmail,
		job.To,
		job.Subject,
		job.Body,
		job.ScheduledAt,
		string(models.StatusScheduled),
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (models.EmailJob, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM email_jobs WHERE id=$1`, id)

	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EmailJob{}, models.ErrJobNotFound
	}
	return job, err
}

func (s *PostgresStore) MarkSent(
	ctx context.Context,
	id string,
	sentAt time.Time,
	attempts int,
) error {

	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_jobs
		 SET status=$1,
		     sent_at=$2,
		     attempts=$3,
		     updated_at=NOW()
		 WHERE id=$4 AND status=$5`,
		string(models.StatusSent),
		sentAt,
		attempts,
		id,
		string(models.StatusScheduled),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.transitionMiss(ctx, id)
	}

	return nil
}

func (s *PostgresStore) MarkFailed(
	ctx context.Context,
	id string,
	errorMsg string,
	attempts int,
) error {

	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_jobs
		 SET status=$1,
		     error_msg=$2,
		     attempts=$3,
		     updated_at=NOW()
		 WHERE id=$4 AND status=$5`,
		string(models.StatusFailed),
		errorMsg,
		attempts,
		id,
		string(models.StatusScheduled),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.transitionMiss(ctx, id)
	}

	return nil
}

// transitionMiss explains why a conditional status update matched no row.
func (s *PostgresStore) transitionMiss(ctx context.Context, id string) error {
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return models.ErrJobFinalized
}

func (s *PostgresStore) ListByStatus(
	ctx context.Context,
	sender string,
	statuses ...models.EmailStatus,
) ([]models.EmailJob, error) {

	wanted := make([]string, len(statuses))
	for i, st := range statuses {
		wanted[i] = string(st)
	}

	rows, err := s.Pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM email_jobs
		 WHERE sender_email=$1 AND status = ANY($2)
		 ORDER BY CASE WHEN status=$3 THEN scheduled_at ELSE COALESCE(sent_at, updated_at) END DESC`,
		sender,
		wanted,
		string(models.StatusScheduled),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.EmailJob
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func (s *PostgresStore) Enqueue(ctx context.Context, jobID string, fireAt, now time.Time) error {
	tag, err := s.Pool.Exec(ctx,
		`INSERT INTO email_schedule (job_id, fire_at) VALUES ($1,$2)
		 ON CONFLICT (job_id) DO UPDATE
		 SET fire_at=EXCLUDED.fire_at,
		     claim_token=NULL,
		     lease_until=NULL
		 WHERE email_schedule.lease_until IS NULL OR email_schedule.lease_until <= $3`,
		jobID,
		fireAt,
		now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobInFlight
	}

	return nil
}

func (s *PostgresStore) Claim(
	ctx context.Context,
	now time.Time,
	lease time.Duration,
	limit int,
) ([]models.Claim, error) {

	token := uuid.NewString()

	rows, err := s.Pool.Query(ctx,
		`UPDATE email_schedule AS s
		 SET claim_token=$1,
		     lease_until=$2
		 FROM email_jobs AS j
		 WHERE j.id = s.job_id
		   AND s.job_id IN (
		       SELECT job_id FROM email_schedule
		       WHERE fire_at <= $3 AND (lease_until IS NULL OR lease_until <= $3)
		       ORDER BY fire_at
		       LIMIT $4
		       FOR UPDATE SKIP LOCKED)
		 RETURNING j.id, j.sender_email, j.recipient_email, j.subject, j.body, j.scheduled_at,
		           j.status, j.sent_at, COALESCE(j.error_msg, ''), j.attempts, j.created_at, j.updated_at,
		           s.fire_at, s.attempt`,
		token,
		now.Add(lease),
		now,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []models.Claim
	for rows.Next() {
		var (
			c      models.Claim
			status string
		)
		if err := rows.Scan(
			&c.Job.ID, &c.Job.SenderEmail, &c.Job.To, &c.Job.Subject, &c.Job.Body, &c.Job.ScheduledAt,
			&status, &c.Job.SentAt, &c.Job.ErrorMsg, &c.Job.Attempts, &c.Job.CreatedAt, &c.Job.UpdatedAt,
			&c.FireAt, &c.Attempt,
		); err != nil {
			return nil, err
		}
		c.Job.Status = models.EmailStatus(status)
		c.Token = token
		claims = append(claims, c)
	}

	return claims, rows.Err()
}

func (s *PostgresStore) Reschedule(ctx context.Context, c models.Claim, fireAt time.Time, attempt int) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_schedule
		 SET fire_at=$1,
		     attempt=$2,
		     claim_token=NULL,
		     lease_until=NULL
		 WHERE job_id=$3 AND claim_token=$4`,
		fireAt,
		attempt,
		c.Job.ID,
		c.Token,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrLeaseLost
	}

	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, c models.Claim) error {
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM email_schedule WHERE job_id=$1 AND claim_token=$2`,
		c.Job.ID,
		c.Token,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrLeaseLost
	}

	return nil
}

func (s *PostgresStore) Renew(
	ctx context.Context,
	c models.Claim,
	now time.Time,
	lease time.Duration,
) error {

	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_schedule
		 SET lease_until=$1
		 WHERE job_id=$2 AND claim_token=$3 AND lease_until > $4`,
		now.Add(lease),
		c.Job.ID,
		c.Token,
		now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrLeaseLost
	}

	return nil
}

func (s *PostgresStore) NextFireAt(ctx context.Context) (time.Time, bool, error) {
	var next *time.Time
	err := s.Pool.QueryRow(ctx,
		`SELECT MIN(GREATEST(fire_at, COALESCE(lease_until, fire_at))) FROM email_schedule`,
	).Scan(&next)
	if err != nil || next == nil {
		return time.Time{}, false, err
	}

	return *next, true, nil
}

func (s *PostgresStore) ListOrphans(ctx context.Context, limit int) ([]models.EmailJob, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM email_jobs j
		 WHERE j.status=$1
		   AND NOT EXISTS (SELECT 1 FROM email_schedule s WHERE s.job_id = j.id)
		 ORDER BY j.scheduled_at
		 LIMIT $2`,
		string(models.StatusScheduled),
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.EmailJob
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// IncrementWithin charges one send to the (hourKey, sender) bucket unless the
// bucket already holds limit sends. The check and the increment are a single
// statement, so concurrent callers cannot both slip under the limit.
func (s *PostgresStore) IncrementWithin(
	ctx context.Context,
	hourKey, sender string,
	limit int,
) (int, bool, error) {

	var count int
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO rate_limits (hour_key, sender_email, sent_count)
		 VALUES ($1,$2,1)
		 ON CONFLICT (hour_key, sender_email) DO UPDATE
		 SET sent_count = rate_limits.sent_count + 1
		 WHERE rate_limits.sent_count < $3
		 RETURNING sent_count`,
		hourKey,
		sender,
		limit,
	).Scan(&count)

	if errors.Is(err, pgx.ErrNoRows) {
		return limit, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	return count, true, nil
}

func scanPgJob(row pgx.Row) (models.EmailJob, error) {
	var (
		job    models.EmailJob
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.SenderEmail,
		&job.To,
		&job.Subject,
		&job.Body,
		&job.ScheduledAt,
		&status,
		&job.SentAt,
		&job.ErrorMsg,
		&job.Attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	job.Status = models.EmailStatus(status)
	return job, err
}
