package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Sumant3086/ReachInbox-Assignment/internal/models"
)

const sqliteJobColumns = `id, sender_email, recipient_email, subject, body, scheduled_at,
	status, sent_at, error_msg, attempts, created_at, updated_at`

// SQLiteStore implements Store on an embedded SQLite database. All access
// goes through one connection, which also makes Claim atomic.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. ":memory:" is
// accepted for throwaway stores.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts, err := migrationStatements("sqlite.sql")
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.EmailJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now()
	job.Status = models.StatusScheduled
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_jobs
		 (id, sender_email, recipient_email, subject, body, scheduled_at, status, attempts, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,0,?,?)`,
		job.ID, job.SenderEmail, job.To, job.Subject, job.Body,
		job.ScheduledAt.UnixMilli(), string(models.StatusScheduled),
		now.UnixMilli(), now.UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (models.EmailJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM email_jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EmailJob{}, models.ErrJobNotFound
	}
	return job, err
}

func (s *SQLiteStore) MarkSent(ctx context.Context, id string, sentAt time.Time, attempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_jobs SET status = ?, sent_at = ?, attempts = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(models.StatusSent), sentAt.UnixMilli(), attempts, time.Now().UnixMilli(),
		id, string(models.StatusScheduled),
	)
	return s.checkTransition(ctx, id, res, err)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, errMsg string, attempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_jobs SET status = ?, error_msg = ?, attempts = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(models.StatusFailed), errMsg, attempts, time.Now().UnixMilli(),
		id, string(models.StatusScheduled),
	)
	return s.checkTransition(ctx, id, res, err)
}

func (s *SQLiteStore) checkTransition(ctx context.Context, id string, res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return models.ErrJobFinalized
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, sender string, statuses ...models.EmailStatus) ([]models.EmailJob, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := []any{sender}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, string(models.StatusScheduled))

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM email_jobs
		 WHERE sender_email = ? AND status IN (`+marks+`)
		 ORDER BY CASE WHEN status = ? THEN scheduled_at ELSE COALESCE(sent_at, updated_at) END DESC`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteJobs(rows)
}

func (s *SQLiteStore) Enqueue(ctx context.Context, jobID string, fireAt, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO email_schedule (job_id, fire_at) VALUES (?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   fire_at = excluded.fire_at, claim_token = NULL, lease_until = NULL
		 WHERE email_schedule.lease_until IS NULL OR email_schedule.lease_until <= ?`,
		jobID, fireAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrJobInFlight
	}
	return nil
}

func (s *SQLiteStore) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	token := uuid.NewString()
	rows, err := tx.QueryContext(ctx,
		`UPDATE email_schedule SET claim_token = ?, lease_until = ?
		 WHERE job_id IN (
		   SELECT job_id FROM email_schedule
		   WHERE fire_at <= ? AND (lease_until IS NULL OR lease_until <= ?)
		   ORDER BY fire_at
		   LIMIT ?)
		 RETURNING job_id, fire_at, attempt`,
		token, now.Add(lease).UnixMilli(), now.UnixMilli(), now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}

	var claims []models.Claim
	for rows.Next() {
		var (
			c      models.Claim
			fireAt int64
		)
		if err := rows.Scan(&c.Job.ID, &fireAt, &c.Attempt); err != nil {
			rows.Close()
			return nil, err
		}
		c.FireAt = time.UnixMilli(fireAt)
		c.Token = token
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range claims {
		row := tx.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM email_jobs WHERE id = ?`, claims[i].Job.ID)
		job, err := scanSQLiteJob(row)
		if err != nil {
			return nil, err
		}
		claims[i].Job = job
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *SQLiteStore) Reschedule(ctx context.Context, c models.Claim, fireAt time.Time, attempt int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_schedule SET fire_at = ?, attempt = ?, claim_token = NULL, lease_until = NULL
		 WHERE job_id = ? AND claim_token = ?`,
		fireAt.UnixMilli(), attempt, c.Job.ID, c.Token,
	)
	return leaseResult(res, err)
}

func (s *SQLiteStore) Complete(ctx context.Context, c models.Claim) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM email_schedule WHERE job_id = ? AND claim_token = ?`,
		c.Job.ID, c.Token,
	)
	return leaseResult(res, err)
}

func (s *SQLiteStore) Renew(ctx context.Context, c models.Claim, now time.Time, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_schedule SET lease_until = ?
		 WHERE job_id = ? AND claim_token = ? AND lease_until > ?`,
		now.Add(lease).UnixMilli(), c.Job.ID, c.Token, now.UnixMilli(),
	)
	return leaseResult(res, err)
}

func leaseResult(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrLeaseLost
	}
	return nil
}

func (s *SQLiteStore) NextFireAt(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(MAX(fire_at, COALESCE(lease_until, fire_at))) FROM email_schedule`,
	).Scan(&next)
	if err != nil || !next.Valid {
		return time.Time{}, false, err
	}
	return time.UnixMilli(next.Int64), true, nil
}

func (s *SQLiteStore) ListOrphans(ctx context.Context, limit int) ([]models.EmailJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM email_jobs j
		 WHERE j.status = ?
		   AND NOT EXISTS (SELECT 1 FROM email_schedule s WHERE s.job_id = j.id)
		 ORDER BY j.scheduled_at
		 LIMIT ?`,
		string(models.StatusScheduled), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteJobs(rows)
}

func (s *SQLiteStore) IncrementWithin(ctx context.Context, hourKey, sender string, limit int) (int, bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rate_limits (hour_key, sender_email, sent_count, created_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT(hour_key, sender_email) DO UPDATE SET sent_count = rate_limits.sent_count + 1
		 WHERE rate_limits.sent_count < ?
		 RETURNING sent_count`,
		hourKey, sender, time.Now().UnixMilli(), limit,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return limit, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.EmailJob, error) {
	var (
		job                              models.EmailJob
		status                           string
		scheduledAt, createdAt, updateAt int64
		sentAt                           sql.NullInt64
		errMsg                           sql.NullString
	)
	if err := row.Scan(&job.ID, &job.SenderEmail, &job.To, &job.Subject, &job.Body, &scheduledAt,
		&status, &sentAt, &errMsg, &job.Attempts, &createdAt, &updateAt); err != nil {
		return models.EmailJob{}, err
	}
	job.Status = models.EmailStatus(status)
	job.ScheduledAt = time.UnixMilli(scheduledAt)
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updateAt)
	if sentAt.Valid {
		t := time.UnixMilli(sentAt.Int64)
		job.SentAt = &t
	}
	job.ErrorMsg = errMsg.String
	return job, nil
}

func scanSQLiteJobs(rows *sql.Rows) ([]models.EmailJob, error) {
	var jobs []models.EmailJob
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
