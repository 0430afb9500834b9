// Package ratelimit enforces the per-sender hourly send cap.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Sumant3086/ReachInbox-Assignment/internal/models"
)

const hourKeyLayout = "2006-01-02T15"

// Store charges one send to a (hour, sender) bucket if the bucket holds fewer
// than limit sends, reporting the resulting count. The check and the charge
// must be one atomic step.
type Store interface {
	IncrementWithin(ctx context.Context, hourKey, sender string, limit int) (int, bool, error)
}

type Limiter struct {
	store Store
	limit int
	log   *zap.Logger
}

func New(store Store, hourlyLimit int, log *zap.Logger) *Limiter {
	return &Limiter{store: store, limit: hourlyLimit, log: log}
}

// TryConsume reports whether sender may dispatch one more email in the hour
// containing now. Rejected attempts are not charged. A store failure denies
// the send and is returned as a *models.PersistenceError.
func (l *Limiter) TryConsume(ctx context.Context, sender string, now time.Time) (bool, error) {
	if l.limit <= 0 {
		return false, nil
	}

	key := HourKey(now)
	count, allowed, err := l.store.IncrementWithin(ctx, key, sender, l.limit)
	if err != nil {
		return false, &models.PersistenceError{Op: "rate limit increment", Err: err}
	}

	l.log.Debug("rate bucket checked",
		zap.String("sender", sender),
		zap.String("hour_key", key),
		zap.Int("count", count),
		zap.Bool("allowed", allowed),
	)

	return allowed, nil
}

func (l *Limiter) Limit() int { return l.limit }

// HourKey identifies the UTC hour window containing t.
func HourKey(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format(hourKeyLayout)
}

// NextHour returns the start of the hour after the one containing t.
func NextHour(t time.Time) time.Time {
	return t.Truncate(time.Hour).Add(time.Hour)
}
