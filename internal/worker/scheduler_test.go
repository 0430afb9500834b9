package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Sumant3086/ReachInbox-Assignment/internal/db"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/email"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/models"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/ratelimit"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/worker"
)

const sender = "me@example.com"

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeSender records every message and fails according to fail, which gets
// the 1-based call number for the recipient.
type fakeSender struct {
	mu    sync.Mutex
	calls map[string]int
	sent  []email.Message
	fail  func(to string, call int) error
}

func newFakeSender(fail func(to string, call int) error) *fakeSender {
	return &fakeSender{calls: make(map[string]int), fail: fail}
}

func (f *fakeSender) Send(_ context.Context, msg email.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[msg.To]++
	f.sent = append(f.sent, msg)
	if f.fail != nil {
		return f.fail(msg.To, f.calls[msg.To])
	}
	return nil
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type quotaFunc func(ctx context.Context, sender string, now time.Time) (bool, error)

func (q quotaFunc) TryConsume(ctx context.Context, sender string, now time.Time) (bool, error) {
	return q(ctx, sender, now)
}

// countingLedger counts successful terminal transitions.
type countingLedger struct {
	db.Ledger
	terminal atomic.Int32
}

func (l *countingLedger) MarkSent(ctx context.Context, id string, sentAt time.Time, attempts int) error {
	err := l.Ledger.MarkSent(ctx, id, sentAt, attempts)
	if err == nil {
		l.terminal.Add(1)
	}
	return err
}

func (l *countingLedger) MarkFailed(ctx context.Context, id, errMsg string, attempts int) error {
	err := l.Ledger.MarkFailed(ctx, id, errMsg, attempts)
	if err == nil {
		l.terminal.Add(1)
	}
	return err
}

var start = time.Date(2026, 10, 16, 10, 5, 0, 0, time.UTC)

func openStore(t *testing.T) *db.SQLiteStore {
	t.Helper()
	s, err := db.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig(clk *clock) worker.Config {
	return worker.Config{
		Workers:      3,
		BatchSize:    10,
		MaxAttempts:  3,
		Retry:        worker.RetryPolicy{Base: 5 * time.Second, Max: time.Hour},
		SendTimeout:  time.Second,
		PollInterval: 20 * time.Millisecond,
		Lease:        time.Minute,
		From:         "noreply@example.com",
		Now:          clk.Now,
	}
}

// schedule creates a job for each recipient at fireAt and enqueues it.
func schedule(t *testing.T, store *db.SQLiteStore, s *worker.Scheduler, fireAt time.Time, recipients ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(recipients))
	for _, to := range recipients {
		job := models.EmailJob{SenderEmail: sender, To: to, Subject: "hi", Body: "hello", ScheduledAt: fireAt}
		if err := store.CreateJob(context.Background(), &job); err != nil {
			t.Fatalf("CreateJob error: %v", err)
		}
		if err := s.Enqueue(context.Background(), job.ID, fireAt); err != nil {
			t.Fatalf("Enqueue error: %v", err)
		}
		ids = append(ids, job.ID)
	}
	return ids
}

func runOnce(t *testing.T, s *worker.Scheduler) int {
	t.Helper()
	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	return n
}

func getJob(t *testing.T, store *db.SQLiteStore, id string) models.EmailJob {
	t.Helper()
	job, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	return job
}

func nextFire(t *testing.T, store *db.SQLiteStore) time.Time {
	t.Helper()
	next, ok, err := store.NextFireAt(context.Background())
	if err != nil {
		t.Fatalf("NextFireAt error: %v", err)
	}
	if !ok {
		t.Fatal("expected a pending schedule entry")
	}
	return next
}

func TestHourlyCapDefersToNextHour(t *testing.T) {
	t.Parallel()

	clk := &clock{now: start}
	store := openStore(t)
	log := zaptest.NewLogger(t)
	snd := newFakeSender(nil)

	s := worker.NewScheduler(testConfig(clk), store, store, ratelimit.New(store, 2, log), snd, log)
	ids := schedule(t, store, s, start, "a@example.com", "b@example.com", "c@example.com")

	if n := runOnce(t, s); n != 3 {
		t.Fatalf("handled = %d, want 3", n)
	}
	if snd.Calls() != 2 {
		t.Fatalf("sends in first hour = %d, want 2", snd.Calls())
	}

	var deferred string
	for _, id := range ids {
		if getJob(t, store, id).Status == models.StatusScheduled {
			deferred = id
		}
	}
	if deferred == "" {
		t.Fatal("expected one job to stay scheduled")
	}

	nextHour := time.Date(2026, 10, 16, 11, 0, 0, 0, time.UTC)
	if got := nextFire(t, store); !got.Equal(nextHour) {
		t.Fatalf("deferred fire time = %v, want %v", got, nextHour)
	}

	// Nothing is due before the hour turns.
	clk.Set(nextHour.Add(-time.Second))
	if n := runOnce(t, s); n != 0 {
		t.Fatalf("handled before next hour = %d, want 0", n)
	}

	clk.Set(nextHour)
	if n := runOnce(t, s); n != 1 {
		t.Fatalf("handled in next hour = %d, want 1", n)
	}

	job := getJob(t, store, deferred)
	if job.Status != models.StatusSent || job.Attempts != 1 {
		t.Fatalf("deferred job = %+v, want sent after one attempt", job)
	}
	if snd.Calls() != 3 {
		t.Fatalf("total sends = %d, want 3", snd.Calls())
	}
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()

	clk := &clock{now: start}
	store := openStore(t)
	log := zaptest.NewLogger(t)
	snd := newFakeSender(func(_ string, call int) error {
		if call <= 2 {
			return fmt.Errorf("451 try again later #%d", call)
		}
		return nil
	})

	s := worker.NewScheduler(testConfig(clk), store, store, ratelimit.New(store, 100, log), snd, log)
	id := schedule(t, store, s, start, "you@example.com")[0]

	runOnce(t, s)
	if got := nextFire(t, store); !got.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("first retry at %v, want +5s", got)
	}

	clk.Advance(5 * time.Second)
	runOnce(t, s)
	if got := nextFire(t, store); !got.Equal(start.Add(15 * time.Second)) {
		t.Fatalf("second retry at %v, want +10s after the first", got)
	}

	clk.Advance(10 * time.Second)
	runOnce(t, s)

	job := getJob(t, store, id)
	if job.Status != models.StatusSent {
		t.Fatalf("Status = %s, want sent", job.Status)
	}
	if job.SentAt == nil || !job.SentAt.Equal(start.Add(15*time.Second)) {
		t.Fatalf("SentAt = %v, want %v", job.SentAt, start.Add(15*time.Second))
	}
	if job.ErrorMsg != "" {
		t.Fatalf("ErrorMsg = %q, want empty", job.ErrorMsg)
	}
	if job.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", job.Attempts)
	}
	if _, ok, _ := store.NextFireAt(context.Background()); ok {
		t.Fatal("schedule entry left behind after send")
	}
}

func TestRetryExhaustionFails(t *testing.T) {
	t.Parallel()

	clk := &clock{now: start}
	store := openStore(t)
	log := zaptest.NewLogger(t)
	snd := newFakeSender(func(_ string, call int) error {
		return fmt.Errorf("smtp down #%d", call)
	})

	s := worker.NewScheduler(testConfig(clk), store, store, ratelimit.New(store, 100, log), snd, log)
	id := schedule(t, store, s, start, "you@example.com")[0]

	for i := 0; i < 3; i++ {
		clk.Advance(time.Minute)
		if n := runOnce(t, s); n != 1 {
			t.Fatalf("pass %d handled = %d, want 1", i, n)
		}
	}

	job := getJob(t, store, id)
	if job.Status != models.StatusFailed {
		t.Fatalf("Status = %s, want failed", job.Status)
	}
	if job.ErrorMsg != "smtp down #3" {
		t.Fatalf("ErrorMsg = %q, want last error", job.ErrorMsg)
	}
	if job.SentAt != nil || job.Attempts != 3 {
		t.Fatalf("unexpected failed job: %+v", job)
	}

	clk.Advance(time.Hour)
	if n := runOnce(t, s); n != 0 {
		t.Fatalf("failed job dispatched again: handled = %d", n)
	}
	if snd.Calls() != 3 {
		t.Fatalf("sends = %d, want 3", snd.Calls())
	}
}

func TestTerminalErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	clk := &clock{now: start}
	store := openStore(t)
	log := zaptest.NewLogger(t)
	snd := newFakeSender(func(string, int) error {
		return email.Permanent(errors.New("550 no such user"))
	})

	s := worker.NewScheduler(testConfig(clk), store, store, ratelimit.New(store, 100, log), snd, log)
	id := schedule(t, store, s, start, "ghost@example.com")[0]

	runOnce(t, s)

	job := getJob(t, store, id)
	if job.Status != models.StatusFailed || job.ErrorMsg != "550 no such user" || job.Attempts != 1 {
		t.Fatalf("job = %+v, want failed after one attempt", job)
	}
}

func TestDuplicateDispatchFinalizesOnce(t *testing.T) {
	t.Parallel()

	clk := &clock{now: start}
	store := openStore(t)
	log := zaptest.NewLogger(t)
	snd := newFakeSender(nil)
	ledger := &countingLedger{Ledger: store}
	cfg := testConfig(clk)

	limiter := ratelimit.New(store, 100, log)
	var charges atomic.Int32
	quota := quotaFunc(func(ctx context.Context, sender string, now time.Time) (bool, error) {
		ok, err := limiter.TryConsume(ctx, sender, now)
		if ok {
			charges.Add(1)
		}
		return ok, err
	})

	a := worker.NewScheduler(cfg, ledger, store, quota, snd, log)
	b := worker.NewScheduler(cfg, ledger, store, quota, snd, log)
	schedule(t, store, a, start, "you@example.com")

	// A stalled worker's lease runs out and a second worker claims the same job.
	first, err := store.Claim(context.Background(), start, time.Minute, 1)
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim = %v, %v", first, err)
	}
	second, err := store.Claim(context.Background(), start.Add(2*time.Minute), time.Minute, 1)
	if err != nil || len(second) != 1 {
		t.Fatalf("second claim = %v, %v", second, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.Dispatch(context.Background(), first[0]) }()
	go func() { defer wg.Done(); b.Dispatch(context.Background(), second[0]) }()
	wg.Wait()

	if got := ledger.terminal.Load(); got != 1 {
		t.Fatalf("terminal transitions = %d, want 1", got)
	}
	// The stale claim must stop before the quota gate.
	if got := charges.Load(); got != 1 {
		t.Fatalf("quota charges = %d, want 1", got)
	}
	if got := snd.Calls(); got != 1 {
		t.Fatalf("sends = %d, want 1", got)
	}
	if getJob(t, store, first[0].Job.ID).Status != models.StatusSent {
		t.Fatal("job not marked sent")
	}
	if _, ok, _ := store.NextFireAt(context.Background()); ok {
		t.Fatal("schedule entry left behind")
	}
}

func TestExpiredLeaseIsAbandonedBeforeQuota(t *testing.T) {
	t.Parallel()

	clk := &clock{now: start}
	store := openStore(t)
	log := zaptest.NewLogger(t)
	snd := newFakeSender(nil)

	var charges atomic.Int32
	quota := quotaFunc(func(context.Context, string, time.Time) (bool, error) {
		charges.Add(1)
		return true, nil
	})

	s := worker.NewScheduler(testConfig(clk), store, store, quota, snd, log)
	id := schedule(t, store, s, start, "you@example.com")[0]

	claims, err := store.Claim(context.Background(), start, time.Minute, 1)
	if err != nil || len(claims) != 1 {
		t.Fatalf("claim = %v, %v", claims, err)
	}

	// The worker only gets to the job after its lease ran out.
	clk.Advance(2 * time.Minute)
	s.Dispatch(context.Background(), claims[0])

	if charges.Load() != 0 || snd.Calls() != 0 {
		t.Fatalf("expired claim charged %d and sent %d", charges.Load(), snd.Calls())
	}
	if getJob(t, store, id).Status != models.StatusScheduled {
		t.Fatal("abandoned job left scheduled state")
	}

	// The entry is still there for the next claimant.
	if n := runOnce(t, s); n != 1 || snd.Calls() != 1 {
		t.Fatalf("reclaim handled %d, sent %d", n, snd.Calls())
	}
}

func TestConcurrentSchedulersSendEachJobOnce(t *testing.T) {
	t.Parallel()

	clk := &clock{now: start}
	store := openStore(t)
	log := zaptest.NewLogger(t)
	snd := newFakeSender(nil)
	cfg := testConfig(clk)

	a := worker.NewScheduler(cfg, store, store, ratelimit.New(store, 100, log), snd, log)
	b := worker.NewScheduler(cfg, store, store, ratelimit.New(store, 100, log), snd, log)

	recipients := make([]string, 20)
	for i := range recipients {
		recipients[i] = fmt.Sprintf("r%d@example.com", i)
	}
	schedule(t, store, a, start, recipients...)

	var wg sync.WaitGroup
	for _, s := range []*worker.Scheduler{a, b} {
		wg.Add(1)
		go func(s *worker.Scheduler) {
			defer wg.Done()
			for {
				n, err := s.RunOnce(context.Background())
				if err != nil {
					t.Errorf("RunOnce error: %v", err)
					return
				}
				if n == 0 {
					return
				}
			}
		}(s)
	}
	wg.Wait()

	if snd.Calls() != len(recipients) {
		t.Fatalf("sends = %d, want %d", snd.Calls(), len(recipients))
	}
	for _, to := range recipients {
		if snd.calls[to] != 1 {
			t.Fatalf("%s received %d sends", to, snd.calls[to])
		}
	}
}

func TestFinalizedJobEntryIsDropped(t *testing.T) {
	t.Parallel()

	clk := &clock{now: start}
	store := openStore(t)
	log := zaptest.NewLogger(t)
	snd := newFakeSender(nil)

	s := worker.NewScheduler(testConfig(clk), store, store, ratelimit.New(store, 100, log), snd, log)
	id := schedule(t, store, s, start, "you@example.com")[0]

	if err := store.MarkFailed(context.Background(), id, "cancelled", 0); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}

	if n := runOnce(t, s); n != 1 {
		t.Fatalf("handled = %d, want 1", n)
	}
	if snd.Calls() != 0 {
		t.Fatal("finalized job was sent")
	}
	if _, ok, _ := store.NextFireAt(context.Background()); ok {
		t.Fatal("stale schedule entry was kept")
	}
}

func TestQuotaStoreFailureDefersWithoutSending(t *testing.T) {
	t.Parallel()

	clk := &clock{now: start}
	store := openStore(t)
	log := zaptest.NewLogger(t)
	snd := newFakeSender(nil)
	quota := quotaFunc(func(context.Context, string, time.Time) (bool, error) {
		return false, &models.PersistenceError{Op: "rate limit increment", Err: errors.New("redis down")}
	})

	s := worker.NewScheduler(testConfig(clk), store, store, quota, snd, log)
	id := schedule(t, store, s, start, "you@example.com")[0]

	runOnce(t, s)

	if snd.Calls() != 0 {
		t.Fatal("sent without a successful quota charge")
	}
	if got := nextFire(t, store); !got.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("deferred to %v, want +5s", got)
	}

	clk.Advance(5 * time.Second)
	claims, err := store.Claim(context.Background(), clk.Now(), time.Minute, 1)
	if err != nil || len(claims) != 1 {
		t.Fatalf("claim = %v, %v", claims, err)
	}
	if claims[0].Attempt != 0 {
		t.Fatalf("attempt = %d, quota failure must not consume attempts", claims[0].Attempt)
	}
	if getJob(t, store, id).Status != models.StatusScheduled {
		t.Fatal("job left scheduled state")
	}
}

func TestRunDeliversDueJobs(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	log := zaptest.NewLogger(t)
	snd := newFakeSender(nil)

	cfg := testConfig(&clock{})
	cfg.Now = nil

	s := worker.NewScheduler(cfg, store, store, ratelimit.New(store, 100, log), snd, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	now := time.Now()
	ids := schedule(t, store, s, now, "a@example.com", "b@example.com")
	later := schedule(t, store, s, now.Add(150*time.Millisecond), "c@example.com")

	deadline := time.Now().Add(5 * time.Second)
	for snd.Calls() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if snd.Calls() != 3 {
		t.Fatalf("sends = %d, want 3", snd.Calls())
	}
	for _, id := range append(ids, later...) {
		if getJob(t, store, id).Status != models.StatusSent {
			t.Fatalf("job %s not sent", id)
		}
	}
}
