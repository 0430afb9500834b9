package worker_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Sumant3086/ReachInbox-Assignment/internal/models"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/ratelimit"
	"github.com/Sumant3086/ReachInbox-Assignment/internal/worker"
)

func TestSweepRecoversOrphans(t *testing.T) {
	t.Parallel()

	clk := &clock{now: start}
	store := openStore(t)
	log := zaptest.NewLogger(t)
	snd := newFakeSender(nil)
	s := worker.NewScheduler(testConfig(clk), store, store, ratelimit.New(store, 100, log), snd, log)

	// A job row whose enqueue never happened.
	fireAt := start.Add(10 * time.Minute)
	orphan := models.EmailJob{SenderEmail: sender, To: "lost@example.com", Subject: "hi", Body: "hello", ScheduledAt: fireAt}
	if err := store.CreateJob(context.Background(), &orphan); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	schedule(t, store, s, start, "queued@example.com")

	sw := worker.NewSweeper(store, s, log)
	n, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}

	// A second sweep finds nothing left to recover.
	if n, err := sw.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("second Sweep = %d, %v", n, err)
	}

	clk.Set(fireAt)
	if got := runOnce(t, s); got != 2 {
		t.Fatalf("handled = %d, want 2", got)
	}
	if job := getJob(t, store, orphan.ID); job.Status != models.StatusSent {
		t.Fatalf("orphan status = %s, want sent", job.Status)
	}
}

func TestSweeperStartRunsImmediately(t *testing.T) {
	t.Parallel()

	clk := &clock{now: start}
	store := openStore(t)
	log := zaptest.NewLogger(t)
	s := worker.NewScheduler(testConfig(clk), store, store, ratelimit.New(store, 100, log), newFakeSender(nil), log)

	orphan := models.EmailJob{SenderEmail: sender, To: "lost@example.com", Subject: "hi", Body: "hello", ScheduledAt: start}
	if err := store.CreateJob(context.Background(), &orphan); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := worker.NewSweeper(store, s, log).Start(ctx, "@every 1h")
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer func() { <-c.Stop().Done() }()

	if got := nextFire(t, store); !got.Equal(start) {
		t.Fatalf("recovered fire time = %v, want %v", got, start)
	}

	if _, err := worker.NewSweeper(store, s, log).Start(ctx, "not a schedule"); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}
