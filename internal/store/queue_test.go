package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueueJobDedupe(t *testing.T) {
	st := NewInMemoryStore()

	id1, err := st.EnqueueJob("message", time.Now(), `{"userId":"usr_1"}`, "wamid.dup")
	if err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	id2, err := st.EnqueueJob("message", time.Now(), `{"userId":"usr_1"}`, "wamid.dup")
	if err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("duplicate dedupe key should return the existing job, got %s and %s", id1, id2)
	}

	jobs, err := st.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 claimable job, got %d", len(jobs))
	}
}

func TestClaimDueJobsSkipsFuture(t *testing.T) {
	st := NewInMemoryStore()

	if _, err := st.EnqueueJob("message", time.Now().Add(time.Hour), "{}", ""); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	jobs, err := st.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("future job should not be claimable, got %d", len(jobs))
	}
}

func TestFailJobRetriesThenTerminal(t *testing.T) {
	st := NewInMemoryStore()
	id, _ := st.EnqueueJob("command", time.Now(), "{}", "")

	for i := 0; i < DefaultJobMaxAttempts; i++ {
		jobs, _ := st.ClaimDueJobs(time.Now(), 1)
		if len(jobs) != 1 {
			t.Fatalf("attempt %d: expected claimable job", i+1)
		}
		if err := st.FailJob(id, "boom", time.Now()); err != nil {
			t.Fatalf("FailJob failed: %v", err)
		}
	}

	jobs, _ := st.ClaimDueJobs(time.Now(), 1)
	if len(jobs) != 0 {
		t.Errorf("job exhausted its attempts and should be terminal, got %d claimable", len(jobs))
	}
}

func TestRequeueStaleRunningJobs(t *testing.T) {
	st := NewInMemoryStore()
	st.EnqueueJob("message", time.Now().Add(-time.Hour), "{}", "")

	claimed, _ := st.ClaimDueJobs(time.Now().Add(-30*time.Minute), 1)
	if len(claimed) != 1 {
		t.Fatal("expected one claimed job")
	}

	n, err := st.RequeueStaleRunningJobs(time.Now().Add(-5 * time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleRunningJobs failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued job, got %d", n)
	}

	jobs, _ := st.ClaimDueJobs(time.Now(), 1)
	if len(jobs) != 1 {
		t.Errorf("recovered job should be claimable again")
	}
}

func TestJobRunnerExecutesAndCompletes(t *testing.T) {
	st := NewInMemoryStore()
	runner := NewJobRunner(st, 10*time.Millisecond)

	var handled atomic.Int32
	runner.RegisterHandler("message", func(ctx context.Context, payload string) error {
		handled.Add(1)
		return nil
	})

	st.EnqueueJob("message", time.Now(), `{"userId":"usr_1"}`, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for handled.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("handler was not invoked before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	jobs, _ := st.ClaimDueJobs(time.Now(), 10)
	if len(jobs) != 0 {
		t.Errorf("completed job should not be claimable, got %d", len(jobs))
	}
}
