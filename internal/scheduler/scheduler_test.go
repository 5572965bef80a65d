package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/haloruntime/halo/internal/models"
	"github.com/haloruntime/halo/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func TestCreateJobAndFire(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	sch := New(s, &Config{MaxConsecutiveErrors: 5}, nil)

	fired := make(chan string, 1)
	sch.SetOnJobDue(func(ctx context.Context, job *models.SchedulerJob) (models.RunOutcome, error) {
		fired <- job.ID
		return models.RunOutcomeUseful, nil
	})

	job, err := sch.CreateJob("ticker", models.Schedule{Kind: models.ScheduleEvery, Every: "10s"}, nil)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// Back-date the job so it's immediately due without waiting 10s.
	if err := s.CompleteJobRun(job.ID, time.Now().Add(-time.Second).UnixMilli(), 0, 0, models.JobStatusIdle); err != nil {
		t.Fatalf("backdating job failed: %v", err)
	}

	if err := sch.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sch.Stop()

	select {
	case id := <-fired:
		if id != job.ID {
			t.Errorf("expected job %s to fire, got %s", job.ID, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job to fire")
	}

	got, err := sch.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.RunningAtMs != nil {
		t.Error("expected running marker cleared after firing")
	}

	log, err := sch.RunLog(job.ID, 10)
	if err != nil {
		t.Fatalf("RunLog failed: %v", err)
	}
	if len(log) != 1 || log[0].Outcome != models.RunOutcomeUseful {
		t.Errorf("expected one useful run log entry, got %+v", log)
	}
}

var errFailing = errors.New("failing")

func TestJobDisabledAfterMaxConsecutiveErrors(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	sch := New(s, &Config{MaxConsecutiveErrors: 2}, nil)
	sch.SetOnJobDue(func(ctx context.Context, job *models.SchedulerJob) (models.RunOutcome, error) {
		return models.RunOutcomeError, errFailing
	})

	job, err := sch.CreateJob("flaky", models.Schedule{Kind: models.ScheduleEvery, Every: "10s"}, nil)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		cur, err := sch.GetJob(job.ID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		// Backdate the next firing but keep the error count the previous
		// firing recorded.
		if err := s.CompleteJobRun(job.ID, time.Now().Add(-time.Second).UnixMilli(), 0, cur.ConsecutiveErrors, models.JobStatusIdle); err != nil {
			t.Fatalf("backdate failed: %v", err)
		}
		sch.fireDue()
	}

	got, err := sch.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Enabled {
		t.Error("expected job disabled after repeated errors")
	}
	if got.Status != models.JobStatusDisabled {
		t.Errorf("expected disabled status, got %s", got.Status)
	}
}

func TestPauseAndResumeJob(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	sch := New(s, DefaultConfig(), nil)
	job, err := sch.CreateJob("pausable", models.Schedule{Kind: models.ScheduleEvery, Every: "10s"}, nil)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := sch.PauseJob(job.ID); err != nil {
		t.Fatalf("PauseJob failed: %v", err)
	}
	got, _ := sch.GetJob(job.ID)
	if got.Enabled {
		t.Error("expected job disabled after pause")
	}

	if err := sch.ResumeJob(job.ID); err != nil {
		t.Fatalf("ResumeJob failed: %v", err)
	}
	got, _ = sch.GetJob(job.ID)
	if !got.Enabled {
		t.Error("expected job enabled after resume")
	}
}
