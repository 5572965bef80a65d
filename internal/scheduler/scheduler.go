// Package scheduler computes and fires durable, persisted job schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haloruntime/halo/internal/models"
	"github.com/haloruntime/halo/internal/store"
	"go.uber.org/zap"
)

// JobDueFunc is invoked once a job is due; it must return the outcome the
// firing should be recorded under. The scheduler itself does no app-level
// work — it is the bridge's (or the run engine's) job to decide what
// "useful" vs "noop" means for a given firing.
type JobDueFunc func(ctx context.Context, job *models.SchedulerJob) (models.RunOutcome, error)

// Scheduler fires durable, persisted schedules against a single armed
// timer rather than a fixed poll interval, so there is no catch-up storm
// after the daemon has been asleep or stopped for a while: only the
// nearest due job is computed, the timer is armed to that instant, and
// each firing recomputes the job's next occurrence from "now", never from
// the missed instants in between.
type Scheduler struct {
	store  *store.Store
	config *Config
	log    *zap.SugaredLogger

	mu      sync.Mutex
	onDue   JobDueFunc
	timer   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a Scheduler backed by s. Call SetOnJobDue before Start.
func New(s *store.Store, cfg *Config, logger *zap.SugaredLogger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  s,
		config: cfg,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetOnJobDue registers the callback invoked for each due firing. Not safe
// for concurrent use with Start.
func (sch *Scheduler) SetOnJobDue(fn JobDueFunc) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.onDue = fn
}

// Start clears stale running-markers left by a crash, then arms the timer
// for the nearest due job and begins firing.
func (sch *Scheduler) Start() error {
	sch.mu.Lock()
	if sch.started {
		sch.mu.Unlock()
		return nil
	}
	sch.started = true
	sch.mu.Unlock()

	cleared, err := sch.store.ClearStaleRunningMarkers()
	if err != nil {
		return fmt.Errorf("clear stale running markers: %w", err)
	}
	if len(cleared) > 0 {
		sch.log.Warnw("cleared stale running markers at startup", "job_ids", cleared)
	}

	sch.wg.Add(1)
	go sch.loop()
	sch.log.Info("scheduler started")
	return nil
}

// Stop cancels the tick loop and waits for in-flight bookkeeping to settle.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.mu.Lock()
	if sch.timer != nil {
		sch.timer.Stop()
	}
	sch.mu.Unlock()
	sch.wg.Wait()
	sch.log.Info("scheduler stopped")
}

// loop arms a single timer at the nearest due job and re-arms on every
// firing and every job mutation (via Rearm).
func (sch *Scheduler) loop() {
	defer sch.wg.Done()

	sch.rearm()

	for {
		sch.mu.Lock()
		timer := sch.timer
		sch.mu.Unlock()
		if timer == nil {
			// Nothing scheduled; wake periodically to notice new jobs
			// created while idle.
			select {
			case <-sch.ctx.Done():
				return
			case <-time.After(time.Second):
				sch.rearm()
				continue
			}
		}

		select {
		case <-sch.ctx.Done():
			return
		case <-timer.C:
			sch.fireDue()
			sch.rearm()
		}
	}
}

// rearm computes the next due instant across all enabled jobs and arms the
// timer to it, replacing any previously armed timer.
func (sch *Scheduler) rearm() {
	jobs, err := sch.store.ListJobs()
	if err != nil {
		sch.log.Errorw("list jobs for rearm", "error", err)
		return
	}

	var nextMs int64
	have := false
	for _, j := range jobs {
		if !j.Enabled || j.RunningAtMs != nil {
			continue
		}
		if !have || j.NextRunAtMs < nextMs {
			nextMs = j.NextRunAtMs
			have = true
		}
	}

	sch.mu.Lock()
	defer sch.mu.Unlock()
	if sch.timer != nil {
		sch.timer.Stop()
	}
	if !have {
		sch.timer = nil
		return
	}

	d := time.Until(time.UnixMilli(nextMs))
	if d < 0 {
		d = 0
	}
	sch.timer = time.NewTimer(d)
}

// fireDue claims and runs every job that is due as of now. A job's
// concurrency guard (running_at_ms) ensures a single in-flight firing per
// job; due jobs are processed sequentially, since the scheduler itself
// does no heavy lifting — onDue is expected to dispatch asynchronously if
// the work it represents is long-running.
func (sch *Scheduler) fireDue() {
	nowMs := time.Now().UnixMilli()
	due, err := sch.store.ListDueJobs(nowMs)
	if err != nil {
		sch.log.Errorw("list due jobs", "error", err)
		return
	}

	for _, job := range due {
		claimed, err := sch.store.MarkJobRunning(job.ID, nowMs)
		if err != nil {
			sch.log.Errorw("mark job running", "job_id", job.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		sch.runOne(job)
	}
}

func (sch *Scheduler) runOne(job *models.SchedulerJob) {
	sch.mu.Lock()
	onDue := sch.onDue
	sch.mu.Unlock()

	firedAtMs := time.Now().UnixMilli()

	var outcome models.RunOutcome
	var runErr error
	if onDue != nil {
		outcome, runErr = onDue(sch.ctx, job)
	} else {
		outcome = models.RunOutcomeNoop
	}

	consecutiveErrors := job.ConsecutiveErrors
	status := models.JobStatusIdle
	errMsg := ""
	if runErr != nil || outcome == models.RunOutcomeError {
		outcome = models.RunOutcomeError
		if runErr != nil {
			errMsg = runErr.Error()
		}
		consecutiveErrors++
		if consecutiveErrors >= sch.config.MaxConsecutiveErrors {
			status = models.JobStatusDisabled
			if err := sch.store.SetJobEnabled(job.ID, false); err != nil {
				sch.log.Errorw("disable job after repeated errors", "job_id", job.ID, "error", err)
			}
			sch.log.Warnw("job disabled after repeated errors", "job_id", job.ID, "consecutive_errors", consecutiveErrors)
		}
	} else {
		consecutiveErrors = 0
	}

	nextMs, err := ComputeNext(job.Schedule, job.AnchorMs, firedAtMs)
	if err != nil {
		sch.log.Errorw("compute next firing", "job_id", job.ID, "error", err)
		nextMs = job.NextRunAtMs
	}
	if nextMs == 0 {
		// ScheduleOnce has fired; disable rather than re-fire.
		if err := sch.store.SetJobEnabled(job.ID, false); err != nil {
			sch.log.Errorw("disable one-shot job", "job_id", job.ID, "error", err)
		}
		nextMs = firedAtMs
	}

	if err := sch.store.CompleteJobRun(job.ID, nextMs, firedAtMs, consecutiveErrors, status); err != nil {
		sch.log.Errorw("complete job run", "job_id", job.ID, "error", err)
	}

	entry := &models.RunLogEntry{
		ID:        store.NewID(),
		JobID:     job.ID,
		FiredAtMs: firedAtMs,
		Outcome:   outcome,
		Error:     errMsg,
	}
	if err := sch.store.AppendRunLog(entry); err != nil {
		sch.log.Errorw("append run log", "job_id", job.ID, "error", err)
	}
}

// CreateJob validates the schedule, computes the initial firing, persists
// the job, and re-arms the timer if it is now the nearest due job.
func (sch *Scheduler) CreateJob(name string, sched models.Schedule, metadata map[string]string) (*models.SchedulerJob, error) {
	now := time.Now().UTC()
	anchorMs := now.UnixMilli()

	nextMs, err := ComputeNext(sched, anchorMs, anchorMs)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	job := &models.SchedulerJob{
		ID:          store.NewID(),
		Name:        name,
		Metadata:    metadata,
		Schedule:    sched,
		Enabled:     true,
		AnchorMs:    anchorMs,
		NextRunAtMs: nextMs,
		Status:      models.JobStatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := sch.store.CreateJob(job); err != nil {
		return nil, err
	}
	sch.rearm()
	return job, nil
}

// UpdateJob applies a patch to an existing job. If Schedule changes, the
// next firing is recomputed from now against the existing anchor, the same
// way ResumeJob does, since the old next_run_at_ms may no longer be valid
// for the new schedule.
func (sch *Scheduler) UpdateJob(id string, patch models.JobPatch) error {
	job, err := sch.store.GetJob(id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}

	name := ""
	if patch.Name != nil {
		name = *patch.Name
	}

	var nextMs *int64
	if patch.Schedule != nil {
		n, err := ComputeNext(*patch.Schedule, job.AnchorMs, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("invalid schedule: %w", err)
		}
		nextMs = &n
	}

	if err := sch.store.UpdateJob(id, name, patch.Schedule, patch.Metadata, nextMs); err != nil {
		return err
	}
	sch.rearm()
	return nil
}

// GetRunStats summarizes a job's run log, optionally bounded to firings at
// or after sinceMs.
func (sch *Scheduler) GetRunStats(jobID string, sinceMs int64) (*models.RunStats, error) {
	return sch.store.GetRunStats(jobID, sinceMs)
}

// PauseJob disables a job so it no longer fires.
func (sch *Scheduler) PauseJob(id string) error {
	if err := sch.store.SetJobEnabled(id, false); err != nil {
		return err
	}
	sch.rearm()
	return nil
}

// ResumeJob re-enables a paused or error-disabled job and recomputes its
// next firing from now, since the old next_run_at_ms may be deep in the past.
func (sch *Scheduler) ResumeJob(id string) error {
	job, err := sch.store.GetJob(id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}
	nowMs := time.Now().UnixMilli()
	nextMs, err := ComputeNext(job.Schedule, job.AnchorMs, nowMs)
	if err != nil {
		return err
	}
	if err := sch.store.CompleteJobRun(id, nextMs, nowMs, 0, models.JobStatusIdle); err != nil {
		return err
	}
	if err := sch.store.SetJobEnabled(id, true); err != nil {
		return err
	}
	sch.rearm()
	return nil
}

// DeleteJob removes a job permanently.
func (sch *Scheduler) DeleteJob(id string) error {
	if err := sch.store.DeleteJob(id); err != nil {
		return err
	}
	sch.rearm()
	return nil
}

// GetJob returns a job by ID.
func (sch *Scheduler) GetJob(id string) (*models.SchedulerJob, error) {
	return sch.store.GetJob(id)
}

// ListJobs returns every scheduler job.
func (sch *Scheduler) ListJobs() ([]*models.SchedulerJob, error) {
	return sch.store.ListJobs()
}

// RunLog returns the most recent run log entries for a job.
func (sch *Scheduler) RunLog(jobID string, limit int) ([]*models.RunLogEntry, error) {
	return sch.store.ListRunLog(jobID, limit)
}
