// Package runengine owns installed-app records and per-app runtime state,
// converts scheduler and event-bus fires into app runs, enforces
// global/per-app concurrency, tracks escalations, and appends activity
// entries.
package runengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haloruntime/halo/internal/agent"
	"github.com/haloruntime/halo/internal/models"
	"github.com/haloruntime/halo/internal/scheduler"
	"github.com/haloruntime/halo/internal/store"
	"go.uber.org/zap"
)

// SchedulerHandle is the subset of *scheduler.Scheduler the engine needs to
// mirror app subscriptions as scheduler jobs, kept narrow for testability.
type SchedulerHandle interface {
	CreateJob(name string, sched models.Schedule, metadata map[string]string) (*models.SchedulerJob, error)
	PauseJob(id string) error
	ResumeJob(id string) error
	DeleteJob(id string) error
	ListJobs() ([]*models.SchedulerJob, error)
}

var _ SchedulerHandle = (*scheduler.Scheduler)(nil)

// Config tunes the engine's global concurrency, app work-directory root, and
// default escalation timeout.
type Config struct {
	GlobalConcurrency int
	DataDir           string
	EscalationTimeout time.Duration
}

// DefaultConfig returns the engine defaults named in the environment knobs:
// global concurrency 4, escalation timeout 24h.
func DefaultConfig() *Config {
	return &Config{GlobalConcurrency: 4, EscalationTimeout: 24 * time.Hour}
}

// queuedAdmission is one run waiting for a free global-concurrency slot. Runs
// are dequeued strictly in arrival order by releaseSlot.
type queuedAdmission struct {
	app *models.InstalledApp
	run *models.Run
}

// Engine is the run engine's composition root: it holds the store, a
// scheduler handle for mirroring schedule subscriptions, the agent invoker,
// and all in-memory runtime bookkeeping (app states, the global semaphore,
// and the FIFO admission queue).
type Engine struct {
	store   *store.Store
	sched   SchedulerHandle
	invoker agent.Invoker
	cfg     *Config
	log     *zap.SugaredLogger

	mu        sync.Mutex
	globalSem chan struct{}
	queue     []queuedAdmission
	states    map[string]models.AutomationAppState
	jobIDs    map[string][]string // appID -> scheduler job ids it registered
	subs      map[string][]subscriptionBinding
}

// New creates an Engine. Call RecoverOnStartup once after construction and
// before serving traffic.
func New(s *store.Store, sched SchedulerHandle, invoker agent.Invoker, cfg *Config, logger *zap.SugaredLogger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		store:     s,
		sched:     sched,
		invoker:   invoker,
		cfg:       cfg,
		log:       logger,
		globalSem: make(chan struct{}, cfg.GlobalConcurrency),
		states:    make(map[string]models.AutomationAppState),
		jobIDs:    make(map[string][]string),
		subs:      make(map[string][]subscriptionBinding),
	}
}

// RecoverOnStartup marks any run left "in-flight" from a prior process as
// interrupted, since there is no meaningful resume semantics for a run that
// was mid-flight when the daemon stopped.
func (e *Engine) RecoverOnStartup() error {
	runs, err := e.store.ListInFlightRuns()
	if err != nil {
		return fmt.Errorf("list in-flight runs: %w", err)
	}
	for _, r := range runs {
		if err := e.store.CompleteRun(r.ID, time.Now().UTC(), models.RunOutcomeError, "process-interrupted"); err != nil {
			e.log.Errorw("mark interrupted run", "run_id", r.ID, "error", err)
		}
	}
	if len(runs) > 0 {
		e.log.Warnw("marked in-flight runs as interrupted", "count", len(runs))
	}
	return nil
}

// --- Installed-app management ---

// Install validates uniqueness, inserts the app row, and creates its work
// directories. On directory failure the row is rolled back.
func (e *Engine) Install(spec models.AppSpec, spaceID string, userConfig []byte, perms models.Permissions) (*models.InstalledApp, error) {
	existing, err := e.store.ListApps(spaceID, "")
	if err != nil {
		return nil, err
	}
	for _, a := range existing {
		if a.SpecID == spec.ID {
			return nil, errAppAlreadyInstalled(spec.ID, spaceID)
		}
	}

	app := &models.InstalledApp{
		ID:          store.NewID(),
		SpecID:      spec.ID,
		SpaceID:     spaceID,
		Spec:        spec,
		UserConfig:  userConfig,
		Permissions: perms,
		Status:      models.AppStatusActive,
		InstalledAt: time.Now().UTC(),
	}
	if err := e.store.CreateApp(app); err != nil {
		if errors.Is(err, store.ErrAppAlreadyInstalled) {
			return nil, errAppAlreadyInstalled(spec.ID, spaceID)
		}
		return nil, err
	}

	if err := os.MkdirAll(e.memoryDir(app.ID, spaceID), 0o755); err != nil {
		_ = e.store.DeleteApp(app.ID)
		return nil, fmt.Errorf("create app work directory: %w", err)
	}

	if err := e.Activate(app.ID); err != nil {
		e.log.Errorw("activate newly installed app", "app_id", app.ID, "error", err)
	}
	return app, nil
}

func (e *Engine) appDir(appID, spaceID string) string {
	return filepath.Join(e.cfg.DataDir, spaceID, "apps", appID)
}

func (e *Engine) memoryDir(appID, spaceID string) string {
	return filepath.Join(e.appDir(appID, spaceID), "memory")
}

// Uninstall soft-deletes an app: status moves to uninstalled, its
// subscriptions are torn down, but its directory and scheduler job records
// survive until Delete.
func (e *Engine) Uninstall(appID string) error {
	app, err := e.store.GetApp(appID)
	if err != nil {
		return err
	}
	if app == nil {
		return errAppNotFound(appID)
	}
	if !canTransition(app.Status, models.AppStatusUninstalled) {
		return errInvalidStatusTransition(string(app.Status), string(models.AppStatusUninstalled))
	}
	if err := e.Deactivate(appID); err != nil {
		e.log.Errorw("deactivate app on uninstall", "app_id", appID, "error", err)
	}
	return e.store.UninstallApp(appID, time.Now().UTC())
}

// Reinstall restores a soft-deleted app to active and re-activates its
// subscriptions.
func (e *Engine) Reinstall(appID string) error {
	app, err := e.store.GetApp(appID)
	if err != nil {
		return err
	}
	if app == nil {
		return errAppNotFound(appID)
	}
	if !canTransition(app.Status, models.AppStatusActive) {
		return errInvalidStatusTransition(string(app.Status), string(models.AppStatusActive))
	}
	if err := e.store.UpdateAppStatus(appID, models.AppStatusActive, ""); err != nil {
		return err
	}
	if err := e.Activate(appID); err != nil {
		var derr *Error
		if errors.As(err, &derr) && derr.Kind == KindNoSubscriptions {
			return nil
		}
		return err
	}
	return nil
}

// Delete permanently removes an uninstalled app: its row, activity and run
// history, scheduler jobs, and work directory.
func (e *Engine) Delete(appID string) error {
	app, err := e.store.GetApp(appID)
	if err != nil {
		return err
	}
	if app == nil {
		return errAppNotFound(appID)
	}
	if app.Status != models.AppStatusUninstalled {
		return errInvalidStatusTransition(string(app.Status), "deleted")
	}

	e.mu.Lock()
	jobIDs := e.jobIDs[appID]
	delete(e.jobIDs, appID)
	delete(e.subs, appID)
	delete(e.states, appID)
	e.mu.Unlock()

	for _, id := range jobIDs {
		if err := e.sched.DeleteJob(id); err != nil {
			e.log.Errorw("delete scheduler job", "job_id", id, "error", err)
		}
	}

	if err := e.store.DeleteApp(appID); err != nil {
		return err
	}
	return os.RemoveAll(e.appDir(appID, app.SpaceID))
}

// SetStatus performs an explicit state-machine transition (e.g. user pause
// or resume from error), tearing down or re-establishing subscriptions as
// the app enters or leaves active.
func (e *Engine) SetStatus(appID string, to models.AppStatus, errMsg string) error {
	app, err := e.store.GetApp(appID)
	if err != nil {
		return err
	}
	if app == nil {
		return errAppNotFound(appID)
	}
	if !canTransition(app.Status, to) {
		return errInvalidStatusTransition(string(app.Status), string(to))
	}
	if err := e.store.UpdateAppStatus(appID, to, errMsg); err != nil {
		return err
	}
	if app.Status == models.AppStatusActive && to != models.AppStatusActive {
		return e.Deactivate(appID)
	}
	if app.Status != models.AppStatusActive && to == models.AppStatusActive {
		return e.Activate(appID)
	}
	return nil
}

// Activate registers one scheduler job per schedule-shaped subscription and
// one in-memory bus binding per event-shaped subscription. Existing
// scheduler jobs for this app (from a prior activation, e.g. across a
// restart) are reused rather than duplicated.
func (e *Engine) Activate(appID string) error {
	app, err := e.store.GetApp(appID)
	if err != nil {
		return err
	}
	if app == nil {
		return errAppNotFound(appID)
	}
	if len(app.Spec.Subscriptions) == 0 {
		return errNoSubscriptions(appID)
	}

	existingJobs, err := e.sched.ListJobs()
	if err != nil {
		return fmt.Errorf("list scheduler jobs: %w", err)
	}

	var jobIDs []string
	var bindings []subscriptionBinding
	for i, sub := range app.Spec.Subscriptions {
		subID := subscriptionID(i)
		if sub.Source == scheduleSourceType {
			if sub.Schedule == nil {
				continue
			}
			job := findJob(existingJobs, appID, subID)
			if job == nil {
				job, err = e.sched.CreateJob(appID+":"+subID, *sub.Schedule, map[string]string{
					"app_id": appID, "subscription_id": subID,
				})
				if err != nil {
					return fmt.Errorf("create scheduler job for subscription %s: %w", subID, err)
				}
			} else {
				_ = e.sched.ResumeJob(job.ID)
			}
			jobIDs = append(jobIDs, job.ID)
			continue
		}
		bindings = append(bindings, subscriptionBinding{
			appID: appID, subscriptionID: subID, source: sub.Source, filter: sub.Filter,
		})
	}

	e.mu.Lock()
	e.jobIDs[appID] = jobIDs
	e.subs[appID] = bindings
	e.mu.Unlock()
	return nil
}

func findJob(jobs []*models.SchedulerJob, appID, subID string) *models.SchedulerJob {
	for _, j := range jobs {
		if j.Metadata["app_id"] == appID && j.Metadata["subscription_id"] == subID {
			return j
		}
	}
	return nil
}

// Deactivate pauses (but does not delete) this app's scheduler jobs and
// removes its in-memory bus bindings.
func (e *Engine) Deactivate(appID string) error {
	e.mu.Lock()
	jobIDs := e.jobIDs[appID]
	delete(e.subs, appID)
	e.mu.Unlock()

	for _, id := range jobIDs {
		if err := e.sched.PauseJob(id); err != nil {
			e.log.Errorw("pause scheduler job on deactivate", "job_id", id, "error", err)
		}
	}
	return nil
}

// --- Event dispatch ---

// Dispatch is installed as the event bus's sink: it resolves which
// installed app(s) a bus event targets and triggers a run for each. Errors
// from rejected triggers are logged, never returned, matching the bus's
// contract that sink errors are caught.
func (e *Engine) Dispatch(ev models.HaloEvent) error {
	if ev.Type == "schedule.due" {
		e.dispatchScheduleDue(ev)
		return nil
	}

	e.mu.Lock()
	var matched []string
	for appID, bindings := range e.subs {
		for _, b := range bindings {
			if b.matches(ev) {
				matched = append(matched, appID)
				break
			}
		}
	}
	e.mu.Unlock()

	for _, appID := range matched {
		trigger := models.Trigger{Kind: models.TriggerEvent, Ref: ev.DedupKey}
		if _, err := e.TriggerRun(context.Background(), appID, trigger); err != nil {
			e.log.Warnw("event-triggered run rejected", "app_id", appID, "error", err)
		}
	}
	return nil
}

func (e *Engine) dispatchScheduleDue(ev models.HaloEvent) {
	jobID, _ := ev.Payload["job_id"].(string)
	metadata, _ := ev.Payload["metadata"].(map[string]string)
	if metadata == nil {
		return
	}
	appID, ok := metadata["app_id"]
	if !ok {
		return
	}
	trigger := models.Trigger{Kind: models.TriggerSchedule, Ref: jobID}
	if _, err := e.TriggerRun(context.Background(), appID, trigger); err != nil {
		e.log.Warnw("schedule-triggered run rejected", "app_id", appID, "job_id", jobID, "error", err)
	}
}

// --- Run execution ---

func (e *Engine) getOrCreateState(appID string) models.AutomationAppState {
	s, ok := e.states[appID]
	if !ok {
		s = models.AutomationAppState{AppID: appID, Status: models.RuntimeIdle}
		e.states[appID] = s
	}
	return s
}

// AppState returns the engine's current runtime view of an app.
func (e *Engine) AppState(appID string) models.AutomationAppState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.getOrCreateState(appID)
}

// TriggerRun admits a run for appID under the per-app and global
// concurrency invariants and returns as soon as the run is persisted in
// the queue, never blocking on a free execution slot. Callers on the
// scheduler tick and the webhook HTTP path depend on this: a call here
// must never stall waiting for another run to finish.
func (e *Engine) TriggerRun(ctx context.Context, appID string, trigger models.Trigger) (*models.Run, error) {
	return e.triggerRun(ctx, appID, trigger, store.NewID())
}

func (e *Engine) triggerRun(ctx context.Context, appID string, trigger models.Trigger, sessionKey string) (*models.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	app, err := e.store.GetApp(appID)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, errAppNotFound(appID)
	}
	if app.Status != models.AppStatusActive && app.Status != models.AppStatusError {
		return nil, errAppNotRunnable(string(app.Status))
	}

	e.mu.Lock()
	state := e.getOrCreateState(appID)
	if state.Status == models.RuntimeRunning || state.Status == models.RuntimeQueued {
		e.mu.Unlock()
		return nil, errConcurrencyLimit(true)
	}
	state.Status = models.RuntimeQueued
	e.states[appID] = state
	e.mu.Unlock()

	run := &models.Run{
		ID:         store.NewID(),
		AppID:      appID,
		Trigger:    trigger,
		StartedAt:  time.Now().UTC(),
		SessionKey: sessionKey,
	}
	if err := e.store.CreateRun(run); err != nil {
		e.mu.Lock()
		state.Status = models.RuntimeIdle
		e.states[appID] = state
		e.mu.Unlock()
		return nil, err
	}

	e.admit(app, run)
	return run, nil
}

// admit hands a run either straight to execute (a slot is free) or onto the
// FIFO admission queue, never blocking the calling goroutine. Queued runs
// are started later by releaseSlot as slots free up.
func (e *Engine) admit(app *models.InstalledApp, run *models.Run) {
	e.mu.Lock()
	select {
	case e.globalSem <- struct{}{}:
		e.mu.Unlock()
		e.start(app, run)
		return
	default:
	}
	e.queue = append(e.queue, queuedAdmission{app: app, run: run})
	e.mu.Unlock()
}

// start marks the run's app state running and launches execution in its
// own goroutine. Caller must already hold a global-concurrency slot.
func (e *Engine) start(app *models.InstalledApp, run *models.Run) {
	e.mu.Lock()
	state := e.states[app.ID]
	state.Status = models.RuntimeRunning
	state.ActiveRun = run
	e.states[app.ID] = state
	e.mu.Unlock()

	go e.execute(app, run)
}

func (e *Engine) execute(app *models.InstalledApp, run *models.Run) {
	ctx := context.Background()
	onReport := e.buildOnReport(app.ID, run)

	inv := agent.Invocation{
		WorkDir:  e.appDir(app.ID, app.SpaceID),
		Env:      map[string]string{"HALO_APP_ID": app.ID, "HALO_RUN_ID": run.ID},
		OnReport: onReport,
	}

	result, invErr := e.invoker.Invoke(ctx, inv)
	outcome := models.RunOutcome(result.Outcome)
	if outcome == "" {
		outcome = models.RunOutcomeError
	}

	if err := e.store.CompleteRun(run.ID, time.Now().UTC(), outcome, result.Error); err != nil {
		e.log.Errorw("complete run", "run_id", run.ID, "error", err)
	}
	if err := e.store.RecordAppRun(app.ID, time.Now().UTC(), outcome); err != nil {
		e.log.Errorw("record app run", "app_id", app.ID, "error", err)
	}

	entryType := models.ActivityRunComplete
	if outcome == models.RunOutcomeSkipped {
		entryType = models.ActivityRunSkipped
	}
	entry := &models.ActivityEntry{
		ID: store.NewID(), AppID: app.ID, RunID: run.ID, Type: entryType,
		Ts: time.Now().UTC(), SessionKey: run.SessionKey,
		Content: models.ActivityContent{Summary: result.Error, Status: string(outcome)},
	}
	if err := e.store.AppendActivity(entry); err != nil {
		e.log.Errorw("append run-complete activity", "run_id", run.ID, "error", err)
	}

	if invErr != nil && outcome == models.RunOutcomeError {
		if err := e.store.UpdateAppStatus(app.ID, models.AppStatusError, result.Error); err != nil {
			e.log.Errorw("set app error status", "app_id", app.ID, "error", err)
		}
	}

	e.mu.Lock()
	state := e.states[app.ID]
	if state.Status != models.RuntimeWaitingUser {
		state.Status = models.RuntimeIdle
	}
	state.ActiveRun = nil
	e.states[app.ID] = state
	e.mu.Unlock()

	e.releaseSlot()
}

func (e *Engine) buildOnReport(appID string, run *models.Run) agent.ReportFunc {
	return func(ctx context.Context, report agent.Report) (agent.ReportAck, error) {
		entry := &models.ActivityEntry{
			ID: store.NewID(), AppID: appID, RunID: run.ID,
			Type: models.ActivityType(report.Type), Ts: time.Now().UTC(), SessionKey: run.SessionKey,
			Content: models.ActivityContent{
				Summary: report.Summary, Data: report.Data,
				Question: report.Question, Choices: report.Choices,
			},
		}
		if err := e.store.AppendActivity(entry); err != nil {
			return agent.ReportAck{}, err
		}

		mustEnd := false
		if report.Type == agent.ReportEscalation {
			mustEnd = true
			e.mu.Lock()
			state := e.states[appID]
			state.Status = models.RuntimeWaitingUser
			e.states[appID] = state
			e.mu.Unlock()
			if err := e.store.UpdateAppStatus(appID, models.AppStatusWaitingUser, ""); err != nil {
				return agent.ReportAck{}, err
			}
			if err := e.store.SetPendingEscalation(appID, &entry.ID); err != nil {
				return agent.ReportAck{}, err
			}
		}
		return agent.ReportAck{EntryID: entry.ID, MustEnd: mustEnd}, nil
	}
}

// --- Admission queue ---

// releaseSlot is called by execute as it finishes. If a run is waiting in
// the FIFO queue it is handed the freed slot directly (the semaphore count
// never changes); otherwise the slot itself is released.
func (e *Engine) releaseSlot() {
	e.mu.Lock()
	if len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		e.start(next.app, next.run)
		return
	}
	<-e.globalSem
	e.mu.Unlock()
}

// --- Escalation / resume ---

// RespondToEscalation fills in a pending escalation's user response,
// returns the app to active, and enqueues a resume run sharing the
// original run's session key.
func (e *Engine) RespondToEscalation(ctx context.Context, appID, entryID string, resp models.UserResponse) (*models.Run, error) {
	app, err := e.store.GetApp(appID)
	if err != nil {
		return nil, err
	}
	if app == nil || app.Status != models.AppStatusWaitingUser || app.PendingEscalationID == nil || *app.PendingEscalationID != entryID {
		return nil, errEscalationNotFound(appID, entryID)
	}

	entry, err := e.store.GetActivityEntry(entryID)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.AppID != appID || entry.UserResponse != nil {
		return nil, errEscalationNotFound(appID, entryID)
	}

	resp.Ts = time.Now().UTC()
	if err := e.store.RecordEscalationResponse(entry.SessionKey, &resp); err != nil {
		return nil, err
	}
	if err := e.store.UpdateAppStatus(appID, models.AppStatusActive, ""); err != nil {
		return nil, err
	}
	if err := e.store.SetPendingEscalation(appID, nil); err != nil {
		return nil, err
	}

	e.mu.Lock()
	state := e.getOrCreateState(appID)
	state.Status = models.RuntimeIdle
	e.states[appID] = state
	e.mu.Unlock()

	return e.triggerRun(ctx, appID, models.Trigger{Kind: models.TriggerEscalationResume, Ref: entryID}, entry.SessionKey)
}

// EscalationTimeoutSweep scans waiting_user apps whose escalation has aged
// past the app spec's escalation.timeout_hours (cfg.EscalationTimeout when
// the spec sets none) and marks them error("escalation-timeout"), clearing
// the pending escalation so the app leaves waiting_user.
func (e *Engine) EscalationTimeoutSweep(spaceID string) error {
	apps, err := e.store.ListApps(spaceID, models.AppStatusWaitingUser)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, app := range apps {
		if app.PendingEscalationID == nil {
			continue
		}
		timeout := e.cfg.EscalationTimeout
		if esc := app.Spec.Escalation; esc != nil && esc.TimeoutHours > 0 {
			timeout = time.Duration(esc.TimeoutHours) * time.Hour
		}
		cutoff := now.Add(-timeout)
		entry, err := e.store.GetActivityEntry(*app.PendingEscalationID)
		if err != nil || entry == nil || entry.Ts.After(cutoff) {
			continue
		}
		if err := e.store.UpdateAppStatus(app.ID, models.AppStatusError, "escalation-timeout"); err != nil {
			e.log.Errorw("expire escalation", "app_id", app.ID, "error", err)
			continue
		}
		_ = e.store.SetPendingEscalation(app.ID, nil)

		e.mu.Lock()
		state := e.getOrCreateState(app.ID)
		state.Status = models.RuntimeError
		e.states[app.ID] = state
		e.mu.Unlock()
	}
	return nil
}

// ListActivity exposes the app's append-only activity log.
func (e *Engine) ListActivity(appID string, limit int, sinceMs int64) ([]*models.ActivityEntry, error) {
	return e.store.ListActivity(appID, limit, sinceMs)
}

// GetApp exposes the underlying installed app row.
func (e *Engine) GetApp(appID string) (*models.InstalledApp, error) {
	return e.store.GetApp(appID)
}

// ListApps exposes installed apps in a space.
func (e *Engine) ListApps(spaceID string, status models.AppStatus) ([]*models.InstalledApp, error) {
	return e.store.ListApps(spaceID, status)
}
