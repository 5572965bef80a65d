// Package controlplane provides Halo's own admin HTTP API: installed-app
// CRUD, activity query, escalation response, and job/app/event
// introspection, layered directly over the scheduler, event bus, and run
// engine. This is distinct from the out-of-scope "HTTP/IPC transport
// layer" spec names for the desktop UI — it is the daemon's own thin REST
// surface, the same role the teacher's control plane played over its task
// store.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haloruntime/halo/internal/eventbus"
	"github.com/haloruntime/halo/internal/models"
	"github.com/haloruntime/halo/internal/runengine"
	"github.com/haloruntime/halo/internal/scheduler"
	"github.com/haloruntime/halo/internal/store"
)

// Service is the business-logic layer the HTTP server delegates to. It
// holds no state of its own beyond the handles it was constructed with.
type Service struct {
	store *store.Store
	sched *scheduler.Scheduler
	bus   *eventbus.Bus
	eng   *runengine.Engine
}

// NewService wires a Service over the daemon's already-constructed store,
// scheduler, bus, and run engine.
func NewService(s *store.Store, sched *scheduler.Scheduler, bus *eventbus.Bus, eng *runengine.Engine) *Service {
	return &Service{store: s, sched: sched, bus: bus, eng: eng}
}

// --- Installed-app operations ---

// InstallAppRequest is the JSON body for POST /apps.
type InstallAppRequest struct {
	SpaceID     string          `json:"space_id"`
	Spec        json.RawMessage `json:"spec"`
	UserConfig  json.RawMessage `json:"user_config,omitempty"`
	Permissions models.Permissions `json:"permissions,omitempty"`
}

// InstallApp decodes the app-authored spec document into the minimal
// typed shape Halo needs, then delegates to the run engine.
func (s *Service) InstallApp(req InstallAppRequest) (*models.InstalledApp, error) {
	var spec models.AppSpec
	if err := json.Unmarshal(req.Spec, &spec); err != nil {
		return nil, fmt.Errorf("decode app spec: %w", err)
	}
	spec.RawJSON = []byte(req.Spec)
	return s.eng.Install(spec, req.SpaceID, []byte(req.UserConfig), req.Permissions)
}

// GetApp returns a single installed app, or (nil, nil) if it doesn't exist.
func (s *Service) GetApp(appID string) (*models.InstalledApp, error) {
	return s.eng.GetApp(appID)
}

// ListApps returns installed apps in a space, optionally filtered by status.
func (s *Service) ListApps(spaceID string, status models.AppStatus) ([]*models.InstalledApp, error) {
	return s.eng.ListApps(spaceID, status)
}

// AppState returns the engine's in-memory runtime view of an app.
func (s *Service) AppState(appID string) models.AutomationAppState {
	return s.eng.AppState(appID)
}

// SetAppStatus performs an explicit status-machine transition (e.g. a
// user-initiated pause or resume-from-error).
func (s *Service) SetAppStatus(appID string, status models.AppStatus, errMsg string) error {
	return s.eng.SetStatus(appID, status, errMsg)
}

// UninstallApp soft-deletes an app.
func (s *Service) UninstallApp(appID string) error {
	return s.eng.Uninstall(appID)
}

// ReinstallApp restores a soft-deleted app to active.
func (s *Service) ReinstallApp(appID string) error {
	return s.eng.Reinstall(appID)
}

// DeleteApp permanently removes an uninstalled app.
func (s *Service) DeleteApp(appID string) error {
	return s.eng.Delete(appID)
}

// TriggerRun admits a manual run for appID.
func (s *Service) TriggerRun(ctx context.Context, appID string) (*models.Run, error) {
	return s.eng.TriggerRun(ctx, appID, models.Trigger{Kind: models.TriggerManual})
}

// ListActivity returns an app's activity log, newest first.
func (s *Service) ListActivity(appID string, limit int, sinceMs int64) ([]*models.ActivityEntry, error) {
	return s.eng.ListActivity(appID, limit, sinceMs)
}

// RespondToEscalation answers a pending escalation and enqueues the resume run.
func (s *Service) RespondToEscalation(ctx context.Context, appID, entryID string, resp models.UserResponse) (*models.Run, error) {
	return s.eng.RespondToEscalation(ctx, appID, entryID, resp)
}

// --- Scheduler job operations ---

// CreateJobRequest is the JSON body for POST /jobs.
type CreateJobRequest struct {
	Name     string            `json:"name"`
	Schedule models.Schedule   `json:"schedule"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CreateJob creates a standalone scheduler job (not tied to an app
// subscription — used by operators for ad hoc scheduled work).
func (s *Service) CreateJob(req CreateJobRequest) (*models.SchedulerJob, error) {
	return s.sched.CreateJob(req.Name, req.Schedule, req.Metadata)
}

// GetJob returns a job by ID.
func (s *Service) GetJob(id string) (*models.SchedulerJob, error) {
	return s.sched.GetJob(id)
}

// ListJobs returns every scheduler job.
func (s *Service) ListJobs() ([]*models.SchedulerJob, error) {
	return s.sched.ListJobs()
}

// UpdateJob applies a patch to an existing job.
func (s *Service) UpdateJob(id string, patch models.JobPatch) error {
	return s.sched.UpdateJob(id, patch)
}

// PauseJob disables a job.
func (s *Service) PauseJob(id string) error {
	return s.sched.PauseJob(id)
}

// ResumeJob re-enables a job.
func (s *Service) ResumeJob(id string) error {
	return s.sched.ResumeJob(id)
}

// DeleteJob permanently removes a job.
func (s *Service) DeleteJob(id string) error {
	return s.sched.DeleteJob(id)
}

// RunLog returns a job's most recent firings.
func (s *Service) RunLog(jobID string, limit int) ([]*models.RunLogEntry, error) {
	return s.sched.RunLog(jobID, limit)
}

// RunStats summarizes a job's run log.
func (s *Service) RunStats(jobID string, sinceMs int64) (*models.RunStats, error) {
	return s.sched.GetRunStats(jobID, sinceMs)
}

// --- Event bus introspection ---

// EventSources returns every currently registered bus source adapter.
func (s *Service) EventSources() []eventbus.SourceInfo {
	return s.bus.Sources()
}
