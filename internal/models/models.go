// Package models defines the core domain types shared across Halo's
// subsystems: store, scheduler, event bus, and run engine.
package models

import "time"

// ScheduleKind identifies which variant of Schedule is populated.
type ScheduleKind string

const (
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
	ScheduleOnce  ScheduleKind = "once"
)

// Schedule is a tagged variant: exactly one of the kind-specific fields is
// meaningful, selected by Kind.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// Every holds a duration string (e.g. "90s", "5m") for ScheduleEvery.
	// Values below 10s are clamped to 10s at parse time.
	Every string `json:"every,omitempty"`

	// Cron holds a standard 5-field cron expression (or a 6-field one with
	// a leading seconds field) for ScheduleCron.
	Cron string `json:"cron,omitempty"`
	// Timezone is an IANA zone name; empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	// At holds an absolute timestamp for ScheduleOnce.
	At time.Time `json:"at,omitempty"`
}

// JobStatus is the lifecycle state of a SchedulerJob.
type JobStatus string

const (
	JobStatusIdle     JobStatus = "idle"
	JobStatusRunning  JobStatus = "running"
	JobStatusPaused   JobStatus = "paused"
	JobStatusDisabled JobStatus = "disabled"
)

// SchedulerJob is a persisted, recurring or one-shot unit of scheduled work.
type SchedulerJob struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Schedule Schedule          `json:"schedule"`
	Enabled  bool              `json:"enabled"`

	// AnchorMs is the grid origin used by NextEvery; it never moves once
	// the job is created, so "every" schedules don't drift.
	AnchorMs int64 `json:"anchor_ms"`

	NextRunAtMs int64  `json:"next_run_at_ms"`
	LastRunAtMs *int64 `json:"last_run_at_ms,omitempty"`
	// RunningAtMs is set while a run is in flight and cleared on
	// completion; a non-nil value surviving a restart marks a stale run.
	RunningAtMs *int64 `json:"running_at_ms,omitempty"`

	ConsecutiveErrors int       `json:"consecutive_errors"`
	Status            JobStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunOutcome classifies how a scheduled firing (or an app run) ended.
type RunOutcome string

const (
	RunOutcomeUseful  RunOutcome = "useful"
	RunOutcomeNoop    RunOutcome = "noop"
	RunOutcomeError   RunOutcome = "error"
	RunOutcomeSkipped RunOutcome = "skipped"
)

// RunLogEntry is an append-only record of one scheduler firing, pruned to
// the most recent entries per job.
type RunLogEntry struct {
	ID        string     `json:"id"`
	JobID     string     `json:"job_id"`
	FiredAtMs int64      `json:"fired_at_ms"`
	Outcome   RunOutcome `json:"outcome"`
	Error     string     `json:"error,omitempty"`
}

// HaloEvent is the common envelope every event-bus source produces.
type HaloEvent struct {
	Type       string                 `json:"type"`
	Source     string                 `json:"source"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	DedupKey   string                 `json:"dedup_key,omitempty"`
	ReceivedAt time.Time              `json:"received_at"`
}

// AppType distinguishes how an installed app is driven.
type AppType string

const (
	AppTypeAutomation AppType = "automation"
	AppTypeSkill      AppType = "skill"
	AppTypeMCP        AppType = "mcp"
	AppTypeExtension  AppType = "extension"
)

// AppStatus is the lifecycle state of an InstalledApp.
type AppStatus string

const (
	AppStatusActive      AppStatus = "active"
	AppStatusPaused      AppStatus = "paused"
	AppStatusError       AppStatus = "error"
	AppStatusNeedsLogin  AppStatus = "needs_login"
	AppStatusWaitingUser AppStatus = "waiting_user"
	AppStatusUninstalled AppStatus = "uninstalled"
)

// SubscriptionSource names what an app's subscription reacts to.
type SubscriptionSource string

// Subscription binds a subscription source to an optional filter and the
// schedule that drives it, when the source is schedule-shaped.
type Subscription struct {
	Source   SubscriptionSource `json:"source"`
	Filter   string             `json:"filter,omitempty"`
	Schedule *Schedule          `json:"schedule,omitempty"`
}

// EscalationConfig describes an app's opt-in to the escalate/resume
// protocol, including its timeout in the app-authored unit (hours).
type EscalationConfig struct {
	Enabled      bool `json:"enabled"`
	TimeoutHours int  `json:"timeout_hours,omitempty"`
}

// AppSpec is the opaque, app-authored manifest an InstalledApp is created
// from. RawJSON carries the full document unmodified; the typed fields are
// the minimal subset Halo itself needs to read.
type AppSpec struct {
	ID            string            `json:"id"`
	Type          AppType           `json:"type"`
	Subscriptions []Subscription    `json:"subscriptions,omitempty"`
	Escalation    *EscalationConfig `json:"escalation,omitempty"`
	RawJSON       []byte            `json:"-"`
}

// Permissions records the grant/deny decision an app was installed with.
type Permissions struct {
	Granted []string `json:"granted,omitempty"`
	Denied  []string `json:"denied,omitempty"`
}

// UserOverrides holds per-subscription overrides a user has applied on top
// of the app's own defaults, keyed by subscription source.
type UserOverrides struct {
	Frequency map[string]string `json:"frequency,omitempty"`
}

// InstalledApp is a user's instance of an AppSpec within a space.
type InstalledApp struct {
	ID      string `json:"id"`
	SpecID  string `json:"spec_id"`
	SpaceID string `json:"space_id"`

	Spec          AppSpec       `json:"spec"`
	UserConfig    []byte        `json:"user_config,omitempty"`
	UserOverrides UserOverrides `json:"user_overrides"`
	Permissions   Permissions   `json:"permissions"`

	Status              AppStatus `json:"status"`
	PendingEscalationID *string   `json:"pending_escalation_id,omitempty"`

	InstalledAt    time.Time   `json:"installed_at"`
	UninstalledAt  *time.Time  `json:"uninstalled_at,omitempty"`
	LastRunAt      *time.Time  `json:"last_run_at,omitempty"`
	LastRunOutcome *RunOutcome `json:"last_run_outcome,omitempty"`
	ErrorMessage   string      `json:"error_message,omitempty"`
}

// RuntimeAppStatus is the in-memory, not-persisted-verbatim status of an
// app's current runtime activity, distinct from its persisted AppStatus.
type RuntimeAppStatus string

const (
	RuntimeIdle        RuntimeAppStatus = "idle"
	RuntimeRunning     RuntimeAppStatus = "running"
	RuntimeQueued      RuntimeAppStatus = "queued"
	RuntimePaused      RuntimeAppStatus = "paused"
	RuntimeWaitingUser RuntimeAppStatus = "waiting_user"
	RuntimeError       RuntimeAppStatus = "error"
)

// AutomationAppState is the run engine's in-memory view of one activated
// app: its runtime status plus the active run, if any.
type AutomationAppState struct {
	AppID     string           `json:"app_id"`
	Status    RuntimeAppStatus `json:"status"`
	ActiveRun *Run             `json:"active_run,omitempty"`
}

// TriggerKind identifies what caused a Run to start.
type TriggerKind string

const (
	TriggerManual           TriggerKind = "manual"
	TriggerSchedule         TriggerKind = "schedule"
	TriggerEvent            TriggerKind = "event"
	TriggerEscalationResume TriggerKind = "escalation_resume"
)

// Trigger carries the kind of trigger plus the identifier of whatever
// caused it (job id, event dedup key, or the answered escalation entry's id).
type Trigger struct {
	Kind TriggerKind `json:"kind"`
	Ref  string      `json:"ref,omitempty"`
}

// Run is one execution attempt of an installed app.
type Run struct {
	ID      string  `json:"id"`
	AppID   string  `json:"app_id"`
	Trigger Trigger `json:"trigger"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Outcome *RunOutcome `json:"outcome,omitempty"`
	Error   string      `json:"error,omitempty"`

	// SessionKey links an escalation-producing Run to the Run that later
	// resumes it. Every run is given one; a resume run reuses the key of
	// the run whose escalation it answers.
	SessionKey string `json:"session_key,omitempty"`
}

// ActivityType classifies one entry in an app's activity log.
type ActivityType string

const (
	ActivityRunComplete ActivityType = "run_complete"
	ActivityRunSkipped  ActivityType = "run_skipped"
	ActivityMilestone   ActivityType = "milestone"
	ActivityEscalation  ActivityType = "escalation"
	ActivityOutput      ActivityType = "output"
)

// ActivityContent is the free-form payload of an ActivityEntry; Question
// and Choices are populated only for ActivityEscalation entries.
type ActivityContent struct {
	Summary  string                 `json:"summary,omitempty"`
	Status   string                 `json:"status,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Question string                 `json:"question,omitempty"`
	Choices  []string               `json:"choices,omitempty"`
}

// UserResponse records how a user resolved an escalation.
type UserResponse struct {
	Ts     time.Time `json:"ts"`
	Choice string    `json:"choice,omitempty"`
	Text   string    `json:"text,omitempty"`
}

// ActivityEntry is one append-only record in an installed app's activity
// log, surfaced to the UI layer (out of scope here) via ListActivity.
type ActivityEntry struct {
	ID    string       `json:"id"`
	AppID string       `json:"app_id"`
	RunID string       `json:"run_id,omitempty"`
	Type  ActivityType `json:"type"`
	Ts    time.Time    `json:"ts"`

	// SessionKey mirrors Run.SessionKey for escalation entries, so a
	// resume's ActivityEntry can be correlated back to the question.
	SessionKey string `json:"session_key,omitempty"`

	Content      ActivityContent `json:"content"`
	UserResponse *UserResponse   `json:"user_response,omitempty"`
}

// RunStats summarizes a job's run log, optionally bounded to firings at or
// after SinceMs.
type RunStats struct {
	JobID       string             `json:"job_id"`
	Total       int                `json:"total"`
	ByOutcome   map[RunOutcome]int `json:"by_outcome"`
	LastOutcome RunOutcome         `json:"last_outcome,omitempty"`
	LastFiredAt int64              `json:"last_fired_at_ms,omitempty"`
}

// JobPatch carries the mutable subset of a SchedulerJob an UpdateJob call
// may change; nil fields are left untouched.
type JobPatch struct {
	Name     *string           `json:"name,omitempty"`
	Schedule *Schedule         `json:"schedule,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// KeepAliveReason is one named, reference-counted reason the daemon (or a
// shared single-instance resource) must stay alive. It is dropped as soon as
// its refcount reaches zero, and pruned once more than the TTL has passed
// since LastTouch, whatever its refcount.
type KeepAliveReason struct {
	Reason    string    `json:"reason"`
	RefCount  int       `json:"ref_count"`
	LastTouch time.Time `json:"last_touch"`
}
