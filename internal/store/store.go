// Package store provides SQLite-backed persistence for Halo.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haloruntime/halo/internal/models"
	_ "modernc.org/sqlite"
)

// ErrAppAlreadyInstalled is returned by CreateApp when the database's
// UNIQUE(spec_id, space_id) constraint rejects a row the caller's own
// pre-check missed, e.g. two concurrent Install calls racing each other.
var ErrAppAlreadyInstalled = errors.New("app already installed in this space")

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "unique constraint"))
}

// Store provides access to Halo's SQLite databases: the daemon-wide core
// database plus, on demand, one database per workspace ("space"). Handles
// are opened lazily and cached by path so repeat callers share a
// connection instead of reopening the file.
type Store struct {
	db *sql.DB // core database, namespace "core"

	mu      sync.Mutex
	spaceDB map[string]*sql.DB
}

const coreNamespace = "core"

// New opens the core database at dbPath (creating it if absent), applies
// its migrations, and returns a Store ready to serve the scheduler, event
// bus, and run engine.
func New(dbPath string) (*Store, error) {
	s := &Store{spaceDB: make(map[string]*sql.DB)}

	db, err := s.openSpaceDBLocked(dbPath)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(db, coreNamespace, coreMigrations); err != nil {
		db.Close()
		delete(s.spaceDB, dbPath)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s.db = db
	return s, nil
}

// OpenSpaceDB opens (or returns the already-cached handle for) the SQLite
// database at path, applying the same WAL pragmas and corruption recovery
// as the core database. Callers own their own namespace's migrations via
// RunMigrations; OpenSpaceDB itself runs none.
func (s *Store) OpenSpaceDB(path string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openSpaceDBLocked(path)
}

func (s *Store) openSpaceDBLocked(path string) (*sql.DB, error) {
	if db, ok := s.spaceDB[path]; ok {
		return db, nil
	}
	db, err := openWithRecovery(path)
	if err != nil {
		return nil, err
	}
	s.spaceDB[path] = db
	return db, nil
}

// openWithRecovery opens path under the standard pragma set. If the file
// exists but SQLite reports it corrupt, the file is quarantined as
// "<path>.corrupt.<unix_ms>" and a fresh database is created in its place
// rather than failing startup outright.
func openWithRecovery(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := openPragma(path)
	if err == nil {
		err = db.Ping()
	}
	if err == nil {
		return db, nil
	}
	if db != nil {
		db.Close()
	}
	if !isCorruption(err) {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	quarantine := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixMilli())
	if rerr := os.Rename(path, quarantine); rerr != nil && !os.IsNotExist(rerr) {
		return nil, fmt.Errorf("quarantine corrupt db %s: %w", path, rerr)
	}
	fmt.Fprintf(os.Stderr, "store: %s is corrupt, quarantined as %s and recreating\n", path, quarantine)

	db, err = openPragma(path)
	if err != nil {
		return nil, fmt.Errorf("recreate db %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open recreated db %s: %w", path, err)
	}
	return db, nil
}

func openPragma(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// SQLite only supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under our own load instead of relying on the busy timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "file is encrypted or is not a database") ||
		strings.Contains(msg, "corrupt")
}

// Transaction runs fn inside BEGIN/COMMIT on db, rolling back and
// propagating fn's error untouched on failure.
func Transaction[T any](db *sql.DB, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := db.Begin()
	if err != nil {
		return zero, fmt.Errorf("begin transaction: %w", err)
	}
	result, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("commit transaction: %w", err)
	}
	return result, nil
}

// Close closes the core database and every cached space database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for path, db := range s.spaceDB {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close space db %s: %w", path, err)
		}
	}
	return firstErr
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migration is one forward-only step within a namespace's version history.
// description exists purely for operator-facing diagnostics (logged, never
// parsed); up holds the DDL/DML that advances the schema.
type migration struct {
	version     int
	description string
	up          string
}

var coreMigrations = []migration{
	{
		version:     1,
		description: "initial schema: scheduler jobs, installed apps, runs, activity log",
		up: `
		CREATE TABLE IF NOT EXISTS scheduler_jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			metadata TEXT,
			schedule TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			anchor_ms INTEGER NOT NULL,
			next_run_at_ms INTEGER NOT NULL,
			last_run_at_ms INTEGER,
			running_at_ms INTEGER,
			consecutive_errors INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'idle',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS run_log_entries (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			fired_at_ms INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT,
			FOREIGN KEY (job_id) REFERENCES scheduler_jobs(id)
		);

		CREATE INDEX IF NOT EXISTS idx_scheduler_jobs_next_run ON scheduler_jobs(enabled, next_run_at_ms);
		CREATE INDEX IF NOT EXISTS idx_run_log_job_id ON run_log_entries(job_id, fired_at_ms DESC);

		CREATE TABLE IF NOT EXISTS installed_apps (
			id TEXT PRIMARY KEY,
			spec_id TEXT NOT NULL,
			space_id TEXT NOT NULL,
			spec_raw TEXT NOT NULL,
			user_config TEXT,
			user_overrides TEXT,
			permissions TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			pending_escalation_id TEXT,
			installed_at DATETIME NOT NULL,
			uninstalled_at DATETIME,
			last_run_at DATETIME,
			last_run_outcome TEXT,
			error_message TEXT,
			UNIQUE(spec_id, space_id)
		);

		CREATE INDEX IF NOT EXISTS idx_installed_apps_space ON installed_apps(space_id, status);

		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			trigger_ref TEXT,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			outcome TEXT,
			error TEXT,
			session_key TEXT,
			FOREIGN KEY (app_id) REFERENCES installed_apps(id)
		);

		CREATE INDEX IF NOT EXISTS idx_runs_app_id ON runs(app_id, started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_runs_session_key ON runs(session_key);

		CREATE TABLE IF NOT EXISTS activity_entries (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			run_id TEXT,
			type TEXT NOT NULL,
			ts DATETIME NOT NULL,
			session_key TEXT,
			content TEXT NOT NULL,
			user_response TEXT,
			FOREIGN KEY (app_id) REFERENCES installed_apps(id)
		);

		CREATE INDEX IF NOT EXISTS idx_activity_app_id ON activity_entries(app_id, ts DESC);
		`,
	},
}

// RunMigrations applies any of namespace's migrations not yet recorded in
// the shared _migrations table, in ascending version order, each inside its
// own transaction. Every subsystem that owns tables in a database —
// core, or a per-space database opened via OpenSpaceDB — calls this with
// its own namespace and migration set, so namespaces advance independently
// (§3 Ownership): a failed migration rolls back and leaves that namespace
// at its previous version without touching any other namespace's rows.
func RunMigrations(db *sql.DB, namespace string, migrations []migration) error {
	return runMigrations(db, namespace, migrations)
}

func runMigrations(db *sql.DB, namespace string, migrations []migration) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _migrations (
		namespace TEXT NOT NULL,
		version INTEGER NOT NULL,
		applied_at DATETIME NOT NULL,
		PRIMARY KEY (namespace, version)
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.Query(`SELECT version FROM _migrations WHERE namespace = ?`, namespace)
	if err != nil {
		return fmt.Errorf("query migrations for namespace %s: %w", namespace, err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		_, err := Transaction(db, func(tx *sql.Tx) (struct{}, error) {
			if _, err := tx.Exec(m.up); err != nil {
				return struct{}{}, fmt.Errorf("apply %s migration %d (%s): %w", namespace, m.version, m.description, err)
			}
			if _, err := tx.Exec(`INSERT INTO _migrations (namespace, version, applied_at) VALUES (?, ?, ?)`,
				namespace, m.version, time.Now().UTC()); err != nil {
				return struct{}{}, fmt.Errorf("record %s migration %d: %w", namespace, m.version, err)
			}
			return struct{}{}, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// --- Scheduler job operations ---

// CreateJob inserts a new scheduler job.
func (s *Store) CreateJob(job *models.SchedulerJob) error {
	metaJSON, _ := json.Marshal(job.Metadata)
	schedJSON, err := json.Marshal(job.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO scheduler_jobs (id, name, metadata, schedule, enabled, anchor_ms, next_run_at_ms, consecutive_errors, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, string(metaJSON), string(schedJSON), job.Enabled, job.AnchorMs, job.NextRunAtMs,
		job.ConsecutiveErrors, job.Status, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func scanJob(row interface {
	Scan(dest ...interface{}) error
}) (*models.SchedulerJob, error) {
	var job models.SchedulerJob
	var metaJSON, schedJSON string
	var lastRunAt, runningAt sql.NullInt64

	err := row.Scan(&job.ID, &job.Name, &metaJSON, &schedJSON, &job.Enabled, &job.AnchorMs, &job.NextRunAtMs,
		&lastRunAt, &runningAt, &job.ConsecutiveErrors, &job.Status, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if metaJSON != "" {
		json.Unmarshal([]byte(metaJSON), &job.Metadata)
	}
	if err := json.Unmarshal([]byte(schedJSON), &job.Schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	if lastRunAt.Valid {
		v := lastRunAt.Int64
		job.LastRunAtMs = &v
	}
	if runningAt.Valid {
		v := runningAt.Int64
		job.RunningAtMs = &v
	}
	return &job, nil
}

const jobColumns = `id, name, metadata, schedule, enabled, anchor_ms, next_run_at_ms, last_run_at_ms, running_at_ms, consecutive_errors, status, created_at, updated_at`

// GetJob retrieves a job by ID, returning (nil, nil) if not found.
func (s *Store) GetJob(id string) (*models.SchedulerJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM scheduler_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// ListJobs returns every scheduler job, ordered by next run time.
func (s *Store) ListJobs() ([]*models.SchedulerJob, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM scheduler_jobs ORDER BY next_run_at_ms ASC`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SchedulerJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListDueJobs returns enabled, non-running jobs whose next_run_at_ms is at
// or before nowMs.
func (s *Store) ListDueJobs(nowMs int64) ([]*models.SchedulerJob, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM scheduler_jobs WHERE enabled = 1 AND running_at_ms IS NULL AND next_run_at_ms <= ? ORDER BY next_run_at_ms ASC`,
		nowMs,
	)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SchedulerJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkJobRunning sets running_at_ms, guarded on the job still being idle so
// two callers can't both claim the same firing.
func (s *Store) MarkJobRunning(id string, nowMs int64) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE scheduler_jobs SET running_at_ms = ?, status = ?, updated_at = ? WHERE id = ? AND running_at_ms IS NULL`,
		nowMs, models.JobStatusRunning, time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark job running: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// CompleteJobRun clears running_at_ms, advances next_run_at_ms, and updates
// consecutive_errors/status in one statement.
func (s *Store) CompleteJobRun(id string, nextRunAtMs, lastRunAtMs int64, consecutiveErrors int, status models.JobStatus) error {
	_, err := s.db.Exec(
		`UPDATE scheduler_jobs SET running_at_ms = NULL, next_run_at_ms = ?, last_run_at_ms = ?, consecutive_errors = ?, status = ?, updated_at = ? WHERE id = ?`,
		nextRunAtMs, lastRunAtMs, consecutiveErrors, status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("complete job run: %w", err)
	}
	return nil
}

// ClearStaleRunningMarkers clears running_at_ms left set by a crash,
// returning the IDs of jobs that were cleared. Called once at startup.
func (s *Store) ClearStaleRunningMarkers() ([]string, error) {
	return Transaction(s.db, func(tx *sql.Tx) ([]string, error) {
		rows, err := tx.Query(`SELECT id FROM scheduler_jobs WHERE running_at_ms IS NOT NULL`)
		if err != nil {
			return nil, fmt.Errorf("query stale jobs: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan stale job id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()

		if len(ids) == 0 {
			return nil, nil
		}
		if _, err := tx.Exec(`UPDATE scheduler_jobs SET running_at_ms = NULL, status = ?, updated_at = ? WHERE running_at_ms IS NOT NULL`,
			models.JobStatusIdle, time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("clear stale markers: %w", err)
		}
		return ids, nil
	})
}

// SetJobEnabled pauses or resumes a job.
func (s *Store) SetJobEnabled(id string, enabled bool) error {
	status := models.JobStatusIdle
	if !enabled {
		status = models.JobStatusPaused
	}
	_, err := s.db.Exec(`UPDATE scheduler_jobs SET enabled = ?, status = ?, updated_at = ? WHERE id = ?`,
		enabled, status, time.Now().UTC(), id)
	return err
}

// UpdateJob applies a patch's non-nil fields to a job, re-validating
// nothing itself — the caller (scheduler.UpdateJob) is responsible for
// recomputing next_run_at_ms when Schedule changes.
func (s *Store) UpdateJob(id string, name string, sched *models.Schedule, metadata map[string]string, nextRunAtMs *int64) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}
	if name != "" {
		job.Name = name
	}
	if sched != nil {
		job.Schedule = *sched
	}
	if metadata != nil {
		job.Metadata = metadata
	}
	if nextRunAtMs != nil {
		job.NextRunAtMs = *nextRunAtMs
	}

	metaJSON, _ := json.Marshal(job.Metadata)
	schedJSON, err := json.Marshal(job.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE scheduler_jobs SET name = ?, metadata = ?, schedule = ?, next_run_at_ms = ?, updated_at = ? WHERE id = ?`,
		job.Name, string(metaJSON), string(schedJSON), job.NextRunAtMs, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// GetRunStats aggregates a job's run log by outcome, optionally bounded to
// firings at or after sinceMs (0 = no bound).
func (s *Store) GetRunStats(jobID string, sinceMs int64) (*models.RunStats, error) {
	query := `SELECT outcome, fired_at_ms FROM run_log_entries WHERE job_id = ?`
	args := []interface{}{jobID}
	if sinceMs > 0 {
		query += ` AND fired_at_ms >= ?`
		args = append(args, sinceMs)
	}
	query += ` ORDER BY fired_at_ms DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query run stats: %w", err)
	}
	defer rows.Close()

	stats := &models.RunStats{JobID: jobID, ByOutcome: make(map[models.RunOutcome]int)}
	first := true
	for rows.Next() {
		var outcome models.RunOutcome
		var firedAt int64
		if err := rows.Scan(&outcome, &firedAt); err != nil {
			return nil, fmt.Errorf("scan run stats row: %w", err)
		}
		stats.Total++
		stats.ByOutcome[outcome]++
		if first {
			stats.LastOutcome = outcome
			stats.LastFiredAt = firedAt
			first = false
		}
	}
	return stats, rows.Err()
}

// DeleteJob removes a job and its run log.
func (s *Store) DeleteJob(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete job: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM run_log_entries WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("delete run log: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM scheduler_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return tx.Commit()
}

// --- Run log operations ---

const runLogRetention = 1000

// AppendRunLog inserts a run log entry and prunes the job's log back down
// to runLogRetention entries, in the same transaction.
func (s *Store) AppendRunLog(entry *models.RunLogEntry) error {
	_, err := Transaction(s.db, func(tx *sql.Tx) (struct{}, error) {
		if _, err := tx.Exec(
			`INSERT INTO run_log_entries (id, job_id, fired_at_ms, outcome, error) VALUES (?, ?, ?, ?, ?)`,
			entry.ID, entry.JobID, entry.FiredAtMs, entry.Outcome, entry.Error,
		); err != nil {
			return struct{}{}, fmt.Errorf("insert run log entry: %w", err)
		}

		if _, err := tx.Exec(
			`DELETE FROM run_log_entries WHERE job_id = ? AND id NOT IN (
				SELECT id FROM run_log_entries WHERE job_id = ? ORDER BY fired_at_ms DESC LIMIT ?
			)`, entry.JobID, entry.JobID, runLogRetention,
		); err != nil {
			return struct{}{}, fmt.Errorf("prune run log: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// ListRunLog returns the most recent run log entries for a job, newest first.
func (s *Store) ListRunLog(jobID string, limit int) ([]*models.RunLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, job_id, fired_at_ms, outcome, error FROM run_log_entries WHERE job_id = ? ORDER BY fired_at_ms DESC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query run log: %w", err)
	}
	defer rows.Close()

	var entries []*models.RunLogEntry
	for rows.Next() {
		var e models.RunLogEntry
		var errStr sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &e.FiredAtMs, &e.Outcome, &errStr); err != nil {
			return nil, fmt.Errorf("scan run log entry: %w", err)
		}
		if errStr.Valid {
			e.Error = errStr.String
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- Installed app operations ---

// CreateApp inserts a new installed app row.
func (s *Store) CreateApp(app *models.InstalledApp) error {
	userOverridesJSON, _ := json.Marshal(app.UserOverrides)
	permsJSON, _ := json.Marshal(app.Permissions)

	_, err := s.db.Exec(
		`INSERT INTO installed_apps (id, spec_id, space_id, spec_raw, user_config, user_overrides, permissions, status, installed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.ID, app.SpecID, app.SpaceID, app.Spec.RawJSON, app.UserConfig, string(userOverridesJSON), string(permsJSON),
		app.Status, app.InstalledAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAppAlreadyInstalled
		}
		return fmt.Errorf("insert app: %w", err)
	}
	return nil
}

func scanApp(row interface {
	Scan(dest ...interface{}) error
}) (*models.InstalledApp, error) {
	var app models.InstalledApp
	var specRaw []byte
	var userConfig sql.NullString
	var overridesJSON, permsJSON string
	var pendingEsc sql.NullString
	var uninstalledAt, lastRunAt sql.NullTime
	var lastRunOutcome, errMsg sql.NullString

	err := row.Scan(&app.ID, &app.SpecID, &app.SpaceID, &specRaw, &userConfig, &overridesJSON, &permsJSON,
		&app.Status, &pendingEsc, &app.InstalledAt, &uninstalledAt, &lastRunAt, &lastRunOutcome, &errMsg)
	if err != nil {
		return nil, err
	}

	app.Spec.RawJSON = specRaw
	if err := json.Unmarshal(specRaw, &app.Spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}
	app.Spec.RawJSON = specRaw
	if userConfig.Valid {
		app.UserConfig = []byte(userConfig.String)
	}
	json.Unmarshal([]byte(overridesJSON), &app.UserOverrides)
	json.Unmarshal([]byte(permsJSON), &app.Permissions)
	if pendingEsc.Valid {
		v := pendingEsc.String
		app.PendingEscalationID = &v
	}
	if uninstalledAt.Valid {
		app.UninstalledAt = &uninstalledAt.Time
	}
	if lastRunAt.Valid {
		app.LastRunAt = &lastRunAt.Time
	}
	if lastRunOutcome.Valid {
		v := models.RunOutcome(lastRunOutcome.String)
		app.LastRunOutcome = &v
	}
	if errMsg.Valid {
		app.ErrorMessage = errMsg.String
	}
	return &app, nil
}

const appColumns = `id, spec_id, space_id, spec_raw, user_config, user_overrides, permissions, status, pending_escalation_id, installed_at, uninstalled_at, last_run_at, last_run_outcome, error_message`

// GetApp retrieves an installed app by ID, returning (nil, nil) if not found.
func (s *Store) GetApp(id string) (*models.InstalledApp, error) {
	row := s.db.QueryRow(`SELECT `+appColumns+` FROM installed_apps WHERE id = ?`, id)
	app, err := scanApp(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query app: %w", err)
	}
	return app, nil
}

// ListApps returns installed apps in a space, optionally filtered by status.
func (s *Store) ListApps(spaceID string, status models.AppStatus) ([]*models.InstalledApp, error) {
	query := `SELECT ` + appColumns + ` FROM installed_apps WHERE space_id = ?`
	args := []interface{}{spaceID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY installed_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query apps: %w", err)
	}
	defer rows.Close()

	var apps []*models.InstalledApp
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan app: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// UpdateAppStatus sets an app's status and, on entering an error state, its
// error message.
func (s *Store) UpdateAppStatus(id string, status models.AppStatus, errMsg string) error {
	_, err := s.db.Exec(`UPDATE installed_apps SET status = ?, error_message = ? WHERE id = ?`, status, errMsg, id)
	return err
}

// SetPendingEscalation records or clears the escalation an app is waiting on.
func (s *Store) SetPendingEscalation(appID string, escalationID *string) error {
	_, err := s.db.Exec(`UPDATE installed_apps SET pending_escalation_id = ? WHERE id = ?`, escalationID, appID)
	return err
}

// RecordAppRun updates an app's last-run bookkeeping after a run completes.
func (s *Store) RecordAppRun(appID string, at time.Time, outcome models.RunOutcome) error {
	_, err := s.db.Exec(`UPDATE installed_apps SET last_run_at = ?, last_run_outcome = ? WHERE id = ?`, at, outcome, appID)
	return err
}

// UninstallApp marks an app uninstalled without deleting its row.
func (s *Store) UninstallApp(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE installed_apps SET status = ?, uninstalled_at = ? WHERE id = ?`,
		models.AppStatusUninstalled, at, id)
	return err
}

// DeleteApp permanently removes an installed app and its history.
func (s *Store) DeleteApp(id string) error {
	_, err := Transaction(s.db, func(tx *sql.Tx) (struct{}, error) {
		if _, err := tx.Exec(`DELETE FROM activity_entries WHERE app_id = ?`, id); err != nil {
			return struct{}{}, fmt.Errorf("delete activity: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM runs WHERE app_id = ?`, id); err != nil {
			return struct{}{}, fmt.Errorf("delete runs: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM installed_apps WHERE id = ?`, id); err != nil {
			return struct{}{}, fmt.Errorf("delete app: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// --- Run operations ---

// CreateRun inserts a new run record.
func (s *Store) CreateRun(run *models.Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, app_id, trigger_kind, trigger_ref, started_at, session_key) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.AppID, run.Trigger.Kind, run.Trigger.Ref, run.StartedAt, run.SessionKey,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// CompleteRun records the outcome of a finished run.
func (s *Store) CompleteRun(id string, endedAt time.Time, outcome models.RunOutcome, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET ended_at = ?, outcome = ?, error = ? WHERE id = ?`,
		endedAt, outcome, errMsg, id,
	)
	return err
}

// GetRun retrieves a run by ID, returning (nil, nil) if not found.
func (s *Store) GetRun(id string) (*models.Run, error) {
	var run models.Run
	var triggerRef sql.NullString
	var endedAt sql.NullTime
	var outcome, errMsg, sessionKey sql.NullString

	err := s.db.QueryRow(
		`SELECT id, app_id, trigger_kind, trigger_ref, started_at, ended_at, outcome, error, session_key FROM runs WHERE id = ?`,
		id,
	).Scan(&run.ID, &run.AppID, &run.Trigger.Kind, &triggerRef, &run.StartedAt, &endedAt, &outcome, &errMsg, &sessionKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	if triggerRef.Valid {
		run.Trigger.Ref = triggerRef.String
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	if outcome.Valid {
		v := models.RunOutcome(outcome.String)
		run.Outcome = &v
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	if sessionKey.Valid {
		run.SessionKey = sessionKey.String
	}
	return &run, nil
}

// FindRunBySessionKey returns the run that produced a given escalation
// session key, used to correlate a resume back to its originating run.
func (s *Store) FindRunBySessionKey(sessionKey string) (*models.Run, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM runs WHERE session_key = ? ORDER BY started_at DESC LIMIT 1`, sessionKey).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run by session key: %w", err)
	}
	return s.GetRun(id)
}

// ListInFlightRuns returns runs with no ended_at, used at startup to mark
// interrupted runs as errored.
func (s *Store) ListInFlightRuns() ([]*models.Run, error) {
	rows, err := s.db.Query(`SELECT id FROM runs WHERE ended_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query in-flight runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan in-flight run id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	var runs []*models.Run
	for _, id := range ids {
		r, err := s.GetRun(id)
		if err != nil {
			return nil, err
		}
		if r != nil {
			runs = append(runs, r)
		}
	}
	return runs, nil
}

// --- Activity log operations ---

// AppendActivity inserts an append-only activity entry.
func (s *Store) AppendActivity(entry *models.ActivityEntry) error {
	contentJSON, err := json.Marshal(entry.Content)
	if err != nil {
		return fmt.Errorf("marshal activity content: %w", err)
	}
	var userResponseJSON []byte
	if entry.UserResponse != nil {
		userResponseJSON, err = json.Marshal(entry.UserResponse)
		if err != nil {
			return fmt.Errorf("marshal user response: %w", err)
		}
	}

	_, err = s.db.Exec(
		`INSERT INTO activity_entries (id, app_id, run_id, type, ts, session_key, content, user_response)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AppID, entry.RunID, entry.Type, entry.Ts, entry.SessionKey, string(contentJSON), string(userResponseJSON),
	)
	if err != nil {
		return fmt.Errorf("insert activity entry: %w", err)
	}
	return nil
}

// ListActivity returns activity entries for an app, newest first, limited
// and optionally bounded to entries at or after sinceMs (0 = no bound).
func (s *Store) ListActivity(appID string, limit int, sinceMs int64) ([]*models.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, app_id, run_id, type, ts, session_key, content, user_response FROM activity_entries WHERE app_id = ?`
	args := []interface{}{appID}
	if sinceMs > 0 {
		query += ` AND ts >= ?`
		args = append(args, time.UnixMilli(sinceMs).UTC())
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var entries []*models.ActivityEntry
	for rows.Next() {
		var e models.ActivityEntry
		var runID, sessionKey sql.NullString
		var contentJSON string
		var userResponseJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.AppID, &runID, &e.Type, &e.Ts, &sessionKey, &contentJSON, &userResponseJSON); err != nil {
			return nil, fmt.Errorf("scan activity entry: %w", err)
		}
		if runID.Valid {
			e.RunID = runID.String
		}
		if sessionKey.Valid {
			e.SessionKey = sessionKey.String
		}
		if err := json.Unmarshal([]byte(contentJSON), &e.Content); err != nil {
			return nil, fmt.Errorf("unmarshal activity content: %w", err)
		}
		if userResponseJSON.Valid && userResponseJSON.String != "" {
			var ur models.UserResponse
			if err := json.Unmarshal([]byte(userResponseJSON.String), &ur); err != nil {
				return nil, fmt.Errorf("unmarshal user response: %w", err)
			}
			e.UserResponse = &ur
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// GetActivityEntry retrieves a single activity entry by ID, returning
// (nil, nil) if not found.
func (s *Store) GetActivityEntry(id string) (*models.ActivityEntry, error) {
	row := s.db.QueryRow(`SELECT id, app_id, run_id, type, ts, session_key, content, user_response FROM activity_entries WHERE id = ?`, id)

	var e models.ActivityEntry
	var runID, sessionKey sql.NullString
	var contentJSON string
	var userResponseJSON sql.NullString
	err := row.Scan(&e.ID, &e.AppID, &runID, &e.Type, &e.Ts, &sessionKey, &contentJSON, &userResponseJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query activity entry: %w", err)
	}
	if runID.Valid {
		e.RunID = runID.String
	}
	if sessionKey.Valid {
		e.SessionKey = sessionKey.String
	}
	if err := json.Unmarshal([]byte(contentJSON), &e.Content); err != nil {
		return nil, fmt.Errorf("unmarshal activity content: %w", err)
	}
	if userResponseJSON.Valid && userResponseJSON.String != "" {
		var ur models.UserResponse
		if err := json.Unmarshal([]byte(userResponseJSON.String), &ur); err != nil {
			return nil, fmt.Errorf("unmarshal user response: %w", err)
		}
		e.UserResponse = &ur
	}
	return &e, nil
}

// RecordEscalationResponse updates the unanswered escalation entry for a
// given session key with the user's response, so ListActivity shows the
// resolution alongside the original question.
func (s *Store) RecordEscalationResponse(sessionKey string, resp *models.UserResponse) error {
	respJSON, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal user response: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE activity_entries SET user_response = ? WHERE session_key = ? AND type = ? AND (user_response IS NULL OR user_response = '')`,
		string(respJSON), sessionKey, models.ActivityEscalation,
	)
	return err
}

// NewID returns a fresh, randomly generated identifier.
func NewID() string {
	return uuid.New().String()
}
