package runengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/haloruntime/halo/internal/agent"
	"github.com/haloruntime/halo/internal/models"
	"github.com/haloruntime/halo/internal/store"
)

type fakeScheduler struct {
	jobs map[string]*models.SchedulerJob
	seq  int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: make(map[string]*models.SchedulerJob)}
}

func (f *fakeScheduler) CreateJob(name string, sched models.Schedule, metadata map[string]string) (*models.SchedulerJob, error) {
	f.seq++
	job := &models.SchedulerJob{ID: name + "-job", Name: name, Schedule: sched, Metadata: metadata, Enabled: true}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeScheduler) PauseJob(id string) error {
	if j, ok := f.jobs[id]; ok {
		j.Enabled = false
	}
	return nil
}

func (f *fakeScheduler) ResumeJob(id string) error {
	if j, ok := f.jobs[id]; ok {
		j.Enabled = true
	}
	return nil
}

func (f *fakeScheduler) DeleteJob(id string) error {
	delete(f.jobs, id)
	return nil
}

func (f *fakeScheduler) ListJobs() ([]*models.SchedulerJob, error) {
	var out []*models.SchedulerJob
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func newTestEngine(t *testing.T, inv agent.Invoker) (*Engine, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := &Config{GlobalConcurrency: 2, DataDir: t.TempDir(), EscalationTimeout: time.Hour}
	e := New(s, newFakeScheduler(), inv, cfg, nil)
	return e, s
}

func TestInstallCreatesAppAndActivatesSubscriptions(t *testing.T) {
	e, _ := newTestEngine(t, &agent.Fake{})

	spec := models.AppSpec{
		ID:   "weather-app",
		Type: models.AppTypeAutomation,
		Subscriptions: []models.Subscription{
			{Source: scheduleSourceType, Schedule: &models.Schedule{Kind: models.ScheduleEvery, Every: "30s"}},
		},
	}

	app, err := e.Install(spec, "space-1", nil, models.Permissions{})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if app.Status != models.AppStatusActive {
		t.Errorf("expected active status, got %s", app.Status)
	}

	e.mu.Lock()
	jobIDs := e.jobIDs[app.ID]
	e.mu.Unlock()
	if len(jobIDs) != 1 {
		t.Fatalf("expected one scheduler job registered, got %d", len(jobIDs))
	}
}

func TestInstallRejectsDuplicateSpecInSameSpace(t *testing.T) {
	e, _ := newTestEngine(t, &agent.Fake{})
	spec := models.AppSpec{ID: "dup-app", Type: models.AppTypeSkill}

	if _, err := e.Install(spec, "space-1", nil, models.Permissions{}); err != nil {
		t.Fatalf("first install: %v", err)
	}
	_, err := e.Install(spec, "space-1", nil, models.Permissions{})
	if err == nil {
		t.Fatal("expected duplicate install to be rejected")
	}
	if derr, ok := err.(*Error); !ok || derr.Kind != KindAppAlreadyInstalled {
		t.Errorf("expected KindAppAlreadyInstalled, got %v", err)
	}
}

func TestTriggerRunPerAppBusyRejection(t *testing.T) {
	blocking := make(chan struct{})
	inv := &blockingInvoker{release: blocking}
	e, _ := newTestEngine(t, inv)

	app, err := e.Install(models.AppSpec{ID: "busy-app", Type: models.AppTypeSkill}, "space-1", nil, models.Permissions{})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	if _, err := e.TriggerRun(context.Background(), app.ID, models.Trigger{Kind: models.TriggerManual}); err != nil {
		t.Fatalf("first trigger: %v", err)
	}

	// Give the goroutine a moment to move the state to running.
	waitForState(t, e, app.ID, models.RuntimeRunning)

	_, err = e.TriggerRun(context.Background(), app.ID, models.Trigger{Kind: models.TriggerManual})
	if err == nil {
		t.Fatal("expected a concurrency-limit error for a busy app")
	}
	derr, ok := err.(*Error)
	if !ok || derr.Kind != KindConcurrencyLimit || !derr.PerApp {
		t.Errorf("expected a per-app concurrency error, got %v", err)
	}

	close(blocking)
}

func TestEscalationRoundTrip(t *testing.T) {
	inv := &escalatingInvoker{}
	e, _ := newTestEngine(t, inv)

	app, err := e.Install(models.AppSpec{ID: "esc-app", Type: models.AppTypeSkill}, "space-1", nil, models.Permissions{})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	run, err := e.TriggerRun(context.Background(), app.ID, models.Trigger{Kind: models.TriggerManual})
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	_ = run

	waitForAppStatus(t, e, app.ID, models.AppStatusWaitingUser)

	got, err := e.GetApp(app.ID)
	if err != nil {
		t.Fatalf("GetApp: %v", err)
	}
	if got.PendingEscalationID == nil {
		t.Fatal("expected a pending escalation id")
	}

	resumed, err := e.RespondToEscalation(context.Background(), app.ID, *got.PendingEscalationID, models.UserResponse{Choice: "yes"})
	if err != nil {
		t.Fatalf("RespondToEscalation: %v", err)
	}
	if resumed.SessionKey != run.SessionKey {
		t.Errorf("expected resumed run to share the original session key")
	}
}

func TestTriggerRunDoesNotBlockWhenGlobalConcurrencySaturated(t *testing.T) {
	blocking := make(chan struct{})
	inv := &blockingInvoker{release: blocking}

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := &Config{GlobalConcurrency: 1, DataDir: t.TempDir(), EscalationTimeout: time.Hour}
	e := New(s, newFakeScheduler(), inv, cfg, nil)

	appA, err := e.Install(models.AppSpec{ID: "app-a", Type: models.AppTypeSkill}, "space-1", nil, models.Permissions{})
	if err != nil {
		t.Fatalf("Install app-a: %v", err)
	}
	appB, err := e.Install(models.AppSpec{ID: "app-b", Type: models.AppTypeSkill}, "space-1", nil, models.Permissions{})
	if err != nil {
		t.Fatalf("Install app-b: %v", err)
	}

	if _, err := e.TriggerRun(context.Background(), appA.ID, models.Trigger{Kind: models.TriggerManual}); err != nil {
		t.Fatalf("trigger app-a: %v", err)
	}
	waitForState(t, e, appA.ID, models.RuntimeRunning)

	// The global semaphore (capacity 1) is now fully held by app-a's
	// still-running invocation. Triggering app-b must still return
	// immediately rather than block the caller until app-a finishes.
	done := make(chan struct{})
	go func() {
		if _, err := e.TriggerRun(context.Background(), appB.ID, models.Trigger{Kind: models.TriggerManual}); err != nil {
			t.Errorf("trigger app-b: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TriggerRun blocked the caller while the global semaphore was saturated")
	}

	// app-b should be queued, not yet running, until app-a releases.
	if got := e.AppState(appB.ID).Status; got != models.RuntimeQueued {
		t.Errorf("expected app-b queued while the slot is held, got %s", got)
	}

	close(blocking)
	waitForState(t, e, appB.ID, models.RuntimeRunning)
}

func waitForState(t *testing.T, e *Engine, appID string, want models.RuntimeAppStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.AppState(appID).Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s", want)
}

func waitForAppStatus(t *testing.T, e *Engine, appID string, want models.AppStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		app, err := e.GetApp(appID)
		if err == nil && app.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for app status %s", want)
}

type blockingInvoker struct {
	release chan struct{}
}

func (b *blockingInvoker) Name() string { return "blocking" }

func (b *blockingInvoker) Invoke(ctx context.Context, inv agent.Invocation) (agent.Result, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return agent.Result{Outcome: "useful"}, nil
}

type escalatingInvoker struct{}

func (e *escalatingInvoker) Name() string { return "escalating" }

func (e *escalatingInvoker) Invoke(ctx context.Context, inv agent.Invocation) (agent.Result, error) {
	ack, err := inv.OnReport(ctx, agent.Report{Type: agent.ReportEscalation, Question: "proceed?", Choices: []string{"yes", "no"}})
	if err != nil {
		return agent.Result{Outcome: "error", Error: err.Error()}, err
	}
	if !ack.MustEnd {
		return agent.Result{Outcome: "error", Error: "expected must-end ack"}, nil
	}
	return agent.Result{Outcome: "noop"}, nil
}
