package controlplane

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/haloruntime/halo/internal/agent"
	"github.com/haloruntime/halo/internal/eventbus"
	"github.com/haloruntime/halo/internal/models"
	"github.com/haloruntime/halo/internal/runengine"
	"github.com/haloruntime/halo/internal/scheduler"
	"github.com/haloruntime/halo/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sched := scheduler.New(s, nil, nil)
	eng := runengine.New(s, sched, &agent.Fake{}, &runengine.Config{GlobalConcurrency: 4, DataDir: t.TempDir()}, nil)
	bus := eventbus.New(0, 0, nil)

	service := NewService(s, sched, bus, eng)
	return NewServer(service, s, "127.0.0.1:0", nil)
}

func TestHealthEndpoint_OK(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var health HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !health.OK || health.DB != "ok" {
		t.Errorf("expected healthy response, got %+v", health)
	}
	if health.Version == "" || health.Time == "" {
		t.Errorf("expected version and time to be set, got %+v", health)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	s := newTestServer(t)
	s.store.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	var health HealthResponse
	json.NewDecoder(w.Body).Decode(&health)
	if health.OK {
		t.Error("expected health.OK to be false when DB is down")
	}
}

func TestInstallAndGetApp(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(InstallAppRequest{
		SpaceID: "space-1",
		Spec:    json.RawMessage(`{"id":"my-app","type":"skill"}`),
	})
	req := httptest.NewRequest(http.MethodPost, "/apps/", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created models.InstalledApp
	json.NewDecoder(w.Body).Decode(&created)
	if created.ID == "" {
		t.Fatalf("expected an app id in response: %+v", created)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/apps/"+created.ID+"/", nil)
	w2 := httptest.NewRecorder()
	s.Router().ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w2.Code, w2.Body.String())
	}
}

func TestGetUnknownAppReturnsNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/apps/does-not-exist/", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestInstallDuplicateAppConflicts(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(InstallAppRequest{
		SpaceID: "space-1",
		Spec:    json.RawMessage(`{"id":"dup-app","type":"skill"}`),
	})
	for i, wantStatus := range []int{http.StatusCreated, http.StatusConflict} {
		req := httptest.NewRequest(http.MethodPost, "/apps/", bytes.NewReader(body))
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, req)
		if w.Code != wantStatus {
			t.Fatalf("attempt %d: expected %d, got %d: %s", i, wantStatus, w.Code, w.Body.String())
		}
	}
}

func TestUninstallAndReinstallApp(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(InstallAppRequest{
		SpaceID: "space-1",
		Spec:    json.RawMessage(`{"id":"reinstall-app","type":"skill"}`),
	})
	req := httptest.NewRequest(http.MethodPost, "/apps/", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	var created models.InstalledApp
	json.NewDecoder(w.Body).Decode(&created)

	reqU := httptest.NewRequest(http.MethodPost, "/apps/"+created.ID+"/uninstall", nil)
	wU := httptest.NewRecorder()
	s.Router().ServeHTTP(wU, reqU)
	if wU.Code != http.StatusOK {
		t.Fatalf("expected 200 uninstalling, got %d: %s", wU.Code, wU.Body.String())
	}

	reqR := httptest.NewRequest(http.MethodPost, "/apps/"+created.ID+"/reinstall", nil)
	wR := httptest.NewRecorder()
	s.Router().ServeHTTP(wR, reqR)
	if wR.Code != http.StatusOK {
		t.Fatalf("expected 200 reinstalling, got %d: %s", wR.Code, wR.Body.String())
	}
}

func TestRespondToEscalationRejectsEmptyResponse(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/apps/some-app/escalations/some-entry/respond", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty escalation response, got %d", w.Code)
	}
}

func TestListActivityEmpty(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/apps/unknown-app/activity", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var entries []*models.ActivityEntry
	json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 0 {
		t.Errorf("expected no activity for unknown app, got %d entries", len(entries))
	}
}

func TestListEventSourcesEmpty(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/events/sources", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var sources []eventbus.SourceInfo
	json.NewDecoder(w.Body).Decode(&sources)
	if len(sources) != 0 {
		t.Errorf("expected no registered sources, got %d", len(sources))
	}
}

func TestCreateAndPauseJob(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(CreateJobRequest{
		Name:     "op-job",
		Schedule: models.Schedule{Kind: models.ScheduleEvery, Every: "30s"},
	})
	req := httptest.NewRequest(http.MethodPost, "/jobs/", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var job models.SchedulerJob
	json.NewDecoder(w.Body).Decode(&job)

	req2 := httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/pause", nil)
	w2 := httptest.NewRecorder()
	s.Router().ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 pausing job, got %d: %s", w2.Code, w2.Body.String())
	}

	req3 := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/", nil)
	w3 := httptest.NewRecorder()
	s.Router().ServeHTTP(w3, req3)
	var fetched models.SchedulerJob
	json.NewDecoder(w3.Body).Decode(&fetched)
	if fetched.Enabled {
		t.Errorf("expected job to be disabled after pause")
	}
}

func TestUpdateJobAndRunStats(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(CreateJobRequest{
		Name:     "stats-job",
		Schedule: models.Schedule{Kind: models.ScheduleEvery, Every: "1m"},
	})
	req := httptest.NewRequest(http.MethodPost, "/jobs/", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	var job models.SchedulerJob
	json.NewDecoder(w.Body).Decode(&job)

	newName := "renamed-job"
	patchBody, _ := json.Marshal(models.JobPatch{Name: &newName})
	reqP := httptest.NewRequest(http.MethodPatch, "/jobs/"+job.ID+"/", bytes.NewReader(patchBody))
	wP := httptest.NewRecorder()
	s.Router().ServeHTTP(wP, reqP)
	if wP.Code != http.StatusOK {
		t.Fatalf("expected 200 patching job, got %d: %s", wP.Code, wP.Body.String())
	}

	reqS := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/stats", nil)
	wS := httptest.NewRecorder()
	s.Router().ServeHTTP(wS, reqS)
	if wS.Code != http.StatusOK {
		t.Fatalf("expected 200 getting stats, got %d: %s", wS.Code, wS.Body.String())
	}
	var stats models.RunStats
	json.NewDecoder(wS.Body).Decode(&stats)
	if stats.JobID != job.ID {
		t.Errorf("expected stats for job %s, got %s", job.ID, stats.JobID)
	}
}

func TestDeleteJob(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(CreateJobRequest{
		Name:     "throwaway-job",
		Schedule: models.Schedule{Kind: models.ScheduleEvery, Every: "10m"},
	})
	req := httptest.NewRequest(http.MethodPost, "/jobs/", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	var job models.SchedulerJob
	json.NewDecoder(w.Body).Decode(&job)

	reqD := httptest.NewRequest(http.MethodDelete, "/jobs/"+job.ID+"/", nil)
	wD := httptest.NewRecorder()
	s.Router().ServeHTTP(wD, reqD)
	if wD.Code != http.StatusNoContent {
		t.Fatalf("expected 204 deleting job, got %d: %s", wD.Code, wD.Body.String())
	}

	reqG := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/", nil)
	wG := httptest.NewRecorder()
	s.Router().ServeHTTP(wG, reqG)
	if wG.Code != http.StatusNotFound {
		t.Errorf("expected 404 for deleted job, got %d", wG.Code)
	}
}
