package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/haloruntime/halo/internal/models"
	"github.com/haloruntime/halo/internal/store"
	"go.uber.org/zap"
)

// Version is set at build time or defaults to "dev".
var Version = "dev"

// Server is Halo's admin HTTP API: app CRUD, activity query, escalation
// response, and job/event introspection, mounted on go-chi/chi/v5 so the
// webhook source can share the same router.
type Server struct {
	service *Service
	store   *store.Store
	log     *zap.SugaredLogger
	router  chi.Router
	srv     *http.Server
	addr    string
}

// NewServer creates a Server; call Router to mount it yourself (e.g.
// alongside the webhook source) or Start to serve it standalone.
func NewServer(service *Service, s *store.Store, addr string, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	srv := &Server{service: service, store: s, log: logger, addr: addr}
	srv.router = srv.routes()
	return srv
}

// Router exposes the mux so the daemon composition root can mount
// additional routes (e.g. the webhook source) on the same chi.Router.
func (s *Server) Router() chi.Router { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)

	r.Route("/apps", func(r chi.Router) {
		r.Post("/", s.createApp)
		r.Get("/", s.listApps)
		r.Route("/{appID}", func(r chi.Router) {
			r.Get("/", s.getApp)
			r.Delete("/", s.deleteApp)
			r.Post("/pause", s.pauseApp)
			r.Post("/resume", s.resumeApp)
			r.Post("/uninstall", s.uninstallApp)
			r.Post("/reinstall", s.reinstallApp)
			r.Post("/trigger", s.triggerApp)
			r.Get("/activity", s.listActivity)
			r.Post("/escalations/{entryID}/respond", s.respondEscalation)
		})
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.createJob)
		r.Get("/", s.listJobs)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Patch("/", s.updateJob)
			r.Delete("/", s.deleteJob)
			r.Post("/pause", s.pauseJob)
			r.Post("/resume", s.resumeJob)
			r.Get("/runlog", s.getRunLog)
			r.Get("/stats", s.getRunStats)
		})
	})

	r.Get("/events/sources", s.listEventSources)

	return r
}

// Start serves the router, including any routes other consumers (e.g. the
// webhook source) have mounted on it via Router.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.log.Infow("starting admin API", "addr", s.addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err.Error() != "EOF" {
		return err
	}
	return nil
}

// --- health ---

// HealthResponse is the /health endpoint's response body.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{OK: true, DB: "ok", Version: Version, Time: time.Now().UTC().Format(time.RFC3339)}
	if err := s.store.Ping(ctx); err != nil {
		s.log.Errorw("health check: database ping failed", "error", err)
		resp.OK = false
		resp.DB = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- apps ---

func (s *Server) createApp(w http.ResponseWriter, r *http.Request) {
	var req InstallAppRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	app, err := s.service.InstallApp(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (s *Server) listApps(w http.ResponseWriter, r *http.Request) {
	spaceID := r.URL.Query().Get("space_id")
	status := models.AppStatus(r.URL.Query().Get("status"))
	apps, err := s.service.ListApps(spaceID, status)
	if err != nil {
		writeError(w, err)
		return
	}
	if apps == nil {
		apps = []*models.InstalledApp{}
	}
	writeJSON(w, http.StatusOK, apps)
}

func (s *Server) getApp(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	app, err := s.service.GetApp(appID)
	if err != nil {
		writeError(w, err)
		return
	}
	if app == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "app not found"})
		return
	}
	type appResponse struct {
		*models.InstalledApp
		Runtime models.AutomationAppState `json:"runtime"`
	}
	writeJSON(w, http.StatusOK, appResponse{app, s.service.AppState(appID)})
}

func (s *Server) deleteApp(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	if err := s.service.DeleteApp(appID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setStatusRequest struct {
	ErrorMessage string `json:"error_message,omitempty"`
}

func (s *Server) pauseApp(w http.ResponseWriter, r *http.Request) {
	s.transitionApp(w, r, models.AppStatusPaused)
}

func (s *Server) resumeApp(w http.ResponseWriter, r *http.Request) {
	s.transitionApp(w, r, models.AppStatusActive)
}

func (s *Server) transitionApp(w http.ResponseWriter, r *http.Request, to models.AppStatus) {
	appID := chi.URLParam(r, "appID")
	var req setStatusRequest
	decodeJSON(r, &req)
	if err := s.service.SetAppStatus(appID, to, req.ErrorMessage); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) uninstallApp(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	if err := s.service.UninstallApp(appID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) reinstallApp(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	if err := s.service.ReinstallApp(appID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) triggerApp(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	run, err := s.service.TriggerRun(r.Context(), appID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) listActivity(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	limit := 30
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var sinceMs int64
	if v := r.URL.Query().Get("since"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			sinceMs = n
		}
	}
	entries, err := s.service.ListActivity(appID, limit, sinceMs)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) respondEscalation(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	entryID := chi.URLParam(r, "entryID")

	var resp models.UserResponse
	if err := decodeJSON(r, &resp); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if resp.Choice == "" && resp.Text == "" {
		writeError(w, ErrInvalidEscalationResponse)
		return
	}

	run, err := s.service.RespondToEscalation(r.Context(), appID, entryID, resp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// --- jobs ---

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	job, err := s.service.CreateJob(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.service.ListJobs()
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.SchedulerJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.service.GetJob(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var patch models.JobPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if err := s.service.UpdateJob(jobID, patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.service.DeleteJob(jobID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.service.PauseJob(jobID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.service.ResumeJob(jobID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getRunLog(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	entries, err := s.service.RunLog(jobID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.RunLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) getRunStats(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var sinceMs int64
	if v := r.URL.Query().Get("since"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			sinceMs = n
		}
	}
	stats, err := s.service.RunStats(jobID, sinceMs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- events ---

func (s *Server) listEventSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.EventSources())
}
