package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/parleyhq/parley/internal/filter"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/stats"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/task"
	"github.com/parleyhq/parley/internal/timespec"
	"github.com/parleyhq/parley/internal/workspace"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", s.cfg.AuthHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.auth)
		api.Use(s.rateLimit)

		api.Route("/tasks", func(tr chi.Router) {
			tr.Post("/", s.handleCreateTask)
			tr.Get("/", s.handleListTasks)
			tr.Route("/{id}", func(one chi.Router) {
				one.Get("/", s.handleGetTask)
				one.Post("/start", s.handleStartTask)
				one.Post("/cancel", s.handleCancelTask)
				one.Post("/force-fail", s.handleForceFail)
				one.Post("/author-decision", s.handleAuthorDecision)
				one.Post("/promote-round", s.handlePromoteRound)
				one.Get("/events", s.handleEvents)
				one.Get("/github-summary", s.handleGitHubSummary)
			})
		})

		api.Get("/stats", s.handleStats)
		api.Get("/analytics", s.handleAnalytics)
		api.Get("/policy-templates", s.handlePolicyTemplates)
		api.Get("/project-history", s.handleHistory)
		api.Post("/project-history/clear", s.handleClearHistory)
		api.Get("/workspace-tree", s.handleWorkspaceTree)
	})
	return r
}

// resolveID turns the {id} path segment, full UUID or unique prefix, into a
// full task id. On failure the error response is already written.
func (s *Server) resolveID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := s.svc.ResolveTaskID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.serviceError(w, err, http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	req := orchestrator.CreateRequest{Options: s.svc.DefaultOptions()}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	t, err := s.svc.CreateTask(r.Context(), req)
	if err != nil {
		s.serviceError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", "")
			return
		}
		limit = n
	}
	tasks, err := s.svc.ListTasks(r.Context(), limit)
	if err != nil {
		s.serviceError(w, err, http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveID(w, r)
	if !ok {
		return
	}
	t, err := s.svc.GetTask(r.Context(), id)
	if err != nil {
		s.serviceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveID(w, r)
	if !ok {
		return
	}
	var body struct {
		Background bool `json:"background"`
	}
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if err := s.svc.StartTask(r.Context(), id, body.Background); err != nil {
		s.serviceError(w, err, http.StatusBadRequest)
		return
	}
	s.respondTask(w, r, id)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveID(w, r)
	if !ok {
		return
	}
	if err := s.svc.CancelTask(r.Context(), id); err != nil {
		s.serviceError(w, err, http.StatusBadRequest)
		return
	}
	s.respondTask(w, r, id)
}

func (s *Server) handleForceFail(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveID(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if err := s.svc.ForceFail(r.Context(), id, task.Reason(body.Reason)); err != nil {
		s.serviceError(w, err, http.StatusBadRequest)
		return
	}
	s.respondTask(w, r, id)
}

func (s *Server) handleAuthorDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveID(w, r)
	if !ok {
		return
	}
	var req orchestrator.DecisionRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	t, err := s.svc.SubmitAuthorDecision(r.Context(), id, req)
	if err != nil {
		s.serviceError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePromoteRound(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveID(w, r)
	if !ok {
		return
	}
	var body struct {
		Round           int    `json:"round"`
		MergeTargetPath string `json:"merge_target_path,omitempty"`
	}
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	summary, err := s.svc.PromoteRound(r.Context(), id, body.Round, body.MergeTargetPath)
	if err != nil {
		s.serviceError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveID(w, r)
	if !ok {
		return
	}
	crit, err := criteriaFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	events, err := s.svc.GetEvents(r.Context(), id, crit)
	if err != nil {
		s.serviceError(w, err, http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []task.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// criteriaFromQuery builds an event filter from kind, participant, since,
// and until query parameters. since/until accept durations relative to now
// or RFC3339 timestamps.
func criteriaFromQuery(r *http.Request) (*filter.Criteria, error) {
	q := r.URL.Query()
	crit := &filter.Criteria{
		KindGlob:      q.Get("kind"),
		ParticipantID: q.Get("participant"),
	}
	if v := q.Get("since"); v != "" {
		ms, err := timespec.Parse(v)
		if err != nil {
			return nil, err
		}
		crit.SinceTimestampMs = ms
	}
	if v := q.Get("until"); v != "" {
		ms, err := timespec.Parse(v)
		if err != nil {
			return nil, err
		}
		crit.UntilTimestampMs = ms
	}
	if *crit == (filter.Criteria{}) {
		return nil, nil
	}
	return crit, nil
}

func (s *Server) handleGitHubSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveID(w, r)
	if !ok {
		return
	}
	t, err := s.svc.GetTask(r.Context(), id)
	if err != nil {
		s.serviceError(w, err, http.StatusInternalServerError)
		return
	}
	events, err := s.svc.GetEvents(r.Context(), id, nil)
	if err != nil {
		s.serviceError(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.stats.GitHubSummary(t, events)))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if q := r.URL.Query().Get("window"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration", "")
			return
		}
		window = d
	}
	agg, err := s.stats.Aggregates(r.Context(), window)
	if err != nil {
		s.serviceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	an, err := s.stats.Analytics(r.Context())
	if err != nil {
		s.serviceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, an)
}

func (s *Server) handlePolicyTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stats.Templates(r.URL.Query().Get("path")))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.History(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		s.serviceError(w, err, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Project string `json:"project,omitempty"`
	}
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	n, err := s.svc.ClearHistory(r.Context(), body.Project)
	if err != nil {
		s.serviceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// workspaceTreeResponse lists the files a sandbox copy of the workspace
// would include, after the exclusion rules.
type workspaceTreeResponse struct {
	Root  string               `json:"root"`
	Count int                  `json:"count"`
	Files []workspace.FileInfo `json:"files"`
}

func (s *Server) handleWorkspaceTree(w http.ResponseWriter, r *http.Request) {
	root := r.URL.Query().Get("path")
	if root == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required", "")
		return
	}
	files, err := workspace.ListFiles(root)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if files == nil {
		files = []workspace.FileInfo{}
	}
	writeJSON(w, http.StatusOK, workspaceTreeResponse{Root: root, Count: len(files), Files: files})
}

// respondTask writes the refreshed task record after a mutation.
func (s *Server) respondTask(w http.ResponseWriter, r *http.Request, id string) {
	t, err := s.svc.GetTask(r.Context(), id)
	if err != nil {
		s.serviceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
