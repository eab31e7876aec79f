// Package server exposes a runner over HTTP: pipelines are submitted as
// YAML, run in the background and polled for their result.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ciflow/internal/core"
	"ciflow/internal/ledger"
)

const maxConfigSize = 4 << 20

// Agent is a registered remote executor.
type Agent struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	LastSeen time.Time `json:"lastSeen"`
}

// Pipeline is the state of a submitted pipeline.
type Pipeline struct {
	ID        string               `json:"id"`
	Number    int                  `json:"number"`
	Branch    string               `json:"branch"`
	Revision  string               `json:"revision"`
	Workflows []string             `json:"workflows"`
	Status    core.Status          `json:"status"`
	Error     string               `json:"error,omitempty"`
	Submitted time.Time            `json:"submitted"`
	Result    *core.PipelineResult `json:"result,omitempty"`

	config *core.Pipeline
	values core.PipelineValues
}

type Server struct {
	runner *core.Runner
	log    *zap.Logger

	mu        sync.Mutex
	pipelines map[string]*Pipeline
	number    int
	agents    map[string]Agent
	nextAgent int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(runner *core.Runner, log *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		runner:    runner,
		log:       log,
		pipelines: make(map[string]*Pipeline),
		agents:    make(map[string]Agent),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Routes returns the HTTP handler of the server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/", s.handleSubmitPipeline)
		r.Get("/", s.handleListPipelines)
		r.Get("/{id}", s.handleGetPipeline)
		r.Get("/{id}/graph", s.handlePipelineGraph)
	})
	r.Get("/ledger/verify", s.handleVerifyLedger)
	r.Route("/agents", func(r chi.Router) {
		r.Post("/", s.handleRegisterAgent)
		r.Get("/", s.handleListAgents)
	})
	return r
}

// Shutdown cancels running pipelines and waits for them to finish.
func (s *Server) Shutdown() {
	s.cancel()
	s.Wait()
}

// Wait blocks until every submitted pipeline has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("requestId", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// POST /pipelines?branch=&revision=&workflow=&param.name=value
func (s *Server) handleSubmitPipeline(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxConfigSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "read body"))
		return
	}
	cfg, err := core.ParsePipeline(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := core.Validate(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	q := r.URL.Query()
	values := core.PipelineValues{
		ID:         uuid.NewString(),
		Branch:     q.Get("branch"),
		Revision:   q.Get("revision"),
		Parameters: make(map[string]string),
	}
	for key, vals := range q {
		if name, ok := strings.CutPrefix(key, "param."); ok && len(vals) > 0 {
			values.Parameters[name] = vals[len(vals)-1]
		}
	}
	workflows := q["workflow"]
	if len(workflows) == 0 {
		workflows = cfg.Workflows.Names()
	}
	// Plan up front so unknown workflows and bad parameters are rejected
	// before anything runs.
	for _, name := range workflows {
		if _, err := core.Plan(cfg, name, values); err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrapf(err, "workflow %q", name))
			return
		}
	}

	s.mu.Lock()
	s.number++
	values.Number = s.number
	p := &Pipeline{
		ID:        values.ID,
		Number:    values.Number,
		Branch:    values.Branch,
		Revision:  values.Revision,
		Workflows: workflows,
		Status:    core.StatusPending,
		Submitted: time.Now(),
		config:    cfg,
		values:    values,
	}
	s.pipelines[p.ID] = p
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(p)

	s.log.Info("pipeline submitted", zap.String("pipeline", p.ID), zap.Int("number", p.Number), zap.String("branch", p.Branch))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     p.ID,
		"number": p.Number,
		"status": core.StatusPending,
	})
}

func (s *Server) run(p *Pipeline) {
	defer s.wg.Done()
	s.setStatus(p, core.StatusRunning, nil, "")

	res, err := s.runner.RunPipeline(s.ctx, p.config, p.values, p.Workflows...)
	if err != nil {
		s.log.Error("pipeline failed to run", zap.String("pipeline", p.ID), zap.Error(err))
		s.setStatus(p, core.StatusFailed, nil, err.Error())
		return
	}
	s.setStatus(p, res.Status, res, "")
}

func (s *Server) setStatus(p *Pipeline, status core.Status, res *core.PipelineResult, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Status = status
	p.Result = res
	p.Error = msg
}

// snapshot copies p under the lock so it can be encoded safely.
func (s *Server) snapshot(id string) (Pipeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return Pipeline{}, false
	}
	return *p, true
}

// GET /pipelines
func (s *Server) handleListPipelines(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	list := make([]Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		cp := *p
		cp.Result = nil
		list = append(list, cp)
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Number > list[j].Number })
	writeJSON(w, http.StatusOK, list)
}

// GET /pipelines/{id}
func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, ok := s.snapshot(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("pipeline not found"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GET /pipelines/{id}/graph?workflow=name renders a workflow as DOT.
func (s *Server) handlePipelineGraph(w http.ResponseWriter, r *http.Request) {
	p, ok := s.snapshot(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("pipeline not found"))
		return
	}
	name := r.URL.Query().Get("workflow")
	if name == "" {
		name = p.Workflows[0]
	}
	plan, err := core.Plan(p.config, name, p.values)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var result *core.WorkflowResult
	if p.Result != nil {
		result = p.Result.Workflow(name)
	}

	w.Header().Set("Content-Type", "text/vnd.graphviz")
	if err := core.DrawWorkflow(w, plan, result); err != nil {
		s.log.Error("draw workflow", zap.String("pipeline", p.ID), zap.Error(err))
	}
}

// GET /ledger/verify
func (s *Server) handleVerifyLedger(w http.ResponseWriter, _ *http.Request) {
	if err := s.runner.Ledger.Verify(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ledger.ErrTampered) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"records": s.runner.Ledger.Len(),
		"head":    s.runner.Ledger.LastHash(),
	})
}

// POST /agents
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var agent Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode agent"))
		return
	}
	if agent.ID == "" || agent.URL == "" {
		writeError(w, http.StatusBadRequest, errors.New("id and url are required"))
		return
	}
	agent.LastSeen = time.Now()

	s.mu.Lock()
	s.agents[agent.ID] = agent
	s.mu.Unlock()

	s.log.Info("agent registered", zap.String("agent", agent.ID), zap.String("url", agent.URL))
	writeJSON(w, http.StatusOK, agent)
}

// AgentShells returns a shell factory that spreads job nodes over the
// registered agents in ID order. fallbackURL serves while none is
// registered.
func (s *Server) AgentShells(fallbackURL, runnerID string) core.ShellFactory {
	return func(*core.JobContext) (core.Shell, error) {
		url := fallbackURL
		if a, ok := s.pickAgent(); ok {
			url = a.URL
		}
		if url == "" {
			return nil, errors.New("no agent registered")
		}
		return core.NewRemoteShell(url, runnerID), nil
	}
}

func (s *Server) pickAgent() (Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.agents) == 0 {
		return Agent{}, false
	}
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	a := s.agents[ids[s.nextAgent%len(ids)]]
	s.nextAgent++
	return a, true
}

// GET /agents
func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	list := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		list = append(list, a)
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	writeJSON(w, http.StatusOK, list)
}
