// Package agent runs shell commands on behalf of a remote runner.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ciflow/internal/core"
	"ciflow/pkg/utils"
)

type Agent struct {
	ID    string
	Shell core.Shell
	log   *zap.Logger
}

func New(id string, log *zap.Logger) *Agent {
	return &Agent{ID: id, Shell: core.NewLocalShell(), log: log.With(zap.String("agent", id))}
}

func (a *Agent) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/run", a.handleRun)
	return r
}

// POST /run
func (a *Agent) handleRun(w http.ResponseWriter, r *http.Request) {
	var req core.AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, http.StatusBadRequest, core.AgentResponse{ExitCode: -1, Error: "decode request: " + err.Error()})
		return
	}

	var out bytes.Buffer
	cmd, err := req.Command(&out)
	if err != nil {
		writeResponse(w, http.StatusBadRequest, core.AgentResponse{ExitCode: -1, Error: err.Error()})
		return
	}

	a.log.Info("running command", zap.String("from", req.AgentID), zap.String("dir", req.Dir))
	err = a.Shell.Run(r.Context(), cmd)
	resp := core.AgentResponse{ExitCode: core.ExitCode(err), Output: out.String()}
	resp.OutputHash = utils.HashString(resp.Output)
	var exit *core.ExitError
	if err != nil && !errors.As(err, &exit) {
		resp.Error = err.Error()
	}
	a.log.Info("command finished", zap.Int("exitCode", resp.ExitCode))
	writeResponse(w, http.StatusOK, resp)
}

func writeResponse(w http.ResponseWriter, status int, resp core.AgentResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Register announces the agent at selfURL to the server.
func (a *Agent) Register(ctx context.Context, serverURL, selfURL string) error {
	body, err := json.Marshal(map[string]string{"id": a.ID, "url": selfURL})
	if err != nil {
		return errors.Wrap(err, "encode registration")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(serverURL, "/")+"/agents", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build registration")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "register with %s", serverURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("register with %s: status %d", serverURL, resp.StatusCode)
	}
	a.log.Info("registered", zap.String("server", serverURL))
	return nil
}
