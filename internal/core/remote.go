package core

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"ciflow/pkg/utils"
)

// AgentRequest is the body of POST /run on an agent.
type AgentRequest struct {
	AgentID         string   `json:"agentId,omitempty"`
	Script          string   `json:"script"`
	Shell           string   `json:"shell,omitempty"`
	Env             []string `json:"env,omitempty"`
	Dir             string   `json:"dir,omitempty"`
	NoOutputTimeout string   `json:"noOutputTimeout,omitempty"`
}

// Command converts the request back into a shell command.
func (r AgentRequest) Command(out io.Writer) (ShellCommand, error) {
	c := ShellCommand{Script: r.Script, Shell: r.Shell, Env: r.Env, Dir: r.Dir, Output: out}
	if strings.TrimSpace(r.Script) == "" {
		return c, errors.New("script is required")
	}
	if r.NoOutputTimeout != "" {
		d, err := time.ParseDuration(r.NoOutputTimeout)
		if err != nil {
			return c, errors.Wrap(err, "noOutputTimeout")
		}
		c.NoOutputTimeout = d
	}
	return c, nil
}

// AgentResponse reports the outcome of one command. ExitCode is -1 when
// the command did not exit by itself; Error then says why. OutputHash is
// the sha256 of Output as the agent saw it.
type AgentResponse struct {
	ExitCode   int    `json:"exitCode"`
	Output     string `json:"output"`
	OutputHash string `json:"outputHash,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RemoteShell runs commands on an agent over HTTP. Output arrives once the
// command has finished.
type RemoteShell struct {
	URL     string
	AgentID string
	Client  *http.Client
}

func NewRemoteShell(url, agentID string) *RemoteShell {
	return &RemoteShell{URL: strings.TrimRight(url, "/"), AgentID: agentID, Client: http.DefaultClient}
}

func (s *RemoteShell) Run(ctx context.Context, c ShellCommand) error {
	req := AgentRequest{
		AgentID: s.AgentID,
		Script:  c.Script,
		Shell:   c.Shell,
		Env:     c.Env,
		Dir:     c.Dir,
	}
	if c.NoOutputTimeout > 0 {
		req.NoOutputTimeout = c.NoOutputTimeout.String()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "encode agent request")
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL+"/run", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build agent request")
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(hreq)
	if err != nil {
		return errors.Wrapf(err, "agent %s", s.URL)
	}
	defer resp.Body.Close()

	var res AgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return errors.Wrapf(err, "agent %s: decode response (status %d)", s.URL, resp.StatusCode)
	}
	if res.OutputHash != "" && res.OutputHash != utils.HashString(res.Output) {
		return errors.Errorf("agent %s: output hash mismatch", s.URL)
	}
	if c.Output != nil && res.Output != "" {
		if _, err := io.WriteString(c.Output, res.Output); err != nil {
			return errors.Wrap(err, "write agent output")
		}
	}
	switch {
	case res.Error != "" && res.ExitCode <= 0:
		return errors.Errorf("agent: %s", res.Error)
	case resp.StatusCode >= 300 && res.ExitCode == 0:
		return errors.Errorf("agent %s: status %d", s.URL, resp.StatusCode)
	case res.ExitCode != 0:
		return &ExitError{Code: res.ExitCode}
	}
	return nil
}

func (s *RemoteShell) Close(context.Context) error {
	return nil
}
