package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ciflow/internal/core"
	"ciflow/pkg/utils"
)

func newTestAgent(t *testing.T) *httptest.Server {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ts := httptest.NewServer(New("agent-1", zap.NewNop()).Routes())
	t.Cleanup(ts.Close)
	return ts
}

func TestRemoteShellThroughAgent(t *testing.T) {
	ts := newTestAgent(t)
	dir := t.TempDir()
	sh := core.NewRemoteShell(ts.URL, "runner")

	var out bytes.Buffer
	err := sh.Run(context.Background(), core.ShellCommand{
		Script: "echo $GREETING; pwd",
		Shell:  "sh",
		Env:    []string{"GREETING=hi"},
		Dir:    dir,
		Output: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, "hi\n"+dir+"\n", out.String())

	err = sh.Run(context.Background(), core.ShellCommand{Script: "echo bad >&2; exit 5", Shell: "sh", Output: &out})
	assert.Equal(t, 5, core.ExitCode(err))
	assert.Contains(t, out.String(), "bad")

	err = sh.Run(context.Background(), core.ShellCommand{Script: "sleep 5", Shell: "sh", NoOutputTimeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, -1, core.ExitCode(err))
	assert.Contains(t, err.Error(), "no output")
}

func TestRunReportsOutputHash(t *testing.T) {
	ts := newTestAgent(t)
	resp, err := http.Post(ts.URL+"/run", "application/json", strings.NewReader(`{"script":"echo hi","shell":"sh"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	var res core.AgentResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "hi\n", res.Output)
	assert.Equal(t, utils.HashString("hi\n"), res.OutputHash)
}

func TestRunRejectsBadRequests(t *testing.T) {
	ts := newTestAgent(t)
	for _, body := range []string{"{", `{"script":"  "}`, `{"script":"true","noOutputTimeout":"soon"}`} {
		resp, err := http.Post(ts.URL+"/run", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		var res core.AgentResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, -1, res.ExitCode)
		assert.NotEmpty(t, res.Error)
	}
}

func TestRegister(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New("agent-7", zap.NewNop())
	require.NoError(t, a.Register(context.Background(), srv.URL+"/", "http://agent-7:9090"))
	assert.Equal(t, map[string]string{"id": "agent-7", "url": "http://agent-7:9090"}, got)

	srv.Close()
	assert.Error(t, a.Register(context.Background(), srv.URL, "http://agent-7:9090"))
}
