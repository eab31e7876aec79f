package core

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrawWorkflow(t *testing.T) {
	plan := &WorkflowPlan{
		Name:    "ci",
		Jobs:    jobPlans(map[string][]string{"test": {"build"}}, "build", "test"),
		Skipped: []string{"deploy"},
	}

	var buf bytes.Buffer
	require.NoError(t, DrawWorkflow(&buf, plan, nil))
	out := buf.String()
	assert.Contains(t, out, `"build" -> "test"`)
	assert.Contains(t, out, `"deploy"`)

	result := &WorkflowResult{Name: "ci", Jobs: []*JobResult{
		{Name: "build", Status: StatusSuccess, Duration: 1500 * time.Millisecond},
		{Name: "test", Status: StatusFailed},
		{Name: "deploy", Status: StatusSkipped},
	}}
	buf.Reset()
	require.NoError(t, DrawWorkflow(&buf, plan, result))
	success, err := statusColor(StatusSuccess)
	require.NoError(t, err)
	failed, err := statusColor(StatusFailed)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), success)
	assert.Contains(t, buf.String(), failed)
	assert.Contains(t, buf.String(), `build\n1.5s`)
}

func TestDrawWorkflowLinksSkippedJobs(t *testing.T) {
	p, err := ParsePipeline([]byte(`
jobs:
  build:
    steps:
      - run: echo build
  deploy:
    steps:
      - run: echo deploy
  notify:
    steps:
      - run: echo notify
workflows:
  ci:
    jobs:
      - build
      - deploy:
          requires: [build]
          filters:
            branches:
              only: main
      - notify:
          requires: [deploy]
`))
	require.NoError(t, err)
	plan, err := Plan(p, "ci", PipelineValues{Branch: "feature"})
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy", "notify"}, plan.Skipped)
	assert.Equal(t, []string{"build"}, plan.SkippedRequires["deploy"])

	var buf bytes.Buffer
	require.NoError(t, DrawWorkflow(&buf, plan, nil))
	assert.Contains(t, buf.String(), `"build" -> "deploy"`)
	assert.Contains(t, buf.String(), `"deploy" -> "notify"`)
}
