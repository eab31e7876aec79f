package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func jobPlans(deps map[string][]string, order ...string) []*JobPlan {
	jobs := make([]*JobPlan, len(order))
	for i, name := range order {
		jobs[i] = &JobPlan{Name: name, Requires: deps[name], Parallelism: 1}
	}
	return jobs
}

func TestExecutionOrderIsStable(t *testing.T) {
	jobs := jobPlans(map[string][]string{
		"test":    {"build"},
		"lint":    {"build"},
		"publish": {"test", "lint"},
	}, "publish", "lint", "build", "test")

	order, err := executionOrder(jobs)
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "lint", "test", "publish"}, order)
}

func TestSchedulerBlocksDependentsOfFailedJobs(t *testing.T) {
	plan := &WorkflowPlan{
		Name: "ci",
		Jobs: jobPlans(map[string][]string{
			"test":    {"build"},
			"deploy":  {"test"},
			"lint":    nil,
			"release": {"lint"},
		}, "build", "test", "deploy", "lint", "release"),
		Skipped: []string{"docs"},
	}

	var mu sync.Mutex
	var ran []string
	s := NewScheduler(2, zap.NewNop())
	wr, err := s.Run(context.Background(), plan, func(_ context.Context, job *JobPlan) *JobResult {
		mu.Lock()
		ran = append(ran, job.Name)
		mu.Unlock()
		if job.Name == "test" {
			return &JobResult{Name: job.Name, Status: StatusFailed, Error: "exit 1"}
		}
		return &JobResult{Name: job.Name, Status: StatusSuccess}
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, wr.Status)
	assert.Equal(t, StatusSuccess, wr.Job("build").Status)
	assert.Equal(t, StatusFailed, wr.Job("test").Status)
	assert.Equal(t, StatusBlocked, wr.Job("deploy").Status)
	assert.Equal(t, StatusSuccess, wr.Job("lint").Status)
	assert.Equal(t, StatusSuccess, wr.Job("release").Status)
	assert.Equal(t, StatusSkipped, wr.Job("docs").Status)
	assert.ElementsMatch(t, []string{"build", "test", "lint", "release"}, ran)
}

func TestSchedulerRespectsLimit(t *testing.T) {
	plan := &WorkflowPlan{Name: "ci", Jobs: jobPlans(nil, "a", "b", "c", "d", "e", "f")}

	var running, peak atomic.Int32
	s := NewScheduler(2, zap.NewNop())
	wr, err := s.Run(context.Background(), plan, func(_ context.Context, job *JobPlan) *JobResult {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return &JobResult{Name: job.Name, Status: StatusSuccess}
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, wr.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestSchedulerRequiresRunFirst(t *testing.T) {
	plan := &WorkflowPlan{Name: "ci", Jobs: jobPlans(map[string][]string{"b": {"a"}, "c": {"b"}}, "c", "b", "a")}

	var mu sync.Mutex
	var ran []string
	s := NewScheduler(4, zap.NewNop())
	_, err := s.Run(context.Background(), plan, func(_ context.Context, job *JobPlan) *JobResult {
		mu.Lock()
		ran = append(ran, job.Name)
		mu.Unlock()
		return &JobResult{Name: job.Name, Status: StatusSuccess}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ran)
}

func TestSchedulerRejectsCycle(t *testing.T) {
	plan := &WorkflowPlan{Name: "ci", Jobs: jobPlans(map[string][]string{"a": {"b"}, "b": {"a"}}, "a", "b")}
	_, err := NewScheduler(1, zap.NewNop()).Run(context.Background(), plan, nil)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestSchedulerCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	plan := &WorkflowPlan{Name: "ci", Jobs: jobPlans(nil, "a")}
	wr, err := NewScheduler(1, zap.NewNop()).Run(ctx, plan, func(context.Context, *JobPlan) *JobResult {
		t.Fatal("job must not start")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, wr.Job("a").Status)
	assert.Equal(t, StatusFailed, wr.Status)
}
