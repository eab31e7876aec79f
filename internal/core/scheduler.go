package core

import (
	"context"
	"time"

	"github.com/dominikbraun/graph"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrCycle          = errors.New("dependency cycle")
	ErrUnknownRequire = errors.New("requires unknown job")
)

// JobFunc runs one planned job to completion.
type JobFunc func(ctx context.Context, job *JobPlan) *JobResult

// Scheduler runs the jobs of a workflow in dependency order. At most Limit
// jobs run at a time across every workflow sharing the scheduler.
type Scheduler struct {
	Limit int
	log   *zap.Logger
	sem   chan struct{}
}

// NewScheduler creates a scheduler running up to limit jobs concurrently.
func NewScheduler(limit int, log *zap.Logger) *Scheduler {
	if limit < 1 {
		limit = 1
	}
	return &Scheduler{Limit: limit, log: log, sem: make(chan struct{}, limit)}
}

// dependencyGraph builds the requires graph. Edges point from a job to
// the jobs that require it.
func dependencyGraph(names []string, requires map[string][]string) (graph.Graph[string, string], error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	for _, n := range names {
		if err := g.AddVertex(n); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return nil, err
		}
	}
	for _, n := range names {
		for _, r := range requires[n] {
			err := g.AddEdge(r, n)
			switch {
			case err == nil, errors.Is(err, graph.ErrEdgeAlreadyExists):
			case errors.Is(err, graph.ErrVertexNotFound):
				return nil, errors.Wrapf(ErrUnknownRequire, "%q requires %q", n, r)
			case errors.Is(err, graph.ErrEdgeCreatesCycle):
				return nil, errors.Wrapf(ErrCycle, "%q requires %q", n, r)
			default:
				return nil, err
			}
		}
	}
	return g, nil
}

// executionOrder returns the job names in a topological order that keeps
// configuration order among independent jobs.
func executionOrder(jobs []*JobPlan) ([]string, error) {
	names := make([]string, len(jobs))
	requires := make(map[string][]string, len(jobs))
	index := make(map[string]int, len(jobs))
	for i, j := range jobs {
		names[i] = j.Name
		requires[j.Name] = j.Requires
		index[j.Name] = i
	}
	g, err := dependencyGraph(names, requires)
	if err != nil {
		return nil, err
	}
	return graph.StableTopologicalSort(g, func(a, b string) bool {
		return index[a] < index[b]
	})
}

// Run executes the plan. Jobs whose requirements failed are blocked and
// never started; independent jobs keep running.
func (s *Scheduler) Run(ctx context.Context, plan *WorkflowPlan, run JobFunc) (*WorkflowResult, error) {
	order, err := executionOrder(plan.Jobs)
	if err != nil {
		return nil, errors.Wrapf(err, "workflow %q", plan.Name)
	}

	started := time.Now()
	byName := make(map[string]*JobPlan, len(plan.Jobs))
	results := make(map[string]*JobResult, len(plan.Jobs))
	done := make(map[string]chan struct{}, len(plan.Jobs))
	for _, j := range plan.Jobs {
		byName[j.Name] = j
		results[j.Name] = &JobResult{Name: j.Name, Status: StatusPending}
		done[j.Name] = make(chan struct{})
	}

	var eg errgroup.Group
	for _, name := range order {
		job := byName[name]
		eg.Go(func() error {
			defer close(done[job.Name])
			for _, r := range job.Requires {
				select {
				case <-done[r]:
				case <-ctx.Done():
				}
			}

			res := results[job.Name]
			if ctx.Err() != nil {
				res.Status = StatusCanceled
				res.Error = ctx.Err().Error()
				return nil
			}
			for _, r := range job.Requires {
				if st := results[r].Status; st.Failed() {
					res.Status = StatusBlocked
					res.Error = "requirement " + r + " " + string(st)
					s.log.Info("job blocked", zap.String("job", job.Name), zap.String("requires", r))
					return nil
				}
			}

			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				res.Status = StatusCanceled
				res.Error = ctx.Err().Error()
				return nil
			}
			defer func() { <-s.sem }()

			*res = *run(ctx, job)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	wr := &WorkflowResult{Name: plan.Name, Status: StatusSuccess, Duration: time.Since(started)}
	for _, j := range plan.Jobs {
		r := results[j.Name]
		if r.Status.Failed() {
			wr.Status = StatusFailed
		}
		wr.Jobs = append(wr.Jobs, r)
	}
	for _, name := range plan.Skipped {
		wr.Jobs = append(wr.Jobs, &JobResult{Name: name, Status: StatusSkipped})
	}
	return wr, nil
}
